package trust

import (
	"context"
	"fmt"
	"sync"
)

// In-memory Provider, for tests and local development. An unknown submitter
// is an error, like an unreachable upstream.
type StaticProvider struct {
	mu       sync.RWMutex
	contexts map[string]ProviderContext
	// when set, every fetch fails with this error
	Err error
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{contexts: make(map[string]ProviderContext)}
}

func (p *StaticProvider) Set(submitterID string, pc ProviderContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contexts[submitterID] = pc
}

func (p *StaticProvider) FetchContext(ctx context.Context, submitterID, wallet string) (*ProviderContext, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	pc, ok := p.contexts[submitterID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown submitter %s", ErrContextUnavailable, submitterID)
	}
	return &pc, nil
}
