package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/magickw/linkdao-riskmod/util"

	"golang.org/x/time/rate"
)

type HTTPProviderConfig struct {
	// eg, "https://reputation.internal"; contexts are fetched from {Host}/v1/trust/{submitter}
	Host string
	// optional bearer token
	Token string
	// outbound request rate limit, per second
	RateLimit float64
	Burst     int
	Timeout   time.Duration
	Logger    *slog.Logger
}

func DefaultHTTPProviderConfig() HTTPProviderConfig {
	return HTTPProviderConfig{
		RateLimit: 200,
		Burst:     50,
		Timeout:   1500 * time.Millisecond,
	}
}

// Provider backed by the reputation service JSON API.
type HTTPProvider struct {
	host    string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ Provider = (*HTTPProvider)(nil)

func NewHTTPProvider(config HTTPProviderConfig) (*HTTPProvider, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("trust provider host is required")
	}
	if _, err := url.Parse(config.Host); err != nil {
		return nil, fmt.Errorf("invalid trust provider host: %w", err)
	}
	def := DefaultHTTPProviderConfig()
	if config.RateLimit <= 0 {
		config.RateLimit = def.RateLimit
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// the decision path has a latency budget: one quick retry at most
	opts := util.DefaultHTTPClientOptions()
	opts.RetryMax = 1
	opts.RetryWaitMin = 50 * time.Millisecond
	opts.RetryWaitMax = 200 * time.Millisecond
	opts.Timeout = config.Timeout
	opts.Logger = logger

	return &HTTPProvider{
		host:    config.Host,
		token:   config.Token,
		client:  util.NewRobustHTTPClient(opts),
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
		logger:  logger.With("component", "trust-http"),
	}, nil
}

func (p *HTTPProvider) FetchContext(ctx context.Context, submitterID, wallet string) (*ProviderContext, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limited: %v", ErrContextUnavailable, err)
	}

	u := p.host + "/v1/trust/" + url.PathEscape(submitterID)
	if wallet != "" {
		u += "?" + url.Values{"wallet": []string{wallet}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	providerDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: reputation service status %d", ErrContextUnavailable, resp.StatusCode)
	}

	var pc ProviderContext
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&pc); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrContextUnavailable, err)
	}
	return &pc, nil
}
