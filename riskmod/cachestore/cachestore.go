package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Key/value cache of serialized values, with a fixed TTL set by the
// implementation. A missing key is reported as an empty string, not an error.
type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
}

// bump when the shape of a cached type changes; older entries then read as misses
const envelopeVersion = 1

type envelope struct {
	Version  int             `json:"v"`
	StoredAt time.Time       `json:"storedAt"`
	Data     json.RawMessage `json:"data"`
}

// Typed view over a CacheStore namespace, storing values as JSON.
//
// The store's own TTL bounds how long an entry lives in the backend, but a
// value can also sit in a reader's first-tier cache afterwards. MaxAge caps
// the age of an entry at read time, so the total staleness stays bounded.
type JSONCache[T any] struct {
	Store CacheStore
	Name  string
	// zero means no limit beyond the store TTL
	MaxAge time.Duration
	Now    func() time.Time
}

func NewJSONCache[T any](store CacheStore, name string, maxAge time.Duration) *JSONCache[T] {
	return &JSONCache[T]{Store: store, Name: name, MaxAge: maxAge, Now: time.Now}
}

func (c *JSONCache[T]) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Get returns the cached value and true on a hit. A corrupt entry is a miss
// and also returns an error, for logging.
func (c *JSONCache[T]) Get(ctx context.Context, key string) (*T, bool, error) {
	raw, err := c.Store.Get(ctx, c.Name, key)
	if err != nil {
		lookups.WithLabelValues(c.Name, "error").Inc()
		return nil, false, err
	}
	if raw == "" {
		lookups.WithLabelValues(c.Name, "miss").Inc()
		return nil, false, nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		lookups.WithLabelValues(c.Name, "corrupt").Inc()
		return nil, false, fmt.Errorf("parsing cached %s entry: %w", c.Name, err)
	}
	if env.Version != envelopeVersion {
		lookups.WithLabelValues(c.Name, "version").Inc()
		return nil, false, nil
	}
	if c.MaxAge > 0 && c.now().Sub(env.StoredAt) > c.MaxAge {
		lookups.WithLabelValues(c.Name, "expired").Inc()
		return nil, false, nil
	}
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		lookups.WithLabelValues(c.Name, "corrupt").Inc()
		return nil, false, fmt.Errorf("parsing cached %s value: %w", c.Name, err)
	}
	lookups.WithLabelValues(c.Name, "hit").Inc()
	return &out, true, nil
}

func (c *JSONCache[T]) Set(ctx context.Context, key string, val *T) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	b, err := json.Marshal(envelope{Version: envelopeVersion, StoredAt: c.now(), Data: data})
	if err != nil {
		return err
	}
	return c.Store.Set(ctx, c.Name, key, string(b))
}

func (c *JSONCache[T]) Purge(ctx context.Context, key string) error {
	return c.Store.Purge(ctx, c.Name, key)
}
