package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/flightcache"
	"github.com/magickw/linkdao-riskmod/riskmod/model"
)

type AccessorConfig struct {
	// how long rules, weights and the active version are served from cache
	TTL time.Duration
	// max cached rule keys
	Capacity int
	Logger   *slog.Logger
	// clock override for tests
	Now func() time.Time
}

func DefaultAccessorConfig() AccessorConfig {
	return AccessorConfig{
		TTL:      5 * time.Minute,
		Capacity: 4096,
	}
}

const versionKey = "active"

// Cached, read-through access to a policy Store.
//
// A missing rule is cached like any other answer; it is never replaced with a
// default.
type Accessor struct {
	store  Store
	logger *slog.Logger

	rules   *flightcache.Cache[ruleKey, *model.PolicyRule]
	weights *flightcache.Cache[model.Category, map[string]float64]
	version *flightcache.Cache[string, string]
}

func NewAccessor(store Store, config AccessorConfig) (*Accessor, error) {
	if store == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultAccessorConfig().TTL
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Accessor{
		store:  store,
		logger: logger.With("component", "policy"),
	}

	var err error
	a.rules, err = flightcache.New(a.loadRule, flightcache.Options[ruleKey, *model.PolicyRule]{
		Name:      "policy_rules",
		Capacity:  config.Capacity,
		TTL:       config.TTL,
		KeyString: ruleKey.String,
		Now:       config.Now,
	})
	if err != nil {
		return nil, err
	}
	a.weights, err = flightcache.New(a.loadWeights, flightcache.Options[model.Category, map[string]float64]{
		Name:      "policy_weights",
		Capacity:  len(model.AllCategories) * 2,
		TTL:       config.TTL,
		KeyString: func(c model.Category) string { return string(c) },
		Now:       config.Now,
	})
	if err != nil {
		return nil, err
	}
	a.version, err = flightcache.New(a.loadVersion, flightcache.Options[string, string]{
		Name:      "policy_version",
		Capacity:  1,
		TTL:       config.TTL,
		KeyString: func(s string) string { return s },
		Now:       config.Now,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// missing rules load as nil, so "not found" is cached rather than re-queried on every request
func (a *Accessor) loadRule(ctx context.Context, k ruleKey) (*model.PolicyRule, error) {
	r, err := a.store.FetchActiveRule(ctx, k.ContentType, k.Category, k.Version)
	if errors.Is(err, ErrPolicyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (a *Accessor) loadWeights(ctx context.Context, cat model.Category) (map[string]float64, error) {
	w, err := a.store.FetchVendorWeights(ctx, cat)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = map[string]float64{}
	}
	return w, nil
}

func (a *Accessor) loadVersion(ctx context.Context, _ string) (string, error) {
	return a.store.ActiveVersion(ctx)
}

func (a *Accessor) GetActiveTemplateVersion(ctx context.Context) (string, error) {
	v, err := a.version.Get(ctx, versionKey)
	if err != nil {
		return "", fmt.Errorf("fetching active policy version: %w", err)
	}
	return v, nil
}

// GetRule returns the active rule for the key, or ErrPolicyNotFound.
func (a *Accessor) GetRule(ctx context.Context, ct model.ContentType, cat model.Category) (*model.PolicyRule, error) {
	version, err := a.GetActiveTemplateVersion(ctx)
	if err != nil {
		return nil, err
	}
	return a.GetRuleForVersion(ctx, ct, cat, version)
}

// GetRuleForVersion pins the template version, so that every lookup for one
// decision reads from the same template even if it is switched mid-flight.
func (a *Accessor) GetRuleForVersion(ctx context.Context, ct model.ContentType, cat model.Category, version string) (*model.PolicyRule, error) {
	k := ruleKey{Version: version, ContentType: ct, Category: cat}
	r, err := a.rules.Get(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("fetching policy rule %s: %w", k, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, k)
	}
	out := *r
	return &out, nil
}

func (a *Accessor) GetVendorWeights(ctx context.Context, cat model.Category) (map[string]float64, error) {
	w, err := a.weights.Get(ctx, cat)
	if err != nil {
		return nil, fmt.Errorf("fetching vendor weights for %s: %w", cat, err)
	}
	return maps.Clone(w), nil
}

// UpdateRule upserts a rule. An empty Version targets the active template.
func (a *Accessor) UpdateRule(ctx context.Context, rule model.PolicyRule) (*model.PolicyRule, error) {
	if rule.Version == "" {
		v, err := a.GetActiveTemplateVersion(ctx)
		if err != nil {
			return nil, err
		}
		rule.Version = v
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := a.store.PutRule(ctx, rule); err != nil {
		return nil, err
	}
	a.rules.Purge(ruleKey{Version: rule.Version, ContentType: rule.ContentType, Category: rule.Category})
	a.logger.Info("policy rule updated", "version", rule.Version, "content_type", rule.ContentType, "category", rule.Category, "threshold", rule.BaseThreshold, "action", rule.Action)
	return &rule, nil
}

func (a *Accessor) DeleteRule(ctx context.Context, ct model.ContentType, cat model.Category, version string) error {
	if version == "" {
		v, err := a.GetActiveTemplateVersion(ctx)
		if err != nil {
			return err
		}
		version = v
	}
	if err := a.store.DeleteRule(ctx, ct, cat, version); err != nil {
		return err
	}
	a.rules.Purge(ruleKey{Version: version, ContentType: ct, Category: cat})
	a.logger.Warn("policy rule deleted", "version", version, "content_type", ct, "category", cat)
	return nil
}

func (a *Accessor) SetVendorWeights(ctx context.Context, cat model.Category, weights map[string]float64) error {
	if err := a.store.PutVendorWeights(ctx, cat, weights); err != nil {
		return err
	}
	a.weights.Purge(cat)
	a.logger.Info("vendor weights updated", "category", cat, "vendors", len(weights))
	return nil
}

// SwitchTemplate activates another template. Rule entries are keyed by
// version so they stay valid; the version and weights caches are dropped.
func (a *Accessor) SwitchTemplate(ctx context.Context, version string) error {
	if err := a.store.ActivateTemplate(ctx, version); err != nil {
		return err
	}
	a.version.PurgeAll()
	a.weights.PurgeAll()
	a.logger.Info("policy template switched", "version", version)
	return nil
}
