package trust

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/cachestore"
	"github.com/magickw/linkdao-riskmod/riskmod/countstore"
	"github.com/magickw/linkdao-riskmod/riskmod/flagstore"
	"github.com/magickw/linkdao-riskmod/riskmod/flightcache"
	"github.com/magickw/linkdao-riskmod/riskmod/model"
)

const (
	// counter name under which limit/block decisions are recorded, keyed by submitter
	ViolationCounter = "violations"

	// shared cache namespace
	cacheName = "trust"

	DefaultReputation = 50.0
)

type AggregatorConfig struct {
	// how long a successfully fetched context is reused
	TTL time.Duration
	// how long a degraded default is reused before the provider is retried
	ErrorTTL time.Duration
	Capacity int

	// optional shared cache, consulted before the provider
	SharedCache cachestore.CacheStore
	// optional operator-assigned wallet flags, keyed by wallet address
	Flags flagstore.FlagStore
	// optional locally recorded violations, keyed by submitter
	Counts countstore.CountStore
	// rolling window for local violation counts
	ViolationPeriod string

	Logger *slog.Logger
	Now    func() time.Time
}

func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		TTL:             10 * time.Minute,
		ErrorTTL:        30 * time.Second,
		Capacity:        50_000,
		ViolationPeriod: countstore.PeriodMonth,
	}
}

type contextKey struct {
	SubmitterID string
	Wallet      string
}

func (k contextKey) String() string {
	return k.SubmitterID + "|" + k.Wallet
}

// Assembles a UserContext for a submitter: upstream provider (cached, with
// single-flight loads), plus locally known wallet flags and violations.
type Aggregator struct {
	provider Provider
	shared   *cachestore.JSONCache[model.UserContext]
	flags    flagstore.FlagStore
	counts   countstore.CountStore
	period   string
	logger   *slog.Logger
	now      func() time.Time

	cache *flightcache.Cache[contextKey, model.UserContext]
}

func NewAggregator(provider Provider, config AggregatorConfig) (*Aggregator, error) {
	if provider == nil {
		return nil, fmt.Errorf("trust provider is required")
	}
	def := DefaultAggregatorConfig()
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.ErrorTTL <= 0 {
		config.ErrorTTL = def.ErrorTTL
	}
	if config.ViolationPeriod == "" {
		config.ViolationPeriod = def.ViolationPeriod
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	a := &Aggregator{
		provider: provider,
		flags:    config.Flags,
		counts:   config.Counts,
		period:   config.ViolationPeriod,
		logger:   logger.With("component", "trust"),
		now:      now,
	}
	if config.SharedCache != nil {
		// a context read from the shared tier is cached again locally, so cap its age there
		a.shared = cachestore.NewJSONCache[model.UserContext](config.SharedCache, cacheName, config.TTL)
		a.shared.Now = now
	}
	errorTTL := config.ErrorTTL
	cache, err := flightcache.New(a.load, flightcache.Options[contextKey, model.UserContext]{
		Name:      "trust_contexts",
		Capacity:  config.Capacity,
		TTL:       config.TTL,
		KeyString: contextKey.String,
		Now:       now,
		TTLFor: func(uc model.UserContext) time.Duration {
			if uc.Degraded {
				return errorTTL
			}
			return 0
		},
	})
	if err != nil {
		return nil, err
	}
	a.cache = cache
	return a, nil
}

// DegradedContext is the conservative default used when no trust context can
// be fetched: middling reputation, no known violations, a brand new account,
// and an unverified wallet.
func DegradedContext(submitterID, wallet string, now time.Time) model.UserContext {
	flags := model.NewWalletRiskFlags()
	if wallet != "" {
		flags = model.NewWalletRiskFlags(model.WalletNewWallet)
	}
	return model.UserContext{
		SubmitterID:     submitterID,
		ReputationScore: DefaultReputation,
		WalletRiskFlags: flags,
		Degraded:        true,
		FetchedAt:       now,
	}
}

// runs inside the single flight for the key
func (a *Aggregator) load(ctx context.Context, k contextKey) (model.UserContext, error) {
	if a.shared != nil {
		uc, ok, err := a.shared.Get(ctx, k.String())
		if err != nil {
			a.logger.Warn("shared context cache read failed", "submitter", k.SubmitterID, "err", err)
		} else if ok && uc != nil {
			contextFetches.WithLabelValues("shared-cache").Inc()
			return *uc, nil
		}
	}

	pc, err := a.provider.FetchContext(ctx, k.SubmitterID, k.Wallet)
	if err != nil {
		return model.UserContext{}, err
	}
	contextFetches.WithLabelValues("provider").Inc()
	uc := toUserContext(a.logger, k.SubmitterID, pc)
	uc.FetchedAt = a.now()

	if a.shared != nil {
		if err := a.shared.Set(ctx, k.String(), &uc); err != nil {
			a.logger.Warn("shared context cache write failed", "submitter", k.SubmitterID, "err", err)
		}
	}
	return uc, nil
}

// FetchContext is like GetContext, but returns an error (wrapping
// ErrContextUnavailable) instead of substituting a degraded default.
func (a *Aggregator) FetchContext(ctx context.Context, submitterID, wallet string) (*model.UserContext, error) {
	k := contextKey{SubmitterID: submitterID, Wallet: wallet}
	uc, err := a.cache.Get(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextUnavailable, err)
	}
	if uc.Degraded {
		return nil, fmt.Errorf("%w: provider recently failed", ErrContextUnavailable)
	}
	out := a.mergeLocal(ctx, uc, wallet)
	return &out, nil
}

// GetContext always returns a context. If the provider fails (and there is no
// previously fetched context to fall back on) the result is a degraded
// default, which is cached briefly.
func (a *Aggregator) GetContext(ctx context.Context, submitterID, wallet string) *model.UserContext {
	k := contextKey{SubmitterID: submitterID, Wallet: wallet}
	uc, hit, err := a.cache.GetWithCacheState(ctx, k)
	if err == nil && !hit && uc.Degraded {
		// an expired degraded entry whose retry also failed; hold off for another error TTL
		a.cache.Set(k, uc)
	}
	if err != nil {
		a.logger.Warn("using degraded user context", "submitter", submitterID, "err", err)
		contextFetches.WithLabelValues("degraded").Inc()
		degradedContexts.Inc()
		uc = DegradedContext(submitterID, wallet, a.now())
		a.cache.Set(k, uc)
	}
	out := a.mergeLocal(ctx, uc, wallet)
	return &out
}

// Invalidate drops any cached context for the submitter and wallet.
func (a *Aggregator) Invalidate(ctx context.Context, submitterID, wallet string) {
	k := contextKey{SubmitterID: submitterID, Wallet: wallet}
	a.cache.Purge(k)
	if a.shared != nil {
		if err := a.shared.Purge(ctx, k.String()); err != nil {
			a.logger.Warn("shared context cache purge failed", "submitter", submitterID, "err", err)
		}
	}
}

// mergeLocal folds in operator wallet flags and locally recorded violations.
// These are read on every call (not cached) so that they take effect
// immediately. Failures are logged and skipped.
func (a *Aggregator) mergeLocal(ctx context.Context, uc model.UserContext, wallet string) model.UserContext {
	if a.flags != nil && wallet != "" {
		// wallet addresses are case-insensitive; flags are stored lower case
		raw, err := a.flags.Get(ctx, strings.ToLower(wallet))
		if err != nil {
			a.logger.Warn("wallet flag lookup failed", "wallet", wallet, "err", err)
		} else if len(raw) > 0 {
			var extra []model.WalletRiskFlag
			for _, s := range raw {
				f, err := model.ParseWalletRiskFlag(s)
				if err != nil {
					continue
				}
				extra = append(extra, f)
			}
			uc = uc.WithWalletFlags(model.NewWalletRiskFlags(extra...))
		}
	}
	if a.counts != nil && uc.SubmitterID != "" {
		n, err := a.counts.GetCount(ctx, ViolationCounter, uc.SubmitterID, a.period)
		if err != nil {
			a.logger.Warn("violation count lookup failed", "submitter", uc.SubmitterID, "err", err)
		} else if n > uc.RecentViolationCount {
			uc = uc.WithViolationCount(n)
		}
	}
	return uc
}
