package trust

import (
	"context"
	"errors"
	"log/slog"

	"github.com/magickw/linkdao-riskmod/riskmod/model"
)

// The upstream trust/reputation service could not supply a context.
var ErrContextUnavailable = errors.New("user context unavailable")

// What the upstream reputation service knows about a submitter.
type ProviderContext struct {
	ReputationScore      float64               `json:"reputationScore"`
	AccountAgeDays       int                   `json:"accountAgeDays"`
	RecentViolationCount int                   `json:"recentViolationCount"`
	WalletRiskFlags      []string              `json:"walletRiskFlags,omitempty"`
	BehaviorSignals      model.BehaviorSignals `json:"behaviorSignals"`
}

// Provider fetches trust context from the system of record. Errors should wrap
// ErrContextUnavailable.
type Provider interface {
	FetchContext(ctx context.Context, submitterID, wallet string) (*ProviderContext, error)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// toUserContext normalizes a provider response. Unknown wallet flags are
// dropped (and logged), not passed through.
func toUserContext(logger *slog.Logger, submitterID string, pc *ProviderContext) model.UserContext {
	var flags []model.WalletRiskFlag
	for _, raw := range pc.WalletRiskFlags {
		f, err := model.ParseWalletRiskFlag(raw)
		if err != nil {
			logger.Warn("ignoring unknown wallet risk flag", "submitter", submitterID, "flag", raw)
			continue
		}
		flags = append(flags, f)
	}
	age := pc.AccountAgeDays
	if age < 0 {
		age = 0
	}
	violations := pc.RecentViolationCount
	if violations < 0 {
		violations = 0
	}
	return model.UserContext{
		SubmitterID:          submitterID,
		ReputationScore:      clampScore(pc.ReputationScore),
		AccountAgeDays:       age,
		RecentViolationCount: violations,
		WalletRiskFlags:      model.NewWalletRiskFlags(flags...),
		BehaviorSignals:      pc.BehaviorSignals,
	}
}
