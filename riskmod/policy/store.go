package policy

import (
	"context"
	"errors"

	"github.com/magickw/linkdao-riskmod/riskmod/model"
)

// No active rule exists for a (content type, category) key. Callers must treat
// this as fail-closed; there is never a default rule.
var ErrPolicyNotFound = errors.New("policy rule not found")

// A rule or weight failed validation (eg, a non-positive threshold).
var ErrInvalidRule = errors.New("invalid policy rule")

// Template version does not exist in the store.
var ErrUnknownTemplate = errors.New("unknown policy template")

// The authoritative policy store. Reads are hot-path; writes come from
// administrators and are rare.
type Store interface {
	// returns ErrPolicyNotFound (possibly wrapped) when no rule is configured for the key
	FetchActiveRule(ctx context.Context, ct model.ContentType, cat model.Category, version string) (*model.PolicyRule, error)
	// weights from the currently active template; empty map if none are configured
	FetchVendorWeights(ctx context.Context, cat model.Category) (map[string]float64, error)
	ActiveVersion(ctx context.Context) (string, error)

	// upserts a rule in the template named by rule.Version
	PutRule(ctx context.Context, rule model.PolicyRule) error
	// removes a rule, leaving the key with no active rule
	DeleteRule(ctx context.Context, ct model.ContentType, cat model.Category, version string) error
	// replaces the active template's weights for one category
	PutVendorWeights(ctx context.Context, cat model.Category, weights map[string]float64) error
	ActivateTemplate(ctx context.Context, version string) error
}

type ruleKey struct {
	Version     string
	ContentType model.ContentType
	Category    model.Category
}

func (k ruleKey) String() string {
	return k.Version + "/" + string(k.ContentType) + "/" + string(k.Category)
}

func validateWeights(weights map[string]float64) error {
	for vendor, w := range weights {
		if w < 0 {
			return errors.Join(ErrInvalidRule, errors.New("negative weight for vendor "+vendor))
		}
	}
	return nil
}
