// Computes the context-dependent multiplier applied to a policy's base
// threshold for one category.
package threshold

import (
	"fmt"
	"math"

	"github.com/magickw/linkdao-riskmod/riskmod/model"
)

// A reputation band applies Factor to submitters with a score >= Min. Bands
// are checked in order, so they should be sorted by descending Min.
type ReputationBand struct {
	Min    float64
	Factor float64
}

type Config struct {
	MinMultiplier float64
	MaxMultiplier float64

	ReputationBands []ReputationBand
	// factor for reputations below every band
	ReputationFloorFactor float64

	// accounts younger than this are "new"
	NewAccountDays   int
	NewAccountFactor float64

	// each recent violation adds this much to the violation factor, for at most MaxViolationSteps violations
	ViolationStep     float64
	MaxViolationSteps int

	LinksFactor float64
	MediaFactor float64

	// degraded contexts never get a multiplier below this
	DegradedFloor float64
}

func DefaultConfig() Config {
	return Config{
		MinMultiplier: 0.5,
		MaxMultiplier: 1.5,
		ReputationBands: []ReputationBand{
			{Min: 90, Factor: 0.7},
			{Min: 70, Factor: 0.8},
			{Min: 50, Factor: 0.9},
			{Min: 30, Factor: 1.1},
		},
		ReputationFloorFactor: 1.3,
		NewAccountDays:        7,
		NewAccountFactor:      1.2,
		ViolationStep:         0.1,
		MaxViolationSteps:     5,
		LinksFactor:           1.2,
		MediaFactor:           1.1,
		DegradedFloor:         1.2,
	}
}

func (c *Config) Validate() error {
	if c.MinMultiplier <= 0 {
		return fmt.Errorf("minimum multiplier must be positive: %v", c.MinMultiplier)
	}
	if c.MaxMultiplier < c.MinMultiplier {
		return fmt.Errorf("maximum multiplier %v below minimum %v", c.MaxMultiplier, c.MinMultiplier)
	}
	for _, b := range c.ReputationBands {
		if b.Factor <= 0 {
			return fmt.Errorf("reputation band >=%v has non-positive factor", b.Min)
		}
	}
	return nil
}

// IsNewAccount reports whether the context belongs to an account younger than NewAccountDays.
func (c *Config) IsNewAccount(uc *model.UserContext) bool {
	return uc.AccountAgeDays < c.NewAccountDays
}

type Adjuster struct {
	Config Config
}

func NewAdjuster(config Config) (*Adjuster, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adjuster{Config: config}, nil
}

// Adjust composes every applicable factor multiplicatively, then clamps the
// result to [MinMultiplier, MaxMultiplier]. The base threshold does not affect
// the multiplier; it is accepted so callers can log both together.
func (a *Adjuster) Adjust(baseThreshold float64, cat model.Category, uc *model.UserContext, req *model.ModerationRequest) model.ThresholdAdjustment {
	cfg := &a.Config
	mult := 1.0
	factors := []string{}
	apply := func(name string, f float64) {
		mult *= f
		factors = append(factors, fmt.Sprintf("%s:x%.2f", name, f))
	}

	matched := false
	for _, band := range cfg.ReputationBands {
		if uc.ReputationScore >= band.Min {
			apply(fmt.Sprintf("reputation>=%g", band.Min), band.Factor)
			matched = true
			break
		}
	}
	if !matched {
		apply("reputation-low", cfg.ReputationFloorFactor)
	}

	if cfg.IsNewAccount(uc) {
		apply("new-account", cfg.NewAccountFactor)
	}

	if uc.RecentViolationCount > 0 {
		n := uc.RecentViolationCount
		if cfg.MaxViolationSteps > 0 && n > cfg.MaxViolationSteps {
			n = cfg.MaxViolationSteps
		}
		apply(fmt.Sprintf("recent-violations=%d", uc.RecentViolationCount), 1.0+cfg.ViolationStep*float64(n))
	}

	if req != nil && req.HasLinks {
		apply("has-links", cfg.LinksFactor)
	}
	if req != nil && req.HasMedia {
		apply("has-media", cfg.MediaFactor)
	}

	if uc.Degraded && mult < cfg.DegradedFloor {
		mult = cfg.DegradedFloor
		factors = append(factors, fmt.Sprintf("degraded-context:floor%.2f", cfg.DegradedFloor))
	}

	if mult < cfg.MinMultiplier || math.IsNaN(mult) {
		mult = cfg.MinMultiplier
		factors = append(factors, fmt.Sprintf("clamped-min:%.2f", cfg.MinMultiplier))
	} else if mult > cfg.MaxMultiplier {
		mult = cfg.MaxMultiplier
		factors = append(factors, fmt.Sprintf("clamped-max:%.2f", cfg.MaxMultiplier))
	}

	return model.ThresholdAdjustment{
		Category:            cat,
		Multiplier:          mult,
		ContributingFactors: factors,
	}
}

// Effective returns base*multiplier, clamped to [0,1].
func Effective(baseThreshold, multiplier float64) float64 {
	t := baseThreshold * multiplier
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}
