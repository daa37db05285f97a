package policy

import (
	"fmt"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/model"
)

// A named, versioned bundle of rules and vendor weights. Switching the active
// template swaps data; it never changes code paths.
type Template struct {
	Name          string               `json:"name"`
	Version       string               `json:"version"`
	Rules         []model.PolicyRule   `json:"rules"`
	VendorWeights []model.VendorWeight `json:"vendorWeights"`
}

func (t *Template) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("%w: template %q has no version", ErrInvalidRule, t.Name)
	}
	seen := make(map[ruleKey]bool)
	for i := range t.Rules {
		r := t.Rules[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: template %s rule %s/%s: %v", ErrInvalidRule, t.Version, r.ContentType, r.Category, err)
		}
		k := ruleKey{Version: t.Version, ContentType: r.ContentType, Category: r.Category}
		if seen[k] {
			return fmt.Errorf("%w: template %s has duplicate rule for %s/%s", ErrInvalidRule, t.Version, r.ContentType, r.Category)
		}
		seen[k] = true
	}
	for _, w := range t.VendorWeights {
		if w.Weight < 0 {
			return fmt.Errorf("%w: template %s: negative weight for %s/%s", ErrInvalidRule, t.Version, w.VendorName, w.Category)
		}
	}
	return nil
}

type categoryDefault struct {
	threshold float64
	severity  model.Severity
	action    model.Action
	base      time.Duration
	cap       time.Duration
}

const (
	hour = time.Hour
	day  = 24 * time.Hour
)

var balancedDefaults = map[model.Category]categoryDefault{
	model.CategoryHate:     {0.70, model.SeverityHigh, model.ActionBlock, 24 * hour, 30 * day},
	model.CategoryViolence: {0.70, model.SeverityHigh, model.ActionBlock, 24 * hour, 30 * day},
	model.CategorySexual:   {0.75, model.SeverityMedium, model.ActionLimit, 6 * hour, 7 * day},
	model.CategorySpam:     {0.65, model.SeverityLow, model.ActionLimit, 1 * hour, 7 * day},
	model.CategoryScam:     {0.60, model.SeverityHigh, model.ActionBlock, 24 * hour, 30 * day},
	model.CategorySelfHarm: {0.60, model.SeverityHigh, model.ActionReview, 0, 0},
	model.CategoryFraud:    {0.60, model.SeverityCritical, model.ActionBlock, 72 * hour, 90 * day},
	model.CategoryOther:    {0.85, model.SeverityLow, model.ActionReview, 0, 0},
}

// buildTemplate expands per-category defaults across every content type. tweak
// may adjust each rule, and returns false to drop it.
func buildTemplate(name, version string, tweak func(r *model.PolicyRule) bool, weights []model.VendorWeight) Template {
	t := Template{Name: name, Version: version, VendorWeights: weights}
	for _, ct := range model.AllContentTypes {
		for _, cat := range model.AllCategories {
			d := balancedDefaults[cat]
			r := model.PolicyRule{
				ContentType:   ct,
				Category:      cat,
				BaseThreshold: d.threshold,
				Severity:      d.severity,
				Action:        d.action,
				Duration:      model.DurationPolicy{Base: d.base, Multiplier: 2, Cap: d.cap},
				Version:       version,
			}
			// listings are where scams and fraud concentrate
			if ct == model.ContentListing && (cat == model.CategoryScam || cat == model.CategoryFraud) {
				r.BaseThreshold -= 0.05
			}
			if tweak != nil && !tweak(&r) {
				continue
			}
			r.BaseThreshold = clampThreshold(r.BaseThreshold)
			t.Rules = append(t.Rules, r)
		}
	}
	return t
}

func clampThreshold(v float64) float64 {
	if v < 0.05 {
		return 0.05
	}
	if v > 0.99 {
		return 0.99
	}
	return v
}

const (
	StrictVersion        = "strict@1"
	BalancedVersion      = "balanced@1"
	LenientVersion       = "lenient@1"
	CryptoFocusedVersion = "crypto-focused@1"
)

// DefaultTemplates returns the built-in policy bundles. Balanced is the
// default active template.
func DefaultTemplates() []Template {
	strict := buildTemplate("Strict", StrictVersion, func(r *model.PolicyRule) bool {
		r.BaseThreshold *= 0.85
		if r.Action == model.ActionLimit && r.Severity.Rank() >= model.SeverityMedium.Rank() {
			r.Action = model.ActionBlock
		}
		return true
	}, nil)

	balanced := buildTemplate("Balanced", BalancedVersion, nil, nil)

	lenient := buildTemplate("Lenient", LenientVersion, func(r *model.PolicyRule) bool {
		r.BaseThreshold *= 1.15
		if r.Action == model.ActionBlock && r.Severity.Rank() < model.SeverityCritical.Rank() {
			r.Action = model.ActionLimit
		}
		r.Duration.Base /= 2
		return true
	}, nil)

	crypto := buildTemplate("Crypto-Focused", CryptoFocusedVersion, func(r *model.PolicyRule) bool {
		switch r.Category {
		case model.CategoryScam, model.CategoryFraud:
			r.BaseThreshold -= 0.1
			r.Severity = model.SeverityCritical
			r.Action = model.ActionBlock
		case model.CategorySpam:
			r.BaseThreshold = 0.55
		}
		return true
	}, []model.VendorWeight{
		{VendorName: "chainabuse", Category: model.CategoryScam, Weight: 2},
		{VendorName: "chainabuse", Category: model.CategoryFraud, Weight: 2},
		{VendorName: "hive", Category: model.CategoryScam, Weight: 0.5},
	})

	return []Template{strict, balanced, lenient, crypto}
}
