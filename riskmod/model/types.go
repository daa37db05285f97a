package model

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// A single content item submitted for evaluation, along with every classifier
// result collected for it. Created once per evaluation and not modified after.
type ModerationRequest struct {
	ContentID     string         `json:"contentId"`
	ContentType   ContentType    `json:"contentType"`
	SubmitterID   string         `json:"submitterId"`
	WalletAddress string         `json:"walletAddress,omitempty"`
	HasLinks      bool           `json:"hasLinks"`
	HasMedia      bool           `json:"hasMedia"`
	VendorResults []VendorResult `json:"vendorResults"`
}

func (r *ModerationRequest) Validate() error {
	if r.ContentID == "" {
		return fmt.Errorf("missing contentId")
	}
	if !r.ContentType.IsValid() {
		return fmt.Errorf("unknown content type: %q", r.ContentType)
	}
	if r.SubmitterID == "" {
		return fmt.Errorf("missing submitterId")
	}
	for i, vr := range r.VendorResults {
		if vr.VendorName == "" {
			return fmt.Errorf("vendor result %d: missing vendorName", i)
		}
		if math.IsNaN(vr.Confidence) || vr.Confidence < 0 || vr.Confidence > 1 {
			return fmt.Errorf("vendor result %d: confidence out of range: %v", i, vr.Confidence)
		}
	}
	return nil
}

// Categories returns the distinct categories present in the vendor results, in
// canonical order.
func (r *ModerationRequest) Categories() []Category {
	seen := make(map[Category]bool)
	for _, vr := range r.VendorResults {
		seen[vr.Category] = true
	}
	var out []Category
	for _, c := range AllCategories {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out
}

type VendorResult struct {
	VendorName string   `json:"vendorName"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	// opaque reference to vendor evidence; never interpreted here
	RawPayloadRef string `json:"rawPayloadRef,omitempty"`
}

// Progressive penalty duration: the first violation gets Base, and each
// additional violation in the rolling window multiplies the previous duration
// by Multiplier, until Cap.
type DurationPolicy struct {
	Base       time.Duration `json:"base"`
	Multiplier float64       `json:"multiplier"`
	Cap        time.Duration `json:"cap"`
}

// For returns the penalty duration given the count of prior violations in the
// rolling window (zero means first offense).
func (dp DurationPolicy) For(violations int) time.Duration {
	if dp.Base <= 0 {
		return 0
	}
	mult := dp.Multiplier
	if mult < 2 {
		mult = 2
	}
	limit := dp.Cap
	if limit <= 0 || limit < dp.Base {
		limit = dp.Base
	}
	d := float64(dp.Base)
	for i := 0; i < violations; i++ {
		d = d * mult
		if d >= float64(limit) {
			return limit
		}
	}
	return time.Duration(d)
}

// Exactly one active rule exists for each (ContentType, Category) key within
// a template version.
type PolicyRule struct {
	ContentType   ContentType    `json:"contentType"`
	Category      Category       `json:"category"`
	BaseThreshold float64        `json:"baseThreshold"`
	Severity      Severity       `json:"severity"`
	Action        Action         `json:"action"`
	Duration      DurationPolicy `json:"durationPolicy"`
	Version       string         `json:"version,omitempty"`
}

// Validate reports configuration which the resolver can not safely act on.
func (r *PolicyRule) Validate() error {
	if !r.ContentType.IsValid() {
		return fmt.Errorf("unknown content type: %q", r.ContentType)
	}
	if !r.Category.IsValid() {
		return fmt.Errorf("unknown category: %q", r.Category)
	}
	if math.IsNaN(r.BaseThreshold) || r.BaseThreshold <= 0 || r.BaseThreshold > 1 {
		return fmt.Errorf("base threshold out of range (0,1]: %v", r.BaseThreshold)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("unknown severity: %q", r.Severity)
	}
	if !r.Action.IsValid() {
		return fmt.Errorf("unknown action: %q", r.Action)
	}
	if r.Duration.Base < 0 || r.Duration.Cap < 0 {
		return fmt.Errorf("negative duration policy")
	}
	return nil
}

type VendorWeight struct {
	VendorName string   `json:"vendorName"`
	Category   Category `json:"category"`
	Weight     float64  `json:"weight"`
}

type BehaviorSignals struct {
	PostingFrequency float64 `json:"postingFrequency"`
	EngagementRatio  float64 `json:"engagementRatio"`
}

// Set of wallet risk flags, kept sorted and de-duplicated. "none" only appears
// on its own.
type WalletRiskFlags []WalletRiskFlag

func NewWalletRiskFlags(flags ...WalletRiskFlag) WalletRiskFlags {
	seen := make(map[WalletRiskFlag]bool, len(flags))
	out := WalletRiskFlags{}
	for _, f := range flags {
		if f == "" || f == WalletNone || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	if len(out) == 0 {
		return WalletRiskFlags{WalletNone}
	}
	slices.Sort(out)
	return out
}

func (w WalletRiskFlags) Has(f WalletRiskFlag) bool {
	return slices.Contains(w, f)
}

// Union returns a new set; neither input is modified.
func (w WalletRiskFlags) Union(o WalletRiskFlags) WalletRiskFlags {
	all := make([]WalletRiskFlag, 0, len(w)+len(o))
	all = append(all, w...)
	all = append(all, o...)
	return NewWalletRiskFlags(all...)
}

// Snapshot of a submitter's trust context. Values are copied, never mutated
// in place; use the With* helpers to derive a modified snapshot.
type UserContext struct {
	SubmitterID          string          `json:"submitterId"`
	ReputationScore      float64         `json:"reputationScore"`
	AccountAgeDays       int             `json:"accountAgeDays"`
	RecentViolationCount int             `json:"recentViolationCount"`
	WalletRiskFlags      WalletRiskFlags `json:"walletRiskFlags"`
	BehaviorSignals      BehaviorSignals `json:"behaviorSignals"`
	// set when the trust provider could not be reached and defaults were used
	Degraded  bool      `json:"degraded"`
	FetchedAt time.Time `json:"fetchedAt"`
}

func (uc UserContext) clone() UserContext {
	uc.WalletRiskFlags = slices.Clone(uc.WalletRiskFlags)
	return uc
}

func (uc UserContext) WithViolationCount(n int) UserContext {
	out := uc.clone()
	out.RecentViolationCount = n
	return out
}

func (uc UserContext) WithWalletFlags(flags WalletRiskFlags) UserContext {
	out := uc.clone()
	out.WalletRiskFlags = out.WalletRiskFlags.Union(flags)
	return out
}

type ThresholdAdjustment struct {
	Category            Category `json:"category"`
	Multiplier          float64  `json:"multiplier"`
	ContributingFactors []string `json:"contributingFactors"`
}

// Final, write-once outcome of an evaluation.
type Decision struct {
	ID        string `json:"id"`
	ContentID string `json:"contentId"`
	Action    Action `json:"action"`
	// nil for allow
	Category         *Category `json:"category,omitempty"`
	Confidence       float64   `json:"confidence"`
	ThresholdApplied float64   `json:"thresholdApplied"`
	// only set for limit and block; JSON encoded as nanoseconds
	Duration      *time.Duration `json:"duration,omitempty"`
	Reasoning     []string       `json:"reasoning"`
	DecidedAt     time.Time      `json:"decidedAt"`
	PolicyVersion string         `json:"policyVersion,omitempty"`
	Degraded      bool           `json:"degraded"`
}
