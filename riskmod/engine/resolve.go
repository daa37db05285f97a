package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/ensemble"
	"github.com/magickw/linkdao-riskmod/riskmod/model"
	"github.com/magickw/linkdao-riskmod/riskmod/policy"
	"github.com/magickw/linkdao-riskmod/riskmod/threshold"
)

const failSafeReason = "policy store unavailable — fail-safe review"

// per-category working state
type candidate struct {
	category  model.Category
	score     float64
	rule      *model.PolicyRule
	adj       model.ThresholdAdjustment
	threshold float64
	fired     bool
}

// outranks orders fired candidates by severity, then confidence. Equal pairs
// keep the earlier (canonical) category.
func (c *candidate) outranks(o *candidate) bool {
	if o == nil {
		return true
	}
	cr, or := c.rule.Severity.Rank(), o.rule.Severity.Rank()
	if cr != or {
		return cr > or
	}
	return c.score > o.score
}

// outcome of the decision matrix, before it is turned in to a Decision
type resolution struct {
	action      model.Action
	winner      *candidate
	confidence  float64
	threshold   float64
	duration    time.Duration
	adjustments []model.ThresholdAdjustment
	reasoning   []string
}

func (r *resolution) note(format string, args ...any) {
	r.reasoning = append(r.reasoning, fmt.Sprintf(format, args...))
}

func validateRequest(req *model.ModerationRequest) error {
	return req.Validate()
}

// scoreRequest runs the ensemble with whatever weights were loaded; a
// category whose weights failed to load is scored with default weights.
func scoreRequest(results []model.VendorResult, pl *policyLookup) map[model.Category]float64 {
	return ensemble.Score(results, pl.weights)
}

func (e *Engine) resolve(req *model.ModerationRequest, uc *model.UserContext, scores map[model.Category]float64, pl *policyLookup) *resolution {
	r := &resolution{}
	if uc.Degraded {
		r.note("trust context unavailable: conservative defaults applied (degraded)")
	}

	cats := ensemble.Categories(scores)
	if len(cats) == 0 {
		r.action = model.ActionAllow
		r.note("no classifier signal")
		return r
	}

	if pl.versionErr != nil {
		return e.failSafe(r, scores, pl.versionErr)
	}

	for _, cat := range cats {
		if err, ok := pl.weightErrs[cat]; ok {
			r.note("vendor weights unavailable for %s, using default weights: %v", cat, err)
		}
	}

	var (
		candidates []*candidate
		gaps       []model.Category
		lookupErrs int
		lastErr    error
	)
	for _, cat := range cats {
		rr, ok := pl.rules[cat]
		if !ok {
			rr = ruleResult{err: fmt.Errorf("no lookup result for %s", cat)}
		}
		if rr.err != nil || rr.rule == nil {
			if rr.err != nil && !errors.Is(rr.err, policy.ErrPolicyNotFound) {
				lookupErrs++
				lastErr = rr.err
				r.note("policy lookup failed for %s/%s: %v", req.ContentType, cat, rr.err)
			} else {
				r.note("no policy rule for %s/%s (configuration gap): fail-closed review", req.ContentType, cat)
			}
			policyGaps.WithLabelValues(string(req.ContentType), string(cat)).Inc()
			gaps = append(gaps, cat)
			continue
		}
		if err := rr.rule.Validate(); err != nil {
			invariantViolations.WithLabelValues("invalid-rule").Inc()
			r.action = model.ActionReview
			r.confidence = scores[cat]
			r.note("invariant violation: policy rule %s/%s@%s is invalid: %v", req.ContentType, cat, pl.version, err)
			return r
		}

		adj := e.adjuster.Adjust(rr.rule.BaseThreshold, cat, uc, req)
		c := &candidate{
			category:  cat,
			score:     scores[cat],
			rule:      rr.rule,
			adj:       adj,
			threshold: threshold.Effective(rr.rule.BaseThreshold, adj.Multiplier),
		}
		c.fired = c.score >= c.threshold
		candidates = append(candidates, c)
		r.adjustments = append(r.adjustments, adj)
	}

	if lookupErrs == len(cats) {
		return e.failSafe(r, scores, lastErr)
	}

	var fired []*candidate
	for _, c := range candidates {
		if c.fired {
			fired = append(fired, c)
			r.note("category %s fired: confidence %.3f >= effective threshold %.3f (base %.3f x %.2f)",
				c.category, c.score, c.threshold, c.rule.BaseThreshold, c.adj.Multiplier)
			r.note("adjustment factors for %s: %s", c.category, joinFactors(c.adj.ContributingFactors))
		}
	}

	e.applyMatrix(r, uc, fired)

	if r.winner == nil && len(candidates) > 0 {
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.score > best.score {
				best = c
			}
		}
		r.confidence, r.threshold = best.score, best.threshold
		r.note("no category reached its threshold (highest: %s %.3f < %.3f)", best.category, best.score, best.threshold)
	}

	if len(gaps) > 0 && r.action != model.ActionBlock {
		gap := gaps[0]
		for _, g := range gaps[1:] {
			if scores[g] > scores[gap] {
				gap = g
			}
		}
		r.action = model.ActionReview
		r.winner = &candidate{category: gap, score: scores[gap]}
		r.confidence = scores[gap]
		r.threshold = 0
		r.duration = 0
		r.note("unresolved policy for %s: review", gap)
	}

	if r.action.HasDuration() && r.winner != nil && r.winner.rule != nil {
		r.duration = r.winner.rule.Duration.For(uc.RecentViolationCount)
		if r.duration <= 0 {
			r.duration = e.config.FallbackDuration.For(uc.RecentViolationCount)
		}
		r.note("duration %s (%d prior violations)", r.duration, uc.RecentViolationCount)
	}
	return r
}

// applyMatrix resolves the fired categories: overrides first, in priority
// order, then the firing rule's own action.
func (e *Engine) applyMatrix(r *resolution, uc *model.UserContext, fired []*candidate) {
	if len(fired) == 0 {
		r.action = model.ActionAllow
		return
	}
	cfg := &e.config

	var critical *candidate
	for _, c := range fired {
		if c.rule.Severity == model.SeverityCritical && c.score >= cfg.CriticalBlockConfidence {
			if critical == nil || c.score > critical.score {
				critical = c
			}
		}
	}
	if critical != nil {
		overridesFired.WithLabelValues("critical").Inc()
		r.setWinner(model.ActionBlock, critical)
		r.note("critical severity override: %s at %.3f >= %.2f: block", critical.category, critical.score, cfg.CriticalBlockConfidence)
		return
	}

	if uc.RecentViolationCount >= cfg.RepeatOffenderViolations {
		if c := bestAbove(fired, cfg.RepeatOffenderConfidence); c != nil {
			overridesFired.WithLabelValues("repeat-offender").Inc()
			r.setWinner(model.ActionBlock, c)
			r.note("repeat offender escalation: %d recent violations, %s at %.3f >= %.2f: block",
				uc.RecentViolationCount, c.category, c.score, cfg.RepeatOffenderConfidence)
			return
		}
	}

	if e.adjuster.Config.IsNewAccount(uc) {
		if c := bestAbove(fired, cfg.NewAccountReviewConfidence); c != nil {
			overridesFired.WithLabelValues("new-account").Inc()
			r.setWinner(model.ActionReview, c)
			r.note("new account caution: account age %d days, %s at %.3f >= %.2f: review",
				uc.AccountAgeDays, c.category, c.score, cfg.NewAccountReviewConfidence)
			return
		}
	}

	var best *candidate
	for _, c := range fired {
		if c.outranks(best) {
			best = c
		}
	}
	r.setWinner(best.rule.Action, best)
	r.note("action %s per policy %s for %s (severity %s)", best.rule.Action, best.rule.Version, best.category, best.rule.Severity)
}

func (r *resolution) setWinner(action model.Action, c *candidate) {
	r.action = action
	r.winner = c
	r.confidence = c.score
	r.threshold = c.threshold
}

func bestAbove(fired []*candidate, floor float64) *candidate {
	var best *candidate
	for _, c := range fired {
		if c.score >= floor && c.outranks(best) {
			best = c
		}
	}
	return best
}

func (e *Engine) failSafe(r *resolution, scores map[model.Category]float64, err error) *resolution {
	r.action = model.ActionReview
	_, r.confidence, _ = ensemble.Max(scores)
	r.note(failSafeReason)
	if err != nil {
		r.note("policy error: %v", err)
	}
	return r
}

func joinFactors(factors []string) string {
	if len(factors) == 0 {
		return "none"
	}
	out := factors[0]
	for _, f := range factors[1:] {
		out += ", " + f
	}
	return out
}

func (e *Engine) finalize(req *model.ModerationRequest, uc *model.UserContext, version string, r *resolution) *model.Decision {
	d := &model.Decision{
		ID:               e.newID(),
		ContentID:        req.ContentID,
		Action:           r.action,
		Confidence:       r.confidence,
		ThresholdApplied: r.threshold,
		Reasoning:        r.reasoning,
		DecidedAt:        e.now(),
		PolicyVersion:    version,
		Degraded:         uc != nil && uc.Degraded,
	}
	if d.Reasoning == nil {
		d.Reasoning = []string{}
	}
	if r.winner != nil && r.action != model.ActionAllow {
		cat := r.winner.category
		d.Category = &cat
	}
	if r.action.HasDuration() && r.duration > 0 {
		dur := r.duration
		d.Duration = &dur
	}
	return d
}

// forcedReview is the decision of last resort, used whenever evaluation can
// not complete normally.
func (e *Engine) forcedReview(req *model.ModerationRequest, scores map[model.Category]float64, uc *model.UserContext, version, reason string) *model.Decision {
	_, conf, _ := ensemble.Max(scores)
	return &model.Decision{
		ID:            e.newID(),
		ContentID:     req.ContentID,
		Action:        model.ActionReview,
		Confidence:    conf,
		Reasoning:     []string{reason},
		DecidedAt:     e.now(),
		PolicyVersion: version,
		Degraded:      uc != nil && uc.Degraded,
	}
}

// checkDecision verifies the contract every returned decision must meet.
func checkDecision(d *model.Decision, scores map[model.Category]float64) error {
	if !d.Action.IsValid() {
		return fmt.Errorf("unknown action %q", d.Action)
	}
	if d.Action != model.ActionAllow && len(d.Reasoning) == 0 {
		return fmt.Errorf("%s decision without reasoning", d.Action)
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence out of range: %v", d.Confidence)
	}
	if math.IsNaN(d.ThresholdApplied) || d.ThresholdApplied < 0 || d.ThresholdApplied > 1 {
		return fmt.Errorf("threshold out of range: %v", d.ThresholdApplied)
	}
	if d.Action.HasDuration() {
		if d.Duration == nil || *d.Duration <= 0 {
			return fmt.Errorf("%s decision without a duration", d.Action)
		}
		if d.Category == nil {
			return fmt.Errorf("%s decision without a category", d.Action)
		}
	} else if d.Duration != nil {
		return fmt.Errorf("%s decision with a duration", d.Action)
	}
	if d.Category != nil {
		if _, ok := scores[*d.Category]; !ok {
			return fmt.Errorf("decision category %s was not scored", *d.Category)
		}
	}
	return nil
}
