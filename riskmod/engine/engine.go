package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/audit"
	"github.com/magickw/linkdao-riskmod/riskmod/model"
	"github.com/magickw/linkdao-riskmod/riskmod/threshold"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("arbiter")

// Source of policy rules and vendor weights. Implemented by *policy.Accessor.
type PolicySource interface {
	GetActiveTemplateVersion(ctx context.Context) (string, error)
	GetRuleForVersion(ctx context.Context, ct model.ContentType, cat model.Category, version string) (*model.PolicyRule, error)
	GetVendorWeights(ctx context.Context, cat model.Category) (map[string]float64, error)
}

// Source of submitter trust context. Implemented by *trust.Aggregator. Must
// always return a context, degraded if need be.
type ContextSource interface {
	GetContext(ctx context.Context, submitterID, wallet string) *model.UserContext
}

// Receives outbound side effects. Must not block. Implemented by
// *audit.Dispatcher.
type Emitter interface {
	Emit(items []audit.Outbound) error
}

type Config struct {
	// bound on the concurrent context and policy fetch
	RequestTimeout time.Duration

	// a fired critical category at or above this confidence blocks outright
	CriticalBlockConfidence float64
	// submitters with at least this many recent violations are blocked when
	// any category fires at or above RepeatOffenderConfidence
	RepeatOffenderViolations int
	RepeatOffenderConfidence float64
	// new accounts are sent to review when any category fires at or above this
	NewAccountReviewConfidence float64

	// used for limit/block when the firing rule has no duration of its own
	// (eg, a review rule escalated to block)
	FallbackDuration model.DurationPolicy

	Threshold threshold.Config
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:             2 * time.Second,
		CriticalBlockConfidence:    0.95,
		RepeatOffenderViolations:   3,
		RepeatOffenderConfidence:   0.7,
		NewAccountReviewConfidence: 0.8,
		FallbackDuration: model.DurationPolicy{
			Base:       24 * time.Hour,
			Multiplier: 2,
			Cap:        30 * 24 * time.Hour,
		},
		Threshold: threshold.DefaultConfig(),
	}
}

// Resolves moderation requests to decisions. Safe for concurrent use; holds
// no per-request state.
type Engine struct {
	Logger   *slog.Logger
	Policy   PolicySource
	Contexts ContextSource
	// optional; when nil, Decide discards the outbox
	Emitter Emitter

	config   Config
	adjuster *threshold.Adjuster

	// replaced in tests
	now   func() time.Time
	newID func() string
}

func NewEngine(policySource PolicySource, contexts ContextSource, emitter Emitter, config Config, logger *slog.Logger) (*Engine, error) {
	if policySource == nil || contexts == nil {
		return nil, fmt.Errorf("engine requires a policy source and a context source")
	}
	if config.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive")
	}
	adj, err := threshold.NewAdjuster(config.Threshold)
	if err != nil {
		return nil, fmt.Errorf("threshold config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Logger:   logger.With("component", "engine"),
		Policy:   policySource,
		Contexts: contexts,
		Emitter:  emitter,
		config:   config,
		adjuster: adj,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}, nil
}

// Result of one evaluation: the decision, the inputs it was made from, and the
// side effects it requests.
type Evaluation struct {
	Decision    *model.Decision
	Context     *model.UserContext
	Scores      map[model.Category]float64
	Adjustments []model.ThresholdAdjustment
	// severity of the rule behind the decision, if any
	Severity model.Severity
	Outbox   []audit.Outbound
}

// Decide evaluates the request and hands the outbox to the Emitter. It always
// returns a decision.
//
// Cancelling ctx does not abort evaluation, and the audit record is still
// emitted. Callers are responsible for not running concurrent evaluations for
// the same content ID.
func (e *Engine) Decide(ctx context.Context, req *model.ModerationRequest) *model.Decision {
	ev := e.Evaluate(ctx, req)
	if e.Emitter != nil {
		if err := e.Emitter.Emit(ev.Outbox); err != nil {
			emitErrors.Inc()
			e.Logger.Error("failed to queue decision side effects", "decision_id", ev.Decision.ID, "content_id", ev.Decision.ContentID, "err", err)
		}
	}
	return ev.Decision
}

// Evaluate runs the decision algorithm without performing any side effects.
func (e *Engine) Evaluate(ctx context.Context, req *model.ModerationRequest) (ev *Evaluation) {
	start := e.now()
	// evaluation is not cancellable by the caller, but is bounded by our own timeout
	workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.RequestTimeout)
	defer cancel()

	if req == nil {
		req = &model.ModerationRequest{}
	}
	workCtx, span := tracer.Start(workCtx, "Evaluate", trace.WithAttributes(
		attribute.String("content_id", req.ContentID),
		attribute.Int("vendor_results", len(req.VendorResults)),
	))
	defer span.End()

	logger := e.Logger.With("content_id", req.ContentID, "submitter", req.SubmitterID)

	ev = &Evaluation{}
	// similar to an HTTP server, we want to recover any panics from evaluation
	defer func() {
		if r := recover(); r != nil {
			logger.Error("decision evaluation exception", "err", r)
			invariantViolations.WithLabelValues("panic").Inc()
			ev.Decision = e.forcedReview(req, ev.Scores, ev.Context, "", fmt.Sprintf("invariant violation: internal error during evaluation: %v", r))
		}
		ev.Outbox = e.outbox(req, ev)
		e.logDecision(logger, req, ev, start)
		span.SetAttributes(
			attribute.String("action", string(ev.Decision.Action)),
			attribute.String("content_type", string(req.ContentType)),
			attribute.Bool("degraded", ev.Decision.Degraded),
		)
	}()

	if err := validateRequest(req); err != nil {
		invariantViolations.WithLabelValues("invalid-request").Inc()
		ev.Decision = e.forcedReview(req, nil, nil, "", fmt.Sprintf("invalid request: %v", err))
		return ev
	}
	normalized := *req
	normalized.VendorResults = normalizeResults(req.VendorResults)
	results := normalized.VendorResults

	uc, lookup, timedOut := e.fetch(workCtx, req, normalized.Categories())
	ev.Context = uc

	scores := scoreRequest(results, lookup)
	ev.Scores = scores

	r := e.resolve(req, uc, scores, lookup)
	if timedOut {
		r.reasoning = append(r.reasoning, fmt.Sprintf("context or policy fetch exceeded %s; defaults used", e.config.RequestTimeout))
	}
	ev.Adjustments = r.adjustments
	if r.winner != nil && r.winner.rule != nil {
		ev.Severity = r.winner.rule.Severity
	}
	ev.Decision = e.finalize(req, uc, lookup.version, r)
	if err := checkDecision(ev.Decision, scores); err != nil {
		logger.Error("decision failed invariant check", "err", err)
		invariantViolations.WithLabelValues("decision-check").Inc()
		ev.Decision = e.forcedReview(req, scores, uc, lookup.version, fmt.Sprintf("invariant violation: %v", err))
	}
	return ev
}

func (e *Engine) outbox(req *model.ModerationRequest, ev *Evaluation) []audit.Outbound {
	d := ev.Decision
	rec := audit.NewRecord(req, d, ev.Context, ev.Adjustments, ev.Scores, e.now())
	out := []audit.Outbound{audit.AuditAppend{Record: rec}}

	if req.SubmitterID == "" {
		return out
	}
	rev := audit.ReputationEvent{
		DecisionID:  d.ID,
		SubmitterID: req.SubmitterID,
		ContentID:   d.ContentID,
		Action:      d.Action,
		Category:    d.Category,
		Severity:    ev.Severity,
		Confidence:  d.Confidence,
		OccurredAt:  d.DecidedAt,
	}
	out = append(out, rev)
	if d.Action.HasDuration() {
		out = append(out, audit.ViolationRecorded{
			DecisionID:  d.ID,
			SubmitterID: req.SubmitterID,
			Action:      d.Action,
			OccurredAt:  d.DecidedAt,
		})
	}
	return out
}

// one structured line per decision
func (e *Engine) logDecision(logger *slog.Logger, req *model.ModerationRequest, ev *Evaluation, start time.Time) {
	d := ev.Decision
	elapsed := e.now().Sub(start)
	decisionCount.WithLabelValues(string(d.Action), string(req.ContentType)).Inc()
	evaluationDuration.WithLabelValues(string(d.Action)).Observe(elapsed.Seconds())
	if d.Degraded {
		degradedDecisions.Inc()
	}
	var category string
	if d.Category != nil {
		category = string(*d.Category)
	}
	var duration string
	if d.Duration != nil {
		duration = d.Duration.String()
	}
	logger.Info("decision",
		"decision_id", d.ID,
		"content_type", req.ContentType,
		"action", d.Action,
		"category", category,
		"confidence", d.Confidence,
		"threshold", d.ThresholdApplied,
		"duration", duration,
		"policy_version", d.PolicyVersion,
		"degraded", d.Degraded,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
