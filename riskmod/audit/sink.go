package audit

import (
	"context"
	"errors"
	"log/slog"
)

// Append-only destination for audit records. The dispatcher retries a failed
// Append, so a sink that can partially succeed must tolerate a repeated
// Record.DecisionID.
type Sink interface {
	Append(ctx context.Context, rec *Record) error
}

// Fans a record out to several sinks. Every sink is attempted; errors are joined.
// The Dispatcher delivers to each member separately, so one failing member
// does not cause repeat appends to the others.
type MultiSink []Sink

func (ms MultiSink) Append(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range ms {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Writes records to a structured logger. Useful in development, and as a
// sink of last resort.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Append(ctx context.Context, rec *Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var category string
	if rec.Decision.Category != nil {
		category = string(*rec.Decision.Category)
	}
	logger.Info("audit record",
		"decision_id", rec.DecisionID,
		"content_id", rec.Decision.ContentID,
		"submitter", rec.SubmitterID,
		"action", rec.Decision.Action,
		"category", category,
		"confidence", rec.Decision.Confidence,
		"threshold", rec.Decision.ThresholdApplied,
		"policy_version", rec.PolicyVersion,
		"degraded", rec.Degraded,
	)
	return nil
}
