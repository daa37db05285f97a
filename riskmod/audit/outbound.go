package audit

import (
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/model"
)

// Outbound is a side effect requested by a decision. The decision algorithm
// only produces these; the Dispatcher performs them.
type Outbound interface {
	Kind() string
}

// Append a record to the audit sink.
type AuditAppend struct {
	Record *Record
}

func (AuditAppend) Kind() string { return "audit-append" }

// Notify the reputation service of a decision.
type ReputationEvent struct {
	DecisionID  string          `json:"decisionId"`
	SubmitterID string          `json:"submitterId"`
	ContentID   string          `json:"contentId"`
	Action      model.Action    `json:"action"`
	Category    *model.Category `json:"category,omitempty"`
	Severity    model.Severity  `json:"severity,omitempty"`
	Confidence  float64         `json:"confidence"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

func (ReputationEvent) Kind() string { return "reputation-event" }

// Count an enforced violation (limit or block) against the submitter.
type ViolationRecorded struct {
	DecisionID  string
	SubmitterID string
	Action      model.Action
	OccurredAt  time.Time
}

func (ViolationRecorded) Kind() string { return "violation-recorded" }
