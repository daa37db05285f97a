package audit

import (
	"slices"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/model"
)

// Immutable snapshot of everything that went into a decision, sufficient to
// reconstruct it during an appeal.
type Record struct {
	DecisionID    string                      `json:"decisionId"`
	Decision      model.Decision              `json:"decision"`
	SubmitterID   string                      `json:"submitterId"`
	ContentType   model.ContentType           `json:"contentType"`
	Context       model.UserContext           `json:"context"`
	Adjustments   []model.ThresholdAdjustment `json:"adjustments"`
	Scores        map[model.Category]float64  `json:"scores"`
	PolicyVersion string                      `json:"policyVersion"`
	Degraded      bool                        `json:"degraded"`
	RecordedAt    time.Time                   `json:"recordedAt"`
}

// NewRecord deep-copies its inputs, so that later changes to them can not
// alter the record.
func NewRecord(req *model.ModerationRequest, d *model.Decision, uc *model.UserContext, adjustments []model.ThresholdAdjustment, scores map[model.Category]float64, now time.Time) *Record {
	rec := &Record{
		DecisionID:    d.ID,
		Decision:      copyDecision(d),
		PolicyVersion: d.PolicyVersion,
		Degraded:      d.Degraded,
		RecordedAt:    now,
		Scores:        make(map[model.Category]float64, len(scores)),
	}
	if req != nil {
		rec.SubmitterID = req.SubmitterID
		rec.ContentType = req.ContentType
	}
	if uc != nil {
		rec.Context = *uc
		rec.Context.WalletRiskFlags = slices.Clone(uc.WalletRiskFlags)
	}
	for cat, s := range scores {
		rec.Scores[cat] = s
	}
	for _, adj := range adjustments {
		adj.ContributingFactors = slices.Clone(adj.ContributingFactors)
		rec.Adjustments = append(rec.Adjustments, adj)
	}
	return rec
}

func copyDecision(d *model.Decision) model.Decision {
	out := *d
	out.Reasoning = slices.Clone(d.Reasoning)
	if d.Category != nil {
		c := *d.Category
		out.Category = &c
	}
	if d.Duration != nil {
		dur := *d.Duration
		out.Duration = &dur
	}
	return out
}
