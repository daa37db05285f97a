package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AuditRecordRow struct {
	ID            uint   `gorm:"primarykey"`
	DecisionID    string `gorm:"uniqueIndex;not null"`
	ContentID     string `gorm:"index"`
	SubmitterID   string `gorm:"index"`
	Action        string
	Category      string
	Confidence    float64
	PolicyVersion string
	Degraded      bool
	// full Record, as JSON
	Body       string
	RecordedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

func (AuditRecordRow) TableName() string {
	return "audit_records"
}

// Persists records to a SQL table; one row per decision.
type GormSink struct {
	db *gorm.DB
}

var _ Sink = (*GormSink)(nil)

func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if err := db.AutoMigrate(&AuditRecordRow{}); err != nil {
		return nil, fmt.Errorf("migrating audit table: %w", err)
	}
	return &GormSink{db: db}, nil
}

func (s *GormSink) Append(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	row := AuditRecordRow{
		DecisionID:    rec.DecisionID,
		ContentID:     rec.Decision.ContentID,
		SubmitterID:   rec.SubmitterID,
		Action:        string(rec.Decision.Action),
		Confidence:    rec.Decision.Confidence,
		PolicyVersion: rec.PolicyVersion,
		Degraded:      rec.Degraded,
		Body:          string(body),
		RecordedAt:    rec.RecordedAt,
	}
	if rec.Decision.Category != nil {
		row.Category = string(*rec.Decision.Category)
	}
	// a retried append of the same decision is a no-op
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "decision_id"}},
		DoNothing: true,
	}).Create(&row).Error
}

// ByContentID returns every record for a piece of content, oldest first.
func (s *GormSink) ByContentID(ctx context.Context, contentID string) ([]*Record, error) {
	var rows []AuditRecordRow
	if err := s.db.WithContext(ctx).Where("content_id = ?", contentID).Order("recorded_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		var rec Record
		if err := json.Unmarshal([]byte(row.Body), &rec); err != nil {
			return nil, fmt.Errorf("parsing audit record %s: %w", row.DecisionID, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}
