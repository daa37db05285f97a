package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PolicyRuleRow struct {
	ID                 uint   `gorm:"primarykey"`
	Version            string `gorm:"uniqueIndex:idx_policy_rule_key;not null"`
	ContentType        string `gorm:"uniqueIndex:idx_policy_rule_key;not null"`
	Category           string `gorm:"uniqueIndex:idx_policy_rule_key;not null"`
	BaseThreshold      float64
	Severity           string
	Action             string
	DurationBase       time.Duration
	DurationMultiplier float64
	DurationCap        time.Duration
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type VendorWeightRow struct {
	ID        uint   `gorm:"primarykey"`
	Version   string `gorm:"uniqueIndex:idx_vendor_weight_key;not null"`
	Category  string `gorm:"uniqueIndex:idx_vendor_weight_key;not null"`
	Vendor    string `gorm:"uniqueIndex:idx_vendor_weight_key;not null"`
	Weight    float64
	UpdatedAt time.Time
}

type PolicyTemplateRow struct {
	Version   string `gorm:"primarykey"`
	Name      string
	Active    bool `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func ruleFromRow(row *PolicyRuleRow) *model.PolicyRule {
	return &model.PolicyRule{
		ContentType:   model.ContentType(row.ContentType),
		Category:      model.Category(row.Category),
		BaseThreshold: row.BaseThreshold,
		Severity:      model.Severity(row.Severity),
		Action:        model.Action(row.Action),
		Duration: model.DurationPolicy{
			Base:       row.DurationBase,
			Multiplier: row.DurationMultiplier,
			Cap:        row.DurationCap,
		},
		Version: row.Version,
	}
}

func rowFromRule(r *model.PolicyRule) PolicyRuleRow {
	return PolicyRuleRow{
		Version:            r.Version,
		ContentType:        string(r.ContentType),
		Category:           string(r.Category),
		BaseThreshold:      r.BaseThreshold,
		Severity:           string(r.Severity),
		Action:             string(r.Action),
		DurationBase:       r.Duration.Base,
		DurationMultiplier: r.Duration.Multiplier,
		DurationCap:        r.Duration.Cap,
	}
}

// Policy store persisted in a SQL database (postgres or sqlite).
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&PolicyTemplateRow{}, &PolicyRuleRow{}, &VendorWeightRow{}); err != nil {
		return nil, fmt.Errorf("migrating policy tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

// ImportTemplate upserts every rule and weight of a template in one
// transaction. If no template is active yet, this one becomes active.
func (s *GormStore) ImportTemplate(ctx context.Context, t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return importTemplate(tx, t)
	})
}

// SeedTemplate imports a template only if its version is not stored yet, and
// reports whether it did. Rules edited or deleted through the admin API since
// the first import are left alone.
func (s *GormStore) SeedTemplate(ctx context.Context, t Template) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	seeded := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&PolicyTemplateRow{}).Where("version = ?", t.Version).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		seeded = true
		return importTemplate(tx, t)
	})
	if err != nil {
		return false, err
	}
	return seeded, nil
}

func importTemplate(tx *gorm.DB, t Template) error {
	var activeCount int64
	if err := tx.Model(&PolicyTemplateRow{}).Where("active = ?", true).Count(&activeCount).Error; err != nil {
		return err
	}
	tmpl := PolicyTemplateRow{Version: t.Version, Name: t.Name, Active: activeCount == 0}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "version"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&tmpl).Error; err != nil {
		return err
	}
	for i := range t.Rules {
		r := t.Rules[i]
		r.Version = t.Version
		row := rowFromRule(&r)
		if err := upsertRule(tx, &row); err != nil {
			return err
		}
	}
	for _, vw := range t.VendorWeights {
		row := VendorWeightRow{Version: t.Version, Category: string(vw.Category), Vendor: vw.VendorName, Weight: vw.Weight}
		if err := upsertWeight(tx, &row); err != nil {
			return err
		}
	}
	return nil
}

func upsertRule(tx *gorm.DB, row *PolicyRuleRow) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "version"}, {Name: "content_type"}, {Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"base_threshold", "severity", "action", "duration_base", "duration_multiplier", "duration_cap", "updated_at",
		}),
	}).Create(row).Error
}

func upsertWeight(tx *gorm.DB, row *VendorWeightRow) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "version"}, {Name: "category"}, {Name: "vendor"}},
		DoUpdates: clause.AssignmentColumns([]string{"weight", "updated_at"}),
	}).Create(row).Error
}

func (s *GormStore) FetchActiveRule(ctx context.Context, ct model.ContentType, cat model.Category, version string) (*model.PolicyRule, error) {
	var row PolicyRuleRow
	err := s.db.WithContext(ctx).
		Where("version = ? AND content_type = ? AND category = ?", version, string(ct), string(cat)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s@%s", ErrPolicyNotFound, ct, cat, version)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching policy rule: %w", err)
	}
	return ruleFromRow(&row), nil
}

func (s *GormStore) FetchVendorWeights(ctx context.Context, cat model.Category) (map[string]float64, error) {
	version, err := s.ActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	var rows []VendorWeightRow
	if err := s.db.WithContext(ctx).Where("version = ? AND category = ?", version, string(cat)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetching vendor weights: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, row := range rows {
		out[row.Vendor] = row.Weight
	}
	return out, nil
}

func (s *GormStore) ActiveVersion(ctx context.Context) (string, error) {
	var row PolicyTemplateRow
	err := s.db.WithContext(ctx).Where("active = ?", true).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnknownTemplate
	}
	if err != nil {
		return "", fmt.Errorf("fetching active policy template: %w", err)
	}
	return row.Version, nil
}

func (s *GormStore) PutRule(ctx context.Context, rule model.PolicyRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&PolicyTemplateRow{}).Where("version = ?", rule.Version).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, rule.Version)
	}
	row := rowFromRule(&rule)
	return upsertRule(s.db.WithContext(ctx), &row)
}

func (s *GormStore) DeleteRule(ctx context.Context, ct model.ContentType, cat model.Category, version string) error {
	res := s.db.WithContext(ctx).
		Where("version = ? AND content_type = ? AND category = ?", version, string(ct), string(cat)).
		Delete(&PolicyRuleRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s@%s", ErrPolicyNotFound, ct, cat, version)
	}
	return nil
}

func (s *GormStore) PutVendorWeights(ctx context.Context, cat model.Category, weights map[string]float64) error {
	if err := validateWeights(weights); err != nil {
		return err
	}
	version, err := s.ActiveVersion(ctx)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("version = ? AND category = ?", version, string(cat)).Delete(&VendorWeightRow{}).Error; err != nil {
			return err
		}
		for vendor, w := range weights {
			row := VendorWeightRow{Version: version, Category: string(cat), Vendor: vendor, Weight: w}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) ActivateTemplate(ctx context.Context, version string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row PolicyTemplateRow
		err := tx.Where("version = ?", version).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownTemplate, version)
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&PolicyTemplateRow{}).Where("active = ?", true).Update("active", false).Error; err != nil {
			return err
		}
		return tx.Model(&PolicyTemplateRow{}).Where("version = ?", version).Update("active", true).Error
	})
}
