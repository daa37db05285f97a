package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ContentType string

const (
	ContentPost          ContentType = "post"
	ContentListing       ContentType = "listing"
	ContentDirectMessage ContentType = "direct-message"
	ContentProfile       ContentType = "profile"
	ContentComment       ContentType = "comment"
)

var AllContentTypes = []ContentType{
	ContentPost,
	ContentListing,
	ContentDirectMessage,
	ContentProfile,
	ContentComment,
}

func (ct ContentType) IsValid() bool {
	for _, v := range AllContentTypes {
		if ct == v {
			return true
		}
	}
	return false
}

func ParseContentType(raw string) (ContentType, error) {
	ct := ContentType(strings.ToLower(strings.TrimSpace(raw)))
	if !ct.IsValid() {
		return "", fmt.Errorf("unknown content type: %q", raw)
	}
	return ct, nil
}

// Closed set of violation categories. Anything a vendor reports outside of
// this set is folded in to CategoryOther when decoded.
type Category string

const (
	CategoryHate     Category = "hate"
	CategoryViolence Category = "violence"
	CategorySexual   Category = "sexual"
	CategorySpam     Category = "spam"
	CategoryScam     Category = "scam"
	CategorySelfHarm Category = "self-harm"
	CategoryFraud    Category = "fraud"
	CategoryOther    Category = "other"
)

// AllCategories is in canonical order; loops over categories use this order
// so that output does not depend on map iteration.
var AllCategories = []Category{
	CategoryHate,
	CategoryViolence,
	CategorySexual,
	CategorySpam,
	CategoryScam,
	CategorySelfHarm,
	CategoryFraud,
	CategoryOther,
}

func (c Category) IsValid() bool {
	return c.index() >= 0
}

func (c Category) index() int {
	for i, v := range AllCategories {
		if c == v {
			return i
		}
	}
	return -1
}

// Less orders categories by their canonical position.
func (c Category) Less(o Category) bool {
	return c.index() < o.index()
}

// NormalizeCategory never fails: unrecognized values map to CategoryOther.
func NormalizeCategory(raw string) Category {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "-")
	switch s {
	case "selfharm", "self harm":
		s = string(CategorySelfHarm)
	}
	c := Category(s)
	if c.IsValid() {
		return c
	}
	return CategoryOther
}

func (c *Category) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*c = NormalizeCategory(s)
	return nil
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns 1 (low) through 4 (critical), or 0 for an unknown value.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

type Action string

const (
	ActionAllow  Action = "allow"
	ActionLimit  Action = "limit"
	ActionBlock  Action = "block"
	ActionReview Action = "review"
)

func (a Action) IsValid() bool {
	switch a {
	case ActionAllow, ActionLimit, ActionBlock, ActionReview:
		return true
	}
	return false
}

// HasDuration is true for the actions which carry a penalty duration.
func (a Action) HasDuration() bool {
	return a == ActionLimit || a == ActionBlock
}

type WalletRiskFlag string

const (
	WalletNewWallet         WalletRiskFlag = "new-wallet"
	WalletSuspiciousPattern WalletRiskFlag = "suspicious-pattern"
	WalletNone              WalletRiskFlag = "none"
)

func ParseWalletRiskFlag(raw string) (WalletRiskFlag, error) {
	f := WalletRiskFlag(strings.ToLower(strings.TrimSpace(raw)))
	switch f {
	case WalletNewWallet, WalletSuspiciousPattern, WalletNone:
		return f, nil
	}
	return "", fmt.Errorf("unknown wallet risk flag: %q", raw)
}
