package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCategory(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(CategoryHate, NormalizeCategory("hate"))
	assert.Equal(CategorySelfHarm, NormalizeCategory("self_harm"))
	assert.Equal(CategorySelfHarm, NormalizeCategory("Self-Harm"))
	assert.Equal(CategoryOther, NormalizeCategory("weapons"))
	assert.Equal(CategoryOther, NormalizeCategory(""))
}

func TestVendorResultUnknownCategory(t *testing.T) {
	var vr VendorResult
	require.NoError(t, json.Unmarshal([]byte(`{"vendorName":"hive","category":"drugs","confidence":0.4}`), &vr))
	assert.Equal(t, CategoryOther, vr.Category)
	assert.Equal(t, 0.4, vr.Confidence)
}

func TestDurationPolicyProgressive(t *testing.T) {
	assert := assert.New(t)

	dp := DurationPolicy{Base: time.Hour, Multiplier: 2, Cap: 12 * time.Hour}
	assert.Equal(time.Hour, dp.For(0))
	assert.Equal(2*time.Hour, dp.For(1))
	assert.Equal(4*time.Hour, dp.For(2))
	assert.Equal(8*time.Hour, dp.For(3))
	assert.Equal(12*time.Hour, dp.For(4))
	assert.Equal(12*time.Hour, dp.For(50))

	for n := 1; n < 10; n++ {
		prev, cur := dp.For(n-1), dp.For(n)
		if cur < dp.Cap {
			assert.GreaterOrEqual(cur, 2*prev)
		} else {
			assert.Equal(dp.Cap, cur)
		}
	}

	// multipliers below two are raised so each step at least doubles
	slow := DurationPolicy{Base: time.Minute, Multiplier: 1.1, Cap: time.Hour}
	assert.Equal(2*time.Minute, slow.For(1))

	assert.Equal(time.Duration(0), DurationPolicy{}.For(3))
}

func TestPolicyRuleValidate(t *testing.T) {
	assert := assert.New(t)

	r := PolicyRule{
		ContentType:   ContentPost,
		Category:      CategorySpam,
		BaseThreshold: 0.65,
		Severity:      SeverityLow,
		Action:        ActionLimit,
	}
	assert.NoError(r.Validate())

	bad := r
	bad.BaseThreshold = 0
	assert.Error(bad.Validate())

	bad = r
	bad.BaseThreshold = -0.2
	assert.Error(bad.Validate())

	bad = r
	bad.Severity = "extreme"
	assert.Error(bad.Validate())
}

func TestWalletRiskFlags(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(WalletRiskFlags{WalletNone}, NewWalletRiskFlags())
	assert.Equal(WalletRiskFlags{WalletNone}, NewWalletRiskFlags(WalletNone, WalletNone))

	f := NewWalletRiskFlags(WalletSuspiciousPattern, WalletNone, WalletNewWallet, WalletNewWallet)
	assert.Equal(WalletRiskFlags{WalletNewWallet, WalletSuspiciousPattern}, f)
	assert.True(f.Has(WalletNewWallet))
	assert.False(f.Has(WalletNone))

	base := NewWalletRiskFlags()
	merged := base.Union(WalletRiskFlags{WalletNewWallet})
	assert.Equal(WalletRiskFlags{WalletNewWallet}, merged)
	assert.Equal(WalletRiskFlags{WalletNone}, base)
}

func TestUserContextCopies(t *testing.T) {
	assert := assert.New(t)

	uc := UserContext{
		SubmitterID:     "user1",
		ReputationScore: 70,
		WalletRiskFlags: NewWalletRiskFlags(),
	}
	derived := uc.WithViolationCount(4).WithWalletFlags(WalletRiskFlags{WalletSuspiciousPattern})
	assert.Equal(0, uc.RecentViolationCount)
	assert.Equal(WalletRiskFlags{WalletNone}, uc.WalletRiskFlags)
	assert.Equal(4, derived.RecentViolationCount)
	assert.Equal(WalletRiskFlags{WalletSuspiciousPattern}, derived.WalletRiskFlags)
}

func TestModerationRequestValidate(t *testing.T) {
	assert := assert.New(t)

	req := ModerationRequest{
		ContentID:   "c1",
		ContentType: ContentPost,
		SubmitterID: "u1",
		VendorResults: []VendorResult{
			{VendorName: "a", Category: CategorySpam, Confidence: 0.5},
			{VendorName: "b", Category: CategoryHate, Confidence: 0.1},
			{VendorName: "b", Category: CategorySpam, Confidence: 0.2},
		},
	}
	assert.NoError(req.Validate())
	assert.Equal([]Category{CategoryHate, CategorySpam}, req.Categories())

	req.VendorResults[0].Confidence = 1.2
	assert.Error(req.Validate())

	req.VendorResults[0].Confidence = 0.5
	req.ContentType = "video"
	assert.Error(req.Validate())
}
