package threshold

import (
	"testing"

	"github.com/magickw/linkdao-riskmod/riskmod/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func established(rep float64) *model.UserContext {
	return &model.UserContext{
		SubmitterID:     "user1",
		ReputationScore: rep,
		AccountAgeDays:  365,
		WalletRiskFlags: model.NewWalletRiskFlags(),
	}
}

func plainRequest() *model.ModerationRequest {
	return &model.ModerationRequest{ContentID: "c1", ContentType: model.ContentPost, SubmitterID: "user1"}
}

func TestReputationBands(t *testing.T) {
	assert := assert.New(t)
	adj, err := NewAdjuster(DefaultConfig())
	require.NoError(t, err)

	cases := []struct {
		rep  float64
		mult float64
	}{
		{100, 0.7},
		{90, 0.7},
		{89.9, 0.8},
		{80, 0.8},
		{70, 0.8},
		{50, 0.9},
		{40, 1.1},
		{30, 1.1},
		{20, 1.3},
		{0, 1.3},
	}
	for _, c := range cases {
		out := adj.Adjust(0.65, model.CategorySpam, established(c.rep), plainRequest())
		assert.InDelta(c.mult, out.Multiplier, 1e-9, "reputation %v", c.rep)
		assert.Len(out.ContributingFactors, 1)
		assert.Equal(model.CategorySpam, out.Category)
	}
}

func TestFactorsCompose(t *testing.T) {
	assert := assert.New(t)
	adj, err := NewAdjuster(DefaultConfig())
	require.NoError(t, err)

	uc := established(60)
	uc.AccountAgeDays = 2
	uc.RecentViolationCount = 2
	req := plainRequest()
	req.HasMedia = true

	// 0.9 * 1.2 * 1.2 * 1.1
	out := adj.Adjust(0.5, model.CategoryHate, uc, req)
	assert.InDelta(0.9*1.2*1.2*1.1, out.Multiplier, 1e-9)
	assert.Equal([]string{
		"reputation>=50:x0.90",
		"new-account:x1.20",
		"recent-violations=2:x1.20",
		"has-media:x1.10",
	}, out.ContributingFactors)
}

func TestMultiplierClamped(t *testing.T) {
	assert := assert.New(t)
	adj, err := NewAdjuster(DefaultConfig())
	require.NoError(t, err)

	uc := established(5)
	uc.AccountAgeDays = 0
	uc.RecentViolationCount = 40
	req := plainRequest()
	req.HasLinks = true
	req.HasMedia = true

	out := adj.Adjust(0.5, model.CategorySpam, uc, req)
	assert.Equal(1.5, out.Multiplier)
	assert.Contains(out.ContributingFactors, "clamped-max:1.50")
	// violation contribution is capped at five steps
	assert.Contains(out.ContributingFactors, "recent-violations=40:x1.50")

	cfg := DefaultConfig()
	cfg.ReputationBands = []ReputationBand{{Min: 90, Factor: 0.1}}
	low, err := NewAdjuster(cfg)
	require.NoError(t, err)
	out = low.Adjust(0.5, model.CategorySpam, established(95), plainRequest())
	assert.Equal(0.5, out.Multiplier)
}

func TestMultiplierAlwaysWithinBounds(t *testing.T) {
	adj, err := NewAdjuster(DefaultConfig())
	require.NoError(t, err)

	for rep := 0.0; rep <= 100; rep += 5 {
		for _, age := range []int{0, 3, 7, 400} {
			for v := 0; v <= 8; v++ {
				for _, degraded := range []bool{false, true} {
					uc := established(rep)
					uc.AccountAgeDays = age
					uc.RecentViolationCount = v
					uc.Degraded = degraded
					req := plainRequest()
					req.HasLinks = v%2 == 0
					req.HasMedia = age == 0
					out := adj.Adjust(0.5, model.CategorySpam, uc, req)
					assert.GreaterOrEqual(t, out.Multiplier, 0.5)
					assert.LessOrEqual(t, out.Multiplier, 1.5)
					assert.NotEmpty(t, out.ContributingFactors)
				}
			}
		}
	}
}

func TestReputationLeniencyBound(t *testing.T) {
	adj, err := NewAdjuster(DefaultConfig())
	require.NoError(t, err)

	at40 := adj.Adjust(0.65, model.CategorySpam, established(40), plainRequest())
	at95 := adj.Adjust(0.65, model.CategorySpam, established(95), plainRequest())
	assert.LessOrEqual(t, at95.Multiplier, 0.7)
	assert.GreaterOrEqual(t, at95.Multiplier, 0.5)
	assert.Greater(t, at40.Multiplier, at95.Multiplier)
}

func TestDegradedFloor(t *testing.T) {
	assert := assert.New(t)
	adj, err := NewAdjuster(DefaultConfig())
	require.NoError(t, err)

	uc := established(95)
	uc.Degraded = true
	out := adj.Adjust(0.65, model.CategorySpam, uc, plainRequest())
	assert.Equal(1.2, out.Multiplier)
	assert.Contains(out.ContributingFactors, "degraded-context:floor1.20")

	// already above the floor: left alone
	uc = established(10)
	uc.Degraded = true
	out = adj.Adjust(0.65, model.CategorySpam, uc, plainRequest())
	assert.InDelta(1.3, out.Multiplier, 1e-9)
}

func TestEffective(t *testing.T) {
	assert := assert.New(t)
	assert.InDelta(0.52, Effective(0.65, 0.8), 1e-9)
	assert.InDelta(0.845, Effective(0.65, 1.3), 1e-9)
	assert.Equal(1.0, Effective(0.9, 1.5))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinMultiplier = 0
	_, err := NewAdjuster(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.MaxMultiplier = 0.4
	_, err = NewAdjuster(cfg)
	assert.Error(t, err)
}
