package ensemble

import (
	"testing"

	"github.com/magickw/linkdao-riskmod/riskmod/model"

	"github.com/stretchr/testify/assert"
)

func TestScoreWeightedAverage(t *testing.T) {
	assert := assert.New(t)

	results := []model.VendorResult{
		{VendorName: "hive", Category: model.CategorySexual, Confidence: 0.9},
		{VendorName: "abyss", Category: model.CategorySexual, Confidence: 0.3},
		{VendorName: "hive", Category: model.CategorySpam, Confidence: 0.6},
	}
	weights := Weights{
		model.CategorySexual: {"hive": 3, "abyss": 1},
	}

	scores := Score(results, weights)
	assert.Len(scores, 2)
	assert.InDelta(0.75, scores[model.CategorySexual], 1e-9)
	// no weight configured for spam: default weight of one
	assert.InDelta(0.6, scores[model.CategorySpam], 1e-9)
}

func TestScoreOmitsZeroWeightCategories(t *testing.T) {
	assert := assert.New(t)

	results := []model.VendorResult{
		{VendorName: "noisy", Category: model.CategoryHate, Confidence: 0.99},
		{VendorName: "hive", Category: model.CategoryHate, Confidence: 0.0},
		{VendorName: "noisy", Category: model.CategoryScam, Confidence: 0.8},
	}
	weights := Weights{
		model.CategoryHate: {"noisy": 0},
		model.CategoryScam: {"noisy": 0},
	}

	scores := Score(results, weights)
	// hate still has one contributing vendor, at a genuine zero
	v, ok := scores[model.CategoryHate]
	assert.True(ok)
	assert.Equal(0.0, v)
	// scam has no contributing vendors: absent, not zero
	_, ok = scores[model.CategoryScam]
	assert.False(ok)
}

func TestScoreEmpty(t *testing.T) {
	scores := Score(nil, nil)
	assert.Empty(t, scores)
	_, _, ok := Max(scores)
	assert.False(t, ok)
}

func TestScoreDeterministic(t *testing.T) {
	results := []model.VendorResult{
		{VendorName: "a", Category: model.CategorySpam, Confidence: 0.1},
		{VendorName: "b", Category: model.CategorySpam, Confidence: 0.7},
		{VendorName: "c", Category: model.CategorySpam, Confidence: 0.3},
		{VendorName: "a", Category: model.CategoryFraud, Confidence: 0.4},
	}
	weights := Weights{model.CategorySpam: {"b": 0.5, "c": 2}}

	first := Score(results, weights)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Score(results, weights))
	}
	assert.Equal(t, []model.Category{model.CategorySpam, model.CategoryFraud}, Categories(first))
}

func TestMax(t *testing.T) {
	cat, score, ok := Max(map[model.Category]float64{
		model.CategorySpam:  0.4,
		model.CategoryHate:  0.4,
		model.CategoryFraud: 0.2,
	})
	assert.True(t, ok)
	assert.Equal(t, model.CategoryHate, cat)
	assert.Equal(t, 0.4, score)
}
