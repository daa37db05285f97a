// Reduces per-vendor classifier results to one confidence per category.
package ensemble

import (
	"github.com/magickw/linkdao-riskmod/riskmod/model"
)

// Weight used for a vendor which has no configured weight for a category.
const DefaultWeight = 1.0

// Vendor weights for each category, keyed by vendor name.
type Weights map[model.Category]map[string]float64

func (w Weights) weight(cat model.Category, vendor string) float64 {
	byVendor, ok := w[cat]
	if !ok {
		return DefaultWeight
	}
	v, ok := byVendor[vendor]
	if !ok {
		return DefaultWeight
	}
	if v < 0 {
		return 0
	}
	return v
}

// Score computes the weighted average of vendor confidences for each category
// present in results.
//
// A category where every contributing vendor has zero weight is left out of
// the output entirely: an absent category means "no signal", which is not the
// same thing as a confidence of zero.
func Score(results []model.VendorResult, weights Weights) map[model.Category]float64 {
	sums := make(map[model.Category]float64)
	totals := make(map[model.Category]float64)
	for _, vr := range results {
		w := weights.weight(vr.Category, vr.VendorName)
		if w == 0 {
			continue
		}
		sums[vr.Category] += w * vr.Confidence
		totals[vr.Category] += w
	}
	out := make(map[model.Category]float64, len(totals))
	for cat, total := range totals {
		score := sums[cat] / total
		// guard against float drift pushing a score outside [0,1]
		if score > 1 {
			score = 1
		} else if score < 0 {
			score = 0
		}
		out[cat] = score
	}
	return out
}

// Categories returns the scored categories in canonical order.
func Categories(scores map[model.Category]float64) []model.Category {
	var out []model.Category
	for _, c := range model.AllCategories {
		if _, ok := scores[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Max returns the highest scoring category (canonical order breaks ties). The
// boolean is false when scores is empty.
func Max(scores map[model.Category]float64) (model.Category, float64, bool) {
	var best model.Category
	bestScore := -1.0
	for _, c := range Categories(scores) {
		if scores[c] > bestScore {
			best = c
			bestScore = scores[c]
		}
	}
	if bestScore < 0 {
		return "", 0, false
	}
	return best, bestScore, true
}
