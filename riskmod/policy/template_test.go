package policy

import (
	"testing"

	"github.com/magickw/linkdao-riskmod/riskmod/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findRule(t *testing.T, tmpl Template, ct model.ContentType, cat model.Category) model.PolicyRule {
	for _, r := range tmpl.Rules {
		if r.ContentType == ct && r.Category == cat {
			return r
		}
	}
	require.FailNow(t, "rule not found", "%s/%s in %s", ct, cat, tmpl.Version)
	return model.PolicyRule{}
}

func TestDefaultTemplatesValid(t *testing.T) {
	assert := assert.New(t)

	templates := DefaultTemplates()
	assert.Len(templates, 4)
	versions := map[string]bool{}
	for _, tmpl := range templates {
		assert.NoError(tmpl.Validate(), tmpl.Version)
		// every key is covered, so a missing rule only happens through admin deletes
		assert.Len(tmpl.Rules, len(model.AllContentTypes)*len(model.AllCategories), tmpl.Version)
		versions[tmpl.Version] = true
		for _, r := range tmpl.Rules {
			assert.Equal(tmpl.Version, r.Version)
		}
	}
	assert.True(versions[StrictVersion])
	assert.True(versions[BalancedVersion])
	assert.True(versions[LenientVersion])
	assert.True(versions[CryptoFocusedVersion])
}

func TestTemplatesDiffer(t *testing.T) {
	assert := assert.New(t)

	byVersion := map[string]Template{}
	for _, tmpl := range DefaultTemplates() {
		byVersion[tmpl.Version] = tmpl
	}
	balanced := findRule(t, byVersion[BalancedVersion], model.ContentPost, model.CategorySpam)
	strict := findRule(t, byVersion[StrictVersion], model.ContentPost, model.CategorySpam)
	lenient := findRule(t, byVersion[LenientVersion], model.ContentPost, model.CategorySpam)
	crypto := findRule(t, byVersion[CryptoFocusedVersion], model.ContentListing, model.CategoryScam)

	assert.Equal(0.65, balanced.BaseThreshold)
	assert.Equal(model.ActionLimit, balanced.Action)
	assert.Less(strict.BaseThreshold, balanced.BaseThreshold)
	assert.Greater(lenient.BaseThreshold, balanced.BaseThreshold)
	assert.Equal(model.SeverityCritical, crypto.Severity)
	assert.Equal(model.ActionBlock, crypto.Action)
	assert.InDelta(0.45, crypto.BaseThreshold, 1e-9)

	sexualStrict := findRule(t, byVersion[StrictVersion], model.ContentPost, model.CategorySexual)
	assert.Equal(model.ActionBlock, sexualStrict.Action)
	hateLenient := findRule(t, byVersion[LenientVersion], model.ContentPost, model.CategoryHate)
	assert.Equal(model.ActionLimit, hateLenient.Action)
}

func TestTemplateValidateRejects(t *testing.T) {
	assert := assert.New(t)

	tmpl := Template{Name: "bad", Version: "bad@1", Rules: []model.PolicyRule{
		{ContentType: model.ContentPost, Category: model.CategorySpam, BaseThreshold: 0, Severity: model.SeverityLow, Action: model.ActionLimit},
	}}
	assert.ErrorIs(tmpl.Validate(), ErrInvalidRule)

	rule := model.PolicyRule{ContentType: model.ContentPost, Category: model.CategorySpam, BaseThreshold: 0.5, Severity: model.SeverityLow, Action: model.ActionLimit}
	tmpl = Template{Name: "dup", Version: "dup@1", Rules: []model.PolicyRule{rule, rule}}
	assert.ErrorIs(tmpl.Validate(), ErrInvalidRule)

	tmpl = Template{Name: "unversioned", Rules: []model.PolicyRule{rule}}
	assert.ErrorIs(tmpl.Validate(), ErrInvalidRule)
}
