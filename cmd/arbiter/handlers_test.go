package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/model"
	"github.com/magickw/linkdao-riskmod/riskmod/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(Config{
		Bind:       "localhost:0",
		AdminToken: "sekrit",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.dispatcher.Close(ctx)
	})
	return srv
}

func doRequest(srv *Server, method, path, body string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer sekrit")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	srv := testServer(t)
	rec := doRequest(srv, http.MethodGet, "/_health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestDecideEndpoint(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t)

	// no trust provider configured, so the context is degraded (new account, x1.2)
	body := `{
		"contentId": "post-1",
		"contentType": "post",
		"submitterId": "user-1",
		"vendorResults": [{"vendorName": "acme", "category": "spam", "confidence": 0.9}]
	}`
	rec := doRequest(srv, http.MethodPost, "/v1/decide", body, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var d model.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal("post-1", d.ContentID)
	assert.Equal(model.ActionReview, d.Action)
	assert.True(d.Degraded)
	assert.Equal(policy.BalancedVersion, d.PolicyVersion)
	assert.NotEmpty(d.ID)
	assert.NotEmpty(d.Reasoning)
}

func TestDecideRawVendorResults(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t)

	body := `{
		"contentId": "post-2",
		"contentType": "post",
		"submitterId": "user-1",
		"rawVendorResults": [{"vendor": "acme", "classes": [{"class": "spam", "score": 0.9}, {"class": "no_spam", "score": 0.1}]}]
	}`
	rec := doRequest(srv, http.MethodPost, "/v1/decide", body, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var d model.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	require.NotNil(t, d.Category)
	assert.Equal(model.CategorySpam, *d.Category)
}

func TestDecideInvalidRequestIsReview(t *testing.T) {
	srv := testServer(t)
	rec := doRequest(srv, http.MethodPost, "/v1/decide", `{"contentId": "x", "contentType": "hologram", "submitterId": "u"}`, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var d model.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, model.ActionReview, d.Action)
}

func TestAdminAuth(t *testing.T) {
	srv := testServer(t)
	rec := doRequest(srv, http.MethodPost, "/v1/admin/template", `{"version": "strict@1"}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminSwitchTemplate(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t)

	rec := doRequest(srv, http.MethodPost, "/v1/admin/template", `{"version": "strict@1"}`, true)
	assert.Equal(http.StatusOK, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/v1/policy/version", "", false)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), policy.StrictVersion)

	rec = doRequest(srv, http.MethodPost, "/v1/admin/template", `{"version": "nope@9"}`, true)
	assert.Equal(http.StatusNotFound, rec.Code)
}

func TestAdminRules(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t)

	bad := `{"contentType": "post", "category": "spam", "baseThreshold": 2, "severity": "low", "action": "limit"}`
	rec := doRequest(srv, http.MethodPut, "/v1/admin/rules", bad, true)
	assert.Equal(http.StatusBadRequest, rec.Code)

	good := `{"contentType": "post", "category": "spam", "baseThreshold": 0.3, "severity": "low", "action": "review"}`
	rec = doRequest(srv, http.MethodPut, "/v1/admin/rules", good, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var rule model.PolicyRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(policy.BalancedVersion, rule.Version)

	r, err := srv.policy.GetRule(context.Background(), model.ContentPost, model.CategorySpam)
	require.NoError(t, err)
	assert.Equal(0.3, r.BaseThreshold)

	rec = doRequest(srv, http.MethodDelete, "/v1/admin/rules/post/spam", "", true)
	assert.Equal(http.StatusOK, rec.Code)
	_, err = srv.policy.GetRule(context.Background(), model.ContentPost, model.CategorySpam)
	assert.ErrorIs(err, policy.ErrPolicyNotFound)
}

func TestAdminWalletFlags(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t)

	rec := doRequest(srv, http.MethodPost, "/v1/admin/wallets/0xABC/flags", `{"flags": ["suspicious-pattern"]}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(rec.Body.String(), "suspicious-pattern")

	uc := srv.trust.GetContext(context.Background(), "user-1", "0xabc")
	assert.True(uc.WalletRiskFlags.Has(model.WalletSuspiciousPattern))

	rec = doRequest(srv, http.MethodPost, "/v1/admin/wallets/0xabc/flags", `{"flags": ["not-a-flag"]}`, true)
	assert.Equal(http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodDelete, "/v1/admin/wallets/0xabc/flags", `{"flags": ["suspicious-pattern"]}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(`{"flags":[]}`, strings.TrimSpace(rec.Body.String()))
}

func TestAdminWeights(t *testing.T) {
	srv := testServer(t)

	rec := doRequest(srv, http.MethodPut, "/v1/admin/weights/spam", `{"acme": 2.5}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	w, err := srv.policy.GetVendorWeights(context.Background(), model.CategorySpam)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"acme": 2.5}, w)

	rec = doRequest(srv, http.MethodPut, "/v1/admin/weights/bogus", `{"acme": 1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestartKeepsAdminEdits(t *testing.T) {
	assert := assert.New(t)
	dburl := "sqlite://" + filepath.Join(t.TempDir(), "arbiter.sqlite")
	start := func() *Server {
		srv, err := NewServer(Config{Bind: "localhost:0", AdminToken: "sekrit", DatabaseURL: dburl})
		require.NoError(t, err)
		return srv
	}

	srv := start()
	rec := doRequest(srv, http.MethodGet, "/v1/policy/version", "", false)
	assert.Contains(rec.Body.String(), policy.BalancedVersion)
	rec = doRequest(srv, http.MethodPut, "/v1/admin/rules", `{"contentType": "post", "category": "spam", "baseThreshold": 0.9, "severity": "low", "action": "limit"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(srv, http.MethodDelete, "/v1/admin/rules/post/other", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, srv.Shutdown())

	srv = start()
	t.Cleanup(func() { _ = srv.Shutdown() })
	v, err := srv.policy.GetActiveTemplateVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(policy.BalancedVersion, v)
	r, err := srv.policy.GetRule(context.Background(), model.ContentPost, model.CategorySpam)
	require.NoError(t, err)
	assert.Equal(0.9, r.BaseThreshold)
	_, err = srv.policy.GetRule(context.Background(), model.ContentPost, model.CategoryOther)
	assert.ErrorIs(err, policy.ErrPolicyNotFound)
}

func TestDecideBenignHiveResponseAllows(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t)

	body := `{
		"contentId": "img-1",
		"contentType": "post",
		"submitterId": "user-1",
		"hasMedia": true,
		"hive": {"status": [{"response": {"output": [{"time": 0, "classes": [
			{"class": "general_not_nsfw_not_suggestive", "score": 0.99},
			{"class": "general_nsfw", "score": 0.005},
			{"class": "general_suggestive", "score": 0.005}
		]}]}}]}
	}`
	rec := doRequest(srv, http.MethodPost, "/v1/decide", body, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var d model.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(model.ActionAllow, d.Action)
}
