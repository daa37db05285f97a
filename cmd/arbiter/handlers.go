package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/magickw/linkdao-riskmod/riskmod/model"
	"github.com/magickw/linkdao-riskmod/riskmod/policy"
	"github.com/magickw/linkdao-riskmod/riskmod/vendor"

	"github.com/labstack/echo/v4"
)

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

// Raw classifier output, mapped on to categories before evaluation.
type RawVendorResult struct {
	Vendor        string              `json:"vendor"`
	Classes       []vendor.ClassScore `json:"classes"`
	RawPayloadRef string              `json:"rawPayloadRef,omitempty"`
}

// Body of the decide endpoint. Vendor results may be passed already mapped
// (vendorResults), as raw class scores (rawVendorResults), or as a Hive
// classification response; all of them are combined.
type DecideRequest struct {
	model.ModerationRequest
	RawVendorResults []RawVendorResult `json:"rawVendorResults,omitempty"`
	Hive             *vendor.HiveResp  `json:"hive,omitempty"`
}

func (srv *Server) HandleDecide(c echo.Context) error {
	ctx := c.Request().Context()

	var body DecideRequest
	if err := c.Bind(&body); err != nil {
		decideRequests.WithLabelValues("bad-request").Inc()
		return c.JSON(http.StatusBadRequest, GenericError{
			Error:   "InvalidRequest",
			Message: fmt.Sprintf("%s", err),
		})
	}

	req := body.ModerationRequest
	for _, raw := range body.RawVendorResults {
		req.VendorResults = append(req.VendorResults, srv.mapper.Map(raw.Vendor, raw.Classes, raw.RawPayloadRef)...)
	}
	if body.Hive != nil {
		req.VendorResults = append(req.VendorResults, srv.mapper.Map("hive", body.Hive.ClassScores(), "")...)
	}
	if err := req.Validate(); err != nil {
		// still evaluated (and audited) as a forced review, but the caller gets told
		decideRequests.WithLabelValues("invalid").Inc()
		srv.logger.Warn("invalid moderation request", "content_id", req.ContentID, "err", err)
	} else {
		decideRequests.WithLabelValues("ok").Inc()
	}

	d := srv.engine.Decide(ctx, &req)
	return c.JSON(http.StatusOK, d)
}

func (srv *Server) HandlePolicyVersion(c echo.Context) error {
	v, err := srv.policy.GetActiveTemplateVersion(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, GenericError{
			Error:   "PolicyUnavailable",
			Message: fmt.Sprintf("%s", err),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"version": v})
}

func (srv *Server) HandlePutRule(c echo.Context) error {
	var rule model.PolicyRule
	if err := c.Bind(&rule); err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidRequest", Message: fmt.Sprintf("%s", err)})
	}
	out, err := srv.policy.UpdateRule(c.Request().Context(), rule)
	if err != nil {
		return policyError(c, err)
	}
	adminChanges.WithLabelValues("rule").Inc()
	return c.JSON(http.StatusOK, out)
}

func (srv *Server) HandleDeleteRule(c echo.Context) error {
	ct, err := model.ParseContentType(c.Param("contentType"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidContentType", Message: fmt.Sprintf("%s", err)})
	}
	cat, err := parseCategory(c.Param("category"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidCategory", Message: fmt.Sprintf("%s", err)})
	}
	if err := srv.policy.DeleteRule(c.Request().Context(), ct, cat, c.QueryParam("version")); err != nil {
		return policyError(c, err)
	}
	adminChanges.WithLabelValues("rule-delete").Inc()
	return c.JSON(http.StatusOK, GenericStatus{Daemon: "arbiter", Status: "ok"})
}

func (srv *Server) HandlePutWeights(c echo.Context) error {
	cat, err := parseCategory(c.Param("category"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidCategory", Message: fmt.Sprintf("%s", err)})
	}
	// decoded directly: echo's binder does not bind path params in to a map of floats
	var weights map[string]float64
	if err := json.NewDecoder(c.Request().Body).Decode(&weights); err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidRequest", Message: fmt.Sprintf("%s", err)})
	}
	if err := srv.policy.SetVendorWeights(c.Request().Context(), cat, weights); err != nil {
		return policyError(c, err)
	}
	adminChanges.WithLabelValues("weights").Inc()
	return c.JSON(http.StatusOK, weights)
}

type switchTemplateBody struct {
	Version string `json:"version"`
}

func (srv *Server) HandleSwitchTemplate(c echo.Context) error {
	var body switchTemplateBody
	if err := c.Bind(&body); err != nil || body.Version == "" {
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidRequest", Message: "expected {\"version\": ...}"})
	}
	if err := srv.policy.SwitchTemplate(c.Request().Context(), body.Version); err != nil {
		return policyError(c, err)
	}
	adminChanges.WithLabelValues("template").Inc()
	return c.JSON(http.StatusOK, map[string]string{"version": body.Version})
}

type walletFlagsBody struct {
	Flags []string `json:"flags"`
}

func (srv *Server) parseWalletFlags(c echo.Context) (string, []string, error) {
	addr := strings.ToLower(strings.TrimSpace(c.Param("address")))
	if addr == "" {
		return "", nil, fmt.Errorf("missing wallet address")
	}
	var body walletFlagsBody
	if err := c.Bind(&body); err != nil {
		return "", nil, err
	}
	if len(body.Flags) == 0 {
		return "", nil, fmt.Errorf("no flags given")
	}
	flags := make([]string, 0, len(body.Flags))
	for _, raw := range body.Flags {
		f, err := model.ParseWalletRiskFlag(raw)
		if err != nil {
			return "", nil, err
		}
		flags = append(flags, string(f))
	}
	return addr, flags, nil
}

func (srv *Server) HandleAddWalletFlags(c echo.Context) error {
	addr, flags, err := srv.parseWalletFlags(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidRequest", Message: fmt.Sprintf("%s", err)})
	}
	if err := srv.flags.Add(c.Request().Context(), addr, flags); err != nil {
		return err
	}
	adminChanges.WithLabelValues("wallet-flags").Inc()
	srv.logger.Info("wallet flags added", "wallet", addr, "flags", flags)
	return srv.walletFlags(c, addr)
}

func (srv *Server) HandleRemoveWalletFlags(c echo.Context) error {
	addr, flags, err := srv.parseWalletFlags(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidRequest", Message: fmt.Sprintf("%s", err)})
	}
	if err := srv.flags.Remove(c.Request().Context(), addr, flags); err != nil {
		return err
	}
	adminChanges.WithLabelValues("wallet-flags").Inc()
	srv.logger.Info("wallet flags removed", "wallet", addr, "flags", flags)
	return srv.walletFlags(c, addr)
}

func (srv *Server) walletFlags(c echo.Context, addr string) error {
	flags, err := srv.flags.Get(c.Request().Context(), addr)
	if err != nil {
		return err
	}
	if flags == nil {
		flags = []string{}
	}
	return c.JSON(http.StatusOK, walletFlagsBody{Flags: flags})
}

// drops a cached trust context, eg after the reputation service corrected it
func (srv *Server) HandlePurgeContext(c echo.Context) error {
	srv.trust.Invalidate(c.Request().Context(), c.Param("submitter"), c.QueryParam("wallet"))
	adminChanges.WithLabelValues("context-purge").Inc()
	return c.JSON(http.StatusOK, GenericStatus{Daemon: "arbiter", Status: "ok"})
}

func parseCategory(raw string) (model.Category, error) {
	cat := model.Category(strings.ToLower(strings.TrimSpace(raw)))
	if !cat.IsValid() {
		return "", fmt.Errorf("unknown category: %q", raw)
	}
	return cat, nil
}

func policyError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, policy.ErrInvalidRule):
		return c.JSON(http.StatusBadRequest, GenericError{Error: "InvalidRule", Message: fmt.Sprintf("%s", err)})
	case errors.Is(err, policy.ErrPolicyNotFound):
		return c.JSON(http.StatusNotFound, GenericError{Error: "PolicyNotFound", Message: fmt.Sprintf("%s", err)})
	case errors.Is(err, policy.ErrUnknownTemplate):
		return c.JSON(http.StatusNotFound, GenericError{Error: "UnknownTemplate", Message: fmt.Sprintf("%s", err)})
	}
	return err
}

func (srv *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if srv.adminToken == "" {
			return c.JSON(http.StatusForbidden, GenericError{Error: "AdminDisabled", Message: "no admin token configured"})
		}
		hdr := c.Request().Header.Get("Authorization")
		tok, ok := strings.CutPrefix(hdr, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(tok), []byte(srv.adminToken)) != 1 {
			return c.JSON(http.StatusUnauthorized, GenericError{Error: "Unauthorized", Message: "invalid admin token"})
		}
		return next(c)
	}
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("arbiter-http-internal-error", "err", err)
	}
	_ = c.JSON(code, GenericStatus{Status: "error", Daemon: "arbiter", Message: errorMessage})
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "arbiter"})
}
