package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/magickw/linkdao-riskmod/riskmod/ensemble"
	"github.com/magickw/linkdao-riskmod/riskmod/model"
	"github.com/magickw/linkdao-riskmod/riskmod/trust"

	"golang.org/x/sync/errgroup"
)

type ruleResult struct {
	rule *model.PolicyRule
	err  error
}

// Everything read from the policy source for one evaluation. All rules come
// from the same template version.
type policyLookup struct {
	version    string
	versionErr error
	rules      map[model.Category]ruleResult
	weights    ensemble.Weights
	weightErrs map[model.Category]error
}

func unavailablePolicy(err error) *policyLookup {
	return &policyLookup{
		versionErr: err,
		rules:      map[model.Category]ruleResult{},
		weights:    ensemble.Weights{},
		weightErrs: map[model.Category]error{},
	}
}

// fetch loads the trust context and the policy for every category in the
// request concurrently, waiting until both are done or ctx expires. Whatever
// has not arrived by then is replaced with a default.
func (e *Engine) fetch(ctx context.Context, req *model.ModerationRequest, cats []model.Category) (*model.UserContext, *policyLookup, bool) {
	ctxCh := make(chan *model.UserContext, 1)
	polCh := make(chan *policyLookup, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.Logger.Error("context source panic", "submitter", req.SubmitterID, "err", r)
				ctxCh <- nil
			}
		}()
		ctxCh <- e.Contexts.GetContext(ctx, req.SubmitterID, req.WalletAddress)
	}()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.Logger.Error("policy source panic", "content_type", req.ContentType, "err", r)
				polCh <- unavailablePolicy(fmt.Errorf("policy source panic: %v", r))
			}
		}()
		polCh <- e.fetchPolicy(ctx, req.ContentType, cats)
	}()

	uc, pl, timedOut := awaitFetch(ctx, ctxCh, polCh)

	if uc == nil {
		dc := trust.DegradedContext(req.SubmitterID, req.WalletAddress, e.now())
		uc = &dc
	}
	if pl == nil {
		pl = unavailablePolicy(fmt.Errorf("policy fetch: %w", ctx.Err()))
	}
	return uc, pl, timedOut
}

// awaitFetch collects both fetch results, or whatever arrived by the time ctx
// ends. A result that lands together with the deadline is still used.
func awaitFetch(ctx context.Context, ctxCh <-chan *model.UserContext, polCh <-chan *policyLookup) (*model.UserContext, *policyLookup, bool) {
	var (
		uc       *model.UserContext
		pl       *policyLookup
		gotCtx   bool
		gotPol   bool
		timedOut bool
	)
	for !gotCtx || !gotPol {
		select {
		case uc = <-ctxCh:
			gotCtx = true
		case pl = <-polCh:
			gotPol = true
		case <-ctx.Done():
			if !gotCtx {
				select {
				case uc = <-ctxCh:
				default:
					timedOut = true
				}
			}
			if !gotPol {
				select {
				case pl = <-polCh:
				default:
					timedOut = true
				}
			}
			gotCtx, gotPol = true, true
		}
	}
	return uc, pl, timedOut
}

func (e *Engine) fetchPolicy(ctx context.Context, ct model.ContentType, cats []model.Category) *policyLookup {
	version, err := e.Policy.GetActiveTemplateVersion(ctx)
	if err != nil {
		return unavailablePolicy(err)
	}
	pl := unavailablePolicy(nil)
	pl.version = version

	var mu sync.Mutex
	var eg errgroup.Group
	for _, cat := range cats {
		eg.Go(func() error {
			rule, err := e.Policy.GetRuleForVersion(ctx, ct, cat, version)
			mu.Lock()
			pl.rules[cat] = ruleResult{rule: rule, err: err}
			mu.Unlock()
			return nil
		})
		eg.Go(func() error {
			w, err := e.Policy.GetVendorWeights(ctx, cat)
			mu.Lock()
			if err != nil {
				pl.weightErrs[cat] = err
			} else {
				pl.weights[cat] = w
			}
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return pl
}

// normalizeResults maps categories outside the closed set to "other".
func normalizeResults(in []model.VendorResult) []model.VendorResult {
	out := make([]model.VendorResult, 0, len(in))
	for _, vr := range in {
		if !vr.Category.IsValid() {
			vr.Category = model.NormalizeCategory(string(vr.Category))
		}
		out = append(out, vr)
	}
	return out
}
