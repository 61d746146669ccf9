package application

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/mydatapanel/internal/domain/model"
	"github.com/ericfisherdev/mydatapanel/internal/domain/port/driven"
	"github.com/ericfisherdev/mydatapanel/internal/metrics"
)

// DefaultProviderTimeout bounds one provider's reconciliation.
const DefaultProviderTimeout = 5 * time.Second

// Reconciler checks every linked provider for an account, refreshes what
// can be refreshed and persists the slices that changed.
type Reconciler struct {
	providers Providers
	store     driven.AccountStore
	timeout   time.Duration
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler. A zero timeout uses
// DefaultProviderTimeout.
func NewReconciler(
	providers Providers,
	store driven.AccountStore,
	timeout time.Duration,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Reconciler {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	if recorder == nil {
		recorder = metrics.NoopMetrics{}
	}
	return &Reconciler{
		providers: providers,
		store:     store,
		timeout:   timeout,
		metrics:   recorder,
		logger:    logger,
	}
}

// outcome is one task's result plus the working copy it produced.
type outcome struct {
	result  model.ReconciliationResult
	working model.CredentialSet
	changed bool
}

// ReconcileAll runs one task per provider concurrently and waits for all of
// them. Each task works on a private copy of the credentials; the changed
// slices are written back in a single transaction and acct is updated to
// the persisted state. The returned error is only about persistence; the
// results are valid either way.
func (r *Reconciler) ReconcileAll(ctx context.Context, acct *model.Account) (model.Reconciliation, error) {
	results := make(model.Reconciliation, len(model.AllProviders))
	snapshot := acct.Credentials.Clone()

	var (
		mu      sync.Mutex
		g       errgroup.Group
		changed []outcome
	)
	// Unlinked results are settled before any task starts writing results.
	linked := make([]model.Provider, 0, len(model.AllProviders))
	for _, p := range model.AllProviders {
		if _, ok := r.providers[p]; !ok || !snapshot.IsLinked(p) {
			results[p] = model.ReconciliationResult{Provider: p, State: model.SessionStateNotLinked}
			continue
		}
		linked = append(linked, p)
	}

	for _, p := range linked {
		adapter := r.providers[p]
		g.Go(func() error {
			out := r.runTask(ctx, adapter, acct)
			mu.Lock()
			defer mu.Unlock()
			results[p] = out.result
			if out.changed {
				changed = append(changed, out)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range model.AllProviders {
		res := results[p]
		r.metrics.RecordReconcileResult(p, res.State, res.Refreshed)
	}

	if len(changed) == 0 {
		return results, nil
	}
	if err := r.persist(ctx, acct, snapshot, changed); err != nil {
		return results, err
	}
	return results, nil
}

// persist applies the changed slices. A slice that was modified by another
// request since this reconciliation read it is left alone.
func (r *Reconciler) persist(ctx context.Context, acct *model.Account, snapshot model.CredentialSet, changed []outcome) error {
	updated, err := r.store.Update(ctx, acct.ID, func(stored *model.Account) error {
		for _, out := range changed {
			p := out.result.Provider
			if !stored.Credentials.SameSlice(&snapshot, p) {
				r.logger.Info("credential changed during reconciliation, keeping stored value",
					"account_id", acct.ID, "provider", p)
				continue
			}
			stored.Credentials.CopyFrom(out.working, p)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to persist reconciliation", "account_id", acct.ID, "error", err)
		return fmt.Errorf("persist reconciliation for %s: %w", acct.ID, err)
	}
	*acct = updated
	return nil
}

// runTask bounds one provider's reconciliation by the timeout. A late result
// is discarded along with the working copy it mutated.
func (r *Reconciler) runTask(ctx context.Context, adapter driven.ProviderAdapter, acct *model.Account) outcome {
	p := adapter.Provider()
	accountID := acct.ID
	working := *acct
	working.Credentials = acct.Credentials.Clone()

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("provider reconciliation panicked",
					"provider", p, "account_id", accountID, "panic", rec, "stack", string(debug.Stack()))
				err := model.Transient(p, fmt.Errorf("panic: %v", rec))
				done <- outcome{result: expired(p, err)}
			}
		}()
		done <- r.reconcileOne(tctx, adapter, &working)
	}()

	select {
	case out := <-done:
		return out
	case <-tctx.Done():
		err := model.Transient(p, fmt.Errorf("reconciliation interrupted: %w", tctx.Err()))
		r.logger.Warn("provider reconciliation timed out", "provider", p, "account_id", accountID)
		return outcome{result: expired(p, err)}
	}
}

// reconcileOne walks the state machine for one linked provider.
func (r *Reconciler) reconcileOne(ctx context.Context, adapter driven.ProviderAdapter, working *model.Account) outcome {
	p := adapter.Provider()

	var ok bool
	err := r.timed(p, "check_session", func() error {
		var err error
		ok, err = adapter.CheckSession(ctx, working)
		return err
	})
	if err != nil {
		return r.failed(p, working, err)
	}

	if !ok {
		refresher, canRefresh := adapter.(driven.Refresher)
		if !canRefresh {
			return outcome{result: expired(p, nil)}
		}
		if err := r.timed(p, "refresh", func() error { return refresher.Refresh(ctx, working) }); err != nil {
			return r.failed(p, working, err)
		}
		return r.identify(ctx, adapter, working, true, true)
	}

	changed := false
	if verifier, canVerify := adapter.(driven.Verifier); canVerify {
		before := working.Credentials.Clone()
		if err := r.timed(p, "verify", func() error { return verifier.Verify(ctx, working) }); err != nil {
			return r.failed(p, working, err)
		}
		changed = !working.Credentials.SameSlice(&before, p)
	}
	return r.identify(ctx, adapter, working, false, changed)
}

// identify fills a missing identity and produces the final VALID or
// PENDING result.
func (r *Reconciler) identify(ctx context.Context, adapter driven.ProviderAdapter, working *model.Account, refreshed, changed bool) outcome {
	p := adapter.Provider()
	if !working.Credentials.IsActive(p) {
		var id model.Identity
		err := r.timed(p, "probe", func() error {
			var err error
			id, err = adapter.Probe(ctx, working)
			return err
		})
		if err != nil {
			if model.IsFatal(err) {
				return r.failed(p, working, err)
			}
			return outcome{
				result:  model.ReconciliationResult{Provider: p, State: model.SessionStatePending, Refreshed: refreshed, Err: err},
				working: working.Credentials,
				changed: changed,
			}
		}
		working.Credentials.SetIdentity(p, id)
		changed = true
	}

	return outcome{
		result: model.ReconciliationResult{
			Provider:  p,
			State:     model.SessionStateValid,
			Valid:     true,
			Refreshed: refreshed,
		},
		working: working.Credentials,
		changed: changed,
	}
}

// failed applies the adapter's classification: fatal clears the slice,
// anything else leaves it untouched.
func (r *Reconciler) failed(p model.Provider, working *model.Account, err error) outcome {
	if !model.IsFatal(err) {
		r.logger.Warn("provider check failed", "provider", p, "account_id", working.ID, "error", err)
		return outcome{result: expired(p, err)}
	}

	r.logger.Info("provider credential revoked, clearing", "provider", p, "account_id", working.ID, "error", err)
	working.Credentials.Clear(p)
	return outcome{
		result: model.ReconciliationResult{
			Provider:       p,
			State:          model.SessionStateRevokedLocally,
			RevokedLocally: true,
			Err:            err,
		},
		working: working.Credentials,
		changed: true,
	}
}

func expired(p model.Provider, err error) model.ReconciliationResult {
	return model.ReconciliationResult{Provider: p, State: model.SessionStateExpired, Err: err}
}

// timed records the latency and outcome of one adapter call.
func (r *Reconciler) timed(p model.Provider, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.metrics.ObserveProviderCall(p, operation, time.Since(start), err)
	return err
}
