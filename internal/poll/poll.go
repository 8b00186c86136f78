// Package poll drives the fetch, reconcile and dispatch cycle.
package poll

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"meetopen/internal/dispatch"
	appLog "meetopen/internal/log"
	"meetopen/internal/model"
	"meetopen/internal/reconcile"
)

const (
	PhaseFetch     = "fetch"
	PhaseReconcile = "reconcile"
	PhaseDispatch  = "dispatch"
)

type Fetcher interface {
	FetchRemoteEvents(ctx context.Context) ([]model.Event, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, remote []model.Event) (reconcile.Result, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, now time.Time, leadMinutes int, enabled model.ServiceSet) (dispatch.Result, error)
}

// Config is the explicit per-run configuration handed to the loop.
type Config struct {
	LeadMinutes int
	Enabled     model.ServiceSet
	// Schedule decides when the next cycle starts; nil means every 60s.
	Schedule cron.Schedule
}

// CycleResult holds the error of each phase; nil means the phase succeeded
// or was skipped.
type CycleResult struct {
	ID           string
	FetchErr     error
	ReconcileErr error
	DispatchErr  error
}

// Failed reports whether any phase failed.
func (r CycleResult) Failed() bool {
	return r.FetchErr != nil || r.ReconcileErr != nil || r.DispatchErr != nil
}

type Loop struct {
	fetcher    Fetcher
	reconciler Reconciler
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time
}

func New(fetcher Fetcher, reconciler Reconciler, dispatcher Dispatcher, cfg Config) *Loop {
	if cfg.Schedule == nil {
		cfg.Schedule = cron.Every(60 * time.Second)
	}
	return &Loop{
		fetcher:    fetcher,
		reconciler: reconciler,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.now = now
	return l
}

// RunOnce runs a single cycle. A failed fetch skips reconcile, but dispatch
// always runs against whatever the store already holds, so meetings already
// known are still opened while the calendar is unreachable.
func (l *Loop) RunOnce(ctx context.Context) CycleResult {
	res := CycleResult{ID: uuid.NewString()}
	started := l.now()

	var remote []model.Event
	res.FetchErr = l.phase(ctx, res.ID, PhaseFetch, func(ctx context.Context) ([]any, error) {
		events, err := l.fetcher.FetchRemoteEvents(ctx)
		remote = events
		return []any{"events", len(events)}, err
	})

	if res.FetchErr == nil {
		res.ReconcileErr = l.phase(ctx, res.ID, PhaseReconcile, func(ctx context.Context) ([]any, error) {
			r, err := l.reconciler.Reconcile(ctx, remote)
			kv := []any{"received", r.Received, "upserted", r.Upserted, "discarded", r.Discarded, "invalid", r.Invalid, "purged", r.Purged}
			if next, ok := reconcile.NextStart(remote, started); ok {
				kv = append(kv, "next_start", next.Format(time.RFC3339))
			}
			return kv, err
		})
	}

	res.DispatchErr = l.phase(ctx, res.ID, PhaseDispatch, func(ctx context.Context) ([]any, error) {
		r, err := l.dispatcher.Dispatch(ctx, l.now(), l.cfg.LeadMinutes, l.cfg.Enabled)
		return []any{"candidates", r.Candidates, "launched", r.Launched, "launch_errors", r.LaunchErrs}, err
	})

	return res
}

// phase runs fn, turning a panic into an error, and logs one line for it.
func (l *Loop) phase(ctx context.Context, cycleID, name string, fn func(context.Context) ([]any, error)) (err error) {
	start := time.Now()
	var kv []any

	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.WithStack(fmt.Errorf("%s phase panic: %v", name, r))
			appLog.Debug("phase panic stack", "cycle", cycleID, "phase", name, "stack", string(debug.Stack()))
		}
		kv = append(kv, "cycle", cycleID, "phase", name, "took_ms", time.Since(start).Milliseconds())
		if err != nil {
			appLog.Error("phase failed", err, kv...)
			return
		}
		appLog.Info("phase done", kv...)
	}()

	kv, err = fn(ctx)
	return err
}

// Run runs a cycle immediately and then on every schedule tick until ctx is
// cancelled. Cycles never overlap: the next tick is computed after the
// current cycle returns. The returned error is ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	appLog.Info("poll loop started", "lead_minutes", l.cfg.LeadMinutes, "services", fmt.Sprint(l.cfg.Enabled.Slice()))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.RunOnce(ctx)

		now := l.now()
		next := l.cfg.Schedule.Next(now)
		wait := next.Sub(now)
		if wait < 0 {
			wait = 0
		}
		appLog.Debug("poll loop sleeping", "next", next.Format(time.RFC3339), "wait", wait.String())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			appLog.Info("poll loop stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}
