package dispatch

import (
	"context"
	"errors"
	"time"

	"meetopen/internal/launch"
	appLog "meetopen/internal/log"
	"meetopen/internal/model"
)

// Store is the part of the event store dispatch needs.
type Store interface {
	QueryWindow(ctx context.Context, min, max time.Time) ([]model.Event, error)
	MarkOpened(ctx context.Context, id string) error
}

// Result summarizes one dispatch call.
type Result struct {
	Window     model.Window
	Candidates int
	Launched   int
	LaunchErrs int // launch failures; swallowed, never returned
	MarkErrs   int
}

// Dispatcher opens eligible events inside the lead window.
type Dispatcher struct {
	store    Store
	launcher launch.Launcher
}

func New(store Store, launcher launch.Launcher) *Dispatcher {
	return &Dispatcher{store: store, launcher: launcher}
}

// Dispatch launches every unopened event of an enabled service starting in
// [now, now+leadMinutes) and marks it opened right after the attempt.
//
// The opened flag is committed even when the launch fails: there is no
// reliable success signal, so each event gets at most one attempt. One
// candidate's failure never stops the others; mark-opened failures are
// joined into the returned error. Cancelling ctx stops further launches
// and adds ctx.Err() to that error, but a started launch is still committed.
func (d *Dispatcher) Dispatch(ctx context.Context, now time.Time, leadMinutes int, enabled model.ServiceSet) (Result, error) {
	window := model.LeadWindow(now, leadMinutes)
	res := Result{Window: window}

	if leadMinutes <= 0 || len(enabled) == 0 {
		return res, nil
	}

	candidates, err := d.store.QueryWindow(ctx, window.Min, window.Max)
	if err != nil {
		return res, err
	}

	// Once a client is started its flag must be committed, even if ctx is
	// cancelled by shutdown in between.
	markCtx := context.WithoutCancel(ctx)

	var errs []error
	for _, c := range candidates {
		if c.Opened || !enabled.Contains(c.Service) {
			continue
		}
		if err := ctx.Err(); err != nil {
			// nothing launched yet for c; it stays unopened for the next run
			errs = append(errs, err)
			break
		}
		res.Candidates++

		if err := d.launcher.Launch(ctx, c.URL, c.Service); err != nil {
			res.LaunchErrs++
			appLog.Error("event launch failed", err, "id", c.ID, "name", c.Name, "service", string(c.Service))
		} else {
			res.Launched++
			appLog.Info("event opened on "+c.Service.DisplayName(), "id", c.ID, "name", c.Name, "start", c.StartTime.Format(time.RFC3339))
		}

		if err := d.store.MarkOpened(markCtx, c.ID); err != nil {
			res.MarkErrs++
			errs = append(errs, err)
			appLog.Error("mark opened failed", err, "id", c.ID)
		}
	}

	return res, errors.Join(errs...)
}
