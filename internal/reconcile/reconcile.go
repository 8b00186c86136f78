package reconcile

import (
	"context"
	"time"

	appLog "meetopen/internal/log"
	"meetopen/internal/model"
	"meetopen/internal/store"
)

// Store is the part of the event store the reconciler writes to.
type Store interface {
	Upsert(ctx context.Context, events []model.Event) error
	PurgeStaleUnopened(ctx context.Context) (int64, error)
}

// Result summarizes one reconciliation.
type Result struct {
	Received  int // events returned by the remote source
	Upserted  int // events carrying a meeting link
	Discarded int // events without a link
	Invalid   int // linked events the store would reject; dropped and logged
	Purged    int64
}

// Reconciler merges freshly fetched remote events into the store.
type Reconciler struct {
	store Store
}

func New(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile filters out events without a link, drops malformed ones so a
// single bad event cannot fail every later batch, upserts the rest and then
// purges stale unopened rows. Upsert must come first: purge relies on the
// batch it just recorded. If purge fails the store is still consistent;
// stale rows are removed on the next successful cycle.
func (r *Reconciler) Reconcile(ctx context.Context, remote []model.Event) (Result, error) {
	res := Result{Received: len(remote)}

	linked := make([]model.Event, 0, len(remote))
	for _, e := range remote {
		if !e.HasLink() {
			res.Discarded++
			continue
		}
		if err := store.ValidateEvent(e); err != nil {
			res.Invalid++
			appLog.Error("remote event dropped", err, "id", e.ID, "name", e.Name)
			continue
		}
		linked = append(linked, e)
	}
	res.Upserted = len(linked)

	if err := r.store.Upsert(ctx, linked); err != nil {
		return res, err
	}

	purged, err := r.store.PurgeStaleUnopened(ctx)
	if err != nil {
		return res, err
	}
	res.Purged = purged
	return res, nil
}

// NextStart returns the earliest start among events after now, for log lines.
func NextStart(events []model.Event, now time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, e := range events {
		if e.StartTime.Before(now) {
			continue
		}
		if !found || e.StartTime.Before(best) {
			best = e.StartTime
			found = true
		}
	}
	return best, found
}
