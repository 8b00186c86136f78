package source

import (
	"context"
	"fmt"
	"time"

	appLog "meetopen/internal/log"
	"meetopen/internal/model"
)

// Fetcher returns the remote events the reconciler should see this cycle.
type Fetcher interface {
	FetchRemoteEvents(ctx context.Context) ([]model.Event, error)
}

// Provider is one concrete calendar backend (ICS feed set, Google Calendar).
type Provider interface {
	Name() string
	// Events returns events starting inside w. Events without a meeting link
	// may be included; they carry an empty URL.
	Events(ctx context.Context, w model.Window) ([]model.Event, error)
}

// FetchError reports that a provider could not produce a complete list.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Multi merges events from several providers over [now, now+horizon).
type Multi struct {
	providers []Provider
	horizon   time.Duration
	now       func() time.Time
}

// NewMulti builds a Fetcher over providers. A non-positive horizon yields an
// empty window and therefore no events.
func NewMulti(horizon time.Duration, providers ...Provider) *Multi {
	return &Multi{providers: providers, horizon: horizon, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (m *Multi) WithClock(now func() time.Time) *Multi {
	m.now = now
	return m
}

// FetchRemoteEvents queries every provider. If any provider fails the whole
// fetch fails: a partial list would make the reconciler purge rows that
// belong to the provider that could not answer.
//
// Duplicate IDs across providers are collapsed; the first provider wins.
func (m *Multi) FetchRemoteEvents(ctx context.Context) ([]model.Event, error) {
	now := m.now()
	w := model.Window{Min: now, Max: now.Add(m.horizon)}

	seen := make(map[string]struct{})
	out := make([]model.Event, 0)

	for _, p := range m.providers {
		if err := ctx.Err(); err != nil {
			return nil, &FetchError{Source: p.Name(), Err: err}
		}

		events, err := p.Events(ctx, w)
		if err != nil {
			return nil, &FetchError{Source: p.Name(), Err: err}
		}

		added := 0
		for _, e := range events {
			if !w.Contains(e.StartTime) {
				continue
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			out = append(out, e)
			added++
		}
		appLog.Debug("source fetched", "source", p.Name(), "events", added)
	}

	return out, nil
}
