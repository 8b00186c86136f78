package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetopen/internal/dispatch"
	"meetopen/internal/launch"
	"meetopen/internal/model"
	"meetopen/internal/reconcile"
	"meetopen/internal/source"
	"meetopen/internal/store"
)

type fakeFetcher struct {
	events []model.Event
	err    error
	panic  bool
}

func (f *fakeFetcher) FetchRemoteEvents(context.Context) ([]model.Event, error) {
	if f.panic {
		panic("fetch exploded")
	}
	return f.events, f.err
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeReconciler) Reconcile(_ context.Context, remote []model.Event) (reconcile.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return reconcile.Result{Received: len(remote)}, f.err
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	lead    int
	enabled model.ServiceSet
	err     error
	panic   bool
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ time.Time, lead int, enabled model.ServiceSet) (dispatch.Result, error) {
	f.mu.Lock()
	f.calls++
	f.lead = lead
	f.enabled = enabled
	f.mu.Unlock()
	if f.panic {
		panic("dispatch exploded")
	}
	return dispatch.Result{}, f.err
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type everySchedule time.Duration

func (s everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(s)) }

var _ cron.Schedule = everySchedule(0)

func testConfig() Config {
	return Config{LeadMinutes: 5, Enabled: model.NewServiceSet(model.ServiceZoom), Schedule: everySchedule(time.Millisecond)}
}

func TestRunOnceAllPhasesSucceed(t *testing.T) {
	rec := &fakeReconciler{}
	disp := &fakeDispatcher{}
	l := New(&fakeFetcher{}, rec, disp, testConfig())

	res := l.RunOnce(context.Background())
	assert.False(t, res.Failed())
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, 1, disp.calls)
	assert.Equal(t, 5, disp.lead)
	assert.True(t, disp.enabled.Contains(model.ServiceZoom))
}

func TestRunOnceFetchFailureStillDispatches(t *testing.T) {
	rec := &fakeReconciler{}
	disp := &fakeDispatcher{}
	fetchErr := &source.FetchError{Source: "google", Err: errors.New("rate limited")}
	l := New(&fakeFetcher{err: fetchErr}, rec, disp, testConfig())

	res := l.RunOnce(context.Background())
	require.Error(t, res.FetchErr)
	var fe *source.FetchError
	assert.True(t, errors.As(res.FetchErr, &fe))
	assert.Equal(t, 0, rec.calls, "reconcile needs a complete remote list")
	assert.Equal(t, 1, disp.calls)
	assert.NoError(t, res.DispatchErr)
}

func TestRunOnceReconcileFailureStillDispatches(t *testing.T) {
	disp := &fakeDispatcher{}
	l := New(&fakeFetcher{}, &fakeReconciler{err: &store.StoreError{Op: "upsert", Err: errors.New("disk full")}}, disp, testConfig())

	res := l.RunOnce(context.Background())
	require.Error(t, res.ReconcileErr)
	assert.Equal(t, 1, disp.calls)
	assert.NoError(t, res.DispatchErr)
}

func TestRunOnceDispatchFailureDoesNotAffectReconcile(t *testing.T) {
	rec := &fakeReconciler{}
	l := New(&fakeFetcher{}, rec, &fakeDispatcher{err: errors.New("locked")}, testConfig())

	res := l.RunOnce(context.Background())
	assert.NoError(t, res.ReconcileErr)
	assert.Error(t, res.DispatchErr)
	assert.Equal(t, 1, rec.calls)
}

func TestRunOnceRecoversPanics(t *testing.T) {
	disp := &fakeDispatcher{panic: true}
	l := New(&fakeFetcher{panic: true}, &fakeReconciler{}, disp, testConfig())

	var res CycleResult
	require.NotPanics(t, func() { res = l.RunOnce(context.Background()) })
	require.Error(t, res.FetchErr)
	assert.Contains(t, res.FetchErr.Error(), "fetch exploded")
	require.Error(t, res.DispatchErr)
	assert.Contains(t, res.DispatchErr.Error(), "dispatch exploded")
}

func TestRunKeepsCyclingAfterFailuresUntilCancelled(t *testing.T) {
	disp := &fakeDispatcher{}
	l := New(&fakeFetcher{err: errors.New("offline")}, &fakeReconciler{}, disp, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return disp.count() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestRunReturnsImmediatelyOnCancelledContext(t *testing.T) {
	disp := &fakeDispatcher{}
	l := New(&fakeFetcher{}, &fakeReconciler{}, disp, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
	assert.Equal(t, 0, disp.count())
}

func TestDefaultScheduleIsSixtySeconds(t *testing.T) {
	l := New(&fakeFetcher{}, &fakeReconciler{}, &fakeDispatcher{}, Config{})
	now := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), l.cfg.Schedule.Next(now))
}

type stubLauncher struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubLauncher) Launch(_ context.Context, url string, _ model.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, url)
	return nil
}

var _ launch.Launcher = (*stubLauncher)(nil)

func TestCycleEndToEndWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Initialize(ctx))

	now := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{events: []model.Event{
		{ID: "soon", StartTime: now.Add(3 * time.Minute), URL: "https://zoom.us/j/1", Service: model.ServiceZoom},
		{ID: "later", StartTime: now.Add(time.Hour), URL: "https://meet.google.com/x", Service: model.ServiceMeet},
		{ID: "nolink", StartTime: now.Add(time.Minute)},
	}}
	launcher := &stubLauncher{}

	l := New(fetcher, reconcile.New(s), dispatch.New(s, launcher), Config{
		LeadMinutes: 5,
		Enabled:     model.NewServiceSet(model.ServiceZoom, model.ServiceMeet),
	}).WithClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		res := l.RunOnce(ctx)
		require.False(t, res.Failed())
	}
	assert.Equal(t, []string{"https://zoom.us/j/1"}, launcher.calls)

	events, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
}
