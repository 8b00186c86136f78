package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetopen/internal/launch"
	"meetopen/internal/model"
	"meetopen/internal/store"
)

type launchCall struct {
	url     string
	service model.Service
}

type stubLauncher struct {
	calls []launchCall
	fail  map[string]bool
}

func (s *stubLauncher) Launch(_ context.Context, url string, service model.Service) error {
	s.calls = append(s.calls, launchCall{url: url, service: service})
	if s.fail[url] {
		return &launch.LaunchError{Service: service, Bin: "stub", Err: errors.New("exec failed")}
	}
	return nil
}

var T = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDispatchOpensOnceAndMarks(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Upsert(ctx, []model.Event{
		{ID: "a", StartTime: T, URL: "https://zoom.us/j/1", Service: model.ServiceZoom},
	}))

	stub := &stubLauncher{}
	d := New(s, stub)
	enabled := model.NewServiceSet(model.ServiceZoom)

	res, err := d.Dispatch(ctx, T, 5, enabled)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Launched)
	require.Equal(t, []launchCall{{"https://zoom.us/j/1", model.ServiceZoom}}, stub.calls)

	got, err := s.QueryWindow(ctx, T, T.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Opened)

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(ctx, T.Add(time.Duration(i)*time.Second), 5, enabled)
		require.NoError(t, err)
	}
	assert.Len(t, stub.calls, 1, "launch must happen at most once per event")
}

func TestDispatchRespectsEnabledServicesAndWindow(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Upsert(ctx, []model.Event{
		{ID: "zoom", StartTime: T.Add(time.Minute), URL: "https://zoom.us/j/1", Service: model.ServiceZoom},
		{ID: "meet", StartTime: T.Add(2 * time.Minute), URL: "https://meet.google.com/x", Service: model.ServiceMeet},
		{ID: "edge", StartTime: T.Add(5 * time.Minute), URL: "https://zoom.us/j/edge", Service: model.ServiceZoom},
		{ID: "past", StartTime: T.Add(-time.Minute), URL: "https://zoom.us/j/past", Service: model.ServiceZoom},
	}))

	stub := &stubLauncher{}
	d := New(s, stub)

	res, err := d.Dispatch(ctx, T, 5, model.NewServiceSet(model.ServiceMeet))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	require.Equal(t, []launchCall{{"https://meet.google.com/x", model.ServiceMeet}}, stub.calls)

	events, err := s.List(ctx)
	require.NoError(t, err)
	for _, e := range events {
		assert.Equal(t, e.ID == "meet", e.Opened, "only the dispatched event is marked: %s", e.ID)
	}
}

func TestDispatchEmptyServiceSetLaunchesNothing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Upsert(ctx, []model.Event{
		{ID: "a", StartTime: T, URL: "https://zoom.us/j/1", Service: model.ServiceZoom},
	}))

	stub := &stubLauncher{}
	_, err := New(s, stub).Dispatch(ctx, T, 5, model.ServiceSet{})
	require.NoError(t, err)
	assert.Empty(t, stub.calls)
}

func TestDispatchZeroLeadLaunchesNothing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Upsert(ctx, []model.Event{
		{ID: "a", StartTime: T, URL: "https://zoom.us/j/1", Service: model.ServiceZoom},
	}))

	stub := &stubLauncher{}
	_, err := New(s, stub).Dispatch(ctx, T, 0, model.NewServiceSet(model.ServiceZoom))
	require.NoError(t, err)
	assert.Empty(t, stub.calls)
}

func TestDispatchMarksOpenedEvenWhenLaunchFails(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Upsert(ctx, []model.Event{
		{ID: "bad", StartTime: T, URL: "https://zoom.us/j/bad", Service: model.ServiceZoom},
		{ID: "good", StartTime: T.Add(time.Minute), URL: "https://zoom.us/j/good", Service: model.ServiceZoom},
	}))

	stub := &stubLauncher{fail: map[string]bool{"https://zoom.us/j/bad": true}}
	d := New(s, stub)

	res, err := d.Dispatch(ctx, T, 5, model.NewServiceSet(model.ServiceZoom))
	require.NoError(t, err, "launch failures are swallowed")
	assert.Equal(t, 1, res.LaunchErrs)
	assert.Equal(t, 1, res.Launched)
	assert.Len(t, stub.calls, 2)

	events, err := s.List(ctx)
	require.NoError(t, err)
	for _, e := range events {
		assert.True(t, e.Opened, e.ID)
	}

	_, err = d.Dispatch(ctx, T, 5, model.NewServiceSet(model.ServiceZoom))
	require.NoError(t, err)
	assert.Len(t, stub.calls, 2, "failed launch is not retried")
}

type flakyMarkStore struct {
	events  []model.Event
	failIDs map[string]bool
	marked  []string
}

func (f *flakyMarkStore) QueryWindow(_ context.Context, _, _ time.Time) ([]model.Event, error) {
	return f.events, nil
}

func (f *flakyMarkStore) MarkOpened(_ context.Context, id string) error {
	if f.failIDs[id] {
		return &store.StoreError{Op: "mark opened", Err: errors.New("io")}
	}
	f.marked = append(f.marked, id)
	return nil
}

func TestDispatchContinuesAfterMarkFailure(t *testing.T) {
	fs := &flakyMarkStore{
		events: []model.Event{
			{ID: "a", StartTime: T, URL: "https://zoom.us/j/a", Service: model.ServiceZoom},
			{ID: "b", StartTime: T, URL: "https://zoom.us/j/b", Service: model.ServiceZoom},
		},
		failIDs: map[string]bool{"a": true},
	}
	stub := &stubLauncher{}

	res, err := New(fs, stub).Dispatch(context.Background(), T, 5, model.NewServiceSet(model.ServiceZoom))
	require.Error(t, err)
	var storeErr *store.StoreError
	assert.True(t, errors.As(err, &storeErr))
	assert.Equal(t, 1, res.MarkErrs)
	assert.Len(t, stub.calls, 2)
	assert.Equal(t, []string{"b"}, fs.marked)
}

type failingQueryStore struct{}

func (failingQueryStore) QueryWindow(context.Context, time.Time, time.Time) ([]model.Event, error) {
	return nil, &store.StoreError{Op: "query window", Err: errors.New("corrupt")}
}

func (failingQueryStore) MarkOpened(context.Context, string) error { return nil }

func TestDispatchQueryFailure(t *testing.T) {
	stub := &stubLauncher{}
	_, err := New(failingQueryStore{}, stub).Dispatch(context.Background(), T, 5, model.NewServiceSet(model.ServiceZoom))
	require.Error(t, err)
	assert.Empty(t, stub.calls)
}

// cancellingLauncher simulates SIGINT arriving while the client starts.
type cancellingLauncher struct {
	stubLauncher
	cancel context.CancelFunc
}

func (c *cancellingLauncher) Launch(ctx context.Context, url string, service model.Service) error {
	err := c.stubLauncher.Launch(ctx, url, service)
	c.cancel()
	return err
}

func TestDispatchCommitsOpenedWhenCancelledDuringLaunch(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Upsert(context.Background(), []model.Event{
		{ID: "a", StartTime: T, URL: "https://zoom.us/j/1", Service: model.ServiceZoom},
		{ID: "b", StartTime: T.Add(time.Minute), URL: "https://zoom.us/j/2", Service: model.ServiceZoom},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	launcher := &cancellingLauncher{cancel: cancel}
	enabled := model.NewServiceSet(model.ServiceZoom)

	res, err := New(s, launcher).Dispatch(ctx, T, 5, enabled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.MarkErrs)
	assert.Equal(t, 1, res.Launched)
	require.Len(t, launcher.calls, 1, "no launch after cancellation")

	events, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Opened, "started launch is committed")
	assert.False(t, events[1].Opened, "untouched candidate stays unopened")

	// a restarted process opens only the remaining event
	restart := &stubLauncher{}
	_, err = New(s, restart).Dispatch(context.Background(), T, 5, enabled)
	require.NoError(t, err)
	assert.Equal(t, []launchCall{{"https://zoom.us/j/2", model.ServiceZoom}}, restart.calls)
}
