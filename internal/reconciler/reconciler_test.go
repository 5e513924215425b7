package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/almanac/internal/fakeremote"
	"github.com/mesh-intelligence/almanac/internal/store"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

func rec(id, title string) types.Record {
	return types.Record{ID: id, Fields: types.Fields{"title": title}}
}

func ids(records []types.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func setup(t *testing.T, opts ...Option) (*fakeremote.Service, *store.Store, *Reconciler) {
	t.Helper()
	remote := fakeremote.New("u1")
	st := store.New()
	r := New(remote, st, opts...)
	t.Cleanup(func() { _ = r.Close() })
	return remote, st, r
}

func TestWatchAppliesInitialSnapshot(t *testing.T) {
	remote, st, r := setup(t)
	remote.Seed(types.KindTask, rec("a", "one"), rec("b", "two"))

	require.NoError(t, r.Watch(context.Background(), types.KindTask))

	assert.Equal(t, []string{"a", "b"}, ids(st.Snapshot(types.KindTask)))
	assert.Equal(t, StatusLive, r.Status(types.KindTask))
	select {
	case <-r.Ready(types.KindTask):
	default:
		t.Fatal("ready channel not closed after first snapshot")
	}
}

func TestWatchIsIdempotent(t *testing.T) {
	remote, _, r := setup(t)
	ctx := context.Background()

	require.NoError(t, r.Watch(ctx, types.KindTask))
	require.NoError(t, r.Watch(ctx, types.KindTask))

	assert.Equal(t, 1, remote.Calls(fakeremote.OpSubscribe))
	assert.Equal(t, 1, remote.Active(types.KindTask))
	assert.Equal(t, []types.Kind{types.KindTask}, r.Watched())
}

func TestPushRemovesGhosts(t *testing.T) {
	remote, st, r := setup(t)
	require.NoError(t, r.Watch(context.Background(), types.KindTask))

	remote.PushRaw(types.KindTask, []types.Record{rec("a", "x"), rec("b", "y"), rec("c", "z")})
	assert.Equal(t, []string{"a", "b", "c"}, ids(st.Snapshot(types.KindTask)))

	remote.PushRaw(types.KindTask, []types.Record{rec("c", "z2"), rec("a", "x")})
	snap := st.Snapshot(types.KindTask)
	assert.Equal(t, []string{"c", "a"}, ids(snap))
	assert.Equal(t, "z2", snap[0].Fields.Text("title"))
}

func TestPushOverwritesProvisionalCopies(t *testing.T) {
	remote, st, r := setup(t)
	require.NoError(t, r.Watch(context.Background(), types.KindTask))

	st.Upsert(types.KindTask, types.Record{ID: "a", Fields: types.Fields{"title": "optimistic"}, ProvisionalID: "p1"})
	remote.PushRaw(types.KindTask, []types.Record{rec("a", "authoritative")})

	snap := st.Snapshot(types.KindTask)
	require.Len(t, snap, 1)
	assert.Equal(t, "authoritative", snap[0].Fields.Text("title"))
	assert.False(t, snap[0].Provisional())
}

func TestPushHydratesWireValues(t *testing.T) {
	remote, st, r := setup(t)
	require.NoError(t, r.Watch(context.Background(), types.KindTask))

	remote.PushRaw(types.KindTask, []types.Record{{
		ID:     "a",
		Fields: types.Fields{"title": "x", "dueDate": "2026-03-01T08:00:00Z", "tags": []any{"home"}},
	}})

	got, ok := st.Get(types.KindTask, "a")
	require.True(t, ok)
	_, isTime := got.Fields.Time("dueDate")
	assert.True(t, isTime)
	assert.Equal(t, []string{"home"}, got.Fields["tags"])
}

func TestForeignRecordsDropped(t *testing.T) {
	remote, st, r := setup(t, WithOwner("u1"))
	require.NoError(t, r.Watch(context.Background(), types.KindNote))

	remote.PushRaw(types.KindNote, []types.Record{
		{ID: "mine", Owner: "u1", Fields: types.Fields{"content": "a"}},
		{ID: "theirs", Owner: "u2", Fields: types.Fields{"content": "b"}},
	})
	assert.Equal(t, []string{"mine"}, ids(st.Snapshot(types.KindNote)))
}

// Subscribe, receive two records, unsubscribe, then a remote push: the
// store keeps the two records.
func TestNoWritesAfterUnwatch(t *testing.T) {
	remote, st, r := setup(t)
	remote.Seed(types.KindTask, rec("a", "one"), rec("b", "two"))
	require.NoError(t, r.Watch(context.Background(), types.KindTask))
	require.Len(t, st.Snapshot(types.KindTask), 2)

	require.NoError(t, r.Unwatch(types.KindTask))
	require.NoError(t, r.Unwatch(types.KindTask))
	assert.Equal(t, 0, remote.Active(types.KindTask))
	assert.Equal(t, 1, remote.Stops(types.KindTask))

	remote.PushRaw(types.KindTask, []types.Record{rec("c", "three")})
	remote.Fail(types.KindTask, errors.New("late failure"))

	assert.Equal(t, []string{"a", "b"}, ids(st.Snapshot(types.KindTask)))
	assert.Equal(t, StatusIdle, r.Status(types.KindTask))
}

// runWithin fails the test if fn does not return within a second.
func runWithin(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked: call did not return")
	}
}

func TestStopFromStoreListener(t *testing.T) {
	tests := []struct {
		name string
		stop func(r *Reconciler) error
	}{
		{"unwatch", func(r *Reconciler) error { return r.Unwatch(types.KindTask) }},
		{"close", func(r *Reconciler) error { return r.Close() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote, st, r := setup(t)
			require.NoError(t, r.Watch(context.Background(), types.KindTask))

			var stopErr error
			stops := 0
			st.Subscribe(types.KindTask, func(c store.Change) {
				if len(c.Records) == 1 && stops == 0 {
					stops++
					stopErr = tt.stop(r)
				}
			})

			runWithin(t, func() { remote.PushRaw(types.KindTask, []types.Record{rec("a", "one")}) })
			require.NoError(t, stopErr)
			assert.Equal(t, 1, stops)
			assert.Equal(t, 0, remote.Active(types.KindTask))
			assert.Equal(t, StatusIdle, r.Status(types.KindTask))

			runWithin(t, func() { remote.PushRaw(types.KindTask, []types.Record{rec("b", "two")}) })
			assert.Equal(t, []string{"a"}, ids(st.Snapshot(types.KindTask)))
		})
	}
}

func TestStreamFailureKeepsLastKnownGood(t *testing.T) {
	var reported []*types.SubscriptionError
	remote, st, r := setup(t, OnError(func(err *types.SubscriptionError) {
		reported = append(reported, err)
	}))
	remote.Seed(types.KindEvent, types.Record{ID: "e1", Fields: types.Fields{"title": "Standup"}})
	require.NoError(t, r.Watch(context.Background(), types.KindEvent))

	cause := errors.New("connection reset")
	remote.Fail(types.KindEvent, cause)

	assert.Equal(t, []string{"e1"}, ids(st.Snapshot(types.KindEvent)))
	assert.Equal(t, StatusDegraded, r.Status(types.KindEvent))
	require.Len(t, reported, 1)
	assert.Equal(t, types.KindEvent, reported[0].Kind)
	assert.ErrorIs(t, reported[0], types.ErrSubscription)
	assert.ErrorIs(t, reported[0], cause)
	assert.ErrorIs(t, r.Err(types.KindEvent), cause)
}

func TestWatchAgainAfterDegradedResubscribes(t *testing.T) {
	remote, st, r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Watch(ctx, types.KindTask))
	remote.Fail(types.KindTask, errors.New("dropped"))
	require.Equal(t, StatusDegraded, r.Status(types.KindTask))

	remote.Seed(types.KindTask, rec("a", "while away"))
	require.NoError(t, r.Watch(ctx, types.KindTask))

	assert.Equal(t, StatusLive, r.Status(types.KindTask))
	assert.Equal(t, 2, remote.Calls(fakeremote.OpSubscribe))
	assert.Equal(t, 1, remote.Active(types.KindTask), "old live query stopped")
	assert.Equal(t, []string{"a"}, ids(st.Snapshot(types.KindTask)))
}

func TestSubscribeFailure(t *testing.T) {
	remote, st, r := setup(t)
	cause := errors.New("unauthorized")
	remote.FailNext(fakeremote.OpSubscribe, cause)

	err := r.Watch(context.Background(), types.KindGoal)
	require.Error(t, err)
	var subErr *types.SubscriptionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, types.KindGoal, subErr.Kind)
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, StatusIdle, r.Status(types.KindGoal))
	assert.Nil(t, r.Ready(types.KindGoal))
	assert.Empty(t, st.Snapshot(types.KindGoal))
}

func TestWatchUnknownKind(t *testing.T) {
	_, _, r := setup(t)
	err := r.Watch(context.Background(), types.Kind("Invoice"))
	assert.ErrorIs(t, err, types.ErrUnknownKind)
}

func TestClose(t *testing.T) {
	remote, st, r := setup(t)
	ctx := context.Background()
	require.NoError(t, r.Watch(ctx, types.KindTask))
	require.NoError(t, r.Watch(ctx, types.KindNote))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Equal(t, 0, remote.Active(types.KindTask))
	assert.Equal(t, 0, remote.Active(types.KindNote))
	assert.ErrorIs(t, r.Watch(ctx, types.KindTask), ErrClosed)

	remote.PushRaw(types.KindTask, []types.Record{rec("x", "late")})
	assert.Empty(t, st.Snapshot(types.KindTask))
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusIdle, "idle"},
		{StatusPending, "pending"},
		{StatusLive, "live"},
		{StatusDegraded, "degraded"},
		{Status(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.s.String())
	}
}
