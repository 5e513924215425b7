package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

type pushRecorder struct {
	snapshots chan []types.Record
	errs      chan error
}

func newPushRecorder() *pushRecorder {
	return &pushRecorder{
		snapshots: make(chan []types.Record, 64),
		errs:      make(chan error, 1),
	}
}

func (p *pushRecorder) OnSnapshot(records []types.Record) { p.snapshots <- records }
func (p *pushRecorder) OnError(err error)                 { p.errs <- err }

// waitFor returns the first pushed snapshot that satisfies ok.
func (p *pushRecorder) waitFor(t *testing.T, ok func([]types.Record) bool) []types.Record {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case records := <-p.snapshots:
			if ok(records) {
				return records
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}

func hasLen(n int) func([]types.Record) bool {
	return func(records []types.Record) bool { return len(records) == n }
}

func TestLiveQuery_InitialSnapshot(t *testing.T) {
	b := attachBackend(t, t.TempDir(), nil)
	s := ownerService(t, b, "alice")
	ctx := context.Background()
	_, err := s.Create(ctx, types.KindTask, types.Fields{"title": "existing"})
	require.NoError(t, err)

	rec := newPushRecorder()
	q, err := s.Subscribe(ctx, types.KindTask, rec)
	require.NoError(t, err)
	defer q.Stop()

	first := rec.waitFor(t, func([]types.Record) bool { return true })
	require.Len(t, first, 1)
	assert.Equal(t, "existing", first[0].Fields.Text("title"))
}

func TestLiveQuery_PushesAfterWrites(t *testing.T) {
	b := attachBackend(t, t.TempDir(), nil)
	s := ownerService(t, b, "alice")
	ctx := context.Background()

	rec := newPushRecorder()
	q, err := s.Subscribe(ctx, types.KindTask, rec)
	require.NoError(t, err)
	defer q.Stop()
	rec.waitFor(t, hasLen(0))

	created, err := s.Create(ctx, types.KindTask, types.Fields{"title": "Buy milk"})
	require.NoError(t, err)
	snap := rec.waitFor(t, hasLen(1))
	assert.Equal(t, created.ID, snap[0].ID)

	_, err = s.Update(ctx, types.KindTask, created.ID, types.Fields{"title": "Buy oat milk"})
	require.NoError(t, err)
	rec.waitFor(t, func(records []types.Record) bool {
		return len(records) == 1 && records[0].Fields.Text("title") == "Buy oat milk"
	})

	require.NoError(t, s.Delete(ctx, types.KindTask, created.ID))
	rec.waitFor(t, hasLen(0))
}

func TestLiveQuery_ScopedToOwnerAndKind(t *testing.T) {
	b := attachBackend(t, t.TempDir(), nil)
	alice := ownerService(t, b, "alice")
	bob := ownerService(t, b, "bob")
	ctx := context.Background()

	rec := newPushRecorder()
	q, err := alice.Subscribe(ctx, types.KindTask, rec)
	require.NoError(t, err)
	defer q.Stop()
	rec.waitFor(t, hasLen(0))

	_, err = bob.Create(ctx, types.KindTask, types.Fields{"title": "bob's"})
	require.NoError(t, err)
	_, err = alice.Create(ctx, types.KindNote, types.Fields{"content": "not a task"})
	require.NoError(t, err)
	_, err = alice.Create(ctx, types.KindTask, types.Fields{"title": "alice's"})
	require.NoError(t, err)

	snap := rec.waitFor(t, hasLen(1))
	assert.Equal(t, "alice's", snap[0].Fields.Text("title"))
	assert.Equal(t, "alice", snap[0].Owner)
}

func TestLiveQuery_Stop(t *testing.T) {
	b := attachBackend(t, t.TempDir(), nil)
	s := ownerService(t, b, "alice")
	ctx := context.Background()

	rec := newPushRecorder()
	q, err := s.Subscribe(ctx, types.KindTask, rec)
	require.NoError(t, err)
	rec.waitFor(t, hasLen(0))

	require.NoError(t, q.Stop())
	require.NoError(t, q.Stop(), "stop is idempotent")
	assert.Zero(t, b.live.size())

	_, err = s.Create(ctx, types.KindTask, types.Fields{"title": "unseen"})
	require.NoError(t, err)
	select {
	case records := <-rec.snapshots:
		t.Fatalf("unexpected push after stop: %v", records)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLiveQuery_DetachEndsQueries(t *testing.T) {
	b := NewBackend()
	require.NoError(t, b.Attach(sqliteConfig(t.TempDir(), nil)))
	s := ownerService(t, b, "alice")

	rec := newPushRecorder()
	q, err := s.Subscribe(context.Background(), types.KindGoal, rec)
	require.NoError(t, err)
	rec.waitFor(t, hasLen(0))

	require.NoError(t, b.Detach())
	select {
	case err := <-rec.errs:
		assert.ErrorIs(t, err, types.ErrDetached)
	case <-time.After(2 * time.Second):
		t.Fatal("no error after detach")
	}
	assert.NoError(t, q.Stop())
}

func TestLiveQuery_ImportPushesToEveryOwner(t *testing.T) {
	ctx := context.Background()
	src := attachBackend(t, t.TempDir(), nil)
	_, err := ownerService(t, src, "alice").Create(ctx, types.KindBudget, types.Fields{
		"category": "food", "monthlyLimit": 300.0, "month": "2024-06",
	})
	require.NoError(t, err)
	exportDir := t.TempDir()
	require.NoError(t, src.Export(exportDir))

	dst := attachBackend(t, t.TempDir(), nil)
	rec := newPushRecorder()
	q, err := ownerService(t, dst, "alice").Subscribe(ctx, types.KindBudget, rec)
	require.NoError(t, err)
	defer q.Stop()
	rec.waitFor(t, hasLen(0))

	_, err = dst.Import(exportDir)
	require.NoError(t, err)
	snap := rec.waitFor(t, hasLen(1))
	assert.Equal(t, "food", snap[0].Fields.Text("category"))
}
