package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

func TestForOwner_RequiresOwner(t *testing.T) {
	b := NewBackend()
	_, err := b.ForOwner("")
	assert.ErrorIs(t, err, types.ErrNoOwner)
}

func TestOwnerService_Create(t *testing.T) {
	b := attachBackend(t, t.TempDir(), nil)
	s := ownerService(t, b, "alice")

	rec, err := s.Create(context.Background(), types.KindTask, types.Fields{
		"title":    "Buy milk",
		"priority": types.PriorityHigh,
		"dueDate":  nil,
	})
	require.NoError(t, err)

	id, err := uuid.Parse(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, types.KindTask, rec.Kind)
	assert.Equal(t, "alice", rec.Owner)
	assert.True(t, rec.CreatedAt.Equal(testNow))
	assert.True(t, rec.UpdatedAt.Equal(testNow))
	assert.Equal(t, types.TaskStatusTodo, rec.Fields["status"], "default applied")
	assert.NotContains(t, rec.Fields, "dueDate")
	assert.False(t, rec.Provisional())
}

func TestOwnerService_CreateValidation(t *testing.T) {
	b := attachBackend(t, t.TempDir(), nil)
	s := ownerService(t, b, "alice")
	ctx := context.Background()

	tests := []struct {
		name   string
		kind   types.Kind
		fields types.Fields
		want   error
	}{
		{"missing title", types.KindTask, types.Fields{"priority": types.PriorityLow}, types.ErrValidation},
		{"blank title", types.KindTask, types.Fields{"title": ""}, types.ErrValidation},
		{"bad enum", types.KindTask, types.Fields{"title": "x", "priority": "SOMEDAY"}, types.ErrValidation},
		{"system field", types.KindTask, types.Fields{"title": "x", "id": "mine"}, types.ErrValidation},
		{"unknown kind", types.Kind("Invoice"), types.Fields{"title": "x"}, types.ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.kind, tt.fields)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	n, err := b.Count("alice", types.KindTask)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOwnerService_ListOrder(t *testing.T) {
	now := testNow
	b := NewBackend(WithClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	}))
	require.NoError(t, b.Attach(sqliteConfig(t.TempDir(), nil)))
	t.Cleanup(func() { _ = b.Detach() })
	s := ownerService(t, b, "alice")
	ctx := context.Background()

	for _, title := range []string{"first", "second", "third"} {
		_, err := s.Create(ctx, types.KindTask, types.Fields{"title": title})
		require.NoError(t, err)
	}
	records, err := s.List(ctx, types.KindTask)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, title := range []string{"first", "second", "third"} {
		assert.Equal(t, title, records[i].Fields.Text("title"))
	}
}

func TestOwnerService_Update(t *testing.T) {
	now := testNow
	b := NewBackend(WithClock(func() time.Time { return now }))
	require.NoError(t, b.Attach(sqliteConfig(t.TempDir(), nil)))
	t.Cleanup(func() { _ = b.Detach() })
	s := ownerService(t, b, "alice")
	ctx := context.Background()

	rec, err := s.Create(ctx, types.KindTask, types.Fields{"title": "Buy milk", "category": "home"})
	require.NoError(t, err)

	now = testNow.Add(time.Hour)
	updated, err := s.Update(ctx, types.KindTask, rec.ID, types.Fields{
		"status":   types.TaskStatusInProgress,
		"category": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", updated.Fields.Text("title"), "unnamed fields unchanged")
	assert.Equal(t, types.TaskStatusInProgress, updated.Fields["status"])
	assert.NotContains(t, updated.Fields, "category")
	assert.True(t, updated.CreatedAt.Equal(testNow))
	assert.True(t, updated.UpdatedAt.Equal(now))

	got, err := s.Get(ctx, types.KindTask, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Fields, got.Fields)

	_, err = s.Update(ctx, types.KindTask, rec.ID, types.Fields{"title": nil})
	assert.ErrorIs(t, err, types.ErrValidation, "required field cannot be cleared")
	_, err = s.Update(ctx, types.KindTask, "", types.Fields{"title": "x"})
	assert.ErrorIs(t, err, types.ErrInvalidID)
	_, err = s.Update(ctx, types.KindTask, "missing", types.Fields{"title": "x"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestOwnerService_Delete(t *testing.T) {
	b := attachBackend(t, t.TempDir(), nil)
	s := ownerService(t, b, "alice")
	ctx := context.Background()

	habit, err := s.Create(ctx, types.KindHabit, types.Fields{"name": "Read"})
	require.NoError(t, err)
	_, err = s.Create(ctx, types.KindHabitEntry, types.Fields{"habitId": habit.ID, "date": "2024-06-01"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, types.KindHabit, habit.ID))
	_, err = s.Get(ctx, types.KindHabit, habit.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, types.KindHabit, habit.ID), types.ErrNotFound)

	entries, err := s.List(ctx, types.KindHabitEntry)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "delete does not cascade")
}

func TestOwnerService_OwnerIsolation(t *testing.T) {
	b := attachBackend(t, t.TempDir(), nil)
	alice := ownerService(t, b, "alice")
	bob := ownerService(t, b, "bob")
	ctx := context.Background()

	rec, err := alice.Create(ctx, types.KindNote, types.Fields{"content": "private"})
	require.NoError(t, err)

	list, err := bob.List(ctx, types.KindNote)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = bob.Get(ctx, types.KindNote, rec.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = bob.Update(ctx, types.KindNote, rec.ID, types.Fields{"content": "mine now"})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, bob.Delete(ctx, types.KindNote, rec.ID), types.ErrNotFound)

	got, err := alice.Get(ctx, types.KindNote, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "private", got.Fields.Text("content"))
}

func TestOwnerService_CanceledContext(t *testing.T) {
	b := attachBackend(t, t.TempDir(), nil)
	s := ownerService(t, b, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Create(ctx, types.KindTask, types.Fields{"title": "x"})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Subscribe(ctx, types.KindTask, types.HandlerFuncs{})
	assert.ErrorIs(t, err, context.Canceled)
}
