package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

var testNow = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func sqliteConfig(dir string, sc *types.SQLiteConfig) types.Config {
	return types.Config{Backend: types.BackendSQLite, DataDir: dir, SQLiteConfig: sc}
}

func attachBackend(t *testing.T, dir string, sc *types.SQLiteConfig) *Backend {
	t.Helper()
	b := NewBackend(WithClock(func() time.Time { return testNow }))
	require.NoError(t, b.Attach(sqliteConfig(dir, sc)))
	t.Cleanup(func() { _ = b.Detach() })
	return b
}

func ownerService(t *testing.T, b *Backend, owner string) *OwnerService {
	t.Helper()
	s, err := b.ForOwner(owner)
	require.NoError(t, err)
	return s
}

func jsonlLines(t *testing.T, dir string, kind types.Kind) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, jsonlFiles[kind]))
	require.NoError(t, err)
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestBackend_Attach(t *testing.T) {
	dir := t.TempDir()
	b := attachBackend(t, dir, nil)

	assert.True(t, b.Attached())
	assert.FileExists(t, filepath.Join(dir, dbFile))
	for _, kind := range types.Kinds {
		info, err := os.Stat(filepath.Join(dir, jsonlFiles[kind]))
		require.NoError(t, err, kind)
		assert.Zero(t, info.Size(), kind)
	}

	assert.ErrorIs(t, b.Attach(sqliteConfig(dir, nil)), types.ErrAttached)
}

func TestBackend_AttachRejectsConfig(t *testing.T) {
	tests := []struct {
		name   string
		config types.Config
		want   error
	}{
		{"empty backend", types.Config{DataDir: t.TempDir()}, types.ErrBackendEmpty},
		{"remote backend", types.Config{Backend: types.BackendRemote, Remote: types.RemoteConfig{URL: "http://localhost"}}, types.ErrBackendUnknown},
		{"bad sync strategy", sqliteConfig(t.TempDir(), &types.SQLiteConfig{SyncStrategy: "hourly"}), types.ErrSyncStrategyUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackend()
			assert.ErrorIs(t, b.Attach(tt.config), tt.want)
			assert.False(t, b.Attached())
		})
	}
}

func TestBackend_Detach(t *testing.T) {
	b := NewBackend()
	require.NoError(t, b.Attach(sqliteConfig(t.TempDir(), nil)))
	s := ownerService(t, b, "alice")

	require.NoError(t, b.Detach())
	require.NoError(t, b.Detach(), "detach is idempotent")
	assert.False(t, b.Attached())

	ctx := context.Background()
	_, err := s.Create(ctx, types.KindTask, types.Fields{"title": "x"})
	assert.ErrorIs(t, err, types.ErrDetached)
	_, err = s.List(ctx, types.KindTask)
	assert.ErrorIs(t, err, types.ErrDetached)
	_, err = s.Subscribe(ctx, types.KindTask, types.HandlerFuncs{})
	assert.ErrorIs(t, err, types.ErrDetached)
	assert.ErrorIs(t, b.Flush(), types.ErrDetached)
}

func TestBackend_ReattachReloadsJSONL(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b := NewBackend(WithClock(func() time.Time { return testNow }))
	require.NoError(t, b.Attach(sqliteConfig(dir, nil)))
	s := ownerService(t, b, "alice")
	created, err := s.Create(ctx, types.KindTask, types.Fields{
		"title":   "Buy milk",
		"dueDate": "2024-06-03T00:00:00Z",
		"tags":    []string{"errand"},
	})
	require.NoError(t, err)
	require.NoError(t, b.Detach())

	b2 := attachBackend(t, dir, nil)
	got, err := ownerService(t, b2, "alice").Get(ctx, types.KindTask, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", got.Fields.Text("title"))
	assert.Equal(t, []string{"errand"}, got.Fields["tags"])
	due, ok := got.Fields.Time("dueDate")
	require.True(t, ok)
	assert.True(t, due.Equal(time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)))
	assert.True(t, got.CreatedAt.Equal(testNow))
	assert.True(t, got.UpdatedAt.Equal(testNow))
}

func TestBackend_LoadSkipsUnreadableLines(t *testing.T) {
	dir := t.TempDir()
	content := strings.Join([]string{
		`{"id":"t1","owner":"alice","title":"good","legacyFlag":"kept","createdAt":"2024-06-01T09:30:00Z","updatedAt":"2024-06-01T09:30:00Z"}`,
		`not json at all`,
		`{"id":"t2","title":"no owner"}`,
		`{"owner":"alice","title":"no id"}`,
		`{"id":"t1","owner":"alice","title":"duplicate"}`,
		``,
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, jsonlFiles[types.KindTask]), []byte(content), 0o644))

	b := attachBackend(t, dir, nil)
	records, err := ownerService(t, b, "alice").List(context.Background(), types.KindTask)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].ID)
	assert.Equal(t, "good", records[0].Fields.Text("title"))
	assert.Equal(t, "kept", records[0].Fields["legacyFlag"])
}

func TestBackend_SyncImmediate(t *testing.T) {
	dir := t.TempDir()
	b := attachBackend(t, dir, nil)
	_, err := ownerService(t, b, "alice").Create(context.Background(), types.KindNote, types.Fields{"content": "hello"})
	require.NoError(t, err)

	lines := jsonlLines(t, dir, types.KindNote)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"content":"hello"`)
	assert.Contains(t, lines[0], `"owner":"alice"`)
}

func TestBackend_SyncOnClose(t *testing.T) {
	dir := t.TempDir()
	b := NewBackend()
	require.NoError(t, b.Attach(sqliteConfig(dir, &types.SQLiteConfig{SyncStrategy: types.SyncOnClose})))
	s := ownerService(t, b, "alice")

	for _, title := range []string{"one", "two"} {
		_, err := s.Create(context.Background(), types.KindTask, types.Fields{"title": title})
		require.NoError(t, err)
	}
	assert.Empty(t, jsonlLines(t, dir, types.KindTask))

	require.NoError(t, b.Detach())
	assert.Len(t, jsonlLines(t, dir, types.KindTask), 2)
}

func TestBackend_SyncBatchSize(t *testing.T) {
	dir := t.TempDir()
	b := attachBackend(t, dir, &types.SQLiteConfig{SyncStrategy: types.SyncBatch, BatchSize: 2, BatchInterval: 3600})
	s := ownerService(t, b, "alice")
	ctx := context.Background()

	_, err := s.Create(ctx, types.KindTask, types.Fields{"title": "one"})
	require.NoError(t, err)
	assert.Empty(t, jsonlLines(t, dir, types.KindTask))

	_, err = s.Create(ctx, types.KindTask, types.Fields{"title": "two"})
	require.NoError(t, err)
	assert.Len(t, jsonlLines(t, dir, types.KindTask), 2)
}

func TestBackend_Flush(t *testing.T) {
	dir := t.TempDir()
	b := attachBackend(t, dir, &types.SQLiteConfig{SyncStrategy: types.SyncOnClose})
	_, err := ownerService(t, b, "alice").Create(context.Background(), types.KindHabit, types.Fields{"name": "Read"})
	require.NoError(t, err)

	require.NoError(t, b.Flush())
	assert.Len(t, jsonlLines(t, dir, types.KindHabit), 1)
}

func TestBackend_ExportImport(t *testing.T) {
	ctx := context.Background()
	src := attachBackend(t, t.TempDir(), &types.SQLiteConfig{SyncStrategy: types.SyncOnClose})
	alice := ownerService(t, src, "alice")
	_, err := alice.Create(ctx, types.KindTask, types.Fields{"title": "Buy milk"})
	require.NoError(t, err)
	_, err = alice.Create(ctx, types.KindExpense, types.Fields{"amount": 4.5, "description": "milk", "date": "2024-06-01"})
	require.NoError(t, err)
	_, err = ownerService(t, src, "bob").Create(ctx, types.KindTask, types.Fields{"title": "Walk dog"})
	require.NoError(t, err)

	exportDir := filepath.Join(t.TempDir(), "export")
	require.NoError(t, src.Export(exportDir))
	assert.Len(t, jsonlLines(t, exportDir, types.KindTask), 2)

	dst := attachBackend(t, t.TempDir(), nil)
	added, err := dst.Import(exportDir)
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	n, err := dst.Count("alice", types.KindTask)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = dst.Count("bob", types.KindTask)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	added, err = dst.Import(exportDir)
	require.NoError(t, err)
	assert.Zero(t, added, "existing ids are not imported twice")
}
