// Package sqlite implements the reference data service: owned records of
// every kind, held in per-kind JSONL files (the source of truth) and queried
// through SQLite, with live queries that push full snapshots after every
// change.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

const dbFile = "almanac.db"

// Backend is the SQLite data service for all owners. Use ForOwner to obtain
// the owner-scoped types.RemoteService.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	dataDir  string
	db       *sql.DB
	seq      uint64 // committed write counter, orders live pushes
	log      logrus.FieldLogger
	now      func() time.Time

	live *liveHub

	// JSONL sync strategy state
	syncStrategy  string
	batchSize     int
	batchInterval time.Duration
	dirty         map[types.Kind]bool
	pendingWrites int
	batchTimer    *time.Timer
	batchMu       sync.Mutex
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(b *Backend) {
		if log != nil {
			b.log = log
		}
	}
}

// WithClock sets the time source for system timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBackend creates a detached backend. Call Attach to open it.
func NewBackend(opts ...Option) *Backend {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	b := &Backend{
		log:   discard,
		now:   time.Now,
		dirty: make(map[types.Kind]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.live = newLiveHub(b)
	return b
}

// Attach opens the backend on config.DataDir, creating it and empty JSONL
// files as needed, and loads every record into a fresh SQLite database.
// Returns types.ErrAttached if already attached.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}
	if config.Backend != types.BackendSQLite {
		return fmt.Errorf("%w: %s", types.ErrBackendUnknown, config.Backend)
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// The database is a cache of the JSONL files; rebuild it every time.
	dbPath := filepath.Join(dataDir, dbFile)
	_ = os.Remove(dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schemaDDL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	if err := initJSONLFiles(dataDir); err != nil {
		db.Close()
		return err
	}
	if err := loadAllJSONL(db, dataDir, b.log); err != nil {
		db.Close()
		return fmt.Errorf("load JSONL: %w", err)
	}

	b.db = db
	b.config = config
	b.dataDir = dataDir
	b.syncStrategy = config.SQLiteConfig.GetSyncStrategy()
	b.batchSize = config.SQLiteConfig.GetBatchSize()
	b.batchInterval = time.Duration(config.SQLiteConfig.GetBatchInterval()) * time.Second
	b.dirty = make(map[types.Kind]bool)
	b.pendingWrites = 0
	b.attached = true

	if b.syncStrategy == types.SyncBatch && b.batchInterval > 0 {
		b.startBatchTimer()
	}

	b.log.WithFields(logrus.Fields{
		"data_dir": dataDir,
		"sync":     b.syncStrategy,
	}).Info("backend attached")
	return nil
}

// Detach flushes pending JSONL writes, ends every live query with
// types.ErrDetached and closes the database. Detach is idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	if !b.attached {
		b.mu.Unlock()
		return nil
	}

	b.stopBatchTimer()
	flushErr := b.flushLocked()

	var closeErr error
	if b.db != nil {
		closeErr = b.db.Close()
		b.db = nil
	}
	b.attached = false
	b.mu.Unlock()

	b.live.closeAll(types.ErrDetached)
	b.log.Info("backend detached")

	if flushErr != nil {
		return fmt.Errorf("flush pending writes: %w", flushErr)
	}
	return closeErr
}

// Attached reports whether the backend is open.
func (b *Backend) Attached() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attached
}

// ForOwner returns the data service as seen by owner. Every operation on it
// is confined to owner's records.
func (b *Backend) ForOwner(owner string) (*OwnerService, error) {
	if owner == "" {
		return nil, types.ErrNoOwner
	}
	return &OwnerService{b: b, owner: owner}, nil
}

// Count returns the number of records of kind held for owner.
func (b *Backend) Count(owner string, kind types.Kind) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return 0, types.ErrDetached
	}
	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM records WHERE owner = ? AND kind = ?`, owner, string(kind)).Scan(&n)
	return n, err
}

// listLocked returns owner's records of kind in creation order. The caller
// holds b.mu.
func (b *Backend) listLocked(owner string, kind types.Kind) ([]types.Record, error) {
	rows, err := b.db.Query(`SELECT record_id, owner, fields, created_at, updated_at
		FROM records WHERE owner = ? AND kind = ?
		ORDER BY created_at, record_id`, owner, string(kind))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}
	defer rows.Close()
	return scanRecords(kind, rows)
}

// allLocked returns every owner's records of kind.
func (b *Backend) allLocked(kind types.Kind) ([]types.Record, error) {
	rows, err := b.db.Query(`SELECT record_id, owner, fields, created_at, updated_at
		FROM records WHERE kind = ?
		ORDER BY created_at, record_id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}
	defer rows.Close()
	return scanRecords(kind, rows)
}

func (b *Backend) getLocked(owner string, kind types.Kind, id string) (types.Record, error) {
	rows, err := b.db.Query(`SELECT record_id, owner, fields, created_at, updated_at
		FROM records WHERE owner = ? AND kind = ? AND record_id = ?`, owner, string(kind), id)
	if err != nil {
		return types.Record{}, fmt.Errorf("reading %s %s: %w", kind, id, err)
	}
	defer rows.Close()
	recs, err := scanRecords(kind, rows)
	if err != nil {
		return types.Record{}, err
	}
	if len(recs) == 0 {
		return types.Record{}, types.ErrNotFound
	}
	return recs[0], nil
}

func scanRecords(kind types.Kind, rows *sql.Rows) ([]types.Record, error) {
	records := []types.Record{}
	for rows.Next() {
		var (
			rec                  types.Record
			fields               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Owner, &fields, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", kind, err)
		}
		f, err := decodeFields(kind, fields)
		if err != nil {
			return nil, err
		}
		rec.Kind = kind
		rec.Fields = f
		rec.CreatedAt = parseTime(createdAt)
		rec.UpdatedAt = parseTime(updatedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s rows: %w", kind, err)
	}
	return records, nil
}

// committedLocked records a write to kind: bumps the sequence and persists
// or queues the kind's JSONL file. The caller holds b.mu for writing.
func (b *Backend) committedLocked(kind types.Kind) error {
	b.seq++
	if b.shouldPersistImmediately() {
		return b.persistKindLocked(kind)
	}
	b.queueWrite(kind)
	return nil
}

// persistKindLocked rewrites kind's JSONL file from the database.
func (b *Backend) persistKindLocked(kind types.Kind) error {
	records, err := b.allLocked(kind)
	if err != nil {
		return err
	}
	lines := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		line, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	return writeJSONL(filepath.Join(b.dataDir, jsonlFiles[kind]), lines)
}

// generateUUID generates a new UUID v7 for record IDs.
func generateUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
