package sqlite

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

// OwnerService is the data service seen by one owner. It implements
// types.RemoteService; records of other owners are invisible to it.
type OwnerService struct {
	b     *Backend
	owner string
}

var _ types.RemoteService = (*OwnerService)(nil)

// Owner returns the owner this service is scoped to.
func (s *OwnerService) Owner() string {
	return s.owner
}

// List returns the owner's records of kind in creation order.
func (s *OwnerService) List(ctx context.Context, kind types.Kind) ([]types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := types.SchemaFor(kind); err != nil {
		return nil, err
	}
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	if !s.b.attached {
		return nil, types.ErrDetached
	}
	return s.b.listLocked(s.owner, kind)
}

// Get returns one of the owner's records.
func (s *OwnerService) Get(ctx context.Context, kind types.Kind, id string) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	if _, err := types.SchemaFor(kind); err != nil {
		return types.Record{}, err
	}
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	if !s.b.attached {
		return types.Record{}, types.ErrDetached
	}
	return s.b.getLocked(s.owner, kind, id)
}

// Subscribe opens a live query on the owner's records of kind. The first
// snapshot is pushed as soon as the query is registered.
func (s *OwnerService) Subscribe(ctx context.Context, kind types.Kind, handler types.SnapshotHandler) (types.LiveQuery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := types.SchemaFor(kind); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", kind)
	}
	return s.b.live.open(s.owner, kind, handler)
}

// Create stores a new record for the owner. Fields are validated against
// the kind's schema and defaults are applied; the service assigns the ID
// and timestamps.
func (s *OwnerService) Create(ctx context.Context, kind types.Kind, fields types.Fields) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	schema, err := types.SchemaFor(kind)
	if err != nil {
		return types.Record{}, err
	}
	normalized, err := schema.ValidateCreate(fields)
	if err != nil {
		return types.Record{}, err
	}
	for name, v := range normalized {
		if v == nil {
			delete(normalized, name)
		}
	}
	normalized = schema.ApplyDefaults(normalized)

	b := s.b
	b.mu.Lock()
	if !b.attached {
		b.mu.Unlock()
		return types.Record{}, types.ErrDetached
	}
	now := b.now().UTC()
	rec := types.Record{
		ID:        generateUUID(),
		Kind:      kind,
		Owner:     s.owner,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    normalized,
	}
	if err := b.insertLocked(rec); err != nil {
		b.mu.Unlock()
		return types.Record{}, err
	}
	push := b.commitLocked(s.owner, kind)
	b.mu.Unlock()
	push()

	b.log.WithFields(logrus.Fields{"kind": kind, "id": rec.ID, "owner": s.owner}).Debug("record created")
	return rec.Clone(), nil
}

// Update replaces the given fields of one of the owner's records. Nil
// values clear a field; required fields cannot be cleared.
func (s *OwnerService) Update(ctx context.Context, kind types.Kind, id string, fields types.Fields) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	schema, err := types.SchemaFor(kind)
	if err != nil {
		return types.Record{}, err
	}
	if id == "" {
		return types.Record{}, types.ErrInvalidID
	}
	normalized, err := schema.ValidateUpdate(fields)
	if err != nil {
		return types.Record{}, err
	}

	b := s.b
	b.mu.Lock()
	if !b.attached {
		b.mu.Unlock()
		return types.Record{}, types.ErrDetached
	}
	current, err := b.getLocked(s.owner, kind, id)
	if err != nil {
		b.mu.Unlock()
		return types.Record{}, err
	}
	rec := current.Merge(normalized)
	rec.UpdatedAt = b.now().UTC()
	if err := b.updateLocked(rec); err != nil {
		b.mu.Unlock()
		return types.Record{}, err
	}
	push := b.commitLocked(s.owner, kind)
	b.mu.Unlock()
	push()

	b.log.WithFields(logrus.Fields{"kind": kind, "id": id, "owner": s.owner}).Debug("record updated")
	return rec, nil
}

// Delete removes one of the owner's records. Records that refer to it are
// left in place.
func (s *OwnerService) Delete(ctx context.Context, kind types.Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := types.SchemaFor(kind); err != nil {
		return err
	}
	if id == "" {
		return types.ErrInvalidID
	}

	b := s.b
	b.mu.Lock()
	if !b.attached {
		b.mu.Unlock()
		return types.ErrDetached
	}
	res, err := b.db.Exec(`DELETE FROM records WHERE owner = ? AND kind = ? AND record_id = ?`,
		s.owner, string(kind), id)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("deleting %s %s: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		b.mu.Unlock()
		return types.ErrNotFound
	}
	push := b.commitLocked(s.owner, kind)
	b.mu.Unlock()
	push()

	b.log.WithFields(logrus.Fields{"kind": kind, "id": id, "owner": s.owner}).Debug("record deleted")
	return nil
}

func (b *Backend) insertLocked(rec types.Record) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", rec.Kind, err)
	}
	_, err = b.db.Exec(`INSERT INTO records
		(record_id, kind, owner, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.Owner, fields,
		rec.CreatedAt.UTC().Format(timeLayout), rec.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("inserting %s: %w", rec.Kind, err)
	}
	return nil
}

func (b *Backend) updateLocked(rec types.Record) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", rec.Kind, rec.ID, err)
	}
	_, err = b.db.Exec(`UPDATE records SET fields = ?, updated_at = ?
		WHERE owner = ? AND kind = ? AND record_id = ?`,
		fields, rec.UpdatedAt.UTC().Format(timeLayout), rec.Owner, string(rec.Kind), rec.ID)
	if err != nil {
		return fmt.Errorf("updating %s %s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

// commitLocked finishes a write to owner's records of kind. It persists or
// queues the JSONL file and captures the snapshot for live queries. The
// returned func delivers that snapshot and must be called after b.mu is
// released.
func (b *Backend) commitLocked(owner string, kind types.Kind) func() {
	if err := b.committedLocked(kind); err != nil {
		// The database holds the write; the next flush retries the file.
		b.log.WithError(err).WithField("kind", kind).Warn("persisting JSONL failed")
		b.dirty[kind] = true
	}
	return b.live.captureLocked(owner, kind)
}
