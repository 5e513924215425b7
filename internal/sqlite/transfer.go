package sqlite

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

// Export flushes pending writes and copies every kind's JSONL file into
// dir, creating it if needed.
func (b *Backend) Export(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return types.ErrDetached
	}
	if err := b.flushLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating export dir: %w", err)
	}
	for _, kind := range types.Kinds {
		name := jsonlFiles[kind]
		if err := copyFile(filepath.Join(b.dataDir, name), filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("exporting %s: %w", name, err)
		}
	}
	b.log.WithField("dir", dir).Info("exported data")
	return nil
}

// Import adds the records found in dir's JSONL files. Records whose ID is
// already held are left unchanged; missing files are skipped. Returns the
// number of records added.
func (b *Backend) Import(dir string) (int, error) {
	b.mu.Lock()
	if !b.attached {
		b.mu.Unlock()
		return 0, types.ErrDetached
	}

	tx, err := b.db.Begin()
	if err != nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("beginning import: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO records
		(record_id, kind, owner, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		b.mu.Unlock()
		return 0, fmt.Errorf("preparing import: %w", err)
	}

	added := 0
	var changed []types.Kind
	for _, kind := range types.Kinds {
		name := jsonlFiles[kind]
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		lines, err := readJSONL(path)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			b.mu.Unlock()
			return 0, err
		}
		n := 0
		for _, line := range lines {
			rec, err := decodeRecord(kind, line)
			if err != nil {
				continue
			}
			fields, err := encodeFields(rec.Fields)
			if err != nil {
				continue
			}
			res, err := stmt.Exec(rec.ID, string(kind), rec.Owner, fields,
				rec.CreatedAt.UTC().Format(timeLayout), rec.UpdatedAt.UTC().Format(timeLayout))
			if err != nil {
				stmt.Close()
				tx.Rollback()
				b.mu.Unlock()
				return 0, fmt.Errorf("importing %s: %w", name, err)
			}
			if rows, _ := res.RowsAffected(); rows > 0 {
				n++
			}
		}
		if n > 0 {
			added += n
			changed = append(changed, kind)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("committing import: %w", err)
	}

	var pushes []func()
	for _, kind := range changed {
		if err := b.committedLocked(kind); err != nil {
			b.log.WithError(err).WithField("kind", kind).Warn("persisting JSONL failed")
			b.dirty[kind] = true
		}
		pushes = append(pushes, b.live.captureLocked("", kind))
	}
	b.mu.Unlock()
	for _, push := range pushes {
		push()
	}

	b.log.WithFields(logrus.Fields{"dir": dir, "added": added}).Info("imported data")
	return added, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
