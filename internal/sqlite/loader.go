package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

// loadAllJSONL reads every kind's JSONL file from dir and inserts the
// records into the records table. Loading is transactional: all succeed or
// the table is left as it was. Malformed lines, lines missing id or owner
// and duplicate ids are skipped; unknown fields are kept.
func loadAllJSONL(db *sql.DB, dir string, log logrus.FieldLogger) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	if err := loadInto(tx, dir, log); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing load transaction: %w", err)
	}
	return nil
}

func loadInto(tx *sql.Tx, dir string, log logrus.FieldLogger) error {
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO records
		(record_id, kind, owner, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, kind := range types.Kinds {
		name := jsonlFiles[kind]
		lines, err := readJSONL(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		skipped := 0
		for _, line := range lines {
			rec, err := decodeRecord(kind, line)
			if err != nil {
				skipped++
				continue
			}
			if err := insertRecord(stmt, rec); err != nil {
				return fmt.Errorf("loading %s: %w", name, err)
			}
		}
		if skipped > 0 {
			log.WithFields(logrus.Fields{"file": name, "skipped": skipped}).Warn("skipped unreadable records")
		}
	}
	return nil
}

func insertRecord(stmt *sql.Stmt, rec types.Record) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", rec.Kind, rec.ID, err)
	}
	_, err = stmt.Exec(
		rec.ID,
		string(rec.Kind),
		rec.Owner,
		fields,
		rec.CreatedAt.UTC().Format(timeLayout),
		rec.UpdatedAt.UTC().Format(timeLayout),
	)
	return err
}
