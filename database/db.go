package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrUnknownStatus = errors.New("unknown status")
)

// Store persists the stage enum and the records of the reference backend
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps transactions simple.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log.WithField("component", "database")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.log.WithField("path", path).Info("Database initialized successfully")
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stages (
			value INTEGER PRIMARY KEY,
			label TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			status INTEGER NOT NULL REFERENCES stages(value),
			data TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ListStages returns the stage enum ordered by position
func (s *Store) ListStages(ctx context.Context) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT value, label, position FROM stages ORDER BY position, value")
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	stages := []Stage{}
	for rows.Next() {
		var st Stage
		if err := rows.Scan(&st.Value, &st.Label, &st.Position); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// UpsertStage inserts or relabels a stage
func (s *Store) UpsertStage(ctx context.Context, st Stage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stages (value, label, position) VALUES (?, ?, ?)
		ON CONFLICT(value) DO UPDATE SET label = excluded.label, position = excluded.position
	`, st.Value, st.Label, st.Position)
	if err != nil {
		return fmt.Errorf("failed to upsert stage: %w", err)
	}
	return nil
}

const recordQuery = `
	SELECT r.id, r.status, s.label, r.data, r.updated_at
	FROM records r JOIN stages s ON s.value = r.status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		id, label, data, updatedAt string
		status                     int
	)
	if err := row.Scan(&id, &status, &label, &data, &updatedAt); err != nil {
		return nil, err
	}
	rec := Record{}
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	rec[FieldID] = id
	rec[FieldStatus] = status
	rec[FieldStatusLabel] = label
	rec[FieldUpdatedAt] = updatedAt
	return rec, nil
}

// ListRecords returns every record in insertion order
func (s *Store) ListRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, recordQuery+" ORDER BY r.rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetRecord returns one record by id
func (s *Store) GetRecord(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, recordQuery+" WHERE r.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	return rec, nil
}

// InsertRecord stores a new record
func (s *Store) InsertRecord(ctx context.Context, id string, status int, data Record) error {
	dataJSON, err := json.Marshal(stripOwned(data))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO records (id, status, data) VALUES (?, ?, ?)", id, status, string(dataJSON))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// UpdateRecord replaces a record's data and status, returning the stored
// result. The status must name an existing stage.
func (s *Store) UpdateRecord(ctx context.Context, id string, data Record) (Record, error) {
	status, err := StatusValue(data[FieldStatus])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownStatus, err)
	}
	dataJSON, err := json.Marshal(stripOwned(data))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM stages WHERE value = ?", status).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query stage: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE records SET status = ?, data = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, string(dataJSON), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, recordQuery+" WHERE r.id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.WithFields(logrus.Fields{"record": id, "status": status}).Info("Record updated")
	return rec, nil
}

// SeedDemo fills an empty database with the demo lead pipeline. It reports
// whether anything was inserted.
func (s *Store) SeedDemo(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stages").Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count stages: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	for _, st := range demoStages {
		if err := s.UpsertStage(ctx, st); err != nil {
			return false, err
		}
	}
	for _, r := range demoRecords {
		if err := s.InsertRecord(ctx, r.ID, r.Status, r.Data); err != nil {
			return false, err
		}
	}
	s.log.WithFields(logrus.Fields{"stages": len(demoStages), "records": len(demoRecords)}).Info("Seeded demo data")
	return true, nil
}

// StatusValue converts a decoded JSON status (number or numeric string) to
// its integer value.
func StatusValue(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		if t != float64(int(t)) {
			return 0, fmt.Errorf("status %v is not an integer", t)
		}
		return int(t), nil
	case int:
		return t, nil
	case json.Number:
		n, err := strconv.Atoi(t.String())
		if err != nil {
			return 0, fmt.Errorf("status %q is not an integer", t)
		}
		return n, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("status %q is not an integer", t)
		}
		return n, nil
	case nil:
		return 0, errors.New("status missing")
	default:
		return 0, fmt.Errorf("status has unsupported type %T", v)
	}
}

func stripOwned(data Record) Record {
	out := make(Record, len(data))
	for k, v := range data {
		switch k {
		case FieldID, FieldStatus, FieldStatusLabel, FieldUpdatedAt:
			continue
		}
		out[k] = v
	}
	return out
}
