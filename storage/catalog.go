package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Record describes one stored module.
type Record struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Type          string    `json:"question_type"`
	Topics        []string  `json:"topics"`
	Adaptive      bool      `json:"isAdaptive"`
	Files         []string  `json:"files"`
	Dir           string    `json:"dir"`
	ResumptionKey string    `json:"resumption_key,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Catalog stores module records in SQLite.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens the SQLite database at dsn and prepares the schema.
// Use ":memory:" for a throwaway catalog.
func OpenCatalog(dsn string) (*Catalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open catalog: %w", err)
	}
	// One connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	c, err := NewCatalog(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// NewCatalog initializes the schema in db. The caller must have imported a
// SQLite driver.
func NewCatalog(db *sql.DB) (*Catalog, error) {
	c := &Catalog{db: db}
	if err := c.initSchema(); err != nil {
		return nil, fmt.Errorf("storage: init catalog: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS modules (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			question_type TEXT NOT NULL,
			topics TEXT NOT NULL,
			adaptive INTEGER NOT NULL,
			files TEXT NOT NULL,
			dir TEXT NOT NULL UNIQUE,
			resumption_key TEXT,
			created_at TEXT NOT NULL
		);`,
	)
	return err
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Insert adds a record.
func (c *Catalog) Insert(ctx context.Context, rec Record) error {
	topics, err := json.Marshal(nonNil(rec.Topics))
	if err != nil {
		return err
	}
	files, err := json.Marshal(nonNil(rec.Files))
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO modules (id, title, question_type, topics, adaptive, files, dir, resumption_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Title,
		rec.Type,
		string(topics),
		rec.Adaptive,
		string(files),
		rec.Dir,
		rec.ResumptionKey,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: insert %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record with id.
func (c *Catalog) Get(ctx context.Context, id string) (Record, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, title, question_type, topics, adaptive, files, dir, resumption_key, created_at
		FROM modules
		WHERE id = ?`,
		id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: module %s", ErrNotFound, id)
	}
	return rec, err
}

// Has reports whether a record with id exists.
func (c *Catalog) Has(ctx context.Context, id string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM modules WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

// List returns every record, newest first.
func (c *Catalog) List(ctx context.Context) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, title, question_type, topics, adaptive, files, dir, resumption_key, created_at
		FROM modules
		ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateDir records a new directory for id.
func (c *Catalog) UpdateDir(ctx context.Context, id, dir string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE modules SET dir = ? WHERE id = ?`, dir, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: module %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes the record with id.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM modules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: module %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec                   Record
		topics, files, create string
		key                   sql.NullString
	)
	if err := s.Scan(&rec.ID, &rec.Title, &rec.Type, &topics, &rec.Adaptive, &files, &rec.Dir, &key, &create); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(topics), &rec.Topics); err != nil {
		return Record{}, fmt.Errorf("storage: decode topics of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(files), &rec.Files); err != nil {
		return Record{}, fmt.Errorf("storage: decode files of %s: %w", rec.ID, err)
	}
	created, err := time.Parse(time.RFC3339Nano, create)
	if err != nil {
		return Record{}, fmt.Errorf("storage: decode created_at of %s: %w", rec.ID, err)
	}
	rec.CreatedAt = created
	rec.ResumptionKey = key.String
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
