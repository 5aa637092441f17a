// Package litestore implements the storage contract on a single SQLite
// database: all tables share one documents relation keyed by (table, record
// key), with documents held as JSON text.
package litestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wppgw/internal/storage"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite connection.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens the database with WAL mode, verifies the connection, and runs
// pending migrations.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db, log: logger.Named("litestore")}
	result, err := s.migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		s.log.Info("migrations applied", zap.Uint("version", result.Version))
	}
	return s, nil
}

// Table returns a handle for the named table.
func (s *Store) Table(name string) storage.Table {
	return &table{store: s, name: name}
}

// ListTables enumerates distinct table names.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tbl FROM documents ORDER BY tbl`)
	if err != nil {
		return nil, &storage.StorageError{Op: "list tables", Table: "", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &storage.StorageError{Op: "list tables", Table: "", Err: err}
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StorageError{Op: "list tables", Table: "", Err: err}
	}
	return names, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

type table struct {
	store *Store
	name  string
}

func (t *table) fail(op string, err error) error {
	return &storage.StorageError{Op: op, Table: t.name, Err: err}
}

func (t *table) Upsert(ctx context.Context, m storage.Matcher, doc storage.Doc, createIfAbsent bool) error {
	record := storage.Clone(doc)
	m.Stamp(record)
	id := storage.RecordKey(record)
	if id == "" {
		return t.fail("upsert", errors.New("record has no key or _id"))
	}
	data, err := json.Marshal(record)
	if err != nil {
		return t.fail("upsert", err)
	}
	now := time.Now().UnixMilli()

	if createIfAbsent {
		_, err = t.store.db.ExecContext(ctx, `
			INSERT INTO documents (tbl, id, doc, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(tbl, id) DO UPDATE SET
				doc = excluded.doc,
				updated_at = excluded.updated_at`,
			t.name, id, string(data), now)
	} else {
		_, err = t.store.db.ExecContext(ctx, `
			UPDATE documents SET doc = ?, updated_at = ? WHERE tbl = ? AND id = ?`,
			string(data), now, t.name, id)
	}
	if err != nil {
		return t.fail("upsert", err)
	}
	return nil
}

func (t *table) Merge(ctx context.Context, m storage.Matcher, partial storage.Doc, createIfAbsent bool) error {
	id := m.Value()
	if id == "" {
		return t.fail("merge", errors.New("merge requires a keyed matcher"))
	}

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return t.fail("merge", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE tbl = ? AND id = ?`, t.name, id).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !createIfAbsent {
			return nil
		}
		record := storage.Merge(storage.Doc{}, partial)
		m.Stamp(record)
		data, merr := json.Marshal(record)
		if merr != nil {
			return t.fail("merge", merr)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (tbl, id, doc, updated_at) VALUES (?, ?, ?, ?)`,
			t.name, id, string(data), time.Now().UnixMilli()); err != nil {
			return t.fail("merge", err)
		}
	case err != nil:
		return t.fail("merge", err)
	default:
		var existing storage.Doc
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return t.fail("merge", err)
		}
		merged := storage.Merge(existing, partial)
		data, merr := json.Marshal(merged)
		if merr != nil {
			return t.fail("merge", merr)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET doc = ?, updated_at = ? WHERE tbl = ? AND id = ?`,
			string(data), time.Now().UnixMilli(), t.name, id); err != nil {
			return t.fail("merge", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return t.fail("merge", err)
	}
	return nil
}

func (t *table) Delete(ctx context.Context, m storage.Matcher) error {
	var err error
	if m.MatchAll() {
		_, err = t.store.db.ExecContext(ctx, `DELETE FROM documents WHERE tbl = ?`, t.name)
	} else {
		_, err = t.store.db.ExecContext(ctx,
			`DELETE FROM documents WHERE tbl = ? AND id = ?`, t.name, m.Value())
	}
	if err != nil {
		return t.fail("delete", err)
	}
	return nil
}

func (t *table) FindOne(ctx context.Context, m storage.Matcher) (storage.Doc, error) {
	var raw string
	var err error
	if m.MatchAll() {
		err = t.store.db.QueryRowContext(ctx,
			`SELECT doc FROM documents WHERE tbl = ? LIMIT 1`, t.name).Scan(&raw)
	} else {
		err = t.store.db.QueryRowContext(ctx,
			`SELECT doc FROM documents WHERE tbl = ? AND id = ?`, t.name, m.Value()).Scan(&raw)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, t.fail("find one", err)
	}
	var doc storage.Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, t.fail("find one", err)
	}
	return doc, nil
}

func (t *table) FindAll(ctx context.Context, m storage.Matcher) ([]storage.Doc, error) {
	rows, err := t.store.db.QueryContext(ctx,
		`SELECT doc FROM documents WHERE tbl = ?`, t.name)
	if err != nil {
		return nil, t.fail("find all", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []storage.Doc
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, t.fail("find all", err)
		}
		var doc storage.Doc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, t.fail("find all", err)
		}
		if m.Matches(doc) {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail("find all", err)
	}
	return docs, nil
}

func (t *table) Drop(ctx context.Context) error {
	if _, err := t.store.db.ExecContext(ctx,
		`DELETE FROM documents WHERE tbl = ?`, t.name); err != nil {
		return t.fail("drop", err)
	}
	return nil
}
