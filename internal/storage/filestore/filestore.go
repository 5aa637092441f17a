// Package filestore implements the storage contract on a plain directory:
// one JSON array file per table, every operation a whole-file
// read-modify-write guarded by a cross-process advisory lock.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/matheus3301/wppgw/internal/lock"
	"github.com/matheus3301/wppgw/internal/storage"
	"go.uber.org/zap"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Store is a directory of table files.
type Store struct {
	dir string
	log *zap.Logger
}

// New creates the directory if needed and returns a store over it.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{dir: dir, log: logger.Named("filestore")}, nil
}

// Table returns a handle for the named table. The file is created lazily on
// first write.
func (s *Store) Table(name string) storage.Table {
	safe := unsafeChars.ReplaceAllString(name, "_")
	return &table{
		name:     name,
		path:     filepath.Join(s.dir, safe+".json"),
		lockPath: filepath.Join(s.dir, safe+".json.lock"),
		log:      s.log.With(zap.String("table", name)),
	}
}

// ListTables enumerates table names from the directory contents.
func (s *Store) ListTables(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &storage.StorageError{Op: "list tables", Table: "", Err: err}
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	return names, nil
}

// Close is a no-op for the file backend.
func (s *Store) Close() error { return nil }

type table struct {
	name     string
	path     string
	lockPath string
	log      *zap.Logger
}

// withLock runs fn while holding the table's advisory lock. The lock is
// released even when fn fails.
func (t *table) withLock(op string, fn func() error) error {
	l, err := lock.Acquire(t.lockPath)
	if err != nil {
		return &storage.StorageError{Op: op, Table: t.name, Err: err}
	}
	defer func() { _ = l.Release() }()

	if err := fn(); err != nil {
		return &storage.StorageError{Op: op, Table: t.name, Err: err}
	}
	return nil
}

// load reads all records. A missing file is an empty table.
func (t *table) load() ([]storage.Doc, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var docs []storage.Doc
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode table file: %w", err)
	}
	return docs, nil
}

func (t *table) save(docs []storage.Doc) error {
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode table file: %w", err)
	}
	return os.WriteFile(t.path, data, 0600)
}

// Upsert locates the target by the record's derived key, matcher fields
// stamped first, so an empty matcher with a keyed document behaves the same
// as in the keyed backends.
func (t *table) Upsert(_ context.Context, m storage.Matcher, doc storage.Doc, createIfAbsent bool) error {
	return t.withLock("upsert", func() error {
		record := storage.Clone(doc)
		m.Stamp(record)
		key := storage.RecordKey(record)
		if key == "" {
			return errors.New("record has no key or _id")
		}

		docs, err := t.load()
		if err != nil {
			return err
		}
		idx := -1
		for i, d := range docs {
			if storage.RecordKey(d) == key {
				idx = i
				break
			}
		}
		if idx < 0 {
			if !createIfAbsent {
				return nil
			}
			docs = append(docs, record)
		} else {
			docs[idx] = record
		}
		return t.save(docs)
	})
}

func (t *table) Merge(_ context.Context, m storage.Matcher, partial storage.Doc, createIfAbsent bool) error {
	return t.withLock("merge", func() error {
		if m.MatchAll() {
			return errors.New("merge requires a keyed matcher")
		}
		docs, err := t.load()
		if err != nil {
			return err
		}
		idx := findIndex(docs, m)
		if idx < 0 && !createIfAbsent {
			return nil
		}
		if idx < 0 {
			record := storage.Merge(storage.Doc{}, partial)
			m.Stamp(record)
			docs = append(docs, record)
		} else {
			docs[idx] = storage.Merge(docs[idx], partial)
		}
		return t.save(docs)
	})
}

// Delete with a match-all matcher clears the whole table, mirroring the
// keyed backends.
func (t *table) Delete(ctx context.Context, m storage.Matcher) error {
	if m.MatchAll() {
		return t.Drop(ctx)
	}
	return t.withLock("delete", func() error {
		docs, err := t.load()
		if err != nil {
			return err
		}
		kept := docs[:0]
		for _, d := range docs {
			if !m.Matches(d) {
				kept = append(kept, d)
			}
		}
		if len(kept) == len(docs) {
			return nil
		}
		return t.save(kept)
	})
}

func (t *table) FindOne(_ context.Context, m storage.Matcher) (storage.Doc, error) {
	var found storage.Doc
	err := t.withLock("find one", func() error {
		docs, err := t.load()
		if err != nil {
			return err
		}
		if idx := findIndex(docs, m); idx >= 0 {
			found = docs[idx]
		}
		return nil
	})
	return found, err
}

func (t *table) FindAll(_ context.Context, m storage.Matcher) ([]storage.Doc, error) {
	var found []storage.Doc
	err := t.withLock("find all", func() error {
		docs, err := t.load()
		if err != nil {
			return err
		}
		for _, d := range docs {
			if m.Matches(d) {
				found = append(found, d)
			}
		}
		return nil
	})
	return found, err
}

func (t *table) Drop(_ context.Context) error {
	return t.withLock("drop", func() error {
		err := os.Remove(t.path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	})
}

func findIndex(docs []storage.Doc, m storage.Matcher) int {
	for i, d := range docs {
		if m.Matches(d) {
			return i
		}
	}
	return -1
}
