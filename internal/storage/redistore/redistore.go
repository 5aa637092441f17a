// Package redistore implements the storage contract on Redis: one hash per
// table, hash field = record key, value = JSON document. Merges use
// WATCH/MULTI so the read-modify-write cycle is not interleaved with another
// writer of the same table.
package redistore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/wppgw/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultPrefix namespaces all gateway hashes in the keyspace.
const DefaultPrefix = "wppgw"

// Store is a Redis-backed document store.
type Store struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

// New verifies the connection and returns a store. An empty prefix falls
// back to DefaultPrefix.
func New(ctx context.Context, client *redis.Client, prefix string, logger *zap.Logger) (*Store, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client, prefix: prefix, log: logger.Named("redistore")}, nil
}

func (s *Store) hashKey(table string) string {
	return s.prefix + ":" + table
}

// Table returns a handle for the named table.
func (s *Store) Table(name string) storage.Table {
	return &table{store: s, name: name, key: s.hashKey(name)}
}

// ListTables scans the keyspace for gateway hashes.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	var (
		names  []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 100).Result()
		if err != nil {
			return nil, &storage.StorageError{Op: "list tables", Table: "", Err: err}
		}
		for _, k := range keys {
			names = append(names, strings.TrimPrefix(k, s.prefix+":"))
		}
		cursor = next
		if cursor == 0 {
			return names, nil
		}
	}
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }

type table struct {
	store *Store
	name  string
	key   string
}

func (t *table) fail(op string, err error) error {
	return &storage.StorageError{Op: op, Table: t.name, Err: err}
}

func (t *table) Upsert(ctx context.Context, m storage.Matcher, doc storage.Doc, createIfAbsent bool) error {
	record := storage.Clone(doc)
	m.Stamp(record)
	field := storage.RecordKey(record)
	if field == "" {
		return t.fail("upsert", errors.New("record has no key or _id"))
	}
	data, err := json.Marshal(record)
	if err != nil {
		return t.fail("upsert", err)
	}

	if !createIfAbsent {
		exists, err := t.store.client.HExists(ctx, t.key, field).Result()
		if err != nil {
			return t.fail("upsert", err)
		}
		if !exists {
			return nil
		}
	}
	if err := t.store.client.HSet(ctx, t.key, field, data).Err(); err != nil {
		return t.fail("upsert", err)
	}
	return nil
}

func (t *table) Merge(ctx context.Context, m storage.Matcher, partial storage.Doc, createIfAbsent bool) error {
	field := m.Value()
	if field == "" {
		return t.fail("merge", errors.New("merge requires a keyed matcher"))
	}

	err := t.store.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, t.key, field).Result()
		existing := storage.Doc{}
		switch {
		case errors.Is(err, redis.Nil):
			if !createIfAbsent {
				return nil
			}
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(raw), &existing); err != nil {
				return err
			}
		}

		merged := storage.Merge(existing, partial)
		m.Stamp(merged)
		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, t.key, field, data)
			return nil
		})
		return err
	}, t.key)
	if err != nil {
		return t.fail("merge", err)
	}
	return nil
}

func (t *table) Delete(ctx context.Context, m storage.Matcher) error {
	if m.MatchAll() {
		return t.Drop(ctx)
	}
	if err := t.store.client.HDel(ctx, t.key, m.Value()).Err(); err != nil {
		return t.fail("delete", err)
	}
	return nil
}

func (t *table) FindOne(ctx context.Context, m storage.Matcher) (storage.Doc, error) {
	if m.MatchAll() {
		docs, err := t.FindAll(ctx, m)
		if err != nil || len(docs) == 0 {
			return nil, err
		}
		return docs[0], nil
	}
	raw, err := t.store.client.HGet(ctx, t.key, m.Value()).Result()
	if errors.Is(err, redis.Nil) {
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
	raw, err := t.store.client.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, t.fail("find all", err)
	}
	var docs []storage.Doc
	for _, v := range raw {
		var doc storage.Doc
		if err := json.Unmarshal([]byte(v), &doc); err != nil {
			return nil, t.fail("find all", err)
		}
		if m.Matches(doc) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (t *table) Drop(ctx context.Context) error {
	if err := t.store.client.Del(ctx, t.key).Err(); err != nil {
		return t.fail("drop", err)
	}
	return nil
}
