// Package authstore persists the credential and key material a session
// needs to resume without re-pairing. One storage table per session, named
// "{sessionKey}-auth"; the set of such tables is the authoritative list of
// sessions to restore on startup.
package authstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/matheus3301/wppgw/internal/storage"
	"go.uber.org/zap"
)

// TableSuffix marks a table as a session auth table.
const TableSuffix = "-auth"

const credsID = "creds"

// TableName returns the auth table name for a session key.
func TableName(sessionKey string) string {
	return sessionKey + TableSuffix
}

// SessionKeyFromTable extracts the session key from an auth table name.
func SessionKeyFromTable(name string) (string, bool) {
	if !strings.HasSuffix(name, TableSuffix) {
		return "", false
	}
	key := strings.TrimSuffix(name, TableSuffix)
	return key, key != ""
}

// KeyValue is one entry in a key-lookup write batch. Deleted (or a nil
// Value) removes the stored record; the protocol provider relies on this to
// signal key rotation and removal, so the convention is explicit here
// rather than inferred from absence.
type KeyValue struct {
	Value   json.RawMessage
	Deleted bool
}

// Store holds one session's credentials and signal key records.
type Store struct {
	table storage.Table
	log   *zap.Logger

	mu    sync.Mutex
	creds storage.Doc
}

// New loads (or initializes empty) credentials for the session.
func New(ctx context.Context, st storage.Store, sessionKey string, logger *zap.Logger) (*Store, error) {
	table := st.Table(TableName(sessionKey))
	doc, err := table.FindOne(ctx, storage.Matcher{ID: credsID})
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if doc == nil {
		doc = storage.Doc{}
	}
	return &Store{
		table: table,
		log:   logger.Named("authstore").With(zap.String("session", sessionKey)),
		creds: doc,
	}, nil
}

// Credentials returns a copy of the current credential material.
func (s *Store) Credentials() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.Clone(s.creds)
}

// HasCredentials reports whether any credential material is persisted,
// meaning the session can resume without re-pairing.
func (s *Store) HasCredentials() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.creds {
		if k != storage.FieldID {
			return true
		}
	}
	return false
}

// SaveCredentials shallow-merges partial into the persisted credentials.
func (s *Store) SaveCredentials(ctx context.Context, partial map[string]any) error {
	s.mu.Lock()
	s.creds = storage.Merge(s.creds, storage.Doc(partial))
	s.mu.Unlock()

	if err := s.table.Merge(ctx, storage.Matcher{ID: credsID}, storage.Doc(partial), true); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Drop deletes the whole backing table, key records included.
func (s *Store) Drop(ctx context.Context) error {
	s.mu.Lock()
	s.creds = storage.Doc{}
	s.mu.Unlock()

	if err := s.table.Drop(ctx); err != nil {
		return fmt.Errorf("drop auth table: %w", err)
	}
	return nil
}

// GetKeys batch-reads key records by composite "category-id" key. Ids with
// no stored record map to a nil value.
func (s *Store) GetKeys(ctx context.Context, category string, ids []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		doc, err := s.table.FindOne(ctx, storage.Matcher{ID: category + "-" + id})
		if err != nil {
			return nil, fmt.Errorf("read key %s-%s: %w", category, id, err)
		}
		if doc == nil {
			out[id] = nil
			continue
		}
		raw, err := json.Marshal(doc["value"])
		if err != nil {
			return nil, fmt.Errorf("encode key %s-%s: %w", category, id, err)
		}
		out[id] = raw
	}
	return out, nil
}

// SetKeys writes present values and deletes entries marked Deleted or
// carrying a nil value.
func (s *Store) SetKeys(ctx context.Context, data map[string]map[string]KeyValue) error {
	for category, entries := range data {
		for id, kv := range entries {
			composite := category + "-" + id
			if kv.Deleted || kv.Value == nil {
				if err := s.table.Delete(ctx, storage.Matcher{ID: composite}); err != nil {
					return fmt.Errorf("delete key %s: %w", composite, err)
				}
				continue
			}
			var value any
			if err := json.Unmarshal(kv.Value, &value); err != nil {
				return fmt.Errorf("decode key %s: %w", composite, err)
			}
			doc := storage.Doc{"value": value}
			if err := s.table.Upsert(ctx, storage.Matcher{ID: composite}, doc, true); err != nil {
				return fmt.Errorf("write key %s: %w", composite, err)
			}
		}
	}
	return nil
}
