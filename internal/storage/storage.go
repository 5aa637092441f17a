// Package storage defines the keyed-document table contract shared by all
// storage backends. A table holds JSON-like documents addressed by either a
// logical "key" field or an internal "_id" field; backends must present
// identical upsert/merge/delete/find semantics.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Well-known document fields.
const (
	FieldID      = "_id"
	FieldKey     = "key"
	FieldDeleted = "_deleted"
)

// Doc is a schemaless document.
type Doc map[string]any

// Matcher selects documents by logical key or internal id. Whichever field
// is set is used for equality; a zero Matcher matches every document.
type Matcher struct {
	Key string
	ID  string
}

// MatchAll reports whether the matcher selects every document.
func (m Matcher) MatchAll() bool {
	return m.Key == "" && m.ID == ""
}

// Matches reports whether doc satisfies the matcher.
func (m Matcher) Matches(doc Doc) bool {
	switch {
	case m.Key != "":
		v, _ := doc[FieldKey].(string)
		return v == m.Key
	case m.ID != "":
		v, _ := doc[FieldID].(string)
		return v == m.ID
	default:
		return true
	}
}

// Value returns the matcher's comparison value, empty for match-all.
func (m Matcher) Value() string {
	if m.Key != "" {
		return m.Key
	}
	return m.ID
}

// Stamp copies the matcher's key fields onto doc so an inserted record can
// be found again by the same matcher.
func (m Matcher) Stamp(doc Doc) {
	if m.Key != "" {
		doc[FieldKey] = m.Key
	}
	if m.ID != "" {
		doc[FieldID] = m.ID
	}
}

// RecordKey derives the storage key of a document: the logical "key" field
// when present, the "_id" field otherwise. Empty when the document carries
// neither.
func RecordKey(doc Doc) string {
	if v, ok := doc[FieldKey].(string); ok && v != "" {
		return v
	}
	if v, ok := doc[FieldID].(string); ok && v != "" {
		return v
	}
	return ""
}

// Table is a keyed-document table.
//
// Upsert replaces the whole matched document. With createIfAbsent it inserts
// when nothing matches; without it a non-matching upsert performs no write
// and returns nil. Merge shallow-merges the provided fields into the matched
// document, with the same create-if-absent behavior.
type Table interface {
	Upsert(ctx context.Context, m Matcher, doc Doc, createIfAbsent bool) error
	Merge(ctx context.Context, m Matcher, partial Doc, createIfAbsent bool) error
	Delete(ctx context.Context, m Matcher) error
	FindOne(ctx context.Context, m Matcher) (Doc, error)
	FindAll(ctx context.Context, m Matcher) ([]Doc, error)
	Drop(ctx context.Context) error
}

// Store hands out tables by name and enumerates existing ones.
type Store interface {
	Table(name string) Table
	ListTables(ctx context.Context) ([]string, error)
	Close() error
}

// StorageError wraps a backend I/O or lock-acquisition failure. Callers must
// not assume a partial write is visible after receiving one.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s on table %q: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Merge shallow-merges src fields into dst, returning dst.
func Merge(dst, src Doc) Doc {
	if dst == nil {
		dst = Doc{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Clone returns a shallow copy of doc.
func Clone(doc Doc) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// ToDoc converts a typed record into a document via its JSON form.
func ToDoc(v any) (Doc, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return doc, nil
}

// FromDoc decodes a document into a typed record via its JSON form.
func FromDoc(doc Doc, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}
