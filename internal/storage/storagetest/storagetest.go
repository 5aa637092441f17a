// Package storagetest runs the shared contract tests every storage backend
// must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/wppgw/internal/storage"
)

// Run exercises the table contract against the given store.
func Run(t *testing.T, store storage.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("UpsertCreatesAndReplaces", func(t *testing.T) {
		tbl := store.Table("contract-upsert")
		m := storage.Matcher{ID: "a"}

		if err := tbl.Upsert(ctx, m, storage.Doc{"name": "first"}, true); err != nil {
			t.Fatal(err)
		}
		if err := tbl.Upsert(ctx, m, storage.Doc{"other": "second"}, true); err != nil {
			t.Fatal(err)
		}

		doc, err := tbl.FindOne(ctx, m)
		if err != nil {
			t.Fatal(err)
		}
		if doc == nil {
			t.Fatal("document not found after upsert")
		}
		if doc["other"] != "second" {
			t.Errorf("other = %v, want second", doc["other"])
		}
		if _, ok := doc["name"]; ok {
			t.Error("upsert should replace the whole document, old field survived")
		}
	})

	t.Run("UpsertDerivesIdentityFromDocument", func(t *testing.T) {
		tbl := store.Table("contract-doc-identity")

		if err := tbl.Upsert(ctx, storage.Matcher{}, storage.Doc{"_id": "d1", "v": "1"}, true); err != nil {
			t.Fatal(err)
		}
		if err := tbl.Upsert(ctx, storage.Matcher{}, storage.Doc{"_id": "d1", "v": "2"}, true); err != nil {
			t.Fatal(err)
		}

		docs, err := tbl.FindAll(ctx, storage.Matcher{})
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 1 {
			t.Fatalf("got %d docs, want 1 (same _id must replace)", len(docs))
		}
		if docs[0]["v"] != "2" {
			t.Errorf("v = %v, want 2", docs[0]["v"])
		}
	})

	t.Run("UpsertWithoutAnyIdentityErrors", func(t *testing.T) {
		tbl := store.Table("contract-no-identity")
		if err := tbl.Upsert(ctx, storage.Matcher{}, storage.Doc{"v": "1"}, true); err == nil {
			t.Error("upsert with neither matcher nor document identity should error")
		}
	})

	t.Run("MergeRequiresKeyedMatcher", func(t *testing.T) {
		tbl := store.Table("contract-merge-matchall")
		err := tbl.Merge(ctx, storage.Matcher{}, storage.Doc{"v": "1"}, true)
		var serr *storage.StorageError
		if !errors.As(err, &serr) {
			t.Errorf("merge with match-all matcher = %v, want StorageError", err)
		}
	})

	t.Run("DeleteAllClearsTable", func(t *testing.T) {
		tbl := store.Table("contract-delete-all")
		for _, id := range []string{"a", "b", "c"} {
			if err := tbl.Upsert(ctx, storage.Matcher{ID: id}, storage.Doc{"v": id}, true); err != nil {
				t.Fatal(err)
			}
		}
		if err := tbl.Delete(ctx, storage.Matcher{}); err != nil {
			t.Fatal(err)
		}
		docs, err := tbl.FindAll(ctx, storage.Matcher{})
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 0 {
			t.Errorf("got %d docs after delete-all, want 0", len(docs))
		}
	})

	t.Run("UpsertWithoutCreateIsNoPhantomInsert", func(t *testing.T) {
		tbl := store.Table("contract-phantom")
		m := storage.Matcher{ID: "missing"}

		if err := tbl.Upsert(ctx, m, storage.Doc{"name": "x"}, false); err != nil {
			t.Fatalf("upsert without create-if-absent should not error: %v", err)
		}
		doc, err := tbl.FindOne(ctx, m)
		if err != nil {
			t.Fatal(err)
		}
		if doc != nil {
			t.Errorf("phantom insert: %v", doc)
		}
	})

	t.Run("MergeIsShallow", func(t *testing.T) {
		tbl := store.Table("contract-merge")
		m := storage.Matcher{ID: "m1"}

		if err := tbl.Upsert(ctx, m, storage.Doc{"a": "1", "b": "2"}, true); err != nil {
			t.Fatal(err)
		}
		if err := tbl.Merge(ctx, m, storage.Doc{"b": "3", "c": "4"}, false); err != nil {
			t.Fatal(err)
		}

		doc, err := tbl.FindOne(ctx, m)
		if err != nil {
			t.Fatal(err)
		}
		if doc["a"] != "1" || doc["b"] != "3" || doc["c"] != "4" {
			t.Errorf("merged doc = %v", doc)
		}
	})

	t.Run("MergeInsertsWhenAsked", func(t *testing.T) {
		tbl := store.Table("contract-merge-insert")
		m := storage.Matcher{ID: "new"}

		if err := tbl.Merge(ctx, m, storage.Doc{"v": "1"}, true); err != nil {
			t.Fatal(err)
		}
		doc, err := tbl.FindOne(ctx, m)
		if err != nil {
			t.Fatal(err)
		}
		if doc == nil || doc["v"] != "1" {
			t.Errorf("doc = %v, want v=1", doc)
		}
		if doc[storage.FieldID] != "new" {
			t.Errorf("_id = %v, want matcher id stamped", doc[storage.FieldID])
		}
	})

	t.Run("MergeWithoutCreateSkipsMissing", func(t *testing.T) {
		tbl := store.Table("contract-merge-skip")
		m := storage.Matcher{ID: "nope"}

		if err := tbl.Merge(ctx, m, storage.Doc{"v": "1"}, false); err != nil {
			t.Fatal(err)
		}
		doc, err := tbl.FindOne(ctx, m)
		if err != nil {
			t.Fatal(err)
		}
		if doc != nil {
			t.Errorf("phantom insert via merge: %v", doc)
		}
	})

	t.Run("DeleteAndFindAll", func(t *testing.T) {
		tbl := store.Table("contract-delete")
		for _, id := range []string{"a", "b", "c"} {
			if err := tbl.Upsert(ctx, storage.Matcher{ID: id}, storage.Doc{"v": id}, true); err != nil {
				t.Fatal(err)
			}
		}
		if err := tbl.Delete(ctx, storage.Matcher{ID: "b"}); err != nil {
			t.Fatal(err)
		}

		docs, err := tbl.FindAll(ctx, storage.Matcher{})
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 2 {
			t.Fatalf("got %d docs, want 2", len(docs))
		}
		for _, d := range docs {
			if d["v"] == "b" {
				t.Error("deleted record still present")
			}
		}
	})

	t.Run("KeyFieldMatching", func(t *testing.T) {
		tbl := store.Table("contract-keyfield")
		m := storage.Matcher{Key: "session-1"}

		if err := tbl.Upsert(ctx, m, storage.Doc{"v": "1"}, true); err != nil {
			t.Fatal(err)
		}
		doc, err := tbl.FindOne(ctx, m)
		if err != nil {
			t.Fatal(err)
		}
		if doc == nil || doc[storage.FieldKey] != "session-1" {
			t.Errorf("doc = %v, want key stamped", doc)
		}
	})

	t.Run("DropRemovesTable", func(t *testing.T) {
		tbl := store.Table("contract-drop")
		if err := tbl.Upsert(ctx, storage.Matcher{ID: "x"}, storage.Doc{"v": "1"}, true); err != nil {
			t.Fatal(err)
		}
		if err := tbl.Drop(ctx); err != nil {
			t.Fatal(err)
		}
		docs, err := tbl.FindAll(ctx, storage.Matcher{})
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 0 {
			t.Errorf("got %d docs after drop, want 0", len(docs))
		}
	})

	t.Run("ListTables", func(t *testing.T) {
		tbl := store.Table("contract-list-auth")
		if err := tbl.Upsert(ctx, storage.Matcher{ID: "creds"}, storage.Doc{"v": "1"}, true); err != nil {
			t.Fatal(err)
		}
		names, err := store.ListTables(ctx)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, n := range names {
			if n == "contract-list-auth" {
				found = true
			}
		}
		if !found {
			t.Errorf("table missing from ListTables: %v", names)
		}
	})
}
