package authstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/matheus3301/wppgw/internal/storage/filestore"
	"go.uber.org/zap"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	backend, err := filestore.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(context.Background(), backend, "sess1", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSessionKeyFromTable(t *testing.T) {
	tests := []struct {
		name string
		key  string
		ok   bool
	}{
		{"sess1-auth", "sess1", true},
		{"sess1-chat", "", false},
		{"-auth", "", false},
		{"a-b-auth", "a-b", true},
	}
	for _, tt := range tests {
		key, ok := SessionKeyFromTable(tt.name)
		if key != tt.key || ok != tt.ok {
			t.Errorf("SessionKeyFromTable(%q) = %q, %v; want %q, %v", tt.name, key, ok, tt.key, tt.ok)
		}
	}
}

func TestSaveCredentialsMerges(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if s.HasCredentials() {
		t.Error("fresh store should have no credentials")
	}
	if err := s.SaveCredentials(ctx, map[string]any{"noiseKey": "n1", "registrationId": float64(7)}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCredentials(ctx, map[string]any{"noiseKey": "n2"}); err != nil {
		t.Fatal(err)
	}

	creds := s.Credentials()
	if creds["noiseKey"] != "n2" {
		t.Errorf("noiseKey = %v, want n2", creds["noiseKey"])
	}
	if creds["registrationId"] != float64(7) {
		t.Errorf("registrationId = %v, want 7 (merge must not drop fields)", creds["registrationId"])
	}
	if !s.HasCredentials() {
		t.Error("HasCredentials() = false after save")
	}
}

func TestKeyLookupRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.SetKeys(ctx, map[string]map[string]KeyValue{
		"pre-key": {
			"1": {Value: json.RawMessage(`{"pub":"a"}`)},
			"2": {Value: json.RawMessage(`{"pub":"b"}`)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetKeys(ctx, "pre-key", []string{"1", "2", "3"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got["1"]) != `{"pub":"a"}` {
		t.Errorf("key 1 = %s", got["1"])
	}
	if got["3"] != nil {
		t.Errorf("missing key should be nil, got %s", got["3"])
	}
}

// Null-means-delete: the provider signals key removal by writing an absent
// value, and a later read must not resurrect the old record.
func TestSetKeysNilDeletes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SetKeys(ctx, map[string]map[string]KeyValue{
		"session": {"dev1": {Value: json.RawMessage(`"material"`)}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetKeys(ctx, map[string]map[string]KeyValue{
		"session": {"dev1": {Deleted: true}},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetKeys(ctx, "session", []string{"dev1"})
	if err != nil {
		t.Fatal(err)
	}
	if got["dev1"] != nil {
		t.Errorf("deleted key still present: %s", got["dev1"])
	}
}

func TestDropRemovesEverything(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveCredentials(ctx, map[string]any{"noiseKey": "n"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetKeys(ctx, map[string]map[string]KeyValue{
		"pre-key": {"1": {Value: json.RawMessage(`1`)}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Drop(ctx); err != nil {
		t.Fatal(err)
	}
	if s.HasCredentials() {
		t.Error("credentials survive Drop in memory")
	}

	got, err := s.GetKeys(ctx, "pre-key", []string{"1"})
	if err != nil {
		t.Fatal(err)
	}
	if got["1"] != nil {
		t.Error("key record survived Drop")
	}
}
