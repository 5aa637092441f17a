package daemon

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/wppgw/internal/bus"
	"github.com/matheus3301/wppgw/internal/callback"
	"github.com/matheus3301/wppgw/internal/config"
	"github.com/matheus3301/wppgw/internal/lock"
	"github.com/matheus3301/wppgw/internal/status"
	"github.com/matheus3301/wppgw/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOpenStoreBackends(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.StorageConfig
	}{
		{"file", config.StorageConfig{Backend: config.BackendFile, Dir: filepath.Join(tmpDir, "data")}},
		{"sqlite", config.StorageConfig{Backend: config.BackendSQLite, Path: filepath.Join(tmpDir, "gw.db")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Storage = tt.cfg
			st, err := openStore(cfg, zap.NewNop())
			if err != nil {
				t.Fatalf("openStore() error = %v", err)
			}
			defer func() { _ = st.Close() }()

			table := st.Table("smoke")
			if err := table.Upsert(ctx, storage.Matcher{ID: "r1"},
				storage.Doc{"_id": "r1", "v": "ok"}, true); err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			doc, err := table.FindOne(ctx, storage.Matcher{ID: "r1"})
			if err != nil {
				t.Fatalf("FindOne() error = %v", err)
			}
			if doc == nil || doc["v"] != "ok" {
				t.Errorf("FindOne() = %v", doc)
			}
		})
	}
}

func TestOpenStoreDefaultDirUnderHome(t *testing.T) {
	t.Setenv("WPPGW_HOME", t.TempDir())

	cfg := config.Default()
	st, err := openStore(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Table("smoke").Upsert(context.Background(),
		storage.Matcher{ID: "r1"}, storage.Doc{"_id": "r1"}, true); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "mongodb"
	if _, err := openStore(cfg, zap.NewNop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestInstanceConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Instance.MaxQRRetries = 7
	cfg.Instance.MaxInitRetries = 3
	cfg.Instance.MarkMessagesRead = true
	cfg.Instance.DropCredentialsOnClose = true
	cfg.Instance.ClientName = "gateway-one"

	ic := instanceConfig(cfg, "tenant1")
	if ic.Key != "tenant1" {
		t.Errorf("Key = %q", ic.Key)
	}
	if ic.MaxQRRetries != 7 || ic.MaxInitRetries != 3 {
		t.Errorf("retry budgets = %d/%d, want 7/3", ic.MaxQRRetries, ic.MaxInitRetries)
	}
	if !ic.MarkMessagesRead || !ic.DropCredentialsOnFatalClose {
		t.Error("policy toggles not carried over")
	}
	if ic.ClientName != "gateway-one" {
		t.Errorf("ClientName = %q", ic.ClientName)
	}
	if ic.RenderQR == nil {
		t.Error("RenderQR not wired")
	}
	if ic.WipeCredentials == nil {
		t.Error("WipeCredentials not wired")
	}
}

func TestServerDisabledBindsNothing(t *testing.T) {
	cfg := config.Default()
	cfg.WS.Enabled = false

	srv, err := NewServer(cfg, callback.NewWSSink(false, "", zap.NewNop()), zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if srv.Addr() != "" {
		t.Errorf("Addr() = %q, want empty", srv.Addr())
	}
	// Start must return immediately, not block on a listener.
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start() blocked with websocket disabled")
	}
	srv.Stop(context.Background())
}

func TestServerServesAndStops(t *testing.T) {
	cfg := config.Default()
	cfg.WS.Enabled = true
	cfg.WS.Listen = "127.0.0.1:0"

	srv, err := NewServer(cfg, callback.NewWSSink(true, "", zap.NewNop()), zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	// A plain GET is not a websocket handshake; the endpoint must still
	// answer rather than hang.
	resp, err := http.Get("http://" + srv.Addr() + "/events")
	if err != nil {
		t.Fatalf("GET /events error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Errorf("status = %d, want a handshake rejection", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Stop(ctx)
	if err := <-done; err != nil {
		t.Errorf("Start() error = %v", err)
	}
}

// Session state transitions must land in the daemon log even when every
// callback sink is disabled.
func TestWatchInstanceEventsLogsTransitions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	events := make(chan bus.Event, 2)
	events <- bus.Event{
		Kind:     bus.KindInstanceStatusChanged,
		Instance: "tenant1",
		Payload:  status.StatusChange{From: status.Idle, To: status.Connecting},
	}
	events <- bus.Event{Kind: bus.KindInstanceRestored, Instance: "tenant2"}
	close(events)

	watchInstanceEvents(events, logger)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["session"] != "tenant1" {
		t.Errorf("session = %v", fields["session"])
	}
	if fields["from"] != "IDLE" || fields["to"] != "CONNECTING" {
		t.Errorf("transition fields = %v", fields)
	}
	if logs.FilterField(zap.String("session", "tenant2")).Len() != 1 {
		t.Error("restored event not logged")
	}
}

// The daemon lock must keep a second process out of the same home.
func TestDaemonLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")

	first, err := lock.TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	defer func() { _ = first.Release() }()

	var held *lock.HeldError
	if _, err := lock.TryAcquire(path); !errors.As(err, &held) {
		t.Fatalf("second TryAcquire() = %v, want HeldError", err)
	}
}
