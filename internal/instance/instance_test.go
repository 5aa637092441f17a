package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wppgw/internal/bus"
	"github.com/matheus3301/wppgw/internal/callback"
	"github.com/matheus3301/wppgw/internal/provider"
	"github.com/matheus3301/wppgw/internal/status"
	"github.com/matheus3301/wppgw/internal/storage"
	"github.com/matheus3301/wppgw/internal/storage/filestore"
	"go.uber.org/zap"
)

// fakeSocket is a scriptable provider.Socket. Tests push events through
// emit and observe the commands the instance issued.
type fakeSocket struct {
	mu         sync.Mutex
	events     chan provider.Event
	closed     bool
	connectErr error

	onNetwork  bool
	loggedOut  bool
	groups     []provider.Chat
	sentTexts  []string
	markReads  []string
	lastAction provider.ParticipantAction
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan provider.Event, 32), onNetwork: true}
}

// emit delivers one event, quietly dropping it once the socket is closed
// so tests can script more events than the instance consumes.
func (f *fakeSocket) emit(evt provider.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- evt
}

func (f *fakeSocket) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeSocket) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.loggedOut = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) didLogout() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) Events() <-chan provider.Event { return f.events }
func (f *fakeSocket) LoggedIn() bool                { return true }

func (f *fakeSocket) IsOnNetwork(ctx context.Context, userID string) (bool, error) {
	return f.onNetwork, nil
}

func (f *fakeSocket) SendText(ctx context.Context, chatID, text string) (*provider.SendReceipt, error) {
	f.mu.Lock()
	f.sentTexts = append(f.sentTexts, text)
	f.mu.Unlock()
	return &provider.SendReceipt{MessageID: "SRV1", Timestamp: 1}, nil
}

func (f *fakeSocket) SendContact(ctx context.Context, chatID, displayName, vcard string) (*provider.SendReceipt, error) {
	return &provider.SendReceipt{MessageID: "SRV2", Timestamp: 1}, nil
}

func (f *fakeSocket) SendReaction(ctx context.Context, chatID, messageID string, fromMe bool, emoji string) (*provider.SendReceipt, error) {
	return &provider.SendReceipt{MessageID: "SRV3", Timestamp: 1}, nil
}

func (f *fakeSocket) MarkRead(ctx context.Context, chatID, participant string, messageIDs []string) error {
	f.mu.Lock()
	f.markReads = append(f.markReads, messageIDs...)
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) markedRead() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.markReads...)
}

func (f *fakeSocket) SetPresence(ctx context.Context, chatID string, p provider.Presence) error {
	return nil
}

func (f *fakeSocket) ProfilePictureURL(ctx context.Context, userID string) (string, error) {
	return "https://example.invalid/pic.jpg", nil
}

func (f *fakeSocket) UserStatus(ctx context.Context, userID string) (string, error) {
	return "hey there", nil
}

func (f *fakeSocket) SetBlocked(ctx context.Context, userID string, blocked bool) error { return nil }

func (f *fakeSocket) CreateGroup(ctx context.Context, name string, userIDs []string) (*provider.Chat, error) {
	return &provider.Chat{ID: "999-111@g.us", Name: name}, nil
}

func (f *fakeSocket) UpdateParticipants(ctx context.Context, chatID string, userIDs []string, action provider.ParticipantAction) error {
	f.mu.Lock()
	f.lastAction = action
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) LeaveGroup(ctx context.Context, chatID string) error { return nil }

func (f *fakeSocket) GroupInviteCode(ctx context.Context, chatID string) (string, error) {
	return "INVITE", nil
}

func (f *fakeSocket) SetGroupSetting(ctx context.Context, chatID string, setting provider.GroupSetting) error {
	return nil
}

func (f *fakeSocket) SetGroupName(ctx context.Context, chatID, name string) error   { return nil }
func (f *fakeSocket) SetGroupTopic(ctx context.Context, chatID, topic string) error { return nil }

func (f *fakeSocket) FetchAllGroups(ctx context.Context) ([]provider.Chat, error) {
	return f.groups, nil
}

// fakeFactory hands out scripted sockets, one per Dial.
type fakeFactory struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	dials   int
	err     error
}

func (f *fakeFactory) Dial(ctx context.Context, cfg provider.Config) (provider.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.dials >= len(f.sockets) {
		f.sockets = append(f.sockets, newFakeSocket())
	}
	sock := f.sockets[f.dials]
	f.dials++
	return sock, nil
}

func (f *fakeFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeFactory) socket(n int) *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sockets[n]
}

// recorderSink captures dispatched envelopes.
type recorderSink struct {
	filters []string

	mu   sync.Mutex
	sent []callback.Envelope
}

func (r *recorderSink) Name() string      { return "recorder" }
func (r *recorderSink) Enabled() bool     { return true }
func (r *recorderSink) Filters() []string { return r.filters }

func (r *recorderSink) Send(_ context.Context, env callback.Envelope) {
	r.mu.Lock()
	r.sent = append(r.sent, env)
	r.mu.Unlock()
}

func (r *recorderSink) envelopes() []callback.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]callback.Envelope(nil), r.sent...)
}

func defaultConfig() Config {
	return Config{
		Key:            "tenant1",
		MaxQRRetries:   5,
		MaxInitRetries: 5,
	}
}

type fixture struct {
	inst    *Instance
	factory *fakeFactory
	store   storage.Store
	sink    *recorderSink

	mu    sync.Mutex
	wiped []string
}

func (f *fixture) wipedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.wiped...)
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := filestore.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{store: st, sink: &recorderSink{filters: []string{"all"}}, factory: &fakeFactory{}}
	if cfg.WipeCredentials == nil {
		cfg.WipeCredentials = func(key string) error {
			f.mu.Lock()
			f.wiped = append(f.wiped, key)
			f.mu.Unlock()
			return nil
		}
	}
	router := callback.NewRouter(zap.NewNop(), f.sink)
	inst, err := New(context.Background(), cfg, st, f.factory, router, bus.New(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	f.inst = inst
	return f
}

func waitState(t *testing.T, inst *Instance, want status.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inst.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", inst.State(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// Six QR challenges against a budget of five: the fifth exhausts the
// budget, the socket closes, the instance terminates.
func TestQRBudgetTerminates(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}
	sock := f.factory.socket(0)
	for n := 0; n < 6; n++ {
		sock.emit(provider.QREvent{Code: "code"})
	}

	waitState(t, f.inst, status.Terminated)
	if !sock.isClosed() {
		t.Error("socket left open after termination")
	}
	if f.factory.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 (no reconnect on pairing abandonment)", f.factory.dialCount())
	}
}

func TestQRPayloadAndImage(t *testing.T) {
	cfg := defaultConfig()
	cfg.RenderQR = func(code string) (string, error) { return "img:" + code, nil }
	f := newFixture(t, cfg)
	ctx := context.Background()

	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}
	f.factory.socket(0).emit(provider.QREvent{Code: "2@pairing"})

	waitState(t, f.inst, status.QRPending)
	payload, image := f.inst.QR()
	if payload != "2@pairing" {
		t.Errorf("payload = %q", payload)
	}
	if image != "img:2@pairing" {
		t.Errorf("image = %q", image)
	}
}

func TestConnectedWarmStartsGroups(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}
	sock := f.factory.socket(0)
	sock.mu.Lock()
	sock.groups = []provider.Chat{{ID: "1-2@g.us", Name: "crew", CreatedBy: "o@s.whatsapp.net"}}
	sock.mu.Unlock()

	sock.emit(provider.ConnectedEvent{})
	waitState(t, f.inst, status.Connected)
	if !f.inst.Online() {
		t.Error("instance not online after connect")
	}

	waitFor(t, "group mirror", func() bool {
		recs, err := f.inst.ListGroups(ctx)
		return err == nil && len(recs) == 1 && recs[0].Name == "crew"
	})

	waitFor(t, "connection:open callback", func() bool {
		for _, env := range f.sink.envelopes() {
			if env.Type == "connection" && env.InstanceKey == "tenant1" {
				return true
			}
		}
		return false
	})
}

// Reconnect budget of two: two transient closes each trigger one redial,
// the third halts without another attempt.
func TestReconnectBudgetHalts(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxInitRetries = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}

	f.factory.socket(0).emit(provider.ConnectedEvent{})
	waitState(t, f.inst, status.Connected)

	f.factory.socket(0).emit(provider.ClosedEvent{Reason: "transient"})
	waitFor(t, "first redial", func() bool { return f.factory.dialCount() == 2 })

	f.factory.socket(1).emit(provider.ClosedEvent{Reason: "transient"})
	waitFor(t, "second redial", func() bool { return f.factory.dialCount() == 3 })

	f.factory.socket(2).emit(provider.ClosedEvent{Reason: "transient"})
	waitState(t, f.inst, status.LoggedOut)
	if f.factory.dialCount() != 3 {
		t.Errorf("dials = %d, want 3 (budget exhausted, no further attempt)", f.factory.dialCount())
	}
}

// A fresh top-level Init resets both retry budgets.
func TestInitResetsBudgets(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxInitRetries = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}
	f.factory.socket(0).emit(provider.ClosedEvent{Reason: "transient"})
	waitFor(t, "redial", func() bool { return f.factory.dialCount() == 2 })
	f.factory.socket(1).emit(provider.ClosedEvent{Reason: "transient"})
	waitState(t, f.inst, status.LoggedOut)

	// Operator re-initializes: budget is fresh, a close retries again.
	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "post-init dial", func() bool { return f.factory.dialCount() == 3 })
	f.factory.socket(2).emit(provider.ClosedEvent{Reason: "transient"})
	waitFor(t, "post-init redial", func() bool { return f.factory.dialCount() == 4 })
}

func TestLoggedOutCloseDropsCredentialsWhenConfigured(t *testing.T) {
	cfg := defaultConfig()
	cfg.DropCredentialsOnFatalClose = true
	f := newFixture(t, cfg)
	ctx := context.Background()

	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}
	sock := f.factory.socket(0)
	sock.emit(provider.CredentialsEvent{Partial: map[string]any{"id": "555@s.whatsapp.net"}})
	waitFor(t, "credentials persisted", func() bool {
		docs, err := f.store.Table("tenant1-auth").FindAll(ctx, storage.Matcher{})
		return err == nil && len(docs) == 1
	})

	sock.emit(provider.ClosedEvent{LoggedOut: true, Reason: "logged out"})
	waitState(t, f.inst, status.LoggedOut)

	waitFor(t, "credentials dropped", func() bool {
		docs, err := f.store.Table("tenant1-auth").FindAll(ctx, storage.Matcher{})
		return err == nil && len(docs) == 0
	})
	waitFor(t, "device material wiped", func() bool {
		return len(f.wipedKeys()) == 1
	})
}

// An operator logout must unlink the device at the provider, wipe the
// on-disk device material, and surface as a connection close to consumers.
func TestLogoutUnlinksDeviceAndNotifies(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}
	sock := f.factory.socket(0)
	sock.emit(provider.CredentialsEvent{Partial: map[string]any{"id": "555@s.whatsapp.net"}})
	sock.emit(provider.ConnectedEvent{})
	waitState(t, f.inst, status.Connected)

	if err := f.inst.Logout(ctx); err != nil {
		t.Fatal(err)
	}

	if !sock.didLogout() {
		t.Error("provider socket never received the logout")
	}
	if !sock.isClosed() {
		t.Error("socket left open after logout")
	}
	if wiped := f.wipedKeys(); len(wiped) != 1 || wiped[0] != "tenant1" {
		t.Errorf("wiped keys = %v, want [tenant1]", wiped)
	}
	docs, err := f.store.Table("tenant1-auth").FindAll(ctx, storage.Matcher{})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Errorf("auth table not emptied: %v", docs)
	}

	found := false
	for _, env := range f.sink.envelopes() {
		if env.Type != "connection" {
			continue
		}
		body, ok := env.Body.(map[string]any)
		if ok && body["loggedOut"] == true {
			found = true
		}
	}
	if !found {
		t.Error("no connection close envelope with loggedOut=true dispatched")
	}
}

func TestMarkMessagesReadToggle(t *testing.T) {
	cfg := defaultConfig()
	cfg.MarkMessagesRead = true
	f := newFixture(t, cfg)
	ctx := context.Background()

	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}
	sock := f.factory.socket(0)
	sock.emit(provider.ConnectedEvent{})
	waitState(t, f.inst, status.Connected)

	sock.emit(provider.MessagesUpsertEvent{
		Notify: true,
		Messages: []provider.MessageInfo{
			{ID: "M1", ChatID: "111@s.whatsapp.net", FromMe: false},
			{ID: "M2", ChatID: "111@s.whatsapp.net", FromMe: true},
		},
	})

	waitFor(t, "read receipt", func() bool {
		reads := sock.markedRead()
		return len(reads) == 1 && reads[0] == "M1"
	})
}

func TestMessageDispatchRespectsFilters(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.sink.filters = []string{"messages"}
	ctx := context.Background()

	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}
	sock := f.factory.socket(0)
	sock.emit(provider.ConnectedEvent{})
	waitState(t, f.inst, status.Connected)

	sock.emit(provider.PresenceEvent{ChatID: "111@s.whatsapp.net"})
	sock.emit(provider.MessagesUpsertEvent{
		Notify:   true,
		Messages: []provider.MessageInfo{{ID: "M1", ChatID: "111@s.whatsapp.net"}},
	})

	waitFor(t, "message envelope", func() bool { return len(f.sink.envelopes()) > 0 })
	for _, env := range f.sink.envelopes() {
		if env.Type != "message" {
			t.Errorf("sink with messages filter received %q", env.Type)
		}
	}
}

func TestCommandsFailFastWhenNotConnected(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	_, err := f.inst.SendText(ctx, "5511999998888", "hi")
	var lerr *LifecycleError
	if !errors.As(err, &lerr) {
		t.Fatalf("error = %v, want LifecycleError", err)
	}
	if lerr.Message != "session is not connected" {
		t.Errorf("message = %q", lerr.Message)
	}
}

func TestSendTextVerifiesTarget(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}
	sock := f.factory.socket(0)
	sock.emit(provider.ConnectedEvent{})
	waitState(t, f.inst, status.Connected)

	sock.mu.Lock()
	sock.onNetwork = false
	sock.mu.Unlock()

	_, err := f.inst.SendText(ctx, "5511999998888", "hi")
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want VerificationError", err)
	}

	sock.mu.Lock()
	sock.onNetwork = true
	sock.mu.Unlock()
	receipt, err := f.inst.SendText(ctx, "5511999998888", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if receipt.MessageID != "SRV1" {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestDeleteArchivesAndTerminates(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	if err := f.inst.Init(ctx); err != nil {
		t.Fatal(err)
	}
	sock := f.factory.socket(0)
	sock.mu.Lock()
	sock.groups = []provider.Chat{{ID: "1-2@g.us", Name: "crew"}}
	sock.mu.Unlock()
	sock.emit(provider.ConnectedEvent{})
	waitState(t, f.inst, status.Connected)
	waitFor(t, "group mirror", func() bool {
		recs, _ := f.inst.ListGroups(ctx)
		return len(recs) == 1
	})

	if err := f.inst.Delete(ctx); err != nil {
		t.Fatal(err)
	}
	if f.inst.State() != status.Terminated {
		t.Errorf("state = %s, want TERMINATED", f.inst.State())
	}
	if !sock.isClosed() {
		t.Error("socket left open after delete")
	}

	docs, err := f.store.Table("tenant1-group-chat").FindAll(ctx, storage.Matcher{})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0]["_archived"] != true {
		t.Errorf("group records not archived: %v", docs)
	}
	if wiped := f.wipedKeys(); len(wiped) != 1 || wiped[0] != "tenant1" {
		t.Errorf("wiped keys = %v, want [tenant1] (delete must not leave device material)", wiped)
	}
}
