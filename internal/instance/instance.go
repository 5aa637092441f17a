// Package instance holds the per-session orchestrator: one Instance owns
// one provider connection, drives its lifecycle state machine, folds the
// event stream into the storage projections, and fans selected events out
// through the callback router. The Registry tracks all live instances.
package instance

import (
	"context"
	"sync"

	"github.com/matheus3301/wppgw/internal/authstore"
	"github.com/matheus3301/wppgw/internal/bus"
	"github.com/matheus3301/wppgw/internal/callback"
	"github.com/matheus3301/wppgw/internal/projection"
	"github.com/matheus3301/wppgw/internal/provider"
	"github.com/matheus3301/wppgw/internal/status"
	"github.com/matheus3301/wppgw/internal/storage"
	"go.uber.org/zap"
)

// Config is one session's identity and policy. Immutable after creation.
type Config struct {
	Key                         string
	MobileMode                  bool
	DropCredentialsOnFatalClose bool
	MarkMessagesRead            bool
	MaxQRRetries                int
	MaxInitRetries              int
	ClientName                  string

	// CallbackEnabled/CallbackAddress/CallbackFilters attach a
	// session-specific webhook on top of the shared sinks.
	CallbackEnabled bool
	CallbackAddress string
	CallbackFilters string

	// RenderQR turns a pairing payload into a displayable image. Optional.
	RenderQR func(code string) (string, error)

	// WipeCredentials removes provider-side device material for the
	// session (the device database on disk). Optional; invoked whenever
	// stored credentials are dropped so a later Init pairs fresh instead
	// of silently resuming from the leftover device store.
	WipeCredentials func(key string) error
}

// Detail is a point-in-time snapshot of an instance for callers.
type Detail struct {
	Key             string       `json:"key"`
	State           status.State `json:"state"`
	Online          bool         `json:"online"`
	HasCredentials  bool         `json:"hasCredentials"`
	CallbackEnabled bool         `json:"callbackEnabled"`
	CallbackAddress string       `json:"callbackAddress,omitempty"`
}

// Instance is one live session.
type Instance struct {
	cfg     Config
	machine *status.Machine
	factory provider.Factory
	auth    *authstore.Store
	chats   *projection.ChatProjection
	groups  *projection.GroupProjection
	msgs    *projection.MessageProjection
	router  *callback.Router
	log     *zap.Logger

	// mu guards the transition-critical runtime state below. Event handlers
	// for one instance run on a single goroutine, but public commands and
	// Delete may race with them.
	mu        sync.Mutex
	socket    provider.Socket
	qrImage   string
	qrPayload string
	qrRetry   int
	initRetry int
	online    bool
}

// New assembles an instance: auth store, projections, and state machine.
// The provider connection is not opened until Init.
func New(ctx context.Context, cfg Config, st storage.Store, factory provider.Factory, router *callback.Router, b *bus.Bus, logger *zap.Logger) (*Instance, error) {
	log := logger.Named("instance").With(zap.String("session", cfg.Key))

	auth, err := authstore.New(ctx, st, cfg.Key, logger)
	if err != nil {
		return nil, &LifecycleError{Message: "failed to load session credentials", Err: err}
	}

	if cfg.CallbackEnabled && cfg.CallbackAddress != "" {
		router = router.With(callback.NewWebhook(cfg.CallbackAddress, true, cfg.CallbackFilters, log))
	}

	return &Instance{
		cfg:     cfg,
		machine: status.NewMachine(cfg.Key, b),
		factory: factory,
		auth:    auth,
		chats:   projection.NewChatProjection(st, cfg.Key, logger),
		groups:  projection.NewGroupProjection(st, cfg.Key, logger),
		msgs:    projection.NewMessageProjection(st, cfg.Key, logger),
		router:  router,
		log:     log,
	}, nil
}

// Key returns the session key.
func (i *Instance) Key() string { return i.cfg.Key }

// State returns the current lifecycle state.
func (i *Instance) State() status.State { return i.machine.Current() }

// Online reports whether the provider connection is established.
func (i *Instance) Online() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.online
}

// QR returns the current pairing payload and rendered image, empty outside
// the QR phase.
func (i *Instance) QR() (payload, image string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.qrPayload, i.qrImage
}

// Detail returns a snapshot for API callers.
func (i *Instance) Detail() Detail {
	return Detail{
		Key:             i.cfg.Key,
		State:           i.machine.Current(),
		Online:          i.Online(),
		HasCredentials:  i.auth.HasCredentials(),
		CallbackEnabled: i.cfg.CallbackEnabled,
		CallbackAddress: i.cfg.CallbackAddress,
	}
}

// Init opens the provider connection and starts the event loop. A fresh
// Init resets both retry budgets; internal reconnects do not.
func (i *Instance) Init(ctx context.Context) error {
	i.mu.Lock()
	i.qrRetry = 0
	i.initRetry = 0
	i.mu.Unlock()
	return i.connect(ctx)
}

// connect performs one connection attempt: dial, transition, spawn loop.
// A failure leaves the instance Terminated rather than half-initialized.
func (i *Instance) connect(ctx context.Context) error {
	if err := i.machine.Transition(status.Connecting); err != nil {
		return &LifecycleError{Message: "failed to initialize session", Err: err}
	}

	sock, err := i.factory.Dial(ctx, provider.Config{
		SessionKey:  i.cfg.Key,
		ClientName:  i.cfg.ClientName,
		MobileMode:  i.cfg.MobileMode,
		Credentials: i.auth.Credentials(),
	})
	if err != nil {
		_ = i.machine.Transition(status.Terminated)
		return &LifecycleError{Message: "failed to initialize session", Err: err}
	}
	if err := sock.Connect(ctx); err != nil {
		_ = sock.Close()
		_ = i.machine.Transition(status.Terminated)
		return &LifecycleError{Message: "failed to initialize session", Err: err}
	}

	i.mu.Lock()
	i.socket = sock
	i.mu.Unlock()

	go i.eventLoop(sock)
	i.log.Info("session initializing", zap.Bool("resuming", i.auth.HasCredentials()))
	return nil
}

// eventLoop drains one socket's event stream. One goroutine per socket:
// handlers for a single instance are logically sequential.
func (i *Instance) eventLoop(sock provider.Socket) {
	ctx := context.Background()
	for evt := range sock.Events() {
		i.handleEvent(ctx, sock, evt)
	}
}

func (i *Instance) handleEvent(ctx context.Context, sock provider.Socket, evt provider.Event) {
	switch e := evt.(type) {
	case provider.QREvent:
		i.handleQR(sock, e)
	case provider.ConnectedEvent:
		i.handleConnected(ctx, sock)
	case provider.ClosedEvent:
		i.handleClosed(ctx, sock, e)
	case provider.CredentialsEvent:
		if err := i.auth.SaveCredentials(ctx, e.Partial); err != nil {
			i.log.Error("credentials not persisted", zap.Error(err))
		}
	case provider.HistorySyncEvent:
		i.logProjection("history chats", i.chats.SetChats(ctx, e.Chats))
		i.logProjection("history messages", i.msgs.SetMessages(ctx, e.Messages))
	case provider.ChatsUpsertEvent:
		i.logProjection("chats upsert", i.chats.UpsertChats(ctx, e.Chats))
	case provider.ChatsUpdateEvent:
		i.logProjection("chats update", i.chats.UpdateChats(ctx, e.Chats))
	case provider.ChatsDeleteEvent:
		i.logProjection("chats delete", i.chats.DeleteChats(ctx, e.IDs))
	case provider.MessagesUpsertEvent:
		i.handleMessagesUpsert(ctx, sock, e)
	case provider.MessagesUpdateEvent:
		i.logProjection("messages update", i.msgs.UpdateMessages(ctx, e.Messages))
	case provider.MessagesDeleteEvent:
		i.logProjection("messages delete", i.msgs.DeleteMessages(ctx, e.IDs))
	case provider.GroupsUpsertEvent:
		i.logProjection("groups upsert", i.groups.UpsertGroups(ctx, e.Groups))
		i.router.Dispatch(ctx, callback.EventGroupCreated, e.Groups, i.cfg.Key)
	case provider.GroupsUpdateEvent:
		i.logProjection("groups update", i.groups.UpdateGroups(ctx, e.Groups))
		i.router.Dispatch(ctx, callback.EventGroupUpdated, e.Groups, i.cfg.Key)
	case provider.GroupParticipantsEvent:
		i.logProjection("participants update",
			i.groups.UpdateParticipants(ctx, e.ChatID, e.Action, e.UserIDs))
		i.router.Dispatch(ctx, callback.EventGroupParticipantsUpdated, e, i.cfg.Key)
	case provider.PresenceEvent:
		i.router.Dispatch(ctx, callback.EventPresence, e, i.cfg.Key)
	case provider.CallOfferEvent:
		i.router.Dispatch(ctx, callback.EventCallOffer, e, i.cfg.Key)
	case provider.CallTerminateEvent:
		i.router.Dispatch(ctx, callback.EventCallTerminate, e, i.cfg.Key)
	}
}

// handleQR counts pairing challenges against the QR budget. When the budget
// is exhausted the socket is closed and the instance terminates: pairing is
// abandoned, a human must create the session again.
func (i *Instance) handleQR(sock provider.Socket, e provider.QREvent) {
	i.mu.Lock()
	i.qrRetry++
	retry := i.qrRetry
	i.mu.Unlock()

	if retry >= i.cfg.MaxQRRetries {
		i.log.Warn("qr budget exhausted, abandoning pairing", zap.Int("retries", retry))
		_ = sock.Close()
		_ = i.machine.Transition(status.Terminated)
		return
	}

	image := ""
	if i.cfg.RenderQR != nil {
		var err error
		if image, err = i.cfg.RenderQR(e.Code); err != nil {
			i.log.Error("qr render failed", zap.Error(err))
		}
	}

	i.mu.Lock()
	i.qrPayload = e.Code
	i.qrImage = image
	i.mu.Unlock()

	if i.machine.Current() == status.Connecting {
		_ = i.machine.Transition(status.QRPending)
	}
	i.log.Info("qr challenge received", zap.Int("attempt", retry))
}

// handleConnected marks the session online and warm-starts the group
// mirror from a full participating-groups fetch.
func (i *Instance) handleConnected(ctx context.Context, sock provider.Socket) {
	if err := i.machine.Transition(status.Connected); err != nil {
		i.log.Warn("unexpected connected event", zap.Error(err))
		return
	}

	i.mu.Lock()
	i.online = true
	i.qrPayload = ""
	i.qrImage = ""
	i.mu.Unlock()

	i.log.Info("session connected")
	i.router.Dispatch(ctx, callback.EventConnectionOpen, map[string]any{"connection": "open"}, i.cfg.Key)

	groups, err := sock.FetchAllGroups(ctx)
	if err != nil {
		i.log.Warn("group warm-start failed", zap.Error(err))
		return
	}
	i.logProjection("group warm-start", i.groups.SetGroups(ctx, groups))
}

// handleClosed runs the reconnect policy. A logout drops credentials (when
// configured) and halts. A transient close retries the connection while the
// reconnect budget lasts, then halts the same way: a human operator must
// re-initialize the session.
func (i *Instance) handleClosed(ctx context.Context, sock provider.Socket, e provider.ClosedEvent) {
	if i.machine.Current() == status.Terminated {
		return
	}

	i.mu.Lock()
	i.online = false
	i.mu.Unlock()
	_ = sock.Close()

	i.router.Dispatch(ctx, callback.EventConnectionClose,
		map[string]any{"connection": "close", "reason": e.Reason, "loggedOut": e.LoggedOut}, i.cfg.Key)

	if e.LoggedOut {
		i.log.Warn("session logged out", zap.String("reason", e.Reason))
		_ = i.machine.Transition(status.LoggedOut)
		i.dropCredentialsIfConfigured(ctx)
		return
	}

	if err := i.machine.Transition(status.Reconnecting); err != nil {
		i.log.Warn("close in unexpected state", zap.Error(err))
		return
	}

	i.mu.Lock()
	retry := i.initRetry
	withinBudget := retry < i.cfg.MaxInitRetries
	if withinBudget {
		i.initRetry++
	}
	i.mu.Unlock()

	if !withinBudget {
		i.log.Error("reconnect budget exhausted, halting", zap.Int("retries", retry))
		_ = i.machine.Transition(status.LoggedOut)
		i.dropCredentialsIfConfigured(ctx)
		return
	}

	i.log.Info("reconnecting", zap.Int("attempt", retry+1), zap.String("reason", e.Reason))
	if err := i.connect(ctx); err != nil {
		i.log.Error("reconnect failed", zap.Error(err))
	}
}

func (i *Instance) handleMessagesUpsert(ctx context.Context, sock provider.Socket, e provider.MessagesUpsertEvent) {
	i.logProjection("messages upsert", i.msgs.UpsertMessages(ctx, e.Messages))
	if !e.Notify {
		return
	}
	for _, m := range e.Messages {
		i.router.Dispatch(ctx, callback.EventMessage, m, i.cfg.Key)
		if i.cfg.MarkMessagesRead && !m.FromMe {
			if err := sock.MarkRead(ctx, m.ChatID, m.Participant, []string{m.ID}); err != nil {
				i.log.Warn("mark read failed", zap.String("message", m.ID), zap.Error(err))
			}
		}
	}
}

func (i *Instance) dropCredentialsIfConfigured(ctx context.Context) {
	if !i.cfg.DropCredentialsOnFatalClose {
		return
	}
	if err := i.auth.Drop(ctx); err != nil {
		i.log.Error("credentials not dropped", zap.Error(err))
	}
	i.wipeCredentials()
}

// wipeCredentials removes the provider-side device material. Without this
// the device store would keep the paired identity and the next Init would
// resume instead of pairing.
func (i *Instance) wipeCredentials() {
	if i.cfg.WipeCredentials == nil {
		return
	}
	if err := i.cfg.WipeCredentials(i.cfg.Key); err != nil {
		i.log.Error("device material not wiped", zap.Error(err))
	}
}

// logProjection logs a projection failure without propagating: a dropped
// entity update must not take the event loop down.
func (i *Instance) logProjection(op string, err error) {
	if err != nil {
		i.log.Error("projection error", zap.String("op", op), zap.Error(err))
	}
}

// Logout explicitly invalidates the session: the device is unlinked at the
// provider, credentials are dropped unconditionally, and the socket is
// closed. Consumers observe it as a connection close, same as a
// provider-driven logout.
func (i *Instance) Logout(ctx context.Context) error {
	if err := i.machine.Transition(status.LoggedOut); err != nil {
		return &LifecycleError{Message: "failed to logout session", Err: err}
	}

	i.mu.Lock()
	sock := i.socket
	i.socket = nil
	i.online = false
	i.mu.Unlock()
	if sock != nil {
		if err := sock.Logout(ctx); err != nil {
			i.log.Warn("provider logout failed", zap.Error(err))
		}
		_ = sock.Close()
	}
	i.router.Dispatch(ctx, callback.EventConnectionClose,
		map[string]any{"connection": "close", "reason": "logged out by request", "loggedOut": true}, i.cfg.Key)

	if err := i.auth.Drop(ctx); err != nil {
		return &LifecycleError{Message: "failed to logout session", Err: err}
	}
	i.wipeCredentials()
	i.log.Info("session logged out by request")
	return nil
}

// Shutdown closes the socket for process exit. Credentials and projection
// records stay put so the session restores on the next start.
func (i *Instance) Shutdown() {
	i.mu.Lock()
	sock := i.socket
	i.socket = nil
	i.online = false
	i.mu.Unlock()

	_ = i.machine.Transition(status.Terminated)
	if sock != nil {
		_ = sock.Close()
	}
	i.log.Info("session shut down")
}

// Delete terminates the instance for good: credentials dropped, projection
// records archived, socket closed. The caller unregisters it afterwards.
func (i *Instance) Delete(ctx context.Context) error {
	i.mu.Lock()
	sock := i.socket
	i.socket = nil
	i.online = false
	i.mu.Unlock()

	_ = i.machine.Transition(status.Terminated)
	if sock != nil {
		_ = sock.Close()
	}

	if err := i.auth.Drop(ctx); err != nil {
		return &LifecycleError{Message: "failed to delete session", Err: err}
	}
	i.wipeCredentials()
	i.logProjection("archive chats", i.chats.Archive(ctx))
	i.logProjection("archive groups", i.groups.Archive(ctx))
	i.logProjection("archive messages", i.msgs.Archive(ctx))

	i.log.Info("session deleted")
	return nil
}
