package wa

import (
	"context"
	"sync"

	"github.com/matheus3301/wppgw/internal/provider"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

const eventBuffer = 256

// Socket is one session's live whatsmeow connection, exposed through the
// provider contract.
type Socket struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	key       string
	logger    *zap.Logger

	// mu serializes emit against Close so the events channel is never
	// closed while a whatsmeow handler goroutine is sending on it.
	mu     sync.Mutex
	closed bool
	events chan provider.Event
}

// LoggedIn reports whether the device store holds a paired identity.
func (s *Socket) LoggedIn() bool {
	return s.client.Store.ID != nil
}

// Events delivers the translated event stream. Closed by Close.
func (s *Socket) Events() <-chan provider.Event {
	return s.events
}

// Connect starts the connection. Without stored credentials it also starts
// the QR pairing flow; each fresh code surfaces as a QREvent.
func (s *Socket) Connect(ctx context.Context) error {
	if s.LoggedIn() {
		s.logger.Info("connecting with stored credentials")
		if err := s.client.Connect(); err != nil {
			return &provider.ProviderError{Op: "connect", Err: err}
		}
		return nil
	}

	// GetQRChannel must be called before Connect.
	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return &provider.ProviderError{Op: "qr-channel", Err: err}
	}
	s.logger.Info("connecting, pairing required")
	if err := s.client.Connect(); err != nil {
		return &provider.ProviderError{Op: "connect", Err: err}
	}

	go func() {
		for item := range qrChan {
			switch item.Event {
			case "code":
				s.emit(provider.QREvent{Code: item.Code})
			case "success":
				// PairSuccess and Connected arrive through the regular
				// event handler.
				return
			case "timeout":
				s.emit(provider.ClosedEvent{Reason: "qr timeout"})
				return
			default:
				if item.Error != nil {
					s.emit(provider.ClosedEvent{Reason: item.Error.Error()})
					return
				}
			}
		}
	}()
	return nil
}

// Close tears the connection down and closes the event stream. Safe to call
// more than once.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	if s.client != nil {
		s.client.Disconnect()
	}
	return nil
}

// Logout unlinks the device on the provider side; whatsmeow deletes the
// device record from its store as part of the unlink.
func (s *Socket) Logout(ctx context.Context) error {
	if err := s.client.Logout(ctx); err != nil {
		return &provider.ProviderError{Op: "logout", Err: err}
	}
	return nil
}

// emit delivers one event unless the socket is already closed. A full
// buffer drops the event; the projections tolerate gaps because every write
// is an upsert. The send happens under mu: the channel cannot be closed
// mid-send, and with the default branch a slow consumer never blocks the
// whatsmeow dispatch goroutine holding the lock.
func (s *Socket) emit(evt provider.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
		s.logger.Warn("event buffer full, dropping", zap.Any("event", evt))
	}
}

// handleEvent translates whatsmeow events into the provider union.
func (s *Socket) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		s.emit(provider.ConnectedEvent{})
	case *events.Disconnected:
		s.emit(provider.ClosedEvent{Reason: "disconnected"})
	case *events.StreamReplaced:
		s.emit(provider.ClosedEvent{Reason: "stream replaced"})
	case *events.LoggedOut:
		s.emit(provider.ClosedEvent{LoggedOut: true, Reason: evt.Reason.String()})
	case *events.PairSuccess:
		s.emit(provider.CredentialsEvent{Partial: map[string]any{
			"id":           evt.ID.String(),
			"businessName": evt.BusinessName,
			"platform":     evt.Platform,
		}})
	case *events.Message:
		s.emit(provider.MessagesUpsertEvent{
			Messages: []provider.MessageInfo{toMessageInfo(evt)},
			Notify:   true,
		})
	case *events.HistorySync:
		if hs := toHistorySync(evt); hs != nil {
			s.emit(*hs)
		}
	case *events.DeleteChat:
		s.emit(provider.ChatsDeleteEvent{IDs: []string{evt.JID.String()}})
	case *events.JoinedGroup:
		s.emit(provider.GroupsUpsertEvent{Groups: []provider.Chat{toChat(&evt.GroupInfo)}})
	case *events.GroupInfo:
		s.handleGroupInfo(evt)
	case *events.Presence:
		s.emit(provider.PresenceEvent{
			ChatID:      evt.From.String(),
			UserID:      evt.From.String(),
			Unavailable: evt.Unavailable,
			LastSeen:    evt.LastSeen.Unix(),
		})
	case *events.CallOffer:
		s.emit(provider.CallOfferEvent{
			CallID:    evt.CallID,
			From:      evt.From.String(),
			Timestamp: evt.Timestamp.Unix(),
		})
	case *events.CallTerminate:
		s.emit(provider.CallTerminateEvent{
			CallID:    evt.CallID,
			From:      evt.From.String(),
			Reason:    evt.Reason,
			Timestamp: evt.Timestamp.Unix(),
		})
	}
}

// handleGroupInfo splits one whatsmeow group notification into membership
// and metadata events.
func (s *Socket) handleGroupInfo(evt *events.GroupInfo) {
	chatID := evt.JID.String()

	emitParticipants := func(action provider.ParticipantAction, jids []types.JID) {
		if len(jids) == 0 {
			return
		}
		ids := make([]string, 0, len(jids))
		for _, j := range jids {
			ids = append(ids, j.String())
		}
		s.emit(provider.GroupParticipantsEvent{ChatID: chatID, Action: action, UserIDs: ids})
	}
	emitParticipants(provider.ParticipantAdd, evt.Join)
	emitParticipants(provider.ParticipantRemove, evt.Leave)
	emitParticipants(provider.ParticipantPromote, evt.Promote)
	emitParticipants(provider.ParticipantDemote, evt.Demote)

	if evt.Name != nil {
		s.emit(provider.GroupsUpdateEvent{Groups: []provider.Chat{{
			ID:   chatID,
			Name: evt.Name.Name,
		}}})
	}
}
