// Package provider defines the boundary contract with the protocol-socket
// library that owns the actual WhatsApp connection. The concrete adapter
// (internal/wa) converts the library's events into this package's closed
// union of typed variants before any gateway logic sees them.
package provider

import "context"

// Rank of a chat participant.
type Rank string

const (
	RankRegular    Rank = "regular"
	RankAdmin      Rank = "admin"
	RankSuperAdmin Rank = "superadmin"
)

// GroupDomainSuffix marks a chat id as a group chat.
const GroupDomainSuffix = "@g.us"

// UserDomainSuffix marks an individual account id.
const UserDomainSuffix = "@s.whatsapp.net"

// Participant is one member of a chat.
type Participant struct {
	UserID string `json:"userId"`
	Rank   Rank   `json:"rank"`
}

// Chat is the normalized shape of an individual or group chat as reported
// by the provider.
type Chat struct {
	ID           string
	Name         string
	Participants []Participant
	CreatedAt    int64 // unix seconds, zero when unknown
	CreatedBy    string
}

// MessageInfo is the normalized shape of one message.
type MessageInfo struct {
	ID          string
	ChatID      string
	FromMe      bool
	Participant string
	Timestamp   int64
	Kind        string
	Content     map[string]any
}

// ParticipantAction is a group membership mutation.
type ParticipantAction string

const (
	ParticipantAdd     ParticipantAction = "add"
	ParticipantRemove  ParticipantAction = "remove"
	ParticipantPromote ParticipantAction = "promote"
	ParticipantDemote  ParticipantAction = "demote"
)

// GroupSetting toggles group-level policy.
type GroupSetting string

const (
	GroupAnnouncement    GroupSetting = "announcement"
	GroupNotAnnouncement GroupSetting = "not_announcement"
	GroupLocked          GroupSetting = "locked"
	GroupUnlocked        GroupSetting = "unlocked"
)

// Presence is a chat presence state.
type Presence string

const (
	PresenceAvailable   Presence = "available"
	PresenceUnavailable Presence = "unavailable"
	PresenceComposing   Presence = "composing"
	PresenceRecording   Presence = "recording"
	PresencePaused      Presence = "paused"
)

// Event is one variant of the provider event union. The set of variants is
// closed; consumers switch exhaustively.
type Event interface{ event() }

// QREvent carries a fresh pairing challenge payload.
type QREvent struct{ Code string }

// ConnectedEvent reports the connection is established and authenticated.
type ConnectedEvent struct{}

// ClosedEvent reports the connection dropped. LoggedOut distinguishes an
// explicit logout from a transient failure.
type ClosedEvent struct {
	LoggedOut bool
	Reason    string
}

// CredentialsEvent carries a partial credentials update to persist.
type CredentialsEvent struct{ Partial map[string]any }

// HistorySyncEvent is the initial full-sync batch at connect time.
type HistorySyncEvent struct {
	Chats    []Chat
	Messages []MessageInfo
}

// ChatsUpsertEvent carries newly appeared chats.
type ChatsUpsertEvent struct{ Chats []Chat }

// ChatsUpdateEvent carries partial chat updates.
type ChatsUpdateEvent struct{ Chats []Chat }

// ChatsDeleteEvent carries ids of removed chats.
type ChatsDeleteEvent struct{ IDs []string }

// MessagesUpsertEvent carries new messages. Notify marks live messages as
// opposed to appended history.
type MessagesUpsertEvent struct {
	Messages []MessageInfo
	Notify   bool
}

// MessagesUpdateEvent carries in-place edits to existing messages.
type MessagesUpdateEvent struct{ Messages []MessageInfo }

// MessagesDeleteEvent carries ids of revoked messages.
type MessagesDeleteEvent struct{ IDs []string }

// GroupsUpsertEvent carries newly created or joined groups.
type GroupsUpsertEvent struct{ Groups []Chat }

// GroupsUpdateEvent carries partial group metadata updates.
type GroupsUpdateEvent struct{ Groups []Chat }

// GroupParticipantsEvent carries one membership mutation for one group.
type GroupParticipantsEvent struct {
	ChatID  string
	Action  ParticipantAction
	UserIDs []string
}

// PresenceEvent carries a presence update for a chat.
type PresenceEvent struct {
	ChatID      string
	UserID      string
	Unavailable bool
	LastSeen    int64
}

// CallOfferEvent reports an incoming call.
type CallOfferEvent struct {
	CallID    string
	From      string
	Timestamp int64
}

// CallTerminateEvent reports a call ending.
type CallTerminateEvent struct {
	CallID    string
	From      string
	Reason    string
	Timestamp int64
}

func (QREvent) event()                {}
func (ConnectedEvent) event()         {}
func (ClosedEvent) event()            {}
func (CredentialsEvent) event()       {}
func (HistorySyncEvent) event()       {}
func (ChatsUpsertEvent) event()       {}
func (ChatsUpdateEvent) event()       {}
func (ChatsDeleteEvent) event()       {}
func (MessagesUpsertEvent) event()    {}
func (MessagesUpdateEvent) event()    {}
func (MessagesDeleteEvent) event()    {}
func (GroupsUpsertEvent) event()      {}
func (GroupsUpdateEvent) event()      {}
func (GroupParticipantsEvent) event() {}
func (PresenceEvent) event()          {}
func (CallOfferEvent) event()         {}
func (CallTerminateEvent) event()     {}

// SendReceipt is the provider's acknowledgement of a sent message.
type SendReceipt struct {
	MessageID string
	Timestamp int64
}

// Config is handed to the factory when opening a socket for one session.
type Config struct {
	SessionKey  string
	ClientName  string
	MobileMode  bool
	Credentials map[string]any
}

// Socket is one session's connection handle. Events delivers the typed
// stream; the channel closes when the socket is closed for good. Command
// methods reject with ProviderError once the connection is torn down.
type Socket interface {
	Connect(ctx context.Context) error
	Close() error
	// Logout unlinks the device on the provider side, invalidating its key
	// material at the source. Close must still be called afterwards.
	Logout(ctx context.Context) error
	Events() <-chan Event
	LoggedIn() bool

	IsOnNetwork(ctx context.Context, userID string) (bool, error)
	SendText(ctx context.Context, chatID, text string) (*SendReceipt, error)
	SendContact(ctx context.Context, chatID, displayName, vcard string) (*SendReceipt, error)
	SendReaction(ctx context.Context, chatID, messageID string, fromMe bool, emoji string) (*SendReceipt, error)
	MarkRead(ctx context.Context, chatID, participant string, messageIDs []string) error
	SetPresence(ctx context.Context, chatID string, p Presence) error
	ProfilePictureURL(ctx context.Context, userID string) (string, error)
	UserStatus(ctx context.Context, userID string) (string, error)
	SetBlocked(ctx context.Context, userID string, blocked bool) error

	CreateGroup(ctx context.Context, name string, userIDs []string) (*Chat, error)
	UpdateParticipants(ctx context.Context, chatID string, userIDs []string, action ParticipantAction) error
	LeaveGroup(ctx context.Context, chatID string) error
	GroupInviteCode(ctx context.Context, chatID string) (string, error)
	SetGroupSetting(ctx context.Context, chatID string, setting GroupSetting) error
	SetGroupName(ctx context.Context, chatID, name string) error
	SetGroupTopic(ctx context.Context, chatID, topic string) error
	FetchAllGroups(ctx context.Context) ([]Chat, error)
}

// Factory opens sockets. Injected into instances so tests can substitute a
// fake provider.
type Factory interface {
	Dial(ctx context.Context, cfg Config) (Socket, error)
}
