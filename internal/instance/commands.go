package instance

import (
	"context"

	"github.com/matheus3301/wppgw/internal/callback"
	"github.com/matheus3301/wppgw/internal/projection"
	"github.com/matheus3301/wppgw/internal/provider"
	"github.com/matheus3301/wppgw/internal/status"
	"go.uber.org/zap"
)

// ready returns the live socket, or a LifecycleError when the instance is
// not connected. Commands fail fast instead of hanging on a dead
// connection.
func (i *Instance) ready() (provider.Socket, error) {
	if !i.machine.Is(status.Connected) {
		return nil, &LifecycleError{Message: "session is not connected"}
	}
	i.mu.Lock()
	sock := i.socket
	i.mu.Unlock()
	if sock == nil {
		return nil, &LifecycleError{Message: "session is not connected"}
	}
	return sock, nil
}

// fail logs the underlying cause and returns the fixed per-operation
// message. Callers never need the internal cause to act correctly.
func (i *Instance) fail(msg string, err error) error {
	i.log.Error(msg, zap.Error(err))
	return &LifecycleError{Message: msg, Err: err}
}

// VerifyID checks that the target identity exists on the network.
func (i *Instance) VerifyID(ctx context.Context, userID string) error {
	sock, err := i.ready()
	if err != nil {
		return err
	}
	on, err := sock.IsOnNetwork(ctx, userID)
	if err != nil {
		return i.fail("failed to verify id", err)
	}
	if !on {
		return &VerificationError{UserID: userID}
	}
	return nil
}

// SendText sends a plain text message, verifying individual targets first.
func (i *Instance) SendText(ctx context.Context, chatID, text string) (*provider.SendReceipt, error) {
	sock, err := i.ready()
	if err != nil {
		return nil, err
	}
	if err := i.verifyTarget(ctx, chatID); err != nil {
		return nil, err
	}
	receipt, err := sock.SendText(ctx, chatID, text)
	if err != nil {
		return nil, i.fail("failed to send text message", err)
	}
	return receipt, nil
}

// SendContact sends a vCard contact card.
func (i *Instance) SendContact(ctx context.Context, chatID, displayName, vcard string) (*provider.SendReceipt, error) {
	sock, err := i.ready()
	if err != nil {
		return nil, err
	}
	if err := i.verifyTarget(ctx, chatID); err != nil {
		return nil, err
	}
	receipt, err := sock.SendContact(ctx, chatID, displayName, vcard)
	if err != nil {
		return nil, i.fail("failed to send contact", err)
	}
	return receipt, nil
}

// SendReaction reacts to an existing message.
func (i *Instance) SendReaction(ctx context.Context, chatID, messageID string, fromMe bool, emoji string) (*provider.SendReceipt, error) {
	sock, err := i.ready()
	if err != nil {
		return nil, err
	}
	receipt, err := sock.SendReaction(ctx, chatID, messageID, fromMe, emoji)
	if err != nil {
		return nil, i.fail("failed to react to message", err)
	}
	return receipt, nil
}

// MarkRead sends read receipts for the given messages.
func (i *Instance) MarkRead(ctx context.Context, chatID, participant string, messageIDs []string) error {
	sock, err := i.ready()
	if err != nil {
		return err
	}
	if err := sock.MarkRead(ctx, chatID, participant, messageIDs); err != nil {
		return i.fail("failed to mark messages read", err)
	}
	return nil
}

// SetPresence publishes a presence state.
func (i *Instance) SetPresence(ctx context.Context, chatID string, p provider.Presence) error {
	sock, err := i.ready()
	if err != nil {
		return err
	}
	if err := sock.SetPresence(ctx, chatID, p); err != nil {
		return i.fail("failed to update presence", err)
	}
	return nil
}

// ProfilePictureURL fetches the target's profile picture URL.
func (i *Instance) ProfilePictureURL(ctx context.Context, userID string) (string, error) {
	sock, err := i.ready()
	if err != nil {
		return "", err
	}
	url, err := sock.ProfilePictureURL(ctx, userID)
	if err != nil {
		return "", i.fail("failed to fetch profile picture", err)
	}
	return url, nil
}

// UserStatus fetches the target's status text.
func (i *Instance) UserStatus(ctx context.Context, userID string) (string, error) {
	sock, err := i.ready()
	if err != nil {
		return "", err
	}
	st, err := sock.UserStatus(ctx, userID)
	if err != nil {
		return "", i.fail("failed to fetch user status", err)
	}
	return st, nil
}

// SetBlocked blocks or unblocks a user.
func (i *Instance) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	sock, err := i.ready()
	if err != nil {
		return err
	}
	if err := sock.SetBlocked(ctx, userID, blocked); err != nil {
		return i.fail("failed to update blocklist", err)
	}
	return nil
}

// CreateGroup creates a group, mirrors it, and announces it.
func (i *Instance) CreateGroup(ctx context.Context, name string, userIDs []string) (*provider.Chat, error) {
	sock, err := i.ready()
	if err != nil {
		return nil, err
	}
	chat, err := sock.CreateGroup(ctx, name, userIDs)
	if err != nil {
		return nil, i.fail("failed to create group", err)
	}
	i.logProjection("group create", i.groups.UpsertGroups(ctx, []provider.Chat{*chat}))
	i.router.Dispatch(ctx, callback.EventGroupCreated, chat, i.cfg.Key)
	return chat, nil
}

// AddParticipants adds members to a group.
func (i *Instance) AddParticipants(ctx context.Context, chatID string, userIDs []string) error {
	return i.UpdateGroupParticipants(ctx, chatID, userIDs, provider.ParticipantAdd)
}

// RemoveParticipants removes members from a group.
func (i *Instance) RemoveParticipants(ctx context.Context, chatID string, userIDs []string) error {
	return i.UpdateGroupParticipants(ctx, chatID, userIDs, provider.ParticipantRemove)
}

// PromoteParticipants raises members to super-admin.
func (i *Instance) PromoteParticipants(ctx context.Context, chatID string, userIDs []string) error {
	return i.UpdateGroupParticipants(ctx, chatID, userIDs, provider.ParticipantPromote)
}

// DemoteParticipants lowers members to regular rank.
func (i *Instance) DemoteParticipants(ctx context.Context, chatID string, userIDs []string) error {
	return i.UpdateGroupParticipants(ctx, chatID, userIDs, provider.ParticipantDemote)
}

// UpdateGroupParticipants applies one membership mutation. The mirror is
// updated by the resulting provider event, not synchronously here.
func (i *Instance) UpdateGroupParticipants(ctx context.Context, chatID string, userIDs []string, action provider.ParticipantAction) error {
	sock, err := i.ready()
	if err != nil {
		return err
	}
	if err := sock.UpdateParticipants(ctx, chatID, userIDs, action); err != nil {
		return i.fail("failed to update group participants", err)
	}
	return nil
}

// LeaveGroup leaves the group.
func (i *Instance) LeaveGroup(ctx context.Context, chatID string) error {
	sock, err := i.ready()
	if err != nil {
		return err
	}
	if err := sock.LeaveGroup(ctx, chatID); err != nil {
		return i.fail("failed to leave group", err)
	}
	return nil
}

// GroupInviteCode fetches the group's invite link.
func (i *Instance) GroupInviteCode(ctx context.Context, chatID string) (string, error) {
	sock, err := i.ready()
	if err != nil {
		return "", err
	}
	code, err := sock.GroupInviteCode(ctx, chatID)
	if err != nil {
		return "", i.fail("failed to fetch group invite code", err)
	}
	return code, nil
}

// GroupSettingUpdate toggles a group policy setting.
func (i *Instance) GroupSettingUpdate(ctx context.Context, chatID string, setting provider.GroupSetting) error {
	sock, err := i.ready()
	if err != nil {
		return err
	}
	if err := sock.SetGroupSetting(ctx, chatID, setting); err != nil {
		return i.fail("failed to update group setting", err)
	}
	return nil
}

// GroupUpdateSubject renames a group.
func (i *Instance) GroupUpdateSubject(ctx context.Context, chatID, name string) error {
	sock, err := i.ready()
	if err != nil {
		return err
	}
	if err := sock.SetGroupName(ctx, chatID, name); err != nil {
		return i.fail("failed to update group subject", err)
	}
	return nil
}

// GroupUpdateDescription replaces a group's topic text.
func (i *Instance) GroupUpdateDescription(ctx context.Context, chatID, topic string) error {
	sock, err := i.ready()
	if err != nil {
		return err
	}
	if err := sock.SetGroupTopic(ctx, chatID, topic); err != nil {
		return i.fail("failed to update group description", err)
	}
	return nil
}

// ListGroups returns the mirrored group chats.
func (i *Instance) ListGroups(ctx context.Context) ([]projection.ChatRecord, error) {
	recs, err := i.groups.Groups(ctx)
	if err != nil {
		return nil, i.fail("failed to list groups", err)
	}
	return recs, nil
}

// GetChat returns one mirrored chat, group or individual, or nil when
// unknown.
func (i *Instance) GetChat(ctx context.Context, chatID string) (*projection.ChatRecord, error) {
	id := provider.ExpandID(chatID)
	var (
		rec *projection.ChatRecord
		err error
	)
	if isGroup(id) {
		rec, err = i.groups.Group(ctx, id)
	} else {
		rec, err = i.chats.Chat(ctx, id)
	}
	if err != nil {
		return nil, i.fail("failed to fetch chat", err)
	}
	return rec, nil
}

// verifyTarget runs the on-network check for individual targets. Group ids
// are not registered accounts and skip the check.
func (i *Instance) verifyTarget(ctx context.Context, chatID string) error {
	id := provider.ExpandID(chatID)
	if isGroup(id) {
		return nil
	}
	return i.VerifyID(ctx, trimDomain(id))
}

func isGroup(id string) bool {
	n, s := len(id), len(provider.GroupDomainSuffix)
	return n > s && id[n-s:] == provider.GroupDomainSuffix
}

func trimDomain(id string) string {
	for j := 0; j < len(id); j++ {
		if id[j] == '@' {
			return id[:j]
		}
	}
	return id
}
