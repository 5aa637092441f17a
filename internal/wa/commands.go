package wa

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/wppgw/internal/provider"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func (s *Socket) parseJID(id string) (types.JID, error) {
	jid, err := types.ParseJID(provider.ExpandID(id))
	if err != nil {
		return types.EmptyJID, &provider.ProviderError{Op: "parse jid", Err: err}
	}
	return jid, nil
}

func (s *Socket) ownJID() types.JID {
	if s.client.Store.ID == nil {
		return types.EmptyJID
	}
	return *s.client.Store.ID
}

// IsOnNetwork reports whether the user id belongs to a registered account.
func (s *Socket) IsOnNetwork(ctx context.Context, userID string) (bool, error) {
	resp, err := s.client.IsOnWhatsApp(ctx, []string{"+" + userID})
	if err != nil {
		return false, &provider.ProviderError{Op: "check account", Err: err}
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[0].IsIn, nil
}

// SendText sends a plain text message.
func (s *Socket) SendText(ctx context.Context, chatID, text string) (*provider.SendReceipt, error) {
	to, err := s.parseJID(chatID)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return nil, &provider.ProviderError{Op: "send text", Err: err}
	}
	return &provider.SendReceipt{MessageID: resp.ID, Timestamp: resp.Timestamp.Unix()}, nil
}

// SendContact sends a vCard contact message.
func (s *Socket) SendContact(ctx context.Context, chatID, displayName, vcard string) (*provider.SendReceipt, error) {
	to, err := s.parseJID(chatID)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.SendMessage(ctx, to, &waE2E.Message{
		ContactMessage: &waE2E.ContactMessage{
			DisplayName: proto.String(displayName),
			Vcard:       proto.String(vcard),
		},
	})
	if err != nil {
		return nil, &provider.ProviderError{Op: "send contact", Err: err}
	}
	return &provider.SendReceipt{MessageID: resp.ID, Timestamp: resp.Timestamp.Unix()}, nil
}

// SendReaction reacts to an existing message. An empty emoji removes the
// reaction.
func (s *Socket) SendReaction(ctx context.Context, chatID, messageID string, fromMe bool, emoji string) (*provider.SendReceipt, error) {
	to, err := s.parseJID(chatID)
	if err != nil {
		return nil, err
	}
	sender := to
	if fromMe {
		sender = s.ownJID()
	}
	resp, err := s.client.SendMessage(ctx, to, s.client.BuildReaction(to, sender, messageID, emoji))
	if err != nil {
		return nil, &provider.ProviderError{Op: "send reaction", Err: err}
	}
	return &provider.SendReceipt{MessageID: resp.ID, Timestamp: resp.Timestamp.Unix()}, nil
}

// MarkRead sends read receipts for the given message ids.
func (s *Socket) MarkRead(ctx context.Context, chatID, participant string, messageIDs []string) error {
	chat, err := s.parseJID(chatID)
	if err != nil {
		return err
	}
	sender := chat
	if participant != "" {
		if sender, err = s.parseJID(participant); err != nil {
			return err
		}
	}
	ids := make([]types.MessageID, 0, len(messageIDs))
	for _, id := range messageIDs {
		ids = append(ids, types.MessageID(id))
	}
	if err := s.client.MarkRead(ctx, ids, time.Now(), chat, sender); err != nil {
		return &provider.ProviderError{Op: "mark read", Err: err}
	}
	return nil
}

// SetPresence publishes a presence state. Available/unavailable are
// account-wide; the typing states target the chat.
func (s *Socket) SetPresence(ctx context.Context, chatID string, p provider.Presence) error {
	var err error
	switch p {
	case provider.PresenceAvailable:
		err = s.client.SendPresence(ctx, types.PresenceAvailable)
	case provider.PresenceUnavailable:
		err = s.client.SendPresence(ctx, types.PresenceUnavailable)
	case provider.PresenceComposing, provider.PresenceRecording, provider.PresencePaused:
		var chat types.JID
		if chat, err = s.parseJID(chatID); err != nil {
			return err
		}
		state := types.ChatPresenceComposing
		media := types.ChatPresenceMediaText
		if p == provider.PresencePaused {
			state = types.ChatPresencePaused
		}
		if p == provider.PresenceRecording {
			media = types.ChatPresenceMediaAudio
		}
		err = s.client.SendChatPresence(ctx, chat, state, media)
	default:
		return &provider.ProviderError{Op: "set presence", Err: fmt.Errorf("unknown presence %q", p)}
	}
	if err != nil {
		return &provider.ProviderError{Op: "set presence", Err: err}
	}
	return nil
}

// ProfilePictureURL fetches the full-size profile picture URL.
func (s *Socket) ProfilePictureURL(ctx context.Context, userID string) (string, error) {
	jid, err := s.parseJID(userID)
	if err != nil {
		return "", err
	}
	info, err := s.client.GetProfilePictureInfo(ctx, jid, nil)
	if err != nil {
		return "", &provider.ProviderError{Op: "profile picture", Err: err}
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

// UserStatus fetches the account's status text.
func (s *Socket) UserStatus(ctx context.Context, userID string) (string, error) {
	jid, err := s.parseJID(userID)
	if err != nil {
		return "", err
	}
	infos, err := s.client.GetUserInfo(ctx, []types.JID{jid})
	if err != nil {
		return "", &provider.ProviderError{Op: "user status", Err: err}
	}
	info, ok := infos[jid]
	if !ok {
		return "", provider.ErrNotOnNetwork
	}
	return info.Status, nil
}

// SetBlocked updates the account blocklist for one user.
func (s *Socket) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	jid, err := s.parseJID(userID)
	if err != nil {
		return err
	}
	action := events.BlocklistChangeActionUnblock
	if blocked {
		action = events.BlocklistChangeActionBlock
	}
	if _, err := s.client.UpdateBlocklist(ctx, jid, action); err != nil {
		return &provider.ProviderError{Op: "update blocklist", Err: err}
	}
	return nil
}

// CreateGroup creates a group with the given members and returns its
// normalized metadata.
func (s *Socket) CreateGroup(ctx context.Context, name string, userIDs []string) (*provider.Chat, error) {
	jids := make([]types.JID, 0, len(userIDs))
	for _, id := range userIDs {
		jid, err := s.parseJID(id)
		if err != nil {
			return nil, err
		}
		jids = append(jids, jid)
	}
	info, err := s.client.CreateGroup(ctx, whatsmeow.ReqCreateGroup{
		Name:         name,
		Participants: jids,
	})
	if err != nil {
		return nil, &provider.ProviderError{Op: "create group", Err: err}
	}
	chat := toChat(info)
	return &chat, nil
}

// UpdateParticipants applies one membership mutation to a group.
func (s *Socket) UpdateParticipants(ctx context.Context, chatID string, userIDs []string, action provider.ParticipantAction) error {
	chat, err := s.parseJID(chatID)
	if err != nil {
		return err
	}
	jids := make([]types.JID, 0, len(userIDs))
	for _, id := range userIDs {
		jid, err := s.parseJID(id)
		if err != nil {
			return err
		}
		jids = append(jids, jid)
	}
	var change whatsmeow.ParticipantChange
	switch action {
	case provider.ParticipantAdd:
		change = whatsmeow.ParticipantChangeAdd
	case provider.ParticipantRemove:
		change = whatsmeow.ParticipantChangeRemove
	case provider.ParticipantPromote:
		change = whatsmeow.ParticipantChangePromote
	case provider.ParticipantDemote:
		change = whatsmeow.ParticipantChangeDemote
	default:
		return &provider.ProviderError{Op: "update participants", Err: fmt.Errorf("unknown action %q", action)}
	}
	if _, err := s.client.UpdateGroupParticipants(ctx, chat, jids, change); err != nil {
		return &provider.ProviderError{Op: "update participants", Err: err}
	}
	return nil
}

// LeaveGroup leaves the group.
func (s *Socket) LeaveGroup(ctx context.Context, chatID string) error {
	chat, err := s.parseJID(chatID)
	if err != nil {
		return err
	}
	if err := s.client.LeaveGroup(ctx, chat); err != nil {
		return &provider.ProviderError{Op: "leave group", Err: err}
	}
	return nil
}

// GroupInviteCode fetches the current invite link code.
func (s *Socket) GroupInviteCode(ctx context.Context, chatID string) (string, error) {
	chat, err := s.parseJID(chatID)
	if err != nil {
		return "", err
	}
	link, err := s.client.GetGroupInviteLink(ctx, chat, false)
	if err != nil {
		return "", &provider.ProviderError{Op: "group invite", Err: err}
	}
	return link, nil
}

// SetGroupSetting toggles who may send messages or edit group info.
func (s *Socket) SetGroupSetting(ctx context.Context, chatID string, setting provider.GroupSetting) error {
	chat, err := s.parseJID(chatID)
	if err != nil {
		return err
	}
	switch setting {
	case provider.GroupAnnouncement:
		err = s.client.SetGroupAnnounce(ctx, chat, true)
	case provider.GroupNotAnnouncement:
		err = s.client.SetGroupAnnounce(ctx, chat, false)
	case provider.GroupLocked:
		err = s.client.SetGroupLocked(ctx, chat, true)
	case provider.GroupUnlocked:
		err = s.client.SetGroupLocked(ctx, chat, false)
	default:
		return &provider.ProviderError{Op: "group setting", Err: fmt.Errorf("unknown setting %q", setting)}
	}
	if err != nil {
		return &provider.ProviderError{Op: "group setting", Err: err}
	}
	return nil
}

// SetGroupName renames the group.
func (s *Socket) SetGroupName(ctx context.Context, chatID, name string) error {
	chat, err := s.parseJID(chatID)
	if err != nil {
		return err
	}
	if err := s.client.SetGroupName(ctx, chat, name); err != nil {
		return &provider.ProviderError{Op: "set group name", Err: err}
	}
	return nil
}

// SetGroupTopic replaces the group description.
func (s *Socket) SetGroupTopic(ctx context.Context, chatID, topic string) error {
	chat, err := s.parseJID(chatID)
	if err != nil {
		return err
	}
	if err := s.client.SetGroupTopic(ctx, chat, "", "", topic); err != nil {
		return &provider.ProviderError{Op: "set group topic", Err: err}
	}
	return nil
}

// FetchAllGroups lists every group the account participates in.
func (s *Socket) FetchAllGroups(ctx context.Context) ([]provider.Chat, error) {
	groups, err := s.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, &provider.ProviderError{Op: "fetch groups", Err: err}
	}
	chats := make([]provider.Chat, 0, len(groups))
	for _, gi := range groups {
		chats = append(chats, toChat(gi))
	}
	return chats, nil
}
