package wa

import (
	"github.com/matheus3301/wppgw/internal/provider"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// normalizeJID strips device and agent suffixes so history sync and live
// traffic address the same contact identically.
func normalizeJID(jid types.JID) string {
	return jid.ToNonAD().String()
}

// toMessageInfo normalizes a live whatsmeow message event.
func toMessageInfo(evt *events.Message) provider.MessageInfo {
	return provider.MessageInfo{
		ID:          evt.Info.ID,
		ChatID:      normalizeJID(evt.Info.Chat),
		FromMe:      evt.Info.IsFromMe,
		Participant: normalizeJID(evt.Info.Sender),
		Timestamp:   evt.Info.Timestamp.Unix(),
		Kind:        detectMessageKind(evt.Message),
		Content:     messageContent(evt.Message, evt.Info.PushName),
	}
}

// toHistorySync flattens a history sync blob into chats and messages.
// Returns nil when the blob carries nothing usable.
func toHistorySync(evt *events.HistorySync) *provider.HistorySyncEvent {
	data := evt.Data
	if data == nil {
		return nil
	}

	out := &provider.HistorySyncEvent{}
	for _, conv := range data.GetConversations() {
		chatID := conv.GetID()
		out.Chats = append(out.Chats, provider.Chat{
			ID:   chatID,
			Name: conv.GetName(),
		})
		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			out.Messages = append(out.Messages, provider.MessageInfo{
				ID:          wmsg.GetKey().GetID(),
				ChatID:      chatID,
				FromMe:      wmsg.GetKey().GetFromMe(),
				Participant: wmsg.GetKey().GetParticipant(),
				Timestamp:   int64(wmsg.GetMessageTimestamp()),
				Kind:        detectMessageKind(wmsg.GetMessage()),
				Content:     messageContent(wmsg.GetMessage(), ""),
			})
		}
	}
	if len(out.Chats) == 0 && len(out.Messages) == 0 {
		return nil
	}
	return out
}

// toChat normalizes whatsmeow group metadata.
func toChat(gi *types.GroupInfo) provider.Chat {
	c := provider.Chat{
		ID:        gi.JID.String(),
		Name:      gi.Name,
		CreatedBy: gi.OwnerJID.String(),
	}
	if !gi.GroupCreated.IsZero() {
		c.CreatedAt = gi.GroupCreated.Unix()
	}
	for _, p := range gi.Participants {
		c.Participants = append(c.Participants, provider.Participant{
			UserID: p.JID.String(),
			Rank:   participantRank(p),
		})
	}
	return c
}

func participantRank(p types.GroupParticipant) provider.Rank {
	switch {
	case p.IsSuperAdmin:
		return provider.RankSuperAdmin
	case p.IsAdmin:
		return provider.RankAdmin
	default:
		return provider.RankRegular
	}
}

// messageContent keeps the pieces the gateway mirrors: the text body and,
// for media, the caption. Raw media payloads never leave the library.
func messageContent(msg *waE2E.Message, pushName string) map[string]any {
	content := map[string]any{}
	if body := extractTextBody(msg); body != "" {
		content["text"] = body
	}
	if pushName != "" {
		content["pushName"] = pushName
	}
	return content
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

func detectMessageKind(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	case msg.GetReactionMessage() != nil:
		return "reaction"
	default:
		return "unknown"
	}
}
