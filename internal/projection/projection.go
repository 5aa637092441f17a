// Package projection folds the provider's event stream into durable
// chat/group/message mirrors. Handlers are idempotent: every incoming
// entity is addressed by a stable id (the provider-given id, or a generated
// UUID retained so later partial updates still correlate) and written with
// upsert/merge semantics, so out-of-order, partial, and repeated deliveries
// converge on the same stored state.
package projection

import (
	"github.com/google/uuid"
	"github.com/matheus3301/wppgw/internal/provider"
	"github.com/matheus3301/wppgw/internal/storage"
)

// Table name suffixes per session.
const (
	ChatTableSuffix    = "-chat"
	GroupTableSuffix   = "-group-chat"
	MessageTableSuffix = "-message"
)

// ChatRecord is the stored mirror of one chat.
type ChatRecord struct {
	ID           string                 `json:"_id"`
	ChatID       string                 `json:"id"`
	Name         string                 `json:"name"`
	Participants []provider.Participant `json:"participants,omitempty"`
	CreatedAt    int64                  `json:"createdAt,omitempty"`
	CreatedBy    string                 `json:"createdBy,omitempty"`
	Deleted      bool                   `json:"_deleted,omitempty"`
}

// IsGroup reports whether the record mirrors a group chat.
func (r ChatRecord) IsGroup() bool {
	return isGroupID(r.ChatID)
}

// MessageRecord is the stored mirror of one message.
type MessageRecord struct {
	ID          string         `json:"_id"`
	ChatID      string         `json:"remoteChatId"`
	FromMe      bool           `json:"fromSelf"`
	Participant string         `json:"participantId,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Content     map[string]any `json:"content,omitempty"`
	Timestamp   int64          `json:"timestamp"`
	Deleted     bool           `json:"_deleted,omitempty"`
}

func isGroupID(id string) bool {
	return len(id) > len(provider.GroupDomainSuffix) &&
		id[len(id)-len(provider.GroupDomainSuffix):] == provider.GroupDomainSuffix
}

// ensureID returns the provider-given id, or a fresh UUID when absent.
func ensureID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func chatDoc(c provider.Chat, id string) (storage.Doc, error) {
	return storage.ToDoc(ChatRecord{
		ID:           id,
		ChatID:       id,
		Name:         c.Name,
		Participants: c.Participants,
		CreatedAt:    c.CreatedAt,
		CreatedBy:    c.CreatedBy,
	})
}

// chatPatch builds a partial document carrying only the fields the provider
// actually reported, for merge-style updates.
func chatPatch(c provider.Chat) storage.Doc {
	patch := storage.Doc{}
	if c.Name != "" {
		patch["name"] = c.Name
	}
	if c.Participants != nil {
		parts := make([]any, 0, len(c.Participants))
		for _, p := range c.Participants {
			parts = append(parts, map[string]any{"userId": p.UserID, "rank": string(p.Rank)})
		}
		patch["participants"] = parts
	}
	if c.CreatedAt != 0 {
		patch["createdAt"] = c.CreatedAt
	}
	if c.CreatedBy != "" {
		patch["createdBy"] = c.CreatedBy
	}
	return patch
}

func participantsToAny(parts []provider.Participant) []any {
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		out = append(out, map[string]any{"userId": p.UserID, "rank": string(p.Rank)})
	}
	return out
}
