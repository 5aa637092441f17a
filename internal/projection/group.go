package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/wppgw/internal/provider"
	"github.com/matheus3301/wppgw/internal/storage"
	"go.uber.org/zap"
)

// GroupProjection mirrors group chats into the "{sessionKey}-group-chat"
// table. Participant updates for the same chat id are serialized through a
// per-chat mutex: they are read-modify-write cycles with no optimistic
// concurrency control underneath.
type GroupProjection struct {
	table storage.Table
	log   *zap.Logger

	mu        sync.Mutex
	chatLocks map[string]*sync.Mutex
}

// NewGroupProjection creates the projection for one session.
func NewGroupProjection(st storage.Store, sessionKey string, logger *zap.Logger) *GroupProjection {
	return &GroupProjection{
		table:     st.Table(sessionKey + GroupTableSuffix),
		log:       logger.Named("group").With(zap.String("session", sessionKey)),
		chatLocks: make(map[string]*sync.Mutex),
	}
}

// lockChat serializes work per chat id. Updates to different chats proceed
// concurrently.
func (p *GroupProjection) lockChat(id string) func() {
	p.mu.Lock()
	l, ok := p.chatLocks[id]
	if !ok {
		l = &sync.Mutex{}
		p.chatLocks[id] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// SetGroups handles the warm-start bulk fetch of all participating groups:
// participants, creation time, and creator are merged into each record.
func (p *GroupProjection) SetGroups(ctx context.Context, groups []provider.Chat) error {
	var errs []error
	for _, g := range groups {
		id := ensureID(g.ID)
		patch := storage.Doc{
			"id":           id,
			"participants": participantsToAny(g.Participants),
		}
		if g.Name != "" {
			patch["name"] = g.Name
		}
		if g.CreatedAt != 0 {
			patch["createdAt"] = g.CreatedAt
		}
		if g.CreatedBy != "" {
			patch["createdBy"] = g.CreatedBy
		}
		if err := p.table.Merge(ctx, storage.Matcher{ID: id}, patch, true); err != nil {
			p.log.Warn("group sync dropped", zap.String("chat", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpsertGroups handles newly created or joined groups with a full replace.
func (p *GroupProjection) UpsertGroups(ctx context.Context, groups []provider.Chat) error {
	var errs []error
	for _, g := range groups {
		id := ensureID(g.ID)
		doc, err := chatDoc(g, id)
		if err == nil {
			err = p.table.Upsert(ctx, storage.Matcher{ID: id}, doc, true)
		}
		if err != nil {
			p.log.Warn("group upsert dropped", zap.String("chat", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateGroups merges partial group metadata updates.
func (p *GroupProjection) UpdateGroups(ctx context.Context, groups []provider.Chat) error {
	var errs []error
	for _, g := range groups {
		id := ensureID(g.ID)
		patch := chatPatch(g)
		patch["id"] = id
		if err := p.table.Merge(ctx, storage.Matcher{ID: id}, patch, true); err != nil {
			p.log.Warn("group update dropped", zap.String("chat", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateParticipants applies one membership mutation to a group mirror.
// Removing the participant recorded as the chat's creator marks the whole
// chat deleted: losing the owner tears the group down from this tenant's
// perspective. Unknown chat ids are ignored.
func (p *GroupProjection) UpdateParticipants(ctx context.Context, chatID string, action provider.ParticipantAction, userIDs []string) error {
	unlock := p.lockChat(chatID)
	defer unlock()

	rec, err := p.Group(ctx, chatID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	parts := rec.Participants
	ownerRemoved := false

	switch action {
	case provider.ParticipantAdd:
		for _, uid := range userIDs {
			parts = setRank(parts, uid, provider.RankRegular, true)
		}
	case provider.ParticipantRemove:
		for _, uid := range userIDs {
			if uid == rec.CreatedBy {
				ownerRemoved = true
			}
			parts = removeParticipant(parts, uid)
		}
	case provider.ParticipantPromote:
		for _, uid := range userIDs {
			parts = setRank(parts, uid, provider.RankSuperAdmin, false)
		}
	case provider.ParticipantDemote:
		for _, uid := range userIDs {
			parts = setRank(parts, uid, provider.RankRegular, false)
		}
	default:
		return fmt.Errorf("unknown participant action %q", action)
	}

	if ownerRemoved {
		patch := storage.Doc{storage.FieldDeleted: true}
		return p.table.Merge(ctx, storage.Matcher{ID: chatID}, patch, false)
	}

	patch := storage.Doc{"participants": participantsToAny(parts)}
	return p.table.Merge(ctx, storage.Matcher{ID: chatID}, patch, true)
}

// Group returns one mirrored group chat, or nil when unknown.
func (p *GroupProjection) Group(ctx context.Context, id string) (*ChatRecord, error) {
	doc, err := p.table.FindOne(ctx, storage.Matcher{ID: id})
	if err != nil || doc == nil {
		return nil, err
	}
	var rec ChatRecord
	if err := storage.FromDoc(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode group %s: %w", id, err)
	}
	return &rec, nil
}

// Groups returns all mirrored group chats.
func (p *GroupProjection) Groups(ctx context.Context) ([]ChatRecord, error) {
	docs, err := p.table.FindAll(ctx, storage.Matcher{})
	if err != nil {
		return nil, err
	}
	recs := make([]ChatRecord, 0, len(docs))
	for _, doc := range docs {
		var rec ChatRecord
		if err := storage.FromDoc(doc, &rec); err != nil {
			p.log.Warn("undecodable group record skipped", zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Archive soft-finalizes every record ahead of instance teardown.
func (p *GroupProjection) Archive(ctx context.Context) error {
	return archiveAll(ctx, p.table)
}

// setRank updates a participant's rank in place. With insert, an unknown
// user is appended; participants stay unique by user id either way.
func setRank(parts []provider.Participant, userID string, rank provider.Rank, insert bool) []provider.Participant {
	for i := range parts {
		if parts[i].UserID == userID {
			parts[i].Rank = rank
			return parts
		}
	}
	if insert {
		parts = append(parts, provider.Participant{UserID: userID, Rank: rank})
	}
	return parts
}

func removeParticipant(parts []provider.Participant, userID string) []provider.Participant {
	out := parts[:0]
	for _, p := range parts {
		if p.UserID != userID {
			out = append(out, p)
		}
	}
	return out
}
