package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/wppgw/internal/provider"
	"github.com/matheus3301/wppgw/internal/storage"
	"go.uber.org/zap"
)

// ChatProjection mirrors individual chats into the "{sessionKey}-chat"
// table.
type ChatProjection struct {
	table storage.Table
	log   *zap.Logger
}

// NewChatProjection creates the projection for one session.
func NewChatProjection(st storage.Store, sessionKey string, logger *zap.Logger) *ChatProjection {
	return &ChatProjection{
		table: st.Table(sessionKey + ChatTableSuffix),
		log:   logger.Named("chat").With(zap.String("session", sessionKey)),
	}
}

// SetChats handles the full-sync batch at connect time: every chat is
// replaced wholesale.
func (p *ChatProjection) SetChats(ctx context.Context, chats []provider.Chat) error {
	var errs []error
	for _, c := range chats {
		id := ensureID(c.ID)
		doc, err := chatDoc(c, id)
		if err == nil {
			err = p.table.Upsert(ctx, storage.Matcher{ID: id}, doc, true)
		}
		if err != nil {
			p.log.Warn("full-sync chat dropped", zap.String("chat", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpsertChats handles newly appeared chats.
func (p *ChatProjection) UpsertChats(ctx context.Context, chats []provider.Chat) error {
	return p.SetChats(ctx, chats)
}

// UpdateChats merges partial chat updates into existing records, inserting
// when the chat was not seen before.
func (p *ChatProjection) UpdateChats(ctx context.Context, chats []provider.Chat) error {
	var errs []error
	for _, c := range chats {
		id := ensureID(c.ID)
		patch := chatPatch(c)
		patch["id"] = id
		if err := p.table.Merge(ctx, storage.Matcher{ID: id}, patch, true); err != nil {
			p.log.Warn("chat update dropped", zap.String("chat", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteChats marks chats deleted without removing the records.
func (p *ChatProjection) DeleteChats(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		patch := storage.Doc{storage.FieldDeleted: true}
		if err := p.table.Merge(ctx, storage.Matcher{ID: id}, patch, false); err != nil {
			p.log.Warn("chat delete dropped", zap.String("chat", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Chat returns one mirrored chat, or nil when unknown.
func (p *ChatProjection) Chat(ctx context.Context, id string) (*ChatRecord, error) {
	doc, err := p.table.FindOne(ctx, storage.Matcher{ID: id})
	if err != nil || doc == nil {
		return nil, err
	}
	var rec ChatRecord
	if err := storage.FromDoc(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode chat %s: %w", id, err)
	}
	return &rec, nil
}

// Chats returns all mirrored chats.
func (p *ChatProjection) Chats(ctx context.Context) ([]ChatRecord, error) {
	docs, err := p.table.FindAll(ctx, storage.Matcher{})
	if err != nil {
		return nil, err
	}
	recs := make([]ChatRecord, 0, len(docs))
	for _, doc := range docs {
		var rec ChatRecord
		if err := storage.FromDoc(doc, &rec); err != nil {
			p.log.Warn("undecodable chat record skipped", zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Archive soft-finalizes every record ahead of instance teardown.
func (p *ChatProjection) Archive(ctx context.Context) error {
	return archiveAll(ctx, p.table)
}

// archiveAll marks every record in a table archived.
func archiveAll(ctx context.Context, table storage.Table) error {
	docs, err := table.FindAll(ctx, storage.Matcher{})
	if err != nil {
		return err
	}
	var errs []error
	for _, doc := range docs {
		id := storage.RecordKey(doc)
		if id == "" {
			continue
		}
		if err := table.Merge(ctx, storage.Matcher{ID: id}, storage.Doc{"_archived": true}, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
