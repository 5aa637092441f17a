package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/wppgw/internal/provider"
	"github.com/matheus3301/wppgw/internal/storage"
	"go.uber.org/zap"
)

// MessageProjection mirrors message metadata into the "{sessionKey}-message"
// table.
type MessageProjection struct {
	table storage.Table
	log   *zap.Logger
}

// NewMessageProjection creates the projection for one session.
func NewMessageProjection(st storage.Store, sessionKey string, logger *zap.Logger) *MessageProjection {
	return &MessageProjection{
		table: st.Table(sessionKey + MessageTableSuffix),
		log:   logger.Named("message").With(zap.String("session", sessionKey)),
	}
}

// SetMessages handles history-sync batches: each message is replaced
// wholesale, keyed by its provider id.
func (p *MessageProjection) SetMessages(ctx context.Context, msgs []provider.MessageInfo) error {
	var errs []error
	for _, m := range msgs {
		id := ensureID(m.ID)
		doc, err := messageDoc(m, id)
		if err == nil {
			err = p.table.Upsert(ctx, storage.Matcher{ID: id}, doc, true)
		}
		if err != nil {
			p.log.Warn("message sync dropped", zap.String("message", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpsertMessages handles live message arrivals. Redelivery of the same
// message id overwrites in place, never duplicates.
func (p *MessageProjection) UpsertMessages(ctx context.Context, msgs []provider.MessageInfo) error {
	return p.SetMessages(ctx, msgs)
}

// UpdateMessages merges partial updates (receipts, edits) into existing
// records, inserting when the message was not seen before.
func (p *MessageProjection) UpdateMessages(ctx context.Context, msgs []provider.MessageInfo) error {
	var errs []error
	for _, m := range msgs {
		id := ensureID(m.ID)
		patch := messagePatch(m)
		if err := p.table.Merge(ctx, storage.Matcher{ID: id}, patch, true); err != nil {
			p.log.Warn("message update dropped", zap.String("message", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteMessages marks messages deleted without removing the records.
func (p *MessageProjection) DeleteMessages(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		patch := storage.Doc{storage.FieldDeleted: true}
		if err := p.table.Merge(ctx, storage.Matcher{ID: id}, patch, false); err != nil {
			p.log.Warn("message delete dropped", zap.String("message", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Message returns one mirrored message, or nil when unknown.
func (p *MessageProjection) Message(ctx context.Context, id string) (*MessageRecord, error) {
	doc, err := p.table.FindOne(ctx, storage.Matcher{ID: id})
	if err != nil || doc == nil {
		return nil, err
	}
	var rec MessageRecord
	if err := storage.FromDoc(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &rec, nil
}

// Messages returns all mirrored messages.
func (p *MessageProjection) Messages(ctx context.Context) ([]MessageRecord, error) {
	docs, err := p.table.FindAll(ctx, storage.Matcher{})
	if err != nil {
		return nil, err
	}
	recs := make([]MessageRecord, 0, len(docs))
	for _, doc := range docs {
		var rec MessageRecord
		if err := storage.FromDoc(doc, &rec); err != nil {
			p.log.Warn("undecodable message record skipped", zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Archive soft-finalizes every record ahead of instance teardown.
func (p *MessageProjection) Archive(ctx context.Context) error {
	return archiveAll(ctx, p.table)
}

func messageDoc(m provider.MessageInfo, id string) (storage.Doc, error) {
	return storage.ToDoc(MessageRecord{
		ID:          id,
		ChatID:      m.ChatID,
		FromMe:      m.FromMe,
		Participant: m.Participant,
		Kind:        m.Kind,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
	})
}

func messagePatch(m provider.MessageInfo) storage.Doc {
	patch := storage.Doc{}
	if m.ChatID != "" {
		patch["remoteChatId"] = m.ChatID
	}
	if m.Participant != "" {
		patch["participantId"] = m.Participant
	}
	if m.Kind != "" {
		patch["kind"] = m.Kind
	}
	if m.Content != nil {
		content := make(map[string]any, len(m.Content))
		for k, v := range m.Content {
			content[k] = v
		}
		patch["content"] = content
	}
	if m.Timestamp != 0 {
		patch["timestamp"] = m.Timestamp
	}
	return patch
}
