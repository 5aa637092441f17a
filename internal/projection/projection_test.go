package projection

import (
	"context"
	"testing"

	"github.com/matheus3301/wppgw/internal/provider"
	"github.com/matheus3301/wppgw/internal/storage"
	"github.com/matheus3301/wppgw/internal/storage/filestore"
	"go.uber.org/zap"
)

func testBackend(t *testing.T) storage.Store {
	t.Helper()
	st, err := filestore.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func seedGroup(t *testing.T, gp *GroupProjection, id, owner string, parts []provider.Participant) {
	t.Helper()
	err := gp.UpsertGroups(context.Background(), []provider.Chat{{
		ID:           id,
		Name:         "crew",
		Participants: parts,
		CreatedAt:    1700000000,
		CreatedBy:    owner,
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestChatUpsertThenPartialUpdate(t *testing.T) {
	st := testBackend(t)
	cp := NewChatProjection(st, "s1", zap.NewNop())
	ctx := context.Background()

	if err := cp.SetChats(ctx, []provider.Chat{{ID: "111@s.whatsapp.net", Name: "alice"}}); err != nil {
		t.Fatal(err)
	}
	if err := cp.UpdateChats(ctx, []provider.Chat{{ID: "111@s.whatsapp.net", Name: "alice2"}}); err != nil {
		t.Fatal(err)
	}

	rec, err := cp.Chat(ctx, "111@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Name != "alice2" {
		t.Fatalf("chat = %+v, want name alice2", rec)
	}
	if rec.IsGroup() {
		t.Error("direct chat reported as group")
	}
}

func TestChatUpdateInsertsUnknown(t *testing.T) {
	st := testBackend(t)
	cp := NewChatProjection(st, "s1", zap.NewNop())
	ctx := context.Background()

	if err := cp.UpdateChats(ctx, []provider.Chat{{ID: "222@s.whatsapp.net", Name: "bob"}}); err != nil {
		t.Fatal(err)
	}
	rec, err := cp.Chat(ctx, "222@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Name != "bob" {
		t.Fatalf("update of unseen chat should insert, got %+v", rec)
	}
}

func TestChatDeleteIsSoft(t *testing.T) {
	st := testBackend(t)
	cp := NewChatProjection(st, "s1", zap.NewNop())
	ctx := context.Background()

	if err := cp.SetChats(ctx, []provider.Chat{{ID: "111@s.whatsapp.net", Name: "alice"}}); err != nil {
		t.Fatal(err)
	}
	if err := cp.DeleteChats(ctx, []string{"111@s.whatsapp.net"}); err != nil {
		t.Fatal(err)
	}

	rec, err := cp.Chat(ctx, "111@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("soft delete must keep the record")
	}
	if !rec.Deleted {
		t.Error("record not flagged deleted")
	}
	if rec.Name != "alice" {
		t.Errorf("delete flag clobbered other fields: %+v", rec)
	}
}

// Adding then removing the same member restores the original roster.
func TestParticipantAddRemoveRoundTrip(t *testing.T) {
	st := testBackend(t)
	gp := NewGroupProjection(st, "s1", zap.NewNop())
	ctx := context.Background()
	const gid = "123-456@g.us"

	seedGroup(t, gp, gid, "owner@s.whatsapp.net", []provider.Participant{
		{UserID: "owner@s.whatsapp.net", Rank: provider.RankSuperAdmin},
	})

	if err := gp.UpdateParticipants(ctx, gid, provider.ParticipantAdd, []string{"new@s.whatsapp.net"}); err != nil {
		t.Fatal(err)
	}
	rec, err := gp.Group(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Participants) != 2 {
		t.Fatalf("after add: %d participants, want 2", len(rec.Participants))
	}
	if rec.Participants[1].Rank != provider.RankRegular {
		t.Errorf("added member rank = %s, want %s", rec.Participants[1].Rank, provider.RankRegular)
	}

	if err := gp.UpdateParticipants(ctx, gid, provider.ParticipantRemove, []string{"new@s.whatsapp.net"}); err != nil {
		t.Fatal(err)
	}
	rec, err = gp.Group(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Participants) != 1 || rec.Participants[0].UserID != "owner@s.whatsapp.net" {
		t.Fatalf("after remove: %+v, want only the owner", rec.Participants)
	}
	if rec.Deleted {
		t.Error("removing a non-owner must not delete the chat")
	}
}

// Removing the member recorded as creator marks the chat deleted as a whole.
func TestOwnerRemovalDeletesGroup(t *testing.T) {
	st := testBackend(t)
	gp := NewGroupProjection(st, "s1", zap.NewNop())
	ctx := context.Background()
	const gid = "123-456@g.us"

	seedGroup(t, gp, gid, "owner@s.whatsapp.net", []provider.Participant{
		{UserID: "owner@s.whatsapp.net", Rank: provider.RankSuperAdmin},
		{UserID: "u1@s.whatsapp.net", Rank: provider.RankRegular},
	})

	if err := gp.UpdateParticipants(ctx, gid, provider.ParticipantRemove, []string{"owner@s.whatsapp.net"}); err != nil {
		t.Fatal(err)
	}

	rec, err := gp.Group(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Deleted {
		t.Fatal("owner removal must flag the chat deleted")
	}
	// The roster before removal stays as a tombstone of group state.
	if len(rec.Participants) != 2 {
		t.Errorf("participants rewritten on owner removal: %+v", rec.Participants)
	}
}

func TestPromoteOnlyTargets(t *testing.T) {
	st := testBackend(t)
	gp := NewGroupProjection(st, "s1", zap.NewNop())
	ctx := context.Background()
	const gid = "123-456@g.us"

	seedGroup(t, gp, gid, "owner@s.whatsapp.net", []provider.Participant{
		{UserID: "owner@s.whatsapp.net", Rank: provider.RankSuperAdmin},
		{UserID: "u1@s.whatsapp.net", Rank: provider.RankRegular},
		{UserID: "u2@s.whatsapp.net", Rank: provider.RankRegular},
	})

	if err := gp.UpdateParticipants(ctx, gid, provider.ParticipantPromote, []string{"u1@s.whatsapp.net"}); err != nil {
		t.Fatal(err)
	}

	rec, err := gp.Group(ctx, gid)
	if err != nil {
		t.Fatal(err)
	}
	ranks := map[string]provider.Rank{}
	for _, p := range rec.Participants {
		ranks[p.UserID] = p.Rank
	}
	if ranks["u1@s.whatsapp.net"] != provider.RankSuperAdmin {
		t.Errorf("u1 rank = %s, want %s", ranks["u1@s.whatsapp.net"], provider.RankSuperAdmin)
	}
	if ranks["u2@s.whatsapp.net"] != provider.RankRegular {
		t.Errorf("u2 rank changed to %s", ranks["u2@s.whatsapp.net"])
	}
	if ranks["owner@s.whatsapp.net"] != provider.RankSuperAdmin {
		t.Errorf("owner rank changed to %s", ranks["owner@s.whatsapp.net"])
	}
}

func TestParticipantUpdateUnknownChatIsNoop(t *testing.T) {
	st := testBackend(t)
	gp := NewGroupProjection(st, "s1", zap.NewNop())
	ctx := context.Background()

	if err := gp.UpdateParticipants(ctx, "nosuch@g.us", provider.ParticipantAdd, []string{"u@s.whatsapp.net"}); err != nil {
		t.Fatal(err)
	}
	rec, err := gp.Group(ctx, "nosuch@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("participant update fabricated a chat: %+v", rec)
	}
}

// Redelivering the same message id must leave exactly one record.
func TestMessageRedeliveryIsIdempotent(t *testing.T) {
	st := testBackend(t)
	mp := NewMessageProjection(st, "s1", zap.NewNop())
	ctx := context.Background()

	msg := provider.MessageInfo{
		ID:        "MSG1",
		ChatID:    "111@s.whatsapp.net",
		FromMe:    false,
		Kind:      "conversation",
		Content:   map[string]any{"conversation": "hi"},
		Timestamp: 1700000123,
	}
	if err := mp.UpsertMessages(ctx, []provider.MessageInfo{msg}); err != nil {
		t.Fatal(err)
	}
	if err := mp.UpsertMessages(ctx, []provider.MessageInfo{msg}); err != nil {
		t.Fatal(err)
	}

	recs, err := mp.Messages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("redelivery produced %d records, want 1", len(recs))
	}
	if recs[0].ChatID != "111@s.whatsapp.net" || recs[0].Timestamp != 1700000123 {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestMessageDeleteIsSoft(t *testing.T) {
	st := testBackend(t)
	mp := NewMessageProjection(st, "s1", zap.NewNop())
	ctx := context.Background()

	if err := mp.UpsertMessages(ctx, []provider.MessageInfo{{ID: "MSG1", ChatID: "c@g.us", Timestamp: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := mp.DeleteMessages(ctx, []string{"MSG1"}); err != nil {
		t.Fatal(err)
	}
	rec, err := mp.Message(ctx, "MSG1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || !rec.Deleted {
		t.Fatalf("message not soft-deleted: %+v", rec)
	}
}

func TestEnsureIDGenerates(t *testing.T) {
	a, b := ensureID(""), ensureID("")
	if a == "" || b == "" || a == b {
		t.Errorf("generated ids %q, %q must be distinct and non-empty", a, b)
	}
	if got := ensureID("fixed"); got != "fixed" {
		t.Errorf("ensureID(fixed) = %q", got)
	}
}
