package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatsync/internal/remote"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func putConv(t *testing.T, db *DB, id string, updatedAt int64, participants ...string) {
	t.Helper()
	c := &remote.Conversation{ID: id, Participants: participants, UpdatedAt: updatedAt}
	if err := db.PutConversation(context.Background(), c); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestSchemaVersionBeforeMigrate(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	res, err := db.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != 0 || res.Dirty {
		t.Errorf("fresh schema = %+v, want version 0", res)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert conversation", "INSERT INTO conversations (id, doc, updated_at) VALUES (?, ?, ?)", []any{"c1", []byte(`{}`), 1}},
		{"insert membership", "INSERT INTO memberships (user_id, conversation_id, created_at) VALUES (?, ?, ?)", []any{"u", "c1", 1}},
		{"insert message", "INSERT INTO messages (conversation_id, id, doc, created_at) VALUES (?, ?, ?, ?)", []any{"c1", "m1", []byte(`{}`), 1}},
		{"insert presence", "INSERT INTO presence (user_id, doc, updated_at) VALUES (?, ?, ?)", []any{"u", []byte(`{}`), 1}},
		{"insert will", "INSERT INTO presence_wills (user_id, doc, created_at) VALUES (?, ?, ?)", []any{"u", []byte(`{}`), 1}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestConversationPutAndGet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	in := &remote.Conversation{
		ID:               "c1",
		Participants:     []string{"alice", "bob"},
		ParticipantNames: map[string]string{"bob": "Bob"},
		LastMessage:      "hey",
		UpdatedAt:        42,
	}
	if err := db.PutConversation(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "c1" || got.UpdatedAt != 42 || got.NameOf("bob") != "Bob" || len(got.Participants) != 2 {
		t.Errorf("got %+v", got)
	}

	missing, err := db.GetConversation(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetConversation(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestConversationEmptyParticipantsStaysValid(t *testing.T) {
	db := testDB(t)
	putConv(t, db, "c1", 1)
	got, err := db.GetConversation(context.Background(), "c1")
	if err != nil || got == nil {
		t.Fatalf("GetConversation() = %v, %v", got, err)
	}
}

func TestConversationMalformedDoc(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`INSERT INTO conversations (id, doc) VALUES ('bad', '{"participants": 3}')`); err != nil {
		t.Fatal(err)
	}
	_, err := db.GetConversation(context.Background(), "bad")
	if !errors.Is(err, remote.ErrMalformedRecord) {
		t.Errorf("err = %v, want ErrMalformedRecord", err)
	}
}

func TestSetTyping(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	putConv(t, db, "c1", 1, "alice", "bob")

	if err := db.SetTyping(ctx, "c1", "bob", true); err != nil {
		t.Fatal(err)
	}
	c, _ := db.GetConversation(ctx, "c1")
	if !c.Typing["bob"] {
		t.Errorf("typing = %v, want bob", c.Typing)
	}
	if err := db.SetTyping(ctx, "c1", "bob", false); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetConversation(ctx, "c1")
	if c.Typing["bob"] {
		t.Errorf("typing = %v, want cleared", c.Typing)
	}
	if err := db.SetTyping(ctx, "missing", "bob", true); err == nil {
		t.Error("SetTyping on a missing conversation should fail")
	}
}

func TestMemberships(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for _, id := range []string{"c2", "c1", "c2"} {
		if err := db.AddMembership(ctx, "alice", id); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.AddMembership(ctx, "bob", "c3"); err != nil {
		t.Fatal(err)
	}

	ids, err := db.Memberships(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Errorf("memberships = %v, want [c1 c2]", ids)
	}

	if err := db.RemoveMembership(ctx, "alice", "c1"); err != nil {
		t.Fatal(err)
	}
	ids, _ = db.Memberships(ctx, "alice")
	if len(ids) != 1 || ids[0] != "c2" {
		t.Errorf("memberships = %v, want [c2]", ids)
	}

	none, err := db.Memberships(ctx, "nobody")
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("Memberships(nobody) = %v, %v; want empty non-nil", none, err)
	}
}

func TestAppendMessageUpdatesConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	putConv(t, db, "c1", 10, "alice", "bob")

	m, err := db.AppendMessage(ctx, "c1", remote.Message{SenderID: "bob", Text: "hi", Timestamp: 500})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID == "" {
		t.Error("AppendMessage() should assign an id")
	}

	c, _ := db.GetConversation(ctx, "c1")
	if c.LastMessage != "hi" || c.LastMessageSenderID != "bob" || c.UpdatedAt != 500 {
		t.Errorf("conversation = %+v", c)
	}

	msgs, skipped, err := db.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID || msgs[0].Text != "hi" || len(skipped) != 0 {
		t.Errorf("messages = %+v, skipped = %v", msgs, skipped)
	}

	if _, err := db.AppendMessage(ctx, "missing", remote.Message{SenderID: "bob", Text: "x"}); err == nil {
		t.Error("AppendMessage to a missing conversation should fail")
	}
	if msgs, _, _ := db.ListMessages(ctx, "missing"); len(msgs) != 0 {
		t.Error("failed append left a message behind")
	}
}

func TestAppendMessageAlwaysAdvancesUpdatedAt(t *testing.T) {
	tests := []struct {
		name      string
		start     int64
		stamps    []int64
		wantAfter []int64
	}{
		{"newer timestamps", 10, []int64{500, 900}, []int64{500, 900}},
		{"equal timestamps", 10, []int64{5000, 5000}, []int64{5000, 5001}},
		{"timestamp at updatedAt", 5000, []int64{5000}, []int64{5001}},
		{"older timestamp", 5000, []int64{100}, []int64{5001}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			ctx := context.Background()
			putConv(t, db, "c1", tt.start, "alice", "bob")
			for i, ts := range tt.stamps {
				if _, err := db.AppendMessage(ctx, "c1", remote.Message{SenderID: "bob", Text: "hi", Timestamp: ts}); err != nil {
					t.Fatal(err)
				}
				c, err := db.GetConversation(ctx, "c1")
				if err != nil {
					t.Fatal(err)
				}
				if c.UpdatedAt != tt.wantAfter[i] {
					t.Errorf("append %d: updatedAt = %d, want %d", i, c.UpdatedAt, tt.wantAfter[i])
				}
			}
		})
	}
}

func TestListMessagesSkipsMalformed(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.PutMessageDoc(ctx, "c1", "good", []byte(`{"senderId":"bob","text":"ok","timestamp":5}`)); err != nil {
		t.Fatal(err)
	}
	if err := db.PutMessageDoc(ctx, "c1", "bad", []byte(`{"text":7}`)); err != nil {
		t.Fatal(err)
	}
	if err := db.PutMessageDoc(ctx, "c1", "pending", []byte(`{"senderId":"bob","text":"sending","timestamp":null}`)); err != nil {
		t.Fatal(err)
	}

	msgs, skipped, err := db.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("messages = %+v, want good and pending", msgs)
	}
	if len(skipped) != 1 || skipped[0] != "bad" {
		t.Errorf("skipped = %v, want [bad]", skipped)
	}
}

func TestApplyWill(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.PutPresence(ctx, remote.Presence{UserID: "alice", Online: true, LastSeen: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.PutWill(ctx, remote.Presence{UserID: "alice", Online: false, LastSeen: 2}); err != nil {
		t.Fatal(err)
	}

	applied, err := db.ApplyWill(ctx, "alice")
	if err != nil || !applied {
		t.Fatalf("ApplyWill() = %v, %v", applied, err)
	}
	doc, _ := db.PresenceDoc(ctx, "alice")
	p, err := remote.DecodePresence("alice", doc)
	if err != nil || p.Online || p.LastSeen != 2 {
		t.Errorf("presence after will = %+v, %v", p, err)
	}

	applied, err = db.ApplyWill(ctx, "alice")
	if err != nil || applied {
		t.Errorf("second ApplyWill() = %v, %v; want false, nil", applied, err)
	}
}
