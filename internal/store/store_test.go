package store

import (
	"path/filepath"
	"testing"
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

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	first, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !first.Changed {
		t.Error("first migration should apply changes")
	}

	second, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if second.Changed {
		t.Error("second migration should be a no-op")
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "c1", MsgID: "m1", SenderID: "u2", Content: "v1", Status: "delivered", Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Content = "v2"
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(msgs))
	}
	if msgs[0].Content != "v2" {
		t.Errorf("content = %q, want v2 (updated)", msgs[0].Content)
	}
}

func TestUpsertBatch(t *testing.T) {
	db := testDB(t)

	msgs := []*Message{
		{ConversationID: "a", MsgID: "m1", SenderID: "u2", Content: "one", Timestamp: 1000},
		{ConversationID: "a", MsgID: "m2", SenderID: "u2", Content: "two", Timestamp: 2000},
		{ConversationID: "b", MsgID: "m3", SenderID: "u3", Content: "three", Timestamp: 3000},
	}
	if err := db.UpsertBatch(msgs); err != nil {
		t.Fatal(err)
	}
	// Twice: the batch path shares the idempotence guarantee.
	if err := db.UpsertBatch(msgs); err != nil {
		t.Fatal(err)
	}

	msgsA, _ := db.ListMessages("a", 0, 10)
	msgsB, _ := db.ListMessages("b", 0, 10)
	if len(msgsA) != 2 || len(msgsB) != 1 {
		t.Errorf("got %d+%d messages, want 2+1", len(msgsA), len(msgsB))
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	// Sorted by last message, descending: b (3000) first.
	if convs[0].ID != "b" || convs[0].LastMessageAt != 3000 {
		t.Errorf("convs[0] = %+v, want b at 3000", convs[0])
	}
	if convs[1].LastMessagePreview != "two" {
		t.Errorf("preview = %q, want newest message's content", convs[1].LastMessagePreview)
	}
}

func TestListMessagesKeysetPagination(t *testing.T) {
	db := testDB(t)

	for i := int64(1); i <= 5; i++ {
		if err := db.UpsertMessage(&Message{
			ConversationID: "c1", MsgID: string(rune('a' + i)), SenderID: "u2",
			Content: "msg", Timestamp: i * 1000,
		}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("c1", 4000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("page len = %d, want 2", len(page))
	}
	if page[0].Timestamp != 3000 || page[1].Timestamp != 2000 {
		t.Errorf("page timestamps = %d, %d; want 3000, 2000", page[0].Timestamp, page[1].Timestamp)
	}
}

func TestSetMessageStatus(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "c1", MsgID: "m1", SenderID: "me", Content: "hi", Status: "sent", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMessageStatus("c1", "m1", "read"); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.ListMessages("c1", 0, 10)
	if msgs[0].Status != "read" {
		t.Errorf("status = %q, want read", msgs[0].Status)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	db := testDB(t)

	c := &Conversation{ID: "c1", PeerID: "landlord-9", ListingID: "lst-42", UnreadCount: 2, LastMessageAt: 1000, LastMessagePreview: "hey"}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.PeerID != "landlord-9" || got.ListingID != "lst-42" {
		t.Errorf("conversation = %+v", got)
	}

	missing, err := db.GetConversation("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("unknown conversation should return nil")
	}
}

func TestCheckpoints(t *testing.T) {
	db := testDB(t)

	if ts, err := db.LastSyncedAt("c1"); err != nil || ts != 0 {
		t.Fatalf("initial watermark = %d, %v; want 0, nil", ts, err)
	}
	if err := db.SetLastSyncedAt("c1", 123456); err != nil {
		t.Fatal(err)
	}
	if ts, _ := db.LastSyncedAt("c1"); ts != 123456 {
		t.Errorf("watermark = %d, want 123456", ts)
	}

	if err := db.SetReadWatermark("c1", 99); err != nil {
		t.Fatal(err)
	}
	if ts, _ := db.ReadWatermark("c1"); ts != 99 {
		t.Errorf("read watermark = %d, want 99", ts)
	}
	// Distinct keys per conversation.
	if ts, _ := db.LastSyncedAt("c2"); ts != 0 {
		t.Errorf("c2 watermark = %d, want 0", ts)
	}
}
