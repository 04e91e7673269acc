package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/matbarbosa/syncd/internal/errs"
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

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
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

func TestInsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{
		LocalID: "l1", ConversationID: "c1", SenderID: "u1", Body: "hello",
		ClientTs: 1000, Status: StatusSending,
		SyncMeta: SyncMeta{SyncStatus: SyncPending},
	}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	// Replaying the insert must not create a second record.
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent insert)", len(msgs))
	}
}

func TestGetMessageByEitherID(t *testing.T) {
	db := testDB(t)

	m := &Message{
		LocalID: "l1", RemoteID: "r1", ConversationID: "c1", Body: "hi",
		ClientTs: 1000, Status: StatusSent,
		SyncMeta: SyncMeta{SyncStatus: SyncSynced, ServerTs: 1500},
	}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}

	byLocal, err := db.GetMessage("l1")
	if err != nil {
		t.Fatal(err)
	}
	byRemote, err := db.GetMessage("r1")
	if err != nil {
		t.Fatal(err)
	}
	if byLocal == nil || byRemote == nil {
		t.Fatal("message not found by one of its IDs")
	}
	if byLocal.LocalID != byRemote.LocalID {
		t.Error("local and remote ID resolve to different records")
	}

	missing, err := db.GetMessage("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing message")
	}
}

func TestRemoteIDImmutable(t *testing.T) {
	db := testDB(t)

	m := &Message{LocalID: "l1", ConversationID: "c1", ClientTs: 1000, Status: StatusSending, SyncMeta: SyncMeta{SyncStatus: SyncPending}}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageSynced("l1", "r1", 2000); err != nil {
		t.Fatal(err)
	}
	// A later sync confirmation must not replace the mapping.
	if err := db.MarkMessageSynced("l1", "r-other", 3000); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("l1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RemoteID != "r1" {
		t.Errorf("remote_id = %q, want r1 (immutable once set)", got.RemoteID)
	}
	if got.ServerTs != 3000 {
		t.Errorf("server_ts = %d, want 3000", got.ServerTs)
	}
}

func TestMarkSyncedAdvancesSendingToSent(t *testing.T) {
	db := testDB(t)

	m := &Message{LocalID: "l1", ConversationID: "c1", ClientTs: 1000, Status: StatusSending, SyncMeta: SyncMeta{SyncStatus: SyncPending}}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageSynced("l1", "r1", 2000); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("l1")
	if got.Status != StatusSent {
		t.Errorf("status = %q, want sent", got.Status)
	}
	if got.SyncStatus != SyncSynced {
		t.Errorf("sync_status = %q, want synced", got.SyncStatus)
	}

	// A record already past sent keeps its status.
	m2 := &Message{LocalID: "l2", ConversationID: "c1", ClientTs: 1001, Status: StatusRead, SyncMeta: SyncMeta{SyncStatus: SyncPending}}
	if err := db.InsertMessage(m2); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageSynced("l2", "r2", 2001); err != nil {
		t.Fatal(err)
	}
	got2, _ := db.GetMessage("l2")
	if got2.Status != StatusRead {
		t.Errorf("status = %q, want read (no regression)", got2.Status)
	}
}

func TestAdvanceMessageStatusMonotonic(t *testing.T) {
	db := testDB(t)

	m := &Message{LocalID: "l1", ConversationID: "c1", ClientTs: 1000, Status: StatusDelivered, SyncMeta: SyncMeta{SyncStatus: SyncSynced, ServerTs: 500}}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}

	advanced, err := db.AdvanceMessageStatus("l1", StatusSent)
	if err != nil {
		t.Fatal(err)
	}
	if advanced {
		t.Error("delivered -> sent should not advance")
	}
	got, _ := db.GetMessage("l1")
	if got.Status != StatusDelivered {
		t.Errorf("status = %q, want delivered (regression blocked)", got.Status)
	}

	advanced, err = db.AdvanceMessageStatus("l1", StatusRead)
	if err != nil {
		t.Fatal(err)
	}
	if !advanced {
		t.Error("delivered -> read should advance")
	}
	got, _ = db.GetMessage("l1")
	if got.Status != StatusRead {
		t.Errorf("status = %q, want read", got.Status)
	}
	if got.SyncStatus != SyncPending {
		t.Errorf("sync_status = %q, want pending after advance", got.SyncStatus)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 after fresh local write", got.RetryCount)
	}
}

func TestAddMessageReaders(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"l1", "l2"} {
		m := &Message{LocalID: id, ConversationID: "c1", ClientTs: 1000, Status: StatusDelivered, SyncMeta: SyncMeta{SyncStatus: SyncSynced, ServerTs: 500}}
		if err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.AddMessageReaders([]string{"l1", "l2", "missing"}, "reader1"); err != nil {
		t.Fatal(err)
	}
	// Adding the same reader again must not duplicate or re-mark.
	if err := db.AddMessageReaders([]string{"l1"}, "reader1"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessage("l1")
	if len(got.ReadBy) != 1 || got.ReadBy[0] != "reader1" {
		t.Errorf("read_by = %v, want [reader1]", got.ReadBy)
	}
	if got.Status != StatusRead {
		t.Errorf("status = %q, want read", got.Status)
	}
	if got.SyncStatus != SyncPending {
		t.Errorf("sync_status = %q, want pending", got.SyncStatus)
	}
}

func TestPendingMessagesOrderedOldestFirst(t *testing.T) {
	db := testDB(t)

	ts := []int64{3000, 1000, 2000}
	for i, clientTs := range ts {
		m := &Message{
			LocalID: string(rune('a' + i)), ConversationID: "c1", ClientTs: clientTs,
			Status: StatusSending, SyncMeta: SyncMeta{SyncStatus: SyncPending},
		}
		if err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	// A synced record must not appear.
	synced := &Message{LocalID: "z", ConversationID: "c1", ClientTs: 500, Status: StatusSent, SyncMeta: SyncMeta{SyncStatus: SyncSynced, ServerTs: 600}}
	if err := db.InsertMessage(synced); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending, want 3", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].ClientTs < pending[i-1].ClientTs {
			t.Errorf("pending not ordered oldest-first: %v", pending)
		}
	}
}

func TestMarkFailedAndReset(t *testing.T) {
	db := testDB(t)

	m := &Message{LocalID: "l1", ConversationID: "c1", ClientTs: 1000, Status: StatusSending, SyncMeta: SyncMeta{SyncStatus: SyncPending}}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkMessageFailed("l1", 5000); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageFailed("l1", 6000); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("l1")
	if got.SyncStatus != SyncFailed || got.RetryCount != 2 || got.LastSyncAttempt != 6000 {
		t.Errorf("after failures: %+v", got.SyncMeta)
	}

	if err := db.ResetMessageForRetry("l1"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessage("l1")
	if got.SyncStatus != SyncPending || got.RetryCount != 0 {
		t.Errorf("after reset: %+v", got.SyncMeta)
	}

	// Resetting a non-failed record reports not found.
	if err := db.ResetMessageForRetry("l1"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("reset of pending record: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{LocalID: "l1", RemoteID: "r1", ConversationID: "c1", ClientTs: 1000, Status: StatusSent, SyncMeta: SyncMeta{SyncStatus: SyncSynced, ServerTs: 1}}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage("r1"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMessage("r1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("l1")
	if got != nil {
		t.Error("message still present after delete")
	}
}

func TestConversationUpsertAndLastMessage(t *testing.T) {
	db := testDB(t)

	c := &Conversation{
		LocalID: "c1", Kind: KindGroup,
		ParticipantIDs: []string{"u1", "u2"},
		Participants:   map[string]Participant{"u1": {Name: "Ana"}, "u2": {Name: "Bea"}},
		Name:           "team", CreatorID: "u1",
		CreatedAt: 1000, UpdatedAt: 1000,
		SyncMeta: SyncMeta{SyncStatus: SyncPending},
	}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateLastMessage("c1", "hello", "u2", 2000); err != nil {
		t.Fatal(err)
	}
	// An older summary must not win.
	if err := db.UpdateLastMessage("c1", "stale", "u1", 1500); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessageBody != "hello" || got.LastMessageTs != 2000 {
		t.Errorf("last message = %q@%d, want hello@2000", got.LastMessageBody, got.LastMessageTs)
	}
	if got.Participants["u2"].Name != "Bea" {
		t.Errorf("participants did not round-trip: %v", got.Participants)
	}
}

func TestListConversationsOrder(t *testing.T) {
	db := testDB(t)

	for i, ts := range []int64{1000, 3000, 2000} {
		c := &Conversation{
			LocalID: string(rune('a' + i)), Kind: KindDirect, CreatedAt: 1, UpdatedAt: 1,
			LastMessageTs: ts, SyncMeta: SyncMeta{SyncStatus: SyncSynced, ServerTs: 1},
		}
		if err := db.UpsertConversation(c); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 3 {
		t.Fatalf("got %d conversations, want 3", len(convs))
	}
	if convs[0].LastMessageTs != 3000 {
		t.Errorf("first conversation ts = %d, want 3000 (newest first)", convs[0].LastMessageTs)
	}
}

func TestUserPresenceAndProfile(t *testing.T) {
	db := testDB(t)

	u := &User{
		ID: "u1", Email: "ana@example.com", DisplayName: "Ana",
		CreatedAt: 1000, UpdatedAt: 1000,
		SyncMeta: SyncMeta{SyncStatus: SyncSynced, ServerTs: 1000},
	}
	if err := db.UpsertUser(u); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdatePresence("u1", true, 2000); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetUser("u1")
	if !got.Online || got.LastSeen != 2000 {
		t.Errorf("presence = %v@%d, want online@2000", got.Online, got.LastSeen)
	}
	if got.SyncStatus != SyncPending {
		t.Errorf("sync_status = %q, want pending", got.SyncStatus)
	}

	if err := db.UpdateProfile("u1", "Ana Maria", "http://img", 3000); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetUser("u1")
	if got.DisplayName != "Ana Maria" || got.UpdatedAt != 3000 {
		t.Errorf("profile = %q@%d, want Ana Maria@3000", got.DisplayName, got.UpdatedAt)
	}

	if err := db.UpdatePresence("missing", true, 1); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("presence for missing user: err = %v, want ErrNotFound", err)
	}
}
