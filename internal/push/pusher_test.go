package push

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matbarbosa/syncd/internal/bus"
	"github.com/matbarbosa/syncd/internal/netgate"
	"github.com/matbarbosa/syncd/internal/remote"
	"github.com/matbarbosa/syncd/internal/store"
	"go.uber.org/zap"
)

// chanWatcher feeds a test-controlled connectivity stream into the gate.
type chanWatcher struct {
	ch chan bool
}

func (w *chanWatcher) Watch(context.Context) (<-chan bool, error) {
	return w.ch, nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	db     *store.DB
	mem    *remote.Memory
	gate   *netgate.Gate
	bus    *bus.Bus
	pusher *Pusher
	net    *chanWatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := testDB(t)
	mem := remote.NewMemory()
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	w := &chanWatcher{ch: make(chan bool, 8)}
	gate := netgate.New(w, b, logger)
	if err := gate.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(gate.Stop)
	return &fixture{
		db:     db,
		mem:    mem,
		gate:   gate,
		bus:    b,
		pusher: New(db, mem, gate, b, logger, cfg),
		net:    w,
	}
}

func (f *fixture) goOnline(t *testing.T) {
	t.Helper()
	f.net.ch <- true
	deadline := time.Now().Add(time.Second)
	for !f.gate.Online() {
		if time.Now().After(deadline) {
			t.Fatal("gate never came online")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Consume the reconnect wake so manual Flush calls are deterministic.
	select {
	case <-f.gate.WakeC():
	default:
	}
}

func pendingMessage(t *testing.T, db *store.DB, localID string, clientTs int64) {
	t.Helper()
	m := &store.Message{
		LocalID: localID, ConversationID: "c1", SenderID: "u1", Body: "msg " + localID,
		ClientTs: clientTs, Status: store.StatusSending,
		SyncMeta: store.SyncMeta{SyncStatus: store.SyncPending},
	}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
}

func TestFlushSyncsPendingMessages(t *testing.T) {
	f := newFixture(t, Config{})
	f.goOnline(t)

	pendingMessage(t, f.db, "l1", 1000)
	f.pusher.Flush(context.Background())

	got, err := f.db.GetMessage("l1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != store.SyncSynced {
		t.Errorf("sync_status = %q, want synced", got.SyncStatus)
	}
	if got.RemoteID == "" || got.ServerTs == 0 {
		t.Errorf("remote identity not recorded: %+v", got.SyncMeta)
	}
	if got.Status != store.StatusSent {
		t.Errorf("status = %q, want sent after accepted push", got.Status)
	}
	if f.mem.DocCount(remote.CollMessages) != 1 {
		t.Errorf("remote doc count = %d, want 1", f.mem.DocCount(remote.CollMessages))
	}
}

func TestFlushOrdersOldestFirst(t *testing.T) {
	f := newFixture(t, Config{})
	f.goOnline(t)

	// Inserted newest-first; push order must follow client timestamps.
	pendingMessage(t, f.db, "newest", 3000)
	pendingMessage(t, f.db, "oldest", 1000)
	pendingMessage(t, f.db, "middle", 2000)

	f.pusher.Flush(context.Background())

	// The memory store's server clock is monotonic, so accept order shows
	// as ascending server timestamps.
	oldest, _ := f.db.GetMessage("oldest")
	middle, _ := f.db.GetMessage("middle")
	newest, _ := f.db.GetMessage("newest")
	if !(oldest.ServerTs < middle.ServerTs && middle.ServerTs < newest.ServerTs) {
		t.Errorf("push order wrong: oldest@%d middle@%d newest@%d",
			oldest.ServerTs, middle.ServerTs, newest.ServerTs)
	}
}

func TestFlushSkippedWhileOffline(t *testing.T) {
	f := newFixture(t, Config{})
	// Gate never reports online.

	pendingMessage(t, f.db, "l1", 1000)
	f.pusher.Flush(context.Background())

	if f.mem.PutCalls() != 0 {
		t.Errorf("put calls = %d, want 0 while offline", f.mem.PutCalls())
	}
	got, _ := f.db.GetMessage("l1")
	if got.SyncStatus != store.SyncPending {
		t.Errorf("sync_status = %q, want pending (no retry state consumed)", got.SyncStatus)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", got.RetryCount)
	}
}

func TestFailureMarksFailedWithBackoff(t *testing.T) {
	f := newFixture(t, Config{BackoffBase: 50 * time.Millisecond})
	f.goOnline(t)

	pendingMessage(t, f.db, "l1", 1000)
	f.mem.FailPuts(errors.New("quota exceeded"))

	f.pusher.Flush(context.Background())
	got, _ := f.db.GetMessage("l1")
	if got.SyncStatus != store.SyncFailed || got.RetryCount != 1 {
		t.Fatalf("after failure: %+v, want failed with 1 retry", got.SyncMeta)
	}

	// An immediate second pass must respect the backoff window.
	calls := f.mem.PutCalls()
	f.pusher.Flush(context.Background())
	if f.mem.PutCalls() != calls {
		t.Error("record retried before backoff elapsed")
	}

	// After the window the record is retried, and succeeds this time.
	f.mem.FailPuts(nil)
	time.Sleep(60 * time.Millisecond)
	f.pusher.Flush(context.Background())
	got, _ = f.db.GetMessage("l1")
	if got.SyncStatus != store.SyncSynced {
		t.Errorf("sync_status = %q, want synced after backoff retry", got.SyncStatus)
	}
}

func TestRetryCapLeavesRecordFailed(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2, BackoffBase: time.Millisecond})
	f.goOnline(t)

	pendingMessage(t, f.db, "l1", 1000)
	f.mem.FailPuts(errors.New("permission denied"))

	for i := 0; i < 4; i++ {
		f.pusher.Flush(context.Background())
		time.Sleep(10 * time.Millisecond)
	}

	got, _ := f.db.GetMessage("l1")
	if got.SyncStatus != store.SyncFailed {
		t.Fatalf("sync_status = %q, want failed", got.SyncStatus)
	}
	if got.RetryCount != 2 {
		t.Errorf("retry_count = %d, want capped at 2", got.RetryCount)
	}

	// A manual retry reset re-enters the cycle.
	f.mem.FailPuts(nil)
	if err := f.db.ResetMessageForRetry("l1"); err != nil {
		t.Fatal(err)
	}
	f.pusher.Flush(context.Background())
	got, _ = f.db.GetMessage("l1")
	if got.SyncStatus != store.SyncSynced {
		t.Errorf("sync_status = %q, want synced after manual retry", got.SyncStatus)
	}
}

func TestDuplicatePushIsNoOp(t *testing.T) {
	f := newFixture(t, Config{BackoffBase: time.Millisecond})
	f.goOnline(t)

	pendingMessage(t, f.db, "l1", 1000)
	f.pusher.Flush(context.Background())

	// Force the record pending again and re-push: the client ID maps to
	// the same remote document, so no duplicate appears.
	if _, err := f.db.AdvanceMessageStatus("l1", store.StatusRead); err != nil {
		t.Fatal(err)
	}
	f.pusher.Flush(context.Background())

	if f.mem.DocCount(remote.CollMessages) != 1 {
		t.Errorf("remote doc count = %d, want 1 (idempotent resend)", f.mem.DocCount(remote.CollMessages))
	}
	got, _ := f.db.GetMessage("l1")
	if got.SyncStatus != store.SyncSynced {
		t.Errorf("sync_status = %q, want synced", got.SyncStatus)
	}
}

func TestOfflineBacklogFlushesOnReconnect(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour})
	f.pusher.Start(context.Background())
	defer f.pusher.Stop()

	// Ten messages written while offline stay pending.
	for i := 0; i < 10; i++ {
		pendingMessage(t, f.db, string(rune('a'+i)), int64(1000+i))
	}
	pending, err := f.db.PendingMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 10 {
		t.Fatalf("pending = %d, want 10 while offline", len(pending))
	}

	// Reconnect: the gate's wake triggers a flush without waiting for the
	// hour-long periodic interval.
	f.net.ch <- true

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending, _ = f.db.PendingMessages()
		if len(pending) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) != 0 {
		t.Fatalf("%d records still pending after reconnect", len(pending))
	}
	if f.mem.DocCount(remote.CollMessages) != 10 {
		t.Errorf("remote doc count = %d, want 10 with no duplicates", f.mem.DocCount(remote.CollMessages))
	}
}

func TestFlushConversationsAndUsers(t *testing.T) {
	f := newFixture(t, Config{})
	f.goOnline(t)

	c := &store.Conversation{
		LocalID: "c1", Kind: store.KindDirect, ParticipantIDs: []string{"u1", "u2"},
		CreatedAt: 1000, UpdatedAt: 1000,
		SyncMeta: store.SyncMeta{SyncStatus: store.SyncPending},
	}
	if err := f.db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}
	u := &store.User{
		ID: "u1", DisplayName: "Ana", CreatedAt: 1000, UpdatedAt: 1000,
		SyncMeta: store.SyncMeta{SyncStatus: store.SyncPending},
	}
	if err := f.db.UpsertUser(u); err != nil {
		t.Fatal(err)
	}

	f.pusher.Flush(context.Background())

	gotC, _ := f.db.GetConversation("c1")
	if gotC.SyncStatus != store.SyncSynced || gotC.RemoteID == "" {
		t.Errorf("conversation not synced: %+v", gotC.SyncMeta)
	}
	gotU, _ := f.db.GetUser("u1")
	if gotU.SyncStatus != store.SyncSynced || gotU.ServerTs == 0 {
		t.Errorf("user not synced: %+v", gotU.SyncMeta)
	}
}
