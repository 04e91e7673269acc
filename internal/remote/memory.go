package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is a goroutine-safe in-memory Store with the same observable
// semantics as the Redis adapter: client-ID idempotency, grow-only set
// merges, membership-filtered change streams, and a monotonic server
// clock. It is the reference implementation used by tests and doubles as
// an injectable failure source.
type Memory struct {
	mu        sync.Mutex
	docs      map[string]map[string][]byte // collection -> id -> doc JSON
	sets      map[string]map[string]bool   // collection/id/field -> member set
	clientIDs map[string]string            // collection/clientID -> remote ID
	subs      []*memorySub
	clock     int64
	putErr    error
	putCalls  int
}

type memorySub struct {
	collection string
	memberID   string
	ch         chan Change
	done       <-chan struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:      make(map[string]map[string][]byte),
		sets:      make(map[string]map[string]bool),
		clientIDs: make(map[string]string),
		clock:     1000,
	}
}

// FailPuts makes every subsequent Put return err; nil restores success.
func (m *Memory) FailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

// PutCalls returns how many Put operations have been attempted.
func (m *Memory) PutCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCalls
}

// Ping implements Store and always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) tick() int64 {
	m.clock += 1000
	return m.clock
}

// Subscribe implements Store.
func (m *Memory) Subscribe(ctx context.Context, collection, memberID string) (<-chan Change, error) {
	sub := &memorySub{
		collection: collection,
		memberID:   memberID,
		ch:         make(chan Change, 64),
		done:       ctx.Done(),
	}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, s := range m.subs {
			if s == sub {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

// PutMessage implements Store.
func (m *Memory) PutMessage(ctx context.Context, doc *MessageDoc) (*PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.putErr != nil {
		return nil, m.putErr
	}

	id := doc.ID
	if id == "" {
		id = m.resolveIDLocked(CollMessages, doc.ClientID)
	}
	ts := m.tick()

	stored := *doc
	stored.ID = id
	stored.ServerTs = ts
	stored.ReadBy = m.mergeSetLocked(CollMessages, id, "read_by", doc.ReadBy)
	stored.DeliveredTo = m.mergeSetLocked(CollMessages, id, "delivered_to", doc.DeliveredTo)

	members := m.mergeSetLocked(CollConversations, doc.ConversationID, "participant_ids", nil)
	m.writeDocLocked(CollMessages, id, ts, members, &stored)
	return &PutResult{ID: id, ServerTs: ts}, nil
}

// PutConversation implements Store.
func (m *Memory) PutConversation(ctx context.Context, doc *ConversationDoc) (*PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.putErr != nil {
		return nil, m.putErr
	}

	id := doc.ID
	if id == "" {
		id = m.resolveIDLocked(CollConversations, doc.ClientID)
	}
	ts := m.tick()

	stored := *doc
	stored.ID = id
	stored.ServerTs = ts
	stored.ParticipantIDs = m.mergeSetLocked(CollConversations, id, "participant_ids", doc.ParticipantIDs)

	m.writeDocLocked(CollConversations, id, ts, stored.ParticipantIDs, &stored)
	return &PutResult{ID: id, ServerTs: ts}, nil
}

// PutUser implements Store.
func (m *Memory) PutUser(ctx context.Context, doc *UserDoc) (*PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.putErr != nil {
		return nil, m.putErr
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("put user: missing id")
	}
	ts := m.tick()
	stored := *doc
	stored.ServerTs = ts
	m.writeDocLocked(CollUsers, doc.ID, ts, nil, &stored)
	return &PutResult{ID: doc.ID, ServerTs: ts}, nil
}

// BatchPutMessages implements Store.
func (m *Memory) BatchPutMessages(ctx context.Context, docs []*MessageDoc) ([]*PutResult, error) {
	results := make([]*PutResult, 0, len(docs))
	for _, doc := range docs {
		res, err := m.PutMessage(ctx, doc)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// AddToSet implements Store.
func (m *Memory) AddToSet(ctx context.Context, collection, id, field string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mergeSetLocked(collection, id, field, members)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if coll, ok := m.docs[collection]; ok {
		delete(coll, id)
	}
	m.broadcastLocked(Change{
		Type:       ChangeDelete,
		Collection: collection,
		ID:         id,
		ServerTs:   m.tick(),
	})
	return nil
}

func (m *Memory) resolveIDLocked(collection, clientID string) string {
	if clientID == "" {
		return uuid.New().String()
	}
	key := collection + "/" + clientID
	if id, ok := m.clientIDs[key]; ok {
		return id
	}
	id := uuid.New().String()
	m.clientIDs[key] = id
	return id
}

func (m *Memory) mergeSetLocked(collection, id, field string, members []string) []string {
	key := collection + "/" + id + "/" + field
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]bool)
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = true
	}
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out
}

func (m *Memory) writeDocLocked(collection, id string, ts int64, members []string, doc any) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return
	}
	coll, ok := m.docs[collection]
	if !ok {
		coll = make(map[string][]byte)
		m.docs[collection] = coll
	}
	changeType := ChangeInsert
	if _, existed := coll[id]; existed {
		changeType = ChangeUpdate
	}
	coll[id] = payload
	m.broadcastLocked(Change{
		Type:       changeType,
		Collection: collection,
		ID:         id,
		ServerTs:   ts,
		Members:    members,
		Payload:    payload,
	})
}

func (m *Memory) broadcastLocked(ch Change) {
	for _, sub := range m.subs {
		if sub.collection != ch.Collection {
			continue
		}
		if sub.memberID != "" && len(ch.Members) > 0 && !memberIn(ch.Members, sub.memberID) {
			continue
		}
		select {
		case sub.ch <- ch:
		default:
		}
	}
}

// Doc returns the stored JSON for a document, nil when absent. Test helper.
func (m *Memory) Doc(collection, id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[collection][id]
}

// DocCount returns how many documents a collection holds. Test helper.
func (m *Memory) DocCount(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[collection])
}
