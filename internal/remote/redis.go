package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is the production Store adapter. Documents live as JSON values,
// set fields as native Redis sets merged with SADD, change notifications
// travel over pub/sub, and server timestamps come from the Redis clock so
// every replica compares against the same authority.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a Store backed by the given Redis client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func docKey(collection, id string) string {
	return fmt.Sprintf("syncd:%s:%s", collection, id)
}

func setKey(collection, id, field string) string {
	return fmt.Sprintf("syncd:%s:%s:%s", collection, id, field)
}

func clientIDKey(collection, clientID string) string {
	return fmt.Sprintf("syncd:clientid:%s:%s", collection, clientID)
}

func changeChannel(collection string) string {
	return fmt.Sprintf("syncd:changes:%s", collection)
}

// Ping reports store reachability; the network gate's watcher probes it.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// serverNow returns the Redis server clock in Unix milliseconds.
func (r *Redis) serverNow(ctx context.Context) (int64, error) {
	t, err := r.rdb.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("server time: %w", err)
	}
	return t.UnixMilli(), nil
}

// resolveID maps a client-generated ID to the canonical remote ID,
// allocating one on first contact. SETNX makes the mapping race-free:
// concurrent duplicate sends converge on a single remote document.
func (r *Redis) resolveID(ctx context.Context, collection, clientID string) (string, error) {
	if clientID == "" {
		return uuid.New().String(), nil
	}
	key := clientIDKey(collection, clientID)
	candidate := uuid.New().String()
	if err := r.rdb.SetNX(ctx, key, candidate, 0).Err(); err != nil {
		return "", fmt.Errorf("claim client id: %w", err)
	}
	id, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("resolve client id: %w", err)
	}
	return id, nil
}

// PutMessage implements Store.
func (r *Redis) PutMessage(ctx context.Context, doc *MessageDoc) (*PutResult, error) {
	id := doc.ID
	if id == "" {
		var err error
		id, err = r.resolveID(ctx, CollMessages, doc.ClientID)
		if err != nil {
			return nil, err
		}
	}
	ts, err := r.serverNow(ctx)
	if err != nil {
		return nil, err
	}

	// Merge set fields first so the stored JSON reflects the union.
	if len(doc.ReadBy) > 0 {
		if err := r.AddToSet(ctx, CollMessages, id, "read_by", doc.ReadBy...); err != nil {
			return nil, err
		}
	}
	if len(doc.DeliveredTo) > 0 {
		if err := r.AddToSet(ctx, CollMessages, id, "delivered_to", doc.DeliveredTo...); err != nil {
			return nil, err
		}
	}
	readBy, err := r.rdb.SMembers(ctx, setKey(CollMessages, id, "read_by")).Result()
	if err != nil {
		return nil, fmt.Errorf("read set: %w", err)
	}
	deliveredTo, err := r.rdb.SMembers(ctx, setKey(CollMessages, id, "delivered_to")).Result()
	if err != nil {
		return nil, fmt.Errorf("read set: %w", err)
	}

	stored := *doc
	stored.ID = id
	stored.ServerTs = ts
	stored.ReadBy = readBy
	stored.DeliveredTo = deliveredTo

	members, err := r.conversationMembers(ctx, doc.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := r.writeDoc(ctx, CollMessages, id, ts, members, &stored); err != nil {
		return nil, err
	}
	return &PutResult{ID: id, ServerTs: ts}, nil
}

// PutConversation implements Store.
func (r *Redis) PutConversation(ctx context.Context, doc *ConversationDoc) (*PutResult, error) {
	id := doc.ID
	if id == "" {
		var err error
		id, err = r.resolveID(ctx, CollConversations, doc.ClientID)
		if err != nil {
			return nil, err
		}
	}
	ts, err := r.serverNow(ctx)
	if err != nil {
		return nil, err
	}

	// Participant lists grow through the set primitive as well.
	if len(doc.ParticipantIDs) > 0 {
		if err := r.AddToSet(ctx, CollConversations, id, "participant_ids", doc.ParticipantIDs...); err != nil {
			return nil, err
		}
	}
	participants, err := r.rdb.SMembers(ctx, setKey(CollConversations, id, "participant_ids")).Result()
	if err != nil {
		return nil, fmt.Errorf("read set: %w", err)
	}

	stored := *doc
	stored.ID = id
	stored.ServerTs = ts
	stored.ParticipantIDs = participants

	if err := r.writeDoc(ctx, CollConversations, id, ts, participants, &stored); err != nil {
		return nil, err
	}
	return &PutResult{ID: id, ServerTs: ts}, nil
}

// PutUser implements Store. User documents are keyed by the stable user ID.
func (r *Redis) PutUser(ctx context.Context, doc *UserDoc) (*PutResult, error) {
	if doc.ID == "" {
		return nil, fmt.Errorf("put user: missing id")
	}
	ts, err := r.serverNow(ctx)
	if err != nil {
		return nil, err
	}
	stored := *doc
	stored.ServerTs = ts
	// User documents are globally visible; no membership filter.
	if err := r.writeDoc(ctx, CollUsers, doc.ID, ts, nil, &stored); err != nil {
		return nil, err
	}
	return &PutResult{ID: doc.ID, ServerTs: ts}, nil
}

// BatchPutMessages implements Store. The documents are written in order;
// each write is individually idempotent, so a partially-applied batch can
// simply be replayed.
func (r *Redis) BatchPutMessages(ctx context.Context, docs []*MessageDoc) ([]*PutResult, error) {
	results := make([]*PutResult, 0, len(docs))
	for _, doc := range docs {
		res, err := r.PutMessage(ctx, doc)
		if err != nil {
			return results, fmt.Errorf("batch put %q: %w", doc.ClientID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// AddToSet implements Store using SADD, the store's atomic merge primitive.
func (r *Redis) AddToSet(ctx context.Context, collection, id, field string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.rdb.SAdd(ctx, setKey(collection, id, field), args...).Err(); err != nil {
		return fmt.Errorf("add to set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	members, _ := r.docMembers(ctx, collection, id)
	if err := r.rdb.Del(ctx, docKey(collection, id)).Err(); err != nil {
		return fmt.Errorf("delete doc: %w", err)
	}
	ts, err := r.serverNow(ctx)
	if err != nil {
		return err
	}
	return r.publish(ctx, Change{
		Type:       ChangeDelete,
		Collection: collection,
		ID:         id,
		ServerTs:   ts,
		Members:    members,
	})
}

// Subscribe implements Store over Redis pub/sub. The returned channel
// closes when the underlying subscription drops or ctx is cancelled.
func (r *Redis) Subscribe(ctx context.Context, collection, memberID string) (<-chan Change, error) {
	pubsub := r.rdb.Subscribe(ctx, changeChannel(collection))
	// Force the subscription to establish so failures surface here, not
	// as a silent empty stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		msgs := pubsub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ch Change
				if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
					continue
				}
				if memberID != "" && len(ch.Members) > 0 && !memberIn(ch.Members, memberID) {
					continue
				}
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Redis) writeDoc(ctx context.Context, collection, id string, ts int64, members []string, doc any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode doc: %w", err)
	}
	existed, err := r.rdb.Exists(ctx, docKey(collection, id)).Result()
	if err != nil {
		return fmt.Errorf("check doc: %w", err)
	}
	if err := r.rdb.Set(ctx, docKey(collection, id), payload, 0).Err(); err != nil {
		return fmt.Errorf("write doc: %w", err)
	}
	changeType := ChangeInsert
	if existed > 0 {
		changeType = ChangeUpdate
	}
	return r.publish(ctx, Change{
		Type:       changeType,
		Collection: collection,
		ID:         id,
		ServerTs:   ts,
		Members:    members,
		Payload:    payload,
	})
}

func (r *Redis) publish(ctx context.Context, ch Change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := r.rdb.Publish(ctx, changeChannel(ch.Collection), payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// conversationMembers reads the participant set of a conversation so message
// changes can carry the membership filter.
func (r *Redis) conversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	if conversationID == "" {
		return nil, nil
	}
	members, err := r.rdb.SMembers(ctx, setKey(CollConversations, conversationID, "participant_ids")).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation members: %w", err)
	}
	return members, nil
}

func (r *Redis) docMembers(ctx context.Context, collection, id string) ([]string, error) {
	raw, err := r.rdb.Get(ctx, docKey(collection, id)).Result()
	if err != nil {
		return nil, err
	}
	switch collection {
	case CollMessages:
		var doc MessageDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, err
		}
		return r.conversationMembers(ctx, doc.ConversationID)
	case CollConversations:
		var doc ConversationDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, err
		}
		return doc.ParticipantIDs, nil
	default:
		return nil, nil
	}
}

func memberIn(members []string, id string) bool {
	for _, m := range members {
		if m == id {
			return true
		}
	}
	return false
}
