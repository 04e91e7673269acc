package store

// SyncStatus tracks whether a local record has been confirmed by the remote
// store. The zero value is not valid; records are always written with an
// explicit status.
type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncPending  SyncStatus = "pending"
	SyncFailed   SyncStatus = "failed"
	SyncConflict SyncStatus = "conflict"
)

// MessageStatus is the delivery status ladder for a message. Transitions are
// monotonic: sending < sent < delivered < read, never backwards.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// MaxMessageStatus returns the further-advanced of two delivery statuses.
// Unknown statuses rank below sending.
func MaxMessageStatus(a, b MessageStatus) MessageStatus {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// ConversationKind distinguishes one-to-one chats from groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// SyncMeta is the sync bookkeeping carried by every local record.
// Timestamps are Unix milliseconds; zero means absent. ServerTs is the last
// timestamp confirmed by the remote store and is the only timestamp trusted
// for conflict comparison.
type SyncMeta struct {
	SyncStatus      SyncStatus
	RetryCount      int
	LastSyncAttempt int64
	ServerTs        int64
}

// Message is the local record for a chat message. LocalID is assigned at
// creation; RemoteID is assigned when the remote store first accepts the
// message and is immutable afterwards. Either ID resolves to the same record.
type Message struct {
	LocalID        string
	RemoteID       string
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	ClientTs       int64
	Status         MessageStatus
	ReadBy         []string
	DeliveredTo    []string
	SyncMeta
}

// Participant is the denormalized display info for a conversation member.
type Participant struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Conversation is the local record for a direct or group conversation.
// The last-message fields are a denormalized summary for list views.
type Conversation struct {
	LocalID             string
	RemoteID            string
	Kind                ConversationKind
	ParticipantIDs      []string
	Participants        map[string]Participant
	Name                string
	ImageURL            string
	CreatorID           string
	LastMessageBody     string
	LastMessageSenderID string
	LastMessageTs       int64
	CreatedAt           int64
	UpdatedAt           int64
	SyncMeta
}

// User is the local record for a user profile plus presence.
type User struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
	Online      bool
	LastSeen    int64
	CreatedAt   int64
	UpdatedAt   int64
	SyncMeta
}
