package bus

import "time"

// Event is a domain event published on the bus. Kind is a dot-separated
// name ("message.changed", "net.online") matched against subscriber
// namespace prefixes.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// RecordChange is the payload for entity change events
// ("message.changed", "conversation.changed", "user.changed").
type RecordChange struct {
	LocalID        string
	RemoteID       string
	ConversationID string // set for message changes only
}
