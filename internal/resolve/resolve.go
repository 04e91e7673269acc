// Package resolve implements last-write-wins conflict resolution between a
// local record and an incoming remote-confirmed record. All functions are
// pure: the same inputs always produce the same output, which keeps
// resolution safe to replay after a crash.
package resolve

import "github.com/matbarbosa/syncd/internal/store"

// Verdict reports which side's content won a resolution.
type Verdict string

const (
	RemoteWins Verdict = "remote"
	LocalWins  Verdict = "local"
)

// Message resolves a local message against an incoming remote copy of the
// same logical message.
//
// Timestamps: the incoming side uses its server-confirmed timestamp; the
// local side uses its last confirmed server timestamp, falling back to the
// client-observed timestamp for records never yet synced. Strictly newer
// wins; an exact tie goes to remote. When neither side has any timestamp
// the local record is kept pending so nothing is silently discarded.
//
// Regardless of the winner, the delivery status only moves up the ladder
// and the reader/delivered sets merge by union — both are grow-only.
func Message(local, incoming store.Message) (store.Message, Verdict) {
	localTs := local.ServerTs
	if localTs == 0 {
		localTs = local.ClientTs
	}
	remoteTs := incoming.ServerTs

	var out store.Message
	var verdict Verdict
	if remoteTs >= localTs && remoteTs != 0 {
		out = incoming
		verdict = RemoteWins
		out.LocalID = local.LocalID
		if out.RemoteID == "" {
			out.RemoteID = local.RemoteID
		}
		out.SyncStatus = store.SyncSynced
	} else {
		out = local
		verdict = LocalWins
		if out.RemoteID == "" {
			out.RemoteID = incoming.RemoteID
		}
		out.SyncStatus = store.SyncPending
		out.RetryCount = 0
	}

	out.Status = store.MaxMessageStatus(local.Status, incoming.Status)
	out.ReadBy = store.UnionIDs(local.ReadBy, incoming.ReadBy)
	out.DeliveredTo = store.UnionIDs(local.DeliveredTo, incoming.DeliveredTo)
	return out, verdict
}

// Conversation resolves a local conversation against an incoming remote
// copy. Comparison uses updated-at, falling back to created-at on either
// side when absent; the winning side replaces the whole record rather than
// merging per field. Tie goes to remote.
func Conversation(local, incoming store.Conversation) (store.Conversation, Verdict) {
	localTs := local.UpdatedAt
	if localTs == 0 {
		localTs = local.CreatedAt
	}
	remoteTs := incoming.UpdatedAt
	if remoteTs == 0 {
		remoteTs = incoming.CreatedAt
	}

	if remoteTs >= localTs && remoteTs != 0 {
		out := incoming
		out.LocalID = local.LocalID
		if out.RemoteID == "" {
			out.RemoteID = local.RemoteID
		}
		out.SyncStatus = store.SyncSynced
		return out, RemoteWins
	}

	out := local
	if out.RemoteID == "" {
		out.RemoteID = incoming.RemoteID
	}
	out.SyncStatus = store.SyncPending
	out.RetryCount = 0
	return out, LocalWins
}

// User resolves a local user against an incoming remote copy. Presence is
// server-authoritative: online and last-seen always take the remote value,
// whichever side wins the profile comparison. Profile fields follow the
// same timestamp rule as the other entities. The verdict reports the
// profile decision.
func User(local, incoming store.User) (store.User, Verdict) {
	localTs := local.UpdatedAt
	if localTs == 0 {
		localTs = local.CreatedAt
	}
	remoteTs := incoming.UpdatedAt
	if remoteTs == 0 {
		remoteTs = incoming.CreatedAt
	}

	var out store.User
	var verdict Verdict
	if remoteTs >= localTs && remoteTs != 0 {
		out = incoming
		verdict = RemoteWins
		out.SyncStatus = store.SyncSynced
	} else {
		out = local
		verdict = LocalWins
		out.SyncStatus = store.SyncPending
		out.RetryCount = 0
		out.ServerTs = local.ServerTs
	}

	out.Online = incoming.Online
	out.LastSeen = incoming.LastSeen
	return out, verdict
}
