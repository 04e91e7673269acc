// Package convert translates between local store records and the wire
// documents exchanged with the remote store.
package convert

import (
	"github.com/matbarbosa/syncd/internal/remote"
	"github.com/matbarbosa/syncd/internal/store"
)

// MessageToDoc builds the wire document for a local message. The local ID
// travels as the client ID so the remote store can deduplicate resends.
func MessageToDoc(m *store.Message) *remote.MessageDoc {
	return &remote.MessageDoc{
		ID:             m.RemoteID,
		ClientID:       m.LocalID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Body:           m.Body,
		ClientTs:       m.ClientTs,
		Status:         string(m.Status),
		ReadBy:         m.ReadBy,
		DeliveredTo:    m.DeliveredTo,
	}
}

// MessageFromDoc builds the local record for an incoming wire document.
// The result is remote-confirmed: synced, with the server timestamp set.
// When the document carries no client ID (authored before this device saw
// it), the remote ID doubles as the local identity.
func MessageFromDoc(doc *remote.MessageDoc) store.Message {
	localID := doc.ClientID
	if localID == "" {
		localID = doc.ID
	}
	return store.Message{
		LocalID:        localID,
		RemoteID:       doc.ID,
		ConversationID: doc.ConversationID,
		SenderID:       doc.SenderID,
		SenderName:     doc.SenderName,
		Body:           doc.Body,
		ClientTs:       doc.ClientTs,
		Status:         store.MessageStatus(doc.Status),
		ReadBy:         doc.ReadBy,
		DeliveredTo:    doc.DeliveredTo,
		SyncMeta: store.SyncMeta{
			SyncStatus: store.SyncSynced,
			ServerTs:   doc.ServerTs,
		},
	}
}

// ConversationToDoc builds the wire document for a local conversation.
func ConversationToDoc(c *store.Conversation) *remote.ConversationDoc {
	var members map[string]remote.Member
	if len(c.Participants) > 0 {
		members = make(map[string]remote.Member, len(c.Participants))
		for id, p := range c.Participants {
			members[id] = remote.Member{Name: p.Name, AvatarURL: p.AvatarURL}
		}
	}
	return &remote.ConversationDoc{
		ID:                  c.RemoteID,
		ClientID:            c.LocalID,
		Kind:                string(c.Kind),
		ParticipantIDs:      c.ParticipantIDs,
		Participants:        members,
		Name:                c.Name,
		ImageURL:            c.ImageURL,
		CreatorID:           c.CreatorID,
		LastMessageBody:     c.LastMessageBody,
		LastMessageSenderID: c.LastMessageSenderID,
		LastMessageTs:       c.LastMessageTs,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

// ConversationFromDoc builds the local record for an incoming document.
func ConversationFromDoc(doc *remote.ConversationDoc) store.Conversation {
	localID := doc.ClientID
	if localID == "" {
		localID = doc.ID
	}
	var participants map[string]store.Participant
	if len(doc.Participants) > 0 {
		participants = make(map[string]store.Participant, len(doc.Participants))
		for id, m := range doc.Participants {
			participants[id] = store.Participant{Name: m.Name, AvatarURL: m.AvatarURL}
		}
	}
	return store.Conversation{
		LocalID:             localID,
		RemoteID:            doc.ID,
		Kind:                store.ConversationKind(doc.Kind),
		ParticipantIDs:      doc.ParticipantIDs,
		Participants:        participants,
		Name:                doc.Name,
		ImageURL:            doc.ImageURL,
		CreatorID:           doc.CreatorID,
		LastMessageBody:     doc.LastMessageBody,
		LastMessageSenderID: doc.LastMessageSenderID,
		LastMessageTs:       doc.LastMessageTs,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
		SyncMeta: store.SyncMeta{
			SyncStatus: store.SyncSynced,
			ServerTs:   doc.ServerTs,
		},
	}
}

// UserToDoc builds the wire document for a local user record.
func UserToDoc(u *store.User) *remote.UserDoc {
	return &remote.UserDoc{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Online:      u.Online,
		LastSeen:    u.LastSeen,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

// UserFromDoc builds the local record for an incoming user document.
func UserFromDoc(doc *remote.UserDoc) store.User {
	return store.User{
		ID:          doc.ID,
		Email:       doc.Email,
		DisplayName: doc.DisplayName,
		AvatarURL:   doc.AvatarURL,
		Online:      doc.Online,
		LastSeen:    doc.LastSeen,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		SyncMeta: store.SyncMeta{
			SyncStatus: store.SyncSynced,
			ServerTs:   doc.ServerTs,
		},
	}
}
