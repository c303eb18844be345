package types

import "time"

// ChannelID names a conversation scope. Opaque to the relay.
type ChannelID = string

// UserID identifies the connected principal. Opaque and already
// authenticated by the time the relay sees it.
type UserID = string

// Frame is one WebSocket message: one transport message carries exactly
// one Frame, JSON-encoded.
type Frame struct {
	ChannelID   ChannelID `json:"channelId" validate:"required"`
	SenderID    UserID    `json:"senderUserId" validate:"required"`
	Text        string    `json:"text" validate:"required"`
	MessageID   string    `json:"messageId,omitempty"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
	SentAt      time.Time `json:"sentAt"`
}

// PersistedMessage is a message as the store returns it. The relay never
// mutates one; it only announces it after a successful write.
type PersistedMessage struct {
	ID        string    `json:"id"`
	ChannelID ChannelID `json:"channelId"`
	AuthorID  UserID    `json:"authorUserId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Frame builds the wire frame announced to channel peers for a persisted
// message. The store-assigned id wins over any client-supplied one.
func (m PersistedMessage) Frame() Frame {
	return Frame{
		ChannelID: m.ChannelID,
		SenderID:  m.AuthorID,
		Text:      m.Text,
		MessageID: m.ID,
		SentAt:    m.CreatedAt,
	}
}

// ConnInfo holds metadata about a registered connection.
type ConnInfo struct {
	ID           string    `json:"id"`
	ChannelID    ChannelID `json:"channelId"`
	UserID       UserID    `json:"userId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}
