// Package store is the durable side of a post: messages are written here
// before anything is announced to channel peers.
package store

import (
	"context"
	"errors"

	"github.com/DevelopmentBelt/angcord-relay/src/types"
)

// ErrInvalidMessage is returned when a message is missing its channel,
// author, or text.
var ErrInvalidMessage = errors.New("invalid message")

// MaxListLimit caps how many recent messages one fetch may return.
const MaxListLimit = 100

// MessageStore persists channel messages. The relay core depends only on
// Create's success and the canonical message it returns.
type MessageStore interface {
	Create(ctx context.Context, channelID types.ChannelID, author types.UserID, text string) (types.PersistedMessage, error)
	ListRecent(ctx context.Context, channelID types.ChannelID, limit int) ([]types.PersistedMessage, error)
}
