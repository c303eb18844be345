// Package post defines the semantics of posting a message: a durable
// write to the message store followed by a best-effort live announce.
// The two steps are ordered but not transactional.
package post

import (
	"context"
	"errors"

	"github.com/DevelopmentBelt/angcord-relay/src/store"
	"github.com/DevelopmentBelt/angcord-relay/src/types"
	"github.com/rs/zerolog"
)

var (
	// ErrPersistenceFailed means the store rejected the write. The post
	// failed; nothing was announced.
	ErrPersistenceFailed = errors.New("message persistence failed")

	// ErrAnnounceFailed means the message is durably stored but live
	// fanout was missed. Peers will see it on their next fetch.
	ErrAnnounceFailed = errors.New("message announce failed")
)

// Announcer delivers a frame to a channel's live members. Server-side
// this is the broadcast fanout; client-side it is the connection
// manager's send path.
type Announcer interface {
	Announce(ctx context.Context, frame types.Frame) error
}

// AnnouncerFunc adapts a function to the Announcer interface.
type AnnouncerFunc func(ctx context.Context, frame types.Frame) error

func (f AnnouncerFunc) Announce(ctx context.Context, frame types.Frame) error {
	return f(ctx, frame)
}

// Receipt is the result of a successful post. Message is the canonical
// persisted form and is authoritative for the sender's own UI; the
// broadcast exists solely for other channel members. AnnounceErr, when
// non-nil, wraps ErrAnnounceFailed: the message is stored but was not
// announced live.
type Receipt struct {
	Message     types.PersistedMessage
	AnnounceErr error
}

// Announced reports whether the live fanout step succeeded.
func (r Receipt) Announced() bool {
	return r.AnnounceErr == nil
}

// Coordinator orchestrates the persist-then-announce flow. It does not
// deduplicate: consumers seeing the same message id twice (a resubscribed
// stream, say) are expected to drop the duplicate by id.
type Coordinator struct {
	store     store.MessageStore
	announcer Announcer
	logger    zerolog.Logger
}

// NewCoordinator wires a coordinator over a store and an announcer.
func NewCoordinator(st store.MessageStore, announcer Announcer, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:     st,
		announcer: announcer,
		logger:    logger.With().Str("component", "post").Logger(),
	}
}

// Post persists the message, then announces it to the channel's live
// members. A store failure aborts the post with ErrPersistenceFailed and
// nothing is announced: a message that is not durable must never be seen
// by peers, or it could vanish on their next reload. An announce failure
// after a durable write is non-fatal and lands in Receipt.AnnounceErr.
func (c *Coordinator) Post(ctx context.Context, channelID types.ChannelID, author types.UserID, text string) (Receipt, error) {
	msg, err := c.store.Create(ctx, channelID, author, text)
	if err != nil {
		return Receipt{}, errors.Join(ErrPersistenceFailed, err)
	}

	if err := c.announcer.Announce(ctx, msg.Frame()); err != nil {
		c.logger.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Str("channel", channelID).
			Msg("message stored but not announced")
		return Receipt{Message: msg, AnnounceErr: errors.Join(ErrAnnounceFailed, err)}, nil
	}

	return Receipt{Message: msg}, nil
}
