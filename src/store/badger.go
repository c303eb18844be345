package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DevelopmentBelt/angcord-relay/src/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BadgerStore keeps messages in BadgerDB.
//
// Keys are "msg:{hexChannelId}:{paddedUnixNanos}:{uuid}": the channel id
// is opaque and may itself contain the ':' delimiter, so it is
// hex-encoded to keep per-channel prefixes unambiguous. The 19-digit
// zero-padded timestamp makes lexicographic order chronological, and the
// uuid suffix disambiguates two messages landing on the same nanosecond.
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewBadgerStore wraps an open Badger database.
func NewBadgerStore(db *badger.DB, logger zerolog.Logger) *BadgerStore {
	return &BadgerStore{
		db:     db,
		logger: logger.With().Str("component", "message-store").Logger(),
		now:    time.Now,
	}
}

// OpenBadgerStore opens (or creates) the database at dir. An empty dir
// opens an in-memory database, used by tests.
func OpenBadgerStore(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	return NewBadgerStore(db, logger), nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// channelSegment makes an opaque channel id safe to splice between the
// ':' key delimiters. Hex never contains ':', and since every encoded
// channel ends at the delimiter, no channel's prefix can extend into
// another's.
func channelSegment(channelID types.ChannelID) string {
	return hex.EncodeToString([]byte(channelID))
}

func messageKey(channelID types.ChannelID, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", channelSegment(channelID), at.UnixNano(), id))
}

func channelPrefix(channelID types.ChannelID) []byte {
	return []byte(fmt.Sprintf("msg:%s:", channelSegment(channelID)))
}

// Create durably writes a message and returns its canonical persisted
// form, with the store-assigned id and timestamp.
func (s *BadgerStore) Create(_ context.Context, channelID types.ChannelID, author types.UserID, text string) (types.PersistedMessage, error) {
	if channelID == "" || author == "" || text == "" {
		return types.PersistedMessage{}, ErrInvalidMessage
	}

	msg := types.PersistedMessage{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		AuthorID:  author,
		Text:      text,
		CreatedAt: s.now(),
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return types.PersistedMessage{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(channelID, msg.CreatedAt, msg.ID), value)
	})
	if err != nil {
		return types.PersistedMessage{}, fmt.Errorf("store message: %w", err)
	}

	s.logger.Debug().Str("message_id", msg.ID).Str("channel", channelID).Msg("message stored")
	return msg, nil
}

// ListRecent returns up to limit of the newest messages in a channel,
// oldest first. limit values outside (0, MaxListLimit] are clamped to
// MaxListLimit.
func (s *BadgerStore) ListRecent(_ context.Context, channelID types.ChannelID, limit int) ([]types.PersistedMessage, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	var raw [][]byte
	prefix := channelPrefix(channelID)
	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		// Seek past the newest possible key for the channel, then walk
		// backwards through the prefix.
		seekKey := append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if len(raw) == limit {
				break
			}
			err := it.Item().Value(func(value []byte) error {
				raw = append(raw, append([]byte{}, value...))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	// Reverse iteration yields newest first; callers want oldest first.
	messages := make([]types.PersistedMessage, len(raw))
	for i, value := range raw {
		var msg types.PersistedMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			return nil, err
		}
		messages[len(raw)-1-i] = msg
	}
	return messages, nil
}
