// Package registry is the authoritative in-memory mapping from channels to
// the live connections currently viewing them.
package registry

import (
	"errors"
	"sync"

	"github.com/DevelopmentBelt/angcord-relay/src/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ErrInvalidConnection is returned for registry operations on a nil
// connection.
var ErrInvalidConnection = errors.New("invalid connection")

// Registry groups live connections by channel. A connection belongs to at
// most one channel group at any instant; Join moves, it never duplicates.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection                     // connection id -> connection
	groups map[types.ChannelID]map[string]*Connection // channel -> connection id -> connection
	logger zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		groups: make(map[types.ChannelID]map[string]*Connection),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Join adds the connection to the group for channelID, creating the group
// if absent. A connection registered elsewhere is moved; joining the
// channel it is already in is a no-op.
func (r *Registry) Join(c *Connection, channelID types.ChannelID) error {
	if c == nil {
		return ErrInvalidConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur := c.Channel(); cur == channelID {
		if _, ok := r.conns[c.ID]; ok {
			return nil
		}
	} else if cur != "" {
		r.removeLocked(c)
	}

	if r.groups[channelID] == nil {
		r.groups[channelID] = make(map[string]*Connection)
	}
	r.groups[channelID][c.ID] = c
	r.conns[c.ID] = c
	c.setChannel(channelID)

	r.logger.Info().
		Str("conn_id", c.ID).
		Str("channel", channelID).
		Str("user", c.UserID).
		Msg("connection joined")
	return nil
}

// Leave removes the connection from its current group, deleting the group
// if it becomes empty. Not an error if the connection was never
// registered.
func (r *Registry) Leave(c *Connection) {
	if c == nil {
		return
	}

	r.mu.Lock()
	removed := r.removeLocked(c)
	r.mu.Unlock()

	if removed {
		r.logger.Info().Str("conn_id", c.ID).Msg("connection left")
	}
}

// ConnectionClosed is the transport close/error path into Leave. Safe to
// invoke more than once for the same connection; the connection is also
// released so its write pump stops.
func (r *Registry) ConnectionClosed(c *Connection) {
	if c == nil {
		return
	}
	r.Leave(c)
	c.Close()
}

// removeLocked detaches c from its group under r.mu. Reports whether the
// connection was actually registered.
func (r *Registry) removeLocked(c *Connection) bool {
	if _, ok := r.conns[c.ID]; !ok {
		return false
	}
	delete(r.conns, c.ID)

	ch := c.Channel()
	if group, ok := r.groups[ch]; ok {
		delete(group, c.ID)
		if len(group) == 0 {
			delete(r.groups, ch)
		}
	}
	c.setChannel("")
	return true
}

// MembersOf returns a snapshot copy of the connections in channelID's
// group, never a live view. Empty slice when the group does not exist.
func (r *Registry) MembersOf(channelID types.ChannelID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.groups[channelID])
}

// Lookup returns the registered connection for id, or nil.
func (r *Registry) Lookup(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Channels returns channel ids with their current member counts.
func (r *Registry) Channels() map[types.ChannelID]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.MapValues(r.groups, func(group map[string]*Connection, _ types.ChannelID) int {
		return len(group)
	})
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Info returns metadata for a registered connection, or nil.
func (r *Registry) Info(id string) *types.ConnInfo {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	info := c.Info()
	return &info
}
