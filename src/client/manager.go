// Package client gives an application a single logical "current channel
// connection", hiding the transport churn behind channel and identity
// switches.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/DevelopmentBelt/angcord-relay/src/types"
	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned by Send when there is no open
	// connection. The manager never reconnects on its own; callers decide
	// whether to retry, queue, or surface the error.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionReplaced ends a subscriber stream's current generation
	// when a rebind or Close tears the connection down.
	ErrConnectionReplaced = errors.New("connection torn down")
)

// Dialer opens a WebSocket transport. Abstracted for testability, the
// same way the server side abstracts its Conn.
type Dialer interface {
	DialContext(ctx context.Context, url string) (types.Conn, error)
}

// WebsocketDialer is the production Dialer.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d WebsocketDialer) DialContext(ctx context.Context, rawURL string) (types.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Event is one item on a subscriber's inbound stream: either a frame or
// a terminal error for the connection generation that produced it.
type Event struct {
	Frame *types.Frame
	Err   error
}

// Subscription is one subscriber's view of the inbound stream. All
// concurrent subscriptions observe the same frames.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Close detaches the subscription from the manager.
func (s *Subscription) Close() {
	s.cancel()
}

// generation is one attempt at an open connection for a fixed
// (channel, user) pair. A newer desired identity cancels the
// generation's context, which aborts a still-pending handshake.
type generation struct {
	channelID types.ChannelID
	userID    types.UserID
	conn      types.Conn

	ctx      context.Context
	cancel   context.CancelFunc
	finished sync.Once
	done     chan struct{}

	// writeMu serializes outbound writes on conn; the transport does not
	// tolerate concurrent writers.
	writeMu sync.Mutex
}

func newGeneration(channelID types.ChannelID, userID types.UserID) *generation {
	ctx, cancel := context.WithCancel(context.Background())
	return &generation{
		channelID: channelID,
		userID:    userID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// finish marks the generation dead. Idempotent.
func (g *generation) finish() {
	g.finished.Do(func() { close(g.done) })
}

// Manager owns at most one active connection and rebinds it whenever the
// desired (channel, user) pair changes.
type Manager struct {
	baseURL string
	dialer  Dialer
	logger  zerolog.Logger

	mu             sync.Mutex
	desiredChannel types.ChannelID
	desiredUser    types.UserID
	active         *generation
	connected      bool
	nextSub        int
	subs           map[int]chan Event
}

const subscriberBuffer = 64

// NewManager creates a manager dialing baseURL (the relay's /channel
// endpoint, e.g. "ws://localhost:8080/channel"). No connection is opened
// until both a channel and a user have been set.
func NewManager(baseURL string, dialer Dialer, logger zerolog.Logger) *Manager {
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Manager{
		baseURL: baseURL,
		dialer:  dialer,
		logger:  logger.With().Str("component", "client-manager").Logger(),
		subs:    make(map[int]chan Event),
	}
}

// SetChannel updates the desired channel and rebinds if the active
// connection no longer matches. The rebind is synchronous: the old
// connection is fully torn down before the new handshake begins.
func (m *Manager) SetChannel(channelID types.ChannelID) error {
	return m.rebind(func() { m.desiredChannel = channelID })
}

// SetUser updates the desired identity and rebinds if needed.
func (m *Manager) SetUser(userID types.UserID) error {
	return m.rebind(func() { m.desiredUser = userID })
}

// Connected reports whether there is an open connection right now.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// rebind applies a desired-identity update and, when both halves of the
// pair are known and differ from the active binding, replaces the active
// connection.
func (m *Manager) rebind(update func()) error {
	m.mu.Lock()
	update()
	channelID, userID := m.desiredChannel, m.desiredUser
	if channelID == "" || userID == "" {
		m.mu.Unlock()
		return nil
	}
	if m.active != nil && m.connected &&
		m.active.channelID == channelID && m.active.userID == userID {
		m.mu.Unlock()
		return nil
	}

	old := m.active
	gen := newGeneration(channelID, userID)
	// Publishing the generation before dialing lets a newer rebind cancel
	// this handshake while it is still in flight.
	m.active = gen
	m.connected = false
	m.mu.Unlock()

	m.teardown(old)

	conn, err := m.dialer.DialContext(gen.ctx, m.endpoint(channelID, userID))

	m.mu.Lock()
	if m.active != gen || gen.ctx.Err() != nil {
		// A newer identity won the race while we were dialing.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		gen.finish()
		return nil
	}
	if err != nil {
		m.active = nil
		m.mu.Unlock()
		gen.finish()
		return fmt.Errorf("open connection: %w", err)
	}
	gen.conn = conn
	m.connected = true
	m.mu.Unlock()

	m.logger.Debug().
		Str("channel", channelID).
		Str("user", userID).
		Msg("connection opened")

	go m.readLoop(gen)
	return nil
}

// teardown closes an old generation and waits until it is fully dead, so
// no frame from it can arrive once the caller proceeds.
func (m *Manager) teardown(old *generation) {
	if old == nil {
		return
	}
	old.cancel()
	if old.conn != nil {
		old.conn.Close()
		<-old.done
	} else {
		old.finish()
	}

	m.mu.Lock()
	m.emitLocked(Event{Err: ErrConnectionReplaced})
	m.mu.Unlock()
}

// readLoop pumps inbound frames to subscribers until the generation's
// transport dies.
func (m *Manager) readLoop(gen *generation) {
	defer gen.finish()

	for {
		var frame types.Frame
		if err := gen.conn.ReadJSON(&frame); err != nil {
			m.mu.Lock()
			if m.active == gen {
				m.active = nil
				m.connected = false
				// The error is terminal for this generation only; a
				// deliberate teardown reports through teardown() instead.
				if gen.ctx.Err() == nil {
					m.emitLocked(Event{Err: fmt.Errorf("connection lost: %w", err)})
				}
			}
			m.mu.Unlock()
			return
		}

		m.mu.Lock()
		if m.active != gen {
			// Rebound while the frame was in flight; it belongs to a
			// connection that is no longer current.
			m.mu.Unlock()
			return
		}
		f := frame
		m.emitLocked(Event{Frame: &f})
		m.mu.Unlock()
	}
}

// emitLocked fans an event out to all subscribers. Callers hold m.mu. A
// subscriber that cannot keep up loses the event rather than stalling
// the stream.
func (m *Manager) emitLocked(ev Event) {
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn().Int("subscriber", id).Msg("subscriber buffer full, dropping event")
		}
	}
}

// Send writes a frame to the active connection. It fails with
// ErrNotConnected when there is no open connection; nothing is buffered
// or retried. Safe for concurrent use: writes to one connection are
// serialized.
func (m *Manager) Send(frame types.Frame) error {
	m.mu.Lock()
	if m.active == nil || !m.connected || m.active.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	gen := m.active
	m.mu.Unlock()

	gen.writeMu.Lock()
	err := gen.conn.WriteJSON(frame)
	gen.writeMu.Unlock()
	if err != nil {
		m.mu.Lock()
		if m.active == gen {
			m.active = nil
			m.connected = false
			m.emitLocked(Event{Err: fmt.Errorf("connection lost: %w", err)})
		}
		m.mu.Unlock()
		gen.cancel()
		gen.conn.Close()
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// Announce adapts Send to the commit coordinator's announcer contract.
func (m *Manager) Announce(_ context.Context, frame types.Frame) error {
	return m.Send(frame)
}

// Subscribe returns a new independent view of the inbound stream. The
// stream is infinite until the manager closes; per-generation transport
// failures appear as error events, not stream ends.
func (m *Manager) Subscribe() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, subscriberBuffer)
	m.subs[id] = ch

	return &Subscription{
		C: ch,
		cancel: func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		},
	}
}

// Close tears the manager down: the active connection is closed, the
// desired identity is cleared so Send fails until a future
// SetChannel/SetUser pair reopens, and current subscriber streams end.
func (m *Manager) Close() {
	m.mu.Lock()
	old := m.active
	m.active = nil
	m.connected = false
	m.desiredChannel = ""
	m.desiredUser = ""
	m.mu.Unlock()

	if old != nil {
		old.cancel()
		if old.conn != nil {
			old.conn.Close()
			<-old.done
		} else {
			old.finish()
		}
	}

	m.mu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()
}

// endpoint builds the handshake URI carrying the identity pair.
func (m *Manager) endpoint(channelID types.ChannelID, userID types.UserID) string {
	params := url.Values{}
	params.Set("channel", channelID)
	params.Set("user", userID)
	return m.baseURL + "?" + params.Encode()
}
