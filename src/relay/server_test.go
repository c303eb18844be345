package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DevelopmentBelt/angcord-relay/src/registry"
	"github.com/DevelopmentBelt/angcord-relay/src/session"
	"github.com/DevelopmentBelt/angcord-relay/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func newTestServer(t *testing.T, directory session.Directory) (*Server, *registry.Registry, *Fanout) {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	f := NewFanout(reg, 100*time.Millisecond, 64, zerolog.Nop())
	t.Cleanup(f.Stop)
	s := NewServer(reg, f, directory, ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      16,
		WriteTimeout:    100 * time.Millisecond,
	}, zerolog.Nop())
	return s, reg, f
}

func wsRequest(uri string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI(uri)
	ctx.Request.Header.Set("Upgrade", "websocket")
	return ctx
}

func TestHandshakeExtractsIdentity(t *testing.T) {
	s, _, _ := newTestServer(t, session.Passthrough{})

	ctx := wsRequest("http://relay/channel?channel=general&user=alice")
	channelID, userID, err := s.handshake(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ChannelID("general"), channelID)
	assert.Equal(t, types.UserID("alice"), userID)
}

func TestHandshakeRejectsMissingParams(t *testing.T) {
	s, _, _ := newTestServer(t, session.Passthrough{})

	for _, uri := range []string{
		"http://relay/channel",
		"http://relay/channel?channel=general",
		"http://relay/channel?user=alice",
	} {
		_, _, err := s.handshake(wsRequest(uri))
		require.ErrorIs(t, err, ErrInvalidHandshake, "uri %s", uri)
	}
}

// rejectingDirectory resolves nothing.
type rejectingDirectory struct{}

func (rejectingDirectory) Resolve(context.Context, string) (types.UserID, error) {
	return "", session.ErrUnknownSession
}

func TestHandshakeRejectsUnknownSession(t *testing.T) {
	s, _, _ := newTestServer(t, rejectingDirectory{})

	_, _, err := s.handshake(wsRequest("http://relay/channel?channel=general&user=bogus-token"))
	require.ErrorIs(t, err, ErrInvalidHandshake)
	require.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestHandlerRejectsBadHandshakeBeforeUpgrade(t *testing.T) {
	s, reg, _ := newTestServer(t, session.Passthrough{})

	ctx := wsRequest("http://relay/channel?channel=general")
	s.Handler()(ctx)

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	// Rejected connections are never registered.
	assert.Equal(t, 0, reg.ConnectionCount())
}

func TestHandlerRequiresUpgradeHeader(t *testing.T) {
	s, _, _ := newTestServer(t, session.Passthrough{})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("http://relay/channel?channel=general&user=alice")
	s.Handler()(ctx)

	assert.Equal(t, fasthttp.StatusUpgradeRequired, ctx.Response.StatusCode())
}

// scriptConn is a mockConn whose inbound side is fed by the test.
type scriptConn struct {
	*mockConn
	reads chan types.Frame
}

func newScriptConn() *scriptConn {
	return &scriptConn{mockConn: newMockConn(), reads: make(chan types.Frame, 16)}
}

func (s *scriptConn) ReadJSON(v any) error {
	select {
	case f := <-s.reads:
		*(v.(*types.Frame)) = f
		return nil
	case <-s.closedCh:
		return &closeError{}
	}
}

func TestServeRelaysInboundFramesExcludingSender(t *testing.T) {
	s, reg, _ := newTestServer(t, session.Passthrough{})

	_, peerConn := joinMember(t, reg, "peer", "general")

	senderConn := newScriptConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serve("general", "alice", senderConn)
	}()

	require.Eventually(t, func() bool {
		return reg.ConnectionCount() == 2
	}, time.Second, 5*time.Millisecond)

	senderConn.reads <- types.Frame{Text: "hello"}

	require.Eventually(t, func() bool {
		return len(peerConn.frames()) == 1
	}, time.Second, 5*time.Millisecond)

	got := peerConn.frames()[0]
	// The connection's binding wins over whatever the client claimed.
	assert.Equal(t, types.UserID("alice"), got.SenderID)
	assert.Equal(t, types.ChannelID("general"), got.ChannelID)
	assert.Equal(t, "hello", got.Text)
	assert.False(t, got.SentAt.IsZero())

	// The sender's own connection receives nothing for this frame.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, senderConn.frames())

	// Transport close tears the connection down and deregisters it.
	senderConn.Close()
	<-done
	require.Eventually(t, func() bool {
		return reg.ConnectionCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestServeDropsInvalidFrames(t *testing.T) {
	s, reg, _ := newTestServer(t, session.Passthrough{})

	_, peerConn := joinMember(t, reg, "peer", "general")

	senderConn := newScriptConn()
	go s.serve("general", "alice", senderConn)

	require.Eventually(t, func() bool {
		return reg.ConnectionCount() == 2
	}, time.Second, 5*time.Millisecond)

	// Empty text fails validation and is dropped without killing the
	// connection; the next valid frame still goes through.
	senderConn.reads <- types.Frame{Text: ""}
	senderConn.reads <- types.Frame{Text: "still here"}

	require.Eventually(t, func() bool {
		return len(peerConn.frames()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "still here", peerConn.frames()[0].Text)
	assert.Equal(t, 2, reg.ConnectionCount())

	senderConn.Close()
}

func TestIsDecodeError(t *testing.T) {
	var frame types.Frame
	err := json.Unmarshal([]byte("{not json"), &frame)
	require.Error(t, err)
	assert.True(t, isDecodeError(err))
	assert.False(t, isDecodeError(&closeError{}))
}
