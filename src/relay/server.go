// Package relay is the transport-facing core: it accepts channel
// WebSocket handshakes, registers connections, and fans inbound frames
// out to channel peers.
package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/DevelopmentBelt/angcord-relay/src/registry"
	"github.com/DevelopmentBelt/angcord-relay/src/session"
	"github.com/DevelopmentBelt/angcord-relay/src/types"
	"github.com/fasthttp/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// ErrInvalidHandshake is returned when a handshake request is missing or
// carries unusable identity parameters. Such connections are rejected
// before the upgrade and never registered.
var ErrInvalidHandshake = errors.New("invalid handshake")

// ServerConfig tunes the relay server's transport behavior.
type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int           // per-connection outbound queue length
	WriteTimeout    time.Duration // per-recipient write budget
	EchoSender      bool          // deliver a sender's frame back to its own connection
}

// Server handles the /channel WebSocket route.
type Server struct {
	reg       *registry.Registry
	fanout    *Fanout
	directory session.Directory
	upgrader  websocket.FastHTTPUpgrader
	validate  *validator.Validate
	cfg       ServerConfig
	logger    zerolog.Logger
}

// NewServer wires the relay server over its registry, fanout, and
// session directory.
func NewServer(reg *registry.Registry, fanout *Fanout, directory session.Directory, cfg ServerConfig, logger zerolog.Logger) *Server {
	return &Server{
		reg:       reg,
		fanout:    fanout,
		directory: directory,
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		validate: validator.New(),
		cfg:      cfg,
		logger:   logger.With().Str("component", "relay").Logger(),
	}
}

// Handler returns the raw fasthttp handler for the WebSocket upgrade.
// Register it on the server at the "/channel" path.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		channelID, userID, err := s.handshake(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("remote", ctx.RemoteAddr().String()).Msg("handshake rejected")
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			ctx.SetBodyString(`{"error":"invalid_handshake","message":"channel and user are required"}`)
			return
		}

		err = s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			s.serve(channelID, userID, conn)
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// handshake extracts the channel and user identity from the request. The
// user parameter is an opaque credential resolved through the session
// directory.
func (s *Server) handshake(ctx *fasthttp.RequestCtx) (types.ChannelID, types.UserID, error) {
	channelID := string(ctx.QueryArgs().Peek("channel"))
	credential := string(ctx.QueryArgs().Peek("user"))
	if channelID == "" || credential == "" {
		return "", "", ErrInvalidHandshake
	}
	userID, err := s.directory.Resolve(ctx, credential)
	if err != nil {
		return "", "", errors.Join(ErrInvalidHandshake, err)
	}
	return channelID, userID, nil
}

// serve owns one open connection from registration to close. It returns
// when the transport dies; the registry is notified exactly once.
func (s *Server) serve(channelID types.ChannelID, userID types.UserID, conn types.Conn) {
	c := registry.NewConnection(uuid.New().String(), userID, conn, s.cfg.SendBuffer)
	if err := s.reg.Join(c, channelID); err != nil {
		s.logger.Error().Err(err).Msg("join failed")
		conn.Close()
		return
	}

	var closeOnce sync.Once
	closed := func() {
		closeOnce.Do(func() { s.reg.ConnectionClosed(c) })
	}
	defer closed()

	go c.WritePump(s.cfg.WriteTimeout)
	s.readLoop(c, channelID)
}

// readLoop pumps inbound frames into the fanout. Malformed frames are
// dropped and logged; only transport errors end the loop.
func (s *Server) readLoop(c *registry.Connection, channelID types.ChannelID) {
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			if isDecodeError(err) {
				s.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("dropping malformed frame")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("transport closed")
			}
			return
		}

		// The connection's binding is authoritative; clients cannot speak
		// for another user or into another channel.
		frame.SenderID = c.UserID
		frame.ChannelID = channelID
		if frame.SentAt.IsZero() {
			frame.SentAt = time.Now()
		}

		if err := s.validate.Struct(frame); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("dropping invalid frame")
			continue
		}

		exclude := c.ID
		if s.cfg.EchoSender {
			exclude = ""
		}
		s.fanout.Broadcast(channelID, frame, exclude)
	}
}

// isDecodeError reports whether a ReadJSON failure was a payload problem
// rather than a dead transport.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
