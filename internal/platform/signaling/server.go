package signaling

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/medclinic/clinic/internal/platform/auth"
)

const writeWait = 10 * time.Second

type Config struct {
	MaxMessageBytes int64
	PingInterval    time.Duration
	IdleTimeout     time.Duration
	SendQueueSize   int
	ICEServers      []webrtc.ICEServer
	// CheckOrigin defaults to accepting every origin; the API is already
	// behind token auth.
	CheckOrigin func(r *http.Request) bool
}

func (c *Config) setDefaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.IdleTimeout <= c.PingInterval {
		c.IdleTimeout = 3 * c.PingInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Server upgrades signaling connections and serves the room and ICE
// configuration endpoints.
type Server struct {
	reg      *Registry
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewServer(reg *Registry, cfg Config, logger zerolog.Logger) *Server {
	cfg.setDefaults()
	return &Server{
		reg: reg,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger: logger.With().Str("component", "signaling").Logger(),
	}
}

func (s *Server) RegisterRoutes(g *echo.Group) {
	g.GET("/rtc/signal", s.HandleConnect)
	g.GET("/rtc/ice-servers", s.ICEServers)
	g.GET("/rtc/rooms/:id", s.Room, auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
}

// HandleConnect upgrades the request and serves the connection until either
// side closes it. The read pump runs on the request goroutine so the handler
// returns only once the peer is gone.
func (s *Server) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	peer, err := s.reg.Register(userID, auth.PrimaryRole(ctx), s.cfg.SendQueueSize)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "server shutting down")
		}
		return err
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already replied.
		s.reg.Unregister(peer)
		return nil
	}

	log := s.logger.With().Str("peer_id", peer.ID).Str("user_id", peer.UserID).Str("role", peer.Role).Logger()
	log.Debug().Msg("peer connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump(peer, ws)
	}()

	s.readPump(peer, ws, log)
	s.reg.Unregister(peer)
	<-done

	log.Debug().Msg("peer disconnected")
	return nil
}

func (s *Server) readPump(peer *Peer, ws *websocket.Conn, log zerolog.Logger) {
	defer ws.Close()

	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	extend := func() error { return ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)) }
	_ = extend()
	ws.SetPongHandler(func(string) error { return extend() })

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent CloseMessageTooBig.
				log.Warn().Int64("limit", s.cfg.MaxMessageBytes).Msg("message too large")
			case isTimeout(err):
				writeClose(ws, websocket.CloseNormalClosure, "idle timeout")
				log.Debug().Msg("idle timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if mt != websocket.TextMessage {
			writeClose(ws, websocket.CloseUnsupportedData, "text frames only")
			return
		}
		_ = extend()
		s.dispatch(peer, data, log)
	}
}

// writePump owns every data write on ws. Control frames go through
// WriteControl, which gorilla allows concurrently.
func (s *Server) writePump(peer *Peer, ws *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame, ok := <-peer.Outbound():
			if !ok {
				code := websocket.CloseNormalClosure
				if s.reg.Closed() {
					code = websocket.CloseGoingAway
				}
				writeClose(ws, code, "")
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(peer *Peer, data []byte, log zerolog.Logger) {
	msg, err := parseClientMessage(data)
	if err != nil {
		s.replyError(peer, "", err)
		return
	}

	switch msg.Type {
	case TypeJoin:
		peers, err := s.reg.Join(peer, msg.Room)
		if err != nil {
			s.replyError(peer, msg.Room, err)
			return
		}
		log.Debug().Str("room", msg.Room).Int("others", len(peers)).Msg("joined room")
	case TypeLeave:
		if err := s.reg.Leave(peer, msg.Room); err != nil {
			s.replyError(peer, msg.Room, err)
			return
		}
		log.Debug().Str("room", msg.Room).Msg("left room")
	default:
		n, err := s.reg.Relay(peer, msg.Room, msg.To, encode(msg.relay(peer.ID)))
		if err != nil {
			s.replyError(peer, msg.Room, err)
			return
		}
		log.Debug().Str("room", msg.Room).Str("type", string(msg.Type)).Int("delivered", n).Msg("relayed")
	}
}

func (s *Server) replyError(peer *Peer, room string, err error) {
	s.reg.Send(peer, encode(errorMessage{
		Type:    TypeError,
		Code:    errorCode(err),
		Message: err.Error(),
		Room:    room,
	}))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrBadMessage):
		return "bad_message"
	default:
		return "internal"
	}
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
