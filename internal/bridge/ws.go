package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrSendBufferFull = errors.New("session send buffer full")

// AccountResolver maps a tunnel or dashboard token to an account id.
type AccountResolver interface {
	ResolveAccount(token string) (accountID string, tunnel bool, err error)
}

type WSConfig struct {
	WriteWait     time.Duration
	PongWait      time.Duration
	PingPeriod    time.Duration
	MaxFrameBytes int64
	SendBuffer    int
}

func defaultWSConfig() WSConfig {
	return WSConfig{
		WriteWait:     10 * time.Second,
		PongWait:      60 * time.Second,
		PingPeriod:    30 * time.Second,
		MaxFrameBytes: 5 * 1024 * 1024,
		SendBuffer:    256,
	}
}

// UseWebsocket enables ServeHTTP with the given token resolver. Zero fields
// in cfg keep their defaults.
func (s *Server) UseWebsocket(tokens AccountResolver, cfg WSConfig) {
	def := defaultWSConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = def.MaxFrameBytes
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	s.tokens = tokens
	s.wsConfig = cfg
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsSession struct {
	id      string
	ownerID string
	tunnel  bool
	conn    *websocket.Conn
	send    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (w *wsSession) ID() string         { return w.id }
func (w *wsSession) OwnerID() string    { return w.ownerID }
func (w *wsSession) Tunnel() bool       { return w.tunnel }
func (w *wsSession) RemoteAddr() string { return w.conn.RemoteAddr().String() }

func (w *wsSession) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{event, raw})
	if err != nil {
		return err
	}

	select {
	case <-w.done:
		return errors.New("session closed")
	default:
	}
	select {
	case w.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (w *wsSession) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

// ServeHTTP handles GET /tunnel/bridge?token=...
func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		http.Error(rw, "bridge tunnel disabled", http.StatusServiceUnavailable)
		return
	}
	accountID, tunnel, err := s.tokens.ResolveAccount(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(rw, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Warn("bridge upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	session := &wsSession{
		id:      uuid.NewString(),
		ownerID: accountID,
		tunnel:  tunnel,
		conn:    conn,
		send:    make(chan []byte, s.wsConfig.SendBuffer),
		done:    make(chan struct{}),
	}
	s.Connect(session)
	s.logger.Debug("bridge session opened", "session", session.id, "owner_id", accountID, "tunnel", tunnel)

	go s.writePump(session)
	s.readPump(context.WithoutCancel(r.Context()), session)
}

func (s *Server) readPump(ctx context.Context, session *wsSession) {
	defer func() {
		session.Close()
		s.OnDisconnect(ctx, session)
		session.conn.Close()
	}()

	conn := session.conn
	conn.SetReadLimit(s.wsConfig.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(s.wsConfig.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.wsConfig.PongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("bridge read error", "session", session.id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.wsConfig.PongWait))
		s.HandleEnvelope(ctx, session, message)
	}
}

func (s *Server) writePump(session *wsSession) {
	ticker := time.NewTicker(s.wsConfig.PingPeriod)
	conn := session.conn
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-session.send:
			conn.SetWriteDeadline(time.Now().Add(s.wsConfig.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("bridge write failed", "session", session.id, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.wsConfig.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-session.done:
			// flush what is already queued, e.g. a replaced notice
			for {
				select {
				case msg := <-session.send:
					conn.SetWriteDeadline(time.Now().Add(s.wsConfig.WriteWait))
					if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(s.wsConfig.WriteWait))
					conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
