package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentbridge-backend/internal/models"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // agents are not browsers
	},
}

// wsTransport serialises writes to a gorilla connection, which allows only
// one concurrent writer.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// ServeHTTP handles GET /tunnel/relay. Credentials come from the token and
// agentId query parameters or from an auth frame sent within the grace
// period.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("relay upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(s.opts.MaxFrameBytes)
	transport := &wsTransport{conn: ws}

	token := r.URL.Query().Get("token")
	agentID := r.URL.Query().Get("agentId")
	if token == "" && agentID == "" {
		token, agentID, err = s.readAuthFrame(ws)
		if err != nil {
			code, reason := handshakeCode(err)
			s.logger.Info("relay handshake rejected", "code", code, "reason", reason, "remote", r.RemoteAddr)
			_ = transport.Close(code, reason)
			return
		}
	}

	ctx := context.WithoutCancel(r.Context())
	agent, err := s.Authenticate(ctx, token, agentID)
	if err != nil {
		code, reason := handshakeCode(err)
		s.logger.Info("relay handshake rejected", "code", code, "reason", reason, "agent_id", agentID, "remote", r.RemoteAddr)
		_ = transport.Close(code, reason)
		return
	}

	conn := s.Register(ctx, agent, transport)
	reason := "closed"
	defer func() { s.Unregister(ctx, conn, reason) }()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, CloseReplaced) {
				s.logger.Warn("relay read error", "agent_id", conn.AgentID, "error", err)
				reason = "read error"
			}
			return
		}
		s.HandleFrame(conn, data)
	}
}

func (s *Server) readAuthFrame(ws *websocket.Conn) (string, string, error) {
	ws.SetReadDeadline(time.Now().Add(s.opts.AuthGrace))
	defer ws.SetReadDeadline(time.Time{})

	_, data, err := ws.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", "", &HandshakeError{Code: CloseAuthTimeout, Reason: "auth timeout"}
		}
		return "", "", &HandshakeError{Code: CloseMalformedAuth, Reason: "no auth frame"}
	}

	var frame models.RelayFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != models.FrameAuth {
		return "", "", &HandshakeError{Code: CloseMalformedAuth, Reason: "expected auth frame"}
	}
	if frame.Token == "" {
		return "", "", &HandshakeError{Code: CloseMissingToken, Reason: "missing token"}
	}
	return frame.Token, frame.AgentID, nil
}
