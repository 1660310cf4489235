package relay

import (
	"encoding/json"
	"sync"
	"time"

	"agentbridge-backend/internal/models"
	"agentbridge-backend/internal/pending"
)

// Close codes sent to agents on handshake failure or eviction.
const (
	CloseMissingToken  = 4001
	CloseMalformedAuth = 4002
	CloseInvalidToken  = 4003
	CloseAgentNotFound = 4004
	CloseAuthTimeout   = 4008
	CloseReplaced      = 4009
)

// Transport is the write side of one agent websocket.
type Transport interface {
	WriteJSON(v any) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// Conn is a registered relay tunnel.
type Conn struct {
	AgentID     string
	OwnerID     string
	ConnectedAt time.Time

	transport Transport
	pending   *pending.Table[json.RawMessage]

	mu            sync.Mutex
	lastHeartbeat time.Time

	closeOnce sync.Once
}

func (c *Conn) touch(at time.Time) {
	c.mu.Lock()
	if at.After(c.lastHeartbeat) {
		c.lastHeartbeat = at
	}
	c.mu.Unlock()
}

func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Conn) send(frameType, id string, payload any) error {
	frame := models.RelayFrame{ID: id, Type: frameType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame.Payload = raw
	}
	return c.transport.WriteJSON(frame)
}

// shutdown fails every in-flight request and closes the transport. Only the
// first call has any effect.
func (c *Conn) shutdown(code int, reason string, cause error) {
	c.closeOnce.Do(func() {
		c.pending.RejectAll(cause)
		_ = c.transport.Close(code, reason)
	})
}

func (c *Conn) info() models.TunnelInfo {
	return models.TunnelInfo{
		AgentID:       c.AgentID,
		OwnerID:       c.OwnerID,
		Protocol:      models.ProtocolRelay,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.LastHeartbeat(),
	}
}
