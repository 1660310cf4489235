package models

import "time"

const (
	AgentStatusRunning = "running"
	AgentStatusStopped = "stopped"
	AgentStatusError   = "error"
	AgentStatusPending = "pending"
)

const (
	DeploymentRelay     = "relay"
	DeploymentBridge    = "bridge"
	DeploymentContainer = "container"
)

const (
	ProtocolRelay  = "relay"
	ProtocolBridge = "bridge"
)

type Agent struct {
	ID           string     `json:"id" db:"id"`
	OwnerID      string     `json:"owner_id" db:"owner_id"`
	Name         string     `json:"name" db:"name"`
	Status       string     `json:"status" db:"status"`
	Deployment   string     `json:"deployment" db:"deployment"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty" db:"last_active_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Attachment is a file forwarded with a chat message.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	URL      string `json:"url,omitempty"`
}

type ChatRequest struct {
	AgentID     string       `json:"agent_id"`
	OwnerID     string       `json:"-"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ChatReply is what the dashboard receives for a chat message. Source names
// the execution path that produced the content.
type ChatReply struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// CommandResult is returned by the far side for an administrative command.
type CommandResult struct {
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
	Output  string              `json:"output,omitempty"`
	Health  *BridgeClientHealth `json:"health,omitempty"`
}

// TunnelInfo describes one live tunnel connection.
type TunnelInfo struct {
	AgentID       string    `json:"agent_id"`
	OwnerID       string    `json:"owner_id"`
	Protocol      string    `json:"protocol"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type TunnelStats struct {
	Total      int            `json:"total"`
	ByProtocol map[string]int `json:"by_protocol"`
}

// TunnelConnectionLog is a row of the tunnel connection history.
type TunnelConnectionLog struct {
	ID               string     `db:"id" json:"id"`
	AgentID          string     `db:"agent_id" json:"agent_id"`
	Protocol         string     `db:"protocol" json:"protocol"`
	RemoteAddr       string     `db:"remote_addr" json:"remote_addr"`
	ConnectedAt      time.Time  `db:"connected_at" json:"connected_at"`
	DisconnectedAt   *time.Time `db:"disconnected_at" json:"disconnected_at,omitempty"`
	DisconnectReason *string    `db:"disconnect_reason" json:"disconnect_reason,omitempty"`
}

// ActivityStats summarises chat traffic for one agent over a trailing window.
type ActivityStats struct {
	Total        int        `db:"total"`
	Errors       int        `db:"errors"`
	LastActiveAt *time.Time `db:"last_active_at"`
}
