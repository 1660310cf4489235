package models

import "time"

const (
	HealthHealthy     = "healthy"
	HealthDegraded    = "degraded"
	HealthUnhealthy   = "unhealthy"
	HealthUnreachable = "unreachable"
)

// HealthRecord is the result of one supervisor check for one agent.
type HealthRecord struct {
	AgentID              string     `json:"agentId" msgpack:"agent_id"`
	OwnerID              string     `json:"ownerId" msgpack:"owner_id"`
	Status               string     `json:"status" msgpack:"status"`
	ContainerStatus      string     `json:"containerStatus,omitempty" msgpack:"container_status"`
	CPUUsage             float64    `json:"cpuUsage" msgpack:"cpu_usage"`
	MemoryUsageMB        float64    `json:"memoryUsageMB" msgpack:"memory_usage_mb"`
	ErrorRatePercent     float64    `json:"errorRatePercent" msgpack:"error_rate_percent"`
	MessageRatePerMinute float64    `json:"messageRatePerMinute" msgpack:"message_rate_per_minute"`
	ResponseTimeMs       int64      `json:"responseTimeMs" msgpack:"response_time_ms"`
	LastActiveAt         *time.Time `json:"lastActiveAt,omitempty" msgpack:"last_active_at"`
	CheckTime            time.Time  `json:"checkTime" msgpack:"check_time"`
	Alerts               []string   `json:"alerts" msgpack:"alerts"`
	Changed              bool       `json:"changed" msgpack:"changed"`
}

// RestartRecord tracks auto-restart attempts for one agent. It lives only in
// the supervisor's memory.
type RestartRecord struct {
	AgentID       string    `json:"agentId"`
	AttemptCount  int       `json:"attemptCount"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
	NextAllowedAt time.Time `json:"nextAllowedAt"`
	Exhausted     bool      `json:"exhausted"`
}

// BridgeClientHealth is reported by the bridge client about the local runtime.
type BridgeClientHealth struct {
	Installed      bool      `json:"installed" msgpack:"installed"`
	GatewayRunning bool      `json:"gatewayRunning" msgpack:"gateway_running"`
	Version        string    `json:"version,omitempty" msgpack:"version"`
	Platform       string    `json:"platform,omitempty" msgpack:"platform"`
	UpdatedAt      time.Time `json:"updatedAt" msgpack:"updated_at"`
}

const (
	AlertKindHealth           = "health"
	AlertKindRestartFailed    = "restart-failed"
	AlertKindRestartExhausted = "restart-exhausted"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Alert struct {
	ID        string    `json:"id" db:"id" msgpack:"id"`
	AgentID   string    `json:"agentId" db:"agent_id" msgpack:"agent_id"`
	OwnerID   string    `json:"ownerId" db:"owner_id" msgpack:"owner_id"`
	Kind      string    `json:"kind" db:"kind" msgpack:"kind"`
	Severity  string    `json:"severity" db:"severity" msgpack:"severity"`
	Message   string    `json:"message" db:"message" msgpack:"message"`
	CreatedAt time.Time `json:"createdAt" db:"created_at" msgpack:"created_at"`
}

// Health event types carried on the bus and the push channel.
const (
	EventHealthUpdate   = "health-update"
	EventHeartbeat      = "heartbeat"
	EventRestartFailed  = "restart-failed"
	EventAgentRestarted = "agent-restarted"
)

type HealthEvent struct {
	Type      string        `json:"type" msgpack:"type"`
	AgentID   string        `json:"agentId,omitempty" msgpack:"agent_id"`
	OwnerID   string        `json:"ownerId,omitempty" msgpack:"owner_id"`
	Record    *HealthRecord `json:"record,omitempty" msgpack:"record,omitempty"`
	Alert     *Alert        `json:"alert,omitempty" msgpack:"alert,omitempty"`
	Attempt   int           `json:"attempt,omitempty" msgpack:"attempt"`
	Error     string        `json:"error,omitempty" msgpack:"error"`
	Timestamp time.Time     `json:"timestamp" msgpack:"timestamp"`
}
