// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Server struct {
	Addr     string `envconfig:"ADDR" default:":8080"`
	Log      Log
	Auth     Auth
	Database Database
	NATS     NATS
	Redis    Redis
	Slack    Slack
	Provider Provider
	Runtime  Runtime
	Relay    Relay
	Bridge   Bridge
	Health   Health
	Limits   Limits
	Workers  Workers
}

type Log struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"text"` // text or json
}

type Auth struct {
	JWTSecret      string        `envconfig:"JWT_SECRET" required:"true"`
	UserTokenTTL   time.Duration `envconfig:"USER_TOKEN_TTL" default:"24h"`
	TunnelTokenTTL time.Duration `envconfig:"TUNNEL_TOKEN_TTL" default:"720h"`
}

type Database struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER" default:"bridge_user"`
	Password string `envconfig:"DB_PASSWORD" default:"bridge_pass"`
	Name     string `envconfig:"DB_NAME" default:"agentbridge"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type NATS struct {
	URL string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
}

type Redis struct {
	URL string `envconfig:"REDIS_URL" required:"true"`
	DB  int    `envconfig:"REDIS_DB" default:"0"`
}

type Slack struct {
	WebhookURL string `envconfig:"SLACK_WEBHOOK_URL"`
}

// Provider is the OpenRouter-compatible model endpoint used when no tunnel or
// container can answer.
type Provider struct {
	APIKey  string        `envconfig:"OPENROUTER_KEY"`
	BaseURL string        `envconfig:"OPENROUTER_BASE_URL" default:"https://openrouter.ai/api/v1"`
	Model   string        `envconfig:"OPENROUTER_MODEL" default:"anthropic/claude-3.5-sonnet"`
	Timeout time.Duration `envconfig:"OPENROUTER_TIMEOUT" default:"60s"`
}

// Runtime is the container manager that hosts managed agents. Empty URL
// disables container checks.
type Runtime struct {
	URL     string        `envconfig:"RUNTIME_URL"`
	Token   string        `envconfig:"RUNTIME_TOKEN"`
	Timeout time.Duration `envconfig:"RUNTIME_TIMEOUT" default:"10s"`
}

type Relay struct {
	ChatTimeout    time.Duration `envconfig:"RELAY_CHAT_TIMEOUT" default:"60s"`
	RequestTimeout time.Duration `envconfig:"RELAY_REQUEST_TIMEOUT" default:"10s"`
	PingInterval   time.Duration `envconfig:"RELAY_PING_INTERVAL" default:"30s"`
	StaleAfter     time.Duration `envconfig:"RELAY_STALE_AFTER" default:"90s"`
	AuthGrace      time.Duration `envconfig:"RELAY_AUTH_GRACE" default:"10s"`
	MaxFrameBytes  int64         `envconfig:"RELAY_MAX_FRAME_BYTES" default:"5242880"`
}

type Bridge struct {
	MessageTimeout time.Duration `envconfig:"BRIDGE_MESSAGE_TIMEOUT" default:"120s"`
	CommandTimeout time.Duration `envconfig:"BRIDGE_COMMAND_TIMEOUT" default:"60s"`
	PingInterval   time.Duration `envconfig:"BRIDGE_PING_INTERVAL" default:"30s"`
	PongWait       time.Duration `envconfig:"BRIDGE_PONG_WAIT" default:"60s"`
	MaxFrameBytes  int64         `envconfig:"BRIDGE_MAX_FRAME_BYTES" default:"5242880"`
}

type Health struct {
	Interval           time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`
	StreamKeepalive    time.Duration `envconfig:"HEALTH_STREAM_KEEPALIVE" default:"30s"`
	ActivityWindow     time.Duration `envconfig:"HEALTH_ACTIVITY_WINDOW" default:"15m"`
	ErrorRatePercent   float64       `envconfig:"HEALTH_ERROR_RATE_PERCENT" default:"25"`
	ResponseTimeMs     int64         `envconfig:"HEALTH_RESPONSE_TIME_MS" default:"5000"`
	CPUPercent         float64       `envconfig:"HEALTH_CPU_PERCENT" default:"80"`
	MemoryMB           float64       `envconfig:"HEALTH_MEMORY_MB" default:"500"`
	InactivityAfter    time.Duration `envconfig:"HEALTH_INACTIVITY_AFTER" default:"30m"`
	MaxRestarts        int           `envconfig:"HEALTH_MAX_RESTARTS" default:"5"`
	RestartBackoffBase time.Duration `envconfig:"HEALTH_RESTART_BACKOFF_BASE" default:"30s"`
	RestartCooldown    time.Duration `envconfig:"HEALTH_RESTART_COOLDOWN" default:"10m"`
	CheckTimeout       time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"10s"`
	Concurrency        int           `envconfig:"HEALTH_CONCURRENCY" default:"16"`
}

type Limits struct {
	LoginPerMinute       int `envconfig:"RATE_LOGIN_PER_MINUTE" default:"10"`
	TunnelTokenPerMinute int `envconfig:"RATE_TUNNEL_TOKEN_PER_MINUTE" default:"20"`
	HandshakePerMinute   int `envconfig:"RATE_HANDSHAKE_PER_MINUTE" default:"30"`
}

// Workers drives the presence mirror and the periodic background jobs.
type Workers struct {
	PresenceTTL       time.Duration `envconfig:"PRESENCE_TTL" default:"120s"`
	PresenceRefresh   time.Duration `envconfig:"PRESENCE_REFRESH" default:"30s"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"60s"`
}

// LoadServer reads the server configuration, loading a .env file first when
// one exists.
func LoadServer() (Server, error) {
	_ = godotenv.Load()

	var cfg Server
	if err := envconfig.Process("", &cfg); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// BridgeClient configures the bridge client binary. Every variable is read
// with the BRIDGE_ prefix.
type BridgeClient struct {
	ServerURL         string        `envconfig:"SERVER_URL" default:"ws://localhost:8080/tunnel/bridge"`
	Token             string        `envconfig:"TOKEN"`
	AgentID           string        `envconfig:"AGENT_ID"`
	GatewayURL        string        `envconfig:"GATEWAY_URL" default:"http://127.0.0.1:18789"`
	GatewayToken      string        `envconfig:"GATEWAY_TOKEN"`
	RuntimeCLI        string        `envconfig:"RUNTIME_CLI" default:"openclaw"`
	ChatTimeout       time.Duration `envconfig:"CHAT_TIMEOUT" default:"110s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	ReconnectMax      time.Duration `envconfig:"RECONNECT_MAX" default:"60s"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadBridgeClient() (BridgeClient, error) {
	_ = godotenv.Load()

	var cfg BridgeClient
	if err := envconfig.Process("bridge", &cfg); err != nil {
		return BridgeClient{}, err
	}
	return cfg, nil
}
