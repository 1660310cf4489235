package models

import "encoding/json"

// Relay frame types.
const (
	FrameAuth           = "auth"
	FrameConnected      = "connected"
	FrameReplaced       = "replaced"
	FrameChat           = "chat"
	FrameChatResponse   = "chat_response"
	FramePing           = "ping"
	FramePong           = "pong"
	FrameStatus         = "status"
	FrameStatusResponse = "status_response"
	FrameRestart        = "restart"
	FrameAck            = "ack"
	FrameError          = "error"
)

// RelayFrame is the wire format of the relay protocol. Token and AgentID are
// only set on the auth frame.
type RelayFrame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	AgentID string          `json:"agentId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RelayChatPayload struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type RelayChatResponsePayload struct {
	Text string `json:"text"`
}

type RelayErrorPayload struct {
	Message string `json:"message"`
}

// Bridge event names.
const (
	EventRegister      = "bridge:register"
	EventRegistered    = "bridge:registered"
	EventError         = "bridge:error"
	EventReplaced      = "bridge:replaced"
	EventMessage       = "bridge:message"
	EventResponse      = "bridge:response"
	EventStatus        = "bridge:status"
	EventCommand       = "bridge:command"
	EventCommandResult = "bridge:command-result"
	EventWatch         = "bridge:watch"
	EventUnwatch       = "bridge:unwatch"
	EventHealth        = "bridge:health"
)

// Bridge commands understood by the bridge client.
const (
	CommandHealth  = "health"
	CommandStatus  = "status"
	CommandStart   = "start"
	CommandStop    = "stop"
	CommandRestart = "restart"
	CommandInstall = "install"
)

// BridgeEnvelope multiplexes named events over one websocket.
type BridgeEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type BridgeRegister struct {
	AgentID string              `json:"agentId"`
	Health  *BridgeClientHealth `json:"health,omitempty"`
}

type BridgeRegistered struct {
	AgentID string `json:"agentId"`
}

type BridgeNotice struct {
	Message string `json:"message"`
}

type BridgeMessage struct {
	AgentID     string       `json:"agentId"`
	MessageID   string       `json:"messageId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type BridgeResponse struct {
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	Error     string `json:"error,omitempty"`
}

type BridgeStatus struct {
	AgentID string              `json:"agentId"`
	Health  *BridgeClientHealth `json:"health,omitempty"`
}

type BridgeCommand struct {
	Command   string `json:"command"`
	RequestID string `json:"requestId"`
}

type BridgeCommandResult struct {
	RequestID string        `json:"requestId"`
	AgentID   string        `json:"agentId"`
	Command   string        `json:"command"`
	Result    CommandResult `json:"result"`
}

type BridgeWatch struct {
	AgentID string `json:"agentId"`
}

// BridgeHealthNotice is pushed to dashboard sessions watching an agent. A nil
// Health means the bridge is absent.
type BridgeHealthNotice struct {
	AgentID   string              `json:"agentId"`
	Connected bool                `json:"connected"`
	Health    *BridgeClientHealth `json:"health"`
}
