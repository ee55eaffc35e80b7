// Package wire defines the JSON frame formats exchanged over the
// control-channel and admin-stream WebSocket connections, and the
// jsoniter-based codec used to marshal/unmarshal them. Every message is a
// flat JSON object carrying a "type" discriminator, the Go equivalent of the
// protocol's `#[serde(tag = "type", rename_all = "snake_case")]` enums.
package wire

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/runnergateway/gateway/internal/gwtypes"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProtocolVersion is the control-channel handshake version this gateway
// speaks. Runners registering with a different version are rejected.
const ProtocolVersion = 1

// envelope is used only to sniff the "type" field before dispatching to a
// concrete struct.
type envelope struct {
	Type string `json:"type"`
}

// --- runner -> gateway -------------------------------------------------

// RunnerRegistration is the first message a runner must send.
type RunnerRegistration struct {
	RunnerID        string              `json:"runner_id"`
	RunnerName      string              `json:"runner_name"`
	MachineType     string              `json:"machine_type,omitempty"`
	HTTPPort        uint16              `json:"http_port"`
	ProtocolVersion uint32              `json:"protocol_version"`
	AuthToken       string              `json:"auth_token"`
	Status          gwtypes.RunnerStatus `json:"status"`
	MACAddress      string              `json:"mac_address,omitempty"`
}

// CommandResponse is a runner's reply to a gateway-issued command.
type CommandResponse struct {
	RequestID string                `json:"request_id"`
	Success   bool                  `json:"success"`
	Error     string                `json:"error,omitempty"`
	Status    *gwtypes.RunnerStatus `json:"status,omitempty"`
}

// InboundMessage is the decoded runner->gateway message, tagged by Type.
// Exactly one of Registration/Status/CommandResp is populated, matching
// which Type it carries.
type InboundMessage struct {
	Type         string
	Registration *RunnerRegistration
	// Status carries both Heartbeat and StatusUpdate payloads; Type tells
	// the caller which one it was.
	Status       *gwtypes.RunnerStatus
	CommandResp  *CommandResponse
}

const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeStatusUpdate   = "status_update"
	TypeCommandResponse = "command_response"
)

// DecodeInbound parses a raw runner->gateway text frame.
func DecodeInbound(raw []byte) (*InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}
	msg := &InboundMessage{Type: env.Type}
	switch env.Type {
	case TypeRegister:
		var reg RunnerRegistration
		if err := json.Unmarshal(raw, &reg); err != nil {
			return nil, fmt.Errorf("wire: malformed register frame: %w", err)
		}
		msg.Registration = &reg
	case TypeHeartbeat, TypeStatusUpdate:
		var status gwtypes.RunnerStatus
		if err := json.Unmarshal(raw, &status); err != nil {
			return nil, fmt.Errorf("wire: malformed status frame: %w", err)
		}
		msg.Status = &status
	case TypeCommandResponse:
		var resp CommandResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("wire: malformed command_response frame: %w", err)
		}
		msg.CommandResp = &resp
	default:
		return nil, fmt.Errorf("wire: unknown frame type %q", env.Type)
	}
	return msg, nil
}

// --- gateway -> runner ---------------------------------------------------

// RegisterAck acknowledges a successful registration.
type RegisterAck struct {
	RunnerID string `json:"runner_id"`
}

func (RegisterAck) MessageType() string { return "register_ack" }

// MarshalJSON implements json.Marshaler, injecting the type discriminator.
func (m RegisterAck) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string `json:"type"`
		RunnerID string `json:"runner_id"`
	}{Type: m.MessageType(), RunnerID: m.RunnerID})
}

// LoadModel commands a runner to load a model.
type LoadModel struct {
	ModelID   string `json:"model_id"`
	RequestID string `json:"request_id"`
}

func (LoadModel) MessageType() string { return "load_model" }

func (m LoadModel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		ModelID   string `json:"model_id"`
		RequestID string `json:"request_id"`
	}{Type: m.MessageType(), ModelID: m.ModelID, RequestID: m.RequestID})
}

// UnloadModel commands a runner to unload a model.
type UnloadModel struct {
	ModelID   string `json:"model_id"`
	RequestID string `json:"request_id"`
}

func (UnloadModel) MessageType() string { return "unload_model" }

func (m UnloadModel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		ModelID   string `json:"model_id"`
		RequestID string `json:"request_id"`
	}{Type: m.MessageType(), ModelID: m.ModelID, RequestID: m.RequestID})
}

// RequestStatus asks a runner to report its current status.
type RequestStatus struct {
	RequestID string `json:"request_id"`
}

func (RequestStatus) MessageType() string { return "request_status" }

func (m RequestStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	}{Type: m.MessageType(), RequestID: m.RequestID})
}

// Ping is the application-level keepalive (distinct from the transport
// ping/pong frames gorilla/websocket handles on its own).
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

func (Ping) MessageType() string { return "ping" }

func (m Ping) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
	}{Type: m.MessageType(), Timestamp: m.Timestamp})
}

// ErrorMessage reports a gateway-side error to the runner before closing.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorMessage) MessageType() string { return "error" }

func (m ErrorMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Type: m.MessageType(), Code: m.Code, Message: m.Message})
}

// Encode serializes an OutboundMessage to a JSON text frame.
func Encode(m gwtypes.OutboundMessage) ([]byte, error) {
	return json.Marshal(m)
}
