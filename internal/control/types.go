// File: internal/control/types.go
package control

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/orchestrator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Controller is the part of the orchestrator the server drives.
type Controller interface {
	Dispatch(cmd orchestrator.Command) error
	Snapshot() schemas.RunSnapshot
}

// CommandRequest is the body of POST /api/v1/command and the data of an
// inbound WebSocket Command message.
type CommandRequest struct {
	Command string              `json:"command"`
	Params  jsoniter.RawMessage `json:"params,omitempty"`
}

// CommandResponse is the envelope of every JSON response.
type CommandResponse struct {
	Status string      `json:"status"` // "success", "error", "accepted"
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// MessageType defines the kind of WebSocket message.
type MessageType string

const (
	// Inbound.
	MsgTypeCommand MessageType = "Command"

	// Outbound.
	MsgTypeEvent       MessageType = "Event"
	MsgTypeCommandAck  MessageType = "CommandAck"
	MsgTypeSystemError MessageType = "SystemError"
)

// WSMessage is an outbound WebSocket message. Data is an events.Event for
// MsgTypeEvent.
type WSMessage struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// wsInbound is a message read from the client.
type wsInbound struct {
	Type      MessageType    `json:"type"`
	Data      CommandRequest `json:"data"`
	RequestID string         `json:"request_id,omitempty"`
}
