package terminal

import (
	"encoding/json"
)

// Client -> server message types.
const (
	MessageInput  = "input"
	MessageResize = "resize"
	MessageInit   = "init"
)

// Server -> client control message types.
const (
	MessageConnected    = "connected"
	MessageInitComplete = "initComplete"
	MessageError        = "error"
)

// ClientMessage is a decoded client frame. Control messages are JSON
// objects with a type field; anything else is raw terminal input.
type ClientMessage struct {
	Type     string   `json:"type"`
	Data     string   `json:"data,omitempty"`
	Rows     uint     `json:"rows,omitempty"`
	Cols     uint     `json:"cols,omitempty"`
	Commands []string `json:"commands,omitempty"`
	Timeout  int      `json:"timeout,omitempty"`
	Silent   *bool    `json:"silent,omitempty"`
}

// ParseClientMessage decodes a client frame. Non-JSON text, JSON without
// a type field, and unknown types all degrade to raw input so a bare
// terminal emulator can talk to the channel without framing.
func ParseClientMessage(raw []byte) ClientMessage {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		return ClientMessage{Type: MessageInput, Data: string(raw)}
	}
	switch msg.Type {
	case MessageInput, MessageResize, MessageInit:
		return msg
	default:
		return ClientMessage{Type: MessageInput, Data: string(raw)}
	}
}

// ConnectedMessage is sent once after a successful attach.
type ConnectedMessage struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	Environment string `json:"environment"`
}

// InitCompleteMessage reports the outcome of the silent init phase.
type InitCompleteMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrorMessage carries a non-fatal error to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func marshalControl(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Control messages are plain structs; marshal cannot fail.
		return nil
	}
	return data
}
