// Package protocol defines the JSON-over-text-frame messages exchanged with
// the FUGUE server.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrSchema    = errors.New("schema validation failed")
	ErrNotSync   = errors.New("not a sync message")
)

// Server message types.
const (
	TypeAck               = "ack"
	TypeChatResponse      = "chat-response"
	TypeTaskCreated       = "task_created"
	TypeTaskResult        = "task-result"
	TypeExecutionPlan     = "execution-plan"
	TypePlanStepUpdate    = "plan-step-update"
	TypeError             = "error"
	TypeTasks             = "tasks"
	TypeGitStatus         = "git-status"
	TypeAlert             = "alert"
	TypeObservabilitySync = "observability-sync"
	TypePong              = "pong"
	TypeSyncState         = "sync-state"
	TypeSyncPush          = "sync-push"
	TypeSyncConflict      = "sync-conflict"
)

// Client message types.
const (
	TypeStatusRequest = "status-request"
	TypeChat          = "chat"
	TypeCommand       = "command"
	TypePing          = "ping"
)

func IsSyncType(messageType string) bool {
	switch messageType {
	case TypeSyncState, TypeSyncPush, TypeSyncConflict:
		return true
	default:
		return false
	}
}

// Envelope is a decoded server message. Servers send fields either under
// "payload" or at the top level next to "type"; Body returns whichever is set.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

func Decode(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	env.Raw = append(json.RawMessage(nil), trimmed...)
	return env, nil
}

func (e Envelope) Body() json.RawMessage {
	payload := bytes.TrimSpace(e.Payload)
	if len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		return payload
	}
	if len(e.Raw) > 0 {
		return e.Raw
	}
	return json.RawMessage("{}")
}

func (e Envelope) DecodeBody(out any) error {
	if err := json.Unmarshal(e.Body(), out); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// NewEnvelope builds an envelope around a payload value, mainly for tests and
// for locally synthesized messages.
func NewEnvelope(messageType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(ClientMessage{Type: messageType, Payload: payload})
	if err != nil {
		return Envelope{}, err
	}
	return Decode(raw)
}

type ClientMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type ChatPayload struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

type CommandPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

func StatusRequest() ClientMessage {
	return ClientMessage{Type: TypeStatusRequest}
}

func Ping() ClientMessage {
	return ClientMessage{Type: TypePing}
}

func Chat(message string, context map[string]any) ClientMessage {
	return ClientMessage{Type: TypeChat, Payload: ChatPayload{Message: message, Context: context}}
}

func Command(command string, args ...string) ClientMessage {
	return ClientMessage{Type: TypeCommand, Payload: CommandPayload{Command: command, Args: args}}
}
