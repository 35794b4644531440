// Package broadcast carries small notifications between sessions: theme
// changes, logouts and conflict resolutions. Delivery is asynchronous and
// best effort; a sender never receives its own envelopes.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/fuguesync/internal/entity"
)

var (
	ErrClosed       = errors.New("broadcaster closed")
	ErrInvalidInput = errors.New("invalid input")
)

type Channel string

const (
	ChannelAuth  Channel = "auth"
	ChannelTheme Channel = "theme"
	ChannelSync  Channel = "sync"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelAuth, ChannelTheme, ChannelSync:
		return true
	default:
		return false
	}
}

const (
	ActionLogout          = "logout"
	ActionThemeChange     = "change"
	ActionConflictResolve = "conflict-resolved"
)

type Envelope struct {
	Channel   Channel          `json:"channel"`
	Action    string           `json:"action"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Timestamp entity.Timestamp `json:"timestamp"`
	Origin    string           `json:"origin,omitempty"`
}

func NewEnvelope(channel Channel, action string, payload any) (Envelope, error) {
	if !channel.Valid() || action == "" {
		return Envelope{}, fmt.Errorf("%w: channel %q action %q", ErrInvalidInput, channel, action)
	}
	env := Envelope{Channel: channel, Action: action, Timestamp: entity.TimestampOf(time.Now())}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidInput)
	}
	return json.Unmarshal(e.Payload, out)
}

type Broadcaster interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(fn func(Envelope)) (cancel func())
	Close() error
}

// ConflictResolution is the payload of a sync/conflict-resolved envelope.
type ConflictResolution struct {
	ConflictID string `json:"conflictId"`
	Resolution string `json:"resolution"`
}

type ThemeChange struct {
	Theme string `json:"theme"`
}
