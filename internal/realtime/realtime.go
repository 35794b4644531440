// Package realtime subscribes to row-level changes on the tasks, agents and
// execution plan tables and pushes local writes back to them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/fuguesync/internal/entity"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrOffline        = errors.New("realtime backend offline")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("realtime backend closed")
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

func ParseChangeType(raw string) (ChangeType, bool) {
	switch ChangeType(strings.ToUpper(strings.TrimSpace(raw))) {
	case ChangeInsert:
		return ChangeInsert, true
	case ChangeUpdate:
		return ChangeUpdate, true
	case ChangeDelete:
		return ChangeDelete, true
	default:
		return "", false
	}
}

// Change is one row-level event.
type Change struct {
	Table     string         `json:"table"`
	Type      ChangeType     `json:"type"`
	Record    map[string]any `json:"record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// Entity converts the changed row. Deletes fall back to the old record since
// the new one is empty.
func (c Change) Entity() (entity.SyncEntity, error) {
	row := c.Record
	if c.Type == ChangeDelete && len(c.OldRecord) > 0 {
		row = c.OldRecord
	}
	if len(row) == 0 {
		row = c.OldRecord
	}
	return entity.FromRow(c.Table, row)
}

type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusClosed       Status = "CLOSED"
	StatusUnavailable  Status = "UNAVAILABLE"
)

// NeedsResync reports whether the status means events may have been missed.
func (s Status) NeedsResync() bool {
	return s == StatusTimedOut || s == StatusChannelError
}

// Handler callbacks run on backend goroutines and must not block for long.
type Handler interface {
	OnChange(change Change)
	OnStatus(status Status, err error)
}

type Subscription interface {
	Unsubscribe() error
}

type Backend interface {
	Subscribe(ctx context.Context, tables []string, h Handler) (Subscription, error)
	FetchSnapshot(ctx context.Context, table string) ([]map[string]any, error)
	Upsert(ctx context.Context, table string, entities []entity.SyncEntity) error
	Close() error
}

func validateTable(table string) (string, error) {
	table = strings.ToLower(strings.TrimSpace(table))
	if _, ok := entity.TypeForTable(table); !ok {
		return "", fmt.Errorf("%w: unknown table %q", ErrInvalidInput, table)
	}
	return table, nil
}

func tableSet(tables []string) (map[string]struct{}, error) {
	if len(tables) == 0 {
		tables = entity.Tables()
	}
	set := make(map[string]struct{}, len(tables))
	for _, table := range tables {
		normalized, err := validateTable(table)
		if err != nil {
			return nil, err
		}
		set[normalized] = struct{}{}
	}
	return set, nil
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }
