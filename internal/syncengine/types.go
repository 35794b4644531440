// Package syncengine owns the entity store, the pending-write tracker and the
// conflict registry, and applies last-writer-wins merges to them.
//
// An Engine is a single-writer structure. Callers serialize access; the
// session package does so with one actor goroutine.
package syncengine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/fuguesync/internal/entity"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidResolution = errors.New("invalid resolution")
)

type Status string

const (
	StatusSynced   Status = "synced"
	StatusSyncing  Status = "syncing"
	StatusConflict Status = "conflict"
	StatusOffline  Status = "offline"
)

// TransportStatus is the last status reported by the transports.
type TransportStatus string

const (
	TransportOnline  TransportStatus = "online"
	TransportSyncing TransportStatus = "syncing"
	TransportOffline TransportStatus = "offline"
)

type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
)

func ParseResolution(raw string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(raw))) {
	case ResolveLocal:
		return ResolveLocal, nil
	case ResolveRemote:
		return ResolveRemote, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, raw)
	}
}

type SyncState struct {
	Status         Status           `json:"status"`
	PendingChanges int              `json:"pendingChanges"`
	ConflictCount  int              `json:"conflictCount"`
	LastSyncedAt   entity.Timestamp `json:"lastSyncedAt,omitempty"`
}

type Conflict struct {
	ID            string            `json:"id"`
	EntityType    entity.Type       `json:"entityType"`
	EntityID      string            `json:"entityId"`
	LocalVersion  entity.SyncEntity `json:"localVersion"`
	RemoteVersion entity.SyncEntity `json:"remoteVersion"`
}

func (c Conflict) Key() entity.Key {
	return entity.Key{Type: c.EntityType, ID: c.EntityID}
}

// ConflictReport is the pair carried by a dedicated conflict message.
type ConflictReport struct {
	ID     string
	Local  entity.SyncEntity
	Remote entity.SyncEntity
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeKeptLocal Outcome = "kept_local"
	OutcomeConflict  Outcome = "conflict"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeRejected  Outcome = "rejected"
)

type MergeResult struct {
	Outcome  Outcome
	Key      entity.Key
	Conflict *Conflict
	// Superseded is set when a newer write cleared an open conflict.
	Superseded *Conflict
}

// Batch is the set of pending writes bound for one realtime table.
type Batch struct {
	Table    string
	Entities []entity.SyncEntity
}

// Snapshot is the persisted form of the store used for the offline fallback.
type Snapshot struct {
	Entities     []entity.SyncEntity `json:"entities"`
	Pending      []entity.SyncEntity `json:"pending"`
	Conflicts    []Conflict          `json:"conflicts,omitempty"`
	LastSyncedAt entity.Timestamp    `json:"lastSyncedAt,omitempty"`
}

func conflictID(key entity.Key, remote entity.SyncEntity) string {
	return fmt.Sprintf("conflict:%s:%d", key, remote.UpdatedAt)
}
