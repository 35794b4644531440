package protocol

import (
	"fmt"

	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/syncengine"
)

// SyncMessage is one of SyncStatePayload, SyncPushPayload or
// SyncConflictPayload.
type SyncMessage interface {
	syncMessage()
}

type SyncStatePayload struct {
	Status         syncengine.Status   `json:"status,omitempty"`
	PendingChanges int                 `json:"pendingChanges,omitempty"`
	ConflictCount  int                 `json:"conflictCount,omitempty"`
	LastSyncedAt   entity.Timestamp    `json:"lastSyncedAt,omitempty"`
	Entities       []entity.SyncEntity `json:"entities,omitempty"`
}

type SyncPushPayload struct {
	Entity   *entity.SyncEntity  `json:"entity,omitempty"`
	Entities []entity.SyncEntity `json:"entities,omitempty"`
}

// All flattens the single and list forms.
func (p SyncPushPayload) All() []entity.SyncEntity {
	out := make([]entity.SyncEntity, 0, len(p.Entities)+1)
	if p.Entity != nil {
		out = append(out, *p.Entity)
	}
	return append(out, p.Entities...)
}

type SyncConflictPayload struct {
	ID            string            `json:"id,omitempty"`
	EntityType    string            `json:"entityType,omitempty"`
	EntityID      string            `json:"entityId,omitempty"`
	LocalVersion  entity.SyncEntity `json:"localVersion"`
	RemoteVersion entity.SyncEntity `json:"remoteVersion"`
}

func (p SyncConflictPayload) Report() syncengine.ConflictReport {
	return syncengine.ConflictReport{ID: p.ID, Local: p.LocalVersion, Remote: p.RemoteVersion}
}

func (SyncStatePayload) syncMessage()    {}
func (SyncPushPayload) syncMessage()     {}
func (SyncConflictPayload) syncMessage() {}

// DecodeSync validates a sync sub-protocol envelope and decodes it. Any error
// means the envelope should fall through to the chat dispatcher.
func (v *Validator) DecodeSync(env Envelope) (SyncMessage, error) {
	if !IsSyncType(env.Type) {
		return nil, fmt.Errorf("%w: %s", ErrNotSync, env.Type)
	}
	if err := v.Validate(env); err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeSyncState:
		var payload SyncStatePayload
		if err := env.DecodeBody(&payload); err != nil {
			return nil, err
		}
		for i := range payload.Entities {
			if err := normalizeEntity(&payload.Entities[i], "", ""); err != nil {
				return nil, err
			}
		}
		return payload, nil
	case TypeSyncPush:
		var payload SyncPushPayload
		if err := env.DecodeBody(&payload); err != nil {
			return nil, err
		}
		if payload.Entity != nil {
			if err := normalizeEntity(payload.Entity, "", ""); err != nil {
				return nil, err
			}
		}
		for i := range payload.Entities {
			if err := normalizeEntity(&payload.Entities[i], "", ""); err != nil {
				return nil, err
			}
		}
		return payload, nil
	default:
		var payload SyncConflictPayload
		if err := env.DecodeBody(&payload); err != nil {
			return nil, err
		}
		if err := normalizeEntity(&payload.RemoteVersion, payload.EntityType, payload.EntityID); err != nil {
			return nil, err
		}
		if err := normalizeEntity(&payload.LocalVersion, string(payload.RemoteVersion.Type), payload.RemoteVersion.ID); err != nil {
			return nil, err
		}
		if payload.LocalVersion.Key() != payload.RemoteVersion.Key() {
			return nil, fmt.Errorf("%w: conflict versions disagree on key", ErrMalformed)
		}
		return payload, nil
	}
}

// normalizeEntity canonicalizes type aliases and fills a missing id or type
// from the enclosing message.
func normalizeEntity(e *entity.SyncEntity, fallbackType, fallbackID string) error {
	rawType := string(e.Type)
	if rawType == "" {
		rawType = fallbackType
	}
	typ, ok := entity.ParseType(rawType)
	if !ok {
		return fmt.Errorf("%w: unknown entity type %q", ErrMalformed, rawType)
	}
	e.Type = typ
	if e.ID == "" {
		e.ID = fallbackID
	}
	return e.Validate()
}
