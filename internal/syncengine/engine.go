package syncengine

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentworkforce/fuguesync/internal/entity"
)

type Options struct {
	Now func() time.Time
}

type Engine struct {
	entities     map[entity.Key]entity.SyncEntity
	pending      map[entity.Key]entity.SyncEntity
	conflicts    []Conflict
	transport    TransportStatus
	pushFailed   bool
	lastSyncedAt entity.Timestamp
	now          func() time.Time
}

func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		entities:  map[entity.Key]entity.SyncEntity{},
		pending:   map[entity.Key]entity.SyncEntity{},
		transport: TransportOnline,
		now:       now,
	}
}

// Merge applies an ordinary push. Incoming wins when there is no local copy or
// its timestamp is equal or newer; an exact tie resolves to incoming here.
func (e *Engine) Merge(incoming entity.SyncEntity) MergeResult {
	if err := incoming.Validate(); err != nil {
		return MergeResult{Outcome: OutcomeRejected, Key: incoming.Key()}
	}
	key := incoming.Key()
	local, ok := e.entities[key]
	if ok && incoming.UpdatedAt < local.UpdatedAt {
		return MergeResult{Outcome: OutcomeKeptLocal, Key: key}
	}
	result := MergeResult{Outcome: OutcomeApplied, Key: key}
	if idx := e.conflictIndexForKey(key); idx >= 0 && incoming.UpdatedAt > e.conflicts[idx].RemoteVersion.UpdatedAt {
		superseded := e.conflicts[idx]
		e.removeConflict(idx)
		result.Superseded = &superseded
	}
	e.adopt(incoming)
	return result
}

// MergeConflict applies a dedicated conflict message carrying both sides.
// Exactly equal timestamps with different content cannot be arbitrated and
// are escalated to the registry.
func (e *Engine) MergeConflict(report ConflictReport) MergeResult {
	remote := report.Remote
	local := report.Local
	if local.ID == "" {
		local.ID = remote.ID
	}
	if local.Type == "" {
		local.Type = remote.Type
	}
	if remote.Validate() != nil || local.Key() != remote.Key() {
		return MergeResult{Outcome: OutcomeRejected, Key: remote.Key()}
	}
	key := remote.Key()

	switch {
	case local.UpdatedAt == remote.UpdatedAt && local.SameContent(remote):
		e.adopt(remote)
		return MergeResult{Outcome: OutcomeUnchanged, Key: key}
	case local.UpdatedAt == remote.UpdatedAt:
		id := report.ID
		if id == "" {
			id = conflictID(key, remote)
		}
		conflict := Conflict{
			ID:            id,
			EntityType:    key.Type,
			EntityID:      key.ID,
			LocalVersion:  local.Clone(),
			RemoteVersion: remote.Clone(),
		}
		if _, known := e.entities[key]; !known {
			e.entities[key] = local.Clone()
		}
		if idx := e.conflictIndexForKey(key); idx >= 0 {
			e.conflicts[idx] = conflict
		} else {
			e.conflicts = append(e.conflicts, conflict)
		}
		return MergeResult{Outcome: OutcomeConflict, Key: key, Conflict: &conflict}
	case remote.UpdatedAt > local.UpdatedAt:
		e.dropConflictForKey(key)
		e.adopt(remote)
		return MergeResult{Outcome: OutcomeApplied, Key: key}
	default:
		e.dropConflictForKey(key)
		e.entities[key] = local.Clone()
		e.pending[key] = local.Clone()
		return MergeResult{Outcome: OutcomeKeptLocal, Key: key}
	}
}

// Delete removes the key from the store and the tracker unconditionally.
func (e *Engine) Delete(key entity.Key) MergeResult {
	_, known := e.entities[key]
	delete(e.entities, key)
	delete(e.pending, key)
	e.dropConflictForKey(key)
	if !known {
		return MergeResult{Outcome: OutcomeUnchanged, Key: key}
	}
	return MergeResult{Outcome: OutcomeDeleted, Key: key}
}

// Update records a local mutation and marks it pending. The stored timestamp
// is strictly newer than the previous local copy.
func (e *Engine) Update(next entity.SyncEntity) (entity.SyncEntity, error) {
	if err := next.Validate(); err != nil {
		return entity.SyncEntity{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	next = next.Clone()
	key := next.Key()
	stamp := entity.TimestampOf(e.now())
	if prev, ok := e.entities[key]; ok {
		next.Version = prev.Version + 1
		if stamp <= prev.UpdatedAt {
			stamp = prev.UpdatedAt + 1
		}
	} else if next.Version <= 0 {
		next.Version = 1
	}
	next.UpdatedAt = stamp
	if next.Data == nil {
		next.Data = map[string]any{}
	}
	e.entities[key] = next
	e.pending[key] = next.Clone()
	return next.Clone(), nil
}

// ResolveConflict applies a user decision. It reports false when the conflict
// no longer exists, which makes duplicate resolutions harmless.
func (e *Engine) ResolveConflict(id string, resolution Resolution) (Conflict, bool) {
	if resolution != ResolveLocal && resolution != ResolveRemote {
		return Conflict{}, false
	}
	idx := e.conflictIndex(id)
	if idx < 0 {
		return Conflict{}, false
	}
	conflict := e.conflicts[idx]
	e.removeConflict(idx)
	key := conflict.Key()
	switch resolution {
	case ResolveRemote:
		e.entities[key] = conflict.RemoteVersion.Clone()
		delete(e.pending, key)
	case ResolveLocal:
		e.entities[key] = conflict.LocalVersion.Clone()
		e.pending[key] = conflict.LocalVersion.Clone()
	}
	return conflict, true
}

// ReplaceType reconciles a full snapshot of one type. Rows merge through LWW;
// non-pending entities missing from the snapshot are removed.
func (e *Engine) ReplaceType(typ entity.Type, snapshot []entity.SyncEntity) []MergeResult {
	seen := make(map[entity.Key]struct{}, len(snapshot))
	results := make([]MergeResult, 0, len(snapshot))
	for _, incoming := range snapshot {
		if incoming.Type != typ {
			continue
		}
		seen[incoming.Key()] = struct{}{}
		results = append(results, e.Merge(incoming))
	}
	for key := range e.entities {
		if key.Type != typ {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		if _, dirty := e.pending[key]; dirty {
			continue
		}
		results = append(results, e.Delete(key))
	}
	return results
}

// PendingBatches groups pending writes by destination table in a stable order.
func (e *Engine) PendingBatches() []Batch {
	byTable := map[string][]entity.SyncEntity{}
	for key, pending := range e.pending {
		table := key.Type.Table()
		byTable[table] = append(byTable[table], pending.Clone())
	}
	batches := make([]Batch, 0, len(byTable))
	for _, table := range entity.Tables() {
		items := byTable[table]
		if len(items) == 0 {
			continue
		}
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
		batches = append(batches, Batch{Table: table, Entities: items})
	}
	return batches
}

// Acknowledge clears pending writes confirmed by a successful push. Entries
// rewritten while the push was in flight stay pending.
func (e *Engine) Acknowledge(pushed []entity.SyncEntity) int {
	cleared := 0
	for _, item := range pushed {
		key := item.Key()
		current, ok := e.pending[key]
		if !ok {
			continue
		}
		if current.Version != item.Version || current.UpdatedAt != item.UpdatedAt {
			continue
		}
		delete(e.pending, key)
		cleared++
	}
	e.pushFailed = false
	e.lastSyncedAt = entity.TimestampOf(e.now())
	return cleared
}

func (e *Engine) MarkPushFailed() {
	e.pushFailed = true
}

// MarkSynced records a successful sync with the server, which also ends any
// offline state left by an earlier failed push.
func (e *Engine) MarkSynced() {
	e.pushFailed = false
	e.lastSyncedAt = entity.TimestampOf(e.now())
}

func (e *Engine) SetTransport(status TransportStatus) {
	switch status {
	case TransportOnline, TransportSyncing, TransportOffline:
		e.transport = status
	}
}

func (e *Engine) Transport() TransportStatus {
	return e.transport
}

func (e *Engine) State() SyncState {
	state := SyncState{
		Status:         StatusSynced,
		PendingChanges: len(e.pending),
		ConflictCount:  len(e.conflicts),
		LastSyncedAt:   e.lastSyncedAt,
	}
	switch {
	case len(e.conflicts) > 0:
		state.Status = StatusConflict
	case e.transport == TransportOffline || (e.pushFailed && len(e.pending) > 0):
		state.Status = StatusOffline
	case len(e.pending) > 0 || e.transport == TransportSyncing:
		state.Status = StatusSyncing
	}
	return state
}

func (e *Engine) Entity(key entity.Key) (entity.SyncEntity, bool) {
	current, ok := e.entities[key]
	if !ok {
		return entity.SyncEntity{}, false
	}
	return current.Clone(), true
}

func (e *Engine) IsPending(key entity.Key) bool {
	_, ok := e.pending[key]
	return ok
}

// Entities returns every stored entity of the given type sorted by id. An
// empty type returns all entities.
func (e *Engine) Entities(typ entity.Type) []entity.SyncEntity {
	out := make([]entity.SyncEntity, 0, len(e.entities))
	for key, current := range e.entities {
		if typ != "" && key.Type != typ {
			continue
		}
		out = append(out, current.Clone())
	}
	sortEntities(out)
	return out
}

func (e *Engine) Pending() []entity.SyncEntity {
	out := make([]entity.SyncEntity, 0, len(e.pending))
	for _, pending := range e.pending {
		out = append(out, pending.Clone())
	}
	sortEntities(out)
	return out
}

func (e *Engine) Conflicts() []Conflict {
	return append([]Conflict(nil), e.conflicts...)
}

func (e *Engine) ConflictForKey(key entity.Key) (Conflict, bool) {
	idx := e.conflictIndexForKey(key)
	if idx < 0 {
		return Conflict{}, false
	}
	return e.conflicts[idx], true
}

func (e *Engine) Export() Snapshot {
	return Snapshot{
		Entities:     e.Entities(""),
		Pending:      e.Pending(),
		Conflicts:    e.Conflicts(),
		LastSyncedAt: e.lastSyncedAt,
	}
}

// Restore loads a persisted snapshot. A pending write without a stored copy is
// added to the store so the pending-set invariant holds.
func (e *Engine) Restore(snapshot Snapshot) {
	for _, item := range snapshot.Entities {
		if item.Validate() != nil {
			continue
		}
		e.entities[item.Key()] = item.Clone()
	}
	for _, item := range snapshot.Pending {
		if item.Validate() != nil {
			continue
		}
		key := item.Key()
		if _, ok := e.entities[key]; !ok {
			e.entities[key] = item.Clone()
		}
		e.pending[key] = item.Clone()
	}
	for _, conflict := range snapshot.Conflicts {
		if conflict.ID == "" || e.conflictIndex(conflict.ID) >= 0 {
			continue
		}
		if _, ok := e.entities[conflict.Key()]; !ok {
			e.entities[conflict.Key()] = conflict.LocalVersion.Clone()
		}
		e.conflicts = append(e.conflicts, conflict)
	}
	if snapshot.LastSyncedAt > e.lastSyncedAt {
		e.lastSyncedAt = snapshot.LastSyncedAt
	}
}

func (e *Engine) adopt(incoming entity.SyncEntity) {
	key := incoming.Key()
	e.entities[key] = incoming.Clone()
	delete(e.pending, key)
}

func (e *Engine) conflictIndex(id string) int {
	for i, conflict := range e.conflicts {
		if conflict.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) conflictIndexForKey(key entity.Key) int {
	for i, conflict := range e.conflicts {
		if conflict.Key() == key {
			return i
		}
	}
	return -1
}

func (e *Engine) dropConflictForKey(key entity.Key) {
	if idx := e.conflictIndexForKey(key); idx >= 0 {
		e.removeConflict(idx)
	}
}

func (e *Engine) removeConflict(idx int) {
	e.conflicts = append(e.conflicts[:idx], e.conflicts[idx+1:]...)
}

func sortEntities(items []entity.SyncEntity) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Type != items[j].Type {
			return items[i].Type < items[j].Type
		}
		return items[i].ID < items[j].ID
	})
}
