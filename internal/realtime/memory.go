package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/agentworkforce/fuguesync/internal/entity"
)

type UpsertCall struct {
	Table    string
	Entities []entity.SyncEntity
}

type MemoryOptions struct {
	// EchoUpserts re-emits upserted rows to subscribers the way a database
	// trigger would.
	EchoUpserts bool
}

// MemoryBackend keeps rows in process. Tests drive it with Emit and inject
// failures with FailUpserts and FailSnapshots.
type MemoryBackend struct {
	mu          sync.Mutex
	rows        map[string]map[string]map[string]any
	subs        map[int]*memorySubscription
	nextSubID   int
	upserts     []UpsertCall
	upsertErr   error
	snapshotErr error
	echo        bool
	closed      bool
}

type memorySubscription struct {
	backend *MemoryBackend
	id      int
	tables  map[string]struct{}
	handler Handler
}

func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithOptions(MemoryOptions{})
}

func NewMemoryBackendWithOptions(opts MemoryOptions) *MemoryBackend {
	rows := make(map[string]map[string]map[string]any, len(entity.Tables()))
	for _, table := range entity.Tables() {
		rows[table] = map[string]map[string]any{}
	}
	return &MemoryBackend{
		rows: rows,
		subs: map[int]*memorySubscription{},
		echo: opts.EchoUpserts,
	}
}

func (b *MemoryBackend) Subscribe(ctx context.Context, tables []string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, ErrInvalidInput
	}
	set, err := tableSet(tables)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextSubID++
	sub := &memorySubscription{backend: b, id: b.nextSubID, tables: set, handler: h}
	b.subs[sub.id] = sub
	b.mu.Unlock()
	h.OnStatus(StatusSubscribed, nil)
	return sub, nil
}

func (s *memorySubscription) Unsubscribe() error {
	s.backend.mu.Lock()
	_, ok := s.backend.subs[s.id]
	delete(s.backend.subs, s.id)
	s.backend.mu.Unlock()
	if ok {
		s.handler.OnStatus(StatusClosed, nil)
	}
	return nil
}

func (b *MemoryBackend) FetchSnapshot(ctx context.Context, table string) ([]map[string]any, error) {
	table, err := validateTable(table)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshotErr != nil {
		return nil, b.snapshotErr
	}
	ids := make([]string, 0, len(b.rows[table]))
	for id := range b.rows[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRow(b.rows[table][id]))
	}
	return out, nil
}

func (b *MemoryBackend) Upsert(ctx context.Context, table string, entities []entity.SyncEntity) error {
	table, err := validateTable(table)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	call := UpsertCall{Table: table, Entities: make([]entity.SyncEntity, 0, len(entities))}
	for _, item := range entities {
		call.Entities = append(call.Entities, item.Clone())
	}
	b.upserts = append(b.upserts, call)
	if b.upsertErr != nil {
		failure := b.upsertErr
		b.mu.Unlock()
		return failure
	}
	changes := make([]Change, 0, len(entities))
	for _, item := range entities {
		row := entity.ToRow(item)
		changeType := ChangeInsert
		if _, exists := b.rows[table][item.ID]; exists {
			changeType = ChangeUpdate
		}
		b.rows[table][item.ID] = row
		changes = append(changes, Change{Table: table, Type: changeType, Record: cloneRow(row)})
	}
	echo := b.echo
	b.mu.Unlock()
	if echo {
		for _, change := range changes {
			b.dispatch(change)
		}
	}
	return nil
}

// Emit applies a change to the stored rows and delivers it to subscribers.
func (b *MemoryBackend) Emit(change Change) {
	if table, err := validateTable(change.Table); err == nil {
		change.Table = table
		b.mu.Lock()
		switch change.Type {
		case ChangeDelete:
			if id, ok := rowID(change.OldRecord, change.Record); ok {
				delete(b.rows[table], id)
			}
		default:
			if id, ok := rowID(change.Record, nil); ok {
				b.rows[table][id] = cloneRow(change.Record)
			}
		}
		b.mu.Unlock()
	}
	b.dispatch(change)
}

// EmitStatus delivers a status change to every subscriber.
func (b *MemoryBackend) EmitStatus(status Status, err error) {
	for _, sub := range b.subscribers("") {
		sub.handler.OnStatus(status, err)
	}
}

// SetRow seeds a row without notifying subscribers.
func (b *MemoryBackend) SetRow(table string, row map[string]any) error {
	table, err := validateTable(table)
	if err != nil {
		return err
	}
	id, ok := rowID(row, nil)
	if !ok {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[table][id] = cloneRow(row)
	return nil
}

func (b *MemoryBackend) FailUpserts(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upsertErr = err
}

func (b *MemoryBackend) FailSnapshots(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshotErr = err
}

func (b *MemoryBackend) Upserts() []UpsertCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]UpsertCall(nil), b.upserts...)
}

func (b *MemoryBackend) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[int]*memorySubscription{}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.handler.OnStatus(StatusClosed, nil)
	}
	return nil
}

func (b *MemoryBackend) dispatch(change Change) {
	for _, sub := range b.subscribers(change.Table) {
		sub.handler.OnChange(change)
	}
}

func (b *MemoryBackend) subscribers(table string) []*memorySubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]*memorySubscription, 0, len(ids))
	for _, id := range ids {
		sub := b.subs[id]
		if table != "" {
			if _, ok := sub.tables[table]; !ok {
				continue
			}
		}
		out = append(out, sub)
	}
	return out
}

func rowID(primary, fallback map[string]any) (string, bool) {
	for _, row := range []map[string]any{primary, fallback} {
		if id, ok := row["id"].(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

func cloneRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		out := make(map[string]any, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
