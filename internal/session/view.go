package session

import (
	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/realtime"
	"github.com/agentworkforce/fuguesync/internal/syncengine"
	"github.com/agentworkforce/fuguesync/internal/wsclient"
)

// View is an immutable copy of session state published after every change.
type View struct {
	Version    uint64                     `json:"version"`
	State      syncengine.SyncState       `json:"state"`
	Transport  syncengine.TransportStatus `json:"transport"`
	Connection wsclient.State             `json:"connection,omitempty"`
	Realtime   realtime.Status            `json:"realtime,omitempty"`
	LastError  string                     `json:"lastError,omitempty"`
	Entities   []entity.SyncEntity        `json:"entities"`
	Pending    []entity.SyncEntity        `json:"pending"`
	Conflicts  []syncengine.Conflict      `json:"conflicts"`
	Messages   []entity.Message           `json:"messages"`
}

// publish copies actor state into the view and wakes the notifier. Called on
// the actor, or from New before the actor exists.
func (s *Session) publish() {
	view := View{
		State:      s.engine.State(),
		Transport:  s.engine.Transport(),
		Connection: s.wsState,
		Realtime:   s.rtStatus,
		Entities:   s.engine.Entities(""),
		Pending:    s.engine.Pending(),
		Conflicts:  s.engine.Conflicts(),
		Messages:   s.history.Messages(),
	}
	if s.lastErr != nil {
		view.LastError = s.lastErr.Error()
	}
	s.viewMu.Lock()
	s.version++
	view.Version = s.version
	s.view = view
	s.viewMu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Snapshot returns the latest published view. It never waits on the actor.
func (s *Session) Snapshot() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

func (s *Session) State() syncengine.SyncState {
	return s.Snapshot().State
}

func (s *Session) Conflicts() []syncengine.Conflict {
	return append([]syncengine.Conflict(nil), s.Snapshot().Conflicts...)
}

func (s *Session) Pending() []entity.SyncEntity {
	return cloneEntities(s.Snapshot().Pending, "")
}

func (s *Session) Messages() []entity.Message {
	return append([]entity.Message(nil), s.Snapshot().Messages...)
}

// Entities returns stored entities of one type, or all of them for an empty
// type.
func (s *Session) Entities(typ entity.Type) []entity.SyncEntity {
	return cloneEntities(s.Snapshot().Entities, typ)
}

func (s *Session) Entity(key entity.Key) (entity.SyncEntity, bool) {
	for _, item := range s.Snapshot().Entities {
		if item.Key() == key {
			return item.Clone(), true
		}
	}
	return entity.SyncEntity{}, false
}

// Tasks decodes the stored task entities. Malformed payloads are skipped.
func (s *Session) Tasks() []entity.Task {
	items := s.Entities(entity.TypeTask)
	out := make([]entity.Task, 0, len(items))
	for _, item := range items {
		task, err := entity.DecodeTask(item)
		if err != nil {
			continue
		}
		out = append(out, task)
	}
	return out
}

func (s *Session) Agents() []entity.Agent {
	items := s.Entities(entity.TypeAgent)
	out := make([]entity.Agent, 0, len(items))
	for _, item := range items {
		agent, err := entity.DecodeAgent(item)
		if err != nil {
			continue
		}
		out = append(out, agent)
	}
	return out
}

func (s *Session) Plans() []entity.ExecutionPlan {
	items := s.Entities(entity.TypeExecutionPlan)
	out := make([]entity.ExecutionPlan, 0, len(items))
	for _, item := range items {
		plan, err := entity.DecodeExecutionPlan(item)
		if err != nil {
			continue
		}
		out = append(out, plan)
	}
	return out
}

func cloneEntities(items []entity.SyncEntity, typ entity.Type) []entity.SyncEntity {
	out := make([]entity.SyncEntity, 0, len(items))
	for _, item := range items {
		if typ != "" && item.Type != typ {
			continue
		}
		out = append(out, item.Clone())
	}
	return out
}
