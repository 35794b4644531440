// Package chat keeps the conversation shown next to the dashboard and
// persists it to local storage.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/localstore"
	"github.com/agentworkforce/fuguesync/internal/orchestration"
)

const DefaultMaxMessages = 200

type Options struct {
	Store       localstore.Store
	ProjectID   string
	MaxMessages int
	Logger      *zap.Logger
}

// History applies dispatcher actions. It is safe for concurrent use.
type History struct {
	store       localstore.Store
	key         string
	maxMessages int
	logger      *zap.Logger

	mu       sync.RWMutex
	messages []entity.Message
	plans    map[string]entity.ExecutionPlan
}

type persistedHistory struct {
	Messages []entity.Message               `json:"messages"`
	Plans    map[string]entity.ExecutionPlan `json:"plans,omitempty"`
}

// StorageKey is the local storage key for a project's conversation, falling
// back to the global history key.
func StorageKey(projectID string) string {
	if strings.TrimSpace(projectID) == "" {
		return localstore.KeyChatHistory
	}
	return localstore.ConversationKey(projectID)
}

func NewHistory(opts Options) *History {
	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{
		store:       opts.Store,
		key:         StorageKey(opts.ProjectID),
		maxMessages: maxMessages,
		logger:      logger,
		plans:       map[string]entity.ExecutionPlan{},
	}
}

// Load replaces the in-memory history with the persisted one. A missing key
// is not an error.
func (h *History) Load(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	var persisted persistedHistory
	err := localstore.GetJSON(ctx, h.store, h.key, &persisted)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = trimMessages(persisted.Messages, h.maxMessages)
	h.plans = map[string]entity.ExecutionPlan{}
	for id, plan := range persisted.Plans {
		h.plans[id] = plan
	}
	return nil
}

// Apply folds actions into the history and persists the result. It reports
// whether anything changed.
func (h *History) Apply(ctx context.Context, actions []orchestration.Action) (bool, error) {
	if len(actions) == 0 {
		return false, nil
	}
	h.mu.Lock()
	changed := false
	for _, action := range actions {
		if h.applyLocked(action) {
			changed = true
		}
	}
	h.messages = trimMessages(h.messages, h.maxMessages)
	snapshot := h.snapshotLocked()
	h.mu.Unlock()

	if !changed || h.store == nil {
		return changed, nil
	}
	if err := localstore.SetJSON(ctx, h.store, h.key, snapshot); err != nil {
		return changed, fmt.Errorf("persist chat history: %w", err)
	}
	return changed, nil
}

// AddUserMessage records an outgoing chat message.
func (h *History) AddUserMessage(ctx context.Context, msg entity.Message) error {
	if msg.Role == "" {
		msg.Role = entity.RoleUser
	}
	_, err := h.Apply(ctx, []orchestration.Action{orchestration.AddMessage{Message: msg}})
	return err
}

func (h *History) applyLocked(action orchestration.Action) bool {
	switch a := action.(type) {
	case orchestration.AddMessage:
		if strings.TrimSpace(a.Message.ID) == "" {
			return false
		}
		for i := range h.messages {
			if h.messages[i].ID == a.Message.ID {
				h.messages[i] = a.Message
				return true
			}
		}
		h.messages = append(h.messages, a.Message)
		return true
	case orchestration.UpdateMessage:
		// The newest message for the task carries its status.
		for i := len(h.messages) - 1; i >= 0; i-- {
			if h.messages[i].TaskID != a.TaskID {
				continue
			}
			if a.Content != "" {
				h.messages[i].Content = a.Content
			}
			h.messages[i].Status = a.Status
			return true
		}
		h.logger.Debug("task result for unknown message", zap.String("taskId", a.TaskID))
		return false
	case orchestration.AddPlan:
		h.plans[a.Plan.ID] = a.Plan
		return true
	case orchestration.UpdateStep:
		plan, ok := h.plans[a.PlanID]
		if !ok {
			return false
		}
		steps := append([]entity.PlanStep(nil), plan.Steps...)
		plan.Steps = steps
		step := plan.Step(a.StepID)
		if step == nil {
			return false
		}
		if a.Status != "" {
			step.Status = a.Status
		}
		if a.Output != "" {
			step.Output = a.Output
		}
		h.plans[a.PlanID] = plan
		return true
	default:
		h.logger.Warn("unknown chat action", zap.String("kind", fmt.Sprintf("%T", action)))
		return false
	}
}

func (h *History) snapshotLocked() persistedHistory {
	plans := make(map[string]entity.ExecutionPlan, len(h.plans))
	for id, plan := range h.plans {
		plans[id] = plan
	}
	return persistedHistory{
		Messages: append([]entity.Message(nil), h.messages...),
		Plans:    plans,
	}
}

func (h *History) Messages() []entity.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]entity.Message(nil), h.messages...)
}

func (h *History) Plan(id string) (entity.ExecutionPlan, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	plan, ok := h.plans[id]
	if !ok {
		return entity.ExecutionPlan{}, false
	}
	plan.Steps = append([]entity.PlanStep(nil), plan.Steps...)
	return plan, true
}

func (h *History) Plans() []entity.ExecutionPlan {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]entity.ExecutionPlan, 0, len(h.plans))
	for _, plan := range h.plans {
		plan.Steps = append([]entity.PlanStep(nil), plan.Steps...)
		out = append(out, plan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear drops the conversation and its persisted copy.
func (h *History) Clear(ctx context.Context) error {
	h.mu.Lock()
	h.messages = nil
	h.plans = map[string]entity.ExecutionPlan{}
	h.mu.Unlock()
	if h.store == nil {
		return nil
	}
	return h.store.Delete(ctx, h.key)
}

func trimMessages(messages []entity.Message, max int) []entity.Message {
	if len(messages) <= max {
		return messages
	}
	return append([]entity.Message(nil), messages[len(messages)-max:]...)
}
