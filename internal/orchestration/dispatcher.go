// Package orchestration turns chat-side server messages into UI actions. It
// performs no I/O.
package orchestration

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/protocol"
)

type Options struct {
	NewID  func() string
	Now    func() time.Time
	Logger *zap.Logger
}

type Dispatcher struct {
	newID  func() string
	now    func() time.Time
	logger *zap.Logger
}

func NewDispatcher(opts Options) *Dispatcher {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{newID: newID, now: now, logger: logger}
}

// Dispatch maps one server message to zero or more actions. Unknown types and
// messages missing their correlation ids yield no actions.
func (d *Dispatcher) Dispatch(env protocol.Envelope) []Action {
	switch env.Type {
	case protocol.TypeAck:
		return d.ack(env)
	case protocol.TypeChatResponse:
		return d.chatResponse(env)
	case protocol.TypeTaskCreated:
		return d.taskCreated(env)
	case protocol.TypeTaskResult:
		return d.taskResult(env)
	case protocol.TypeExecutionPlan:
		return d.executionPlan(env)
	case protocol.TypePlanStepUpdate:
		return d.planStepUpdate(env)
	case protocol.TypeError:
		return d.serverError(env)
	default:
		return nil
	}
}

func (d *Dispatcher) ack(env protocol.Envelope) []Action {
	var payload protocol.AckPayload
	if !d.decode(env, &payload) || strings.TrimSpace(payload.TaskID) == "" {
		return nil
	}
	content := strings.TrimSpace(payload.Message)
	if content == "" {
		content = "Working on it..."
	}
	return []Action{AddMessage{Message: d.message(entity.RoleAssistant, content, payload.TaskID, "", entity.MessageProcessing)}}
}

func (d *Dispatcher) chatResponse(env protocol.Envelope) []Action {
	var payload protocol.ChatResponsePayload
	if !d.decode(env, &payload) {
		return nil
	}
	content := payload.Text()
	if strings.TrimSpace(content) == "" {
		return nil
	}
	return []Action{AddMessage{Message: d.message(entity.RoleAssistant, content, payload.TaskID, payload.PlanID, entity.MessageCompleted)}}
}

func (d *Dispatcher) taskCreated(env protocol.Envelope) []Action {
	var payload protocol.TaskCreatedPayload
	if !d.decode(env, &payload) || strings.TrimSpace(payload.TaskID) == "" {
		return nil
	}
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		title = payload.TaskID
	}
	return []Action{AddMessage{Message: d.message(entity.RoleSystem, "Task created: "+title, payload.TaskID, "", entity.MessagePending)}}
}

func (d *Dispatcher) taskResult(env protocol.Envelope) []Action {
	var payload protocol.TaskResultPayload
	if !d.decode(env, &payload) || strings.TrimSpace(payload.TaskID) == "" {
		return nil
	}
	if payload.Succeeded() {
		content := firstNonEmpty(payload.Result, payload.Output, "Task completed")
		return []Action{UpdateMessage{TaskID: payload.TaskID, Outcome: OutcomeSuccess, Content: content, Status: entity.MessageCompleted}}
	}
	content := firstNonEmpty(payload.Error, payload.Result, fmt.Sprintf("Task ended with status %q", payload.Status))
	return []Action{UpdateMessage{TaskID: payload.TaskID, Outcome: OutcomeFailure, Content: content, Status: entity.MessageFailed}}
}

func (d *Dispatcher) executionPlan(env protocol.Envelope) []Action {
	var payload protocol.ExecutionPlanPayload
	if !d.decode(env, &payload) || strings.TrimSpace(payload.Plan.ID) == "" {
		return nil
	}
	plan := payload.Plan
	for _, step := range plan.Steps {
		if strings.TrimSpace(step.ID) == "" {
			d.logger.Warn("dropping execution plan with unnamed step", zap.String("planId", plan.ID))
			return nil
		}
	}
	title := strings.TrimSpace(plan.Title)
	if title == "" {
		title = plan.ID
	}
	return []Action{
		AddPlan{Plan: plan},
		AddMessage{Message: d.message(entity.RoleAssistant, "Execution plan: "+title, plan.TaskID, plan.ID, entity.MessagePending)},
	}
}

func (d *Dispatcher) planStepUpdate(env protocol.Envelope) []Action {
	var payload protocol.PlanStepUpdatePayload
	if !d.decode(env, &payload) {
		return nil
	}
	if strings.TrimSpace(payload.PlanID) == "" || strings.TrimSpace(payload.StepID) == "" {
		return nil
	}
	return []Action{UpdateStep{PlanID: payload.PlanID, StepID: payload.StepID, Status: payload.Status, Output: payload.Output}}
}

func (d *Dispatcher) serverError(env protocol.Envelope) []Action {
	var payload protocol.ErrorPayload
	if !d.decode(env, &payload) {
		payload = protocol.ErrorPayload{}
	}
	return []Action{AddMessage{Message: d.message(entity.RoleSystem, payload.Text(), "", "", entity.MessageError)}}
}

func (d *Dispatcher) decode(env protocol.Envelope, out any) bool {
	if err := env.DecodeBody(out); err != nil {
		d.logger.Debug("dropping undecodable chat message", zap.String("type", env.Type), zap.Error(err))
		return false
	}
	return true
}

func (d *Dispatcher) message(role entity.MessageRole, content, taskID, planID string, status entity.MessageStatus) entity.Message {
	return entity.Message{
		ID:        d.newID(),
		Role:      role,
		Content:   content,
		Timestamp: entity.TimestampOf(d.now()),
		TaskID:    taskID,
		PlanID:    planID,
		Status:    status,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
