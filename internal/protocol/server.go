package protocol

import (
	"encoding/json"
	"strings"

	"github.com/agentworkforce/fuguesync/internal/entity"
)

type AckPayload struct {
	TaskID  string `json:"taskId"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

type ChatResponsePayload struct {
	Content string `json:"content"`
	Message string `json:"message,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
	PlanID  string `json:"planId,omitempty"`
}

// Text returns the response text, preferring content over message.
func (p ChatResponsePayload) Text() string {
	if strings.TrimSpace(p.Content) != "" {
		return p.Content
	}
	return p.Message
}

type TaskCreatedPayload struct {
	TaskID      string `json:"taskId"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type TaskResultPayload struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (p TaskResultPayload) Succeeded() bool {
	return p.Status == "completed"
}

type ExecutionPlanPayload struct {
	Plan entity.ExecutionPlan
}

// UnmarshalJSON accepts both {"plan": {...}} and a bare plan object.
func (p *ExecutionPlanPayload) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Plan *entity.ExecutionPlan `json:"plan"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if wrapped.Plan != nil {
		p.Plan = *wrapped.Plan
		return nil
	}
	return json.Unmarshal(data, &p.Plan)
}

type PlanStepUpdatePayload struct {
	PlanID string `json:"planId"`
	StepID string `json:"stepId"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (p ErrorPayload) Text() string {
	if strings.TrimSpace(p.Message) != "" {
		return p.Message
	}
	if strings.TrimSpace(p.Error) != "" {
		return p.Error
	}
	return "unknown server error"
}

type TasksPayload struct {
	Tasks []map[string]any
}

// UnmarshalJSON accepts both {"tasks": [...]} and a bare array.
func (p *TasksPayload) UnmarshalJSON(data []byte) error {
	var list []map[string]any
	if err := json.Unmarshal(data, &list); err == nil {
		p.Tasks = list
		return nil
	}
	var wrapped struct {
		Tasks []map[string]any `json:"tasks"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	p.Tasks = wrapped.Tasks
	return nil
}
