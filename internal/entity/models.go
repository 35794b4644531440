package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	AgentID     string `json:"agentId,omitempty"`
	Priority    string `json:"priority,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
}

type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Model       string `json:"model,omitempty"`
	CurrentTask string `json:"currentTask,omitempty"`
	LastSeen    string `json:"lastSeen,omitempty"`
}

type PlanStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Output      string `json:"output,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
}

type ExecutionPlan struct {
	ID       string     `json:"id"`
	TaskID   string     `json:"taskId,omitempty"`
	Title    string     `json:"title,omitempty"`
	Status   string     `json:"status"`
	Steps    []PlanStep `json:"steps"`
	Approved bool       `json:"approved,omitempty"`
}

// Step returns a pointer into Steps for in-place updates.
func (p *ExecutionPlan) Step(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
	MessageError      MessageStatus = "error"
)

type Message struct {
	ID        string        `json:"id"`
	Role      MessageRole   `json:"role"`
	Content   string        `json:"content"`
	Timestamp Timestamp     `json:"timestamp"`
	TaskID    string        `json:"taskId,omitempty"`
	PlanID    string        `json:"planId,omitempty"`
	Status    MessageStatus `json:"status,omitempty"`
}

func DecodeTask(e SyncEntity) (Task, error) {
	var task Task
	if err := decodeEntity(e, TypeTask, &task); err != nil {
		return Task{}, err
	}
	if task.ID == "" {
		task.ID = e.ID
	}
	if strings.TrimSpace(task.Title) == "" {
		return Task{}, fmt.Errorf("%w: task %s has no title", ErrInvalidEntity, e.ID)
	}
	return task, nil
}

func DecodeAgent(e SyncEntity) (Agent, error) {
	var agent Agent
	if err := decodeEntity(e, TypeAgent, &agent); err != nil {
		return Agent{}, err
	}
	if agent.ID == "" {
		agent.ID = e.ID
	}
	if strings.TrimSpace(agent.Name) == "" {
		agent.Name = agent.ID
	}
	return agent, nil
}

func DecodeExecutionPlan(e SyncEntity) (ExecutionPlan, error) {
	var plan ExecutionPlan
	if err := decodeEntity(e, TypeExecutionPlan, &plan); err != nil {
		return ExecutionPlan{}, err
	}
	if plan.ID == "" {
		plan.ID = e.ID
	}
	for i, step := range plan.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return ExecutionPlan{}, fmt.Errorf("%w: plan %s step %d has no id", ErrInvalidEntity, e.ID, i)
		}
	}
	return plan, nil
}

// DecodeJSON re-decodes a loosely typed payload into a struct.
func DecodeJSON(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func decodeEntity(e SyncEntity, want Type, out any) error {
	if e.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidEntity, want, e.Type)
	}
	if err := DecodeJSON(e.Data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEntity, e.Key(), err)
	}
	return nil
}
