package orchestration

import "github.com/agentworkforce/fuguesync/internal/entity"

type ActionKind string

const (
	KindAddMessage    ActionKind = "add_message"
	KindUpdateMessage ActionKind = "update_message"
	KindAddPlan       ActionKind = "add_plan"
	KindUpdateStep    ActionKind = "update_step"
)

// Action is one of AddMessage, UpdateMessage, AddPlan or UpdateStep.
type Action interface {
	Kind() ActionKind
}

type AddMessage struct {
	Message entity.Message
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// UpdateMessage patches the message correlated with TaskID.
type UpdateMessage struct {
	TaskID  string
	Outcome Outcome
	Content string
	Status  entity.MessageStatus
}

type AddPlan struct {
	Plan entity.ExecutionPlan
}

type UpdateStep struct {
	PlanID string
	StepID string
	Status string
	Output string
}

func (AddMessage) Kind() ActionKind    { return KindAddMessage }
func (UpdateMessage) Kind() ActionKind { return KindUpdateMessage }
func (AddPlan) Kind() ActionKind       { return KindAddPlan }
func (UpdateStep) Kind() ActionKind    { return KindUpdateStep }
