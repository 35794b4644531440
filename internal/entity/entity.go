// Package entity holds the synchronized domain records (tasks, agents and
// execution plans) and the UI-facing values reconstructed from them.
package entity

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	ErrInvalidRow    = errors.New("invalid row")
	ErrInvalidEntity = errors.New("invalid entity")
)

type Type string

const (
	TypeTask          Type = "task"
	TypeAgent         Type = "agent"
	TypeExecutionPlan Type = "execution_plan"
)

const (
	TableTasks          = "fugue_tasks"
	TableAgents         = "fugue_agents"
	TableExecutionPlans = "fugue_execution_plans"
)

var tablesByType = map[Type]string{
	TypeTask:          TableTasks,
	TypeAgent:         TableAgents,
	TypeExecutionPlan: TableExecutionPlans,
}

// AllTypes lists every synchronized type in a stable order.
func AllTypes() []Type {
	return []Type{TypeTask, TypeAgent, TypeExecutionPlan}
}

// Tables lists the realtime tables in the same order as AllTypes.
func Tables() []string {
	return []string{TableTasks, TableAgents, TableExecutionPlans}
}

func (t Type) Valid() bool {
	_, ok := tablesByType[t]
	return ok
}

func (t Type) Table() string {
	return tablesByType[t]
}

func TypeForTable(table string) (Type, bool) {
	table = strings.ToLower(strings.TrimSpace(table))
	for typ, name := range tablesByType {
		if name == table {
			return typ, true
		}
	}
	return "", false
}

// ParseType accepts the entity type name or its table name.
func ParseType(raw string) (Type, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if typ := Type(raw); typ.Valid() {
		return typ, true
	}
	switch raw {
	case "tasks":
		return TypeTask, true
	case "agents":
		return TypeAgent, true
	case "plan", "plans", "execution_plans", "execution-plan":
		return TypeExecutionPlan, true
	}
	return TypeForTable(raw)
}

// Key is the composite identity of an entity. The store never holds two
// entries with the same key.
type Key struct {
	Type Type
	ID   string
}

func (k Key) String() string {
	return string(k.Type) + ":" + k.ID
}

type SyncEntity struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data"`
	UpdatedAt Timestamp      `json:"updatedAt"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
	Version   int            `json:"version"`
}

func (e SyncEntity) Key() Key {
	return Key{Type: e.Type, ID: e.ID}
}

func (e SyncEntity) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEntity)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntity, e.Type)
	}
	return nil
}

// SameContent reports whether two versions carry identical data.
func (e SyncEntity) SameContent(other SyncEntity) bool {
	if len(e.Data) == 0 && len(other.Data) == 0 {
		return true
	}
	return reflect.DeepEqual(normalizeValue(e.Data), normalizeValue(other.Data))
}

// Clone returns a copy whose Data map can be mutated independently.
func (e SyncEntity) Clone() SyncEntity {
	out := e
	if e.Data != nil {
		out.Data = cloneMap(e.Data)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// normalizeValue folds numeric representations so that data decoded from
// different sources (float64, json.Number, int) compares equal.
func normalizeValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		if f, ok := toFloat(v); ok {
			return f
		}
		return v
	}
}
