package chat

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/localstore"
	"github.com/agentworkforce/fuguesync/internal/orchestration"
)

func TestStorageKey(t *testing.T) {
	require.Equal(t, "fugue-chat-history", StorageKey(""))
	require.Equal(t, "fugue-conversations-p1", StorageKey("p1"))
}

func TestApplyTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	history := NewHistory(Options{})
	require.NoError(t, history.AddUserMessage(ctx, entity.Message{ID: "u1", Content: "deploy please"}))

	changed, err := history.Apply(ctx, []orchestration.Action{
		orchestration.AddMessage{Message: entity.Message{ID: "a1", Role: entity.RoleAssistant, Content: "Working on it...", TaskID: "t1", Status: entity.MessageProcessing}},
	})
	require.NoError(t, err)
	require.True(t, changed)

	_, err = history.Apply(ctx, []orchestration.Action{
		orchestration.UpdateMessage{TaskID: "t1", Outcome: orchestration.OutcomeSuccess, Content: "deployed", Status: entity.MessageCompleted},
	})
	require.NoError(t, err)

	messages := history.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, entity.RoleUser, messages[0].Role)
	require.Equal(t, "deployed", messages[1].Content)
	require.Equal(t, entity.MessageCompleted, messages[1].Status)

	changed, err = history.Apply(ctx, []orchestration.Action{orchestration.UpdateMessage{TaskID: "ghost", Status: entity.MessageFailed}})
	require.NoError(t, err)
	require.False(t, changed)
}

func TestApplyPlanSteps(t *testing.T) {
	ctx := context.Background()
	history := NewHistory(Options{})
	plan := entity.ExecutionPlan{ID: "p1", Steps: []entity.PlanStep{{ID: "s1", Status: "pending"}, {ID: "s2", Status: "pending"}}}
	_, err := history.Apply(ctx, []orchestration.Action{orchestration.AddPlan{Plan: plan}})
	require.NoError(t, err)

	_, err = history.Apply(ctx, []orchestration.Action{orchestration.UpdateStep{PlanID: "p1", StepID: "s2", Status: "done", Output: "ok"}})
	require.NoError(t, err)

	got, ok := history.Plan("p1")
	require.True(t, ok)
	require.Equal(t, "pending", got.Steps[0].Status)
	require.Equal(t, "done", got.Steps[1].Status)
	require.Equal(t, "ok", got.Steps[1].Output)
	require.Equal(t, "pending", plan.Steps[1].Status, "caller's plan must not be mutated")

	changed, err := history.Apply(ctx, []orchestration.Action{orchestration.UpdateStep{PlanID: "p1", StepID: "missing", Status: "done"}})
	require.NoError(t, err)
	require.False(t, changed)
}

func TestHistoryCapsAndPersists(t *testing.T) {
	ctx := context.Background()
	store := localstore.NewMemoryStore()
	history := NewHistory(Options{Store: store, ProjectID: "p1", MaxMessages: 3})
	for i := 0; i < 5; i++ {
		require.NoError(t, history.AddUserMessage(ctx, entity.Message{ID: fmt.Sprintf("m%d", i), Content: "x"}))
	}
	messages := history.Messages()
	require.Len(t, messages, 3)
	require.Equal(t, "m2", messages[0].ID)

	_, err := store.Get(ctx, "fugue-conversations-p1")
	require.NoError(t, err)

	reloaded := NewHistory(Options{Store: store, ProjectID: "p1", MaxMessages: 3})
	require.NoError(t, reloaded.Load(ctx))
	require.Equal(t, messages, reloaded.Messages())

	require.NoError(t, reloaded.Clear(ctx))
	require.Empty(t, reloaded.Messages())
	_, err = store.Get(ctx, "fugue-conversations-p1")
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestLoadWithoutPersistedHistory(t *testing.T) {
	history := NewHistory(Options{Store: localstore.NewMemoryStore()})
	require.NoError(t, history.Load(context.Background()))
	require.Empty(t, history.Messages())
}
