package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/session"
	"github.com/agentworkforce/fuguesync/internal/syncengine"
)

type fakeController struct {
	view       session.View
	resolved   []string
	resolution syncengine.Resolution
	pushes     int
	pushErr    error
}

func (f *fakeController) Snapshot() session.View {
	return f.view
}

func (f *fakeController) ResolveConflict(_ context.Context, id string, resolution syncengine.Resolution) (syncengine.Conflict, error) {
	f.resolved = append(f.resolved, id)
	f.resolution = resolution
	return syncengine.Conflict{ID: id}, nil
}

func (f *fakeController) ForcePush(context.Context) (session.PushResult, error) {
	f.pushes++
	return session.PushResult{Pushed: 2, Acknowledged: 2}, f.pushErr
}

func conflictView() session.View {
	return session.View{
		Version:   3,
		State:     syncengine.SyncState{Status: syncengine.StatusConflict, PendingChanges: 1, ConflictCount: 2},
		Transport: syncengine.TransportOnline,
		Conflicts: []syncengine.Conflict{
			{
				ID: "conflict:task:t1:100", EntityType: entity.TypeTask, EntityID: "t1",
				LocalVersion:  entity.SyncEntity{ID: "t1", Type: entity.TypeTask, Version: 2, UpdatedBy: "alice"},
				RemoteVersion: entity.SyncEntity{ID: "t1", Type: entity.TypeTask, Version: 3, UpdatedBy: "bob"},
			},
			{
				ID: "conflict:agent:a1:200", EntityType: entity.TypeAgent, EntityID: "a1",
				LocalVersion:  entity.SyncEntity{ID: "a1", Type: entity.TypeAgent, Version: 1},
				RemoteVersion: entity.SyncEntity{ID: "a1", Type: entity.TypeAgent, Version: 1},
			},
		},
	}
}

func runCmd(t *testing.T, model tea.Model, cmd tea.Cmd) tea.Model {
	t.Helper()
	if cmd == nil {
		t.Fatal("expected a command")
	}
	updated, _ := model.Update(cmd())
	return updated
}

func TestViewShowsStatusAndConflicts(t *testing.T) {
	model := New(&fakeController{view: conflictView()})
	view := model.View()
	for _, want := range []string{"CONFLICT", "pending 1", "conflicts 2", "task/t1", "by alice", "by bob", "agent/a1"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if !strings.Contains(view, "> task/t1") {
		t.Errorf("expected cursor on first conflict:\n%s", view)
	}
}

func TestEmptyView(t *testing.T) {
	model := New(&fakeController{view: session.View{State: syncengine.SyncState{Status: syncengine.StatusSynced}}})
	view := model.View()
	if !strings.Contains(view, "SYNCED") || !strings.Contains(view, "none") {
		t.Fatalf("unexpected empty view:\n%s", view)
	}
}

func TestResolveSelectedConflict(t *testing.T) {
	ctl := &fakeController{view: conflictView()}
	var model tea.Model = New(ctl)

	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
	if got := model.(Model).cursor; got != 1 {
		t.Fatalf("expected cursor clamped to 1, got %d", got)
	}

	model, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	if !model.(Model).busy {
		t.Fatal("expected busy while resolving")
	}
	ctl.view.Conflicts = ctl.view.Conflicts[:1]
	model = runCmd(t, model, cmd)

	if len(ctl.resolved) != 1 || ctl.resolved[0] != "conflict:agent:a1:200" || ctl.resolution != syncengine.ResolveRemote {
		t.Fatalf("unexpected resolve calls: %v %q", ctl.resolved, ctl.resolution)
	}
	m := model.(Model)
	if m.busy || m.cursor != 0 {
		t.Fatalf("expected idle model with cursor 0, got busy=%v cursor=%d", m.busy, m.cursor)
	}
	if !strings.Contains(m.View(), "kept remote version of agent/a1") {
		t.Fatalf("expected notice in view:\n%s", m.View())
	}
}

func TestResolveWithoutConflictsIsNoop(t *testing.T) {
	ctl := &fakeController{}
	model := New(ctl)
	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'l'}})
	if cmd != nil || len(ctl.resolved) != 0 {
		t.Fatal("expected no resolve without conflicts")
	}
}

func TestForcePush(t *testing.T) {
	ctl := &fakeController{view: conflictView()}
	var model tea.Model = New(ctl)
	model, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'p'}})
	model, second := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'p'}})
	if second != nil {
		t.Fatal("expected push to be ignored while busy")
	}
	model = runCmd(t, model, cmd)
	if ctl.pushes != 1 {
		t.Fatalf("expected one push, got %d", ctl.pushes)
	}
	if !strings.Contains(model.View(), "pushed 2, acknowledged 2") {
		t.Fatalf("expected push notice:\n%s", model.View())
	}

	ctl.pushErr = errors.New("upsert tasks: boom")
	model, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'p'}})
	model = runCmd(t, model, cmd)
	if !strings.Contains(model.View(), "upsert tasks: boom") {
		t.Fatalf("expected push error in view:\n%s", model.View())
	}
}

func TestViewMsgIgnoresStaleVersions(t *testing.T) {
	var model tea.Model = New(&fakeController{view: conflictView()})
	stale := session.View{Version: 1, State: syncengine.SyncState{Status: syncengine.StatusSynced}}
	model, _ = model.Update(ViewMsg(stale))
	if model.(Model).view.Version != 3 {
		t.Fatal("expected stale view to be ignored")
	}
	fresh := session.View{
		Version:  4,
		State:    syncengine.SyncState{Status: syncengine.StatusSyncing},
		Messages: []entity.Message{{ID: "m1", Role: entity.RoleUser, Content: "deploy it"}},
	}
	model, _ = model.Update(ViewMsg(fresh))
	view := model.View()
	if !strings.Contains(view, "SYNCING") || !strings.Contains(view, "deploy it") {
		t.Fatalf("expected fresh view:\n%s", view)
	}
}

func TestQuit(t *testing.T) {
	_, cmd := New(&fakeController{}).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
}
