package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/syncengine"
)

func mustValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := DefaultValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	return v
}

func mustDecode(t *testing.T, raw string) Envelope {
	t.Helper()
	env, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return env
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	for _, raw := range []string{"", "not json", "[1,2]", `{"payload":{}}`, `{"type":""}`, `{"type":`} {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %q, got %v", raw, err)
		}
	}
}

func TestEnvelopeBodyPrefersPayload(t *testing.T) {
	nested := mustDecode(t, `{"type":"ack","payload":{"taskId":"t1"}}`)
	var ack AckPayload
	if err := nested.DecodeBody(&ack); err != nil {
		t.Fatalf("decode nested body: %v", err)
	}
	if ack.TaskID != "t1" {
		t.Fatalf("expected taskId t1, got %q", ack.TaskID)
	}

	flat := mustDecode(t, `{"type":"ack","taskId":"t2","payload":null}`)
	ack = AckPayload{}
	if err := flat.DecodeBody(&ack); err != nil {
		t.Fatalf("decode flat body: %v", err)
	}
	if ack.TaskID != "t2" {
		t.Fatalf("expected taskId t2, got %q", ack.TaskID)
	}
}

func TestClientMessagesMarshal(t *testing.T) {
	cases := map[string]ClientMessage{
		`{"type":"status-request"}`:                                    StatusRequest(),
		`{"type":"ping"}`:                                              Ping(),
		`{"type":"chat","payload":{"message":"hi"}}`:                   Chat("hi", nil),
		`{"type":"command","payload":{"command":"deploy","args":["x"]}}`: Command("deploy", "x"),
	}
	for want, msg := range cases {
		got, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal %s: %v", msg.Type, err)
		}
		if string(got) != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestDecodeSyncPushSingleAndList(t *testing.T) {
	v := mustValidator(t)
	env := mustDecode(t, `{"type":"sync-push","payload":{"entity":{"id":"t1","type":"task","updatedAt":2000,"data":{"status":"done"}}}}`)
	msg, err := v.DecodeSync(env)
	if err != nil {
		t.Fatalf("decode sync-push: %v", err)
	}
	push, ok := msg.(SyncPushPayload)
	if !ok {
		t.Fatalf("expected SyncPushPayload, got %T", msg)
	}
	all := push.All()
	if len(all) != 1 || all[0].Key() != (entity.Key{Type: entity.TypeTask, ID: "t1"}) {
		t.Fatalf("unexpected entities: %+v", all)
	}
	if all[0].UpdatedAt != 2_000_000 {
		t.Fatalf("expected seconds timestamp normalized to ms, got %d", all[0].UpdatedAt)
	}

	env = mustDecode(t, `{"type":"sync-push","entities":[{"id":"a1","type":"agents","updatedAt":"2024-01-02T03:04:05Z"}]}`)
	msg, err = v.DecodeSync(env)
	if err != nil {
		t.Fatalf("decode flat sync-push: %v", err)
	}
	all = msg.(SyncPushPayload).All()
	if len(all) != 1 || all[0].Type != entity.TypeAgent {
		t.Fatalf("expected agent alias to normalize, got %+v", all)
	}
}

func TestDecodeSyncRejectsInvalidBodies(t *testing.T) {
	v := mustValidator(t)
	cases := []string{
		`{"type":"sync-push","payload":{}}`,
		`{"type":"sync-push","payload":{"entity":{"id":"t1","type":"task"}}}`,
		`{"type":"sync-push","payload":{"entity":{"id":"t1","type":"widget","updatedAt":1}}}`,
		`{"type":"sync-state","payload":{"status":"lost"}}`,
		`{"type":"sync-conflict","payload":{"localVersion":{"updatedAt":1}}}`,
	}
	for _, raw := range cases {
		if _, err := v.DecodeSync(mustDecode(t, raw)); err == nil {
			t.Fatalf("expected %s to fail validation", raw)
		}
	}
	if _, err := v.DecodeSync(mustDecode(t, `{"type":"ack"}`)); !errors.Is(err, ErrNotSync) {
		t.Fatalf("expected ErrNotSync, got %v", err)
	}
}

func TestDecodeSyncConflictFillsKeysFromEnvelope(t *testing.T) {
	v := mustValidator(t)
	env := mustDecode(t, `{"type":"sync-conflict","payload":{
		"entityType":"task","entityId":"t1",
		"localVersion":{"updatedAt":1700000000000,"data":{"status":"mine"}},
		"remoteVersion":{"updatedAt":1700000000000,"data":{"status":"theirs"}}}}`)
	msg, err := v.DecodeSync(env)
	if err != nil {
		t.Fatalf("decode sync-conflict: %v", err)
	}
	report := msg.(SyncConflictPayload).Report()
	want := entity.Key{Type: entity.TypeTask, ID: "t1"}
	if report.Local.Key() != want || report.Remote.Key() != want {
		t.Fatalf("expected both versions keyed %s, got %s and %s", want, report.Local.Key(), report.Remote.Key())
	}

	engine := syncengine.New(syncengine.Options{})
	if result := engine.MergeConflict(report); result.Outcome != syncengine.OutcomeConflict {
		t.Fatalf("expected conflict outcome, got %s", result.Outcome)
	}
}

func TestDecodeSyncState(t *testing.T) {
	v := mustValidator(t)
	env := mustDecode(t, `{"type":"sync-state","payload":{"status":"synced","lastSyncedAt":1700000000000,"entities":[{"id":"p1","type":"execution_plan","updatedAt":5}]}}`)
	msg, err := v.DecodeSync(env)
	if err != nil {
		t.Fatalf("decode sync-state: %v", err)
	}
	state := msg.(SyncStatePayload)
	if state.Status != syncengine.StatusSynced || len(state.Entities) != 1 {
		t.Fatalf("unexpected sync-state payload: %+v", state)
	}
}

func TestServerPayloadShapes(t *testing.T) {
	var plan ExecutionPlanPayload
	if err := mustDecode(t, `{"type":"execution-plan","plan":{"id":"p1","steps":[{"id":"s1"}]}}`).DecodeBody(&plan); err != nil {
		t.Fatalf("decode wrapped plan: %v", err)
	}
	if plan.Plan.ID != "p1" || len(plan.Plan.Steps) != 1 {
		t.Fatalf("unexpected wrapped plan: %+v", plan.Plan)
	}
	plan = ExecutionPlanPayload{}
	if err := mustDecode(t, `{"type":"execution-plan","payload":{"id":"p2","steps":[]}}`).DecodeBody(&plan); err != nil {
		t.Fatalf("decode bare plan: %v", err)
	}
	if plan.Plan.ID != "p2" {
		t.Fatalf("expected bare plan id p2, got %q", plan.Plan.ID)
	}

	var tasks TasksPayload
	if err := mustDecode(t, `{"type":"tasks","payload":[{"id":"t1"}]}`).DecodeBody(&tasks); err != nil {
		t.Fatalf("decode bare tasks: %v", err)
	}
	if len(tasks.Tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks.Tasks))
	}
	tasks = TasksPayload{}
	if err := mustDecode(t, `{"type":"tasks","tasks":[{"id":"t1"},{"id":"t2"}]}`).DecodeBody(&tasks); err != nil {
		t.Fatalf("decode wrapped tasks: %v", err)
	}
	if len(tasks.Tasks) != 2 {
		t.Fatalf("expected two tasks, got %d", len(tasks.Tasks))
	}
}
