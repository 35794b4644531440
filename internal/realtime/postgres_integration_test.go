package realtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/fuguesync/internal/entity"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationUpsertNotifiesAndSnapshots(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	backend, err := NewPostgresBackend(dsn, Options{SubscribeTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	handler := &recordingHandler{}
	sub, err := backend.Subscribe(context.Background(), []string{entity.TableTasks}, handler)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	waitFor(t, func() bool {
		_, statuses := handler.snapshot()
		return len(statuses) > 0 && statuses[0] == StatusSubscribed
	})

	id := postgresIntegrationID("task")
	item := entity.SyncEntity{ID: id, Type: entity.TypeTask, Data: map[string]any{"title": "it"}, UpdatedAt: entity.TimestampOf(time.Now()), Version: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := backend.Upsert(ctx, entity.TableTasks, []entity.SyncEntity{item, item}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	waitFor(t, func() bool {
		changes, _ := handler.snapshot()
		for _, change := range changes {
			if got, err := change.Entity(); err == nil && got.ID == id {
				return true
			}
		}
		return false
	})

	rows, err := backend.FetchSnapshot(ctx, entity.TableTasks)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	found := false
	for _, row := range rows {
		if row["id"] == id {
			found = true
			got, err := entity.FromRow(entity.TableTasks, row)
			if err != nil {
				t.Fatalf("convert snapshot row: %v", err)
			}
			if got.UpdatedAt != item.UpdatedAt || got.Data["title"] != "it" {
				t.Fatalf("unexpected snapshot entity: %+v", got)
			}
		}
	}
	if !found {
		t.Fatalf("expected %s in snapshot", id)
	}
}

func TestPostgresIntegrationNotifiesLargeRows(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	backend, err := NewPostgresBackend(dsn, Options{SubscribeTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	handler := &recordingHandler{}
	sub, err := backend.Subscribe(context.Background(), []string{entity.TableTasks}, handler)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	waitFor(t, func() bool {
		_, statuses := handler.snapshot()
		return len(statuses) > 0 && statuses[0] == StatusSubscribed
	})

	id := postgresIntegrationID("task")
	body := strings.Repeat("0123456789", 1024)
	item := entity.SyncEntity{ID: id, Type: entity.TypeTask, Data: map[string]any{"title": "big", "description": body}, UpdatedAt: entity.TimestampOf(time.Now()), Version: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := backend.Upsert(ctx, entity.TableTasks, []entity.SyncEntity{item}); err != nil {
		t.Fatalf("upsert large row: %v", err)
	}

	waitFor(t, func() bool {
		changes, _ := handler.snapshot()
		for _, change := range changes {
			if got, err := change.Entity(); err == nil && got.ID == id {
				return got.Data["description"] == body
			}
		}
		return false
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("FUGUE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set FUGUE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationID(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_it_%d_%d", prefix, time.Now().UnixNano(), n)
}
