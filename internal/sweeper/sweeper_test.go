package sweeper

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/toolflow/toolflow/internal/cache"
	"github.com/toolflow/toolflow/internal/observability"
	"github.com/toolflow/toolflow/internal/repo"
	"github.com/toolflow/toolflow/internal/storage"
	"github.com/toolflow/toolflow/pkg/models"
)

func newTestRepo(t *testing.T) *repo.Repository {
	t.Helper()
	stores := storage.NewMemoryStores()
	stateCache := cache.NewMemory(cache.Config{
		RecordTTL:       time.Minute,
		IndexTTL:        time.Minute,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(func() {
		stateCache.Stop()
		_ = stores.Close()
	})
	return repo.New(stores, stateCache, slog.New(slog.DiscardHandler))
}

func seedCall(t *testing.T, r *repo.Repository, id string, status models.CallStatus, age time.Duration) {
	t.Helper()
	_, err := r.CreateToolCall(context.Background(), &models.ToolCall{
		ID:         id,
		ChatID:     "chat-1",
		MessageID:  "msg-1",
		ToolName:   "read_file",
		ToolCallID: "tc-" + id,
		Args:       json.RawMessage(`{}`),
		Status:     status,
		CreatedAt:  time.Now().UTC().Add(-age),
	})
	if err != nil {
		t.Fatalf("seed call %s: %v", id, err)
	}
}

func seedPipeline(t *testing.T, r *repo.Repository, id string, status models.CallStatus, age time.Duration) {
	t.Helper()
	_, err := r.CreatePipeline(context.Background(), &models.ToolPipeline{
		ID:         id,
		ChatID:     "chat-1",
		Name:       "pipe-" + id,
		Status:     status,
		TotalSteps: 2,
		CreatedAt:  time.Now().UTC().Add(-age),
	})
	if err != nil {
		t.Fatalf("seed pipeline %s: %v", id, err)
	}
}

func TestRunOnceRemovesOnlyStaleNonTerminal(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedCall(t, r, "stale-pending", models.StatusPending, 48*time.Hour)
	seedCall(t, r, "stale-processing", models.StatusProcessing, 48*time.Hour)
	seedCall(t, r, "stale-completed", models.StatusCompleted, 48*time.Hour)
	seedCall(t, r, "stale-awaiting", models.StatusAwaitingApproval, 48*time.Hour)
	seedCall(t, r, "fresh-pending", models.StatusPending, time.Hour)
	seedPipeline(t, r, "stale-pipe", models.StatusProcessing, 48*time.Hour)
	seedPipeline(t, r, "fresh-pipe", models.StatusPending, time.Hour)

	sw, err := New(r, Config{Schedule: "@hourly", StaleAfter: 24 * time.Hour}, Options{Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	res, err := sw.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CallsRemoved != 2 {
		t.Errorf("calls removed = %d, want 2", res.CallsRemoved)
	}
	if res.PipelinesRemoved != 1 {
		t.Errorf("pipelines removed = %d, want 1", res.PipelinesRemoved)
	}

	for _, id := range []string{"stale-pending", "stale-processing"} {
		if _, err := r.GetToolCall(ctx, id); err == nil {
			t.Errorf("%s survived the sweep", id)
		}
	}
	for _, id := range []string{"stale-completed", "stale-awaiting", "fresh-pending"} {
		if _, err := r.GetToolCall(ctx, id); err != nil {
			t.Errorf("%s was wrongly removed: %v", id, err)
		}
	}
	if _, err := r.GetPipeline(ctx, "fresh-pipe"); err != nil {
		t.Errorf("fresh pipeline removed: %v", err)
	}
}

func TestSweepCutoffIsStrict(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	cutoff := time.Now().UTC().Add(-time.Hour)
	_, err := r.CreateToolCall(ctx, &models.ToolCall{
		ID:         "at-cutoff",
		ChatID:     "chat-1",
		MessageID:  "msg-1",
		ToolName:   "read_file",
		ToolCallID: "tc-at-cutoff",
		Args:       json.RawMessage(`{}`),
		Status:     models.StatusPending,
		CreatedAt:  cutoff,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	sw, err := New(r, Config{}, Options{Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	res, err := sw.SweepBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.CallsRemoved != 0 {
		t.Errorf("record created exactly at cutoff must survive, removed = %d", res.CallsRemoved)
	}
	if _, err := r.GetToolCall(ctx, "at-cutoff"); err != nil {
		t.Errorf("at-cutoff call removed: %v", err)
	}
}

func TestSweepPurgesCache(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	seedCall(t, r, "stale-cached", models.StatusPending, 48*time.Hour)
	// Warm the cache.
	if _, err := r.GetToolCall(ctx, "stale-cached"); err != nil {
		t.Fatalf("warm read: %v", err)
	}

	sw, err := New(r, Config{StaleAfter: 24 * time.Hour}, Options{Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if _, err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	// A cache-only leftover would make the read succeed.
	if _, err := r.GetToolCall(ctx, "stale-cached"); err == nil {
		t.Error("swept call still readable, cache not purged")
	}
}

func TestInvalidScheduleRejected(t *testing.T) {
	r := newTestRepo(t)
	if _, err := New(r, Config{Schedule: "not a schedule"}, Options{}); err == nil {
		t.Fatal("invalid schedule accepted")
	}
}

func TestSweepTrimsOldAuditEvents(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	auditStore := observability.NewMemoryAuditStore(0)
	for i, age := range []time.Duration{30 * 24 * time.Hour, 10 * 24 * time.Hour, time.Hour} {
		err := auditStore.Record(&observability.AuditEvent{
			ID:        string(rune('a' + i)),
			Type:      observability.EventTypeCallCreated,
			Timestamp: time.Now().Add(-age),
			ChatID:    "chat-1",
		})
		if err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	sw, err := New(r, Config{AuditRetention: 7 * 24 * time.Hour}, Options{
		AuditStore: auditStore,
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	res, err := sw.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.AuditEventsRemoved != 2 {
		t.Errorf("audit events removed = %d, want 2", res.AuditEventsRemoved)
	}
	remaining, err := auditStore.GetByChatID("chat-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("remaining events = %d, want 1", len(remaining))
	}
}
