package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryAuditStoreRecord(t *testing.T) {
	store := NewMemoryAuditStore(100)

	event := &AuditEvent{
		Type:   EventTypeCallCreated,
		ChatID: "chat-1",
		CallID: "call-1",
		Name:   "web_search",
	}
	if err := store.Record(event); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if event.ID == "" {
		t.Error("expected an ID to be assigned")
	}
	if event.Timestamp.IsZero() {
		t.Error("expected a timestamp to be assigned")
	}

	if err := store.Record(nil); err == nil {
		t.Error("expected nil event to be rejected")
	}
}

func TestMemoryAuditStoreGetByChatID(t *testing.T) {
	store := NewMemoryAuditStore(100)

	base := time.Now()
	for i, eventType := range []EventType{EventTypeCallCreated, EventTypeCallTransition, EventTypeCallTransition} {
		if err := store.Record(&AuditEvent{
			Type:      eventType,
			ChatID:    "chat-1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := store.Record(&AuditEvent{Type: EventTypeCallCreated, ChatID: "chat-2"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := store.GetByChatID("chat-1")
	if err != nil {
		t.Fatalf("GetByChatID: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Error("events not sorted oldest first")
		}
	}
}

func TestMemoryAuditStoreGetByCallID(t *testing.T) {
	store := NewMemoryAuditStore(100)

	for _, callID := range []string{"call-1", "call-1", "call-2"} {
		if err := store.Record(&AuditEvent{Type: EventTypeCallTransition, CallID: callID}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	events, err := store.GetByCallID("call-1")
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("len = %d, want 2", len(events))
	}
}

func TestMemoryAuditStoreGetByType(t *testing.T) {
	store := NewMemoryAuditStore(100)

	base := time.Now()
	for i := range 5 {
		if err := store.Record(&AuditEvent{
			Type:      EventTypeSweeperRun,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	events, err := store.GetByType(EventTypeSweeperRun, 3)
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want limit of 3", len(events))
	}
	// Newest first.
	if events[0].Timestamp.Before(events[1].Timestamp) {
		t.Error("expected most recent events first")
	}
}

func TestMemoryAuditStoreDelete(t *testing.T) {
	store := NewMemoryAuditStore(100)

	old := &AuditEvent{Type: EventTypeCallCreated, ChatID: "chat-1", Timestamp: time.Now().Add(-2 * time.Hour)}
	fresh := &AuditEvent{Type: EventTypeCallCreated, ChatID: "chat-1", Timestamp: time.Now()}
	for _, e := range []*AuditEvent{old, fresh} {
		if err := store.Record(e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	deleted, err := store.Delete(time.Hour)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	events, _ := store.GetByChatID("chat-1")
	if len(events) != 1 || events[0].ID != fresh.ID {
		t.Errorf("expected only the fresh event to survive, got %d", len(events))
	}
}

func TestMemoryAuditStoreEviction(t *testing.T) {
	store := NewMemoryAuditStore(10)

	base := time.Now()
	for i := range 15 {
		if err := store.Record(&AuditEvent{
			Type:      EventTypeCallCreated,
			ChatID:    "chat-1",
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	store.mu.RLock()
	size := len(store.events)
	store.mu.RUnlock()
	if size > 10 {
		t.Errorf("store holds %d events, want bounded at 10", size)
	}
}

func TestAuditRecorderRecord(t *testing.T) {
	store := NewMemoryAuditStore(100)
	recorder := NewAuditRecorder(store, nil)

	ctx := AddChatID(context.Background(), "chat-1")
	if err := recorder.RecordTransition(ctx, "call-1", "web_search", "pending", "processing"); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}

	events, _ := store.GetByCallID("call-1")
	if len(events) != 1 {
		t.Fatalf("len = %d, want 1", len(events))
	}
	e := events[0]
	if e.ChatID != "chat-1" {
		t.Errorf("ChatID = %s, want correlation from context", e.ChatID)
	}
	if e.Data["from"] != "pending" || e.Data["to"] != "processing" {
		t.Errorf("transition data = %v", e.Data)
	}
}

func TestAuditRecorderRecordError(t *testing.T) {
	store := NewMemoryAuditStore(100)
	recorder := NewAuditRecorder(store, nil)

	ctx := AddChatID(context.Background(), "chat-1")
	sweepErr := errors.New("store unavailable")
	if err := recorder.RecordSweep(ctx, 0, 0, sweepErr); err != nil {
		t.Fatalf("RecordSweep: %v", err)
	}

	events, _ := store.GetByType(EventTypeSweeperRun, 0)
	if len(events) != 1 {
		t.Fatalf("len = %d, want 1", len(events))
	}
	if events[0].Error != "store unavailable" {
		t.Errorf("Error = %q", events[0].Error)
	}
}

func TestBuildTimeline(t *testing.T) {
	base := time.Now()
	events := []*AuditEvent{
		{Type: EventTypeCallTransition, ChatID: "chat-1", Timestamp: base.Add(2 * time.Second)},
		{Type: EventTypeCallCreated, ChatID: "chat-1", Timestamp: base},
		{Type: EventTypeApprovalDecided, ChatID: "chat-1", Timestamp: base.Add(time.Second), Error: "rejected by operator"},
		{Type: EventTypeCallRetried, ChatID: "chat-1", Timestamp: base.Add(3 * time.Second)},
	}

	timeline := BuildTimeline(events)
	if timeline.ChatID != "chat-1" {
		t.Errorf("ChatID = %s", timeline.ChatID)
	}
	if timeline.Summary.TotalEvents != 4 {
		t.Errorf("TotalEvents = %d, want 4", timeline.Summary.TotalEvents)
	}
	if timeline.Summary.Transitions != 1 {
		t.Errorf("Transitions = %d, want 1", timeline.Summary.Transitions)
	}
	if timeline.Summary.Approvals != 1 {
		t.Errorf("Approvals = %d, want 1", timeline.Summary.Approvals)
	}
	if timeline.Summary.Retries != 1 {
		t.Errorf("Retries = %d, want 1", timeline.Summary.Retries)
	}
	if timeline.Summary.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", timeline.Summary.ErrorCount)
	}
	if timeline.Duration != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", timeline.Duration)
	}
	// Events resorted oldest first.
	if timeline.Events[0].Type != EventTypeCallCreated {
		t.Errorf("first event = %s, want call.created", timeline.Events[0].Type)
	}
}

func TestBuildTimelineEmpty(t *testing.T) {
	timeline := BuildTimeline(nil)
	if timeline == nil || timeline.Summary == nil {
		t.Fatal("expected non-nil empty timeline")
	}
	if timeline.Summary.TotalEvents != 0 {
		t.Errorf("TotalEvents = %d, want 0", timeline.Summary.TotalEvents)
	}
}

func TestFormatTimeline(t *testing.T) {
	base := time.Now()
	timeline := BuildTimeline([]*AuditEvent{
		{Type: EventTypeCallCreated, ChatID: "chat-1", CallID: "call-1", Name: "web_search", Timestamp: base},
		{Type: EventTypeCallTransition, ChatID: "chat-1", CallID: "call-1", Name: "web_search", Timestamp: base.Add(time.Second), Error: "boom"},
	})

	out := FormatTimeline(timeline)
	if !strings.Contains(out, "chat-1") {
		t.Error("expected chat id in formatted output")
	}
	if !strings.Contains(out, "call.created") {
		t.Error("expected event type in formatted output")
	}
	if !strings.Contains(out, "boom") {
		t.Error("expected error detail in formatted output")
	}

	if FormatTimeline(nil) != "No events found" {
		t.Error("expected placeholder for nil timeline")
	}
}
