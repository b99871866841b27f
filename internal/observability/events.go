// Package observability provides logging, tracing, and an audit
// timeline. This file implements the timeline: the record store keeps
// only current state and the sweeper hard-deletes stale records, so
// the timeline is the one place a lifecycle's history can be replayed
// for debugging.
package observability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// EventType categorizes audit events for filtering and display.
type EventType string

const (
	EventTypeCallCreated      EventType = "call.created"
	EventTypeCallTransition   EventType = "call.transition"
	EventTypeCallRetried      EventType = "call.retried"
	EventTypeApprovalRequired EventType = "approval.required"
	EventTypeApprovalDecided  EventType = "approval.decided"
	EventTypePipelineCreated  EventType = "pipeline.created"
	EventTypePipelineAdvanced EventType = "pipeline.advanced"
	EventTypeStreamConnect    EventType = "stream.connect"
	EventTypeStreamDisconnect EventType = "stream.disconnect"
	EventTypeSweeperRun       EventType = "sweeper.run"
	EventTypeCustom           EventType = "custom"
)

// AuditEvent is a single entry in the timeline.
type AuditEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	ChatID     string         `json:"chat_id,omitempty"`
	CallID     string         `json:"call_id,omitempty"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
}

// AuditStore stores and retrieves audit events for debugging.
type AuditStore interface {
	// Record stores an event.
	Record(event *AuditEvent) error

	// GetByChatID returns all events for a chat, sorted by timestamp.
	GetByChatID(chatID string) ([]*AuditEvent, error)

	// GetByCallID returns all events for a tool call, sorted by timestamp.
	GetByCallID(callID string) ([]*AuditEvent, error)

	// GetByType returns the most recent events of a type, newest first.
	GetByType(eventType EventType, limit int) ([]*AuditEvent, error)

	// Delete removes events older than the given duration.
	Delete(olderThan time.Duration) (int, error)
}

// MemoryAuditStore is an in-memory implementation of AuditStore.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	events  map[string]*AuditEvent
	byChat  map[string][]string
	byCall  map[string][]string
	maxSize int
}

// NewMemoryAuditStore creates a new in-memory audit store.
func NewMemoryAuditStore(maxSize int) *MemoryAuditStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryAuditStore{
		events:  make(map[string]*AuditEvent),
		byChat:  make(map[string][]string),
		byCall:  make(map[string][]string),
		maxSize: maxSize,
	}
}

func (s *MemoryAuditStore) Record(event *AuditEvent) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.maxSize {
		s.evictOldest()
	}

	s.events[event.ID] = event

	if event.ChatID != "" {
		s.byChat[event.ChatID] = append(s.byChat[event.ChatID], event.ID)
	}
	if event.CallID != "" {
		s.byCall[event.CallID] = append(s.byCall[event.CallID], event.ID)
	}

	return nil
}

func (s *MemoryAuditStore) GetByChatID(chatID string) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byChat[chatID]), nil
}

func (s *MemoryAuditStore) GetByCallID(callID string) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byCall[callID]), nil
}

func (s *MemoryAuditStore) GetByType(eventType EventType, limit int) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*AuditEvent
	for _, e := range s.events {
		if e.Type == eventType {
			events = append(events, e)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp) // Most recent first
	})

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	return events, nil
}

func (s *MemoryAuditStore) Delete(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	deleted := 0

	for id, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}

	s.compactIndex(s.byChat)
	s.compactIndex(s.byCall)

	return deleted, nil
}

// collect resolves event IDs and sorts them oldest first. Callers hold
// the read lock.
func (s *MemoryAuditStore) collect(ids []string) []*AuditEvent {
	events := make([]*AuditEvent, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

func (s *MemoryAuditStore) compactIndex(index map[string][]string) {
	for key, ids := range index {
		var remaining []string
		for _, id := range ids {
			if _, ok := s.events[id]; ok {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			delete(index, key)
		} else {
			index[key] = remaining
		}
	}
}

func (s *MemoryAuditStore) evictOldest() {
	// Drop the oldest 10% to amortize eviction cost.
	toRemove := s.maxSize / 10
	if toRemove < 1 {
		toRemove = 1
	}

	var events []*AuditEvent
	for _, e := range s.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	for i := 0; i < toRemove && i < len(events); i++ {
		delete(s.events, events[i].ID)
	}
}

// AuditRecorder provides a convenient API for recording audit events.
type AuditRecorder struct {
	store  AuditStore
	logger *Logger
}

// NewAuditRecorder creates a new audit recorder.
func NewAuditRecorder(store AuditStore, logger *Logger) *AuditRecorder {
	return &AuditRecorder{store: store, logger: logger}
}

// Record records an event, extracting correlation IDs from context.
func (r *AuditRecorder) Record(ctx context.Context, eventType EventType, name string, data map[string]any) error {
	event := &AuditEvent{
		ID:         generateEventID(),
		Type:       eventType,
		Timestamp:  time.Now(),
		ChatID:     GetChatID(ctx),
		CallID:     getContextString(ctx, CallIDKey),
		PipelineID: getContextString(ctx, PipelineIDKey),
		Name:       name,
		Data:       data,
		TraceID:    GetTraceID(ctx),
		SpanID:     GetSpanID(ctx),
	}

	if r.logger != nil {
		r.logger.Debug(ctx, "audit event recorded",
			"event_type", string(eventType),
			"event_name", name,
			"event_id", event.ID,
		)
	}

	return r.store.Record(event)
}

// RecordError records an error event.
func (r *AuditRecorder) RecordError(ctx context.Context, eventType EventType, name string, err error, data map[string]any) error {
	if data == nil {
		data = make(map[string]any)
	}
	data["error"] = err.Error()

	event := &AuditEvent{
		ID:         generateEventID(),
		Type:       eventType,
		Timestamp:  time.Now(),
		ChatID:     GetChatID(ctx),
		CallID:     getContextString(ctx, CallIDKey),
		PipelineID: getContextString(ctx, PipelineIDKey),
		Name:       name,
		Data:       data,
		Error:      err.Error(),
		TraceID:    GetTraceID(ctx),
		SpanID:     GetSpanID(ctx),
	}

	if r.logger != nil {
		r.logger.Error(ctx, "audit error event recorded",
			"event_type", string(eventType),
			"event_name", name,
			"event_id", event.ID,
			"error", err,
		)
	}

	return r.store.Record(event)
}

// RecordTransition records one status change on a tool call.
func (r *AuditRecorder) RecordTransition(ctx context.Context, callID, toolName, from, to string) error {
	ctx = AddCallID(ctx, callID)
	return r.Record(ctx, EventTypeCallTransition, toolName, map[string]any{
		"from": from,
		"to":   to,
	})
}

// RecordApprovalDecision records a human approve/reject decision.
func (r *AuditRecorder) RecordApprovalDecision(ctx context.Context, callID, toolName, decision string) error {
	ctx = AddCallID(ctx, callID)
	return r.Record(ctx, EventTypeApprovalDecided, toolName, map[string]any{
		"decision": decision,
	})
}

// RecordSweep records one sweeper run.
func (r *AuditRecorder) RecordSweep(ctx context.Context, callsRemoved, pipelinesRemoved int, err error) error {
	data := map[string]any{
		"calls_removed":     callsRemoved,
		"pipelines_removed": pipelinesRemoved,
	}
	if err != nil {
		return r.RecordError(ctx, EventTypeSweeperRun, "sweep", err, data)
	}
	return r.Record(ctx, EventTypeSweeperRun, "sweep", data)
}

// Timeline represents a sequence of events for display.
type Timeline struct {
	ChatID    string           `json:"chat_id"`
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	Duration  time.Duration    `json:"duration"`
	Events    []*AuditEvent    `json:"events"`
	Summary   *TimelineSummary `json:"summary"`
}

// TimelineSummary provides aggregate statistics for a timeline.
type TimelineSummary struct {
	TotalEvents int `json:"total_events"`
	ErrorCount  int `json:"error_count"`
	Transitions int `json:"transitions"`
	Approvals   int `json:"approvals"`
	Retries     int `json:"retries"`
}

// BuildTimeline creates a timeline from events.
func BuildTimeline(events []*AuditEvent) *Timeline {
	if len(events) == 0 {
		return &Timeline{Summary: &TimelineSummary{}}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	timeline := &Timeline{
		Events:    events,
		StartTime: events[0].Timestamp,
		EndTime:   events[len(events)-1].Timestamp,
		Duration:  events[len(events)-1].Timestamp.Sub(events[0].Timestamp),
		Summary:   &TimelineSummary{TotalEvents: len(events)},
	}

	for _, e := range events {
		if e.ChatID != "" {
			timeline.ChatID = e.ChatID
			break
		}
	}

	for _, e := range events {
		if e.Error != "" {
			timeline.Summary.ErrorCount++
		}
		switch e.Type {
		case EventTypeCallTransition:
			timeline.Summary.Transitions++
		case EventTypeApprovalRequired, EventTypeApprovalDecided:
			timeline.Summary.Approvals++
		case EventTypeCallRetried:
			timeline.Summary.Retries++
		}
	}

	return timeline
}

// FormatTimeline formats a timeline for display.
func FormatTimeline(timeline *Timeline) string {
	if timeline == nil || len(timeline.Events) == 0 {
		return "No events found"
	}

	var result string
	result += fmt.Sprintf("=== Timeline for Chat: %s ===\n", timeline.ChatID)
	result += fmt.Sprintf("Duration: %v\n", timeline.Duration)
	result += fmt.Sprintf("Events: %d (Errors: %d)\n", timeline.Summary.TotalEvents, timeline.Summary.ErrorCount)
	result += fmt.Sprintf("Transitions: %d, Approvals: %d, Retries: %d\n\n",
		timeline.Summary.Transitions, timeline.Summary.Approvals, timeline.Summary.Retries)

	for i, e := range timeline.Events {
		prefix := "├─"
		if i == len(timeline.Events)-1 {
			prefix = "└─"
		}

		timestamp := e.Timestamp.Format("15:04:05.000")
		errorMark := ""
		if e.Error != "" {
			errorMark = " ❌"
		}

		result += fmt.Sprintf("%s [%s] %s: %s%s\n", prefix, timestamp, e.Type, e.Name, errorMark)

		if e.CallID != "" {
			result += fmt.Sprintf("   Call: %s\n", e.CallID)
		}
		if e.Error != "" {
			result += fmt.Sprintf("   Error: %s\n", e.Error)
		}
	}

	return result
}

func getContextString(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

var eventIDCounter int64
var eventIDMu sync.Mutex

func generateEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter)
}
