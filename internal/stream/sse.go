// Package stream pushes tool call and pipeline updates to connected
// clients over SSE and WebSocket. Every connection gets a snapshot of
// the chat's current state first, then tails the event bus, so a
// client that reconnects after missed events never diverges.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/toolflow/toolflow/internal/engine"
	"github.com/toolflow/toolflow/internal/eventbus"
	"github.com/toolflow/toolflow/internal/observability"
)

const (
	frameConnected = "connected"
	frameHeartbeat = "heartbeat"

	defaultHeartbeat = 25 * time.Second
)

// Publisher fans chat state out to stream clients.
type Publisher struct {
	engine    *engine.Engine
	bus       eventbus.Bus
	metrics   *observability.Metrics
	audit     *observability.AuditRecorder
	logger    *slog.Logger
	heartbeat time.Duration
}

// Options carries optional Publisher collaborators.
type Options struct {
	Metrics   *observability.Metrics
	Audit     *observability.AuditRecorder
	Logger    *slog.Logger
	Heartbeat time.Duration
}

// New creates a Publisher over the given engine and bus.
func New(eng *engine.Engine, bus eventbus.Bus, opts Options) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hb := opts.Heartbeat
	if hb <= 0 {
		hb = defaultHeartbeat
	}
	return &Publisher{
		engine:    eng,
		bus:       bus,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		logger:    logger,
		heartbeat: hb,
	}
}

// ServeSSE streams the chat's tool state over Server-Sent Events until
// the client disconnects.
func (p *Publisher) ServeSSE(w http.ResponseWriter, r *http.Request, chatID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	p.connected(ctx, "sse", chatID)
	start := time.Now()
	defer p.disconnected(ctx, "sse", chatID, start)

	// Pin the tail cursor before the snapshot reads so nothing
	// published in between is skipped.
	since := p.cursor(chatID)

	writeFrame := func(event string, data []byte) bool {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeFrame(frameConnected, p.helloPayload(chatID)) {
		return
	}
	if !p.writeSnapshot(ctx, chatID, writeFrame) {
		return
	}

	events, cancel := p.bus.Tail(ctx, eventbus.TopicChatTools, chatID, since)
	defer cancel()

	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !writeFrame(ev.Topic, ev.Payload) {
				return
			}
		case <-ticker.C:
			if !writeFrame(frameHeartbeat, p.heartbeatPayload()) {
				return
			}
		}
	}
}

// ServePipelineSSE streams one pipeline and its member calls. Unlike
// chat streams the pipeline must exist, since its chat id anchors the
// tail.
func (p *Publisher) ServePipelineSSE(w http.ResponseWriter, r *http.Request, pipelineID string) {
	ctx := r.Context()
	pl, err := p.engine.GetToolPipeline(ctx, pipelineID)
	if err != nil {
		http.Error(w, "pipeline not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	p.connected(ctx, "sse", pl.ChatID)
	start := time.Now()
	defer p.disconnected(ctx, "sse", pl.ChatID, start)

	since := p.cursor(pl.ChatID)

	writeFrame := func(event string, data []byte) bool {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeFrame(frameConnected, p.helloPayload(pl.ChatID)) {
		return
	}
	if data, err := json.Marshal(pl); err == nil {
		if !writeFrame(eventbus.TopicPipeline, data) {
			return
		}
	}
	calls, err := p.engine.ListToolCallsByPipeline(ctx, pipelineID)
	if err != nil {
		p.logger.Warn("snapshot pipeline calls failed", "pipeline_id", pipelineID, "error", err)
	}
	for _, call := range calls {
		data, err := json.Marshal(call)
		if err != nil {
			continue
		}
		if !writeFrame(eventbus.TopicToolCall, data) {
			return
		}
	}

	events, cancel := p.bus.Tail(ctx, eventbus.TopicChatTools, pl.ChatID, since)
	defer cancel()

	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !matchesPipeline(ev.Payload, pipelineID) {
				continue
			}
			if !writeFrame(ev.Topic, ev.Payload) {
				return
			}
		case <-ticker.C:
			if !writeFrame(frameHeartbeat, p.heartbeatPayload()) {
				return
			}
		}
	}
}

// matchesPipeline reports whether an aggregate-topic payload belongs
// to the pipeline, either as the pipeline record itself or as one of
// its member calls.
func matchesPipeline(payload json.RawMessage, pipelineID string) bool {
	var head struct {
		ID         string `json:"id"`
		PipelineID string `json:"pipeline_id"`
		ToolName   string `json:"tool_name"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return false
	}
	if head.PipelineID == pipelineID {
		return true
	}
	// Pipeline records have no tool_name; their own id is the match.
	return head.ToolName == "" && head.ID == pipelineID
}

// writeSnapshot emits the chat's current calls and pipelines as
// synthetic update frames. Returns false once a write fails.
func (p *Publisher) writeSnapshot(ctx context.Context, chatID string, write func(event string, data []byte) bool) bool {
	calls, err := p.engine.ListToolCallsByChat(ctx, chatID)
	if err != nil {
		p.logger.Warn("snapshot call list failed", "chat_id", chatID, "error", err)
		calls = nil
	}
	for _, call := range calls {
		data, err := json.Marshal(call)
		if err != nil {
			continue
		}
		if !write(eventbus.TopicToolCall, data) {
			return false
		}
	}

	pipelines, err := p.engine.ListToolPipelinesByChat(ctx, chatID)
	if err != nil {
		p.logger.Warn("snapshot pipeline list failed", "chat_id", chatID, "error", err)
		pipelines = nil
	}
	for _, pl := range pipelines {
		data, err := json.Marshal(pl)
		if err != nil {
			continue
		}
		if !write(eventbus.TopicPipeline, data) {
			return false
		}
	}
	return true
}

// cursor returns the highest seq already published on the chat
// aggregate topic, or 0 when the log is cold.
func (p *Publisher) cursor(chatID string) int64 {
	if ev, ok := p.bus.Latest(eventbus.TopicChatTools, chatID); ok {
		return ev.Seq
	}
	return 0
}

func (p *Publisher) helloPayload(chatID string) []byte {
	data, _ := json.Marshal(map[string]any{
		"chat_id":      chatID,
		"connected_at": time.Now().UTC().Format(time.RFC3339),
	})
	return data
}

func (p *Publisher) heartbeatPayload() []byte {
	data, _ := json.Marshal(map[string]any{
		"timestamp": time.Now().UnixMilli(),
	})
	return data
}

func (p *Publisher) connected(ctx context.Context, transport, chatID string) {
	if p.metrics != nil {
		p.metrics.StreamStarted(transport)
	}
	if p.audit != nil {
		_ = p.audit.Record(observability.AddChatID(ctx, chatID), observability.EventTypeStreamConnect, transport, nil)
	}
	p.logger.Debug("stream connected", "transport", transport, "chat_id", chatID)
}

func (p *Publisher) disconnected(ctx context.Context, transport, chatID string, start time.Time) {
	dur := time.Since(start)
	if p.metrics != nil {
		p.metrics.StreamEnded(transport, dur.Seconds())
	}
	if p.audit != nil {
		_ = p.audit.Record(observability.AddChatID(ctx, chatID), observability.EventTypeStreamDisconnect, transport, map[string]any{
			"duration_ms": dur.Milliseconds(),
		})
	}
	p.logger.Debug("stream disconnected", "transport", transport, "chat_id", chatID, "duration", dur)
}
