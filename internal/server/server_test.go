package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/toolflow/toolflow/internal/cache"
	"github.com/toolflow/toolflow/internal/config"
	"github.com/toolflow/toolflow/internal/engine"
	"github.com/toolflow/toolflow/internal/eventbus"
	"github.com/toolflow/toolflow/internal/observability"
	"github.com/toolflow/toolflow/internal/registry"
	"github.com/toolflow/toolflow/internal/repo"
	"github.com/toolflow/toolflow/internal/storage"
	"github.com/toolflow/toolflow/internal/stream"
	"github.com/toolflow/toolflow/pkg/models"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	stores := storage.NewMemoryStores()
	stateCache := cache.NewMemory(cache.Config{
		RecordTTL:       time.Minute,
		IndexTTL:        time.Minute,
		CleanupInterval: time.Minute,
	})
	bus := eventbus.NewMemory(eventbus.DefaultConfig())
	t.Cleanup(func() {
		stateCache.Stop()
		bus.Close()
		_ = stores.Close()
	})

	logger := slog.New(slog.DiscardHandler)
	auditStore := observability.NewMemoryAuditStore(0)
	audit := observability.NewAuditRecorder(auditStore, observability.NewLogger(observability.LogConfig{Output: io.Discard}))
	r := repo.New(stores, stateCache, logger)
	reg := registry.New()
	for _, def := range []registry.Definition{
		{Name: "read_file"},
		{Name: "delete_repo", RequiresApproval: true},
	} {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
	}
	eng := engine.New(r, bus, reg, engine.Options{Logger: logger, Audit: audit})
	pub := stream.New(eng, bus, stream.Options{Logger: logger})
	srv := New(config.ServerConfig{}, eng, pub, Options{Logger: logger, Audit: auditStore})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out.Bytes()
}

func createCall(t *testing.T, ts *httptest.Server, tool, toolCallID string) models.ToolCall {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/tool-calls", map[string]any{
		"chat_id":      "chat-1",
		"message_id":   "msg-1",
		"tool_name":    tool,
		"tool_call_id": toolCallID,
		"args":         map[string]any{},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}
	var call models.ToolCall
	if err := json.Unmarshal(body, &call); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return call
}

func TestCreateAndGetCall(t *testing.T) {
	ts := newTestServer(t)

	call := createCall(t, ts, "read_file", "tc-1")
	if call.Status != models.StatusPending {
		t.Errorf("status = %s", call.Status)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/tool-calls/"+call.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got models.ToolCall
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != call.ID {
		t.Errorf("id = %s", got.ID)
	}
}

func TestGetUnknownCallReturnsPlaceholder(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/tool-calls/ghost", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got models.ToolCall
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "ghost" || got.Status != models.StatusPending {
		t.Errorf("placeholder = %s/%s", got.ID, got.Status)
	}
}

func TestCreateCallValidationAndConflict(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/tool-calls", map[string]any{
		"chat_id": "chat-1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing fields status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/tool-calls", map[string]any{
		"chat_id": "chat-1", "unknown_field": true,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", resp.StatusCode)
	}

	payload := map[string]any{
		"id":           "dup",
		"chat_id":      "chat-1",
		"message_id":   "msg-1",
		"tool_name":    "read_file",
		"tool_call_id": "tc-dup",
		"args":         map[string]any{},
	}
	if resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/tool-calls", payload); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create = %d", resp.StatusCode)
	}
	if resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/tool-calls", payload); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", resp.StatusCode)
	}
}

func TestStatusUpdateFlow(t *testing.T) {
	ts := newTestServer(t)
	call := createCall(t, ts, "read_file", "tc-flow")

	resp, _ := doJSON(t, http.MethodPatch, ts.URL+"/api/tool-calls/"+call.ID+"/status", map[string]any{
		"status": "completed", "result": map[string]any{"ok": true},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("pending→completed = %d, want 409", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPatch, ts.URL+"/api/tool-calls/"+call.ID+"/status", map[string]any{
		"status": "processing",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("to processing = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPatch, ts.URL+"/api/tool-calls/"+call.ID+"/status", map[string]any{
		"status": "completed", "result": map[string]any{"ok": true},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("to completed = %d, body %s", resp.StatusCode, body)
	}
	var done models.ToolCall
	if err := json.Unmarshal(body, &done); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if done.Status != models.StatusCompleted || done.Result == nil {
		t.Errorf("completed = %s result %s", done.Status, done.Result)
	}

	// Updating a missing call is a hard 404, unlike reads.
	resp, _ = doJSON(t, http.MethodPatch, ts.URL+"/api/tool-calls/ghost/status", map[string]any{
		"status": "processing",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("update missing = %d, want 404", resp.StatusCode)
	}
}

func TestApprovalEndpoints(t *testing.T) {
	ts := newTestServer(t)

	gated := createCall(t, ts, "delete_repo", "tc-gated")
	if gated.Status != models.StatusAwaitingApproval {
		t.Fatalf("status = %s", gated.Status)
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/tool-calls/"+gated.ID+"/approve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve = %d, body %s", resp.StatusCode, body)
	}
	var approved models.ToolCall
	if err := json.Unmarshal(body, &approved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if approved.Status != models.StatusProcessing {
		t.Errorf("approved status = %s", approved.Status)
	}

	other := createCall(t, ts, "delete_repo", "tc-gated-2")
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/tool-calls/"+other.ID+"/reject", map[string]any{"reason": "too risky"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject = %d, body %s", resp.StatusCode, body)
	}
	var rejected models.ToolCall
	if err := json.Unmarshal(body, &rejected); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rejected.Status != models.StatusRejected {
		t.Errorf("rejected status = %s", rejected.Status)
	}

	// Approving a non-gated call conflicts.
	plain := createCall(t, ts, "read_file", "tc-plain")
	if resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/tool-calls/"+plain.ID+"/approve", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("approve pending = %d, want 409", resp.StatusCode)
	}
}

func TestRetryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	call := createCall(t, ts, "read_file", "tc-retry")

	doJSON(t, http.MethodPatch, ts.URL+"/api/tool-calls/"+call.ID+"/status", map[string]any{"status": "processing"})
	doJSON(t, http.MethodPatch, ts.URL+"/api/tool-calls/"+call.ID+"/status", map[string]any{"status": "failed", "error": "boom"})

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/tool-calls/"+call.ID+"/retry", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry = %d, body %s", resp.StatusCode, body)
	}
	var retried models.ToolCall
	if err := json.Unmarshal(body, &retried); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if retried.Status != models.StatusPending || retried.RetryCount != 1 {
		t.Errorf("retried = %s count %d", retried.Status, retried.RetryCount)
	}
}

func TestListEndpointsReturnEmptyArrays(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/api/chats/empty-chat/tool-calls",
		"/api/chats/empty-chat/tool-pipelines",
		"/api/tool-pipelines/no-pipe/tool-calls",
	} {
		resp, body := doJSON(t, http.MethodGet, ts.URL+path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d", path, resp.StatusCode)
		}
		if trimmed := strings.TrimSpace(string(body)); trimmed != "[]" {
			t.Errorf("%s body = %q, want []", path, trimmed)
		}
	}
}

func TestPipelineEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/tool-pipelines", map[string]any{
		"chat_id":     "chat-1",
		"name":        "deploy",
		"total_steps": 2,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create pipeline = %d, body %s", resp.StatusCode, body)
	}
	var p models.ToolPipeline
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, body = doJSON(t, http.MethodPatch, ts.URL+"/api/tool-pipelines/"+p.ID+"/status", map[string]any{
		"status":       "processing",
		"current_step": 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update pipeline = %d, body %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.CurrentStep != 1 || p.Status != models.StatusProcessing {
		t.Errorf("pipeline = %s step %d", p.Status, p.CurrentStep)
	}

	resp, _ = doJSON(t, http.MethodPatch, ts.URL+"/api/tool-pipelines/"+p.ID+"/status", map[string]any{
		"status":       "processing",
		"current_step": 9,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("step out of range = %d, want 400", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/tool-pipelines/ghost", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get missing pipeline = %d", resp.StatusCode)
	}
	var placeholder models.ToolPipeline
	if err := json.Unmarshal(body, &placeholder); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if placeholder.ID != "ghost" || placeholder.Status != models.StatusPending {
		t.Errorf("placeholder = %s/%s", placeholder.ID, placeholder.Status)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/chats/chat-1/tool-pipelines", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list pipelines = %d", resp.StatusCode)
	}
	var list []models.ToolPipeline
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("pipelines = %d, want 1", len(list))
	}
}

func TestPipelineStreamUnknownID(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/tool-pipelines/ghost/stream", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stream unknown pipeline = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("healthz body = %s", body)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

func TestChatAuditTimeline(t *testing.T) {
	ts := newTestServer(t)

	call := createCall(t, ts, "read_file", "tc-audit")
	for _, status := range []string{"processing", "completed"} {
		body := map[string]any{"status": status}
		if status == "completed" {
			body["result"] = map[string]any{"ok": true}
		}
		resp, out := doJSON(t, http.MethodPatch, ts.URL+"/api/tool-calls/"+call.ID+"/status", body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("patch to %s = %d, body %s", status, resp.StatusCode, out)
		}
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/chats/chat-1/audit", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat audit = %d, body %s", resp.StatusCode, body)
	}
	var timeline observability.Timeline
	if err := json.Unmarshal(body, &timeline); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	if timeline.ChatID != "chat-1" {
		t.Errorf("chat_id = %s", timeline.ChatID)
	}
	if timeline.Summary == nil || timeline.Summary.Transitions != 2 {
		t.Errorf("summary = %+v, want 2 transitions", timeline.Summary)
	}
	if timeline.Summary.TotalEvents < 3 {
		t.Errorf("total events = %d, want at least create plus 2 transitions", timeline.Summary.TotalEvents)
	}
}

func TestChatAuditTimelineTextFormat(t *testing.T) {
	ts := newTestServer(t)

	createCall(t, ts, "read_file", "tc-text")
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/chats/chat-1/audit?format=text", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat audit text = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %s", ct)
	}
	if !strings.Contains(string(body), "Timeline for Chat: chat-1") {
		t.Errorf("text body = %s", body)
	}
}

func TestCallAuditTimeline(t *testing.T) {
	ts := newTestServer(t)

	call := createCall(t, ts, "delete_repo", "tc-gated")
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/tool-calls/"+call.ID+"/audit", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("call audit = %d, body %s", resp.StatusCode, body)
	}
	var timeline observability.Timeline
	if err := json.Unmarshal(body, &timeline); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	// A gated tool records creation and the approval requirement.
	if timeline.Summary.TotalEvents != 2 || timeline.Summary.Approvals != 1 {
		t.Errorf("summary = %+v", timeline.Summary)
	}
}

func TestAuditEventsByType(t *testing.T) {
	ts := newTestServer(t)

	createCall(t, ts, "read_file", "tc-a")
	createCall(t, ts, "read_file", "tc-b")

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/audit/events?type=call.created&limit=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit events = %d, body %s", resp.StatusCode, body)
	}
	var events []*observability.AuditEvent
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want limit of 1", len(events))
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/audit/events", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing type = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/audit/events?type=call.created&limit=zero", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRequestTracingMiddleware(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	tracer, _ := observability.NewTracer(observability.TraceConfig{ServiceName: "toolflow-test"})

	srv := New(config.ServerConfig{}, nil, nil, Options{
		Logger: slog.New(slog.DiscardHandler),
		Tracer: tracer,
	})
	h := srv.withRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tool-calls/x", nil))

	for _, sp := range rec.Ended() {
		if sp.Name() != "http.GET /api/tool-calls/x" {
			continue
		}
		for _, kv := range sp.Attributes() {
			if string(kv.Key) == "http.status" && kv.Value.AsInt64() == http.StatusTeapot {
				return
			}
		}
		t.Fatalf("span recorded without response status: %v", sp.Attributes())
	}
	t.Fatal("no request span recorded")
}
