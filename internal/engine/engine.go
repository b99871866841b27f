// Package engine is the sole writer of tool call and pipeline status
// transitions. It enforces the state machine and performs the
// three-step write on every mutation: record store, then state cache,
// then event bus. Store failures fail the operation; cache and bus
// failures never do.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolflow/toolflow/internal/eventbus"
	"github.com/toolflow/toolflow/internal/observability"
	"github.com/toolflow/toolflow/internal/repo"
	"github.com/toolflow/toolflow/pkg/models"
)

// ApprovalPolicy decides whether a tool needs a human decision before
// execution and whether its arguments are acceptable.
type ApprovalPolicy interface {
	RequiresApproval(toolName string) bool
	ValidateArgs(toolName string, args json.RawMessage) error
}

// Options carries the optional collaborators. Nil fields disable the
// corresponding instrumentation.
type Options struct {
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Audit   *observability.AuditRecorder
	Logger  *slog.Logger
}

// Engine orchestrates the tool call lifecycle.
type Engine struct {
	repo    *repo.Repository
	bus     eventbus.Bus
	policy  ApprovalPolicy
	metrics *observability.Metrics
	tracer  *observability.Tracer
	audit   *observability.AuditRecorder
	logger  *slog.Logger

	// locks serializes in-process writers per record id. Cross-process
	// writers still race with last-write-wins semantics; the store is
	// the arbiter.
	locks [128]sync.Mutex
}

// New creates an Engine. repo, bus, and policy are required.
func New(r *repo.Repository, bus eventbus.Bus, policy ApprovalPolicy, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:    r,
		bus:     bus,
		policy:  policy,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		audit:   opts.Audit,
		logger:  logger,
	}
}

func (e *Engine) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &e.locks[h.Sum32()%uint32(len(e.locks))]
}

// CreateToolCall validates the request, assigns an id if absent, and
// inserts the call in PENDING — or AWAITING_APPROVAL when the tool is
// on the approval list. The stored record, with server-assigned
// timestamps, is returned.
func (e *Engine) CreateToolCall(ctx context.Context, call *models.ToolCall) (*models.ToolCall, error) {
	ctx, span := e.span(ctx, "create_tool_call", call.ToolName, call.ChatID)
	defer span()

	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if err := call.Validate(); err != nil {
		var fieldErr *models.FieldError
		if errors.As(err, &fieldErr) {
			e.countError("validation")
			return nil, &ValidationError{Reason: "missing required fields", Fields: fieldErr.Fields}
		}
		return nil, &ValidationError{Reason: err.Error()}
	}
	if err := e.policy.ValidateArgs(call.ToolName, call.Args); err != nil {
		e.countError("validation")
		return nil, &ValidationError{Reason: err.Error(), Fields: []string{"args"}}
	}

	call.Status = models.StatusPending
	if e.policy.RequiresApproval(call.ToolName) {
		call.Status = models.StatusAwaitingApproval
	}
	call.Result = nil
	call.Error = ""
	call.RetryCount = 0

	stored, err := e.repo.CreateToolCall(ctx, call)
	if err != nil {
		e.countError("store")
		return nil, &StoreError{Op: "create tool call", Err: err}
	}

	e.publishCall(stored)
	if e.metrics != nil {
		e.metrics.RecordCallCreated(stored.ToolName, string(stored.Status))
	}
	if e.audit != nil {
		actx := observability.AddChatID(ctx, stored.ChatID)
		_ = e.audit.Record(observability.AddCallID(actx, stored.ID), observability.EventTypeCallCreated, stored.ToolName, map[string]any{
			"status": string(stored.Status),
		})
		if stored.Status == models.StatusAwaitingApproval {
			_ = e.audit.Record(observability.AddCallID(actx, stored.ID), observability.EventTypeApprovalRequired, stored.ToolName, nil)
		}
	}
	e.logger.Info("tool call created",
		"call_id", stored.ID,
		"chat_id", stored.ChatID,
		"tool_name", stored.ToolName,
		"status", stored.Status)
	return stored, nil
}

// GetToolCall returns the call, cache-first.
func (e *Engine) GetToolCall(ctx context.Context, id string) (*models.ToolCall, error) {
	call, err := e.repo.GetToolCall(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &NotFoundError{Kind: "tool call", ID: id}
		}
		e.countError("store")
		return nil, &StoreError{Op: "get tool call", Err: err}
	}
	return call, nil
}

// ListToolCallsByChat returns the chat's calls, empty if none.
func (e *Engine) ListToolCallsByChat(ctx context.Context, chatID string) ([]*models.ToolCall, error) {
	list, err := e.repo.ListCallsByChat(ctx, chatID)
	if err != nil {
		e.countError("store")
		return nil, &StoreError{Op: "list tool calls", Err: err}
	}
	return list, nil
}

// ListToolCallsByPipeline returns the pipeline's calls in step order.
func (e *Engine) ListToolCallsByPipeline(ctx context.Context, pipelineID string) ([]*models.ToolCall, error) {
	list, err := e.repo.ListCallsByPipeline(ctx, pipelineID)
	if err != nil {
		e.countError("store")
		return nil, &StoreError{Op: "list pipeline calls", Err: err}
	}
	return list, nil
}

// UpdateToolCallStatus applies one state machine transition. result is
// only accepted on COMPLETED and errMsg only on FAILED; they are
// mutually exclusive. Returns the updated record.
func (e *Engine) UpdateToolCallStatus(ctx context.Context, id string, status models.CallStatus, result json.RawMessage, errMsg string) (*models.ToolCall, error) {
	if !status.Valid() {
		return nil, &ValidationError{Reason: "unknown status " + string(status), Fields: []string{"status"}}
	}
	if len(result) > 0 && status != models.StatusCompleted {
		return nil, &ValidationError{Reason: "result is only set on completed calls", Fields: []string{"result"}}
	}
	if errMsg != "" && status != models.StatusFailed {
		return nil, &ValidationError{Reason: "error is only set on failed calls", Fields: []string{"error"}}
	}

	mu := e.lock(id)
	mu.Lock()
	defer mu.Unlock()

	call, err := e.loadCall(ctx, id)
	if err != nil {
		return nil, err
	}

	from := call.Status
	if !from.CanTransition(status) {
		e.countError("transition")
		return nil, &TransitionError{ID: id, From: from, To: status}
	}

	ctx, span := e.transitionSpan(ctx, id, from, status)
	defer span()

	call.Status = status
	call.Result = nil
	call.Error = ""
	switch status {
	case models.StatusCompleted:
		call.Result = result
	case models.StatusFailed:
		call.Error = errMsg
	}
	e.touch(call)

	if err := e.writeCall(ctx, call); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordTransition(call.ToolName, string(from), string(status))
	}
	if e.audit != nil {
		_ = e.audit.RecordTransition(observability.AddChatID(ctx, call.ChatID), call.ID, call.ToolName, string(from), string(status))
	}
	e.logger.Info("tool call transition",
		"call_id", call.ID,
		"chat_id", call.ChatID,
		"from", from,
		"to", status)
	return call, nil
}

// ApproveToolCall releases an AWAITING_APPROVAL call into PROCESSING
// and records the human decision.
func (e *Engine) ApproveToolCall(ctx context.Context, id string) (*models.ToolCall, error) {
	call, err := e.UpdateToolCallStatus(ctx, id, models.StatusProcessing, nil, "")
	if err != nil {
		return nil, err
	}
	e.recordDecision(ctx, call, "approved", "")
	return call, nil
}

// RejectToolCall terminates an AWAITING_APPROVAL call as REJECTED and
// records the human decision. The reason is kept in the audit trail
// only; the record's error field stays reserved for execution failures.
func (e *Engine) RejectToolCall(ctx context.Context, id, reason string) (*models.ToolCall, error) {
	call, err := e.UpdateToolCallStatus(ctx, id, models.StatusRejected, nil, "")
	if err != nil {
		return nil, err
	}
	e.recordDecision(ctx, call, "rejected", reason)
	return call, nil
}

func (e *Engine) recordDecision(ctx context.Context, call *models.ToolCall, decision, reason string) {
	if e.metrics != nil {
		e.metrics.RecordApprovalDecision(call.ToolName, decision)
	}
	if e.audit != nil {
		actx := observability.AddChatID(ctx, call.ChatID)
		data := map[string]any{"decision": decision}
		if reason != "" {
			data["reason"] = reason
		}
		_ = e.audit.Record(observability.AddCallID(actx, call.ID), observability.EventTypeApprovalDecided, call.ToolName, data)
	}
	e.logger.Info("approval decision",
		"call_id", call.ID,
		"tool_name", call.ToolName,
		"decision", decision)
}

// IncrementRetryCount bumps retryCount and resets status to PENDING.
// The status reset is idempotent; the counter is not — two calls in
// sequence add two.
func (e *Engine) IncrementRetryCount(ctx context.Context, id string) (*models.ToolCall, error) {
	mu := e.lock(id)
	mu.Lock()
	defer mu.Unlock()

	call, err := e.loadCall(ctx, id)
	if err != nil {
		return nil, err
	}

	from := call.Status
	call.RetryCount++
	call.Status = models.StatusPending
	call.Result = nil
	call.Error = ""
	e.touch(call)

	if err := e.writeCall(ctx, call); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordRetry(call.ToolName)
		e.metrics.RecordTransition(call.ToolName, string(from), string(models.StatusPending))
	}
	if e.audit != nil {
		actx := observability.AddChatID(ctx, call.ChatID)
		_ = e.audit.Record(observability.AddCallID(actx, call.ID), observability.EventTypeCallRetried, call.ToolName, map[string]any{
			"retry_count": call.RetryCount,
		})
	}
	e.logger.Info("tool call retried",
		"call_id", call.ID,
		"retry_count", call.RetryCount)
	return call, nil
}

// CreateToolPipeline validates and inserts a pipeline in PENDING.
func (e *Engine) CreateToolPipeline(ctx context.Context, p *models.ToolPipeline) (*models.ToolPipeline, error) {
	ctx, span := e.span(ctx, "create_tool_pipeline", p.Name, p.ChatID)
	defer span()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		var fieldErr *models.FieldError
		if errors.As(err, &fieldErr) {
			e.countError("validation")
			return nil, &ValidationError{Reason: "missing required fields", Fields: fieldErr.Fields}
		}
		return nil, &ValidationError{Reason: err.Error()}
	}
	p.Status = models.StatusPending
	p.CurrentStep = 0

	stored, err := e.repo.CreatePipeline(ctx, p)
	if err != nil {
		e.countError("store")
		return nil, &StoreError{Op: "create pipeline", Err: err}
	}

	e.publishPipeline(stored)
	if e.audit != nil {
		actx := observability.AddChatID(ctx, stored.ChatID)
		_ = e.audit.Record(observability.AddPipelineID(actx, stored.ID), observability.EventTypePipelineCreated, stored.Name, map[string]any{
			"total_steps": stored.TotalSteps,
		})
	}
	e.logger.Info("pipeline created",
		"pipeline_id", stored.ID,
		"chat_id", stored.ChatID,
		"name", stored.Name,
		"total_steps", stored.TotalSteps)
	return stored, nil
}

// GetToolPipeline returns the pipeline, cache-first.
func (e *Engine) GetToolPipeline(ctx context.Context, id string) (*models.ToolPipeline, error) {
	p, err := e.repo.GetPipeline(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &NotFoundError{Kind: "pipeline", ID: id}
		}
		e.countError("store")
		return nil, &StoreError{Op: "get pipeline", Err: err}
	}
	return p, nil
}

// ListToolPipelinesByChat returns the chat's pipelines, empty if none.
func (e *Engine) ListToolPipelinesByChat(ctx context.Context, chatID string) ([]*models.ToolPipeline, error) {
	list, err := e.repo.ListPipelinesByChat(ctx, chatID)
	if err != nil {
		e.countError("store")
		return nil, &StoreError{Op: "list pipelines", Err: err}
	}
	return list, nil
}

// UpdateToolPipelineStatus applies a status and optional step/metadata
// update to a pipeline. The orchestrator driving the pipeline decides
// when to advance; the engine only enforces bounds.
func (e *Engine) UpdateToolPipelineStatus(ctx context.Context, id string, status models.CallStatus, currentStep *int, metadata map[string]any) (*models.ToolPipeline, error) {
	if !status.Valid() {
		return nil, &ValidationError{Reason: "unknown status " + string(status), Fields: []string{"status"}}
	}

	mu := e.lock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := e.repo.GetPipeline(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &NotFoundError{Kind: "pipeline", ID: id}
		}
		e.countError("store")
		return nil, &StoreError{Op: "get pipeline", Err: err}
	}

	if currentStep != nil {
		if *currentStep < 0 || *currentStep > p.TotalSteps {
			return nil, &ValidationError{
				Reason: "current_step must be between 0 and total_steps",
				Fields: []string{"current_step"},
			}
		}
		p.CurrentStep = *currentStep
	}
	p.Status = status
	if metadata != nil {
		p.Metadata = metadata
	}
	p.UpdatedAt = touchTime(p.UpdatedAt)

	if err := e.repo.UpdatePipeline(ctx, p); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &NotFoundError{Kind: "pipeline", ID: id}
		}
		e.countError("store")
		return nil, &StoreError{Op: "update pipeline", Err: err}
	}

	e.publishPipeline(p)
	if e.audit != nil {
		actx := observability.AddChatID(ctx, p.ChatID)
		_ = e.audit.Record(observability.AddPipelineID(actx, p.ID), observability.EventTypePipelineAdvanced, p.Name, map[string]any{
			"status":       string(p.Status),
			"current_step": p.CurrentStep,
		})
	}
	e.logger.Info("pipeline updated",
		"pipeline_id", p.ID,
		"status", p.Status,
		"current_step", p.CurrentStep)
	return p, nil
}

func (e *Engine) loadCall(ctx context.Context, id string) (*models.ToolCall, error) {
	call, err := e.repo.GetToolCall(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &NotFoundError{Kind: "tool call", ID: id}
		}
		e.countError("store")
		return nil, &StoreError{Op: "get tool call", Err: err}
	}
	return call, nil
}

func (e *Engine) writeCall(ctx context.Context, call *models.ToolCall) error {
	if err := e.repo.UpdateToolCall(ctx, call); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return &NotFoundError{Kind: "tool call", ID: call.ID}
		}
		e.countError("store")
		return &StoreError{Op: "update tool call", Err: err}
	}
	e.publishCall(call)
	return nil
}

// touch bumps UpdatedAt, keeping it monotonically non-decreasing even
// against clock skew.
func (e *Engine) touch(call *models.ToolCall) {
	call.UpdatedAt = touchTime(call.UpdatedAt)
}

// touchTime advances a record's UpdatedAt. When the wall clock has
// gone backwards it nudges forward by a nanosecond so the stamp loses
// no ordering.
func touchTime(prev time.Time) time.Time {
	now := time.Now().UTC()
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}

// publishCall emits the call to its topic and the chat aggregate
// topic. Publish failures cannot happen on the in-process bus, but the
// contract is fire-and-forget either way.
func (e *Engine) publishCall(call *models.ToolCall) {
	payload, err := json.Marshal(call)
	if err != nil {
		e.logger.Warn("tool call event marshal failed", "call_id", call.ID, "error", err)
		return
	}
	e.bus.Publish(eventbus.TopicToolCall, call.ChatID, payload)
	e.bus.Publish(eventbus.TopicChatTools, call.ChatID, payload)
	if e.metrics != nil {
		e.metrics.RecordPublish(eventbus.TopicToolCall)
		e.metrics.RecordPublish(eventbus.TopicChatTools)
	}
}

func (e *Engine) publishPipeline(p *models.ToolPipeline) {
	payload, err := json.Marshal(p)
	if err != nil {
		e.logger.Warn("pipeline event marshal failed", "pipeline_id", p.ID, "error", err)
		return
	}
	e.bus.Publish(eventbus.TopicPipeline, p.ChatID, payload)
	e.bus.Publish(eventbus.TopicChatTools, p.ChatID, payload)
	if e.metrics != nil {
		e.metrics.RecordPublish(eventbus.TopicPipeline)
		e.metrics.RecordPublish(eventbus.TopicChatTools)
	}
}

func (e *Engine) span(ctx context.Context, op, toolName, chatID string) (context.Context, func()) {
	if e.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := e.tracer.TraceLifecycleOp(ctx, op, toolName, chatID)
	return ctx, func() { span.End() }
}

func (e *Engine) transitionSpan(ctx context.Context, id string, from, to models.CallStatus) (context.Context, func()) {
	if e.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := e.tracer.TraceTransition(ctx, id, string(from), string(to))
	return ctx, func() { span.End() }
}

func (e *Engine) countError(errorType string) {
	if e.metrics != nil {
		e.metrics.RecordError("engine", errorType)
	}
}
