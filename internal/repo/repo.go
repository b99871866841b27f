// Package repo hides the record store and the state cache behind one
// read/write surface: cache-aside on read, write-through on write.
// The store is truth; the cache only accelerates. A cache failure is
// logged and swallowed so it can never turn a durable write into a
// reported failure.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/toolflow/toolflow/internal/cache"
	"github.com/toolflow/toolflow/internal/observability"
	"github.com/toolflow/toolflow/internal/storage"
	"github.com/toolflow/toolflow/pkg/models"
)

// ErrNotFound is returned when the target record exists in neither
// the cache nor the store. Callers must treat it as a normal absent
// state, distinct from a store failure.
var ErrNotFound = storage.ErrNotFound

// Repository is the dual-write layer over the two physical stores.
type Repository struct {
	stores  storage.StoreSet
	cache   cache.StateCache
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Repository. The cache may be shared with the event bus.
func New(stores storage.StoreSet, stateCache cache.StateCache, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{stores: stores, cache: stateCache, logger: logger}
}

// SetMetrics enables read-source instrumentation. Nil disables it.
func (r *Repository) SetMetrics(m *observability.Metrics) { r.metrics = m }

func (r *Repository) countRead(record, source string) {
	if r.metrics != nil {
		r.metrics.RecordRead(record, source)
	}
}

// CreateToolCall writes through: store first, then cache and the
// chat's call index. The stored record (with server-assigned
// timestamps) is re-read and returned.
func (r *Repository) CreateToolCall(ctx context.Context, call *models.ToolCall) (*models.ToolCall, error) {
	if err := r.stores.Calls.Create(ctx, call); err != nil {
		return nil, fmt.Errorf("store create tool call: %w", err)
	}
	stored, err := r.stores.Calls.Get(ctx, call.ID)
	if err != nil {
		return nil, fmt.Errorf("reload tool call after create: %w", err)
	}
	r.cacheToolCall(ctx, stored)
	return stored, nil
}

// GetToolCall reads cache-aside. Absence is ErrNotFound, not a failure.
func (r *Repository) GetToolCall(ctx context.Context, id string) (*models.ToolCall, error) {
	if cached, ok, err := r.cache.GetToolCall(ctx, id); err != nil {
		r.logger.Warn("tool call cache read failed", "id", id, "error", err)
	} else if ok {
		r.countRead("tool_call", "cache")
		return cached, nil
	}

	stored, err := r.stores.Calls.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store get tool call: %w", err)
	}
	r.countRead("tool_call", "store")
	if err := r.cache.SetToolCall(ctx, stored); err != nil {
		r.logger.Warn("tool call cache populate failed", "id", id, "error", err)
	}
	return stored, nil
}

// UpdateToolCall writes through store then cache then chat index.
func (r *Repository) UpdateToolCall(ctx context.Context, call *models.ToolCall) error {
	if err := r.stores.Calls.Update(ctx, call); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("store update tool call: %w", err)
	}
	r.cacheToolCall(ctx, call)
	return nil
}

// DeleteToolCall removes the record from both stores.
func (r *Repository) DeleteToolCall(ctx context.Context, id, chatID string) error {
	if err := r.stores.Calls.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("store delete tool call: %w", err)
	}
	r.purgeToolCall(ctx, id, chatID)
	return nil
}

// ListCallsByChat serves from the chat index when present, otherwise
// queries the store and rebuilds the index.
func (r *Repository) ListCallsByChat(ctx context.Context, chatID string) ([]*models.ToolCall, error) {
	if list, ok, err := r.cache.ChatCalls(ctx, chatID); err != nil {
		r.logger.Warn("chat call index read failed", "chat_id", chatID, "error", err)
	} else if ok {
		return list, nil
	}

	list, err := r.stores.Calls.ListByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("store list tool calls: %w", err)
	}
	for _, call := range list {
		if err := r.cache.UpsertChatCall(ctx, chatID, call); err != nil {
			r.logger.Warn("chat call index rebuild failed", "chat_id", chatID, "error", err)
			break
		}
	}
	return list, nil
}

// ListCallsByPipeline always queries the store; pipeline membership
// has no cache index.
func (r *Repository) ListCallsByPipeline(ctx context.Context, pipelineID string) ([]*models.ToolCall, error) {
	list, err := r.stores.Calls.ListByPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("store list pipeline calls: %w", err)
	}
	return list, nil
}

// CreatePipeline mirrors CreateToolCall.
func (r *Repository) CreatePipeline(ctx context.Context, p *models.ToolPipeline) (*models.ToolPipeline, error) {
	if err := r.stores.Pipelines.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("store create pipeline: %w", err)
	}
	stored, err := r.stores.Pipelines.Get(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("reload pipeline after create: %w", err)
	}
	r.cachePipeline(ctx, stored)
	return stored, nil
}

// GetPipeline reads cache-aside.
func (r *Repository) GetPipeline(ctx context.Context, id string) (*models.ToolPipeline, error) {
	if cached, ok, err := r.cache.GetPipeline(ctx, id); err != nil {
		r.logger.Warn("pipeline cache read failed", "id", id, "error", err)
	} else if ok {
		r.countRead("pipeline", "cache")
		return cached, nil
	}

	stored, err := r.stores.Pipelines.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store get pipeline: %w", err)
	}
	r.countRead("pipeline", "store")
	if err := r.cache.SetPipeline(ctx, stored); err != nil {
		r.logger.Warn("pipeline cache populate failed", "id", id, "error", err)
	}
	return stored, nil
}

// UpdatePipeline writes through store then cache.
func (r *Repository) UpdatePipeline(ctx context.Context, p *models.ToolPipeline) error {
	if err := r.stores.Pipelines.Update(ctx, p); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("store update pipeline: %w", err)
	}
	r.cachePipeline(ctx, p)
	return nil
}

// ListPipelinesByChat mirrors ListCallsByChat.
func (r *Repository) ListPipelinesByChat(ctx context.Context, chatID string) ([]*models.ToolPipeline, error) {
	if list, ok, err := r.cache.ChatPipelines(ctx, chatID); err != nil {
		r.logger.Warn("chat pipeline index read failed", "chat_id", chatID, "error", err)
	} else if ok {
		return list, nil
	}

	list, err := r.stores.Pipelines.ListByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("store list pipelines: %w", err)
	}
	for _, p := range list {
		if err := r.cache.UpsertChatPipeline(ctx, chatID, p); err != nil {
			r.logger.Warn("chat pipeline index rebuild failed", "chat_id", chatID, "error", err)
			break
		}
	}
	return list, nil
}

// PurgeStaleCalls applies cache purges after the store-level stale
// delete performed by the sweeper.
func (r *Repository) PurgeStaleCalls(ctx context.Context, removed []storage.Removed) {
	for _, rm := range removed {
		r.purgeToolCall(ctx, rm.ID, rm.ChatID)
	}
}

// PurgeStalePipelines mirrors PurgeStaleCalls for pipelines.
func (r *Repository) PurgeStalePipelines(ctx context.Context, removed []storage.Removed) {
	for _, rm := range removed {
		if err := r.cache.DeletePipeline(ctx, rm.ID); err != nil {
			r.logger.Warn("pipeline cache purge failed", "id", rm.ID, "error", err)
		}
		if err := r.cache.RemoveChatPipeline(ctx, rm.ChatID, rm.ID); err != nil {
			r.logger.Warn("chat pipeline index purge failed", "id", rm.ID, "error", err)
		}
	}
}

// Stores exposes the underlying store set for operations that bypass
// the cache on purpose (the sweeper's bulk delete).
func (r *Repository) Stores() storage.StoreSet { return r.stores }

func (r *Repository) cacheToolCall(ctx context.Context, call *models.ToolCall) {
	if err := r.cache.SetToolCall(ctx, call); err != nil {
		r.logger.Warn("tool call cache write failed", "id", call.ID, "error", err)
		return
	}
	if err := r.cache.UpsertChatCall(ctx, call.ChatID, call); err != nil {
		r.logger.Warn("chat call index write failed", "id", call.ID, "chat_id", call.ChatID, "error", err)
	}
}

func (r *Repository) cachePipeline(ctx context.Context, p *models.ToolPipeline) {
	if err := r.cache.SetPipeline(ctx, p); err != nil {
		r.logger.Warn("pipeline cache write failed", "id", p.ID, "error", err)
		return
	}
	if err := r.cache.UpsertChatPipeline(ctx, p.ChatID, p); err != nil {
		r.logger.Warn("chat pipeline index write failed", "id", p.ID, "chat_id", p.ChatID, "error", err)
	}
}

func (r *Repository) purgeToolCall(ctx context.Context, id, chatID string) {
	if err := r.cache.DeleteToolCall(ctx, id); err != nil {
		r.logger.Warn("tool call cache purge failed", "id", id, "error", err)
	}
	if err := r.cache.RemoveChatCall(ctx, chatID, id); err != nil {
		r.logger.Warn("chat call index purge failed", "id", id, "error", err)
	}
}
