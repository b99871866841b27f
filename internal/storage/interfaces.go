// Package storage provides the authoritative Record Store for tool
// calls and pipelines. The store is the source of truth; the state
// cache in internal/cache is an accelerator layered on top of it.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/toolflow/toolflow/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Removed identifies a record dropped by DeleteStale. The chat id
// rides along so callers can purge derived cache indexes.
type Removed struct {
	ID     string
	ChatID string
}

// ToolCallStore persists tool call records.
type ToolCallStore interface {
	Create(ctx context.Context, call *models.ToolCall) error
	Get(ctx context.Context, id string) (*models.ToolCall, error)
	Update(ctx context.Context, call *models.ToolCall) error
	Delete(ctx context.Context, id string) error
	ListByChat(ctx context.Context, chatID string) ([]*models.ToolCall, error)
	ListByPipeline(ctx context.Context, pipelineID string) ([]*models.ToolCall, error)
	// DeleteStale removes non-terminal calls created strictly before
	// the cutoff.
	DeleteStale(ctx context.Context, olderThan time.Time) ([]Removed, error)
}

// PipelineStore persists tool pipeline records.
type PipelineStore interface {
	Create(ctx context.Context, p *models.ToolPipeline) error
	Get(ctx context.Context, id string) (*models.ToolPipeline, error)
	Update(ctx context.Context, p *models.ToolPipeline) error
	Delete(ctx context.Context, id string) error
	ListByChat(ctx context.Context, chatID string) ([]*models.ToolPipeline, error)
	DeleteStale(ctx context.Context, olderThan time.Time) ([]Removed, error)
}

// StoreSet groups the record stores behind one handle.
type StoreSet struct {
	Calls     ToolCallStore
	Pipelines PipelineStore
	closer    func() error
}

// Close releases any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// NewMemoryStores returns a StoreSet backed entirely by memory.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Calls:     NewMemoryToolCallStore(),
		Pipelines: NewMemoryPipelineStore(),
	}
}
