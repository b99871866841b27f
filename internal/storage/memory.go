package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/toolflow/toolflow/pkg/models"
)

// MemoryToolCallStore keeps tool calls in memory. Used in tests and
// single-process deployments without a database.
type MemoryToolCallStore struct {
	mu    sync.RWMutex
	calls map[string]*models.ToolCall
}

// NewMemoryToolCallStore returns an empty in-memory call store.
func NewMemoryToolCallStore() *MemoryToolCallStore {
	return &MemoryToolCallStore{calls: make(map[string]*models.ToolCall)}
}

func (s *MemoryToolCallStore) Create(ctx context.Context, call *models.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[call.ID]; exists {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	c := call.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	s.calls[c.ID] = c
	return nil
}

func (s *MemoryToolCallStore) Get(ctx context.Context, id string) (*models.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return call.Clone(), nil
}

func (s *MemoryToolCallStore) Update(ctx context.Context, call *models.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.ID]; !ok {
		return ErrNotFound
	}
	s.calls[call.ID] = call.Clone()
	return nil
}

func (s *MemoryToolCallStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[id]; !ok {
		return ErrNotFound
	}
	delete(s.calls, id)
	return nil
}

func (s *MemoryToolCallStore) ListByChat(ctx context.Context, chatID string) ([]*models.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ToolCall
	for _, c := range s.calls {
		if c.ChatID == chatID {
			out = append(out, c.Clone())
		}
	}
	sortCallsByCreated(out)
	return out, nil
}

func (s *MemoryToolCallStore) ListByPipeline(ctx context.Context, pipelineID string) ([]*models.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ToolCall
	for _, c := range s.calls {
		if c.PipelineID == pipelineID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

func (s *MemoryToolCallStore) DeleteStale(ctx context.Context, olderThan time.Time) ([]Removed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Removed
	for id, c := range s.calls {
		if isStale(c.Status, c.CreatedAt, olderThan) {
			delete(s.calls, id)
			removed = append(removed, Removed{ID: id, ChatID: c.ChatID})
		}
	}
	return removed, nil
}

// MemoryPipelineStore keeps pipelines in memory.
type MemoryPipelineStore struct {
	mu        sync.RWMutex
	pipelines map[string]*models.ToolPipeline
}

// NewMemoryPipelineStore returns an empty in-memory pipeline store.
func NewMemoryPipelineStore() *MemoryPipelineStore {
	return &MemoryPipelineStore{pipelines: make(map[string]*models.ToolPipeline)}
}

func (s *MemoryPipelineStore) Create(ctx context.Context, p *models.ToolPipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pipelines[p.ID]; exists {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	clone := p.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = now
	}
	s.pipelines[clone.ID] = clone
	return nil
}

func (s *MemoryPipelineStore) Get(ctx context.Context, id string) (*models.ToolPipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryPipelineStore) Update(ctx context.Context, p *models.ToolPipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; !ok {
		return ErrNotFound
	}
	s.pipelines[p.ID] = p.Clone()
	return nil
}

func (s *MemoryPipelineStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return ErrNotFound
	}
	delete(s.pipelines, id)
	return nil
}

func (s *MemoryPipelineStore) ListByChat(ctx context.Context, chatID string) ([]*models.ToolPipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ToolPipeline
	for _, p := range s.pipelines {
		if p.ChatID == chatID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryPipelineStore) DeleteStale(ctx context.Context, olderThan time.Time) ([]Removed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Removed
	for id, p := range s.pipelines {
		if isStale(p.Status, p.CreatedAt, olderThan) {
			delete(s.pipelines, id)
			removed = append(removed, Removed{ID: id, ChatID: p.ChatID})
		}
	}
	return removed, nil
}

// isStale applies the sweeper predicate: stuck in pending/processing
// and created strictly before the cutoff. awaiting_approval records
// are excluded; a pending human decision is not abandonment.
func isStale(status models.CallStatus, createdAt, olderThan time.Time) bool {
	if status != models.StatusPending && status != models.StatusProcessing {
		return false
	}
	return createdAt.Before(olderThan)
}

func sortCallsByCreated(calls []*models.ToolCall) {
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].CreatedAt.Equal(calls[j].CreatedAt) {
			return calls[i].ID < calls[j].ID
		}
		return calls[i].CreatedAt.Before(calls[j].CreatedAt)
	})
}
