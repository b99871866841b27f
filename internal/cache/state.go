package cache

import (
	"context"
	"time"

	"github.com/toolflow/toolflow/pkg/models"
)

// StateCache is the fast read path for tool call and pipeline records,
// plus the advisory per-chat index lists. All methods may fail without
// affecting correctness: the record store stays authoritative and
// callers log-and-swallow cache errors. The in-memory implementation
// never returns one, but the interface keeps the contract explicit so
// a remote cache can be swapped in.
type StateCache interface {
	SetToolCall(ctx context.Context, call *models.ToolCall) error
	GetToolCall(ctx context.Context, id string) (*models.ToolCall, bool, error)
	DeleteToolCall(ctx context.Context, id string) error

	SetPipeline(ctx context.Context, p *models.ToolPipeline) error
	GetPipeline(ctx context.Context, id string) (*models.ToolPipeline, bool, error)
	DeletePipeline(ctx context.Context, id string) error

	// UpsertChatCall replaces-by-id or appends within the chat's call
	// index and refreshes the list TTL. The list is advisory; lost
	// updates under concurrent writers are tolerated.
	UpsertChatCall(ctx context.Context, chatID string, call *models.ToolCall) error
	UpsertChatPipeline(ctx context.Context, chatID string, p *models.ToolPipeline) error
	RemoveChatCall(ctx context.Context, chatID, id string) error
	RemoveChatPipeline(ctx context.Context, chatID, id string) error

	ChatCalls(ctx context.Context, chatID string) ([]*models.ToolCall, bool, error)
	ChatPipelines(ctx context.Context, chatID string) ([]*models.ToolPipeline, bool, error)
}

// Config sets entry lifetimes for the in-memory state cache.
type Config struct {
	// RecordTTL bounds individual call/pipeline entries. Defaults to
	// 24h so orphaned rows self-heal within a day.
	RecordTTL time.Duration
	// IndexTTL bounds the per-chat index lists. Defaults to RecordTTL.
	IndexTTL time.Duration
	// CleanupInterval drives the background expiry scan.
	CleanupInterval time.Duration
}

// Memory is the in-process StateCache.
type Memory struct {
	calls         *TTLStore[string, *models.ToolCall]
	pipelines     *TTLStore[string, *models.ToolPipeline]
	chatCalls     *TTLStore[string, []*models.ToolCall]
	chatPipelines *TTLStore[string, []*models.ToolPipeline]
	recordTTL     time.Duration
	indexTTL      time.Duration
}

var _ StateCache = (*Memory)(nil)

// NewMemory creates an in-memory state cache.
func NewMemory(cfg Config) *Memory {
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = 24 * time.Hour
	}
	if cfg.IndexTTL <= 0 {
		cfg.IndexTTL = cfg.RecordTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	ttl := TTLConfig{DefaultTTL: cfg.RecordTTL, CleanupInterval: cfg.CleanupInterval}
	idx := TTLConfig{DefaultTTL: cfg.IndexTTL, CleanupInterval: cfg.CleanupInterval}
	return &Memory{
		calls:         NewTTLStore[string, *models.ToolCall](ttl),
		pipelines:     NewTTLStore[string, *models.ToolPipeline](ttl),
		chatCalls:     NewTTLStore[string, []*models.ToolCall](idx),
		chatPipelines: NewTTLStore[string, []*models.ToolPipeline](idx),
		recordTTL:     cfg.RecordTTL,
		indexTTL:      cfg.IndexTTL,
	}
}

// Stop terminates background cleanup loops.
func (m *Memory) Stop() {
	m.calls.Stop()
	m.pipelines.Stop()
	m.chatCalls.Stop()
	m.chatPipelines.Stop()
}

func (m *Memory) SetToolCall(ctx context.Context, call *models.ToolCall) error {
	m.calls.Set(call.ID, call.Clone())
	return nil
}

func (m *Memory) GetToolCall(ctx context.Context, id string) (*models.ToolCall, bool, error) {
	call, ok := m.calls.Get(id)
	if !ok {
		return nil, false, nil
	}
	return call.Clone(), true, nil
}

func (m *Memory) DeleteToolCall(ctx context.Context, id string) error {
	m.calls.Delete(id)
	return nil
}

func (m *Memory) SetPipeline(ctx context.Context, p *models.ToolPipeline) error {
	m.pipelines.Set(p.ID, p.Clone())
	return nil
}

func (m *Memory) GetPipeline(ctx context.Context, id string) (*models.ToolPipeline, bool, error) {
	p, ok := m.pipelines.Get(id)
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *Memory) DeletePipeline(ctx context.Context, id string) error {
	m.pipelines.Delete(id)
	return nil
}

func (m *Memory) UpsertChatCall(ctx context.Context, chatID string, call *models.ToolCall) error {
	clone := call.Clone()
	m.chatCalls.Update(chatID, m.indexTTL, func(list []*models.ToolCall, _ bool) []*models.ToolCall {
		for i, c := range list {
			if c.ID == clone.ID {
				out := append([]*models.ToolCall(nil), list...)
				out[i] = clone
				return out
			}
		}
		return append(append([]*models.ToolCall(nil), list...), clone)
	})
	return nil
}

func (m *Memory) UpsertChatPipeline(ctx context.Context, chatID string, p *models.ToolPipeline) error {
	clone := p.Clone()
	m.chatPipelines.Update(chatID, m.indexTTL, func(list []*models.ToolPipeline, _ bool) []*models.ToolPipeline {
		for i, cur := range list {
			if cur.ID == clone.ID {
				out := append([]*models.ToolPipeline(nil), list...)
				out[i] = clone
				return out
			}
		}
		return append(append([]*models.ToolPipeline(nil), list...), clone)
	})
	return nil
}

func (m *Memory) RemoveChatCall(ctx context.Context, chatID, id string) error {
	m.chatCalls.Update(chatID, m.indexTTL, func(list []*models.ToolCall, _ bool) []*models.ToolCall {
		out := make([]*models.ToolCall, 0, len(list))
		for _, c := range list {
			if c.ID != id {
				out = append(out, c)
			}
		}
		return out
	})
	return nil
}

func (m *Memory) RemoveChatPipeline(ctx context.Context, chatID, id string) error {
	m.chatPipelines.Update(chatID, m.indexTTL, func(list []*models.ToolPipeline, _ bool) []*models.ToolPipeline {
		out := make([]*models.ToolPipeline, 0, len(list))
		for _, p := range list {
			if p.ID != id {
				out = append(out, p)
			}
		}
		return out
	})
	return nil
}

func (m *Memory) ChatCalls(ctx context.Context, chatID string) ([]*models.ToolCall, bool, error) {
	list, ok := m.chatCalls.Get(chatID)
	if !ok {
		return nil, false, nil
	}
	out := make([]*models.ToolCall, len(list))
	for i, c := range list {
		out[i] = c.Clone()
	}
	return out, true, nil
}

func (m *Memory) ChatPipelines(ctx context.Context, chatID string) ([]*models.ToolPipeline, bool, error) {
	list, ok := m.chatPipelines.Get(chatID)
	if !ok {
		return nil, false, nil
	}
	out := make([]*models.ToolPipeline, len(list))
	for i, p := range list {
		out[i] = p.Clone()
	}
	return out, true, nil
}
