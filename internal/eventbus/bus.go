// Package eventbus fans state-change notifications out to stream
// consumers without a dedicated broker. Each topic+chat pair keeps a
// capped append-only log of recent events plus a "latest" slot, both
// TTL-bounded: the bus is a transport convenience, not durable
// history. Delivery is at-least-once with per-topic ordering.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/toolflow/toolflow/internal/cache"
)

// Topic names published by the lifecycle engine.
const (
	TopicToolCall  = "tool-call-updated"
	TopicPipeline  = "tool-pipeline-updated"
	TopicChatTools = "chat-tools-updated"
)

// Event is one entry in a topic log. Seq is monotonic per topic+chat
// and serves as the tail cursor.
type Event struct {
	Seq         int64           `json:"seq"`
	Topic       string          `json:"topic"`
	ChatID      string          `json:"chat_id"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Bus distributes events from the engine to stream publishers.
// Publish is fire-and-forget: it must never fail the state transition
// that triggered it.
type Bus interface {
	Publish(topic, chatID string, payload json.RawMessage)
	// Tail streams events for topic+chatID with Seq > since, in
	// publish order, until cancel is called or ctx is done. Entries
	// that have already aged out of the log are gone; consumers
	// recover missed state from the snapshot, not the bus.
	Tail(ctx context.Context, topic, chatID string, since int64) (<-chan Event, func())
	Latest(topic, chatID string) (Event, bool)
	Close()
}

// Config bounds the bus's memory footprint.
type Config struct {
	// LogCap is the maximum entries retained per topic+chat log.
	LogCap int
	// TTL is how long entries and latest slots stay readable.
	TTL time.Duration
	// PruneInterval is how often aged-out log entries are dropped.
	PruneInterval time.Duration
}

// DefaultConfig keeps a few minutes of recent history.
func DefaultConfig() Config {
	return Config{
		LogCap:        256,
		TTL:           5 * time.Minute,
		PruneInterval: time.Minute,
	}
}

type topicLog struct {
	mu      sync.Mutex
	seq     int64
	entries []Event
	waiters map[chan struct{}]struct{}
}

// MemoryBus is the in-process Bus implementation.
type MemoryBus struct {
	cfg    Config
	latest *cache.TTLStore[string, Event]

	mu     sync.RWMutex
	logs   map[string]*topicLog
	stopCh chan struct{}
	once   sync.Once
}

// NewMemory creates a bus with cfg; zero fields take defaults.
func NewMemory(cfg Config) *MemoryBus {
	def := DefaultConfig()
	if cfg.LogCap <= 0 {
		cfg.LogCap = def.LogCap
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = def.PruneInterval
	}
	b := &MemoryBus{
		cfg:    cfg,
		latest: cache.NewTTLStore[string, Event](cache.TTLConfig{DefaultTTL: cfg.TTL, CleanupInterval: cfg.PruneInterval}),
		logs:   make(map[string]*topicLog),
		stopCh: make(chan struct{}),
	}
	go b.pruneLoop()
	return b
}

func key(topic, chatID string) string { return topic + "\x00" + chatID }

// Publish appends to the topic log, overwrites the latest slot, and
// wakes any tailing consumers.
func (b *MemoryBus) Publish(topic, chatID string, payload json.RawMessage) {
	log := b.log(topic, chatID)

	log.mu.Lock()
	log.seq++
	ev := Event{
		Seq:         log.seq,
		Topic:       topic,
		ChatID:      chatID,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
	log.entries = append(log.entries, ev)
	if len(log.entries) > b.cfg.LogCap {
		log.entries = log.entries[len(log.entries)-b.cfg.LogCap:]
	}
	for ch := range log.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	log.mu.Unlock()

	b.latest.Set(key(topic, chatID), ev)
}

// Latest returns the most recent event for topic+chatID, if its TTL
// has not elapsed.
func (b *MemoryBus) Latest(topic, chatID string) (Event, bool) {
	return b.latest.Get(key(topic, chatID))
}

// Tail delivers the backlog after since, then live events as they are
// published. The cursor lives in the tail goroutine, so a consumer
// that keeps up with the output channel sees every retained entry
// exactly once and in order.
func (b *MemoryBus) Tail(ctx context.Context, topic, chatID string, since int64) (<-chan Event, func()) {
	wake := make(chan struct{}, 1)
	log := b.subscribe(topic, chatID, wake)

	tailCtx, cancel := context.WithCancel(ctx)
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		defer func() {
			log.mu.Lock()
			delete(log.waiters, wake)
			log.mu.Unlock()
		}()

		cursor := since
		for {
			for _, ev := range log.after(cursor) {
				select {
				case out <- ev:
					cursor = ev.Seq
				case <-tailCtx.Done():
					return
				case <-b.stopCh:
					return
				}
			}
			select {
			case <-wake:
			case <-tailCtx.Done():
				return
			case <-b.stopCh:
				return
			}
		}
	}()

	return out, cancel
}

// Close stops the prune loop and unblocks all tails.
func (b *MemoryBus) Close() {
	b.once.Do(func() {
		close(b.stopCh)
		b.latest.Stop()
	})
}

// subscribe looks up (or creates) the topic log and registers wake as
// a waiter without releasing b.mu in between. prune also runs under
// b.mu, so it can never drop a log after a tail has looked it up but
// before the waiter is registered, which would leave the tail blocked
// on an orphaned log while publishes go to a fresh one.
func (b *MemoryBus) subscribe(topic, chatID string, wake chan struct{}) *topicLog {
	k := key(topic, chatID)
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.logs[k]
	if l == nil {
		l = &topicLog{waiters: make(map[chan struct{}]struct{})}
		b.logs[k] = l
	}
	l.mu.Lock()
	l.waiters[wake] = struct{}{}
	l.mu.Unlock()
	return l
}

func (b *MemoryBus) log(topic, chatID string) *topicLog {
	k := key(topic, chatID)
	b.mu.RLock()
	l := b.logs[k]
	b.mu.RUnlock()
	if l != nil {
		return l
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if l = b.logs[k]; l == nil {
		l = &topicLog{waiters: make(map[chan struct{}]struct{})}
		b.logs[k] = l
	}
	return l
}

func (l *topicLog) after(seq int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ev := range l.entries {
		if ev.Seq > seq {
			out := make([]Event, len(l.entries)-i)
			copy(out, l.entries[i:])
			return out
		}
	}
	return nil
}

func (b *MemoryBus) pruneLoop() {
	ticker := time.NewTicker(b.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.prune(time.Now().Add(-b.cfg.TTL))
		case <-b.stopCh:
			return
		}
	}
}

// prune drops log entries published before cutoff and removes logs
// that have gone fully quiet. Removing a log resets its seq counter;
// safe because a reconnecting consumer starts over with a fresh
// snapshot-then-tail rather than resuming a cursor.
func (b *MemoryBus) prune(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, l := range b.logs {
		l.mu.Lock()
		kept := l.entries[:0]
		for _, ev := range l.entries {
			if !ev.PublishedAt.Before(cutoff) {
				kept = append(kept, ev)
			}
		}
		l.entries = kept
		idle := len(l.entries) == 0 && len(l.waiters) == 0
		l.mu.Unlock()
		if idle {
			delete(b.logs, k)
		}
	}
}
