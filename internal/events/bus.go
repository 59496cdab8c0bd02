// Package events carries orchestrator lifecycle notifications from the core
// to observers (logs, message brokers, the HTTP layer) through a typed
// callback bus.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"OpenMCP-Nexus/pkg/logger"
)

// Type 是生命周期事件的类型。
type Type string

const (
	PipelineStart        Type = "pipeline_start"
	StageStart           Type = "stage_start"
	PipelineComplete     Type = "pipeline_complete"
	PipelineFailed       Type = "pipeline_failed"
	IntentCompleted      Type = "intent_completed"
	IntentFailed         Type = "intent_failed"
	InterventionRequired Type = "intervention_required"
	InterventionResolved Type = "intervention_resolved"
)

// Event 描述一次生命周期通知。
type Event struct {
	Type       Type           `json:"type"`
	IntentID   string         `json:"intentId,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Handler 处理单个事件。
type Handler func(ctx context.Context, event Event)

// Publisher 是核心组件依赖的最小发布接口。
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Sink 是外部投递目标。
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
	Close() error
}

// Bus 同步地把事件分发给订阅者。订阅者的 panic 会被记录并吞掉。
type Bus struct {
	mu          sync.RWMutex
	handlers    map[uint64]Handler
	next        uint64
	sinks       []Sink
	sinkTimeout time.Duration
	now         func() time.Time
}

// NewBus 创建事件总线。
func NewBus() *Bus {
	return &Bus{
		handlers:    make(map[uint64]Handler),
		sinkTimeout: 3 * time.Second,
		now:         time.Now,
	}
}

// Subscribe 注册处理函数，返回的函数用于取消订阅。
func (b *Bus) Subscribe(fn Handler) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.next++
	id := b.next
	b.handlers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Attach 把外部投递目标挂到总线上。投递失败只记录日志。
func (b *Bus) Attach(sink Sink) {
	if b == nil || sink == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
	b.Subscribe(func(ctx context.Context, event Event) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.sinkTimeout)
		defer cancel()
		if err := sink.Deliver(ctx, event); err != nil {
			logger.L().Warn("事件投递失败",
				slog.String("sink", sink.Name()),
				slog.String("type", string(event.Type)),
				slog.Any("error", err))
		}
	})
}

// Publish 按订阅顺序调用处理函数。
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = b.now().UTC()
	}
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, h, event)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("事件处理函数异常",
				slog.String("type", string(event.Type)),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	h(ctx, event)
}

// Close 关闭所有外部投递目标。
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = nil
	b.mu.Unlock()
	var firstErr error
	for _, s := range sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sink %s: %w", s.Name(), err)
		}
	}
	return firstErr
}

var _ Publisher = (*Bus)(nil)

// Discard 丢弃所有事件。
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
