// Package intervention suspends automated work until a human operator
// answers, with a type-dependent deadline.
package intervention

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/events"
	"OpenMCP-Nexus/pkg/logger"
)

// Type 是人工介入的类别。
type Type string

const (
	TypeOTP           Type = "otp"
	TypeApproval      Type = "approval"
	TypeCoCreation    Type = "co-creation"
	TypeManualTask    Type = "manual-task"
	TypeErrorRecovery Type = "error-recovery"
)

// ErrTimeout 表示在截止时间前没有收到答复。
var ErrTimeout = xerrors.New(xerrors.CodeInterventionExpiry, "")

// Request 是一条待处理的人工介入请求。
type Request struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

// Resolution 是操作员给出的答复原文。
type Resolution struct {
	Value string `json:"value"`
}

// IsRetry 判断答复是否要求重试。
func (r Resolution) IsRetry() bool {
	return strings.EqualFold(strings.TrimSpace(r.Value), "RETRY")
}

// IsSkip 判断答复是否要求跳过。
func (r Resolution) IsSkip() bool {
	return strings.EqualFold(strings.TrimSpace(r.Value), "SKIP")
}

// JSON 把答复解析为 JSON 值。
func (r Resolution) JSON() (any, bool) {
	var out any
	if err := json.Unmarshal([]byte(strings.TrimSpace(r.Value)), &out); err != nil {
		return nil, false
	}
	return out, true
}

// Config 定义介入等待时长。
type Config struct {
	LongTimeout    time.Duration
	DefaultTimeout time.Duration
}

type pending struct {
	req  Request
	done chan Resolution
}

// Broker 保存未决请求并把答复交还给等待方。
type Broker struct {
	mu        sync.Mutex
	cfg       Config
	pending   map[string]*pending
	publisher events.Publisher
	now       func() time.Time
	log       *slog.Logger
}

// Option 配置 Broker。
type Option func(*Broker)

// WithPublisher 设置介入事件的发布目标。
func WithPublisher(p events.Publisher) Option {
	return func(b *Broker) {
		if p != nil {
			b.publisher = p
		}
	}
}

// NewBroker 创建介入中心。
func NewBroker(cfg Config, opts ...Option) *Broker {
	if cfg.LongTimeout <= 0 {
		cfg.LongTimeout = time.Hour
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	b := &Broker{
		cfg:       cfg,
		pending:   make(map[string]*pending),
		publisher: events.Discard{},
		now:       time.Now,
		log:       logger.Named("intervention"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// TimeoutFor 返回指定类型的等待时长。
func (b *Broker) TimeoutFor(t Type) time.Duration {
	switch t {
	case TypeErrorRecovery, TypeManualTask:
		return b.cfg.LongTimeout
	default:
		return b.cfg.DefaultTimeout
	}
}

// Request 登记请求、通知观察者并阻塞等待答复。超时返回 ErrTimeout，
// 上下文取消返回 ctx.Err()，两种情况下请求都会被移除。
func (b *Broker) Request(ctx context.Context, t Type, description string, metadata map[string]any) (Resolution, error) {
	now := b.now().UTC()
	timeout := b.TimeoutFor(t)
	p := &pending{
		req: Request{
			ID:          uuid.NewString(),
			Type:        t,
			Description: description,
			Metadata:    metadata,
			CreatedAt:   now,
			ExpiresAt:   now.Add(timeout),
		},
		done: make(chan Resolution, 1),
	}

	b.mu.Lock()
	b.pending[p.req.ID] = p
	b.mu.Unlock()

	b.log.Warn("需要人工介入",
		slog.String("intervention_id", p.req.ID),
		slog.String("type", string(t)),
		slog.Duration("timeout", timeout))
	b.publisher.Publish(ctx, events.Event{
		Type:    events.InterventionRequired,
		Stage:   string(t),
		Message: description,
		Data: map[string]any{
			"id":        p.req.ID,
			"type":      string(t),
			"metadata":  metadata,
			"expiresAt": p.req.ExpiresAt,
		},
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		return res, nil
	case <-timer.C:
		if b.remove(p.req.ID) {
			b.log.Warn("人工介入超时", slog.String("intervention_id", p.req.ID))
			return Resolution{}, ErrTimeout
		}
		// 与 Resolve 竞争失败时答复已经写入。
		return <-p.done, nil
	case <-ctx.Done():
		if b.remove(p.req.ID) {
			return Resolution{}, ctx.Err()
		}
		return <-p.done, nil
	}
}

func (b *Broker) remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	return true
}

// Resolve 提交答复。请求不存在、已答复或已超时返回 false。
func (b *Broker) Resolve(id, value string) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- Resolution{Value: value}

	logger.Audit().Info("人工介入已答复",
		slog.String("intervention_id", id),
		slog.String("type", string(p.req.Type)))
	b.publisher.Publish(context.Background(), events.Event{
		Type:  events.InterventionResolved,
		Stage: string(p.req.Type),
		Data:  map[string]any{"id": id},
	})
	return true
}

// Pending 按创建时间返回未决请求。
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
