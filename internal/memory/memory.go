// Package memory 保存意图执行轨迹，供后续检索与复盘。
package memory

import (
	"context"
	"time"

	"OpenMCP-Nexus/internal/agent"
)

// Kind 是轨迹类别。
type Kind string

const (
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindFatal     Kind = "fatal"
)

// Trace 是一次意图或处理器执行的记录。
type Trace struct {
	IntentID    string    `json:"intentId"`
	Kind        Kind      `json:"kind"`
	Route       string    `json:"route,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	Description string    `json:"description,omitempty"`
	Output      any       `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	Steps       int       `json:"steps,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Recorder 抽象轨迹的持久化接口。
type Recorder interface {
	Record(ctx context.Context, trace Trace) error
	Recent(ctx context.Context, limit int) ([]Trace, error)
	Close() error
}

// Nop 丢弃所有轨迹。
type Nop struct{}

func (Nop) Record(context.Context, Trace) error          { return nil }
func (Nop) Recent(context.Context, int) ([]Trace, error) { return nil, nil }
func (Nop) Close() error                                 { return nil }

// Failures 把处理器失败报告转换为 fatal 轨迹写入 rec。
func Failures(rec Recorder) agent.FailureRecorder {
	return failureRecorder{rec: rec}
}

type failureRecorder struct{ rec Recorder }

func (f failureRecorder) RecordFailure(ctx context.Context, r agent.FailureReport) error {
	return f.rec.Record(ctx, Trace{
		IntentID:    r.IntentID,
		Kind:        KindFatal,
		Route:       "agent",
		Agent:       r.Agent,
		Description: r.Action,
		Output:      r.Context,
		Error:       r.LastError,
		Steps:       r.Attempts,
		CreatedAt:   r.At,
	})
}

var (
	_ Recorder = Nop{}
	_ Recorder = (*FileRecorder)(nil)
	_ Recorder = (*SQLRecorder)(nil)
)
