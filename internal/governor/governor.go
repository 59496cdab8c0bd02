// Package governor decides whether the scheduler may dispatch work, based on
// queue depth and the recent failure streak.
package governor

import (
	"sync"
	"time"
)

// Action 是准入判断给出的动作。
type Action string

const (
	ActionNone     Action = ""
	ActionThrottle Action = "throttle"
	ActionPause    Action = "pause"
)

// Verdict 是一次健康检查的结果。
type Verdict struct {
	Stable   bool
	Action   Action
	Duration time.Duration
	Reason   string
}

// Config 定义准入阈值。
type Config struct {
	MaxQueueDepth    int
	FailureThreshold int
	CoolDown         time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 50
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 10 * time.Second
	}
}

// Governor 维护连续失败计数。
type Governor struct {
	mu       sync.Mutex
	cfg      Config
	failures int
	observer func(Verdict)
}

// Option 配置 Governor。
type Option func(*Governor)

// WithObserver 在每次非稳定判断后回调，用于指标统计。
func WithObserver(fn func(Verdict)) Option {
	return func(g *Governor) { g.observer = fn }
}

// New 创建准入控制器。
func New(cfg Config, opts ...Option) *Governor {
	cfg.applyDefaults()
	g := &Governor{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// CheckHealth 评估当前是否允许派发。连续失败达到阈值时返回 pause 并
// 清零计数，因此冷却结束后的下一次检查会重新放行。
func (g *Governor) CheckHealth(queueDepth int) Verdict {
	g.mu.Lock()
	var v Verdict
	switch {
	case g.failures >= g.cfg.FailureThreshold:
		g.failures = 0
		v = Verdict{Action: ActionPause, Duration: g.cfg.CoolDown, Reason: "consecutive failures"}
	case queueDepth > g.cfg.MaxQueueDepth:
		v = Verdict{Action: ActionThrottle, Reason: "queue depth"}
	default:
		v = Verdict{Stable: true}
	}
	observer := g.observer
	g.mu.Unlock()

	if !v.Stable && observer != nil {
		observer(v)
	}
	return v
}

// ReportSuccess 减少连续失败计数，不低于零。
func (g *Governor) ReportSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures > 0 {
		g.failures--
	}
}

// ReportFailure 增加连续失败计数。
func (g *Governor) ReportFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
}

// Failures 返回当前连续失败计数。
func (g *Governor) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}
