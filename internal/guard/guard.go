// Package guard 跟踪意图来源，对被封禁或超出频率的用户返回诱饵回执。
package guard

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Reason 描述拒绝原因。
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonBlocked   Reason = "blocked"
	ReasonRateLimit Reason = "rate_limited"
)

// Verdict 是来源检查结果。
type Verdict struct {
	Allowed bool
	Reason  Reason
}

// Decoy 表示调用方应得到诱饵回执。
func (v Verdict) Decoy() bool { return !v.Allowed }

// Config 描述限流参数。RatePerMinute 为 0 时不限流。
type Config struct {
	RatePerMinute int
	Burst         int
	Blocked       []string
	// IdleTTL 之后未活跃的限流器会被回收。
	IdleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Guard 按用户维护令牌桶与封禁名单。
type Guard struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	blocked   map[string]struct{}
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

// New 创建 Guard。
func New(cfg Config) *Guard {
	g := &Guard{
		limit:   rate.Inf,
		burst:   cfg.Burst,
		idleTTL: cfg.IdleTTL,
		blocked: map[string]struct{}{},
		buckets: map[string]*bucket{},
		now:     time.Now,
	}
	if cfg.RatePerMinute > 0 {
		g.limit = rate.Limit(float64(cfg.RatePerMinute) / 60.0)
	}
	if g.burst <= 0 {
		g.burst = 1
	}
	if g.idleTTL <= 0 {
		g.idleTTL = time.Hour
	}
	for _, u := range cfg.Blocked {
		g.Block(u)
	}
	return g
}

// Check 判断来源是否允许进入队列。空用户共享匿名令牌桶。
func (g *Guard) Check(userID string) Verdict {
	key := normalise(userID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.blocked[key]; ok && key != "" {
		return Verdict{Reason: ReasonBlocked}
	}
	now := g.now()
	g.sweep(now)
	b, ok := g.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.buckets[key] = b
	}
	b.lastSeen = now
	if !b.limiter.AllowN(now, 1) {
		return Verdict{Reason: ReasonRateLimit}
	}
	return Verdict{Allowed: true}
}

// Block 把用户加入封禁名单。
func (g *Guard) Block(userID string) {
	key := normalise(userID)
	if key == "" {
		return
	}
	g.mu.Lock()
	g.blocked[key] = struct{}{}
	g.mu.Unlock()
}

// Unblock 把用户移出封禁名单。
func (g *Guard) Unblock(userID string) {
	g.mu.Lock()
	delete(g.blocked, normalise(userID))
	g.mu.Unlock()
}

func (g *Guard) sweep(now time.Time) {
	if now.Sub(g.lastSweep) < g.idleTTL {
		return
	}
	g.lastSweep = now
	for k, b := range g.buckets {
		if now.Sub(b.lastSeen) >= g.idleTTL {
			delete(g.buckets, k)
		}
	}
}

func normalise(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}
