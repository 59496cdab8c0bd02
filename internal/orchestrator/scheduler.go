package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"OpenMCP-Nexus/internal/agent"
	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/events"
	"OpenMCP-Nexus/internal/governor"
	"OpenMCP-Nexus/internal/guard"
	"OpenMCP-Nexus/internal/intent"
	"OpenMCP-Nexus/internal/memory"
	"OpenMCP-Nexus/internal/observability/alerting"
	"OpenMCP-Nexus/internal/observability/metrics"
	"OpenMCP-Nexus/internal/planner"
	"OpenMCP-Nexus/internal/state"
	"OpenMCP-Nexus/internal/workflow"
	"OpenMCP-Nexus/pkg/logger"
)

// 默认调度参数。
const (
	DefaultTickInterval   = 500 * time.Millisecond
	DefaultMaxDepth       = 5
	DefaultSwarmBatchSize = 5
	DefaultPlanCacheSize  = 128
)

// Dependencies 汇总调度器依赖的协作方。Registry 与 Runner 必填，其余为空时
// 使用空实现。
type Dependencies struct {
	Registry  *agent.Registry
	Runner    *agent.Runner
	Planner   planner.Planner
	Governor  *governor.Governor
	Store     state.Store
	Memory    memory.Recorder
	Publisher events.Publisher
	Guard     *guard.Guard
	Alerts    alerting.Dispatcher
}

// Receipt 是提交意图后的回执。诱饵回执对调用方不可区分。
type Receipt struct {
	ID       string `json:"id"`
	Queued   bool   `json:"queued"`
	Position int    `json:"position"`
	Decoy    bool   `json:"-"`
}

// Stats 汇总调度器运行状态。
type Stats struct {
	QueueDepth       int    `json:"queueDepth"`
	InFlight         string `json:"inFlight,omitempty"`
	Dispatched       uint64 `json:"dispatched"`
	Failed           uint64 `json:"failed"`
	GovernorFailures int    `json:"governorFailures"`
}

// Scheduler 是单实例的意图调度器。
type Scheduler struct {
	deps Dependencies

	tickInterval time.Duration
	maxDepth     int
	batchSize    int
	keywords     []string
	plans        *lru.Cache[string, *workflow.Graph]
	executor     *workflow.Executor
	workflowOpts []workflow.Option

	queue    *intent.Queue
	wake     chan struct{}
	busy     atomic.Bool
	inflight atomic.Value

	// throttled 只在持有 busy 时读写。
	throttled bool

	dispatched atomic.Uint64
	failed     atomic.Uint64
	resurrect  sync.Once

	log *slog.Logger
	now func() time.Time
}

// Option 配置 Scheduler。
type Option func(*Scheduler)

// WithTickInterval 设置轮询周期。
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithMaxDepth 设置链式意图的递归上限。
func WithMaxDepth(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

// WithSwarmBatchSize 设置并发批次大小。
func WithSwarmBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithWorkflowKeywords 设置触发工作流路由的描述关键词。
func WithWorkflowKeywords(words ...string) Option {
	return func(s *Scheduler) {
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				s.keywords = append(s.keywords, w)
			}
		}
	}
}

// WithPlanCacheSize 设置计划缓存容量。
func WithPlanCacheSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.plans, _ = lru.New[string, *workflow.Graph](n)
		}
	}
}

// WithWorkflowOptions 透传工作流执行器的配置。
func WithWorkflowOptions(opts ...workflow.Option) Option {
	return func(s *Scheduler) { s.workflowOpts = append(s.workflowOpts, opts...) }
}

// New 创建调度器。
func New(deps Dependencies, opts ...Option) (*Scheduler, error) {
	if deps.Registry == nil || deps.Runner == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "调度器缺少处理器注册表或执行约定")
	}
	if deps.Planner == nil {
		deps.Planner = planner.Chain{}
	}
	if deps.Governor == nil {
		deps.Governor = governor.New(governor.Config{})
	}
	if deps.Store == nil {
		deps.Store = state.Nop{}
	}
	if deps.Memory == nil {
		deps.Memory = memory.Nop{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}

	s := &Scheduler{
		deps:         deps,
		tickInterval: DefaultTickInterval,
		maxDepth:     DefaultMaxDepth,
		batchSize:    DefaultSwarmBatchSize,
		queue:        intent.NewQueue(),
		wake:         make(chan struct{}, 1),
		log:          logger.Named("orchestrator"),
		now:          time.Now,
	}
	s.inflight.Store("")
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.plans == nil {
		s.plans, _ = lru.New[string, *workflow.Graph](DefaultPlanCacheSize)
	}
	wfOpts := append([]workflow.Option{
		workflow.WithPublisher(deps.Publisher),
		workflow.WithAgents(s),
		workflow.WithChainer(s),
		workflow.WithSwarm(s),
	}, s.workflowOpts...)
	s.executor = workflow.NewExecutor(wfOpts...)
	return s, nil
}

// Submit 校验并入队意图，不会同步执行。
func (s *Scheduler) Submit(ctx context.Context, in intent.Intent) (Receipt, error) {
	in.Normalize(s.now())
	if err := in.Validate(); err != nil {
		return Receipt{}, err
	}
	if in.Depth > s.maxDepth {
		return Receipt{}, xerrors.Newf(xerrors.CodeRecursionLimit, "意图深度 %d 超过上限 %d", in.Depth, s.maxDepth)
	}
	if s.deps.Guard != nil && in.Origin != intent.OriginInternalChain {
		if v := s.deps.Guard.Check(in.UserID); v.Decoy() {
			logger.Audit().Warn("来源被拦截，返回诱饵回执",
				slog.String("intent_id", in.ID),
				slog.String("user_id", in.UserID),
				slog.String("reason", string(v.Reason)))
			return Receipt{ID: in.ID, Queued: true, Position: s.queue.Len() + 1, Decoy: true}, nil
		}
	}

	item, depth := s.queue.Push(in)
	s.persist(ctx)
	metrics.SetQueueDepth(depth)
	s.signal()

	logger.Audit().Info("意图已入队",
		slog.String("intent_id", item.ID),
		slog.String("origin", string(item.Origin)),
		slog.Int("priority", item.Priority),
		slog.Int("depth", item.Depth),
		slog.Int("queue_depth", depth))
	return Receipt{ID: item.ID, Queued: true, Position: depth}, nil
}

// Resurrect 从持久化存储恢复队列，只执行一次。恢复的条目排在当前队列之前。
func (s *Scheduler) Resurrect(ctx context.Context) error {
	var err error
	s.resurrect.Do(func() {
		var loaded *intent.PersistedQueueState
		loaded, err = s.deps.Store.Load(ctx)
		if err != nil {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载队列状态失败")
			return
		}
		if loaded == nil || loaded.Empty() {
			return
		}
		current := s.queue.State(s.now())
		merged := intent.PersistedQueueState{Queue: append([]intent.Intent(nil), loaded.Queue...)}
		for _, item := range current.Queue {
			item.Seq = 0
			merged.Queue = append(merged.Queue, item)
		}
		s.queue.Restore(merged)
		metrics.SetQueueDepth(s.queue.Len())
		s.log.Info("已恢复待处理队列", slog.Int("restored", len(loaded.Queue)), slog.Time("last_update", loaded.LastUpdate))
		s.signal()
	})
	return err
}

// Run 先恢复队列，然后按周期或唤醒信号调度，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Resurrect(ctx); err != nil {
		s.log.Error("队列恢复失败，以空队列启动", slog.Any("error", err))
	}
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	s.log.Info("调度器已启动", slog.Duration("tick_interval", s.tickInterval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("调度器已停止")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.wake:
			s.Tick(ctx)
		}
	}
}

// Tick 执行一轮调度，返回是否分派了意图。已有分派在进行时直接返回。
// 限流期间每两轮只分派一次，即分派速率减半。
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	defer s.busy.Store(false)

	depth := s.queue.Len()
	if depth == 0 {
		return false
	}

	verdict := s.deps.Governor.CheckHealth(depth)
	if !verdict.Stable {
		switch verdict.Action {
		case governor.ActionPause:
			s.log.Warn("调速器要求暂停", slog.Duration("duration", verdict.Duration), slog.String("reason", verdict.Reason))
			metrics.SetGovernorFailures(s.deps.Governor.Failures())
			timer := time.NewTimer(verdict.Duration)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
			return false
		case governor.ActionThrottle:
			// 过载时隔轮跳过，队列仍以降低后的速率消化。
			if !s.throttled {
				s.throttled = true
				s.log.Debug("调速器限流，跳过本轮", slog.Int("queue_depth", depth))
				return false
			}
		}
	}
	s.throttled = false

	item, ok := s.queue.PopHighest()
	if !ok {
		return false
	}
	s.persist(ctx)
	metrics.SetQueueDepth(s.queue.Len())

	s.inflight.Store(item.ID)
	s.dispatch(ctx, item)
	s.inflight.Store("")

	if s.queue.Len() > 0 {
		s.signal()
	}
	return true
}

// Queue 返回按出队顺序排列的队列副本。
func (s *Scheduler) Queue() []intent.Intent { return s.queue.Snapshot() }

// Stats 返回运行指标。
func (s *Scheduler) Stats() Stats {
	inflight, _ := s.inflight.Load().(string)
	return Stats{
		QueueDepth:       s.queue.Len(),
		InFlight:         inflight,
		Dispatched:       s.dispatched.Load(),
		Failed:           s.failed.Load(),
		GovernorFailures: s.deps.Governor.Failures(),
	}
}

// InvalidatePlans 清空计划缓存，蓝图重新加载后调用。
func (s *Scheduler) InvalidatePlans() { s.plans.Purge() }

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) persist(ctx context.Context) {
	snapshot := s.queue.State(s.now())
	if err := s.deps.Store.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		s.log.Error("保存队列状态失败", slog.Any("error", err), slog.Int("queue_depth", len(snapshot.Queue)))
	}
}
