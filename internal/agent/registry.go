package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"OpenMCP-Nexus/pkg/logger"
)

// DefaultSynthesizedLimit 是合成处理器缓存的默认容量。
const DefaultSynthesizedLimit = 64

// Synthesizer 为未注册的名称临时构造处理器。
type Synthesizer interface {
	Synthesize(ctx context.Context, name string) (Agent, error)
}

type snapshot struct {
	version uint64
	agents  map[string]Agent
}

// Registry 是带版本号的处理器表。写操作发布新的不可变快照，
// 读操作无锁。
type Registry struct {
	writeMu     sync.Mutex
	current     atomic.Pointer[snapshot]
	defaultName string
	synth       Synthesizer

	// 合成出的处理器不进入版本化快照，只保存在有界缓存中。
	synthLimit  int
	synthesized *lru.Cache[string, Agent]
}

// RegistryOption 配置 Registry。
type RegistryOption func(*Registry)

// WithSynthesizer 设置缺失处理器的合成方。
func WithSynthesizer(s Synthesizer) RegistryOption {
	return func(r *Registry) { r.synth = s }
}

// WithSynthesizedLimit 设置合成处理器缓存容量。
func WithSynthesizedLimit(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.synthLimit = n
		}
	}
}

// NewRegistry 创建处理器表，defaultName 为兜底处理器名。
func NewRegistry(defaultName string, opts ...RegistryOption) *Registry {
	r := &Registry{defaultName: defaultName, synthLimit: DefaultSynthesizedLimit}
	r.current.Store(&snapshot{agents: map[string]Agent{}})
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.synthesized, _ = lru.New[string, Agent](r.synthLimit)
	return r
}

// Register 注册或替换处理器，返回新版本号。
func (r *Registry) Register(name string, a Agent) uint64 {
	if name == "" || a == nil {
		return r.Version()
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	old := r.current.Load()
	next := &snapshot{version: old.version + 1, agents: make(map[string]Agent, len(old.agents)+1)}
	for k, v := range old.agents {
		next.agents[k] = v
	}
	next.agents[name] = a
	r.current.Store(next)
	return next.version
}

// Unregister 移除处理器。
func (r *Registry) Unregister(name string) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	old := r.current.Load()
	if _, ok := old.agents[name]; !ok {
		return false
	}
	next := &snapshot{version: old.version + 1, agents: make(map[string]Agent, len(old.agents))}
	for k, v := range old.agents {
		if k != name {
			next.agents[k] = v
		}
	}
	r.current.Store(next)
	return true
}

// Lookup 按名称查找处理器。
func (r *Registry) Lookup(name string) (Agent, bool) {
	a, ok := r.current.Load().agents[name]
	return a, ok
}

// Names 返回已注册的处理器名。
func (r *Registry) Names() []string {
	snap := r.current.Load()
	names := make([]string, 0, len(snap.agents))
	for k := range snap.agents {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Version 返回当前快照版本。
func (r *Registry) Version() uint64 {
	return r.current.Load().version
}

// DefaultName 返回兜底处理器名。
func (r *Registry) DefaultName() string { return r.defaultName }

// Resolve 查找处理器；缺失时先查合成缓存，再尝试合成，最后退回兜底处理器。
// 返回实际使用的名称，找不到任何处理器时返回 nil。
func (r *Registry) Resolve(ctx context.Context, name string) (Agent, string) {
	if name == "" {
		name = r.defaultName
	}
	if a, ok := r.Lookup(name); ok {
		return a, name
	}
	if r.synth != nil && name != r.defaultName {
		if a, ok := r.synthesized.Get(name); ok {
			return a, name
		}
		a, err := r.synth.Synthesize(ctx, name)
		if err == nil && a != nil {
			r.synthesized.Add(name, a)
			logger.Named("agent").Info("已合成处理器", slog.String("agent", name))
			return a, name
		}
		logger.Named("agent").Warn("合成处理器失败，使用默认处理器",
			slog.String("agent", name), slog.Any("error", err))
	}
	if a, ok := r.Lookup(r.defaultName); ok {
		return a, r.defaultName
	}
	return nil, ""
}
