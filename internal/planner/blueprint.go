package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"OpenMCP-Nexus/internal/workflow"
	"OpenMCP-Nexus/pkg/logger"
)

// Library 保存从 YAML 文件加载的可复用工作流蓝图。
type Library struct {
	dir string
	log *slog.Logger

	mu       sync.RWMutex
	graphs   map[string]*workflow.Graph
	onReload []func()
}

// NewLibrary 加载 dir 下所有 *.yaml / *.yml 文件。dir 为空时返回只接受
// Put 的空蓝图库。
func NewLibrary(dir string) (*Library, error) {
	l := &Library{dir: dir, log: logger.Named("blueprints"), graphs: map[string]*workflow.Graph{}}
	if dir == "" {
		return l, nil
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Get 按 ID 返回蓝图。
func (l *Library) Get(id string) (*workflow.Graph, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	g, ok := l.graphs[id]
	return g, ok
}

// Put 校验后在内存中登记蓝图。
func (l *Library) Put(g *workflow.Graph) error {
	if g == nil || g.ID == "" {
		return errors.New("蓝图 id 不能为空")
	}
	if err := g.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.graphs[g.ID] = g
	hooks := append([]func(){}, l.onReload...)
	l.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// IDs 返回已知的蓝图 ID。
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.graphs))
	for id := range l.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reload 重新读取目录。解析失败的文件记录日志后跳过；只有目录可读时才替换
// 原有集合。
func (l *Library) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.log.Warn("蓝图目录不存在", slog.String("dir", l.dir))
			return nil
		}
		return fmt.Errorf("读取蓝图目录失败: %w", err)
	}
	next := map[string]*workflow.Graph{}
	for _, entry := range entries {
		if entry.IsDir() || !isBlueprintFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		g, err := loadBlueprint(path)
		if err != nil {
			l.log.Warn("跳过无效蓝图", slog.String("path", path), slog.Any("error", err))
			continue
		}
		next[g.ID] = g
	}
	l.mu.Lock()
	l.graphs = next
	hooks := append([]func(){}, l.onReload...)
	l.mu.Unlock()
	l.log.Info("蓝图加载完成", slog.Int("count", len(next)))
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// OnReload 注册在每次成功 Reload 或 Put 之后执行的回调。
func (l *Library) OnReload(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.onReload = append(l.onReload, fn)
	l.mu.Unlock()
}

// Watch 在蓝图文件变化时去抖后重新加载，阻塞直到 ctx 取消。
func (l *Library) Watch(ctx context.Context, debounce time.Duration) error {
	if l.dir == "" {
		<-ctx.Done()
		return nil
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(l.dir); err != nil {
		return fmt.Errorf("监听蓝图目录失败: %w", err)
	}

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !isBlueprintFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			trigger = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			l.log.Error("蓝图监听出错", slog.Any("error", err))
		case <-trigger:
			trigger = nil
			if err := l.Reload(); err != nil {
				l.log.Error("蓝图重新加载失败", slog.Any("error", err))
			}
		}
	}
}

func isBlueprintFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func loadBlueprint(path string) (*workflow.Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g workflow.Graph
	if err := yaml.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	if g.ID == "" {
		base := filepath.Base(path)
		g.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}
