// Package trigger 按 cron 表达式定时投递 scheduler 来源的意图。
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"OpenMCP-Nexus/internal/intent"
	"OpenMCP-Nexus/pkg/logger"
)

// Spec 描述一个定时意图。
type Spec struct {
	Name        string
	Schedule    string
	Description string
	Priority    int
	Payload     map[string]any
}

// SubmitFunc 把意图交给调度器。
type SubmitFunc func(ctx context.Context, in intent.Intent) error

// Scheduler 管理所有定时任务。
type Scheduler struct {
	cron   *cron.Cron
	submit SubmitFunc
	log    *slog.Logger
	ctx    context.Context
}

// New 解析并注册所有定时意图，任一表达式非法时返回错误。
func New(specs []Spec, submit SubmitFunc) (*Scheduler, error) {
	log := logger.Named("trigger")
	adapter := cronLogger{log: log}
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(adapter),
			cron.SkipIfStillRunning(adapter),
		), cron.WithLogger(adapter)),
		submit: submit,
		log:    log,
		ctx:    context.Background(),
	}
	for _, spec := range specs {
		if spec.Schedule == "" {
			return nil, fmt.Errorf("trigger %q 缺少 schedule", spec.Name)
		}
		if _, err := s.cron.AddFunc(spec.Schedule, func() { s.fire(spec) }); err != nil {
			return nil, fmt.Errorf("trigger %q 的 schedule 无效: %w", spec.Name, err)
		}
	}
	return s, nil
}

// Len 返回已注册的定时任务数量。
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

// Run 启动定时器并阻塞到 ctx 取消，返回前等待正在执行的任务结束。
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) fire(spec Spec) {
	in := Build(spec, time.Now())
	if err := s.submit(s.ctx, in); err != nil {
		s.log.Error("定时意图投递失败", slog.String("trigger", spec.Name), slog.Any("error", err))
		return
	}
	s.log.Info("定时意图已投递", slog.String("trigger", spec.Name))
}

// Build 生成 scheduler 来源的意图。
func Build(spec Spec, now time.Time) intent.Intent {
	payload := make(map[string]any, len(spec.Payload)+1)
	for k, v := range spec.Payload {
		payload[k] = v
	}
	payload["trigger"] = spec.Name
	desc := spec.Description
	if desc == "" {
		desc = "定时任务 " + spec.Name
	}
	return intent.Intent{
		Origin:      intent.OriginScheduler,
		Description: desc,
		Payload:     payload,
		Priority:    spec.Priority,
		EnqueuedAt:  now.UTC(),
	}
}

type cronLogger struct{ log *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
