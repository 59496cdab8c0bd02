package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Nexus/internal/agent"
	"OpenMCP-Nexus/internal/api"
	"OpenMCP-Nexus/internal/config"
	"OpenMCP-Nexus/internal/events"
	"OpenMCP-Nexus/internal/governor"
	"OpenMCP-Nexus/internal/guard"
	"OpenMCP-Nexus/internal/intent"
	"OpenMCP-Nexus/internal/intervention"
	"OpenMCP-Nexus/internal/llm"
	"OpenMCP-Nexus/internal/llm/openai"
	"OpenMCP-Nexus/internal/llm/pythonbridge"
	"OpenMCP-Nexus/internal/memory"
	"OpenMCP-Nexus/internal/observability/alerting"
	"OpenMCP-Nexus/internal/observability/metrics"
	"OpenMCP-Nexus/internal/orchestrator"
	"OpenMCP-Nexus/internal/planner"
	"OpenMCP-Nexus/internal/state"
	"OpenMCP-Nexus/internal/trigger"
	"OpenMCP-Nexus/internal/workflow"
	"OpenMCP-Nexus/pkg/logger"
)

const defaultConfigPath = "configs/nexus.yaml"

var configPath string

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", envOr("NEXUS_CONFIG", defaultConfigPath), "path to the YAML config file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, resolveConfigPath(configPath))
	},
}

// resolveConfigPath 在默认路径不存在时退回纯默认值与环境变量。
func resolveConfigPath(path string) string {
	if path != defaultConfigPath {
		return path
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func runServe(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("nexusd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	bus, err := buildBus(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	llmClient, err := buildLLM(cfg)
	if err != nil {
		return err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	recorder, err := buildMemory(ctx, cfg)
	if err != nil {
		return err
	}
	defer recorder.Close()

	broker := intervention.NewBroker(intervention.Config{
		LongTimeout:    cfg.Intervention.LongTimeout,
		DefaultTimeout: cfg.Intervention.DefaultTimeout,
	}, intervention.WithPublisher(bus))
	bus.Subscribe(func(_ context.Context, ev events.Event) {
		if ev.Type == events.InterventionRequired || ev.Type == events.InterventionResolved {
			metrics.SetPendingInterventions(len(broker.Pending()))
		}
	})

	registry, err := buildRegistry(cfg, llmClient)
	if err != nil {
		return err
	}
	alerts := buildAlerts(cfg)
	runner := agent.NewRunner(
		agent.WithMaxRetries(cfg.Agents.MaxRetries),
		agent.WithEscalator(broker),
		agent.WithAlerts(alerts),
		agent.WithFailureRecorder(memory.Failures(recorder)),
		agent.WithObserver(metrics.ObserveAgent),
	)

	library, err := planner.NewLibrary(cfg.Blueprints.Dir)
	if err != nil {
		return err
	}

	gov := governor.New(governor.Config{
		MaxQueueDepth:    cfg.Governor.MaxQueueDepth,
		FailureThreshold: cfg.Governor.FailureThreshold,
		CoolDown:         cfg.Governor.CoolDown,
	}, governor.WithObserver(func(v governor.Verdict) {
		metrics.ObserveGovernor(string(v.Action))
	}))

	sched, err := orchestrator.New(orchestrator.Dependencies{
		Registry: registry,
		Runner:   runner,
		Planner: planner.Chain{
			planner.Inline{},
			planner.Blueprint{Library: library},
			planner.LLM{Client: llmClient, Agents: registry.Names},
		},
		Governor:  gov,
		Store:     store,
		Memory:    recorder,
		Publisher: bus,
		Guard: guard.New(guard.Config{
			RatePerMinute: cfg.Guard.RatePerMinute,
			Burst:         cfg.Guard.Burst,
			Blocked:       cfg.Guard.Blocked,
		}),
		Alerts: alerts,
	},
		orchestrator.WithTickInterval(cfg.Scheduler.TickInterval),
		orchestrator.WithMaxDepth(cfg.Scheduler.MaxDepth),
		orchestrator.WithSwarmBatchSize(cfg.Scheduler.SwarmBatchSize),
		orchestrator.WithPlanCacheSize(cfg.Scheduler.PlanCacheSize),
		orchestrator.WithWorkflowKeywords(cfg.Scheduler.WorkflowKeywords...),
		orchestrator.WithWorkflowOptions(
			workflow.WithLimits(cfg.Workflow.MaxNodeVisits, cfg.Workflow.MaxSteps),
			workflow.WithHTTPClient(&http.Client{Timeout: cfg.Workflow.HTTPTimeout}),
		),
	)
	if err != nil {
		return err
	}
	library.OnReload(sched.InvalidatePlans)

	// 先恢复持久化队列，再开放提交入口。
	if err := sched.Resurrect(ctx); err != nil {
		log.Error("队列恢复失败，以空队列启动", slog.Any("error", err))
	}

	triggers, err := buildTriggers(cfg, sched)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, sched,
		api.WithInterventions(broker),
		api.WithAPIToken(cfg.Server.APIToken),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return metrics.StartServer(gctx, cfg.Server.MetricsAddress) })
	}
	if triggers.Len() > 0 {
		g.Go(func() error { return triggers.Run(gctx) })
	}
	if cfg.Blueprints.Watch && cfg.Blueprints.Dir != "" {
		g.Go(func() error { return library.Watch(gctx, 0) })
	}
	log.Info("nexusd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("state", cfg.State.Driver),
		slog.String("memory", cfg.Memory.Driver),
		slog.String("llm", cfg.LLM.Provider),
		slog.Int("agents", len(registry.Names())),
		slog.Int("blueprints", len(library.IDs())),
		slog.Int("triggers", triggers.Len()))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("nexusd 已退出", slog.Any("stats", sched.Stats()))
	return nil
}

func buildBus(cfg *config.Config) (*events.Bus, error) {
	bus := events.NewBus()
	bus.Attach(events.NewLogSink())
	if cfg.Events.RabbitMQ.Enabled {
		sink, err := events.NewAMQPSink(events.AMQPConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
			Queue:    cfg.Events.RabbitMQ.Queue,
		})
		if err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
		}
		bus.Attach(sink)
	}
	if cfg.Events.NATS.Enabled {
		sink, err := events.NewNATSSink(events.NATSConfig{
			URL:           cfg.Events.NATS.URL,
			SubjectPrefix: cfg.Events.NATS.SubjectPrefix,
		})
		if err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("连接 NATS 失败: %w", err)
		}
		bus.Attach(sink)
	}
	return bus, nil
}

func buildLLM(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.OpenAI.APIKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Timeout:     cfg.LLM.OpenAI.Timeout,
			Temperature: cfg.LLM.OpenAI.Temperature,
		})
	case "python_bridge":
		py := cfg.LLM.Python
		return pythonbridge.NewClient(py.PythonExecutable, pythonbridge.ResolveScriptPath(py.WorkingDir, py.ScriptPath), py.WorkingDir)
	default:
		return llm.Static{Text: cfg.LLM.Static.Text}, nil
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	switch cfg.State.Driver {
	case "redis":
		return state.NewRedisStore(ctx, state.RedisConfig{
			Address:  cfg.State.Redis.Addr,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
			Key:      cfg.State.Redis.Key,
		})
	default:
		return state.NewFileStore(cfg.State.Path)
	}
}

func buildMemory(ctx context.Context, cfg *config.Config) (memory.Recorder, error) {
	switch cfg.Memory.Driver {
	case "none":
		return memory.Nop{}, nil
	case memory.DialectSQLite, memory.DialectMySQL:
		return memory.NewSQLRecorder(ctx, memory.SQLConfig{
			Dialect:         cfg.Memory.Driver,
			DSN:             cfg.Memory.DSN,
			MaxOpenConns:    cfg.Memory.MaxOpenConns,
			ConnMaxLifetime: cfg.Memory.ConnMaxLifetime,
		})
	default:
		return memory.NewFileRecorder(cfg.Memory.Path)
	}
}

func buildRegistry(cfg *config.Config, client llm.Client) (*agent.Registry, error) {
	registry := agent.NewRegistry(cfg.Agents.Default, agent.WithSynthesizer(agent.LLMSynthesizer{Client: client}))
	registry.Register("echo", agent.Echo{})
	if cfg.Agents.ManifestPath == "" {
		return registry, nil
	}
	manifest, err := agent.LoadManifest(cfg.Agents.ManifestPath)
	if err != nil {
		return nil, err
	}
	names := manifest.Populate(registry, client)
	logger.Named("nexusd").Info("处理器清单已加载", slog.Any("agents", names))
	return registry, nil
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	client := &http.Client{Timeout: cfg.Alerting.Timeout}
	for _, hook := range cfg.Alerting.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{Label: hook.Name, URL: hook.URL, Client: client})
	}
	return alerting.NewFanout(notifiers...)
}

func buildTriggers(cfg *config.Config, sched *orchestrator.Scheduler) (*trigger.Scheduler, error) {
	specs := make([]trigger.Spec, 0, len(cfg.Triggers))
	for _, t := range cfg.Triggers {
		specs = append(specs, trigger.Spec{
			Name:        t.Name,
			Schedule:    t.Schedule,
			Description: t.Description,
			Priority:    t.Priority,
			Payload:     t.Payload,
		})
	}
	return trigger.New(specs, func(ctx context.Context, in intent.Intent) error {
		_, err := sched.Submit(ctx, in)
		return err
	})
}
