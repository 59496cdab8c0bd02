package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix 是覆盖配置项的环境变量前缀。
const EnvPrefix = "NEXUS_"

const maxConfigFileSize = 1 << 20

// Config 描述编排器启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Scheduler    SchedulerConfig    `koanf:"scheduler"`
	Governor     GovernorConfig     `koanf:"governor"`
	Agents       AgentsConfig       `koanf:"agents"`
	Workflow     WorkflowConfig     `koanf:"workflow"`
	Intervention InterventionConfig `koanf:"intervention"`
	State        StateConfig        `koanf:"state"`
	Memory       MemoryConfig       `koanf:"memory"`
	Events       EventsConfig       `koanf:"events"`
	Alerting     AlertingConfig     `koanf:"alerting"`
	LLM          LLMConfig          `koanf:"llm"`
	Guard        GuardConfig        `koanf:"guard"`
	Triggers     []TriggerConfig    `koanf:"triggers"`
	Blueprints   BlueprintConfig    `koanf:"blueprints"`
	Runtime      RuntimeConfig      `koanf:"runtime"`
}

// ServerConfig 控制 HTTP 接口的监听地址与鉴权。
type ServerConfig struct {
	Address         string        `koanf:"address"`
	APIToken        string        `koanf:"api_token"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// MetricsAddress 非空时额外启动独立的 /metrics 监听。
	MetricsAddress string `koanf:"metrics_address"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `koanf:"level"`
	Format  string      `koanf:"format"`
	Outputs []string    `koanf:"outputs"`
	Audit   AuditConfig `koanf:"audit"`
}

// AuditConfig 控制审计日志落盘。
type AuditConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Path       string `koanf:"path"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// SchedulerConfig 控制调度循环。
type SchedulerConfig struct {
	TickInterval     time.Duration `koanf:"tick_interval"`
	MaxDepth         int           `koanf:"max_depth"`
	SwarmBatchSize   int           `koanf:"swarm_batch_size"`
	PlanCacheSize    int           `koanf:"plan_cache_size"`
	WorkflowKeywords []string      `koanf:"workflow_keywords"`
}

// GovernorConfig 控制准入策略。
type GovernorConfig struct {
	MaxQueueDepth    int           `koanf:"max_queue_depth"`
	FailureThreshold int           `koanf:"failure_threshold"`
	CoolDown         time.Duration `koanf:"cool_down"`
}

// AgentsConfig 描述处理器清单与执行约定。
type AgentsConfig struct {
	ManifestPath string `koanf:"manifest_path"`
	Default      string `koanf:"default"`
	MaxRetries   int    `koanf:"max_retries"`
}

// WorkflowConfig 控制图执行的上限。
type WorkflowConfig struct {
	MaxNodeVisits int           `koanf:"max_node_visits"`
	MaxSteps      int           `koanf:"max_steps"`
	HTTPTimeout   time.Duration `koanf:"http_timeout"`
}

// InterventionConfig 控制人工介入的等待时长。
type InterventionConfig struct {
	LongTimeout    time.Duration `koanf:"long_timeout"`
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

// StateConfig 描述待处理队列的持久化位置。
type StateConfig struct {
	Driver string      `koanf:"driver"`
	Path   string      `koanf:"path"`
	Redis  RedisConfig `koanf:"redis"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Key      string `koanf:"key"`
}

// MemoryConfig 描述执行轨迹的长期存储。
type MemoryConfig struct {
	Driver          string        `koanf:"driver"`
	Path            string        `koanf:"path"`
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// EventsConfig 描述生命周期事件的外部投递目标。
type EventsConfig struct {
	RabbitMQ RabbitMQConfig `koanf:"rabbitmq"`
	NATS     NATSConfig     `koanf:"nats"`
}

// RabbitMQConfig 描述 AMQP 投递参数。
type RabbitMQConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url"`
	Exchange string `koanf:"exchange"`
	Queue    string `koanf:"queue"`
}

// NATSConfig 描述 NATS 投递参数。
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// AlertingConfig 描述失败告警的投递渠道。
type AlertingConfig struct {
	Webhooks []WebhookConfig `koanf:"webhooks"`
	Timeout  time.Duration   `koanf:"timeout"`
}

// WebhookConfig 是一个接收 JSON 告警的 HTTP 地址。
type WebhookConfig struct {
	Name string `koanf:"name"`
	URL  string `koanf:"url"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string             `koanf:"provider"`
	OpenAI   OpenAIConfig       `koanf:"openai"`
	Python   PythonBridgeConfig `koanf:"python_bridge"`
	Static   StaticConfig       `koanf:"static"`
}

// OpenAIConfig 描述兼容 OpenAI 的 HTTP 接口。
type OpenAIConfig struct {
	APIKey      string        `koanf:"api_key"`
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	Timeout     time.Duration `koanf:"timeout"`
	Temperature float64       `koanf:"temperature"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `koanf:"python_executable"`
	ScriptPath       string `koanf:"script_path"`
	WorkingDir       string `koanf:"working_dir"`
}

// StaticConfig 返回固定文本，便于离线运行。
type StaticConfig struct {
	Text string `koanf:"text"`
}

// GuardConfig 描述来源限流与封禁名单。
type GuardConfig struct {
	RatePerMinute int      `koanf:"rate_per_minute"`
	Burst         int      `koanf:"burst"`
	Blocked       []string `koanf:"blocked"`
}

// TriggerConfig 描述一个定时投递的意图。
type TriggerConfig struct {
	Name        string         `koanf:"name"`
	Schedule    string         `koanf:"schedule"`
	Description string         `koanf:"description"`
	Priority    int            `koanf:"priority"`
	Payload     map[string]any `koanf:"payload"`
}

// BlueprintConfig 描述工作流蓝图目录。
type BlueprintConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `koanf:"data_dir"`
}

// Load 读取 YAML 配置文件并叠加 NEXUS_ 前缀的环境变量。path 为空时仅使用
// 默认值与环境变量。
//
// 环境变量映射：NEXUS_SERVER_ADDRESS -> server.address，
// NEXUS_STATE_REDIS__ADDR -> state.redis.addr。
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	baseDir := "."

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("加载环境变量失败: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("配置路径 %s 是目录", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("配置文件过大: %d 字节", info.Size())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return content, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + field
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = 500 * time.Millisecond
	}
	if c.Scheduler.MaxDepth <= 0 {
		c.Scheduler.MaxDepth = 5
	}
	if c.Scheduler.SwarmBatchSize <= 0 {
		c.Scheduler.SwarmBatchSize = 5
	}
	if c.Scheduler.PlanCacheSize <= 0 {
		c.Scheduler.PlanCacheSize = 128
	}

	if c.Governor.MaxQueueDepth <= 0 {
		c.Governor.MaxQueueDepth = 50
	}
	if c.Governor.FailureThreshold <= 0 {
		c.Governor.FailureThreshold = 5
	}
	if c.Governor.CoolDown <= 0 {
		c.Governor.CoolDown = 10 * time.Second
	}

	if c.Agents.Default == "" {
		c.Agents.Default = "echo"
	}
	if c.Agents.MaxRetries <= 0 {
		c.Agents.MaxRetries = 3
	}
	c.Agents.ManifestPath = resolve(baseDir, c.Agents.ManifestPath)

	if c.Workflow.MaxNodeVisits <= 0 {
		c.Workflow.MaxNodeVisits = 50
	}
	if c.Workflow.MaxSteps <= 0 {
		c.Workflow.MaxSteps = 500
	}
	if c.Workflow.HTTPTimeout <= 0 {
		c.Workflow.HTTPTimeout = 30 * time.Second
	}

	if c.Intervention.LongTimeout <= 0 {
		c.Intervention.LongTimeout = time.Hour
	}
	if c.Intervention.DefaultTimeout <= 0 {
		c.Intervention.DefaultTimeout = 10 * time.Minute
	}

	if c.State.Driver == "" {
		c.State.Driver = "file"
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(c.Runtime.DataDir, "queue_state.json")
	}
	if c.State.Redis.Key == "" {
		c.State.Redis.Key = "nexus:queue_state"
	}

	if c.Memory.Driver == "" {
		c.Memory.Driver = "file"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = filepath.Join(c.Runtime.DataDir, "traces.jsonl")
	}
	if c.Memory.Driver == "sqlite" && c.Memory.DSN == "" {
		c.Memory.DSN = "file:" + filepath.Join(c.Runtime.DataDir, "memory.db")
	}

	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "nexus.events"
	}
	if c.Events.NATS.SubjectPrefix == "" {
		c.Events.NATS.SubjectPrefix = "nexus.events"
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "static"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Guard.RatePerMinute <= 0 {
		c.Guard.RatePerMinute = 60
	}
	if c.Guard.Burst <= 0 {
		c.Guard.Burst = 10
	}

	c.Blueprints.Dir = resolve(baseDir, c.Blueprints.Dir)
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查配置项之间的约束。
func (c *Config) Validate() error {
	var errs []error
	switch c.State.Driver {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("未知的状态存储驱动 %q", c.State.Driver))
	}
	if c.State.Driver == "redis" && c.State.Redis.Addr == "" {
		errs = append(errs, errors.New("state.redis.addr 不能为空"))
	}
	switch c.Memory.Driver {
	case "file", "sqlite", "mysql", "none":
	default:
		errs = append(errs, fmt.Errorf("未知的记忆存储驱动 %q", c.Memory.Driver))
	}
	if c.Memory.Driver == "mysql" && c.Memory.DSN == "" {
		errs = append(errs, errors.New("memory.dsn 不能为空"))
	}
	switch c.LLM.Provider {
	case "static", "openai", "python_bridge":
	default:
		errs = append(errs, fmt.Errorf("未知的 LLM 提供方 %q", c.LLM.Provider))
	}
	if c.Events.RabbitMQ.Enabled && c.Events.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
	}
	if c.Events.NATS.Enabled && c.Events.NATS.URL == "" {
		errs = append(errs, errors.New("events.nats.url 不能为空"))
	}
	for i, hook := range c.Alerting.Webhooks {
		if hook.URL == "" {
			errs = append(errs, fmt.Errorf("alerting.webhooks[%d].url 不能为空", i))
		}
	}
	for i, trig := range c.Triggers {
		if trig.Schedule == "" {
			errs = append(errs, fmt.Errorf("triggers[%d].schedule 不能为空", i))
		}
	}
	return errors.Join(errs...)
}
