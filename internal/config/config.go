package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath 是未通过命令行指定配置文件时读取的环境变量。
const EnvPath = "QUIZCHAIN_CONFIG"

// DefaultPath 是最后的兜底配置路径。
const DefaultPath = "configs/quizchain.yaml"

// Config 描述了 QuizChain 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	TaskQueue  TaskQueueConfig  `json:"task_queue" yaml:"task_queue"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Oracle     OracleConfig     `json:"oracle" yaml:"oracle"`
	Browser    BrowserConfig    `json:"browser" yaml:"browser"`
	Executor   ExecutorConfig   `json:"executor" yaml:"executor"`
	Submission SubmissionConfig `json:"submission" yaml:"submission"`
	Discovery  DiscoveryConfig  `json:"discovery" yaml:"discovery"`
	Overrides  OverridesConfig  `json:"overrides" yaml:"overrides"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Runtime    RuntimeConfig    `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与鉴权参数。
type ServerConfig struct {
	Address                  string `json:"address" yaml:"address"`
	MetricsAddress           string `json:"metrics_address" yaml:"metrics_address"`
	Secret                   string `json:"secret" yaml:"secret"`
	SecretEnv                string `json:"secret_env" yaml:"secret_env"`
	OperatorTokenEnv         string `json:"operator_token_env" yaml:"operator_token_env"`
	ReadHeaderTimeoutSeconds int    `json:"read_header_timeout_seconds" yaml:"read_header_timeout_seconds"`
}

// ReadHeaderTimeout 返回读取请求头的超时时间。
func (s ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(s.ReadHeaderTimeoutSeconds) * time.Second
}

// StorageConfig 统一描述运行状态与步骤日志的存储后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	DSNEnv                 string `json:"dsn_env" yaml:"dsn_env"`
	MaxRetries             int    `json:"max_retries" yaml:"max_retries"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 返回连接最大生命周期。
func (t TaskStoreConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(t.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最大空闲时间。
func (t TaskStoreConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(t.ConnMaxIdleTimeSeconds) * time.Second
}

// JournalConfig 描述步骤日志的存储方式。
type JournalConfig struct {
	Driver     string `json:"driver" yaml:"driver"`
	DSN        string `json:"dsn" yaml:"dsn"`
	DSNEnv     string `json:"dsn_env" yaml:"dsn_env"`
	MaxEntries int    `json:"max_entries" yaml:"max_entries"`
}

// TaskQueueConfig 描述运行任务的分发队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address"`
	PasswordEnv      string `json:"password_env" yaml:"password_env"`
	DB               int    `json:"db" yaml:"db"`
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	URLEnv     string `json:"url_env" yaml:"url_env"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// LLMConfig 用于配置决策模型的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig       `json:"openai" yaml:"openai"`
	Gemini   GeminiConfig       `json:"gemini" yaml:"gemini"`
	Python   PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的参数。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	Temperature    float32 `json:"temperature" yaml:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	JSONMode       *bool   `json:"json_mode" yaml:"json_mode"`
}

// GeminiConfig 描述 Gemini 接口的参数。
type GeminiConfig struct {
	APIKey      string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv   string  `json:"api_key_env" yaml:"api_key_env"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// OracleConfig 控制每个步骤的决策轮次与限流策略。
type OracleConfig struct {
	MaxRounds                int     `json:"max_rounds" yaml:"max_rounds"`
	RateLimitCooldownSeconds int     `json:"rate_limit_cooldown_seconds" yaml:"rate_limit_cooldown_seconds"`
	MaxRateLimitRetries      int     `json:"max_rate_limit_retries" yaml:"max_rate_limit_retries"`
	RequestsPerMinute        float64 `json:"requests_per_minute" yaml:"requests_per_minute"`
	CallTimeoutSeconds       int     `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
}

// RateLimitCooldown 返回遇到限流后的等待时间。
func (o OracleConfig) RateLimitCooldown() time.Duration {
	return time.Duration(o.RateLimitCooldownSeconds) * time.Second
}

// CallTimeout 返回单次决策调用的超时。
func (o OracleConfig) CallTimeout() time.Duration {
	return time.Duration(o.CallTimeoutSeconds) * time.Second
}

// BrowserConfig 控制无头浏览器的启动与渲染。
type BrowserConfig struct {
	Bin                      string `json:"bin" yaml:"bin"`
	Headless                 *bool  `json:"headless" yaml:"headless"`
	ControlURL               string `json:"control_url" yaml:"control_url"`
	NavigationTimeoutSeconds int    `json:"navigation_timeout_seconds" yaml:"navigation_timeout_seconds"`
	NavigationRetryBackoffMS int    `json:"navigation_retry_backoff_ms" yaml:"navigation_retry_backoff_ms"`
	QuiescenceTimeoutMS      int    `json:"quiescence_timeout_ms" yaml:"quiescence_timeout_ms"`
	ScriptSizeCap            int    `json:"script_size_cap" yaml:"script_size_cap"`
	MarkupSizeCap            int    `json:"markup_size_cap" yaml:"markup_size_cap"`
}

// IsHeadless 默认以无头模式运行。
func (b BrowserConfig) IsHeadless() bool {
	return b.Headless == nil || *b.Headless
}

// NavigationTimeout 返回导航超时。
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return time.Duration(b.NavigationTimeoutSeconds) * time.Second
}

// NavigationRetryBackoff 返回导航重试前的等待。
func (b BrowserConfig) NavigationRetryBackoff() time.Duration {
	return time.Duration(b.NavigationRetryBackoffMS) * time.Millisecond
}

// QuiescenceTimeout 返回等待页面静默的上限。
func (b BrowserConfig) QuiescenceTimeout() time.Duration {
	return time.Duration(b.QuiescenceTimeoutMS) * time.Millisecond
}

// ExecutorConfig 控制代码执行沙箱。
type ExecutorConfig struct {
	Mode             string   `json:"mode" yaml:"mode"`
	PythonExecutable string   `json:"python_executable" yaml:"python_executable"`
	TimeoutSeconds   int      `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxOutputBytes   int      `json:"max_output_bytes" yaml:"max_output_bytes"`
	MemoryMB         int      `json:"memory_mb" yaml:"memory_mb"`
	DockerImage      string   `json:"docker_image" yaml:"docker_image"`
	AllowedEnv       []string `json:"allowed_env" yaml:"allowed_env"`
	WorkDir          string   `json:"work_dir" yaml:"work_dir"`
}

// Timeout 返回单次执行的墙钟上限。
func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// SubmissionConfig 控制答案提交。
type SubmissionConfig struct {
	DefaultEndpoint string `json:"default_endpoint" yaml:"default_endpoint"`
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	FallbackAnswer  string `json:"fallback_answer" yaml:"fallback_answer"`
}

// Timeout 返回提交请求的超时。
func (s SubmissionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DiscoveryConfig 允许追加提交地址的识别规则。
type DiscoveryConfig struct {
	ExtraPatterns []string `json:"extra_patterns" yaml:"extra_patterns"`
}

// OverridesConfig 指向可选的答案覆盖表。
type OverridesConfig struct {
	Path string `json:"path" yaml:"path"`
}

// NotifyConfig 描述运行结束后的通知目标。
type NotifyConfig struct {
	Webhook WebhookConfig     `json:"webhook" yaml:"webhook"`
	Redis   RedisNotifyConfig `json:"redis" yaml:"redis"`
}

// WebhookConfig 描述 webhook 通知。
type WebhookConfig struct {
	URL            string `json:"url" yaml:"url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	Retries        int    `json:"retries" yaml:"retries"`
}

// RedisNotifyConfig 描述 Redis PUBLISH 通知。
type RedisNotifyConfig struct {
	URL      string `json:"url" yaml:"url"`
	URLEnv   string `json:"url_env" yaml:"url_env"`
	Channel  string `json:"channel" yaml:"channel"`
	Encoding string `json:"encoding" yaml:"encoding"`
}

// LoggingConfig 映射到 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	File        string   `json:"file" yaml:"file"`
	MaxSizeMB   int      `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int      `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int      `json:"max_age_days" yaml:"max_age_days"`
	Compress    bool     `json:"compress" yaml:"compress"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path"`
	AddSource   bool     `json:"add_source" yaml:"add_source"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir            string `json:"data_dir" yaml:"data_dir"`
	StepTimeoutSeconds int    `json:"step_timeout_seconds" yaml:"step_timeout_seconds"`
}

// StepTimeout 返回单个步骤的总时长上限。
func (r RuntimeConfig) StepTimeout() time.Duration {
	return time.Duration(r.StepTimeoutSeconds) * time.Second
}

// ResolvePath 依次使用命令行参数、环境变量与默认路径。
func ResolvePath(flag string) string {
	if strings.TrimSpace(flag) != "" {
		return flag
	}
	if env := strings.TrimSpace(os.Getenv(EnvPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Parse 根据扩展名选择解码器，未填写的字段保持零值。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return &cfg, nil
}

// Default 返回填充过默认值的配置，供测试与 solve 命令使用。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		c.Server.ReadHeaderTimeoutSeconds = 10
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.MaxRetries <= 0 {
		c.Storage.TaskStore.MaxRetries = 2
	}
	if c.Storage.Journal.Driver == "" {
		c.Storage.Journal.Driver = "memory"
	}
	if c.Storage.Journal.MaxEntries <= 0 {
		c.Storage.Journal.MaxEntries = 1000
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 2
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 64
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}
	if c.LLM.Gemini.Model == "" {
		c.LLM.Gemini.Model = "gemini-2.0-flash"
	}
	if c.LLM.Gemini.APIKeyEnv == "" {
		c.LLM.Gemini.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolveDir(baseDir, c.LLM.Python.WorkingDir, baseDir)
	if c.LLM.Python.ScriptPath != "" && !filepath.IsAbs(c.LLM.Python.ScriptPath) {
		c.LLM.Python.ScriptPath = filepath.Join(baseDir, c.LLM.Python.ScriptPath)
	}

	if c.Oracle.MaxRounds <= 0 {
		c.Oracle.MaxRounds = 3
	}
	if c.Oracle.RateLimitCooldownSeconds <= 0 {
		c.Oracle.RateLimitCooldownSeconds = 20
	}
	if c.Oracle.MaxRateLimitRetries <= 0 {
		c.Oracle.MaxRateLimitRetries = 5
	}
	if c.Oracle.CallTimeoutSeconds <= 0 {
		c.Oracle.CallTimeoutSeconds = 90
	}

	if c.Browser.NavigationTimeoutSeconds <= 0 {
		c.Browser.NavigationTimeoutSeconds = 30
	}
	if c.Browser.NavigationRetryBackoffMS <= 0 {
		c.Browser.NavigationRetryBackoffMS = 1000
	}
	if c.Browser.QuiescenceTimeoutMS <= 0 {
		c.Browser.QuiescenceTimeoutMS = 5000
	}
	if c.Browser.ScriptSizeCap <= 0 {
		c.Browser.ScriptSizeCap = 200_000
	}
	if c.Browser.MarkupSizeCap <= 0 {
		c.Browser.MarkupSizeCap = 200_000
	}

	if c.Executor.Mode == "" {
		c.Executor.Mode = "process"
	}
	if c.Executor.PythonExecutable == "" {
		c.Executor.PythonExecutable = "python3"
	}
	if c.Executor.TimeoutSeconds <= 0 {
		c.Executor.TimeoutSeconds = 60
	}
	if c.Executor.MaxOutputBytes <= 0 {
		c.Executor.MaxOutputBytes = 64 * 1024
	}
	if c.Executor.MemoryMB <= 0 {
		c.Executor.MemoryMB = 512
	}
	if c.Executor.DockerImage == "" {
		c.Executor.DockerImage = "python:3.12-slim"
	}
	if len(c.Executor.AllowedEnv) == 0 {
		c.Executor.AllowedEnv = []string{"PATH", "HOME", "LANG", "TZ"}
	}

	if c.Submission.TimeoutSeconds <= 0 {
		c.Submission.TimeoutSeconds = 30
	}
	if c.Submission.FallbackAnswer == "" {
		c.Submission.FallbackAnswer = "start"
	}

	if c.Overrides.Path != "" && !filepath.IsAbs(c.Overrides.Path) {
		c.Overrides.Path = filepath.Join(baseDir, c.Overrides.Path)
	}

	if c.Notify.Webhook.TimeoutSeconds <= 0 {
		c.Notify.Webhook.TimeoutSeconds = 5
	}
	if c.Notify.Webhook.Retries <= 0 {
		c.Notify.Webhook.Retries = 3
	}
	if c.Notify.Redis.Channel == "" {
		c.Notify.Redis.Channel = "quizchain:runs"
	}
	if c.Notify.Redis.Encoding == "" {
		c.Notify.Redis.Encoding = "json"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	c.Runtime.DataDir = resolveDir(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))
	if c.Runtime.StepTimeoutSeconds <= 0 {
		c.Runtime.StepTimeoutSeconds = 300
	}
	c.Executor.WorkDir = resolveDir(baseDir, c.Executor.WorkDir, "")
}

func resolveDir(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// ResolveSecret 返回字面值，否则读取对应环境变量。
func ResolveSecret(literal, envName string) string {
	if literal != "" {
		return literal
	}
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

// Secrets 收集启动时一次性解析出的敏感配置。
type Secrets struct {
	SharedSecret   string
	OperatorToken  string
	OpenAIKey      string
	GeminiKey      string
	TaskStoreDSN   string
	JournalDSN     string
	RedisPassword  string
	RabbitMQURL    string
	NotifyRedisURL string
}

// ResolveSecrets 只在进程启动时调用一次，业务代码不直接读取环境变量。
func (c *Config) ResolveSecrets() Secrets {
	return Secrets{
		SharedSecret:   ResolveSecret(c.Server.Secret, c.Server.SecretEnv),
		OperatorToken:  ResolveSecret("", c.Server.OperatorTokenEnv),
		OpenAIKey:      ResolveSecret(c.LLM.OpenAI.APIKey, c.LLM.OpenAI.APIKeyEnv),
		GeminiKey:      ResolveSecret(c.LLM.Gemini.APIKey, c.LLM.Gemini.APIKeyEnv),
		TaskStoreDSN:   ResolveSecret(c.Storage.TaskStore.DSN, c.Storage.TaskStore.DSNEnv),
		JournalDSN:     ResolveSecret(c.Storage.Journal.DSN, c.Storage.Journal.DSNEnv),
		RedisPassword:  ResolveSecret("", c.TaskQueue.Redis.PasswordEnv),
		RabbitMQURL:    ResolveSecret(c.TaskQueue.RabbitMQ.URL, c.TaskQueue.RabbitMQ.URLEnv),
		NotifyRedisURL: ResolveSecret(c.Notify.Redis.URL, c.Notify.Redis.URLEnv),
	}
}

// Validate 检查启动所必需的配置。
func (c *Config) Validate(secrets Secrets) error {
	var errs []error
	if secrets.SharedSecret == "" {
		errs = append(errs, errors.New("server.secret 或 server.secret_env 必须提供共享密钥"))
	}
	switch c.Executor.Mode {
	case "process", "docker":
	default:
		errs = append(errs, fmt.Errorf("未知的 executor.mode: %s", c.Executor.Mode))
	}
	switch c.LLM.Provider {
	case "openai", "gemini", "python_bridge":
	default:
		errs = append(errs, fmt.Errorf("未知的 llm.provider: %s", c.LLM.Provider))
	}
	if c.LLM.Provider == "python_bridge" && c.LLM.Python.ScriptPath == "" {
		errs = append(errs, errors.New("python_bridge 需要 llm.python_bridge.script_path"))
	}
	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql":
		if secrets.TaskStoreDSN == "" {
			errs = append(errs, errors.New("mysql 运行存储需要 storage.task_store.dsn 或 dsn_env"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 storage.task_store.driver: %s", c.Storage.TaskStore.Driver))
	}
	switch c.Storage.Journal.Driver {
	case "memory":
	case "mysql":
		if secrets.JournalDSN == "" && secrets.TaskStoreDSN == "" {
			errs = append(errs, errors.New("mysql 步骤日志需要 storage.journal.dsn 或 dsn_env"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 storage.journal.driver: %s", c.Storage.Journal.Driver))
	}
	switch c.TaskQueue.Driver {
	case "memory":
	case "redis":
		if c.TaskQueue.Redis.Address == "" {
			errs = append(errs, errors.New("redis 队列需要 task_queue.redis.address"))
		}
	case "rabbitmq":
		if secrets.RabbitMQURL == "" {
			errs = append(errs, errors.New("rabbitmq 队列需要 task_queue.rabbitmq.url 或 url_env"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 task_queue.driver: %s", c.TaskQueue.Driver))
	}
	if err := validateDefaultEndpoint(c.Submission.DefaultEndpoint); err != nil {
		errs = append(errs, err)
	}
	switch c.Notify.Redis.Encoding {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("未知的 notify.redis.encoding: %s", c.Notify.Redis.Encoding))
	}
	return errors.Join(errs...)
}

// validateDefaultEndpoint 只接受绝对 http(s) 地址或以单个 / 开头的站内路径。
func validateDefaultEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	if strings.HasPrefix(endpoint, "/") && !strings.HasPrefix(endpoint, "//") {
		if _, err := url.Parse(endpoint); err != nil {
			return fmt.Errorf("submission.default_endpoint 无法解析: %w", err)
		}
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("submission.default_endpoint 必须是 http(s) 地址或站内路径: %s", endpoint)
	}
	return nil
}
