package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"QuizChain/internal/agent"
	"QuizChain/internal/browser"
	"QuizChain/internal/config"
	"QuizChain/internal/discovery"
	"QuizChain/internal/executor"
	"QuizChain/internal/llm"
	"QuizChain/internal/llm/gemini"
	"QuizChain/internal/llm/openai"
	"QuizChain/internal/llm/pythonbridge"
	"QuizChain/internal/observability/alerting"
	"QuizChain/internal/oracle"
	"QuizChain/internal/override"
	storagemysql "QuizChain/internal/storage/mysql"
	"QuizChain/internal/submit"
	"QuizChain/internal/task"
	"QuizChain/pkg/logger"
)

// app 持有一次进程生命周期内的配置、密钥与需要关闭的资源。
type app struct {
	cfg     *config.Config
	secrets config.Secrets
	log     *zap.Logger
	closers []func() error
}

// loadConfig 按命令行、环境变量、默认路径的顺序定位配置文件。
// 未显式指定且默认文件不存在时使用内置默认值。
func loadConfig(flagPath string) (*config.Config, error) {
	path := config.ResolvePath(flagPath)
	if _, err := os.Stat(path); err != nil {
		explicit := strings.TrimSpace(flagPath) != "" || strings.TrimSpace(os.Getenv(config.EnvPath)) != ""
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return config.Default("."), nil
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return config.Load(path)
}

// bootstrap 加载配置、初始化日志并校验密钥。
func bootstrap(opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	secrets := cfg.ResolveSecrets()
	if err := cfg.Validate(secrets); err != nil {
		return nil, err
	}
	return &app{cfg: cfg, secrets: secrets, log: logger.Named("quizchaind")}, nil
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		File: logger.FileConfig{
			Path:       cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
		Audit: logger.AuditConfig{
			Enabled:    cfg.AuditPath != "",
			Path:       cfg.AuditPath,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		},
		AddSource: cfg.AddSource,
	}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close 以创建的逆序释放资源。
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// buildJournal 创建步骤日志。mysql 驱动未单独配置 DSN 时复用运行存储的 DSN。
func (a *app) buildJournal(ctx context.Context) (storagemysql.Journal, error) {
	switch a.cfg.Storage.Journal.Driver {
	case "", "memory":
		return storagemysql.NewMemoryJournal(a.cfg.Runtime.DataDir, a.cfg.Storage.Journal.MaxEntries)
	case "mysql":
		dsn := a.secrets.JournalDSN
		if dsn == "" {
			dsn = a.secrets.TaskStoreDSN
		}
		journal, err := storagemysql.NewSQLJournal(ctx, a.mysqlConfig(dsn))
		if err != nil {
			return nil, err
		}
		a.onClose(journal.Close)
		return journal, nil
	default:
		return nil, fmt.Errorf("未知的步骤日志驱动: %s", a.cfg.Storage.Journal.Driver)
	}
}

func (a *app) mysqlConfig(dsn string) storagemysql.Config {
	store := a.cfg.Storage.TaskStore
	return storagemysql.Config{
		DSN:             dsn,
		MaxOpenConns:    store.MaxOpenConns,
		MaxIdleConns:    store.MaxIdleConns,
		ConnMaxLifetime: store.ConnMaxLifetime(),
		ConnMaxIdleTime: store.ConnMaxIdleTime(),
	}
}

// buildStore 创建运行状态存储。
func (a *app) buildStore(ctx context.Context) (task.Store, error) {
	switch a.cfg.Storage.TaskStore.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, a.mysqlConfig(a.secrets.TaskStoreDSN))
	default:
		return nil, fmt.Errorf("未知的运行存储驱动: %s", a.cfg.Storage.TaskStore.Driver)
	}
}

// buildQueue 创建运行分发队列。
func (a *app) buildQueue(ctx context.Context) (task.Queue, error) {
	q := a.cfg.TaskQueue
	switch q.Driver {
	case "", "memory":
		return task.NewMemoryQueue(q.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   q.Redis.Address,
			Password:  a.secrets.RedisPassword,
			DB:        q.Redis.DB,
			Queue:     q.Redis.Queue,
			BlockWait: time.Duration(q.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        a.secrets.RabbitMQURL,
			Queue:      q.RabbitMQ.Queue,
			Prefetch:   q.RabbitMQ.Prefetch,
			Durable:    q.RabbitMQ.Durable,
			AutoDelete: q.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", q.Driver)
	}
}

// buildDispatcher 根据配置创建运行结束通知的渠道。
func (a *app) buildDispatcher() (*alerting.FanoutDispatcher, error) {
	var notifiers []alerting.Notifier
	notify := a.cfg.Notify
	if notify.Webhook.URL != "" {
		webhook, err := alerting.NewWebhookNotifier(alerting.WebhookConfig{
			URL:     notify.Webhook.URL,
			Timeout: time.Duration(notify.Webhook.TimeoutSeconds) * time.Second,
			Retries: notify.Webhook.Retries,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(webhook.Close)
		notifiers = append(notifiers, webhook)
	}
	if a.secrets.NotifyRedisURL != "" {
		publisher, err := alerting.NewRedisNotifier(alerting.RedisConfig{
			URL:      a.secrets.NotifyRedisURL,
			Channel:  notify.Redis.Channel,
			Encoding: notify.Redis.Encoding,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(publisher.Close)
		notifiers = append(notifiers, publisher)
	}
	return alerting.NewFanout(notifiers...), nil
}

// buildLLM 根据 provider 创建决策模型客户端，并按配置限速。
func (a *app) buildLLM(ctx context.Context) (llm.Client, error) {
	cfg := a.cfg.LLM
	var (
		model llm.Client
		err   error
	)
	switch cfg.Provider {
	case "", "openai":
		if a.secrets.OpenAIKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		model, err = openai.NewClient(openai.Config{
			APIKey:      a.secrets.OpenAIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Temperature: cfg.OpenAI.Temperature,
			Timeout:     time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second,
			JSONMode:    cfg.OpenAI.JSONMode == nil || *cfg.OpenAI.JSONMode,
		})
	case "gemini":
		if a.secrets.GeminiKey == "" {
			return nil, errors.New("Gemini provider 需要配置 api_key 或 api_key_env")
		}
		model, err = gemini.NewClient(ctx, gemini.Config{
			APIKey:      a.secrets.GeminiKey,
			Model:       cfg.Gemini.Model,
			Temperature: cfg.Gemini.Temperature,
		})
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
		model, err = pythonbridge.NewClient(cfg.Python.PythonExecutable, scriptPath, cfg.Python.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if rpm := a.cfg.Oracle.RequestsPerMinute; rpm > 0 {
		model = oracle.NewThrottle(model, rpm)
	}
	return model, nil
}

// buildRunner 组装步骤控制器与运行控制器。
func (a *app) buildRunner(ctx context.Context, journal storagemysql.Journal) (*agent.Runner, error) {
	model, err := a.buildLLM(ctx)
	if err != nil {
		return nil, err
	}
	decider := oracle.NewClient(model, oracle.Config{
		CallTimeout: a.cfg.Oracle.CallTimeout(),
		JSON:        true,
	})

	execCfg := a.cfg.Executor
	sandbox, err := executor.New(executor.Config{
		Mode:            execCfg.Mode,
		Interpreter:     execCfg.PythonExecutable,
		InterpreterArgs: []string{"-"},
		Timeout:         execCfg.Timeout(),
		MaxOutputBytes:  execCfg.MaxOutputBytes,
		MemoryMB:        execCfg.MemoryMB,
		DockerImage:     execCfg.DockerImage,
		AllowedEnv:      execCfg.AllowedEnv,
		WorkDir:         execCfg.WorkDir,
	})
	if err != nil {
		return nil, err
	}

	rules, err := discovery.CompileRules(a.cfg.Discovery.ExtraPatterns)
	if err != nil {
		return nil, err
	}

	submitter := submit.NewClient(submit.Config{
		Timeout:        a.cfg.Submission.Timeout(),
		FallbackAnswer: a.cfg.Submission.FallbackAnswer,
	})

	opts := []agent.Option{
		agent.WithMaxRounds(a.cfg.Oracle.MaxRounds),
		agent.WithRateLimitPolicy(a.cfg.Oracle.RateLimitCooldown(), a.cfg.Oracle.MaxRateLimitRetries),
		agent.WithDefaultEndpoint(a.cfg.Submission.DefaultEndpoint),
		agent.WithEndpointFinder(discovery.New(rules...)),
		agent.WithJournal(journal),
	}
	if a.cfg.Overrides.Path != "" {
		table, err := override.Load(a.cfg.Overrides.Path)
		if err != nil {
			return nil, err
		}
		a.log.Info("已加载答案覆盖表", zap.String("path", a.cfg.Overrides.Path), zap.Int("entries", table.Len()))
		opts = append(opts, agent.WithOverrides(table, override.NewHTTPFetcher(a.cfg.Submission.Timeout())))
	}
	stepController := agent.New(decider, sandbox, submitter, opts...)

	launcher := browser.NewLauncher(browser.Config{
		Bin:               a.cfg.Browser.Bin,
		ControlURL:        a.cfg.Browser.ControlURL,
		Headless:          a.cfg.Browser.IsHeadless(),
		NavigationTimeout: a.cfg.Browser.NavigationTimeout(),
		RetryBackoff:      a.cfg.Browser.NavigationRetryBackoff(),
		QuiescenceTimeout: a.cfg.Browser.QuiescenceTimeout(),
		ScriptSizeCap:     a.cfg.Browser.ScriptSizeCap,
		MarkupSizeCap:     a.cfg.Browser.MarkupSizeCap,
	})
	a.onClose(launcher.Close)

	return agent.NewRunner(stepController, sessionFactory(launcher),
		agent.WithStepTimeout(a.cfg.Runtime.StepTimeout()),
	), nil
}

// sessionFactory 将浏览器启动器适配为运行控制器需要的会话工厂。
func sessionFactory(launcher *browser.Launcher) agent.SessionFactory {
	return func(ctx context.Context) (agent.Renderer, error) {
		session, err := launcher.NewSession(ctx)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}
