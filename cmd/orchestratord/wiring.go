package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"OpenMCP-Orchestrator/internal/api"
	"OpenMCP-Orchestrator/internal/auth"
	"OpenMCP-Orchestrator/internal/config"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/executor"
	"OpenMCP-Orchestrator/internal/job"
	"OpenMCP-Orchestrator/internal/llm"
	"OpenMCP-Orchestrator/internal/llm/anthropic"
	"OpenMCP-Orchestrator/internal/llm/gemini"
	"OpenMCP-Orchestrator/internal/llm/ollama"
	"OpenMCP-Orchestrator/internal/llm/openai"
	"OpenMCP-Orchestrator/internal/llm/pythonbridge"
	"OpenMCP-Orchestrator/internal/observability/alerting"
	"OpenMCP-Orchestrator/internal/observability/metrics"
	"OpenMCP-Orchestrator/internal/orchestrator"
	"OpenMCP-Orchestrator/internal/planner"
	"OpenMCP-Orchestrator/internal/tool"
	"OpenMCP-Orchestrator/internal/tool/chain"
	"OpenMCP-Orchestrator/internal/tool/github"
	"OpenMCP-Orchestrator/internal/tool/weather"
	"OpenMCP-Orchestrator/internal/verifier"
	"OpenMCP-Orchestrator/pkg/logger"
)

// app 持有一次进程生命周期内构造的全部组件。
type app struct {
	cfg          *config.Config
	registry     *tool.Registry
	orchestrator *orchestrator.Orchestrator
	closers      []func()
}

// Close 逆序释放资源。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = logger.Sync()
}

// build 校验凭据并构造规划-执行-校验链路。
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := initLogger(cfg); err != nil {
		return nil, err
	}
	if err := cfg.ResolveCredentials(os.Getenv); err != nil {
		return nil, err
	}

	registry, closeTools, err := buildRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, registry: registry, closers: []func(){closeTools}}

	generator, err := buildGenerator(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	generator = llm.Instrument(generator, metrics.ObserveGeneration)

	p := planner.New(generator, registry,
		planner.WithTimeout(cfg.Planner.Timeout.Std()),
		planner.WithMaxSteps(cfg.Planner.MaxSteps),
	)
	e := executor.New(registry,
		executor.WithMaxAttempts(cfg.Executor.MaxAttempts),
		executor.WithBaseDelay(cfg.Executor.BaseDelay.Std()),
		executor.WithMaxDelay(cfg.Executor.MaxDelay.Std()),
		executor.WithToolTimeout(cfg.Executor.ToolTimeout.Std()),
		executor.WithCallObserver(metrics.ObserveToolCall),
	)
	v := verifier.New(generator, verifier.WithTimeout(cfg.Verifier.Timeout.Std()))
	a.orchestrator = orchestrator.New(p, e, v, orchestrator.WithRunObserver(metrics.ObserveRun))

	logger.L().Info("编排链路已就绪",
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.Any("tools", registry.IDs()),
	)
	return a, nil
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		},
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		},
	})
}

// buildRegistry 按配置登记工具，返回的函数负责释放工具持有的连接。
func buildRegistry(ctx context.Context, cfg *config.Config) (*tool.Registry, func(), error) {
	registry, err := tool.NewRegistry()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {}

	if cfg.WeatherEnabled() {
		w, err := weather.New(weather.Config{
			APIKey:  cfg.Tools.Weather.APIKey,
			BaseURL: cfg.Tools.Weather.BaseURL,
			Units:   cfg.Tools.Weather.Units,
			Timeout: cfg.Tools.Weather.Timeout.Std(),
		})
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "初始化天气工具失败")
		}
		if err := registry.Register(w); err != nil {
			return nil, nil, err
		}
	}
	if cfg.GitHubEnabled() {
		g, err := github.New(ctx, github.Config{
			Token:          cfg.Tools.GitHub.Token,
			BaseURL:        cfg.Tools.GitHub.BaseURL,
			Timeout:        cfg.Tools.GitHub.Timeout.Std(),
			RequestsPerSec: cfg.Tools.GitHub.RequestsPerSec,
			Burst:          cfg.Tools.GitHub.Burst,
		})
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "初始化仓库搜索工具失败")
		}
		if err := registry.Register(g); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Tools.Chain.Enabled {
		c, err := chain.Dial(ctx, chain.Config{
			Network: cfg.Tools.Chain.Network,
			RPCURL:  cfg.Tools.Chain.RPCURL,
		})
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链上快照工具失败")
		}
		if err := registry.Register(c); err != nil {
			c.Close()
			return nil, nil, err
		}
		closeFn = c.Close
	}
	if registry.Len() == 0 {
		closeFn()
		return nil, nil, xerrors.New(xerrors.CodeConfigurationInvalid, "至少需要启用一个工具")
	}
	return registry, closeFn, nil
}

// buildGenerator 根据提供方构造生成器。
func buildGenerator(ctx context.Context, cfg *config.Config) (llm.Generator, error) {
	var (
		gen llm.Generator
		err error
	)
	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		gen, err = openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.OpenAI.APIKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout.Std(),
		})
	case config.ProviderAnthropic:
		gen, err = anthropic.NewClient(anthropic.Config{
			APIKey:    cfg.LLM.Anthropic.APIKey,
			BaseURL:   cfg.LLM.Anthropic.BaseURL,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.Anthropic.MaxTokens,
			Timeout:   cfg.LLM.Timeout.Std(),
		})
	case config.ProviderGemini:
		gen, err = gemini.NewClient(ctx, gemini.Config{
			APIKey:      cfg.LLM.Gemini.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
		})
	case config.ProviderOllama:
		gen, err = ollama.NewClient(ollama.Config{
			ServerURL:   cfg.LLM.Ollama.ServerURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
		})
	case config.ProviderPythonBridge:
		script := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		gen, err = pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, script, cfg.LLM.Python.WorkingDir)
	default:
		return nil, xerrors.New(xerrors.CodeConfigurationInvalid, fmt.Sprintf("未知的 llm.provider: %s", cfg.LLM.Provider))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "初始化大模型客户端失败")
	}
	return gen, nil
}

func buildJobStore(ctx context.Context, cfg *config.Config) (job.Store, error) {
	switch cfg.Jobs.Store.Driver {
	case config.StoreMemory:
		return job.NewMemoryStore(), nil
	case config.StoreMySQL:
		return job.NewSQLStore(ctx, job.SQLConfig{Dialect: job.DialectMySQL, DSN: cfg.Jobs.Store.DSN})
	case config.StoreSQLite:
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
		}
		return job.NewSQLStore(ctx, job.SQLConfig{Dialect: job.DialectSQLite, DSN: cfg.Jobs.Store.DSN})
	default:
		return nil, xerrors.New(xerrors.CodeConfigurationInvalid, fmt.Sprintf("未知的作业存储驱动: %s", cfg.Jobs.Store.Driver))
	}
}

func buildQueue(ctx context.Context, cfg *config.Config) (job.Queue, error) {
	q := cfg.Jobs.Queue
	switch q.Driver {
	case config.QueueMemory:
		return job.NewMemoryQueue(q.Size), nil
	case config.QueueRedis:
		return job.NewRedisQueue(ctx, job.RedisQueueConfig{
			Address:  q.Redis.Address,
			Password: q.Redis.Password,
			DB:       q.Redis.DB,
			Queue:    q.Redis.Queue,
		})
	case config.QueueRabbitMQ:
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:      q.RabbitMQ.URL,
			Queue:    q.RabbitMQ.Queue,
			Prefetch: q.RabbitMQ.Prefetch,
			Durable:  q.RabbitMQ.Durable,
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfigurationInvalid, fmt.Sprintf("未知的队列驱动: %s", q.Driver))
	}
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	for _, hook := range cfg.Alerting.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: hook.URL, Headers: hook.Headers})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func buildAuth(cfg *config.Config) (*auth.Service, error) {
	keys := make([]auth.Key, 0, len(cfg.Server.Auth.Keys))
	for _, key := range cfg.Server.Auth.Keys {
		keys = append(keys, auth.Key{
			Name:        key.Name,
			Token:       key.Token,
			TokenEnv:    key.TokenEnv,
			Permissions: key.Permissions,
			Disabled:    key.Disabled,
		})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Server.Auth.Mode), Keys: keys}, os.Getenv)
}

// serve 启动 HTTP 服务与作业处理器，直到 ctx 结束。
func serve(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	log := logger.Named("orchestratord")

	guard, err := buildAuth(cfg)
	if err != nil {
		return err
	}

	store, err := buildJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	queue, err := buildQueue(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return err
	}

	service := job.NewService(store, queue,
		job.WithMaxAttempts(cfg.Jobs.MaxAttempts),
		job.WithRetryBudget(cfg.DefaultMaxRetries(), cfg.Orchestrator.RetryLimit),
	)
	defer func() {
		if err := service.Close(); err != nil {
			log.Warn("关闭作业服务失败", slog.Any("error", err))
		}
	}()

	if recovered, err := service.Recover(ctx, cfg.Jobs.RecoverStaleAfter.Std()); err != nil {
		log.Warn("恢复未完成作业失败", slog.Any("error", err))
	} else if recovered > 0 {
		log.Info("已重新投递未完成作业", slog.Int("count", recovered))
	}

	processor := job.NewProcessor(a.orchestrator, store, queue, queue,
		job.WithWorkerCount(cfg.Jobs.Queue.Workers),
		job.WithAlertDispatcher(buildAlerts(cfg)),
	)
	server := api.NewServer(cfg.Server.Address, a.orchestrator,
		api.WithJobs(service),
		api.WithCatalog(a.registry),
		api.WithAuth(guard),
		api.WithRetryBudget(cfg.DefaultMaxRetries(), cfg.Orchestrator.RetryLimit),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return processor.Start(groupCtx) })
	group.Go(func() error { return server.Start(groupCtx) })
	if cfg.Server.MetricsAddress != "" {
		group.Go(func() error { return metrics.StartServer(groupCtx, cfg.Server.MetricsAddress) })
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Info("服务已停止")
		return nil
	}
	return err
}
