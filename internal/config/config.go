package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// ErrInvalid 用于 errors.Is 判断配置错误。
var ErrInvalid = xerrors.New(xerrors.CodeConfigurationInvalid, "invalid configuration")

// Config 描述了编排服务在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Tools        ToolsConfig        `json:"tools" yaml:"tools"`
	Planner      PlannerConfig      `json:"planner" yaml:"planner"`
	Executor     ExecutorConfig     `json:"executor" yaml:"executor"`
	Verifier     VerifierConfig     `json:"verifier" yaml:"verifier"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Jobs         JobsConfig         `json:"jobs" yaml:"jobs"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
	Runtime      RuntimeConfig      `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string     `json:"address" yaml:"address"`
	MetricsAddress  string     `json:"metrics_address" yaml:"metrics_address"`
	ShutdownTimeout Duration   `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Auth            AuthConfig `json:"auth" yaml:"auth"`
}

// AuthConfig 描述 API Key 认证。Mode 为 disabled 或 api_key。
type AuthConfig struct {
	Mode string         `json:"mode" yaml:"mode"`
	Keys []APIKeyConfig `json:"keys" yaml:"keys"`
}

// APIKeyConfig 描述一个 API Key，Token 优先于 TokenEnv。
type APIKeyConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Token       string   `json:"token" yaml:"token"`
	TokenEnv    string   `json:"token_env" yaml:"token_env"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Disabled    bool     `json:"disabled" yaml:"disabled"`
}

// LLMConfig 用于配置生成能力的调用方式。
type LLMConfig struct {
	Provider    string             `json:"provider" yaml:"provider"`
	Model       string             `json:"model" yaml:"model"`
	Temperature float64            `json:"temperature" yaml:"temperature"`
	Timeout     Duration           `json:"timeout" yaml:"timeout"`
	OpenAI      OpenAIConfig       `json:"openai" yaml:"openai"`
	Anthropic   AnthropicConfig    `json:"anthropic" yaml:"anthropic"`
	Gemini      GeminiConfig       `json:"gemini" yaml:"gemini"`
	Ollama      OllamaConfig       `json:"ollama" yaml:"ollama"`
	Python      PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
}

// AnthropicConfig 描述 Anthropic 接口。
type AnthropicConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	MaxTokens int64  `json:"max_tokens" yaml:"max_tokens"`
}

// GeminiConfig 描述 Google Gemini 接口。
type GeminiConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
}

// OllamaConfig 描述本地 Ollama 服务。
type OllamaConfig struct {
	ServerURL string `json:"server_url" yaml:"server_url"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成生成时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// ToolsConfig 描述注册表中的工具。
type ToolsConfig struct {
	Weather WeatherConfig `json:"weather" yaml:"weather"`
	GitHub  GitHubConfig  `json:"github" yaml:"github"`
	Chain   ChainConfig   `json:"chain" yaml:"chain"`
}

// WeatherConfig 描述天气工具。
type WeatherConfig struct {
	Enabled   *bool    `json:"enabled" yaml:"enabled"`
	APIKey    string   `json:"api_key" yaml:"api_key"`
	APIKeyEnv string   `json:"api_key_env" yaml:"api_key_env"`
	BaseURL   string   `json:"base_url" yaml:"base_url"`
	Units     string   `json:"units" yaml:"units"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// GitHubConfig 描述仓库搜索工具。
type GitHubConfig struct {
	Enabled        *bool    `json:"enabled" yaml:"enabled"`
	Token          string   `json:"token" yaml:"token"`
	TokenEnv       string   `json:"token_env" yaml:"token_env"`
	BaseURL        string   `json:"base_url" yaml:"base_url"`
	RequestsPerSec float64  `json:"requests_per_sec" yaml:"requests_per_sec"`
	Burst          int      `json:"burst" yaml:"burst"`
	Timeout        Duration `json:"timeout" yaml:"timeout"`
}

// ChainConfig 描述链上快照工具，默认关闭。
type ChainConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Network string `json:"network" yaml:"network"`
	RPCURL  string `json:"rpc_url" yaml:"rpc_url"`
}

// PlannerConfig 控制规划阶段。
type PlannerConfig struct {
	Timeout  Duration `json:"timeout" yaml:"timeout"`
	MaxSteps int      `json:"max_steps" yaml:"max_steps"`
}

// ExecutorConfig 控制工具调用的重试策略。
type ExecutorConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay"`
	ToolTimeout Duration `json:"tool_timeout" yaml:"tool_timeout"`
}

// VerifierConfig 控制校验阶段。
type VerifierConfig struct {
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// OrchestratorConfig 控制重试预算。
type OrchestratorConfig struct {
	DefaultMaxRetries *int `json:"default_max_retries" yaml:"default_max_retries"`
	RetryLimit        int  `json:"retry_limit" yaml:"retry_limit"`
}

// JobsConfig 描述异步运行的存储与队列。
type JobsConfig struct {
	Store             JobStoreConfig `json:"store" yaml:"store"`
	Queue             QueueConfig    `json:"queue" yaml:"queue"`
	MaxAttempts       int            `json:"max_attempts" yaml:"max_attempts"`
	RecoverStaleAfter Duration       `json:"recover_stale_after" yaml:"recover_stale_after"`
}

// JobStoreConfig 选择作业存储实现。
type JobStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// QueueConfig 选择作业队列实现。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Size     int            `json:"size" yaml:"size"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Queue    string `json:"queue" yaml:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// LoggingConfig 描述日志输出。
type LoggingConfig struct {
	Level      string      `json:"level" yaml:"level"`
	Format     string      `json:"format" yaml:"format"`
	Outputs    []string    `json:"outputs" yaml:"outputs"`
	MaxSizeMB  int         `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int         `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int         `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool        `json:"compress" yaml:"compress"`
	Audit      AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 描述审计日志。
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// AlertingConfig 描述作业告警渠道。
type AlertingConfig struct {
	Log      bool            `json:"log" yaml:"log"`
	Webhooks []WebhookConfig `json:"webhooks" yaml:"webhooks"`
}

// WebhookConfig 描述一个告警 webhook。
type WebhookConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 解析指定路径的 JSON 或 YAML 配置文件，并应用默认值与环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfigurationInvalid, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "读取配置文件失败")
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigurationInvalid, err, "解析配置失败")
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv(os.Getenv)
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置（已应用环境变量覆盖）。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	cfg.applyEnv(os.Getenv)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}
	if c.Server.Auth.Mode == "" {
		c.Server.Auth.Mode = "disabled"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderOpenAI
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = Duration(30 * time.Second)
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Anthropic.APIKeyEnv == "" {
		c.LLM.Anthropic.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.LLM.Gemini.APIKeyEnv == "" {
		c.LLM.Gemini.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolvePath(baseDir, c.LLM.Python.WorkingDir, baseDir)

	enabled := true
	if c.Tools.Weather.Enabled == nil {
		c.Tools.Weather.Enabled = &enabled
	}
	if c.Tools.Weather.APIKeyEnv == "" {
		c.Tools.Weather.APIKeyEnv = "WEATHER_API_KEY"
	}
	if c.Tools.GitHub.Enabled == nil {
		c.Tools.GitHub.Enabled = &enabled
	}
	if c.Tools.GitHub.TokenEnv == "" {
		c.Tools.GitHub.TokenEnv = "GITHUB_TOKEN"
	}
	if c.Tools.Chain.Network == "" {
		c.Tools.Chain.Network = "ethereum"
	}

	if c.Planner.Timeout <= 0 {
		c.Planner.Timeout = c.LLM.Timeout
	}
	if c.Planner.MaxSteps <= 0 {
		c.Planner.MaxSteps = 8
	}
	if c.Verifier.Timeout <= 0 {
		c.Verifier.Timeout = c.LLM.Timeout
	}

	if c.Executor.MaxAttempts <= 0 {
		c.Executor.MaxAttempts = 3
	}
	if c.Executor.BaseDelay <= 0 {
		c.Executor.BaseDelay = Duration(time.Second)
	}
	if c.Executor.MaxDelay <= 0 {
		c.Executor.MaxDelay = Duration(30 * time.Second)
	}
	if c.Executor.ToolTimeout <= 0 {
		c.Executor.ToolTimeout = Duration(20 * time.Second)
	}

	if c.Orchestrator.RetryLimit <= 0 {
		c.Orchestrator.RetryLimit = 5
	}
	if c.Orchestrator.DefaultMaxRetries == nil {
		def := 1
		c.Orchestrator.DefaultMaxRetries = &def
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Jobs.Store.Driver == "" {
		c.Jobs.Store.Driver = StoreMemory
	}
	if c.Jobs.Store.Driver == StoreSQLite && c.Jobs.Store.DSN == "" {
		c.Jobs.Store.DSN = filepath.Join(c.Runtime.DataDir, "jobs.db")
	}
	if c.Jobs.Queue.Driver == "" {
		c.Jobs.Queue.Driver = QueueMemory
	}
	if c.Jobs.Queue.Workers <= 0 {
		c.Jobs.Queue.Workers = 4
	}
	if c.Jobs.Queue.Size <= 0 {
		c.Jobs.Queue.Size = 256
	}
	if c.Jobs.MaxAttempts <= 0 {
		c.Jobs.MaxAttempts = 3
	}
	if c.Jobs.RecoverStaleAfter <= 0 {
		c.Jobs.RecoverStaleAfter = Duration(10 * time.Minute)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stdout"}
	}
	for i, out := range c.Logging.Outputs {
		if out != "stdout" && out != "stderr" {
			c.Logging.Outputs[i] = resolvePath(baseDir, out, out)
		}
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path, filepath.Join(c.Runtime.DataDir, "audit.log"))
	}
}

// applyEnv 使用 OPENMCP_* 环境变量覆盖配置。
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("OPENMCP_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := getenv("OPENMCP_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = strings.ToLower(v)
	}
	if v := getenv("OPENMCP_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := getenv("OPENMCP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("OPENMCP_QUEUE_DRIVER"); v != "" {
		c.Jobs.Queue.Driver = strings.ToLower(v)
	}
	if v := getenv("OPENMCP_JOB_STORE_DRIVER"); v != "" {
		c.Jobs.Store.Driver = strings.ToLower(v)
		if c.Jobs.Store.Driver == StoreSQLite && c.Jobs.Store.DSN == "" {
			c.Jobs.Store.DSN = filepath.Join(c.Runtime.DataDir, "jobs.db")
		}
	}
	if v := getenv("OPENMCP_JOB_STORE_DSN"); v != "" {
		c.Jobs.Store.DSN = v
	}
}

// 支持的驱动与提供方。
const (
	ProviderOpenAI       = "openai"
	ProviderAnthropic    = "anthropic"
	ProviderGemini       = "gemini"
	ProviderOllama       = "ollama"
	ProviderPythonBridge = "python_bridge"

	StoreMemory = "memory"
	StoreMySQL  = "mysql"
	StoreSQLite = "sqlite"

	QueueMemory   = "memory"
	QueueRedis    = "redis"
	QueueRabbitMQ = "rabbitmq"
)

// Validate 检查驱动、提供方与数值范围。
func (c *Config) Validate() error {
	var problems []string
	switch c.Server.Auth.Mode {
	case "disabled":
	case "api_key":
		if len(c.Server.Auth.Keys) == 0 {
			problems = append(problems, "server.auth.keys 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 server.auth.mode: %q", c.Server.Auth.Mode))
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderOllama, ProviderPythonBridge:
	default:
		problems = append(problems, fmt.Sprintf("未知的 llm.provider: %q", c.LLM.Provider))
	}
	if c.LLM.Provider == ProviderPythonBridge && strings.TrimSpace(c.LLM.Python.ScriptPath) == "" {
		problems = append(problems, "llm.python_bridge.script_path 不能为空")
	}
	switch c.Jobs.Store.Driver {
	case StoreMemory:
	case StoreMySQL, StoreSQLite:
		if strings.TrimSpace(c.Jobs.Store.DSN) == "" {
			problems = append(problems, "jobs.store.dsn 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 jobs.store.driver: %q", c.Jobs.Store.Driver))
	}
	switch c.Jobs.Queue.Driver {
	case QueueMemory:
	case QueueRedis:
		if c.Jobs.Queue.Redis.Address == "" {
			problems = append(problems, "jobs.queue.redis.address 不能为空")
		}
	case QueueRabbitMQ:
		if c.Jobs.Queue.RabbitMQ.URL == "" {
			problems = append(problems, "jobs.queue.rabbitmq.url 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 jobs.queue.driver: %q", c.Jobs.Queue.Driver))
	}
	if c.Tools.Chain.Enabled && strings.TrimSpace(c.Tools.Chain.RPCURL) == "" {
		problems = append(problems, "tools.chain.rpc_url 不能为空")
	}
	if c.Orchestrator.DefaultMaxRetries != nil {
		if def := *c.Orchestrator.DefaultMaxRetries; def < 0 || def > c.Orchestrator.RetryLimit {
			problems = append(problems, "orchestrator.default_max_retries 必须在 0 到 retry_limit 之间")
		}
	}
	if c.Executor.MaxDelay < c.Executor.BaseDelay {
		problems = append(problems, "executor.max_delay 不能小于 base_delay")
	}
	for i, hook := range c.Alerting.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			problems = append(problems, "alerting.webhooks["+strconv.Itoa(i)+"].url 不能为空")
		}
	}
	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeConfigurationInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// DefaultMaxRetries 返回默认重试预算。
func (c *Config) DefaultMaxRetries() int {
	if c.Orchestrator.DefaultMaxRetries == nil {
		return 1
	}
	return *c.Orchestrator.DefaultMaxRetries
}

// WeatherEnabled 判断天气工具是否启用。
func (c *Config) WeatherEnabled() bool {
	return c.Tools.Weather.Enabled == nil || *c.Tools.Weather.Enabled
}

// GitHubEnabled 判断仓库搜索工具是否启用。
func (c *Config) GitHubEnabled() bool {
	return c.Tools.GitHub.Enabled == nil || *c.Tools.GitHub.Enabled
}

// ResolveCredentials 从内联值或环境变量解析所需凭据，并回写到配置中。
// getenv 为空时使用 os.Getenv。所选提供方或已启用工具缺少必需凭据时返回 CONFIGURATION_INVALID。
func (c *Config) ResolveCredentials(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	var missing []string
	resolve := func(inline *string, env string) bool {
		if strings.TrimSpace(*inline) != "" {
			return true
		}
		if env == "" {
			return false
		}
		*inline = strings.TrimSpace(getenv(env))
		return *inline != ""
	}

	switch c.LLM.Provider {
	case ProviderOpenAI:
		if !resolve(&c.LLM.OpenAI.APIKey, c.LLM.OpenAI.APIKeyEnv) {
			missing = append(missing, c.LLM.OpenAI.APIKeyEnv)
		}
	case ProviderAnthropic:
		if !resolve(&c.LLM.Anthropic.APIKey, c.LLM.Anthropic.APIKeyEnv) {
			missing = append(missing, c.LLM.Anthropic.APIKeyEnv)
		}
	case ProviderGemini:
		if !resolve(&c.LLM.Gemini.APIKey, c.LLM.Gemini.APIKeyEnv) {
			missing = append(missing, c.LLM.Gemini.APIKeyEnv)
		}
	}
	if c.WeatherEnabled() && !resolve(&c.Tools.Weather.APIKey, c.Tools.Weather.APIKeyEnv) {
		missing = append(missing, c.Tools.Weather.APIKeyEnv)
	}
	if c.GitHubEnabled() {
		// GitHub 令牌可选，缺失时使用匿名额度。
		resolve(&c.Tools.GitHub.Token, c.Tools.GitHub.TokenEnv)
	}

	if len(missing) > 0 {
		return xerrors.New(xerrors.CodeConfigurationInvalid, "缺少凭据: "+strings.Join(missing, ", "))
	}
	return nil
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
