package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"Forged-Core/pkg/logger"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "FORGED_CONFIG"

// Config 描述了扩展宿主在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logger       logger.Config      `json:"logger"`
	Trust        TrustConfig        `json:"trust"`
	Cache        CacheConfig        `json:"cache"`
	Loader       LoaderConfig       `json:"loader"`
	Journal      JournalConfig      `json:"journal"`
	Reports      ReportsConfig      `json:"reports"`
	Verification VerificationConfig `json:"verification"`
	Remote       RemoteConfig       `json:"remote"`
	Alerting     AlertingConfig     `json:"alerting"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制管理 API 的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsEnabled *bool  `json:"metrics_enabled"`
}

// MetricsOn 返回是否暴露 /metrics，默认开启。
func (s ServerConfig) MetricsOn() bool {
	return s.MetricsEnabled == nil || *s.MetricsEnabled
}

// TrustConfig 列出受信任的签名公钥（十六进制）。
type TrustConfig struct {
	Keys     []string `json:"keys"`
	KeysFile string   `json:"keys_file"`
}

// CacheConfig 控制校验结果与解析计划缓存的容量。
type CacheConfig struct {
	Capacity int `json:"capacity"`
}

// LoaderConfig 描述清单来源与初始化参数。
type LoaderConfig struct {
	Manifests          []string `json:"manifests"`
	Settings           string   `json:"settings"`
	PluginDir          string   `json:"plugin_dir"`
	InitTimeoutSeconds int      `json:"init_timeout_seconds"`
}

// InitTimeout 返回单个扩展初始化的超时时间。
func (l LoaderConfig) InitTimeout() time.Duration {
	return time.Duration(l.InitTimeoutSeconds) * time.Second
}

// JournalConfig 选择生命周期事件的投递通道。
type JournalConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// ReportsConfig 选择加载报告的持久化方式。
type ReportsConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// VerificationConfig 为校验结果缓存配置可选的 Redis 二级存储。
type VerificationConfig struct {
	Redis      RedisConfig `json:"redis"`
	TTLSeconds int         `json:"ttl_seconds"`
}

// Enabled 判断是否启用 Redis 二级缓存。
func (v VerificationConfig) Enabled() bool {
	return strings.TrimSpace(v.Redis.Address) != ""
}

// RemoteConfig 控制远程扩展与远程清单的 HTTP 客户端。
type RemoteConfig struct {
	MaxRetries       int `json:"max_retries"`
	BaseDelayMillis  int `json:"base_delay_ms"`
	BreakerThreshold int `json:"breaker_threshold"`
}

// AlertingConfig 控制加载失败与签名拒绝的告警渠道。
type AlertingConfig struct {
	Audit    bool     `json:"audit"`
	Webhooks []string `json:"webhooks"`
}

// Enabled 判断是否配置了任何告警渠道。
func (a AlertingConfig) Enabled() bool {
	return a.Audit || len(a.Webhooks) > 0
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
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

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 读取 FORGED_CONFIG 指向的文件；未设置时返回全默认配置。
func LoadFromEnv() (*Config, error) {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return Load(path)
	}
	return Default(), nil
}

// Default 返回以当前目录为基准、全部取默认值的配置。
func Default() *Config {
	cfg := &Config{}
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	cfg.applyDefaults(wd)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8090"
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Logger.Audit.Path != "" {
		c.Logger.Audit.Path = resolve(baseDir, c.Logger.Audit.Path)
	}

	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 256
	}

	if c.Loader.InitTimeoutSeconds <= 0 {
		c.Loader.InitTimeoutSeconds = 10
	}
	for i, m := range c.Loader.Manifests {
		if !strings.Contains(m, "://") {
			c.Loader.Manifests[i] = resolve(baseDir, m)
		}
	}
	if c.Loader.Settings != "" {
		c.Loader.Settings = resolve(baseDir, c.Loader.Settings)
	}
	if c.Loader.PluginDir != "" {
		c.Loader.PluginDir = resolve(baseDir, c.Loader.PluginDir)
	}
	if c.Trust.KeysFile != "" {
		c.Trust.KeysFile = resolve(baseDir, c.Trust.KeysFile)
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	if c.Journal.Buffer <= 0 {
		c.Journal.Buffer = 256
	}
	if c.Journal.Redis.Key == "" {
		c.Journal.Redis.Key = "forged:lifecycle"
	}
	if c.Journal.RabbitMQ.Queue == "" {
		c.Journal.RabbitMQ.Queue = "forged.lifecycle"
	}

	if c.Reports.Driver == "" {
		c.Reports.Driver = "memory"
	}

	if c.Verification.Redis.Key == "" {
		c.Verification.Redis.Key = "forged:verify:"
	}
	if c.Verification.TTLSeconds <= 0 {
		c.Verification.TTLSeconds = 3600
	}

	if c.Remote.MaxRetries <= 0 {
		c.Remote.MaxRetries = 3
	}
	if c.Remote.BaseDelayMillis <= 0 {
		c.Remote.BaseDelayMillis = 200
	}
	if c.Remote.BreakerThreshold <= 0 {
		c.Remote.BreakerThreshold = 5
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
}

// Validate 检查驱动名称等取值是否合法。
func (c *Config) Validate() error {
	switch c.Journal.Driver {
	case "memory", "none":
	case "redis":
		if c.Journal.Redis.Address == "" {
			return errors.New("journal.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Journal.RabbitMQ.URL == "" {
			return errors.New("journal.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的 journal.driver: %s", c.Journal.Driver)
	}

	switch c.Reports.Driver {
	case "memory":
	case "mysql":
		if c.Reports.DSN == "" {
			return errors.New("reports.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的 reports.driver: %s", c.Reports.Driver)
	}
	return nil
}

// TrustedKeys 合并配置中的公钥与 keys_file 中逐行列出的公钥。
func (c *Config) TrustedKeys() ([]string, error) {
	keys := append([]string(nil), c.Trust.Keys...)
	if c.Trust.KeysFile == "" {
		return keys, nil
	}
	content, err := os.ReadFile(c.Trust.KeysFile)
	if err != nil {
		return nil, fmt.Errorf("读取公钥文件失败: %w", err)
	}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys, nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
