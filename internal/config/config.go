package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 环境变量覆盖项。
const (
	EnvConfigPath = "TASKMARKET_CONFIG"
	EnvOwner      = "TASKMARKET_OWNER"
	EnvStorageDSN = "TASKMARKET_STORAGE_DSN"
	EnvRPCURL     = "TASKMARKET_RPC_URL"
)

// Config 描述了 taskmarketd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server" json:"server"`
	Registry RegistryConfig `yaml:"registry" toml:"registry" json:"registry"`
	Storage  StorageConfig  `yaml:"storage" toml:"storage" json:"storage"`
	Events   EventsConfig   `yaml:"events" toml:"events" json:"events"`
	Chain    ChainConfig    `yaml:"chain" toml:"chain" json:"chain"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging" json:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics" json:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `yaml:"address" toml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"`
}

// RegistryConfig 描述注册表本身的参数。
type RegistryConfig struct {
	Owner string `yaml:"owner" toml:"owner" json:"owner"`
}

// StorageConfig 选择注册表的持久化后端。
type StorageConfig struct {
	Driver          string   `yaml:"driver" toml:"driver" json:"driver"`
	DSN             string   `yaml:"dsn" toml:"dsn" json:"dsn"`
	DataDir         string   `yaml:"data_dir" toml:"data_dir" json:"data_dir"`
	Fsync           bool     `yaml:"fsync" toml:"fsync" json:"fsync"`
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// EventsConfig 控制事件转发。
type EventsConfig struct {
	Driver       string         `yaml:"driver" toml:"driver" json:"driver"`
	PollInterval Duration       `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`
	BatchSize    int            `yaml:"batch_size" toml:"batch_size" json:"batch_size"`
	MaxAttempts  int            `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	RetryBackoff Duration       `yaml:"retry_backoff" toml:"retry_backoff" json:"retry_backoff"`
	Redis        RedisConfig    `yaml:"redis" toml:"redis" json:"redis"`
	RabbitMQ     RabbitMQConfig `yaml:"rabbitmq" toml:"rabbitmq" json:"rabbitmq"`
}

// RedisConfig 描述 Redis Streams 的连接信息。
type RedisConfig struct {
	Address   string `yaml:"address" toml:"address" json:"address"`
	Password  string `yaml:"password" toml:"password" json:"password"`
	DB        int    `yaml:"db" toml:"db" json:"db"`
	Stream    string `yaml:"stream" toml:"stream" json:"stream"`
	MaxLen    int64  `yaml:"max_len" toml:"max_len" json:"max_len"`
	CursorKey string `yaml:"cursor_key" toml:"cursor_key" json:"cursor_key"`
}

// RabbitMQConfig 描述 RabbitMQ 的连接信息。
type RabbitMQConfig struct {
	URL      string `yaml:"url" toml:"url" json:"url"`
	Exchange string `yaml:"exchange" toml:"exchange" json:"exchange"`
	Durable  bool   `yaml:"durable" toml:"durable" json:"durable"`
}

// ChainConfig 描述只读链上镜像。
type ChainConfig struct {
	Enabled         bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	ChainConfig     string `yaml:"chain_config" toml:"chain_config" json:"chain_config"`
	DefaultChain    string `yaml:"default_chain" toml:"default_chain" json:"default_chain"`
	RPCURL          string `yaml:"rpc_url" toml:"rpc_url" json:"rpc_url"`
	WSURL           string `yaml:"ws_url" toml:"ws_url" json:"ws_url"`
	ContractAddress string `yaml:"contract_address" toml:"contract_address" json:"contract_address"`
	FromBlock       uint64 `yaml:"from_block" toml:"from_block" json:"from_block"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `yaml:"level" toml:"level" json:"level"`
	Format  string      `yaml:"format" toml:"format" json:"format"`
	Outputs []string    `yaml:"outputs" toml:"outputs" json:"outputs"`
	Audit   AuditConfig `yaml:"audit" toml:"audit" json:"audit"`
}

// AuditConfig 控制审计日志的轮转。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Path       string `yaml:"path" toml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress" json:"compress"`
}

// MetricsConfig 控制 Prometheus 指标。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Address string `yaml:"address" toml:"address" json:"address"`
}

// Duration 允许在三种格式中以 "5s" 这样的字符串书写时长。
type Duration time.Duration

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText 实现 encoding.TextMarshaler。
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std 返回标准库时长。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load 解析配置文件。path 为空时读取 TASKMARKET_CONFIG；两者都为空时只使用默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	baseDir := "."
	if path != "" {
		baseDir = filepath.Dir(path)
	}
	if err := loadDotEnv(baseDir); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv(EnvConfigPath)
		if path != "" {
			baseDir = filepath.Dir(path)
		}
	}

	var cfg Config
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := decode(path, content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取 .env 失败: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(content, cfg)
	case ".toml":
		_, err := toml.Decode(string(content), cfg)
		return err
	case ".json":
		return sonic.Unmarshal(content, cfg)
	default:
		return fmt.Errorf("不支持的配置文件格式 %q", filepath.Ext(path))
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvOwner)); v != "" {
		c.Registry.Owner = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorageDSN)); v != "" {
		c.Storage.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRPCURL)); v != "" {
		c.Chain.RPCURL = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = Duration(15 * time.Second)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "journal"
	}
	c.Storage.DataDir = resolve(baseDir, c.Storage.DataDir, "data")
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Storage.DataDir, "registry.db")
	}

	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.PollInterval <= 0 {
		c.Events.PollInterval = Duration(time.Second)
	}
	if c.Events.BatchSize <= 0 {
		c.Events.BatchSize = 100
	}
	if c.Events.MaxAttempts <= 0 {
		c.Events.MaxAttempts = 3
	}
	if c.Events.RetryBackoff <= 0 {
		c.Events.RetryBackoff = Duration(200 * time.Millisecond)
	}

	if c.Chain.ChainConfig != "" {
		c.Chain.ChainConfig = resolve(baseDir, c.Chain.ChainConfig, "")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Storage.DataDir, "audit.log")
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查配置之间的约束。
func (c *Config) Validate() error {
	var errs []error
	if c.Registry.Owner != "" && !common.IsHexAddress(c.Registry.Owner) {
		errs = append(errs, fmt.Errorf("registry.owner 不是合法地址: %q", c.Registry.Owner))
	}

	switch c.Storage.Driver {
	case "memory", "journal":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.driver=%s 需要配置 storage.dsn", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的存储驱动 %q", c.Storage.Driver))
	}

	switch c.Events.Driver {
	case "none", "memory":
	case "redis":
		if c.Events.Redis.Address == "" {
			errs = append(errs, errors.New("events.driver=redis 需要配置 events.redis.address"))
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.driver=rabbitmq 需要配置 events.rabbitmq.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的事件驱动 %q", c.Events.Driver))
	}

	if c.Chain.Enabled {
		if c.Chain.RPCURL == "" && c.Chain.ChainConfig == "" {
			errs = append(errs, errors.New("chain.enabled 需要配置 chain.rpc_url 或 chain.chain_config"))
		}
		if c.Chain.ContractAddress != "" && !common.IsHexAddress(c.Chain.ContractAddress) {
			errs = append(errs, fmt.Errorf("chain.contract_address 不是合法地址: %q", c.Chain.ContractAddress))
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("不支持的日志格式 %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
