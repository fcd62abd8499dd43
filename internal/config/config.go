package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 描述了 nanofleetd 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Log     LogConfig     `json:"log"`
	Storage StorageConfig `json:"storage"`
	Events  EventsConfig  `json:"events"`
	Alerts  AlertsConfig  `json:"alerts"`
	RPC     RPCConfig     `json:"rpc"`
	Work    WorkConfig    `json:"work"`
	Fleet   FleetConfig   `json:"fleet"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制运维 API 的监听地址与访问令牌。
type ServerConfig struct {
	Address   string   `json:"address"`
	APITokens []string `json:"api_tokens"`
}

// LogConfig 对应 pkg/logger 的初始化参数。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// StorageConfig 选择账户、会话、救援账本的持久化后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	DSN    string      `json:"dsn"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// EventsConfig 控制面向运维视图的事件流输出。
type EventsConfig struct {
	Redis    EventsRedisConfig    `json:"redis"`
	RabbitMQ EventsRabbitMQConfig `json:"rabbitmq"`
}

// EventsRedisConfig 通过 Redis PUBLISH 推送事件。
type EventsRedisConfig struct {
	Enabled bool   `json:"enabled"`
	Channel string `json:"channel"`
}

// EventsRabbitMQConfig 通过 RabbitMQ 推送事件。
type EventsRabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// AlertsConfig 描述告警的 Webhook 目标。
type AlertsConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RPCConfig 包含节点列表与超时设置。
type RPCConfig struct {
	NodesFile             string   `json:"nodes_file"`
	Endpoints             []string `json:"endpoints"`
	WebsocketURL          string   `json:"websocket_url"`
	TimeoutSeconds        int      `json:"timeout_seconds"`
	HealthIntervalSeconds int      `json:"health_interval_seconds"`
}

// WorkConfig 控制工作量证明的获取方式。
type WorkConfig struct {
	RemoteTimeoutsSeconds []int `json:"remote_timeouts_seconds"`
	RetryDelaySeconds     int   `json:"retry_delay_seconds"`
	LocalFallback         bool  `json:"local_fallback"`
	LocalWorkers          int   `json:"local_workers"`
}

// FleetConfig 描述舰队与归集相关参数。
type FleetConfig struct {
	Size                   int    `json:"size"`
	MasterAddress          string `json:"master_address"`
	AutoSweep              bool   `json:"auto_sweep"`
	SweepThresholdRaw      string `json:"sweep_threshold_raw"`
	StartIntervalMillis    int    `json:"start_interval_ms"`
	FlushIntervalSeconds   int    `json:"flush_interval_seconds"`
	FailureCooldownSeconds int    `json:"failure_cooldown_seconds"`
	MaxJitterSeconds       int    `json:"max_jitter_seconds"`
	PendingAttempts        int    `json:"pending_attempts"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件，并叠加 .env 与环境变量覆盖。
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

	baseDir := filepath.Dir(path)
	envFile := filepath.Join(baseDir, ".env")
	if _, statErr := os.Stat(envFile); statErr == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("加载 .env 失败: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)

	if cfg.RPC.NodesFile != "" {
		nodes, err := LoadNodes(cfg.RPC.NodesFile)
		if err != nil {
			return nil, err
		}
		if len(nodes.Endpoints) > 0 {
			cfg.RPC.Endpoints = nodes.Endpoints
		}
		if nodes.Websocket != "" && cfg.RPC.WebsocketURL == "" {
			cfg.RPC.WebsocketURL = nodes.Websocket
		}
	}
	if len(cfg.RPC.Endpoints) == 0 {
		cfg.RPC.Endpoints = DefaultEndpoints()
	}
	return &cfg, nil
}

// applyEnv 允许通过 NANOFLEET_* 环境变量覆盖敏感或常变字段。
func (c *Config) applyEnv() {
	if v := os.Getenv("NANOFLEET_MASTER_ADDRESS"); v != "" {
		c.Fleet.MasterAddress = v
	}
	if v := os.Getenv("NANOFLEET_API_TOKEN"); v != "" {
		c.Server.APITokens = append(c.Server.APITokens, v)
	}
	if v := os.Getenv("NANOFLEET_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("NANOFLEET_REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("NANOFLEET_RABBITMQ_URL"); v != "" {
		c.Events.RabbitMQ.URL = v
	}
	if v := os.Getenv("NANOFLEET_WEBHOOK_URL"); v != "" {
		c.Alerts.WebhookURL = v
	}
	if v := os.Getenv("NANOFLEET_FLEET_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Fleet.Size = n
		}
	}
	if v := os.Getenv("NANOFLEET_RPC_ENDPOINTS"); v != "" {
		var endpoints []string
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				endpoints = append(endpoints, ep)
			}
		}
		c.RPC.Endpoints = endpoints
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":4000"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Runtime.DataDir, "nanofleet.db")
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "nanofleet"
	}
	if c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "nanofleet:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "nanofleet.events"
	}

	if c.RPC.NodesFile != "" && !filepath.IsAbs(c.RPC.NodesFile) {
		c.RPC.NodesFile = filepath.Join(baseDir, c.RPC.NodesFile)
	}
	if c.RPC.TimeoutSeconds <= 0 {
		c.RPC.TimeoutSeconds = 10
	}
	if c.RPC.HealthIntervalSeconds <= 0 {
		c.RPC.HealthIntervalSeconds = 30
	}

	if len(c.Work.RemoteTimeoutsSeconds) == 0 {
		c.Work.RemoteTimeoutsSeconds = []int{30, 45, 60}
	}
	if c.Work.RetryDelaySeconds <= 0 {
		c.Work.RetryDelaySeconds = 3
	}

	if c.Fleet.SweepThresholdRaw == "" {
		// 0.01 Nano
		c.Fleet.SweepThresholdRaw = "10000000000000000000000000000"
	}
	if c.Fleet.StartIntervalMillis <= 0 {
		c.Fleet.StartIntervalMillis = 500
	}
	if c.Fleet.FlushIntervalSeconds <= 0 {
		c.Fleet.FlushIntervalSeconds = 60
	}
	if c.Fleet.FailureCooldownSeconds <= 0 {
		c.Fleet.FailureCooldownSeconds = 300
	}
	if c.Fleet.MaxJitterSeconds < 0 {
		c.Fleet.MaxJitterSeconds = 0
	}
	if c.Fleet.PendingAttempts <= 0 {
		c.Fleet.PendingAttempts = 8
	}
}

// RPCTimeout 返回单节点请求超时。
func (c RPCConfig) RPCTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HealthInterval 返回节点健康检查周期。
func (c RPCConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// RemoteTimeouts 返回递增的远程工作量生成超时。
func (c WorkConfig) RemoteTimeouts() []time.Duration {
	out := make([]time.Duration, 0, len(c.RemoteTimeoutsSeconds))
	for _, s := range c.RemoteTimeoutsSeconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

// RetryDelay 返回远程尝试之间的固定间隔。
func (c WorkConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}
