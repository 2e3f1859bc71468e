// Copyright 2026 CasareRPA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"casare-orchestrator/pkg/secrets"
)

// Config 应用配置结构体
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Store    StoreConfig    `mapstructure:"store"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Registry RegistryConfig `mapstructure:"registry"`
	Session  SessionConfig  `mapstructure:"session"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Events   EventsConfig   `mapstructure:"events"`
	Wakeup   WakeupConfig   `mapstructure:"wakeup"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Robot    RobotConfig    `mapstructure:"robot"`

	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port             int              `mapstructure:"port"`
	Host             string           `mapstructure:"host"`
	Timeout          string           `mapstructure:"timeout"`
	CORS             CORSConfig       `mapstructure:"cors"`
	Middleware       MiddlewareConfig `mapstructure:"middleware"`
	RobotAuthEnabled bool             `mapstructure:"robot_auth_enabled"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	Auth                   bool   `mapstructure:"auth"`
	RateLimit              bool   `mapstructure:"rate_limit"`
	RateLimitRPS           int    `mapstructure:"rate_limit_rps"`
	JWTKey                 string `mapstructure:"jwt_key"`
	JWTAccessExpireMinutes int    `mapstructure:"jwt_access_expire_minutes"` // 默认 30
	JWTRefreshExpireDays   int    `mapstructure:"jwt_refresh_expire_days"`   // 默认 7
}

// StoreConfig 持久化存储配置
type StoreConfig struct {
	Type           string `mapstructure:"type"` // memory | postgres
	DSN            string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
	PoolSize       int    `mapstructure:"pool_size"`
	MigrateOnStart *bool  `mapstructure:"migrate_on_start"` // 未配置时默认 true
}

// QueueConfig 队列语义：重试、超时、清扫
type QueueConfig struct {
	MaxRetriesDefault        int     `mapstructure:"max_retries_default"`         // <=0 默认 3
	JobTimeoutDefaultSeconds int     `mapstructure:"job_timeout_default_seconds"` // <=0 默认 3600
	BackoffBase              string  `mapstructure:"backoff_base"`                // 如 "2s"
	BackoffCap               string  `mapstructure:"backoff_cap"`                 // 如 "5m"
	BackoffJitter            float64 `mapstructure:"backoff_jitter"`              // 0..1，默认 0.3
	TimeoutSweepInterval     string  `mapstructure:"timeout_sweep_interval"`      // 默认 "10s"
	CancelAckTimeout         string  `mapstructure:"cancel_ack_timeout"`          // 默认 "30s"
	HeartbeatRetention       string  `mapstructure:"heartbeat_retention"`         // 默认 "24h"
}

// DispatchConfig Dispatcher 并发与派发策略
type DispatchConfig struct {
	Workers          int     `mapstructure:"workers"`            // <=0 使用 CPU 数
	Policy           string  `mapstructure:"policy"`             // least_loaded | round_robin | affinity
	IdlePoll         string  `mapstructure:"idle_poll"`          // 无唤醒时的兜底轮询间隔，默认 "1s"
	AssignAckTimeout string  `mapstructure:"assign_ack_timeout"` // 默认 "5s"
	ClaimRateLimit   float64 `mapstructure:"claim_rate_limit"`   // 每秒 claim 上限，<=0 不限
	RefuseCooldown   string  `mapstructure:"refuse_cooldown"`    // robot 拒单后的冷却，默认 "30s"
}

// RegistryConfig 心跳与存活判定
type RegistryConfig struct {
	HeartbeatIntervalSeconds int    `mapstructure:"heartbeat_interval_seconds"` // 默认 30
	HeartbeatTimeoutSeconds  int    `mapstructure:"heartbeat_timeout_seconds"`  // 默认 90
	LivenessSweepInterval    string `mapstructure:"liveness_sweep_interval"`    // 默认 heartbeat_interval/2
}

// SessionConfig Worker 会话层配置
type SessionConfig struct {
	OutboundBuffer  int    `mapstructure:"outbound_buffer"`   // 每会话出站帧缓冲，默认 64
	WriteTimeout    string `mapstructure:"write_timeout"`     // 默认 "10s"
	MaxFrameBytes   int64  `mapstructure:"max_frame_bytes"`   // 默认 1MiB
	ObserverPingGap string `mapstructure:"observer_ping_gap"` // 观察者流 keep-alive，默认 "30s"
}

// ScheduleConfig 定时任务引擎配置
type ScheduleConfig struct {
	Enabled       *bool  `mapstructure:"enabled"`        // 未配置时默认 true
	SweepInterval string `mapstructure:"sweep_interval"` // 默认 "1s"
	MaxMissedSkip int    `mapstructure:"max_missed_skip"` // 停机恢复时最多补算的错过周期数，默认 1000
}

// EventsConfig 事件扇出配置
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"` // 每订阅者缓冲，默认 256
}

// WakeupConfig 跨实例唤醒信号（多 Orchestrator 部署时经 Redis 广播）
type WakeupConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	Channel  string `mapstructure:"channel"` // 默认 "casare:wakeup"
}

// LimitsConfig 提交侧负载限制
type LimitsConfig struct {
	MaxWorkflowBytes int `mapstructure:"max_workflow_bytes"` // 默认 10MiB
	MaxWorkflowNodes int `mapstructure:"max_workflow_nodes"` // 默认 1000
}

// RobotConfig 参考 Robot Agent 配置（cmd/robot）
type RobotConfig struct {
	OrchestratorURL   string   `mapstructure:"orchestrator_url"` // 如 "ws://localhost:8080/ws/robot"
	Token             string   `mapstructure:"token"`
	RobotID           string   `mapstructure:"robot_id"`
	Name              string   `mapstructure:"name"`
	Environment       string   `mapstructure:"environment"`
	Capabilities      []string `mapstructure:"capabilities"`
	MaxConcurrentJobs int      `mapstructure:"max_concurrent_jobs"`
	SimulateNodeDelay string   `mapstructure:"simulate_node_delay"` // 模拟执行器每节点耗时，默认 "100ms"
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// SecretsConfig secret store 选择；敏感配置项写成 vault:path 引用时生效
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // vault | k8s | env | memory
	Options  map[string]string `mapstructure:"options"`  // provider 专属参数，如 vault 的 address/token
}

// 环境变量到配置键的显式绑定；部署文档只承诺这些名字
var envBindings = map[string]string{
	"store.dsn":                          "DATABASE_URL",
	"dispatch.workers":                   "WORKERS",
	"registry.heartbeat_timeout_seconds": "HEARTBEAT_TIMEOUT_SECONDS",
	"queue.job_timeout_default_seconds":  "JOB_TIMEOUT_DEFAULT_SECONDS",
	"api.robot_auth_enabled":             "ROBOT_AUTH_ENABLED",
	"api.middleware.jwt_key":             "JWT_SECRET_KEY",
	"api.middleware.jwt_access_expire_minutes": "JWT_ACCESS_EXPIRE_MINUTES",
	"api.middleware.jwt_refresh_expire_days":   "JWT_REFRESH_EXPIRE_DAYS",
	"limits.max_workflow_bytes":                "MAX_WORKFLOW_BYTES",
	"limits.max_workflow_nodes":                "MAX_WORKFLOW_NODES",
}

// LoadConfig 加载配置文件并合并环境变量。path 为空时只走环境变量 + 默认值，
// 便于纯容器部署不挂配置文件。
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	// CORS_ORIGINS 为逗号分隔串，viper 不会自动切分
	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		config.API.CORS.Enable = true
		config.API.CORS.AllowOrigins = splitAndTrim(raw)
	}

	if err := replaceEnvVars(&config); err != nil {
		return nil, err
	}
	if err := resolveSecretRefs(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)
	return &config, nil
}

// LoadOrchestratorConfig 加载 Orchestrator 配置（configs/orchestrator.yaml，缺失则 env-only）
func LoadOrchestratorConfig() (*Config, error) {
	path := "configs/orchestrator.yaml"
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return LoadConfig(path)
}

// LoadRobotConfig 加载 Robot Agent 配置（configs/robot.yaml，缺失则 env-only）
func LoadRobotConfig() (*Config, error) {
	path := "configs/robot.yaml"
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return LoadConfig(path)
}

// replaceEnvVars 替换配置值中的 ${VAR} 引用（DSN、token、JWT key 等敏感项）
func replaceEnvVars(config *Config) error {
	expand := func(s string) string {
		if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
			if val := os.Getenv(s[2 : len(s)-1]); val != "" {
				return val
			}
		}
		return s
	}
	config.Store.DSN = expand(config.Store.DSN)
	config.Wakeup.Addr = expand(config.Wakeup.Addr)
	config.Wakeup.Password = expand(config.Wakeup.Password)
	config.API.Middleware.JWTKey = expand(config.API.Middleware.JWTKey)
	config.Robot.Token = expand(config.Robot.Token)
	return nil
}

// sensitiveRefs 支持 env:/vault: 间接引用的配置项
func sensitiveRefs(c *Config) []*string {
	return []*string{
		&c.Store.DSN,
		&c.Wakeup.Password,
		&c.API.Middleware.JWTKey,
		&c.Robot.Token,
	}
}

// resolveSecretRefs 解出敏感配置项里的 env:/vault: 引用。
// vault store 的初始化要连网，只有出现 vault: 引用时才去建。
func resolveSecretRefs(config *Config) error {
	refs := sensitiveRefs(config)

	var store secrets.Store
	for _, r := range refs {
		if strings.HasPrefix(*r, "vault:") {
			s, err := secrets.NewStore(secrets.Config{
				Provider: config.Secrets.Provider,
				Config:   config.Secrets.Options,
			})
			if err != nil {
				return fmt.Errorf("初始化 secret store 失败: %w", err)
			}
			store = s
			break
		}
	}

	ctx := context.Background()
	for _, r := range refs {
		v, err := secrets.Resolve(ctx, store, *r)
		if err != nil {
			return fmt.Errorf("解析 secret 引用 %q 失败: %w", *r, err)
		}
		*r = v
	}
	return nil
}

// applyDefaults 填充未配置项；默认值与运维文档保持一致
func applyDefaults(c *Config) {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Store.Type == "" {
		if c.Store.DSN != "" {
			c.Store.Type = "postgres"
		} else {
			c.Store.Type = "memory"
		}
	}
	if c.Store.PoolSize <= 0 {
		c.Store.PoolSize = 8
	}
	if c.Queue.MaxRetriesDefault <= 0 {
		c.Queue.MaxRetriesDefault = 3
	}
	if c.Queue.JobTimeoutDefaultSeconds <= 0 {
		c.Queue.JobTimeoutDefaultSeconds = 3600
	}
	if c.Queue.BackoffBase == "" {
		c.Queue.BackoffBase = "2s"
	}
	if c.Queue.BackoffCap == "" {
		c.Queue.BackoffCap = "5m"
	}
	if c.Queue.BackoffJitter <= 0 || c.Queue.BackoffJitter > 1 {
		c.Queue.BackoffJitter = 0.3
	}
	if c.Queue.TimeoutSweepInterval == "" {
		c.Queue.TimeoutSweepInterval = "10s"
	}
	if c.Queue.CancelAckTimeout == "" {
		c.Queue.CancelAckTimeout = "30s"
	}
	if c.Queue.HeartbeatRetention == "" {
		c.Queue.HeartbeatRetention = "24h"
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = runtime.NumCPU()
	}
	if c.Dispatch.Policy == "" {
		c.Dispatch.Policy = "least_loaded"
	}
	if c.Dispatch.IdlePoll == "" {
		c.Dispatch.IdlePoll = "1s"
	}
	if c.Dispatch.AssignAckTimeout == "" {
		c.Dispatch.AssignAckTimeout = "5s"
	}
	if c.Dispatch.RefuseCooldown == "" {
		c.Dispatch.RefuseCooldown = "30s"
	}
	if c.Registry.HeartbeatIntervalSeconds <= 0 {
		c.Registry.HeartbeatIntervalSeconds = 30
	}
	if c.Registry.HeartbeatTimeoutSeconds <= 0 {
		c.Registry.HeartbeatTimeoutSeconds = 90
	}
	if c.Registry.LivenessSweepInterval == "" {
		c.Registry.LivenessSweepInterval = fmt.Sprintf("%ds", c.Registry.HeartbeatIntervalSeconds/2)
	}
	if c.Session.OutboundBuffer <= 0 {
		c.Session.OutboundBuffer = 64
	}
	if c.Session.WriteTimeout == "" {
		c.Session.WriteTimeout = "10s"
	}
	if c.Session.MaxFrameBytes <= 0 {
		c.Session.MaxFrameBytes = 1 << 20
	}
	if c.Session.ObserverPingGap == "" {
		c.Session.ObserverPingGap = "30s"
	}
	if c.Schedule.SweepInterval == "" {
		c.Schedule.SweepInterval = "1s"
	}
	if c.Schedule.MaxMissedSkip <= 0 {
		c.Schedule.MaxMissedSkip = 1000
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 256
	}
	if c.Wakeup.Type == "" {
		c.Wakeup.Type = "memory"
	}
	if c.Wakeup.Channel == "" {
		c.Wakeup.Channel = "casare:wakeup"
	}
	if c.Limits.MaxWorkflowBytes <= 0 {
		c.Limits.MaxWorkflowBytes = 10 << 20
	}
	if c.Limits.MaxWorkflowNodes <= 0 {
		c.Limits.MaxWorkflowNodes = 1000
	}
	if c.API.Middleware.JWTAccessExpireMinutes <= 0 {
		c.API.Middleware.JWTAccessExpireMinutes = 30
	}
	if c.API.Middleware.JWTRefreshExpireDays <= 0 {
		c.API.Middleware.JWTRefreshExpireDays = 7
	}
	if c.Robot.MaxConcurrentJobs <= 0 {
		c.Robot.MaxConcurrentJobs = 1
	}
	if c.Robot.SimulateNodeDelay == "" {
		c.Robot.SimulateNodeDelay = "100ms"
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
