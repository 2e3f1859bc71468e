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

// Package orchestrator 装配编排器：store/queue/registry/session/dispatch/schedule
// 按依赖序接线，再挂上 HTTP/WS 面。cmd 层只管信号与退出码。
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"casare-orchestrator/internal/api/http"
	"casare-orchestrator/internal/api/http/middleware"
	"casare-orchestrator/internal/app"
	"casare-orchestrator/internal/dispatch"
	"casare-orchestrator/internal/events"
	"casare-orchestrator/internal/queue"
	"casare-orchestrator/internal/registry"
	"casare-orchestrator/internal/schedule"
	"casare-orchestrator/internal/session"
	"casare-orchestrator/pkg/auth"
	"casare-orchestrator/pkg/backoff"
	"casare-orchestrator/pkg/config"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App 编排器应用。后台循环（dispatcher、sweeper、liveness、schedule）
// 共享一个可取消的 loopCtx，Shutdown 时统一收口。
type App struct {
	bootstrap  *app.Bootstrap
	hub        *events.Hub
	manager    *queue.Manager
	sweeper    *queue.Sweeper
	fleet      *registry.Registry
	sessions   *session.Hub
	dispatcher *dispatch.Dispatcher
	scheduler  *schedule.Engine
	router     *http.Router

	hertz        *server.Hertz
	otelProvider otelProviderShutdown

	stopLoops  context.CancelFunc
	loops      sync.WaitGroup
	scheduleOn bool
	grace      time.Duration
}

// NewApp 创建编排器应用（由 cmd/orchestrator 调用）。
// 接线顺序即依赖顺序：hub → queue → registry → session → dispatch → schedule → api。
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := bootstrap.Logger
	st := bootstrap.Store

	hub := events.NewHub(cfg.Events.BufferSize)

	backoffPolicy := backoff.Policy{
		Base:   parseDuration(cfg.Queue.BackoffBase, backoff.Default.Base),
		Cap:    parseDuration(cfg.Queue.BackoffCap, backoff.Default.Cap),
		Jitter: cfg.Queue.BackoffJitter,
	}
	if backoffPolicy.Jitter <= 0 || backoffPolicy.Jitter > 1 {
		backoffPolicy.Jitter = backoff.Default.Jitter
	}
	cancelAck := parseDuration(cfg.Queue.CancelAckTimeout, 30*time.Second)
	manager := queue.NewManager(st, hub, bootstrap.Signal, logger, queue.Config{
		MaxRetriesDefault: cfg.Queue.MaxRetriesDefault,
		TimeoutDefaultSec: cfg.Queue.JobTimeoutDefaultSeconds,
		MaxPayloadBytes:   cfg.Limits.MaxWorkflowBytes,
		MaxPayloadNodes:   cfg.Limits.MaxWorkflowNodes,
		CancelAckTimeout:  cancelAck,
		Backoff:           backoffPolicy,
	})

	sweeper := queue.NewSweeper(manager, st, logger, queue.SweeperConfig{
		Interval:           parseDuration(cfg.Queue.TimeoutSweepInterval, 10*time.Second),
		CancelAckTimeout:   cancelAck,
		HeartbeatRetention: parseDuration(cfg.Queue.HeartbeatRetention, 24*time.Hour),
	})

	fleet := registry.New(st, hub, manager, logger, registry.Config{
		HeartbeatInterval: time.Duration(cfg.Registry.HeartbeatIntervalSeconds) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.Registry.HeartbeatTimeoutSeconds) * time.Second,
		SweepInterval:     parseDuration(cfg.Registry.LivenessSweepInterval, 0),
		Policy:            cfg.Dispatch.Policy,
	})
	// 重启恢复：把持久化的 robot 档案拉回内存，全部按 offline 起步，
	// 等首个心跳/重连再转 online
	if err := fleet.WarmUp(context.Background()); err != nil {
		return nil, fmt.Errorf("恢复 robot 注册信息失败: %w", err)
	}

	sessions := session.NewHub(manager, fleet, hub, logger, session.Config{
		OutboundBuffer: cfg.Session.OutboundBuffer,
	})
	manager.SetCancelSender(sessions)
	fleet.SetMessenger(sessions)

	dispatcher := dispatch.New(st, manager, fleet, sessions, bootstrap.Signal, hub, logger, dispatch.Config{
		Workers:          cfg.Dispatch.Workers,
		IdlePoll:         parseDuration(cfg.Dispatch.IdlePoll, time.Second),
		AssignAckTimeout: parseDuration(cfg.Dispatch.AssignAckTimeout, 5*time.Second),
		ClaimRateLimit:   cfg.Dispatch.ClaimRateLimit,
		RefuseCooldown:   parseDuration(cfg.Dispatch.RefuseCooldown, 30*time.Second),
		Backoff:          backoffPolicy,
	})

	scheduler := schedule.New(st, manager, hub, logger, schedule.Config{
		SweepInterval: parseDuration(cfg.Schedule.SweepInterval, time.Second),
		MaxMissedSkip: cfg.Schedule.MaxMissedSkip,
	})

	handler := http.NewHandler(manager, fleet, scheduler, sessions, st, hub, logger, cfg.Limits)

	var robotValidator auth.Validator
	if cfg.API.RobotAuthEnabled {
		robotValidator = auth.NewRobotKeyValidator(st)
		logger.Info("robot 接入鉴权已启用")
	}
	robotWS := session.NewWSHandler(sessions, robotValidator, logger, session.WSConfig{
		WriteTimeout:  parseDuration(cfg.Session.WriteTimeout, 0),
		MaxFrameBytes: cfg.Session.MaxFrameBytes,
	})

	// 观察者流与 REST 共用一套 JWT 秘钥；REST 走 jwt 中间件，WS 升级前逐帧校验
	var observerValidator auth.Validator
	if cfg.API.Middleware.Auth && cfg.API.Middleware.JWTKey != "" {
		observerValidator = auth.NewJWTValidator(cfg.API.Middleware.JWTKey)
	}
	observer := http.NewObserverWS(hub, observerValidator, logger,
		parseDuration(cfg.Session.ObserverPingGap, 30*time.Second))

	var corsOrigins []string
	if cfg.API.CORS.Enable {
		corsOrigins = cfg.API.CORS.AllowOrigins
	}
	mw := middleware.NewMiddleware(corsOrigins, logger)
	authz := middleware.NewAuthZMiddleware(cfg.API.Middleware.Auth)
	audit := middleware.NewAuditMiddleware(st)
	router := http.NewRouter(handler, observer, robotWS, mw, authz, audit)

	if cfg.API.Middleware.Auth && cfg.API.Middleware.JWTKey != "" {
		accessExpire := time.Duration(cfg.API.Middleware.JWTAccessExpireMinutes) * time.Minute
		if accessExpire <= 0 {
			accessExpire = 30 * time.Minute
		}
		refreshExpire := time.Duration(cfg.API.Middleware.JWTRefreshExpireDays) * 24 * time.Hour
		if refreshExpire <= 0 {
			refreshExpire = 7 * 24 * time.Hour
		}
		jwtAuth, err := middleware.NewJWTAuth([]byte(cfg.API.Middleware.JWTKey), accessExpire, refreshExpire)
		if err != nil {
			return nil, fmt.Errorf("初始化 JWT 中间件失败: %w", err)
		}
		router.SetJWT(jwtAuth)
		logger.Info("API JWT 认证已启用")
	}
	if cfg.API.Middleware.RateLimit && cfg.API.Middleware.RateLimitRPS > 0 {
		router.SetRateLimit(cfg.API.Middleware.RateLimitRPS)
	}

	scheduleOn := true
	if cfg.Schedule.Enabled != nil {
		scheduleOn = *cfg.Schedule.Enabled
	}

	return &App{
		bootstrap:  bootstrap,
		hub:        hub,
		manager:    manager,
		sweeper:    sweeper,
		fleet:      fleet,
		sessions:   sessions,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		router:     router,
		scheduleOn: scheduleOn,
		grace:      parseDuration(cfg.API.Timeout, 10*time.Second),
	}, nil
}

// Run 启动 HTTP/WS 服务与后台循环，addr 如 ":8080"。阻塞直到服务退出。
func (a *App) Run(addr string) error {
	a.bootstrap.Logger.Info("Orchestrator 启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	cfg := a.bootstrap.Config
	if cfg != nil && cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(slog.LevelInfo)
	if cfg != nil {
		switch cfg.Log.Level {
		case "debug":
			levelVar.Set(slog.LevelDebug)
		case "warn":
			levelVar.Set(slog.LevelWarn)
		case "error":
			levelVar.Set(slog.LevelError)
		}
	}
	hertzLogger := hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	)
	hlog.SetLogger(hertzLogger)

	// 可选：启用链路追踪（OpenTelemetry）
	if cfg != nil && cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "casare-orchestrator"
		}
		exportEndpoint := cfg.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			p := provider.NewOpenTelemetryProvider(opts...)
			a.otelProvider = p
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
			a.bootstrap.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.stopLoops = cancel
	a.runLoop(func(ctx context.Context) { a.fleet.Run(ctx) }, loopCtx)
	a.runLoop(func(ctx context.Context) { a.sweeper.Run(ctx) }, loopCtx)
	a.runLoop(func(ctx context.Context) { a.dispatcher.Run(ctx) }, loopCtx)
	if a.scheduleOn {
		a.runLoop(func(ctx context.Context) { a.scheduler.Run(ctx) }, loopCtx)
	} else {
		a.bootstrap.Logger.Info("定时引擎未启用")
	}
	return a.hertz.Run()
}

func (a *App) runLoop(fn func(context.Context), ctx context.Context) {
	a.loops.Add(1)
	go func() {
		defer a.loops.Done()
		fn(ctx)
	}()
}

// Shutdown 优雅关闭。顺序：停派发（不再指派）→ 广播 shutdown 帧并等宽限期
// （在手作业的完成帧仍能经仍在服务的 WS 回来）→ 断会话 → 关事件扇出 → 关 HTTP。
func (a *App) Shutdown(ctx context.Context) error {
	if a.stopLoops != nil {
		a.stopLoops()
	}
	a.sessions.BroadcastShutdown(a.grace)
	select {
	case <-time.After(a.grace):
	case <-ctx.Done():
	}
	a.sessions.CloseAll()
	a.loops.Wait()

	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	var err error
	if a.hertz != nil {
		err = a.hertz.Shutdown(ctx)
	}
	a.hub.Close()
	if cerr := a.bootstrap.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// parseDuration 解析时长字符串，无效或空时返回 defaultVal
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
