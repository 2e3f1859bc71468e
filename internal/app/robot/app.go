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

// Package robot Robot Agent 进程的装配：配置 → 日志 → Agent。
package robot

import (
	"context"
	"fmt"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"casare-orchestrator/internal/robot"
	"casare-orchestrator/pkg/config"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/tracing"
	"casare-orchestrator/pkg/utils"
)

// App Robot Agent 应用
type App struct {
	logger *log.Logger
	agent  *robot.Agent
	tracer *sdktrace.TracerProvider

	cancel context.CancelFunc
	done   chan struct{}
}

// NewApp 创建 Robot Agent 应用（由 cmd/robot 调用）
func NewApp(cfg *config.Config) (*App, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	var rc config.RobotConfig
	if cfg != nil {
		rc = cfg.Robot
	}
	rc.OrchestratorURL = utils.CoalesceString(rc.OrchestratorURL, "ws://localhost:8080/ws/robot")

	nodeDelay := 100 * time.Millisecond
	if rc.SimulateNodeDelay != "" {
		if d, err := time.ParseDuration(rc.SimulateNodeDelay); err == nil && d > 0 {
			nodeDelay = d
		}
	}

	agent := robot.NewAgent(robot.Config{
		URL:               rc.OrchestratorURL,
		Token:             rc.Token,
		RobotID:           rc.RobotID,
		Name:              rc.Name,
		Environment:       rc.Environment,
		Capabilities:      rc.Capabilities,
		MaxConcurrentJobs: rc.MaxConcurrentJobs,
	}, &robot.Simulator{NodeDelay: nodeDelay}, logger)

	var tracer *sdktrace.TracerProvider
	if cfg != nil && cfg.Monitoring.Tracing.Enable {
		tracer, err = tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    utils.CoalesceString(cfg.Monitoring.Tracing.ServiceName, "casare-robot"),
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链路追踪失败: %w", err)
		}
	}

	return &App{
		logger: logger,
		agent:  agent,
		tracer: tracer,
		done:   make(chan struct{}),
	}, nil
}

// Run 阻塞运行 Agent 主循环，直到 Shutdown
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	defer close(a.done)
	a.logger.Info("Robot Agent 启动")
	err := a.agent.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

// Shutdown 停止 Agent：在途任务按取消处理
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("链路追踪关闭失败", "error", err)
		}
	}
	return nil
}
