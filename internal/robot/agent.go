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

// Package robot 参考 Robot Agent：连接编排器的 WS 会话、注册、心跳、
// 接单执行与取消。执行本体通过 Executor 注入，包内自带模拟器实现。
package robot

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"casare-orchestrator/pkg/backoff"
	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/tracing"
	"casare-orchestrator/pkg/wire"
)

// Config Agent 参数；零值由 applyDefaults 填
type Config struct {
	URL               string // 如 ws://localhost:8080/ws/robot
	Token             string // 预发 key，启用接入鉴权时必填
	RobotID           string // 空则取主机名
	Name              string
	Environment       string
	Capabilities      []string
	MaxConcurrentJobs int
	Version           string

	DialTimeout  time.Duration  // 默认 10s
	WriteTimeout time.Duration  // 默认 10s
	Reconnect    backoff.Policy // 重连退避，默认 1s 起步、1min 封顶
}

func (c *Config) applyDefaults() {
	if c.RobotID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.RobotID = host
		} else {
			c.RobotID = uuid.NewString()
		}
	}
	if c.Name == "" {
		c.Name = c.RobotID
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Reconnect.Base <= 0 {
		c.Reconnect = backoff.Policy{Base: time.Second, Cap: time.Minute, Jitter: 0.3}
	}
}

// pendingFrame 断线期间留存的结果帧，重连注册后补发。
// 进度帧不留存，结果帧（complete/failed）不能丢。
type pendingFrame struct {
	t       wire.MsgType
	payload any
}

// Agent 单个 robot 进程的会话与执行管理。写路径单串行（writeMu），
// seq 每会话从 1 重新计；在途任务挂在 Run 的根 ctx 上，短暂断线不中断执行。
type Agent struct {
	cfg      Config
	executor Executor
	logger   *log.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
	seq     uint64

	jobMu sync.Mutex
	jobs  map[string]context.CancelFunc

	pendMu  sync.Mutex
	pending []pendingFrame

	draining atomic.Bool
}

// NewAgent 创建 Agent；executor 为 nil 时使用模拟器
func NewAgent(cfg Config, executor Executor, logger *log.Logger) *Agent {
	cfg.applyDefaults()
	if executor == nil {
		executor = &Simulator{}
	}
	return &Agent{
		cfg:      cfg,
		executor: executor,
		logger:   logger.With("component", "robot", "robot_id", cfg.RobotID),
		jobs:     make(map[string]context.CancelFunc),
	}
}

// Run 主循环：连接 → 注册 → 收发，断开后按退避重连并重新 Register。
// 阻塞到 ctx 取消。
func (a *Agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		registered, err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			attempt = 0
		} else {
			attempt++
		}
		delay := a.cfg.Reconnect.Delay(attempt)
		a.logger.Warn("会话结束，稍后重连", "error", err, "delay", delay.String())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runSession 一次完整会话。返回值标记注册是否成功（成功过则重连退避归零）。
func (a *Agent) runSession(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	header := http.Header{}
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, a.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("连接 %s 失败（%s）: %w", a.cfg.URL, resp.Status, err)
		}
		return false, fmt.Errorf("连接 %s 失败: %w", a.cfg.URL, err)
	}
	defer conn.Close()

	a.writeMu.Lock()
	a.conn = conn
	a.seq = 0
	a.writeMu.Unlock()
	defer func() {
		a.writeMu.Lock()
		a.conn = nil
		a.writeMu.Unlock()
	}()

	if err := a.send(wire.TypeRegister, wire.Register{
		RobotID:           a.cfg.RobotID,
		Name:              a.cfg.Name,
		Capabilities:      a.cfg.Capabilities,
		Environment:       a.cfg.Environment,
		MaxConcurrentJobs: a.cfg.MaxConcurrentJobs,
		Version:           a.cfg.Version,
	}); err != nil {
		return false, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(a.cfg.DialTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("等待 registered 回执失败: %w", err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		return false, err
	}
	if f.Type != wire.TypeRegistered {
		return false, fmt.Errorf("期望 registered 帧，收到 %s", f.Type)
	}
	var regd wire.Registered
	if err := f.Unmarshal(&regd); err != nil {
		return false, err
	}
	hbInterval := time.Duration(regd.HeartbeatIntervalSeconds) * time.Second
	if hbInterval <= 0 {
		hbInterval = 30 * time.Second
	}
	// 之后不设读超时：服务端只下发命令帧，死链靠心跳写失败暴露
	_ = conn.SetReadDeadline(time.Time{})
	a.logger.Info("会话就绪", "session_id", regd.SessionID, "heartbeat", hbInterval.String())

	// 重新注册即重新上岗；操作员侧的 draining 由服务端派发时过滤
	a.draining.Store(false)
	a.flushPending()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeatLoop(sessCtx, conn, hbInterval)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, err
		}
		f, err := wire.Decode(data)
		if err != nil {
			a.logger.Warn("非法帧，忽略", "error", err)
			continue
		}
		a.handleFrame(ctx, conn, f)
	}
}

// send 组帧并写出。gorilla 要求单写者，写路径全部串到 writeMu 上。
func (a *Agent) send(t wire.MsgType, payload any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return errors.Ef(errors.KindWorkerLost, "无活跃连接")
	}
	a.seq++
	data, err := wire.Encode(t, a.seq, a.cfg.RobotID, payload)
	if err != nil {
		return err
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// sendResult 结果帧发送失败时留存，重连后补发
func (a *Agent) sendResult(t wire.MsgType, payload any) {
	if err := a.send(t, payload); err != nil {
		a.pendMu.Lock()
		a.pending = append(a.pending, pendingFrame{t: t, payload: payload})
		a.pendMu.Unlock()
		a.logger.Warn("结果帧暂存，待重连补发", "type", string(t), "error", err)
	}
}

func (a *Agent) flushPending() {
	a.pendMu.Lock()
	frames := a.pending
	a.pending = nil
	a.pendMu.Unlock()
	for i, f := range frames {
		if err := a.send(f.t, f.payload); err != nil {
			a.pendMu.Lock()
			a.pending = append(frames[i:], a.pending...)
			a.pendMu.Unlock()
			return
		}
	}
	if len(frames) > 0 {
		a.logger.Info("补发留存结果帧", "count", len(frames))
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.send(wire.TypeHeartbeat, wire.Heartbeat{
				Status:        a.status(),
				CurrentJobIDs: a.currentJobs(),
			}); err != nil {
				a.logger.Warn("心跳发送失败，断开重连", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (a *Agent) handleFrame(ctx context.Context, conn *websocket.Conn, f *wire.Frame) {
	switch f.Type {
	case wire.TypeAssign:
		var assign wire.Assign
		if err := f.Unmarshal(&assign); err != nil {
			a.logger.Warn("assign 帧解析失败", "error", err)
			return
		}
		a.handleAssign(ctx, assign.Job)

	case wire.TypeCancel:
		var c wire.Cancel
		if err := f.Unmarshal(&c); err != nil {
			return
		}
		a.jobMu.Lock()
		cancel, ok := a.jobs[c.JobID]
		a.jobMu.Unlock()
		if !ok {
			a.logger.Warn("cancel 指向未知任务，忽略", "job_id", c.JobID)
			return
		}
		a.logger.Info("收到取消指令", "job_id", c.JobID, "reason", c.Reason)
		cancel()

	case wire.TypeDrain:
		var d wire.Drain
		_ = f.Unmarshal(&d)
		a.draining.Store(true)
		a.logger.Info("进入 draining，停止接单", "reason", d.Reason)

	case wire.TypeShutdown:
		var sd wire.Shutdown
		_ = f.Unmarshal(&sd)
		grace := time.Duration(sd.GracePeriodSeconds) * time.Second
		if grace <= 0 {
			grace = 10 * time.Second
		}
		a.draining.Store(true)
		a.logger.Info("服务端停机，宽限期内收尾", "grace", grace.String())
		go a.awaitDrained(ctx, conn, grace)

	case wire.TypeRegistered:
		// 重复回执，忽略

	default:
		a.logger.Warn("未知帧类型，忽略", "type", string(f.Type))
	}
}

// awaitDrained 在途任务清零或宽限期耗尽后断开；之后走重连循环等服务端回来
func (a *Agent) awaitDrained(ctx context.Context, conn *websocket.Conn, grace time.Duration) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			_ = conn.Close()
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-tick.C:
			if a.activeJobs() == 0 {
				_ = conn.Close()
				return
			}
		}
	}
}

// handleAssign 接单门禁：draining 与并发上限直接拒绝，ack 要赶在
// AckDeadline 前，所以判定全部在内存完成。
func (a *Agent) handleAssign(ctx context.Context, job wire.AssignJob) {
	if a.draining.Load() {
		_ = a.send(wire.TypeJobReject, wire.JobReject{JobID: job.JobID, Reason: "draining"})
		return
	}
	a.jobMu.Lock()
	if _, dup := a.jobs[job.JobID]; dup {
		a.jobMu.Unlock()
		// 重复 assign（ack 超时后的重派）：任务还在跑，再确认一次即可
		_ = a.send(wire.TypeJobAccept, wire.JobAccept{JobID: job.JobID})
		return
	}
	if len(a.jobs) >= a.cfg.MaxConcurrentJobs {
		a.jobMu.Unlock()
		_ = a.send(wire.TypeJobReject, wire.JobReject{JobID: job.JobID, Reason: "并发已满"})
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	a.jobs[job.JobID] = cancel
	a.jobMu.Unlock()

	if err := a.send(wire.TypeJobAccept, wire.JobAccept{JobID: job.JobID}); err != nil {
		a.jobMu.Lock()
		delete(a.jobs, job.JobID)
		a.jobMu.Unlock()
		cancel()
		return
	}
	a.logger.Info("接单", "job_id", job.JobID, "workflow_id", job.WorkflowID)
	go a.runJob(jobCtx, cancel, job)
}

func (a *Agent) runJob(ctx context.Context, cancel context.CancelFunc, job wire.AssignJob) {
	defer cancel()
	if job.TimeoutSeconds > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer tcancel()
	}
	ctx, span := tracing.StartJobSpan(ctx, job.JobID, job.WorkflowID)
	defer span.End()

	started := time.Now()
	result, err := a.executor.Execute(ctx, job, func(p wire.JobProgress) {
		p.JobID = job.JobID
		// 进度帧 best-effort：断线期间直接丢
		_ = a.send(wire.TypeJobProgress, p)
	})

	a.jobMu.Lock()
	delete(a.jobs, job.JobID)
	a.jobMu.Unlock()

	switch {
	case err == nil:
		a.logger.Info("任务完成", "job_id", job.JobID, "elapsed", time.Since(started).String())
		a.sendResult(wire.TypeJobComplete, wire.JobComplete{JobID: job.JobID, Result: result})

	case ctx.Err() == context.DeadlineExceeded:
		a.logger.Warn("任务超时中止", "job_id", job.JobID, "timeout_seconds", job.TimeoutSeconds)
		a.sendResult(wire.TypeJobFailed, wire.JobFailed{
			JobID:   job.JobID,
			Kind:    string(errors.KindTimeout),
			Message: fmt.Sprintf("执行超过 %ds", job.TimeoutSeconds),
		})

	case ctx.Err() == context.Canceled:
		a.logger.Info("任务已取消", "job_id", job.JobID)
		a.sendResult(wire.TypeJobFailed, wire.JobFailed{
			JobID:   job.JobID,
			Kind:    string(errors.KindCancelled),
			Message: "任务被取消",
		})

	default:
		span.RecordError(err)
		kind := errors.KindOf(err)
		if kind == "" {
			kind = errors.KindTransient
		}
		a.logger.Warn("任务失败", "job_id", job.JobID, "kind", string(kind), "error", err)
		a.sendResult(wire.TypeJobFailed, wire.JobFailed{
			JobID:   job.JobID,
			Kind:    string(kind),
			Message: err.Error(),
		})
	}
}

func (a *Agent) status() string {
	switch {
	case a.draining.Load():
		return "draining"
	case a.activeJobs() > 0:
		return "busy"
	default:
		return "idle"
	}
}

func (a *Agent) activeJobs() int {
	a.jobMu.Lock()
	defer a.jobMu.Unlock()
	return len(a.jobs)
}

func (a *Agent) currentJobs() []string {
	a.jobMu.Lock()
	defer a.jobMu.Unlock()
	ids := make([]string, 0, len(a.jobs))
	for id := range a.jobs {
		ids = append(ids, id)
	}
	return ids
}
