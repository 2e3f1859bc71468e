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

package session

import (
	"context"
	"time"

	"sync"

	"github.com/google/uuid"

	"casare-orchestrator/internal/events"
	"casare-orchestrator/internal/model"
	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/metrics"
	"casare-orchestrator/pkg/wire"
)

// JobSink 入站任务帧对应的队列操作，由 queue.Manager 实现
type JobSink interface {
	Complete(ctx context.Context, jobID, robotID string, result []byte) error
	Fail(ctx context.Context, jobID, robotID string, jerr model.JobError) error
	ReportProgress(p model.Progress)
	Get(ctx context.Context, jobID string) (*model.Job, error)
}

// RobotRegistry 会话生命周期与心跳对应的注册表操作，由 registry.Registry 实现
type RobotRegistry interface {
	Register(ctx context.Context, reg wire.Register, fingerprint string) (*model.Robot, error)
	OnHeartbeat(ctx context.Context, robotID string, hb wire.Heartbeat) error
	OnDisconnect(robotID string)
	ReleaseJob(ctx context.Context, robotID, jobID string)
	HeartbeatInterval() time.Duration
}

// Config 会话层参数；零值由 NewHub 填默认
type Config struct {
	OutboundBuffer  int           // 出站队列长度，默认 64
	RegisterWait    time.Duration // 等待首帧 Register 的时限，默认 10s
	ReadIdleTimeout time.Duration // 读空闲上限（socket 级兜底），默认 2× 心跳超时
}

func (c *Config) applyDefaults(heartbeat time.Duration) {
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 64
	}
	if c.RegisterWait <= 0 {
		c.RegisterWait = 10 * time.Second
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = 6 * heartbeat // 心跳 30s、超时 90s 的默认比例
	}
}

// Hub 全部活跃 robot 会话。实现 queue.CancelSender 与 registry.Messenger，
// 并为 dispatcher 提供 SendAssign 的 ack 配对。
type Hub struct {
	queue    JobSink
	registry RobotRegistry
	events   *events.Hub
	logger   *log.Logger
	cfg      Config

	mu       sync.RWMutex
	sessions map[string]*Session // robot_id → session
}

// NewHub 创建会话中心
func NewHub(q JobSink, reg RobotRegistry, ev *events.Hub, logger *log.Logger, cfg Config) *Hub {
	cfg.applyDefaults(reg.HeartbeatInterval())
	return &Hub{
		queue:    q,
		registry: reg,
		events:   ev,
		logger:   logger.With("component", "session"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// HandleConn 接管一条已升级的连接，阻塞到会话结束。
// 握手：首帧必须是 Register；凭证启用时 token 的 subject 必须等于 robot_id
// （robot 不能拿别人的 token 注册）。握手成功回 Registered，之后进入读循环。
func (h *Hub) HandleConn(ctx context.Context, conn Conn, subject, fingerprint string) error {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.RegisterWait))
	data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "等待 Register 帧失败")
	}
	f, err := wire.Decode(data)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if f.Type != wire.TypeRegister {
		_ = conn.Close()
		return errors.Ef(errors.KindInvalid, "首帧必须是 register，收到 %s", f.Type)
	}
	var reg wire.Register
	if err := f.Unmarshal(&reg); err != nil {
		_ = conn.Close()
		return err
	}
	if subject != "" && subject != reg.RobotID {
		_ = conn.Close()
		return errors.Ef(errors.KindInvalid, "token 绑定 %s，不能注册为 %s", subject, reg.RobotID)
	}

	rb, err := h.registry.Register(ctx, reg, fingerprint)
	if err != nil {
		_ = conn.Close()
		return err
	}

	s := newSession(uuid.NewString(), rb.ID, conn, h.cfg.OutboundBuffer, h.logger)
	s.lastInSeq.Store(f.Seq) // Register 帧占掉首个 seq
	if old := h.swap(rb.ID, s); old != nil {
		// 同一 robot 的新连接顶掉旧会话（重连比旧 socket 的死活更可信）
		h.logger.Info("旧会话被新连接取代", "robot_id", rb.ID, "old_session", old.ID)
		old.close()
	}
	metrics.RobotSessions.Inc()
	defer func() {
		metrics.RobotSessions.Dec()
		s.close()
		if h.evict(rb.ID, s) {
			h.registry.OnDisconnect(rb.ID)
		}
	}()

	go s.writePump()
	if err := s.send(wire.TypeRegistered, wire.Registered{
		SessionID:                s.ID,
		HeartbeatIntervalSeconds: int(h.registry.HeartbeatInterval() / time.Second),
	}); err != nil {
		return err
	}
	h.logger.Info("会话建立", "robot_id", rb.ID, "session_id", s.ID)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadIdleTimeout))
		data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return nil // 主动关闭（被顶替/队列写满），不算读错误
			default:
			}
			h.logger.Info("会话读结束", "robot_id", rb.ID, "error", err)
			return nil
		}
		f, err := wire.Decode(data)
		if err != nil {
			h.logger.Warn("非法帧，忽略", "robot_id", rb.ID, "error", err)
			continue
		}
		if !s.acceptInbound(f.Seq) {
			h.logger.Debug("丢弃重放帧", "robot_id", rb.ID, "seq", f.Seq, "type", f.Type)
			continue
		}
		if f.RobotID != "" && f.RobotID != s.RobotID {
			h.logger.Warn("帧 robot_id 与会话身份不符，忽略", "claimed", f.RobotID, "session", s.RobotID)
			continue
		}
		h.handleFrame(ctx, s, f)
	}
}

// handleFrame 入站帧路由。处理失败只记日志：单帧异常不应拖垮整条会话。
func (h *Hub) handleFrame(ctx context.Context, s *Session, f *wire.Frame) {
	switch f.Type {
	case wire.TypeHeartbeat:
		var hb wire.Heartbeat
		if err := f.Unmarshal(&hb); err != nil {
			h.logger.Warn("心跳帧解析失败", "robot_id", s.RobotID, "error", err)
			return
		}
		if err := h.registry.OnHeartbeat(ctx, s.RobotID, hb); err != nil {
			h.logger.Warn("心跳处理失败", "robot_id", s.RobotID, "error", err)
		}

	case wire.TypeJobAccept:
		var p wire.JobAccept
		if err := f.Unmarshal(&p); err != nil {
			return
		}
		s.markVerified(p.JobID)
		if !s.resolveAck(p.JobID, nil) {
			// ack 窗口已过，dispatcher 早按拒绝处理并释放了该 job
			h.logger.Warn("迟到的 job_accept，已忽略", "robot_id", s.RobotID, "job_id", p.JobID)
		}

	case wire.TypeJobReject:
		var p wire.JobReject
		if err := f.Unmarshal(&p); err != nil {
			return
		}
		if !s.resolveAck(p.JobID, errors.Ef(errors.KindWorkerLost, "robot 拒绝任务: %s", p.Reason)) {
			h.logger.Warn("迟到的 job_reject，已忽略", "robot_id", s.RobotID, "job_id", p.JobID)
		}

	case wire.TypeJobProgress:
		var p wire.JobProgress
		if err := f.Unmarshal(&p); err != nil {
			return
		}
		if !h.ownsJob(ctx, s, p.JobID) {
			h.logger.Warn("progress 帧归属不符，丢弃", "robot_id", s.RobotID, "job_id", p.JobID)
			return
		}
		h.queue.ReportProgress(model.Progress{
			JobID:     p.JobID,
			RobotID:   s.RobotID,
			Percent:   int(p.Percent),
			NodeID:    p.NodeID,
			Message:   p.Message,
			UpdatedAt: time.Now(),
		})

	case wire.TypeJobComplete:
		var p wire.JobComplete
		if err := f.Unmarshal(&p); err != nil {
			return
		}
		if err := h.queue.Complete(ctx, p.JobID, s.RobotID, p.Result); err != nil {
			h.logger.Warn("complete 处理失败", "robot_id", s.RobotID, "job_id", p.JobID, "error", err)
		}
		s.dropVerified(p.JobID)
		h.registry.ReleaseJob(ctx, s.RobotID, p.JobID)

	case wire.TypeJobFailed:
		var p wire.JobFailed
		if err := f.Unmarshal(&p); err != nil {
			return
		}
		jerr := model.JobError{Kind: errors.Kind(p.Kind), Message: p.Message, Stack: p.Stack}
		if jerr.Kind == "" {
			jerr.Kind = errors.KindFatal
		}
		if err := h.queue.Fail(ctx, p.JobID, s.RobotID, jerr); err != nil {
			h.logger.Warn("failed 处理失败", "robot_id", s.RobotID, "job_id", p.JobID, "error", err)
		}
		s.dropVerified(p.JobID)
		h.registry.ReleaseJob(ctx, s.RobotID, p.JobID)

	case wire.TypeJobLog:
		var p wire.JobLog
		if err := f.Unmarshal(&p); err != nil {
			return
		}
		h.events.Publish(events.TopicActivity, "job_log", map[string]interface{}{
			"job_id": p.JobID, "robot_id": s.RobotID,
			"level": p.Level, "message": p.Message, "at": p.At,
		})

	case wire.TypeRegister:
		h.logger.Warn("会话内重复 register，忽略", "robot_id", s.RobotID)

	default:
		h.logger.Warn("未知帧类型，忽略", "robot_id", s.RobotID, "type", f.Type)
	}
}

// ownsJob progress 归属校验：同会话首次见到的 job 查一次库，之后走缓存。
// 重连后缓存为空，store 裁决一次即可恢复。
func (h *Hub) ownsJob(ctx context.Context, s *Session, jobID string) bool {
	if s.isVerified(jobID) {
		return true
	}
	j, err := h.queue.Get(ctx, jobID)
	if err != nil || j.AssignedRobotID != s.RobotID || j.State.Terminal() {
		return false
	}
	s.markVerified(jobID)
	return true
}

// SendAssign 下发 Assign 并等待 robot 在 ackTimeout 内表态。
// 返回 nil 表示 JobAccept；拒绝/超时/会话断开都算失败，由 dispatcher 释放认领。
func (h *Hub) SendAssign(ctx context.Context, robotID string, job *model.Job, ackTimeout time.Duration) error {
	s := h.get(robotID)
	if s == nil {
		return errors.Ef(errors.KindWorkerLost, "robot %s 无活跃会话", robotID)
	}
	ch := s.registerAck(job.ID)
	assign := wire.Assign{
		Job: wire.AssignJob{
			JobID:          job.ID,
			WorkflowID:     job.WorkflowID,
			Payload:        job.Payload,
			Priority:       job.Priority,
			Environment:    job.Environment,
			TimeoutSeconds: job.TimeoutSeconds,
			RetryCount:     job.RetryCount,
		},
		AckDeadline: time.Now().Add(ackTimeout),
	}
	if err := s.send(wire.TypeAssign, assign); err != nil {
		s.dropAck(job.ID)
		return err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		s.dropAck(job.ID)
		return errors.Ef(errors.KindTimeout, "assign 未在 %s 内确认: job=%s robot=%s", ackTimeout, job.ID, robotID)
	case <-ctx.Done():
		s.dropAck(job.ID)
		return ctx.Err()
	}
}

// SendCancel 实现 queue.CancelSender
func (h *Hub) SendCancel(robotID, jobID string) error {
	s := h.get(robotID)
	if s == nil {
		return errors.Ef(errors.KindWorkerLost, "robot %s 无活跃会话", robotID)
	}
	return s.send(wire.TypeCancel, wire.Cancel{JobID: jobID})
}

// SendDrain 实现 registry.Messenger
func (h *Hub) SendDrain(robotID, reason string) error {
	s := h.get(robotID)
	if s == nil {
		return errors.Ef(errors.KindWorkerLost, "robot %s 无活跃会话", robotID)
	}
	return s.send(wire.TypeDrain, wire.Drain{Reason: reason})
}

// BroadcastShutdown 优雅停机：通知全部 robot 在宽限期内收尾
func (h *Hub) BroadcastShutdown(gracePeriod time.Duration) {
	for _, s := range h.all() {
		if err := s.send(wire.TypeShutdown, wire.Shutdown{
			GracePeriodSeconds: int(gracePeriod / time.Second),
		}); err != nil {
			h.logger.Warn("shutdown 帧发送失败", "robot_id", s.RobotID, "error", err)
		}
	}
}

// CloseAll 停机收尾：断开全部会话
func (h *Hub) CloseAll() {
	for _, s := range h.all() {
		s.close()
	}
}

// Count 当前活跃会话数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) get(robotID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[robotID]
}

func (h *Hub) all() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// swap 登记新会话并返回被顶掉的旧会话（如有）
func (h *Hub) swap(robotID string, s *Session) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.sessions[robotID]
	h.sessions[robotID] = s
	return old
}

// evict 仅当 s 仍是该 robot 的当前会话时移除；被顶替的旧会话返回 false，
// 避免新会话刚建立就被旧 goroutine 的 teardown 误清
func (h *Hub) evict(robotID string, s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[robotID] == s {
		delete(h.sessions, robotID)
		return true
	}
	return false
}
