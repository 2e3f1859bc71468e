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

// Package queue Job Queue Manager：提交校验、去重、状态迁移、重试记账、DLQ。
// 状态迁移全部经由 store 的条件更新完成，本包不持有权威状态；
// 进度快照是唯一的内存态，终态即弃。
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"casare-orchestrator/internal/events"
	"casare-orchestrator/internal/model"
	"casare-orchestrator/internal/store"
	"casare-orchestrator/pkg/backoff"
	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/metrics"
)

// casRetries StaleTransition 的内部有界重试次数
const casRetries = 3

// CancelSender 把取消帧送达 robot；由 session 层实现，app 组装时注入
type CancelSender interface {
	SendCancel(robotID, jobID string) error
}

// Config Manager 的队列语义参数
type Config struct {
	MaxRetriesDefault int
	TimeoutDefaultSec int
	MaxPayloadBytes   int
	MaxPayloadNodes   int
	CancelAckTimeout  time.Duration
	Backoff           backoff.Policy
}

// SubmitRequest 一次提交；指针字段区分“未给”与“给了零值”
type SubmitRequest struct {
	WorkflowID           string
	Payload              []byte
	Priority             *int
	Environment          string
	RequiredCapabilities []string
	TargetRobotID        string
	MaxRetries           *int
	TimeoutSeconds       *int
	DedupKey             string
	ScheduleID           string
	Trigger              model.TriggerContext
}

// Manager Job Queue Manager
type Manager struct {
	store  store.Store
	hub    *events.Hub
	signal Signal
	logger *log.Logger
	cfg    Config

	mu        sync.RWMutex
	progress  map[string]*model.Progress
	canceller CancelSender
}

// NewManager 创建队列管理器
func NewManager(st store.Store, hub *events.Hub, sig Signal, logger *log.Logger, cfg Config) *Manager {
	if cfg.MaxRetriesDefault <= 0 {
		cfg.MaxRetriesDefault = 3
	}
	if cfg.TimeoutDefaultSec <= 0 {
		cfg.TimeoutDefaultSec = 3600
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 10 << 20
	}
	if cfg.MaxPayloadNodes <= 0 {
		cfg.MaxPayloadNodes = 1000
	}
	if cfg.CancelAckTimeout <= 0 {
		cfg.CancelAckTimeout = 30 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.Default
	}
	return &Manager{
		store:    st,
		hub:      hub,
		signal:   sig,
		logger:   logger,
		cfg:      cfg,
		progress: make(map[string]*model.Progress),
	}
}

// SetCancelSender 注入取消帧发送方（session 层在 Manager 之后创建）
func (m *Manager) SetCancelSender(c CancelSender) {
	m.mu.Lock()
	m.canceller = c
	m.mu.Unlock()
}

func (m *Manager) sendCancel(robotID, jobID string) {
	m.mu.RLock()
	c := m.canceller
	m.mu.RUnlock()
	if c == nil || robotID == "" {
		return
	}
	if err := c.SendCancel(robotID, jobID); err != nil {
		m.logger.Warn("取消帧发送失败", "job_id", jobID, "robot_id", robotID, "error", err)
	}
}

// jobEventBody 扇出到 jobs topic 的事件体
type jobEventBody struct {
	JobID      string `json:"job_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	State      string `json:"state"`
	RobotID    string `json:"robot_id,omitempty"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retry_count,omitempty"`
	ScheduleID string `json:"schedule_id,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (m *Manager) publishJob(kind string, j *model.Job, msg string) {
	body := jobEventBody{
		JobID:      j.ID,
		WorkflowID: j.WorkflowID,
		State:      j.State.String(),
		RobotID:    j.AssignedRobotID,
		Priority:   j.Priority,
		RetryCount: j.RetryCount,
		ScheduleID: j.ScheduleID,
		Message:    msg,
	}
	if j.Error != nil {
		body.ErrorKind = string(j.Error.Kind)
	}
	m.hub.Publish(events.TopicJobs, kind, body)
}

// audit 落审计并扇出到 activity；审计失败不打断主流程
func (m *Manager) audit(ctx context.Context, entityID, action, actor string, detail interface{}) {
	var raw []byte
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	entry := &model.AuditEntry{
		OccurredAt: time.Now(),
		Category:   model.AuditJob,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Detail:     raw,
	}
	if err := m.store.AppendAudit(ctx, entry); err != nil {
		m.logger.Warn("审计写入失败", "entity_id", entityID, "action", action, "error", err)
	}
	m.hub.Publish(events.TopicActivity, events.KindActivity, entry)
}

func (m *Manager) wake(reason string) {
	if m.signal == nil {
		return
	}
	_ = m.signal.Notify(context.Background(), reason)
}

// nodeCount 从 payload 解出节点数：{"nodes":[...]} 或顶层数组；解不出按 0（允许）
func nodeCount(payload []byte) int {
	var withNodes struct {
		Nodes []json.RawMessage `json:"nodes"`
	}
	if err := json.Unmarshal(payload, &withNodes); err == nil && withNodes.Nodes != nil {
		return len(withNodes.Nodes)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err == nil {
		return len(arr)
	}
	return 0
}

// Submit 校验、去重、落库、扇出、唤醒。返回的 bool 表示是否新建：
// dedup 命中时返回 (既有 Job, false, nil)，API 层据此回 409 与既有 job_id。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*model.Job, bool, error) {
	if req.WorkflowID == "" {
		return nil, false, errors.E(errors.KindInvalid, "workflow_id 不能为空")
	}
	if len(req.Payload) == 0 {
		return nil, false, errors.E(errors.KindInvalid, "workflow_payload 不能为空")
	}
	if len(req.Payload) > m.cfg.MaxPayloadBytes {
		return nil, false, errors.Ef(errors.KindInvalid, "payload %d 字节超过上限 %d", len(req.Payload), m.cfg.MaxPayloadBytes)
	}
	nodes := nodeCount(req.Payload)
	if nodes > m.cfg.MaxPayloadNodes {
		return nil, false, errors.Ef(errors.KindInvalid, "节点数 %d 超过上限 %d", nodes, m.cfg.MaxPayloadNodes)
	}
	priority := 10
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 0 || priority > 20 {
		return nil, false, errors.Ef(errors.KindInvalid, "priority %d 超出 0..20", priority)
	}
	maxRetries := m.cfg.MaxRetriesDefault
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, false, errors.E(errors.KindInvalid, "max_retries 不能为负")
		}
		maxRetries = *req.MaxRetries
	}
	timeoutSec := m.cfg.TimeoutDefaultSec
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds <= 0 {
			return nil, false, errors.E(errors.KindInvalid, "timeout_seconds 必须为正")
		}
		timeoutSec = *req.TimeoutSeconds
	}
	if req.Trigger.Source == "" {
		req.Trigger.Source = "api"
	}

	now := time.Now()
	j := &model.Job{
		ID:                   uuid.New().String(),
		WorkflowID:           req.WorkflowID,
		Payload:              req.Payload,
		NodeCount:            nodes,
		Priority:             priority,
		Environment:          req.Environment,
		RequiredCapabilities: req.RequiredCapabilities,
		TargetRobotID:        req.TargetRobotID,
		Trigger:              req.Trigger,
		ScheduleID:           req.ScheduleID,
		DedupKey:             req.DedupKey,
		State:                model.StatePending,
		MaxRetries:           maxRetries,
		TimeoutSeconds:       timeoutSec,
		NextAttemptAt:        now,
		CreatedAt:            now,
	}

	if err := m.store.InsertJob(ctx, j); err != nil {
		if !errors.IsKind(err, errors.KindDuplicate) || req.DedupKey == "" {
			return nil, false, err
		}
		existing, lookupErr := m.store.FindActiveJobByDedupKey(ctx, req.DedupKey)
		if lookupErr == nil {
			return existing, false, nil
		}
		if !errors.IsKind(lookupErr, errors.KindNotFound) {
			return nil, false, err
		}
		// 撞键的 Job 在查询窗口内到达终态：键已释放，重试一次插入
		if retryErr := m.store.InsertJob(ctx, j); retryErr != nil {
			return nil, false, retryErr
		}
	}

	m.logger.Info("Job 已提交", "job_id", j.ID, "workflow_id", j.WorkflowID,
		"priority", j.Priority, "environment", j.Environment, "source", j.Trigger.Source)
	m.publishJob(events.KindJobSubmitted, j, "")
	m.audit(ctx, j.ID, model.ActionSubmitted, j.Trigger.Subject, map[string]interface{}{
		"workflow_id": j.WorkflowID, "priority": j.Priority, "source": j.Trigger.Source,
	})
	m.wake("submit:" + j.ID)
	return j, true, nil
}

// Get 查询 Job
func (m *Manager) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// List 列出 Job
func (m *Manager) List(ctx context.Context, f store.JobFilter) ([]*model.Job, error) {
	return m.store.ListJobs(ctx, f)
}

// DeadLetters 列出 DLQ
func (m *Manager) DeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	return m.store.ListDeadLetters(ctx, limit)
}

// StateCounts 各状态数量
func (m *Manager) StateCounts(ctx context.Context) (map[model.JobState]int64, error) {
	return m.store.CountJobsByState(ctx)
}

// Progress 最近一次进度快照；无则 (nil, false)
func (m *Manager) Progress(jobID string) (*model.Progress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[jobID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (m *Manager) dropProgress(jobID string) {
	m.mu.Lock()
	delete(m.progress, jobID)
	m.mu.Unlock()
}

// ReportProgress 记录进度并扇出；非持久
func (m *Manager) ReportProgress(p model.Progress) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.progress[p.JobID] = &p
	m.mu.Unlock()
	m.hub.Publish(events.TopicJobs, events.KindJobProgress, p)
}

// MarkRunning robot 确认开工：Assigned → Running
func (m *Manager) MarkRunning(ctx context.Context, jobID, robotID string) error {
	err := m.store.UpdateJobState(ctx, jobID, model.StateAssigned, model.StateRunning,
		store.JobUpdate{StartedAt: time.Now()})
	if err != nil {
		return err
	}
	j, getErr := m.store.GetJob(ctx, jobID)
	if getErr == nil {
		m.publishJob(events.KindJobStarted, j, "")
	}
	m.audit(ctx, jobID, model.ActionStarted, robotID, nil)
	return nil
}

// Complete 终态成功。Running → Completed；Assigned/Cancelling 也接受——
// 快手 robot 可能抢在 start 处理前回报，取消竞速时已完成的工作胜出。
func (m *Manager) Complete(ctx context.Context, jobID, robotID string, result []byte) error {
	now := time.Now()
	upd := store.JobUpdate{CompletedAt: now, Result: result}
	var j *model.Job
	err := m.casAny(ctx, jobID,
		[]model.JobState{model.StateRunning, model.StateAssigned, model.StateCancelling},
		model.StateCompleted, upd, &j)
	if err != nil {
		return err
	}
	m.finishJob(ctx, j, events.KindJobCompleted, model.ActionCompleted, robotID)
	m.logger.Info("Job 完成", "job_id", jobID, "robot_id", robotID)
	return nil
}

// Fail 终态失败或重试。取消确认（kind=Cancelled 且在 Cancelling）→ Cancelled；
// 可重试 kind 且预算未尽 → Pending（retry_count++，backoff 闸门后移）；
// 其余 → Failed，预算耗尽再入 DLQ。
func (m *Manager) Fail(ctx context.Context, jobID, robotID string, jerr model.JobError) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		j, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.State.Terminal() {
			return errors.Ef(errors.KindStaleTransition, "job %s 已是终态 %s", jobID, j.State)
		}
		now := time.Now()

		switch {
		case j.State == model.StateCancelling && jerr.Kind == errors.KindCancelled:
			err = m.store.UpdateJobState(ctx, jobID, j.State, model.StateCancelled,
				store.JobUpdate{CompletedAt: now, Error: &jerr})
			if err == nil {
				j.State = model.StateCancelled
				j.Error = &jerr
				m.finishJob(ctx, j, events.KindJobCancelled, model.ActionCancelled, robotID)
				m.logger.Info("Job 已取消", "job_id", jobID, "robot_id", robotID)
				return nil
			}
		case errors.Retriable(jerr.Kind) && j.RetryCount < j.MaxRetries:
			retry := j.RetryCount + 1
			cleared := ""
			err = m.store.UpdateJobState(ctx, jobID, j.State, model.StatePending,
				store.JobUpdate{
					AssignedRobotID: &cleared,
					RetryCount:      &retry,
					NextAttemptAt:   m.cfg.Backoff.NextAttempt(now, j.RetryCount),
					Error:           &jerr,
				})
			if err == nil {
				j.State = model.StatePending
				j.RetryCount = retry
				j.AssignedRobotID = ""
				j.Error = &jerr
				metrics.JobRetryTotal.WithLabelValues(string(jerr.Kind)).Inc()
				m.publishJob(events.KindJobRequeued, j, jerr.Message)
				m.audit(ctx, jobID, model.ActionRequeued, robotID, map[string]interface{}{
					"retry_count": retry, "kind": string(jerr.Kind), "message": jerr.Message,
				})
				m.logger.Info("Job 重新入队", "job_id", jobID, "retry_count", retry, "kind", jerr.Kind)
				m.wake("retry:" + jobID)
				return nil
			}
		default:
			err = m.store.UpdateJobState(ctx, jobID, j.State, model.StateFailed,
				store.JobUpdate{CompletedAt: now, Error: &jerr})
			if err == nil {
				j.State = model.StateFailed
				j.Error = &jerr
				if j.RetryCount >= j.MaxRetries {
					m.deadLetter(ctx, j)
				}
				m.finishJob(ctx, j, events.KindJobFailed, model.ActionFailed, robotID)
				m.logger.Warn("Job 失败", "job_id", jobID, "kind", jerr.Kind, "message", jerr.Message)
				return nil
			}
		}
		if !errors.IsKind(err, errors.KindStaleTransition) {
			return err
		}
	}
	return errors.Ef(errors.KindStaleTransition, "job %s 状态竞争超过 %d 次", jobID, casRetries)
}

// Cancel 取消。Pending → Cancelled 直达；Assigned/Running → Cancelling 并
// 向 robot 发取消帧，ack 或超时（清扫强制）后终态。
func (m *Manager) Cancel(ctx context.Context, jobID, actor string) (*model.Job, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		j, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		switch j.State {
		case model.StatePending:
			err = m.store.UpdateJobState(ctx, jobID, model.StatePending, model.StateCancelled,
				store.JobUpdate{CompletedAt: now, Error: &model.JobError{Kind: errors.KindCancelled, Message: "排队中被取消"}})
			if err == nil {
				j.State = model.StateCancelled
				m.finishJob(ctx, j, events.KindJobCancelled, model.ActionCancelled, actor)
				return j, nil
			}
		case model.StateAssigned, model.StateRunning:
			err = m.store.UpdateJobState(ctx, jobID, j.State, model.StateCancelling,
				store.JobUpdate{CancelRequestedAt: now})
			if err == nil {
				j.State = model.StateCancelling
				j.CancelRequestedAt = now
				m.publishJob(events.KindJobCancelled, j, "取消请求已送达")
				m.audit(ctx, jobID, model.ActionCancelRequest, actor, nil)
				m.sendCancel(j.AssignedRobotID, jobID)
				return j, nil
			}
		case model.StateCancelling:
			return j, nil // 幂等
		default:
			return nil, errors.Ef(errors.KindInvalid, "job %s 已是终态 %s", jobID, j.State)
		}
		if !errors.IsKind(err, errors.KindStaleTransition) {
			return nil, err
		}
	}
	return nil, errors.Ef(errors.KindStaleTransition, "job %s 状态竞争超过 %d 次", jobID, casRetries)
}

// ReleaseAssignment 撤销未被接受的指派（拒单或 ack 超时）：Assigned → Pending，
// 不消耗重试预算，立即可再认领。
func (m *Manager) ReleaseAssignment(ctx context.Context, jobID, robotID, reason string) error {
	cleared := ""
	err := m.store.UpdateJobState(ctx, jobID, model.StateAssigned, model.StatePending,
		store.JobUpdate{AssignedRobotID: &cleared, NextAttemptAt: time.Now()})
	if err != nil {
		return err
	}
	m.audit(ctx, jobID, model.ActionRequeued, robotID, map[string]interface{}{"reason": reason})
	m.logger.Info("指派已撤销", "job_id", jobID, "robot_id", robotID, "reason", reason)
	m.wake("release:" + jobID)
	return nil
}

// RequeueRobotJobs robot 失联：名下全部非终态 Job 单事务分类处置
func (m *Manager) RequeueRobotJobs(ctx context.Context, robotID string) (*store.RequeueResult, error) {
	res, err := m.store.RequeueJobsOfRobot(ctx, robotID, m.cfg.Backoff.Delay)
	if err != nil {
		return nil, err
	}
	for _, id := range res.Requeued {
		metrics.JobRetryTotal.WithLabelValues(string(errors.KindWorkerLost)).Inc()
		if j, getErr := m.store.GetJob(ctx, id); getErr == nil {
			m.publishJob(events.KindJobRequeued, j, "robot 失联")
		}
		m.audit(ctx, id, model.ActionRequeued, robotID, map[string]interface{}{"reason": "worker_lost"})
	}
	for _, id := range res.Exhausted {
		metrics.JobTotal.WithLabelValues(model.StateFailed.String()).Inc()
		if j, getErr := m.store.GetJob(ctx, id); getErr == nil {
			m.publishJob(events.KindJobFailed, j, "robot 失联且重试耗尽")
			m.publishJob(events.KindJobDeadLetter, j, "")
		}
		m.audit(ctx, id, model.ActionDeadLettered, robotID, map[string]interface{}{"reason": "worker_lost"})
		m.dropProgress(id)
	}
	for _, id := range res.Cancelled {
		metrics.JobTotal.WithLabelValues(model.StateCancelled.String()).Inc()
		m.audit(ctx, id, model.ActionCancelled, robotID, map[string]interface{}{"reason": "worker_lost"})
		m.dropProgress(id)
	}
	if len(res.Requeued) > 0 {
		m.wake("requeue:" + robotID)
	}
	if n := len(res.Requeued) + len(res.Exhausted) + len(res.Cancelled); n > 0 {
		m.logger.Warn("robot 失联，在途 Job 已处置", "robot_id", robotID,
			"requeued", len(res.Requeued), "exhausted", len(res.Exhausted), "cancelled", len(res.Cancelled))
	}
	return res, nil
}

// casAny 依次尝试多个 from 状态的条件迁移；out 回传迁移后的 Job 视图
func (m *Manager) casAny(ctx context.Context, jobID string, froms []model.JobState, to model.JobState, upd store.JobUpdate, out **model.Job) error {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		j, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		matched := false
		for _, from := range froms {
			if j.State == from {
				matched = true
				break
			}
		}
		if !matched {
			return errors.Ef(errors.KindStaleTransition, "job %s 当前状态 %s 不可迁移到 %s", jobID, j.State, to)
		}
		err = m.store.UpdateJobState(ctx, jobID, j.State, to, upd)
		if err == nil {
			j.State = to
			if upd.Result != nil {
				j.Result = upd.Result
			}
			if upd.Error != nil {
				j.Error = upd.Error
			}
			*out = j
			return nil
		}
		if !errors.IsKind(err, errors.KindStaleTransition) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// finishJob 终态后的统一收尾：指标、扇出、审计、进度清理。
// 有指派的 Job 终态即该 robot 空出一个并发槽，唤醒派发循环立刻续派。
func (m *Manager) finishJob(ctx context.Context, j *model.Job, eventKind, action, actor string) {
	metrics.JobTotal.WithLabelValues(j.State.String()).Inc()
	if !j.StartedAt.IsZero() {
		metrics.JobDuration.WithLabelValues(j.Environment).Observe(time.Since(j.StartedAt).Seconds())
	}
	m.publishJob(eventKind, j, "")
	detail := map[string]interface{}{"state": j.State.String()}
	if j.Error != nil {
		detail["kind"] = string(j.Error.Kind)
		detail["message"] = j.Error.Message
	}
	m.audit(ctx, j.ID, action, actor, detail)
	m.dropProgress(j.ID)
	if j.AssignedRobotID != "" {
		m.wake("idle:" + j.AssignedRobotID)
	}
}

// deadLetter 入 DLQ；写失败只告警（Job 已是终态，DLQ 是旁路）
func (m *Manager) deadLetter(ctx context.Context, j *model.Job) {
	d := &model.DeadLetter{
		JobID:      j.ID,
		WorkflowID: j.WorkflowID,
		Payload:    j.Payload,
		RetryCount: j.RetryCount,
		DeadAt:     time.Now(),
	}
	if j.Error != nil {
		d.ErrorKind = string(j.Error.Kind)
		d.ErrorMessage = j.Error.Message
	}
	if err := m.store.InsertDeadLetter(ctx, d); err != nil {
		m.logger.Error("DLQ 写入失败", "job_id", j.ID, "error", err)
		return
	}
	m.publishJob(events.KindJobDeadLetter, j, "")
	m.audit(ctx, j.ID, model.ActionDeadLettered, "", map[string]interface{}{"retry_count": j.RetryCount})
}
