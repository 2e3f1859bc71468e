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

// Package registry 维护 Robot 机群视图：注册、心跳活性、候选挑选与失联处置。
// 对单个 robot 的变更用 per-robot 互斥锁串行化（离线发现 → 改状态 → requeue
// 必须是同一因果序），跨 robot 的读取走快照，不持全局写锁。
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"casare-orchestrator/internal/events"
	"casare-orchestrator/internal/model"
	"casare-orchestrator/internal/store"
	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/metrics"
	"casare-orchestrator/pkg/wire"
)

// Messenger 会话层注入的出站通道；nil 时对账只改状态不发帧。
// 与 queue.CancelSender 同理：session 依赖 registry，注入方向只能反过来。
type Messenger interface {
	SendCancel(robotID, jobID string) error
	SendDrain(robotID, reason string) error
}

// JobReconciler 失联处置与心跳对账需要的队列操作，由 queue.Manager 实现
type JobReconciler interface {
	RequeueRobotJobs(ctx context.Context, robotID string) (*store.RequeueResult, error)
	Fail(ctx context.Context, jobID, robotID string, jerr model.JobError) error
	ForceCancel(ctx context.Context, j *model.Job) error
}

// Config Registry 行为参数；零值由 New 填默认
type Config struct {
	HeartbeatInterval time.Duration // 下发给 robot 的心跳周期，默认 30s
	HeartbeatTimeout  time.Duration // 超过即判失联，默认 90s
	SweepInterval     time.Duration // 活性清扫周期，默认 timeout/2
	Policy            string        // least_loaded | round_robin | affinity
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.HeartbeatTimeout / 2
	}
	if c.Policy == "" {
		c.Policy = PolicyLeastLoaded
	}
}

// robotView 机群内单个 robot 的内存视图。meta 为副本，inflight 是
// registry 认定已派给它的 job 集合（对账与容量判断的依据）。
type robotView struct {
	meta         model.Robot
	inflight     map[string]struct{}
	lastWorkflow string // affinity 策略的线索
	connected    bool   // 是否有活跃 WS 会话
}

// Registry 机群注册表
type Registry struct {
	store  store.Store
	hub    *events.Hub
	queue  JobReconciler
	logger *log.Logger
	cfg    Config

	mu   sync.RWMutex
	view map[string]*robotView

	locks keyedMutex

	msgMu     sync.RWMutex
	messenger Messenger

	rr rrCursor
}

// New 创建 Registry；messenger 由会话层经 SetMessenger 注入
func New(st store.Store, hub *events.Hub, q JobReconciler, logger *log.Logger, cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		store:  st,
		hub:    hub,
		queue:  q,
		logger: logger.With("component", "registry"),
		cfg:    cfg,
		view:   make(map[string]*robotView),
	}
}

// SetMessenger 注入会话出站通道
func (r *Registry) SetMessenger(m Messenger) {
	r.msgMu.Lock()
	r.messenger = m
	r.msgMu.Unlock()
}

func (r *Registry) sendCancel(robotID, jobID string) {
	r.msgMu.RLock()
	m := r.messenger
	r.msgMu.RUnlock()
	if m == nil {
		return
	}
	if err := m.SendCancel(robotID, jobID); err != nil {
		r.logger.Warn("对账取消帧发送失败", "robot_id", robotID, "job_id", jobID, "error", err)
	}
}

func (r *Registry) sendDrain(robotID, reason string) {
	r.msgMu.RLock()
	m := r.messenger
	r.msgMu.RUnlock()
	if m == nil {
		return
	}
	if err := m.SendDrain(robotID, reason); err != nil {
		r.logger.Warn("drain 帧发送失败", "robot_id", robotID, "error", err)
	}
}

// HeartbeatInterval 下发给 robot 的心跳周期
func (r *Registry) HeartbeatInterval() time.Duration { return r.cfg.HeartbeatInterval }

// WarmUp 进程重启后从 store 重建机群视图；in-flight 集合来自 jobs 表。
// 全部 robot 先按未连接记账，之后活性清扫会把心跳过期的置 Offline。
func (r *Registry) WarmUp(ctx context.Context) error {
	robots, err := r.store.ListRobots(ctx)
	if err != nil {
		return errors.Wrap(err, "重建机群视图失败")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rb := range robots {
		v := &robotView{meta: *rb, inflight: make(map[string]struct{}), connected: false}
		jobs, err := r.store.JobsOfRobot(ctx, rb.ID)
		if err != nil {
			r.logger.Warn("重建 in-flight 失败", "robot_id", rb.ID, "error", err)
		}
		for _, j := range jobs {
			v.inflight[j.ID] = struct{}{}
		}
		r.view[rb.ID] = v
	}
	r.logger.Info("机群视图已重建", "robots", len(robots))
	return nil
}

// Register 注册/重注册。重复注册即 upsert：能力、环境、容量以最新声明为准，
// Draining 状态跨重连保留（排水是运维指令，不因断线失效）。
func (r *Registry) Register(ctx context.Context, reg wire.Register, fingerprint string) (*model.Robot, error) {
	if reg.RobotID == "" {
		return nil, errors.E(errors.KindInvalid, "robot_id 不能为空")
	}
	if reg.Name == "" {
		reg.Name = reg.RobotID
	}
	if reg.MaxConcurrentJobs <= 0 {
		reg.MaxConcurrentJobs = 1
	}

	unlock := r.locks.lock(reg.RobotID)
	defer unlock()

	now := time.Now()
	status := model.RobotIdle
	registeredAt := now
	if prev, err := r.store.GetRobot(ctx, reg.RobotID); err == nil {
		if prev.Decommissioned {
			return nil, errors.Ef(errors.KindInvalid, "robot %s 已退役，拒绝注册", reg.RobotID)
		}
		registeredAt = prev.RegisteredAt
		if prev.Status == model.RobotDraining {
			status = model.RobotDraining
		}
	} else if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}

	rb := &model.Robot{
		ID:                reg.RobotID,
		Name:              reg.Name,
		Capabilities:      append([]string(nil), reg.Capabilities...),
		Environment:       reg.Environment,
		MaxConcurrentJobs: reg.MaxConcurrentJobs,
		Status:            status,
		LastHeartbeatAt:   now,
		RegisteredAt:      registeredAt,
		TokenFingerprint:  fingerprint,
	}
	if err := r.store.UpsertRobot(ctx, rb); err != nil {
		return nil, err
	}

	// 带任务重连的场景：in-flight 以 store 为准重建
	inflight := make(map[string]struct{})
	if jobs, err := r.store.JobsOfRobot(ctx, reg.RobotID); err == nil {
		for _, j := range jobs {
			inflight[j.ID] = struct{}{}
		}
	}
	if len(inflight) > 0 && status == model.RobotIdle {
		status = model.RobotBusy
		rb.Status = status
		_ = r.store.SetRobotStatus(ctx, reg.RobotID, status)
	}
	rb.CurrentJobIDs = jobIDs(inflight)

	r.mu.Lock()
	r.view[reg.RobotID] = &robotView{meta: *rb, inflight: inflight, connected: true}
	r.mu.Unlock()

	r.audit(ctx, reg.RobotID, model.ActionRegistered, "robot", map[string]interface{}{
		"name": reg.Name, "environment": reg.Environment,
		"capabilities": reg.Capabilities, "max_concurrent_jobs": reg.MaxConcurrentJobs,
	})
	r.publish(events.KindRobotOnline, rb, "registered")
	r.logger.Info("robot 注册", "robot_id", reg.RobotID, "environment", reg.Environment,
		"capabilities", reg.Capabilities, "inflight", len(inflight))
	return rb, nil
}

// OnHeartbeat 记录心跳并对账。robot 上报的 current_job_ids 与 registry 的
// in-flight 集合不一致时，以 registry（即 store）视图为准：
//   - robot 在跑但 registry 不认的 → 发 Cancel，属陈旧执行；
//   - registry 认为在派但 robot 不知道的 → 按 worker_lost 走重试管道
//     （Cancelling 的直接强制取消）。刚派出的任务有一个心跳周期的宽限，
//     避免与在途 Assign ack 竞争。
func (r *Registry) OnHeartbeat(ctx context.Context, robotID string, hb wire.Heartbeat) error {
	unlock := r.locks.lock(robotID)
	defer unlock()

	r.mu.RLock()
	v, ok := r.view[robotID]
	r.mu.RUnlock()
	if !ok {
		return errors.Ef(errors.KindNotFound, "未注册的 robot: %s", robotID)
	}

	now := time.Now()
	metrics.HeartbeatTotal.Inc()
	rec := &model.Heartbeat{
		RobotID:         robotID,
		ReceivedAt:      now,
		Status:          v.meta.Status,
		CurrentJobCount: len(hb.CurrentJobIDs),
		CPUPercent:      hb.CPUPercent,
		MemoryMB:        hb.MemoryMB,
	}
	if err := r.store.RecordHeartbeat(ctx, rec); err != nil {
		return err
	}

	reported := make(map[string]struct{}, len(hb.CurrentJobIDs))
	for _, id := range hb.CurrentJobIDs {
		reported[id] = struct{}{}
	}
	ours, err := r.store.JobsOfRobot(ctx, robotID)
	if err != nil {
		return err
	}

	mismatches := 0
	grace := r.cfg.HeartbeatInterval
	oursSet := make(map[string]struct{}, len(ours))
	for _, j := range ours {
		oursSet[j.ID] = struct{}{}
		if _, known := reported[j.ID]; known {
			continue
		}
		if now.Sub(j.ClaimedAt) < grace {
			continue // 可能还在 Assign ack 途中
		}
		mismatches++
		switch j.State {
		case model.StateCancelling:
			if err := r.queue.ForceCancel(ctx, j); err != nil {
				r.logger.Warn("对账强制取消失败", "job_id", j.ID, "error", err)
			}
		default:
			jerr := model.JobError{Kind: errors.KindWorkerLost, Message: "robot 心跳未上报该任务"}
			if err := r.queue.Fail(ctx, j.ID, robotID, jerr); err != nil {
				r.logger.Warn("对账 requeue 失败", "job_id", j.ID, "error", err)
			}
		}
	}
	for id := range reported {
		if _, known := oursSet[id]; !known {
			mismatches++
			r.sendCancel(robotID, id) // 陈旧执行，registry 视图优先
		}
	}

	// 刷新视图：in-flight 与 store 对齐，状态按负载推导（Draining 不动）
	r.mu.Lock()
	v.inflight = oursSetCopy(ours)
	v.meta.LastHeartbeatAt = now
	v.meta.CurrentJobIDs = jobIDs(v.inflight)
	wasOffline := v.meta.Status == model.RobotOffline
	if v.meta.Status != model.RobotDraining {
		if len(v.inflight) > 0 {
			v.meta.Status = model.RobotBusy
		} else {
			v.meta.Status = model.RobotIdle
		}
	}
	newStatus := v.meta.Status
	snapshot := v.meta
	r.mu.Unlock()

	if wasOffline && newStatus != model.RobotOffline {
		// 被清扫误判后又活过来：状态落库并广播
		_ = r.store.SetRobotStatus(ctx, robotID, newStatus)
		r.publish(events.KindRobotOnline, &snapshot, "heartbeat resumed")
		r.logger.Info("robot 心跳恢复", "robot_id", robotID)
	}
	if mismatches > 0 {
		r.audit(ctx, robotID, model.ActionReconciled, "registry", map[string]interface{}{
			"reported": hb.CurrentJobIDs, "registry": jobIDs(oursSet), "mismatches": mismatches,
		})
		r.logger.Warn("心跳对账发现不一致", "robot_id", robotID, "mismatches", mismatches)
	}
	return nil
}

// Reserve 派发成功后记账：in-flight 加入该 job，状态转 Busy，
// 刷新 last_assigned_at 供 least-loaded 平局公平性使用。
func (r *Registry) Reserve(ctx context.Context, robotID, jobID, workflowID string) {
	unlock := r.locks.lock(robotID)
	defer unlock()

	now := time.Now()
	r.mu.Lock()
	v, ok := r.view[robotID]
	var status model.RobotStatus
	if ok {
		v.inflight[jobID] = struct{}{}
		v.lastWorkflow = workflowID
		v.meta.LastAssignedAt = now
		v.meta.CurrentJobIDs = jobIDs(v.inflight)
		if v.meta.Status != model.RobotDraining {
			v.meta.Status = model.RobotBusy
		}
		status = v.meta.Status
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	_ = r.store.TouchRobotAssigned(ctx, robotID, now)
	_ = r.store.SetRobotStatus(ctx, robotID, status)
}

// ReleaseJob 任务离开该 robot（终态或释放回队列）后的记账
func (r *Registry) ReleaseJob(ctx context.Context, robotID, jobID string) {
	if robotID == "" {
		return
	}
	unlock := r.locks.lock(robotID)
	defer unlock()

	r.mu.Lock()
	v, ok := r.view[robotID]
	var status model.RobotStatus
	var changed bool
	if ok {
		delete(v.inflight, jobID)
		v.meta.CurrentJobIDs = jobIDs(v.inflight)
		if len(v.inflight) == 0 && v.meta.Status == model.RobotBusy {
			v.meta.Status = model.RobotIdle
			changed = true
		}
		status = v.meta.Status
	}
	r.mu.Unlock()
	if changed {
		_ = r.store.SetRobotStatus(ctx, robotID, status)
	}
}

// Drain 停止向该 robot 派发新任务；在途任务继续。跨重连保留，直到 Resume。
func (r *Registry) Drain(ctx context.Context, robotID, actor string) error {
	unlock := r.locks.lock(robotID)
	defer unlock()

	r.mu.Lock()
	v, ok := r.view[robotID]
	if ok {
		v.meta.Status = model.RobotDraining
	}
	r.mu.Unlock()
	if !ok {
		return errors.Ef(errors.KindNotFound, "未注册的 robot: %s", robotID)
	}
	if err := r.store.SetRobotStatus(ctx, robotID, model.RobotDraining); err != nil {
		return err
	}
	r.sendDrain(robotID, "operator drain")
	r.audit(ctx, robotID, model.ActionDraining, actor, nil)
	snapshot := r.snapshotOf(robotID)
	if snapshot != nil {
		r.publish(events.KindRobotStatus, snapshot, "draining")
	}
	r.logger.Info("robot 开始排水", "robot_id", robotID, "actor", actor)
	return nil
}

// Resume 解除排水；按当前负载回 Busy/Idle
func (r *Registry) Resume(ctx context.Context, robotID, actor string) error {
	unlock := r.locks.lock(robotID)
	defer unlock()

	r.mu.Lock()
	v, ok := r.view[robotID]
	var status model.RobotStatus
	if ok {
		if len(v.inflight) > 0 {
			v.meta.Status = model.RobotBusy
		} else {
			v.meta.Status = model.RobotIdle
		}
		status = v.meta.Status
	}
	r.mu.Unlock()
	if !ok {
		return errors.Ef(errors.KindNotFound, "未注册的 robot: %s", robotID)
	}
	if err := r.store.SetRobotStatus(ctx, robotID, status); err != nil {
		return err
	}
	r.audit(ctx, robotID, model.ActionResumed, actor, nil)
	snapshot := r.snapshotOf(robotID)
	if snapshot != nil {
		r.publish(events.KindRobotStatus, snapshot, "resumed")
	}
	r.logger.Info("robot 恢复派发", "robot_id", robotID, "actor", actor)
	return nil
}

// OnDisconnect 会话断开回调。不立即置 Offline：宽限到心跳超时，
// 由活性清扫统一判定（短暂网络抖动 + 快速重连不应打断在途任务）。
func (r *Registry) OnDisconnect(robotID string) {
	r.mu.Lock()
	if v, ok := r.view[robotID]; ok {
		v.connected = false
	}
	r.mu.Unlock()
	r.logger.Info("robot 会话断开，等待心跳超时判定", "robot_id", robotID)
}

// MarkOffline 判死：状态置 Offline、清空视图 in-flight，并把名下任务
// 交给队列分类处置（requeue / 耗尽入 DLQ / Cancelling 落 Cancelled）。
// 整个序列在 per-robot 锁内完成，保证先改状态后 requeue 的因果序。
func (r *Registry) MarkOffline(ctx context.Context, robotID, reason string) {
	unlock := r.locks.lock(robotID)
	defer unlock()

	r.mu.Lock()
	v, ok := r.view[robotID]
	if ok {
		v.meta.Status = model.RobotOffline
		v.connected = false
		v.inflight = make(map[string]struct{})
		v.meta.CurrentJobIDs = nil
	}
	snapshot := model.Robot{}
	if ok {
		snapshot = v.meta
	}
	r.mu.Unlock()

	if err := r.store.SetRobotStatus(ctx, robotID, model.RobotOffline); err != nil {
		r.logger.Warn("离线状态落库失败", "robot_id", robotID, "error", err)
	}
	res, err := r.queue.RequeueRobotJobs(ctx, robotID)
	if err != nil {
		r.logger.Error("失联 requeue 失败", "robot_id", robotID, "error", err)
	}
	detail := map[string]interface{}{"reason": reason}
	if res != nil {
		detail["requeued"] = len(res.Requeued)
		detail["exhausted"] = len(res.Exhausted)
		detail["cancelled"] = len(res.Cancelled)
	}
	r.audit(ctx, robotID, model.ActionOffline, "registry", detail)
	if ok {
		r.publish(events.KindRobotOffline, &snapshot, reason)
	}
	r.logger.Warn("robot 判定离线", "robot_id", robotID, "reason", reason)
}

// SweepOnce 活性清扫：心跳超过阈值的 robot 置 Offline 并处置其任务
func (r *Registry) SweepOnce(ctx context.Context) {
	stale, err := r.store.MarkStaleRobots(ctx, r.cfg.HeartbeatTimeout)
	if err != nil {
		r.logger.Error("活性清扫失败", "error", err)
		return
	}
	for _, id := range stale {
		r.MarkOffline(ctx, id, "heartbeat timeout")
	}
}

// Run 周期执行活性清扫，直到 ctx 取消
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	r.logger.Info("活性清扫启动", "interval", r.cfg.SweepInterval.String(),
		"timeout", r.cfg.HeartbeatTimeout.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// Get 单个 robot 的视图快照；未注册返回 KindNotFound
func (r *Registry) Get(robotID string) (*model.Robot, error) {
	snapshot := r.snapshotOf(robotID)
	if snapshot == nil {
		return nil, errors.Ef(errors.KindNotFound, "未注册的 robot: %s", robotID)
	}
	return snapshot, nil
}

// List 机群快照，按 robot_id 排序
func (r *Registry) List() []*model.Robot {
	r.mu.RLock()
	out := make([]*model.Robot, 0, len(r.view))
	for _, v := range r.view {
		cp := v.meta
		cp.CurrentJobIDs = jobIDs(v.inflight)
		out = append(out, &cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connected 该 robot 是否有活跃会话
func (r *Registry) Connected(robotID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.view[robotID]
	return ok && v.connected
}

// FleetStats /metrics/fleet 的聚合视图
type FleetStats struct {
	Total     int `json:"total"`
	Idle      int `json:"idle"`
	Busy      int `json:"busy"`
	Draining  int `json:"draining"`
	Offline   int `json:"offline"`
	Connected int `json:"connected"`
	InFlight  int `json:"in_flight"`
}

// Stats 聚合统计
func (r *Registry) Stats() FleetStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := FleetStats{Total: len(r.view)}
	for _, v := range r.view {
		switch v.meta.Status {
		case model.RobotIdle:
			s.Idle++
		case model.RobotBusy:
			s.Busy++
		case model.RobotDraining:
			s.Draining++
		case model.RobotOffline:
			s.Offline++
		}
		if v.connected {
			s.Connected++
		}
		s.InFlight += len(v.inflight)
	}
	return s
}

func (r *Registry) snapshotOf(robotID string) *model.Robot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.view[robotID]
	if !ok {
		return nil
	}
	cp := v.meta
	cp.CurrentJobIDs = jobIDs(v.inflight)
	return &cp
}

// robotEventBody 扇出到 robots topic 的事件体
type robotEventBody struct {
	RobotID     string `json:"robot_id"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status"`
	Environment string `json:"environment,omitempty"`
	InFlight    int    `json:"in_flight"`
	Message     string `json:"message,omitempty"`
}

func (r *Registry) publish(kind string, rb *model.Robot, msg string) {
	r.hub.Publish(events.TopicRobots, kind, robotEventBody{
		RobotID:     rb.ID,
		Name:        rb.Name,
		Status:      rb.Status.String(),
		Environment: rb.Environment,
		InFlight:    len(rb.CurrentJobIDs),
		Message:     msg,
	})
}

func (r *Registry) audit(ctx context.Context, robotID, action, actor string, detail interface{}) {
	var raw []byte
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	entry := &model.AuditEntry{
		OccurredAt: time.Now(),
		Category:   model.AuditRobot,
		EntityID:   robotID,
		Action:     action,
		Actor:      actor,
		Detail:     raw,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.Warn("审计写入失败", "robot_id", robotID, "action", action, "error", err)
	}
	r.hub.Publish(events.TopicActivity, events.KindActivity, entry)
}

func jobIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func oursSetCopy(jobs []*model.Job) map[string]struct{} {
	set := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		set[j.ID] = struct{}{}
	}
	return set
}

// keyedMutex 按 robot_id 串行化；空闲条目在最后一个持有者释放时回收，
// 避免机群长期演化后 map 无界增长。
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
