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

// Package schedule Schedule Engine：把 cron 表达式物化为 Job 提交。
// 多实例防重放只依赖 store.AdvanceSchedule 的 CAS——谁推进成功谁提交；
// dedup key 是纵深防御，不是序列化点。
package schedule

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"casare-orchestrator/internal/events"
	"casare-orchestrator/internal/model"
	"casare-orchestrator/internal/queue"
	"casare-orchestrator/internal/store"
	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/metrics"
	"casare-orchestrator/pkg/tracing"
)

// JobSubmitter 到点提交 Job 的入口，由 queue.Manager 实现
type JobSubmitter interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (*model.Job, bool, error)
}

// Config 引擎参数；零值由 New 填默认
type Config struct {
	SweepInterval time.Duration // 到期扫描周期，默认 1s
	MaxMissedSkip int           // 错过周期的补数上限，默认 1000
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.MaxMissedSkip <= 0 {
		c.MaxMissedSkip = 1000
	}
}

// Engine Schedule Engine
type Engine struct {
	store  store.Store
	queue  JobSubmitter
	hub    *events.Hub
	logger *log.Logger
	cfg    Config
}

// New 创建 Schedule Engine
func New(st store.Store, q JobSubmitter, hub *events.Hub, logger *log.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:  st,
		queue:  q,
		hub:    hub,
		logger: logger.With("component", "schedule"),
		cfg:    cfg,
	}
}

// parseCron 解析五段 cron 并绑定时区。时区缺省按 UTC：
// 多副本部署时不能让实例本地时区决定触发时刻。
func parseCron(expr, tz string) (cron.Schedule, error) {
	if expr == "" {
		return nil, errors.E(errors.KindInvalid, "cron_expr 不能为空")
	}
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, errors.Ef(errors.KindInvalid, "无效时区 %q: %v", tz, err)
	}
	sched, err := cron.ParseStandard("TZ=" + tz + " " + expr)
	if err != nil {
		return nil, errors.Ef(errors.KindInvalid, "无效 cron 表达式 %q: %v", expr, err)
	}
	return sched, nil
}

// CreateRequest 新建 schedule；指针字段区分“未给”与“给了零值”
type CreateRequest struct {
	WorkflowID           string
	Name                 string
	CronExpr             string
	Timezone             string
	ExecutionMode        model.ExecutionMode
	Priority             *int
	Environment          string
	RequiredCapabilities []string
	Payload              []byte
	Enabled              *bool
	Actor                string
}

// Create 校验并落库；next_fire_at 从当前时刻起算
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*model.Schedule, error) {
	if req.WorkflowID == "" {
		return nil, errors.E(errors.KindInvalid, "workflow_id 不能为空")
	}
	if len(req.Payload) == 0 {
		return nil, errors.E(errors.KindInvalid, "workflow_payload 不能为空")
	}
	sched, err := parseCron(req.CronExpr, req.Timezone)
	if err != nil {
		return nil, err
	}
	mode := req.ExecutionMode
	if mode == "" {
		mode = model.ModeParallel
	}
	if mode != model.ModeParallel && mode != model.ModeSingleton {
		return nil, errors.Ef(errors.KindInvalid, "execution_mode %q 不在 parallel|singleton 之内", mode)
	}
	priority := 10
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 0 || priority > 20 {
		return nil, errors.Ef(errors.KindInvalid, "priority %d 超出 0..20", priority)
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := time.Now()
	sc := &model.Schedule{
		ID:                   uuid.New().String(),
		WorkflowID:           req.WorkflowID,
		Name:                 req.Name,
		CronExpr:             req.CronExpr,
		Timezone:             req.Timezone,
		Enabled:              enabled,
		ExecutionMode:        mode,
		Priority:             priority,
		Environment:          req.Environment,
		RequiredCapabilities: req.RequiredCapabilities,
		Payload:              req.Payload,
		NextFireAt:           sched.Next(now),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if sc.Name == "" {
		sc.Name = sc.WorkflowID
	}
	if err := e.store.InsertSchedule(ctx, sc); err != nil {
		return nil, err
	}
	e.logger.Info("schedule 已创建", "schedule_id", sc.ID, "workflow_id", sc.WorkflowID,
		"cron", sc.CronExpr, "timezone", sc.Timezone, "next_fire_at", sc.NextFireAt)
	e.audit(ctx, sc.ID, model.ActionCreated, req.Actor, map[string]interface{}{
		"workflow_id": sc.WorkflowID, "cron_expr": sc.CronExpr, "next_fire_at": sc.NextFireAt,
	})
	return sc, nil
}

// UpdateRequest 局部更新；nil 字段不动
type UpdateRequest struct {
	Name                 *string
	CronExpr             *string
	Timezone             *string
	ExecutionMode        *model.ExecutionMode
	Priority             *int
	Environment          *string
	RequiredCapabilities []string
	Payload              []byte
	Actor                string
}

// Update 修改 schedule 定义。cron 或时区变化时 next_fire_at 从当前时刻重算，
// 不会按旧表达式补触发。
func (e *Engine) Update(ctx context.Context, scheduleID string, req UpdateRequest) (*model.Schedule, error) {
	sc, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	cronChanged := false
	if req.CronExpr != nil && *req.CronExpr != sc.CronExpr {
		sc.CronExpr = *req.CronExpr
		cronChanged = true
	}
	if req.Timezone != nil && *req.Timezone != sc.Timezone {
		sc.Timezone = *req.Timezone
		cronChanged = true
	}
	if req.Name != nil {
		sc.Name = *req.Name
	}
	if req.ExecutionMode != nil {
		if *req.ExecutionMode != model.ModeParallel && *req.ExecutionMode != model.ModeSingleton {
			return nil, errors.Ef(errors.KindInvalid, "execution_mode %q 不在 parallel|singleton 之内", *req.ExecutionMode)
		}
		sc.ExecutionMode = *req.ExecutionMode
	}
	if req.Priority != nil {
		if *req.Priority < 0 || *req.Priority > 20 {
			return nil, errors.Ef(errors.KindInvalid, "priority %d 超出 0..20", *req.Priority)
		}
		sc.Priority = *req.Priority
	}
	if req.Environment != nil {
		sc.Environment = *req.Environment
	}
	if req.RequiredCapabilities != nil {
		sc.RequiredCapabilities = req.RequiredCapabilities
	}
	if len(req.Payload) > 0 {
		sc.Payload = req.Payload
	}

	sched, err := parseCron(sc.CronExpr, sc.Timezone)
	if err != nil {
		return nil, err
	}
	if cronChanged {
		sc.NextFireAt = sched.Next(time.Now())
	}
	if err := e.store.UpdateSchedule(ctx, sc); err != nil {
		return nil, err
	}
	e.audit(ctx, sc.ID, model.ActionUpdated, req.Actor, map[string]interface{}{
		"cron_expr": sc.CronExpr, "next_fire_at": sc.NextFireAt,
	})
	return sc, nil
}

// Enable 重新启用；next_fire_at 从当前时刻重算，停用期间的周期不补触发
func (e *Engine) Enable(ctx context.Context, scheduleID, actor string) (*model.Schedule, error) {
	sc, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	sched, err := parseCron(sc.CronExpr, sc.Timezone)
	if err != nil {
		return nil, err
	}
	next := sched.Next(time.Now())
	if err := e.store.SetScheduleEnabled(ctx, scheduleID, true, next); err != nil {
		return nil, err
	}
	sc.Enabled = true
	sc.NextFireAt = next
	e.logger.Info("schedule 已启用", "schedule_id", scheduleID, "next_fire_at", next)
	e.audit(ctx, scheduleID, model.ActionEnabled, actor, map[string]interface{}{"next_fire_at": next})
	return sc, nil
}

// Disable 停用；保留 next_fire_at 仅作展示，DueSchedules 不会选中停用项
func (e *Engine) Disable(ctx context.Context, scheduleID, actor string) (*model.Schedule, error) {
	sc, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetScheduleEnabled(ctx, scheduleID, false, sc.NextFireAt); err != nil {
		return nil, err
	}
	sc.Enabled = false
	e.logger.Info("schedule 已停用", "schedule_id", scheduleID)
	e.audit(ctx, scheduleID, model.ActionDisabled, actor, nil)
	return sc, nil
}

// Delete 删除 schedule；已触发的 Job 不受影响
func (e *Engine) Delete(ctx context.Context, scheduleID, actor string) error {
	if err := e.store.DeleteSchedule(ctx, scheduleID); err != nil {
		return err
	}
	e.audit(ctx, scheduleID, model.ActionDeleted, actor, nil)
	return nil
}

// Get 查单个 schedule
func (e *Engine) Get(ctx context.Context, scheduleID string) (*model.Schedule, error) {
	return e.store.GetSchedule(ctx, scheduleID)
}

// List 全量 schedule
func (e *Engine) List(ctx context.Context) ([]*model.Schedule, error) {
	return e.store.ListSchedules(ctx)
}

// Trigger 手工触发：立即提交一条 Job，不推进 cron，不记 run_count。
// 停用中的 schedule 也可手工触发——这是操作员的显式动作，不受 enabled 约束。
func (e *Engine) Trigger(ctx context.Context, scheduleID, actor string) (*model.Job, error) {
	sc, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	dedup := sc.ID + ":manual:" + strconv.FormatInt(now.UnixNano(), 10)
	if sc.ExecutionMode == model.ModeSingleton {
		// singleton 对手工触发同样生效：上一轮未终态就折叠
		dedup = sc.ID + ":singleton"
	}
	j, created, err := e.queue.Submit(ctx, e.submitRequest(sc, dedup, "manual", actor))
	if err != nil {
		return nil, err
	}
	if !created {
		return j, errors.Ef(errors.KindDuplicate, "上一轮 job %s 尚未结束", j.ID)
	}
	e.audit(ctx, sc.ID, model.ActionTriggered, actor, map[string]interface{}{"job_id": j.ID})
	return j, nil
}

// Run 启动扫描循环并阻塞到 ctx 取消。循环同时订阅 jobs 事件，
// 给以失败终局收场的定时 Job 记 failure_count。
func (e *Engine) Run(ctx context.Context) {
	sub := e.hub.Subscribe(events.TopicJobs)
	defer sub.Close()
	evCh := sub.Events()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	e.logger.Info("schedule 引擎启动", "sweep_interval", e.cfg.SweepInterval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepOnce(ctx)
		case ev, ok := <-evCh:
			if !ok {
				// 慢消费被扇出断开；failure_count 是旁路记账，降级继续跑
				e.logger.Warn("jobs 事件订阅被关闭，failure_count 观察停止")
				evCh = nil
				continue
			}
			e.observeJob(ctx, ev)
		}
	}
}

// SweepOnce 扫一轮到期 schedule
func (e *Engine) SweepOnce(ctx context.Context) {
	now := time.Now()
	due, err := e.store.DueSchedules(ctx, now)
	if err != nil {
		e.logger.Error("到期扫描失败", "error", err)
		return
	}
	for _, sc := range due {
		if ctx.Err() != nil {
			return
		}
		e.fire(ctx, sc, now)
	}
}

// fire 单个 schedule 的触发：CAS 推进赢家才提交
func (e *Engine) fire(ctx context.Context, sc *model.Schedule, now time.Time) {
	ctx, span := tracing.StartScheduleSpan(ctx, sc.ID)
	defer span.End()

	sched, err := parseCron(sc.CronExpr, sc.Timezone)
	if err != nil {
		// 表达式在库里坏掉（比如时区数据变更）：停用防止每秒刷错误
		e.logger.Error("cron 解析失败，停用 schedule", "schedule_id", sc.ID, "cron", sc.CronExpr, "error", err)
		metrics.ScheduleFireTotal.WithLabelValues("error").Inc()
		if derr := e.store.SetScheduleEnabled(ctx, sc.ID, false, sc.NextFireAt); derr != nil {
			e.logger.Error("停用失败", "schedule_id", sc.ID, "error", derr)
		}
		return
	}

	missed := e.countMissed(sched, sc.NextFireAt, now)
	next := sched.Next(now)

	ok, err := e.store.AdvanceSchedule(ctx, sc.ID, sc.NextFireAt, now, next)
	if err != nil {
		e.logger.Error("advance 失败", "schedule_id", sc.ID, "error", err)
		metrics.ScheduleFireTotal.WithLabelValues("error").Inc()
		return
	}
	if !ok {
		// 其他实例已推进：本轮触发归它
		metrics.ScheduleFireTotal.WithLabelValues("skipped").Inc()
		return
	}

	if missed > 0 {
		// 停机恢复：只触发一次，错过的周期记审计不补跑
		metrics.ScheduleMissTotal.Add(float64(missed))
		e.logger.Warn("错过触发周期", "schedule_id", sc.ID, "missed", missed,
			"stale_next_fire_at", sc.NextFireAt)
		e.audit(ctx, sc.ID, model.ActionMissedFires, "", map[string]interface{}{
			"missed": missed, "stale_next_fire_at": sc.NextFireAt, "fired_at": now,
		})
	}

	e.submitFire(ctx, sc, now, next)
}

// countMissed 从过期的 next_fire_at 步进到 now，数出错过的周期数。
// 返回值不含本次触发自身；步数受 MaxMissedSkip 截断。
func (e *Engine) countMissed(sched cron.Schedule, staleNext time.Time, now time.Time) int {
	if staleNext.IsZero() {
		return 0
	}
	n := 0
	for t := staleNext; !t.After(now); t = sched.Next(t) {
		n++
		if n > e.cfg.MaxMissedSkip {
			break
		}
	}
	if n <= 1 {
		return 0
	}
	return n - 1
}

func (e *Engine) submitFire(ctx context.Context, sc *model.Schedule, firedAt, next time.Time) {
	dedup := sc.ID + ":" + strconv.FormatInt(firedAt.Unix(), 10)
	if sc.ExecutionMode == model.ModeSingleton {
		dedup = sc.ID + ":singleton"
	}
	j, created, err := e.queue.Submit(ctx, e.submitRequest(sc, dedup, "schedule", ""))
	if err != nil {
		// CAS 已赢但提交失败：本周期放弃，审计留痕，下周期照常
		e.logger.Error("定时提交失败", "schedule_id", sc.ID, "error", err)
		metrics.ScheduleFireTotal.WithLabelValues("error").Inc()
		e.audit(ctx, sc.ID, model.ActionFailed, "", map[string]interface{}{
			"fired_at": firedAt, "error": err.Error(),
		})
		return
	}
	if !created {
		// singleton 折叠：上一轮还没跑完
		metrics.ScheduleFireTotal.WithLabelValues("skipped").Inc()
		e.logger.Info("singleton 折叠本轮触发", "schedule_id", sc.ID, "running_job_id", j.ID)
		return
	}
	metrics.ScheduleFireTotal.WithLabelValues("fired").Inc()
	e.logger.Info("schedule 触发", "schedule_id", sc.ID, "job_id", j.ID,
		"fired_at", firedAt, "next_fire_at", next)
	e.audit(ctx, sc.ID, model.ActionFired, "", map[string]interface{}{
		"job_id": j.ID, "fired_at": firedAt, "next_fire_at": next,
	})
}

func (e *Engine) submitRequest(sc *model.Schedule, dedup, source, subject string) queue.SubmitRequest {
	prio := sc.Priority
	return queue.SubmitRequest{
		WorkflowID:           sc.WorkflowID,
		Payload:              sc.Payload,
		Priority:             &prio,
		Environment:          sc.Environment,
		RequiredCapabilities: sc.RequiredCapabilities,
		DedupKey:             dedup,
		ScheduleID:           sc.ID,
		Trigger: model.TriggerContext{
			Source:     source,
			Subject:    subject,
			ScheduleID: sc.ID,
		},
	}
}

// observeJob 定时 Job 的失败终局记到 schedule 的 failure_count 上。
// dead_letter 事件紧跟 failed/timed_out 之后，不重复计数。
func (e *Engine) observeJob(ctx context.Context, ev events.Event) {
	if ev.Kind != events.KindJobFailed && ev.Kind != events.KindJobTimedOut {
		return
	}
	var body struct {
		ScheduleID string `json:"schedule_id"`
	}
	if err := json.Unmarshal(ev.Payload, &body); err != nil || body.ScheduleID == "" {
		return
	}
	if err := e.store.IncrementScheduleFailure(ctx, body.ScheduleID); err != nil {
		e.logger.Warn("failure_count 记账失败", "schedule_id", body.ScheduleID, "error", err)
	}
}

func (e *Engine) audit(ctx context.Context, scheduleID, action, actor string, detail interface{}) {
	var raw []byte
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	entry := &model.AuditEntry{
		OccurredAt: time.Now(),
		Category:   model.AuditSchedule,
		EntityID:   scheduleID,
		Action:     action,
		Actor:      actor,
		Detail:     raw,
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.Warn("审计写入失败", "schedule_id", scheduleID, "action", action, "error", err)
	}
	e.hub.Publish(events.TopicActivity, events.KindActivity, entry)
}
