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

// Package http 提供编排器的 REST 与观察 WebSocket 接口。
// 处理器只做参数绑定与错误翻译，一切领域规则在 queue/registry/schedule 内执行。
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"casare-orchestrator/internal/api/http/middleware"
	"casare-orchestrator/internal/events"
	"casare-orchestrator/internal/model"
	"casare-orchestrator/internal/queue"
	"casare-orchestrator/internal/registry"
	"casare-orchestrator/internal/schedule"
	"casare-orchestrator/internal/session"
	"casare-orchestrator/internal/store"
	"casare-orchestrator/pkg/auth"
	"casare-orchestrator/pkg/config"
	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	queue     *queue.Manager
	fleet     *registry.Registry
	schedules *schedule.Engine
	sessions  *session.Hub
	store     store.Store
	hub       *events.Hub
	logger    *log.Logger
	limits    config.LimitsConfig
}

// NewHandler 创建 HTTP 处理器
func NewHandler(q *queue.Manager, fleet *registry.Registry, schedules *schedule.Engine,
	sessions *session.Hub, st store.Store, hub *events.Hub, logger *log.Logger, limits config.LimitsConfig) *Handler {
	return &Handler{
		queue:     q,
		fleet:     fleet,
		schedules: schedules,
		sessions:  sessions,
		store:     st,
		hub:       hub,
		logger:    logger,
		limits:    limits,
	}
}

// replyError Kind → HTTP 状态码的唯一翻译点
func (h *Handler) replyError(c *app.RequestContext, err error) {
	status := consts.StatusInternalServerError
	switch errors.KindOf(err) {
	case errors.KindInvalid:
		status = consts.StatusBadRequest
	case errors.KindNotFound:
		status = consts.StatusNotFound
	case errors.KindDuplicate, errors.KindStaleTransition:
		status = consts.StatusConflict
	}
	if status == consts.StatusInternalServerError {
		h.logger.Error("请求处理失败", "error", err)
	}
	c.JSON(status, map[string]string{"error": err.Error()})
}

func actorOf(ctx context.Context, c *app.RequestContext) string {
	if id := middleware.IdentityFrom(ctx, c); id != nil {
		return id.Subject
	}
	return ""
}

func queryInt(c *app.RequestContext, key string, def int) int {
	raw := string(c.Query(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// ---- Job 视图 ----

type jobView struct {
	JobID                string               `json:"job_id"`
	WorkflowID           string               `json:"workflow_id"`
	State                string               `json:"state"`
	Priority             int                  `json:"priority"`
	Environment          string               `json:"environment,omitempty"`
	RequiredCapabilities []string             `json:"required_capabilities,omitempty"`
	TargetRobotID        string               `json:"target_robot_id,omitempty"`
	ScheduleID           string               `json:"schedule_id,omitempty"`
	DedupKey             string               `json:"dedup_key,omitempty"`
	Trigger              model.TriggerContext `json:"trigger"`
	NodeCount            int                  `json:"node_count"`
	RetryCount           int                  `json:"retry_count"`
	MaxRetries           int                  `json:"max_retries"`
	TimeoutSeconds       int                  `json:"timeout_seconds"`
	AssignedRobotID      string               `json:"assigned_robot_id,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	StartedAt            *time.Time           `json:"started_at,omitempty"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
	Result               json.RawMessage      `json:"result,omitempty"`
	Error                *model.JobError      `json:"error,omitempty"`
}

func viewJob(j *model.Job) jobView {
	v := jobView{
		JobID:                j.ID,
		WorkflowID:           j.WorkflowID,
		State:                j.State.String(),
		Priority:             j.Priority,
		Environment:          j.Environment,
		RequiredCapabilities: j.RequiredCapabilities,
		TargetRobotID:        j.TargetRobotID,
		ScheduleID:           j.ScheduleID,
		DedupKey:             j.DedupKey,
		Trigger:              j.Trigger,
		NodeCount:            j.NodeCount,
		RetryCount:           j.RetryCount,
		MaxRetries:           j.MaxRetries,
		TimeoutSeconds:       j.TimeoutSeconds,
		AssignedRobotID:      j.AssignedRobotID,
		CreatedAt:            j.CreatedAt,
		Result:               j.Result,
		Error:                j.Error,
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		v.StartedAt = &t
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

type submitJobRequest struct {
	WorkflowID           string          `json:"workflow_id"`
	Payload              json.RawMessage `json:"payload"`
	Priority             *int            `json:"priority"`
	Environment          string          `json:"environment"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	TargetRobotID        string          `json:"target_robot_id"`
	MaxRetries           *int            `json:"max_retries"`
	TimeoutSeconds       *int            `json:"timeout_seconds"`
	DedupKey             string          `json:"dedup_key"`
	Note                 string          `json:"note"`
}

// SubmitJob 提交 Workflow 执行请求
// POST /api/jobs
func (h *Handler) SubmitJob(ctx context.Context, c *app.RequestContext) {
	if len(c.Request.Body()) > h.limits.MaxWorkflowBytes {
		c.JSON(consts.StatusRequestEntityTooLarge, map[string]string{
			"error": "workflow payload 超过尺寸上限",
		})
		return
	}

	var req submitJobRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}

	j, created, err := h.queue.Submit(ctx, queue.SubmitRequest{
		WorkflowID:           req.WorkflowID,
		Payload:              req.Payload,
		Priority:             req.Priority,
		Environment:          req.Environment,
		RequiredCapabilities: req.RequiredCapabilities,
		TargetRobotID:        req.TargetRobotID,
		MaxRetries:           req.MaxRetries,
		TimeoutSeconds:       req.TimeoutSeconds,
		DedupKey:             req.DedupKey,
		Trigger: model.TriggerContext{
			Source:  "api",
			Subject: actorOf(ctx, c),
			Note:    req.Note,
		},
	})
	if err != nil {
		h.replyError(c, err)
		return
	}
	if !created {
		// dedup_key 命中未完成的 Job：返回已有 job_id，不重复入队
		c.JSON(consts.StatusConflict, map[string]string{
			"error":  "dedup_key 命中未完成的 Job",
			"job_id": j.ID,
			"state":  j.State.String(),
		})
		return
	}
	c.JSON(consts.StatusCreated, map[string]string{
		"job_id": j.ID,
		"state":  j.State.String(),
	})
}

// ListJobs 按状态/环境过滤列出 Job
// GET /api/jobs?state=pending,running&environment=prod&limit=50
func (h *Handler) ListJobs(ctx context.Context, c *app.RequestContext) {
	f := store.JobFilter{
		Environment: string(c.Query("environment")),
		ScheduleID:  string(c.Query("schedule_id")),
		Limit:       queryInt(c, "limit", 0),
	}
	if raw := string(c.Query("state")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := model.ParseJobState(strings.TrimSpace(s))
			if st < 0 {
				c.JSON(consts.StatusBadRequest, map[string]string{"error": "未知状态: " + s})
				return
			}
			f.States = append(f.States, st)
		}
	}

	jobs, err := h.queue.List(ctx, f)
	if err != nil {
		h.replyError(c, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewJob(j))
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"jobs":  views,
		"total": len(views),
	})
}

// GetJob 查询单条 Job
// GET /api/jobs/:id
func (h *Handler) GetJob(ctx context.Context, c *app.RequestContext) {
	j, err := h.queue.Get(ctx, c.Param("id"))
	if err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusOK, viewJob(j))
}

// CancelJob 请求取消：Pending 立即终态，Assigned/Running 进入 Cancelling 等 Robot 确认
// DELETE /api/jobs/:id
func (h *Handler) CancelJob(ctx context.Context, c *app.RequestContext) {
	j, err := h.queue.Cancel(ctx, c.Param("id"), actorOf(ctx, c))
	if err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusAccepted, map[string]string{
		"job_id": j.ID,
		"state":  j.State.String(),
	})
}

// JobProgress 执行中 Job 的最新进度快照
// GET /api/jobs/:id/progress
func (h *Handler) JobProgress(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("id")
	j, err := h.queue.Get(ctx, jobID)
	if err != nil {
		h.replyError(c, err)
		return
	}
	resp := map[string]interface{}{
		"job_id": j.ID,
		"state":  j.State.String(),
	}
	if p, ok := h.queue.Progress(jobID); ok {
		resp["progress"] = p
	}
	c.JSON(consts.StatusOK, resp)
}

// ---- Schedule ----

type scheduleView struct {
	ScheduleID           string     `json:"schedule_id"`
	WorkflowID           string     `json:"workflow_id"`
	Name                 string     `json:"name"`
	CronExpr             string     `json:"cron_expr"`
	Timezone             string     `json:"timezone"`
	Enabled              bool       `json:"enabled"`
	ExecutionMode        string     `json:"execution_mode"`
	Priority             int        `json:"priority"`
	Environment          string     `json:"environment,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	NextFireAt           *time.Time `json:"next_fire_at,omitempty"`
	LastFireAt           *time.Time `json:"last_fire_at,omitempty"`
	RunCount             int64      `json:"run_count"`
	FailureCount         int64      `json:"failure_count"`
	CreatedAt            time.Time  `json:"created_at"`
}

func viewSchedule(sc *model.Schedule) scheduleView {
	v := scheduleView{
		ScheduleID:           sc.ID,
		WorkflowID:           sc.WorkflowID,
		Name:                 sc.Name,
		CronExpr:             sc.CronExpr,
		Timezone:             sc.Timezone,
		Enabled:              sc.Enabled,
		ExecutionMode:        string(sc.ExecutionMode),
		Priority:             sc.Priority,
		Environment:          sc.Environment,
		RequiredCapabilities: sc.RequiredCapabilities,
		RunCount:             sc.RunCount,
		FailureCount:         sc.FailureCount,
		CreatedAt:            sc.CreatedAt,
	}
	if !sc.NextFireAt.IsZero() {
		t := sc.NextFireAt
		v.NextFireAt = &t
	}
	if !sc.LastFireAt.IsZero() {
		t := sc.LastFireAt
		v.LastFireAt = &t
	}
	return v
}

type createScheduleRequest struct {
	WorkflowID           string          `json:"workflow_id"`
	Name                 string          `json:"name"`
	CronExpr             string          `json:"cron_expr"`
	Timezone             string          `json:"timezone"`
	ExecutionMode        string          `json:"execution_mode"`
	Priority             *int            `json:"priority"`
	Environment          string          `json:"environment"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	Payload              json.RawMessage `json:"payload"`
	Enabled              *bool           `json:"enabled"`
}

// CreateSchedule 创建周期性 Job 来源
// POST /api/schedules
func (h *Handler) CreateSchedule(ctx context.Context, c *app.RequestContext) {
	if len(c.Request.Body()) > h.limits.MaxWorkflowBytes {
		c.JSON(consts.StatusRequestEntityTooLarge, map[string]string{
			"error": "workflow payload 超过尺寸上限",
		})
		return
	}
	var req createScheduleRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}
	sc, err := h.schedules.Create(ctx, schedule.CreateRequest{
		WorkflowID:           req.WorkflowID,
		Name:                 req.Name,
		CronExpr:             req.CronExpr,
		Timezone:             req.Timezone,
		ExecutionMode:        model.ExecutionMode(req.ExecutionMode),
		Priority:             req.Priority,
		Environment:          req.Environment,
		RequiredCapabilities: req.RequiredCapabilities,
		Payload:              req.Payload,
		Enabled:              req.Enabled,
		Actor:                actorOf(ctx, c),
	})
	if err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusCreated, viewSchedule(sc))
}

// ListSchedules 列出全部 schedule
// GET /api/schedules
func (h *Handler) ListSchedules(ctx context.Context, c *app.RequestContext) {
	list, err := h.schedules.List(ctx)
	if err != nil {
		h.replyError(c, err)
		return
	}
	views := make([]scheduleView, 0, len(list))
	for _, sc := range list {
		views = append(views, viewSchedule(sc))
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"schedules": views,
		"total":     len(views),
	})
}

// GetSchedule 查询单条 schedule
// GET /api/schedules/:id
func (h *Handler) GetSchedule(ctx context.Context, c *app.RequestContext) {
	sc, err := h.schedules.Get(ctx, c.Param("id"))
	if err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusOK, viewSchedule(sc))
}

type updateScheduleRequest struct {
	Name                 *string         `json:"name"`
	CronExpr             *string         `json:"cron_expr"`
	Timezone             *string         `json:"timezone"`
	ExecutionMode        *string         `json:"execution_mode"`
	Priority             *int            `json:"priority"`
	Environment          *string         `json:"environment"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	Payload              json.RawMessage `json:"payload"`
}

// UpdateSchedule 修改 schedule 定义；cron/时区变化时 next_fire_at 重算
// PUT /api/schedules/:id
func (h *Handler) UpdateSchedule(ctx context.Context, c *app.RequestContext) {
	var req updateScheduleRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法 JSON"})
		return
	}
	upd := schedule.UpdateRequest{
		Name:                 req.Name,
		CronExpr:             req.CronExpr,
		Timezone:             req.Timezone,
		Priority:             req.Priority,
		Environment:          req.Environment,
		RequiredCapabilities: req.RequiredCapabilities,
		Payload:              req.Payload,
		Actor:                actorOf(ctx, c),
	}
	if req.ExecutionMode != nil {
		mode := model.ExecutionMode(*req.ExecutionMode)
		upd.ExecutionMode = &mode
	}
	sc, err := h.schedules.Update(ctx, c.Param("id"), upd)
	if err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusOK, viewSchedule(sc))
}

// EnableSchedule 启用；next_fire_at 从当前时刻重算，停用期间不补触发
// PUT /api/schedules/:id/enable
func (h *Handler) EnableSchedule(ctx context.Context, c *app.RequestContext) {
	sc, err := h.schedules.Enable(ctx, c.Param("id"), actorOf(ctx, c))
	if err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusOK, viewSchedule(sc))
}

// DisableSchedule 停用
// PUT /api/schedules/:id/disable
func (h *Handler) DisableSchedule(ctx context.Context, c *app.RequestContext) {
	sc, err := h.schedules.Disable(ctx, c.Param("id"), actorOf(ctx, c))
	if err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusOK, viewSchedule(sc))
}

// TriggerSchedule 手动触发一次，不推进 cron
// PUT /api/schedules/:id/trigger
func (h *Handler) TriggerSchedule(ctx context.Context, c *app.RequestContext) {
	j, err := h.schedules.Trigger(ctx, c.Param("id"), actorOf(ctx, c))
	if err != nil {
		if errors.IsKind(err, errors.KindDuplicate) && j != nil {
			// singleton：上一轮还在跑，返回在途 job
			c.JSON(consts.StatusConflict, map[string]string{
				"error":  err.Error(),
				"job_id": j.ID,
				"state":  j.State.String(),
			})
			return
		}
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusCreated, map[string]string{
		"job_id": j.ID,
		"state":  j.State.String(),
	})
}

// DeleteSchedule 删除 schedule；已提交的 Job 不受影响
// DELETE /api/schedules/:id
func (h *Handler) DeleteSchedule(ctx context.Context, c *app.RequestContext) {
	if err := h.schedules.Delete(ctx, c.Param("id"), actorOf(ctx, c)); err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"status": "deleted"})
}

// ---- Robot ----

type robotView struct {
	RobotID           string     `json:"robot_id"`
	Name              string     `json:"name"`
	Status            string     `json:"status"`
	Connected         bool       `json:"connected"`
	Environment       string     `json:"environment,omitempty"`
	Capabilities      []string   `json:"capabilities,omitempty"`
	MaxConcurrentJobs int        `json:"max_concurrent_jobs"`
	CurrentJobIDs     []string   `json:"current_job_ids,omitempty"`
	LastHeartbeatAt   *time.Time `json:"last_heartbeat_at,omitempty"`
	RegisteredAt      time.Time  `json:"registered_at"`
}

func (h *Handler) viewRobot(rb *model.Robot) robotView {
	v := robotView{
		RobotID:           rb.ID,
		Name:              rb.Name,
		Status:            rb.Status.String(),
		Connected:         h.fleet.Connected(rb.ID),
		Environment:       rb.Environment,
		Capabilities:      rb.Capabilities,
		MaxConcurrentJobs: rb.MaxConcurrentJobs,
		CurrentJobIDs:     rb.CurrentJobIDs,
		RegisteredAt:      rb.RegisteredAt,
	}
	if !rb.LastHeartbeatAt.IsZero() {
		t := rb.LastHeartbeatAt
		v.LastHeartbeatAt = &t
	}
	return v
}

// ListRobots 列出机器人舰队
// GET /api/robots
func (h *Handler) ListRobots(ctx context.Context, c *app.RequestContext) {
	robots := h.fleet.List()
	views := make([]robotView, 0, len(robots))
	for _, rb := range robots {
		views = append(views, h.viewRobot(rb))
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"robots": views,
		"total":  len(views),
	})
}

// GetRobot 查询单个 Robot
// GET /api/robots/:id
func (h *Handler) GetRobot(ctx context.Context, c *app.RequestContext) {
	rb, err := h.fleet.Get(c.Param("id"))
	if err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusOK, h.viewRobot(rb))
}

// DrainRobot 进入排水：在途 Job 跑完，不再接新指派
// POST /api/robots/:id/drain
func (h *Handler) DrainRobot(ctx context.Context, c *app.RequestContext) {
	if err := h.fleet.Drain(ctx, c.Param("id"), actorOf(ctx, c)); err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"status": "draining"})
}

// ResumeRobot 撤销排水，恢复接单
// POST /api/robots/:id/resume
func (h *Handler) ResumeRobot(ctx context.Context, c *app.RequestContext) {
	if err := h.fleet.Resume(ctx, c.Param("id"), actorOf(ctx, c)); err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"status": "resumed"})
}

// MintRobotKey 为 Robot 签发接入令牌；明文只在本响应出现一次，库里只存指纹
// POST /api/robots/:id/keys
func (h *Handler) MintRobotKey(ctx context.Context, c *app.RequestContext) {
	// 不要求 robot 已注册：允许预发 key，首次连接时才建档
	robotID := c.Param("id")
	token, fingerprint, err := auth.MintKey()
	if err != nil {
		h.replyError(c, err)
		return
	}
	if err := h.store.InsertRobotKey(ctx, &model.RobotKey{
		RobotID:   robotID,
		KeyHash:   fingerprint,
		CreatedAt: time.Now(),
	}); err != nil {
		h.replyError(c, err)
		return
	}

	actor := actorOf(ctx, c)
	detail, _ := json.Marshal(map[string]string{"fingerprint": fingerprint})
	_ = h.store.AppendAudit(ctx, &model.AuditEntry{
		OccurredAt: time.Now().UTC(),
		Category:   model.AuditRobot,
		EntityID:   robotID,
		Action:     "key_minted",
		Actor:      actor,
		Detail:     detail,
	})
	h.logger.Info("Robot key 已签发", "robot_id", robotID, "fingerprint", fingerprint, "actor", actor)

	c.JSON(consts.StatusCreated, map[string]string{
		"robot_id":    robotID,
		"token":       token,
		"fingerprint": fingerprint,
	})
}

// RevokeRobotKeys 吊销该 Robot 全部接入令牌；在线会话不被强断，下次重连失效
// DELETE /api/robots/:id/keys
func (h *Handler) RevokeRobotKeys(ctx context.Context, c *app.RequestContext) {
	robotID := c.Param("id")
	if err := h.store.RevokeRobotKeys(ctx, robotID); err != nil {
		h.replyError(c, err)
		return
	}
	actor := actorOf(ctx, c)
	_ = h.store.AppendAudit(ctx, &model.AuditEntry{
		OccurredAt: time.Now().UTC(),
		Category:   model.AuditRobot,
		EntityID:   robotID,
		Action:     "keys_revoked",
		Actor:      actor,
	})
	h.logger.Info("Robot key 已吊销", "robot_id", robotID, "actor", actor)
	c.JSON(consts.StatusOK, map[string]string{"status": "revoked"})
}

// ---- DLQ / Activity ----

// ListDeadLetters 死信列表
// GET /api/dlq?limit=100
func (h *Handler) ListDeadLetters(ctx context.Context, c *app.RequestContext) {
	list, err := h.queue.DeadLetters(ctx, queryInt(c, "limit", 0))
	if err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"dead_letters": list,
		"total":        len(list),
	})
}

// Activity 审计动态，按类别/实体过滤
// GET /api/activity?category=job&entity_id=&limit=200
func (h *Handler) Activity(ctx context.Context, c *app.RequestContext) {
	list, err := h.store.ListAudit(ctx, store.AuditFilter{
		Category: string(c.Query("category")),
		EntityID: string(c.Query("entity_id")),
		Limit:    queryInt(c, "limit", 0),
	})
	if err != nil {
		h.replyError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"activity": list,
		"total":    len(list),
	})
}

// ---- 指标与健康 ----

// FleetMetrics 舰队聚合统计
// GET /api/metrics/fleet
func (h *Handler) FleetMetrics(ctx context.Context, c *app.RequestContext) {
	stats := h.fleet.Stats()
	c.JSON(consts.StatusOK, map[string]interface{}{
		"fleet":    stats,
		"sessions": h.sessions.Count(),
	})
}

// RobotMetrics 每 Robot 负载视图
// GET /api/metrics/robots
func (h *Handler) RobotMetrics(ctx context.Context, c *app.RequestContext) {
	robots := h.fleet.List()
	type load struct {
		RobotID           string  `json:"robot_id"`
		Status            string  `json:"status"`
		ActiveJobs        int     `json:"active_jobs"`
		MaxConcurrentJobs int     `json:"max_concurrent_jobs"`
		Utilization       float64 `json:"utilization"`
	}
	out := make([]load, 0, len(robots))
	for _, rb := range robots {
		l := load{
			RobotID:           rb.ID,
			Status:            rb.Status.String(),
			ActiveJobs:        len(rb.CurrentJobIDs),
			MaxConcurrentJobs: rb.MaxConcurrentJobs,
		}
		if rb.MaxConcurrentJobs > 0 {
			l.Utilization = float64(l.ActiveJobs) / float64(rb.MaxConcurrentJobs)
		}
		out = append(out, l)
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"robots": out,
		"total":  len(out),
	})
}

// JobMetrics 各状态 Job 计数
// GET /api/metrics/jobs
func (h *Handler) JobMetrics(ctx context.Context, c *app.RequestContext) {
	counts, err := h.queue.StateCounts(ctx)
	if err != nil {
		h.replyError(c, err)
		return
	}
	byState := make(map[string]int64, len(counts))
	var total int64
	for st, n := range counts {
		byState[st.String()] = n
		total += n
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"by_state": byState,
		"total":    total,
	})
}

// Prometheus 暴露 Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Prometheus(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// HealthCheck 健康检查；存储不可达时返回 503
// GET /healthz
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	if err := h.store.Ping(ctx); err != nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "orchestrator",
		"timestamp": time.Now().Unix(),
	})
}
