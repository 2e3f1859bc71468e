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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"

	"casare-orchestrator/internal/api/http/middleware"
	"casare-orchestrator/internal/session"
	"casare-orchestrator/pkg/auth"
)

// Router HTTP 路由器。/api 下走 JWT + RBAC + 访问审计；
// /healthz、/metrics 与各 WS 端点不走 JWT（WS 在升级前自行鉴权）。
type Router struct {
	handler  *Handler
	observer *ObserverWS
	robot    *session.WSHandler
	mw       *middleware.Middleware
	authz    *middleware.AuthZMiddleware
	audit    *middleware.AuditMiddleware
	jwtAuth  *jwt.HertzJWTMiddleware
	rateRPS  int
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, observer *ObserverWS, robot *session.WSHandler,
	mw *middleware.Middleware, authz *middleware.AuthZMiddleware, audit *middleware.AuditMiddleware) *Router {
	return &Router{
		handler:  handler,
		observer: observer,
		robot:    robot,
		mw:       mw,
		authz:    authz,
		audit:    audit,
	}
}

// SetJWT 启用 /api 的 JWT 认证；不设则匿名放行（RBAC 同样关闭时）
func (r *Router) SetJWT(j *jwt.HertzJWTMiddleware) {
	r.jwtAuth = j
}

// SetRateLimit 启用全局限流；rps <= 0 关闭
func (r *Router) SetRateLimit(rps int) {
	r.rateRPS = rps
}

// Build 构建 Hertz server 并挂载全部路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	h := server.Default(opts...)
	r.SetupRoutes(h)
	return h
}

// SetupRoutes 挂载路由
func (r *Router) SetupRoutes(h *server.Hertz) {
	h.Use(r.mw.CORS())
	h.Use(r.mw.AccessLog())
	if r.rateRPS > 0 {
		h.Use(r.mw.RateLimit(r.rateRPS))
	}

	// 健康与指标：探针/抓取器不带凭证
	h.GET("/healthz", r.handler.HealthCheck)
	h.GET("/metrics", r.handler.Prometheus)

	// WebSocket：robot 接入 + 观察端点，鉴权在升级前由各 handler 完成
	h.GET("/ws/robot", r.robot.ServeRobot)
	h.GET("/ws/live-jobs", r.observer.LiveJobs)
	h.GET("/ws/robot-status", r.observer.RobotStatus)
	h.GET("/ws/queue-metrics", r.observer.QueueMetrics)
	h.GET("/ws/activity", r.observer.Activity)

	api := h.Group("/api")
	if r.jwtAuth != nil {
		api.Use(r.jwtAuth.MiddlewareFunc())
	}
	// 审计在认证之后，才能拿到 actor
	api.Use(r.audit.AuditAccess())

	// Job
	jobs := api.Group("/jobs")
	{
		jobs.POST("", r.authz.RequirePermission(auth.PermissionJobSubmit), r.handler.SubmitJob)
		jobs.GET("", r.authz.RequirePermission(auth.PermissionJobView), r.handler.ListJobs)
		jobs.GET("/:id", r.authz.RequirePermission(auth.PermissionJobView), r.handler.GetJob)
		jobs.GET("/:id/progress", r.authz.RequirePermission(auth.PermissionJobView), r.handler.JobProgress)
		jobs.DELETE("/:id", r.authz.RequirePermission(auth.PermissionJobCancel), r.handler.CancelJob)
	}

	// Schedule
	schedules := api.Group("/schedules")
	{
		schedules.POST("", r.authz.RequirePermission(auth.PermissionScheduleManage), r.handler.CreateSchedule)
		schedules.GET("", r.authz.RequirePermission(auth.PermissionJobView), r.handler.ListSchedules)
		schedules.GET("/:id", r.authz.RequirePermission(auth.PermissionJobView), r.handler.GetSchedule)
		schedules.PUT("/:id", r.authz.RequirePermission(auth.PermissionScheduleManage), r.handler.UpdateSchedule)
		schedules.PUT("/:id/enable", r.authz.RequirePermission(auth.PermissionScheduleManage), r.handler.EnableSchedule)
		schedules.PUT("/:id/disable", r.authz.RequirePermission(auth.PermissionScheduleManage), r.handler.DisableSchedule)
		schedules.PUT("/:id/trigger", r.authz.RequirePermission(auth.PermissionScheduleManage), r.handler.TriggerSchedule)
		schedules.DELETE("/:id", r.authz.RequirePermission(auth.PermissionScheduleManage), r.handler.DeleteSchedule)
	}

	// Robot 舰队
	robots := api.Group("/robots")
	{
		robots.GET("", r.authz.RequirePermission(auth.PermissionRobotView), r.handler.ListRobots)
		robots.GET("/:id", r.authz.RequirePermission(auth.PermissionRobotView), r.handler.GetRobot)
		robots.POST("/:id/drain", r.authz.RequirePermission(auth.PermissionRobotManage), r.handler.DrainRobot)
		robots.POST("/:id/resume", r.authz.RequirePermission(auth.PermissionRobotManage), r.handler.ResumeRobot)
		robots.POST("/:id/keys", r.authz.RequirePermission(auth.PermissionRobotKeys), r.handler.MintRobotKey)
		robots.DELETE("/:id/keys", r.authz.RequirePermission(auth.PermissionRobotKeys), r.handler.RevokeRobotKeys)
	}

	// 死信与审计动态
	api.GET("/dlq", r.authz.RequirePermission(auth.PermissionDLQView), r.handler.ListDeadLetters)
	api.GET("/activity", r.authz.RequirePermission(auth.PermissionAuditView), r.handler.Activity)

	// 观察面板指标
	metricsGroup := api.Group("/metrics")
	{
		metricsGroup.GET("/fleet", r.authz.RequirePermission(auth.PermissionRobotView), r.handler.FleetMetrics)
		metricsGroup.GET("/robots", r.authz.RequirePermission(auth.PermissionRobotView), r.handler.RobotMetrics)
		metricsGroup.GET("/jobs", r.authz.RequirePermission(auth.PermissionJobView), r.handler.JobMetrics)
	}
}
