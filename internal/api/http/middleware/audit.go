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

package middleware

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"

	"casare-orchestrator/internal/model"
)

// AuditSink 访问审计落库接口，由 store.Store 满足
type AuditSink interface {
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
}

// AuditMiddleware 访问审计：谁在什么时候对哪个资源做了写操作。
// 与领域审计（job submitted / robot draining …）互补：领域审计只记成功的
// 状态迁移，访问审计把被拒绝的尝试也留痕。只记写方法，读请求不落库。
type AuditMiddleware struct {
	sink AuditSink
}

// NewAuditMiddleware 创建访问审计中间件
func NewAuditMiddleware(sink AuditSink) *AuditMiddleware {
	return &AuditMiddleware{sink: sink}
}

// AuditAccess 记录写请求的访问审计（异步，不阻塞请求）
func (a *AuditMiddleware) AuditAccess() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		method := string(c.Method())
		if method != "POST" && method != "PUT" && method != "DELETE" {
			c.Next(ctx)
			return
		}

		start := time.Now()
		c.Next(ctx)

		path := string(c.Path())
		status := c.Response.StatusCode()
		actor := ""
		if id := IdentityFrom(ctx, c); id != nil {
			actor = id.Subject
		}

		go func() {
			detail, _ := json.Marshal(map[string]any{
				"method":      method,
				"path":        path,
				"status":      status,
				"success":     status < 400,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			_ = a.sink.AppendAudit(context.Background(), &model.AuditEntry{
				OccurredAt: time.Now().UTC(),
				Category:   model.AuditAPI,
				EntityID:   resourceID(path),
				Action:     determineAction(method, path),
				Actor:      actor,
				Detail:     detail,
			})
		}()
	}
}

// determineAction 根据 HTTP 方法和路径确定操作类型
func determineAction(method string, path string) string {
	switch {
	case strings.Contains(path, "/jobs"):
		if method == "DELETE" {
			return "cancel_job"
		}
		return "submit_job"
	case strings.Contains(path, "/schedules"):
		switch {
		case strings.HasSuffix(path, "/enable"):
			return "enable_schedule"
		case strings.HasSuffix(path, "/disable"):
			return "disable_schedule"
		case strings.HasSuffix(path, "/trigger"):
			return "trigger_schedule"
		case method == "DELETE":
			return "delete_schedule"
		case method == "PUT":
			return "update_schedule"
		}
		return "create_schedule"
	case strings.Contains(path, "/robots"):
		switch {
		case strings.HasSuffix(path, "/drain"):
			return "drain_robot"
		case strings.HasSuffix(path, "/resume"):
			return "resume_robot"
		case strings.HasSuffix(path, "/keys"):
			if method == "DELETE" {
				return "revoke_robot_keys"
			}
			return "mint_robot_key"
		}
	}
	return "unknown"
}

// resourceID 从路径提取资源 ID：/api/jobs/:id 或 /api/robots/:id/drain
func resourceID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if (p == "jobs" || p == "robots" || p == "schedules") && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
