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

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"casare-orchestrator/pkg/auth"
)

// IdentityKey RequestContext 里存放 *auth.Identity 的键；
// JWT 中间件写入，RBAC 与 handler 读取。
const IdentityKey = "identity"

// IdentityFrom 从请求取验证后的身份；优先 context.Context（WS 路径注入），
// 其次 RequestContext（JWT 中间件注入）。未认证返回 nil。
func IdentityFrom(ctx context.Context, c *app.RequestContext) *auth.Identity {
	if id := auth.GetIdentity(ctx); id != nil {
		return id
	}
	if v, ok := c.Get(IdentityKey); ok {
		if id, ok := v.(*auth.Identity); ok {
			return id
		}
	}
	return nil
}

// AuthZMiddleware RBAC 授权中间件
type AuthZMiddleware struct {
	enabled bool
}

// NewAuthZMiddleware 创建授权中间件。enabled=false（认证关闭的开发部署）时
// 全部放行——没有身份就谈不上权限。
func NewAuthZMiddleware(enabled bool) *AuthZMiddleware {
	return &AuthZMiddleware{enabled: enabled}
}

// RequirePermission 返回权限检查中间件
func (a *AuthZMiddleware) RequirePermission(permission auth.Permission) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if !a.enabled {
			c.Next(ctx)
			return
		}
		id := IdentityFrom(ctx, c)
		if id == nil {
			c.JSON(consts.StatusUnauthorized, map[string]string{
				"error": "authentication required",
			})
			c.Abort()
			return
		}
		if !auth.AnyHasPermission(id.Roles, permission) {
			c.JSON(consts.StatusForbidden, map[string]string{
				"error": "permission denied",
			})
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}
