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
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"

	"casare-orchestrator/pkg/auth"
)

// NewJWTAuth 创建提交方 JWT 校验中间件。签发在外部系统完成，这里只验证：
// HS256 + claims 约定 sub / roles / exp，与 pkg/auth 的 Validator 同一套约定。
// MaxRefresh 留给外部签发方参考，本服务不开刷新端点。
func NewJWTAuth(secret []byte, timeout, maxRefresh time.Duration) (*jwt.HertzJWTMiddleware, error) {
	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:       "casare-orchestrator",
		Key:         secret,
		Timeout:     timeout,
		MaxRefresh:  maxRefresh,
		IdentityKey: IdentityKey,
		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(ctx, c)
			id := &auth.Identity{}
			if sub, ok := claims["sub"].(string); ok {
				id.Subject = sub
			}
			if exp, ok := claims["exp"].(float64); ok {
				id.ExpiresAt = time.Unix(int64(exp), 0)
			}
			if raw, ok := claims["roles"].([]interface{}); ok {
				for _, r := range raw {
					if s, ok := r.(string); ok {
						id.Roles = append(id.Roles, auth.Role(s))
					}
				}
			}
			if len(id.Roles) == 0 {
				id.Roles = []auth.Role{auth.RoleUser}
			}
			return id
		},
		Authorizator: func(data interface{}, ctx context.Context, c *app.RequestContext) bool {
			id, ok := data.(*auth.Identity)
			return ok && id.Subject != ""
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]string{"error": message})
		},
		TokenLookup:   "header: Authorization, query: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}
