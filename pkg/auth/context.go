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

package auth

import (
	"context"
)

type contextKey string

const (
	identityKey contextKey = "auth.identity"
	robotIDKey  contextKey = "auth.robot_id"
)

// WithIdentity 将验证后的身份注入 context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity 从 context 获取身份；未验证时返回 nil
func GetIdentity(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey).(*Identity); ok {
		return v
	}
	return nil
}

// GetSubject 从 context 获取 subject；未验证时返回空串
func GetSubject(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.Subject
	}
	return ""
}

// WithRobotID 将通过 token 验证的 robot_id 注入 context
func WithRobotID(ctx context.Context, robotID string) context.Context {
	return context.WithValue(ctx, robotIDKey, robotID)
}

// GetRobotID 从 context 获取 robot_id
func GetRobotID(ctx context.Context) string {
	if v, ok := ctx.Value(robotIDKey).(string); ok {
		return v
	}
	return ""
}
