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

// Package auth 凭证验证与 RBAC。签发在外部系统完成，这里只做验证：
// 人类/API 提交方用 JWT，robot 用按指纹存库的对称 token。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Identity 验证结果：subject + 角色 + 过期时间
type Identity struct {
	Subject   string
	Roles     []Role
	ExpiresAt time.Time
}

// Validator 凭证验证接口。validate(token) → {subject, roles, expires_at} | error
type Validator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// JWTValidator HS256 JWT 验证器；claims 约定 sub / roles / exp
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator 创建 JWT 验证器
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Validate 解析并校验 JWT；roles claim 缺失时默认 user 角色
func (v *JWTValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token 校验失败: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("token claims 无效")
	}

	id := &Identity{}
	if sub, ok := claims["sub"].(string); ok {
		id.Subject = sub
	}
	if id.Subject == "" {
		return nil, fmt.Errorf("token 缺少 sub")
	}
	if exp, ok := claims["exp"].(float64); ok {
		id.ExpiresAt = time.Unix(int64(exp), 0)
	}
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				id.Roles = append(id.Roles, Role(s))
			}
		}
	}
	if len(id.Roles) == 0 {
		id.Roles = []Role{RoleUser}
	}
	return id, nil
}

// KeyLookup robot token 的指纹查询，由持久层实现
type KeyLookup interface {
	// LookupRobotKey 按 sha256 指纹查 key；返回 robotID 与是否已吊销
	LookupRobotKey(ctx context.Context, fingerprint string) (robotID string, revoked bool, err error)
}

// RobotKeyValidator 按指纹验证 robot 对称 token
type RobotKeyValidator struct {
	keys KeyLookup
}

// NewRobotKeyValidator 创建 robot token 验证器
func NewRobotKeyValidator(keys KeyLookup) *RobotKeyValidator {
	return &RobotKeyValidator{keys: keys}
}

// Validate 实现 Validator；subject 为 robot_id，角色固定为 robot
func (v *RobotKeyValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	robotID, revoked, err := v.keys.LookupRobotKey(ctx, Fingerprint(token))
	if err != nil {
		return nil, fmt.Errorf("robot token 查询失败: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("robot token 已吊销")
	}
	return &Identity{Subject: robotID, Roles: []Role{RoleRobot}}, nil
}

// MintKey 生成新的 robot token（32 字节随机数的 hex），返回明文与指纹。
// 明文只在响应里出现一次，库里只存指纹。
func MintKey() (token, fingerprint string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("生成 token 失败: %w", err)
	}
	token = hex.EncodeToString(buf)
	return token, Fingerprint(token), nil
}

// Fingerprint token 的 sha256 hex 指纹
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
