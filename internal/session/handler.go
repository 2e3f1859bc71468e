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

package session

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/websocket"

	"casare-orchestrator/pkg/auth"
	"casare-orchestrator/pkg/log"
)

// WSConfig /ws/robot 端点参数
type WSConfig struct {
	WriteTimeout  time.Duration // 单帧写超时，默认 10s
	MaxFrameBytes int64         // 入站帧大小上限，默认 1MiB
}

func (c *WSConfig) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1 << 20
	}
}

// WSHandler robot 接入端点：鉴权 → WS 升级 → 交给 Hub 跑会话。
// validator 为 nil 时跳过鉴权（开发环境 ROBOT_AUTH_ENABLED=false）。
type WSHandler struct {
	hub       *Hub
	validator auth.Validator
	logger    *log.Logger
	cfg       WSConfig
	upgrader  websocket.HertzUpgrader
}

// NewWSHandler 创建 robot WS 端点
func NewWSHandler(hub *Hub, validator auth.Validator, logger *log.Logger, cfg WSConfig) *WSHandler {
	cfg.applyDefaults()
	return &WSHandler{
		hub:       hub,
		validator: validator,
		logger:    logger.With("component", "session.ws"),
		cfg:       cfg,
		upgrader: websocket.HertzUpgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// robot 不是浏览器，无同源约束
			CheckOrigin: func(_ *app.RequestContext) bool { return true },
		},
	}
}

// ServeRobot GET /ws/robot
func (h *WSHandler) ServeRobot(ctx context.Context, c *app.RequestContext) {
	subject, fingerprint := "", ""
	if h.validator != nil {
		token := bearerToken(string(c.GetHeader("Authorization")))
		if token == "" {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		id, err := h.validator.Validate(ctx, token)
		if err != nil {
			h.logger.Warn("robot token 验证失败", "error", err)
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "invalid robot token"})
			return
		}
		subject = id.Subject
		fingerprint = auth.Fingerprint(token)
	}

	err := h.upgrader.Upgrade(c, func(conn *websocket.Conn) {
		conn.SetReadLimit(h.cfg.MaxFrameBytes)
		if err := h.hub.HandleConn(ctx, newWSConn(conn, h.cfg.WriteTimeout), subject, fingerprint); err != nil {
			h.logger.Warn("robot 会话结束于错误", "error", err)
		}
	})
	if err != nil {
		h.logger.Warn("WS 升级失败", "error", err)
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// wsConn 把 hertz websocket 连接适配到 Conn；控制帧由库处理，这里只透传数据帧
type wsConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
}

func newWSConn(c *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{c: c, writeTimeout: writeTimeout}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	_ = w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) SetReadDeadline(t time.Time) error { return w.c.SetReadDeadline(t) }

func (w *wsConn) Close() error { return w.c.Close() }
