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
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/websocket"

	"casare-orchestrator/internal/events"
	"casare-orchestrator/pkg/auth"
	"casare-orchestrator/pkg/log"
)

// ObserverWS 观察端点：把 events.Hub 的订阅流桥接到 WebSocket。
// 单向推送；客户端唯一的义务是周期 ping（浏览器 WS API 不发 ping 的场景
// 可发任意文本帧，同样续期）。订阅 channel 被 Hub 关闭（太慢或停机）时
// 连接以 CloseGoingAway 结束，客户端重连即可。
type ObserverWS struct {
	hub          *events.Hub
	validator    auth.Validator // nil 时跳过鉴权
	logger       *log.Logger
	pingGap      time.Duration
	writeTimeout time.Duration
	upgrader     websocket.HertzUpgrader
}

// NewObserverWS 创建观察 WS 端点；pingGap 默认 30s
func NewObserverWS(hub *events.Hub, validator auth.Validator, logger *log.Logger, pingGap time.Duration) *ObserverWS {
	if pingGap <= 0 {
		pingGap = 30 * time.Second
	}
	return &ObserverWS{
		hub:          hub,
		validator:    validator,
		logger:       logger.With("component", "api.observer"),
		pingGap:      pingGap,
		writeTimeout: 10 * time.Second,
		upgrader: websocket.HertzUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *app.RequestContext) bool { return true },
		},
	}
}

// LiveJobs GET /ws/live-jobs
func (o *ObserverWS) LiveJobs(ctx context.Context, c *app.RequestContext) {
	o.serve(ctx, c, events.TopicJobs)
}

// RobotStatus GET /ws/robot-status
func (o *ObserverWS) RobotStatus(ctx context.Context, c *app.RequestContext) {
	o.serve(ctx, c, events.TopicRobots)
}

// QueueMetrics GET /ws/queue-metrics
func (o *ObserverWS) QueueMetrics(ctx context.Context, c *app.RequestContext) {
	o.serve(ctx, c, events.TopicMetrics)
}

// Activity GET /ws/activity
func (o *ObserverWS) Activity(ctx context.Context, c *app.RequestContext) {
	o.serve(ctx, c, events.TopicActivity)
}

func (o *ObserverWS) serve(ctx context.Context, c *app.RequestContext, topic events.Topic) {
	if o.validator != nil {
		// 浏览器 WS API 不能设 header，token 走 query；非浏览器客户端也可用 bearer
		token := string(c.Query("token"))
		if token == "" {
			token = observerBearer(string(c.GetHeader("Authorization")))
		}
		if token == "" {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "missing token"})
			return
		}
		if _, err := o.validator.Validate(ctx, token); err != nil {
			o.logger.Warn("观察端 token 验证失败", "topic", topic, "error", err)
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
	}

	err := o.upgrader.Upgrade(c, func(conn *websocket.Conn) {
		o.pump(conn, topic)
	})
	if err != nil {
		o.logger.Warn("WS 升级失败", "topic", topic, "error", err)
	}
}

// pump 订阅→写连接，直到任一侧断开
func (o *ObserverWS) pump(conn *websocket.Conn, topic events.Topic) {
	sub := o.hub.Subscribe(topic)
	defer sub.Close()
	defer conn.Close()

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(2 * o.pingGap))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(2 * o.pingGap))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	// 读循环只为驱动控制帧与断开检测；入站数据帧视为活性信号
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(2 * o.pingGap))
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// 消费太慢被 Hub 断开，或服务停机
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"), deadline)
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func observerBearer(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
