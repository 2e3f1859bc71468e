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

package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Signal 派发唤醒信号：Job 入队/重新入队、robot 转闲时 Notify，
// Dispatcher 在无活可干时 Wait，从而即时响应而非仅靠兜底轮询。
// 信号只是提示，丢失无碍正确性（轮询兜底）。
type Signal interface {
	// Notify 非阻塞地发出唤醒；reason 仅用于日志
	Notify(ctx context.Context, reason string) error
	// Wait 阻塞至多 timeout；有信号返回 (reason, true)，超时返回 ("", false)
	Wait(ctx context.Context, timeout time.Duration) (string, bool)
	// Close 释放底层资源
	Close() error
}

// MemSignal 单进程实现：带缓冲 channel，满时丢弃（调用方永不阻塞）
type MemSignal struct {
	ch chan string
}

// NewMemSignal 创建内存唤醒信号；bufSize <=0 时取 256
func NewMemSignal(bufSize int) *MemSignal {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemSignal{ch: make(chan string, bufSize)}
}

// Notify 实现 Signal
func (s *MemSignal) Notify(ctx context.Context, reason string) error {
	select {
	case s.ch <- reason:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		// 缓冲满：已有足够多未消费的唤醒，丢弃无碍
		return nil
	}
}

// Wait 实现 Signal
func (s *MemSignal) Wait(ctx context.Context, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reason := <-s.ch:
		return reason, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// Close 实现 Signal
func (s *MemSignal) Close() error { return nil }

// RedisSignal 多实例实现：Redis pub/sub 广播唤醒，任一实例的提交能唤醒
// 所有实例的 Dispatcher。发布的消息会回流给自己，单实例下行为与 MemSignal 一致。
type RedisSignal struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	local   chan string
	cancel  context.CancelFunc
}

// NewRedisSignal 建连并订阅广播频道
func NewRedisSignal(ctx context.Context, addr, password string, db int, channel string) (*RedisSignal, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &RedisSignal{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		local:   make(chan string, 256),
		cancel:  cancel,
	}
	go s.pump(loopCtx)
	return s, nil
}

// pump 把订阅消息搬进本地缓冲；满时丢弃
func (s *RedisSignal) pump(ctx context.Context) {
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.local <- msg.Payload:
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}

// Notify 实现 Signal
func (s *RedisSignal) Notify(ctx context.Context, reason string) error {
	return s.client.Publish(ctx, s.channel, reason).Err()
}

// Wait 实现 Signal
func (s *RedisSignal) Wait(ctx context.Context, timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reason := <-s.local:
		return reason, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// Close 实现 Signal
func (s *RedisSignal) Close() error {
	s.cancel()
	_ = s.pubsub.Close()
	return s.client.Close()
}
