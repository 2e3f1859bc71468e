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

// Package events 进程内事件扇出：queue/registry/schedule 发布状态变更，
// 观察 WebSocket 与指标面订阅。发布方永不阻塞；慢消费者按 topic 策略处理——
// jobs/robots 断开（观察者必须看到完整流或明确的断流信号），
// metrics/activity 丢最旧（快照类数据只有最新值有意义）。
package events

import (
	"encoding/json"
	"sync"
	"time"

	"casare-orchestrator/pkg/metrics"
)

// Topic 订阅主题
type Topic string

const (
	TopicJobs     Topic = "jobs"
	TopicRobots   Topic = "robots"
	TopicMetrics  Topic = "metrics"
	TopicActivity Topic = "activity"
)

// 常用事件 kind；不穷举，发布方可用任意字符串
const (
	KindJobSubmitted  = "job_submitted"
	KindJobAssigned   = "job_assigned"
	KindJobStarted    = "job_started"
	KindJobProgress   = "job_progress"
	KindJobCompleted  = "job_completed"
	KindJobFailed     = "job_failed"
	KindJobCancelled  = "job_cancelled"
	KindJobRequeued   = "job_requeued"
	KindJobTimedOut   = "job_timed_out"
	KindJobDeadLetter = "job_dead_letter"
	KindRobotStatus   = "robot_status"
	KindRobotOnline   = "robot_online"
	KindRobotOffline  = "robot_offline"
	KindQueueDepth    = "queue_depth"
	KindActivity      = "activity"
)

// Event 一次状态变更；Payload 在发布时序列化一次，所有订阅者共享同一份字节
type Event struct {
	Topic   Topic           `json:"topic"`
	Kind    string          `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type overflowPolicy int

const (
	dropOldest overflowPolicy = iota
	disconnectSlow
)

func policyOf(t Topic) overflowPolicy {
	switch t {
	case TopicMetrics, TopicActivity:
		return dropOldest
	default:
		return disconnectSlow
	}
}

// Subscription 单个订阅者；Events 返回的 channel 被 Hub 关闭意味着
// 订阅者太慢被断开或 Hub 正在停机，调用方应结束自己的消费循环。
type Subscription struct {
	topic Topic
	ch    chan Event
	hub   *Hub
	once  sync.Once
}

// Events 事件流
func (s *Subscription) Events() <-chan Event { return s.ch }

// Topic 订阅的主题
func (s *Subscription) Topic() Topic { return s.topic }

// Close 退订；幂等
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub 扇出中心
type Hub struct {
	mu      sync.RWMutex
	subs    map[Topic]map[*Subscription]struct{}
	bufSize int
	closed  bool
}

// NewHub 创建 Hub；bufSize 是每个订阅者的缓冲深度
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{
		subs:    make(map[Topic]map[*Subscription]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe 订阅一个 topic；Hub 已关闭时返回已关闭的订阅
func (h *Hub) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan Event, h.bufSize), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[topic] = set
	}
	set[sub] = struct{}{}
	metrics.FanoutSubscribers.WithLabelValues(string(topic)).Inc()
	return sub
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

// removeLocked 摘除并关闭；调用方持有写锁
func (h *Hub) removeLocked(s *Subscription) {
	set, ok := h.subs[s.topic]
	if !ok {
		return
	}
	if _, member := set[s]; !member {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.topic)
	}
	metrics.FanoutSubscribers.WithLabelValues(string(s.topic)).Dec()
	s.once.Do(func() { close(s.ch) })
}

// Publish 发布事件；payload 序列化一次后扇出，发布方永不阻塞。
// 序列化失败静默丢弃（payload 均为内部类型，失败意味着编程错误）。
func (h *Hub) Publish(topic Topic, kind string, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		raw = b
	}
	ev := Event{Topic: topic, Kind: kind, At: time.Now(), Payload: raw}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	var slow []*Subscription
	policy := policyOf(topic)
	for sub := range h.subs[topic] {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		switch policy {
		case dropOldest:
			// 腾一个位置再试；并发发布下可能再次满，最多让步两轮
			delivered := false
			for i := 0; i < 2 && !delivered; i++ {
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- ev:
					delivered = true
				default:
				}
			}
			metrics.FanoutDroppedTotal.WithLabelValues(string(topic)).Inc()
		case disconnectSlow:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, sub := range slow {
			h.removeLocked(sub)
			metrics.FanoutDroppedTotal.WithLabelValues(string(topic)).Inc()
		}
		h.mu.Unlock()
	}
}

// Close 关停：关闭所有订阅者并拒绝后续订阅
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, set := range h.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
			metrics.FanoutSubscribers.WithLabelValues(string(topic)).Dec()
		}
	}
	h.subs = make(map[Topic]map[*Subscription]struct{})
}

// SubscriberCount 当前订阅者数（测试与 /metrics/fleet 用）
func (h *Hub) SubscriberCount(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
