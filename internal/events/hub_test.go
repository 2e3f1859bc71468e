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

package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub(8)
	defer h.Close()
	sub := h.Subscribe(TopicJobs)
	defer sub.Close()

	h.Publish(TopicJobs, KindJobSubmitted, map[string]string{"job_id": "j-1"})

	select {
	case ev := <-sub.Events():
		if ev.Kind != KindJobSubmitted || ev.Topic != TopicJobs {
			t.Errorf("event: %+v", ev)
		}
		var body map[string]string
		if err := json.Unmarshal(ev.Payload, &body); err != nil || body["job_id"] != "j-1" {
			t.Errorf("payload: %s, %v", ev.Payload, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_TopicIsolation(t *testing.T) {
	h := NewHub(8)
	defer h.Close()
	jobs := h.Subscribe(TopicJobs)
	robots := h.Subscribe(TopicRobots)
	defer jobs.Close()
	defer robots.Close()

	h.Publish(TopicRobots, KindRobotStatus, nil)

	select {
	case <-robots.Events():
	case <-time.After(time.Second):
		t.Fatal("robots subscriber missed event")
	}
	select {
	case ev := <-jobs.Events():
		t.Errorf("jobs subscriber leaked event: %+v", ev)
	default:
	}
}

// jobs topic：慢订阅者被断开（channel 关闭），发布方不阻塞
func TestHub_DisconnectSlowSubscriber(t *testing.T) {
	h := NewHub(2)
	defer h.Close()
	slow := h.Subscribe(TopicJobs)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.Publish(TopicJobs, KindJobSubmitted, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	if h.SubscriberCount(TopicJobs) != 0 {
		t.Errorf("expected slow subscriber removed, count=%d", h.SubscriberCount(TopicJobs))
	}
	// 排干缓冲后必须看到 channel 关闭
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber channel never closed")
		}
	}
}

// metrics topic：丢最旧，订阅者保留，最新事件还在
func TestHub_DropOldestKeepsSubscriber(t *testing.T) {
	h := NewHub(2)
	defer h.Close()
	sub := h.Subscribe(TopicMetrics)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		h.Publish(TopicMetrics, KindQueueDepth, i)
	}
	if h.SubscriberCount(TopicMetrics) != 1 {
		t.Fatalf("metrics subscriber dropped, count=%d", h.SubscriberCount(TopicMetrics))
	}

	var got []int
	for {
		select {
		case ev := <-sub.Events():
			var v int
			_ = json.Unmarshal(ev.Payload, &v)
			got = append(got, v)
			continue
		default:
		}
		break
	}
	if len(got) == 0 || len(got) > 2 {
		t.Fatalf("buffered events: %v", got)
	}
	// 留下的必须是最新的事件
	if got[len(got)-1] != 9 {
		t.Errorf("expected newest event retained, got %v", got)
	}
}

func TestHub_CloseUnblocksSubscribers(t *testing.T) {
	h := NewHub(4)
	sub := h.Subscribe(TopicActivity)
	h.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not released on hub close")
	}

	// 关闭后的发布与订阅是安全的 no-op
	h.Publish(TopicActivity, KindActivity, nil)
	late := h.Subscribe(TopicActivity)
	if _, ok := <-late.Events(); ok {
		t.Error("late subscription should be closed")
	}
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	h := NewHub(4)
	defer h.Close()
	sub := h.Subscribe(TopicJobs)
	sub.Close()
	sub.Close()
	if h.SubscriberCount(TopicJobs) != 0 {
		t.Errorf("count=%d", h.SubscriberCount(TopicJobs))
	}
}
