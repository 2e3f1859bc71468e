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
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"casare-orchestrator/internal/events"
	"casare-orchestrator/internal/model"
	"casare-orchestrator/internal/store"
	"casare-orchestrator/pkg/backoff"
	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/log"
)

type fakeCanceller struct {
	mu    sync.Mutex
	calls [][2]string // robotID, jobID
}

func (f *fakeCanceller) SendCancel(robotID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{robotID, jobID})
	return nil
}

func (f *fakeCanceller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLogger(t *testing.T) *log.Logger {
	l, err := log.NewLogger(&log.Config{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

func newTestManager(t *testing.T) (*Manager, store.Store, *events.Hub, *fakeCanceller) {
	st := store.NewMemoryStore()
	hub := events.NewHub(64)
	t.Cleanup(hub.Close)
	mgr := NewManager(st, hub, NewMemSignal(16), testLogger(t), Config{
		MaxRetriesDefault: 3,
		TimeoutDefaultSec: 3600,
		MaxPayloadBytes:   1 << 20,
		MaxPayloadNodes:   100,
		Backoff:           backoff.Policy{Base: time.Second, Cap: time.Minute, Jitter: 0},
	})
	fc := &fakeCanceller{}
	mgr.SetCancelSender(fc)
	return mgr, st, hub, fc
}

func submitOne(t *testing.T, mgr *Manager, req SubmitRequest) *model.Job {
	t.Helper()
	if req.WorkflowID == "" {
		req.WorkflowID = "wf-1"
	}
	if req.Payload == nil {
		req.Payload = []byte(`{"nodes":[{"id":"n1"},{"id":"n2"}]}`)
	}
	j, created, err := mgr.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !created {
		t.Fatalf("expected created, got dedup hit %s", j.ID)
	}
	return j
}

// 模拟 dispatcher 已认领（Pending → Assigned）
func assignTo(t *testing.T, st store.Store, jobID, robotID string) {
	t.Helper()
	if err := st.UpdateJobState(context.Background(), jobID, model.StatePending, model.StateAssigned,
		store.JobUpdate{AssignedRobotID: &robotID, ClaimedAt: time.Now()}); err != nil {
		t.Fatalf("assign: %v", err)
	}
}

func TestManager_SubmitValidation(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty workflow", SubmitRequest{Payload: []byte("{}")}},
		{"empty payload", SubmitRequest{WorkflowID: "wf"}},
		{"oversize payload", SubmitRequest{WorkflowID: "wf", Payload: bytes.Repeat([]byte("x"), 2<<20)}},
		{"priority out of range", SubmitRequest{WorkflowID: "wf", Payload: []byte("{}"), Priority: intp(21)}},
		{"negative priority", SubmitRequest{WorkflowID: "wf", Payload: []byte("{}"), Priority: intp(-1)}},
		{"negative retries", SubmitRequest{WorkflowID: "wf", Payload: []byte("{}"), MaxRetries: intp(-1)}},
		{"zero timeout", SubmitRequest{WorkflowID: "wf", Payload: []byte("{}"), TimeoutSeconds: intp(0)}},
	}
	for _, tc := range cases {
		if _, _, err := mgr.Submit(ctx, tc.req); !errors.IsKind(err, errors.KindInvalid) {
			t.Errorf("%s: expected invalid, got %v", tc.name, err)
		}
	}

	// 节点数超限
	payload := []byte(`{"nodes":[`)
	for i := 0; i < 101; i++ {
		if i > 0 {
			payload = append(payload, ',')
		}
		payload = append(payload, []byte(`{"id":"n"}`)...)
	}
	payload = append(payload, []byte(`]}`)...)
	if _, _, err := mgr.Submit(ctx, SubmitRequest{WorkflowID: "wf", Payload: payload}); !errors.IsKind(err, errors.KindInvalid) {
		t.Errorf("node limit: expected invalid, got %v", err)
	}
}

func intp(v int) *int { return &v }

func TestManager_SubmitDefaults(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	j := submitOne(t, mgr, SubmitRequest{})
	if j.Priority != 10 || j.MaxRetries != 3 || j.TimeoutSeconds != 3600 {
		t.Errorf("defaults: %+v", j)
	}
	if j.NodeCount != 2 {
		t.Errorf("node count: %d", j.NodeCount)
	}
	if j.State != model.StatePending || j.ID == "" || j.Trigger.Source != "api" {
		t.Errorf("job: %+v", j)
	}
}

func TestManager_SubmitDedup(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	first := submitOne(t, mgr, SubmitRequest{DedupKey: "daily"})

	again, created, err := mgr.Submit(ctx, SubmitRequest{
		WorkflowID: "wf-1", Payload: []byte(`{"nodes":[]}`), DedupKey: "daily",
	})
	if err != nil {
		t.Fatalf("dedup submit: %v", err)
	}
	if created || again.ID != first.ID {
		t.Errorf("expected dedup hit on %s, got created=%v id=%s", first.ID, created, again.ID)
	}

	// 终态后同键重新可用
	if _, err := mgr.Cancel(ctx, first.ID, "tester"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	fresh, created, err := mgr.Submit(ctx, SubmitRequest{
		WorkflowID: "wf-1", Payload: []byte(`{"nodes":[]}`), DedupKey: "daily",
	})
	if err != nil || !created || fresh.ID == first.ID {
		t.Errorf("after terminal: %v, created=%v", err, created)
	}
}

func TestManager_SubmitEmitsEventAndWakes(t *testing.T) {
	mgr, _, hub, _ := newTestManager(t)
	sub := hub.Subscribe(events.TopicJobs)
	defer sub.Close()

	j := submitOne(t, mgr, SubmitRequest{})

	select {
	case ev := <-sub.Events():
		if ev.Kind != events.KindJobSubmitted {
			t.Errorf("event kind: %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no submit event")
	}
	if reason, ok := mgr.signal.Wait(context.Background(), 100*time.Millisecond); !ok || reason != "submit:"+j.ID {
		t.Errorf("wakeup: %q, %v", reason, ok)
	}
}

func TestManager_CompleteFlow(t *testing.T) {
	mgr, st, hub, _ := newTestManager(t)
	ctx := context.Background()
	sub := hub.Subscribe(events.TopicJobs)
	defer sub.Close()

	j := submitOne(t, mgr, SubmitRequest{})
	assignTo(t, st, j.ID, "r-1")

	if err := mgr.MarkRunning(ctx, j.ID, "r-1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	mgr.ReportProgress(model.Progress{JobID: j.ID, RobotID: "r-1", Percent: 50})
	if p, ok := mgr.Progress(j.ID); !ok || p.Percent != 50 {
		t.Errorf("progress: %+v, %v", p, ok)
	}

	if err := mgr.Complete(ctx, j.ID, "r-1", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != model.StateCompleted || string(got.Result) != `{"ok":true}` || got.CompletedAt.IsZero() {
		t.Errorf("completed job: %+v", got)
	}
	if _, ok := mgr.Progress(j.ID); ok {
		t.Error("progress should be dropped on terminal")
	}

	kinds := drainKinds(sub, 4)
	if !containsKind(kinds, events.KindJobCompleted) {
		t.Errorf("events: %v", kinds)
	}
}

func drainKinds(sub *events.Subscription, max int) []string {
	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < max {
		select {
		case ev := <-sub.Events():
			kinds = append(kinds, ev.Kind)
		case <-deadline:
			return kinds
		}
	}
	return kinds
}

func containsKind(kinds []string, k string) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func TestManager_FailRetriable(t *testing.T) {
	mgr, st, _, _ := newTestManager(t)
	ctx := context.Background()
	j := submitOne(t, mgr, SubmitRequest{})
	assignTo(t, st, j.ID, "r-1")
	_ = mgr.MarkRunning(ctx, j.ID, "r-1")

	if err := mgr.Fail(ctx, j.ID, "r-1", model.JobError{Kind: errors.KindTransient, Message: "连接抖动"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != model.StatePending || got.RetryCount != 1 || got.AssignedRobotID != "" {
		t.Errorf("after retriable fail: %+v", got)
	}
	if !got.NextAttemptAt.After(time.Now()) {
		t.Errorf("expected backoff gate in future, got %v", got.NextAttemptAt)
	}
}

func TestManager_FailNonRetriable(t *testing.T) {
	mgr, st, _, _ := newTestManager(t)
	ctx := context.Background()
	j := submitOne(t, mgr, SubmitRequest{})
	assignTo(t, st, j.ID, "r-1")
	_ = mgr.MarkRunning(ctx, j.ID, "r-1")

	if err := mgr.Fail(ctx, j.ID, "r-1", model.JobError{Kind: errors.KindInvalid, Message: "workflow 解析失败"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != model.StateFailed || got.RetryCount != 0 {
		t.Errorf("after fatal fail: %+v", got)
	}
	// retry 预算没用完，不入 DLQ
	dls, _ := st.ListDeadLetters(ctx, 10)
	if len(dls) != 0 {
		t.Errorf("unexpected DLQ: %+v", dls)
	}
}

func TestManager_FailExhaustedGoesDeadLetter(t *testing.T) {
	mgr, st, _, _ := newTestManager(t)
	ctx := context.Background()
	j := submitOne(t, mgr, SubmitRequest{MaxRetries: intp(1)})

	// 第一次失败 → 重试
	assignTo(t, st, j.ID, "r-1")
	_ = mgr.MarkRunning(ctx, j.ID, "r-1")
	if err := mgr.Fail(ctx, j.ID, "r-1", model.JobError{Kind: errors.KindTransient, Message: "x"}); err != nil {
		t.Fatalf("first fail: %v", err)
	}
	// 第二次失败 → 预算耗尽
	assignTo(t, st, j.ID, "r-2")
	_ = mgr.MarkRunning(ctx, j.ID, "r-2")
	if err := mgr.Fail(ctx, j.ID, "r-2", model.JobError{Kind: errors.KindTransient, Message: "y"}); err != nil {
		t.Fatalf("second fail: %v", err)
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.State != model.StateFailed || got.RetryCount != 1 {
		t.Errorf("exhausted: %+v", got)
	}
	dls, _ := st.ListDeadLetters(ctx, 10)
	if len(dls) != 1 || dls[0].JobID != j.ID {
		t.Errorf("DLQ: %+v", dls)
	}
}

func TestManager_CancelPending(t *testing.T) {
	mgr, st, _, fc := newTestManager(t)
	ctx := context.Background()
	j := submitOne(t, mgr, SubmitRequest{})

	out, err := mgr.Cancel(ctx, j.ID, "tester")
	if err != nil || out.State != model.StateCancelled {
		t.Fatalf("Cancel: %v, %+v", err, out)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != model.StateCancelled {
		t.Errorf("stored: %+v", got)
	}
	// 排队中取消不需要通知任何 robot
	if fc.count() != 0 {
		t.Errorf("unexpected cancel frames: %d", fc.count())
	}
}

func TestManager_CancelRunningSendsFrame(t *testing.T) {
	mgr, st, _, fc := newTestManager(t)
	ctx := context.Background()
	j := submitOne(t, mgr, SubmitRequest{})
	assignTo(t, st, j.ID, "r-1")
	_ = mgr.MarkRunning(ctx, j.ID, "r-1")

	out, err := mgr.Cancel(ctx, j.ID, "tester")
	if err != nil || out.State != model.StateCancelling {
		t.Fatalf("Cancel: %v, %+v", err, out)
	}
	if fc.count() != 1 || fc.calls[0] != [2]string{"r-1", j.ID} {
		t.Errorf("cancel frames: %+v", fc.calls)
	}

	// 幂等：重复取消不报错不重发
	out, err = mgr.Cancel(ctx, j.ID, "tester")
	if err != nil || out.State != model.StateCancelling {
		t.Errorf("repeat cancel: %v, %+v", err, out)
	}

	// robot 确认：JobFailed(kind=Cancelled) → Cancelled
	if err := mgr.Fail(ctx, j.ID, "r-1", model.JobError{Kind: errors.KindCancelled, Message: "已停止"}); err != nil {
		t.Fatalf("ack fail: %v", err)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != model.StateCancelled {
		t.Errorf("after ack: %+v", got)
	}
}

func TestManager_CancelTerminalRejected(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()
	j := submitOne(t, mgr, SubmitRequest{})
	if _, err := mgr.Cancel(ctx, j.ID, "t"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if _, err := mgr.Cancel(ctx, j.ID, "t"); !errors.IsKind(err, errors.KindInvalid) {
		t.Errorf("expected invalid on terminal, got %v", err)
	}
}

// 取消竞速：Cancelling 期间 robot 回报完成 → 完成胜出
func TestManager_CompleteWinsOverCancel(t *testing.T) {
	mgr, st, _, _ := newTestManager(t)
	ctx := context.Background()
	j := submitOne(t, mgr, SubmitRequest{})
	assignTo(t, st, j.ID, "r-1")
	_ = mgr.MarkRunning(ctx, j.ID, "r-1")
	if _, err := mgr.Cancel(ctx, j.ID, "t"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if err := mgr.Complete(ctx, j.ID, "r-1", []byte(`{"done":1}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != model.StateCompleted {
		t.Errorf("expected completed, got %+v", got)
	}
}

func TestManager_ReleaseAssignment(t *testing.T) {
	mgr, st, _, _ := newTestManager(t)
	ctx := context.Background()
	j := submitOne(t, mgr, SubmitRequest{})
	assignTo(t, st, j.ID, "r-1")

	if err := mgr.ReleaseAssignment(ctx, j.ID, "r-1", "ack 超时"); err != nil {
		t.Fatalf("ReleaseAssignment: %v", err)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != model.StatePending || got.RetryCount != 0 || got.AssignedRobotID != "" {
		t.Errorf("released: %+v", got)
	}
	if got.NextAttemptAt.After(time.Now().Add(time.Second)) {
		t.Errorf("release should not add backoff: %v", got.NextAttemptAt)
	}
}

func TestManager_HandleTimeoutWithBudget(t *testing.T) {
	mgr, st, _, fc := newTestManager(t)
	ctx := context.Background()
	j := submitOne(t, mgr, SubmitRequest{TimeoutSeconds: intp(60)})
	assignTo(t, st, j.ID, "r-1")
	_ = mgr.MarkRunning(ctx, j.ID, "r-1")

	running, _ := st.GetJob(ctx, j.ID)
	if err := mgr.HandleTimeout(ctx, running); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != model.StatePending || got.RetryCount != 1 || got.Error == nil || got.Error.Kind != errors.KindTimeout {
		t.Errorf("after timeout: %+v", got)
	}
	if fc.count() != 1 {
		t.Errorf("expected cancel frame to stale robot, got %d", fc.count())
	}
}

func TestManager_HandleTimeoutExhausted(t *testing.T) {
	mgr, st, _, _ := newTestManager(t)
	ctx := context.Background()
	j := submitOne(t, mgr, SubmitRequest{MaxRetries: intp(0), TimeoutSeconds: intp(60)})
	assignTo(t, st, j.ID, "r-1")
	_ = mgr.MarkRunning(ctx, j.ID, "r-1")

	running, _ := st.GetJob(ctx, j.ID)
	if err := mgr.HandleTimeout(ctx, running); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != model.StateTimedOut {
		t.Errorf("expected timed_out, got %+v", got)
	}
	dls, _ := st.ListDeadLetters(ctx, 10)
	if len(dls) != 1 {
		t.Errorf("DLQ: %+v", dls)
	}
}

func TestSweeper_SweepOnce(t *testing.T) {
	mgr, st, _, _ := newTestManager(t)
	ctx := context.Background()
	sw := NewSweeper(mgr, st, testLogger(t), SweeperConfig{
		Interval: time.Hour, CancelAckTimeout: time.Millisecond, HeartbeatRetention: time.Hour,
	})

	// Running 超时
	j1 := submitOne(t, mgr, SubmitRequest{TimeoutSeconds: intp(1)})
	assignTo(t, st, j1.ID, "r-1")
	_ = st.UpdateJobState(ctx, j1.ID, model.StateAssigned, model.StateRunning,
		store.JobUpdate{StartedAt: time.Now().Add(-time.Minute)})

	// Cancelling 逾期
	j2 := submitOne(t, mgr, SubmitRequest{})
	assignTo(t, st, j2.ID, "r-1")
	_ = mgr.MarkRunning(ctx, j2.ID, "r-1")
	if _, err := mgr.Cancel(ctx, j2.ID, "t"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	sw.SweepOnce(ctx)

	g1, _ := st.GetJob(ctx, j1.ID)
	if g1.State != model.StatePending || g1.RetryCount != 1 {
		t.Errorf("timed-out job: %+v", g1)
	}
	g2, _ := st.GetJob(ctx, j2.ID)
	if g2.State != model.StateCancelled {
		t.Errorf("forced cancel: %+v", g2)
	}
}

func TestManager_RequeueRobotJobs(t *testing.T) {
	mgr, st, _, _ := newTestManager(t)
	ctx := context.Background()
	j := submitOne(t, mgr, SubmitRequest{})
	assignTo(t, st, j.ID, "r-1")
	_ = mgr.MarkRunning(ctx, j.ID, "r-1")

	res, err := mgr.RequeueRobotJobs(ctx, "r-1")
	if err != nil {
		t.Fatalf("RequeueRobotJobs: %v", err)
	}
	if len(res.Requeued) != 1 || res.Requeued[0] != j.ID {
		t.Errorf("result: %+v", res)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != model.StatePending || got.RetryCount != 1 {
		t.Errorf("requeued: %+v", got)
	}
}

func TestNodeCount(t *testing.T) {
	cases := []struct {
		payload string
		want    int
	}{
		{`{"nodes":[{"a":1},{"b":2},{"c":3}]}`, 3},
		{`[{"a":1},{"b":2}]`, 2},
		{`{"nodes":[]}`, 0},
		{`{"other":"shape"}`, 0},
		{`not json`, 0},
	}
	for _, tc := range cases {
		if got := nodeCount([]byte(tc.payload)); got != tc.want {
			t.Errorf("nodeCount(%s) = %d, want %d", tc.payload, got, tc.want)
		}
	}
}

func TestMemSignal(t *testing.T) {
	s := NewMemSignal(2)
	ctx := context.Background()
	if _, ok := s.Wait(ctx, 10*time.Millisecond); ok {
		t.Error("expected timeout on empty signal")
	}
	_ = s.Notify(ctx, "a")
	_ = s.Notify(ctx, "b")
	_ = s.Notify(ctx, "c") // 满了，丢弃而非阻塞
	if r, ok := s.Wait(ctx, time.Second); !ok || r != "a" {
		t.Errorf("Wait: %q, %v", r, ok)
	}
}
