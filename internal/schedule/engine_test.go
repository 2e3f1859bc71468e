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

package schedule

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"casare-orchestrator/internal/events"
	"casare-orchestrator/internal/model"
	"casare-orchestrator/internal/queue"
	"casare-orchestrator/internal/store"
	"casare-orchestrator/pkg/backoff"
	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/log"
)

func testLogger(t *testing.T) *log.Logger {
	l, err := log.NewLogger(&log.Config{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

type testRig struct {
	eng *Engine
	st  store.Store
	mgr *queue.Manager
	hub *events.Hub
}

func newRig(t *testing.T, cfg Config) *testRig {
	st := store.NewMemoryStore()
	hub := events.NewHub(64)
	t.Cleanup(hub.Close)
	mgr := queue.NewManager(st, hub, queue.NewMemSignal(16), testLogger(t), queue.Config{
		Backoff: backoff.Policy{Base: time.Millisecond, Cap: time.Second, Jitter: 0},
	})
	eng := New(st, mgr, hub, testLogger(t), cfg)
	return &testRig{eng: eng, st: st, mgr: mgr, hub: hub}
}

func (r *testRig) create(t *testing.T, req CreateRequest) *model.Schedule {
	t.Helper()
	if req.WorkflowID == "" {
		req.WorkflowID = "wf-1"
	}
	if req.CronExpr == "" {
		req.CronExpr = "*/5 * * * *"
	}
	if len(req.Payload) == 0 {
		req.Payload = []byte(`{"nodes":[{"id":"n1"}]}`)
	}
	sc, err := r.eng.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sc
}

// forceNextFire 把 next_fire_at 拨到指定时刻，模拟到期/停机恢复
func (r *testRig) forceNextFire(t *testing.T, scheduleID string, at time.Time) {
	t.Helper()
	sc, err := r.st.GetSchedule(context.Background(), scheduleID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	sc.NextFireAt = at
	if err := r.st.UpdateSchedule(context.Background(), sc); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
}

func (r *testRig) jobsOf(t *testing.T, scheduleID string) []*model.Job {
	t.Helper()
	jobs, err := r.st.ListJobs(context.Background(), store.JobFilter{ScheduleID: scheduleID})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	return jobs
}

func TestCreateComputesNextFire(t *testing.T) {
	rig := newRig(t, Config{})
	before := time.Now()
	sc := rig.create(t, CreateRequest{CronExpr: "* * * * *", Timezone: "UTC"})

	if !sc.Enabled {
		t.Error("schedule should default to enabled")
	}
	if sc.ExecutionMode != model.ModeParallel {
		t.Errorf("mode should default to parallel, got %s", sc.ExecutionMode)
	}
	if !sc.NextFireAt.After(before) || sc.NextFireAt.After(before.Add(61*time.Second)) {
		t.Errorf("next_fire_at out of range: %v", sc.NextFireAt)
	}
}

func TestCreateValidation(t *testing.T) {
	rig := newRig(t, Config{})
	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"empty workflow", CreateRequest{CronExpr: "* * * * *", Payload: []byte(`{}`)}},
		{"empty payload", CreateRequest{WorkflowID: "wf", CronExpr: "* * * * *"}},
		{"bad cron", CreateRequest{WorkflowID: "wf", CronExpr: "not a cron", Payload: []byte(`{}`)}},
		{"bad timezone", CreateRequest{WorkflowID: "wf", CronExpr: "* * * * *", Timezone: "Mars/Olympus", Payload: []byte(`{}`)}},
		{"bad mode", CreateRequest{WorkflowID: "wf", CronExpr: "* * * * *", ExecutionMode: "burst", Payload: []byte(`{}`)}},
		{"priority out of range", CreateRequest{WorkflowID: "wf", CronExpr: "* * * * *", Priority: intp(42), Payload: []byte(`{}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := rig.eng.Create(context.Background(), tc.req); !errors.IsKind(err, errors.KindInvalid) {
				t.Errorf("expected KindInvalid, got %v", err)
			}
		})
	}
}

func TestFireAdvancesAndSubmits(t *testing.T) {
	rig := newRig(t, Config{})
	ctx := context.Background()
	sc := rig.create(t, CreateRequest{CronExpr: "*/5 * * * *", Timezone: "UTC", Priority: intp(3)})

	now := time.Date(2026, 1, 2, 12, 5, 0, 300e6, time.UTC)
	rig.forceNextFire(t, sc.ID, time.Date(2026, 1, 2, 12, 5, 0, 0, time.UTC))
	sc, _ = rig.st.GetSchedule(ctx, sc.ID)

	rig.eng.fire(ctx, sc, now)

	jobs := rig.jobsOf(t, sc.ID)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	j := jobs[0]
	if j.Trigger.Source != "schedule" || j.Trigger.ScheduleID != sc.ID {
		t.Errorf("trigger context wrong: %+v", j.Trigger)
	}
	if j.Priority != 3 {
		t.Errorf("priority not inherited: %d", j.Priority)
	}

	got, _ := rig.st.GetSchedule(ctx, sc.ID)
	want := time.Date(2026, 1, 2, 12, 10, 0, 0, time.UTC)
	if !got.NextFireAt.Equal(want) {
		t.Errorf("next_fire_at = %v, want %v", got.NextFireAt, want)
	}
	if got.RunCount != 1 {
		t.Errorf("run_count = %d, want 1", got.RunCount)
	}
	if !got.LastFireAt.Equal(now) {
		t.Errorf("last_fire_at = %v, want %v", got.LastFireAt, now)
	}
}

func TestFireCASLoserDoesNotDuplicate(t *testing.T) {
	rig := newRig(t, Config{})
	ctx := context.Background()
	sc := rig.create(t, CreateRequest{CronExpr: "*/5 * * * *", Timezone: "UTC"})

	now := time.Date(2026, 1, 2, 12, 5, 1, 0, time.UTC)
	rig.forceNextFire(t, sc.ID, time.Date(2026, 1, 2, 12, 5, 0, 0, time.UTC))

	// 两个实例同时扫到同一快照：CAS 只让一个赢
	other := New(rig.st, rig.mgr, rig.hub, testLogger(t), Config{})
	due, err := rig.st.DueSchedules(ctx, now)
	if err != nil || len(due) != 1 {
		t.Fatalf("DueSchedules: %v len=%d", err, len(due))
	}
	snapshot := *due[0]
	rig.eng.fire(ctx, due[0], now)
	other.fire(ctx, &snapshot, now)

	if jobs := rig.jobsOf(t, sc.ID); len(jobs) != 1 {
		t.Fatalf("CAS must prevent duplicate fire, got %d jobs", len(jobs))
	}
	got, _ := rig.st.GetSchedule(ctx, sc.ID)
	if got.RunCount != 1 {
		t.Errorf("run_count = %d, want 1", got.RunCount)
	}
}

func TestMissedFiresCollapseToOne(t *testing.T) {
	rig := newRig(t, Config{})
	ctx := context.Background()
	sc := rig.create(t, CreateRequest{CronExpr: "*/5 * * * *", Timezone: "UTC"})

	// 11:50 起停机，12:08 恢复：错过 11:50/11:55/12:00/12:05 四个周期
	now := time.Date(2026, 1, 2, 12, 8, 0, 0, time.UTC)
	rig.forceNextFire(t, sc.ID, time.Date(2026, 1, 2, 11, 50, 0, 0, time.UTC))
	sc, _ = rig.st.GetSchedule(ctx, sc.ID)

	rig.eng.fire(ctx, sc, now)

	if jobs := rig.jobsOf(t, sc.ID); len(jobs) != 1 {
		t.Fatalf("recovery must fire once, got %d jobs", len(jobs))
	}
	got, _ := rig.st.GetSchedule(ctx, sc.ID)
	want := time.Date(2026, 1, 2, 12, 10, 0, 0, time.UTC)
	if !got.NextFireAt.Equal(want) {
		t.Errorf("next_fire_at = %v, want %v", got.NextFireAt, want)
	}

	// 错过数落审计：本次触发顶掉 11:50，剩 11:55/12:00/12:05 共 3 个
	entries, err := rig.st.ListAudit(ctx, store.AuditFilter{Category: model.AuditSchedule, EntityID: sc.ID})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	var missed float64 = -1
	for _, e := range entries {
		if e.Action != model.ActionMissedFires {
			continue
		}
		var detail map[string]interface{}
		if err := json.Unmarshal(e.Detail, &detail); err != nil {
			t.Fatalf("unmarshal detail: %v", err)
		}
		missed = detail["missed"].(float64)
	}
	if missed != 3 {
		t.Errorf("missed = %v, want 3", missed)
	}
}

func TestSingletonCollapsesWhileRunning(t *testing.T) {
	rig := newRig(t, Config{})
	ctx := context.Background()
	sc := rig.create(t, CreateRequest{CronExpr: "*/5 * * * *", Timezone: "UTC", ExecutionMode: model.ModeSingleton})

	fire := func(now time.Time) {
		cur, _ := rig.st.GetSchedule(ctx, sc.ID)
		rig.eng.fire(ctx, cur, now)
	}

	rig.forceNextFire(t, sc.ID, time.Date(2026, 1, 2, 12, 5, 0, 0, time.UTC))
	fire(time.Date(2026, 1, 2, 12, 5, 0, 0, time.UTC))
	if jobs := rig.jobsOf(t, sc.ID); len(jobs) != 1 {
		t.Fatalf("first fire: got %d jobs", len(jobs))
	}

	// 上一轮还是 Pending：本轮折叠
	rig.forceNextFire(t, sc.ID, time.Date(2026, 1, 2, 12, 10, 0, 0, time.UTC))
	fire(time.Date(2026, 1, 2, 12, 10, 0, 0, time.UTC))
	jobs := rig.jobsOf(t, sc.ID)
	if len(jobs) != 1 {
		t.Fatalf("singleton must collapse, got %d jobs", len(jobs))
	}

	// 上一轮终态后恢复触发
	first := jobs[0]
	if _, err := rig.st.ClaimOnePending(ctx, "r1", nil, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := rig.mgr.MarkRunning(ctx, first.ID, "r1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := rig.mgr.Complete(ctx, first.ID, "r1", []byte(`{}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	rig.forceNextFire(t, sc.ID, time.Date(2026, 1, 2, 12, 15, 0, 0, time.UTC))
	fire(time.Date(2026, 1, 2, 12, 15, 0, 0, time.UTC))
	if jobs := rig.jobsOf(t, sc.ID); len(jobs) != 2 {
		t.Fatalf("terminal previous run must release the key, got %d jobs", len(jobs))
	}
}

func TestParallelFiresKeepDistinctDedupKeys(t *testing.T) {
	rig := newRig(t, Config{})
	ctx := context.Background()
	sc := rig.create(t, CreateRequest{CronExpr: "*/5 * * * *", Timezone: "UTC"})

	for _, min := range []int{5, 10} {
		rig.forceNextFire(t, sc.ID, time.Date(2026, 1, 2, 12, min, 0, 0, time.UTC))
		cur, _ := rig.st.GetSchedule(ctx, sc.ID)
		rig.eng.fire(ctx, cur, time.Date(2026, 1, 2, 12, min, 0, 0, time.UTC))
	}
	if jobs := rig.jobsOf(t, sc.ID); len(jobs) != 2 {
		t.Fatalf("parallel mode fires every period, got %d jobs", len(jobs))
	}
}

func TestEnableRecomputesNextFireFromNow(t *testing.T) {
	rig := newRig(t, Config{})
	ctx := context.Background()
	sc := rig.create(t, CreateRequest{CronExpr: "* * * * *", Timezone: "UTC"})

	if _, err := rig.eng.Disable(ctx, sc.ID, "ops"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	// 停用期间过时也不触发
	rig.forceNextFire(t, sc.ID, time.Now().Add(-time.Hour))
	rig.eng.SweepOnce(ctx)
	if jobs := rig.jobsOf(t, sc.ID); len(jobs) != 0 {
		t.Fatalf("disabled schedule must not fire, got %d jobs", len(jobs))
	}

	before := time.Now()
	got, err := rig.eng.Enable(ctx, sc.ID, "ops")
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !got.NextFireAt.After(before) {
		t.Errorf("enable must recompute next_fire_at from now, got %v", got.NextFireAt)
	}
}

func TestTriggerManualDoesNotAdvanceCron(t *testing.T) {
	rig := newRig(t, Config{})
	ctx := context.Background()
	sc := rig.create(t, CreateRequest{CronExpr: "*/5 * * * *", Timezone: "UTC"})
	wantNext := sc.NextFireAt

	j, err := rig.eng.Trigger(ctx, sc.ID, "ops@corp")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if j.Trigger.Source != "manual" || j.Trigger.Subject != "ops@corp" {
		t.Errorf("trigger context wrong: %+v", j.Trigger)
	}

	got, _ := rig.st.GetSchedule(ctx, sc.ID)
	if !got.NextFireAt.Equal(wantNext) {
		t.Errorf("manual trigger must not advance cron: %v != %v", got.NextFireAt, wantNext)
	}
	if got.RunCount != 0 {
		t.Errorf("manual trigger must not count as run, got %d", got.RunCount)
	}
}

func TestTriggerSingletonWhileRunning(t *testing.T) {
	rig := newRig(t, Config{})
	ctx := context.Background()
	sc := rig.create(t, CreateRequest{CronExpr: "*/5 * * * *", Timezone: "UTC", ExecutionMode: model.ModeSingleton})

	first, err := rig.eng.Trigger(ctx, sc.ID, "ops")
	if err != nil {
		t.Fatalf("first Trigger: %v", err)
	}
	second, err := rig.eng.Trigger(ctx, sc.ID, "ops")
	if !errors.IsKind(err, errors.KindDuplicate) {
		t.Fatalf("expected KindDuplicate, got %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Errorf("duplicate trigger must return the running job")
	}
}

func TestBadCronInStoreDisablesSchedule(t *testing.T) {
	rig := newRig(t, Config{})
	ctx := context.Background()
	sc := &model.Schedule{
		ID:         "sched-broken",
		WorkflowID: "wf-1",
		Name:       "broken",
		CronExpr:   "61 * * * *",
		Enabled:    true,
		Payload:    []byte(`{}`),
		NextFireAt: time.Now().Add(-time.Minute),
		CreatedAt:  time.Now(),
	}
	if err := rig.st.InsertSchedule(ctx, sc); err != nil {
		t.Fatalf("InsertSchedule: %v", err)
	}

	rig.eng.SweepOnce(ctx)

	got, _ := rig.st.GetSchedule(ctx, sc.ID)
	if got.Enabled {
		t.Error("unparseable cron must disable the schedule")
	}
	if jobs := rig.jobsOf(t, sc.ID); len(jobs) != 0 {
		t.Errorf("no job expected, got %d", len(jobs))
	}
}

func TestObserveJobCountsTerminalFailuresOnce(t *testing.T) {
	rig := newRig(t, Config{})
	ctx := context.Background()
	sc := rig.create(t, CreateRequest{CronExpr: "* * * * *", Timezone: "UTC"})

	payload, _ := json.Marshal(map[string]string{"job_id": "j1", "schedule_id": sc.ID})
	for _, kind := range []string{
		events.KindJobFailed,
		events.KindJobDeadLetter, // failed 之后的 DLQ 事件不重复计数
		events.KindJobRequeued,   // 重试不是终局
	} {
		rig.eng.observeJob(ctx, events.Event{Topic: events.TopicJobs, Kind: kind, Payload: payload})
	}
	rig.eng.observeJob(ctx, events.Event{Topic: events.TopicJobs, Kind: events.KindJobTimedOut, Payload: payload})

	got, _ := rig.st.GetSchedule(ctx, sc.ID)
	if got.FailureCount != 2 {
		t.Errorf("failure_count = %d, want 2 (failed + timed_out)", got.FailureCount)
	}
}

func TestRunLoopFiresAndObservesFailures(t *testing.T) {
	rig := newRig(t, Config{SweepInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sc := rig.create(t, CreateRequest{CronExpr: "*/5 * * * *", Timezone: "UTC"})
	rig.forceNextFire(t, sc.ID, time.Now().Add(-time.Second))

	done := make(chan struct{})
	go func() {
		rig.eng.Run(ctx)
		close(done)
	}()

	var fired *model.Job
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if jobs := rig.jobsOf(t, sc.ID); len(jobs) == 1 {
			fired = jobs[0]
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fired == nil {
		t.Fatal("Run loop did not fire due schedule")
	}

	// 终局失败经 jobs 事件回流到 failure_count
	err := rig.mgr.Fail(context.Background(), fired.ID, "", model.JobError{Kind: errors.KindFatal, Message: "workflow 崩溃"})
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := rig.st.GetSchedule(context.Background(), sc.ID); got.FailureCount == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got, _ := rig.st.GetSchedule(context.Background(), sc.ID); got.FailureCount != 1 {
		t.Fatalf("failure_count = %d, want 1", got.FailureCount)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on ctx cancel")
	}
}

func intp(v int) *int { return &v }
