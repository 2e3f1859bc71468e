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
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/protocol"

	"casare-orchestrator/internal/api/http/middleware"
	"casare-orchestrator/internal/events"
	"casare-orchestrator/internal/model"
	"casare-orchestrator/internal/queue"
	"casare-orchestrator/internal/registry"
	"casare-orchestrator/internal/schedule"
	"casare-orchestrator/internal/session"
	"casare-orchestrator/internal/store"
	"casare-orchestrator/pkg/backoff"
	"casare-orchestrator/pkg/config"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/wire"
)

func testLogger(t *testing.T) *log.Logger {
	l, err := log.NewLogger(&log.Config{Level: "error"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

type apiRig struct {
	st    store.Store
	mgr   *queue.Manager
	fleet *registry.Registry
	eng   *schedule.Engine
	hub   *events.Hub
	srv   *server.Hertz
}

type rigOptions struct {
	limits config.LimitsConfig
	rbac   bool
	mutate func(r *Router)
}

func newAPIRig(t *testing.T, opt rigOptions) *apiRig {
	t.Helper()
	logger := testLogger(t)
	st := store.NewMemoryStore()
	hub := events.NewHub(64)
	t.Cleanup(hub.Close)

	mgr := queue.NewManager(st, hub, queue.NewMemSignal(16), logger, queue.Config{
		Backoff: backoff.Policy{Base: time.Millisecond, Cap: time.Second, Jitter: 0},
	})
	fleet := registry.New(st, hub, mgr, logger, registry.Config{})
	sessions := session.NewHub(mgr, fleet, hub, logger, session.Config{})
	eng := schedule.New(st, mgr, hub, logger, schedule.Config{})

	limits := opt.limits
	if limits.MaxWorkflowBytes <= 0 {
		limits.MaxWorkflowBytes = 1 << 20
	}
	if limits.MaxWorkflowNodes <= 0 {
		limits.MaxWorkflowNodes = 1000
	}

	handler := NewHandler(mgr, fleet, eng, sessions, st, hub, logger, limits)
	observer := NewObserverWS(hub, nil, logger, 0)
	robotWS := session.NewWSHandler(sessions, nil, logger, session.WSConfig{})
	mw := middleware.NewMiddleware(nil, logger)
	authz := middleware.NewAuthZMiddleware(opt.rbac)
	audit := middleware.NewAuditMiddleware(st)

	r := NewRouter(handler, observer, robotWS, mw, authz, audit)
	if opt.mutate != nil {
		opt.mutate(r)
	}
	return &apiRig{
		st:    st,
		mgr:   mgr,
		fleet: fleet,
		eng:   eng,
		hub:   hub,
		srv:   r.Build("127.0.0.1:0"),
	}
}

func (r *apiRig) do(t *testing.T, method, path string, payload interface{}, headers ...ut.Header) *protocol.Response {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	w := ut.PerformRequest(r.srv.Engine, method, path,
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)}, headers...)
	return w.Result()
}

func decode(t *testing.T, resp *protocol.Response, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body(), err)
	}
}

func submitBody(workflowID string) map[string]interface{} {
	return map[string]interface{}{
		"workflow_id": workflowID,
		"payload":     json.RawMessage(`{"nodes":[{"id":"n1"},{"id":"n2"}]}`),
	}
}

func TestSubmitAndGetJob(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})

	resp := rig.do(t, "POST", "/api/jobs", submitBody("wf-invoice"))
	if resp.StatusCode() != 201 {
		t.Fatalf("POST /api/jobs status = %d, body %s", resp.StatusCode(), resp.Body())
	}
	var created struct {
		JobID string `json:"job_id"`
		State string `json:"state"`
	}
	decode(t, resp, &created)
	if created.JobID == "" || created.State != "pending" {
		t.Fatalf("unexpected create reply: %+v", created)
	}

	resp = rig.do(t, "GET", "/api/jobs/"+created.JobID, nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("GET job status = %d", resp.StatusCode())
	}
	var got jobView
	decode(t, resp, &got)
	if got.JobID != created.JobID || got.WorkflowID != "wf-invoice" || got.State != "pending" {
		t.Fatalf("unexpected job view: %+v", got)
	}
	if got.NodeCount != 2 {
		t.Errorf("node_count = %d, want 2", got.NodeCount)
	}

	resp = rig.do(t, "GET", "/api/jobs?state=pending", nil)
	var list struct {
		Jobs  []jobView `json:"jobs"`
		Total int       `json:"total"`
	}
	decode(t, resp, &list)
	if list.Total != 1 {
		t.Fatalf("list total = %d, want 1", list.Total)
	}
}

func TestSubmitValidation(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})

	resp := rig.do(t, "POST", "/api/jobs", map[string]interface{}{
		"payload": json.RawMessage(`{"nodes":[]}`),
	})
	if resp.StatusCode() != 400 {
		t.Fatalf("missing workflow_id status = %d, want 400", resp.StatusCode())
	}

	resp = rig.do(t, "GET", "/api/jobs?state=bogus", nil)
	if resp.StatusCode() != 400 {
		t.Fatalf("bad state filter status = %d, want 400", resp.StatusCode())
	}

	resp = rig.do(t, "GET", "/api/jobs/missing", nil)
	if resp.StatusCode() != 404 {
		t.Fatalf("missing job status = %d, want 404", resp.StatusCode())
	}
}

func TestSubmitPayloadTooLarge(t *testing.T) {
	rig := newAPIRig(t, rigOptions{limits: config.LimitsConfig{MaxWorkflowBytes: 128}})

	big := map[string]interface{}{
		"workflow_id": "wf-big",
		"payload":     json.RawMessage(`{"blob":"` + strings.Repeat("x", 256) + `"}`),
	}
	resp := rig.do(t, "POST", "/api/jobs", big)
	if resp.StatusCode() != 413 {
		t.Fatalf("oversized submit status = %d, want 413", resp.StatusCode())
	}
}

func TestSubmitDedupConflict(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})

	body := submitBody("wf-dup")
	body["dedup_key"] = "order-42"
	first := rig.do(t, "POST", "/api/jobs", body)
	if first.StatusCode() != 201 {
		t.Fatalf("first submit status = %d", first.StatusCode())
	}
	var a struct {
		JobID string `json:"job_id"`
	}
	decode(t, first, &a)

	second := rig.do(t, "POST", "/api/jobs", body)
	if second.StatusCode() != 409 {
		t.Fatalf("duplicate submit status = %d, want 409", second.StatusCode())
	}
	var b struct {
		JobID string `json:"job_id"`
	}
	decode(t, second, &b)
	if b.JobID != a.JobID {
		t.Fatalf("conflict should return existing job id %s, got %s", a.JobID, b.JobID)
	}
}

func TestCancelJob(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})

	resp := rig.do(t, "POST", "/api/jobs", submitBody("wf-cancel"))
	var created struct {
		JobID string `json:"job_id"`
	}
	decode(t, resp, &created)

	resp = rig.do(t, "DELETE", "/api/jobs/"+created.JobID, nil)
	if resp.StatusCode() != 202 {
		t.Fatalf("cancel status = %d, want 202", resp.StatusCode())
	}
	var cancelled struct {
		State string `json:"state"`
	}
	decode(t, resp, &cancelled)
	if cancelled.State != "cancelled" {
		t.Fatalf("pending job should cancel immediately, state = %s", cancelled.State)
	}

	// 终态再取消被拒
	resp = rig.do(t, "DELETE", "/api/jobs/"+created.JobID, nil)
	if resp.StatusCode() != 400 {
		t.Fatalf("cancel terminal job status = %d, want 400", resp.StatusCode())
	}
}

func TestJobProgressEndpoint(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})

	resp := rig.do(t, "POST", "/api/jobs", submitBody("wf-progress"))
	var created struct {
		JobID string `json:"job_id"`
	}
	decode(t, resp, &created)

	resp = rig.do(t, "GET", "/api/jobs/"+created.JobID+"/progress", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("progress status = %d", resp.StatusCode())
	}
	var before struct {
		State    string          `json:"state"`
		Progress json.RawMessage `json:"progress"`
	}
	decode(t, resp, &before)
	if before.State != "pending" || len(before.Progress) != 0 {
		t.Fatalf("fresh job should have no progress: %+v", before)
	}

	rig.mgr.ReportProgress(model.Progress{JobID: created.JobID, RobotID: "r1", Percent: 50, UpdatedAt: time.Now()})
	resp = rig.do(t, "GET", "/api/jobs/"+created.JobID+"/progress", nil)
	var after struct {
		Progress struct {
			Percent int `json:"percent"`
		} `json:"progress"`
	}
	decode(t, resp, &after)
	if after.Progress.Percent != 50 {
		t.Fatalf("percent = %d, want 50", after.Progress.Percent)
	}
}

func TestScheduleLifecycleOverHTTP(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})

	resp := rig.do(t, "POST", "/api/schedules", map[string]interface{}{
		"workflow_id": "wf-nightly",
		"cron_expr":   "*/5 * * * *",
		"timezone":    "UTC",
		"payload":     json.RawMessage(`{"nodes":[{"id":"n1"}]}`),
	})
	if resp.StatusCode() != 201 {
		t.Fatalf("create schedule status = %d, body %s", resp.StatusCode(), resp.Body())
	}
	var sc scheduleView
	decode(t, resp, &sc)
	if sc.ScheduleID == "" || !sc.Enabled || sc.NextFireAt == nil {
		t.Fatalf("unexpected schedule view: %+v", sc)
	}

	resp = rig.do(t, "PUT", "/api/schedules/"+sc.ScheduleID+"/disable", nil)
	var disabled scheduleView
	decode(t, resp, &disabled)
	if disabled.Enabled {
		t.Fatal("schedule should be disabled")
	}

	resp = rig.do(t, "PUT", "/api/schedules/"+sc.ScheduleID+"/trigger", nil)
	if resp.StatusCode() != 201 {
		t.Fatalf("manual trigger status = %d", resp.StatusCode())
	}
	var fired struct {
		JobID string `json:"job_id"`
	}
	decode(t, resp, &fired)
	if fired.JobID == "" {
		t.Fatal("trigger should return job_id")
	}

	resp = rig.do(t, "GET", "/api/schedules", nil)
	var list struct {
		Total int `json:"total"`
	}
	decode(t, resp, &list)
	if list.Total != 1 {
		t.Fatalf("schedule list total = %d, want 1", list.Total)
	}

	resp = rig.do(t, "DELETE", "/api/schedules/"+sc.ScheduleID, nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("delete schedule status = %d", resp.StatusCode())
	}
	resp = rig.do(t, "GET", "/api/schedules/"+sc.ScheduleID, nil)
	if resp.StatusCode() != 404 {
		t.Fatalf("deleted schedule status = %d, want 404", resp.StatusCode())
	}
}

func TestUpdateScheduleRecomputesNextFire(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})

	resp := rig.do(t, "POST", "/api/schedules", map[string]interface{}{
		"workflow_id": "wf-upd",
		"cron_expr":   "0 3 * * *",
		"timezone":    "UTC",
		"payload":     json.RawMessage(`{"nodes":[{"id":"n1"}]}`),
	})
	var sc scheduleView
	decode(t, resp, &sc)

	resp = rig.do(t, "PUT", "/api/schedules/"+sc.ScheduleID, map[string]interface{}{
		"cron_expr": "*/1 * * * *",
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("update status = %d, body %s", resp.StatusCode(), resp.Body())
	}
	var upd scheduleView
	decode(t, resp, &upd)
	if upd.CronExpr != "*/1 * * * *" {
		t.Fatalf("cron_expr = %s", upd.CronExpr)
	}
	if upd.NextFireAt == nil || upd.NextFireAt.After(time.Now().Add(61*time.Second)) {
		t.Fatalf("next_fire_at should be recomputed to within a minute, got %v", upd.NextFireAt)
	}

	// 非法 cron 被拒
	resp = rig.do(t, "PUT", "/api/schedules/"+sc.ScheduleID, map[string]interface{}{
		"cron_expr": "not a cron",
	})
	if resp.StatusCode() != 400 {
		t.Fatalf("bad cron update status = %d, want 400", resp.StatusCode())
	}
}

func TestRobotEndpoints(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})
	ctx := context.Background()

	resp := rig.do(t, "GET", "/api/robots", nil)
	var empty struct {
		Total int `json:"total"`
	}
	decode(t, resp, &empty)
	if empty.Total != 0 {
		t.Fatalf("fresh fleet total = %d, want 0", empty.Total)
	}

	if _, err := rig.fleet.Register(ctx, wire.Register{
		RobotID:           "r1",
		Name:              "bot-1",
		Environment:       "prod",
		Capabilities:      []string{"browser"},
		MaxConcurrentJobs: 2,
	}, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp = rig.do(t, "GET", "/api/robots/r1", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("get robot status = %d", resp.StatusCode())
	}
	var rb robotView
	decode(t, resp, &rb)
	if rb.RobotID != "r1" || rb.Status != "idle" {
		t.Fatalf("unexpected robot view: %+v", rb)
	}

	resp = rig.do(t, "POST", "/api/robots/r1/drain", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("drain status = %d", resp.StatusCode())
	}
	resp = rig.do(t, "GET", "/api/robots/r1", nil)
	decode(t, resp, &rb)
	if rb.Status != "draining" {
		t.Fatalf("status after drain = %s, want draining", rb.Status)
	}

	resp = rig.do(t, "POST", "/api/robots/r1/resume", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("resume status = %d", resp.StatusCode())
	}

	resp = rig.do(t, "GET", "/api/robots/missing", nil)
	if resp.StatusCode() != 404 {
		t.Fatalf("missing robot status = %d, want 404", resp.StatusCode())
	}
}

func TestMintAndRevokeRobotKey(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})
	ctx := context.Background()

	resp := rig.do(t, "POST", "/api/robots/r9/keys", nil)
	if resp.StatusCode() != 201 {
		t.Fatalf("mint status = %d, body %s", resp.StatusCode(), resp.Body())
	}
	var minted struct {
		Token       string `json:"token"`
		Fingerprint string `json:"fingerprint"`
	}
	decode(t, resp, &minted)
	if minted.Token == "" || minted.Fingerprint == "" {
		t.Fatalf("mint reply incomplete: %+v", minted)
	}

	robotID, revoked, err := rig.st.LookupRobotKey(ctx, minted.Fingerprint)
	if err != nil || robotID != "r9" || revoked {
		t.Fatalf("LookupRobotKey = (%s, %v, %v)", robotID, revoked, err)
	}

	resp = rig.do(t, "DELETE", "/api/robots/r9/keys", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("revoke status = %d", resp.StatusCode())
	}
	_, revoked, err = rig.st.LookupRobotKey(ctx, minted.Fingerprint)
	if err != nil || !revoked {
		t.Fatalf("key should be revoked, revoked=%v err=%v", revoked, err)
	}
}

func TestDeadLettersAndActivity(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})

	resp := rig.do(t, "POST", "/api/jobs", submitBody("wf-audit"))
	if resp.StatusCode() != 201 {
		t.Fatalf("submit status = %d", resp.StatusCode())
	}

	resp = rig.do(t, "GET", "/api/dlq", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("dlq status = %d", resp.StatusCode())
	}
	var dlq struct {
		Total int `json:"total"`
	}
	decode(t, resp, &dlq)
	if dlq.Total != 0 {
		t.Fatalf("dlq total = %d, want 0", dlq.Total)
	}

	resp = rig.do(t, "GET", "/api/activity?category=job", nil)
	var activity struct {
		Total int `json:"total"`
	}
	decode(t, resp, &activity)
	if activity.Total < 1 {
		t.Fatal("submit should leave a job audit entry")
	}
}

func TestMetricsEndpoints(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})

	rig.do(t, "POST", "/api/jobs", submitBody("wf-metrics"))

	resp := rig.do(t, "GET", "/api/metrics/jobs", nil)
	var jm struct {
		ByState map[string]int64 `json:"by_state"`
		Total   int64            `json:"total"`
	}
	decode(t, resp, &jm)
	if jm.Total != 1 || jm.ByState["pending"] != 1 {
		t.Fatalf("job metrics = %+v", jm)
	}

	resp = rig.do(t, "GET", "/api/metrics/fleet", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("fleet metrics status = %d", resp.StatusCode())
	}

	resp = rig.do(t, "GET", "/api/metrics/robots", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("robot metrics status = %d", resp.StatusCode())
	}

	resp = rig.do(t, "GET", "/metrics", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("prometheus status = %d", resp.StatusCode())
	}
	if !bytes.Contains(resp.Body(), []byte("casare_")) {
		t.Fatalf("prometheus exposition missing casare metrics: %.120s", resp.Body())
	}
}

func TestHealthz(t *testing.T) {
	rig := newAPIRig(t, rigOptions{})
	resp := rig.do(t, "GET", "/healthz", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("healthz status = %d", resp.StatusCode())
	}
	var hc struct {
		Status string `json:"status"`
	}
	decode(t, resp, &hc)
	if hc.Status != "ok" {
		t.Fatalf("healthz status field = %s", hc.Status)
	}
}
