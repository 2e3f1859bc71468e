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

package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func withStubAPI(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("CASARE_API_URL", srv.URL)
}

func TestSubmitJobParsesCreated(t *testing.T) {
	var gotBody map[string]interface{}
	withStubAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/jobs" {
			t.Errorf("意外请求 %s %s", r.Method, r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"job_id":"j1","state":"pending"}`))
	})

	out, err := submitJob(map[string]interface{}{
		"workflow_id": "wf-1",
		"payload":     map[string]interface{}{"nodes": []map[string]string{{"id": "n1"}}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out["job_id"] != "j1" {
		t.Fatalf("job_id = %v", out["job_id"])
	}
	if gotBody["workflow_id"] != "wf-1" {
		t.Fatalf("请求体 workflow_id = %v", gotBody["workflow_id"])
	}
}

func TestSubmitJobDedupConflictReturnsExisting(t *testing.T) {
	withStubAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"重复提交","job_id":"j0","state":"running"}`))
	})

	out, err := submitJob(map[string]interface{}{"workflow_id": "wf-1"})
	if err != nil {
		t.Fatalf("dedup 409 不应视为错误: %v", err)
	}
	if out["job_id"] != "j0" {
		t.Fatalf("job_id = %v", out["job_id"])
	}
}

func TestCancelJobWantsAccepted(t *testing.T) {
	withStubAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"j1","state":"cancelling"}`))
	})
	out, err := cancelJob("j1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out["state"] != "cancelling" {
		t.Fatalf("state = %v", out["state"])
	}

	withStubAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"终态任务"}`))
	})
	if _, err := cancelJob("j1"); err == nil {
		t.Fatal("400 应报错")
	}
}

func TestAuthTokenAttached(t *testing.T) {
	seen := ""
	withStubAPI(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"robots":[],"total":0}`))
	})
	t.Setenv("CASARE_API_TOKEN", "tok-123")

	if _, err := listRobots(); err != nil {
		t.Fatalf("robots: %v", err)
	}
	if seen != "Bearer tok-123" {
		t.Fatalf("Authorization = %q", seen)
	}
}

func TestListDeadLetters(t *testing.T) {
	withStubAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/dlq" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"dead_letters":[{"job_id":"j9","reason":"retries_exhausted"}],"total":1}`))
	})
	items, err := listDeadLetters()
	if err != nil {
		t.Fatalf("dlq: %v", err)
	}
	if len(items) != 1 || items[0]["job_id"] != "j9" {
		t.Fatalf("items = %+v", items)
	}
}

func TestTriggerScheduleSingletonConflict(t *testing.T) {
	withStubAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/schedules/s1/trigger" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"已有在途任务","job_id":"j5","state":"running"}`))
	})
	out, err := triggerSchedule("s1")
	if err != nil {
		t.Fatalf("singleton 409 不应视为错误: %v", err)
	}
	if out["job_id"] != "j5" {
		t.Fatalf("job_id = %v", out["job_id"])
	}
}
