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
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"casare-orchestrator/pkg/utils"
)

func apiBaseURL() string {
	return utils.CoalesceString(os.Getenv("CASARE_API_URL"), "http://localhost:8080")
}

func newClient() *resty.Client {
	c := resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	if token := os.Getenv("CASARE_API_TOKEN"); token != "" {
		c.SetAuthToken(token)
	}
	return c
}

func submitJob(body map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(body).
		SetResult(&out).
		Post("/api/jobs")
	if err != nil {
		return nil, err
	}
	// 409 = dedup 命中，响应里带已存在的 job_id，照常返回
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusConflict {
		return nil, fmt.Errorf("POST /api/jobs: %s", resp.String())
	}
	return out, nil
}

func getJob(jobID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/jobs/" + jobID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/jobs/%s: %s", jobID, resp.String())
	}
	return out, nil
}

func getJobProgress(jobID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/jobs/" + jobID + "/progress")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET progress: %s", resp.String())
	}
	return out, nil
}

func cancelJob(jobID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Delete("/api/jobs/" + jobID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusAccepted {
		return nil, fmt.Errorf("DELETE /api/jobs/%s: %s", jobID, resp.String())
	}
	return out, nil
}

func listJobs(state string) ([]map[string]interface{}, error) {
	var out struct {
		Jobs []map[string]interface{} `json:"jobs"`
	}
	req := newClient().R().SetResult(&out)
	if state != "" {
		req.SetQueryParam("state", state)
	}
	resp, err := req.Get("/api/jobs")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/jobs: %s", resp.String())
	}
	return out.Jobs, nil
}

func listRobots() ([]map[string]interface{}, error) {
	var out struct {
		Robots []map[string]interface{} `json:"robots"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/robots")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/robots: %s", resp.String())
	}
	return out.Robots, nil
}

func drainRobot(robotID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Post("/api/robots/" + robotID + "/drain")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST drain: %s", resp.String())
	}
	return out, nil
}

func resumeRobot(robotID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Post("/api/robots/" + robotID + "/resume")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST resume: %s", resp.String())
	}
	return out, nil
}

func mintRobotKey(robotID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Post("/api/robots/" + robotID + "/keys")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("POST keys: %s", resp.String())
	}
	return out, nil
}

func listDeadLetters() ([]map[string]interface{}, error) {
	var out struct {
		DeadLetters []map[string]interface{} `json:"dead_letters"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/dlq")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/dlq: %s", resp.String())
	}
	return out.DeadLetters, nil
}

func listSchedules() ([]map[string]interface{}, error) {
	var out struct {
		Schedules []map[string]interface{} `json:"schedules"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/schedules")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/schedules: %s", resp.String())
	}
	return out.Schedules, nil
}

func triggerSchedule(scheduleID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Post("/api/schedules/" + scheduleID + "/trigger")
	if err != nil {
		return nil, err
	}
	// 409 = singleton 已有在途 job，响应里带该 job_id
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusConflict {
		return nil, fmt.Errorf("POST trigger: %s", resp.String())
	}
	return out, nil
}

func listActivity(limit int) ([]map[string]interface{}, error) {
	var out struct {
		Activity []map[string]interface{} `json:"activity"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		Get("/api/activity")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/activity: %s", resp.String())
	}
	return out.Activity, nil
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// jsonRaw 把文件里的 JSON 原样嵌入请求体，避免按字符串二次转义
func jsonRaw(data []byte) json.RawMessage {
	return json.RawMessage(data)
}
