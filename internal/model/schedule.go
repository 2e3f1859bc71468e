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

package model

import "time"

// ExecutionMode Schedule 触发模式
type ExecutionMode string

const (
	// ModeParallel 每次到点都入队（dedup key 含 fire 时间戳）
	ModeParallel ExecutionMode = "parallel"
	// ModeSingleton 上一轮未终态时跳过本轮（dedup key 固定为 scheduleID:singleton）
	ModeSingleton ExecutionMode = "singleton"
)

// Schedule 周期性 Job 来源；next_fire_at 的 CAS 推进是多实例防重放的唯一序列化点
type Schedule struct {
	ID                   string
	WorkflowID           string
	Name                 string
	CronExpr             string
	Timezone             string
	Enabled              bool
	ExecutionMode        ExecutionMode
	Priority             int
	Environment          string
	RequiredCapabilities []string
	Payload              []byte
	NextFireAt           time.Time
	LastFireAt           time.Time
	RunCount             int64
	FailureCount         int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
