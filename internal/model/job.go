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

// Package model 定义核心实体与状态机：Job、Robot、Schedule、Heartbeat、Audit。
// 实体由 Durable Store 单一持有；queue/registry 的内存视图只是可从存储重建的派生。
package model

import (
	"time"

	"casare-orchestrator/pkg/errors"
)

// JobState Job 状态
type JobState int

const (
	StatePending JobState = iota
	StateAssigned
	StateRunning
	StateCancelling
	StateCompleted
	StateFailed
	StateCancelled
	StateTimedOut
	StateDeadLetter
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAssigned:
		return "assigned"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	case StateDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Terminal 是否终态；非终态 Job 参与去重唯一性约束与 requeue
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut, StateDeadLetter:
		return true
	default:
		return false
	}
}

// ParseJobState 从字符串解析状态；未知返回 -1
func ParseJobState(s string) JobState {
	switch s {
	case "pending":
		return StatePending
	case "assigned":
		return StateAssigned
	case "running":
		return StateRunning
	case "cancelling":
		return StateCancelling
	case "completed":
		return StateCompleted
	case "failed":
		return StateFailed
	case "cancelled":
		return StateCancelled
	case "timed_out":
		return StateTimedOut
	case "dead_letter":
		return StateDeadLetter
	default:
		return JobState(-1)
	}
}

// JobError Worker 上报或核心判定的失败信息；Kind 决定重试语义
type JobError struct {
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
	Stack   string      `json:"stack,omitempty"`
}

// TriggerContext 谁/为何提交了这条 Job
type TriggerContext struct {
	Source     string `json:"source"`             // api | schedule | cli | manual
	Subject    string `json:"subject,omitempty"`  // 提交者身份（JWT subject 或 CLI 用户）
	ScheduleID string `json:"schedule_id,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Job 一次 Workflow 执行请求；状态迁移只经由 Job Queue Manager 在存储事务内完成
type Job struct {
	ID                   string
	WorkflowID           string
	Payload              []byte // 不透明 Workflow blob，提交时只校验尺寸与节点数
	NodeCount            int
	Priority             int // 0..20，0 最高；同优先级按 created_at FIFO
	Environment          string
	RequiredCapabilities []string
	TargetRobotID        string // 非空则硬 pin：目标 Robot 不可用时 Job 停留 Pending
	Trigger              TriggerContext
	ScheduleID           string
	DedupKey             string
	State                JobState
	RetryCount           int
	MaxRetries           int
	TimeoutSeconds       int
	NextAttemptAt        time.Time // backoff 闸门：claim 只取 next_attempt_at <= now
	CancelRequestedAt    time.Time
	CreatedAt            time.Time
	ClaimedAt            time.Time
	StartedAt            time.Time
	CompletedAt          time.Time
	AssignedRobotID      string
	Result               []byte // 成功结果（JSON）
	Error                *JobError
}

// Progress 执行中 Job 的最新进度快照；非持久，仅供观察接口与 fan-out
type Progress struct {
	JobID     string    `json:"job_id"`
	RobotID   string    `json:"robot_id"`
	Percent   int       `json:"percent"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeadLetter 重试耗尽后的终点记录；不会被自动重新执行
type DeadLetter struct {
	JobID        string    `json:"job_id"`
	WorkflowID   string    `json:"workflow_id"`
	Payload      []byte    `json:"-"`
	ErrorKind    string    `json:"error_kind"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
	DeadAt       time.Time `json:"dead_at"`
}
