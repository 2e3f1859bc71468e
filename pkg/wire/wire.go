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

// Package wire 定义 Orchestrator 与 Robot 之间 WebSocket 会话的帧格式与消息 schema。
// 双方都只依赖本包，robot 侧不引用 internal 下的任何类型。
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// MsgType 帧类型。ingress 为 robot→orchestrator，egress 反之。
type MsgType string

const (
	// ingress
	TypeRegister    MsgType = "register"
	TypeHeartbeat   MsgType = "heartbeat"
	TypeJobAccept   MsgType = "job_accept"
	TypeJobReject   MsgType = "job_reject"
	TypeJobProgress MsgType = "job_progress"
	TypeJobComplete MsgType = "job_complete"
	TypeJobFailed   MsgType = "job_failed"
	TypeJobLog      MsgType = "job_log"

	// egress
	TypeRegistered MsgType = "registered"
	TypeAssign     MsgType = "assign"
	TypeCancel     MsgType = "cancel"
	TypeDrain      MsgType = "drain"
	TypeShutdown   MsgType = "shutdown"
)

// Frame 会话帧。Seq 为每会话单调递增（从 1 起），接收方丢弃 seq ≤ 已见最大值的帧，
// 以吸收重连后的重放；跨 job 不保证顺序，同一 job 的帧按 Seq 有序。
type Frame struct {
	Type    MsgType         `json:"type"`
	Seq     uint64          `json:"seq"`
	RobotID string          `json:"robot_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode 组帧并序列化。payload 为 nil 时省略 payload 字段（Drain/Shutdown 用）。
func Encode(t MsgType, seq uint64, robotID string, payload any) ([]byte, error) {
	f := Frame{Type: t, Seq: seq, RobotID: robotID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal %s payload: %w", t, err)
		}
		f.Payload = raw
	}
	return json.Marshal(&f)
}

// Decode 解析一帧。只校验外层结构，payload 留给调用方按 Type 再解。
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("wire: frame missing type")
	}
	return &f, nil
}

// Unmarshal 把帧 payload 解到 v。
func (f *Frame) Unmarshal(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("wire: %s frame has empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Register 会话首帧。capabilities 与并发上限在注册时声明，重连需重新 Register。
type Register struct {
	RobotID           string   `json:"robot_id"`
	Name              string   `json:"name"`
	Capabilities      []string `json:"capabilities"`
	Environment       string   `json:"environment"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Version           string   `json:"version,omitempty"`
}

// Registered 注册回执；robot 收到后才能认为会话就绪。
type Registered struct {
	SessionID                string `json:"session_id"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// Heartbeat 周期心跳，兼作应用层 keep-alive。CurrentJobIDs 用于失联后的对账。
type Heartbeat struct {
	Status        string   `json:"status"`
	CurrentJobIDs []string `json:"current_job_ids"`
	CPUPercent    float64  `json:"cpu_percent,omitempty"`
	MemoryMB      float64  `json:"memory_mb,omitempty"`
}

type JobAccept struct {
	JobID string `json:"job_id"`
}

type JobReject struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

type JobProgress struct {
	JobID   string  `json:"job_id"`
	Percent float64 `json:"percent"`
	NodeID  string  `json:"node_id,omitempty"`
	Message string  `json:"message,omitempty"`
}

type JobComplete struct {
	JobID  string          `json:"job_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// JobFailed 的 Kind 对应 pkg/errors 的错误类别字符串（如 "cancelled"、"fatal"）。
type JobFailed struct {
	JobID   string `json:"job_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

type JobLog struct {
	JobID   string    `json:"job_id"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// AssignJob 下发给 robot 的任务描述，是 Job 的传输投影（不含内部状态字段）。
type AssignJob struct {
	JobID          string          `json:"job_id"`
	WorkflowID     string          `json:"workflow_id"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Environment    string          `json:"environment,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	RetryCount     int             `json:"retry_count"`
}

// Assign robot 须在 AckDeadline 前回 JobAccept/JobReject，否则视为拒绝。
type Assign struct {
	Job         AssignJob `json:"job"`
	AckDeadline time.Time `json:"ack_deadline"`
}

type Cancel struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// Drain 通知 robot 停止接受新任务；在途任务继续跑完。
type Drain struct {
	Reason string `json:"reason,omitempty"`
}

// Shutdown 要求 robot 在宽限期内结束在途任务并断开。
type Shutdown struct {
	GracePeriodSeconds int `json:"grace_period_seconds"`
}
