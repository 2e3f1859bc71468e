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

// RobotStatus Robot 状态；Busy ⇔ 当前持有至少一条 Job
type RobotStatus int

const (
	RobotOffline RobotStatus = iota
	RobotIdle
	RobotBusy
	RobotDraining
)

func (s RobotStatus) String() string {
	switch s {
	case RobotOffline:
		return "offline"
	case RobotIdle:
		return "idle"
	case RobotBusy:
		return "busy"
	case RobotDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// ParseRobotStatus 从字符串解析；未知返回 -1
func ParseRobotStatus(s string) RobotStatus {
	switch s {
	case "offline":
		return RobotOffline
	case "idle":
		return RobotIdle
	case "busy":
		return RobotBusy
	case "draining":
		return RobotDraining
	default:
		return RobotStatus(-1)
	}
}

// Robot 一个 Worker Agent；首次注册时创建，仅软删（decommissioned），
// 因为历史 Job 仍引用 robot_id。
type Robot struct {
	ID                string
	Name              string
	Capabilities      []string
	Environment       string
	MaxConcurrentJobs int
	Status            RobotStatus
	CurrentJobIDs     []string // 派生视图：来自 jobs 表 assigned_robot_id 非终态行
	LastHeartbeatAt   time.Time
	LastAssignedAt    time.Time // least-loaded 平局时的公平性依据
	RegisteredAt      time.Time
	Decommissioned    bool
	TokenFingerprint  string // 会话令牌 sha256 指纹，注册时更新
}

// Heartbeat Robot 周期性活性信号；append-only，按保留窗口清理
type Heartbeat struct {
	RobotID         string
	ReceivedAt      time.Time
	Status          RobotStatus
	CurrentJobCount int
	CPUPercent      float64
	MemoryMB        float64
}

// RobotKey 每 Robot 的对称令牌指纹；令牌本体不落库
type RobotKey struct {
	RobotID   string
	KeyHash   string // sha256 hex
	CreatedAt time.Time
	RevokedAt time.Time
}
