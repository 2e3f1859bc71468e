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

// 审计类别
const (
	AuditJob      = "job"
	AuditRobot    = "robot"
	AuditSchedule = "schedule"
	AuditQueue    = "queue"
	AuditAPI      = "api"
)

// 审计动作（不穷举；新增动作直接用字符串即可）
const (
	ActionSubmitted     = "submitted"
	ActionAssigned      = "assigned"
	ActionStarted       = "started"
	ActionCompleted     = "completed"
	ActionFailed        = "failed"
	ActionRequeued      = "requeued"
	ActionCancelRequest = "cancel_requested"
	ActionCancelled     = "cancelled"
	ActionCancelForced  = "cancel_forced"
	ActionTimedOut      = "timed_out"
	ActionDeadLettered  = "dead_lettered"
	ActionRegistered    = "registered"
	ActionOffline       = "offline"
	ActionDraining      = "draining"
	ActionResumed       = "resumed"
	ActionFired         = "fired"
	ActionMissedFires   = "missed_fires"
	ActionReconciled    = "reconciled"
	ActionCreated       = "created"
	ActionUpdated       = "updated"
	ActionDeleted       = "deleted"
	ActionEnabled       = "enabled"
	ActionDisabled      = "disabled"
	ActionTriggered     = "triggered"
)

// AuditEntry 状态迁移的不可变记录；对账与 activity feed 的数据源
type AuditEntry struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Category   string    `json:"category"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor,omitempty"`
	Detail     []byte    `json:"detail,omitempty"` // JSON
}
