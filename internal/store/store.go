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

// Package store 持久化层：Postgres 与内存两个实现共用同一契约。
// 所有写操作事务化；原子认领靠行级 skip-lock（或内存实现里的互斥锁）保证
// 并发 claimer 拿不到同一条 Job。
package store

import (
	"context"
	"time"

	"casare-orchestrator/internal/model"
)

// JobFilter 列表查询过滤
type JobFilter struct {
	States      []model.JobState
	Environment string
	ScheduleID  string
	Limit       int // <=0 默认 100
}

// JobUpdate 条件状态迁移时一并写入的字段；零值字段不更新
type JobUpdate struct {
	AssignedRobotID   *string // 非 nil 时写入（空串表示清除）
	ClaimedAt         time.Time
	StartedAt         time.Time
	CompletedAt       time.Time
	CancelRequestedAt time.Time
	NextAttemptAt     time.Time
	RetryCount        *int
	Result            []byte
	Error             *model.JobError
}

// RequeueResult requeue_jobs_of_robot 的分类结果（job_id 列表）
type RequeueResult struct {
	Requeued  []string // 回到 Pending，retry_count 已 +1
	Exhausted []string // 重试耗尽 → Failed(WorkerLost)，已入 DLQ
	Cancelled []string // 失联时处于 Cancelling → 直接 Cancelled
}

// AuditFilter 审计列表过滤
type AuditFilter struct {
	Category string
	EntityID string
	Limit    int // <=0 默认 200
}

// Jobs Job 表契约。认领与状态迁移是队列语义的基石：
// ClaimOnePending 对并发 claimer 保证至多一人拿到同一 Job；
// UpdateJobState 在当前状态 ≠ from 时返回 KindStaleTransition。
type Jobs interface {
	// InsertJob 持久化新 Job；job_id 已存在或 dedup_key 撞上非终态 Job 时返回 KindDuplicate
	InsertJob(ctx context.Context, j *model.Job) error
	// GetJob 按 id 取 Job；不存在返回 KindNotFound
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	// FindActiveJobByDedupKey 查找持有该去重键的非终态 Job；无则返回 KindNotFound
	FindActiveJobByDedupKey(ctx context.Context, key string) (*model.Job, error)
	// ListJobs 按过滤条件列出，按 created_at 降序
	ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error)
	// PeekPending 最高优先级、最老的已到期 Pending Job；仅供 Dispatcher 预看（advisory，
	// 可能与并发认领竞争），序列化点始终是 ClaimOnePending。无则返回 (nil, nil)
	PeekPending(ctx context.Context) (*model.Job, error)
	// ClaimOnePending 原子认领：Pending、next_attempt_at 已到、能力/环境匹配、
	// target 为空或等于 robotID 的最高优先级最老 Job → Assigned。无可认领返回 (nil, nil)
	ClaimOnePending(ctx context.Context, robotID string, capabilities []string, environment string) (*model.Job, error)
	// UpdateJobState 条件迁移 from → to 并写入 upd 的字段；当前状态 ≠ from 返回 KindStaleTransition
	UpdateJobState(ctx context.Context, jobID string, from, to model.JobState, upd JobUpdate) error
	// RequeueJobsOfRobot 单事务处理该 robot 的全部非终态 Job：重试未尽 → Pending
	// （retry_count+1，next_attempt_at 取 delayFor(旧 retry_count)）；耗尽 → Failed(WorkerLost) + DLQ；
	// Cancelling → Cancelled
	RequeueJobsOfRobot(ctx context.Context, robotID string, delayFor func(retryCount int) time.Duration) (*RequeueResult, error)
	// JobsOfRobot 该 robot 名下全部非终态 Job（心跳对账用）
	JobsOfRobot(ctx context.Context, robotID string) ([]*model.Job, error)
	// RunningOverTimeout Running 且 now-started_at > timeout_seconds 的 Job（超时清扫）
	RunningOverTimeout(ctx context.Context, now time.Time) ([]*model.Job, error)
	// CancellingOverdue Cancelling 且 cancel_requested_at < cutoff 的 Job（取消 ack 超时）
	CancellingOverdue(ctx context.Context, cutoff time.Time) ([]*model.Job, error)
	// CountJobsByState 各状态数量，供 gauge 与 /metrics/jobs
	CountJobsByState(ctx context.Context) (map[model.JobState]int64, error)
	// InsertDeadLetter 入 DLQ；重复 job_id 幂等覆盖
	InsertDeadLetter(ctx context.Context, d *model.DeadLetter) error
	// ListDeadLetters 按 dead_at 降序
	ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error)
}

// Robots Robot 表 + 心跳 + API key 契约
type Robots interface {
	// UpsertRobot 注册/重注册即 upsert；registered_at 首次写入后不变
	UpsertRobot(ctx context.Context, r *model.Robot) error
	// GetRobot 不存在返回 KindNotFound
	GetRobot(ctx context.Context, robotID string) (*model.Robot, error)
	ListRobots(ctx context.Context) ([]*model.Robot, error)
	// SetRobotStatus 状态落库（Idle/Busy/Draining/Offline）
	SetRobotStatus(ctx context.Context, robotID string, status model.RobotStatus) error
	// TouchRobotAssigned 记录该 robot 最近一次获派时间（least-loaded 平局公平性）
	TouchRobotAssigned(ctx context.Context, robotID string, at time.Time) error
	// RecordHeartbeat 追加心跳行并刷新 robots.last_heartbeat_at
	RecordHeartbeat(ctx context.Context, hb *model.Heartbeat) error
	// MarkStaleRobots 将心跳早于 now-threshold 且未 Offline 的 robot 置 Offline，返回其 id
	MarkStaleRobots(ctx context.Context, threshold time.Duration) ([]string, error)
	// PurgeHeartbeatsBefore 心跳保留期清理，返回删除行数
	PurgeHeartbeatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// InsertRobotKey 存 token 指纹；明文不落库
	InsertRobotKey(ctx context.Context, k *model.RobotKey) error
	// LookupRobotKey 按指纹查 key（pkg/auth.KeyLookup）；不存在返回 KindNotFound
	LookupRobotKey(ctx context.Context, fingerprint string) (robotID string, revoked bool, err error)
	// RevokeRobotKeys 吊销该 robot 的全部 key
	RevokeRobotKeys(ctx context.Context, robotID string) error
}

// Schedules Schedule 表契约。触发的幂等由 AdvanceSchedule 的 CAS 保证：
// 只有成功把 next_fire_at 从旧值推进到新值的实例才有触发权。
type Schedules interface {
	// InsertSchedule id 已存在返回 KindDuplicate
	InsertSchedule(ctx context.Context, s *model.Schedule) error
	GetSchedule(ctx context.Context, scheduleID string) (*model.Schedule, error)
	ListSchedules(ctx context.Context) ([]*model.Schedule, error)
	// UpdateSchedule 全字段覆盖（id 不变）；不存在返回 KindNotFound
	UpdateSchedule(ctx context.Context, s *model.Schedule) error
	DeleteSchedule(ctx context.Context, scheduleID string) error
	// SetScheduleEnabled 启停；重新启用时一并重置 next_fire_at 防止补触发历史周期
	SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool, nextFireAt time.Time) error
	// DueSchedules enabled 且 next_fire_at <= now 的 schedule
	DueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error)
	// AdvanceSchedule CAS：仅当 next_fire_at 仍为 prevNextFire 时推进到 nextFire 并
	// 记 last_fire_at/run_count；推进成功返回 true，输掉竞争返回 false
	AdvanceSchedule(ctx context.Context, scheduleID string, prevNextFire, firedAt, nextFire time.Time) (bool, error)
	// IncrementScheduleFailure 该 schedule 触发的 Job 以失败终态收场时 +1
	IncrementScheduleFailure(ctx context.Context, scheduleID string) error
}

// Audit 审计日志契约（只追加）
type Audit interface {
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]*model.AuditEntry, error)
}

// Store 聚合全部持久化契约
type Store interface {
	Jobs
	Robots
	Schedules
	Audit
	// Ping 连通性检查（启动门禁与 /healthz）
	Ping(ctx context.Context) error
	// Close 释放连接池
	Close()
}
