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

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"casare-orchestrator/internal/model"
	"casare-orchestrator/pkg/errors"
)

const jobCols = `id, workflow_id, payload, node_count, priority, environment,
	required_capabilities, target_robot_id, trigger_source, trigger_subject, trigger_note,
	schedule_id, dedup_key, state, retry_count, max_retries, timeout_seconds,
	next_attempt_at, cancel_requested_at, created_at, claimed_at, started_at, completed_at,
	assigned_robot_id, result, error_kind, error_message, error_stack`

// 判定 Job 可被认领的谓词：Pending、backoff 已到期、环境匹配（Job 未指定环境时任意）、
// target 未 pin 或 pin 到本 robot、所需能力都在 robot 能力集内（逗号分隔列复用 ANY 检查）
const claimableWhere = `state = 0
	  AND next_attempt_at <= now()
	  AND (environment = '' OR environment = $2)
	  AND (target_robot_id IS NULL OR target_robot_id = $1)
	  AND (required_capabilities IS NULL OR trim(required_capabilities) = ''
	       OR (SELECT bool_and(trim(c) = ANY($3))
	           FROM unnest(string_to_array(required_capabilities, ',')) AS c))`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j                                                 model.Job
		state                                             int16
		caps, target, trigSubject, trigNote               *string
		scheduleID, dedupKey, assignedRobot               *string
		errKind, errMsg, errStack                         *string
		cancelReqAt, claimedAt, startedAt, completedAt    *time.Time
	)
	err := row.Scan(
		&j.ID, &j.WorkflowID, &j.Payload, &j.NodeCount, &j.Priority, &j.Environment,
		&caps, &target, &j.Trigger.Source, &trigSubject, &trigNote,
		&scheduleID, &dedupKey, &state, &j.RetryCount, &j.MaxRetries, &j.TimeoutSeconds,
		&j.NextAttemptAt, &cancelReqAt, &j.CreatedAt, &claimedAt, &startedAt, &completedAt,
		&assignedRobot, &j.Result, &errKind, &errMsg, &errStack,
	)
	if err != nil {
		return nil, err
	}
	j.State = pgToState(state)
	j.RequiredCapabilities = pgToCaps(caps)
	j.TargetRobotID = strOrEmpty(target)
	j.Trigger.Subject = strOrEmpty(trigSubject)
	j.Trigger.Note = strOrEmpty(trigNote)
	j.ScheduleID = strOrEmpty(scheduleID)
	j.Trigger.ScheduleID = j.ScheduleID
	j.DedupKey = strOrEmpty(dedupKey)
	j.CancelRequestedAt = timeOrZero(cancelReqAt)
	j.ClaimedAt = timeOrZero(claimedAt)
	j.StartedAt = timeOrZero(startedAt)
	j.CompletedAt = timeOrZero(completedAt)
	j.AssignedRobotID = strOrEmpty(assignedRobot)
	if errKind != nil {
		j.Error = &model.JobError{
			Kind:    errors.Kind(*errKind),
			Message: strOrEmpty(errMsg),
			Stack:   strOrEmpty(errStack),
		}
	}
	return &j, nil
}

// InsertJob 实现 Jobs。job_id 撞主键或 dedup_key 撞上非终态 Job 时返回 KindDuplicate。
func (s *PgStore) InsertJob(ctx context.Context, j *model.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.NextAttemptAt.IsZero() {
		j.NextAttemptAt = j.CreatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, workflow_id, payload, node_count, priority, environment,
		    required_capabilities, target_robot_id, trigger_source, trigger_subject, trigger_note,
		    schedule_id, dedup_key, state, retry_count, max_retries, timeout_seconds,
		    next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		j.ID, j.WorkflowID, j.Payload, j.NodeCount, j.Priority, j.Environment,
		capsToPg(j.RequiredCapabilities), nullStr(j.TargetRobotID),
		j.Trigger.Source, nullStr(j.Trigger.Subject), nullStr(j.Trigger.Note),
		nullStr(j.ScheduleID), nullStr(j.DedupKey), stateToPg(j.State),
		j.RetryCount, j.MaxRetries, j.TimeoutSeconds, j.NextAttemptAt, j.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.WithKind(errors.KindDuplicate, err, "job 已存在")
		}
		return errors.WithKind(errors.KindTransient, err, "插入 job 失败")
	}
	return nil
}

// GetJob 实现 Jobs
func (s *PgStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errNoRows(err) {
			return nil, errors.Ef(errors.KindNotFound, "job %s 不存在", jobID)
		}
		return nil, errors.WithKind(errors.KindTransient, err, "查询 job 失败")
	}
	return j, nil
}

// FindActiveJobByDedupKey 实现 Jobs；只看非终态（state < 4）
func (s *PgStore) FindActiveJobByDedupKey(ctx context.Context, key string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE dedup_key = $1 AND state < $2`,
		key, pgStateTerminalFloor)
	j, err := scanJob(row)
	if err != nil {
		if errNoRows(err) {
			return nil, errors.Ef(errors.KindNotFound, "无持有去重键 %s 的活动 job", key)
		}
		return nil, errors.WithKind(errors.KindTransient, err, "按去重键查询失败")
	}
	return j, nil
}

// ListJobs 实现 Jobs
func (s *PgStore) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	where := []string{"true"}
	args := []interface{}{}
	if len(f.States) > 0 {
		codes := make([]int16, 0, len(f.States))
		for _, st := range f.States {
			codes = append(codes, stateToPg(st))
		}
		args = append(args, codes)
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if f.Environment != "" {
		args = append(args, f.Environment)
		where = append(where, fmt.Sprintf("environment = $%d", len(args)))
	}
	if f.ScheduleID != "" {
		args = append(args, f.ScheduleID)
		where = append(where, fmt.Sprintf("schedule_id = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := `SELECT ` + jobCols + ` FROM jobs WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "列出 job 失败")
	}
	defer rows.Close()
	var list []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "扫描 job 失败")
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// PeekPending 实现 Jobs；只读预看，不加锁
func (s *PgStore) PeekPending(ctx context.Context) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE state = 0 AND next_attempt_at <= now()
		 ORDER BY priority ASC, created_at ASC LIMIT 1`)
	j, err := scanJob(row)
	if err != nil {
		if errNoRows(err) {
			return nil, nil
		}
		return nil, errors.WithKind(errors.KindTransient, err, "预看 pending 失败")
	}
	return j, nil
}

// ClaimOnePending 实现 Jobs。skip-lock 子查询保证并发 claimer 拿不到同一行：
// 选中行在事务内被锁住，其余 claimer 跳过它选择下一行或空手而归。
func (s *PgStore) ClaimOnePending(ctx context.Context, robotID string, capabilities []string, environment string) (*model.Job, error) {
	if capabilities == nil {
		capabilities = []string{}
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET state = 1, assigned_robot_id = $1, claimed_at = now()
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE `+claimableWhere+`
		   ORDER BY priority ASC, created_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobCols,
		robotID, environment, capabilities)
	j, err := scanJob(row)
	if err != nil {
		if errNoRows(err) {
			return nil, nil
		}
		return nil, errors.WithKind(errors.KindTransient, err, "认领 job 失败")
	}
	return j, nil
}

// UpdateJobState 实现 Jobs。WHERE state = from 是并发安全的关键：
// 0 行受影响时区分 NotFound 与 StaleTransition，后者由调用方有界重试。
func (s *PgStore) UpdateJobState(ctx context.Context, jobID string, from, to model.JobState, upd JobUpdate) error {
	args := []interface{}{jobID, stateToPg(from), stateToPg(to)}
	set := []string{"state = $3"}
	add := func(col string, v interface{}) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.AssignedRobotID != nil {
		add("assigned_robot_id", nullStr(*upd.AssignedRobotID))
	}
	if !upd.ClaimedAt.IsZero() {
		add("claimed_at", upd.ClaimedAt)
	}
	if !upd.StartedAt.IsZero() {
		add("started_at", upd.StartedAt)
	}
	if !upd.CompletedAt.IsZero() {
		add("completed_at", upd.CompletedAt)
	}
	if !upd.CancelRequestedAt.IsZero() {
		add("cancel_requested_at", upd.CancelRequestedAt)
	}
	if !upd.NextAttemptAt.IsZero() {
		add("next_attempt_at", upd.NextAttemptAt)
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	if upd.Result != nil {
		add("result", upd.Result)
	}
	if upd.Error != nil {
		add("error_kind", string(upd.Error.Kind))
		add("error_message", upd.Error.Message)
		add("error_stack", nullStr(upd.Error.Stack))
	}
	cmd, err := s.pool.Exec(ctx,
		`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = $1 AND state = $2`, args...)
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "更新 job 状态失败")
	}
	if cmd.RowsAffected() == 0 {
		var cur int16
		err := s.pool.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, jobID).Scan(&cur)
		if errNoRows(err) {
			return errors.Ef(errors.KindNotFound, "job %s 不存在", jobID)
		}
		if err != nil {
			return errors.WithKind(errors.KindTransient, err, "读取 job 状态失败")
		}
		return errors.Ef(errors.KindStaleTransition,
			"job %s 当前状态 %s，期望 %s", jobID, pgToState(cur), from)
	}
	return nil
}

// RequeueJobsOfRobot 实现 Jobs。单事务 + 行锁保证与并发 claim/complete 串行化；
// 批量更新走 pgx.Batch 少跑几趟网络。
func (s *PgStore) RequeueJobsOfRobot(ctx context.Context, robotID string, delayFor func(retryCount int) time.Duration) (*RequeueResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "开启 requeue 事务失败")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE assigned_robot_id = $1 AND state < $2 FOR UPDATE`,
		robotID, pgStateTerminalFloor)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "查询 robot 在途 job 失败")
	}
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, errors.WithKind(errors.KindTransient, err, "扫描在途 job 失败")
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "遍历在途 job 失败")
	}

	res := &RequeueResult{}
	now := time.Now()
	batch := &pgx.Batch{}
	for _, j := range jobs {
		switch {
		case j.State == model.StateCancelling:
			// 取消中失联：不再等 ack，直接终态
			batch.Queue(
				`UPDATE jobs SET state = $2, completed_at = $3, assigned_robot_id = NULL,
				    error_kind = $4, error_message = $5 WHERE id = $1`,
				j.ID, stateToPg(model.StateCancelled), now,
				string(errors.KindCancelled), "robot 在取消确认前失联")
			res.Cancelled = append(res.Cancelled, j.ID)
		case j.RetryCount < j.MaxRetries:
			delay := time.Duration(0)
			if delayFor != nil {
				delay = delayFor(j.RetryCount)
			}
			batch.Queue(
				`UPDATE jobs SET state = 0, assigned_robot_id = NULL, claimed_at = NULL,
				    started_at = NULL, retry_count = retry_count + 1, next_attempt_at = $2,
				    error_kind = $3, error_message = $4 WHERE id = $1`,
				j.ID, now.Add(delay),
				string(errors.KindWorkerLost), "robot 失联，job 重新入队")
			res.Requeued = append(res.Requeued, j.ID)
		default:
			batch.Queue(
				`UPDATE jobs SET state = $2, completed_at = $3, assigned_robot_id = NULL,
				    error_kind = $4, error_message = $5 WHERE id = $1`,
				j.ID, stateToPg(model.StateFailed), now,
				string(errors.KindWorkerLost), "robot 失联且重试耗尽")
			batch.Queue(
				`INSERT INTO dlq (job_id, workflow_id, payload, error_kind, error_message, retry_count, dead_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (job_id) DO UPDATE SET error_kind = EXCLUDED.error_kind,
				    error_message = EXCLUDED.error_message, retry_count = EXCLUDED.retry_count,
				    dead_at = EXCLUDED.dead_at`,
				j.ID, j.WorkflowID, j.Payload,
				string(errors.KindWorkerLost), "robot 失联且重试耗尽", j.RetryCount, now)
			res.Exhausted = append(res.Exhausted, j.ID)
		}
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return nil, errors.WithKind(errors.KindTransient, err, "requeue 批量更新失败")
			}
		}
		if err := br.Close(); err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "关闭 requeue 批次失败")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "提交 requeue 事务失败")
	}
	return res, nil
}

// JobsOfRobot 实现 Jobs
func (s *PgStore) JobsOfRobot(ctx context.Context, robotID string) ([]*model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE assigned_robot_id = $1 AND state < $2`,
		robotID, pgStateTerminalFloor)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "查询 robot job 失败")
	}
	defer rows.Close()
	var list []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "扫描 robot job 失败")
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// RunningOverTimeout 实现 Jobs；timeout_seconds 是每条 Job 自己的上限
func (s *PgStore) RunningOverTimeout(ctx context.Context, now time.Time) ([]*model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE state = 2 AND started_at IS NOT NULL
		   AND started_at + make_interval(secs => timeout_seconds) < $1`,
		now)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "查询超时 job 失败")
	}
	defer rows.Close()
	var list []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "扫描超时 job 失败")
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// CancellingOverdue 实现 Jobs
func (s *PgStore) CancellingOverdue(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE state = 3 AND cancel_requested_at IS NOT NULL AND cancel_requested_at < $1`,
		cutoff)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "查询取消超时 job 失败")
	}
	defer rows.Close()
	var list []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "扫描取消超时 job 失败")
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// CountJobsByState 实现 Jobs
func (s *PgStore) CountJobsByState(ctx context.Context) (map[model.JobState]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "统计 job 状态失败")
	}
	defer rows.Close()
	out := make(map[model.JobState]int64)
	for rows.Next() {
		var state int16
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "扫描状态统计失败")
		}
		out[pgToState(state)] = n
	}
	return out, rows.Err()
}

// InsertDeadLetter 实现 Jobs；同 job_id 幂等覆盖
func (s *PgStore) InsertDeadLetter(ctx context.Context, d *model.DeadLetter) error {
	if d.DeadAt.IsZero() {
		d.DeadAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dlq (job_id, workflow_id, payload, error_kind, error_message, retry_count, dead_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (job_id) DO UPDATE SET error_kind = EXCLUDED.error_kind,
		    error_message = EXCLUDED.error_message, retry_count = EXCLUDED.retry_count,
		    dead_at = EXCLUDED.dead_at`,
		d.JobID, d.WorkflowID, d.Payload, d.ErrorKind, d.ErrorMessage, d.RetryCount, d.DeadAt)
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "写入 DLQ 失败")
	}
	return nil
}

// ListDeadLetters 实现 Jobs
func (s *PgStore) ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, workflow_id, payload, error_kind, error_message, retry_count, dead_at
		 FROM dlq ORDER BY dead_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "列出 DLQ 失败")
	}
	defer rows.Close()
	var list []*model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		var kind, msg *string
		if err := rows.Scan(&d.JobID, &d.WorkflowID, &d.Payload, &kind, &msg, &d.RetryCount, &d.DeadAt); err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "扫描 DLQ 失败")
		}
		d.ErrorKind = strOrEmpty(kind)
		d.ErrorMessage = strOrEmpty(msg)
		list = append(list, &d)
	}
	return list, rows.Err()
}
