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
	"time"

	"casare-orchestrator/internal/model"
	"casare-orchestrator/pkg/errors"
)

const scheduleCols = `id, workflow_id, name, cron_expr, timezone, enabled, execution_mode,
	priority, environment, required_capabilities, payload, next_fire_at, last_fire_at,
	run_count, failure_count, created_at, updated_at`

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	var (
		sc         model.Schedule
		caps       *string
		mode       string
		lastFireAt *time.Time
	)
	err := row.Scan(&sc.ID, &sc.WorkflowID, &sc.Name, &sc.CronExpr, &sc.Timezone, &sc.Enabled,
		&mode, &sc.Priority, &sc.Environment, &caps, &sc.Payload, &sc.NextFireAt, &lastFireAt,
		&sc.RunCount, &sc.FailureCount, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sc.ExecutionMode = model.ExecutionMode(mode)
	sc.RequiredCapabilities = pgToCaps(caps)
	sc.LastFireAt = timeOrZero(lastFireAt)
	return &sc, nil
}

// InsertSchedule 实现 Schedules
func (s *PgStore) InsertSchedule(ctx context.Context, sc *model.Schedule) error {
	now := time.Now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO schedules (id, workflow_id, name, cron_expr, timezone, enabled,
		    execution_mode, priority, environment, required_capabilities, payload,
		    next_fire_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sc.ID, sc.WorkflowID, sc.Name, sc.CronExpr, sc.Timezone, sc.Enabled,
		string(sc.ExecutionMode), sc.Priority, sc.Environment,
		capsToPg(sc.RequiredCapabilities), nullBytes(sc.Payload),
		sc.NextFireAt, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.WithKind(errors.KindDuplicate, err, "schedule 已存在")
		}
		return errors.WithKind(errors.KindTransient, err, "插入 schedule 失败")
	}
	return nil
}

// GetSchedule 实现 Schedules
func (s *PgStore) GetSchedule(ctx context.Context, scheduleID string) (*model.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = $1`, scheduleID)
	sc, err := scanSchedule(row)
	if err != nil {
		if errNoRows(err) {
			return nil, errors.Ef(errors.KindNotFound, "schedule %s 不存在", scheduleID)
		}
		return nil, errors.WithKind(errors.KindTransient, err, "查询 schedule 失败")
	}
	return sc, nil
}

// ListSchedules 实现 Schedules
func (s *PgStore) ListSchedules(ctx context.Context) ([]*model.Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "列出 schedule 失败")
	}
	defer rows.Close()
	var list []*model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "扫描 schedule 失败")
		}
		list = append(list, sc)
	}
	return list, rows.Err()
}

// UpdateSchedule 实现 Schedules；run_count/last_fire_at 不在覆盖范围（只经 AdvanceSchedule 推进）
func (s *PgStore) UpdateSchedule(ctx context.Context, sc *model.Schedule) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE schedules SET workflow_id = $2, name = $3, cron_expr = $4, timezone = $5,
		    enabled = $6, execution_mode = $7, priority = $8, environment = $9,
		    required_capabilities = $10, payload = $11, next_fire_at = $12, updated_at = now()
		 WHERE id = $1`,
		sc.ID, sc.WorkflowID, sc.Name, sc.CronExpr, sc.Timezone, sc.Enabled,
		string(sc.ExecutionMode), sc.Priority, sc.Environment,
		capsToPg(sc.RequiredCapabilities), nullBytes(sc.Payload), sc.NextFireAt)
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "更新 schedule 失败")
	}
	if cmd.RowsAffected() == 0 {
		return errors.Ef(errors.KindNotFound, "schedule %s 不存在", sc.ID)
	}
	return nil
}

// DeleteSchedule 实现 Schedules
func (s *PgStore) DeleteSchedule(ctx context.Context, scheduleID string) error {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, scheduleID)
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "删除 schedule 失败")
	}
	if cmd.RowsAffected() == 0 {
		return errors.Ef(errors.KindNotFound, "schedule %s 不存在", scheduleID)
	}
	return nil
}

// SetScheduleEnabled 实现 Schedules
func (s *PgStore) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool, nextFireAt time.Time) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE schedules SET enabled = $2, next_fire_at = $3, updated_at = now() WHERE id = $1`,
		scheduleID, enabled, nextFireAt)
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "启停 schedule 失败")
	}
	if cmd.RowsAffected() == 0 {
		return errors.Ef(errors.KindNotFound, "schedule %s 不存在", scheduleID)
	}
	return nil
}

// DueSchedules 实现 Schedules
func (s *PgStore) DueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE enabled = true AND next_fire_at <= $1
		 ORDER BY next_fire_at ASC`, now)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "查询到期 schedule 失败")
	}
	defer rows.Close()
	var list []*model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "扫描到期 schedule 失败")
		}
		list = append(list, sc)
	}
	return list, rows.Err()
}

// AdvanceSchedule 实现 Schedules。WHERE next_fire_at = prev 的 CAS 是
// 多实例防重放的唯一序列化点：输掉竞争的实例返回 false，不触发。
func (s *PgStore) AdvanceSchedule(ctx context.Context, scheduleID string, prevNextFire, firedAt, nextFire time.Time) (bool, error) {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE schedules SET next_fire_at = $3, last_fire_at = $4,
		    run_count = run_count + 1, updated_at = now()
		 WHERE id = $1 AND next_fire_at = $2`,
		scheduleID, prevNextFire, nextFire, firedAt)
	if err != nil {
		return false, errors.WithKind(errors.KindTransient, err, "推进 schedule 失败")
	}
	return cmd.RowsAffected() == 1, nil
}

// IncrementScheduleFailure 实现 Schedules
func (s *PgStore) IncrementScheduleFailure(ctx context.Context, scheduleID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE schedules SET failure_count = failure_count + 1 WHERE id = $1`, scheduleID)
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "记录 schedule 失败数失败")
	}
	return nil
}
