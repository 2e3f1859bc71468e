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

const robotCols = `id, name, capabilities, environment, max_concurrent_jobs, status,
	last_heartbeat_at, last_assigned_at, registered_at, decommissioned, token_fingerprint`

func scanRobot(row rowScanner) (*model.Robot, error) {
	var (
		r                        model.Robot
		caps, fingerprint        *string
		status                   int16
		lastHeartbeat, lastAssigned *time.Time
	)
	err := row.Scan(&r.ID, &r.Name, &caps, &r.Environment, &r.MaxConcurrentJobs, &status,
		&lastHeartbeat, &lastAssigned, &r.RegisteredAt, &r.Decommissioned, &fingerprint)
	if err != nil {
		return nil, err
	}
	r.Capabilities = pgToCaps(caps)
	r.Status = pgToRobotStatus(status)
	r.LastHeartbeatAt = timeOrZero(lastHeartbeat)
	r.LastAssignedAt = timeOrZero(lastAssigned)
	r.TokenFingerprint = strOrEmpty(fingerprint)
	return &r, nil
}

// UpsertRobot 实现 Robots。重注册覆盖能力/环境/并发上限并复活软删；
// registered_at 只在首次插入时写。
func (s *PgStore) UpsertRobot(ctx context.Context, r *model.Robot) error {
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO robots (id, name, capabilities, environment, max_concurrent_jobs, status,
		    last_heartbeat_at, registered_at, decommissioned, token_fingerprint)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9)
		 ON CONFLICT (id) DO UPDATE SET
		    name = EXCLUDED.name,
		    capabilities = EXCLUDED.capabilities,
		    environment = EXCLUDED.environment,
		    max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
		    status = EXCLUDED.status,
		    last_heartbeat_at = EXCLUDED.last_heartbeat_at,
		    decommissioned = false,
		    token_fingerprint = EXCLUDED.token_fingerprint`,
		r.ID, r.Name, capsToPg(r.Capabilities), r.Environment, r.MaxConcurrentJobs,
		robotStatusToPg(r.Status), nullTime(r.LastHeartbeatAt), r.RegisteredAt,
		nullStr(r.TokenFingerprint))
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "upsert robot 失败")
	}
	return nil
}

// GetRobot 实现 Robots
func (s *PgStore) GetRobot(ctx context.Context, robotID string) (*model.Robot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+robotCols+` FROM robots WHERE id = $1`, robotID)
	r, err := scanRobot(row)
	if err != nil {
		if errNoRows(err) {
			return nil, errors.Ef(errors.KindNotFound, "robot %s 不存在", robotID)
		}
		return nil, errors.WithKind(errors.KindTransient, err, "查询 robot 失败")
	}
	return r, nil
}

// ListRobots 实现 Robots；软删的也返回（调用方按需过滤）
func (s *PgStore) ListRobots(ctx context.Context) ([]*model.Robot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+robotCols+` FROM robots ORDER BY registered_at ASC`)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "列出 robot 失败")
	}
	defer rows.Close()
	var list []*model.Robot
	for rows.Next() {
		r, err := scanRobot(rows)
		if err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "扫描 robot 失败")
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// SetRobotStatus 实现 Robots
func (s *PgStore) SetRobotStatus(ctx context.Context, robotID string, status model.RobotStatus) error {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE robots SET status = $2 WHERE id = $1`, robotID, robotStatusToPg(status))
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "更新 robot 状态失败")
	}
	if cmd.RowsAffected() == 0 {
		return errors.Ef(errors.KindNotFound, "robot %s 不存在", robotID)
	}
	return nil
}

// TouchRobotAssigned 实现 Robots
func (s *PgStore) TouchRobotAssigned(ctx context.Context, robotID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE robots SET last_assigned_at = $2 WHERE id = $1`, robotID, at)
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "更新获派时间失败")
	}
	return nil
}

// RecordHeartbeat 实现 Robots；心跳行与 robots 表更新同事务
func (s *PgStore) RecordHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	if hb.ReceivedAt.IsZero() {
		hb.ReceivedAt = time.Now()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "开启心跳事务失败")
	}
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = tx.Exec(ctx,
		`INSERT INTO heartbeats (robot_id, received_at, status, job_count, cpu_percent, memory_mb)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		hb.RobotID, hb.ReceivedAt, robotStatusToPg(hb.Status), hb.CurrentJobCount,
		hb.CPUPercent, hb.MemoryMB)
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "写入心跳失败")
	}
	_, err = tx.Exec(ctx,
		`UPDATE robots SET last_heartbeat_at = $2, status = $3 WHERE id = $1`,
		hb.RobotID, hb.ReceivedAt, robotStatusToPg(hb.Status))
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "刷新心跳时间失败")
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.WithKind(errors.KindTransient, err, "提交心跳事务失败")
	}
	return nil
}

// MarkStaleRobots 实现 Robots
func (s *PgStore) MarkStaleRobots(ctx context.Context, threshold time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-threshold)
	rows, err := s.pool.Query(ctx,
		`UPDATE robots SET status = 0
		 WHERE status <> 0 AND decommissioned = false
		   AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
		 RETURNING id`, cutoff)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "标记失联 robot 失败")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "扫描失联 robot 失败")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeHeartbeatsBefore 实现 Robots
func (s *PgStore) PurgeHeartbeatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM heartbeats WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, errors.WithKind(errors.KindTransient, err, "清理心跳失败")
	}
	return cmd.RowsAffected(), nil
}

// InsertRobotKey 实现 Robots
func (s *PgStore) InsertRobotKey(ctx context.Context, k *model.RobotKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO robot_api_keys (fingerprint, robot_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		k.KeyHash, k.RobotID, k.CreatedAt)
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "写入 robot key 失败")
	}
	return nil
}

// LookupRobotKey 实现 Robots
func (s *PgStore) LookupRobotKey(ctx context.Context, fingerprint string) (string, bool, error) {
	var robotID string
	var revokedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT robot_id, revoked_at FROM robot_api_keys WHERE fingerprint = $1`,
		fingerprint).Scan(&robotID, &revokedAt)
	if err != nil {
		if errNoRows(err) {
			return "", false, errors.E(errors.KindNotFound, "robot key 不存在")
		}
		return "", false, errors.WithKind(errors.KindTransient, err, "查询 robot key 失败")
	}
	return robotID, revokedAt != nil, nil
}

// RevokeRobotKeys 实现 Robots
func (s *PgStore) RevokeRobotKeys(ctx context.Context, robotID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE robot_api_keys SET revoked_at = now() WHERE robot_id = $1 AND revoked_at IS NULL`,
		robotID)
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "吊销 robot key 失败")
	}
	return nil
}
