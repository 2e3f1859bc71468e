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

package queue

import (
	"context"
	"time"

	"casare-orchestrator/internal/events"
	"casare-orchestrator/internal/model"
	"casare-orchestrator/internal/store"
	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/metrics"
)

// SweeperConfig 后台清扫参数
type SweeperConfig struct {
	Interval           time.Duration // 默认 10s
	CancelAckTimeout   time.Duration // 默认 30s
	HeartbeatRetention time.Duration // 默认 24h
}

// Sweeper 超时清扫：Running 超时、Cancelling 逾期、心跳保留期、状态 gauge。
// 多实例并发清扫是安全的——每个处置都是条件状态迁移，输家静默跳过。
type Sweeper struct {
	mgr    *Manager
	store  store.Store
	logger *log.Logger
	cfg    SweeperConfig
}

// NewSweeper 创建清扫器
func NewSweeper(mgr *Manager, st store.Store, logger *log.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.CancelAckTimeout <= 0 {
		cfg.CancelAckTimeout = 30 * time.Second
	}
	if cfg.HeartbeatRetention <= 0 {
		cfg.HeartbeatRetention = 24 * time.Hour
	}
	return &Sweeper{mgr: mgr, store: st, logger: logger, cfg: cfg}
}

// Run 阻塞清扫循环，ctx 取消后返回
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce 单轮清扫（测试直接调用）
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now()

	over, err := s.store.RunningOverTimeout(ctx, now)
	if err != nil {
		s.logger.Error("超时扫描失败", "error", err)
	} else {
		for _, j := range over {
			if err := s.mgr.HandleTimeout(ctx, j); err != nil && !errors.IsKind(err, errors.KindStaleTransition) {
				s.logger.Error("超时处置失败", "job_id", j.ID, "error", err)
			}
		}
	}

	overdue, err := s.store.CancellingOverdue(ctx, now.Add(-s.cfg.CancelAckTimeout))
	if err != nil {
		s.logger.Error("取消逾期扫描失败", "error", err)
	} else {
		for _, j := range overdue {
			if err := s.mgr.ForceCancel(ctx, j); err != nil && !errors.IsKind(err, errors.KindStaleTransition) {
				s.logger.Error("强制取消失败", "job_id", j.ID, "error", err)
			}
		}
	}

	if n, err := s.store.PurgeHeartbeatsBefore(ctx, now.Add(-s.cfg.HeartbeatRetention)); err != nil {
		s.logger.Error("心跳清理失败", "error", err)
	} else if n > 0 {
		s.logger.Debug("心跳保留期清理", "purged", n)
	}

	s.refreshGauges(ctx)
}

// refreshGauges 刷新各状态 gauge 并向 metrics topic 扇出队列深度快照
func (s *Sweeper) refreshGauges(ctx context.Context) {
	counts, err := s.store.CountJobsByState(ctx)
	if err != nil {
		s.logger.Error("状态统计失败", "error", err)
		return
	}
	depth := map[string]int64{}
	for st := model.StatePending; st <= model.StateDeadLetter; st++ {
		n := counts[st]
		metrics.JobsByState.WithLabelValues(st.String()).Set(float64(n))
		depth[st.String()] = n
	}
	s.mgr.hub.Publish(events.TopicMetrics, events.KindQueueDepth, depth)
}

// HandleTimeout Running 超过自身 timeout_seconds。重试预算未尽 → Pending
// （retry_count++，error kind Timeout），耗尽 → TimedOut 终态 + DLQ。
// 两路都向原 robot 发取消帧，stale 执行由下一次心跳对账兜底。
func (m *Manager) HandleTimeout(ctx context.Context, j *model.Job) error {
	robotID := j.AssignedRobotID
	jerr := model.JobError{Kind: errors.KindTimeout, Message: "执行超过 timeout_seconds"}
	now := time.Now()

	if j.RetryCount < j.MaxRetries {
		retry := j.RetryCount + 1
		cleared := ""
		err := m.store.UpdateJobState(ctx, j.ID, model.StateRunning, model.StatePending,
			store.JobUpdate{
				AssignedRobotID: &cleared,
				RetryCount:      &retry,
				NextAttemptAt:   m.cfg.Backoff.NextAttempt(now, j.RetryCount),
				Error:           &jerr,
			})
		if err != nil {
			return err
		}
		m.sendCancel(robotID, j.ID)
		j.State = model.StatePending
		j.RetryCount = retry
		j.AssignedRobotID = ""
		j.Error = &jerr
		metrics.JobRetryTotal.WithLabelValues(string(errors.KindTimeout)).Inc()
		m.publishJob(events.KindJobRequeued, j, "执行超时，重新入队")
		m.audit(ctx, j.ID, model.ActionTimedOut, "", map[string]interface{}{
			"retry_count": retry, "robot_id": robotID,
		})
		m.logger.Warn("Job 超时重新入队", "job_id", j.ID, "robot_id", robotID, "retry_count", retry)
		m.wake("timeout:" + j.ID)
		return nil
	}

	err := m.store.UpdateJobState(ctx, j.ID, model.StateRunning, model.StateTimedOut,
		store.JobUpdate{CompletedAt: now, Error: &jerr})
	if err != nil {
		return err
	}
	m.sendCancel(robotID, j.ID)
	j.State = model.StateTimedOut
	j.Error = &jerr
	m.deadLetter(ctx, j)
	m.finishJob(ctx, j, events.KindJobTimedOut, model.ActionTimedOut, "")
	m.logger.Warn("Job 超时且重试耗尽", "job_id", j.ID, "robot_id", robotID)
	return nil
}

// ForceCancel Cancelling 超过 cancel_ack_timeout 未获确认：不再等 robot，
// 直接 Cancelled 终态；robot 侧残余执行由心跳对账取消。
func (m *Manager) ForceCancel(ctx context.Context, j *model.Job) error {
	jerr := model.JobError{Kind: errors.KindTimeout, Message: "取消未在期限内确认，强制终态"}
	err := m.store.UpdateJobState(ctx, j.ID, model.StateCancelling, model.StateCancelled,
		store.JobUpdate{CompletedAt: time.Now(), Error: &jerr})
	if err != nil {
		return err
	}
	j.State = model.StateCancelled
	j.Error = &jerr
	m.finishJob(ctx, j, events.KindJobCancelled, model.ActionCancelForced, "")
	m.logger.Warn("取消确认超时，强制终态", "job_id", j.ID, "robot_id", j.AssignedRobotID)
	return nil
}
