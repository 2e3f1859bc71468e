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

// Package dispatch 派发循环：把 Pending Job 送到合适的 Robot 上。
// WORKERS 个并发循环共享同一个唤醒信号，唤醒是 advisory 的——丢了也只是
// 等到下一轮 IdlePoll，正确性始终由 store 的原子认领兜底。
package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"casare-orchestrator/internal/events"
	"casare-orchestrator/internal/model"
	"casare-orchestrator/internal/queue"
	"casare-orchestrator/internal/store"
	"casare-orchestrator/pkg/backoff"
	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/metrics"
	"casare-orchestrator/pkg/tracing"
)

// Assigner 把 Assign 帧送达 robot 并等待表态，由 session.Hub 实现
type Assigner interface {
	SendAssign(ctx context.Context, robotID string, job *model.Job, ackTimeout time.Duration) error
}

// JobQueue 派发需要的队列操作，由 queue.Manager 实现
type JobQueue interface {
	MarkRunning(ctx context.Context, jobID, robotID string) error
	ReleaseAssignment(ctx context.Context, jobID, robotID, reason string) error
}

// Fleet 候选挑选与记账，由 registry.Registry 实现
type Fleet interface {
	PickCandidate(job *model.Job, skip func(robotID string) bool) (*model.Robot, bool)
	Reserve(ctx context.Context, robotID, jobID, workflowID string)
	Drain(ctx context.Context, robotID, actor string) error
}

// Config 派发参数；零值由 New 填默认
type Config struct {
	Workers          int           // 并发派发循环数，默认 4
	IdlePoll         time.Duration // 无唤醒时的轮询兜底，默认 1s
	AssignAckTimeout time.Duration // robot 对 Assign 的表态时限，默认 5s
	ClaimRateLimit   float64       // 全局认领速率上限（每秒），0 = 不限
	RefuseCooldown   time.Duration // 拒单/超时 robot 的冷却期，默认 30s
	BreakerFailures  uint32        // 连续失败多少次熔断该 robot，默认 3
	BreakerOpenFor   time.Duration // 熔断打开时长，默认 30s
	Backoff          backoff.Policy
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = time.Second
	}
	if c.AssignAckTimeout <= 0 {
		c.AssignAckTimeout = 5 * time.Second
	}
	if c.RefuseCooldown <= 0 {
		c.RefuseCooldown = 30 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 3
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 30 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = backoff.Default
	}
}

// Dispatcher 派发器
type Dispatcher struct {
	store    store.Store
	queue    JobQueue
	fleet    Fleet
	assigner Assigner
	signal   queue.Signal
	hub      *events.Hub
	logger   *log.Logger
	cfg      Config

	limiter *rate.Limiter

	cdMu      sync.Mutex
	cooldowns map[string]time.Time

	brMu     sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New 创建 Dispatcher
func New(st store.Store, q JobQueue, fleet Fleet, assigner Assigner, signal queue.Signal,
	hub *events.Hub, logger *log.Logger, cfg Config) *Dispatcher {
	cfg.applyDefaults()
	d := &Dispatcher{
		store:     st,
		queue:     q,
		fleet:     fleet,
		assigner:  assigner,
		signal:    signal,
		hub:       hub,
		logger:    logger.With("component", "dispatch"),
		cfg:       cfg,
		cooldowns: make(map[string]time.Time),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	if cfg.ClaimRateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRateLimit), 1)
	}
	return d
}

// Run 启动全部派发循环并阻塞到 ctx 取消
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	d.logger.Info("派发器启动", "workers", d.cfg.Workers, "idle_poll", d.cfg.IdlePoll.String())
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d.loop(ctx, n)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, n int) {
	logger := d.logger.With("worker", n)
	for {
		if ctx.Err() != nil {
			return
		}
		// 唤醒是 advisory；超时落空照样跑一轮，保证 backoff 到期的 Job 不被饿死
		d.signal.Wait(ctx, d.cfg.IdlePoll)
		if ctx.Err() != nil {
			return
		}
		d.drain(ctx, logger)
	}
}

// drain 连续派发直到无事可做
func (d *Dispatcher) drain(ctx context.Context, logger *log.Logger) {
	transientRetries := 0
	for ctx.Err() == nil {
		start := time.Now()
		progressed, err := d.dispatchOne(ctx, logger)
		metrics.DispatchLoopDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.IsKind(err, errors.KindTransient) && transientRetries < 5 {
				delay := d.cfg.Backoff.Delay(transientRetries)
				transientRetries++
				logger.Warn("存储抖动，退避后重试", "delay", delay.String(), "error", err)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return
				}
			}
			logger.Error("派发中止本轮", "error", err)
			return
		}
		transientRetries = 0
		if !progressed {
			return
		}
	}
}

// dispatchOne 单步派发：peek → pick → claim → assign。
// 返回 progressed=false 表示队列头暂时无事可做（空队列 / 无候选 / 认领落空）。
func (d *Dispatcher) dispatchOne(ctx context.Context, logger *log.Logger) (bool, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return false, nil
		}
	}

	head, err := d.store.PeekPending(ctx)
	if err != nil {
		return false, err
	}
	if head == nil {
		return false, nil
	}

	robot, ok := d.fleet.PickCandidate(head, d.skipRobot)
	if !ok {
		return false, nil
	}

	claimed, err := d.store.ClaimOnePending(ctx, robot.ID, robot.Capabilities, robot.Environment)
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if claimed == nil {
		// peek 到了但认领落空：并发 worker 先到，或该 robot 匹配不上队列头
		metrics.ClaimTotal.WithLabelValues("empty").Inc()
		metrics.ClaimConflictTotal.Inc()
		return false, nil
	}
	metrics.ClaimTotal.WithLabelValues("claimed").Inc()

	claimedAt := time.Now()
	assignCtx, span := tracing.StartDispatchSpan(ctx, claimed.ID, robot.ID)
	err = d.assignThrough(assignCtx, robot.ID, claimed)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	if err != nil {
		d.cooldown(robot.ID)
		reason := "robot 拒绝"
		if errors.IsKind(err, errors.KindTimeout) {
			reason = "assign 确认超时"
		}
		logger.Warn("指派未被接受，释放认领", "job_id", claimed.ID, "robot_id", robot.ID, "error", err)
		if relErr := d.queue.ReleaseAssignment(ctx, claimed.ID, robot.ID, reason); relErr != nil {
			logger.Error("释放认领失败", "job_id", claimed.ID, "error", relErr)
		}
		return true, nil
	}

	metrics.AssignLatency.Observe(time.Since(claimedAt).Seconds())
	d.fleet.Reserve(ctx, robot.ID, claimed.ID, claimed.WorkflowID)
	d.publishAssigned(claimed, robot.ID)
	d.audit(ctx, claimed.ID, robot.ID)
	if err := d.queue.MarkRunning(ctx, claimed.ID, robot.ID); err != nil {
		// accept 与 complete 竞速时快手 robot 可能已经收尾，CAS 落空不是错误
		logger.Info("mark_running 落空", "job_id", claimed.ID, "error", err)
	}
	logger.Info("job 已派发", "job_id", claimed.ID, "robot_id", robot.ID,
		"priority", claimed.Priority, "retry_count", claimed.RetryCount)
	return true, nil
}

// assignThrough 经 per-robot 熔断器发送 Assign。熔断打开时直接判拒，
// 不浪费 ack 窗口；状态翻到 Open 时顺手把 robot 转入排水，靠半开探针恢复。
func (d *Dispatcher) assignThrough(ctx context.Context, robotID string, j *model.Job) error {
	cb := d.breakerFor(robotID)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, d.assigner.SendAssign(ctx, robotID, j, d.cfg.AssignAckTimeout)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.Ef(errors.KindWorkerLost, "robot %s 熔断中", robotID)
	}
	return err
}

func (d *Dispatcher) breakerFor(robotID string) *gobreaker.CircuitBreaker {
	d.brMu.Lock()
	defer d.brMu.Unlock()
	if cb, ok := d.breakers[robotID]; ok {
		return cb
	}
	failures := d.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "assign:" + robotID,
		MaxRequests: 1,
		Timeout:     d.cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("熔断器状态变化", "breaker", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				if err := d.fleet.Drain(context.Background(), robotID, "dispatcher"); err != nil {
					d.logger.Warn("熔断排水失败", "robot_id", robotID, "error", err)
				}
			}
		},
	})
	d.breakers[robotID] = cb
	return cb
}

// cooldown 拒单冷却：窗口内不再挑中该 robot
func (d *Dispatcher) cooldown(robotID string) {
	d.cdMu.Lock()
	d.cooldowns[robotID] = time.Now().Add(d.cfg.RefuseCooldown)
	d.cdMu.Unlock()
}

// skipRobot PickCandidate 的排除谓词：冷却中即排除，过期条目顺手清掉
func (d *Dispatcher) skipRobot(robotID string) bool {
	d.cdMu.Lock()
	defer d.cdMu.Unlock()
	until, ok := d.cooldowns[robotID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(d.cooldowns, robotID)
		return false
	}
	return true
}

func (d *Dispatcher) publishAssigned(j *model.Job, robotID string) {
	d.hub.Publish(events.TopicJobs, events.KindJobAssigned, map[string]interface{}{
		"job_id":      j.ID,
		"workflow_id": j.WorkflowID,
		"state":       model.StateAssigned.String(),
		"robot_id":    robotID,
		"priority":    j.Priority,
		"retry_count": j.RetryCount,
	})
}

func (d *Dispatcher) audit(ctx context.Context, jobID, robotID string) {
	detail, _ := json.Marshal(map[string]string{"robot_id": robotID})
	entry := &model.AuditEntry{
		OccurredAt: time.Now(),
		Category:   model.AuditJob,
		EntityID:   jobID,
		Action:     model.ActionAssigned,
		Actor:      "dispatcher",
		Detail:     detail,
	}
	if err := d.store.AppendAudit(ctx, entry); err != nil {
		d.logger.Warn("审计写入失败", "job_id", jobID, "error", err)
	}
	d.hub.Publish(events.TopicActivity, events.KindActivity, entry)
}
