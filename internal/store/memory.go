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
	"sort"
	"strings"
	"sync"
	"time"

	"casare-orchestrator/internal/model"
	"casare-orchestrator/pkg/errors"
)

// memoryStore 内存实现：单机开发与测试用。语义与 Postgres 实现一致，
// 原子性由互斥锁代替行锁。
type memoryStore struct {
	mu         sync.RWMutex
	jobs       map[string]*model.Job
	dlq        map[string]*model.DeadLetter
	robots     map[string]*model.Robot
	keys       map[string]*model.RobotKey // fingerprint → key
	heartbeats []*model.Heartbeat
	schedules  map[string]*model.Schedule
	audit      []*model.AuditEntry
	auditSeq   int64
}

// NewMemoryStore 创建内存版存储
func NewMemoryStore() Store {
	return &memoryStore{
		jobs:      make(map[string]*model.Job),
		dlq:       make(map[string]*model.DeadLetter),
		robots:    make(map[string]*model.Robot),
		keys:      make(map[string]*model.RobotKey),
		schedules: make(map[string]*model.Schedule),
	}
}

func (s *memoryStore) Ping(ctx context.Context) error { return nil }

func (s *memoryStore) Close() {}

func copyJob(j *model.Job) *model.Job {
	out := *j
	if j.Payload != nil {
		out.Payload = append([]byte(nil), j.Payload...)
	}
	if j.Result != nil {
		out.Result = append([]byte(nil), j.Result...)
	}
	if j.RequiredCapabilities != nil {
		out.RequiredCapabilities = append([]string(nil), j.RequiredCapabilities...)
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return &out
}

func copyRobot(r *model.Robot) *model.Robot {
	out := *r
	if r.Capabilities != nil {
		out.Capabilities = append([]string(nil), r.Capabilities...)
	}
	if r.CurrentJobIDs != nil {
		out.CurrentJobIDs = append([]string(nil), r.CurrentJobIDs...)
	}
	return &out
}

func copySchedule(sc *model.Schedule) *model.Schedule {
	out := *sc
	if sc.Payload != nil {
		out.Payload = append([]byte(nil), sc.Payload...)
	}
	if sc.RequiredCapabilities != nil {
		out.RequiredCapabilities = append([]string(nil), sc.RequiredCapabilities...)
	}
	return &out
}

func capsSubset(required, have []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[strings.TrimSpace(c)] = struct{}{}
	}
	for _, c := range required {
		if _, ok := set[strings.TrimSpace(c)]; !ok {
			return false
		}
	}
	return true
}

// ---- Jobs ----

func (s *memoryStore) InsertJob(ctx context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return errors.Ef(errors.KindDuplicate, "job %s 已存在", j.ID)
	}
	if j.DedupKey != "" {
		for _, existing := range s.jobs {
			if existing.DedupKey == j.DedupKey && !existing.State.Terminal() {
				return errors.Ef(errors.KindDuplicate, "去重键 %s 已被 job %s 持有", j.DedupKey, existing.ID)
			}
		}
	}
	cp := copyJob(j)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.NextAttemptAt.IsZero() {
		cp.NextAttemptAt = cp.CreatedAt
	}
	j.CreatedAt = cp.CreatedAt
	j.NextAttemptAt = cp.NextAttemptAt
	s.jobs[j.ID] = cp
	return nil
}

func (s *memoryStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, errors.Ef(errors.KindNotFound, "job %s 不存在", jobID)
	}
	return copyJob(j), nil
}

func (s *memoryStore) FindActiveJobByDedupKey(ctx context.Context, key string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.DedupKey == key && !j.State.Terminal() {
			return copyJob(j), nil
		}
	}
	return nil, errors.Ef(errors.KindNotFound, "无持有去重键 %s 的活动 job", key)
}

func (s *memoryStore) ListJobs(ctx context.Context, f JobFilter) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stateSet := make(map[model.JobState]struct{}, len(f.States))
	for _, st := range f.States {
		stateSet[st] = struct{}{}
	}
	var list []*model.Job
	for _, j := range s.jobs {
		if len(stateSet) > 0 {
			if _, ok := stateSet[j.State]; !ok {
				continue
			}
		}
		if f.Environment != "" && j.Environment != f.Environment {
			continue
		}
		if f.ScheduleID != "" && j.ScheduleID != f.ScheduleID {
			continue
		}
		list = append(list, copyJob(j))
	}
	sort.Slice(list, func(a, b int) bool { return list[a].CreatedAt.After(list[b].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// pendingBefore a 是否排在 b 前面（优先级小者先，同优先级按 created_at FIFO）
func pendingBefore(a, b *model.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *memoryStore) PeekPending(ctx context.Context) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var best *model.Job
	for _, j := range s.jobs {
		if j.State != model.StatePending || j.NextAttemptAt.After(now) {
			continue
		}
		if best == nil || pendingBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyJob(best), nil
}

func (s *memoryStore) ClaimOnePending(ctx context.Context, robotID string, capabilities []string, environment string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var best *model.Job
	for _, j := range s.jobs {
		if j.State != model.StatePending || j.NextAttemptAt.After(now) {
			continue
		}
		if j.Environment != "" && j.Environment != environment {
			continue
		}
		if j.TargetRobotID != "" && j.TargetRobotID != robotID {
			continue
		}
		if !capsSubset(j.RequiredCapabilities, capabilities) {
			continue
		}
		if best == nil || pendingBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.State = model.StateAssigned
	best.AssignedRobotID = robotID
	best.ClaimedAt = now
	return copyJob(best), nil
}

func (s *memoryStore) UpdateJobState(ctx context.Context, jobID string, from, to model.JobState, upd JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return errors.Ef(errors.KindNotFound, "job %s 不存在", jobID)
	}
	if j.State != from {
		return errors.Ef(errors.KindStaleTransition,
			"job %s 当前状态 %s，期望 %s", jobID, j.State, from)
	}
	j.State = to
	if upd.AssignedRobotID != nil {
		j.AssignedRobotID = *upd.AssignedRobotID
	}
	if !upd.ClaimedAt.IsZero() {
		j.ClaimedAt = upd.ClaimedAt
	}
	if !upd.StartedAt.IsZero() {
		j.StartedAt = upd.StartedAt
	}
	if !upd.CompletedAt.IsZero() {
		j.CompletedAt = upd.CompletedAt
	}
	if !upd.CancelRequestedAt.IsZero() {
		j.CancelRequestedAt = upd.CancelRequestedAt
	}
	if !upd.NextAttemptAt.IsZero() {
		j.NextAttemptAt = upd.NextAttemptAt
	}
	if upd.RetryCount != nil {
		j.RetryCount = *upd.RetryCount
	}
	if upd.Result != nil {
		j.Result = append([]byte(nil), upd.Result...)
	}
	if upd.Error != nil {
		e := *upd.Error
		j.Error = &e
	}
	return nil
}

func (s *memoryStore) RequeueJobsOfRobot(ctx context.Context, robotID string, delayFor func(retryCount int) time.Duration) (*RequeueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := &RequeueResult{}
	now := time.Now()
	for _, j := range s.jobs {
		if j.AssignedRobotID != robotID || j.State.Terminal() {
			continue
		}
		switch {
		case j.State == model.StateCancelling:
			j.State = model.StateCancelled
			j.CompletedAt = now
			j.AssignedRobotID = ""
			j.Error = &model.JobError{Kind: errors.KindCancelled, Message: "robot 在取消确认前失联"}
			res.Cancelled = append(res.Cancelled, j.ID)
		case j.RetryCount < j.MaxRetries:
			delay := time.Duration(0)
			if delayFor != nil {
				delay = delayFor(j.RetryCount)
			}
			j.State = model.StatePending
			j.AssignedRobotID = ""
			j.ClaimedAt = time.Time{}
			j.StartedAt = time.Time{}
			j.RetryCount++
			j.NextAttemptAt = now.Add(delay)
			j.Error = &model.JobError{Kind: errors.KindWorkerLost, Message: "robot 失联，job 重新入队"}
			res.Requeued = append(res.Requeued, j.ID)
		default:
			j.State = model.StateFailed
			j.CompletedAt = now
			j.AssignedRobotID = ""
			j.Error = &model.JobError{Kind: errors.KindWorkerLost, Message: "robot 失联且重试耗尽"}
			s.dlq[j.ID] = &model.DeadLetter{
				JobID:        j.ID,
				WorkflowID:   j.WorkflowID,
				Payload:      append([]byte(nil), j.Payload...),
				ErrorKind:    string(errors.KindWorkerLost),
				ErrorMessage: "robot 失联且重试耗尽",
				RetryCount:   j.RetryCount,
				DeadAt:       now,
			}
			res.Exhausted = append(res.Exhausted, j.ID)
		}
	}
	return res, nil
}

func (s *memoryStore) JobsOfRobot(ctx context.Context, robotID string) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*model.Job
	for _, j := range s.jobs {
		if j.AssignedRobotID == robotID && !j.State.Terminal() {
			list = append(list, copyJob(j))
		}
	}
	return list, nil
}

func (s *memoryStore) RunningOverTimeout(ctx context.Context, now time.Time) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*model.Job
	for _, j := range s.jobs {
		if j.State != model.StateRunning || j.StartedAt.IsZero() {
			continue
		}
		if j.StartedAt.Add(time.Duration(j.TimeoutSeconds) * time.Second).Before(now) {
			list = append(list, copyJob(j))
		}
	}
	return list, nil
}

func (s *memoryStore) CancellingOverdue(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*model.Job
	for _, j := range s.jobs {
		if j.State == model.StateCancelling && !j.CancelRequestedAt.IsZero() && j.CancelRequestedAt.Before(cutoff) {
			list = append(list, copyJob(j))
		}
	}
	return list, nil
}

func (s *memoryStore) CountJobsByState(ctx context.Context) (map[model.JobState]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.JobState]int64)
	for _, j := range s.jobs {
		out[j.State]++
	}
	return out, nil
}

func (s *memoryStore) InsertDeadLetter(ctx context.Context, d *model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	if cp.DeadAt.IsZero() {
		cp.DeadAt = time.Now()
	}
	if d.Payload != nil {
		cp.Payload = append([]byte(nil), d.Payload...)
	}
	s.dlq[d.JobID] = &cp
	return nil
}

func (s *memoryStore) ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*model.DeadLetter
	for _, d := range s.dlq {
		cp := *d
		list = append(list, &cp)
	}
	sort.Slice(list, func(a, b int) bool { return list[a].DeadAt.After(list[b].DeadAt) })
	if limit <= 0 {
		limit = 100
	}
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// ---- Robots ----

func (s *memoryStore) UpsertRobot(ctx context.Context, r *model.Robot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyRobot(r)
	if existing, ok := s.robots[r.ID]; ok {
		cp.RegisteredAt = existing.RegisteredAt
		cp.LastAssignedAt = existing.LastAssignedAt
	} else if cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = time.Now()
	}
	cp.Decommissioned = false
	s.robots[r.ID] = cp
	r.RegisteredAt = cp.RegisteredAt
	return nil
}

func (s *memoryStore) GetRobot(ctx context.Context, robotID string) (*model.Robot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.robots[robotID]
	if !ok {
		return nil, errors.Ef(errors.KindNotFound, "robot %s 不存在", robotID)
	}
	return copyRobot(r), nil
}

func (s *memoryStore) ListRobots(ctx context.Context) ([]*model.Robot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*model.Robot
	for _, r := range s.robots {
		list = append(list, copyRobot(r))
	}
	sort.Slice(list, func(a, b int) bool { return list[a].RegisteredAt.Before(list[b].RegisteredAt) })
	return list, nil
}

func (s *memoryStore) SetRobotStatus(ctx context.Context, robotID string, status model.RobotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.robots[robotID]
	if !ok {
		return errors.Ef(errors.KindNotFound, "robot %s 不存在", robotID)
	}
	r.Status = status
	return nil
}

func (s *memoryStore) TouchRobotAssigned(ctx context.Context, robotID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.robots[robotID]; ok {
		r.LastAssignedAt = at
	}
	return nil
}

func (s *memoryStore) RecordHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *hb
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = time.Now()
	}
	s.heartbeats = append(s.heartbeats, &cp)
	if r, ok := s.robots[hb.RobotID]; ok {
		r.LastHeartbeatAt = cp.ReceivedAt
		r.Status = hb.Status
	}
	return nil
}

func (s *memoryStore) MarkStaleRobots(ctx context.Context, threshold time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var ids []string
	for _, r := range s.robots {
		if r.Status == model.RobotOffline || r.Decommissioned {
			continue
		}
		if r.LastHeartbeatAt.IsZero() || r.LastHeartbeatAt.Before(cutoff) {
			r.Status = model.RobotOffline
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (s *memoryStore) PurgeHeartbeatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.heartbeats[:0]
	var purged int64
	for _, hb := range s.heartbeats {
		if hb.ReceivedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, hb)
	}
	s.heartbeats = kept
	return purged, nil
}

func (s *memoryStore) InsertRobotKey(ctx context.Context, k *model.RobotKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.KeyHash]; ok {
		return nil
	}
	cp := *k
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.keys[k.KeyHash] = &cp
	return nil
}

func (s *memoryStore) LookupRobotKey(ctx context.Context, fingerprint string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[fingerprint]
	if !ok {
		return "", false, errors.E(errors.KindNotFound, "robot key 不存在")
	}
	return k.RobotID, !k.RevokedAt.IsZero(), nil
}

func (s *memoryStore) RevokeRobotKeys(ctx context.Context, robotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, k := range s.keys {
		if k.RobotID == robotID && k.RevokedAt.IsZero() {
			k.RevokedAt = now
		}
	}
	return nil
}

// ---- Schedules ----

func (s *memoryStore) InsertSchedule(ctx context.Context, sc *model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sc.ID]; ok {
		return errors.Ef(errors.KindDuplicate, "schedule %s 已存在", sc.ID)
	}
	cp := copySchedule(sc)
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.schedules[sc.ID] = cp
	return nil
}

func (s *memoryStore) GetSchedule(ctx context.Context, scheduleID string) (*model.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[scheduleID]
	if !ok {
		return nil, errors.Ef(errors.KindNotFound, "schedule %s 不存在", scheduleID)
	}
	return copySchedule(sc), nil
}

func (s *memoryStore) ListSchedules(ctx context.Context) ([]*model.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*model.Schedule
	for _, sc := range s.schedules {
		list = append(list, copySchedule(sc))
	}
	sort.Slice(list, func(a, b int) bool { return list[a].CreatedAt.Before(list[b].CreatedAt) })
	return list, nil
}

func (s *memoryStore) UpdateSchedule(ctx context.Context, sc *model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.schedules[sc.ID]
	if !ok {
		return errors.Ef(errors.KindNotFound, "schedule %s 不存在", sc.ID)
	}
	cp := copySchedule(sc)
	cp.CreatedAt = existing.CreatedAt
	cp.LastFireAt = existing.LastFireAt
	cp.RunCount = existing.RunCount
	cp.FailureCount = existing.FailureCount
	cp.UpdatedAt = time.Now()
	s.schedules[sc.ID] = cp
	return nil
}

func (s *memoryStore) DeleteSchedule(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[scheduleID]; !ok {
		return errors.Ef(errors.KindNotFound, "schedule %s 不存在", scheduleID)
	}
	delete(s.schedules, scheduleID)
	return nil
}

func (s *memoryStore) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool, nextFireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[scheduleID]
	if !ok {
		return errors.Ef(errors.KindNotFound, "schedule %s 不存在", scheduleID)
	}
	sc.Enabled = enabled
	sc.NextFireAt = nextFireAt
	sc.UpdatedAt = time.Now()
	return nil
}

func (s *memoryStore) DueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*model.Schedule
	for _, sc := range s.schedules {
		if sc.Enabled && !sc.NextFireAt.After(now) {
			list = append(list, copySchedule(sc))
		}
	}
	sort.Slice(list, func(a, b int) bool { return list[a].NextFireAt.Before(list[b].NextFireAt) })
	return list, nil
}

func (s *memoryStore) AdvanceSchedule(ctx context.Context, scheduleID string, prevNextFire, firedAt, nextFire time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[scheduleID]
	if !ok {
		return false, nil
	}
	if !sc.NextFireAt.Equal(prevNextFire) {
		return false, nil
	}
	sc.NextFireAt = nextFire
	sc.LastFireAt = firedAt
	sc.RunCount++
	sc.UpdatedAt = time.Now()
	return true, nil
}

func (s *memoryStore) IncrementScheduleFailure(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.schedules[scheduleID]; ok {
		sc.FailureCount++
	}
	return nil
}

// ---- Audit ----

func (s *memoryStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq++
	cp := *e
	cp.ID = s.auditSeq
	if cp.OccurredAt.IsZero() {
		cp.OccurredAt = time.Now()
	}
	if e.Detail != nil {
		cp.Detail = append([]byte(nil), e.Detail...)
	}
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *memoryStore) ListAudit(ctx context.Context, f AuditFilter) ([]*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*model.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		cp := *e
		list = append(list, &cp)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}
