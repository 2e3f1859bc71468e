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

package registry

import (
	"sort"
	"sync/atomic"

	"casare-orchestrator/internal/model"
)

// 派发策略
const (
	PolicyLeastLoaded = "least_loaded"
	PolicyRoundRobin  = "round_robin"
	PolicyAffinity    = "affinity"
)

type rrCursor struct {
	n atomic.Uint64
}

// candidate 一次挑选中参与比较的 robot 投影
type candidate struct {
	id           string
	load         int
	lastAssigned int64 // UnixNano；0 = 从未获派，平局时优先
	lastWorkflow string
	meta         model.Robot
}

// PickCandidate 为 job 挑一个可派发的 robot。候选条件：有活跃会话、
// 非 Draining/Offline、容量未满、能力是 job 要求的超集、环境匹配、
// 命中 target pin（若有）。skip 非 nil 时用于排除调用方临时拉黑的
// robot（拒单冷却、熔断器打开）。无候选返回 (nil, false)，job 停留 Pending。
//
// 这是 advisory 挑选：真正的串行化点在 store.ClaimOnePending，挑中后
// 认领失败（被并发 dispatcher 抢走）由调用方重试。
func (r *Registry) PickCandidate(job *model.Job, skip func(robotID string) bool) (*model.Robot, bool) {
	cands := r.eligible(job, skip)
	if len(cands) == 0 {
		return nil, false
	}
	var chosen candidate
	switch r.cfg.Policy {
	case PolicyRoundRobin:
		chosen = r.pickRoundRobin(cands)
	case PolicyAffinity:
		chosen = pickAffinity(cands, job.WorkflowID)
	default:
		chosen = pickLeastLoaded(cands)
	}
	cp := chosen.meta
	return &cp, true
}

func (r *Registry) eligible(job *model.Job, skip func(string) bool) []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cands := make([]candidate, 0, len(r.view))
	for id, v := range r.view {
		if skip != nil && skip(id) {
			continue
		}
		if !v.connected {
			continue
		}
		switch v.meta.Status {
		case model.RobotIdle, model.RobotBusy:
		default:
			continue
		}
		if len(v.inflight) >= v.meta.MaxConcurrentJobs {
			continue
		}
		if job.TargetRobotID != "" && job.TargetRobotID != id {
			continue
		}
		if job.Environment != "" && v.meta.Environment != job.Environment {
			continue
		}
		if !hasAllCapabilities(v.meta.Capabilities, job.RequiredCapabilities) {
			continue
		}
		cp := v.meta
		cp.CurrentJobIDs = jobIDs(v.inflight)
		cands = append(cands, candidate{
			id:           id,
			load:         len(v.inflight),
			lastAssigned: v.meta.LastAssignedAt.UnixNano(),
			lastWorkflow: v.lastWorkflow,
			meta:         cp,
		})
	}
	return cands
}

// pickLeastLoaded 负载最低者；平局取最久未获派的（LastAssignedAt 最老），
// 避免字典序小的 robot 长期吃满。
func pickLeastLoaded(cands []candidate) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.load < best.load ||
			(c.load == best.load && c.lastAssigned < best.lastAssigned) ||
			(c.load == best.load && c.lastAssigned == best.lastAssigned && c.id < best.id) {
			best = c
		}
	}
	return best
}

func (r *Registry) pickRoundRobin(cands []candidate) candidate {
	sort.Slice(cands, func(i, j int) bool { return cands[i].id < cands[j].id })
	n := r.rr.n.Add(1) - 1
	return cands[n%uint64(len(cands))]
}

// pickAffinity 优先派给最近跑过同一 workflow 的 robot（执行环境大概率
// 还热着），无命中退回 least-loaded。
func pickAffinity(cands []candidate, workflowID string) candidate {
	var warm []candidate
	for _, c := range cands {
		if workflowID != "" && c.lastWorkflow == workflowID {
			warm = append(warm, c)
		}
	}
	if len(warm) > 0 {
		return pickLeastLoaded(warm)
	}
	return pickLeastLoaded(cands)
}

func hasAllCapabilities(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
