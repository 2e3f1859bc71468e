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

package robot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/wire"
)

// Executor 执行一个工作流。progress 回调用于上报进度帧（best-effort，
// 断线期间会被丢弃）；收到 Cancel 时 ctx 被取消，实现方应尽快返回。
type Executor interface {
	Execute(ctx context.Context, job wire.AssignJob, progress func(wire.JobProgress)) (json.RawMessage, error)
}

// simNode 模拟执行器理解的最小节点结构。action=fail 的节点会使整个
// 工作流以 fatal 失败，方便联调重试与 DLQ 路径。
type simNode struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Action string `json:"action,omitempty"`
}

type simPayload struct {
	Nodes []simNode `json:"nodes"`
}

// Simulator 黑盒执行器的参考实现：按节点顺序 sleep 并上报进度，
// 不碰任何真实桌面/浏览器。联调编排器语义用。
type Simulator struct {
	NodeDelay time.Duration // 每节点耗时，<=0 时取 100ms
}

// Execute 实现 Executor
func (s *Simulator) Execute(ctx context.Context, job wire.AssignJob, progress func(wire.JobProgress)) (json.RawMessage, error) {
	delay := s.NodeDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var p simPayload
	if len(job.Payload) > 0 {
		// payload 不是模拟器结构时按单节点处理，保持黑盒约定
		_ = json.Unmarshal(job.Payload, &p)
	}
	if len(p.Nodes) == 0 {
		p.Nodes = []simNode{{ID: "default"}}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for i, node := range p.Nodes {
		timer.Reset(delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		if node.Action == "fail" {
			return nil, errors.Ef(errors.KindFatal, "节点 %s 模拟失败", node.ID)
		}
		progress(wire.JobProgress{
			JobID:   job.JobID,
			Percent: float64((i+1)*100) / float64(len(p.Nodes)),
			NodeID:  node.ID,
			Message: fmt.Sprintf("节点 %d/%d 完成", i+1, len(p.Nodes)),
		})
	}

	result, err := json.Marshal(map[string]interface{}{
		"workflow_id":    job.WorkflowID,
		"nodes_executed": len(p.Nodes),
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
