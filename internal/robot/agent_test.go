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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"casare-orchestrator/pkg/backoff"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/wire"
)

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	logger, err := log.NewLogger(&log.Config{Level: "error"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return logger
}

// orchStub 编排器桩：每个接入的 WS 连接丢进 conns，由测试逐帧驱动
type orchStub struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	auth  atomic.Value // string: 最近一次 Authorization 头
}

func newOrchStub(t *testing.T) *orchStub {
	t.Helper()
	up := websocket.Upgrader{}
	s := &orchStub{conns: make(chan *websocket.Conn, 8)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth.Store(r.Header.Get("Authorization"))
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- c
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *orchStub) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/robot"
}

func (s *orchStub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("agent 未在 2s 内接入")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

// expectType 跳过心跳与进度等噪声帧，直到读到目标类型
func expectType(t *testing.T, conn *websocket.Conn, want wire.MsgType) *wire.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if f.Type == want {
			return f
		}
		if f.Type == wire.TypeHeartbeat || f.Type == wire.TypeJobProgress || f.Type == wire.TypeJobLog {
			continue
		}
		t.Fatalf("期望 %s 帧，收到 %s", want, f.Type)
	}
	t.Fatalf("3s 内未收到 %s 帧", want)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, typ wire.MsgType, seq uint64, payload any) {
	t.Helper()
	data, err := wire.Encode(typ, seq, "", payload)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// handshake 服务端侧完成注册握手，返回 Register 帧内容
func handshake(t *testing.T, conn *websocket.Conn, hbSeconds int) wire.Register {
	t.Helper()
	f := readFrame(t, conn)
	if f.Type != wire.TypeRegister {
		t.Fatalf("首帧应为 register，收到 %s", f.Type)
	}
	var reg wire.Register
	if err := f.Unmarshal(&reg); err != nil {
		t.Fatalf("unmarshal register: %v", err)
	}
	sendFrame(t, conn, wire.TypeRegistered, 1, wire.Registered{
		SessionID:                "sess-1",
		HeartbeatIntervalSeconds: hbSeconds,
	})
	return reg
}

func startAgent(t *testing.T, cfg Config, exec Executor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	agent := NewAgent(cfg, exec, testLogger(t))
	go func() {
		defer close(done)
		_ = agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("agent 未在 2s 内退出")
		}
	})
	return cancel
}

func assignOf(id string, nodes int, timeoutSec int) wire.Assign {
	type n struct {
		ID string `json:"id"`
	}
	ns := make([]n, nodes)
	for i := range ns {
		ns[i] = n{ID: "n" + string(rune('1'+i))}
	}
	payload, _ := json.Marshal(map[string]any{"nodes": ns})
	return wire.Assign{
		Job: wire.AssignJob{
			JobID:          id,
			WorkflowID:     "wf-demo",
			Payload:        payload,
			TimeoutSeconds: timeoutSec,
		},
		AckDeadline: time.Now().Add(5 * time.Second),
	}
}

func TestAgentRegistersAndExecutes(t *testing.T) {
	stub := newOrchStub(t)
	startAgent(t, Config{
		URL:               stub.url(),
		Token:             "key-abc",
		RobotID:           "bot-7",
		Name:              "测试机",
		Environment:       "prod",
		Capabilities:      []string{"browser"},
		MaxConcurrentJobs: 2,
	}, &Simulator{NodeDelay: 10 * time.Millisecond})

	conn := stub.accept(t)
	reg := handshake(t, conn, 30)
	if reg.RobotID != "bot-7" || reg.Name != "测试机" || reg.Environment != "prod" {
		t.Fatalf("register 字段不符: %+v", reg)
	}
	if reg.MaxConcurrentJobs != 2 || len(reg.Capabilities) != 1 {
		t.Fatalf("register 能力声明不符: %+v", reg)
	}
	if got, _ := stub.auth.Load().(string); got != "Bearer key-abc" {
		t.Fatalf("Authorization 头 = %q", got)
	}

	sendFrame(t, conn, wire.TypeAssign, 2, assignOf("job-1", 3, 0))
	acc := expectType(t, conn, wire.TypeJobAccept)
	var accept wire.JobAccept
	if err := acc.Unmarshal(&accept); err != nil || accept.JobID != "job-1" {
		t.Fatalf("accept 帧异常: %v %+v", err, accept)
	}

	// 3 个节点应产生进度帧，最后是 complete
	sawProgress := false
	for {
		f := readFrame(t, conn)
		switch f.Type {
		case wire.TypeJobProgress:
			var p wire.JobProgress
			if err := f.Unmarshal(&p); err != nil {
				t.Fatalf("unmarshal progress: %v", err)
			}
			if p.JobID != "job-1" || p.Percent <= 0 {
				t.Fatalf("progress 帧异常: %+v", p)
			}
			sawProgress = true
			continue
		case wire.TypeHeartbeat:
			continue
		case wire.TypeJobComplete:
			var done wire.JobComplete
			if err := f.Unmarshal(&done); err != nil {
				t.Fatalf("unmarshal complete: %v", err)
			}
			if done.JobID != "job-1" {
				t.Fatalf("complete job_id = %s", done.JobID)
			}
			var result map[string]any
			if err := json.Unmarshal(done.Result, &result); err != nil {
				t.Fatalf("result 非 JSON: %v", err)
			}
			if n, _ := result["nodes_executed"].(float64); int(n) != 3 {
				t.Fatalf("nodes_executed = %v", result["nodes_executed"])
			}
			if !sawProgress {
				t.Fatal("完成前未收到任何进度帧")
			}
			return
		default:
			t.Fatalf("意外帧类型 %s", f.Type)
		}
	}
}

func TestAgentCapacityAndCancel(t *testing.T) {
	stub := newOrchStub(t)
	startAgent(t, Config{
		URL:               stub.url(),
		RobotID:           "bot-cap",
		MaxConcurrentJobs: 1,
	}, &Simulator{NodeDelay: 5 * time.Second}) // 跑不完，靠 cancel 收尾

	conn := stub.accept(t)
	handshake(t, conn, 30)

	sendFrame(t, conn, wire.TypeAssign, 2, assignOf("job-a", 1, 0))
	expectType(t, conn, wire.TypeJobAccept)

	// 并发上限 1：第二单必须拒绝
	sendFrame(t, conn, wire.TypeAssign, 3, assignOf("job-b", 1, 0))
	rej := expectType(t, conn, wire.TypeJobReject)
	var reject wire.JobReject
	if err := rej.Unmarshal(&reject); err != nil || reject.JobID != "job-b" {
		t.Fatalf("reject 帧异常: %v %+v", err, reject)
	}

	sendFrame(t, conn, wire.TypeCancel, 4, wire.Cancel{JobID: "job-a", Reason: "操作员取消"})
	failed := expectType(t, conn, wire.TypeJobFailed)
	var jf wire.JobFailed
	if err := failed.Unmarshal(&jf); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if jf.JobID != "job-a" || jf.Kind != "cancelled" {
		t.Fatalf("取消后应回 cancelled，收到 %+v", jf)
	}
}

func TestAgentDrainRejectsNewWork(t *testing.T) {
	stub := newOrchStub(t)
	startAgent(t, Config{URL: stub.url(), RobotID: "bot-drain", MaxConcurrentJobs: 4},
		&Simulator{NodeDelay: time.Millisecond})

	conn := stub.accept(t)
	handshake(t, conn, 30)

	sendFrame(t, conn, wire.TypeDrain, 2, wire.Drain{Reason: "维护窗口"})
	// drain 是单向帧，给 agent 一点处理时间
	time.Sleep(50 * time.Millisecond)

	sendFrame(t, conn, wire.TypeAssign, 3, assignOf("job-x", 1, 0))
	rej := expectType(t, conn, wire.TypeJobReject)
	var reject wire.JobReject
	if err := rej.Unmarshal(&reject); err != nil {
		t.Fatalf("unmarshal reject: %v", err)
	}
	if reject.JobID != "job-x" || reject.Reason != "draining" {
		t.Fatalf("draining 期间应拒单，收到 %+v", reject)
	}
}

func TestAgentLocalTimeoutReportsTimedOut(t *testing.T) {
	stub := newOrchStub(t)
	startAgent(t, Config{URL: stub.url(), RobotID: "bot-slow", MaxConcurrentJobs: 1},
		&Simulator{NodeDelay: 5 * time.Second})

	conn := stub.accept(t)
	handshake(t, conn, 30)

	sendFrame(t, conn, wire.TypeAssign, 2, assignOf("job-slow", 1, 1))
	expectType(t, conn, wire.TypeJobAccept)

	failed := expectType(t, conn, wire.TypeJobFailed)
	var jf wire.JobFailed
	if err := failed.Unmarshal(&jf); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if jf.JobID != "job-slow" || jf.Kind != "timeout" {
		t.Fatalf("本地超时应回 timeout，收到 %+v", jf)
	}
}

func TestAgentReconnectsWithFreshRegisterAndFlushesResult(t *testing.T) {
	stub := newOrchStub(t)
	startAgent(t, Config{
		URL:               stub.url(),
		RobotID:           "bot-rc",
		MaxConcurrentJobs: 1,
		Reconnect:         backoff.Policy{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond, Jitter: 0},
	}, &Simulator{NodeDelay: 100 * time.Millisecond})

	conn := stub.accept(t)
	handshake(t, conn, 30)
	sendFrame(t, conn, wire.TypeAssign, 2, assignOf("job-rc", 1, 0))
	expectType(t, conn, wire.TypeJobAccept)

	// 执行中掐断连接：任务继续跑，结果帧留存
	_ = conn.Close()

	conn2 := stub.accept(t)
	reg := handshake(t, conn2, 30)
	if reg.RobotID != "bot-rc" {
		t.Fatalf("重连应重新 register，robot_id = %s", reg.RobotID)
	}
	done := expectType(t, conn2, wire.TypeJobComplete)
	var jc wire.JobComplete
	if err := done.Unmarshal(&jc); err != nil || jc.JobID != "job-rc" {
		t.Fatalf("重连后应补发 complete，收到 %v %+v", err, jc)
	}
}

func TestAgentShutdownFrameEndsSessionAfterGrace(t *testing.T) {
	stub := newOrchStub(t)
	startAgent(t, Config{
		URL:       stub.url(),
		RobotID:   "bot-sd",
		Reconnect: backoff.Policy{Base: 20 * time.Millisecond, Cap: 50 * time.Millisecond, Jitter: 0},
	}, &Simulator{NodeDelay: time.Millisecond})

	conn := stub.accept(t)
	handshake(t, conn, 30)

	sendFrame(t, conn, wire.TypeShutdown, 2, wire.Shutdown{GracePeriodSeconds: 1})
	// 无在途任务：agent 应很快断开（读到对端关闭）
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// 断开后按退避重连并重新注册
	conn2 := stub.accept(t)
	reg := handshake(t, conn2, 30)
	if reg.RobotID != "bot-sd" {
		t.Fatalf("shutdown 后应重连注册，robot_id = %s", reg.RobotID)
	}
}
