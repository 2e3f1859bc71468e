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

// Package session Orchestrator 侧的 Robot 会话层：WS 升级、注册握手、
// 帧序号保序、出站有界队列与 Assign ack 配对。会话只做传输与路由，
// 状态迁移全部转交 queue/registry。
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"casare-orchestrator/pkg/errors"
	"casare-orchestrator/pkg/log"
	"casare-orchestrator/pkg/wire"
)

// Conn 底层 WebSocket 连接的最小抽象；hertz（服务端）与测试桩共用。
// 写超时由适配器在 WriteMessage 内处理。
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Session 单个 robot 的活跃会话。出站帧带单调 seq（从 1 起），入站丢弃
// seq ≤ 已见最大值的帧以吸收重连重放。出站队列有界：写满说明对端读不动，
// 命令通道不允许丢帧，直接断开让 robot 重连。
type Session struct {
	ID      string
	RobotID string

	conn   Conn
	out    chan []byte
	logger *log.Logger

	outSeq    atomic.Uint64
	lastInSeq atomic.Uint64

	ackMu sync.Mutex
	acks  map[string]chan error // job_id → Assign ack

	jobMu    sync.Mutex
	verified map[string]struct{} // progress 帧校验过归属的 job

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id, robotID string, conn Conn, outBuf int, logger *log.Logger) *Session {
	if outBuf <= 0 {
		outBuf = 64
	}
	return &Session{
		ID:       id,
		RobotID:  robotID,
		conn:     conn,
		out:      make(chan []byte, outBuf),
		logger:   logger.With("robot_id", robotID, "session_id", id),
		acks:     make(map[string]chan error),
		verified: make(map[string]struct{}),
		closed:   make(chan struct{}),
	}
}

// send 组帧入队。队列满即断会话：出站都是命令帧（assign/cancel/drain），
// 静默丢弃比断开重连更危险。
func (s *Session) send(t wire.MsgType, payload any) error {
	data, err := wire.Encode(t, s.outSeq.Add(1), s.RobotID, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return errors.Ef(errors.KindWorkerLost, "会话已关闭: %s", s.RobotID)
	default:
	}
	select {
	case s.out <- data:
		return nil
	case <-s.closed:
		return errors.Ef(errors.KindWorkerLost, "会话已关闭: %s", s.RobotID)
	default:
		s.logger.Warn("出站队列写满，断开会话")
		s.close()
		return errors.Ef(errors.KindWorkerLost, "出站队列写满: %s", s.RobotID)
	}
}

// writePump 唯一的连接写入方
func (s *Session) writePump() {
	for {
		select {
		case data := <-s.out:
			if err := s.conn.WriteMessage(data); err != nil {
				s.logger.Warn("写入失败，断开会话", "error", err)
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// acceptInbound seq 保序：重放（seq ≤ 已见最大值）返回 false
func (s *Session) acceptInbound(seq uint64) bool {
	for {
		last := s.lastInSeq.Load()
		if seq <= last {
			return false
		}
		if s.lastInSeq.CompareAndSwap(last, seq) {
			return true
		}
	}
}

// registerAck 登记一个待确认的 Assign；容量 1，resolve 不阻塞
func (s *Session) registerAck(jobID string) chan error {
	ch := make(chan error, 1)
	s.ackMu.Lock()
	s.acks[jobID] = ch
	s.ackMu.Unlock()
	return ch
}

// resolveAck 交付 ack 结果；无人等待（超时后迟到的 ack）返回 false
func (s *Session) resolveAck(jobID string, err error) bool {
	s.ackMu.Lock()
	ch, ok := s.acks[jobID]
	if ok {
		delete(s.acks, jobID)
	}
	s.ackMu.Unlock()
	if !ok {
		return false
	}
	ch <- err
	return true
}

func (s *Session) dropAck(jobID string) {
	s.ackMu.Lock()
	delete(s.acks, jobID)
	s.ackMu.Unlock()
}

// markVerified 该 job 归属已确认，后续 progress 帧免查库
func (s *Session) markVerified(jobID string) {
	s.jobMu.Lock()
	s.verified[jobID] = struct{}{}
	s.jobMu.Unlock()
}

func (s *Session) isVerified(jobID string) bool {
	s.jobMu.Lock()
	_, ok := s.verified[jobID]
	s.jobMu.Unlock()
	return ok
}

func (s *Session) dropVerified(jobID string) {
	s.jobMu.Lock()
	delete(s.verified, jobID)
	s.jobMu.Unlock()
}

// close 幂等关闭：关连接、放走 writePump，并把所有在途 ack 按会话断开回绝
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		s.ackMu.Lock()
		for jobID, ch := range s.acks {
			ch <- errors.Ef(errors.KindWorkerLost, "会话断开，assign 未确认: %s", jobID)
			delete(s.acks, jobID)
		}
		s.ackMu.Unlock()
	})
}

// Done 会话结束信号
func (s *Session) Done() <-chan struct{} { return s.closed }
