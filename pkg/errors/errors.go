// Package errors 提供统一错误辅助，不依赖 internal；核心各组件用 Kind 区分错误语义，
// 传播与重试策略只看 Kind，不看具体类型。
package errors

import (
	"errors"
	"fmt"
)

// Kind 错误类别：调用方据此决定 surface、retry 还是 requeue
type Kind string

const (
	// KindInvalid 客户端输入非法（尺寸、形状、字段），直接返回提交方
	KindInvalid Kind = "invalid"
	// KindDuplicate 幂等/去重命中：job_id 已存在或 dedup_key 命中非终态 Job
	KindDuplicate Kind = "duplicate"
	// KindNotFound 引用的实体不存在
	KindNotFound Kind = "not_found"
	// KindStaleTransition 条件状态更新失败（当前状态 ≠ from_state），内部有界重试
	KindStaleTransition Kind = "stale_transition"
	// KindWorkerLost 被指派的 Robot 掉线/心跳超时，走 requeue 管道
	KindWorkerLost Kind = "worker_lost"
	// KindTimeout Job 或 cancel 超过 deadline；Job 超时可重试，cancel 超时不重试
	KindTimeout Kind = "timeout"
	// KindTransient 存储/网络抖动，带 backoff 重试
	KindTransient Kind = "transient"
	// KindCancelled 用户主动取消，不重试
	KindCancelled Kind = "cancelled"
	// KindFatal 存储损坏、配置不可恢复；进程以非零码退出
	KindFatal Kind = "fatal"
)

// 常用哨兵错误（store 层 not-found 等场景继续使用 errors.Is 判断）
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
)

// Error 携带 Kind 的错误；Stack 仅在 Worker 上报失败时透传
type Error struct {
	Kind    Kind
	Message string
	Stack   string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// E 创建带 Kind 的错误
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef 带格式的 E
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithKind 给已有错误附加 Kind；err 为 nil 时返回 nil
func WithKind(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, err: err}
}

// KindOf 提取错误的 Kind；非 *Error 链返回空串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind 判断错误链中是否存在指定 Kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retriable 核心的可重试集合：Timeout（Job 上）、WorkerLost、Transient；
// StaleTransition 由调用点内部有界重试，不进 requeue 管道。
func Retriable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindWorkerLost, KindTransient:
		return true
	default:
		return false
	}
}

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
