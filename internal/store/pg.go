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
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"casare-orchestrator/internal/model"
)

// state 编码与 model.JobState 的 iota 一致：
// 0=pending, 1=assigned, 2=running, 3=cancelling,
// 4=completed, 5=failed, 6=cancelled, 7=timed_out, 8=dead_letter。
// 终态编码 >= 4（jobs_dedup_active_idx 的 state < 4 依赖这一点）。
const pgStateTerminalFloor = int16(4)

func stateToPg(s model.JobState) int16 {
	return int16(s)
}

func pgToState(i int16) model.JobState {
	return model.JobState(i)
}

func robotStatusToPg(s model.RobotStatus) int16 {
	return int16(s)
}

func pgToRobotStatus(i int16) model.RobotStatus {
	return model.RobotStatus(i)
}

// PgStore Postgres 实现；所有 Orchestrator 实例共享同一库
type PgStore struct {
	pool *pgxpool.Pool
}

// Options Postgres 连接选项
type Options struct {
	PoolSize       int
	MigrateOnStart bool
}

// NewPgStore 建连、可选执行 migration。失败即返回（启动门禁在 cmd 层决定退出码）。
func NewPgStore(ctx context.Context, dsn string, opts Options) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if opts.PoolSize > 0 {
		config.MaxConns = int32(opts.PoolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if opts.MigrateOnStart {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &PgStore{pool: pool}, nil
}

// Ping 实现 Store
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close 关闭连接池
func (s *PgStore) Close() {
	s.pool.Close()
}

// Pool 暴露连接池（测试清库用）
func (s *PgStore) Pool() *pgxpool.Pool {
	return s.pool
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func capsToPg(caps []string) interface{} {
	if len(caps) == 0 {
		return nil
	}
	return strings.Join(caps, ",")
}

func pgToCaps(s *string) []string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	parts := strings.Split(*s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func errNoRows(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}
