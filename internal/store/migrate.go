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
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"casare-orchestrator/pkg/errors"
)

// wrapFatal 给 migration 路径的错误统一挂 Fatal：schema 不可信时进程必须退出
func wrapFatal(err error, format string, args ...interface{}) error {
	return errors.WithKind(errors.KindFatal, err, fmt.Sprintf(format, args...))
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// migration 一个待应用的版本化 SQL 文件
type migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string // 文件内容的 sha256 hex
}

// loadMigrations 读取内嵌 SQL，按版本号排序。文件名约定 NNNN_name.sql。
func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, wrapFatal(err, "读取内嵌 migration 目录失败")
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		idx := strings.Index(name, "_")
		if idx <= 0 {
			return nil, errors.Ef(errors.KindFatal, "migration 文件名缺少版本前缀: %s", name)
		}
		ver, err := strconv.Atoi(name[:idx])
		if err != nil {
			return nil, errors.Ef(errors.KindFatal, "migration 版本前缀不是数字: %s", name)
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, wrapFatal(err, "读取 migration %s 失败", name)
		}
		sum := sha256.Sum256(data)
		out = append(out, migration{
			Version:  ver,
			Name:     strings.TrimSuffix(name[idx+1:], ".sql"),
			SQL:      string(data),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, errors.Ef(errors.KindFatal, "migration 版本重复: %d", out[i].Version)
		}
	}
	return out, nil
}

// Migrate 按序应用未执行的 migration；已应用的校验 checksum，
// 不一致说明 SQL 文件被事后改动，直接失败（Fatal）。
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version    integer PRIMARY KEY,
			name       text NOT NULL,
			checksum   text NOT NULL,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`); err != nil {
		return wrapFatal(err, "创建 _migrations 表失败")
	}

	applied := map[int]string{} // version -> checksum
	rows, err := pool.Query(ctx, `SELECT version, checksum FROM _migrations`)
	if err != nil {
		return wrapFatal(err, "读取 _migrations 失败")
	}
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			rows.Close()
			return wrapFatal(err, "扫描 _migrations 失败")
		}
		applied[v] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapFatal(err, "遍历 _migrations 失败")
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if sum, ok := applied[m.Version]; ok {
			if sum != m.Checksum {
				return errors.Ef(errors.KindFatal,
					"migration %04d_%s 的 checksum 与已应用记录不一致（期望 %s）", m.Version, m.Name, sum)
			}
			continue
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return wrapFatal(err, "开启 migration 事务失败")
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return wrapFatal(err, "应用 migration %04d_%s 失败", m.Version, m.Name)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO _migrations (version, name, checksum) VALUES ($1, $2, $3)`,
			m.Version, m.Name, m.Checksum); err != nil {
			_ = tx.Rollback(ctx)
			return wrapFatal(err, "记录 migration %04d_%s 失败", m.Version, m.Name)
		}
		if err := tx.Commit(ctx); err != nil {
			return wrapFatal(err, "提交 migration %04d_%s 失败", m.Version, m.Name)
		}
	}
	return nil
}
