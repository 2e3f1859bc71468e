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
	"fmt"
	"strings"
	"time"

	"casare-orchestrator/internal/model"
	"casare-orchestrator/pkg/errors"
)

// AppendAudit 实现 Audit
func (s *PgStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (occurred_at, category, entity_id, action, actor, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.OccurredAt, e.Category, e.EntityID, e.Action, nullStr(e.Actor), nullBytes(e.Detail))
	if err != nil {
		return errors.WithKind(errors.KindTransient, err, "写入审计失败")
	}
	return nil
}

// ListAudit 实现 Audit
func (s *PgStore) ListAudit(ctx context.Context, f AuditFilter) ([]*model.AuditEntry, error) {
	where := []string{"true"}
	args := []interface{}{}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.EntityID != "" {
		args = append(args, f.EntityID)
		where = append(where, fmt.Sprintf("entity_id = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	rows, err := s.pool.Query(ctx,
		`SELECT id, occurred_at, category, entity_id, action, actor, detail
		 FROM audit_log WHERE `+strings.Join(where, " AND ")+
			fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT $%d`, len(args)),
		args...)
	if err != nil {
		return nil, errors.WithKind(errors.KindTransient, err, "列出审计失败")
	}
	defer rows.Close()
	var list []*model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var actor *string
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Category, &e.EntityID, &e.Action, &actor, &e.Detail); err != nil {
			return nil, errors.WithKind(errors.KindTransient, err, "扫描审计失败")
		}
		e.Actor = strOrEmpty(actor)
		list = append(list, &e)
	}
	return list, rows.Err()
}
