// Copyright 2026 fanjia1024
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

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore PostgreSQL 台账实现，多 Worker 多进程共享；
// Claim 的原子性由主键 + ON CONFLICT DO NOTHING 保证
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 连接 Postgres 并确保 schema
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接台账数据库失败: %w", err)
	}
	s := &PgStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS side_effects (
		  effect_id TEXT PRIMARY KEY,
		  run_id TEXT NOT NULL,
		  step_id TEXT NOT NULL,
		  business_key TEXT NOT NULL,
		  status TEXT NOT NULL,
		  artifact_ref TEXT,
		  created_ms BIGINT NOT NULL,
		  updated_ms BIGINT NOT NULL,
		  payload_json JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_side_effects_run_id ON side_effects(run_id);
		CREATE INDEX IF NOT EXISTS idx_side_effects_business_key ON side_effects(business_key);
	`)
	return err
}

// GetStatus 实现 Store
func (s *PgStore) GetStatus(ctx context.Context, effectID string) (*Record, error) {
	var rec Record
	var status string
	var artifactRef *string
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT effect_id, run_id, step_id, business_key, status, artifact_ref, created_ms, updated_ms, payload_json
		FROM side_effects WHERE effect_id = $1`, effectID).
		Scan(&rec.EffectID, &rec.RunID, &rec.StepID, &rec.BusinessKey, &status, &artifactRef, &rec.CreatedMS, &rec.UpdatedMS, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if artifactRef != nil {
		rec.ArtifactRef = *artifactRef
	}
	rec.PayloadJSON = payload
	return &rec, nil
}

// Claim 实现 Store；RowsAffected==1 即本调用方插入成功（赢家）
func (s *PgStore) Claim(ctx context.Context, rec *Record) (bool, error) {
	now := nowMS()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO side_effects
		  (effect_id, run_id, step_id, business_key, status, artifact_ref, created_ms, updated_ms, payload_json)
		VALUES ($1, $2, $3, $4, 'in_progress', NULL, $5, $6, $7::jsonb)
		ON CONFLICT (effect_id) DO NOTHING`,
		rec.EffectID, rec.RunID, rec.StepID, rec.BusinessKey, now, now, string(rec.PayloadJSON))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDone 实现 Store
func (s *PgStore) MarkDone(ctx context.Context, effectID, artifactRef string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE side_effects SET status='done', artifact_ref=$1, updated_ms=$2 WHERE effect_id=$3`,
		artifactRef, nowMS(), effectID)
	return err
}

// MarkFailed 实现 Store
func (s *PgStore) MarkFailed(ctx context.Context, effectID, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE side_effects SET status='failed', updated_ms=$1 WHERE effect_id=$2`,
		nowMS(), effectID)
	return err
}

// ListEffects 实现 Store
func (s *PgStore) ListEffects(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT effect_id, run_id, step_id, business_key, status, artifact_ref, created_ms, updated_ms, payload_json
		FROM side_effects ORDER BY updated_ms DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		var rec Record
		var status string
		var artifactRef *string
		var payload []byte
		if err := rows.Scan(&rec.EffectID, &rec.RunID, &rec.StepID, &rec.BusinessKey, &status, &artifactRef, &rec.CreatedMS, &rec.UpdatedMS, &payload); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		if artifactRef != nil {
			rec.ArtifactRef = *artifactRef
		}
		rec.PayloadJSON = payload
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close 实现 Store
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PgStore)(nil)
