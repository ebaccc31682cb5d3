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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore 单机文件台账；Claim 的原子性由主键唯一约束 + INSERT OR IGNORE 保证，
// 多进程共享同一文件时依然成立（API 与 Worker 可各自打开）
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开（或创建）sqlite 台账文件并确保 schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建台账目录失败: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开台账失败: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	// WAL：开发与多进程并发下的读写行为更好
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA synchronous=NORMAL;`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS side_effects (
		  effect_id TEXT PRIMARY KEY,
		  run_id TEXT NOT NULL,
		  step_id TEXT NOT NULL,
		  business_key TEXT NOT NULL,
		  status TEXT NOT NULL,
		  artifact_ref TEXT,
		  created_ms INTEGER NOT NULL,
		  updated_ms INTEGER NOT NULL,
		  payload_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_side_effects_run_id ON side_effects(run_id);
		CREATE INDEX IF NOT EXISTS idx_side_effects_business_key ON side_effects(business_key);
	`)
	return err
}

// GetStatus 实现 Store
func (s *SQLiteStore) GetStatus(ctx context.Context, effectID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT effect_id, run_id, step_id, business_key, status, artifact_ref, created_ms, updated_ms, payload_json
		FROM side_effects WHERE effect_id = ?`, effectID)
	return scanRow(row.Scan)
}

func scanRow(scan func(dest ...any) error) (*Record, error) {
	var rec Record
	var status string
	var artifactRef sql.NullString
	var payload string
	err := scan(&rec.EffectID, &rec.RunID, &rec.StepID, &rec.BusinessKey, &status, &artifactRef, &rec.CreatedMS, &rec.UpdatedMS, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if artifactRef.Valid {
		rec.ArtifactRef = artifactRef.String
	}
	rec.PayloadJSON = []byte(payload)
	return &rec, nil
}

// Claim 实现 Store；INSERT OR IGNORE 的 RowsAffected 即胜负判定
func (s *SQLiteStore) Claim(ctx context.Context, rec *Record) (bool, error) {
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO side_effects
		  (effect_id, run_id, step_id, business_key, status, artifact_ref, created_ms, updated_ms, payload_json)
		VALUES (?, ?, ?, ?, 'in_progress', NULL, ?, ?, ?)`,
		rec.EffectID, rec.RunID, rec.StepID, rec.BusinessKey, now, now, string(rec.PayloadJSON))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkDone 实现 Store
func (s *SQLiteStore) MarkDone(ctx context.Context, effectID, artifactRef string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE side_effects SET status='done', artifact_ref=?, updated_ms=? WHERE effect_id=?`,
		artifactRef, nowMS(), effectID)
	return err
}

// MarkFailed 实现 Store
func (s *SQLiteStore) MarkFailed(ctx context.Context, effectID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE side_effects SET status='failed', updated_ms=? WHERE effect_id=?`,
		nowMS(), effectID)
	return err
}

// ListEffects 实现 Store
func (s *SQLiteStore) ListEffects(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT effect_id, run_id, step_id, business_key, status, artifact_ref, created_ms, updated_ms, payload_json
		FROM side_effects ORDER BY updated_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*Record
	for rows.Next() {
		rec, err := scanRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close 实现 Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
