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
	"sort"
	"sync"
	"time"
)

// MemoryStore 内存台账实现；Claim 的原子性由互斥锁保证（仅单进程有效）
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Record
}

// NewMemoryStore 创建内存台账
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Record)}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func cloneRecord(r *Record) *Record {
	cp := *r
	if r.PayloadJSON != nil {
		cp.PayloadJSON = append([]byte(nil), r.PayloadJSON...)
	}
	return &cp
}

// GetStatus 实现 Store
func (s *MemoryStore) GetStatus(ctx context.Context, effectID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[effectID]
	if !ok {
		return nil, nil
	}
	return cloneRecord(r), nil
}

// Claim 实现 Store
func (s *MemoryStore) Claim(ctx context.Context, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[rec.EffectID]; exists {
		return false, nil
	}
	now := nowMS()
	row := cloneRecord(rec)
	row.Status = StatusInProgress
	row.ArtifactRef = ""
	row.CreatedMS = now
	row.UpdatedMS = now
	s.rows[rec.EffectID] = row
	return true, nil
}

// MarkDone 实现 Store
func (s *MemoryStore) MarkDone(ctx context.Context, effectID, artifactRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[effectID]
	if !ok {
		return nil
	}
	r.Status = StatusDone
	r.ArtifactRef = artifactRef
	r.UpdatedMS = nowMS()
	return nil
}

// MarkFailed 实现 Store
func (s *MemoryStore) MarkFailed(ctx context.Context, effectID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[effectID]
	if !ok {
		return nil
	}
	r.Status = StatusFailed
	r.UpdatedMS = nowMS()
	return nil
}

// ListEffects 实现 Store
func (s *MemoryStore) ListEffects(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedMS > out[j].UpdatedMS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close 实现 Store
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
