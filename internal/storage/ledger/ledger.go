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

import "context"

// Status 副作用状态
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Record 台账行；effect_id 唯一，行一经创建不删除
type Record struct {
	EffectID    string `json:"effect_id"`
	RunID       string `json:"run_id"`
	StepID      string `json:"step_id"`
	BusinessKey string `json:"business_key"`
	Status      Status `json:"status"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
	CreatedMS   int64  `json:"created_ms"`
	UpdatedMS   int64  `json:"updated_ms"`
	// PayloadJSON 发起命令的规范化 JSON 快照
	PayloadJSON []byte `json:"-"`
}

// Store 副作用台账：Claim 的原子 unique-insert 是唯一的跨 worker 同步原语。
// Claim 立即分出胜负，不持有任何长锁；赢家 crash 留下的 in_progress
// 由后续投递按工件存在性 heal，不靠超时。
type Store interface {
	// GetStatus 查询台账行；不存在返回 nil, nil
	GetStatus(ctx context.Context, effectID string) (*Record, error)
	// Claim 原子插入 status=in_progress 的新行；插入成功返回 true（本调用方为赢家），
	// 行已存在返回 false。仅"重复键"按输家处理，其余错误原样上抛（按瞬态处理）
	Claim(ctx context.Context, rec *Record) (bool, error)
	// MarkDone 无条件置 done 并记录工件引用
	MarkDone(ctx context.Context, effectID, artifactRef string) error
	// MarkFailed 置 failed（终态失败记录；DLQ 记录为对外终态）
	MarkFailed(ctx context.Context, effectID, reason string) error
	// ListEffects 按更新时间倒序列出台账行（debug 读取用）
	ListEffects(ctx context.Context, limit int) ([]*Record, error)
	Close() error
}
