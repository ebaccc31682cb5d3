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

package run

import (
	"context"
	"fmt"

	"sidefx-platform/pkg/config"
)

// Meta run 的提交参数快照, API 查询与事件流订阅用
type Meta struct {
	RunID             string  `json:"run_id"`
	BusinessKey       string  `json:"business_key"`
	Amount            float64 `json:"amount"`
	Attempt           int     `json:"attempt"`
	MaxAttempts       int     `json:"max_attempts"`
	FailBeforeEffectN int     `json:"fail_before_effect_n"`
	FailMode          string  `json:"fail_mode"`
	EventsTopic       string  `json:"events_topic"`
	CreatedMS         int64   `json:"created_ms"`
}

// Registry run 元数据注册表
type Registry interface {
	// Put 写入 run 元数据
	Put(ctx context.Context, meta *Meta) error
	// Get 查询 run 元数据; 不存在返回 nil, nil
	Get(ctx context.Context, runID string) (*Meta, error)
	Close() error
}

// NewRegistry 根据配置创建注册表
func NewRegistry(cfg config.RegistryConfig) (Registry, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryRegistry(), nil
	case "redis":
		return NewRedisRegistry(cfg)
	default:
		return nil, fmt.Errorf("不支持的注册表类型: %s", cfg.Type)
	}
}
