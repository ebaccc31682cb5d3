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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sidefx-platform/pkg/config"
)

// RedisRegistry 跨 API 实例共享的注册表
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry 创建 Redis 注册表
func NewRedisRegistry(cfg config.RegistryConfig) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	ttl := 24 * time.Hour
	if cfg.TTL != "" {
		if d, err := time.ParseDuration(cfg.TTL); err == nil && d > 0 {
			ttl = d
		}
	}
	return &RedisRegistry{client: client, ttl: ttl}, nil
}

func runKey(runID string) string {
	return fmt.Sprintf("sidefx:run:%s", runID)
}

// Put 实现 Registry
func (r *RedisRegistry) Put(ctx context.Context, meta *Meta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, runKey(meta.RunID), raw, r.ttl).Err()
}

// Get 实现 Registry
func (r *RedisRegistry) Get(ctx context.Context, runID string) (*Meta, error) {
	raw, err := r.client.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Close 实现 Registry
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

var _ Registry = (*RedisRegistry)(nil)
