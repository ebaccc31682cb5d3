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

package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Delivery 一次租约投递；未在租约内 ack 将被 broker 重投（可能投给其他 owner）
type Delivery struct {
	Topic     string          `json:"topic"`
	Partition int             `json:"partition"`
	Offset    int64           `json:"offset"`
	Value     json.RawMessage `json:"value"`
}

// DecodeValue 解析投递 value；value 可能是 JSON 字符串二次编码，也可能是原生对象
func (d *Delivery) DecodeValue(dest interface{}) error {
	var s string
	if err := json.Unmarshal(d.Value, &s); err == nil {
		return json.Unmarshal([]byte(s), dest)
	}
	return json.Unmarshal(d.Value, dest)
}

// Broker 外部消息代理适配接口：主题管理、幂等生产、租约消费流、显式 ack。
// 实现假定 broker 提供 (topic, idempotency_key) 去重与租约到期重投。
type Broker interface {
	// EnsureTopic 确保主题存在；已存在视为成功
	EnsureTopic(ctx context.Context, topic string, partitions int) error
	// Produce 生产一条消息；idempotencyKey 非空且同主题重复时由 broker 丢弃
	Produce(ctx context.Context, topic string, value interface{}, idempotencyKey string) error
	// ConsumeStream 以消费组 group 订阅 topic，返回惰性投递通道；
	// ctx 取消或读超时后通道关闭，调用方负责重建
	ConsumeStream(ctx context.Context, topic, group string, lease time.Duration) (<-chan Delivery, error)
	// Ack 释放租约；租约已丢失（409 类响应）不视为错误
	Ack(ctx context.Context, topic, group string, partition int, offset int64) error
	// Health 探活
	Health(ctx context.Context) error
	Close() error
}
