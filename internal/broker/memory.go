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
	"fmt"
	"sync"
	"time"
)

// Memory 进程内 broker 实现：单分区主题、(topic, idempotency_key) 去重、
// 租约消费与到期重投。供单测与本地端到端场景使用，语义对齐 HTTP broker。
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memTopic
}

type memTopic struct {
	msgs   []json.RawMessage
	idem   map[string]struct{}
	groups map[string]*memGroup
}

type memGroup struct {
	acked      map[int64]bool
	leaseUntil map[int64]time.Time
}

// NewMemory 创建内存 broker
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]*memTopic)}
}

func (m *Memory) topicLocked(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{
			idem:   make(map[string]struct{}),
			groups: make(map[string]*memGroup),
		}
		m.topics[name] = t
	}
	return t
}

func (t *memTopic) groupLocked(name string) *memGroup {
	g, ok := t.groups[name]
	if !ok {
		g = &memGroup{
			acked:      make(map[int64]bool),
			leaseUntil: make(map[int64]time.Time),
		}
		t.groups[name] = g
	}
	return g
}

// EnsureTopic 实现 Broker
func (m *Memory) EnsureTopic(ctx context.Context, topic string, partitions int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topicLocked(topic)
	return nil
}

// Produce 实现 Broker；同主题重复幂等键静默丢弃
func (m *Memory) Produce(ctx context.Context, topic string, value interface{}, idempotencyKey string) error {
	s, err := valueToString(value)
	if err != nil {
		return err
	}
	// 与 HTTP broker 一致：value 以字符串形式入队
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topicLocked(topic)
	if idempotencyKey != "" {
		if _, dup := t.idem[idempotencyKey]; dup {
			return nil
		}
		t.idem[idempotencyKey] = struct{}{}
	}
	t.msgs = append(t.msgs, raw)
	return nil
}

// ConsumeStream 实现 Broker：轮询投递未 ack 且无有效租约的消息，租约到期自动重投
func (m *Memory) ConsumeStream(ctx context.Context, topic, group string, lease time.Duration) (<-chan Delivery, error) {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	m.mu.Lock()
	m.topicLocked(topic).groupLocked(group)
	m.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for {
				d, ok := m.leaseNext(topic, group, lease)
				if !ok {
					break
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// leaseNext 占一条可投递消息的租约；无可投递消息时返回 false
func (m *Memory) leaseNext(topic, group string, lease time.Duration) (Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topicLocked(topic)
	g := t.groupLocked(group)
	now := time.Now()
	for off := int64(0); off < int64(len(t.msgs)); off++ {
		if g.acked[off] {
			continue
		}
		if until, leased := g.leaseUntil[off]; leased && now.Before(until) {
			continue
		}
		g.leaseUntil[off] = now.Add(lease)
		return Delivery{Topic: topic, Partition: 0, Offset: off, Value: t.msgs[off]}, true
	}
	return Delivery{}, false
}

// Ack 实现 Broker
func (m *Memory) Ack(ctx context.Context, topic, group string, partition int, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return fmt.Errorf("未知主题: %s", topic)
	}
	g := t.groupLocked(group)
	if offset < 0 || offset >= int64(len(t.msgs)) {
		return fmt.Errorf("offset 越界: %d", offset)
	}
	g.acked[offset] = true
	delete(g.leaseUntil, offset)
	return nil
}

// Health 实现 Broker
func (m *Memory) Health(ctx context.Context) error {
	return nil
}

// Close 实现 Broker
func (m *Memory) Close() error {
	return nil
}

// ExpireLeases 将消费组当前所有租约立即置为过期（测试辅助：模拟 crash 后的重投）
func (m *Memory) ExpireLeases(topic, group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return
	}
	g := t.groupLocked(group)
	for off := range g.leaseUntil {
		g.leaseUntil[off] = time.Time{}
	}
}

// TopicLen 返回主题消息数（测试辅助：验证幂等去重）
func (m *Memory) TopicLen(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return 0
	}
	return len(t.msgs)
}

// Snapshot 返回主题全部消息的解码副本（测试辅助：断言事件序列）
func (m *Memory) Snapshot(topic string) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(t.msgs))
	for _, raw := range t.msgs {
		d := Delivery{Value: raw}
		var v map[string]interface{}
		if err := d.DecodeValue(&v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

var _ Broker = (*Memory)(nil)
