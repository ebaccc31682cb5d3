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

package sidefx

import (
	"context"
	"encoding/json"

	"sidefx-platform/internal/broker"
	"sidefx-platform/pkg/log"
	"sidefx-platform/pkg/metrics"
)

// Emitter 生命周期事件发布器。事件是 best-effort 的观察流：
// 发布失败只记日志与指标，绝不影响命令处理结果。
type Emitter struct {
	broker broker.Broker
	log    *log.Logger
}

// NewEmitter 创建事件发布器
func NewEmitter(b broker.Broker, logger *log.Logger) *Emitter {
	return &Emitter{broker: b, log: logger}
}

// Emit 向 topic 发布一条事件；key 为幂等键，重投下同一事件至多被观察一次
func (e *Emitter) Emit(ctx context.Context, topic, key string, event map[string]interface{}) {
	raw, err := json.Marshal(event)
	if err != nil {
		e.log.Warn("事件序列化失败", "topic", topic, "key", key, "error", err)
		metrics.EventEmitFailTotal.Inc()
		return
	}
	if err := e.broker.Produce(ctx, topic, raw, key); err != nil {
		e.log.Warn("事件发布失败", "topic", topic, "key", key, "error", err)
		metrics.EventEmitFailTotal.Inc()
	}
}
