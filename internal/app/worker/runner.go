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

package worker

import (
	"context"
	"time"

	"sidefx-platform/internal/broker"
	"sidefx-platform/internal/sidefx"
	"sidefx-platform/pkg/log"
	"sidefx-platform/pkg/metrics"
)

// Runner 命令消费循环：一次处理一条投递。
// ack 时机是语义核心：成功与"调度完成的失败"都 ack；
// poison 消息直接 ack 丢弃；调度本身失败不 ack，留给重投。
type Runner struct {
	broker  broker.Broker
	handler *sidefx.Handler
	sched   *sidefx.Scheduler
	group   string
	owner   string
	lease   time.Duration
	log     *log.Logger
}

// NewRunner 创建消费循环
func NewRunner(b broker.Broker, handler *sidefx.Handler, sched *sidefx.Scheduler, group, owner string, lease time.Duration, logger *log.Logger) *Runner {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Runner{
		broker:  b,
		handler: handler,
		sched:   sched,
		group:   group,
		owner:   owner,
		lease:   lease,
		log:     logger,
	}
}

// Run 消费命令主题直到 ctx 取消；连接断开由 broker 客户端内部重建
func (r *Runner) Run(ctx context.Context) {
	ch, err := r.broker.ConsumeStream(ctx, sidefx.CommandsTopic, r.group, r.lease)
	if err != nil {
		r.log.Error("订阅命令主题失败", "error", err)
		return
	}
	r.log.Info("Worker 开始消费", "topic", sidefx.CommandsTopic, "group", r.group, "owner", r.owner)
	for d := range ch {
		r.processDelivery(ctx, d)
	}
}

func (r *Runner) processDelivery(ctx context.Context, d broker.Delivery) {
	metrics.WorkerBusy.WithLabelValues(r.owner).Inc()
	defer metrics.WorkerBusy.WithLabelValues(r.owner).Dec()

	var cmd sidefx.Command
	if err := d.DecodeValue(&cmd); err != nil {
		r.dropPoison(ctx, d, err)
		return
	}
	cmd.Normalize()
	if err := cmd.Validate(); err != nil {
		r.dropPoison(ctx, d, err)
		return
	}

	// 崩溃注入路径在 Handle 内部直接退出进程, 不会走到 ack
	if err := r.handler.Handle(ctx, &cmd); err != nil {
		if serr := r.sched.OnFailure(ctx, &cmd, err); serr != nil {
			// 重试/DLQ 都没落地: 不 ack, 原消息等租约到期重投
			r.log.Error("失败调度未完成, 保留消息待重投",
				"run_id", cmd.RunID, "attempt", cmd.Attempt, "error", serr)
			return
		}
	}

	if err := r.broker.Ack(ctx, d.Topic, r.group, d.Partition, d.Offset); err != nil {
		// ack 丢失只造成重复投递, 处理端全程幂等
		r.log.Warn("ack 失败", "offset", d.Offset, "error", err)
	}
}

func (r *Runner) dropPoison(ctx context.Context, d broker.Delivery, cause error) {
	r.log.Warn("丢弃无法处理的消息", "topic", d.Topic, "offset", d.Offset, "error", cause)
	metrics.CommandTotal.WithLabelValues("poison").Inc()
	if err := r.broker.Ack(ctx, d.Topic, r.group, d.Partition, d.Offset); err != nil {
		r.log.Warn("poison ack 失败", "offset", d.Offset, "error", err)
	}
}
