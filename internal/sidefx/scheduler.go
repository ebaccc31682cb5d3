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
	"fmt"
	"math"
	"math/rand"
	"time"

	"sidefx-platform/internal/broker"
	"sidefx-platform/internal/storage/ledger"
	"sidefx-platform/pkg/log"
	"sidefx-platform/pkg/metrics"
)

// Scheduler 失败命令的重试/DLQ 调度。重试不是 broker 重投：
// 调度器把 attempt+1 的新命令生产回命令主题，原消息照常 ack。
type Scheduler struct {
	broker  broker.Broker
	ledger  ledger.Store
	emitter *Emitter
	log     *log.Logger

	// backoffSleep 为 false 时只计算退避写进事件，不真正睡眠（测试默认）
	backoffSleep bool
	sleep        func(d time.Duration)
}

// NewScheduler 创建调度器
func NewScheduler(b broker.Broker, store ledger.Store, emitter *Emitter, logger *log.Logger, backoffSleep bool) *Scheduler {
	return &Scheduler{
		broker:       b,
		ledger:       store,
		emitter:      emitter,
		log:          logger,
		backoffSleep: backoffSleep,
		sleep:        time.Sleep,
	}
}

// Backoff 指数退避（秒）：min(2^attempt, 10) + U[0,1)，仅作建议值
func Backoff(attempt int) float64 {
	base := math.Min(math.Pow(2, float64(attempt)), 10)
	return base + rand.Float64()
}

// OnFailure 处理一次失败的尝试：未到上限则调度 attempt+1 的新命令，
// 到上限则写 DLQ 记录并发布 run.dlq。两个分支都返回后由调用方 ack 原消息。
func (s *Scheduler) OnFailure(ctx context.Context, cmd *Command, cause error) error {
	topic := cmd.EventsTopic
	logger := s.log.With("run_id", cmd.RunID, "step_id", cmd.StepID, "attempt", cmd.Attempt)

	next := cmd.Attempt + 1
	backoff := Backoff(cmd.Attempt)

	s.emitter.Emit(ctx, topic, KeyRetryConsidered(cmd.RunID, cmd.StepID, cmd.Attempt), map[string]interface{}{
		"ts":           NowMS(),
		"type":         "retry.considered",
		"run_id":       cmd.RunID,
		"step_id":      cmd.StepID,
		"attempt":      cmd.Attempt,
		"next_attempt": next,
		"max_attempts": cmd.MaxAttempts,
		"error":        cause.Error(),
		"backoff_s":    backoff,
	})

	if next >= cmd.MaxAttempts {
		return s.deadLetter(ctx, cmd, cause, logger)
	}

	if s.backoffSleep {
		s.sleep(time.Duration(backoff * float64(time.Second)))
	}

	retry := *cmd
	retry.Attempt = next
	retry.Ts = NowMS()
	raw, err := CanonicalJSON(&retry)
	if err != nil {
		return fmt.Errorf("重试命令序列化失败: %w", err)
	}
	key := KeyCommand(cmd.RunID, cmd.StepID, cmd.BusinessKey, next)
	if err := s.broker.Produce(ctx, CommandsTopic, raw, key); err != nil {
		// 生产失败则不 ack（由调用方传播错误），原消息会被重投再走一遍调度
		return fmt.Errorf("重试命令生产失败: %w", err)
	}

	s.emitter.Emit(ctx, topic, KeyRetryScheduled(cmd.RunID, cmd.StepID, next), map[string]interface{}{
		"ts":           NowMS(),
		"type":         "retry.scheduled",
		"run_id":       cmd.RunID,
		"step_id":      cmd.StepID,
		"next_attempt": next,
		"backoff_s":    backoff,
	})
	logger.Info("重试已调度", "next_attempt", next, "backoff_s", backoff)
	metrics.RetryScheduledTotal.Inc()
	return nil
}

func (s *Scheduler) deadLetter(ctx context.Context, cmd *Command, cause error, logger *log.Logger) error {
	record, err := CanonicalJSON(map[string]interface{}{
		"ts":           NowMS(),
		"type":         "sidefx.dlq",
		"run_id":       cmd.RunID,
		"step_id":      cmd.StepID,
		"business_key": cmd.BusinessKey,
		"attempt":      cmd.Attempt,
		"max_attempts": cmd.MaxAttempts,
		"error":        cause.Error(),
		"command":      cmd,
	})
	if err != nil {
		return fmt.Errorf("DLQ 记录序列化失败: %w", err)
	}
	if err := s.broker.Produce(ctx, DLQTopic, record, KeyDLQ(cmd.RunID, cmd.StepID, cmd.BusinessKey)); err != nil {
		return fmt.Errorf("DLQ 记录生产失败: %w", err)
	}

	// 台账若有行则留下终态失败标记；副作用前失败从未建行，这里是 no-op
	if err := s.ledger.MarkFailed(ctx, cmd.EffectID(), cause.Error()); err != nil {
		logger.Warn("台账置 failed 失败", "error", err)
	}

	s.emitter.Emit(ctx, cmd.EventsTopic, KeyRunDLQ(cmd.RunID, cmd.StepID), map[string]interface{}{
		"ts":           NowMS(),
		"type":         "run.dlq",
		"run_id":       cmd.RunID,
		"step_id":      cmd.StepID,
		"business_key": cmd.BusinessKey,
		"attempt":      cmd.Attempt,
		"max_attempts": cmd.MaxAttempts,
		"error":        cause.Error(),
	})
	logger.Warn("重试次数耗尽, 写入 DLQ", "max_attempts", cmd.MaxAttempts)
	metrics.DLQTotal.Inc()
	return nil
}
