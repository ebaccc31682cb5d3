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
	"fmt"
	"os"
	"time"

	"sidefx-platform/internal/storage/artifact"
	"sidefx-platform/internal/storage/ledger"
	"sidefx-platform/pkg/log"
	"sidefx-platform/pkg/metrics"
)

// Handler 命令处理器：围绕台账 Claim 与 create-only 工件写入实现
// "副作用恰好一次"，事件与 ack 则维持 at-least-once 语义。
//
// 处理流程（每次投递）：
//  1. step.started
//  2. 副作用前注入失败（attempt < fail_before_effect_n）：不触碰台账，返回失败
//  3. 台账探测：done/failed 直接跳过
//  4. Claim：赢家执行副作用并 mark_done；输家按工件存在性 heal 或跳过
//  5. chaos.crash_now 注入：副作用已落地、ack 之前退出进程
//  6. step.completed + run.completed
type Handler struct {
	ledger  ledger.Store
	sink    artifact.Sink
	emitter *Emitter
	log     *log.Logger

	// exit 崩溃注入出口；默认 os.Exit，测试可替换
	exit func(code int)
}

// NewHandler 创建命令处理器
func NewHandler(store ledger.Store, sink artifact.Sink, emitter *Emitter, logger *log.Logger) *Handler {
	return &Handler{
		ledger:  store,
		sink:    sink,
		emitter: emitter,
		log:     logger,
		exit:    os.Exit,
	}
}

// Handle 处理一条命令投递。返回 nil 表示本次尝试成功（调用方 ack），
// 返回 error 表示失败（调用方交给调度器决定 retry 或 DLQ，然后 ack）。
func (h *Handler) Handle(ctx context.Context, cmd *Command) error {
	start := time.Now()
	topic := cmd.EventsTopic
	effectID := cmd.EffectID()
	logger := h.log.With("run_id", cmd.RunID, "step_id", cmd.StepID, "attempt", cmd.Attempt)

	h.emitter.Emit(ctx, topic, KeyStepStarted(cmd.RunID, cmd.StepID, cmd.Attempt), map[string]interface{}{
		"ts":      NowMS(),
		"type":    "step.started",
		"run_id":  cmd.RunID,
		"step_id": cmd.StepID,
		"attempt": cmd.Attempt,
	})

	// 副作用前注入失败：台账与工件都未被触碰，等价于真实的瞬态故障
	if cmd.Attempt < cmd.FailBeforeEffectN {
		h.emitter.Emit(ctx, topic, KeyStepFailedBefore(cmd.RunID, cmd.StepID, cmd.Attempt), map[string]interface{}{
			"ts":      NowMS(),
			"type":    "step.failed",
			"run_id":  cmd.RunID,
			"step_id": cmd.StepID,
			"attempt": cmd.Attempt,
			"reason":  ReasonForcedFailure,
		})
		logger.Info("命令注入失败（副作用前）",
			"fail_before_effect_n", cmd.FailBeforeEffectN, "attempt", cmd.Attempt)
		metrics.CommandTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("forced failure before side effect")
	}

	rec, err := h.ledger.GetStatus(ctx, effectID)
	if err != nil {
		return fmt.Errorf("台账探测失败: %w", err)
	}

	executed := false
	switch {
	case rec != nil && (rec.Status == ledger.StatusDone || rec.Status == ledger.StatusFailed):
		// 终态行：副作用不再执行，本次投递只补齐事件
		h.emitter.Emit(ctx, topic, KeyEffectSkipped(cmd.RunID, cmd.StepID), map[string]interface{}{
			"ts":           NowMS(),
			"type":         "side_effect.skipped",
			"run_id":       cmd.RunID,
			"step_id":      cmd.StepID,
			"effect_id":    effectID,
			"reason":       "already_done",
			"artifact_ref": rec.ArtifactRef,
		})
		logger.Info("副作用已完成, 跳过", "effect_id", effectID)
		metrics.SideEffectTotal.WithLabelValues("skipped_done").Inc()

	default:
		won, err := h.claim(ctx, cmd, effectID)
		if err != nil {
			return err
		}
		if won {
			if err := h.execute(ctx, cmd, effectID, topic, logger); err != nil {
				return err
			}
			executed = true
		} else if err := h.resolveLost(ctx, cmd, effectID, topic, logger); err != nil {
			return err
		}
	}

	// 崩溃注入：副作用与台账都已落地，ack 还没发生。
	// broker 会把这条消息重投给下一个 worker，由上面的跳过分支兜底。
	if executed && cmd.FailMode == FailModeCrashAfterEffect {
		h.emitter.Emit(ctx, topic, KeyChaosCrash(cmd.RunID, cmd.StepID), map[string]interface{}{
			"ts":      NowMS(),
			"type":    "chaos.crash_now",
			"run_id":  cmd.RunID,
			"step_id": cmd.StepID,
		})
		logger.Warn("注入崩溃: 副作用之后, ack 之前")
		h.exit(137)
		return nil // exit 被测试替换时走到这里
	}

	h.emitter.Emit(ctx, topic, KeyStepCompleted(cmd.RunID, cmd.StepID, cmd.Attempt), map[string]interface{}{
		"ts":      NowMS(),
		"type":    "step.completed",
		"run_id":  cmd.RunID,
		"step_id": cmd.StepID,
		"attempt": cmd.Attempt,
	})
	h.emitter.Emit(ctx, topic, KeyRunCompleted(cmd.RunID), map[string]interface{}{
		"ts":     NowMS(),
		"type":   "run.completed",
		"run_id": cmd.RunID,
	})

	metrics.CommandTotal.WithLabelValues("completed").Inc()
	metrics.CommandDuration.WithLabelValues(cmd.StepID).Observe(time.Since(start).Seconds())
	return nil
}

func (h *Handler) claim(ctx context.Context, cmd *Command, effectID string) (bool, error) {
	snapshot, err := CanonicalJSON(cmd)
	if err != nil {
		return false, fmt.Errorf("命令快照序列化失败: %w", err)
	}
	won, err := h.ledger.Claim(ctx, &ledger.Record{
		EffectID:    effectID,
		RunID:       cmd.RunID,
		StepID:      cmd.StepID,
		BusinessKey: cmd.BusinessKey,
		PayloadJSON: snapshot,
	})
	if err != nil {
		return false, fmt.Errorf("台账 claim 失败: %w", err)
	}
	return won, nil
}

// execute claim 赢家路径：写工件、置 done、发 done 事件
func (h *Handler) execute(ctx context.Context, cmd *Command, effectID, topic string, logger *log.Logger) error {
	h.emitter.Emit(ctx, topic, KeyEffectExecuting(cmd.RunID, cmd.StepID), map[string]interface{}{
		"ts":           NowMS(),
		"type":         "side_effect.executing",
		"run_id":       cmd.RunID,
		"step_id":      cmd.StepID,
		"effect_id":    effectID,
		"business_key": cmd.BusinessKey,
	})

	ticket, err := json.MarshalIndent(map[string]interface{}{
		"ts":           NowMS(),
		"run_id":       cmd.RunID,
		"step_id":      cmd.StepID,
		"business_key": cmd.BusinessKey,
		"amount":       cmd.Amount,
		"attempt":      cmd.Attempt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("工件序列化失败: %w", err)
	}

	res, err := h.sink.Create(ctx, cmd.BusinessKey, ticket)
	if err != nil {
		// 台账行停在 in_progress；后续投递按工件存在性 heal 或跳过
		return fmt.Errorf("工件写入失败: %w", err)
	}
	if res.AlreadyExisted {
		// 极端竞态：之前某次尝试写完工件但没来得及 mark_done。工件即事实，照常置 done
		logger.Warn("工件已存在, 视为副作用已发生", "artifact_ref", res.Ref)
	}

	if err := h.ledger.MarkDone(ctx, effectID, res.Ref); err != nil {
		return fmt.Errorf("台账置 done 失败: %w", err)
	}

	h.emitter.Emit(ctx, topic, KeyEffectDone(cmd.RunID, cmd.StepID), map[string]interface{}{
		"ts":              NowMS(),
		"type":            "side_effect.done",
		"run_id":          cmd.RunID,
		"step_id":         cmd.StepID,
		"effect_id":       effectID,
		"artifact_ref":    res.Ref,
		"already_existed": res.AlreadyExisted,
	})
	logger.Info("副作用执行完成", "effect_id", effectID, "artifact_ref", res.Ref)
	metrics.SideEffectTotal.WithLabelValues("executed").Inc()
	return nil
}

// resolveLost claim 输家路径：工件已存在则 heal（前任赢家在 mark_done 前 crash），
// 否则另一 worker 正在执行，跳过即可
func (h *Handler) resolveLost(ctx context.Context, cmd *Command, effectID, topic string, logger *log.Logger) error {
	exists, ref, err := h.sink.Exists(ctx, cmd.BusinessKey)
	if err != nil {
		return fmt.Errorf("工件探测失败: %w", err)
	}
	if exists {
		if err := h.ledger.MarkDone(ctx, effectID, ref); err != nil {
			return fmt.Errorf("台账 heal 失败: %w", err)
		}
		h.emitter.Emit(ctx, topic, KeyEffectHealed(cmd.RunID, cmd.StepID), map[string]interface{}{
			"ts":           NowMS(),
			"type":         "side_effect.healed",
			"run_id":       cmd.RunID,
			"step_id":      cmd.StepID,
			"effect_id":    effectID,
			"artifact_ref": ref,
		})
		logger.Info("台账 heal: in_progress -> done", "effect_id", effectID)
		metrics.SideEffectTotal.WithLabelValues("healed").Inc()
		return nil
	}
	h.emitter.Emit(ctx, topic, KeyEffectSkippedInProgress(cmd.RunID, cmd.StepID), map[string]interface{}{
		"ts":        NowMS(),
		"type":      "side_effect.skipped",
		"run_id":    cmd.RunID,
		"step_id":   cmd.StepID,
		"effect_id": effectID,
		"reason":    "already_in_progress",
	})
	logger.Info("副作用执行中, 跳过", "effect_id", effectID)
	metrics.SideEffectTotal.WithLabelValues("skipped_in_progress").Inc()
	return nil
}
