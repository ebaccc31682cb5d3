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

import "fmt"

// 幂等键模板集中在此：broker 以 (topic, idempotency_key) 去重，
// 同一生命周期点的事件在任意重投下至多被观察一次。

// KeyRunCreated run.created 事件键
func KeyRunCreated(runID string) string {
	return fmt.Sprintf("evt:%s:created", runID)
}

// KeyCommandEnqueued command.enqueued 事件键；attempt 参与键因为 retry 是新消息
func KeyCommandEnqueued(runID string, attempt int) string {
	return fmt.Sprintf("evt:%s:enq:a%d", runID, attempt)
}

// KeyStepStarted step.started 事件键
func KeyStepStarted(runID, stepID string, attempt int) string {
	return fmt.Sprintf("evt:%s:%s:started:a%d", runID, stepID, attempt)
}

// KeyStepFailedBefore step.failed（副作用前注入失败）事件键
func KeyStepFailedBefore(runID, stepID string, attempt int) string {
	return fmt.Sprintf("evt:%s:%s:failed_before:a%d", runID, stepID, attempt)
}

// KeyEffectExecuting side_effect.executing 事件键（无 attempt：claim 赢家全程只有一个）
func KeyEffectExecuting(runID, stepID string) string {
	return fmt.Sprintf("evt:%s:%s:effect:exec", runID, stepID)
}

// KeyEffectDone side_effect.done 事件键
func KeyEffectDone(runID, stepID string) string {
	return fmt.Sprintf("evt:%s:%s:effect:done", runID, stepID)
}

// KeyEffectSkipped side_effect.skipped（already_done）事件键
func KeyEffectSkipped(runID, stepID string) string {
	return fmt.Sprintf("evt:%s:%s:effect:skipped", runID, stepID)
}

// KeyEffectSkippedInProgress side_effect.skipped（already_in_progress）事件键
func KeyEffectSkippedInProgress(runID, stepID string) string {
	return fmt.Sprintf("evt:%s:%s:effect:skipped_in_progress", runID, stepID)
}

// KeyEffectHealed side_effect.healed 事件键
func KeyEffectHealed(runID, stepID string) string {
	return fmt.Sprintf("evt:%s:%s:effect:healed", runID, stepID)
}

// KeyChaosCrash chaos.crash_now 事件键
func KeyChaosCrash(runID, stepID string) string {
	return fmt.Sprintf("evt:%s:%s:chaos:crash", runID, stepID)
}

// KeyStepCompleted step.completed 事件键
func KeyStepCompleted(runID, stepID string, attempt int) string {
	return fmt.Sprintf("evt:%s:%s:completed:a%d", runID, stepID, attempt)
}

// KeyRunCompleted run.completed 事件键
func KeyRunCompleted(runID string) string {
	return fmt.Sprintf("evt:%s:completed", runID)
}

// KeyRetryConsidered retry.considered 事件键
func KeyRetryConsidered(runID, stepID string, attempt int) string {
	return fmt.Sprintf("evt:%s:%s:retry:considered:a%d", runID, stepID, attempt)
}

// KeyRetryScheduled retry.scheduled 事件键（next attempt）
func KeyRetryScheduled(runID, stepID string, next int) string {
	return fmt.Sprintf("evt:%s:%s:retry:scheduled:a%d", runID, stepID, next)
}

// KeyRunDLQ run.dlq 事件键
func KeyRunDLQ(runID, stepID string) string {
	return fmt.Sprintf("evt:%s:%s:dlq", runID, stepID)
}

// KeyCommand 命令消息键；attempt 参与键（每次尝试是可观察的独立消息）
func KeyCommand(runID, stepID, businessKey string, attempt int) string {
	return fmt.Sprintf("cmd:%s:%s:%s:a%d", runID, stepID, businessKey, attempt)
}

// KeyDLQ DLQ 记录键；不含 attempt（每个 effect 至多一条终态记录）
func KeyDLQ(runID, stepID, businessKey string) string {
	return fmt.Sprintf("dlq:%s:%s:%s", runID, stepID, businessKey)
}
