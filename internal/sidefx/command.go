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
	"encoding/json"
	"fmt"
	"time"

	"sidefx-platform/pkg/errors"
)

// 固定主题；每个 run 另有独立事件主题 sidefx.events.{run_id}
const (
	CommandsTopic     = "sidefx.commands"
	DLQTopic          = "sidefx.dlq"
	EventsTopicPrefix = "sidefx.events."
)

// DefaultStepID 单步工作流的步骤名（本系统只建模 charge_card 一步）
const DefaultStepID = "charge_card"

// DefaultMaxAttempts 未指定时的最大尝试次数
const DefaultMaxAttempts = 5

// FailMode 故障注入模式
const (
	FailModeNone             = "none"
	FailModeCrashAfterEffect = "crash_after_effect_before_ack"
)

// ReasonForcedFailure step.failed 事件中注入失败的 reason 值
const ReasonForcedFailure = "forced_failure_before_side_effect"

// EventsTopicFor 返回 run 的事件主题名
func EventsTopicFor(runID string) string {
	return EventsTopicPrefix + runID
}

// NowMS 当前毫秒时间戳（与事件/台账的 ts 口径一致）
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// Command Worker 消费的业务命令；retry 是带 attempt+1 的新消息，不复用 broker 重投
type Command struct {
	Ts                int64   `json:"ts"`
	Type              string  `json:"type"` // run.command
	RunID             string  `json:"run_id"`
	EventsTopic       string  `json:"events_topic"`
	StepID            string  `json:"step_id"`
	BusinessKey       string  `json:"business_key"`
	Amount            float64 `json:"amount"`
	Attempt           int     `json:"attempt"`
	MaxAttempts       int     `json:"max_attempts"`
	FailBeforeEffectN int     `json:"fail_before_effect_n"`
	FailMode          string  `json:"fail_mode"`
}

// EffectID 稳定去重键 run_id:step_id:business_key；同一 effect 的任意投递共享此键
func (c *Command) EffectID() string {
	return fmt.Sprintf("%s:%s:%s", c.RunID, c.StepID, c.BusinessKey)
}

// Normalize 填充缺省字段（与消息来源解耦：旧版本生产者可能缺字段）
func (c *Command) Normalize() {
	if c.StepID == "" {
		c.StepID = DefaultStepID
	}
	if c.EventsTopic == "" && c.RunID != "" {
		c.EventsTopic = EventsTopicFor(c.RunID)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.FailMode == "" {
		c.FailMode = FailModeNone
	}
}

// Validate 校验必需字段；不满足视为 poison message（ack 丢弃，不进 DLQ）
func (c *Command) Validate() error {
	if c.RunID == "" {
		return errors.Wrap(errors.ErrPoisonMessage, "缺少 run_id")
	}
	if c.BusinessKey == "" {
		return errors.Wrap(errors.ErrPoisonMessage, "缺少 business_key")
	}
	return nil
}

// DecodeCommand 从投递的 value 解析命令并 Normalize + Validate
func DecodeCommand(value []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(value, &c); err != nil {
		return nil, errors.Wrap(errors.ErrPoisonMessage, "命令解析失败")
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// CanonicalJSON 规范化 JSON（键排序、紧凑分隔），用于台账 payload_snapshot
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// 经 map 往返一次，encoding/json 对 map 键做字典序输出
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw, nil
	}
	return json.Marshal(m)
}
