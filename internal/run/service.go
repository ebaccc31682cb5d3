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
	"strings"

	"github.com/google/uuid"

	"sidefx-platform/internal/broker"
	"sidefx-platform/internal/sidefx"
	"sidefx-platform/pkg/errors"
	"sidefx-platform/pkg/log"
)

// CreateRequest 提交一个 run 的参数
type CreateRequest struct {
	BusinessKey       string  `json:"business_key"`
	Amount            float64 `json:"amount"`
	MaxAttempts       int     `json:"max_attempts"`
	FailBeforeEffectN int     `json:"fail_before_effect_n"`
	FailMode          string  `json:"fail_mode"`
}

// Service run 编排：建主题、发 run.created、入队 a0 命令、登记元数据
type Service struct {
	broker   broker.Broker
	registry Registry
	emitter  *sidefx.Emitter
	log      *log.Logger
}

// NewService 创建 run 编排服务
func NewService(b broker.Broker, registry Registry, emitter *sidefx.Emitter, logger *log.Logger) *Service {
	return &Service{broker: b, registry: registry, emitter: emitter, log: logger}
}

// Create 提交一个 run。命令入队失败则整个提交失败；
// 事件发布是 best-effort, 不阻塞提交。
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Meta, error) {
	if req.BusinessKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidArg, "缺少 business_key")
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = sidefx.DefaultMaxAttempts
	}
	if req.FailMode == "" {
		req.FailMode = sidefx.FailModeNone
	}
	if req.FailMode != sidefx.FailModeNone && req.FailMode != sidefx.FailModeCrashAfterEffect {
		return nil, errors.Wrapf(errors.ErrInvalidArg, "未知 fail_mode: %s", req.FailMode)
	}

	runID := strings.ReplaceAll(uuid.NewString(), "-", "")
	eventsTopic := sidefx.EventsTopicFor(runID)
	now := sidefx.NowMS()

	for _, topic := range []string{sidefx.CommandsTopic, sidefx.DLQTopic, eventsTopic} {
		if err := s.broker.EnsureTopic(ctx, topic, 1); err != nil {
			return nil, fmt.Errorf("建主题 %s 失败: %w", topic, err)
		}
	}

	s.emitter.Emit(ctx, eventsTopic, sidefx.KeyRunCreated(runID), map[string]interface{}{
		"ts":                   now,
		"type":                 "run.created",
		"run_id":               runID,
		"business_key":         req.BusinessKey,
		"amount":               req.Amount,
		"max_attempts":         req.MaxAttempts,
		"fail_before_effect_n": req.FailBeforeEffectN,
		"fail_mode":            req.FailMode,
	})

	cmd := &sidefx.Command{
		Ts:                now,
		Type:              "run.command",
		RunID:             runID,
		EventsTopic:       eventsTopic,
		StepID:            sidefx.DefaultStepID,
		BusinessKey:       req.BusinessKey,
		Amount:            req.Amount,
		Attempt:           0,
		MaxAttempts:       req.MaxAttempts,
		FailBeforeEffectN: req.FailBeforeEffectN,
		FailMode:          req.FailMode,
	}
	raw, err := sidefx.CanonicalJSON(cmd)
	if err != nil {
		return nil, fmt.Errorf("命令序列化失败: %w", err)
	}
	key := sidefx.KeyCommand(runID, cmd.StepID, cmd.BusinessKey, 0)
	if err := s.broker.Produce(ctx, sidefx.CommandsTopic, raw, key); err != nil {
		return nil, fmt.Errorf("命令入队失败: %w", err)
	}

	s.emitter.Emit(ctx, eventsTopic, sidefx.KeyCommandEnqueued(runID, 0), map[string]interface{}{
		"ts":      sidefx.NowMS(),
		"type":    "command.enqueued",
		"run_id":  runID,
		"attempt": 0,
	})

	meta := &Meta{
		RunID:             runID,
		BusinessKey:       req.BusinessKey,
		Amount:            req.Amount,
		Attempt:           0,
		MaxAttempts:       req.MaxAttempts,
		FailBeforeEffectN: req.FailBeforeEffectN,
		FailMode:          req.FailMode,
		EventsTopic:       eventsTopic,
		CreatedMS:         now,
	}
	if err := s.registry.Put(ctx, meta); err != nil {
		// 元数据只影响查询, 不回滚已入队的命令
		s.log.Warn("run 元数据写入失败", "run_id", runID, "error", err)
	}

	s.log.Info("run 已提交", "run_id", runID, "business_key", req.BusinessKey, "fail_mode", req.FailMode)
	return meta, nil
}

// Get 查询 run 元数据
func (s *Service) Get(ctx context.Context, runID string) (*Meta, error) {
	meta, err := s.registry.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "run %s", runID)
	}
	return meta, nil
}
