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
	"fmt"
	"time"

	"sidefx-platform/internal/broker"
	"sidefx-platform/internal/sidefx"
	"sidefx-platform/internal/storage/artifact"
	"sidefx-platform/internal/storage/ledger"
	"sidefx-platform/pkg/config"
	"sidefx-platform/pkg/log"
)

// App Worker 应用（消费命令主题, 执行副作用, 调度重试/DLQ）
type App struct {
	config *config.Config
	logger *log.Logger
	broker broker.Broker
	store  ledger.Store
	sink   artifact.Sink
	runner *Runner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewApp 创建新的 Worker 应用
func NewApp(cfg *config.Config) (*App, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	client := broker.NewClient(broker.ClientOptions{
		BaseURL: cfg.Broker.URL,
		Owner:   cfg.Broker.Owner,
		Timeout: parseDuration(cfg.Broker.Timeout, 10*time.Second),
	}, logger)

	store, err := ledger.NewStore(context.Background(), cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("初始化台账失败: %w", err)
	}

	sink, err := artifact.NewSink(cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("初始化工件出口失败: %w", err)
	}

	emitter := sidefx.NewEmitter(client, logger)
	handler := sidefx.NewHandler(store, sink, emitter, logger)
	sched := sidefx.NewScheduler(client, store, emitter, logger, cfg.Worker.BackoffSleep)
	lease := parseDuration(cfg.Broker.LeaseDuration, 30*time.Second)
	runner := NewRunner(client, handler, sched, cfg.Worker.Group, cfg.Broker.Owner, lease, logger)

	return &App{
		config: cfg,
		logger: logger,
		broker: client,
		store:  store,
		sink:   sink,
		runner: runner,
		done:   make(chan struct{}),
	}, nil
}

// Start 确保主题存在并启动消费循环
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	for _, topic := range []string{sidefx.CommandsTopic, sidefx.DLQTopic} {
		if err := a.broker.EnsureTopic(ctx, topic, 1); err != nil {
			cancel()
			return fmt.Errorf("建主题 %s 失败: %w", topic, err)
		}
	}

	go func() {
		defer close(a.done)
		a.runner.Run(ctx)
	}()
	a.logger.Info("Worker 应用已启动", "group", a.config.Worker.Group, "owner", a.config.Broker.Owner)
	return nil
}

// Shutdown 优雅关闭: 停止消费, 等当前投递处理完, 再关资源
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	select {
	case <-a.done:
	case <-ctx.Done():
		a.logger.Warn("关闭超时, 放弃等待消费循环")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("关闭台账失败", "error", err)
	}
	if err := a.sink.Close(); err != nil {
		a.logger.Warn("关闭工件出口失败", "error", err)
	}
	if err := a.broker.Close(); err != nil {
		a.logger.Warn("关闭 broker 客户端失败", "error", err)
	}
	a.logger.Info("Worker 应用已关闭")
	return nil
}

// parseDuration 解析时长字符串, 无效或空时返回 defaultVal
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
