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

package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"sidefx-platform/internal/broker"
	"sidefx-platform/internal/run"
	"sidefx-platform/internal/sidefx"
	"sidefx-platform/internal/storage/artifact"
	"sidefx-platform/internal/storage/ledger"
	pkgerrors "sidefx-platform/pkg/errors"
	"sidefx-platform/pkg/log"
	"sidefx-platform/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	svc    *run.Service
	broker broker.Broker
	ledger ledger.Store
	sink   artifact.Sink
	log    *log.Logger

	// sseTimeout 事件流最长推送时长, 到期由服务端断开
	sseTimeout time.Duration
}

// NewHandler 创建 HTTP 处理器
func NewHandler(svc *run.Service, b broker.Broker, store ledger.Store, sink artifact.Sink, logger *log.Logger) *Handler {
	return &Handler{
		svc:        svc,
		broker:     b,
		ledger:     store,
		sink:       sink,
		log:        logger,
		sseTimeout: 60 * time.Second,
	}
}

// SetSSETimeout 覆盖事件流超时
func (h *Handler) SetSSETimeout(d time.Duration) {
	if d > 0 {
		h.sseTimeout = d
	}
}

// CreateRun 提交一个 run
// POST /runs
func (h *Handler) CreateRun(c context.Context, ctx *app.RequestContext) {
	var req run.CreateRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "请求体必须是 JSON",
		})
		return
	}

	meta, err := h.svc.Create(c, &req)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidArg) {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		hlog.CtxErrorf(c, "run 提交失败: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	ctx.JSON(consts.StatusOK, meta)
}

// GetRun 查询 run 元数据
// GET /runs/:id
func (h *Handler) GetRun(c context.Context, ctx *app.RequestContext) {
	runID := ctx.Param("id")
	meta, err := h.svc.Get(c, runID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": fmt.Sprintf("run %s 不存在", runID)})
			return
		}
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, meta)
}

// Healthz 健康检查, 同时探测 broker
// GET /healthz
func (h *Handler) Healthz(c context.Context, ctx *app.RequestContext) {
	if err := h.broker.Health(c); err != nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"broker": err.Error(),
		})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{
		"status": "ok",
		"broker": "ok",
	})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// DebugSideEffects 台账视图
// GET /debug/side-effects
func (h *Handler) DebugSideEffects(c context.Context, ctx *app.RequestContext) {
	limit := 50
	if s := ctx.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := h.ledger.ListEffects(c, limit)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"count":        len(rows),
		"side_effects": rows,
	})
}

// DebugArtifacts 工件视图
// GET /debug/artifacts
func (h *Handler) DebugArtifacts(c context.Context, ctx *app.RequestContext) {
	entries, err := h.sink.List(c)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"count":     len(entries),
		"artifacts": entries,
	})
}

// DebugDLQ DLQ 视图: 用一次性消费组从头读 DLQ 主题, 不影响其他消费者
// GET /debug/dlq
func (h *Handler) DebugDLQ(c context.Context, ctx *app.RequestContext) {
	group := fmt.Sprintf("debug-dlq-%s", randomHex(8))

	streamCtx, cancel := context.WithCancel(c)
	defer cancel()
	ch, err := h.broker.ConsumeStream(streamCtx, sidefx.DLQTopic, group, 5*time.Second)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	records := make([]map[string]interface{}, 0)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				ctx.JSON(consts.StatusOK, map[string]interface{}{"count": len(records), "dlq": records})
				return
			}
			var rec map[string]interface{}
			if err := d.DecodeValue(&rec); err == nil {
				records = append(records, rec)
			}
			if len(records) >= 200 {
				ctx.JSON(consts.StatusOK, map[string]interface{}{"count": len(records), "dlq": records})
				return
			}
		case <-time.After(300 * time.Millisecond):
			ctx.JSON(consts.StatusOK, map[string]interface{}{"count": len(records), "dlq": records})
			return
		}
	}
}

func randomHex(n int) string {
	b := make([]byte, n/2+1)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}
