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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/protocol/http1/resp"

	"sidefx-platform/internal/sidefx"
	pkgerrors "sidefx-platform/pkg/errors"
)

// StreamRunEvents 以 SSE 推送 run 的事件流。
// 消费组由调用方的 client_id 决定, 同一 client_id 重连后从断点继续;
// 不同 client_id 各自独立从主题头部读起, ack 是 best-effort 的。
// GET /runs/:id/events?client_id=...
func (h *Handler) StreamRunEvents(c context.Context, ctx *app.RequestContext) {
	runID := ctx.Param("id")
	if _, err := h.svc.Get(c, runID); err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": fmt.Sprintf("run %s 不存在", runID)})
			return
		}
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	topic := sidefx.EventsTopicFor(runID)
	if err := h.broker.EnsureTopic(c, topic, 1); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	clientID := sseClientID(ctx.Query("client_id"))
	group := fmt.Sprintf("events-%s-%s", runID, clientID)

	ctx.SetStatusCode(consts.StatusOK)
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.HijackWriter(resp.NewChunkedBodyWriter(&ctx.Response, ctx.GetWriter()))

	// 握手事件: 告知客户端订阅已建立
	if err := writeSSE(ctx, map[string]interface{}{
		"ts":     sidefx.NowMS(),
		"type":   "sse.connected",
		"run_id": runID,
	}); err != nil {
		return
	}

	streamCtx, cancel := context.WithTimeout(c, h.sseTimeout)
	defer cancel()

	ch, err := h.broker.ConsumeStream(streamCtx, topic, group, 30*time.Second)
	if err != nil {
		hlog.CtxWarnf(c, "事件流订阅失败 run=%s: %v", runID, err)
		return
	}

	for d := range ch {
		var evt map[string]interface{}
		if err := d.DecodeValue(&evt); err != nil {
			continue
		}
		if err := writeSSE(ctx, evt); err != nil {
			// 客户端断开
			return
		}
		// best-effort ack: 失败只影响这个一次性消费组自己
		_ = h.broker.Ack(streamCtx, topic, group, d.Partition, d.Offset)
	}
}

// sseClientID 规范化客户端标识: 空则取 default, 截断到 32 字符。
// 稳定的 client_id 使重连客户端回到同一消费组, 从断点继续
func sseClientID(raw string) string {
	if raw == "" {
		raw = "default"
	}
	if len(raw) > 32 {
		raw = raw[:32]
	}
	return raw
}

// formatSSE 编码单条 SSE 帧: "data: {json}\n\n"
func formatSSE(event map[string]interface{}) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes(), nil
}

func writeSSE(ctx *app.RequestContext, event map[string]interface{}) error {
	frame, err := formatSSE(event)
	if err != nil {
		return err
	}
	if _, err := ctx.Write(frame); err != nil {
		return err
	}
	return ctx.Flush()
}
