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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"sidefx-platform/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
}

// NewRouter 创建新的 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// Build 构建 Hertz 服务并注册路由; opts 供上层附加 tracer 等配置
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	h := server.Default(opts...)
	r.Register(h)
	return h
}

// Register 注册路由
func (r *Router) Register(h *server.Hertz) {
	h.Use(r.middleware.CORS())

	h.GET("/healthz", r.handler.Healthz)
	h.GET("/metrics", r.handler.Metrics)

	runs := h.Group("/runs")
	{
		runs.POST("", r.handler.CreateRun)
		runs.GET("/:id", r.handler.GetRun)
		runs.GET("/:id/events", r.handler.StreamRunEvents)
	}

	debug := h.Group("/debug")
	{
		debug.GET("/side-effects", r.handler.DebugSideEffects)
		debug.GET("/artifacts", r.handler.DebugArtifacts)
		debug.GET("/dlq", r.handler.DebugDLQ)
	}
}
