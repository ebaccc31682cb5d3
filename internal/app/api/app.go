package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apihttp "sidefx-platform/internal/api/http"
	"sidefx-platform/internal/api/http/middleware"
	"sidefx-platform/internal/broker"
	"sidefx-platform/internal/run"
	"sidefx-platform/internal/sidefx"
	"sidefx-platform/internal/storage/artifact"
	"sidefx-platform/internal/storage/ledger"
	"sidefx-platform/pkg/config"
	"sidefx-platform/pkg/log"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用（装配 HTTP Router、Handler、Middleware 与各存储）
type App struct {
	config       *config.Config
	logger       *log.Logger
	broker       broker.Broker
	store        ledger.Store
	sink         artifact.Sink
	registry     run.Registry
	router       *apihttp.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用（由 cmd/api 调用）
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

	registry, err := run.NewRegistry(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("初始化注册表失败: %w", err)
	}

	// API 与 Worker 共享台账与工件目录（debug 读取视图）
	store, err := ledger.NewStore(context.Background(), cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("初始化台账失败: %w", err)
	}
	sink, err := artifact.NewSink(cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("初始化工件出口失败: %w", err)
	}

	emitter := sidefx.NewEmitter(client, logger)
	svc := run.NewService(client, registry, emitter, logger)
	handler := apihttp.NewHandler(svc, client, store, sink, logger)
	handler.SetSSETimeout(parseDuration(cfg.API.SSETimeout, 60*time.Second))
	router := apihttp.NewRouter(handler, middleware.NewMiddleware(cfg.API.CORS))

	return &App{
		config:   cfg,
		logger:   logger,
		broker:   client,
		store:    store,
		sink:     sink,
		registry: registry,
		router:   router,
	}, nil
}

// Run 启动 HTTP 服务, addr 如 ":8081"
func (a *App) Run(addr string) error {
	a.logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展, 与应用日志配置对齐
	output := os.Stdout
	if a.config != nil && a.config.Log.File != "" {
		f, err := os.OpenFile(a.config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	if a.config != nil {
		levelVar.Set(log.ParseLevel(a.config.Log.Level))
	}
	hertzLogger := hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	)
	hlog.SetLogger(hertzLogger)

	// 可选: 启用链路追踪（OpenTelemetry）
	if a.config != nil && a.config.Monitoring.Tracing.Enable {
		serviceName := a.config.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "sidefx-api"
		}
		exportEndpoint := a.config.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if a.config.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			p := provider.NewOpenTelemetryProvider(opts...)
			a.otelProvider = p
			tracerOpt, cfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(cfg))
			a.logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时, 如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("关闭台账失败", "error", err)
	}
	if err := a.sink.Close(); err != nil {
		a.logger.Warn("关闭工件出口失败", "error", err)
	}
	if err := a.registry.Close(); err != nil {
		a.logger.Warn("关闭注册表失败", "error", err)
	}
	if err := a.broker.Close(); err != nil {
		a.logger.Warn("关闭 broker 客户端失败", "error", err)
	}
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
