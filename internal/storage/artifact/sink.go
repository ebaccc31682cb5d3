package artifact

import (
	"fmt"

	"sidefx-platform/pkg/config"
)

// NewSink 根据配置创建工件出口
func NewSink(cfg config.ArtifactsConfig) (Sink, error) {
	switch cfg.Type {
	case "memory":
		return NewMemorySink(), nil
	case "", "file":
		return NewFileSink(cfg.Dir)
	default:
		return nil, fmt.Errorf("不支持的工件出口类型: %s", cfg.Type)
	}
}
