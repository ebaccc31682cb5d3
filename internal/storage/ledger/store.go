package ledger

import (
	"context"
	"fmt"

	"sidefx-platform/pkg/config"
)

// NewStore 根据配置创建台账存储
func NewStore(ctx context.Context, cfg config.LedgerConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("台账 type=postgres 需要 dsn")
		}
		return NewPgStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("不支持的台账存储类型: %s", cfg.Type)
	}
}
