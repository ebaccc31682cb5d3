package run

import (
	"context"
	"sync"
)

// MemoryRegistry 进程内注册表
type MemoryRegistry struct {
	mu   sync.RWMutex
	runs map[string]*Meta
}

// NewMemoryRegistry 创建内存注册表
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{runs: make(map[string]*Meta)}
}

// Put 实现 Registry
func (r *MemoryRegistry) Put(ctx context.Context, meta *Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *meta
	r.runs[meta.RunID] = &cp
	return nil
}

// Get 实现 Registry
func (r *MemoryRegistry) Get(ctx context.Context, runID string) (*Meta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

// Close 实现 Registry
func (r *MemoryRegistry) Close() error {
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
