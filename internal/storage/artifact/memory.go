package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemorySink 内存工件出口，测试用
type MemorySink struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemorySink 创建内存工件出口
func NewMemorySink() *MemorySink {
	return &MemorySink{files: make(map[string][]byte)}
}

func memRef(businessKey string) string {
	return fmt.Sprintf("mem://tickets/ticket_%s.json", businessKey)
}

// Create 实现 Sink
func (s *MemorySink) Create(ctx context.Context, businessKey string, payload []byte) (*CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[businessKey]; ok {
		return &CreateResult{Ref: memRef(businessKey), AlreadyExisted: true}, nil
	}
	s.files[businessKey] = append([]byte(nil), payload...)
	return &CreateResult{Ref: memRef(businessKey)}, nil
}

// Exists 实现 Sink
func (s *MemorySink) Exists(ctx context.Context, businessKey string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[businessKey]; ok {
		return true, memRef(businessKey), nil
	}
	return false, "", nil
}

// List 实现 Sink
func (s *MemorySink) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.files))
	for k, v := range s.files {
		out = append(out, Entry{
			Name: fmt.Sprintf("ticket_%s.json", k),
			Ref:  memRef(k),
			Size: int64(len(v)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get 读取工件内容，测试断言用
func (s *MemorySink) Get(businessKey string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.files[businessKey]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Close 实现 Sink
func (s *MemorySink) Close() error {
	return nil
}

var _ Sink = (*MemorySink)(nil)
