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

package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FileSink 文件系统工件出口；create-only 由 O_CREATE|O_EXCL 保证，
// 同一目录下跨进程同样成立
type FileSink struct {
	dir string
}

// NewFileSink 创建文件工件出口，工件写到 {dir}/tickets/ 下
func NewFileSink(dir string) (*FileSink, error) {
	tickets := filepath.Join(dir, "tickets")
	if err := os.MkdirAll(tickets, 0755); err != nil {
		return nil, fmt.Errorf("创建工件目录失败: %w", err)
	}
	return &FileSink{dir: tickets}, nil
}

func (s *FileSink) pathFor(businessKey string) string {
	return filepath.Join(s.dir, fmt.Sprintf("ticket_%s.json", businessKey))
}

// Create 实现 Sink
func (s *FileSink) Create(ctx context.Context, businessKey string, payload []byte) (*CreateResult, error) {
	path := s.pathFor(businessKey)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if os.IsExist(err) {
		return &CreateResult{Ref: path, AlreadyExisted: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("写入工件失败: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(payload); err != nil {
		return nil, fmt.Errorf("写入工件失败: %w", err)
	}
	return &CreateResult{Ref: path}, nil
}

// Exists 实现 Sink
func (s *FileSink) Exists(ctx context.Context, businessKey string) (bool, string, error) {
	path := s.pathFor(businessKey)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, "", nil
		}
		return false, "", err
	}
	return true, path, nil
}

// List 实现 Sink
func (s *FileSink) List(ctx context.Context) ([]Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name: e.Name(),
			Ref:  filepath.Join(s.dir, e.Name()),
			Size: info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close 实现 Sink
func (s *FileSink) Close() error {
	return nil
}

var _ Sink = (*FileSink)(nil)
