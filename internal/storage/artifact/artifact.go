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

import "context"

// CreateResult 工件写入结果
type CreateResult struct {
	// Ref 工件的稳定引用（文件后端为绝对路径）
	Ref string
	// AlreadyExisted 工件已存在；对调用方同样算成功（副作用已发生）
	AlreadyExisted bool
}

// Entry 工件列表项（debug 读取用）
type Entry struct {
	Name string `json:"name"`
	Ref  string `json:"ref"`
	Size int64  `json:"size"`
}

// Sink 副作用工件出口：Create 必须是 create-only 语义，
// 同一 businessKey 的重复写入不得覆盖已有工件
type Sink interface {
	// Create 以 create-only 方式写入工件；已存在时返回 AlreadyExisted=true 且不改动内容
	Create(ctx context.Context, businessKey string, payload []byte) (*CreateResult, error)
	// Exists 探测工件是否存在，存在则同时返回其引用
	Exists(ctx context.Context, businessKey string) (bool, string, error)
	// List 列出全部工件（debug 读取用）
	List(ctx context.Context) ([]Entry, error)
	Close() error
}
