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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体（API 与 Worker 共用，分别从 configs/api.yaml、configs/worker.yaml 加载）
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port    int        `mapstructure:"port"`
	Host    string     `mapstructure:"host"`
	Timeout string     `mapstructure:"timeout"`
	CORS    CORSConfig `mapstructure:"cors"`
	// SSETimeout 事件流无活动超时，如 "60s"；到期断开，客户端可重连
	SSETimeout string `mapstructure:"sse_timeout"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// BrokerConfig 消息代理（HTTP broker）配置
type BrokerConfig struct {
	URL string `mapstructure:"url"` // broker 基地址，如 http://localhost:8080；env BROKER_URL
	// Owner 消费者身份；空则默认 hostname；env OWNER
	Owner string `mapstructure:"owner"`
	// LeaseDuration 消费租约时长，如 "30s"，空则默认 30s
	LeaseDuration string `mapstructure:"lease_duration"`
	Timeout       string `mapstructure:"timeout"` // 非流式请求超时，默认 10s
}

// LedgerConfig 副作用台账配置（去重账本）
type LedgerConfig struct {
	Type string `mapstructure:"type"` // memory | sqlite | postgres
	Path string `mapstructure:"path"` // sqlite 文件路径，type=sqlite 时使用；env LEDGER_PATH
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// ArtifactsConfig 工件存储配置（create-only 副作用证明）
type ArtifactsConfig struct {
	Type string `mapstructure:"type"` // file | memory
	Dir  string `mapstructure:"dir"`  // 工件根目录，type=file 时使用；env ARTIFACTS_DIR
}

// RegistryConfig Run 注册表配置（仅用于 ingress 校验，进程内即可）
type RegistryConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	TTL      string `mapstructure:"ttl"` // redis 条目过期时长，如 "24h"
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	Group string `mapstructure:"group"` // 消费组，默认 sidefx-worker；env WORKER_GROUP
	// BackoffSleep 为 true 时重试前按 backoff 实际休眠（broker 无 retry-hint 时的本地节流）
	BackoffSleep bool `mapstructure:"backoff_sleep"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件；env 覆盖按 BROKER_URL/WORKER_GROUP/LEDGER_PATH/ARTIFACTS_DIR/LOG_LEVEL/OWNER 约定
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 扁平 env 名绑定到配置键（与原部署脚本约定保持一致）
	_ = v.BindEnv("broker.url", "BROKER_URL")
	_ = v.BindEnv("broker.owner", "OWNER")
	_ = v.BindEnv("worker.group", "WORKER_GROUP")
	_ = v.BindEnv("ledger.path", "LEDGER_PATH")
	_ = v.BindEnv("artifacts.dir", "ARTIFACTS_DIR")
	_ = v.BindEnv("log.level", "LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

// applyDefaults 填充缺省值
func applyDefaults(c *Config) {
	if c.Broker.URL == "" {
		c.Broker.URL = "http://localhost:8080"
	}
	if c.Broker.Owner == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Broker.Owner = host
		} else {
			c.Broker.Owner = "owner-unknown"
		}
	}
	if c.Worker.Group == "" {
		c.Worker.Group = "sidefx-worker"
	}
	if c.Ledger.Type == "" {
		c.Ledger.Type = "sqlite"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "/data/side_effects.sqlite"
	}
	if c.Artifacts.Type == "" {
		c.Artifacts.Type = "file"
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "/data/artifacts"
	}
	if c.Registry.Type == "" {
		c.Registry.Type = "memory"
	}
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
