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

package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"sidefx-platform/pkg/log"
)

// Client HTTP broker（DriftQ 协议）适配：query-param 生产 + NDJSON 流式消费。
// 控制面请求走带超时的 resty 客户端；消费流单独用不解析响应体的客户端逐行读取。
type Client struct {
	base   string
	owner  string
	http   *resty.Client
	stream *resty.Client
	logger *log.Logger
}

// ClientOptions Client 构造参数
type ClientOptions struct {
	BaseURL string
	Owner   string        // 消费者身份；租约按 owner 记账
	Timeout time.Duration // 控制面请求超时；<=0 默认 10s
}

// NewClient 创建 broker 客户端
func NewClient(opts ClientOptions, logger *log.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		base:   base,
		owner:  opts.Owner,
		http:   resty.New().SetBaseURL(base).SetTimeout(timeout),
		// 流式读取不能设全局超时，否则长连接被掐断
		stream: resty.New().SetBaseURL(base).SetDoNotParseResponse(true),
		logger: logger,
	}
}

// Owner 返回消费者身份
func (c *Client) Owner() string {
	return c.owner
}

// Health 实现 Broker
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/v1/healthz")
	if err != nil {
		return fmt.Errorf("broker healthz: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("broker healthz: %s", resp.Status())
	}
	return nil
}

// EnsureTopic 实现 Broker；已存在（409）视为成功
func (c *Client) EnsureTopic(ctx context.Context, topic string, partitions int) error {
	if partitions <= 0 {
		partitions = 1
	}
	var listing struct {
		Topics []struct {
			Name string `json:"name"`
		} `json:"topics"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&listing).Get("/v1/topics")
	if err != nil {
		return fmt.Errorf("broker list topics: %w", err)
	}
	if resp.StatusCode() == http.StatusOK {
		for _, t := range listing.Topics {
			if t.Name == topic {
				return nil
			}
		}
	}
	resp, err = c.http.R().SetContext(ctx).
		SetQueryParam("name", topic).
		SetQueryParam("partitions", strconv.Itoa(partitions)).
		Post("/v1/topics")
	if err != nil {
		return fmt.Errorf("broker create topic %s: %w", topic, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusConflict:
		return nil
	}
	return fmt.Errorf("broker create topic %s: %s", topic, resp.Status())
}

// valueToString 序列化 value：字符串原样、[]byte 转字符串、其余按紧凑 JSON
func valueToString(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// Produce 实现 Broker；idempotencyKey 非空时由 broker 按 (topic, key) 去重
func (c *Client) Produce(ctx context.Context, topic string, value interface{}, idempotencyKey string) error {
	s, err := valueToString(value)
	if err != nil {
		return fmt.Errorf("broker produce 序列化: %w", err)
	}
	req := c.http.R().SetContext(ctx).
		SetQueryParam("topic", topic).
		SetQueryParam("value", s)
	if idempotencyKey != "" {
		req.SetQueryParam("idempotency_key", idempotencyKey)
	}
	resp, err := req.Post("/v1/produce")
	if err != nil {
		return fmt.Errorf("broker produce topic=%s: %w", topic, err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("broker produce topic=%s: %s: %s", topic, resp.Status(), resp.String())
	}
	return nil
}

// ConsumeStream 实现 Broker：NDJSON 逐行投递，EOF 后重连；ctx 取消时结束并关闭通道
func (c *Client) ConsumeStream(ctx context.Context, topic, group string, lease time.Duration) (<-chan Delivery, error) {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.consumeOnce(ctx, topic, group, lease, out); err != nil && ctx.Err() == nil {
				c.logger.Warn("消费流中断，重连", "topic", topic, "group", group, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}()
	return out, nil
}

// consumeOnce 建立一次消费连接并投递到 out，连接结束（EOF/错误/取消）后返回
func (c *Client) consumeOnce(ctx context.Context, topic, group string, lease time.Duration, out chan<- Delivery) error {
	resp, err := c.stream.R().SetContext(ctx).
		SetQueryParam("topic", topic).
		SetQueryParam("group", group).
		SetQueryParam("owner", c.owner).
		SetQueryParam("lease_ms", strconv.FormatInt(lease.Milliseconds(), 10)).
		Get("/v1/consume")
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer func() { _ = body.Close() }()
	if resp.StatusCode() >= http.StatusBadRequest {
		return fmt.Errorf("broker consume: %s", resp.Status())
	}
	// ctx 取消时关闭 body，解除 Scan 阻塞
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = body.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var d Delivery
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			c.logger.Warn("消费流坏行，跳过", "topic", topic, "error", err)
			continue
		}
		if d.Topic == "" {
			d.Topic = topic
		}
		select {
		case out <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// Ack 实现 Broker；409（租约丢失）记录后视为成功，重投由处理端幂等吸收
func (c *Client) Ack(ctx context.Context, topic, group string, partition int, offset int64) error {
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("topic", topic).
		SetQueryParam("group", group).
		SetQueryParam("owner", c.owner).
		SetQueryParam("partition", strconv.Itoa(partition)).
		SetQueryParam("offset", strconv.FormatInt(offset, 10)).
		Post("/v1/ack")
	if err != nil {
		return fmt.Errorf("broker ack: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		c.logger.Warn("ack 租约已丢失，按成功处理", "topic", topic, "group", group, "offset", offset)
		return nil
	}
	return fmt.Errorf("broker ack: %s: %s", resp.Status(), resp.String())
}

// Close 实现 Broker
func (c *Client) Close() error {
	return nil
}

var _ Broker = (*Client)(nil)
