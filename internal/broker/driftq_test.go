package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"sidefx-platform/pkg/log"
)

type fakeBroker struct {
	mu       sync.Mutex
	produced []map[string]string
	acks     int
	ackCode  int
}

func (f *fakeBroker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/topics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"topics":[{"name":"existing"}]}`)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/v1/produce", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.produced = append(f.produced, map[string]string{
			"topic":           r.URL.Query().Get("topic"),
			"value":           r.URL.Query().Get("value"),
			"idempotency_key": r.URL.Query().Get("idempotency_key"),
		})
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/consume", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"topic":"t","partition":0,"offset":0,"value":"{\"n\":1}"}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"topic":"t","partition":0,"offset":1,"value":"{\"n\":2}"}`)
	})
	mux.HandleFunc("/v1/ack", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.acks++
		code := f.ackCode
		f.mu.Unlock()
		if code == 0 {
			code = http.StatusOK
		}
		w.WriteHeader(code)
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeBroker, *httptest.Server) {
	t.Helper()
	logger, err := log.NewLogger(&log.Config{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBroker{}
	srv := httptest.NewServer(fb.handler())
	t.Cleanup(srv.Close)
	c := NewClient(ClientOptions{BaseURL: srv.URL, Owner: "worker-1", Timeout: 2 * time.Second}, logger)
	return c, fb, srv
}

func TestClientHealth(t *testing.T) {
	c, _, _ := newTestClient(t)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health 失败: %v", err)
	}
}

func TestClientEnsureTopic(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	// 已存在: 不再创建
	if err := c.EnsureTopic(ctx, "existing", 1); err != nil {
		t.Fatalf("EnsureTopic(existing) 失败: %v", err)
	}
	// 不存在: POST 创建
	if err := c.EnsureTopic(ctx, "fresh", 1); err != nil {
		t.Fatalf("EnsureTopic(fresh) 失败: %v", err)
	}
}

func TestClientProduceQueryParams(t *testing.T) {
	c, fb, _ := newTestClient(t)
	if err := c.Produce(context.Background(), "t", []byte(`{"n":1}`), "key-1"); err != nil {
		t.Fatalf("Produce 失败: %v", err)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.produced) != 1 {
		t.Fatalf("期望 1 次生产, 实际 %d", len(fb.produced))
	}
	got := fb.produced[0]
	if got["topic"] != "t" || got["value"] != `{"n":1}` || got["idempotency_key"] != "key-1" {
		t.Fatalf("生产参数不符: %v", got)
	}
}

func TestClientConsumeStreamNDJSON(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.ConsumeStream(ctx, "t", "g", 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	var got []Delivery
	for len(got) < 2 {
		select {
		case d := <-ch:
			got = append(got, d)
		case <-time.After(2 * time.Second):
			t.Fatalf("超时, 已收到 %d 条", len(got))
		}
	}
	if got[0].Offset != 0 || got[1].Offset != 1 {
		t.Fatalf("offset 不符: %+v", got)
	}
	var p struct {
		N int `json:"n"`
	}
	if err := got[1].DecodeValue(&p); err != nil || p.N != 2 {
		t.Fatalf("value 解码不符: %+v, %v", p, err)
	}
}

func TestClientAckLeaseLostIsNotFatal(t *testing.T) {
	c, fb, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.Ack(ctx, "t", "g", 0, 0); err != nil {
		t.Fatalf("Ack 失败: %v", err)
	}

	// 409: 租约已丢失, 重投由处理端幂等吸收, 不算错误
	fb.mu.Lock()
	fb.ackCode = http.StatusConflict
	fb.mu.Unlock()
	if err := c.Ack(ctx, "t", "g", 0, 1); err != nil {
		t.Fatalf("409 ack 应视为成功: %v", err)
	}
}
