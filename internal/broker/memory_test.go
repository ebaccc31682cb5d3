package broker

import (
	"context"
	"testing"
	"time"
)

func consumeOne(t *testing.T, m *Memory, topic, group string, lease time.Duration) (Delivery, bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := m.ConsumeStream(ctx, topic, group, lease)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-ch:
		return d, true
	case <-time.After(200 * time.Millisecond):
		return Delivery{}, false
	}
}

func TestMemoryProduceIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Produce(ctx, "t", `{"n":1}`, "key-1"); err != nil {
		t.Fatal(err)
	}
	// 同键重复生产静默丢弃
	if err := m.Produce(ctx, "t", `{"n":2}`, "key-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Produce(ctx, "t", `{"n":3}`, "key-2"); err != nil {
		t.Fatal(err)
	}
	if got := m.TopicLen("t"); got != 2 {
		t.Fatalf("TopicLen = %d, 期望 2", got)
	}

	// 无键生产不去重
	if err := m.Produce(ctx, "t", `{"n":4}`, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Produce(ctx, "t", `{"n":4}`, ""); err != nil {
		t.Fatal(err)
	}
	if got := m.TopicLen("t"); got != 4 {
		t.Fatalf("TopicLen = %d, 期望 4", got)
	}
}

func TestMemoryLeaseAndAck(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Produce(ctx, "t", `{"n":1}`, ""); err != nil {
		t.Fatal(err)
	}

	d, ok := consumeOne(t, m, "t", "g", time.Minute)
	if !ok {
		t.Fatal("未收到投递")
	}
	if d.Offset != 0 || d.Topic != "t" {
		t.Fatalf("投递不符: %+v", d)
	}

	// 租约未到期: 同组不重复投递
	if _, ok := consumeOne(t, m, "t", "g", time.Minute); ok {
		t.Fatal("租约内不应重投")
	}

	// 租约到期: 重投
	m.ExpireLeases("t", "g")
	d, ok = consumeOne(t, m, "t", "g", time.Minute)
	if !ok || d.Offset != 0 {
		t.Fatalf("到期后应重投 offset 0: %+v, %v", d, ok)
	}

	// ack 后不再投递
	if err := m.Ack(ctx, "t", "g", d.Partition, d.Offset); err != nil {
		t.Fatal(err)
	}
	m.ExpireLeases("t", "g")
	if _, ok := consumeOne(t, m, "t", "g", time.Minute); ok {
		t.Fatal("ack 后不应重投")
	}

	// 其他消费组独立计账
	if _, ok := consumeOne(t, m, "t", "g2", time.Minute); !ok {
		t.Fatal("新消费组应从头投递")
	}
}

func TestDeliveryDecodeValue(t *testing.T) {
	type payload struct {
		N int `json:"n"`
	}

	// HTTP broker 风格: value 是 JSON 字符串的二次编码
	d := Delivery{Value: []byte(`"{\"n\":7}"`)}
	var p payload
	if err := d.DecodeValue(&p); err != nil {
		t.Fatalf("DecodeValue 失败: %v", err)
	}
	if p.N != 7 {
		t.Fatalf("解码不符: %+v", p)
	}

	// 原生对象
	d = Delivery{Value: []byte(`{"n":9}`)}
	if err := d.DecodeValue(&p); err != nil {
		t.Fatalf("DecodeValue 失败: %v", err)
	}
	if p.N != 9 {
		t.Fatalf("解码不符: %+v", p)
	}
}
