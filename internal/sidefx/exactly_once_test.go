package sidefx

import (
	"context"
	"sync"
	"testing"
	"time"

	"sidefx-platform/internal/broker"
	"sidefx-platform/internal/storage/artifact"
	"sidefx-platform/internal/storage/ledger"
	"sidefx-platform/pkg/log"
)

// e2eFixture 端到端场景：内存 broker + 内存台账 + 内存工件出口,
// drain 模拟 worker 消费循环（decode -> handle -> 失败交调度 -> ack）
type e2eFixture struct {
	t       *testing.T
	broker  *broker.Memory
	store   *ledger.MemoryStore
	sink    *artifact.MemorySink
	handler *Handler
	sched   *Scheduler
	group   string
	crashed bool
}

func newE2EFixture(t *testing.T) *e2eFixture {
	t.Helper()
	logger, err := log.NewLogger(&log.Config{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	f := &e2eFixture{
		t:      t,
		broker: broker.NewMemory(),
		store:  ledger.NewMemoryStore(),
		sink:   artifact.NewMemorySink(),
		group:  "sidefx-worker",
	}
	emitter := NewEmitter(f.broker, logger)
	f.handler = NewHandler(f.store, f.sink, emitter, logger)
	f.handler.exit = func(code int) { f.crashed = true }
	f.sched = NewScheduler(f.broker, f.store, emitter, logger, false)
	return f
}

func (f *e2eFixture) produce(cmd *Command) {
	f.t.Helper()
	raw, err := CanonicalJSON(cmd)
	if err != nil {
		f.t.Fatal(err)
	}
	key := KeyCommand(cmd.RunID, cmd.StepID, cmd.BusinessKey, cmd.Attempt)
	if err := f.broker.Produce(context.Background(), CommandsTopic, raw, key); err != nil {
		f.t.Fatal(err)
	}
}

func (f *e2eFixture) produceRaw(value string) {
	f.t.Helper()
	if err := f.broker.Produce(context.Background(), CommandsTopic, value, ""); err != nil {
		f.t.Fatal(err)
	}
}

// drain 消费命令主题直至静默；返回处理的投递数
func (f *e2eFixture) drain() int {
	f.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.broker.ConsumeStream(ctx, CommandsTopic, f.group, time.Minute)
	if err != nil {
		f.t.Fatal(err)
	}
	n := 0
	for {
		select {
		case d := <-ch:
			f.process(d)
			n++
		case <-time.After(200 * time.Millisecond):
			return n
		}
	}
}

// process 与 worker runner 同构的单条投递处理
func (f *e2eFixture) process(d broker.Delivery) {
	f.t.Helper()
	ctx := context.Background()
	ack := func() {
		if err := f.broker.Ack(ctx, d.Topic, f.group, d.Partition, d.Offset); err != nil {
			f.t.Fatalf("ack 失败: %v", err)
		}
	}

	var cmd Command
	if err := d.DecodeValue(&cmd); err != nil {
		ack() // poison: 丢弃
		return
	}
	cmd.Normalize()
	if err := cmd.Validate(); err != nil {
		ack()
		return
	}

	err := f.handler.Handle(ctx, &cmd)
	if f.crashed {
		// 进程已退出: 不 ack, 租约到期后重投
		f.crashed = false
		return
	}
	if err != nil {
		if serr := f.sched.OnFailure(ctx, &cmd, err); serr != nil {
			f.t.Fatalf("调度失败: %v", serr)
		}
	}
	ack()
}

func (f *e2eFixture) eventTypes(runID string) []string {
	var out []string
	for _, evt := range f.broker.Snapshot(EventsTopicFor(runID)) {
		if s, ok := evt["type"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (f *e2eFixture) countEvents(runID, typ string) int {
	n := 0
	for _, tp := range f.eventTypes(runID) {
		if tp == typ {
			n++
		}
	}
	return n
}

func TestE2EHappyPath(t *testing.T) {
	f := newE2EFixture(t)
	cmd := testCommand("run-happy")
	f.produce(cmd)

	if n := f.drain(); n != 1 {
		t.Fatalf("期望处理 1 条投递, 实际 %d", n)
	}
	if _, ok := f.sink.Get(cmd.BusinessKey); !ok {
		t.Fatal("工件未写入")
	}
	if f.countEvents("run-happy", "run.completed") != 1 {
		t.Fatalf("期望 1 条 run.completed: %v", f.eventTypes("run-happy"))
	}
}

func TestE2ERetriesThenSucceeds(t *testing.T) {
	f := newE2EFixture(t)
	cmd := testCommand("run-flaky")
	cmd.FailBeforeEffectN = 2
	f.produce(cmd)

	// a0 失败 -> a1 失败 -> a2 成功, 全部在同一轮 drain 内消费
	if n := f.drain(); n != 3 {
		t.Fatalf("期望 3 次尝试, 实际 %d", n)
	}
	if got := f.broker.TopicLen(CommandsTopic); got != 3 {
		t.Fatalf("命令主题应有 3 条消息 (a0/a1/a2), 实际 %d", got)
	}
	if _, ok := f.sink.Get(cmd.BusinessKey); !ok {
		t.Fatal("工件未写入")
	}
	if f.countEvents("run-flaky", "side_effect.done") != 1 {
		t.Fatal("副作用应恰好执行一次")
	}
	if f.countEvents("run-flaky", "step.failed") != 2 {
		t.Fatalf("期望 2 次注入失败: %v", f.eventTypes("run-flaky"))
	}
	if f.countEvents("run-flaky", "run.completed") != 1 {
		t.Fatal("run 应最终完成")
	}
}

func TestE2ECrashAfterEffectThenRedelivery(t *testing.T) {
	f := newE2EFixture(t)
	cmd := testCommand("run-crash")
	cmd.FailMode = FailModeCrashAfterEffect
	f.produce(cmd)

	// 第一次投递: 副作用落地后 crash, 无 ack
	if n := f.drain(); n != 1 {
		t.Fatalf("期望 1 条投递, 实际 %d", n)
	}
	if f.countEvents("run-crash", "chaos.crash_now") != 1 {
		t.Fatal("缺少 chaos.crash_now")
	}

	// 租约到期, broker 重投给下一个 worker
	f.broker.ExpireLeases(CommandsTopic, f.group)
	if n := f.drain(); n != 1 {
		t.Fatalf("期望 1 次重投, 实际 %d", n)
	}

	// 副作用仍然恰好一次; 重投只补齐完成事件
	if f.countEvents("run-crash", "side_effect.done") != 1 {
		t.Fatal("副作用应恰好执行一次")
	}
	if f.countEvents("run-crash", "side_effect.skipped") != 1 {
		t.Fatalf("重投应走跳过分支: %v", f.eventTypes("run-crash"))
	}
	if f.countEvents("run-crash", "run.completed") != 1 {
		t.Fatal("重投后 run 应完成")
	}
	rec, _ := f.store.GetStatus(context.Background(), cmd.EffectID())
	if rec == nil || rec.Status != ledger.StatusDone {
		t.Fatalf("台账应为 done: %+v", rec)
	}
}

func TestE2EExhaustedRetriesGoToDLQ(t *testing.T) {
	f := newE2EFixture(t)
	cmd := testCommand("run-doomed")
	cmd.FailBeforeEffectN = 99
	cmd.MaxAttempts = 3
	f.produce(cmd)

	if n := f.drain(); n != 3 {
		t.Fatalf("期望 3 次尝试, 实际 %d", n)
	}
	dlq := f.broker.Snapshot(DLQTopic)
	if len(dlq) != 1 {
		t.Fatalf("期望 1 条 DLQ 记录, 实际 %d", len(dlq))
	}
	if dlq[0]["run_id"] != "run-doomed" || dlq[0]["attempt"].(float64) != 2 {
		t.Fatalf("DLQ 记录不符: %v", dlq[0])
	}
	if _, ok := f.sink.Get(cmd.BusinessKey); ok {
		t.Fatal("副作用从未执行, 不应有工件")
	}
	rec, _ := f.store.GetStatus(context.Background(), cmd.EffectID())
	if rec != nil {
		t.Fatalf("副作用前失败不应建台账行: %+v", rec)
	}
	if f.countEvents("run-doomed", "run.dlq") != 1 {
		t.Fatal("缺少 run.dlq 事件")
	}
	if f.countEvents("run-doomed", "run.completed") != 0 {
		t.Fatal("DLQ 的 run 不应 completed")
	}
}

func TestE2EDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newE2EFixture(t)
	cmd := testCommand("run-dup")
	f.produce(cmd)

	// 第一次处理成功但 ack 丢失: 直接调 Handle 而不 ack
	if err := f.handler.Handle(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}

	// broker 重投同一条消息
	if n := f.drain(); n != 1 {
		t.Fatalf("期望 1 次重投, 实际 %d", n)
	}

	if f.countEvents("run-dup", "side_effect.done") != 1 {
		t.Fatal("副作用应恰好执行一次")
	}
	if f.countEvents("run-dup", "side_effect.skipped") != 1 {
		t.Fatalf("重投应跳过: %v", f.eventTypes("run-dup"))
	}
	// 事件幂等键保证 run.completed 只被观察一次
	if f.countEvents("run-dup", "run.completed") != 1 {
		t.Fatalf("run.completed 应去重: %v", f.eventTypes("run-dup"))
	}
}

func TestE2EConcurrentWorkersSingleEffect(t *testing.T) {
	f := newE2EFixture(t)
	cmd := testCommand("run-race")
	ctx := context.Background()

	// 两个 worker 同时拿到同一条命令（租约到期后重投给第二个 worker 的极端时序）
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dup := *cmd
			errs[i] = f.handler.Handle(ctx, &dup)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d Handle 失败: %v", i, err)
		}
	}

	// claim 只有一个赢家: 副作用与工件恰好一次
	if f.countEvents("run-race", "side_effect.done") != 1 {
		t.Fatalf("副作用应恰好执行一次: %v", f.eventTypes("run-race"))
	}
	if _, ok := f.sink.Get(cmd.BusinessKey); !ok {
		t.Fatal("工件未写入")
	}
	// 输家按时序走 skipped 或 healed, 但绝不二次执行
	if f.countEvents("run-race", "side_effect.executing") != 1 {
		t.Fatalf("只应有一次 executing: %v", f.eventTypes("run-race"))
	}
	if f.countEvents("run-race", "side_effect.skipped")+f.countEvents("run-race", "side_effect.healed") != 1 {
		t.Fatalf("输家应 skip 或 heal 一次: %v", f.eventTypes("run-race"))
	}
	rec, _ := f.store.GetStatus(ctx, cmd.EffectID())
	if rec == nil || rec.Status != ledger.StatusDone {
		t.Fatalf("台账应为 done: %+v", rec)
	}
}

func TestE2EPoisonMessageDropped(t *testing.T) {
	f := newE2EFixture(t)
	f.produceRaw(`{"type":"run.command"}`) // 缺必需字段
	f.produceRaw(`this is not json`)

	if n := f.drain(); n != 2 {
		t.Fatalf("期望 2 条投递, 实际 %d", n)
	}
	if got := f.broker.TopicLen(DLQTopic); got != 0 {
		t.Fatalf("poison 消息不应进 DLQ, 实际 %d", got)
	}
	// 已 ack: 再次 drain 无重投
	f.broker.ExpireLeases(CommandsTopic, f.group)
	if n := f.drain(); n != 0 {
		t.Fatalf("poison 消息应已 ack 丢弃, 实际重投 %d", n)
	}
}
