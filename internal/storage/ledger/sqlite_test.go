package ledger

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "side_effects.sqlite"))
	if err != nil {
		t.Fatalf("NewSQLiteStore 失败: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteClaimDuplicateLoses(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rec := &Record{
		EffectID:    "run1:charge_card:order-1",
		RunID:       "run1",
		StepID:      "charge_card",
		BusinessKey: "order-1",
		PayloadJSON: []byte(`{"amount":100}`),
	}

	won, err := s.Claim(ctx, rec)
	if err != nil {
		t.Fatalf("首次 Claim 失败: %v", err)
	}
	if !won {
		t.Fatal("首次 Claim 应当赢")
	}

	won, err = s.Claim(ctx, rec)
	if err != nil {
		t.Fatalf("二次 Claim 失败: %v", err)
	}
	if won {
		t.Fatal("二次 Claim 应当输")
	}

	got, err := s.GetStatus(ctx, rec.EffectID)
	if err != nil {
		t.Fatalf("GetStatus 失败: %v", err)
	}
	if got == nil || got.Status != StatusInProgress {
		t.Fatalf("期望 in_progress, 实际 %+v", got)
	}
	if string(got.PayloadJSON) != `{"amount":100}` {
		t.Fatalf("payload 快照不符: %s", got.PayloadJSON)
	}
}

func TestSQLiteDoneTransition(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rec := &Record{EffectID: "r:s:k", RunID: "r", StepID: "s", BusinessKey: "k", PayloadJSON: []byte(`{}`)}
	if won, err := s.Claim(ctx, rec); err != nil || !won {
		t.Fatalf("Claim = %v, %v", won, err)
	}
	if err := s.MarkDone(ctx, "r:s:k", "/tickets/ticket_k.json"); err != nil {
		t.Fatalf("MarkDone 失败: %v", err)
	}
	got, _ := s.GetStatus(ctx, "r:s:k")
	if got.Status != StatusDone || got.ArtifactRef != "/tickets/ticket_k.json" {
		t.Fatalf("状态不符: %+v", got)
	}

	// done 之后再 Claim 仍然输：行不删除
	if won, err := s.Claim(ctx, rec); err != nil || won {
		t.Fatalf("done 行上的 Claim 应当输, 实际 %v, %v", won, err)
	}
}

func TestSQLiteGetStatusAbsent(t *testing.T) {
	s := newTestSQLite(t)
	got, err := s.GetStatus(context.Background(), "absent")
	if err != nil {
		t.Fatalf("GetStatus 失败: %v", err)
	}
	if got != nil {
		t.Fatalf("期望 nil, 实际 %+v", got)
	}
}

func TestSQLiteListEffectsOrder(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	first := &Record{EffectID: "r:s:k1", RunID: "r", StepID: "s", BusinessKey: "k1", PayloadJSON: []byte(`{}`)}
	second := &Record{EffectID: "r:s:k2", RunID: "r", StepID: "s", BusinessKey: "k2", PayloadJSON: []byte(`{}`)}
	if _, err := s.Claim(ctx, first); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Claim(ctx, second); err != nil {
		t.Fatal(err)
	}
	// 更新 k1 使其排到最前
	if err := s.MarkDone(ctx, "r:s:k1", "ref"); err != nil {
		t.Fatal(err)
	}

	rows, err := s.ListEffects(ctx, 1)
	if err != nil {
		t.Fatalf("ListEffects 失败: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("期望 1 行, 实际 %d", len(rows))
	}
}
