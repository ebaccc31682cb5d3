package sidefx

import (
	"testing"

	pkgerrors "sidefx-platform/pkg/errors"

	"github.com/stretchr/testify/assert"
)

func TestDecodeCommandDefaults(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"run_id":"r1","business_key":"order-1","amount":42.5}`))
	if err != nil {
		t.Fatalf("DecodeCommand 失败: %v", err)
	}
	assert.Equal(t, DefaultStepID, cmd.StepID)
	assert.Equal(t, DefaultMaxAttempts, cmd.MaxAttempts)
	assert.Equal(t, "sidefx.events.r1", cmd.EventsTopic)
	assert.Equal(t, FailModeNone, cmd.FailMode)
	assert.Equal(t, 0, cmd.Attempt)
}

func TestDecodeCommandPoison(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"非 JSON", `not-json`},
		{"缺 run_id", `{"business_key":"k"}`},
		{"缺 business_key", `{"run_id":"r"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tc.value))
			assert.ErrorIs(t, err, pkgerrors.ErrPoisonMessage)
		})
	}
}

func TestEffectIDStableAcrossAttempts(t *testing.T) {
	a := &Command{RunID: "r1", StepID: "charge_card", BusinessKey: "order-1", Attempt: 0}
	b := &Command{RunID: "r1", StepID: "charge_card", BusinessKey: "order-1", Attempt: 3}
	assert.Equal(t, "r1:charge_card:order-1", a.EffectID())
	assert.Equal(t, a.EffectID(), b.EffectID())
}

func TestIdempotencyKeyShapes(t *testing.T) {
	assert.Equal(t, "evt:r1:created", KeyRunCreated("r1"))
	assert.Equal(t, "evt:r1:enq:a2", KeyCommandEnqueued("r1", 2))
	assert.Equal(t, "evt:r1:charge_card:started:a0", KeyStepStarted("r1", "charge_card", 0))
	assert.Equal(t, "evt:r1:charge_card:effect:exec", KeyEffectExecuting("r1", "charge_card"))
	assert.Equal(t, "cmd:r1:charge_card:k:a1", KeyCommand("r1", "charge_card", "k", 1))
	assert.Equal(t, "dlq:r1:charge_card:k", KeyDLQ("r1", "charge_card", "k"))
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := CanonicalJSON(map[string]interface{}{"zeta": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatalf("CanonicalJSON 失败: %v", err)
	}
	assert.Equal(t, `{"alpha":2,"mid":3,"zeta":1}`, string(out))
}
