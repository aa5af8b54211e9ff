package main

import (
	"bufio"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func newVardiffConn(t *testing.T, diff float64) (*MinerConn, *fakeConn) {
	t.Helper()
	fc := &fakeConn{}
	mc := &MinerConn{
		ctx:          context.Background(),
		id:           "test",
		conn:         fc,
		reader:       bufio.NewReader(fc),
		cfg:          testConfig(),
		connectedAt:  time.Now(),
		lastActivity: time.Now(),
	}
	atomicStoreFloat64(&mc.difficulty, diff)
	mc.shareTarget.Store(targetFromDifficulty(diff))
	return mc, fc
}

func TestQuantizeDifficultyToPowerOfTwo(t *testing.T) {
	tests := []struct {
		name           string
		diff, min, max float64
		want           float64
	}{
		{"exact power", 1, 0.125, 1048576, 1},
		{"rounds up", 3, 0.125, 1048576, 4},
		{"rounds to nearest", 1.5, 0.125, 1048576, 2},
		{"snaps below one", 0.1, 0.125, 1048576, 0.125},
		{"below min", 0.05, 0.125, 1048576, 0.125},
		{"above max", 2e6, 0.125, 1048576, 1048576},
		{"zero uses min", 0, 4, 0, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quantizeDifficultyToPowerOfTwo(tt.diff, tt.min, tt.max); got != tt.want {
				t.Fatalf("quantize(%g, %g, %g) = %g, want %g", tt.diff, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestClampDifficulty(t *testing.T) {
	mc, _ := newVardiffConn(t, 1)

	if got := mc.clampDifficulty(0.01); got != 0.125 {
		t.Fatalf("below min: got %g, want 0.125", got)
	}
	if got := mc.clampDifficulty(2e9); got != 1048576 {
		t.Fatalf("above max: got %g, want 1048576", got)
	}
	// In-range values still snap to a power of two.
	if got := mc.clampDifficulty(5); got != 4 {
		t.Fatalf("quantize: got %g, want 4", got)
	}
}

func TestSetDifficulty_SendsAndRecordsPrevious(t *testing.T) {
	mc, fc := newVardiffConn(t, 8)

	mc.setDifficulty(100)

	if got := mc.currentDifficulty(); got != 128 {
		t.Fatalf("difficulty %g, want 128 (clamped to power of two)", got)
	}
	if got := mc.previousDiff(); got != 8 {
		t.Fatalf("previous difficulty %g, want 8", got)
	}
	if mc.lastDiffChange.Load() == 0 {
		t.Fatalf("lastDiffChange not recorded")
	}

	target := mc.currentShareTarget()
	if target == nil || target.Cmp(targetFromDifficulty(128)) != 0 {
		t.Fatalf("share target not updated for new difficulty")
	}

	lines := fc.waitLines(t, 1)
	var msg StratumMessage
	if err := json.Unmarshal([]byte(lines[0]), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Method != "mining.set_difficulty" {
		t.Fatalf("expected set_difficulty, got %s", msg.Method)
	}
	if diff, _ := msg.Params[0].(float64); diff != 128 {
		t.Fatalf("set_difficulty carries %v, want 128", msg.Params[0])
	}
}

func TestSuggestedVardiff_HoldsWithinChangeInterval(t *testing.T) {
	mc, _ := newVardiffConn(t, 8)
	now := time.Now()
	mc.lastDiffChange.Store(now.Add(-10 * time.Second).UnixNano())
	mc.stats.WindowStart = now.Add(-2 * time.Minute)
	mc.stats.WindowAccepted = 100

	if got := mc.suggestedVardiff(now); got != 8 {
		t.Fatalf("difficulty must not move inside the change interval, got %g", got)
	}
}

func TestSuggestedVardiff_HoldsUntilHalfWindow(t *testing.T) {
	mc, _ := newVardiffConn(t, 8)
	now := time.Now()
	mc.lastDiffChange.Store(now.Add(-5 * time.Minute).UnixNano())
	mc.stats.WindowStart = now.Add(-30 * time.Second)
	mc.stats.WindowAccepted = 100

	if got := mc.suggestedVardiff(now); got != 8 {
		t.Fatalf("half-filled window must not adjust yet, got %g", got)
	}
}

func TestSuggestedVardiff_HalvesOnEmptyWindow(t *testing.T) {
	mc, _ := newVardiffConn(t, 8)
	now := time.Now()
	mc.lastDiffChange.Store(now.Add(-5 * time.Minute).UnixNano())
	mc.stats.WindowStart = now.Add(-3 * time.Minute)
	mc.stats.WindowAccepted = 0

	if got := mc.suggestedVardiff(now); got != 4 {
		t.Fatalf("empty full window should halve difficulty, got %g", got)
	}
}

func TestSuggestedVardiff_DeadBand(t *testing.T) {
	mc, _ := newVardiffConn(t, 8)
	now := time.Now()
	mc.lastDiffChange.Store(now.Add(-5 * time.Minute).UnixNano())
	mc.stats.WindowStart = now.Add(-2 * time.Minute)
	// 12 shares over 2 minutes = 6/min against a target of 5: ratio 1.2,
	// inside the dead band.
	mc.stats.WindowAccepted = 12

	if got := mc.suggestedVardiff(now); got != 8 {
		t.Fatalf("ratio inside the dead band must not adjust, got %g", got)
	}
}

func TestSuggestedVardiff_DampedStepUp(t *testing.T) {
	mc, _ := newVardiffConn(t, 8)
	now := time.Now()
	mc.lastDiffChange.Store(now.Add(-5 * time.Minute).UnixNano())
	mc.stats.WindowStart = now.Add(-2 * time.Minute)
	// 20 shares over 2 minutes = 10/min: target difficulty 16. Damped move
	// is 8 + 0.7*(16-8) = 13.6, which quantizes to 16.
	mc.stats.WindowAccepted = 20

	if got := mc.suggestedVardiff(now); got != 16 {
		t.Fatalf("damped step up: got %g, want 16", got)
	}
}

func TestMaybeAdjustDifficulty_LockedBySuggest(t *testing.T) {
	mc, _ := newVardiffConn(t, 8)
	mc.lockDifficulty = true
	now := time.Now()
	mc.lastDiffChange.Store(now.Add(-5 * time.Minute).UnixNano())
	mc.stats.WindowStart = now.Add(-2 * time.Minute)
	mc.stats.WindowAccepted = 100

	if mc.maybeAdjustDifficulty(now) {
		t.Fatalf("suggest_difficulty lock must disable vardiff")
	}
}

type fixedDifficultyPolicy struct{ diff float64 }

func (p fixedDifficultyPolicy) nextDifficulty(vd VarDiffSettings, s vardiffSample) float64 {
	return p.diff
}

func TestMaybeAdjustDifficulty_CustomPolicy(t *testing.T) {
	mc, fc := newVardiffConn(t, 8)
	mc.diffPolicy = fixedDifficultyPolicy{diff: 64}

	if !mc.maybeAdjustDifficulty(time.Now()) {
		t.Fatalf("custom policy result should be applied")
	}
	if got := mc.currentDifficulty(); got != 64 {
		t.Fatalf("difficulty %v, want 64", got)
	}
	fc.waitLines(t, 1)
}

func TestMaybeAdjustDifficulty_ResetsWindow(t *testing.T) {
	mc, fc := newVardiffConn(t, 8)
	now := time.Now()
	mc.lastDiffChange.Store(now.Add(-5 * time.Minute).UnixNano())
	mc.stats.WindowStart = now.Add(-2 * time.Minute)
	mc.stats.WindowAccepted = 20
	mc.stats.WindowSubmissions = 25

	if !mc.maybeAdjustDifficulty(now) {
		t.Fatalf("expected a difficulty adjustment")
	}
	st := mc.snapshotStats()
	if st.WindowAccepted != 0 || st.WindowSubmissions != 0 {
		t.Fatalf("share window not reset after adjustment: %+v", st)
	}
	fc.waitLines(t, 1) // set_difficulty must go out
}
