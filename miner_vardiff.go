package main

import (
	"fmt"
	"math"
	"math/big"
	"time"
)

func (mc *MinerConn) currentDifficulty() float64 {
	return atomicLoadFloat64(&mc.difficulty)
}

func (mc *MinerConn) previousDiff() float64 {
	return atomicLoadFloat64(&mc.previousDifficulty)
}

func (mc *MinerConn) currentShareTarget() *big.Int {
	target := mc.shareTarget.Load()
	if target == nil || target.Sign() <= 0 {
		return nil
	}
	return new(big.Int).Set(target)
}

func (mc *MinerConn) shareTargetOrDefault() *big.Int {
	target := mc.currentShareTarget()
	if target != nil {
		return target
	}
	fallback := targetFromDifficulty(mc.cfg.VarDiff.MinDiff)
	oldTarget := mc.shareTarget.Load()
	if oldTarget == nil || oldTarget.Sign() <= 0 {
		mc.shareTarget.CompareAndSwap(oldTarget, new(big.Int).Set(fallback))
	}
	return fallback
}

// quantizeDifficultyToPowerOfTwo snaps a difficulty value to a power-of-two
// level within [min, max] (if max > 0). Clean power-of-two levels keep
// share targets byte-aligned and easy to eyeball in logs.
func quantizeDifficultyToPowerOfTwo(diff, min, max float64) float64 {
	if diff <= 0 {
		diff = min
	}
	if diff <= 0 {
		return diff
	}

	log2 := math.Log2(diff)
	if math.IsNaN(log2) || math.IsInf(log2, 0) {
		return diff
	}

	exp := math.Round(log2)
	cand := math.Pow(2, exp)

	if cand < min && min > 0 {
		exp = math.Ceil(math.Log2(min))
		cand = math.Pow(2, exp)
	}
	if max > 0 && cand > max {
		exp = math.Floor(math.Log2(max))
		cand = math.Pow(2, exp)
	}

	if cand < min {
		cand = min
	}
	if max > 0 && cand > max {
		cand = max
	}
	return cand
}

func clampDifficultyRange(diff, min, max float64) float64 {
	if max > 0 && max < min {
		max = min
	}
	if diff < min {
		diff = min
	}
	if max > 0 && diff > max {
		diff = max
	}
	return quantizeDifficultyToPowerOfTwo(diff, min, max)
}

func (mc *MinerConn) clampDifficulty(diff float64) float64 {
	return clampDifficultyRange(diff, mc.cfg.VarDiff.MinDiff, mc.cfg.VarDiff.MaxDiff)
}

func (mc *MinerConn) setDifficulty(diff float64) {
	requested := diff
	diff = mc.clampDifficulty(diff)
	now := time.Now()

	oldDiff := atomicLoadFloat64(&mc.difficulty)
	atomicStoreFloat64(&mc.previousDifficulty, oldDiff)
	atomicStoreFloat64(&mc.difficulty, diff)
	mc.shareTarget.Store(targetFromDifficulty(diff))
	mc.lastDiffChange.Store(now.UnixNano())

	target := mc.shareTarget.Load()
	logger.Info("set difficulty",
		"miner", mc.minerName(""),
		"requested_diff", requested,
		"clamped_diff", diff,
		"share_target", fmt.Sprintf("%064x", target),
	)
	mc.sendSetDifficulty(diff)
}

func (mc *MinerConn) sendSetDifficulty(diff float64) {
	msg := StratumMessage{
		ID:     nil,
		Method: "mining.set_difficulty",
		Params: []any{diff},
	}
	if err := mc.writeJSON(msg); err != nil {
		logger.Error("difficulty write error", "remote", mc.id, "error", err)
	}
}

func (mc *MinerConn) resetShareWindow(now time.Time) {
	mc.statsMu.Lock()
	mc.stats.WindowStart = now
	mc.stats.WindowAccepted = 0
	mc.stats.WindowSubmissions = 0
	mc.stats.WindowDifficulty = 0
	mc.statsMu.Unlock()
}

func (mc *MinerConn) maybeAdjustDifficulty(now time.Time) bool {
	mc.stateMu.Lock()
	locked := mc.lockDifficulty
	mc.stateMu.Unlock()
	if locked {
		return false
	}

	newDiff := mc.suggestedVardiff(now)
	currentDiff := mc.currentDifficulty()
	if newDiff == 0 || math.Abs(newDiff-currentDiff) < 1e-6 {
		return false
	}

	stats := mc.snapshotStats()
	sharesPerMin := 0.0
	if !stats.WindowStart.IsZero() {
		if mins := now.Sub(stats.WindowStart).Minutes(); mins > 0 {
			sharesPerMin = float64(stats.WindowAccepted) / mins
		}
	}

	mc.resetShareWindow(now)
	logger.Info("vardiff adjust",
		"miner", mc.minerName(""),
		"shares_per_min", sharesPerMin,
		"old_diff", currentDiff,
		"new_diff", newDiff,
	)
	mc.setDifficulty(newDiff)
	return true
}

// vardiffSample is the share-window observation handed to a difficulty
// policy. Policies read it; they never touch connection state.
type vardiffSample struct {
	now            time.Time
	currentDiff    float64
	lastChange     time.Time
	windowStart    time.Time
	windowAccepted int
}

// difficultyPolicy selects the next per-connection difficulty from a window
// sample. Returning the current difficulty means no change.
type difficultyPolicy interface {
	nextDifficulty(vd VarDiffSettings, s vardiffSample) float64
}

// windowRatePolicy is the default policy: retarget toward the configured
// share rate with damping, held inside a dead band so share noise doesn't
// cause churn.
type windowRatePolicy struct{}

func (windowRatePolicy) nextDifficulty(vd VarDiffSettings, s vardiffSample) float64 {
	currentDiff := s.currentDiff
	if !s.lastChange.IsZero() && s.now.Sub(s.lastChange) < minDiffChangeInterval {
		return currentDiff
	}
	if s.windowStart.IsZero() {
		return currentDiff
	}
	window := time.Duration(vd.AdjustmentWindowSec) * time.Second
	if window <= 0 {
		window = time.Duration(defaultVarDiffAdjustmentWindowS) * time.Second
	}
	elapsed := s.now.Sub(s.windowStart)
	if elapsed < window/2 {
		return currentDiff
	}

	if s.windowAccepted == 0 {
		// Nothing came in for a full window: the target is likely too high
		// for this device, so step down.
		if elapsed >= window {
			return clampDifficultyRange(currentDiff/2, vd.MinDiff, vd.MaxDiff)
		}
		return currentDiff
	}

	targetShares := vd.TargetSharesPerMin
	if targetShares <= 0 {
		targetShares = defaultVarDiffTargetSharesPerMin
	}
	accRate := float64(s.windowAccepted) / elapsed.Minutes()
	targetDiff := currentDiff * accRate / targetShares
	if targetDiff <= 0 || math.IsNaN(targetDiff) || math.IsInf(targetDiff, 0) {
		return currentDiff
	}

	ratio := targetDiff / currentDiff
	const band = 0.5
	if ratio >= 1-band && ratio <= 1+band {
		return currentDiff
	}

	dampingFactor := vd.DampingFactor
	if dampingFactor <= 0 || dampingFactor > 1 {
		dampingFactor = defaultVarDiffDampingFactor
	}
	newDiff := currentDiff + dampingFactor*(targetDiff-currentDiff)
	if newDiff <= 0 || math.IsNaN(newDiff) || math.IsInf(newDiff, 0) {
		return currentDiff
	}
	newDiff = clampDifficultyRange(newDiff, vd.MinDiff, vd.MaxDiff)
	if math.Abs(newDiff-currentDiff) < 1e-6 {
		return currentDiff
	}
	return newDiff
}

// suggestedVardiff returns the difficulty the connection's policy would
// select from the current share window, without applying it.
func (mc *MinerConn) suggestedVardiff(now time.Time) float64 {
	policy := mc.diffPolicy
	if policy == nil {
		policy = windowRatePolicy{}
	}
	currentDiff := mc.currentDifficulty()
	if currentDiff <= 0 {
		currentDiff = mc.cfg.VarDiff.MinDiff
	}
	stats := mc.snapshotStats()
	return policy.nextDifficulty(mc.cfg.VarDiff, vardiffSample{
		now:            now,
		currentDiff:    currentDiff,
		lastChange:     time.Unix(0, mc.lastDiffChange.Load()),
		windowStart:    stats.WindowStart,
		windowAccepted: stats.WindowAccepted,
	})
}
