package main

import (
	"sort"
	"time"
)

const (
	snapshotReadinessReady   = "ready"
	snapshotReadinessUnready = "unready"

	snapshotInputHashrate = "hashrate"
	snapshotInputNetwork  = "network"
	snapshotInputKPI      = "kpi"

	// snapshotRejectSample bounds how many recent share rows feed the
	// rejects-by-reason section.
	snapshotRejectSample = 500
)

// WorkerHashrate is one worker's slice of the pool hashrate section.
type WorkerHashrate struct {
	Worker        string  `json:"worker"`
	HashrateTHs   float64 `json:"hashrate_ths"`
	Accepted      int64   `json:"accepted"`
	Rejected      int64   `json:"rejected"`
	BestShareDiff float64 `json:"best_share_diff"`
}

type SnapshotHashrate struct {
	PoolTHs       float64          `json:"pool_ths"`
	WindowSeconds int              `json:"window_seconds"`
	Workers       []WorkerHashrate `json:"workers"`
	SampledAt     time.Time        `json:"sampled_at"`
}

type SnapshotNetwork struct {
	Height        int64     `json:"height"`
	Difficulty    float64   `json:"difficulty"`
	NetworkHashPS float64   `json:"network_hashps"`
	Chain         string    `json:"chain"`
	PooledTx      int64     `json:"pooled_tx"`
	SampledAt     time.Time `json:"sampled_at"`
}

type SnapshotKPI struct {
	ActiveConnections int     `json:"active_connections"`
	ActiveWorkers     int     `json:"active_workers"`
	AcceptedTotal     int64   `json:"accepted_total"`
	RejectedTotal     int64   `json:"rejected_total"`
	BestShareDiff     float64 `json:"best_share_diff"`
	StratumHealthy    bool    `json:"stratum_healthy"`
	JobHeight         int64   `json:"job_height"`

	PoolHashrateHS         float64 `json:"pool_hashrate_hs"`
	NetworkHashPS          float64 `json:"network_hash_ps"`
	NetworkDifficulty      float64 `json:"network_difficulty"`
	ShareRejectRatePct     float64 `json:"share_reject_rate_pct"`
	BlockAccept24h         int64   `json:"block_accept_count_24h"`
	BlockReject24h         int64   `json:"block_reject_count_24h"`
	BlockAcceptRatePct24h  float64 `json:"block_accept_rate_pct_24h"`
	ExpectedTimeToBlockSec float64 `json:"expected_time_to_block_sec"`
	PoolShareOfNetworkPct  float64 `json:"pool_share_of_network_pct"`

	SampledAt time.Time `json:"sampled_at"`
}

// SnapshotQuality is the gate verdict served alongside the data sections.
// Readiness is "ready" only when every required input exists and none has
// aged past the staleness threshold.
type SnapshotQuality struct {
	DataFreshnessSeconds int64    `json:"data_freshness_seconds"`
	HasRequiredInputs    bool     `json:"has_required_inputs"`
	Stale                bool     `json:"stale"`
	Readiness            string   `json:"readiness"`
	MissingInputs        []string `json:"missing_inputs"`
}

// SnapshotRejects breaks down recent rejected shares by reason, sampled from
// the newest share_metrics rows. Diagnostic only: it never gates readiness.
type SnapshotRejects struct {
	ByReason   map[string]int64 `json:"by_reason"`
	Total      int64            `json:"total"`
	SampleSize int              `json:"sample_size"`
}

// PoolSnapshot is the read model served by the snapshot API. Sections are
// always present; when an input is missing its section is zero-valued and the
// input name appears in quality.missing_inputs.
type PoolSnapshot struct {
	Coin          string           `json:"coin"`
	GeneratedAt   time.Time        `json:"generated_at"`
	WindowMinutes int              `json:"window_minutes"`
	Quality       SnapshotQuality  `json:"quality"`
	Hashrate      SnapshotHashrate `json:"hashrate"`
	Network       SnapshotNetwork  `json:"network"`
	KPI           SnapshotKPI      `json:"kpi"`
	Rejects       SnapshotRejects  `json:"rejects"`
}

// buildPoolSnapshot assembles the latest persisted samples for one coin and
// applies the quality gate: a snapshot is ready only when all three inputs
// exist and none is stale. The window bounds the rejects aggregation; zero
// falls back to the configured snapshot window.
func buildPoolSnapshot(store *snapshotStore, cfg Config, coin string, window time.Duration, now time.Time) (PoolSnapshot, error) {
	if now.IsZero() {
		now = time.Now()
	}
	if window <= 0 {
		window = time.Duration(cfg.SnapshotWindowMinutes) * time.Minute
	}
	snap := PoolSnapshot{
		Coin:          coin,
		GeneratedAt:   now.UTC(),
		WindowMinutes: int(window / time.Minute),
		Quality:       SnapshotQuality{MissingInputs: []string{}},
		Hashrate:      SnapshotHashrate{Workers: []WorkerHashrate{}},
	}
	staleAfter := time.Duration(cfg.SnapshotStaleSeconds) * time.Second
	if staleAfter <= 0 {
		staleAfter = time.Duration(defaultSnapshotStaleSeconds) * time.Second
	}
	// Age of the newest contributing row across all present inputs.
	var newestSample time.Time

	hashRows, err := store.latestHashrate(coin)
	if err != nil {
		return snap, err
	}
	if len(hashRows) == 0 {
		snap.Quality.MissingInputs = append(snap.Quality.MissingInputs, snapshotInputHashrate)
	} else {
		sec := SnapshotHashrate{Workers: []WorkerHashrate{}}
		sec.SampledAt = hashRows[0].CreatedAt
		if sec.SampledAt.After(newestSample) {
			newestSample = sec.SampledAt
		}
		for _, r := range hashRows {
			if r.Worker == poolWorkerLabel {
				sec.PoolTHs = r.HashrateTHs
				sec.WindowSeconds = r.WindowSeconds
				continue
			}
			sec.Workers = append(sec.Workers, WorkerHashrate{
				Worker:        r.Worker,
				HashrateTHs:   r.HashrateTHs,
				Accepted:      r.Accepted,
				Rejected:      r.Rejected,
				BestShareDiff: r.BestShareDiff,
			})
		}
		sort.Slice(sec.Workers, func(i, j int) bool { return sec.Workers[i].Worker < sec.Workers[j].Worker })
		snap.Hashrate = sec
		if now.Sub(sec.SampledAt) > staleAfter {
			snap.Quality.Stale = true
		}
	}

	netRow, ok, err := store.latestNetwork(coin)
	if err != nil {
		return snap, err
	}
	if !ok {
		snap.Quality.MissingInputs = append(snap.Quality.MissingInputs, snapshotInputNetwork)
	} else {
		snap.Network = SnapshotNetwork{
			Height:        netRow.Height,
			Difficulty:    netRow.Difficulty,
			NetworkHashPS: netRow.NetworkHashPS,
			Chain:         netRow.Chain,
			PooledTx:      netRow.PooledTx,
			SampledAt:     netRow.CreatedAt,
		}
		if netRow.CreatedAt.After(newestSample) {
			newestSample = netRow.CreatedAt
		}
		// Network rows only land on height changes, so they age at the
		// block cadence rather than the sampling cadence. They never mark
		// the snapshot stale on their own.
	}

	kpi, ok, err := store.latestKPI(coin)
	if err != nil {
		return snap, err
	}
	if !ok {
		snap.Quality.MissingInputs = append(snap.Quality.MissingInputs, snapshotInputKPI)
	} else {
		snap.KPI = SnapshotKPI{
			ActiveConnections:      kpi.ActiveConnections,
			ActiveWorkers:          kpi.ActiveWorkers,
			AcceptedTotal:          kpi.AcceptedTotal,
			RejectedTotal:          kpi.RejectedTotal,
			BestShareDiff:          kpi.BestShareDiff,
			StratumHealthy:         kpi.StratumHealthy,
			JobHeight:              kpi.JobHeight,
			PoolHashrateHS:         kpi.PoolHashrateHS,
			NetworkHashPS:          kpi.NetworkHashPS,
			NetworkDifficulty:      kpi.NetworkDifficulty,
			ShareRejectRatePct:     kpi.ShareRejectRatePct,
			BlockAccept24h:         kpi.BlockAccept24h,
			BlockReject24h:         kpi.BlockReject24h,
			BlockAcceptRatePct24h:  kpi.BlockAcceptRatePct24h,
			ExpectedTimeToBlockSec: kpi.ExpectedTimeToBlockSec,
			PoolShareOfNetworkPct:  kpi.PoolShareOfNetworkPct,
			SampledAt:              kpi.CreatedAt,
		}
		if kpi.CreatedAt.After(newestSample) {
			newestSample = kpi.CreatedAt
		}
		if now.Sub(kpi.CreatedAt) > staleAfter {
			snap.Quality.Stale = true
		}
	}

	shares, err := store.recentShareMetrics(coin, snapshotRejectSample)
	if err != nil {
		return snap, err
	}
	snap.Rejects = SnapshotRejects{ByReason: map[string]int64{}}
	cutoff := now.Add(-window)
	for _, s := range shares {
		if s.CreatedAt.Before(cutoff) {
			continue
		}
		snap.Rejects.SampleSize++
		if s.Accepted {
			continue
		}
		reason := s.Reason
		if reason == "" {
			reason = "unknown"
		}
		snap.Rejects.ByReason[reason]++
		snap.Rejects.Total++
	}

	if !newestSample.IsZero() {
		if fresh := now.Sub(newestSample); fresh > 0 {
			snap.Quality.DataFreshnessSeconds = int64(fresh.Seconds())
		}
	}
	snap.Quality.HasRequiredInputs = len(snap.Quality.MissingInputs) == 0
	if !snap.Quality.HasRequiredInputs {
		snap.Quality.Stale = true
	}
	if snap.Quality.HasRequiredInputs && !snap.Quality.Stale {
		snap.Quality.Readiness = snapshotReadinessReady
	} else {
		snap.Quality.Readiness = snapshotReadinessUnready
	}
	return snap, nil
}

// validatePoolSnapshot is the response-schema check applied before a snapshot
// is written to an HTTP client. It enforces the invariants the API promises:
// sections present, the quality verdict consistent with its own inputs, and
// missing_inputs limited to known names.
func validatePoolSnapshot(snap PoolSnapshot) bool {
	if snap.Coin == "" || snap.GeneratedAt.IsZero() {
		return false
	}
	q := snap.Quality
	if q.Readiness != snapshotReadinessReady && q.Readiness != snapshotReadinessUnready {
		return false
	}
	if q.MissingInputs == nil || snap.Rejects.ByReason == nil || snap.Hashrate.Workers == nil {
		return false
	}
	for _, in := range q.MissingInputs {
		switch in {
		case snapshotInputHashrate, snapshotInputNetwork, snapshotInputKPI:
		default:
			return false
		}
	}
	if q.DataFreshnessSeconds < 0 {
		return false
	}
	if q.HasRequiredInputs != (len(q.MissingInputs) == 0) {
		return false
	}
	if !q.HasRequiredInputs && !q.Stale {
		return false
	}
	if q.Readiness == snapshotReadinessReady && (!q.HasRequiredInputs || q.Stale) {
		return false
	}
	return true
}
