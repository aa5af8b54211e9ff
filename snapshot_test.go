package main

import (
	"testing"
	"time"
)

func TestBuildPoolSnapshot_EmptyStore(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()

	snap, err := buildPoolSnapshot(store, cfg, "btc", 0, time.Now())
	if err != nil {
		t.Fatalf("buildPoolSnapshot: %v", err)
	}
	if snap.Quality.Readiness != snapshotReadinessUnready {
		t.Fatalf("empty store must be unready, got %q", snap.Quality.Readiness)
	}
	if len(snap.Quality.MissingInputs) != 3 {
		t.Fatalf("all three inputs should be missing, got %v", snap.Quality.MissingInputs)
	}
	if snap.Quality.HasRequiredInputs {
		t.Fatalf("no inputs means has_required_inputs false")
	}
	if !snap.Quality.Stale {
		t.Fatalf("missing required inputs must read as stale")
	}
	if snap.Quality.DataFreshnessSeconds != 0 {
		t.Fatalf("no contributing rows means zero freshness, got %d", snap.Quality.DataFreshnessSeconds)
	}
	if snap.Hashrate.Workers == nil {
		t.Fatalf("workers must serialize as an array, not null")
	}
	if snap.Rejects.ByReason == nil || snap.Rejects.Total != 0 {
		t.Fatalf("rejects section must be present and empty: %+v", snap.Rejects)
	}
	if !validatePoolSnapshot(snap) {
		t.Fatalf("unready snapshot must still validate")
	}
}

func seedSnapshotStore(t *testing.T, store *snapshotStore, at time.Time) {
	t.Helper()
	store.enqueueHashrate(hashrateRow{CreatedAt: at, Coin: "btc", Worker: "rig2", HashrateTHs: 2, WindowSeconds: 60, Accepted: 5})
	store.enqueueHashrate(hashrateRow{CreatedAt: at, Coin: "btc", Worker: "rig1", HashrateTHs: 1, WindowSeconds: 60, Accepted: 3})
	store.enqueueHashrate(hashrateRow{CreatedAt: at, Coin: "btc", Worker: poolWorkerLabel, HashrateTHs: 3, WindowSeconds: 60, Accepted: 8})
	store.enqueueNetwork(networkRow{CreatedAt: at, Coin: "btc", Height: 812345, Difficulty: 1e12, Chain: "main"})
	store.enqueueKPI(kpiRow{
		CreatedAt:      at,
		Coin:           "btc",
		ActiveWorkers:  2,
		AcceptedTotal:  8,
		StratumHealthy: true,
		JobHeight:      812346,
		PoolHashrateHS: 3e12,
		NetworkHashPS:  5e20,
		BlockAccept24h: 1,
	})
	store.Flush()
}

func TestBuildPoolSnapshot_Ready(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	base := time.Now().Truncate(time.Second)
	seedSnapshotStore(t, store, base)

	snap, err := buildPoolSnapshot(store, cfg, "btc", 0, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("buildPoolSnapshot: %v", err)
	}
	if snap.Quality.Readiness != snapshotReadinessReady || snap.Quality.Stale || len(snap.Quality.MissingInputs) != 0 {
		t.Fatalf("expected ready snapshot, got %+v", snap)
	}
	if !snap.Quality.HasRequiredInputs {
		t.Fatalf("all inputs present means has_required_inputs true")
	}
	if snap.Quality.DataFreshnessSeconds != 10 {
		t.Fatalf("freshness should be the newest row's age, got %d", snap.Quality.DataFreshnessSeconds)
	}

	if snap.Hashrate.PoolTHs != 3 || snap.Hashrate.WindowSeconds != 60 {
		t.Fatalf("pool aggregate row not folded into the section: %+v", snap.Hashrate)
	}
	if len(snap.Hashrate.Workers) != 2 {
		t.Fatalf("aggregate row must not appear as a worker: %+v", snap.Hashrate.Workers)
	}
	if snap.Hashrate.Workers[0].Worker != "rig1" || snap.Hashrate.Workers[1].Worker != "rig2" {
		t.Fatalf("workers must be sorted by name: %+v", snap.Hashrate.Workers)
	}
	if snap.Network.Height != 812345 || snap.KPI.JobHeight != 812346 {
		t.Fatalf("sections lost data: %+v", snap)
	}
	if snap.KPI.PoolHashrateHS != 3e12 || snap.KPI.NetworkHashPS != 5e20 || snap.KPI.BlockAccept24h != 1 {
		t.Fatalf("derived kpi fields lost: %+v", snap.KPI)
	}
	if !validatePoolSnapshot(snap) {
		t.Fatalf("ready snapshot must validate")
	}
}

func TestBuildPoolSnapshot_RejectsByReason(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Truncate(time.Second)
	seedSnapshotStore(t, store, base)

	store.enqueueShareMetric(shareMetricRow{CreatedAt: base, Coin: "btc", Worker: "rig1", CID: "c1", Accepted: true, CreditedDiff: 8})
	store.enqueueShareMetric(shareMetricRow{CreatedAt: base, Coin: "btc", Worker: "rig1", CID: "c2", Reason: rejectLowDiff.String()})
	store.enqueueShareMetric(shareMetricRow{CreatedAt: base, Coin: "btc", Worker: "rig2", CID: "c3", Reason: rejectLowDiff.String()})
	store.enqueueShareMetric(shareMetricRow{CreatedAt: base, Coin: "btc", Worker: "rig2", CID: "c4", Reason: rejectStaleJob.String()})
	// Outside the default window; only a wider window picks it up.
	store.enqueueShareMetric(shareMetricRow{CreatedAt: base.Add(-30 * time.Minute), Coin: "btc", Worker: "rig2", CID: "c5", Reason: rejectDuplicateShare.String()})
	store.Flush()

	snap, err := buildPoolSnapshot(store, testConfig(), "btc", 0, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("buildPoolSnapshot: %v", err)
	}
	if snap.WindowMinutes != defaultSnapshotWindowMinutes {
		t.Fatalf("window minutes %d", snap.WindowMinutes)
	}
	if snap.Rejects.Total != 3 || snap.Rejects.SampleSize != 4 {
		t.Fatalf("rejects totals: %+v", snap.Rejects)
	}
	if snap.Rejects.ByReason[rejectLowDiff.String()] != 2 {
		t.Fatalf("low-diff count: %+v", snap.Rejects.ByReason)
	}
	if snap.Rejects.ByReason[rejectStaleJob.String()] != 1 {
		t.Fatalf("stale-job count: %+v", snap.Rejects.ByReason)
	}
	if !validatePoolSnapshot(snap) {
		t.Fatalf("snapshot must validate")
	}

	wide, err := buildPoolSnapshot(store, testConfig(), "btc", time.Hour, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("buildPoolSnapshot: %v", err)
	}
	if wide.Rejects.Total != 4 || wide.Rejects.ByReason[rejectDuplicateShare.String()] != 1 {
		t.Fatalf("hour window should include the old reject: %+v", wide.Rejects)
	}
}

func TestBuildPoolSnapshot_StaleInputs(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig() // stale after 180s
	base := time.Now().Truncate(time.Second)
	seedSnapshotStore(t, store, base)

	snap, err := buildPoolSnapshot(store, cfg, "btc", 0, base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("buildPoolSnapshot: %v", err)
	}
	if !snap.Quality.Stale || snap.Quality.Readiness != snapshotReadinessUnready {
		t.Fatalf("aged samples must mark the snapshot stale and unready: %+v", snap)
	}
	if len(snap.Quality.MissingInputs) != 0 || !snap.Quality.HasRequiredInputs {
		t.Fatalf("stale is not missing: %+v", snap.Quality)
	}
	if !validatePoolSnapshot(snap) {
		t.Fatalf("stale snapshot must still validate")
	}
}

func TestBuildPoolSnapshot_OldNetworkDoesNotStale(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	base := time.Now().Truncate(time.Second)

	// Network rows land only on height changes; an hour-old one is normal.
	store.enqueueNetwork(networkRow{CreatedAt: base.Add(-time.Hour), Coin: "btc", Height: 812345, Chain: "main"})
	store.enqueueHashrate(hashrateRow{CreatedAt: base, Coin: "btc", Worker: poolWorkerLabel, HashrateTHs: 1, WindowSeconds: 60})
	store.enqueueKPI(kpiRow{CreatedAt: base, Coin: "btc", StratumHealthy: true})
	store.Flush()

	snap, err := buildPoolSnapshot(store, cfg, "btc", 0, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("buildPoolSnapshot: %v", err)
	}
	if snap.Quality.Stale || snap.Quality.Readiness != snapshotReadinessReady {
		t.Fatalf("network age alone must not gate readiness: %+v", snap)
	}
}

func TestBuildPoolSnapshot_UnknownCoin(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Truncate(time.Second)
	seedSnapshotStore(t, store, base)

	snap, err := buildPoolSnapshot(store, testConfig(), "doge", 0, base)
	if err != nil {
		t.Fatalf("buildPoolSnapshot: %v", err)
	}
	if snap.Quality.Readiness != snapshotReadinessUnready || len(snap.Quality.MissingInputs) != 3 {
		t.Fatalf("other coins' samples must not leak: %+v", snap)
	}
}

func TestValidatePoolSnapshot(t *testing.T) {
	valid := PoolSnapshot{
		Coin:        "btc",
		GeneratedAt: time.Now(),
		Quality: SnapshotQuality{
			DataFreshnessSeconds: 5,
			HasRequiredInputs:    true,
			Readiness:            snapshotReadinessReady,
			MissingInputs:        []string{},
		},
		Hashrate: SnapshotHashrate{Workers: []WorkerHashrate{}},
		Rejects:  SnapshotRejects{ByReason: map[string]int64{}},
	}

	tests := []struct {
		name   string
		mutate func(*PoolSnapshot)
		want   bool
	}{
		{"valid ready", func(s *PoolSnapshot) {}, true},
		{"empty coin", func(s *PoolSnapshot) { s.Coin = "" }, false},
		{"zero generated_at", func(s *PoolSnapshot) { s.GeneratedAt = time.Time{} }, false},
		{"bad readiness", func(s *PoolSnapshot) { s.Quality.Readiness = "maybe" }, false},
		{"nil missing inputs", func(s *PoolSnapshot) { s.Quality.MissingInputs = nil }, false},
		{"nil rejects map", func(s *PoolSnapshot) { s.Rejects.ByReason = nil }, false},
		{"nil workers", func(s *PoolSnapshot) { s.Hashrate.Workers = nil }, false},
		{"negative freshness", func(s *PoolSnapshot) { s.Quality.DataFreshnessSeconds = -1 }, false},
		{"unknown input name", func(s *PoolSnapshot) {
			s.Quality.Readiness = snapshotReadinessUnready
			s.Quality.HasRequiredInputs = false
			s.Quality.Stale = true
			s.Quality.MissingInputs = []string{"weather"}
		}, false},
		{"ready but missing", func(s *PoolSnapshot) {
			s.Quality.HasRequiredInputs = false
			s.Quality.Stale = true
			s.Quality.MissingInputs = []string{snapshotInputKPI}
		}, false},
		{"ready but stale", func(s *PoolSnapshot) { s.Quality.Stale = true }, false},
		{"has_required disagrees with missing", func(s *PoolSnapshot) {
			s.Quality.Readiness = snapshotReadinessUnready
			s.Quality.Stale = true
			s.Quality.MissingInputs = []string{snapshotInputKPI}
		}, false},
		{"missing but not stale", func(s *PoolSnapshot) {
			s.Quality.Readiness = snapshotReadinessUnready
			s.Quality.HasRequiredInputs = false
			s.Quality.MissingInputs = []string{snapshotInputKPI}
		}, false},
		{"unready with missing", func(s *PoolSnapshot) {
			s.Quality.Readiness = snapshotReadinessUnready
			s.Quality.HasRequiredInputs = false
			s.Quality.Stale = true
			s.Quality.MissingInputs = []string{snapshotInputHashrate, snapshotInputNetwork}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := valid
			snap.Quality.MissingInputs = append([]string{}, valid.Quality.MissingInputs...)
			tt.mutate(&snap)
			if got := validatePoolSnapshot(snap); got != tt.want {
				t.Fatalf("validatePoolSnapshot = %v, want %v", got, tt.want)
			}
		})
	}
}
