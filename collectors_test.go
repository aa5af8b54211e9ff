package main

import (
	"context"
	"math"
	"net/http"
	"testing"
	"time"
)

// newTestCollector wires a collector around a live server whose connection set
// the test populates directly.
func newTestCollector(t *testing.T, store *snapshotStore) (*snapshotCollector, *StratumServer, *JobManager) {
	t.Helper()
	cfg := testConfig()
	jm := NewJobManager(nil, cfg, cfg.Coins[0], []byte{0x51})
	srv := NewStratumServer(cfg, cfg.Coins[0], jm, &stubRPC{}, store)
	sc := newSnapshotCollector(cfg, srv, jm, nil, store)
	return sc, srv, jm
}

func addStatsConn(t *testing.T, srv *StratumServer, worker string, totalDiff float64, accepted, rejected int64, best float64) *MinerConn {
	t.Helper()
	mc, _ := newTestMinerConn(t, srv, nil, 1)
	mc.stats.Worker = worker
	mc.stats.TotalDifficulty = totalDiff
	mc.stats.Accepted = accepted
	mc.stats.Rejected = rejected
	mc.stats.BestShareDiff = best
	srv.connMu.Lock()
	srv.conns[mc] = struct{}{}
	srv.connMu.Unlock()
	return mc
}

func hashrateByWorker(t *testing.T, store *snapshotStore, coin string) map[string]hashrateRow {
	t.Helper()
	rows, err := store.latestHashrate(coin)
	if err != nil {
		t.Fatalf("latestHashrate: %v", err)
	}
	out := make(map[string]hashrateRow, len(rows))
	for _, r := range rows {
		out[r.Worker] = r
	}
	return out
}

func TestCollectHashrateAndKPI(t *testing.T) {
	store := newTestStore(t)
	sc, srv, jm := newTestCollector(t, store)
	jm.curJob = newTestJob(t, nil)

	// Two connections authorized as the same worker fold into one row.
	addStatsConn(t, srv, "rig1", 6, 4, 1, 30)
	addStatsConn(t, srv, "rig1", 4, 2, 0, 50)
	addStatsConn(t, srv, "rig2", 20, 10, 2, 80)

	now := time.Now().Truncate(time.Second)
	elapsed := 600.0
	sc.prevAt = now.Add(-time.Duration(elapsed) * time.Second)
	sc.collectHashrateAndKPI(now)
	store.Flush()

	rows := hashrateByWorker(t, store, "btc")
	if len(rows) != 3 {
		t.Fatalf("expected rig1, rig2 and the pool aggregate, got %v", rows)
	}

	rig1 := rows["rig1"]
	if rig1.Accepted != 6 || rig1.Rejected != 1 || rig1.BestShareDiff != 50 {
		t.Fatalf("rig1 connections not folded: %+v", rig1)
	}
	wantRig1THs := 10 * shareDiffToHashes / elapsed / 1e12
	if math.Abs(rig1.HashrateTHs-wantRig1THs) > 1e-12 {
		t.Fatalf("rig1 hashrate %g, want %g", rig1.HashrateTHs, wantRig1THs)
	}

	pool := rows[poolWorkerLabel]
	wantPoolTHs := 30 * shareDiffToHashes / elapsed / 1e12
	if math.Abs(pool.HashrateTHs-wantPoolTHs) > 1e-12 {
		t.Fatalf("pool hashrate %g, want %g", pool.HashrateTHs, wantPoolTHs)
	}
	if pool.Accepted != 16 || pool.Rejected != 3 || pool.BestShareDiff != 80 {
		t.Fatalf("pool aggregate counters: %+v", pool)
	}

	kpi, ok, err := store.latestKPI("btc")
	if err != nil || !ok {
		t.Fatalf("latestKPI: ok=%v err=%v", ok, err)
	}
	if kpi.ActiveWorkers != 2 || kpi.ActiveConnections != 3 {
		t.Fatalf("kpi workers/connections: %+v", kpi)
	}
	if kpi.AcceptedTotal != 16 || kpi.RejectedTotal != 3 || kpi.BestShareDiff != 80 {
		t.Fatalf("kpi counters: %+v", kpi)
	}
	if kpi.JobHeight != 100 {
		t.Fatalf("kpi job height %d, want 100", kpi.JobHeight)
	}
}

func TestCollectKPI_DerivedAnalytics(t *testing.T) {
	store := newTestStore(t)
	sc, srv, jm := newTestCollector(t, store)
	jm.curJob = newTestJob(t, nil)
	sc.lastNetHashPS = 5e20
	sc.lastNetDifficulty = 1e12

	addStatsConn(t, srv, "rig1", 30, 16, 4, 80)

	now := time.Now().Truncate(time.Second)
	// Block solves inside and outside the 24h window.
	store.enqueueShareMetric(shareMetricRow{CreatedAt: now.Add(-time.Hour), Coin: "btc", Worker: "rig1", IsBlock: true, Accepted: true})
	store.enqueueShareMetric(shareMetricRow{CreatedAt: now.Add(-2 * time.Hour), Coin: "btc", Worker: "rig1", IsBlock: true, Accepted: true})
	store.enqueueShareMetric(shareMetricRow{CreatedAt: now.Add(-3 * time.Hour), Coin: "btc", Worker: "rig1", IsBlock: true, Accepted: false, Reason: "block rejected: high-hash"})
	store.enqueueShareMetric(shareMetricRow{CreatedAt: now.Add(-25 * time.Hour), Coin: "btc", Worker: "rig1", IsBlock: true, Accepted: true})
	// Plain shares never count as block outcomes.
	store.enqueueShareMetric(shareMetricRow{CreatedAt: now.Add(-time.Minute), Coin: "btc", Worker: "rig1", Accepted: true})
	store.Flush()

	elapsed := 600.0
	sc.prevAt = now.Add(-time.Duration(elapsed) * time.Second)
	sc.collectHashrateAndKPI(now)
	store.Flush()

	kpi, ok, err := store.latestKPI("btc")
	if err != nil || !ok {
		t.Fatalf("latestKPI: ok=%v err=%v", ok, err)
	}
	wantHS := 30 * shareDiffToHashes / elapsed
	if math.Abs(kpi.PoolHashrateHS-wantHS) > 1e-6 {
		t.Fatalf("pool hashrate %g H/s, want %g", kpi.PoolHashrateHS, wantHS)
	}
	if kpi.NetworkHashPS != 5e20 || kpi.NetworkDifficulty != 1e12 {
		t.Fatalf("network figures not carried: %+v", kpi)
	}
	if math.Abs(kpi.ShareRejectRatePct-20) > 1e-9 {
		t.Fatalf("reject rate %g%%, want 20%%", kpi.ShareRejectRatePct)
	}
	if kpi.BlockAccept24h != 2 || kpi.BlockReject24h != 1 {
		t.Fatalf("block outcomes: %+v", kpi)
	}
	if math.Abs(kpi.BlockAcceptRatePct24h-200.0/3.0) > 1e-9 {
		t.Fatalf("block accept rate %g%%", kpi.BlockAcceptRatePct24h)
	}
	wantTTB := 1e12 * shareDiffToHashes / wantHS
	if math.Abs(kpi.ExpectedTimeToBlockSec-wantTTB) > 1e-6 {
		t.Fatalf("expected time to block %g, want %g", kpi.ExpectedTimeToBlockSec, wantTTB)
	}
	wantShare := wantHS / 5e20 * 100
	if math.Abs(kpi.PoolShareOfNetworkPct-wantShare) > 1e-15 {
		t.Fatalf("pool network share %g%%, want %g%%", kpi.PoolShareOfNetworkPct, wantShare)
	}
}

func TestCollectKPI_DerivedZeroesWhenIdle(t *testing.T) {
	store := newTestStore(t)
	sc, _, _ := newTestCollector(t, store)

	now := time.Now().Truncate(time.Second)
	sc.prevAt = now.Add(-60 * time.Second)
	sc.collectHashrateAndKPI(now)
	store.Flush()

	kpi, ok, err := store.latestKPI("btc")
	if err != nil || !ok {
		t.Fatalf("latestKPI: ok=%v err=%v", ok, err)
	}
	// No hashrate and no network figures: the ratio fields stay zero rather
	// than going NaN or Inf.
	if kpi.ShareRejectRatePct != 0 || kpi.ExpectedTimeToBlockSec != 0 || kpi.PoolShareOfNetworkPct != 0 || kpi.BlockAcceptRatePct24h != 0 {
		t.Fatalf("idle pool should write zero ratios: %+v", kpi)
	}
}

func TestCollectNetwork_TemplateFields(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	jm := NewJobManager(nil, cfg, cfg.Coins[0], []byte{0x51})
	srv := NewStratumServer(cfg, cfg.Coins[0], jm, &stubRPC{}, store)
	jm.curJob = newTestJob(t, nil)

	height := int64(812345)
	_, rpc := newRPCTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(t, w, map[string]any{
			"blocks":        height,
			"difficulty":    1e12,
			"networkhashps": 5e20,
			"chain":         "main",
			"pooledtx":      42,
		})
	})
	sc := newSnapshotCollector(cfg, srv, jm, rpc, store)

	now := time.Now().Truncate(time.Second)
	sc.collectNetwork(context.Background(), now)
	store.Flush()

	r, ok, err := store.latestNetwork("btc")
	if err != nil || !ok {
		t.Fatalf("latestNetwork: ok=%v err=%v", ok, err)
	}
	if r.Height != 812345 || r.Difficulty != 1e12 || r.NetworkHashPS != 5e20 {
		t.Fatalf("network row: %+v", r)
	}
	if r.TemplateHeight != 100 || r.JobID != "job1" || r.Bits != "1d00ffff" {
		t.Fatalf("template fields not captured: %+v", r)
	}
	if r.TemplatePrev != block125552Prev || r.TemplateCurtime != 1700000000 {
		t.Fatalf("template prev/curtime: %+v", r)
	}
	if !r.TemplateChanged {
		t.Fatalf("first sighting of a job must mark the template changed")
	}
	if sc.lastNetHashPS != 5e20 || sc.lastNetDifficulty != 1e12 {
		t.Fatalf("network figures not cached for the KPI sweep")
	}

	// Same height again: deduplicated, no second row.
	sc.collectNetwork(context.Background(), now.Add(time.Minute))
	store.Flush()
	if r, _, _ := store.latestNetwork("btc"); !r.CreatedAt.Equal(now.UTC()) {
		t.Fatalf("unchanged height should not write a new row: %+v", r)
	}

	// New height with the same job: template unchanged.
	height = 812346
	sc.collectNetwork(context.Background(), now.Add(2*time.Minute))
	store.Flush()
	r, _, err = store.latestNetwork("btc")
	if err != nil {
		t.Fatalf("latestNetwork: %v", err)
	}
	if r.Height != 812346 || r.TemplateChanged {
		t.Fatalf("same job across heights should not flag a template change: %+v", r)
	}
}

func TestCollectHashrate_DeltaBetweenTicks(t *testing.T) {
	store := newTestStore(t)
	sc, srv, _ := newTestCollector(t, store)

	mc := addStatsConn(t, srv, "rig1", 10, 5, 0, 10)

	t1 := time.Now().Truncate(time.Second).Add(-10 * time.Minute)
	sc.prevAt = t1.Add(-60 * time.Second)
	sc.collectHashrateAndKPI(t1)

	// Ten more units of difficulty land before the next tick.
	mc.stats.TotalDifficulty = 20
	t2 := t1.Add(60 * time.Second)
	sc.collectHashrateAndKPI(t2)
	store.Flush()

	rows := hashrateByWorker(t, store, "btc")
	rig1 := rows["rig1"]
	want := 10 * shareDiffToHashes / 60.0 / 1e12
	if math.Abs(rig1.HashrateTHs-want) > 1e-12 {
		t.Fatalf("second tick should use the delta: %g, want %g", rig1.HashrateTHs, want)
	}
}

func TestCollectHashrate_NegativeDeltaFallback(t *testing.T) {
	store := newTestStore(t)
	sc, srv, _ := newTestCollector(t, store)

	addStatsConn(t, srv, "rig1", 10, 5, 0, 10)
	// A previous total above the current one means the old connection went
	// away; the collector counts what it can see instead of going negative.
	sc.prevTotals["rig1"] = 100

	now := time.Now().Truncate(time.Second)
	sc.prevAt = now.Add(-60 * time.Second)
	sc.collectHashrateAndKPI(now)
	store.Flush()

	rows := hashrateByWorker(t, store, "btc")
	want := 10 * shareDiffToHashes / 60.0 / 1e12
	if math.Abs(rows["rig1"].HashrateTHs-want) > 1e-12 {
		t.Fatalf("negative delta fallback: %g, want %g", rows["rig1"].HashrateTHs, want)
	}
}

func TestCollectHashrate_NoWorkersStillWritesPoolRow(t *testing.T) {
	store := newTestStore(t)
	sc, _, _ := newTestCollector(t, store)

	now := time.Now().Truncate(time.Second)
	sc.prevAt = now.Add(-60 * time.Second)
	sc.collectHashrateAndKPI(now)
	store.Flush()

	rows, err := store.latestHashrate("btc")
	if err != nil {
		t.Fatalf("latestHashrate: %v", err)
	}
	if len(rows) != 1 || rows[0].Worker != poolWorkerLabel || rows[0].HashrateTHs != 0 {
		t.Fatalf("idle pool should write a zero aggregate row, got %v", rows)
	}

	kpi, ok, err := store.latestKPI("btc")
	if err != nil || !ok {
		t.Fatalf("latestKPI: ok=%v err=%v", ok, err)
	}
	if kpi.StratumHealthy {
		t.Fatalf("no job feed means unhealthy")
	}
	if kpi.ActiveWorkers != 0 {
		t.Fatalf("active workers %d, want 0", kpi.ActiveWorkers)
	}
}
