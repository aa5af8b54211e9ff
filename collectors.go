package main

import (
	"context"
	"math"
	"time"
)

const (
	snapshotCollectInterval = time.Minute
	// poolWorkerLabel is the aggregate row written alongside per-worker
	// hashrate rows in each sample batch.
	poolWorkerLabel = "__pool__"
)

// shareDiffToHashes converts accumulated share difficulty to expected hashes:
// one difficulty-1 share represents 2^32 hashes on average.
const shareDiffToHashes = 4294967296.0

// snapshotCollector samples one coin's stratum server and node once a minute
// and appends the results to the snapshot store. Hashrate is derived from the
// growth of each worker's total credited difficulty between ticks, so vardiff
// window resets never distort it.
type snapshotCollector struct {
	coin   string
	cfg    Config
	srv    *StratumServer
	jobMgr *JobManager
	rpc    *RPCClient
	store  *snapshotStore

	prevTotals map[string]float64
	prevAt     time.Time
	lastHeight int64
	lastJobID  string

	// Last known network figures from getmininginfo, reused by the KPI
	// sweep between height changes.
	lastNetHashPS     float64
	lastNetDifficulty float64
}

func newSnapshotCollector(cfg Config, srv *StratumServer, jobMgr *JobManager, rpc *RPCClient, store *snapshotStore) *snapshotCollector {
	return &snapshotCollector{
		coin:       srv.coin,
		cfg:        cfg,
		srv:        srv,
		jobMgr:     jobMgr,
		rpc:        rpc,
		store:      store,
		prevTotals: make(map[string]float64),
	}
}

func (sc *snapshotCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(snapshotCollectInterval)
	defer ticker.Stop()
	sc.prevAt = time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sc.collectOnce(ctx, now)
		}
	}
}

func (sc *snapshotCollector) collectOnce(ctx context.Context, now time.Time) {
	// Network first: the KPI sweep derives expected-time-to-block and the
	// pool's network share from the freshest getmininginfo figures.
	sc.collectNetwork(ctx, now)
	sc.collectHashrateAndKPI(now)
}

type workerAggregate struct {
	totalDiff float64
	accepted  int64
	rejected  int64
	bestDiff  float64
}

func (sc *snapshotCollector) collectHashrateAndKPI(now time.Time) {
	stats := sc.srv.WorkerStats()

	elapsed := now.Sub(sc.prevAt).Seconds()
	if elapsed <= 0 {
		elapsed = snapshotCollectInterval.Seconds()
	}
	windowSec := int(math.Round(elapsed))

	// Multiple connections can authorize the same worker name; fold them.
	byWorker := make(map[string]*workerAggregate, len(stats))
	for _, st := range stats {
		agg, ok := byWorker[st.Worker]
		if !ok {
			agg = &workerAggregate{}
			byWorker[st.Worker] = agg
		}
		agg.totalDiff += st.TotalDifficulty
		agg.accepted += st.Accepted
		agg.rejected += st.Rejected
		if st.BestShareDiff > agg.bestDiff {
			agg.bestDiff = st.BestShareDiff
		}
	}

	var (
		poolDelta    float64
		poolAccepted int64
		poolRejected int64
		poolBest     float64
	)
	nextTotals := make(map[string]float64, len(byWorker))
	for worker, agg := range byWorker {
		delta := agg.totalDiff - sc.prevTotals[worker]
		if delta < 0 {
			// Connection churn reset the ledger; count what we can see.
			delta = agg.totalDiff
		}
		nextTotals[worker] = agg.totalDiff

		poolDelta += delta
		poolAccepted += agg.accepted
		poolRejected += agg.rejected
		if agg.bestDiff > poolBest {
			poolBest = agg.bestDiff
		}

		sc.store.enqueueHashrate(hashrateRow{
			CreatedAt:     now.UTC(),
			Coin:          sc.coin,
			Worker:        worker,
			HashrateTHs:   delta * shareDiffToHashes / elapsed / 1e12,
			WindowSeconds: windowSec,
			Accepted:      agg.accepted,
			Rejected:      agg.rejected,
			BestShareDiff: agg.bestDiff,
		})
	}

	sc.store.enqueueHashrate(hashrateRow{
		CreatedAt:     now.UTC(),
		Coin:          sc.coin,
		Worker:        poolWorkerLabel,
		HashrateTHs:   poolDelta * shareDiffToHashes / elapsed / 1e12,
		WindowSeconds: windowSec,
		Accepted:      poolAccepted,
		Rejected:      poolRejected,
		BestShareDiff: poolBest,
	})

	sc.prevTotals = nextTotals
	sc.prevAt = now

	var jobHeight int64
	if job := sc.jobMgr.CurrentJob(); job != nil {
		jobHeight = job.Template.Height
	}
	health := stratumHealthStatus(sc.jobMgr, now)

	poolHashPS := poolDelta * shareDiffToHashes / elapsed
	row := kpiRow{
		CreatedAt:         now.UTC(),
		Coin:              sc.coin,
		ActiveConnections: sc.srv.ActiveConnections(),
		ActiveWorkers:     len(byWorker),
		AcceptedTotal:     poolAccepted,
		RejectedTotal:     poolRejected,
		BestShareDiff:     poolBest,
		StratumHealthy:    health.Healthy,
		JobHeight:         jobHeight,
		PoolHashrateHS:    poolHashPS,
		NetworkHashPS:     sc.lastNetHashPS,
		NetworkDifficulty: sc.lastNetDifficulty,
	}
	if total := poolAccepted + poolRejected; total > 0 {
		row.ShareRejectRatePct = float64(poolRejected) / float64(total) * 100
	}
	accepted, rejected, err := sc.store.blockOutcomes(sc.coin, now.Add(-24*time.Hour))
	if err != nil {
		logger.Warn("block outcome query failed", "coin", sc.coin, "error", err)
	} else {
		row.BlockAccept24h = accepted
		row.BlockReject24h = rejected
		if blocks := accepted + rejected; blocks > 0 {
			row.BlockAcceptRatePct24h = float64(accepted) / float64(blocks) * 100
		}
	}
	if poolHashPS > 0 {
		row.ExpectedTimeToBlockSec = sc.lastNetDifficulty * shareDiffToHashes / poolHashPS
	}
	if sc.lastNetHashPS > 0 {
		row.PoolShareOfNetworkPct = poolHashPS / sc.lastNetHashPS * 100
	}
	sc.store.enqueueKPI(row)
}

func (sc *snapshotCollector) collectNetwork(ctx context.Context, now time.Time) {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	info, err := sc.rpc.GetMiningInfo(callCtx)
	if err != nil {
		logger.Warn("network snapshot skipped", "coin", sc.coin, "error", err)
		return
	}
	sc.lastNetHashPS = info.NetworkHashPS
	sc.lastNetDifficulty = info.Difficulty
	if info.Blocks == sc.lastHeight {
		return
	}
	sc.lastHeight = info.Blocks
	row := networkRow{
		CreatedAt:     now.UTC(),
		Coin:          sc.coin,
		Height:        info.Blocks,
		Difficulty:    info.Difficulty,
		NetworkHashPS: info.NetworkHashPS,
		Chain:         info.Chain,
		PooledTx:      info.PooledTx,
	}
	if job := sc.jobMgr.CurrentJob(); job != nil {
		row.TemplateHeight = job.Template.Height
		row.JobID = job.JobID
		row.Bits = job.Template.Bits
		row.NetworkTarget = job.Template.Target
		row.TemplatePrev = job.Template.Previous
		row.TemplateCurtime = job.Template.CurTime
		row.TemplateChanged = job.JobID != sc.lastJobID
		sc.lastJobID = job.JobID
	}
	sc.store.enqueueNetwork(row)
}
