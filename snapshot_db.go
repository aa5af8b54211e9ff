package main

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// snapshotStoreQueueDepth bounds the async write queue. When the queue is
// full the oldest pending row is dropped; snapshots are periodic samples, so
// losing the oldest under pressure beats blocking the submit path.
const snapshotStoreQueueDepth = 1024

type hashrateRow struct {
	CreatedAt     time.Time
	Coin          string
	Worker        string
	HashrateTHs   float64
	WindowSeconds int
	Accepted      int64
	Rejected      int64
	BestShareDiff float64
}

type networkRow struct {
	CreatedAt     time.Time
	Coin          string
	Height        int64
	Difficulty    float64
	NetworkHashPS float64
	Chain         string
	PooledTx      int64

	// Current job template at sample time.
	TemplateHeight  int64
	JobID           string
	Bits            string
	NetworkTarget   string
	TemplatePrev    string
	TemplateCurtime int64
	TemplateChanged bool
}

type kpiRow struct {
	CreatedAt         time.Time
	Coin              string
	ActiveConnections int
	ActiveWorkers     int
	AcceptedTotal     int64
	RejectedTotal     int64
	BestShareDiff     float64
	StratumHealthy    bool
	JobHeight         int64

	// Derived analytics computed at sample time so dashboards read them
	// straight off the row instead of recomputing.
	PoolHashrateHS         float64
	NetworkHashPS          float64
	NetworkDifficulty      float64
	ShareRejectRatePct     float64
	BlockAccept24h         int64
	BlockReject24h         int64
	BlockAcceptRatePct24h  float64
	ExpectedTimeToBlockSec float64
	PoolShareOfNetworkPct  float64
}

type shareMetricRow struct {
	CreatedAt    time.Time
	Coin         string
	Worker       string
	CID          string
	JobID        string
	Accepted     bool
	IsBlock      bool
	ShareDiff    float64
	CreditedDiff float64
	Reason       string
	HashHex      string
}

// snapshotStore persists periodic samples into four append-only tables. All
// writes flow through a single goroutine so SQLite never sees concurrent
// writers from the hot path.
type snapshotStore struct {
	db        *sql.DB
	queue     chan any
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

func openSnapshotStore(dbPath string) (*snapshotStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_foreign_keys=1&_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSnapshotTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := &snapshotStore{
		db:    db,
		queue: make(chan any, snapshotStoreQueueDepth),
	}
	st.wg.Add(1)
	go st.writer()
	return st, nil
}

func ensureSnapshotTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hashrate_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at_unix INTEGER NOT NULL,
			coin TEXT NOT NULL,
			worker TEXT NOT NULL,
			hashrate_ths REAL NOT NULL,
			window_seconds INTEGER NOT NULL,
			accepted INTEGER NOT NULL,
			rejected INTEGER NOT NULL,
			best_share_diff REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hashrate_coin_time ON hashrate_snapshots(coin, created_at_unix)`,
		`CREATE TABLE IF NOT EXISTS network_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at_unix INTEGER NOT NULL,
			coin TEXT NOT NULL,
			height INTEGER NOT NULL,
			difficulty REAL NOT NULL,
			network_hashps REAL NOT NULL,
			chain TEXT NOT NULL,
			pooled_tx INTEGER NOT NULL,
			template_height INTEGER NOT NULL,
			job_id TEXT NOT NULL,
			bits TEXT NOT NULL,
			network_target TEXT NOT NULL,
			template_previous_blockhash TEXT NOT NULL,
			template_curtime INTEGER NOT NULL,
			template_changed INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_network_coin_time ON network_snapshots(coin, created_at_unix)`,
		`CREATE TABLE IF NOT EXISTS kpi_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at_unix INTEGER NOT NULL,
			coin TEXT NOT NULL,
			active_connections INTEGER NOT NULL,
			active_workers INTEGER NOT NULL,
			accepted_total INTEGER NOT NULL,
			rejected_total INTEGER NOT NULL,
			best_share_diff REAL NOT NULL,
			stratum_healthy INTEGER NOT NULL,
			job_height INTEGER NOT NULL,
			pool_hashrate_hs REAL NOT NULL,
			network_hash_ps REAL NOT NULL,
			network_difficulty REAL NOT NULL,
			share_reject_rate_pct REAL NOT NULL,
			block_accept_count_24h INTEGER NOT NULL,
			block_reject_count_24h INTEGER NOT NULL,
			block_accept_rate_pct_24h REAL NOT NULL,
			expected_time_to_block_sec REAL NOT NULL,
			pool_share_of_network_pct REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kpi_coin_time ON kpi_snapshots(coin, created_at_unix)`,
		`CREATE TABLE IF NOT EXISTS share_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at_unix INTEGER NOT NULL,
			coin TEXT NOT NULL,
			worker TEXT NOT NULL,
			cid TEXT NOT NULL,
			job_id TEXT NOT NULL,
			accepted INTEGER NOT NULL,
			is_block INTEGER NOT NULL,
			share_diff REAL NOT NULL,
			credited_diff REAL NOT NULL,
			reason TEXT NOT NULL,
			hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_share_metrics_coin_time ON share_metrics(coin, created_at_unix)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// enqueue adds a row to the write queue, dropping the oldest pending row when
// full. Never blocks.
func (st *snapshotStore) enqueue(row any) {
	if st == nil || st.closed.Load() {
		return
	}
	for {
		select {
		case st.queue <- row:
			return
		default:
		}
		select {
		case old := <-st.queue:
			if m, ok := old.(flushMarker); ok {
				close(m.done)
				continue
			}
			st.dropped.Add(1)
			if n := st.dropped.Load(); n%100 == 1 {
				logger.Warn("snapshot write queue full; dropping oldest", "dropped_total", n)
			}
		default:
		}
	}
}

func (st *snapshotStore) enqueueHashrate(r hashrateRow)       { st.enqueue(r) }
func (st *snapshotStore) enqueueNetwork(r networkRow)         { st.enqueue(r) }
func (st *snapshotStore) enqueueKPI(r kpiRow)                 { st.enqueue(r) }
func (st *snapshotStore) enqueueShareMetric(r shareMetricRow) { st.enqueue(r) }

func (st *snapshotStore) writer() {
	defer st.wg.Done()
	for row := range st.queue {
		if m, ok := row.(flushMarker); ok {
			close(m.done)
			continue
		}
		if err := st.insert(row); err != nil {
			logger.Error("snapshot insert error", "error", err)
		}
	}
}

func (st *snapshotStore) insert(row any) error {
	switch r := row.(type) {
	case hashrateRow:
		_, err := st.db.Exec(`
			INSERT INTO hashrate_snapshots
				(created_at_unix, coin, worker, hashrate_ths, window_seconds, accepted, rejected, best_share_diff)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.CreatedAt.Unix(), r.Coin, r.Worker, r.HashrateTHs, r.WindowSeconds, r.Accepted, r.Rejected, r.BestShareDiff)
		return err
	case networkRow:
		changed := 0
		if r.TemplateChanged {
			changed = 1
		}
		_, err := st.db.Exec(`
			INSERT INTO network_snapshots
				(created_at_unix, coin, height, difficulty, network_hashps, chain, pooled_tx,
				 template_height, job_id, bits, network_target, template_previous_blockhash, template_curtime, template_changed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.CreatedAt.Unix(), r.Coin, r.Height, r.Difficulty, r.NetworkHashPS, r.Chain, r.PooledTx,
			r.TemplateHeight, r.JobID, r.Bits, r.NetworkTarget, r.TemplatePrev, r.TemplateCurtime, changed)
		return err
	case kpiRow:
		healthy := 0
		if r.StratumHealthy {
			healthy = 1
		}
		_, err := st.db.Exec(`
			INSERT INTO kpi_snapshots
				(created_at_unix, coin, active_connections, active_workers, accepted_total, rejected_total, best_share_diff, stratum_healthy, job_height,
				 pool_hashrate_hs, network_hash_ps, network_difficulty, share_reject_rate_pct,
				 block_accept_count_24h, block_reject_count_24h, block_accept_rate_pct_24h,
				 expected_time_to_block_sec, pool_share_of_network_pct)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.CreatedAt.Unix(), r.Coin, r.ActiveConnections, r.ActiveWorkers, r.AcceptedTotal, r.RejectedTotal, r.BestShareDiff, healthy, r.JobHeight,
			r.PoolHashrateHS, r.NetworkHashPS, r.NetworkDifficulty, r.ShareRejectRatePct,
			r.BlockAccept24h, r.BlockReject24h, r.BlockAcceptRatePct24h,
			r.ExpectedTimeToBlockSec, r.PoolShareOfNetworkPct)
		return err
	case shareMetricRow:
		accepted := 0
		if r.Accepted {
			accepted = 1
		}
		isBlock := 0
		if r.IsBlock {
			isBlock = 1
		}
		_, err := st.db.Exec(`
			INSERT INTO share_metrics
				(created_at_unix, coin, worker, cid, job_id, accepted, is_block, share_diff, credited_diff, reason, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.CreatedAt.Unix(), r.Coin, r.Worker, r.CID, r.JobID, accepted, isBlock, r.ShareDiff, r.CreditedDiff, r.Reason, r.HashHex)
		return err
	default:
		return nil
	}
}

type flushMarker struct {
	done chan struct{}
}

// Flush blocks until every row enqueued before the call has been written.
// Test helper; production code relies on the writer keeping up.
func (st *snapshotStore) Flush() {
	if st == nil || st.closed.Load() {
		return
	}
	m := flushMarker{done: make(chan struct{})}
	select {
	case st.queue <- m:
		<-m.done
	default:
		// Queue full; fall back to polling.
		for len(st.queue) > 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (st *snapshotStore) Close() error {
	var err error
	st.closeOnce.Do(func() {
		st.closed.Store(true)
		close(st.queue)
		st.wg.Wait()
		err = st.db.Close()
	})
	return err
}

// latestHashrate returns the most recent hashrate sample batch for a coin:
// every row sharing the newest created_at_unix, so per-worker rows written in
// the same tick come back together.
func (st *snapshotStore) latestHashrate(coin string) ([]hashrateRow, error) {
	rows, err := st.db.Query(`
		SELECT created_at_unix, worker, hashrate_ths, window_seconds, accepted, rejected, best_share_diff
		FROM hashrate_snapshots
		WHERE coin = ? AND created_at_unix = (
			SELECT MAX(created_at_unix) FROM hashrate_snapshots WHERE coin = ?
		)`, coin, coin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []hashrateRow
	for rows.Next() {
		var r hashrateRow
		var ts int64
		if err := rows.Scan(&ts, &r.Worker, &r.HashrateTHs, &r.WindowSeconds, &r.Accepted, &r.Rejected, &r.BestShareDiff); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(ts, 0).UTC()
		r.Coin = coin
		out = append(out, r)
	}
	return out, rows.Err()
}

func (st *snapshotStore) latestNetwork(coin string) (networkRow, bool, error) {
	var r networkRow
	var ts int64
	var changed int
	err := st.db.QueryRow(`
		SELECT created_at_unix, height, difficulty, network_hashps, chain, pooled_tx,
		       template_height, job_id, bits, network_target, template_previous_blockhash, template_curtime, template_changed
		FROM network_snapshots
		WHERE coin = ?
		ORDER BY created_at_unix DESC, id DESC
		LIMIT 1`, coin).Scan(&ts, &r.Height, &r.Difficulty, &r.NetworkHashPS, &r.Chain, &r.PooledTx,
		&r.TemplateHeight, &r.JobID, &r.Bits, &r.NetworkTarget, &r.TemplatePrev, &r.TemplateCurtime, &changed)
	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	r.CreatedAt = time.Unix(ts, 0).UTC()
	r.Coin = coin
	r.TemplateChanged = changed != 0
	return r, true, nil
}

func (st *snapshotStore) latestKPI(coin string) (kpiRow, bool, error) {
	var r kpiRow
	var ts int64
	var healthy int
	err := st.db.QueryRow(`
		SELECT created_at_unix, active_connections, active_workers, accepted_total, rejected_total, best_share_diff, stratum_healthy, job_height,
		       pool_hashrate_hs, network_hash_ps, network_difficulty, share_reject_rate_pct,
		       block_accept_count_24h, block_reject_count_24h, block_accept_rate_pct_24h,
		       expected_time_to_block_sec, pool_share_of_network_pct
		FROM kpi_snapshots
		WHERE coin = ?
		ORDER BY created_at_unix DESC, id DESC
		LIMIT 1`, coin).Scan(&ts, &r.ActiveConnections, &r.ActiveWorkers, &r.AcceptedTotal, &r.RejectedTotal, &r.BestShareDiff, &healthy, &r.JobHeight,
		&r.PoolHashrateHS, &r.NetworkHashPS, &r.NetworkDifficulty, &r.ShareRejectRatePct,
		&r.BlockAccept24h, &r.BlockReject24h, &r.BlockAcceptRatePct24h,
		&r.ExpectedTimeToBlockSec, &r.PoolShareOfNetworkPct)
	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	r.CreatedAt = time.Unix(ts, 0).UTC()
	r.Coin = coin
	r.StratumHealthy = healthy != 0
	return r, true, nil
}

// blockOutcomes counts block-solve submissions since the cutoff: solves the
// node accepted versus solves it rejected.
func (st *snapshotStore) blockOutcomes(coin string, since time.Time) (accepted, rejected int64, err error) {
	err = st.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN accepted = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN accepted = 0 THEN 1 ELSE 0 END), 0)
		FROM share_metrics
		WHERE coin = ? AND is_block = 1 AND created_at_unix >= ?`,
		coin, since.Unix()).Scan(&accepted, &rejected)
	return accepted, rejected, err
}

// recentShareMetrics returns up to limit newest share rows for a coin,
// newest first.
func (st *snapshotStore) recentShareMetrics(coin string, limit int) ([]shareMetricRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := st.db.Query(`
		SELECT created_at_unix, worker, cid, job_id, accepted, is_block, share_diff, credited_diff, reason, hash
		FROM share_metrics
		WHERE coin = ?
		ORDER BY created_at_unix DESC, id DESC
		LIMIT ?`, coin, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shareMetricRow
	for rows.Next() {
		var r shareMetricRow
		var ts int64
		var accepted, isBlock int
		if err := rows.Scan(&ts, &r.Worker, &r.CID, &r.JobID, &accepted, &isBlock, &r.ShareDiff, &r.CreditedDiff, &r.Reason, &r.HashHex); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(ts, 0).UTC()
		r.Coin = coin
		r.Accepted = accepted != 0
		r.IsBlock = isBlock != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
