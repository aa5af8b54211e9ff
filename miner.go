package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

func atomicLoadFloat64(addr *atomic.Uint64) float64 {
	return math.Float64frombits(addr.Load())
}

func atomicStoreFloat64(addr *atomic.Uint64, val float64) {
	addr.Store(math.Float64bits(val))
}

// StratumServer owns the TCP listener for one coin and every miner
// connection accepted on it.
type StratumServer struct {
	coin    string
	cfg     Config
	coinCfg CoinConfig
	jobMgr  *JobManager
	rpc     rpcCaller
	store   *snapshotStore
	traces  *shareTraceRegistry
	pool    *submissionWorkerPool

	ln     net.Listener
	connMu sync.Mutex
	conns  map[*MinerConn]struct{}
	closed atomic.Bool
}

func NewStratumServer(cfg Config, coinCfg CoinConfig, jobMgr *JobManager, rpc rpcCaller, store *snapshotStore) *StratumServer {
	return &StratumServer{
		coin:    coinCfg.Coin,
		cfg:     cfg,
		coinCfg: coinCfg,
		jobMgr:  jobMgr,
		rpc:     rpc,
		store:   store,
		traces:  newShareTraceRegistry(shareTraceGlobalCapacity, shareTracePerWorkerCapacity),
		pool:    newSubmissionWorkerPool(),
		conns:   make(map[*MinerConn]struct{}),
	}
}

func (s *StratumServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.coinCfg.StratumPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("stratum listen %s: %w", addr, err)
	}
	s.ln = ln
	s.pool.start(ctx)
	logger.Info("stratum listening", "coin", s.coin, "addr", addr)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	go s.acceptLoop(ctx)
	return nil
}

func (s *StratumServer) Stop() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.connMu.Lock()
	conns := make([]*MinerConn, 0, len(s.conns))
	for mc := range s.conns {
		conns = append(conns, mc)
	}
	s.connMu.Unlock()
	for _, mc := range conns {
		mc.Close("shutdown")
	}
	s.pool.stop()
}

func (s *StratumServer) acceptLoop(ctx context.Context) {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Error("stratum accept error", "coin", s.coin, "error", err)
			if err := sleepContext(ctx, 100*time.Millisecond); err != nil {
				return
			}
			continue
		}
		mc := s.newMinerConn(ctx, c)
		s.connMu.Lock()
		s.conns[mc] = struct{}{}
		s.connMu.Unlock()
		go func() {
			mc.handle()
			s.connMu.Lock()
			delete(s.conns, mc)
			s.connMu.Unlock()
		}()
	}
}

// WorkerStats returns one stats snapshot per live connection. The collectors
// aggregate these per worker.
func (s *StratumServer) WorkerStats() []MinerStats {
	s.connMu.Lock()
	conns := make([]*MinerConn, 0, len(s.conns))
	for mc := range s.conns {
		conns = append(conns, mc)
	}
	s.connMu.Unlock()

	out := make([]MinerStats, 0, len(conns))
	for _, mc := range conns {
		st := mc.snapshotStats()
		if st.Worker == "" {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (s *StratumServer) ActiveConnections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

func (s *StratumServer) Traces() *shareTraceRegistry {
	return s.traces
}

func (s *StratumServer) newMinerConn(ctx context.Context, c net.Conn) *MinerConn {
	now := time.Now()
	en1 := s.jobMgr.NextExtranonce1()
	mc := &MinerConn{
		ctx:            ctx,
		id:             c.RemoteAddr().String(),
		conn:           c,
		reader:         bufio.NewReaderSize(c, maxStratumMessageSize),
		srv:            s,
		jobMgr:         s.jobMgr,
		rpc:            s.rpc,
		cfg:            s.cfg,
		extranonce1:    en1,
		extranonce1Hex: hex.EncodeToString(en1),
		jobCh:          s.jobMgr.Subscribe(),
		activeJobs:     make(map[string]*Job, defaultRecentJobs),
		jobDifficulty:  make(map[string]float64, defaultRecentJobs),
		maxRecentJobs:  defaultRecentJobs,
		dupSet:         &duplicateShareSet{},
		poolMask:       defaultVersionMask,
		connectedAt:    now,
		lastActivity:   now,
	}

	initialDiff := s.cfg.VarDiff.MinDiff
	if initialDiff <= 0 {
		initialDiff = defaultVarDiffMinDiff
	}
	atomicStoreFloat64(&mc.difficulty, initialDiff)
	mc.shareTarget.Store(targetFromDifficulty(initialDiff))
	return mc
}

func (mc *MinerConn) cleanup() {
	mc.cleanupOnce.Do(func() {
		if mc.jobMgr != nil && mc.jobCh != nil {
			mc.jobMgr.Unsubscribe(mc.jobCh)
		}
		if mc.conn != nil {
			_ = mc.conn.Close()
		}
	})
}

func (mc *MinerConn) Close(reason string) {
	if reason == "" {
		reason = "shutdown"
	}
	logger.Info("closing miner", "coin", mc.srv.coin, "remote", mc.id, "reason", reason)
	mc.cleanup()
}

func (mc *MinerConn) recordActivity(now time.Time) {
	mc.lastActivity = now
}

func (mc *MinerConn) idleExpired(now time.Time) bool {
	if mc.lastActivity.IsZero() {
		return false
	}
	return now.Sub(mc.lastActivity) > minerIdleTimeout
}

func (mc *MinerConn) handle() {
	defer mc.cleanup()
	if logger.Enabled(logLevelDebug) {
		logger.Debug("miner connected", "coin", mc.srv.coin, "remote", mc.id, "extranonce1", mc.extranonce1Hex)
	}

	for {
		now := time.Now()
		if mc.ctx.Err() != nil {
			return
		}
		if mc.idleExpired(now) {
			logger.Warn("closing miner for idle timeout", "remote", mc.id)
			return
		}
		if err := mc.conn.SetReadDeadline(now.Add(minMinerTimeout)); err != nil {
			return
		}

		line, err := mc.reader.ReadBytes('\n')
		now = time.Now()
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				logger.Warn("closing miner for oversized message", "remote", mc.id, "limit_bytes", maxStratumMessageSize)
				return
			}
			if nErr, ok := err.(net.Error); ok && nErr.Timeout() {
				if mc.idleExpired(now) {
					logger.Warn("closing miner for idle timeout", "remote", mc.id)
					return
				}
				continue
			}
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Error("read error", "remote", mc.id, "error", err)
			}
			return
		}

		logNetMessage("recv", line)
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		mc.recordActivity(now)

		var req StratumRequest
		if err := fastJSONUnmarshal(line, &req); err != nil {
			// A protocol error is answered, not punished: the request id is
			// unknown so the response carries a null id, and the connection
			// stays open unless the miner keeps sending garbage.
			mc.malformedCount++
			logger.Warn("json error from miner", "remote", mc.id, "error", err, "count", mc.malformedCount)
			mc.writeErrorResponse(nil, 20, "Invalid request.")
			if mc.malformedCount >= maxMalformedRequests {
				logger.Warn("closing miner for repeated malformed requests", "remote", mc.id)
				return
			}
			continue
		}

		switch req.Method {
		case "mining.subscribe":
			mc.handleSubscribe(&req)
		case "mining.authorize":
			mc.handleAuthorize(&req)
		case "mining.submit":
			mc.handleSubmit(&req)
		case "mining.configure":
			mc.handleConfigure(&req)
		case "mining.extranonce.subscribe":
			mc.handleExtranonceSubscribe(&req)
		case "mining.suggest_difficulty":
			mc.suggestDifficulty(&req)
		case "mining.ping":
			mc.writePongResponse(req.ID)
		case "mining.get_transactions":
			mc.writeResponse(StratumResponse{ID: req.ID, Result: []any{}, Error: nil})
		case "mining.capabilities":
			mc.writeTrueResponse(req.ID)
		default:
			// Unknown methods get a typed error but keep the connection open;
			// closing would punish miners trying optional extensions.
			mc.writeErrorResponse(req.ID, 20, "Not supported.")
		}
	}
}

func (mc *MinerConn) listenJobs() {
	for job := range mc.jobCh {
		mc.sendNotifyFor(job, false)
	}
}

func (mc *MinerConn) minerName(fallback string) string {
	mc.statsMu.Lock()
	worker := mc.stats.Worker
	mc.statsMu.Unlock()
	if worker != "" {
		return worker
	}
	if fallback != "" {
		return fallback
	}
	return mc.id
}

func (mc *MinerConn) currentWorker() string {
	mc.stateMu.Lock()
	defer mc.stateMu.Unlock()
	return mc.workerName
}

func (mc *MinerConn) ensureWindowLocked(now time.Time) {
	window := time.Duration(mc.cfg.VarDiff.AdjustmentWindowSec) * time.Second
	if window <= 0 {
		window = time.Duration(defaultVarDiffAdjustmentWindowS) * time.Second
	}
	if mc.stats.WindowStart.IsZero() {
		mc.stats.WindowStart = now
		mc.stats.WindowDifficulty = 0
		return
	}
	if now.Sub(mc.stats.WindowStart) > window*2 {
		mc.stats.WindowStart = now
		mc.stats.WindowAccepted = 0
		mc.stats.WindowSubmissions = 0
		mc.stats.WindowDifficulty = 0
	}
}

// recordShare updates the connection ledger. creditedDiff is the difficulty
// assigned for this share's job (used for hashrate), shareDiff the difficulty
// implied by the submitted hash. They differ when vardiff changed between
// notify and submit.
func (mc *MinerConn) recordShare(worker string, accepted bool, creditedDiff, shareDiff float64, now time.Time) {
	mc.statsMu.Lock()
	mc.ensureWindowLocked(now)
	if worker != "" && mc.stats.Worker != worker {
		mc.stats.Worker = worker
	}
	mc.stats.WindowSubmissions++
	if accepted {
		mc.stats.Accepted++
		mc.stats.WindowAccepted++
		if creditedDiff >= 0 {
			mc.stats.TotalDifficulty += creditedDiff
			mc.stats.WindowDifficulty += creditedDiff
		}
	} else {
		mc.stats.Rejected++
	}
	if shareDiff > mc.stats.BestShareDiff {
		mc.stats.BestShareDiff = shareDiff
	}
	mc.stats.LastShare = now
	mc.statsMu.Unlock()
}

func (mc *MinerConn) snapshotStats() MinerStats {
	mc.statsMu.Lock()
	defer mc.statsMu.Unlock()
	return mc.stats
}
