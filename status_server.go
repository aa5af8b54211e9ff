package main

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// coinRuntime bundles everything the gateway runs for one configured coin.
type coinRuntime struct {
	coinCfg   CoinConfig
	rpc       *RPCClient
	jobMgr    *JobManager
	srv       *StratumServer
	collector *snapshotCollector
}

// StatusServer serves the read-only snapshot API. It never mutates state:
// every endpoint reads from the snapshot store or the live job managers.
type StatusServer struct {
	cfg     Config
	store   *snapshotStore
	coins   map[string]*coinRuntime
	httpSrv *http.Server
}

func NewStatusServer(cfg Config, store *snapshotStore, coins map[string]*coinRuntime) *StatusServer {
	return &StatusServer{cfg: cfg, store: store, coins: coins}
}

func (s *StatusServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/api/pool-snapshot", s.handlePoolSnapshots)
	r.Get("/api/pool-snapshot/{coin}", s.handlePoolSnapshot)
	r.Get("/api/pool-snapshot/{coin}/traces", s.handleShareTraces)
	r.Get("/api/v1/ready", s.handleReady)
	return r
}

func (s *StatusServer) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.StatusAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("status API listening", "addr", s.cfg.StatusAddr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", "error", err)
		}
	}()
	return nil
}

func (s *StatusServer) Stop(ctx context.Context) {
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("status server shutdown", "error", err)
	}
}

// windowFromQuery parses the optional window_minutes parameter. Invalid or
// absent values fall back to the configured window.
func windowFromQuery(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("window_minutes")
	if raw == "" {
		return 0
	}
	mins, err := strconv.Atoi(raw)
	if err != nil || mins <= 0 {
		return 0
	}
	return time.Duration(mins) * time.Minute
}

func (s *StatusServer) lookupCoin(name string) (*coinRuntime, bool) {
	rt, ok := s.coins[strings.ToLower(strings.TrimSpace(name))]
	return rt, ok
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := fastJSONMarshal(v)
	if err != nil {
		logger.Error("status response marshal error", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *StatusServer) handlePoolSnapshot(w http.ResponseWriter, r *http.Request) {
	coin := chi.URLParam(r, "coin")
	rt, ok := s.lookupCoin(coin)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown coin"})
		return
	}
	snap, err := buildPoolSnapshot(s.store, s.cfg, rt.coinCfg.Coin, windowFromQuery(r), time.Now())
	if err != nil {
		logger.Error("pool snapshot build error", "coin", rt.coinCfg.Coin, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot build failed"})
		return
	}
	if !validatePoolSnapshot(snap) {
		logger.Error("pool snapshot failed schema validation", "coin", rt.coinCfg.Coin)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot validation failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *StatusServer) handlePoolSnapshots(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.coins))
	for name := range s.coins {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]PoolSnapshot, len(names))
	now := time.Now()
	window := windowFromQuery(r)
	for _, name := range names {
		rt := s.coins[name]
		snap, err := buildPoolSnapshot(s.store, s.cfg, rt.coinCfg.Coin, window, now)
		if err != nil {
			logger.Error("pool snapshot build error", "coin", rt.coinCfg.Coin, "error", err)
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot build failed"})
			return
		}
		if !validatePoolSnapshot(snap) {
			logger.Error("pool snapshot failed schema validation", "coin", rt.coinCfg.Coin)
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot validation failed"})
			return
		}
		out[rt.coinCfg.Coin] = snap
	}
	s.writeJSON(w, http.StatusOK, out)
}

type shareTracesResponse struct {
	Coin   string       `json:"coin"`
	Worker string       `json:"worker,omitempty"`
	Count  int          `json:"count"`
	Traces []ShareTrace `json:"traces"`
}

// handleShareTraces exposes the in-memory share rings for debugging a miner
// that keeps getting rejected. Traces are newest-last and never persisted.
func (s *StatusServer) handleShareTraces(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookupCoin(chi.URLParam(r, "coin"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown coin"})
		return
	}
	resp := shareTracesResponse{Coin: rt.coinCfg.Coin, Traces: []ShareTrace{}}
	if rt.srv != nil {
		worker := strings.TrimSpace(r.URL.Query().Get("worker"))
		if worker != "" {
			resp.Worker = worker
			if traces := rt.srv.Traces().WorkerSnapshot(worker); traces != nil {
				resp.Traces = traces
			}
		} else {
			resp.Traces = rt.srv.Traces().Snapshot()
		}
	}
	resp.Count = len(resp.Traces)
	s.writeJSON(w, http.StatusOK, resp)
}

type readyCoin struct {
	Healthy     bool   `json:"healthy"`
	Reason      string `json:"reason,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Chain       string `json:"chain,omitempty"`
	ChainHeight int64  `json:"chain_height,omitempty"`
}

type readyResponse struct {
	Ready bool                 `json:"ready"`
	Coins map[string]readyCoin `json:"coins"`
}

func (s *StatusServer) handleReady(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	resp := readyResponse{Ready: true, Coins: make(map[string]readyCoin, len(s.coins))}
	for _, rt := range s.coins {
		h := stratumHealthStatus(rt.jobMgr, now)
		coin := readyCoin{Healthy: h.Healthy, Reason: h.Reason, Detail: h.Detail}
		if rt.rpc != nil {
			callCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			info, err := rt.rpc.GetBlockchainInfo(callCtx)
			cancel()
			switch {
			case err != nil:
				coin.Healthy = false
				if coin.Reason == "" {
					coin.Reason = "node unreachable"
					coin.Detail = err.Error()
				}
			case info.InitialBlockDownload:
				coin.Healthy = false
				coin.Chain = info.Chain
				coin.ChainHeight = info.Blocks
				if coin.Reason == "" {
					coin.Reason = "node in initial block download"
				}
			default:
				coin.Chain = info.Chain
				coin.ChainHeight = info.Blocks
			}
		}
		resp.Coins[rt.coinCfg.Coin] = coin
		if !coin.Healthy {
			resp.Ready = false
		}
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
