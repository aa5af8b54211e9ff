package main

import (
	"bufio"
	"context"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type StratumRequest struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type StratumResponse struct {
	ID     any `json:"id"`
	Result any `json:"result"`
	Error  any `json:"error"`
}

type StratumMessage struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

func newStratumError(code int, msg string) []any {
	return []any{code, msg, nil}
}

// MinerStats is the per-connection share ledger. It feeds both vardiff and
// the snapshot collectors.
type MinerStats struct {
	Worker            string
	Accepted          int64
	Rejected          int64
	TotalDifficulty   float64
	WindowDifficulty  float64
	BestShareDiff     float64
	LastShare         time.Time
	WindowStart       time.Time
	WindowAccepted    int
	WindowSubmissions int
}

// MinerConn is one Stratum TCP connection. Every mutable field is either
// guarded by a mutex or atomic: the read loop, the job listener, and the
// submission workers all touch connection state concurrently.
type MinerConn struct {
	id             string
	ctx            context.Context
	conn           net.Conn
	writeMu        sync.Mutex
	reader         *bufio.Reader
	srv            *StratumServer
	jobMgr         *JobManager
	rpc            rpcCaller
	cfg            Config
	extranonce1    []byte
	extranonce1Hex string
	jobCh          chan *Job

	difficulty         atomic.Uint64 // float64 stored as bits
	previousDifficulty atomic.Uint64 // float64 stored as bits
	shareTarget        atomic.Pointer[big.Int]
	lastDiffChange     atomic.Int64 // Unix nanos

	stateMu    sync.Mutex
	listenerOn bool
	subscribed bool
	authorized bool
	workerName string
	clientID   string

	statsMu sync.Mutex
	stats   MinerStats

	// Recent jobs this connection may still submit against, newest last.
	// Difficulty is pinned per job at notify time so shares in flight are
	// credited against the target they were issued with.
	jobMu         sync.Mutex
	activeJobs    map[string]*Job
	jobOrder      []string
	jobDifficulty map[string]float64
	maxRecentJobs int

	dupMu  sync.Mutex
	dupSet *duplicateShareSet

	versionRoll          bool
	versionMask          uint32
	poolMask             uint32
	minerMask            uint32
	minVerBits           int
	extranonceSubscribed bool
	suggestDiffProcessed bool
	lockDifficulty       bool

	// diffPolicy picks vardiff targets; nil means the default window-rate
	// policy.
	diffPolicy difficultyPolicy

	connectedAt    time.Time
	lastActivity   time.Time
	malformedCount int
	cleanupOnce    sync.Once
}

type rpcCaller interface {
	callCtx(ctx context.Context, method string, params any, out any) error
}
