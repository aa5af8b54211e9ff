package main

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// ShareTrace is one evaluated submission, kept in memory for debugging from
// the snapshot API and logs. The CID ties the trace to its log lines and its
// share_metrics row.
type ShareTrace struct {
	CID          string    `json:"cid"`
	Coin         string    `json:"coin"`
	Worker       string    `json:"worker"`
	JobID        string    `json:"job_id"`
	Extranonce2  string    `json:"extranonce2"`
	NTime        string    `json:"ntime"`
	Nonce        string    `json:"nonce"`
	Version      string    `json:"version,omitempty"`
	HashHex      string    `json:"hash,omitempty"`
	ShareDiff    float64   `json:"share_diff"`
	CreditedDiff float64   `json:"credited_diff"`
	Accepted     bool      `json:"accepted"`
	IsBlock      bool      `json:"is_block"`
	Reason       string    `json:"reason,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// shareTraceCID derives a deterministic correlation ID from the submission
// identity. Two submissions with the same fields always get the same CID, so
// duplicates are trivially spottable in logs.
func shareTraceCID(coin, worker, jobID, extranonce2, ntime, nonce string) string {
	var sb strings.Builder
	sb.Grow(len(coin) + len(worker) + len(jobID) + len(extranonce2) + len(ntime) + len(nonce) + 5)
	sb.WriteString(coin)
	sb.WriteByte('|')
	sb.WriteString(worker)
	sb.WriteByte('|')
	sb.WriteString(jobID)
	sb.WriteByte('|')
	sb.WriteString(extranonce2)
	sb.WriteByte('|')
	sb.WriteString(ntime)
	sb.WriteByte('|')
	sb.WriteString(nonce)
	sum := sha256Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:shareTraceCIDLen]
}

// shareTraceRing is a fixed-capacity FIFO of traces. Oldest entries are
// overwritten once the ring is full.
type shareTraceRing struct {
	buf   []ShareTrace
	next  int
	count int
}

func newShareTraceRing(capacity int) *shareTraceRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &shareTraceRing{buf: make([]ShareTrace, capacity)}
}

func (r *shareTraceRing) add(t ShareTrace) {
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns the ring contents oldest-first.
func (r *shareTraceRing) snapshot() []ShareTrace {
	out := make([]ShareTrace, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// shareTraceRegistry keeps a global ring plus one smaller ring per worker, so
// a single noisy device cannot evict everyone else's recent history.
type shareTraceRegistry struct {
	mu          sync.Mutex
	global      *shareTraceRing
	perWorker   map[string]*shareTraceRing
	perWorkerCp int
}

func newShareTraceRegistry(globalCap, perWorkerCap int) *shareTraceRegistry {
	if perWorkerCap <= 0 {
		perWorkerCap = 1
	}
	return &shareTraceRegistry{
		global:      newShareTraceRing(globalCap),
		perWorker:   make(map[string]*shareTraceRing),
		perWorkerCp: perWorkerCap,
	}
}

func (reg *shareTraceRegistry) Record(t ShareTrace) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.global.add(t)
	if t.Worker == "" {
		return
	}
	ring, ok := reg.perWorker[t.Worker]
	if !ok {
		ring = newShareTraceRing(reg.perWorkerCp)
		reg.perWorker[t.Worker] = ring
	}
	ring.add(t)
}

// Snapshot returns the global ring oldest-first.
func (reg *shareTraceRegistry) Snapshot() []ShareTrace {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.global.snapshot()
}

// WorkerSnapshot returns the per-worker ring oldest-first, or nil when the
// worker has never submitted.
func (reg *shareTraceRegistry) WorkerSnapshot(worker string) []ShareTrace {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ring, ok := reg.perWorker[worker]
	if !ok {
		return nil
	}
	return ring.snapshot()
}

func (reg *shareTraceRegistry) Workers() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]string, 0, len(reg.perWorker))
	for w := range reg.perWorker {
		out = append(out, w)
	}
	return out
}
