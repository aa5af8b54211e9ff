package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

// GetBlockTemplateResult mirrors the BIP22/23 getblocktemplate fields the
// gateway consumes.
type GetBlockTemplateResult struct {
	Bits                     string           `json:"bits"`
	CurTime                  int64            `json:"curtime"`
	Height                   int64            `json:"height"`
	Mintime                  int64            `json:"mintime"`
	Target                   string           `json:"target"`
	Version                  int32            `json:"version"`
	Previous                 string           `json:"previousblockhash"`
	CoinbaseValue            int64            `json:"coinbasevalue"`
	DefaultWitnessCommitment string           `json:"default_witness_commitment"`
	LongPollID               string           `json:"longpollid"`
	Transactions             []GBTTransaction `json:"transactions"`
	CoinbaseAux              struct {
		Flags string `json:"flags"`
	} `json:"coinbaseaux"`
}

type GBTTransaction struct {
	Data string `json:"data"`
	Txid string `json:"txid"`
	Hash string `json:"hash"`
}

type Job struct {
	JobID           string
	Coin            string
	Template        GetBlockTemplateResult
	Target          *big.Int
	CreatedAt       time.Time
	Clean           bool
	Extranonce2Size int
	Coinb1          string
	Coinb2          string
	MerkleBranches  []string
	Transactions    []GBTTransaction
	TransactionIDs  [][]byte
	VersionMask     uint32
	PrevHash        string
	ScriptTime      int64
	prevHashLE      [32]byte
	bitsValue       uint32
	cbSpec          coinbaseSpec
}

func (job *Job) coinbaseSpec() coinbaseSpec {
	return job.cbSpec
}

const (
	jobSubscriberBuffer     = 4
	coinbaseExtranonce1Size = 4
	jobRetryDelay           = 100 * time.Millisecond
)

var errStaleTemplate = errors.New("stale template")

const jobFeedErrorHistorySize = 3

// JobManager owns the current job for one coin: it pulls templates from the
// node, builds Stratum jobs from them, and fans new jobs out to subscribed
// connections.
type JobManager struct {
	coin         string
	rpc          *RPCClient
	cfg          Config
	coinCfg      CoinConfig
	payoutScript []byte

	mu     sync.RWMutex
	curJob *Job

	extraID uint32

	subsMu sync.Mutex
	subs   map[chan *Job]struct{}

	zmqHealthy     atomic.Bool
	zmqDisconnects uint64
	zmqReconnects  uint64

	lastErrMu         sync.RWMutex
	lastErr           error
	lastErrAt         time.Time
	lastJobSuccess    time.Time
	jobFeedErrHistory []string

	// Refresh coordination to prevent duplicate refreshes from poll/longpoll/ZMQ.
	refreshMu          sync.Mutex
	lastRefreshAttempt time.Time

	notifyQueue chan *Job
	notifyWg    sizedwaitgroup.SizedWaitGroup
}

func NewJobManager(rpc *RPCClient, cfg Config, coinCfg CoinConfig, payoutScript []byte) *JobManager {
	return &JobManager{
		coin:         coinCfg.Coin,
		rpc:          rpc,
		cfg:          cfg,
		coinCfg:      coinCfg,
		payoutScript: payoutScript,
		subs:         make(map[chan *Job]struct{}),
		notifyQueue:  make(chan *Job, 100),
	}
}

type JobFeedStatus struct {
	Ready          bool
	LastSuccess    time.Time
	LastError      error
	LastErrorAt    time.Time
	ErrorHistory   []string
	ZMQHealthy     bool
	ZMQDisconnects uint64
	ZMQReconnects  uint64
}

func (jm *JobManager) recordJobError(err error) {
	if err == nil {
		return
	}
	jm.lastErrMu.Lock()
	jm.lastErr = err
	jm.lastErrAt = time.Now()
	jm.appendJobFeedError(err.Error())
	jm.lastErrMu.Unlock()
}

func (jm *JobManager) appendJobFeedError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	jm.jobFeedErrHistory = append(jm.jobFeedErrHistory, msg)
	if len(jm.jobFeedErrHistory) > jobFeedErrorHistorySize {
		jm.jobFeedErrHistory = jm.jobFeedErrHistory[len(jm.jobFeedErrHistory)-jobFeedErrorHistorySize:]
	}
}

func (jm *JobManager) recordJobSuccess(job *Job) {
	jm.lastErrMu.Lock()
	jm.lastErr = nil
	jm.lastErrAt = time.Time{}
	if job != nil && !job.CreatedAt.IsZero() {
		jm.lastJobSuccess = job.CreatedAt
	} else {
		jm.lastJobSuccess = time.Now()
	}
	jm.lastErrMu.Unlock()
}

func (jm *JobManager) FeedStatus() JobFeedStatus {
	jm.lastErrMu.RLock()
	lastErr := jm.lastErr
	lastErrAt := jm.lastErrAt
	lastSuccess := jm.lastJobSuccess
	errorHistory := append([]string(nil), jm.jobFeedErrHistory...)
	jm.lastErrMu.RUnlock()

	jm.mu.RLock()
	cur := jm.curJob
	jm.mu.RUnlock()

	if lastSuccess.IsZero() && cur != nil && !cur.CreatedAt.IsZero() {
		lastSuccess = cur.CreatedAt
	}

	return JobFeedStatus{
		Ready:          cur != nil,
		LastSuccess:    lastSuccess,
		LastError:      lastErr,
		LastErrorAt:    lastErrAt,
		ErrorHistory:   errorHistory,
		ZMQHealthy:     jm.zmqHealthy.Load(),
		ZMQDisconnects: atomic.LoadUint64(&jm.zmqDisconnects),
		ZMQReconnects:  atomic.LoadUint64(&jm.zmqReconnects),
	}
}

func (jm *JobManager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	numWorkers := runtime.NumCPU()
	jm.notifyWg = sizedwaitgroup.New(numWorkers)
	for i := 0; i < numWorkers; i++ {
		jm.notifyWg.Add()
		go jm.notificationWorker(ctx, i)
	}
	logger.Info("started job notification workers", "coin", jm.coin, "count", numWorkers)

	if err := jm.refreshJobCtx(ctx); err != nil {
		logger.Error("initial job refresh error", "coin", jm.coin, "error", err)
	}

	go jm.pollLoop(ctx)
	go jm.longpollLoop(ctx)
	if jm.coinCfg.ZMQBlockAddr != "" {
		go jm.zmqBlockLoop(ctx)
	}
}

func (jm *JobManager) refreshJobCtx(ctx context.Context) error {
	return jm.refreshJob(ctx, false)
}

// refreshJobCtxForce bypasses the debounce. Used on block notifications,
// where the template is known to have changed.
func (jm *JobManager) refreshJobCtxForce(ctx context.Context) error {
	return jm.refreshJob(ctx, true)
}

func (jm *JobManager) refreshJob(ctx context.Context, force bool) error {
	jm.refreshMu.Lock()
	if !force && time.Since(jm.lastRefreshAttempt) < 100*time.Millisecond {
		jm.refreshMu.Unlock()
		return nil
	}
	jm.lastRefreshAttempt = time.Now()
	jm.refreshMu.Unlock()

	params := map[string]interface{}{
		"rules": []string{"segwit"},
	}
	tpl, err := jm.fetchTemplateCtx(ctx, params, false)
	if err != nil {
		jm.recordJobError(err)
		return err
	}
	return jm.refreshFromTemplate(ctx, tpl)
}

func (jm *JobManager) fetchTemplateCtx(ctx context.Context, params map[string]interface{}, useLongPoll bool) (GetBlockTemplateResult, error) {
	var tpl GetBlockTemplateResult
	var err error
	if useLongPoll {
		err = jm.rpc.callLongPollCtx(ctx, "getblocktemplate", []interface{}{params}, &tpl)
	} else {
		err = jm.rpc.callCtx(ctx, "getblocktemplate", []interface{}{params}, &tpl)
	}
	return tpl, err
}

func (jm *JobManager) refreshFromTemplate(ctx context.Context, tpl GetBlockTemplateResult) error {
	clean := jm.templateChanged(tpl)
	job, err := jm.buildJob(ctx, tpl)
	if err != nil {
		jm.recordJobError(err)
		return err
	}
	job.Clean = clean

	jm.mu.Lock()
	jm.curJob = job
	jm.mu.Unlock()

	jm.recordJobSuccess(job)
	logger.Info("new job", "coin", jm.coin, "height", tpl.Height, "job_id", job.JobID, "bits", tpl.Bits, "txs", len(tpl.Transactions))
	jm.broadcastJob(job)
	return nil
}

func (jm *JobManager) buildJob(ctx context.Context, tpl GetBlockTemplateResult) (*Job, error) {
	if len(jm.payoutScript) == 0 {
		return nil, fmt.Errorf("payout script not configured")
	}

	if err := jm.ensureTemplateFresh(ctx, tpl); err != nil {
		return nil, err
	}

	target, err := validateBits(tpl.Bits, tpl.Target)
	if err != nil {
		return nil, err
	}

	txids, err := validateTransactions(tpl.Transactions)
	if err != nil {
		return nil, err
	}
	merkleBranches := buildMerkleBranches(txids)

	if len(tpl.Previous) != 64 {
		return nil, fmt.Errorf("previousblockhash hex must be 64 chars")
	}
	var prevLE [32]byte
	if n, err := hex.Decode(prevLE[:], []byte(tpl.Previous)); err != nil || n != 32 {
		return nil, fmt.Errorf("decode previousblockhash: %w", err)
	}
	reverseBytes32(&prevLE)

	bitsValue, err := parseUint32BEHex(tpl.Bits)
	if err != nil {
		return nil, fmt.Errorf("decode bits: %w", err)
	}

	var flagsBytes []byte
	if tpl.CoinbaseAux.Flags != "" {
		b, err := hex.DecodeString(tpl.CoinbaseAux.Flags)
		if err != nil {
			return nil, fmt.Errorf("decode coinbase flags: %w", err)
		}
		flagsBytes = b
	}

	var commitScript []byte
	if tpl.DefaultWitnessCommitment != "" {
		b, err := hex.DecodeString(tpl.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("decode witness commitment: %w", err)
		}
		commitScript = b
	}

	scriptTime := time.Now().Unix()
	spec := coinbaseSpec{
		Height:           tpl.Height,
		Value:            tpl.CoinbaseValue,
		PayoutScript:     jm.payoutScript,
		CommitmentScript: commitScript,
		FlagsBytes:       flagsBytes,
		Tag:              jm.coinCfg.CoinbaseTag,
		ScriptTime:       scriptTime,
		Extranonce2Size:  jm.cfg.Extranonce2Size,
	}

	coinb1, coinb2, err := buildCoinbaseParts(spec)
	if err != nil {
		return nil, fmt.Errorf("coinbase parts: %w", err)
	}

	job := &Job{
		JobID:           fmt.Sprintf("%x", time.Now().UnixNano()),
		Coin:            jm.coin,
		Template:        tpl,
		Target:          target,
		CreatedAt:       time.Now(),
		Extranonce2Size: jm.cfg.Extranonce2Size,
		Coinb1:          coinb1,
		Coinb2:          coinb2,
		MerkleBranches:  merkleBranches,
		Transactions:    tpl.Transactions,
		TransactionIDs:  txids,
		VersionMask:     defaultVersionMask,
		PrevHash:        tpl.Previous,
		ScriptTime:      scriptTime,
		prevHashLE:      prevLE,
		bitsValue:       bitsValue,
		cbSpec:          spec,
	}
	return job, nil
}

func (jm *JobManager) ensureTemplateFresh(ctx context.Context, tpl GetBlockTemplateResult) error {
	if tpl.CurTime <= 0 {
		return fmt.Errorf("template curtime invalid: %d", tpl.CurTime)
	}

	best, err := jm.rpc.GetBestBlockHash(ctx)
	if err != nil {
		return fmt.Errorf("getbestblockhash: %w", err)
	}

	if tpl.Previous != "" && best != nil && tpl.Previous != best.String() {
		return fmt.Errorf("%w: prev hash %s does not match best %s", errStaleTemplate, tpl.Previous, best)
	}

	jm.mu.RLock()
	cur := jm.curJob
	jm.mu.RUnlock()
	if cur != nil && tpl.Height < cur.Template.Height {
		return fmt.Errorf("%w: template height regressed from %d to %d", errStaleTemplate, cur.Template.Height, tpl.Height)
	}
	return nil
}

func validateTransactions(txs []GBTTransaction) ([][]byte, error) {
	txids := make([][]byte, len(txs))
	for i, tx := range txs {
		if len(tx.Txid) != 64 {
			return nil, fmt.Errorf("tx %d has invalid txid length: %d bytes", i, len(tx.Txid)/2)
		}
		txidBytes, err := hex.DecodeString(tx.Txid)
		if err != nil {
			return nil, fmt.Errorf("decode txid %s: %w", tx.Txid, err)
		}

		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("decode tx %d data: %w", i, err)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("tx %d data empty", i)
		}

		base, hasWitness, err := stripWitnessData(raw)
		if err != nil {
			return nil, fmt.Errorf("tx %d decode: %w", i, err)
		}

		hashInput := raw
		if hasWitness {
			hashInput = base
		}

		computedRaw := doubleSHA256(hashInput)
		if !bytes.Equal(reverseBytes(computedRaw), txidBytes) {
			return nil, fmt.Errorf("tx %d txid mismatch with provided data", i)
		}

		// Branches are fed to the chained double-SHA in internal byte order.
		txids[i] = computedRaw
	}
	return txids, nil
}

func validateBits(bitsStr, targetStr string) (*big.Int, error) {
	if len(bitsStr) != 8 {
		return nil, fmt.Errorf("bits must be 8 hex characters, got %d", len(bitsStr))
	}
	target, err := targetFromBits(bitsStr)
	if err != nil {
		return nil, err
	}
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("bits produced non-positive target")
	}
	if targetStr == "" {
		return target, nil
	}

	tplTarget := new(big.Int)
	if _, ok := tplTarget.SetString(targetStr, 16); !ok {
		return nil, fmt.Errorf("invalid template target %s", targetStr)
	}
	if tplTarget.Sign() <= 0 {
		return nil, fmt.Errorf("template target non-positive")
	}
	if tplTarget.Cmp(target) != 0 {
		return nil, fmt.Errorf("bits target %s mismatches template target %s", target.Text(16), tplTarget.Text(16))
	}
	return target, nil
}

// templateChanged reports whether tpl represents new work relative to the
// current job. Only previousblockhash, height, bits, or the tx set count:
// curtime drift alone does not invalidate outstanding jobs.
func (jm *JobManager) templateChanged(tpl GetBlockTemplateResult) bool {
	jm.mu.RLock()
	cur := jm.curJob
	jm.mu.RUnlock()

	if cur == nil {
		return true
	}
	prev := cur.Template

	if tpl.Previous != prev.Previous ||
		tpl.Height != prev.Height ||
		tpl.Bits != prev.Bits {
		return true
	}

	if len(tpl.Transactions) != len(prev.Transactions) {
		return true
	}
	for i, tx := range tpl.Transactions {
		if tx.Txid != prev.Transactions[i].Txid {
			return true
		}
	}
	return false
}

func (jm *JobManager) CurrentJob() *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.curJob
}

func (jm *JobManager) Ready() bool {
	return jm.CurrentJob() != nil
}

func (jm *JobManager) NextExtranonce1() []byte {
	id := atomic.AddUint32(&jm.extraID, 1)
	var buf [coinbaseExtranonce1Size]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return buf[:]
}

func (jm *JobManager) Subscribe() chan *Job {
	ch := make(chan *Job, jobSubscriberBuffer)
	jm.subsMu.Lock()
	jm.subs[ch] = struct{}{}
	jm.subsMu.Unlock()
	return ch
}

func (jm *JobManager) Unsubscribe(ch chan *Job) {
	jm.subsMu.Lock()
	delete(jm.subs, ch)
	close(ch)
	jm.subsMu.Unlock()
}

func (jm *JobManager) ActiveMiners() int {
	jm.subsMu.Lock()
	defer jm.subsMu.Unlock()
	return len(jm.subs)
}

func (jm *JobManager) broadcastJob(job *Job) {
	select {
	case jm.notifyQueue <- job:
	default:
		// Queue full; fall back to a synchronous broadcast.
		logger.Warn("notification queue full, falling back to sync broadcast", "coin", jm.coin)
		jm.broadcastJobSync(job)
	}
}

func (jm *JobManager) broadcastJobSync(job *Job) {
	jm.subsMu.Lock()
	blocked := 0
	subscribers := len(jm.subs)
	for ch := range jm.subs {
		select {
		case ch <- job:
		default:
			blocked++
		}
	}
	jm.subsMu.Unlock()

	if blocked > 0 {
		logger.Warn("job broadcast blocked; dropping update", "coin", jm.coin, "subscribers", subscribers, "blocked", blocked)
	}
}

func (jm *JobManager) notificationWorker(ctx context.Context, workerID int) {
	defer jm.notifyWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jm.notifyQueue:
			if !ok {
				return
			}

			jm.subsMu.Lock()
			blocked := 0
			subscriberCount := len(jm.subs)
			for ch := range jm.subs {
				select {
				case ch <- job:
				default:
					blocked++
				}
			}
			jm.subsMu.Unlock()

			if blocked > 0 {
				logger.Warn("job broadcast blocked; dropping update", "coin", jm.coin, "worker", workerID, "subscribers", subscriberCount, "blocked", blocked)
			}
		}
	}
}
