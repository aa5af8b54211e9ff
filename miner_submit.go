package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"math/bits"
	"strings"
	"time"
)

type submitParams struct {
	worker           string
	jobID            string
	extranonce2      string
	ntime            string
	nonce            string
	submittedVersion uint32
	haveVersion      bool
}

// shareContext is the result of hashing one submission: everything the
// accept/reject decision needs, computed exactly once per share.
type shareContext struct {
	hashHex    string
	shareDiff  float64
	isBlock    bool
	header     []byte
	cbTx       []byte
	merkleRoot []byte
}

// shareOutcome is the final verdict for one evaluated share. finishShare turns
// it into the trace entry, the share_metrics row, and the result log line.
type shareOutcome struct {
	accepted     bool
	isBlock      bool
	reason       string
	shareDiff    float64
	creditedDiff float64
	hashHex      string
}

func (mc *MinerConn) handleSubmit(req *StratumRequest) {
	now := time.Now()
	task, ok := mc.prepareSubmissionTask(req, now)
	if !ok {
		return
	}
	logger.Info("share received",
		"cid", task.cid,
		"miner", mc.minerName(task.workerName),
		"job", task.jobID,
		"extranonce2", task.extranonce2,
		"ntime", task.ntime,
		"nonce", task.nonce,
	)
	mc.srv.pool.submit(task)
}

// rejectSubmit handles a pre-evaluation rejection: the share never reached the
// hashing stage, so it gets a stats entry and an error response but no trace.
func (mc *MinerConn) rejectSubmit(reqID any, worker string, reason submitRejectReason, code int, msg string, now time.Time) {
	logger.Warn("submit rejected: "+reason.String(), "remote", mc.id, "worker", worker)
	mc.recordShare(worker, false, 0, 0, now)
	mc.writeResponse(StratumResponse{ID: reqID, Result: false, Error: newStratumError(code, msg)})
}

func (mc *MinerConn) parseSubmitParams(req *StratumRequest, now time.Time) (submitParams, bool) {
	var out submitParams

	if len(req.Params) < 5 || len(req.Params) > 6 {
		logger.Warn("submit invalid params", "remote", mc.id, "count", len(req.Params))
		mc.recordShare("", false, 0, 0, now)
		mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(20, "invalid params")})
		return out, false
	}

	fields := make([]string, 0, 6)
	for i, p := range req.Params {
		s, ok := p.(string)
		if !ok {
			mc.recordShare("", false, 0, 0, now)
			mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(20, fmt.Sprintf("invalid param %d", i))})
			return out, false
		}
		fields = append(fields, s)
	}

	worker := fields[0]
	if len(worker) == 0 {
		mc.recordShare("", false, 0, 0, now)
		mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(20, "worker name required")})
		return out, false
	}
	if len(worker) > maxWorkerNameLen {
		logger.Warn("submit rejected: worker name too long", "remote", mc.id, "len", len(worker))
		mc.recordShare("", false, 0, 0, now)
		mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(20, "worker name too long")})
		return out, false
	}

	jobID := fields[1]
	if len(jobID) == 0 {
		mc.recordShare(worker, false, 0, 0, now)
		mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(20, "job id required")})
		return out, false
	}
	if len(jobID) > maxJobIDLen {
		logger.Warn("submit rejected: job id too long", "remote", mc.id, "len", len(jobID))
		mc.recordShare(worker, false, 0, 0, now)
		mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(20, "job id too long")})
		return out, false
	}

	out.worker = worker
	out.jobID = jobID
	out.extranonce2 = fields[2]
	out.ntime = fields[3]
	out.nonce = fields[4]

	if len(fields) == 6 {
		verStr := fields[5]
		if len(verStr) == 0 || len(verStr) > maxVersionHexLen {
			mc.recordShare(worker, false, 0, 0, now)
			mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(20, "invalid version")})
			return out, false
		}
		verVal, err := parseUint32BEHex(verStr)
		if err != nil {
			mc.recordShare(worker, false, 0, 0, now)
			mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(20, "invalid version")})
			return out, false
		}
		out.submittedVersion = verVal
		out.haveVersion = true
	}
	return out, true
}

// prepareSubmissionTask validates a mining.submit request against the
// connection state and, if valid, returns a task for the worker pool. On any
// validation failure it writes the response and returns ok=false.
func (mc *MinerConn) prepareSubmissionTask(req *StratumRequest, now time.Time) (submissionTask, bool) {
	params, ok := mc.parseSubmitParams(req, now)
	if !ok {
		return submissionTask{}, false
	}

	if !mc.isAuthorized() {
		mc.rejectSubmit(req.ID, params.worker, rejectUnauthorized, 24, "unauthorized worker", now)
		return submissionTask{}, false
	}

	authorizedWorker := strings.TrimSpace(mc.currentWorker())
	submitWorker := strings.TrimSpace(params.worker)
	if authorizedWorker != "" && submitWorker != authorizedWorker {
		logger.Warn("submit rejected: worker mismatch", "remote", mc.id, "authorized", authorizedWorker, "submitted", submitWorker)
		mc.recordShare(authorizedWorker, false, 0, 0, now)
		mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(24, "unauthorized worker")})
		return submissionTask{}, false
	}
	workerName := authorizedWorker
	if workerName == "" {
		workerName = params.worker
	}

	job, ok := mc.jobForID(params.jobID)
	if !ok || job == nil {
		mc.rejectSubmit(req.ID, workerName, rejectStaleJob, 21, "job not found", now)
		return submissionTask{}, false
	}

	policy := submitPolicyReject{reason: rejectUnknown}

	if len(params.extranonce2) != job.Extranonce2Size*2 {
		logger.Warn("submit invalid extranonce2 length", "remote", mc.id, "got", len(params.extranonce2)/2, "expected", job.Extranonce2Size)
		mc.rejectSubmit(req.ID, workerName, rejectInvalidExtranonce2, 20, "invalid extranonce2", now)
		return submissionTask{}, false
	}
	en2, err := hex.DecodeString(params.extranonce2)
	if err != nil {
		mc.rejectSubmit(req.ID, workerName, rejectInvalidExtranonce2, 20, "invalid extranonce2", now)
		return submissionTask{}, false
	}

	if len(params.ntime) != 8 {
		mc.rejectSubmit(req.ID, workerName, rejectInvalidNTime, 20, "invalid ntime", now)
		return submissionTask{}, false
	}
	// ntime travels as big-endian hex on the wire.
	ntimeVal, err := parseUint32BEHex(params.ntime)
	if err != nil {
		mc.rejectSubmit(req.ID, workerName, rejectInvalidNTime, 20, "invalid ntime", now)
		return submissionTask{}, false
	}
	// ntime must sit at or after the template time and may roll forward only a
	// short distance. Policy-only: a block-grade share still gets submitted.
	minNTime := job.Template.CurTime
	if job.Template.Mintime > 0 && job.Template.Mintime > minNTime {
		minNTime = job.Template.Mintime
	}
	slack := mc.cfg.NTimeForwardSlackSeconds
	if slack <= 0 {
		slack = defaultNTimeForwardSlackSecs
	}
	maxNTime := minNTime + int64(slack)
	if int64(ntimeVal) < minNTime || int64(ntimeVal) > maxNTime {
		logger.Warn("submit ntime outside window (policy)", "remote", mc.id, "ntime", ntimeVal, "min", minNTime, "max", maxNTime)
		if policy.reason == rejectUnknown {
			policy = submitPolicyReject{reason: rejectInvalidNTime, errCode: 20, errMsg: "invalid ntime"}
		}
	}

	if len(params.nonce) != 8 {
		mc.rejectSubmit(req.ID, workerName, rejectInvalidNonce, 20, "invalid nonce", now)
		return submissionTask{}, false
	}
	nonceVal, err := parseUint32BEHex(params.nonce)
	if err != nil {
		mc.rejectSubmit(req.ID, workerName, rejectInvalidNonce, 20, "invalid nonce", now)
		return submissionTask{}, false
	}

	// Version rolling: some firmware sends the delta (rolled ^ base), others
	// the full rolled version. Values that fit entirely inside the negotiated
	// mask are treated as a delta.
	baseVersion := uint32(job.Template.Version)
	useVersion := baseVersion
	versionDiff := uint32(0)
	if params.haveVersion && params.submittedVersion != 0 {
		if params.submittedVersion&^mc.versionMask == 0 {
			useVersion = baseVersion ^ params.submittedVersion
			versionDiff = params.submittedVersion
		} else {
			useVersion = params.submittedVersion
			versionDiff = useVersion ^ baseVersion
		}
	}
	if versionDiff != 0 && !mc.versionRoll {
		logger.Warn("submit version rolling disabled (policy)", "remote", mc.id, "diff", fmt.Sprintf("%08x", versionDiff))
		if policy.reason == rejectUnknown {
			policy = submitPolicyReject{reason: rejectInvalidVersion, errCode: 20, errMsg: "version rolling not enabled"}
		}
	}
	if versionDiff&^mc.versionMask != 0 {
		logger.Warn("submit version outside mask (policy)", "remote", mc.id, "version", fmt.Sprintf("%08x", useVersion), "mask", fmt.Sprintf("%08x", mc.versionMask))
		if policy.reason == rejectUnknown {
			policy = submitPolicyReject{reason: rejectInvalidVersion, errCode: 20, errMsg: "invalid version mask"}
		}
	}
	if versionDiff != 0 && mc.minVerBits > 0 && bits.OnesCount32(versionDiff&mc.versionMask) < mc.minVerBits {
		logger.Warn("submit insufficient version rolling bits (policy)", "remote", mc.id, "version", fmt.Sprintf("%08x", useVersion), "required_bits", mc.minVerBits)
		if policy.reason == rejectUnknown {
			policy = submitPolicyReject{reason: rejectInvalidVersion, errCode: 20, errMsg: "insufficient version bits"}
		}
	}

	task := submissionTask{
		mc:          mc,
		reqID:       req.ID,
		job:         job,
		jobID:       params.jobID,
		workerName:  workerName,
		extranonce2: params.extranonce2,
		en2:         en2,
		ntime:       params.ntime,
		ntimeVal:    ntimeVal,
		nonce:       params.nonce,
		nonceVal:    nonceVal,
		versionHex:  fmt.Sprintf("%08x", useVersion),
		useVersion:  useVersion,
		cid:         shareTraceCID(mc.srv.coin, workerName, params.jobID, params.extranonce2, params.ntime, params.nonce),
		policy:      policy,
		receivedAt:  now,
	}
	return task, true
}

func (mc *MinerConn) processSubmissionTask(task submissionTask) {
	ctx, ok := mc.prepareShareContext(&task)
	if !ok {
		return
	}
	mc.processShare(&task, ctx)
}

// prepareShareContext rebuilds the coinbase with this connection's extranonce1
// and the submitted extranonce2, folds it through the job's merkle branches,
// and hashes the resulting header. Failures here are hard rejects.
func (mc *MinerConn) prepareShareContext(task *submissionTask) (shareContext, bool) {
	job := task.job
	now := task.receivedAt

	if job == nil || job.Extranonce2Size <= 0 || len(task.en2) != job.Extranonce2Size {
		mc.finishShare(task, shareOutcome{reason: rejectInvalidExtranonce2.String()})
		mc.recordShare(task.workerName, false, 0, 0, now)
		mc.writeResponse(StratumResponse{ID: task.reqID, Result: false, Error: newStratumError(20, "invalid extranonce2")})
		return shareContext{}, false
	}

	cbTx, cbTxid, err := serializeCoinbaseTx(job.coinbaseSpec(), mc.extranonce1, task.en2)
	if err != nil || len(cbTxid) != 32 {
		logger.Warn("submit coinbase rebuild failed", "remote", mc.id, "error", err)
		mc.finishShare(task, shareOutcome{reason: rejectInvalidCoinbase.String()})
		mc.recordShare(task.workerName, false, 0, 0, now)
		mc.writeResponse(StratumResponse{ID: task.reqID, Result: false, Error: newStratumError(20, "invalid coinbase")})
		return shareContext{}, false
	}

	merkleRoot := computeMerkleRootFromBranches(cbTxid, job.MerkleBranches)
	if merkleRoot == nil {
		logger.Warn("submit merkle build failed", "remote", mc.id)
		mc.finishShare(task, shareOutcome{reason: rejectInvalidMerkle.String()})
		mc.recordShare(task.workerName, false, 0, 0, now)
		mc.writeResponse(StratumResponse{ID: task.reqID, Result: false, Error: newStratumError(20, "invalid merkle")})
		return shareContext{}, false
	}

	header, err := job.buildBlockHeader(merkleRoot, task.ntimeVal, task.nonceVal, int32(task.useVersion))
	if err != nil {
		logger.Error("submit header build error", "remote", mc.id, "error", err)
		mc.finishShare(task, shareOutcome{reason: rejectInvalidCoinbase.String()})
		mc.recordShare(task.workerName, false, 0, 0, now)
		mc.writeResponse(StratumResponse{ID: task.reqID, Result: false, Error: newStratumError(20, err.Error())})
		return shareContext{}, false
	}

	headerHashArray := doubleSHA256Array(header)
	var hashLE [32]byte
	copy(hashLE[:], headerHashArray[:])
	reverseBytes32(&hashLE)
	hashHex := hex.EncodeToString(hashLE[:])

	hashNum := new(big.Int).SetBytes(hashLE[:])
	// Boundary equality counts: a hash exactly on the target is a valid block.
	isBlock := job.Target != nil && hashNum.Cmp(job.Target) <= 0

	ctx := shareContext{
		hashHex:   hashHex,
		shareDiff: difficultyFromHash(headerHashArray[:]),
		isBlock:   isBlock,
	}
	if mc.cfg.DebugShareLog {
		ctx.header = header
		ctx.cbTx = cbTx
		ctx.merkleRoot = append([]byte(nil), merkleRoot...)
	}

	logger.Info("share evaluated",
		"cid", task.cid,
		"hash", hashHex,
		"share_diff", ctx.shareDiff,
		"is_block", isBlock,
	)
	if mc.cfg.DebugShareLog {
		logger.Debug("share debug",
			"cid", task.cid,
			"header", hex.EncodeToString(ctx.header),
			"coinbase", hex.EncodeToString(ctx.cbTx),
			"merkle_root", hex.EncodeToString(ctx.merkleRoot),
			"target", fmt.Sprintf("%064x", job.Target),
			"version", task.versionHex,
		)
	}
	return ctx, true
}

// meetsPrevDiffGrace accepts shares mined against the previous difficulty for
// a short window after a vardiff change, so work already in flight on the
// device isn't rejected.
func (mc *MinerConn) meetsPrevDiffGrace(shareDiff float64, now time.Time) bool {
	prev := mc.previousDiff()
	if prev <= 0 {
		return false
	}
	lastChange := time.Unix(0, mc.lastDiffChange.Load())
	if lastChange.IsZero() || now.Sub(lastChange) > minDiffChangeInterval {
		return false
	}
	return shareDiff/prev >= 0.98
}

func (mc *MinerConn) processShare(task *submissionTask, ctx shareContext) {
	job := task.job
	workerName := task.workerName
	now := task.receivedAt

	assignedDiff := mc.assignedDifficulty(task.jobID)
	currentDiff := mc.currentDifficulty()
	creditedDiff := assignedDiff
	if creditedDiff <= 0 {
		creditedDiff = currentDiff
	}

	if !ctx.isBlock && task.policy.reason != rejectUnknown {
		mc.finishShare(task, shareOutcome{reason: task.policy.reason.String(), shareDiff: ctx.shareDiff, hashHex: ctx.hashHex})
		mc.recordShare(workerName, false, 0, ctx.shareDiff, now)
		mc.writeResponse(StratumResponse{ID: task.reqID, Result: false, Error: newStratumError(task.policy.errCode, task.policy.errMsg)})
		return
	}

	if !ctx.isBlock && mc.isDuplicateShare(task.jobID, task.extranonce2, task.ntime, task.nonce, task.useVersion) {
		logger.Warn("duplicate share", "remote", mc.id, "job", task.jobID, "extranonce2", task.extranonce2, "ntime", task.ntime, "nonce", task.nonce)
		mc.finishShare(task, shareOutcome{reason: rejectDuplicateShare.String(), shareDiff: ctx.shareDiff, hashHex: ctx.hashHex})
		mc.recordShare(workerName, false, 0, ctx.shareDiff, now)
		mc.writeResponse(StratumResponse{ID: task.reqID, Result: false, Error: newStratumError(22, "duplicate share")})
		return
	}

	thresholdDiff := assignedDiff
	if thresholdDiff <= 0 {
		thresholdDiff = currentDiff
	}
	if !ctx.isBlock && thresholdDiff > 0 {
		ratio := ctx.shareDiff / thresholdDiff
		if ratio < 0.98 && !mc.meetsPrevDiffGrace(ctx.shareDiff, now) {
			logger.Warn("submit rejected: low difficulty",
				"miner", mc.minerName(workerName),
				"share_diff", ctx.shareDiff,
				"required_diff", thresholdDiff,
				"hash", ctx.hashHex,
			)
			mc.finishShare(task, shareOutcome{reason: rejectLowDiff.String(), shareDiff: ctx.shareDiff, hashHex: ctx.hashHex})
			mc.recordShare(workerName, false, 0, ctx.shareDiff, now)
			mc.writeResponse(StratumResponse{
				ID:     task.reqID,
				Result: false,
				Error:  []any{23, fmt.Sprintf("low difficulty share (%.6g expected %.6g)", ctx.shareDiff, assignedDiff), nil},
			})
			return
		}
	}

	if ctx.isBlock {
		mc.handleBlockShare(task, ctx, creditedDiff)
		return
	}

	mc.finishShare(task, shareOutcome{accepted: true, shareDiff: ctx.shareDiff, creditedDiff: creditedDiff, hashHex: ctx.hashHex})
	mc.recordShare(workerName, true, creditedDiff, ctx.shareDiff, now)

	// Respond first; any vardiff adjustment and follow-up notify can happen
	// after the submit is acknowledged to minimize perceived submit latency.
	mc.writeTrueResponse(task.reqID)

	if mc.maybeAdjustDifficulty(now) {
		mc.sendNotifyFor(job, true)
	}

	if logger.Enabled(logLevelInfo) {
		stats := mc.snapshotStats()
		logger.Info("share accepted",
			"miner", mc.minerName(workerName),
			"difficulty", ctx.shareDiff,
			"hash", ctx.hashHex,
			"accepted_total", stats.Accepted,
			"rejected_total", stats.Rejected,
			"worker_difficulty", stats.TotalDifficulty,
		)
	}
}

// handleBlockShare builds and submits the full block for a share that meets
// the network target. The submission deliberately ignores the connection
// context so shutdown cannot cancel an in-flight block.
func (mc *MinerConn) handleBlockShare(task *submissionTask, ctx shareContext, creditedDiff float64) {
	job := task.job
	workerName := task.workerName
	now := task.receivedAt

	blockHex, _, err := job.buildBlock(mc.extranonce1, task.en2, task.ntimeVal, task.nonceVal, int32(task.useVersion))
	if err != nil {
		logger.Error("submitblock build error", "remote", mc.id, "error", err)
		mc.finishShare(task, shareOutcome{reason: "block build failed", isBlock: true, shareDiff: ctx.shareDiff, hashHex: ctx.hashHex})
		mc.recordShare(workerName, false, 0, ctx.shareDiff, now)
		mc.writeResponse(StratumResponse{ID: task.reqID, Result: false, Error: newStratumError(20, err.Error())})
		return
	}

	reject, err := mc.submitBlockWithFastRetry(blockHex)
	if err != nil {
		logger.Error("submitblock error", "hash", ctx.hashHex, "error", err)
		mc.finishShare(task, shareOutcome{reason: "submitblock failed", isBlock: true, shareDiff: ctx.shareDiff, hashHex: ctx.hashHex})
		mc.recordShare(workerName, false, 0, ctx.shareDiff, now)
		mc.writeResponse(StratumResponse{ID: task.reqID, Result: false, Error: newStratumError(20, err.Error())})
		return
	}
	if reject != "" {
		logger.Error("block rejected by node", "hash", ctx.hashHex, "reason", reject, "height", job.Template.Height)
		mc.finishShare(task, shareOutcome{reason: "block rejected: " + reject, isBlock: true, shareDiff: ctx.shareDiff, hashHex: ctx.hashHex})
		mc.recordShare(workerName, false, 0, ctx.shareDiff, now)
		mc.writeResponse(StratumResponse{ID: task.reqID, Result: false, Error: newStratumError(20, reject)})
		return
	}

	mc.finishShare(task, shareOutcome{accepted: true, isBlock: true, shareDiff: ctx.shareDiff, creditedDiff: creditedDiff, hashHex: ctx.hashHex})
	mc.recordShare(workerName, true, creditedDiff, ctx.shareDiff, now)

	stats := mc.snapshotStats()
	logger.Info("block found",
		"miner", mc.minerName(workerName),
		"height", job.Template.Height,
		"hash", ctx.hashHex,
		"share_diff", ctx.shareDiff,
		"accepted_total", stats.Accepted,
	)
	mc.writeTrueResponse(task.reqID)

	// The chain tip just moved; refresh work immediately instead of waiting
	// for the poll or ZMQ notification.
	if mc.jobMgr != nil {
		go func() { _ = mc.jobMgr.refreshJobCtxForce(context.Background()) }()
	}
}

// submitBlockWithFastRetry races the network: a few immediate retries with a
// tiny delay, no exponential backoff. Returns the node's reject reason (empty
// when accepted) or the last transport error.
func (mc *MinerConn) submitBlockWithFastRetry(blockHex string) (string, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		var result string
		err := mc.rpc.callCtx(context.Background(), "submitblock", []any{blockHex}, &result)
		if err == nil {
			return result, nil
		}
		lastErr = err
		logger.Warn("submitblock retry", "attempt", i+1, "error", err)
		time.Sleep(50 * time.Millisecond)
	}
	return "", lastErr
}

// finishShare records the single trace entry, the share_metrics row, and the
// result log line for one evaluated share. Called exactly once per share that
// reached the hashing stage.
func (mc *MinerConn) finishShare(task *submissionTask, o shareOutcome) {
	trace := ShareTrace{
		CID:          task.cid,
		Coin:         mc.srv.coin,
		Worker:       task.workerName,
		JobID:        task.jobID,
		Extranonce2:  task.extranonce2,
		NTime:        task.ntime,
		Nonce:        task.nonce,
		Version:      task.versionHex,
		HashHex:      o.hashHex,
		ShareDiff:    o.shareDiff,
		CreditedDiff: o.creditedDiff,
		Accepted:     o.accepted,
		IsBlock:      o.isBlock,
		Reason:       o.reason,
		ReceivedAt:   task.receivedAt,
	}
	if mc.srv.traces != nil {
		mc.srv.traces.Record(trace)
	}
	if mc.srv.store != nil {
		mc.srv.store.enqueueShareMetric(shareMetricRow{
			CreatedAt:    task.receivedAt.UTC(),
			Coin:         mc.srv.coin,
			Worker:       task.workerName,
			CID:          task.cid,
			JobID:        task.jobID,
			Accepted:     o.accepted,
			IsBlock:      o.isBlock,
			ShareDiff:    o.shareDiff,
			CreditedDiff: o.creditedDiff,
			Reason:       o.reason,
			HashHex:      o.hashHex,
		})
	}
	logger.Info("share result",
		"cid", task.cid,
		"miner", mc.minerName(task.workerName),
		"accepted", o.accepted,
		"is_block", o.isBlock,
		"reason", o.reason,
		"share_diff", o.shareDiff,
	)
}
