package main

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

func (mc *MinerConn) handleSubscribe(req *StratumRequest) {
	clientID := ""
	// Many miners send a client identifier as the first subscribe parameter.
	if len(req.Params) > 0 {
		if id, ok := req.Params[0].(string); ok {
			clientID = id
		}
	}

	if mc.subscribed {
		logger.Warn("subscribe rejected: already subscribed", "remote", mc.id)
		mc.writeErrorResponse(req.ID, 20, "already subscribed")
		return
	}

	if len(clientID) > maxMinerClientIDLen {
		logger.Warn("subscribe rejected: client identifier too long", "remote", mc.id, "len", len(clientID))
		mc.writeErrorResponse(req.ID, 20, "client identifier too long")
		mc.Close("client identifier too long")
		return
	}
	if clientID != "" {
		mc.stateMu.Lock()
		mc.clientID = clientID
		mc.stateMu.Unlock()
	}

	mc.stateMu.Lock()
	mc.subscribed = true
	mc.stateMu.Unlock()

	en2Size := mc.cfg.Extranonce2Size
	if en2Size <= 0 {
		en2Size = defaultExtranonce2Size
	}
	mc.writeSubscribeResponse(req.ID, mc.extranonce1Hex, en2Size)

	// Support authorize-before-subscribe: if the miner already authorized,
	// start the listener and send work now that subscribe is done.
	if mc.isAuthorized() {
		mc.startJobListener()
		mc.sendInitialWork()
	}

	if initialJob := mc.jobMgr.CurrentJob(); initialJob != nil {
		mc.updateVersionMask(initialJob.VersionMask)
	} else {
		status := mc.jobMgr.FeedStatus()
		fields := []any{"remote", mc.id, "reason", "no job available"}
		if status.LastError != nil {
			fields = append(fields, "job_error", status.LastError.Error())
		}
		logger.Warn("miner subscribed but no job ready", fields...)
	}
}

func (mc *MinerConn) handleAuthorize(req *StratumRequest) {
	worker := ""
	if len(req.Params) > 0 {
		if w, ok := req.Params[0].(string); ok {
			worker = w
		}
	}
	worker = strings.TrimSpace(worker)

	if worker == "" {
		logger.Warn("authorize rejected: empty worker name", "remote", mc.id)
		mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(20, "worker name required")})
		mc.Close("empty worker name")
		return
	}
	if len(worker) > maxWorkerNameLen {
		logger.Warn("authorize rejected: worker name too long", "remote", mc.id, "len", len(worker))
		mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(20, "worker name too long")})
		mc.Close("worker name too long")
		return
	}

	mc.stateMu.Lock()
	mc.authorized = true
	mc.workerName = worker
	mc.stateMu.Unlock()

	mc.statsMu.Lock()
	mc.stats.Worker = worker
	mc.statsMu.Unlock()

	logger.Info("worker authorized", "coin", mc.srv.coin, "remote", mc.id, "worker", worker)
	mc.writeTrueResponse(req.ID)

	// Some miners send authorize before subscribe; hold off pool->miner
	// notifications until the subscribe handshake completes.
	if !mc.isSubscribed() {
		return
	}

	mc.startJobListener()
	mc.sendInitialWork()
}

func (mc *MinerConn) isSubscribed() bool {
	mc.stateMu.Lock()
	defer mc.stateMu.Unlock()
	return mc.subscribed
}

func (mc *MinerConn) isAuthorized() bool {
	mc.stateMu.Lock()
	defer mc.stateMu.Unlock()
	return mc.authorized
}

func (mc *MinerConn) startJobListener() {
	mc.stateMu.Lock()
	if mc.listenerOn {
		mc.stateMu.Unlock()
		return
	}
	mc.listenerOn = true
	mc.stateMu.Unlock()

	// Drain notifications buffered before the handshake finished; the
	// current job is sent explicitly right after.
	for {
		select {
		case <-mc.jobCh:
		default:
			go mc.listenJobs()
			return
		}
	}
}

func (mc *MinerConn) sendInitialWork() {
	mc.sendSetDifficulty(mc.currentDifficulty())
	if job := mc.jobMgr.CurrentJob(); job != nil {
		mc.sendNotifyFor(job, true)
	}
}

func (mc *MinerConn) suggestDifficulty(req *StratumRequest) {
	resp := StratumResponse{ID: req.ID}
	if len(req.Params) == 0 {
		// No params means no preference. Acknowledge and ignore.
		resp.Result = true
		mc.writeResponse(resp)
		return
	}

	diff, ok := parseSuggestedDifficulty(req.Params[0])
	if !ok || diff < 0 {
		resp.Error = newStratumError(20, "invalid params")
		mc.writeResponse(resp)
		return
	}
	resp.Result = true
	mc.writeResponse(resp)
	if diff == 0 {
		return
	}
	mc.applySuggestedDifficulty(diff)
}

func parseSuggestedDifficulty(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

// applySuggestedDifficulty honors only the first suggest_difficulty of a
// connection; later ones (keepalive resends) would fight vardiff.
func (mc *MinerConn) applySuggestedDifficulty(diff float64) {
	mc.stateMu.Lock()
	if mc.suggestDiffProcessed {
		mc.stateMu.Unlock()
		logger.Debug("suggest_difficulty ignored (already processed once)", "remote", mc.id)
		return
	}
	mc.suggestDiffProcessed = true
	mc.lockDifficulty = true
	mc.stateMu.Unlock()

	mc.setDifficulty(diff)
}

func normalizeOptionKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.ReplaceAll(k, "-", "")
	k = strings.ReplaceAll(k, "_", "")
	return k
}

func parseConfigureExtensions(value any) ([]string, bool) {
	raw, ok := value.([]any)
	if !ok {
		return nil, false
	}
	exts := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		exts = append(exts, s)
	}
	return exts, true
}

func parseConfigureOptions(value any) map[string]any {
	opts, _ := value.(map[string]any)
	return opts
}

func optionValueByAliases(opts map[string]any, aliases ...string) (any, bool) {
	for _, alias := range aliases {
		if v, ok := opts[alias]; ok {
			return v, true
		}
	}
	return nil, false
}

func parseUint32Hexish(value any) (uint32, bool) {
	switch v := value.(type) {
	case string:
		s := strings.TrimPrefix(strings.TrimSpace(v), "0x")
		parsed, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return 0, false
		}
		return uint32(parsed), true
	case float64:
		if v < 0 || v != math.Trunc(v) || v > math.MaxUint32 {
			return 0, false
		}
		return uint32(v), true
	default:
		return 0, false
	}
}

// handleConfigure negotiates BIP310 version rolling and a couple of common
// extension acks. Unknown extensions are explicitly denied so miners don't
// retry forever.
func (mc *MinerConn) handleConfigure(req *StratumRequest) {
	if len(req.Params) == 0 {
		mc.writeErrorResponse(req.ID, 20, "invalid params")
		return
	}

	rawExts, ok := parseConfigureExtensions(req.Params[0])
	if !ok {
		mc.writeErrorResponse(req.ID, 20, "invalid params")
		return
	}
	var opts map[string]any
	if len(req.Params) > 1 {
		opts = parseConfigureOptions(req.Params[1])
	}

	result := make(map[string]any)
	shouldSendVersionMask := false
	shouldSendExtranonce := false
	for _, ext := range rawExts {
		name := strings.TrimSpace(ext)
		switch normalizeOptionKey(name) {
		case "versionrolling":
			requestMask := mc.poolMask
			if opts != nil {
				if rawMask, found := optionValueByAliases(opts,
					"version-rolling.mask",
					"version_rolling.mask",
				); found {
					if parsed, ok := parseUint32Hexish(rawMask); ok {
						requestMask = parsed
					}
				}
			}
			mask := requestMask & mc.poolMask
			if mask == 0 {
				result["version-rolling"] = false
				mc.versionRoll = false
				mc.minerMask = requestMask
				break
			}
			available := bits.OnesCount32(mask)
			if mc.minVerBits <= 0 {
				mc.minVerBits = 1
			}
			if mc.minVerBits > available {
				mc.minVerBits = available
			}
			mc.minerMask = requestMask
			mc.versionRoll = true
			mc.versionMask = mask
			result["version-rolling"] = true
			result["version-rolling.mask"] = fmt.Sprintf("%08x", mask)
			result["version-rolling.min-bit-count"] = mc.minVerBits
			// Some cgminer-based firmwares require the very next line after
			// mining.configure to be its JSON-RPC response; queue the
			// unsolicited set_version_mask for after it.
			shouldSendVersionMask = true
		case "suggestdifficulty", "minimumdifficulty":
			result[name] = true
		case "subscribeextranonce":
			result[name] = true
			if !mc.extranonceSubscribed {
				mc.extranonceSubscribed = true
				shouldSendExtranonce = true
			}
		default:
			result[name] = false
		}
	}

	mc.writeResponse(StratumResponse{ID: req.ID, Result: result, Error: nil})
	if shouldSendVersionMask {
		mc.sendVersionMask()
	}
	if shouldSendExtranonce {
		mc.sendSetExtranonce(mc.extranonce1Hex, mc.extranonce2Size())
	}
}

func (mc *MinerConn) extranonce2Size() int {
	if mc.cfg.Extranonce2Size > 0 {
		return mc.cfg.Extranonce2Size
	}
	return defaultExtranonce2Size
}

func (mc *MinerConn) handleExtranonceSubscribe(req *StratumRequest) {
	mc.extranonceSubscribed = true
	mc.writeTrueResponse(req.ID)
	mc.sendSetExtranonce(mc.extranonce1Hex, mc.extranonce2Size())
}

func (mc *MinerConn) sendSetExtranonce(ex1 string, en2Size int) {
	msg := StratumMessage{
		ID:     nil,
		Method: "mining.set_extranonce",
		Params: []any{ex1, en2Size},
	}
	if err := mc.writeJSON(msg); err != nil {
		logger.Error("set_extranonce write error", "remote", mc.id, "error", err)
	}
}

func (mc *MinerConn) sendVersionMask() {
	msg := StratumMessage{
		ID:     nil,
		Method: "mining.set_version_mask",
		Params: []any{fmt.Sprintf("%08x", mc.versionMask)},
	}
	if err := mc.writeJSON(msg); err != nil {
		logger.Error("version mask write error", "remote", mc.id, "error", err)
	}
}

func (mc *MinerConn) updateVersionMask(poolMask uint32) bool {
	changed := false
	if mc.poolMask != poolMask {
		mc.poolMask = poolMask
		changed = true
	}

	if !mc.versionRoll {
		if mc.versionMask != poolMask {
			changed = true
		}
		mc.versionMask = poolMask
		return changed
	}

	finalMask := poolMask & mc.minerMask
	if finalMask == 0 {
		if mc.versionMask != 0 {
			changed = true
		}
		mc.versionMask = 0
		mc.versionRoll = false
		return changed
	}

	available := bits.OnesCount32(finalMask)
	if mc.minVerBits > available {
		mc.minVerBits = available
		changed = true
	}
	if mc.versionMask != finalMask {
		changed = true
	}
	mc.versionMask = finalMask
	return changed
}

// sendNotifyFor pushes one job to the miner. Notify params per the Stratum
// V1 convention: [job_id, prevhash, coinb1, coinb2, merkle_branch[],
// version, nbits, ntime, clean_jobs], with version/ntime as big-endian hex
// and prevhash word-swapped.
func (mc *MinerConn) sendNotifyFor(job *Job, forceClean bool) {
	if !mc.isSubscribed() {
		return
	}
	// Opportunistically adjust difficulty before notifying about the job.
	// If difficulty changed, force clean so the miner adopts the new target.
	if mc.maybeAdjustDifficulty(time.Now()) {
		forceClean = true
	}

	maskChanged := mc.updateVersionMask(job.VersionMask)
	if maskChanged && mc.versionRoll {
		mc.sendVersionMask()
	}

	// clean_jobs only when the template actually changed, unless forced to
	// pair with a difficulty change.
	cleanJobs := forceClean || (job.Clean && mc.cleanFlagFor(job))
	mc.trackJob(job, cleanJobs)
	mc.setJobDifficulty(job.JobID, mc.currentDifficulty())

	params := []any{
		job.JobID,
		hexToLEHex(job.PrevHash),
		job.Coinb1,
		job.Coinb2,
		job.MerkleBranches,
		int32ToBEHex(job.Template.Version),
		job.Template.Bits, // raw hex from the template, not byte-reversed
		uint32ToBEHex(uint32(job.Template.CurTime)),
		cleanJobs,
	}

	if err := mc.writeJSON(StratumMessage{ID: nil, Method: "mining.notify", Params: params}); err != nil {
		logger.Error("notify write error", "remote", mc.id, "error", err)
	}
}
