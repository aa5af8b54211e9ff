package main

// submitRejectReason classifies invalid submissions so reason strings stay
// stable and centralized.
type submitRejectReason int

const (
	rejectUnknown submitRejectReason = iota
	rejectUnauthorized
	rejectInvalidExtranonce2
	rejectInvalidNTime
	rejectInvalidNonce
	rejectInvalidCoinbase
	rejectInvalidMerkle
	rejectInvalidVersion
	rejectStaleJob
	rejectDuplicateShare
	rejectLowDiff
)

func (r submitRejectReason) String() string {
	switch r {
	case rejectUnauthorized:
		return "unauthorized worker"
	case rejectInvalidExtranonce2:
		return "invalid extranonce2"
	case rejectInvalidNTime:
		return "invalid ntime"
	case rejectInvalidNonce:
		return "invalid nonce"
	case rejectInvalidCoinbase:
		return "invalid coinbase"
	case rejectInvalidMerkle:
		return "invalid merkle"
	case rejectInvalidVersion:
		return "invalid version"
	case rejectStaleJob:
		return "stale job"
	case rejectDuplicateShare:
		return "duplicate share"
	case rejectLowDiff:
		return "low difficulty share"
	default:
		return "unknown"
	}
}

func (mc *MinerConn) trackJob(job *Job, clean bool) {
	mc.jobMu.Lock()
	defer mc.jobMu.Unlock()
	if clean {
		mc.activeJobs = make(map[string]*Job, mc.maxRecentJobs)
		mc.jobOrder = mc.jobOrder[:0]
		mc.jobDifficulty = make(map[string]float64, mc.maxRecentJobs)
	}
	if _, ok := mc.activeJobs[job.JobID]; !ok {
		mc.jobOrder = append(mc.jobOrder, job.JobID)
	}
	mc.activeJobs[job.JobID] = job

	for len(mc.jobOrder) > mc.maxRecentJobs && len(mc.jobOrder) > 0 {
		oldest := mc.jobOrder[0]
		mc.jobOrder = mc.jobOrder[1:]
		delete(mc.activeJobs, oldest)
		delete(mc.jobDifficulty, oldest)
	}
}

func (mc *MinerConn) jobForID(jobID string) (*Job, bool) {
	mc.jobMu.Lock()
	defer mc.jobMu.Unlock()
	job, ok := mc.activeJobs[jobID]
	return job, ok
}

func (mc *MinerConn) setJobDifficulty(jobID string, diff float64) {
	if jobID == "" || diff <= 0 {
		return
	}
	mc.jobMu.Lock()
	if mc.jobDifficulty == nil {
		mc.jobDifficulty = make(map[string]float64)
	}
	mc.jobDifficulty[jobID] = diff
	mc.jobMu.Unlock()
}

// assignedDifficulty returns the difficulty in effect when the job was sent
// to this miner. Falls back to the live difficulty when unknown.
func (mc *MinerConn) assignedDifficulty(jobID string) float64 {
	curDiff := mc.currentDifficulty()
	if jobID == "" {
		return curDiff
	}
	mc.jobMu.Lock()
	diff, ok := mc.jobDifficulty[jobID]
	mc.jobMu.Unlock()
	if ok && diff > 0 {
		return diff
	}
	return curDiff
}

func (mc *MinerConn) cleanFlagFor(job *Job) bool {
	mc.jobMu.Lock()
	defer mc.jobMu.Unlock()
	if len(mc.jobOrder) == 0 {
		return true
	}
	last := mc.activeJobs[mc.jobOrder[len(mc.jobOrder)-1]]
	if last == nil {
		return true
	}
	return last.Template.Previous != job.Template.Previous || last.Template.Height != job.Template.Height
}

func (mc *MinerConn) isDuplicateShare(jobID, extranonce2, ntime, nonce string, version uint32) bool {
	var dk duplicateShareKey
	makeDuplicateShareKey(&dk, jobID, extranonce2, ntime, nonce, version)
	mc.dupMu.Lock()
	defer mc.dupMu.Unlock()
	return mc.dupSet.seenOrAdd(dk)
}
