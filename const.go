package main

import "time"

const (
	maxStratumMessageSize = 64 * 1024
	stratumWriteTimeout   = 60 * time.Second
	minMinerTimeout       = 60 * time.Second
	minerIdleTimeout      = 10 * time.Minute
	defaultVersionMask    = uint32(0x1fffe000)

	// defaultRecentJobs is how many recent jobs a connection may still
	// submit shares against before they go stale.
	defaultRecentJobs = 4

	// Input validation limits for miner-provided fields
	maxMinerClientIDLen = 256 // mining.subscribe client identifier
	maxWorkerNameLen    = 256 // mining.authorize and submit worker name
	maxJobIDLen         = 128 // submit job_id parameter
	maxVersionHexLen    = 8   // submit version_bits parameter (4-byte hex)

	maxDuplicateShareKeyBytes = 64
	duplicateShareHistory     = 2048

	// maxMalformedRequests is how many unparseable lines a connection may
	// send before it is dropped. Each one gets a JSON-RPC error response
	// first so a miner with a transient framing bug can recover.
	maxMalformedRequests = 10

	// Minimum time between difficulty changes so shares in flight against the
	// old target still land inside the grace window.
	minDiffChangeInterval = 60 * time.Second

	// stratumMaxFeedLag is how stale the job feed may get before the gateway
	// reports itself unready.
	stratumMaxFeedLag = 5 * time.Minute

	// Share trace ring capacities. The global ring keeps recent shares across
	// all workers of a coin; each worker additionally keeps its own short ring.
	shareTraceGlobalCapacity    = 5000
	shareTracePerWorkerCapacity = 200

	// shareTraceCIDLen is the hex length of the deterministic share
	// correlation ID carried through receipt/evaluated/result log lines.
	shareTraceCIDLen = 16
)

const (
	defaultZMQReceiveTimeout     = 5 * time.Second
	defaultZMQConnectTimeout     = 10 * time.Second
	defaultZMQReconnectInterval  = 250 * time.Millisecond
	defaultZMQReconnectMax       = 5 * time.Second
	defaultZMQRecreateBackoffMin = time.Second
	defaultZMQRecreateBackoffMax = 30 * time.Second
)
