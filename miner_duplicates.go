package main

import "sync"

// duplicateShareKey is a compact, comparable representation of a share
// submission. It stores a bounded prefix of the concatenated job id,
// extranonce2, ntime, nonce, and version fields.
type duplicateShareKey struct {
	n   uint8
	buf [maxDuplicateShareKeyBytes]byte
}

// duplicateShareSet detects resubmitted shares with a bounded history.
// Oldest entries are evicted in 10% batches when at capacity.
type duplicateShareSet struct {
	mu    sync.Mutex
	m     map[duplicateShareKey]struct{}
	order []duplicateShareKey
}

func makeDuplicateShareKey(dst *duplicateShareKey, jobID, extranonce2, ntime, nonce string, version uint32) {
	*dst = duplicateShareKey{}
	write := func(s string) {
		for i := 0; i < len(s) && int(dst.n) < maxDuplicateShareKeyBytes; i++ {
			dst.buf[dst.n] = s[i]
			dst.n++
		}
	}
	sep := func() {
		if dst.n < maxDuplicateShareKeyBytes {
			dst.buf[dst.n] = ':'
			dst.n++
		}
	}
	writeUint32Hex := func(v uint32) {
		const hexChars = "0123456789abcdef"
		for shift := 28; shift >= 0 && int(dst.n) < maxDuplicateShareKeyBytes; shift -= 4 {
			dst.buf[dst.n] = hexChars[int((v>>uint(shift))&0xF)]
			dst.n++
		}
	}
	write(jobID)
	sep()
	write(extranonce2)
	sep()
	write(ntime)
	sep()
	write(nonce)
	sep()
	writeUint32Hex(version)
}

// seenOrAdd reports whether key has already been seen, and records it if not.
func (s *duplicateShareSet) seenOrAdd(key duplicateShareKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.m == nil {
		s.m = make(map[duplicateShareKey]struct{}, duplicateShareHistory)
		s.order = make([]duplicateShareKey, 0, duplicateShareHistory)
	}

	if _, seen := s.m[key]; seen {
		return true
	}

	if len(s.order) >= duplicateShareHistory {
		evictCount := max(duplicateShareHistory/10, 1)
		for i := 0; i < evictCount; i++ {
			delete(s.m, s.order[i])
		}
		s.order = s.order[evictCount:]
	}

	s.m[key] = struct{}{}
	s.order = append(s.order, key)

	return false
}
