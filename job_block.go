package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// buildMerkleBranches returns the per-level left siblings of the coinbase
// path through the merkle tree, as hex strings in internal byte order. The
// coinbase occupies the first slot of the bottom layer (as a nil placeholder).
func buildMerkleBranches(txids [][]byte) []string {
	if len(txids) == 0 {
		return []string{}
	}
	layer := make([][]byte, 1+len(txids))
	layer[0] = nil
	copy(layer[1:], txids)

	steps := make([]string, 0, 16)
	L := len(layer)
	for L > 1 {
		steps = append(steps, hex.EncodeToString(layer[1]))
		if L%2 == 1 {
			layer = append(layer, layer[L-1])
			L++
		}
		// layer[1] pairs with the coinbase slot and was emitted as the step;
		// the remaining elements pair off among themselves.
		next := make([][]byte, 0, L/2)
		for i := 2; i+1 < L; i += 2 {
			joined := append(append([]byte{}, layer[i]...), layer[i+1]...)
			next = append(next, doubleSHA256(joined))
		}
		layer = append([][]byte{nil}, next...)
		L = len(layer)
	}
	return steps
}

// computeMerkleRootFromBranches folds the coinbase txid through the branch
// list, chaining raw double-SHA256 outputs. The result is the merkle root in
// internal byte order, ready to drop into the block header.
func computeMerkleRootFromBranches(coinbaseHash []byte, branches []string) []byte {
	root := coinbaseHash
	var hashBuf [32]byte
	var concatBuf [64]byte
	for _, b := range branches {
		if len(b) != 64 {
			return nil
		}
		n, err := hex.Decode(hashBuf[:], []byte(b))
		if err != nil || n != 32 {
			return nil
		}
		copy(concatBuf[:32], root)
		copy(concatBuf[32:], hashBuf[:])
		root = doubleSHA256(concatBuf[:])
	}
	return root
}

// assembleBlockHeader builds the 80-byte header:
//
//	[0:4]   version, little-endian
//	[4:36]  previous block hash, internal byte order
//	[36:68] merkle root, internal byte order
//	[68:72] ntime, little-endian
//	[72:76] bits, little-endian
//	[76:80] nonce, little-endian
func assembleBlockHeader(version int32, prevHashLE *[32]byte, merkleRoot []byte, ntime, bits, nonce uint32) ([]byte, error) {
	if len(merkleRoot) != 32 {
		return nil, fmt.Errorf("merkle root must be 32 bytes")
	}
	var hdr [80]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(version))
	copy(hdr[4:36], prevHashLE[:])
	copy(hdr[36:68], merkleRoot)
	binary.LittleEndian.PutUint32(hdr[68:72], ntime)
	binary.LittleEndian.PutUint32(hdr[72:76], bits)
	binary.LittleEndian.PutUint32(hdr[76:80], nonce)
	return hdr[:], nil
}

// buildBlockHeader constructs the header using precomputed per-job fields
// (previous hash bytes and bits). It avoids hex decoding on the share
// validation hot path.
func (job *Job) buildBlockHeader(merkleRoot []byte, ntime, nonce uint32, version int32) ([]byte, error) {
	return assembleBlockHeader(version, &job.prevHashLE, merkleRoot, ntime, job.bitsValue, nonce)
}

// buildBlockHeaderFromHex is the hex-string variant used by tests and block
// construction paths where only template strings are available.
func buildBlockHeaderFromHex(version int32, prevhash string, merkleRoot []byte, ntimeHex, bitsHex, nonceHex string) ([]byte, error) {
	if len(prevhash) != 64 {
		return nil, fmt.Errorf("prevhash hex must be 64 chars")
	}
	var prevBE [32]byte
	if n, err := hex.Decode(prevBE[:], []byte(prevhash)); err != nil || n != 32 {
		return nil, fmt.Errorf("decode prevhash: %w", err)
	}
	reverseBytes32(&prevBE)

	ntime, err := parseUint32BEHex(ntimeHex)
	if err != nil {
		return nil, fmt.Errorf("decode ntime: %w", err)
	}
	bits, err := parseUint32BEHex(bitsHex)
	if err != nil {
		return nil, fmt.Errorf("decode bits: %w", err)
	}
	nonce, err := parseUint32BEHex(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	return assembleBlockHeader(version, &prevBE, merkleRoot, ntime, bits, nonce)
}

// buildBlock assembles the full block submission for a solving share:
// header, tx count, rebuilt coinbase, then the template transactions verbatim.
// Returns the block hex and the raw header hash.
func (job *Job) buildBlock(extranonce1, extranonce2 []byte, ntime, nonce uint32, version int32) (string, []byte, error) {
	if len(extranonce2) != job.Extranonce2Size {
		return "", nil, fmt.Errorf("extranonce2 must be %d bytes", job.Extranonce2Size)
	}

	cbTx, cbTxid, err := serializeCoinbaseTx(job.coinbaseSpec(), extranonce1, extranonce2)
	if err != nil {
		return "", nil, fmt.Errorf("coinbase build: %w", err)
	}

	merkleRoot := computeMerkleRootFromBranches(cbTxid, job.MerkleBranches)
	if merkleRoot == nil {
		return "", nil, fmt.Errorf("merkle root computation failed")
	}

	header, err := job.buildBlockHeader(merkleRoot, ntime, nonce, version)
	if err != nil {
		return "", nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(header) + 9 + len(cbTx) + len(job.Transactions)*512)
	buf.Write(header)
	writeVarInt(&buf, uint64(1+len(job.Transactions)))
	buf.Write(cbTx)

	for _, tx := range job.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return "", nil, fmt.Errorf("decode tx data: %w", err)
		}
		buf.Write(raw)
	}

	return hex.EncodeToString(buf.Bytes()), doubleSHA256(header), nil
}
