package main

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"testing"
)

// Mainnet block 125552, the canonical header-hashing vector. Field hex is
// given in the serialized (little-endian) form.
const (
	block125552HeaderHex = "0100000081cd02ab7e569e8bcd9317e2fe99f2de44d49ab2b8851ba4a308000000000000e320b6c2fffc8d750423db8b1eb942ae710e951ed797f7affc8892b0f1fc122bc7f5d74df2b9441a42a14695"
	block125552Hash      = "00000000000000001e8d6829a8a21adc5d38d0a473b144b6765798e61f98bd1d"
	block125552Prev      = "00000000000008a3a41b85b8b29ad444def299fee21793cd8b9e567eab02cd81"
	block125552MerkleLE  = "e320b6c2fffc8d750423db8b1eb942ae710e951ed797f7affc8892b0f1fc122b"
)

func TestBuildBlockHeaderFromHex_Block125552(t *testing.T) {
	merkleRoot, err := hex.DecodeString(block125552MerkleLE)
	if err != nil {
		t.Fatalf("decode merkle: %v", err)
	}

	header, err := buildBlockHeaderFromHex(1, block125552Prev, merkleRoot, "4dd7f5c7", "1a44b9f2", "9546a142")
	if err != nil {
		t.Fatalf("buildBlockHeaderFromHex: %v", err)
	}

	want, _ := hex.DecodeString(block125552HeaderHex)
	if !bytes.Equal(header, want) {
		t.Fatalf("header mismatch:\n got %x\nwant %x", header, want)
	}
	if len(header) != 80 {
		t.Fatalf("header must be 80 bytes, got %d", len(header))
	}

	if got := blockHashFromHeader(header); got != block125552Hash {
		t.Fatalf("block hash mismatch:\n got %s\nwant %s", got, block125552Hash)
	}
}

func TestAssembleBlockHeader_FieldLayout(t *testing.T) {
	var prev [32]byte
	for i := range prev {
		prev[i] = byte(i)
	}
	merkle := bytes.Repeat([]byte{0xab}, 32)

	header, err := assembleBlockHeader(0x20000000, &prev, merkle, 0x11223344, 0x1d00ffff, 0xdeadbeef)
	if err != nil {
		t.Fatalf("assembleBlockHeader: %v", err)
	}

	if !bytes.Equal(header[0:4], []byte{0x00, 0x00, 0x00, 0x20}) {
		t.Fatalf("version not little-endian: %x", header[0:4])
	}
	if !bytes.Equal(header[4:36], prev[:]) {
		t.Fatalf("prev hash bytes shifted")
	}
	if !bytes.Equal(header[36:68], merkle) {
		t.Fatalf("merkle root bytes shifted")
	}
	if !bytes.Equal(header[68:72], []byte{0x44, 0x33, 0x22, 0x11}) {
		t.Fatalf("ntime not little-endian: %x", header[68:72])
	}
	if !bytes.Equal(header[72:76], []byte{0xff, 0xff, 0x00, 0x1d}) {
		t.Fatalf("bits not little-endian: %x", header[72:76])
	}
	if !bytes.Equal(header[76:80], []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Fatalf("nonce not little-endian: %x", header[76:80])
	}
}

func TestAssembleBlockHeader_BadMerkleLen(t *testing.T) {
	var prev [32]byte
	if _, err := assembleBlockHeader(1, &prev, []byte{1, 2, 3}, 0, 0, 0); err == nil {
		t.Fatalf("short merkle root should fail")
	}
}

// referenceMerkleRoot builds the tree directly from all leaves, pairing and
// duplicating the classic way. Used to cross-check the branch-folding path.
func referenceMerkleRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return nil
	}
	layer := make([][]byte, len(leaves))
	copy(layer, leaves)
	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([][]byte, 0, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			joined := append(append([]byte{}, layer[i]...), layer[i+1]...)
			next = append(next, doubleSHA256(joined))
		}
		layer = next
	}
	return layer[0]
}

func fakeTxid(seed byte) []byte {
	return doubleSHA256([]byte{seed, seed + 1, seed + 2})
}

func TestMerkleBranches_MatchDirectTree(t *testing.T) {
	coinbase := fakeTxid(0xc0)

	for txCount := 0; txCount <= 6; txCount++ {
		txids := make([][]byte, 0, txCount)
		for i := 0; i < txCount; i++ {
			txids = append(txids, fakeTxid(byte(i)))
		}

		branches := buildMerkleBranches(txids)
		got := computeMerkleRootFromBranches(coinbase, branches)
		if got == nil {
			t.Fatalf("txCount=%d: computeMerkleRootFromBranches returned nil", txCount)
		}

		leaves := append([][]byte{coinbase}, txids...)
		want := referenceMerkleRoot(leaves)
		if !bytes.Equal(got, want) {
			t.Fatalf("txCount=%d: merkle root mismatch\n got %x\nwant %x", txCount, got, want)
		}
	}
}

func TestMerkleBranches_EmptyTxSet(t *testing.T) {
	branches := buildMerkleBranches(nil)
	if len(branches) != 0 {
		t.Fatalf("expected no branches for a coinbase-only block, got %v", branches)
	}
	coinbase := fakeTxid(0x01)
	root := computeMerkleRootFromBranches(coinbase, branches)
	if !bytes.Equal(root, coinbase) {
		t.Fatalf("coinbase-only merkle root must equal the coinbase txid")
	}
}

func TestComputeMerkleRootFromBranches_BadBranch(t *testing.T) {
	coinbase := fakeTxid(0x02)
	if computeMerkleRootFromBranches(coinbase, []string{"zz"}) != nil {
		t.Fatalf("short branch hex should fail")
	}
	if computeMerkleRootFromBranches(coinbase, []string{string(bytes.Repeat([]byte("g"), 64))}) != nil {
		t.Fatalf("non-hex branch should fail")
	}
}

func TestJobBuildBlock_RoundTrip(t *testing.T) {
	job := newTestJob(t, new(big.Int).Set(maxUint256))
	ex1 := []byte{0, 0, 0, 1}
	ex2 := []byte{0xde, 0xad, 0xbe, 0xef}

	blockHex, headerHash, err := job.buildBlock(ex1, ex2, uint32(job.Template.CurTime), 0x01020304, job.Template.Version)
	if err != nil {
		t.Fatalf("buildBlock: %v", err)
	}
	if len(headerHash) != 32 {
		t.Fatalf("header hash must be 32 bytes")
	}

	raw, err := hex.DecodeString(blockHex)
	if err != nil {
		t.Fatalf("block hex invalid: %v", err)
	}

	// Header, then varint tx count, then the coinbase.
	if len(raw) < 81 {
		t.Fatalf("block too short: %d bytes", len(raw))
	}
	txCount, consumed, err := readVarInt(raw[80:])
	if err != nil {
		t.Fatalf("tx count: %v", err)
	}
	if txCount != uint64(1+len(job.Transactions)) {
		t.Fatalf("tx count %d, want %d", txCount, 1+len(job.Transactions))
	}

	cbTx, _, err := serializeCoinbaseTx(job.coinbaseSpec(), ex1, ex2)
	if err != nil {
		t.Fatalf("serializeCoinbaseTx: %v", err)
	}
	body := raw[80+consumed:]
	if !bytes.HasPrefix(body, cbTx) {
		t.Fatalf("block body does not start with the rebuilt coinbase")
	}

	// The header's merkle root must match folding the coinbase txid through
	// the job's branches.
	cbTxid := doubleSHA256(cbTx)
	wantRoot := computeMerkleRootFromBranches(cbTxid, job.MerkleBranches)
	if !bytes.Equal(raw[36:68], wantRoot) {
		t.Fatalf("header merkle root mismatch")
	}
}

func TestJobBuildBlock_WrongExtranonce2Size(t *testing.T) {
	job := newTestJob(t, new(big.Int).Set(maxUint256))
	if _, _, err := job.buildBlock([]byte{0, 0, 0, 1}, []byte{1, 2}, 0, 0, 1); err == nil {
		t.Fatalf("short extranonce2 should fail")
	}
}
