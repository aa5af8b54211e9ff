package main

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func testCoinbaseSpec() coinbaseSpec {
	return coinbaseSpec{
		Height:          100,
		Value:           50 * 1e8,
		PayoutScript:    []byte{0x51},
		Tag:             "test",
		ScriptTime:      1700000000,
		Extranonce2Size: 4,
	}
}

func TestCoinbaseParts_ReassembleExactly(t *testing.T) {
	spec := testCoinbaseSpec()
	ex1 := []byte{0x01, 0x02, 0x03, 0x04}
	ex2 := []byte{0xaa, 0xbb, 0xcc, 0xdd}

	full, txid, err := serializeCoinbaseTx(spec, ex1, ex2)
	if err != nil {
		t.Fatalf("serializeCoinbaseTx: %v", err)
	}
	if len(txid) != 32 {
		t.Fatalf("txid must be 32 bytes, got %d", len(txid))
	}

	coinb1, coinb2, err := buildCoinbaseParts(spec)
	if err != nil {
		t.Fatalf("buildCoinbaseParts: %v", err)
	}

	reassembled, err := assembleCoinbase(coinb1, hex.EncodeToString(ex1), hex.EncodeToString(ex2), coinb2)
	if err != nil {
		t.Fatalf("assembleCoinbase: %v", err)
	}
	if !bytes.Equal(reassembled, full) {
		t.Fatalf("coinb1||ex1||ex2||coinb2 must reproduce the full coinbase\n got %x\nwant %x", reassembled, full)
	}
}

func TestCoinbaseParts_WithCommitment(t *testing.T) {
	spec := testCoinbaseSpec()
	commitment, _ := hex.DecodeString("6a24aa21a9ed" + "0000000000000000000000000000000000000000000000000000000000000000")
	spec.CommitmentScript = commitment
	spec.FlagsBytes = []byte{0x06, 0x2f, 0x50, 0x32, 0x53, 0x48, 0x2f}

	ex1 := []byte{0, 0, 0, 7}
	ex2 := []byte{9, 9, 9, 9}

	full, _, err := serializeCoinbaseTx(spec, ex1, ex2)
	if err != nil {
		t.Fatalf("serializeCoinbaseTx: %v", err)
	}
	coinb1, coinb2, err := buildCoinbaseParts(spec)
	if err != nil {
		t.Fatalf("buildCoinbaseParts: %v", err)
	}
	reassembled, err := assembleCoinbase(coinb1, hex.EncodeToString(ex1), hex.EncodeToString(ex2), coinb2)
	if err != nil {
		t.Fatalf("assembleCoinbase: %v", err)
	}
	if !bytes.Equal(reassembled, full) {
		t.Fatalf("reassembly mismatch with commitment output")
	}

	// The commitment output must be present in the serialized tx.
	if !bytes.Contains(full, commitment) {
		t.Fatalf("witness commitment script missing from coinbase")
	}
}

// assembleCoinbase is a pure string concatenation: the extranonce hex must
// land between the parts byte for byte, never re-encoded.
func TestAssembleCoinbase_PureConcatenation(t *testing.T) {
	out, err := assembleCoinbase("0102", "aabb", "ccdd", "0304")
	if err != nil {
		t.Fatalf("assembleCoinbase: %v", err)
	}
	want, _ := hex.DecodeString("0102aabbccdd0304")
	if !bytes.Equal(out, want) {
		t.Fatalf("got %x want %x", out, want)
	}

	if _, err := assembleCoinbase("010", "aabb", "ccdd", "0304"); err == nil {
		t.Fatalf("odd hex length should fail")
	}
	if _, err := assembleCoinbase("01zz", "aabb", "ccdd", "0304"); err == nil {
		t.Fatalf("non-hex input should fail")
	}
}

func TestSerializeCoinbaseTx_ExtranonceSizeEnforced(t *testing.T) {
	spec := testCoinbaseSpec()
	if _, _, err := serializeCoinbaseTx(spec, []byte{1, 2, 3}, []byte{1, 2, 3, 4}); err == nil {
		t.Fatalf("short extranonce1 should fail")
	}
	if _, _, err := serializeCoinbaseTx(spec, []byte{1, 2, 3, 4}, []byte{1, 2}); err == nil {
		t.Fatalf("short extranonce2 should fail")
	}
}

func TestCoinbaseOutputs_Validation(t *testing.T) {
	spec := testCoinbaseSpec()
	spec.PayoutScript = nil
	if _, err := spec.outputs(); err == nil {
		t.Fatalf("missing payout script should fail")
	}

	spec = testCoinbaseSpec()
	spec.Value = -1
	if _, err := spec.outputs(); err == nil {
		t.Fatalf("negative value should fail")
	}
}

func TestSerializeNumberScript(t *testing.T) {
	// Small numbers use OP_1..OP_16.
	if got := serializeNumberScript(1); !bytes.Equal(got, []byte{0x51}) {
		t.Fatalf("1 -> %x", got)
	}
	if got := serializeNumberScript(16); !bytes.Equal(got, []byte{0x60}) {
		t.Fatalf("16 -> %x", got)
	}
	// Larger numbers are little-endian pushes.
	if got := serializeNumberScript(0x1234); !bytes.Equal(got, []byte{0x02, 0x34, 0x12}) {
		t.Fatalf("0x1234 -> %x", got)
	}
}

func TestNormalizeCoinbaseTag(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "/" + defaultCoinbaseTag + "/"},
		{"   ", "/" + defaultCoinbaseTag + "/"},
		{"mytag", "/mytag/"},
		{"/mytag/", "/mytag/"},
		{"  mytag  ", "/mytag/"},
		{"mytag/", "/mytag/"},
	}
	for _, tt := range tests {
		if got := normalizeCoinbaseTag(tt.in); got != tt.want {
			t.Fatalf("normalizeCoinbaseTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
