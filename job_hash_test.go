package main

import (
	"bytes"
	"encoding/hex"
	"math"
	"math/big"
	"testing"
)

func TestTargetFromBits_Diff1(t *testing.T) {
	target, err := targetFromBits("1d00ffff")
	if err != nil {
		t.Fatalf("targetFromBits error: %v", err)
	}
	if target.Cmp(diff1Target) != 0 {
		t.Fatalf("bits 1d00ffff should produce the diff-1 target, got %064x", target)
	}
}

func TestTargetFromBits_Invalid(t *testing.T) {
	for _, bits := range []string{"", "zz00ffff", "1d00ff", "1d00ffff00"} {
		if _, err := targetFromBits(bits); err == nil {
			t.Fatalf("targetFromBits(%q) should fail", bits)
		}
	}
}

func TestTargetFromDifficulty_RoundTrip(t *testing.T) {
	for _, diff := range []float64{0.125, 0.5, 1, 2, 1024, 65536} {
		target := targetFromDifficulty(diff)
		if target.Sign() <= 0 {
			t.Fatalf("diff %g produced non-positive target", diff)
		}
		// diff1Target / target should recover the difficulty.
		got := new(big.Float).Quo(
			new(big.Float).SetInt(diff1Target),
			new(big.Float).SetInt(target),
		)
		gotF, _ := got.Float64()
		if math.Abs(gotF-diff)/diff > 1e-9 {
			t.Fatalf("diff %g round-tripped to %g", diff, gotF)
		}
	}
}

func TestTargetFromDifficulty_NonPositive(t *testing.T) {
	if targetFromDifficulty(0).Cmp(maxUint256) != 0 {
		t.Fatalf("diff 0 should map to the max target")
	}
	if targetFromDifficulty(-3).Cmp(maxUint256) != 0 {
		t.Fatalf("negative diff should map to the max target")
	}
}

func TestDifficultyFromHash_Diff1Boundary(t *testing.T) {
	// A hash exactly at the diff-1 target should score difficulty ~1. The
	// hash parameter is in little-endian numeric order.
	raw := diff1Target.Bytes()
	hash := make([]byte, 32)
	copy(hash[32-len(raw):], raw)
	hash = reverseBytes(hash)

	diff := difficultyFromHash(hash)
	if math.Abs(diff-1) > 1e-6 {
		t.Fatalf("expected difficulty ~1, got %g", diff)
	}
}

func TestDifficultyFromHash_ScalesWithHash(t *testing.T) {
	// Halving the numeric hash value doubles the difficulty.
	half := new(big.Int).Rsh(diff1Target, 1)
	raw := half.Bytes()
	hash := make([]byte, 32)
	copy(hash[32-len(raw):], raw)
	hash = reverseBytes(hash)

	diff := difficultyFromHash(hash)
	if math.Abs(diff-2) > 1e-5 {
		t.Fatalf("expected difficulty ~2, got %g", diff)
	}
}

func TestDifficultyFromHash_ZeroHash(t *testing.T) {
	if diff := difficultyFromHash(make([]byte, 32)); diff != math.MaxFloat64 {
		t.Fatalf("zero hash should produce max difficulty, got %g", diff)
	}
}

func TestDifficultyFromBits_Diff1(t *testing.T) {
	diff := difficultyFromBits(0x1d00ffff)
	if math.Abs(diff-1) > 1e-9 {
		t.Fatalf("bits 1d00ffff should be difficulty 1, got %g", diff)
	}
}

func TestDoubleSHA256_KnownVector(t *testing.T) {
	// sha256d("hello") is a widely published vector.
	want := "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50"
	got := hex.EncodeToString(doubleSHA256([]byte("hello")))
	if got != want {
		t.Fatalf("doubleSHA256 mismatch: got %s want %s", got, want)
	}

	arr := doubleSHA256Array([]byte("hello"))
	if hex.EncodeToString(arr[:]) != want {
		t.Fatalf("doubleSHA256Array disagrees with doubleSHA256")
	}
}

func TestReverseBytes(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	out := reverseBytes(in)
	if !bytes.Equal(out, []byte{4, 3, 2, 1}) {
		t.Fatalf("reverseBytes got %v", out)
	}
	if !bytes.Equal(in, []byte{1, 2, 3, 4}) {
		t.Fatalf("reverseBytes must not mutate its input")
	}

	var b [32]byte
	for i := range b {
		b[i] = byte(i)
	}
	reverseBytes32(&b)
	for i := range b {
		if b[i] != byte(31-i) {
			t.Fatalf("reverseBytes32 wrong at %d: %d", i, b[i])
		}
	}
}

func TestVarIntRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000, 1 << 62}
	for _, v := range values {
		var buf bytes.Buffer
		writeVarInt(&buf, v)
		got, n, err := readVarInt(buf.Bytes())
		if err != nil {
			t.Fatalf("readVarInt(%d): %v", v, err)
		}
		if got != v || n != buf.Len() {
			t.Fatalf("varint %d round-tripped to %d (consumed %d of %d)", v, got, n, buf.Len())
		}
	}
}

func TestParseUint32BEHex(t *testing.T) {
	v, err := parseUint32BEHex("4dd7f5c7")
	if err != nil {
		t.Fatalf("parseUint32BEHex: %v", err)
	}
	if v != 0x4dd7f5c7 {
		t.Fatalf("got %08x", v)
	}
	if uint32ToBEHex(v) != "4dd7f5c7" {
		t.Fatalf("uint32ToBEHex got %s", uint32ToBEHex(v))
	}
	if _, err := parseUint32BEHex("xyz"); err == nil {
		t.Fatalf("invalid hex should fail")
	}
	if _, err := parseUint32BEHex("112233445"); err == nil {
		t.Fatalf("over-long hex should fail")
	}
}

func TestHexToLEHex(t *testing.T) {
	// Word-swapped prevhash encoding used by mining.notify: reverses the
	// order of 4-byte words but not the bytes inside each word.
	in := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	out := hexToLEHex(in)
	want := "ccddeeff8899aabb4455667700112233ccddeeff8899aabb4455667700112233"
	if out != want {
		t.Fatalf("hexToLEHex got %s want %s", out, want)
	}
}

func TestParseMinerID(t *testing.T) {
	tests := []struct {
		in, name, version string
	}{
		{"SomeMiner/4.11.0", "SomeMiner", "4.11.0"},
		{"MinerName-variant", "MinerName-variant", ""},
		{"Some Miner 1.2.3", "Some Miner", "1.2.3"},
		{"  cgminer/4.9  ", "cgminer", "4.9"},
		{"", "", ""},
	}
	for _, tt := range tests {
		name, version := parseMinerID(tt.in)
		if name != tt.name || version != tt.version {
			t.Fatalf("parseMinerID(%q) = (%q, %q), want (%q, %q)", tt.in, name, version, tt.name, tt.version)
		}
	}
}
