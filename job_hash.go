package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"slices"
	"strconv"
	"strings"
)

func targetFromBits(bits string) (*big.Int, error) {
	b, err := hex.DecodeString(bits)
	if err != nil {
		return nil, fmt.Errorf("decode bits: %w", err)
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("invalid bits length %d", len(b))
	}
	exp := b[0]
	mantissa := new(big.Int).SetBytes(b[1:])
	target := new(big.Int).Lsh(mantissa, 8*uint(exp-3))
	return target, nil
}

// diff1Target is the share target at difficulty 1.
var diff1Target = func() *big.Int {
	n, _ := new(big.Int).SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)
	return n
}()

// maxUint256 is the maximum value representable in 256 bits.
var maxUint256 = func() *big.Int {
	n := new(big.Int).Lsh(big.NewInt(1), 256)
	return n.Sub(n, big.NewInt(1))
}()

func targetFromDifficulty(diff float64) *big.Int {
	if diff <= 0 {
		// Lowest difficulty means the largest possible target.
		return new(big.Int).Set(maxUint256)
	}
	diffStr := strconv.FormatFloat(diff, 'g', -1, 64)
	r, ok := new(big.Rat).SetString(diffStr)
	if !ok || r.Sign() <= 0 {
		return new(big.Int).Set(maxUint256)
	}
	target := new(big.Rat).SetInt(diff1Target)
	target.Quo(target, r)
	tgt := new(big.Int).Quo(target.Num(), target.Denom())
	if tgt.Sign() == 0 {
		tgt = big.NewInt(1)
	}
	if tgt.Cmp(maxUint256) > 0 {
		tgt = new(big.Int).Set(maxUint256)
	}
	return tgt
}

// difficultyFromHash converts a block hash to a difficulty value relative to
// diff=1. The hash parameter is the raw double-SHA256 output (little-endian
// numeric order).
//
// Fast approximation: uses the most-significant 64 bits plus a power-of-two
// scaling factor, avoiding big.Int allocations on the share hot path.
func difficultyFromHash(hash []byte) float64 {
	msb := -1
	for i := len(hash) - 1; i >= 0; i-- {
		if hash[i] != 0 {
			msb = i
			break
		}
	}
	if msb < 0 {
		return math.MaxFloat64
	}

	var top uint64
	for j := 0; j < 8; j++ {
		idx := msb - j
		var b byte
		if idx >= 0 {
			b = hash[idx]
		}
		top = (top << 8) | uint64(b)
	}
	if top == 0 {
		return math.MaxFloat64
	}

	// For msb==31 we used bytes [31..24], leaving 24 bytes below => exponentBits=192.
	exponentBits := 8 * (msb - 7)

	// diff = (65535 / top) * 2^(208 - exponentBits)
	diff := math.Ldexp(65535.0/float64(top), 208-exponentBits)
	if diff <= 0 || math.IsNaN(diff) {
		return 0
	}
	if math.IsInf(diff, 0) {
		return math.MaxFloat64
	}
	return diff
}

func difficultyFromBits(bits uint32) float64 {
	bitsStr := fmt.Sprintf("%08x", bits)
	target, err := targetFromBits(bitsStr)
	if err != nil || target.Sign() == 0 {
		return 0
	}
	f := new(big.Float).SetPrec(256).SetInt(diff1Target)
	d := new(big.Float).SetPrec(256).SetInt(target)
	f.Quo(f, d)
	val, _ := f.Float64()
	return val
}

func doubleSHA256(b []byte) []byte {
	first := sha256Sum(b)
	second := sha256Sum(first[:])
	return second[:]
}

// doubleSHA256Array returns the double SHA256 hash as a fixed-size array,
// avoiding slice allocation on hot paths.
func doubleSHA256Array(b []byte) [32]byte {
	first := sha256Sum(b)
	return sha256Sum(first[:])
}

func blockHashFromHeader(header []byte) string {
	hash := doubleSHA256(header)
	return hex.EncodeToString(reverseBytes(hash))
}

func reverseBytes(in []byte) []byte {
	out := append([]byte(nil), in...)
	slices.Reverse(out)
	return out
}

// reverseBytes32 reverses a 32-byte array in place, avoiding allocation.
func reverseBytes32(b *[32]byte) {
	for i := 0; i < 16; i++ {
		b[i], b[31-i] = b[31-i], b[i]
	}
}

func readVarInt(raw []byte) (uint64, int, error) {
	if len(raw) == 0 {
		return 0, 0, fmt.Errorf("varint empty")
	}
	switch raw[0] {
	case 0xff:
		if len(raw) < 9 {
			return 0, 0, fmt.Errorf("varint 0xff missing bytes")
		}
		return binary.LittleEndian.Uint64(raw[1:9]), 9, nil
	case 0xfe:
		if len(raw) < 5 {
			return 0, 0, fmt.Errorf("varint 0xfe missing bytes")
		}
		return uint64(binary.LittleEndian.Uint32(raw[1:5])), 5, nil
	case 0xfd:
		if len(raw) < 3 {
			return 0, 0, fmt.Errorf("varint 0xfd missing bytes")
		}
		return uint64(binary.LittleEndian.Uint16(raw[1:3])), 3, nil
	default:
		return uint64(raw[0]), 1, nil
	}
}

// putVarInt encodes v into dst and returns the number of bytes written.
func putVarInt(dst *[9]byte, v uint64) int {
	switch {
	case v < 0xfd:
		dst[0] = byte(v)
		return 1
	case v <= 0xffff:
		dst[0] = 0xfd
		dst[1] = byte(v)
		dst[2] = byte(v >> 8)
		return 3
	case v <= 0xffffffff:
		dst[0] = 0xfe
		dst[1] = byte(v)
		dst[2] = byte(v >> 8)
		dst[3] = byte(v >> 16)
		dst[4] = byte(v >> 24)
		return 5
	default:
		dst[0] = 0xff
		binary.LittleEndian.PutUint64(dst[1:9], v)
		return 9
	}
}

func writeVarInt(buf *bytes.Buffer, v uint64) {
	var tmp [9]byte
	n := putVarInt(&tmp, v)
	buf.Write(tmp[:n])
}

func writeUint32LE(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64LE(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func parseUint32BEHex(hexStr string) (uint32, error) {
	if len(hexStr) != 8 {
		return 0, fmt.Errorf("expected 8 hex characters, got %d", len(hexStr))
	}
	var v uint32
	for i := 0; i < 8; i++ {
		c := hexStr[i]
		var nibble byte
		switch {
		case c >= '0' && c <= '9':
			nibble = c - '0'
		case c >= 'a' && c <= 'f':
			nibble = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			nibble = c - 'A' + 10
		default:
			return 0, fmt.Errorf("invalid hex digit %q in %q", c, hexStr)
		}
		v = (v << 4) | uint32(nibble)
	}
	return v, nil
}

func uint32ToBEHex(v uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return hex.EncodeToString(buf[:])
}

func int32ToBEHex(v int32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return hex.EncodeToString(buf[:])
}

// hexToLEHex rewrites a 32-byte big-endian hash into the word-swapped form
// Stratum mining.notify uses for prevhash.
func hexToLEHex(src string) string {
	b, err := hex.DecodeString(src)
	if err != nil || len(b) == 0 {
		return src
	}
	if len(b) != 32 {
		return hex.EncodeToString(reverseBytes(b))
	}
	var buf [32]byte
	copy(buf[:], b)
	for i := 0; i < 8; i++ {
		j := i * 4
		v := uint32(buf[j])<<24 | uint32(buf[j+1])<<16 | uint32(buf[j+2])<<8 | uint32(buf[j+3])
		binary.LittleEndian.PutUint32(buf[j:j+4], v)
	}
	return hex.EncodeToString(reverseBytes(buf[:]))
}

// parseMinerID makes a best-effort attempt to split a miner client
// identifier into a name and version. Common formats include:
//
//	"SomeMiner/4.11.0"   -> ("SomeMiner", "4.11.0")
//	"MinerName-variant"  -> ("MinerName-variant", "")
//	"Some Miner 1.2.3"   -> ("Some Miner", "1.2.3")
func parseMinerID(id string) (string, string) {
	s := strings.TrimSpace(id)
	if s == "" {
		return "", ""
	}
	if idx := strings.Index(s, "/"); idx > 0 && idx < len(s)-1 {
		return s[:idx], s[idx+1:]
	}
	parts := strings.Fields(s)
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		hasDigit := false
		hasDot := false
		for i := 0; i < len(last); i++ {
			if last[i] >= '0' && last[i] <= '9' {
				hasDigit = true
			}
			if last[i] == '.' {
				hasDot = true
			}
		}
		if hasDigit && hasDot {
			return strings.Join(parts[:len(parts)-1], " "), last
		}
	}
	return s, ""
}

func stripWitnessData(raw []byte) ([]byte, bool, error) {
	if len(raw) < 6 {
		return nil, false, fmt.Errorf("tx too short: %d bytes", len(raw))
	}

	idx := 4 // skip version
	hasWitness := len(raw) > idx+1 && raw[idx] == 0x00 && raw[idx+1] != 0x00
	if hasWitness {
		idx += 2
	}

	inputsStart := idx

	vinCount, consumed, err := readVarInt(raw[idx:])
	if err != nil {
		return nil, false, fmt.Errorf("inputs count: %w", err)
	}
	idx += consumed

	for inIdx := uint64(0); inIdx < vinCount; inIdx++ {
		if idx+36 > len(raw) {
			return nil, false, fmt.Errorf("input %d truncated", inIdx)
		}
		idx += 36 // prevout hash + index

		scriptLen, used, err := readVarInt(raw[idx:])
		if err != nil {
			return nil, false, fmt.Errorf("input %d script len: %w", inIdx, err)
		}
		idx += used

		if idx+int(scriptLen)+4 > len(raw) {
			return nil, false, fmt.Errorf("input %d script truncated", inIdx)
		}
		idx += int(scriptLen) + 4 // script + sequence
	}

	voutCount, consumed, err := readVarInt(raw[idx:])
	if err != nil {
		return nil, false, fmt.Errorf("outputs count: %w", err)
	}
	idx += consumed

	for outIdx := uint64(0); outIdx < voutCount; outIdx++ {
		if idx+8 > len(raw) {
			return nil, false, fmt.Errorf("output %d truncated", outIdx)
		}
		idx += 8 // value

		pkLen, used, err := readVarInt(raw[idx:])
		if err != nil {
			return nil, false, fmt.Errorf("output %d script len: %w", outIdx, err)
		}
		idx += used

		if idx+int(pkLen) > len(raw) {
			return nil, false, fmt.Errorf("output %d script truncated", outIdx)
		}
		idx += int(pkLen)
	}

	witnessStart := idx

	if hasWitness {
		for inIdx := uint64(0); inIdx < vinCount; inIdx++ {
			itemCount, used, err := readVarInt(raw[idx:])
			if err != nil {
				return nil, false, fmt.Errorf("input %d witness count: %w", inIdx, err)
			}
			idx += used

			for itemIdx := uint64(0); itemIdx < itemCount; itemIdx++ {
				itemLen, n, err := readVarInt(raw[idx:])
				if err != nil {
					return nil, false, fmt.Errorf("input %d witness %d len: %w", inIdx, itemIdx, err)
				}
				idx += n

				if idx+int(itemLen) > len(raw) {
					return nil, false, fmt.Errorf("input %d witness %d truncated", inIdx, itemIdx)
				}
				idx += int(itemLen)
			}
		}
	}

	if idx+4 > len(raw) {
		return nil, false, fmt.Errorf("locktime truncated")
	}
	locktimeStart := idx
	idx += 4

	if idx != len(raw) {
		return nil, false, fmt.Errorf("unexpected trailing data: %d bytes", len(raw)-idx)
	}

	if !hasWitness {
		return raw, false, nil
	}

	// Rebuild without marker/flag and witness data to compute the legacy txid.
	stripped := make([]byte, 0, 4+(witnessStart-inputsStart)+4)
	stripped = append(stripped, raw[:4]...)
	stripped = append(stripped, raw[inputsStart:witnessStart]...)
	stripped = append(stripped, raw[locktimeStart:locktimeStart+4]...)

	return stripped, true, nil
}
