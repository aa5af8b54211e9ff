package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// coinbaseSpec carries everything needed to serialize a job's coinbase
// transaction apart from the extranonce bytes themselves.
type coinbaseSpec struct {
	Height           int64
	Value            int64
	PayoutScript     []byte
	CommitmentScript []byte
	FlagsBytes       []byte
	Tag              string
	ScriptTime       int64
	Extranonce2Size  int
}

func (s coinbaseSpec) placeholderLen() int {
	return coinbaseExtranonce1Size + s.Extranonce2Size
}

// scriptSigParts returns the scriptSig bytes before and after the extranonce
// placeholder. The placeholder itself is len(extranonce1)+extranonce2Size
// bytes pushed as a single data push.
func (s coinbaseSpec) scriptSigParts() ([]byte, []byte) {
	part1 := bytes.Join([][]byte{
		serializeNumberScript(s.Height),
		s.FlagsBytes, // coinbaseaux.flags from the node
		serializeNumberScript(s.ScriptTime),
		{byte(s.placeholderLen())},
	}, nil)
	part2 := serializeStringScript(normalizeCoinbaseTag(s.Tag))
	return part1, part2
}

// serializeCoinbaseTx builds the full coinbase transaction with the given
// extranonce bytes spliced in, returning the raw tx and its txid (raw
// double-SHA256 output, internal byte order).
func serializeCoinbaseTx(spec coinbaseSpec, extranonce1, extranonce2 []byte) ([]byte, []byte, error) {
	if len(extranonce1) != coinbaseExtranonce1Size {
		return nil, nil, fmt.Errorf("extranonce1 must be %d bytes", coinbaseExtranonce1Size)
	}
	if len(extranonce2) != spec.Extranonce2Size {
		return nil, nil, fmt.Errorf("extranonce2 must be %d bytes", spec.Extranonce2Size)
	}

	part1, part2 := spec.scriptSigParts()
	scriptSigLen := len(part1) + len(extranonce1) + len(extranonce2) + len(part2)

	outputs, err := spec.outputs()
	if err != nil {
		return nil, nil, err
	}

	var tx bytes.Buffer
	writeUint32LE(&tx, 1) // tx version
	writeVarInt(&tx, 1)
	tx.Write(bytes.Repeat([]byte{0x00}, 32)) // null prevout
	writeUint32LE(&tx, 0xffffffff)           // prevout index
	writeVarInt(&tx, uint64(scriptSigLen))
	tx.Write(part1)
	tx.Write(extranonce1)
	tx.Write(extranonce2)
	tx.Write(part2)
	writeUint32LE(&tx, 0) // sequence
	tx.Write(outputs)
	writeUint32LE(&tx, 0) // locktime

	txid := doubleSHA256(tx.Bytes())
	return tx.Bytes(), txid, nil
}

// buildCoinbaseParts splits the coinbase exactly around the extranonce
// placeholder: coinb1 ends just before extranonce1, coinb2 starts right
// after extranonce2. Concatenating coinb1||ex1||ex2||coinb2 must reproduce
// serializeCoinbaseTx byte for byte. The parts depend only on the spec, so
// they are computed once per job and shared by every connection.
func buildCoinbaseParts(spec coinbaseSpec) (string, string, error) {
	part1, part2 := spec.scriptSigParts()
	scriptSigLen := len(part1) + spec.placeholderLen() + len(part2)

	outputs, err := spec.outputs()
	if err != nil {
		return "", "", err
	}

	// coinb1: version || vin count || null prevout || scriptsig len || scriptsig part1
	var p1 bytes.Buffer
	writeUint32LE(&p1, 1)
	writeVarInt(&p1, 1)
	p1.Write(bytes.Repeat([]byte{0x00}, 32))
	writeUint32LE(&p1, 0xffffffff)
	writeVarInt(&p1, uint64(scriptSigLen))
	p1.Write(part1)

	// coinb2: scriptsig part2 || sequence || outputs || locktime
	var p2 bytes.Buffer
	p2.Write(part2)
	writeUint32LE(&p2, 0)
	p2.Write(outputs)
	writeUint32LE(&p2, 0)

	return hex.EncodeToString(p1.Bytes()), hex.EncodeToString(p2.Bytes()), nil
}

func (s coinbaseSpec) outputs() ([]byte, error) {
	if len(s.PayoutScript) == 0 {
		return nil, fmt.Errorf("payout script is required")
	}
	if s.Value < 0 {
		return nil, fmt.Errorf("coinbase value cannot be negative")
	}

	var outputs bytes.Buffer
	outputCount := uint64(1)
	if len(s.CommitmentScript) > 0 {
		outputCount++
	}
	writeVarInt(&outputs, outputCount)
	writeUint64LE(&outputs, uint64(s.Value))
	writeVarInt(&outputs, uint64(len(s.PayoutScript)))
	outputs.Write(s.PayoutScript)
	if len(s.CommitmentScript) > 0 {
		writeUint64LE(&outputs, 0)
		writeVarInt(&outputs, uint64(len(s.CommitmentScript)))
		outputs.Write(s.CommitmentScript)
	}
	return outputs.Bytes(), nil
}

// assembleCoinbase reassembles a submitted coinbase from the notified parts
// and the miner-chosen extranonce2. This is a pure byte concatenation; the
// extranonce fields are never re-encoded or packed.
func assembleCoinbase(coinb1Hex, extranonce1Hex, extranonce2Hex, coinb2Hex string) ([]byte, error) {
	total := len(coinb1Hex) + len(extranonce1Hex) + len(extranonce2Hex) + len(coinb2Hex)
	if total%2 != 0 {
		return nil, fmt.Errorf("odd coinbase hex length %d", total)
	}
	joined := coinb1Hex + extranonce1Hex + extranonce2Hex + coinb2Hex
	out := make([]byte, total/2)
	if _, err := hex.Decode(out, []byte(joined)); err != nil {
		return nil, fmt.Errorf("decode coinbase: %w", err)
	}
	return out, nil
}

func serializeNumberScript(n int64) []byte {
	if n >= 1 && n <= 16 {
		return []byte{byte(0x50 + n)}
	}
	l := 1
	buf := make([]byte, 9)
	for n > 0x7f {
		buf[l] = byte(n & 0xff)
		l++
		n >>= 8
	}
	buf[0] = byte(l)
	buf[l] = byte(n)
	return buf[:l+1]
}

func serializeStringScript(s string) []byte {
	b := []byte(s)
	if len(b) < 253 {
		return append([]byte{byte(len(b))}, b...)
	}
	if len(b) < 0x10000 {
		out := []byte{253, byte(len(b)), byte(len(b) >> 8)}
		return append(out, b...)
	}
	out := []byte{254, byte(len(b)), byte(len(b) >> 8), byte(len(b) >> 16), byte(len(b) >> 24)}
	return append(out, b...)
}

// normalizeCoinbaseTag trims spaces and ensures the tag has '/' prefix and
// suffix, falling back to the default tag when empty.
func normalizeCoinbaseTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		tag = defaultCoinbaseTag
	}
	tag = strings.TrimPrefix(tag, "/")
	tag = strings.TrimSuffix(tag, "/")
	return "/" + tag + "/"
}
