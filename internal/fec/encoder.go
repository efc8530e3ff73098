package fec

import (
	"fmt"

	"firestige.xyz/kestrel/pkg/erasure"
)

// Encoder is the sending half of the FEC framing, used by the loopback test
// harness (cmd/send) and the end-to-end tests. It collects k encapsulated
// media units into a group, emits each immediately as a primary block, and
// closes the group with n-k parity blocks.
type Encoder struct {
	k, n   int
	matrix *erasure.Matrix

	group   uint32
	pending [][]byte // encapsulated primary blocks of the open group
	maxLen  int
}

// EncodedBlock is one wire-ready RTP payload produced by the encoder.
type EncodedBlock struct {
	Header  Header
	Payload []byte // FEC header || block data
}

// NewEncoder creates a sender-side encoder for a (k, n) code.
func NewEncoder(k, n int) (*Encoder, error) {
	// The wire header carries k and n as single bytes, so n is capped at
	// 255 even though the erasure engine itself supports 256.
	if n > 255 || k < 1 || n < k {
		return nil, fmt.Errorf("fec: invalid code parameters k=%d n=%d", k, n)
	}
	m, err := erasure.NewMatrix(nil, k, n)
	if err != nil {
		return nil, err
	}
	return &Encoder{k: k, n: n, matrix: m}, nil
}

// Add encapsulates one media unit and returns the wire blocks that become
// transmittable: the unit's own primary block, plus the group's parity
// blocks when this unit completes a group.
func (e *Encoder) Add(seq uint16, ts uint32, marker bool, payload []byte) ([]EncodedBlock, error) {
	data := appendBlockData(nil, seq, ts, marker, payload)
	e.pending = append(e.pending, data)
	if len(data) > e.maxLen {
		e.maxLen = len(data)
	}

	idx := len(e.pending) - 1
	out := []EncodedBlock{e.wireBlock(uint16(idx), data)}

	if len(e.pending) == e.k {
		parity, err := e.parityBlocks()
		if err != nil {
			return nil, err
		}
		out = append(out, parity...)
		e.group++
		e.pending = e.pending[:0]
		e.maxLen = 0
	}
	return out, nil
}

func (e *Encoder) parityBlocks() ([]EncodedBlock, error) {
	rows := make([][]byte, e.k)
	for i, data := range e.pending {
		row := make([]byte, e.maxLen)
		copy(row, data)
		rows[i] = row
	}
	nums := make([]int, 0, e.n-e.k)
	for i := e.k; i < e.n; i++ {
		nums = append(nums, i)
	}
	parity, err := e.matrix.Encode(rows, nums, e.maxLen)
	if err != nil {
		return nil, fmt.Errorf("fec: parity generation: %w", err)
	}

	out := make([]EncodedBlock, len(parity))
	for i, row := range parity {
		out[i] = e.wireBlock(uint16(e.k+i), row)
	}
	return out, nil
}

func (e *Encoder) wireBlock(index uint16, data []byte) EncodedBlock {
	h := Header{Group: e.group, Index: index, K: uint8(e.k), N: uint8(e.n)}
	payload := AppendHeader(make([]byte, 0, HeaderLen+len(data)), h)
	return EncodedBlock{Header: h, Payload: append(payload, data...)}
}
