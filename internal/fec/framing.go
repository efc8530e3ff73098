// Package fec implements the forward-error-correction layer of the video
// link: the wire framing that carries erasure-group metadata inside each RTP
// payload, the receive-side group assembler that invokes the erasure engine,
// and the sender-side encoder used by the loopback test harness.
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Wire layout. Every RTP payload on the link is
//
//	| group uint32 | index uint16 | k uint8 | n uint8 |  block data ...
//
// all big-endian. Block indices 0..k-1 are primary blocks, k..n-1 parity.
//
// Primary block data is an encapsulated media unit: the fields a recovered
// block needs that would otherwise be lost with the dropped RTP header:
//
//	| len uint16 | seq uint16 | timestamp uint32 | flags uint8 |  payload ... padding
//
// len counts payload bytes, seq/timestamp mirror the RTP header of the
// packet that carried (or would have carried) the block, and flags bit 0 is
// the RTP marker. Blocks are zero-padded to the group's maximum block length
// before parity generation; len restores the original size after recovery.
// Parity block data is the erasure-code parity row over the padded primary
// blocks. The sender side (Encoder) writes the identical layout.
const (
	// HeaderLen is the size of the group-metadata prefix.
	HeaderLen = 8

	// blockHeaderLen is the size of the encapsulated-unit prefix inside a
	// primary block.
	blockHeaderLen = 9

	flagMarker = 0x01
)

// ErrFraming tags malformed FEC framing; dropped and counted at the
// assembler boundary, never fatal.
var ErrFraming = errors.New("malformed fec framing")

// Header is the erasure-group metadata carried ahead of every block.
type Header struct {
	Group uint32
	Index uint16
	K     uint8
	N     uint8
}

// ParseHeader splits an RTP payload into its FEC header and block data.
func ParseHeader(payload []byte) (Header, []byte, error) {
	if len(payload) <= HeaderLen {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrFraming, len(payload))
	}
	h := Header{
		Group: binary.BigEndian.Uint32(payload[0:4]),
		Index: binary.BigEndian.Uint16(payload[4:6]),
		K:     payload[6],
		N:     payload[7],
	}
	if h.K == 0 || h.N < h.K {
		return Header{}, nil, fmt.Errorf("%w: k=%d n=%d", ErrFraming, h.K, h.N)
	}
	if int(h.Index) >= int(h.N) {
		return Header{}, nil, fmt.Errorf("%w: index %d outside n=%d", ErrFraming, h.Index, h.N)
	}
	return h, payload[HeaderLen:], nil
}

// AppendHeader appends the wire form of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.Group)
	dst = binary.BigEndian.AppendUint16(dst, h.Index)
	return append(dst, h.K, h.N)
}

// Block is one primary media unit emitted by the assembler: either received
// directly or reconstructed by erasure decode. Payload is owned by the
// receiver of the block.
type Block struct {
	Seq       uint16
	Timestamp uint32
	Marker    bool
	Payload   []byte

	// Recovered marks a unit from a group that was erasure-decoded;
	// a false value means degraded delivery of a partial group.
	Recovered bool

	// Arrival is the receive time backing downstream deadline decisions:
	// the carrying packet's arrival, or the group's first arrival for
	// blocks reconstructed by decode.
	Arrival time.Time
}

// appendBlockData appends the encapsulated form of a media unit to dst.
func appendBlockData(dst []byte, seq uint16, ts uint32, marker bool, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	dst = binary.BigEndian.AppendUint16(dst, seq)
	dst = binary.BigEndian.AppendUint32(dst, ts)
	var flags byte
	if marker {
		flags |= flagMarker
	}
	dst = append(dst, flags)
	return append(dst, payload...)
}

// parseBlockData decodes an encapsulated media unit. The returned payload
// aliases data.
func parseBlockData(data []byte) (Block, error) {
	if len(data) < blockHeaderLen {
		return Block{}, fmt.Errorf("%w: block of %d bytes", ErrFraming, len(data))
	}
	plen := int(binary.BigEndian.Uint16(data[0:2]))
	if blockHeaderLen+plen > len(data) {
		return Block{}, fmt.Errorf("%w: declared length %d overruns block of %d bytes", ErrFraming, plen, len(data))
	}
	return Block{
		Seq:       binary.BigEndian.Uint16(data[2:4]),
		Timestamp: binary.BigEndian.Uint32(data[4:8]),
		Marker:    data[8]&flagMarker != 0,
		Payload:   data[blockHeaderLen : blockHeaderLen+plen],
	}, nil
}
