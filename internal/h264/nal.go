// Package h264 implements RFC 6184 depacketization for the video link:
// single NAL units, STAP-A aggregates and FU-A fragments are reassembled
// into NAL units and grouped into access units on timestamp and marker-bit
// boundaries.
package h264

import "time"

// NAL unit type codes (T-REC-H.264 table 7-1) plus the RTP payload wrappers
// from RFC 6184 §5.2, which are wire-level containers rather than semantic
// NAL types.
const (
	NALSlice    = 1 // non-IDR coded slice
	NALIDRSlice = 5 // IDR (keyframe) coded slice
	NALSEI      = 6
	NALSPS      = 7
	NALPPS      = 8
	NALAUD      = 9 // access-unit delimiter

	NALStapA = 24 // single-time aggregation packet
	NALFuA   = 28 // fragmentation unit

	// NALTypeMask extracts the 5-bit type from a NAL header byte.
	NALTypeMask = 0x1F
)

// NALType returns the type bits of a NAL header byte.
func NALType(header byte) byte {
	return header & NALTypeMask
}

// AccessUnit is the set of NAL units making up one decodable frame. Units
// share one RTP timestamp; the unit is finalized when a newer timestamp or
// a marker bit bounds it, and consumed exactly once downstream.
type AccessUnit struct {
	Timestamp uint32
	Units     [][]byte

	// Keyframe is set when any contained NAL is an IDR slice.
	Keyframe bool

	// HasParameterSets is set when the unit carries both SPS and PPS.
	HasParameterSets bool

	// Arrival is when the first contributing packet was received; the gate
	// measures display deadlines against it.
	Arrival time.Time

	hasSPS, hasPPS bool
}

func (au *AccessUnit) add(nal []byte) {
	au.Units = append(au.Units, nal)
	switch NALType(nal[0]) {
	case NALIDRSlice:
		au.Keyframe = true
	case NALSPS:
		au.hasSPS = true
	case NALPPS:
		au.hasPPS = true
	}
	au.HasParameterSets = au.hasSPS && au.hasPPS
}

// Bytes returns the unit as an Annex-B byte stream with 4-byte start codes.
func (au *AccessUnit) Bytes() []byte {
	size := 0
	for _, u := range au.Units {
		size += 4 + len(u)
	}
	out := make([]byte, 0, size)
	for _, u := range au.Units {
		out = append(out, 0, 0, 0, 1)
		out = append(out, u...)
	}
	return out
}
