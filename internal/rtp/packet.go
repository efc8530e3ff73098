// Package rtp implements the receive-side RTP plumbing of the video link:
// datagram parsing (RFC 3550 §5.1), wraparound-safe sequence arithmetic,
// a bounded-wait reorder buffer, and per-stream jitter/loss statistics.
package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// headerLen is the fixed RTP header size (RFC 3550 §5.1).
	headerLen = 12

	rtpVersion = 2
)

// ErrMalformed tags every parse failure; callers drop and count, they never
// propagate a per-packet error up the pipeline.
var ErrMalformed = errors.New("malformed rtp packet")

// Packet is one parsed RTP datagram. Payload aliases the datagram buffer,
// so the buffer must not be reused while the packet is alive. Immutable
// once parsed.
type Packet struct {
	Version     uint8
	Padding     bool
	Extension   bool
	CSRCCount   uint8
	Marker      bool
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	Payload     []byte

	// Arrival is stamped by the transport when the datagram was read.
	Arrival time.Time
}

// Parse decodes a raw datagram into a Packet. It validates the minimum
// length, the version field, and that the computed header (fixed part,
// CSRC list, extension) plus any trailing padding leaves a non-empty
// payload. Pure function, no side effects.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(buf), headerLen)
	}

	version := buf[0] >> 6
	if version != rtpVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, version)
	}

	p := &Packet{
		Version:     version,
		Padding:     buf[0]&0x20 != 0,
		Extension:   buf[0]&0x10 != 0,
		CSRCCount:   buf[0] & 0x0F,
		Marker:      buf[1]&0x80 != 0,
		PayloadType: buf[1] & 0x7F,
		Sequence:    binary.BigEndian.Uint16(buf[2:4]),
		Timestamp:   binary.BigEndian.Uint32(buf[4:8]),
		SSRC:        binary.BigEndian.Uint32(buf[8:12]),
	}

	hdrLen := headerLen + 4*int(p.CSRCCount)
	if p.Extension {
		if len(buf) < hdrLen+4 {
			return nil, fmt.Errorf("%w: truncated extension header", ErrMalformed)
		}
		extWords := int(binary.BigEndian.Uint16(buf[hdrLen+2 : hdrLen+4]))
		hdrLen += 4 + 4*extWords
	}
	if hdrLen > len(buf) {
		return nil, fmt.Errorf("%w: header length %d exceeds datagram length %d", ErrMalformed, hdrLen, len(buf))
	}

	payloadLen := len(buf) - hdrLen
	if p.Padding {
		payloadLen -= int(buf[len(buf)-1])
	}
	if payloadLen <= 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	p.Payload = buf[hdrLen : hdrLen+payloadLen]
	return p, nil
}
