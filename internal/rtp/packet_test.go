package rtp

import (
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// marshalPion builds a well-formed datagram with pion/rtp so the parser is
// exercised against an independent RTP implementation.
func marshalPion(t *testing.T, pkt *pionrtp.Packet) []byte {
	t.Helper()
	buf, err := pkt.Marshal()
	require.NoError(t, err)
	return buf
}

func TestParseBasic(t *testing.T) {
	buf := marshalPion(t, &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: 4711,
			Timestamp:      0xDEADBEEF,
			SSRC:           0x11223344,
		},
		Payload: []byte{0x65, 0x01, 0x02, 0x03},
	})

	p, err := Parse(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.Version)
	assert.True(t, p.Marker)
	assert.EqualValues(t, 96, p.PayloadType)
	assert.EqualValues(t, 4711, p.Sequence)
	assert.EqualValues(t, 0xDEADBEEF, p.Timestamp)
	assert.EqualValues(t, 0x11223344, p.SSRC)
	assert.Equal(t, []byte{0x65, 0x01, 0x02, 0x03}, p.Payload)
}

func TestParseCSRCAndExtension(t *testing.T) {
	buf := marshalPion(t, &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:          2,
			PayloadType:      96,
			SequenceNumber:   1,
			CSRC:             []uint32{1, 2},
			Extension:        true,
			ExtensionProfile: 0xBEDE,
		},
		Payload: []byte{0x41, 0xAA},
	})

	p, err := Parse(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.CSRCCount)
	assert.True(t, p.Extension)
	assert.Equal(t, []byte{0x41, 0xAA}, p.Payload)
}

func TestParsePadding(t *testing.T) {
	// V=2, padding set; payload 0x41 0x42 followed by 2 padding bytes, the
	// last of which carries the padding length.
	buf := []byte{
		0xA0, 96, 0x00, 0x05,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x02,
		0x41, 0x42,
		0x00, 0x02,
	}
	p, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41, 0x42}, p.Payload)
}

func TestParseRejects(t *testing.T) {
	valid := marshalPion(t, &pionrtp.Packet{
		Header:  pionrtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 9},
		Payload: []byte{0x41},
	})

	cases := map[string][]byte{
		"empty":         {},
		"truncated":     valid[:8],
		"header only":   valid[:12],
		"wrong version": append([]byte{0x40}, valid[1:]...),
		// CC claims 4 CSRCs that are not there.
		"csrc overrun": append([]byte{0x84}, valid[1:]...),
		// Extension flag set but no extension header present.
		"ext overrun": append([]byte{0x90}, valid[1:]...),
		// Padding consumes the whole payload.
		"all padding": {0xA0, 96, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0x41, 0x02},
	}
	for name, buf := range cases {
		_, err := Parse(buf)
		assert.ErrorIs(t, err, ErrMalformed, name)
	}
}

func TestParseDoesNotCopy(t *testing.T) {
	buf := marshalPion(t, &pionrtp.Packet{
		Header:  pionrtp.Header{Version: 2, PayloadType: 96},
		Payload: []byte{0x41, 0x01},
	})
	p, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, &buf[12], &p.Payload[0], "payload should alias the datagram")
}

func TestSequenceHelpers(t *testing.T) {
	assert.True(t, SeqNewer(1, 0))
	assert.True(t, SeqNewer(0, 65535), "wraparound")
	assert.True(t, SeqNewer(100, 65000))
	assert.False(t, SeqNewer(65000, 100))
	assert.False(t, SeqNewer(5, 5))
	assert.False(t, SeqNewer(0, 1))

	assert.EqualValues(t, 1, SeqForward(65535, 0))
	assert.EqualValues(t, 10, SeqForward(5, 15))

	assert.EqualValues(t, 1, SeqGap(0, 65535))
	assert.EqualValues(t, 3, SeqGap(10, 7))
	assert.EqualValues(t, 3, SeqGap(7, 10))
}

func TestStatsLossAndRestart(t *testing.T) {
	s := NewStats(VideoClockRate)
	base := time.Now()
	at := func(seq uint16, ts uint32, d time.Duration) *Packet {
		return &Packet{Sequence: seq, Timestamp: ts, Payload: []byte{1, 2}, Arrival: base.Add(d)}
	}

	s.Record(at(100, 0, 0))
	s.Record(at(101, 3000, 11*time.Millisecond))
	assert.EqualValues(t, 0, s.Lost())

	// 102..104 missing.
	s.Record(at(105, 15000, 55*time.Millisecond))
	assert.EqualValues(t, 3, s.Lost())
	assert.EqualValues(t, 105, s.Highest())

	// A straggler closes one booked gap.
	s.Record(at(103, 9000, 60*time.Millisecond))
	assert.EqualValues(t, 2, s.Lost())
	assert.EqualValues(t, 105, s.Highest())

	// Jump of >= 100 is a restart, not loss.
	s.Record(at(1000, 200000, 80*time.Millisecond))
	assert.EqualValues(t, 2, s.Lost())
	assert.EqualValues(t, 1000, s.Highest())

	assert.EqualValues(t, 5, s.Packets())
	assert.EqualValues(t, 10, s.Bytes())
}

func TestStatsJitter(t *testing.T) {
	s := NewStats(VideoClockRate)
	base := time.Now()

	// Perfectly paced 60 fps stream: zero jitter.
	for i := 0; i < 20; i++ {
		s.Record(&Packet{
			Sequence:  uint16(i),
			Timestamp: uint32(i * 1500),
			Payload:   []byte{0},
			Arrival:   base.Add(time.Duration(i) * 16666667 * time.Nanosecond),
		})
	}
	assert.InDelta(t, 0, s.JitterMillis(), 0.2)

	// Now a burst of badly timed packets drives the estimate up.
	for i := 20; i < 40; i++ {
		wobble := time.Duration(i%2) * 8 * time.Millisecond
		s.Record(&Packet{
			Sequence:  uint16(i),
			Timestamp: uint32(i * 1500),
			Payload:   []byte{0},
			Arrival:   base.Add(time.Duration(i)*16666667*time.Nanosecond + wobble),
		})
	}
	assert.Greater(t, s.JitterMillis(), 1.0)
}
