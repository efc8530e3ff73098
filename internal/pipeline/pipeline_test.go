package pipeline

import (
	"encoding/binary"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/kestrel/internal/fec"
	"firestige.xyz/kestrel/internal/gate"
	"firestige.xyz/kestrel/internal/h264"
	"firestige.xyz/kestrel/internal/rtp"
)

const (
	testMediaPT  = 96
	testParityPT = 97
	testSSRC     = 0xdecafbad
)

// idleAfter schedules nothing; tests drive flushing explicitly through
// Flush and the assembler's flush-at-k behaviour.
func idleAfter(_ time.Duration, fn func()) *time.Timer {
	_ = fn
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

type captureDecoder struct {
	aus   []*h264.AccessUnit
	depth int
}

func (d *captureDecoder) Submit(au *h264.AccessUnit) error {
	d.aus = append(d.aus, au)
	return nil
}

func (d *captureDecoder) QueueDepth() int { return d.depth }

func testConfig(dec gate.Decoder, fecEnabled bool) Config {
	return Config{
		MediaPayloadType:  testMediaPT,
		ParityPayloadType: testParityPT,
		FecEnabled:        fecEnabled,
		Reorder:           rtp.ReorderConfig{AfterFunc: idleAfter},
		Assembler:         fec.AssemblerConfig{AfterFunc: idleAfter},
		Decoder:           dec,
	}
}

// sender builds wire datagrams the way the transmitting side does: media
// units encapsulated into FEC blocks, each block carried in its own RTP
// packet with a continuous wire sequence.
type sender struct {
	t        *testing.T
	enc      *fec.Encoder
	k        int
	wireSeq  uint16
	mediaSeq uint16
}

func newSender(t *testing.T, k, n int) *sender {
	enc, err := fec.NewEncoder(k, n)
	require.NoError(t, err)
	return &sender{t: t, enc: enc, k: k}
}

func (s *sender) marshal(pt uint8, seq uint16, ts uint32, marker bool, payload []byte) []byte {
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           testSSRC,
		},
		Payload: payload,
	}
	buf, err := pkt.Marshal()
	require.NoError(s.t, err)
	return buf
}

// unit encapsulates one media unit and returns the resulting wire datagrams.
func (s *sender) unit(ts uint32, marker bool, payload []byte) [][]byte {
	blocks, err := s.enc.Add(s.mediaSeq, ts, marker, payload)
	require.NoError(s.t, err)
	s.mediaSeq++

	var out [][]byte
	for _, b := range blocks {
		pt := uint8(testMediaPT)
		if int(b.Header.Index) >= s.k {
			pt = testParityPT
		}
		out = append(out, s.marshal(pt, s.wireSeq, ts, false, b.Payload))
		s.wireSeq++
	}
	return out
}

// rawUnit returns one bare RFC 6184 datagram, for FEC-disabled runs.
func (s *sender) rawUnit(ts uint32, marker bool, payload []byte) []byte {
	buf := s.marshal(testMediaPT, s.mediaSeq, ts, marker, payload)
	s.mediaSeq++
	return buf
}

func stapA(nals ...[]byte) []byte {
	out := []byte{0x78} // STAP-A, NRI 3
	for _, nal := range nals {
		out = binary.BigEndian.AppendUint16(out, uint16(len(nal)))
		out = append(out, nal...)
	}
	return out
}

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1f, 0xe9}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x21, 0xa0, 0x3f}
)

func deltaNAL(fill byte) []byte {
	return []byte{0x41, 0x9a, fill, fill, fill}
}

func TestPipelineRecoversDroppedPrimaries(t *testing.T) {
	dec := &captureDecoder{}
	p := New(testConfig(dec, true))
	defer p.Close()

	s := newSender(t, 4, 6)

	// One keyframe and seven deltas, one media unit per frame.
	var wire [][]byte
	wire = append(wire, s.unit(0, true, stapA(testSPS, testPPS, testIDR))...)
	for i := 1; i < 8; i++ {
		wire = append(wire, s.unit(uint32(i*3000), true, deltaNAL(byte(i)))...)
	}
	require.Len(t, wire, 12) // two groups of 4 primaries + 2 parity each

	// Drop one primary from each group; parity must make up for it.
	dropped := map[int]bool{2: true, 7: true}
	now := time.Now()
	for i, buf := range wire {
		if dropped[i] {
			continue
		}
		p.HandleDatagram(buf, now)
	}
	p.Flush()

	require.Len(t, dec.aus, 8)
	assert.True(t, dec.aus[0].Keyframe)
	assert.True(t, dec.aus[0].HasParameterSets)
	for i := 1; i < 8; i++ {
		assert.False(t, dec.aus[i].Keyframe)
		assert.Equal(t, uint32(i*3000), dec.aus[i].Timestamp)
	}

	st := p.Stats()
	assert.Equal(t, uint64(10), st.Packets)
	assert.Equal(t, uint64(8), st.Delivered)
	assert.Equal(t, uint64(0), st.Discontinuities)
	assert.Equal(t, uint64(2), st.Fec.Recovered)
	assert.Equal(t, uint64(0), st.Fec.Degraded)
}

func TestPipelineReordersWire(t *testing.T) {
	dec := &captureDecoder{}
	p := New(testConfig(dec, true))
	defer p.Close()

	s := newSender(t, 4, 6)
	var wire [][]byte
	wire = append(wire, s.unit(0, true, stapA(testSPS, testPPS, testIDR))...)
	for i := 1; i < 4; i++ {
		wire = append(wire, s.unit(uint32(i*3000), true, deltaNAL(byte(i)))...)
	}

	// Swap two adjacent datagrams; the reorder buffer must undo it.
	wire[1], wire[2] = wire[2], wire[1]

	now := time.Now()
	for _, buf := range wire {
		p.HandleDatagram(buf, now)
	}
	p.Flush()

	require.Len(t, dec.aus, 4)
	st := p.Stats()
	assert.Equal(t, uint64(0), st.Discontinuities)
	assert.Equal(t, uint64(4), st.Delivered)
}

func TestPipelineWithoutFecSignalsLoss(t *testing.T) {
	dec := &captureDecoder{}
	p := New(testConfig(dec, false))
	defer p.Close()

	s := newSender(t, 4, 6)
	now := time.Now()

	wire := [][]byte{
		s.rawUnit(0, true, stapA(testSPS, testPPS, testIDR)),
		s.rawUnit(3000, true, deltaNAL(1)),
		s.rawUnit(6000, true, deltaNAL(2)),
		s.rawUnit(9000, true, deltaNAL(3)),
		s.rawUnit(12000, true, deltaNAL(4)),
		s.rawUnit(15000, true, stapA(testSPS, testPPS, testIDR)),
	}

	// Lose the second delta; no parity exists to rebuild it.
	for i, buf := range wire {
		if i == 2 {
			continue
		}
		p.HandleDatagram(buf, now)
	}
	p.Flush()

	// The keyframe and first delta pass; the gap resets the gate, which
	// then holds deltas until the trailing keyframe.
	require.Len(t, dec.aus, 3)
	assert.True(t, dec.aus[0].Keyframe)
	assert.False(t, dec.aus[1].Keyframe)
	assert.True(t, dec.aus[2].Keyframe)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Discontinuities)
	assert.Equal(t, uint64(3), st.Delivered)
	assert.Equal(t, uint64(2), st.Dropped[gate.DropAwaitingKeyframe])
}

func TestPipelineIgnoresForeignPayloadTypes(t *testing.T) {
	dec := &captureDecoder{}
	p := New(testConfig(dec, false))
	defer p.Close()

	s := newSender(t, 4, 6)
	p.HandleDatagram(s.marshal(111, 0, 0, false, []byte{0x01, 0x02}), time.Now())

	st := p.Stats()
	assert.Equal(t, uint64(0), st.Packets)
	assert.Equal(t, uint64(1), st.IgnoredPayloadType)
}

func TestPipelineCountsMalformed(t *testing.T) {
	dec := &captureDecoder{}
	p := New(testConfig(dec, true))
	defer p.Close()

	p.HandleDatagram([]byte{0x80, 0x60, 0x00}, time.Now())

	st := p.Stats()
	assert.Equal(t, uint64(1), st.MalformedPackets)
}

func TestPipelineSSRCChangeRestarts(t *testing.T) {
	dec := &captureDecoder{}
	p := New(testConfig(dec, false))
	defer p.Close()

	s := newSender(t, 4, 6)
	now := time.Now()
	p.HandleDatagram(s.rawUnit(0, true, stapA(testSPS, testPPS, testIDR)), now)
	p.Flush()
	require.Len(t, dec.aus, 1)

	// A different sender takes over the port.
	other := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    testMediaPT,
			SequenceNumber: 9000,
			Timestamp:      77000,
			SSRC:           testSSRC + 1,
		},
		Payload: deltaNAL(9),
	}
	buf, err := other.Marshal()
	require.NoError(t, err)
	p.HandleDatagram(buf, now)
	p.Flush()

	// Post-restart deltas wait for a keyframe again.
	assert.Len(t, dec.aus, 1)
	st := p.Stats()
	assert.Equal(t, uint64(1), st.Dropped[gate.DropAwaitingKeyframe])
	assert.Equal(t, uint64(1), st.Packets) // stats were rebuilt on restart
}

func TestPipelineCloseIsIdempotent(t *testing.T) {
	dec := &captureDecoder{}
	p := New(testConfig(dec, true))
	p.Close()
	p.Close()
	p.HandleDatagram([]byte{0x80}, time.Now())
	assert.Equal(t, uint64(0), p.Stats().Packets)
}
