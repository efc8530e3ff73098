package fec

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/kestrel/internal/rtp"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Group: 0xCAFEBABE, Index: 9, K: 8, N: 10}
	wire := AppendHeader(nil, h)
	wire = append(wire, 0x01) // non-empty block data

	got, data, err := ParseHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, []byte{0x01}, data)
}

func TestParseHeaderRejects(t *testing.T) {
	cases := map[string][]byte{
		"short":         {1, 2, 3},
		"header only":   AppendHeader(nil, Header{K: 1, N: 1}),
		"k zero":        append(AppendHeader(nil, Header{K: 0, N: 4}), 1),
		"n below k":     append(AppendHeader(nil, Header{K: 8, N: 4}), 1),
		"index outside": append(AppendHeader(nil, Header{Index: 10, K: 8, N: 10}), 1),
	}
	for name, wire := range cases {
		_, _, err := ParseHeader(wire)
		assert.ErrorIs(t, err, ErrFraming, name)
	}
}

func TestBlockDataRoundTrip(t *testing.T) {
	data := appendBlockData(nil, 42, 90000, true, []byte{1, 2, 3})
	// Zero padding must not disturb the declared length.
	data = append(data, 0, 0, 0, 0, 0)

	b, err := parseBlockData(data)
	require.NoError(t, err)
	assert.EqualValues(t, 42, b.Seq)
	assert.EqualValues(t, 90000, b.Timestamp)
	assert.True(t, b.Marker)
	assert.Equal(t, []byte{1, 2, 3}, b.Payload)
}

func TestBlockDataRejects(t *testing.T) {
	_, err := parseBlockData([]byte{0, 1})
	assert.ErrorIs(t, err, ErrFraming)

	// Declared length overruns the block.
	bad := appendBlockData(nil, 1, 1, false, []byte{1, 2, 3, 4})
	_, err = parseBlockData(bad[:len(bad)-2])
	assert.ErrorIs(t, err, ErrFraming)
}

func TestPoolBucketing(t *testing.T) {
	p := NewPool()

	buf := p.Get(300)
	assert.Len(t, buf, 300)
	assert.Equal(t, 512, cap(buf), "rounded to the next 256 multiple")

	buf[0] = 0xFF
	p.Put(buf)
	again := p.Get(200)
	assert.Equal(t, 512, cap(again), "reused from the 512 bucket")
	assert.EqualValues(t, 0, again[0], "pooled buffers are re-zeroed")
}

func TestPoolCap(t *testing.T) {
	p := NewPool()
	bufs := make([][]byte, 0, bucketCap+8)
	for i := 0; i < bucketCap+8; i++ {
		bufs = append(bufs, p.Get(100))
	}
	for _, b := range bufs {
		p.Put(b)
	}
	assert.Len(t, p.buckets[bucketQuantum], bucketCap, "excess buffers are released")
}

// --- assembler fixtures -----------------------------------------------------

type fakeTimers struct {
	fns []func()
}

func (f *fakeTimers) afterFunc(_ time.Duration, fn func()) *time.Timer {
	f.fns = append(f.fns, fn)
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

func (f *fakeTimers) fire(i int) { f.fns[i]() }

type capture struct {
	blocks []Block
}

func (c *capture) emit(b Block) { c.blocks = append(c.blocks, b) }

// sendGroup pushes the chosen wire blocks of one encoded group into the
// assembler as RTP packets.
func sendGroup(t *testing.T, a *Assembler, blocks []EncodedBlock, keep func(index int) bool) {
	t.Helper()
	for _, b := range blocks {
		if !keep(int(b.Header.Index)) {
			continue
		}
		a.Push(&rtp.Packet{
			Sequence: b.Header.Index, // sequencing is irrelevant below the reorder buffer
			Payload:  b.Payload,
			Arrival:  time.Now(),
		})
	}
}

func encodeGroup(t *testing.T, k, n int, payloads [][]byte) []EncodedBlock {
	t.Helper()
	enc, err := NewEncoder(k, n)
	require.NoError(t, err)
	var out []EncodedBlock
	for i, p := range payloads {
		blocks, err := enc.Add(uint16(i), uint32(i)*1500, i == len(payloads)-1, p)
		require.NoError(t, err)
		out = append(out, blocks...)
	}
	require.Len(t, out, n, "one group should be complete")
	return out
}

func randomPayloads(k int, rng *rand.Rand) [][]byte {
	out := make([][]byte, k)
	for i := range out {
		out[i] = make([]byte, 100+rng.Intn(900))
		rng.Read(out[i])
	}
	return out
}

func TestAssemblerRecoversTwoMissingPrimaries(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	payloads := randomPayloads(8, rng)
	blocks := encodeGroup(t, 8, 10, payloads)

	timers := &fakeTimers{}
	sink := &capture{}
	a := NewAssembler(AssemblerConfig{AfterFunc: timers.afterFunc}, nil, sink.emit)

	// Drop primaries 2 and 5; both parity blocks arrive.
	sendGroup(t, a, blocks, func(i int) bool { return i != 2 && i != 5 })

	require.Len(t, sink.blocks, 8, "flush-at-k emits all primaries")
	assert.Zero(t, a.Pending())
	for i, b := range sink.blocks {
		assert.True(t, b.Recovered)
		assert.EqualValues(t, i, b.Seq)
		assert.Equal(t, payloads[i], b.Payload, "block %d must be bit-exact", i)
	}
	assert.EqualValues(t, 1, a.Stats().Recovered)
}

func TestAssemblerNoLossFastPath(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	payloads := randomPayloads(4, rng)
	blocks := encodeGroup(t, 4, 6, payloads)

	timers := &fakeTimers{}
	sink := &capture{}
	a := NewAssembler(AssemblerConfig{AfterFunc: timers.afterFunc}, nil, sink.emit)

	// Only the 4 primaries; the group flushes at k without any parity.
	sendGroup(t, a, blocks, func(i int) bool { return i < 4 })

	require.Len(t, sink.blocks, 4)
	for i, b := range sink.blocks {
		assert.Equal(t, payloads[i], b.Payload)
	}
}

func TestAssemblerIgnoresStragglersAfterFlush(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	payloads := randomPayloads(4, rng)
	blocks := encodeGroup(t, 4, 6, payloads)

	timers := &fakeTimers{}
	sink := &capture{}
	a := NewAssembler(AssemblerConfig{AfterFunc: timers.afterFunc}, nil, sink.emit)

	// Primaries flush the group at k; the parity blocks trail behind.
	sendGroup(t, a, blocks, func(i int) bool { return i < 4 })
	require.Len(t, sink.blocks, 4)

	sendGroup(t, a, blocks, func(i int) bool { return i >= 4 })

	assert.Len(t, sink.blocks, 4, "stragglers emit nothing")
	assert.Zero(t, a.Pending(), "a flushed group is not recreated")
	assert.Zero(t, a.Stats().Degraded)
	assert.Len(t, timers.fns, 1, "no new expiry timer is armed")
}

func TestAssemblerDegradedEmissionOnTimeout(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	payloads := randomPayloads(8, rng)
	blocks := encodeGroup(t, 8, 10, payloads)

	timers := &fakeTimers{}
	sink := &capture{}
	a := NewAssembler(AssemblerConfig{AfterFunc: timers.afterFunc}, nil, sink.emit)

	// Only 7 of 10 blocks arrive (5 primaries + 2 parity): short of k.
	kept := map[int]bool{0: true, 1: true, 3: true, 4: true, 7: true, 8: true, 9: true}
	sendGroup(t, a, blocks, func(i int) bool { return kept[i] })
	assert.Empty(t, sink.blocks, "nothing flushes before the timer")

	timers.fire(0)

	require.Len(t, sink.blocks, 5, "only received primaries are emitted")
	wantSeqs := []uint16{0, 1, 3, 4, 7}
	for i, b := range sink.blocks {
		assert.False(t, b.Recovered, "degraded blocks are tagged not recovered")
		assert.Equal(t, wantSeqs[i], b.Seq)
		assert.Equal(t, payloads[wantSeqs[i]], b.Payload)
	}
	assert.EqualValues(t, 1, a.Stats().Degraded)
	assert.Zero(t, a.Stats().Recovered, "no decode call may happen")
}

func TestAssemblerSingleParitySubstitution(t *testing.T) {
	rng := rand.New(rand.NewSource(24))
	payloads := randomPayloads(8, rng)
	blocks := encodeGroup(t, 8, 10, payloads)

	timers := &fakeTimers{}
	sink := &capture{}
	a := NewAssembler(AssemblerConfig{AfterFunc: timers.afterFunc}, nil, sink.emit)

	// Primary 5 and parity 9 lost; parity 8 stands in for primary 5 and the
	// group flushes the moment the k-th block lands.
	sendGroup(t, a, blocks, func(i int) bool { return i != 5 && i != 9 })

	require.Len(t, sink.blocks, 8)
	assert.EqualValues(t, 1, a.Stats().Recovered)
	assert.Equal(t, payloads[5], sink.blocks[5].Payload)
	assert.True(t, sink.blocks[5].Recovered)
}

func TestAssemblerEvictsOldestGroup(t *testing.T) {
	timers := &fakeTimers{}
	sink := &capture{}
	a := NewAssembler(AssemblerConfig{MaxGroups: 2, AfterFunc: timers.afterFunc}, nil, sink.emit)

	push := func(gid uint32, idx uint16, payload byte) {
		h := Header{Group: gid, Index: idx, K: 4, N: 6}
		wire := AppendHeader(nil, h)
		wire = appendBlockData(wire, idx, 0, false, []byte{payload})
		a.Push(&rtp.Packet{Sequence: idx, Payload: wire, Arrival: time.Now()})
	}

	push(1, 0, 0xA1)
	push(2, 0, 0xB1)
	assert.Equal(t, 2, a.Pending())

	// A third concurrent group forces the oldest (1) out, degraded.
	push(3, 0, 0xC1)
	assert.Equal(t, 2, a.Pending())
	assert.EqualValues(t, 1, a.Stats().Evicted)
	assert.Zero(t, a.Stats().Degraded, "an evicted group counts only as evicted")
	require.Len(t, sink.blocks, 1)
	assert.Equal(t, []byte{0xA1}, sink.blocks[0].Payload)
	assert.False(t, sink.blocks[0].Recovered)
}

func TestAssemblerMalformedCounted(t *testing.T) {
	timers := &fakeTimers{}
	sink := &capture{}
	a := NewAssembler(AssemblerConfig{AfterFunc: timers.afterFunc}, nil, sink.emit)

	a.Push(&rtp.Packet{Payload: []byte{1, 2, 3}, Arrival: time.Now()})
	assert.EqualValues(t, 1, a.Stats().Malformed)
	assert.Empty(t, sink.blocks)
	assert.Zero(t, a.Pending())
}

func TestAssemblerCloseCancelsTimers(t *testing.T) {
	timers := &fakeTimers{}
	sink := &capture{}
	a := NewAssembler(AssemblerConfig{AfterFunc: timers.afterFunc}, nil, sink.emit)

	h := Header{Group: 7, Index: 0, K: 4, N: 6}
	wire := appendBlockData(AppendHeader(nil, h), 0, 0, false, []byte{1})
	a.Push(&rtp.Packet{Payload: wire, Arrival: time.Now()})
	require.Equal(t, 1, a.Pending())

	a.Close()
	assert.Zero(t, a.Pending())
	timers.fire(0) // late fire after close must not emit against freed state
	assert.Empty(t, sink.blocks)
}

func TestEncoderGroupNumbering(t *testing.T) {
	enc, err := NewEncoder(2, 3)
	require.NoError(t, err)

	first, err := enc.Add(0, 0, false, []byte{1})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.EqualValues(t, 0, first[0].Header.Group)
	assert.EqualValues(t, 0, first[0].Header.Index)

	second, err := enc.Add(1, 0, true, []byte{2, 3})
	require.NoError(t, err)
	require.Len(t, second, 2, "completing unit carries the parity block")
	assert.EqualValues(t, 1, second[0].Header.Index)
	assert.EqualValues(t, 2, second[1].Header.Index)

	third, err := enc.Add(2, 1500, false, []byte{4})
	require.NoError(t, err)
	assert.EqualValues(t, 1, third[0].Header.Group, "group id advances")
}

func TestEncoderRejectsBadParams(t *testing.T) {
	for _, tc := range []struct{ k, n int }{{0, 4}, {5, 4}, {4, 256}} {
		_, err := NewEncoder(tc.k, tc.n)
		assert.Error(t, err, "k=%d n=%d", tc.k, tc.n)
	}
}
