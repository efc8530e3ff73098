// Package pipeline wires the receive chain: RTP parsing, reordering, FEC
// group assembly, H.264 depacketization and the delivery gate. The stage
// components are not self-synchronised; the pipeline owns one mutex and
// serialises datagram handling, timer callbacks and shutdown under it.
package pipeline

import (
	"sync"
	"time"

	"firestige.xyz/kestrel/internal/fec"
	"firestige.xyz/kestrel/internal/gate"
	"firestige.xyz/kestrel/internal/h264"
	"firestige.xyz/kestrel/internal/log"
	"firestige.xyz/kestrel/internal/metrics"
	"firestige.xyz/kestrel/internal/rtp"
)

// Config assembles one pipeline. Decoder is required; zero values elsewhere
// select the component defaults.
type Config struct {
	MediaPayloadType  uint8
	ParityPayloadType uint8

	// FecEnabled selects the wire format: when true every media and parity
	// packet carries FEC framing; when false media packets are plain RFC
	// 6184 payloads and parity packets are not expected.
	FecEnabled bool

	Reorder   rtp.ReorderConfig
	Assembler fec.AssemblerConfig
	Depack    h264.DepacketizerConfig
	Gate      gate.Config

	Decoder gate.Decoder
}

// Stats is a snapshot of the pipeline's counters.
type Stats struct {
	Packets      uint64
	Bytes        uint64
	Lost         uint64
	JitterMillis float64

	IgnoredPayloadType uint64
	MalformedPackets   uint64

	Fec fec.AssemblerStats

	AccessUnits     uint64
	Keyframes       uint64
	Discontinuities uint64

	Delivered uint64
	Dropped   map[gate.DropReason]uint64
}

// Pipeline drives one video stream from raw datagrams to gated access units.
type Pipeline struct {
	cfg    Config
	logger log.Logger

	mu     sync.Mutex
	closed bool

	stats   *rtp.Stats
	reorder *rtp.Reorder
	fecAsm  *fec.Assembler
	depack  *h264.Depacketizer
	gate    *gate.Gate

	ssrc      uint32
	ssrcKnown bool
	ignoredPT uint64
	malformed uint64
	units     uint64
	keyframes uint64
	breaks    uint64
}

// New builds a pipeline around cfg.Decoder.
func New(cfg Config) *Pipeline {
	if cfg.MediaPayloadType == 0 {
		cfg.MediaPayloadType = 96
	}
	if cfg.ParityPayloadType == 0 {
		cfg.ParityPayloadType = 97
	}
	p := &Pipeline{
		logger: log.GetLogger().WithField("component", "pipeline"),
		stats:  rtp.NewStats(rtp.VideoClockRate),
	}

	// Timer callbacks from the reorder buffer and the assembler re-enter
	// the stage chain, so they take the pipeline mutex like a datagram.
	// The wrapped config is kept so a stream restart rebuilds components
	// with the same serialisation.
	cfg.Reorder.AfterFunc = p.wrapAfterFunc(cfg.Reorder.AfterFunc)
	cfg.Assembler.AfterFunc = p.wrapAfterFunc(cfg.Assembler.AfterFunc)
	p.cfg = cfg

	p.gate = gate.New(cfg.Gate, cfg.Decoder)
	p.depack = h264.NewDepacketizer(cfg.Depack)
	if cfg.FecEnabled {
		p.fecAsm = fec.NewAssembler(cfg.Assembler, nil, p.handleBlock)
	}
	p.reorder = rtp.NewReorder(cfg.Reorder, p.handleOrdered)
	return p
}

func (p *Pipeline) wrapAfterFunc(inner func(time.Duration, func()) *time.Timer) func(time.Duration, func()) *time.Timer {
	if inner == nil {
		inner = time.AfterFunc
	}
	return func(d time.Duration, fn func()) *time.Timer {
		return inner(d, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.closed {
				return
			}
			fn()
		})
	}
}

// HandleDatagram consumes one raw datagram. buf must not be reused by the
// caller afterwards; packet payloads alias it through the stage chain.
func (p *Pipeline) HandleDatagram(buf []byte, arrival time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	pkt, err := rtp.Parse(buf)
	if err != nil {
		p.malformed++
		p.logger.WithError(err).Debug("dropping malformed datagram")
		return
	}
	pkt.Arrival = arrival

	switch pkt.PayloadType {
	case p.cfg.MediaPayloadType:
		metrics.PacketsTotal.WithLabelValues(metrics.KindMedia).Inc()
	case p.cfg.ParityPayloadType:
		if !p.cfg.FecEnabled {
			p.ignoredPT++
			return
		}
		metrics.PacketsTotal.WithLabelValues(metrics.KindParity).Inc()
	default:
		p.ignoredPT++
		return
	}

	// Latch onto the first SSRC; a new SSRC is a sender restart, so the
	// whole chain starts over.
	if !p.ssrcKnown {
		p.ssrc = pkt.SSRC
		p.ssrcKnown = true
	} else if pkt.SSRC != p.ssrc {
		p.logger.WithFields(map[string]interface{}{
			"old": p.ssrc,
			"new": pkt.SSRC,
		}).Info("ssrc changed, restarting stream state")
		p.restartLocked(pkt.SSRC)
	}

	prevLost := p.stats.Lost()
	p.stats.Record(pkt)
	// Stragglers decrement the booked loss, so only forward growth counts.
	if lost := p.stats.Lost(); lost > prevLost {
		metrics.PacketsLostTotal.Add(float64(lost - prevLost))
	}
	metrics.BytesTotal.Add(float64(len(pkt.Payload)))
	metrics.JitterMillis.Set(p.stats.JitterMillis())

	p.reorder.Push(pkt)
}

// restartLocked rebuilds per-stream state after a sender restart.
func (p *Pipeline) restartLocked(ssrc uint32) {
	p.reorder.Close()
	if p.fecAsm != nil {
		p.fecAsm.Close()
		p.fecAsm = fec.NewAssembler(p.cfg.Assembler, nil, p.handleBlock)
	}
	p.reorder = rtp.NewReorder(p.cfg.Reorder, p.handleOrdered)
	p.depack = h264.NewDepacketizer(p.cfg.Depack)
	p.stats = rtp.NewStats(rtp.VideoClockRate)
	p.gate.Reset()
	p.ssrc = ssrc
}

// handleOrdered receives packets from the reorder buffer in sequence order.
// Runs under the pipeline mutex.
func (p *Pipeline) handleOrdered(pkt *rtp.Packet) {
	if p.fecAsm != nil {
		p.fecAsm.Push(pkt)
		return
	}
	// FEC disabled: the payload is a bare RFC 6184 media unit.
	if pkt.PayloadType != p.cfg.MediaPayloadType {
		p.ignoredPT++
		return
	}
	p.consumeUnit(pkt.Sequence, pkt.Timestamp, pkt.Marker, pkt.Arrival, pkt.Payload)
}

// handleBlock receives primary media units from the FEC assembler, in block
// index order. Runs under the pipeline mutex.
func (p *Pipeline) handleBlock(b fec.Block) {
	p.consumeUnit(b.Seq, b.Timestamp, b.Marker, b.Arrival, b.Payload)
}

func (p *Pipeline) consumeUnit(seq uint16, ts uint32, marker bool, arrival time.Time, payload []byte) {
	done, disc := p.depack.Push(seq, ts, marker, arrival, payload)
	if disc != nil {
		p.breaks++
		metrics.DiscontinuitiesTotal.Inc()
		// Reference frames are gone either way; hold output until the
		// next keyframe gives the decoder a clean restart.
		p.gate.Reset()
	}
	for _, au := range done {
		p.units++
		kind := metrics.KindDelta
		if au.Keyframe {
			p.keyframes++
			kind = metrics.KindKeyframe
		}
		metrics.AccessUnitsTotal.WithLabelValues(kind).Inc()
		p.gate.Submit(au)
	}
}

// Flush force-flushes the reorder buffer and all pending FEC groups. Used
// at end of replay to drain buffered tail data.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for p.reorder.Pending() > 0 {
		p.reorder.ForceFlush()
		metrics.ReorderFlushesTotal.Inc()
	}
	if p.fecAsm != nil {
		p.fecAsm.FlushAll()
	}
}

// Stats returns a snapshot of the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Packets:            p.stats.Packets(),
		Bytes:              p.stats.Bytes(),
		Lost:               p.stats.Lost(),
		JitterMillis:       p.stats.JitterMillis(),
		IgnoredPayloadType: p.ignoredPT,
		MalformedPackets:   p.malformed,
		AccessUnits:        p.units,
		Keyframes:          p.keyframes,
		Discontinuities:    p.breaks,
		Delivered:          p.gate.Delivered(),
		Dropped:            make(map[gate.DropReason]uint64),
	}
	if p.fecAsm != nil {
		s.Fec = p.fecAsm.Stats()
	}
	for _, r := range []gate.DropReason{gate.DropAwaitingKeyframe, gate.DropTooOld, gate.DropBacklog} {
		s.Dropped[r] = p.gate.Drops(r)
	}
	return s
}

// Close drains nothing: buffered packets and open FEC groups are abandoned,
// their timers cancelled. Idempotent.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.reorder.Close()
	if p.fecAsm != nil {
		p.fecAsm.Close()
	}
	p.closed = true
	p.logger.Info("pipeline closed")
}
