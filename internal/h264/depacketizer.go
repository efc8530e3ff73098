package h264

import (
	"encoding/binary"
	"time"

	"firestige.xyz/kestrel/internal/log"
	"firestige.xyz/kestrel/internal/rtp"
)

// DefaultGapDiscard: a sequence gap larger than this makes an in-progress
// FU-A accumulation untrustworthy, so it is discarded along with the
// partially assembled access unit.
const DefaultGapDiscard = 5

const (
	fuaStartBit = 0x80
	fuaEndBit   = 0x40
	nalRefMask  = 0xE0 // F + NRI bits of the NAL header
)

// Discontinuity is reported when the incoming sequence numbering breaks; the
// pipeline uses it to reset the gate and signal the decoder, since silently
// continuing past a gap risks feeding corrupt delta frames downstream.
type Discontinuity struct {
	Gap       uint16 // minimum cyclic distance of the jump
	Discarded bool   // an in-progress fragment/access unit was thrown away
}

// DepacketizerConfig tunes the depacketizer. Zero values select defaults.
type DepacketizerConfig struct {
	GapDiscard uint16
}

// Depacketizer turns the ordered primary-block stream into access units.
// One instance per stream; not self-synchronised.
type Depacketizer struct {
	cfg    DepacketizerConfig
	logger log.Logger

	started bool
	lastSeq uint16

	// FU-A accumulation state.
	frag   []byte
	fragTS uint32

	current *AccessUnit

	units uint64 // NAL units emitted, for diagnostics
}

// NewDepacketizer creates a depacketizer.
func NewDepacketizer(cfg DepacketizerConfig) *Depacketizer {
	if cfg.GapDiscard == 0 {
		cfg.GapDiscard = DefaultGapDiscard
	}
	return &Depacketizer{
		cfg:    cfg,
		logger: log.GetLogger().WithField("component", "h264"),
	}
}

// Push consumes one media unit (an RTP payload in RFC 6184 framing) and
// returns any access units completed by it, plus a discontinuity event when
// the sequence numbering broke. Returned units are finalized and never
// touched again by the depacketizer.
func (d *Depacketizer) Push(seq uint16, ts uint32, marker bool, arrival time.Time, payload []byte) ([]*AccessUnit, *Discontinuity) {
	var done []*AccessUnit
	disc := d.trackSequence(seq)

	if len(payload) == 0 {
		return done, disc
	}

	emit := func(nal []byte, nalTS uint32) {
		if au := d.boundary(nalTS, arrival); au != nil {
			done = append(done, au)
		}
		d.current.add(nal)
		d.units++
	}

	switch NALType(payload[0]) {
	case NALStapA:
		d.splitStapA(payload, ts, emit)
	case NALFuA:
		d.pushFragment(payload, ts, emit)
	default:
		// Types 1..23 travel as a single NAL unit. The payload is copied
		// because it aliases a transient block buffer.
		emit(append([]byte(nil), payload...), ts)
	}

	if marker {
		if au := d.finalize(); au != nil {
			done = append(done, au)
		}
	}
	return done, disc
}

// trackSequence detects breaks in the (cyclic) numbering of the primary
// block stream.
func (d *Depacketizer) trackSequence(seq uint16) *Discontinuity {
	if !d.started {
		d.started = true
		d.lastSeq = seq
		return nil
	}
	prev := d.lastSeq
	d.lastSeq = seq
	if seq == prev+1 {
		return nil
	}

	disc := &Discontinuity{Gap: rtp.SeqGap(seq, prev+1)}
	if disc.Gap > d.cfg.GapDiscard {
		// The stream can no longer be trusted to be contiguous: drop the
		// half-built fragment and the half-built access unit.
		if d.frag != nil || d.current != nil {
			disc.Discarded = true
		}
		d.frag = nil
		d.current = nil
		d.logger.WithField("gap", disc.Gap).Debug("sequence discontinuity, discarding partial state")
	}
	return disc
}

// boundary closes the current access unit when ts opens a new one, and
// makes sure a current unit exists. Returns the finalized unit, if any.
func (d *Depacketizer) boundary(ts uint32, arrival time.Time) (finalized *AccessUnit) {
	if d.current != nil && d.current.Timestamp != ts {
		finalized = d.finalize()
	}
	if d.current == nil {
		d.current = &AccessUnit{Timestamp: ts, Arrival: arrival}
	}
	return finalized
}

func (d *Depacketizer) finalize() *AccessUnit {
	au := d.current
	d.current = nil
	if au != nil && len(au.Units) == 0 {
		return nil
	}
	return au
}

// splitStapA walks the (length, NAL) pairs of an aggregation packet. A
// zero-length entry is skipped, a declared length overrunning the payload
// stops the walk.
func (d *Depacketizer) splitStapA(payload []byte, ts uint32, emit func([]byte, uint32)) {
	off := 1
	for off+2 <= len(payload) {
		size := int(binary.BigEndian.Uint16(payload[off : off+2]))
		off += 2
		if size == 0 {
			d.logger.Debug("empty stap-a entry, skipping")
			continue
		}
		if off+size > len(payload) {
			d.logger.WithFields(map[string]interface{}{
				"declared": size,
				"remain":   len(payload) - off,
			}).Debug("stap-a entry overruns payload, dropping rest")
			return
		}
		emit(append([]byte(nil), payload[off:off+size]...), ts)
		off += size
	}
}

// pushFragment handles one FU-A fragment. The reconstructed NAL header is
// the indicator's F/NRI bits combined with the original type from the
// fragment header. Continuations with a foreign timestamp abort the
// accumulation; interleaved fragments across frames must never merge.
func (d *Depacketizer) pushFragment(payload []byte, ts uint32, emit func([]byte, uint32)) {
	if len(payload) < 2 {
		return
	}
	indicator, fuHeader := payload[0], payload[1]

	if fuHeader&fuaStartBit != 0 {
		header := indicator&nalRefMask | fuHeader&NALTypeMask
		d.frag = append(d.frag[:0], header)
		d.frag = append(d.frag, payload[2:]...)
		d.fragTS = ts
	} else {
		if d.frag == nil {
			return // continuation without a start, ignore
		}
		if d.fragTS != ts {
			// Corrupt fragmentation: discard and ignore the stray.
			d.frag = nil
			return
		}
		d.frag = append(d.frag, payload[2:]...)
	}

	if fuHeader&fuaEndBit != 0 && d.frag != nil {
		nal := append([]byte(nil), d.frag...)
		d.frag = nil
		emit(nal, d.fragTS)
	}
}

// Units returns the number of NAL units emitted so far.
func (d *Depacketizer) Units() uint64 { return d.units }
