package rtp

import "time"

const (
	// VideoClockRate is the RTP timestamp rate for H.264 (RFC 6184 §8.2.1).
	VideoClockRate = 90000

	// restartGap: a sequence jump at least this large is a stream restart,
	// not loss, and is excluded from the loss estimate.
	restartGap = 100
)

// Stats accumulates per-stream receive statistics: highest sequence seen,
// estimated cumulative loss, byte/packet counts, and the RFC 3550 §A.8
// interarrival-jitter moving average. Lifetime is the stream session; reset
// only on explicit restart.
type Stats struct {
	clockRate uint32

	started bool
	highest uint16

	packets uint64
	bytes   uint64
	lost    uint64

	epoch       time.Time
	lastTransit int64
	jitter      float64
}

// NewStats creates stream statistics for the given RTP clock rate.
// A zero rate selects the 90 kHz video clock.
func NewStats(clockRate uint32) *Stats {
	if clockRate == 0 {
		clockRate = VideoClockRate
	}
	return &Stats{clockRate: clockRate}
}

// Record accounts one accepted packet.
func (s *Stats) Record(p *Packet) {
	s.packets++
	s.bytes += uint64(len(p.Payload))

	if !s.started {
		s.started = true
		s.highest = p.Sequence
		s.epoch = p.Arrival
		s.updateJitter(p)
		return
	}

	if SeqNewer(p.Sequence, s.highest) {
		gap := SeqForward(s.highest, p.Sequence)
		if gap >= restartGap {
			// Sender restarted; do not book the jump as loss.
		} else if gap > 1 {
			s.lost += uint64(gap - 1)
		}
		s.highest = p.Sequence
	} else if s.lost > 0 {
		// A straggler filled a gap that was already booked as lost.
		s.lost--
	}

	s.updateJitter(p)
}

// updateJitter folds one packet into the RFC 3550 interarrival jitter
// estimate: J += (|D| - J) / 16, with D the difference of transit times in
// timestamp units.
func (s *Stats) updateJitter(p *Packet) {
	arrivalTS := int64(p.Arrival.Sub(s.epoch)) * int64(s.clockRate) / int64(time.Second)
	transit := arrivalTS - int64(p.Timestamp)
	if s.packets > 1 {
		d := transit - s.lastTransit
		if d < 0 {
			d = -d
		}
		s.jitter += (float64(d) - s.jitter) / 16
	}
	s.lastTransit = transit
}

// Packets returns the number of accepted packets.
func (s *Stats) Packets() uint64 { return s.packets }

// Bytes returns the cumulative payload bytes of accepted packets.
func (s *Stats) Bytes() uint64 { return s.bytes }

// Lost returns the estimated cumulative packet loss.
func (s *Stats) Lost() uint64 { return s.lost }

// Highest returns the highest sequence number seen so far.
func (s *Stats) Highest() uint16 { return s.highest }

// Jitter returns the current jitter estimate in timestamp units.
func (s *Stats) Jitter() float64 { return s.jitter }

// JitterMillis converts the jitter estimate to milliseconds using the
// stream clock rate.
func (s *Stats) JitterMillis() float64 {
	return s.jitter * 1000 / float64(s.clockRate)
}
