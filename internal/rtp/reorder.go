package rtp

import "time"

// Reorder defaults; tuned for a 60 fps link where a frame interval is
// ~16.7 ms and FEC recovery can still use packets a few slots late.
const (
	// DefaultLateThreshold is how many slots behind the delivery cursor a
	// packet may be and still get buffered for FEC use.
	DefaultLateThreshold = 10

	// DefaultWindow is the buffered-packet count that forces a skip-ahead
	// flush regardless of the timer.
	DefaultWindow = 20

	// DefaultFlushDelay bounds how long an out-of-order packet may wait for
	// its predecessors. This is the worst-case latency the buffer adds.
	DefaultFlushDelay = 10 * time.Millisecond
)

// ReorderConfig tunes a Reorder buffer. Zero values select the defaults.
type ReorderConfig struct {
	LateThreshold uint16
	Window        int
	FlushDelay    time.Duration

	// AfterFunc schedules the bounded-wait flush. The pipeline installs a
	// wrapper that serialises the callback with the datagram path; nil
	// selects time.AfterFunc for standalone use.
	AfterFunc func(time.Duration, func()) *time.Timer
}

func (c *ReorderConfig) applyDefaults() {
	if c.LateThreshold == 0 {
		c.LateThreshold = DefaultLateThreshold
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.FlushDelay == 0 {
		c.FlushDelay = DefaultFlushDelay
	}
	if c.AfterFunc == nil {
		c.AfterFunc = time.AfterFunc
	}
}

// Reorder accepts packets in arrival order and releases them in strictly
// increasing cyclic sequence order, each at most once, waiting at most
// FlushDelay for holes. When the wait expires (or the buffer outgrows
// Window) the cursor jumps forward past the missing sequence numbers for
// good.
//
// Reorder is not self-synchronised: Push, ForceFlush and Close must be
// serialised by the caller, and the AfterFunc wrapper must arrange the same
// for the timer callback.
type Reorder struct {
	cfg     ReorderConfig
	emit    func(*Packet)
	started bool
	closed  bool

	expected uint16 // next sequence number owed downstream
	buf      map[uint16]*Packet
	timer    *time.Timer
}

// NewReorder creates a reorder buffer that hands released packets to emit.
func NewReorder(cfg ReorderConfig, emit func(*Packet)) *Reorder {
	cfg.applyDefaults()
	return &Reorder{
		cfg:  cfg,
		emit: emit,
		buf:  make(map[uint16]*Packet),
	}
}

// Push admits one packet.
func (r *Reorder) Push(p *Packet) {
	if r.closed {
		return
	}
	if !r.started {
		r.started = true
		r.expected = p.Sequence
	}

	behind := SeqForward(p.Sequence, r.expected)
	if behind != 0 && behind < halfRange {
		if behind > r.cfg.LateThreshold {
			// Irrecoverably late: its slot passed too long ago.
			return
		}
		// Late but within tolerance. Its natural slot is gone, yet the
		// payload may still complete a FEC group, so it is buffered like
		// any other packet and will ride out with the next forced flush.
	}
	if _, dup := r.buf[p.Sequence]; dup {
		return
	}

	r.buf[p.Sequence] = p
	r.flushInOrder()

	if len(r.buf) > r.cfg.Window {
		r.ForceFlush()
		return
	}
	r.armTimer()
}

// flushInOrder drains the contiguous run starting at the cursor.
func (r *Reorder) flushInOrder() {
	for {
		p, ok := r.buf[r.expected]
		if !ok {
			return
		}
		delete(r.buf, r.expected)
		r.expected++
		r.emit(p)
	}
}

// ForceFlush advances the cursor to the oldest buffered sequence number
// ahead of it and drains from there, permanently skipping whatever never
// arrived. Anything now behind the cursor is discarded.
func (r *Reorder) ForceFlush() {
	if len(r.buf) == 0 {
		r.disarmTimer()
		return
	}

	next := r.expected
	found := false
	for seq := range r.buf {
		if !SeqNewer(seq, r.expected) && seq != r.expected {
			continue
		}
		if !found || SeqForward(r.expected, seq) < SeqForward(r.expected, next) {
			next = seq
			found = true
		}
	}
	if found {
		r.expected = next
		r.flushInOrder()
	}
	for seq := range r.buf {
		if !SeqNewer(seq, r.expected) {
			delete(r.buf, seq)
		}
	}

	r.disarmTimer()
	r.armTimer()
}

func (r *Reorder) armTimer() {
	if r.timer != nil || len(r.buf) == 0 {
		return
	}
	r.timer = r.cfg.AfterFunc(r.cfg.FlushDelay, func() {
		r.timer = nil
		if !r.closed {
			r.ForceFlush()
		}
	})
}

func (r *Reorder) disarmTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Pending returns the number of buffered packets awaiting delivery.
func (r *Reorder) Pending() int { return len(r.buf) }

// Close cancels the flush timer and drops any buffered packets.
func (r *Reorder) Close() {
	r.closed = true
	r.disarmTimer()
	r.buf = make(map[uint16]*Packet)
}
