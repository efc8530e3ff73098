// Package gate applies the real-time delivery policy to finalized access
// units: hold everything until a keyframe after (re)start, drop frames that
// missed their display deadline, and shed non-keyframes when the decoder
// falls behind. The link is "mostly right, always on time"; this is where
// the "always on time" half is enforced.
package gate

import (
	"time"

	"firestige.xyz/kestrel/internal/h264"
	"firestige.xyz/kestrel/internal/log"
	"firestige.xyz/kestrel/internal/metrics"
)

// State of the gate's two-state machine.
type State int

const (
	// AwaitingKeyframe drops everything until an IDR frame gives the
	// decoder a clean entry point. Entered at start and after any reset.
	AwaitingKeyframe State = iota

	// Streaming passes units subject to the deadline and backlog policies.
	Streaming
)

func (s State) String() string {
	if s == Streaming {
		return "streaming"
	}
	return "awaiting-keyframe"
}

// DropReason classifies discarded access units for diagnostics.
type DropReason string

const (
	DropAwaitingKeyframe DropReason = "awaiting_keyframe"
	DropTooOld           DropReason = "too_old"
	DropBacklog          DropReason = "backlog"
)

// Decoder is the downstream consumer of gated access units. QueueDepth
// reports its pending-work backlog; the gate sheds non-keyframes when it
// exceeds the configured bound.
type Decoder interface {
	Submit(*h264.AccessUnit) error
	QueueDepth() int
}

const (
	// DefaultMaxAge is the display deadline: a unit older than this at
	// gate-evaluation time can no longer be shown on time.
	DefaultMaxAge = 50 * time.Millisecond

	// DefaultQueueBound is the decoder backlog above which non-keyframe
	// units are shed.
	DefaultQueueBound = 2
)

// Config tunes the gate. Zero values select defaults.
type Config struct {
	MaxAge     time.Duration
	QueueBound int

	// Now is the evaluation clock, injectable for tests; nil means
	// time.Now.
	Now func() time.Time
}

// Gate feeds access units to the decoder according to the real-time policy.
type Gate struct {
	cfg    Config
	dec    Decoder
	logger log.Logger

	state     State
	delivered uint64
	drops     map[DropReason]uint64
}

// New creates a gate in front of dec, starting in AwaitingKeyframe.
func New(cfg Config, dec Decoder) *Gate {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.QueueBound == 0 {
		cfg.QueueBound = DefaultQueueBound
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{
		cfg:    cfg,
		dec:    dec,
		logger: log.GetLogger().WithField("component", "gate"),
		state:  AwaitingKeyframe,
		drops:  make(map[DropReason]uint64),
	}
}

// Submit evaluates one finalized access unit against the policy and either
// hands it to the decoder or drops it.
func (g *Gate) Submit(au *h264.AccessUnit) {
	// The deadline applies in both states: a keyframe past its display
	// time is no entry point either.
	if age := g.cfg.Now().Sub(au.Arrival); age > g.cfg.MaxAge {
		g.drop(au, DropTooOld)
		return
	}

	if g.state == AwaitingKeyframe {
		if !au.Keyframe {
			g.drop(au, DropAwaitingKeyframe)
			return
		}
		g.state = Streaming
		g.logger.Info("keyframe received, streaming")
		g.deliver(au)
		return
	}
	// Keyframes are never shed for backlog: losing the only recovery point
	// costs more than the queueing delay.
	if !au.Keyframe && g.dec.QueueDepth() > g.cfg.QueueBound {
		g.drop(au, DropBacklog)
		return
	}
	g.deliver(au)
}

func (g *Gate) deliver(au *h264.AccessUnit) {
	if err := g.dec.Submit(au); err != nil {
		g.logger.WithError(err).Warn("decoder rejected access unit")
		g.Reset()
		return
	}
	g.delivered++
}

func (g *Gate) drop(au *h264.AccessUnit, reason DropReason) {
	g.drops[reason]++
	metrics.GateDropsTotal.WithLabelValues(string(reason)).Inc()
	g.logger.WithFields(map[string]interface{}{
		"reason":   string(reason),
		"ts":       au.Timestamp,
		"keyframe": au.Keyframe,
	}).Debug("dropping access unit")
}

// Reset returns the gate to AwaitingKeyframe; called after decoder resets
// and discontinuity flushes.
func (g *Gate) Reset() {
	g.state = AwaitingKeyframe
}

// State returns the current gate state.
func (g *Gate) State() State { return g.state }

// Delivered returns the number of units handed to the decoder.
func (g *Gate) Delivered() uint64 { return g.delivered }

// Drops returns the drop counter for one reason.
func (g *Gate) Drops(reason DropReason) uint64 { return g.drops[reason] }
