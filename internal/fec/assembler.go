package fec

import (
	"fmt"
	"time"

	"firestige.xyz/kestrel/internal/log"
	"firestige.xyz/kestrel/internal/metrics"
	"firestige.xyz/kestrel/internal/rtp"
	"firestige.xyz/kestrel/pkg/erasure"
)

const (
	// DefaultGroupTimeout is how long a group waits for stragglers,
	// roughly 1.5 frame intervals at 60 fps.
	DefaultGroupTimeout = 24 * time.Millisecond

	// DefaultMaxGroups bounds concurrent in-progress groups; the oldest is
	// force-flushed on overflow.
	DefaultMaxGroups = 6
)

// AssemblerConfig tunes the group assembler. Zero values select defaults.
type AssemblerConfig struct {
	GroupTimeout time.Duration
	MaxGroups    int

	// AfterFunc schedules group-expiry flushes; the pipeline installs a
	// serialising wrapper, nil selects time.AfterFunc.
	AfterFunc func(time.Duration, func()) *time.Timer
}

func (c *AssemblerConfig) applyDefaults() {
	if c.GroupTimeout == 0 {
		c.GroupTimeout = DefaultGroupTimeout
	}
	if c.MaxGroups == 0 {
		c.MaxGroups = DefaultMaxGroups
	}
	if c.AfterFunc == nil {
		c.AfterFunc = time.AfterFunc
	}
}

// AssemblerStats counts group outcomes for diagnostics.
type AssemblerStats struct {
	Recovered   uint64 // flushed with all k primary blocks intact or rebuilt
	Degraded    uint64 // flushed short of k blocks or after a failed decode, partial emission
	DecodeFails uint64 // erasure engine rejected the decode input
	Malformed   uint64 // packets with broken FEC framing
	Evicted     uint64 // force-flushed by the concurrency bound (not also counted degraded)
}

// group is one ephemeral in-progress FEC group: created on first packet,
// destroyed on flush, never reused.
type group struct {
	id       uint32
	k, n     int
	blocks   map[int][]byte // index -> raw block data (aliases packet payloads)
	arrivals map[int]time.Time
	maxLen   int
	timer    *time.Timer
	arrival  time.Time // first packet's arrival
	evicted  bool      // force-flushed by the concurrency bound
}

// Assembler groups packets by FEC group id and flushes each group when k
// blocks have arrived or its expiry timer fires, invoking the erasure engine
// to rebuild missing primary blocks when enough parity survived.
//
// Like the reorder buffer it is not self-synchronised; the pipeline
// serialises Push, flushes and timer callbacks.
type Assembler struct {
	cfg    AssemblerConfig
	cache  *erasure.Cache
	pool   *Pool
	emit   func(Block)
	logger log.Logger

	groups map[uint32]*group
	order  []uint32 // creation order, oldest first

	// Groups flush as soon as k blocks arrive, so their remaining blocks
	// are still in flight; remembering flushed ids keeps those stragglers
	// from reopening the group.
	flushed    map[uint32]bool
	flushOrder []uint32

	stats  AssemblerStats
	closed bool
}

// flushedMemory bounds the remembered flushed-group ids.
const flushedMemory = 64

// NewAssembler creates a group assembler emitting primary blocks, in index
// order, to emit. A nil cache builds a private one over the default field.
func NewAssembler(cfg AssemblerConfig, cache *erasure.Cache, emit func(Block)) *Assembler {
	cfg.applyDefaults()
	if cache == nil {
		cache = erasure.NewCache(nil)
	}
	return &Assembler{
		cfg:     cfg,
		cache:   cache,
		pool:    NewPool(),
		emit:    emit,
		logger:  log.GetLogger().WithField("component", "fec"),
		groups:  make(map[uint32]*group),
		flushed: make(map[uint32]bool, flushedMemory),
	}
}

// Push admits one reordered packet. Framing errors are counted and dropped.
func (a *Assembler) Push(p *rtp.Packet) {
	if a.closed {
		return
	}
	h, data, err := ParseHeader(p.Payload)
	if err != nil {
		a.stats.Malformed++
		a.logger.WithError(err).Debug("dropping packet with bad fec framing")
		return
	}

	if a.flushed[h.Group] {
		return
	}
	g, ok := a.groups[h.Group]
	if !ok {
		g = a.newGroup(h, p.Arrival)
	} else if g.k != int(h.K) || g.n != int(h.N) {
		// Conflicting geometry within one group id; trust the first sight.
		a.stats.Malformed++
		return
	}

	idx := int(h.Index)
	if _, dup := g.blocks[idx]; dup {
		return
	}
	g.blocks[idx] = data
	g.arrivals[idx] = p.Arrival
	if len(data) > g.maxLen {
		g.maxLen = len(data)
	}

	// Decode never needs to wait for stragglers past the k-th block.
	if len(g.blocks) >= g.k {
		a.FlushGroup(g.id)
	}
}

func (a *Assembler) newGroup(h Header, arrival time.Time) *group {
	// Bound concurrent groups: evict the oldest before admitting a new one.
	for len(a.groups) >= a.cfg.MaxGroups && len(a.order) > 0 {
		oldest := a.order[0]
		if victim, ok := a.groups[oldest]; ok {
			victim.evicted = true
			a.FlushGroup(oldest)
		} else {
			a.order = a.order[1:]
		}
	}

	g := &group{
		id:       h.Group,
		k:        int(h.K),
		n:        int(h.N),
		blocks:   make(map[int][]byte, h.N),
		arrivals: make(map[int]time.Time, h.N),
		arrival:  arrival,
	}
	g.timer = a.cfg.AfterFunc(a.cfg.GroupTimeout, func() {
		if !a.closed {
			a.FlushGroup(g.id)
		}
	})
	a.groups[h.Group] = g
	a.order = append(a.order, h.Group)
	return g
}

// FlushGroup finalises one group: erasure decode when k or more blocks
// arrived, degraded primary-only emission otherwise. The group record is
// destroyed either way.
func (a *Assembler) FlushGroup(id uint32) {
	g, ok := a.groups[id]
	if !ok {
		return
	}
	g.timer.Stop()
	delete(a.groups, id)
	for i, gid := range a.order {
		if gid == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.rememberFlushed(id)

	if len(g.blocks) >= g.k {
		if a.decodeGroup(g) {
			a.stats.Recovered++
			metrics.FecGroupsTotal.WithLabelValues(a.outcomeFor(g)).Inc()
			return
		}
		a.stats.DecodeFails++
	}
	// An evicted group counts once, as evicted, not also as degraded.
	if g.evicted {
		a.stats.Evicted++
		metrics.FecGroupsTotal.WithLabelValues(metrics.OutcomeEvicted).Inc()
	} else {
		a.stats.Degraded++
		metrics.FecGroupsTotal.WithLabelValues(metrics.OutcomeDegraded).Inc()
	}
	a.emitPartial(g)
}

func (a *Assembler) rememberFlushed(id uint32) {
	if a.flushed[id] {
		return
	}
	a.flushed[id] = true
	a.flushOrder = append(a.flushOrder, id)
	if len(a.flushOrder) > flushedMemory {
		delete(a.flushed, a.flushOrder[0])
		a.flushOrder = a.flushOrder[1:]
	}
}

// outcomeFor distinguishes groups where every primary arrived on its own
// from groups that needed parity substitution.
func (a *Assembler) outcomeFor(g *group) string {
	for i := 0; i < g.k; i++ {
		if _, ok := g.blocks[i]; !ok {
			return metrics.OutcomeRecovered
		}
	}
	return metrics.OutcomeComplete
}

// decodeGroup runs the erasure engine over the group and emits all k
// primary blocks. Returns false when recovery was impossible or rejected,
// in which case the caller falls back to partial emission.
func (a *Assembler) decodeGroup(g *group) bool {
	matrix, err := a.cache.Get(g.k, g.n)
	if err != nil {
		a.logger.WithError(err).Warn("rejecting fec group with invalid geometry")
		return false
	}

	// Build exactly k input rows: primaries at their natural positions,
	// parity blocks standing in for the missing ones in ascending order.
	input := make([][]byte, g.k)
	indices := make([]int, g.k)
	scratch := make([][]byte, 0, g.k)
	defer func() {
		for _, row := range scratch {
			a.pool.Put(row)
		}
	}()

	pad := func(data []byte) []byte {
		row := a.pool.Get(g.maxLen)
		copy(row, data)
		scratch = append(scratch, row)
		return row
	}

	parity := g.parityIndices()
	for i := 0; i < g.k; i++ {
		if data, ok := g.blocks[i]; ok {
			input[i] = pad(data)
			indices[i] = i
			continue
		}
		if len(parity) == 0 {
			// More primaries missing than parity received; recovery is
			// mathematically impossible for this group.
			return false
		}
		input[i] = pad(g.blocks[parity[0]])
		indices[i] = parity[0]
		parity = parity[1:]
	}

	rows, err := matrix.Decode(input, indices, g.maxLen)
	if err != nil {
		a.logger.WithError(err).Warn("erasure decode failed, falling back to partial emission")
		return false
	}

	for i := 0; i < g.k; i++ {
		arrival, ok := g.arrivals[i]
		if !ok {
			arrival = g.arrival // reconstructed: no carrying packet
			metrics.FecRecoveredBlocksTotal.Inc()
		}
		if err := a.emitBlock(rows[i], arrival, true); err != nil {
			a.logger.WithError(err).Debug("recovered block failed to parse")
		}
	}
	return true
}

// emitPartial hands over whatever primary blocks were received, in
// ascending index order, tagged not recovered.
func (a *Assembler) emitPartial(g *group) {
	for i := 0; i < g.k; i++ {
		data, ok := g.blocks[i]
		if !ok {
			continue
		}
		if err := a.emitBlock(data, g.arrivals[i], false); err != nil {
			a.stats.Malformed++
			a.logger.WithError(err).Debug("dropping unparseable primary block")
		}
	}
}

func (a *Assembler) emitBlock(data []byte, arrival time.Time, recovered bool) error {
	b, err := parseBlockData(data)
	if err != nil {
		return fmt.Errorf("group block: %w", err)
	}
	// Copy out of the scratch row / packet buffer: the block outlives both.
	b.Payload = append([]byte(nil), b.Payload...)
	b.Recovered = recovered
	b.Arrival = arrival
	a.emit(b)
	return nil
}

func (g *group) parityIndices() []int {
	var out []int
	for i := g.k; i < g.n; i++ {
		if _, ok := g.blocks[i]; ok {
			out = append(out, i)
		}
	}
	return out
}

// FlushAll finalises every pending group in arrival order, recovering or
// emitting degraded as their contents allow. Used to drain tail data.
func (a *Assembler) FlushAll() {
	for len(a.order) > 0 {
		a.FlushGroup(a.order[0])
	}
}

// Pending returns the number of in-progress groups.
func (a *Assembler) Pending() int { return len(a.groups) }

// Stats returns a snapshot of the outcome counters.
func (a *Assembler) Stats() AssemblerStats { return a.stats }

// Close cancels every outstanding expiry timer and drops open groups
// without emission.
func (a *Assembler) Close() {
	a.closed = true
	for _, g := range a.groups {
		g.timer.Stop()
	}
	a.groups = make(map[uint32]*group)
	a.order = nil
}
