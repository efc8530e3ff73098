// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts RTP packets accepted by the pipeline
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_rtp_packets_total",
			Help: "Total number of RTP packets processed",
		},
		[]string{"kind"},
	)

	// PacketsLostTotal counts packets booked as lost from sequence gaps
	PacketsLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_rtp_packets_lost_total",
			Help: "Total number of RTP packets lost before recovery",
		},
	)

	// BytesTotal counts RTP payload bytes received
	BytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_rtp_bytes_total",
			Help: "Total RTP payload bytes received",
		},
	)

	// JitterMillis tracks the RFC 3550 interarrival jitter estimate
	JitterMillis = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_rtp_jitter_millis",
			Help: "Interarrival jitter estimate in milliseconds",
		},
	)

	// FecGroupsTotal counts FEC groups by outcome
	FecGroupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_fec_groups_total",
			Help: "Total FEC groups completed, by outcome",
		},
		[]string{"outcome"},
	)

	// FecRecoveredBlocksTotal counts media blocks rebuilt from parity
	FecRecoveredBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_fec_recovered_blocks_total",
			Help: "Total media blocks reconstructed from parity",
		},
	)

	// AccessUnitsTotal counts finalized access units by kind
	AccessUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_access_units_total",
			Help: "Total access units finalized, by kind",
		},
		[]string{"kind"},
	)

	// GateDropsTotal counts access units dropped at the delivery gate
	GateDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_gate_drops_total",
			Help: "Total access units dropped at the delivery gate, by reason",
		},
		[]string{"reason"},
	)

	// ReorderFlushesTotal counts forced flushes of the reorder buffer
	ReorderFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_reorder_forced_flushes_total",
			Help: "Total forced flushes of the reorder buffer",
		},
	)

	// DiscontinuitiesTotal counts sequence discontinuities past the recovery layer
	DiscontinuitiesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_discontinuities_total",
			Help: "Total sequence discontinuities seen by the depacketizer",
		},
	)
)

// Label values for the vector metrics above.
const (
	KindMedia    = "media"
	KindParity   = "parity"
	KindKeyframe = "keyframe"
	KindDelta    = "delta"

	OutcomeComplete  = "complete"
	OutcomeRecovered = "recovered"
	OutcomeDegraded  = "degraded"
	OutcomeEvicted   = "evicted"
)
