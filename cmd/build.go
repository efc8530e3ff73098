package cmd

import (
	"fmt"
	"os"

	"firestige.xyz/kestrel/internal/config"
	"firestige.xyz/kestrel/internal/fec"
	"firestige.xyz/kestrel/internal/gate"
	"firestige.xyz/kestrel/internal/h264"
	"firestige.xyz/kestrel/internal/log"
	"firestige.xyz/kestrel/internal/pipeline"
	"firestige.xyz/kestrel/internal/rtp"
	"firestige.xyz/kestrel/internal/sink"
)

// videoSink is what the delivery gate feeds plus lifecycle.
type videoSink interface {
	gate.Decoder
	Close() error
}

// openSink builds the configured downstream consumer.
func openSink(cfg config.OutputConfig) (videoSink, error) {
	switch cfg.Kind {
	case "null":
		return sink.NewNull(), nil
	case "annexb":
		if cfg.Path == "-" {
			return sink.NewAnnexBWriter(os.Stdout), nil
		}
		f, err := os.Create(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file: %w", err)
		}
		return sink.NewAnnexBWriter(f), nil
	default:
		return nil, fmt.Errorf("unsupported output kind: %s", cfg.Kind)
	}
}

// buildPipeline maps the file configuration onto a pipeline.
func buildPipeline(cfg *config.Config, dec gate.Decoder) *pipeline.Pipeline {
	return pipeline.New(pipeline.Config{
		MediaPayloadType:  uint8(cfg.Payload.Media),
		ParityPayloadType: uint8(cfg.Payload.Parity),
		FecEnabled:        cfg.Fec.Enabled,
		Reorder: rtp.ReorderConfig{
			LateThreshold: uint16(cfg.Reorder.LateThreshold),
			Window:        cfg.Reorder.Window,
			FlushDelay:    cfg.Reorder.FlushDelay,
		},
		Assembler: fec.AssemblerConfig{
			GroupTimeout: cfg.Fec.GroupTimeout,
			MaxGroups:    cfg.Fec.MaxGroups,
		},
		Depack: h264.DepacketizerConfig{
			GapDiscard: uint16(cfg.Depack.GapDiscard),
		},
		Gate: gate.Config{
			MaxAge:     cfg.Gate.MaxAge,
			QueueBound: cfg.Gate.QueueBound,
		},
		Decoder: dec,
	})
}

// logStats prints the end-of-run pipeline summary.
func logStats(st pipeline.Stats) {
	log.GetLogger().WithFields(map[string]interface{}{
		"packets":         st.Packets,
		"bytes":           st.Bytes,
		"lost":            st.Lost,
		"jitter_ms":       fmt.Sprintf("%.2f", st.JitterMillis),
		"fec_recovered":   st.Fec.Recovered,
		"fec_degraded":    st.Fec.Degraded,
		"access_units":    st.AccessUnits,
		"keyframes":       st.Keyframes,
		"discontinuities": st.Discontinuities,
		"delivered":       st.Delivered,
		"dropped_stale":   st.Dropped[gate.DropTooOld],
		"dropped_waiting": st.Dropped[gate.DropAwaitingKeyframe],
		"dropped_backlog": st.Dropped[gate.DropBacklog],
	}).Info("run summary")
}
