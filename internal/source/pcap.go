package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"firestige.xyz/kestrel/internal/log"
)

// PcapConfig selects a capture file and the flow to replay out of it.
type PcapConfig struct {
	Path string

	// Port filters for the receiver's UDP port; zero accepts every UDP
	// datagram in the capture.
	Port int

	// Realtime paces the replay by the capture timestamps instead of
	// replaying as fast as possible.
	Realtime bool
}

// Pcap replays the UDP payloads of a capture file through the pipeline.
type Pcap struct {
	cfg    PcapConfig
	logger log.Logger
}

func NewPcap(cfg PcapConfig) (*Pcap, error) {
	if cfg.Path == "" {
		return nil, errors.New("pcap source requires a file path")
	}
	return &Pcap{
		cfg:    cfg,
		logger: log.GetLogger().WithField("component", "source"),
	}, nil
}

// Run replays the capture, invoking handle for every matching UDP payload.
// Returns nil at end of file.
func (p *Pcap) Run(ctx context.Context, handle Handler) error {
	h, err := pcap.OpenOffline(p.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open pcap file %s: %w", p.cfg.Path, err)
	}
	defer h.Close()

	var (
		eth     layers.Ethernet
		ip4     layers.IPv4
		udp     layers.UDP
		decoded []gopacket.LayerType
	)
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip4, &udp)
	parser.IgnoreUnsupported = true

	var lastTS time.Time
	var replayed uint64

	for {
		if ctx.Err() != nil {
			return nil
		}

		data, ci, err := h.ReadPacketData()
		if err == io.EOF {
			p.logger.WithField("datagrams", replayed).Info("pcap replay finished")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}

		if err := parser.DecodeLayers(data, &decoded); err != nil {
			continue
		}
		hasUDP := false
		for _, lt := range decoded {
			if lt == layers.LayerTypeUDP {
				hasUDP = true
			}
		}
		if !hasUDP || len(udp.Payload) == 0 {
			continue
		}
		if p.cfg.Port != 0 && int(udp.DstPort) != p.cfg.Port {
			continue
		}

		if p.cfg.Realtime && !lastTS.IsZero() {
			if d := ci.Timestamp.Sub(lastTS); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return nil
				}
			}
		}
		lastTS = ci.Timestamp

		buf := make([]byte, len(udp.Payload))
		copy(buf, udp.Payload)
		handle(buf, time.Now())
		replayed++
	}
}
