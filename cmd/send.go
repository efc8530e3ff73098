package cmd

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/spf13/cobra"

	"firestige.xyz/kestrel/internal/fec"
	"firestige.xyz/kestrel/internal/h264"
	"firestige.xyz/kestrel/internal/log"
)

var (
	sendTarget   string
	sendInput    string
	sendFps      int
	sendFrames   int
	sendSize     int
	sendKeyEvery int
	sendLoss     float64
	sendK        int
	sendN        int
	sendMTU      int
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Loopback test sender with synthetic or recorded video",
	Long: `
Send an H.264 stream through the FEC framing, optionally dropping a fraction
of the wire packets. Without --input the payloads are synthetic but
structurally valid NAL units; with --input an Annex-B file is packetised and
sent once, frame by frame.

Examples:
  kestrel send -t 127.0.0.1:5600                     # 60 fps, 10% keyframes, no loss
  kestrel send -t 127.0.0.1:5600 --loss 5 --frames 600
  kestrel send -t 127.0.0.1:5600 -i clip.264 --fps 30
`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := validateSendFlags(); err != nil {
			exitWithError("invalid flags", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		logger := log.GetLogger().WithField("component", "send")

		conn, err := net.Dial("udp", sendTarget)
		if err != nil {
			exitWithError("failed to dial target", err)
		}
		defer conn.Close()

		enc, err := fec.NewEncoder(sendK, sendN)
		if err != nil {
			exitWithError("invalid fec parameters", err)
		}

		var recorded [][]byte
		if sendInput != "" {
			recorded, err = loadAnnexBFrames(sendInput)
			if err != nil {
				exitWithError("failed to load input file", err)
			}
			sendFrames = len(recorded)
		}

		var (
			payloader codecs.H264Payloader
			rng       = rand.New(rand.NewSource(time.Now().UnixNano()))
			ssrc      = rng.Uint32()
			mediaSeq  uint16
			wireSeq   uint16
			ts        uint32
			sent      uint64
			dropped   uint64
		)

		ticker := time.NewTicker(time.Second / time.Duration(sendFps))
		defer ticker.Stop()

		tsStep := uint32(90000 / sendFps)
		for frame := 0; frame < sendFrames; frame++ {
			if cmd.Context().Err() != nil {
				break
			}

			var data []byte
			if recorded != nil {
				data = recorded[frame]
			} else {
				data = syntheticFrame(rng, frame%sendKeyEvery == 0, sendSize)
			}
			payloads := payloader.Payload(uint16(sendMTU), data)

			for i, pl := range payloads {
				marker := i == len(payloads)-1
				blocks, err := enc.Add(mediaSeq, ts, marker, pl)
				if err != nil {
					exitWithError("fec encoding failed", err)
				}
				mediaSeq++

				for _, b := range blocks {
					pt := uint8(cfg.Payload.Media)
					if int(b.Header.Index) >= sendK {
						pt = uint8(cfg.Payload.Parity)
					}
					pkt := &pionrtp.Packet{
						Header: pionrtp.Header{
							Version:        2,
							PayloadType:    pt,
							SequenceNumber: wireSeq,
							Timestamp:      ts,
							SSRC:           ssrc,
						},
						Payload: b.Payload,
					}
					wireSeq++

					if rng.Float64()*100 < sendLoss {
						dropped++
						continue
					}
					buf, err := pkt.Marshal()
					if err != nil {
						exitWithError("rtp marshal failed", err)
					}
					if _, err := conn.Write(buf); err != nil {
						exitWithError("udp send failed", err)
					}
					sent++
				}
			}

			ts += tsStep
			<-ticker.C
		}

		logger.WithFields(map[string]interface{}{
			"frames":  sendFrames,
			"sent":    sent,
			"dropped": dropped,
		}).Info("send finished")
	},
}

var (
	syntheticSPS = []byte{0x67, 0x42, 0xc0, 0x1f, 0xd9, 0x00, 0xf0, 0x11}
	syntheticPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// syntheticFrame builds one Annex-B frame: parameter sets plus an IDR slice
// for keyframes, a single non-IDR slice otherwise. Slice bodies are random
// filler; only the NAL headers need to be structurally valid.
func syntheticFrame(rng *rand.Rand, keyframe bool, size int) []byte {
	start := []byte{0x00, 0x00, 0x00, 0x01}

	body := make([]byte, size)
	rng.Read(body)

	var frame []byte
	if keyframe {
		frame = append(frame, start...)
		frame = append(frame, syntheticSPS...)
		frame = append(frame, start...)
		frame = append(frame, syntheticPPS...)
		frame = append(frame, start...)
		frame = append(frame, 0x65, 0x88)
	} else {
		frame = append(frame, start...)
		frame = append(frame, 0x41, 0x9a)
	}
	return append(frame, body...)
}

// validateSendFlags rejects flag values the pacing and framing arithmetic
// cannot take: zero divides for fps and the keyframe interval, a stalled
// payloader for the mtu.
func validateSendFlags() error {
	if sendFps <= 0 {
		return fmt.Errorf("fps must be positive, got %d", sendFps)
	}
	if sendMTU <= 0 {
		return fmt.Errorf("mtu must be positive, got %d", sendMTU)
	}
	if sendKeyEvery <= 0 {
		return fmt.Errorf("keyframe-interval must be positive, got %d", sendKeyEvery)
	}
	return nil
}

var annexBStartCode = []byte{0x00, 0x00, 0x01}

// loadAnnexBFrames splits an Annex-B file into per-frame byte streams.
// Non-VCL NAL units (parameter sets, SEI) attach to the slice that follows
// them; each VCL slice closes a frame.
func loadAnnexBFrames(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var frames [][]byte
	var current []byte
	for _, nal := range splitNALs(data) {
		current = append(current, 0, 0, 0, 1)
		current = append(current, nal...)
		switch h264.NALType(nal[0]) {
		case h264.NALSlice, h264.NALIDRSlice:
			frames = append(frames, current)
			current = nil
		}
	}
	if len(current) > 0 {
		frames = append(frames, current)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no NAL units in %s", path)
	}
	return frames, nil
}

// splitNALs cuts a byte stream on 3- or 4-byte start codes.
func splitNALs(data []byte) [][]byte {
	var nals [][]byte
	for {
		idx := bytes.Index(data, annexBStartCode)
		if idx == -1 {
			if len(data) > 0 {
				nals = append(nals, data)
			}
			return nals
		}
		head := data[:idx]
		// A 4-byte start code leaves its leading zero in head.
		head = bytes.TrimSuffix(head, []byte{0x00})
		if len(head) > 0 {
			nals = append(nals, head)
		}
		data = data[idx+len(annexBStartCode):]
	}
}

func init() {
	sendCmd.Flags().StringVarP(&sendTarget, "target", "t", "127.0.0.1:5600", "receiver address")
	sendCmd.Flags().StringVarP(&sendInput, "input", "i", "", "Annex-B H.264 file to send instead of synthetic frames")
	sendCmd.Flags().IntVar(&sendFps, "fps", 60, "frame rate")
	sendCmd.Flags().IntVar(&sendFrames, "frames", 600, "number of frames to send")
	sendCmd.Flags().IntVar(&sendSize, "size", 4000, "slice body size in bytes")
	sendCmd.Flags().IntVar(&sendKeyEvery, "keyframe-interval", 30, "frames between keyframes")
	sendCmd.Flags().Float64Var(&sendLoss, "loss", 0, "percentage of wire packets to drop")
	sendCmd.Flags().IntVar(&sendK, "fec-k", 8, "media blocks per fec group")
	sendCmd.Flags().IntVar(&sendN, "fec-n", 10, "total blocks per fec group")
	sendCmd.Flags().IntVar(&sendMTU, "mtu", 1200, "payload size limit before fec framing")
	rootCmd.AddCommand(sendCmd)
}
