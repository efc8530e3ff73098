// Package sink provides downstream consumers for gated access units. These
// stand in for a hardware decoder: an Annex-B byte-stream writer for piping
// into external decoders and a null sink for measurement runs.
package sink

import (
	"bufio"
	"io"
	"sync"

	"firestige.xyz/kestrel/internal/h264"
	"firestige.xyz/kestrel/internal/log"
)

// AnnexBWriter writes each access unit as an Annex-B byte stream with
// four-byte start codes, suitable for `ffplay -f h264 -`.
type AnnexBWriter struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	logger log.Logger
	units  uint64
	bytes  uint64
}

// NewAnnexBWriter wraps w. If w is also an io.Closer it is closed by Close.
func NewAnnexBWriter(w io.Writer) *AnnexBWriter {
	s := &AnnexBWriter{
		w:      bufio.NewWriterSize(w, 64*1024),
		logger: log.GetLogger().WithField("component", "sink"),
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// Submit writes the access unit and flushes it, so a downstream decoder sees
// complete units without buffering delay.
func (s *AnnexBWriter) Submit(au *h264.AccessUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nal := range au.Units {
		if _, err := s.w.Write(startCode); err != nil {
			return err
		}
		n, err := s.w.Write(nal)
		if err != nil {
			return err
		}
		s.bytes += uint64(n) + uint64(len(startCode))
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.units++
	return nil
}

// QueueDepth is always zero: writes are synchronous.
func (s *AnnexBWriter) QueueDepth() int { return 0 }

// Units returns the number of access units written.
func (s *AnnexBWriter) Units() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units
}

func (s *AnnexBWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"units": s.units,
		"bytes": s.bytes,
	}).Info("annex-b sink closed")
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Null discards access units while counting them. Used for link-quality
// measurement runs where no decoder is attached.
type Null struct {
	mu        sync.Mutex
	units     uint64
	keyframes uint64
}

func NewNull() *Null { return &Null{} }

func (n *Null) Submit(au *h264.AccessUnit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.units++
	if au.Keyframe {
		n.keyframes++
	}
	return nil
}

func (n *Null) QueueDepth() int { return 0 }

func (n *Null) Units() (total, keyframes uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.units, n.keyframes
}

func (n *Null) Close() error { return nil }
