// Package source feeds raw datagrams into the pipeline: a live UDP listener
// for flight use and a pcap replay source for offline analysis.
package source

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"firestige.xyz/kestrel/internal/log"
)

// Handler consumes one datagram. The buffer is owned by the handler; the
// source never reuses it.
type Handler func(buf []byte, arrival time.Time)

const (
	// maxDatagram comfortably covers a 1500-byte MTU link.
	maxDatagram = 2048

	defaultBatchSize  = 32
	defaultReadBuffer = 4 << 20
)

// UDPConfig tunes the live listener. Zero values select defaults.
type UDPConfig struct {
	Listen     string
	BatchSize  int
	ReadBuffer int
}

// UDP reads datagrams from a bound UDP socket using batched reads, stamping
// each datagram with a shared per-batch arrival time.
type UDP struct {
	cfg    UDPConfig
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	logger log.Logger
}

// NewUDP binds the listen address.
func NewUDP(cfg UDPConfig) (*UDP, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ReadBuffer == 0 {
		cfg.ReadBuffer = defaultReadBuffer
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", cfg.Listen, err)
	}
	if err := conn.SetReadBuffer(cfg.ReadBuffer); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to size socket buffer: %w", err)
	}

	return &UDP{
		cfg:    cfg,
		conn:   conn,
		pconn:  ipv4.NewPacketConn(conn),
		logger: log.GetLogger().WithField("component", "source"),
	}, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Run reads until ctx is cancelled, invoking handle for every datagram.
func (u *UDP) Run(ctx context.Context, handle Handler) error {
	u.logger.WithField("addr", u.conn.LocalAddr().String()).Info("udp source listening")

	msgs := make([]ipv4.Message, u.cfg.BatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, maxDatagram)}
	}

	for {
		if err := u.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return err
		}
		n, err := u.pconn.ReadBatch(msgs, 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("udp read: %w", err)
		}

		arrival := time.Now()
		for i := 0; i < n; i++ {
			m := &msgs[i]
			if m.N == 0 || m.N > maxDatagram {
				continue
			}
			// Per-datagram copy: parsed payloads alias the buffer all the
			// way down the pipeline.
			buf := make([]byte, m.N)
			copy(buf, m.Buffers[0][:m.N])
			handle(buf, arrival)
		}
	}
}

// Close unblocks Run.
func (u *UDP) Close() error {
	return u.conn.Close()
}
