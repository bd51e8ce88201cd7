package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// DefaultBufferSize is the largest datagram read in full.
const DefaultBufferSize = 1024

// readErrorBackoff slows the loop down when reads fail repeatedly.
const readErrorBackoff = 10 * time.Millisecond

// Ingester handles received datagrams.
type Ingester interface {
	Ingest(ctx context.Context, payload []byte, addr net.Addr) Result
}

// Listener reads datagrams from a UDP socket and hands each to an Ingester.
type Listener struct {
	conn    net.PacketConn
	ing     Ingester
	bufSize int
}

// Listen binds addr ("host:port") for UDP.
func Listen(ctx context.Context, addr string, bufSize int, ing Ingester) (*Listener, error) {
	if ing == nil {
		return nil, fmt.Errorf("ingester is required")
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding udp %s: %w", addr, err)
	}
	slog.Info("listening for datagrams", "address", conn.LocalAddr().String(), "buffer_size", bufSize)
	return &Listener{conn: conn, ing: ing, bufSize: bufSize}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Run reads datagrams until the socket is closed or ctx is cancelled.
// Datagrams are handled one at a time in arrival order. Read errors other
// than a closed socket are logged and the loop continues.
func (l *Listener) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.conn.Close() })
	defer stop()

	buf := make([]byte, l.bufSize)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("udp read failed", "error", err)
			time.Sleep(readErrorBackoff)
			continue
		}
		l.ing.Ingest(ctx, buf[:n], addr)
	}
}

// Close unblocks Run by closing the socket.
func (l *Listener) Close() error {
	if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing udp listener: %w", err)
	}
	return nil
}

// Verify interface compliance.
var _ Ingester = (*Recorder)(nil)
