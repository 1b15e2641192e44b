// Package proxy implements the sidecar data plane: accept loop, protocol
// inspection and the bidirectional forwarder.
package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sufield/pqmesh/internal/core/errors"
	"github.com/sufield/pqmesh/internal/core/services"
)

const (
	// DefaultIdleTimeout closes a connection when no byte moves in either
	// direction for this long.
	DefaultIdleTimeout = 60 * time.Second

	idleCheckInterval = time.Second
	copyBufferSize    = 32 * 1024
)

// halfCloser is satisfied by *net.TCPConn and *tls.Conn.
type halfCloser interface {
	CloseWrite() error
}

// Forwarder relays bytes between an established peer stream and a backend
// stream. Half-close propagates: EOF on one side closes the other side's
// write half while the reverse direction keeps running. The forwarder never
// buffers beyond its copy buffers and never touches payload bytes.
type Forwarder struct {
	IdleTimeout time.Duration // 0 means DefaultIdleTimeout
	MaxDuration time.Duration // 0 means unbounded
	Logger      *slog.Logger
}

// Relay copies in both directions until both sides reach EOF, an error
// occurs, or a timeout fires. Errors on either side close both streams.
func (f *Forwarder) Relay(ctx context.Context, peer, backend net.Conn, connID string) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := f.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	var timeoutErr atomic.Value // *errors.DomainError
	go func() {
		ticker := time.NewTicker(idleCheckInterval)
		defer ticker.Stop()

		var deadline <-chan time.Time
		if f.MaxDuration > 0 {
			t := time.NewTimer(f.MaxDuration)
			defer t.Stop()
			deadline = t.C
		}
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-deadline:
				timeoutErr.Store(errors.ErrAbsoluteTimeout)
				peer.Close()
				backend.Close()
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastActivity.Load())) > idle {
					timeoutErr.Store(errors.ErrIdleTimeout)
					peer.Close()
					backend.Close()
					return
				}
			}
		}
	}()

	g := new(errgroup.Group)
	g.Go(func() error {
		n, err := copyAndHalfClose(backend, peer, touch)
		services.BytesForwarded.WithLabelValues("peer_to_backend").Add(float64(n))
		return err
	})
	g.Go(func() error {
		n, err := copyAndHalfClose(peer, backend, touch)
		services.BytesForwarded.WithLabelValues("backend_to_peer").Add(float64(n))
		return err
	})

	err := g.Wait()
	stopWatch()
	peer.Close()
	backend.Close()

	if terr, ok := timeoutErr.Load().(*errors.DomainError); ok {
		logger.Info("connection timed out", "conn_id", connID, "kind", terr.Code)
		return terr
	}
	if err != nil {
		return err
	}
	return nil
}

// copyAndHalfClose relays one direction and signals EOF downstream by
// closing dst's write half, leaving its read half open for the reverse
// direction.
func copyAndHalfClose(dst, src net.Conn, touch func()) (int64, error) {
	n, err := io.CopyBuffer(dst, &activityReader{r: src, touch: touch}, make([]byte, copyBufferSize))
	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	} else {
		dst.Close()
	}
	if err != nil && !isClosedConn(err) {
		return n, err
	}
	return n, nil
}

type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}

func isClosedConn(err error) bool {
	if err == nil {
		return false
	}
	// "use of closed network connection" surfaces after the watchdog or the
	// other direction tears the sockets down; it is not a relay failure.
	return stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, io.ErrClosedPipe)
}
