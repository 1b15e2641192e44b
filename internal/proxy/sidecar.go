package proxy

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sufield/pqmesh/internal/adapters/spiffe"
	"github.com/sufield/pqmesh/internal/adapters/tlsconf"
	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/services"
)

// Mode selects which side of the trust boundary the sidecar terminates.
type Mode string

const (
	// ModeIngress accepts inbound mTLS and forwards plaintext to the local
	// backend.
	ModeIngress Mode = "ingress"
	// ModeEgress accepts local plaintext and dials outbound mTLS.
	ModeEgress Mode = "egress"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 5 * time.Second
	DefaultShutdownGrace    = 30 * time.Second
	DefaultMaxConcurrent    = 1024
)

// Config configures one listening endpoint.
type Config struct {
	Mode           Mode
	ListenAddr     string
	Protocol       domain.Protocol
	BackendAddr    string
	PeerServerName string // egress: expected DNS name of the dialed peer

	MaxConcurrent    int64
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	IdleTimeout      time.Duration
	MaxConnDuration  time.Duration
	HeaderTimeout    time.Duration
	ShutdownGrace    time.Duration
}

func (c *Config) fillDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = DefaultHeaderTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Mode == "" {
		c.Mode = ModeIngress
	}
}

// Sidecar is one accept loop bound to one endpoint. Each accepted socket
// becomes an isolated task under a global concurrency semaphore; once
// saturated, accept stops draining the kernel queue so the kernel backlog
// applies instead of an in-process queue.
type Sidecar struct {
	cfg      Config
	identity *services.IdentityService
	policy   *services.PolicyEngine
	builder  *tlsconf.Builder
	verifier *spiffe.Verifier
	handler  *Handler
	logger   *slog.Logger

	sem *semaphore.Weighted

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New assembles a sidecar from its collaborators.
func New(
	cfg Config,
	identity *services.IdentityService,
	policy *services.PolicyEngine,
	builder *tlsconf.Builder,
	verifier *spiffe.Verifier,
	logger *slog.Logger,
) *Sidecar {
	cfg.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sidecar{
		cfg:      cfg,
		identity: identity,
		policy:   policy,
		builder:  builder,
		verifier: verifier,
		logger:   logger,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		conns:    make(map[net.Conn]struct{}),
	}
	s.handler = &Handler{
		Policy:        policy,
		Protocol:      cfg.Protocol,
		DialTimeout:   cfg.DialTimeout,
		HeaderTimeout: cfg.HeaderTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		Forwarder: &Forwarder{
			IdleTimeout: cfg.IdleTimeout,
			MaxDuration: cfg.MaxConnDuration,
			Logger:      logger,
		},
		Logger: logger,
	}
	return s
}

// Serve binds the endpoint and accepts until ctx is canceled, then drains
// in-flight connections for up to ShutdownGrace before aborting them.
func (s *Sidecar) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener accepts on an already-bound listener.
func (s *Sidecar) ServeListener(ctx context.Context, ln net.Listener) error {
	s.logger.Info("sidecar listening",
		"mode", s.cfg.Mode,
		"addr", ln.Addr().String(),
		"protocol", s.cfg.Protocol,
		"backend", s.cfg.BackendAddr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	serverCfg := s.builder.ServerConfig(s.identity.Current)

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.track(conn)
			defer s.untrack(conn)

			switch s.cfg.Mode {
			case ModeEgress:
				s.handleEgress(ctx, conn)
			default:
				s.handleIngress(ctx, conn, serverCfg)
			}
		}()
	}

	return s.drain()
}

func (s *Sidecar) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("sidecar drained")
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("shutdown grace elapsed, aborting connections")
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		<-done
	}
	return nil
}

// handleIngress terminates inbound mTLS and forwards plaintext to the local
// backend.
func (s *Sidecar) handleIngress(ctx context.Context, conn net.Conn, serverCfg *tls.Config) {
	// An expired local identity rejects new connections immediately;
	// established connections are unaffected.
	if !s.identity.Current().Usable(time.Now()) {
		services.ConnectionsRejected.WithLabelValues("identity_expired").Inc()
		s.logger.Warn("rejecting connection: local identity not usable", "peer", conn.RemoteAddr())
		conn.Close()
		return
	}

	tlsConn := tls.Server(conn, serverCfg)
	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		services.ConnectionsRejected.WithLabelValues("handshake").Inc()
		s.logger.Info("handshake failed", "peer", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	state := tlsConn.ConnectionState()
	leaf := state.PeerCertificates[0]
	peerID, err := s.verifier.IdentifyPeer(leaf)
	if err != nil {
		// Unreachable in practice: the handshake hook already enforced this.
		services.ConnectionsRejected.WithLabelValues("handshake").Inc()
		tlsConn.Close()
		return
	}
	services.ConnectionsAccepted.Inc()

	cc := domain.NewConnectionContext(conn.LocalAddr(), conn.RemoteAddr())
	cc.PeerSPIFFEID = peerID
	cc.PeerCertFingerprint = spiffe.Fingerprint(leaf)
	s.logger.Debug("connection authenticated",
		"conn_id", cc.ID,
		"peer", peerID.String(),
		"alpn", state.NegotiatedProtocol)

	s.handler.Handle(ctx, cc, tlsConn, state.NegotiatedProtocol, func(dialCtx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(dialCtx, "tcp", s.cfg.BackendAddr)
	})
}

// handleEgress wraps local plaintext into an outbound mTLS connection. The
// dialed peer's identity feeds the same policy pipeline; no application byte
// leaves before the first allow decision.
func (s *Sidecar) handleEgress(ctx context.Context, conn net.Conn) {
	if !s.identity.Current().Usable(time.Now()) {
		services.ConnectionsRejected.WithLabelValues("identity_expired").Inc()
		conn.Close()
		return
	}

	clientCfg := s.builder.ClientConfig(s.identity.Current, s.cfg.PeerServerName)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout+s.cfg.HandshakeTimeout)
	defer cancel()
	var d net.Dialer
	raw, err := d.DialContext(dialCtx, "tcp", s.cfg.BackendAddr)
	if err != nil {
		services.ConnectionsRejected.WithLabelValues("backend").Inc()
		s.logger.Warn("egress dial failed", "backend", s.cfg.BackendAddr, "error", err)
		conn.Close()
		return
	}
	tlsConn := tls.Client(raw, clientCfg)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		services.ConnectionsRejected.WithLabelValues("handshake").Inc()
		s.logger.Info("egress handshake failed", "backend", s.cfg.BackendAddr, "error", err)
		raw.Close()
		conn.Close()
		return
	}

	leaf := tlsConn.ConnectionState().PeerCertificates[0]
	peerID, err := s.verifier.IdentifyPeer(leaf)
	if err != nil {
		tlsConn.Close()
		conn.Close()
		return
	}
	services.ConnectionsAccepted.Inc()

	cc := domain.NewConnectionContext(conn.LocalAddr(), conn.RemoteAddr())
	cc.PeerSPIFFEID = peerID
	cc.PeerCertFingerprint = spiffe.Fingerprint(leaf)

	s.handler.Handle(ctx, cc, conn, tlsConn.ConnectionState().NegotiatedProtocol, func(context.Context) (net.Conn, error) {
		return tlsConn, nil
	})
}

func (s *Sidecar) track(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Sidecar) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
