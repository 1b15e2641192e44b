package proxy

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/services"
)

// Handler runs the post-handshake pipeline of one connection: protocol
// inspection, policy evaluation, backend dial and forwarding. The src stream
// is the one whose requests are inspected (the remote peer for ingress, the
// local application for egress); denials are answered on it.
type Handler struct {
	Policy        *services.PolicyEngine
	Protocol      domain.Protocol // configured listener protocol
	DialTimeout   time.Duration
	HeaderTimeout time.Duration
	IdleTimeout   time.Duration
	Forwarder     *Forwarder
	Logger        *slog.Logger
}

// Handle dispatches on the resolved protocol. negotiated is the ALPN result
// ("" when none was exchanged).
func (h *Handler) Handle(ctx context.Context, cc *domain.ConnectionContext, src net.Conn, negotiated string, dial func(context.Context) (net.Conn, error)) {
	switch {
	case h.Protocol == domain.ProtocolTCP:
		cc.Protocol = domain.ProtocolTCP
		h.handleTCP(ctx, cc, src, dial)
	case negotiated == "h2":
		h.handleH2(ctx, cc, src, dial)
	default:
		cc.Protocol = domain.ProtocolHTTP
		h.handleHTTP1(ctx, cc, src, dial)
	}
}

func (h *Handler) evaluate(cc *domain.ConnectionContext, protocol domain.Protocol, method string) domain.Decision {
	return h.Policy.Evaluate(domain.EvalInput{
		PeerID:   cc.PeerSPIFFEID.String(),
		Protocol: protocol,
		Method:   method,
		PeerIP:   cc.PeerIP(),
	})
}

// handleTCP makes one connection-time decision that stands for the lifetime
// of the stream; a raw stream has no method concept.
func (h *Handler) handleTCP(ctx context.Context, cc *domain.ConnectionContext, src net.Conn, dial func(context.Context) (net.Conn, error)) {
	if decision := h.evaluate(cc, domain.ProtocolTCP, ""); !decision.Allowed {
		// Raw TCP receives a clean close without data.
		services.ConnectionsRejected.WithLabelValues("policy").Inc()
		src.Close()
		return
	}

	backend, err := h.dialBackend(ctx, cc, dial)
	if err != nil {
		src.Close()
		return
	}

	services.ConnectionsForwarded.Inc()
	h.Forwarder.Relay(ctx, src, backend, cc.ID)
}

// handleHTTP1 evaluates every request on the stream. Request heads are
// replayed to the backend byte for byte; bodies are streamed according to
// their framing. A denial mid-stream answers 403 and closes the connection.
func (h *Handler) handleHTTP1(ctx context.Context, cc *domain.ConnectionContext, src net.Conn, dial func(context.Context) (net.Conn, error)) {
	defer src.Close()

	headerTimeout := h.HeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = DefaultHeaderTimeout
	}
	idle := h.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	br := bufio.NewReader(src)
	var backend net.Conn
	respDone := make(chan struct{})

	defer func() {
		if backend == nil {
			return
		}
		// No more requests will be written; half-close toward the backend
		// and let in-flight responses drain before tearing down.
		if hc, ok := backend.(halfCloser); ok {
			hc.CloseWrite()
		}
		select {
		case <-respDone:
		case <-time.After(idle):
		}
		backend.Close()
	}()

	for {
		deadline := headerTimeout
		if backend != nil {
			// Between requests the idle timeout governs.
			deadline = idle
		}
		src.SetReadDeadline(time.Now().Add(deadline))

		req, err := readHTTP1Request(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			if backend == nil {
				services.ConnectionsRejected.WithLabelValues("protocol").Inc()
				h.Logger.Info("malformed HTTP request", "conn_id", cc.ID, "error", err)
			}
			break
		}
		src.SetReadDeadline(time.Time{})

		if decision := h.evaluate(cc, domain.ProtocolHTTP, req.Method()); !decision.Allowed {
			services.ConnectionsRejected.WithLabelValues("policy").Inc()
			io.WriteString(src, http1DenyResponse)
			break
		}

		if backend == nil {
			backend, err = h.dialBackend(ctx, cc, dial)
			if err != nil {
				io.WriteString(src, http1BadGatewayResponse)
				return
			}
			services.ConnectionsForwarded.Inc()
			// Responses flow back unmediated.
			go func(b net.Conn) {
				io.Copy(src, b)
				close(respDone)
			}(backend)
		}

		if _, err := backend.Write(req.Head); err != nil {
			return
		}
		if err := forwardHTTP1Body(backend, br, req); err != nil {
			return
		}
		if req.Close {
			break
		}
	}
}

// handleH2 relays an HTTP/2 session, evaluating the first HEADERS of every
// stream. When the backend is unreachable the client is answered with
// SETTINGS + GOAWAY(REFUSED_STREAM), which gRPC clients surface as
// UNAVAILABLE.
func (h *Handler) handleH2(ctx context.Context, cc *domain.ConnectionContext, src net.Conn, dial func(context.Context) (net.Conn, error)) {
	defer src.Close()
	cc.Protocol = domain.ProtocolGRPC
	if h.Protocol == domain.ProtocolHTTP {
		cc.Protocol = domain.ProtocolHTTP
	}

	backend, err := h.dialBackend(ctx, cc, dial)
	if err != nil {
		preface := make([]byte, len(clientPreface))
		src.SetReadDeadline(time.Now().Add(DefaultHeaderTimeout))
		if _, rerr := io.ReadFull(src, preface); rerr == nil {
			src.Write(emptySettingsFrame())
			src.Write(goawayFrame(0, errCodeRefusedStream))
		}
		return
	}
	defer backend.Close()

	services.ConnectionsForwarded.Inc()
	relay := &h2Relay{
		peer:    src,
		backend: backend,
		evaluate: func(protocol domain.Protocol, method string) domain.Decision {
			return h.evaluate(cc, protocol, method)
		},
		headerTimeout: h.HeaderTimeout,
		logger:        h.Logger,
	}
	if err := relay.run(ctx); err != nil {
		h.Logger.Info("h2 relay ended", "conn_id", cc.ID, "error", err)
	}
}

func (h *Handler) dialBackend(ctx context.Context, cc *domain.ConnectionContext, dial func(context.Context) (net.Conn, error)) (net.Conn, error) {
	dialCtx := ctx
	if h.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, h.DialTimeout)
		defer cancel()
	}
	backend, err := dial(dialCtx)
	if err != nil {
		services.ConnectionsRejected.WithLabelValues("backend").Inc()
		h.Logger.Warn("backend unreachable", "conn_id", cc.ID, "error", err)
		return nil, err
	}
	return backend, nil
}
