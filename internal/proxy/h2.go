package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"
	"google.golang.org/grpc/codes"

	"github.com/sufield/pqmesh/internal/core/domain"
)

// clientPreface opens every HTTP/2 connection.
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const (
	frameData         = 0x0
	frameHeaders      = 0x1
	frameRSTStream    = 0x3
	frameWindowUpdate = 0x8
	frameContinuation = 0x9
	frameGoaway       = 0x7
	frameSettings     = 0x4

	flagEndStream  = 0x1
	flagEndHeaders = 0x4
	flagPadded     = 0x8
	flagPriority   = 0x20

	errCodeCancel        = 0x8
	errCodeRefusedStream = 0x7

	maxFramePayload = 1 << 20

	hpackTableSize = 4096
)

// h2Frame is one raw frame; payload bytes are relayed verbatim.
type h2Frame struct {
	typ     uint8
	flags   uint8
	stream  uint32
	payload []byte
}

func readH2Frame(r io.Reader) (*h2Frame, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := uint32(hdr[0])<<16 | uint32(hdr[1])<<8 | uint32(hdr[2])
	if length > maxFramePayload {
		return nil, fmt.Errorf("frame payload %d exceeds limit", length)
	}
	f := &h2Frame{
		typ:    hdr[3],
		flags:  hdr[4],
		stream: binary.BigEndian.Uint32(hdr[5:9]) & 0x7fffffff,
	}
	if length > 0 {
		f.payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *h2Frame) marshal() []byte {
	out := make([]byte, 9+len(f.payload))
	out[0] = byte(len(f.payload) >> 16)
	out[1] = byte(len(f.payload) >> 8)
	out[2] = byte(len(f.payload))
	out[3] = f.typ
	out[4] = f.flags
	binary.BigEndian.PutUint32(out[5:9], f.stream)
	copy(out[9:], f.payload)
	return out
}

// headerFragment strips padding and priority from a HEADERS payload,
// returning the header block fragment.
func (f *h2Frame) headerFragment() ([]byte, error) {
	p := f.payload
	if f.flags&flagPadded != 0 {
		if len(p) < 1 {
			return nil, fmt.Errorf("short padded HEADERS")
		}
		pad := int(p[0])
		p = p[1:]
		if pad > len(p) {
			return nil, fmt.Errorf("padding exceeds payload")
		}
		p = p[:len(p)-pad]
	}
	if f.flags&flagPriority != 0 {
		if len(p) < 5 {
			return nil, fmt.Errorf("short priority HEADERS")
		}
		p = p[5:]
	}
	return p, nil
}

// syncWriter serializes whole-frame writes to the peer so injected deny
// responses never interleave with relayed backend frames.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(b)
	return err
}

// h2Relay inspects the first HEADERS of every client-initiated stream,
// evaluates policy per request, and relays allowed traffic unmodified.
// Denied streams are answered directly (403 for plain h2, PERMISSION_DENIED
// trailers for gRPC) and their frames never reach the backend.
type h2Relay struct {
	peer          net.Conn
	backend       net.Conn
	evaluate      func(protocol domain.Protocol, method string) domain.Decision
	headerTimeout time.Duration
	logger        *slog.Logger
}

type headerAccum struct {
	stream    uint32
	frames    []*h2Frame
	fragments [][]byte
	endStream bool
}

func (r *h2Relay) run(ctx context.Context) error {
	if r.headerTimeout <= 0 {
		r.headerTimeout = DefaultHeaderTimeout
	}

	// The preface flows through before frame relaying starts.
	preface := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(r.peer, preface); err != nil {
		return fmt.Errorf("reading client preface: %w", err)
	}
	if string(preface) != clientPreface {
		return fmt.Errorf("not an HTTP/2 connection")
	}
	if _, err := r.backend.Write(preface); err != nil {
		return err
	}

	peerWriter := &syncWriter{w: r.peer}

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		r.backendToPeer(peerWriter)
	}()
	defer func() {
		r.peer.Close()
		r.backend.Close()
	}()

	decoder := hpack.NewDecoder(hpackTableSize, func(hpack.HeaderField) {})
	denied := make(map[uint32]bool)
	allowed := make(map[uint32]bool)
	var pending *headerAccum
	decidedOnce := false

	r.peer.SetReadDeadline(time.Now().Add(r.headerTimeout))

	for {
		if relayCtx.Err() != nil {
			return nil
		}
		f, err := readH2Frame(r.peer)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && !decidedOnce {
				r.logger.Info("no HTTP/2 HEADERS within header timeout; denying")
			}
			return nil
		}

		switch f.typ {
		case frameHeaders:
			if allowed[f.stream] {
				// Trailers on an admitted stream pass through, but the
				// decoder must still see the fragment to stay in sync.
				frag, err := f.headerFragment()
				if err != nil {
					return err
				}
				if _, err := decoder.Write(frag); err != nil {
					return err
				}
				if err := r.writeBackend(f); err != nil {
					return err
				}
				continue
			}
			frag, err := f.headerFragment()
			if err != nil {
				return err
			}
			pending = &headerAccum{
				stream:    f.stream,
				frames:    []*h2Frame{f},
				fragments: [][]byte{frag},
				endStream: f.flags&flagEndStream != 0,
			}
			if f.flags&flagEndHeaders != 0 {
				if err := r.decide(pending, decoder, peerWriter, allowed, denied); err != nil {
					return err
				}
				pending = nil
				if !decidedOnce {
					decidedOnce = true
					r.peer.SetReadDeadline(time.Time{})
				}
			}

		case frameContinuation:
			if pending == nil || f.stream != pending.stream {
				return fmt.Errorf("unexpected CONTINUATION on stream %d", f.stream)
			}
			pending.frames = append(pending.frames, f)
			pending.fragments = append(pending.fragments, f.payload)
			if f.flags&flagEndHeaders != 0 {
				if err := r.decide(pending, decoder, peerWriter, allowed, denied); err != nil {
					return err
				}
				pending = nil
				if !decidedOnce {
					decidedOnce = true
					r.peer.SetReadDeadline(time.Time{})
				}
			}

		case frameData:
			if denied[f.stream] {
				// The backend never saw this stream; replenish the
				// connection-level window ourselves so other streams
				// do not stall.
				if len(f.payload) > 0 {
					if err := peerWriter.write(windowUpdateFrame(0, uint32(len(f.payload)))); err != nil {
						return err
					}
				}
				continue
			}
			if err := r.writeBackend(f); err != nil {
				return err
			}

		case frameRSTStream, frameWindowUpdate:
			if f.stream != 0 && denied[f.stream] {
				if f.typ == frameRSTStream {
					delete(denied, f.stream)
				}
				continue
			}
			if err := r.writeBackend(f); err != nil {
				return err
			}

		default:
			if err := r.writeBackend(f); err != nil {
				return err
			}
		}
	}
}

func (r *h2Relay) writeBackend(f *h2Frame) error {
	_, err := r.backend.Write(f.marshal())
	return err
}

// decide runs once per header block: decode it (keeping the connection-wide
// HPACK table in sync), classify the protocol, evaluate policy, then either
// release the buffered frames to the backend or answer the denial.
func (r *h2Relay) decide(
	acc *headerAccum,
	decoder *hpack.Decoder,
	peerWriter *syncWriter,
	allowed, denied map[uint32]bool,
) error {
	var method, path, contentType string
	decoder.SetEmitFunc(func(hf hpack.HeaderField) {
		switch hf.Name {
		case ":method":
			method = hf.Value
		case ":path":
			path = hf.Value
		case "content-type":
			contentType = hf.Value
		}
	})
	defer decoder.SetEmitFunc(func(hpack.HeaderField) {})
	for _, frag := range acc.fragments {
		if _, err := decoder.Write(frag); err != nil {
			return fmt.Errorf("hpack: %w", err)
		}
	}
	if err := decoder.Close(); err != nil {
		return fmt.Errorf("hpack: %w", err)
	}

	grpc := strings.HasPrefix(contentType, "application/grpc")
	protocol := domain.ProtocolHTTP
	policyMethod := method + " " + path
	if grpc {
		protocol = domain.ProtocolGRPC
		policyMethod = strings.TrimPrefix(path, "/")
	}

	decision := r.evaluate(protocol, policyMethod)
	if decision.Allowed {
		allowed[acc.stream] = true
		for _, f := range acc.frames {
			if err := r.writeBackend(f); err != nil {
				return err
			}
		}
		return nil
	}

	if !acc.endStream {
		denied[acc.stream] = true
	}
	if err := peerWriter.write(denyHeadersFrame(acc.stream, grpc)); err != nil {
		return err
	}
	return peerWriter.write(rstStreamFrame(acc.stream, errCodeCancel))
}

// backendToPeer relays backend frames whole, so injected frames on the peer
// side never split a relayed frame.
func (r *h2Relay) backendToPeer(w *syncWriter) {
	for {
		f, err := readH2Frame(r.backend)
		if err != nil {
			return
		}
		if err := w.write(f.marshal()); err != nil {
			return
		}
	}
}

// denyHeadersFrame builds the denial response. All fields are encoded as
// never-indexed literals so the relayed HPACK dynamic table is untouched.
func denyHeadersFrame(stream uint32, grpc bool) []byte {
	var block bytes.Buffer
	enc := hpack.NewEncoder(&block)
	fields := []hpack.HeaderField{
		{Name: ":status", Value: "403", Sensitive: true},
		{Name: "content-length", Value: "0", Sensitive: true},
	}
	if grpc {
		// Trailers-only gRPC response: PERMISSION_DENIED.
		fields = []hpack.HeaderField{
			{Name: ":status", Value: "200", Sensitive: true},
			{Name: "content-type", Value: "application/grpc", Sensitive: true},
			{Name: "grpc-status", Value: strconv.Itoa(int(codes.PermissionDenied)), Sensitive: true},
			{Name: "grpc-message", Value: "permission denied", Sensitive: true},
		}
	}
	for _, hf := range fields {
		enc.WriteField(hf)
	}
	f := &h2Frame{
		typ:     frameHeaders,
		flags:   flagEndHeaders | flagEndStream,
		stream:  stream,
		payload: block.Bytes(),
	}
	return f.marshal()
}

func rstStreamFrame(stream uint32, code uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, code)
	return (&h2Frame{typ: frameRSTStream, stream: stream, payload: payload}).marshal()
}

func windowUpdateFrame(stream uint32, increment uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, increment)
	return (&h2Frame{typ: frameWindowUpdate, stream: stream, payload: payload}).marshal()
}

// goawayFrame reports a connection-level refusal, used when the backend is
// unreachable; gRPC clients surface it as UNAVAILABLE.
func goawayFrame(lastStream uint32, code uint32) []byte {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], lastStream)
	binary.BigEndian.PutUint32(payload[4:8], code)
	return (&h2Frame{typ: frameGoaway, payload: payload}).marshal()
}

// emptySettingsFrame acknowledges an h2 client when the proxy itself must
// answer before any backend exists.
func emptySettingsFrame() []byte {
	return (&h2Frame{typ: frameSettings}).marshal()
}
