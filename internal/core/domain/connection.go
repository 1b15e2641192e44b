package domain

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Protocol is the application protocol observed on an accepted connection,
// resolved from ALPN or the first plaintext bytes.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// ParseProtocol validates a configured protocol label.
func ParseProtocol(s string) (Protocol, bool) {
	switch Protocol(s) {
	case ProtocolTCP, ProtocolHTTP, ProtocolGRPC:
		return Protocol(s), true
	}
	return "", false
}

// ConnectionContext is the per-connection record carried from accept to
// forwarder exit. It is never persisted.
type ConnectionContext struct {
	ID                  string
	PeerSPIFFEID        SPIFFEID
	PeerCertFingerprint string
	LocalAddr           net.Addr
	PeerAddr            net.Addr
	AcceptedAt          time.Time
	Protocol            Protocol
}

// NewConnectionContext records an accepted connection.
func NewConnectionContext(local, peer net.Addr) *ConnectionContext {
	return &ConnectionContext{
		ID:         uuid.NewString(),
		LocalAddr:  local,
		PeerAddr:   peer,
		AcceptedAt: time.Now(),
	}
}

// PeerIP returns the bare peer IP, or "" when the address is not TCP.
func (c *ConnectionContext) PeerIP() string {
	if addr, ok := c.PeerAddr.(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
