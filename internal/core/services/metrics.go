package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sufield/pqmesh/internal/core/domain"
)

var (
	identityStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pqmesh_identity_state",
		Help: "Published identity state (0=pending, 1=active, 2=expired, 3=revoked)",
	})

	identityExpiryTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pqmesh_identity_expiry_timestamp_seconds",
		Help: "Unix timestamp when the published certificate expires",
	})

	rotationCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pqmesh_identity_rotation_total",
		Help: "Total identity rotation attempts",
	}, []string{"result"}) // result: success, failure

	policyDecisionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pqmesh_policy_decisions_total",
		Help: "Total policy evaluations",
	}, []string{"action", "reason"}) // action: allow, deny; reason: rule, default, ip

	// ConnectionsAccepted counts connections that completed the TLS handshake.
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pqmesh_connections_accepted_total",
		Help: "Total connections that completed the mTLS handshake",
	})

	// ConnectionsRejected counts connections closed before forwarding.
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pqmesh_connections_rejected_total",
		Help: "Total connections rejected before forwarding",
	}, []string{"reason"}) // reason: handshake, identity_expired, policy, backend, protocol

	// ConnectionsForwarded counts connections handed to the forwarder.
	ConnectionsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pqmesh_connections_forwarded_total",
		Help: "Total connections relayed to the backend",
	})

	// BytesForwarded sums relayed bytes per direction.
	BytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pqmesh_forwarded_bytes_total",
		Help: "Total bytes relayed",
	}, []string{"direction"}) // direction: peer_to_backend, backend_to_peer
)

func recordIdentityState(a *domain.ActiveIdentity) {
	identityStateGauge.Set(float64(a.State))
	if a.State == domain.IdentityActive && a.Identity != nil {
		identityExpiryTimestamp.Set(float64(a.Identity.Bundle.NotAfter().Unix()))
	}
}

func recordRotation(result string) {
	rotationCounter.WithLabelValues(result).Inc()
}

func recordPolicyDecision(action, reason string) {
	policyDecisionCounter.WithLabelValues(action, reason).Inc()
}
