package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, spec *RulesetSpec) *Ruleset {
	t.Helper()
	rs, err := CompileRuleset(spec)
	require.NoError(t, err)
	return rs
}

func TestRulesetDefaultDeny(t *testing.T) {
	rs := compile(t, &RulesetSpec{ID: "empty"})

	d := rs.Evaluate(EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolHTTP, Method: "GET /"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDefault, d.Reason)
}

func TestRulesetExactMatch(t *testing.T) {
	rs := compile(t, &RulesetSpec{
		ID: "exact",
		Rules: []RuleSpec{
			{Peer: "spiffe://acme/web", Action: "allow"},
		},
	})

	assert.True(t, rs.Evaluate(EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolTCP}).Allowed)
	assert.False(t, rs.Evaluate(EvalInput{PeerID: "spiffe://acme/other", Protocol: ProtocolTCP}).Allowed)
}

func TestRulesetHTTPMethodGlob(t *testing.T) {
	// Scenario: allow peer=spiffe://acme/web, proto=http, method="GET /api/v1/*".
	rs := compile(t, &RulesetSpec{
		ID: "http",
		Rules: []RuleSpec{
			{Peer: "spiffe://acme/web", Protocol: "http", Method: "GET /api/v1/*", Action: "allow"},
		},
	})

	tests := []struct {
		name    string
		in      EvalInput
		allowed bool
	}{
		{
			name:    "matching request",
			in:      EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolHTTP, Method: "GET /api/v1/users"},
			allowed: true,
		},
		{
			name:    "verb is case-insensitive",
			in:      EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolHTTP, Method: "get /api/v1/users"},
			allowed: true,
		},
		{
			name:    "glob star stays within one segment",
			in:      EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolHTTP, Method: "GET /api/v1/users/42"},
			allowed: false,
		},
		{
			name:    "wrong verb",
			in:      EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolHTTP, Method: "DELETE /api/v1/users"},
			allowed: false,
		},
		{
			name:    "wrong protocol",
			in:      EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolGRPC, Method: "GET /api/v1/users"},
			allowed: false,
		},
		{
			name:    "wrong peer",
			in:      EvalInput{PeerID: "spiffe://acme/batch", Protocol: ProtocolHTTP, Method: "GET /api/v1/users"},
			allowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, rs.Evaluate(tt.in).Allowed)
		})
	}
}

func TestRulesetDoubleStarCrossesSegments(t *testing.T) {
	rs := compile(t, &RulesetSpec{
		ID: "glob",
		Rules: []RuleSpec{
			{Peer: "spiffe://acme/web", Protocol: "http", Method: "GET /api/**", Action: "allow"},
		},
	})

	assert.True(t, rs.Evaluate(EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolHTTP, Method: "GET /api/v1/users/42"}).Allowed)
}

func TestRulesetGRPCRegex(t *testing.T) {
	// Scenario: allow proto=grpc method="regex:^foo\..*Service/Get.*".
	rs := compile(t, &RulesetSpec{
		ID: "grpc",
		Rules: []RuleSpec{
			{Peer: "spiffe://acme/api", Protocol: "grpc", Method: `regex:^foo\..*Service/Get.*`, Action: "allow"},
		},
	})

	assert.True(t, rs.Evaluate(EvalInput{
		PeerID: "spiffe://acme/api", Protocol: ProtocolGRPC, Method: "foo.UserService/GetUser",
	}).Allowed)
	assert.False(t, rs.Evaluate(EvalInput{
		PeerID: "spiffe://acme/api", Protocol: ProtocolGRPC, Method: "foo.UserService/DeleteUser",
	}).Allowed)
}

func TestRulesetPeerGlob(t *testing.T) {
	rs := compile(t, &RulesetSpec{
		ID: "peers",
		Rules: []RuleSpec{
			{Peer: "spiffe://acme/*", Action: "allow"},
		},
	})

	assert.True(t, rs.Evaluate(EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolTCP}).Allowed)
	assert.False(t, rs.Evaluate(EvalInput{PeerID: "spiffe://acme/ns/web", Protocol: ProtocolTCP}).Allowed,
		"single star must not cross path segments")
	assert.False(t, rs.Evaluate(EvalInput{PeerID: "spiffe://evil/web", Protocol: ProtocolTCP}).Allowed)
}

func TestRulesetFirstMatchWins(t *testing.T) {
	// Two rules that both match but disagree: declaration order decides.
	denyFirst := compile(t, &RulesetSpec{
		ID: "deny-first",
		Rules: []RuleSpec{
			{Peer: "spiffe://acme/web", Action: "deny"},
			{Peer: "spiffe://acme/*", Action: "allow"},
		},
	})
	allowFirst := compile(t, &RulesetSpec{
		ID: "allow-first",
		Rules: []RuleSpec{
			{Peer: "spiffe://acme/*", Action: "allow"},
			{Peer: "spiffe://acme/web", Action: "deny"},
		},
	})

	in := EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolTCP}
	assert.False(t, denyFirst.Evaluate(in).Allowed)
	assert.True(t, allowFirst.Evaluate(in).Allowed)
}

func TestRulesetMethodPredicateNeverMatchesTCP(t *testing.T) {
	rs := compile(t, &RulesetSpec{
		ID: "methods",
		Rules: []RuleSpec{
			{Peer: "*", Method: "GET /health", Action: "allow"},
		},
	})

	assert.False(t, rs.Evaluate(EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolTCP, Method: ""}).Allowed)
}

func TestRulesetFlatForm(t *testing.T) {
	rs := compile(t, &RulesetSpec{
		ID:           "flat",
		AllowFrom:    []string{"spiffe://acme/web"},
		AllowMethods: []string{"GET /api/v1/*", "foo.UserService/Get*"},
	})

	assert.True(t, rs.Evaluate(EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolHTTP, Method: "GET /api/v1/users"}).Allowed)
	assert.True(t, rs.Evaluate(EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolGRPC, Method: "foo.UserService/GetUser"}).Allowed)
	assert.False(t, rs.Evaluate(EvalInput{PeerID: "spiffe://other/web", Protocol: ProtocolHTTP, Method: "GET /api/v1/users"}).Allowed)
}

func TestRulesetIPDenyShortCircuits(t *testing.T) {
	rs := compile(t, &RulesetSpec{
		ID: "ipdeny",
		Rules: []RuleSpec{
			{Peer: "*", Action: "allow"},
		},
		DenyRules: []DenyRuleSpec{
			{Type: "ip", Value: "10.1.0.0/16"},
			{Type: "ip", Value: "192.168.1.7"},
		},
	})

	d := rs.Evaluate(EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolTCP, PeerIP: "10.1.2.3"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonIP, d.Reason)

	assert.False(t, rs.Evaluate(EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolTCP, PeerIP: "192.168.1.7"}).Allowed)
	assert.True(t, rs.Evaluate(EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolTCP, PeerIP: "192.168.1.8"}).Allowed)
}

func TestRulesetDeterministic(t *testing.T) {
	rs := compile(t, &RulesetSpec{
		ID: "det",
		Rules: []RuleSpec{
			{Peer: "spiffe://acme/*", Protocol: "http", Method: "GET /api/**", Action: "allow"},
			{Peer: "regex:^spiffe://acme/.*$", Action: "deny"},
		},
	})

	in := EvalInput{PeerID: "spiffe://acme/web", Protocol: ProtocolHTTP, Method: "GET /api/v1/x"}
	first := rs.Evaluate(in)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, rs.Evaluate(in))
	}
}

func TestCompileRulesetErrors(t *testing.T) {
	tests := []struct {
		name string
		spec *RulesetSpec
	}{
		{
			name: "bad regex",
			spec: &RulesetSpec{Rules: []RuleSpec{{Peer: "regex:[", Action: "allow"}}},
		},
		{
			name: "bad protocol",
			spec: &RulesetSpec{Rules: []RuleSpec{{Peer: "*", Protocol: "udp", Action: "allow"}}},
		},
		{
			name: "bad action",
			spec: &RulesetSpec{Rules: []RuleSpec{{Peer: "*", Action: "permit"}}},
		},
		{
			name: "bad default action",
			spec: &RulesetSpec{DefaultAction: "open"},
		},
		{
			name: "bad deny rule type",
			spec: &RulesetSpec{DenyRules: []DenyRuleSpec{{Type: "time", Value: "09:00-17:00"}}},
		},
		{
			name: "bad deny CIDR",
			spec: &RulesetSpec{DenyRules: []DenyRuleSpec{{Type: "ip", Value: "10.0.0.0/99"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileRuleset(tt.spec)
			assert.Error(t, err)
		})
	}
}
