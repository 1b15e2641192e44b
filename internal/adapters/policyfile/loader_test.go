package policyfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/pqmesh/internal/core/domain"
)

func TestParseOrderedRules(t *testing.T) {
	ruleset, err := Parse([]byte(`
id: web-ingress
default_action: deny
rules:
  - peer: spiffe://acme/web
    protocol: http
    method: "GET /api/v1/*"
    action: allow
  - peer: "spiffe://acme/**"
    action: deny
`))
	require.NoError(t, err)
	assert.Equal(t, "web-ingress", ruleset.ID)
	assert.Equal(t, 2, ruleset.Len())

	assert.True(t, ruleset.Evaluate(domain.EvalInput{
		PeerID: "spiffe://acme/web", Protocol: domain.ProtocolHTTP, Method: "GET /api/v1/users",
	}).Allowed)
	assert.False(t, ruleset.Evaluate(domain.EvalInput{
		PeerID: "spiffe://acme/web", Protocol: domain.ProtocolHTTP, Method: "DELETE /api/v1/users",
	}).Allowed)
}

func TestParseFlatDocument(t *testing.T) {
	// The allow_from / allow_methods shape with ip deny rules.
	ruleset, err := Parse([]byte(`
id: legacy
allow_from:
  - spiffe://acme/web
  - spiffe://acme/batch
allow_methods:
  - "GET /api/v1/*"
deny_rules:
  - type: ip
    value: 10.9.0.0/16
`))
	require.NoError(t, err)

	assert.True(t, ruleset.Evaluate(domain.EvalInput{
		PeerID: "spiffe://acme/batch", Protocol: domain.ProtocolHTTP, Method: "GET /api/v1/jobs",
	}).Allowed)
	assert.False(t, ruleset.Evaluate(domain.EvalInput{
		PeerID: "spiffe://acme/web", Protocol: domain.ProtocolHTTP, Method: "GET /api/v1/jobs", PeerIP: "10.9.4.4",
	}).Allowed)
}

func TestParseMalformedRegexFailsAtLoad(t *testing.T) {
	_, err := Parse([]byte(`
id: broken
rules:
  - peer: "regex:["
    action: allow
`))
	assert.Error(t, err)
}

func TestParseBadYAML(t *testing.T) {
	_, err := Parse([]byte("rules: [what"))
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: file\ndefault_action: deny\n"), 0o600))

	ruleset, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file", ruleset.ID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
