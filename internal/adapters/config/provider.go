// Package config loads and validates the sidecar configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/errors"
)

// Config is the complete sidecar configuration, merged from the YAML file
// and PQMESH_-prefixed environment variables.
type Config struct {
	Identity IdentityConfig `mapstructure:"identity" validate:"required"`
	CA       CAConfig       `mapstructure:"ca" validate:"required"`
	Listener ListenerConfig `mapstructure:"listener" validate:"required"`
	Policy   PolicyConfig   `mapstructure:"policy"`
}

// IdentityConfig names the local workload and its key parameters.
type IdentityConfig struct {
	Tenant          string        `mapstructure:"tenant" validate:"required"`
	Service         string        `mapstructure:"service" validate:"required"`
	DataDir         string        `mapstructure:"data_dir" validate:"required"`
	KeyAlgorithm    string        `mapstructure:"key_algorithm"`
	RenewalFraction float64       `mapstructure:"renewal_fraction" validate:"gte=0,lt=1"`
	TTL             time.Duration `mapstructure:"ttl"`
	PQCEnabled      bool          `mapstructure:"pqc_enabled"`
}

// CAConfig selects and parameterizes the certificate authority.
type CAConfig struct {
	Type           string        `mapstructure:"type" validate:"oneof=remote mock"`
	URL            string        `mapstructure:"url"`
	Token          string        `mapstructure:"token"`
	TokenFile      string        `mapstructure:"token_file"`
	TrustAnchor    string        `mapstructure:"trust_anchor"` // PEM file path
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ListenerConfig configures the proxy endpoint.
type ListenerConfig struct {
	Mode            string        `mapstructure:"mode" validate:"oneof=ingress egress"`
	Address         string        `mapstructure:"address" validate:"required"`
	Protocol        string        `mapstructure:"protocol" validate:"oneof=tcp http grpc"`
	BackendAddress  string        `mapstructure:"backend_address" validate:"required"`
	PeerServerName  string        `mapstructure:"peer_server_name"`
	TrustedDomains []string `mapstructure:"trusted_domains"`
	PQCProfile     string   `mapstructure:"pqc_profile" validate:"omitempty,oneof=hybrid classical"`
	MaxConnections int64    `mapstructure:"max_connections"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	MaxConnDuration  time.Duration `mapstructure:"max_connection_duration"`
	HeaderTimeout    time.Duration `mapstructure:"header_timeout"`
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
}

// PolicyConfig points at the ruleset document.
type PolicyConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads the file, applies environment overrides, and validates the
// result. Any failure here is fatal at startup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PQMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.ValidationError{Field: "config", Value: path, Message: "configuration file not found"}
		}
		return nil, &errors.ValidationError{Field: "config", Value: path, Message: fmt.Sprintf("reading configuration: %v", err)}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &errors.ValidationError{Field: "config", Value: path, Message: fmt.Sprintf("parsing configuration: %v", err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("identity.key_algorithm", "ecdsa-p256")
	v.SetDefault("identity.renewal_fraction", 0.5)
	v.SetDefault("identity.ttl", "24h")
	v.SetDefault("ca.type", "remote")
	v.SetDefault("listener.mode", "ingress")
	v.SetDefault("listener.protocol", "http")
	v.SetDefault("listener.pqc_profile", "hybrid")
	v.SetDefault("listener.idle_timeout", "60s")
	v.SetDefault("listener.shutdown_grace", "30s")
}

// Validate applies the struct tags plus the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &errors.ValidationError{Field: "config", Value: nil, Message: err.Error()}
	}

	if _, ok := domain.ParseProtocol(c.Listener.Protocol); !ok {
		return &errors.ValidationError{Field: "listener.protocol", Value: c.Listener.Protocol, Message: "must be tcp, http or grpc"}
	}

	if c.CA.Type == "remote" {
		if c.CA.URL == "" {
			return &errors.ValidationError{Field: "ca.url", Value: "", Message: "required for ca.type=remote"}
		}
		if c.CA.TrustAnchor == "" {
			return &errors.ValidationError{Field: "ca.trust_anchor", Value: "", Message: "required for ca.type=remote"}
		}
		if c.CA.Token == "" && c.CA.TokenFile == "" {
			return &errors.ValidationError{Field: "ca.token", Value: "", Message: "a provisioning token or token_file is required"}
		}
	}

	if c.Listener.Mode == "egress" && c.Listener.PeerServerName == "" {
		return &errors.ValidationError{Field: "listener.peer_server_name", Value: "", Message: "required for egress mode"}
	}

	return nil
}

// ProvisioningToken resolves the bearer token, preferring the file form so
// the token never sits in the config document.
func (c *CAConfig) ProvisioningToken() (string, error) {
	if c.TokenFile != "" {
		data, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return "", fmt.Errorf("reading CA token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return c.Token, nil
}

// TrustAnchorPEM loads the pinned CA root.
func (c *CAConfig) TrustAnchorPEM() ([]byte, error) {
	data, err := os.ReadFile(c.TrustAnchor)
	if err != nil {
		return nil, fmt.Errorf("reading CA trust anchor: %w", err)
	}
	return data, nil
}
