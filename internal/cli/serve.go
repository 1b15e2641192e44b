package cli

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	caadapter "github.com/sufield/pqmesh/internal/adapters/ca"
	"github.com/sufield/pqmesh/internal/adapters/config"
	"github.com/sufield/pqmesh/internal/adapters/policyfile"
	"github.com/sufield/pqmesh/internal/adapters/spiffe"
	"github.com/sufield/pqmesh/internal/adapters/store"
	"github.com/sufield/pqmesh/internal/adapters/tlsconf"
	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/ports"
	"github.com/sufield/pqmesh/internal/core/services"
	"github.com/sufield/pqmesh/internal/proxy"
	"github.com/sufield/pqmesh/internal/shutdown"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sidecar proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "pqmesh.yaml", "path to the configuration file")
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	caClient, roots, err := buildCA(cfg, logger)
	if err != nil {
		return err
	}

	identityStore, err := store.NewFileStore(cfg.Identity.DataDir)
	if err != nil {
		return err
	}

	identity, err := services.NewIdentityService(services.IdentityConfig{
		Tenant:          cfg.Identity.Tenant,
		Service:         cfg.Identity.Service,
		KeyAlgorithm:    cfg.Identity.KeyAlgorithm,
		RenewalFraction: cfg.Identity.RenewalFraction,
		RequestedTTL:    cfg.Identity.TTL,
		PQCEnabled:      cfg.Identity.PQCEnabled,
	}, caClient, identityStore, roots, logger)
	if err != nil {
		return err
	}

	ruleset, err := loadRuleset(cfg, logger)
	if err != nil {
		return err
	}
	policyEngine := services.NewPolicyEngine(ruleset, logger)

	verifier := spiffe.NewVerifier(cfg.Listener.TrustedDomains)

	var alpn []string
	protocol, _ := domain.ParseProtocol(cfg.Listener.Protocol)
	if protocol != domain.ProtocolTCP {
		alpn = tlsconf.ALPNHTTP
	}
	builder := tlsconf.NewBuilder(tlsconf.Options{
		Roots:            roots,
		Verifier:         verifier,
		Profile:          tlsconf.PQCProfile(cfg.Listener.PQCProfile),
		ALPN:             alpn,
		LocalTrustDomain: cfg.Identity.Tenant,
		TrustedDomains:   cfg.Listener.TrustedDomains,
	}, logger)

	sidecar := proxy.New(proxy.Config{
		Mode:             proxy.Mode(cfg.Listener.Mode),
		ListenAddr:       cfg.Listener.Address,
		Protocol:         protocol,
		BackendAddr:      cfg.Listener.BackendAddress,
		PeerServerName:   cfg.Listener.PeerServerName,
		MaxConcurrent:    cfg.Listener.MaxConnections,
		HandshakeTimeout: cfg.Listener.HandshakeTimeout,
		DialTimeout:      cfg.Listener.DialTimeout,
		IdleTimeout:      cfg.Listener.IdleTimeout,
		MaxConnDuration:  cfg.Listener.MaxConnDuration,
		HeaderTimeout:    cfg.Listener.HeaderTimeout,
		ShutdownGrace:    cfg.Listener.ShutdownGrace,
	}, identity, policyEngine, builder, verifier, logger)

	ctx, stop := shutdown.SignalContext(parent)
	defer stop()

	coordinator := shutdown.NewCoordinator(&shutdown.Config{
		GracePeriod: cfg.Listener.ShutdownGrace,
		OnShutdownStart: func() {
			logger.Info("shutting down")
		},
		OnShutdownComplete: func(err error) {
			if err != nil {
				logger.Warn("shutdown incomplete", "error", err)
				return
			}
			logger.Info("shutdown complete")
		},
	}, logger)

	go func() {
		if err := identity.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("identity service stopped", "error", err)
		}
	}()

	if cfg.Policy.Path != "" {
		go policyfile.Watch(ctx, cfg.Policy.Path, policyEngine, logger)
	}

	serveErr := sidecar.Serve(ctx)
	coordinator.Shutdown()
	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}

// buildCA selects the CA backend and its pinned trust anchor.
func buildCA(cfg *config.Config, logger *slog.Logger) (ports.CAClient, *x509.CertPool, error) {
	switch cfg.CA.Type {
	case "mock":
		mock, err := caadapter.NewMockCA()
		if err != nil {
			return nil, nil, fmt.Errorf("creating mock CA: %w", err)
		}
		logger.Warn("using in-process mock CA; development only")
		return mock, mock.RootPool(), nil

	default:
		anchorPEM, err := cfg.CA.TrustAnchorPEM()
		if err != nil {
			return nil, nil, err
		}
		token, err := cfg.CA.ProvisioningToken()
		if err != nil {
			return nil, nil, err
		}
		client, err := caadapter.NewClient(caadapter.ClientConfig{
			BaseURL:        cfg.CA.URL,
			Token:          token,
			TrustAnchorPEM: anchorPEM,
			RequestTimeout: cfg.CA.RequestTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		roots := x509.NewCertPool()
		roots.AppendCertsFromPEM(anchorPEM)
		return client, roots, nil
	}
}

// loadRuleset reads the policy document, or falls back to deny-all when no
// path is configured.
func loadRuleset(cfg *config.Config, logger *slog.Logger) (*domain.Ruleset, error) {
	if cfg.Policy.Path == "" {
		logger.Warn("no policy file configured; all traffic will be denied")
		return domain.CompileRuleset(&domain.RulesetSpec{ID: "deny-all"})
	}
	return policyfile.Load(cfg.Policy.Path)
}
