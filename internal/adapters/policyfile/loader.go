// Package policyfile loads policy documents and hot-reloads them on SIGHUP.
package policyfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/sufield/pqmesh/internal/core/domain"
	"github.com/sufield/pqmesh/internal/core/services"
)

// Load reads and compiles a policy document. A missing default_action
// compiles to deny; malformed patterns fail here, never at evaluation time.
func Load(path string) (*domain.Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse compiles a policy document from its YAML bytes.
func Parse(data []byte) (*domain.Ruleset, error) {
	var spec domain.RulesetSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing policy document: %w", err)
	}
	ruleset, err := domain.CompileRuleset(&spec)
	if err != nil {
		return nil, err
	}
	return ruleset, nil
}

// Watch reloads the document into the engine on SIGHUP until ctx ends. A
// reload failure keeps the previous ruleset in force.
func Watch(ctx context.Context, path string, engine *services.PolicyEngine, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			ruleset, err := Load(path)
			if err != nil {
				logger.Error("policy reload failed, keeping current ruleset", "path", path, "error", err)
				continue
			}
			engine.Reload(ruleset)
		}
	}
}
