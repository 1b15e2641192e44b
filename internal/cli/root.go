// Package cli implements the pqmesh command tree.
package cli

import (
	stderrors "errors"

	"github.com/spf13/cobra"

	"github.com/sufield/pqmesh/internal/core/errors"
)

// Exit codes: 0 normal shutdown, 1 configuration error, 2 unrecoverable I/O.
// Runtime CA failures never exit; they degrade the identity state instead.
const (
	ExitConfig = 1
	ExitIO     = 2
)

var rootCmd = &cobra.Command{
	Use:   "pqmesh",
	Short: "Post-quantum capable mTLS sidecar proxy",
	Long: `pqmesh terminates one side of a mutually-authenticated,
post-quantum-capable TLS connection between services. As an ingress sidecar
it forwards decrypted traffic to the local backend; as an egress sidecar it
wraps local plaintext into outbound mTLS. Every connection is authenticated
by SPIFFE identity and admitted by policy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps an Execute error to the documented process exit codes.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var verr *errors.ValidationError
	if stderrors.As(err, &verr) {
		return ExitConfig
	}
	return ExitIO
}
