// pqmesh is a sidecar proxy that terminates mutually-authenticated,
// post-quantum-capable TLS between services. It obtains its SPIFFE identity
// from an external CA, enforces per-identity access policy on every
// connection, and relays bytes between the protected edge and the local
// backend.
package main

import (
	"fmt"
	"os"

	"github.com/sufield/pqmesh/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
