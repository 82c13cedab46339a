// nlockd is the user-space network lock manager daemon.
//
// It hosts the NLM host/lock-state engine: peer registry, blocking
// tables, grace-period recovery driven by the local statd, and the
// idle-host garbage collector. The RPC transport plugs into the
// nlm.Service handler set; this binary wires the engine, the status
// monitor client, and the metrics endpoint together.
package main

import (
	"fmt"
	"os"

	"github.com/marmos91/nlockd/cmd/nlockd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
