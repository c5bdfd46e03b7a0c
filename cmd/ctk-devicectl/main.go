// Command ctk-devicectl is a small CLI for creating a local device
// identity, showing its status, and running an offline end-to-end
// ratchet round trip against the sqlite adapter.
package main

import (
	"fmt"
	"os"

	"cyphertextkit/cmd/ctk-devicectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
