// Command nsfs is the entrypoint for the namespace manager: it both
// serves as the interactive CLI (mount/bind/unmount/session) and,
// re-exec'd with the hidden __session subcommand, as the long-running
// session process a Supervisor spawns per mount point.
package main

import (
	"github.com/doriancodes/nsfs/cmd"
)

func main() {
	cmd.Execute()
}
