// Command hookforge is the distributed webhook scheduler and
// load-generation platform entrypoint: scheduler, worker, loadrun, and
// migrate all live behind one binary selected by subcommand.
package main

import (
	"fmt"
	"os"

	"oss.nandlabs.io/hookforge/cmd/hookforge/commands"
)

const version = "0.1.0"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
