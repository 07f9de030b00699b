// Command amqpc publishes, subscribes and calls RPC functions from a shell
// using the connector's qualifier syntax.
package main

import (
	"fmt"
	"os"

	connector "github.com/glimte/amqp-connector-go"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand(&app{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, connector: %s)", version, gitCommit, connector.Version)
}
