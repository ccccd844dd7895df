// Command depthctl runs benchmark evaluation, folder processing, timing
// and dataset maintenance without the HTTP server.
package main

import (
	"fmt"
	"os"

	"github.com/ticdso/depthserve/appconfig"
)

func main() {
	if _, err := appconfig.SetupLogging(""); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if err := NewApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
