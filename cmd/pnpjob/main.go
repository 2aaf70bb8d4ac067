// Command pnpjob manages and runs pick and place jobs
package main

import (
	"os"

	"github.com/pnpforge/pnpjob/pkg/cli"
)

var version = "dev"

func main() {
	if err := cli.ExecuteWithVersion(version); err != nil {
		os.Exit(1)
	}
}
