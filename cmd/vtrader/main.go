// Command vtrader runs the virtual trading simulator and its CLI.
package main

import (
	"context"
	"os"

	"virtual-trader/internal/cli"
	"virtual-trader/internal/logging"
)

func main() {
	// Console only until the config names a log file.
	lc := logging.DefaultLogConfig()
	lc.File = false
	logger := logging.NewLoggerWithConfig(lc)

	os.Exit(cli.Execute(context.Background(), logger))
}
