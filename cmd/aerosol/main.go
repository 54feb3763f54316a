// Command aerosol synchronizes a local vault directory with an aerosol server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"aerosol/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
