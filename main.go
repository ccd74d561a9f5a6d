// The main package for the navtrack executable.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/navtrack/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.Execute(ctx)
}
