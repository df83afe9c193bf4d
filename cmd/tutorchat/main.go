// Command tutorchat is the terminal client for the study assistant.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/tutorchat/internal/cli"
	"github.com/MrWong99/tutorchat/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return cli.Execute(ctx, config.DefaultRegistry())
}
