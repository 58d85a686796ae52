package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rand/protometa/internal/cmd"
)

func main() {
	// Cancel on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
