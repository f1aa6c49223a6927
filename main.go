package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/FedericoTs/FeedbackforFounders-sub002/cmd"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
