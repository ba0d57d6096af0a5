package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/flowpoints/eligibility/app/eligibility"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app, err := eligibility.Initialize(ctx)
	if err != nil {
		log.Fatalf("unable to initialize eligibility engine: %v", err)
	}

	serverErr := eligibility.NewServer(app)
	if serverErr != nil {
		app.Logger.Fatal("Unable to initialize server", zap.Error(serverErr))
	}

	app.Start(ctx)
}
