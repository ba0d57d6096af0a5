package types

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flowpoints/eligibility/pkg/config"
	"github.com/flowpoints/eligibility/pkg/eligibility"
)

// Engine computes eligibility for a batch of addresses. *eligibility.Engine satisfies it.
type Engine interface {
	ComputeEligibility(ctx context.Context, addresses []string) ([]eligibility.AddressEligibility, error)
}

// HealthChecker is a dependency that /health probes.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type App struct {
	Config config.Config

	Engine Engine
	// Ledger is the grant ledger; nil when grants are disabled.
	Ledger HealthChecker

	// Cron refreshes the grant window gauge.
	Cron *cron.Cron

	// Closers release engine resources on shutdown, in order.
	Closers []func()

	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
}

// Start serves until ctx is cancelled, then drains in-flight requests and
// queued grant submissions.
func (a *App) Start(ctx context.Context) {
	if a.Cron != nil {
		a.Cron.Start()
	}
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server stopped unexpectedly", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	for _, closeFn := range a.Closers {
		closeFn()
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
