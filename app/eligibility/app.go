package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flowpoints/eligibility/app/eligibility/types"
	"github.com/flowpoints/eligibility/pkg/chain"
	"github.com/flowpoints/eligibility/pkg/config"
	core "github.com/flowpoints/eligibility/pkg/eligibility"
	"github.com/flowpoints/eligibility/pkg/grantledger"
	"github.com/flowpoints/eligibility/pkg/grants"
	"github.com/flowpoints/eligibility/pkg/logging"
	"github.com/flowpoints/eligibility/pkg/metrics"
	"github.com/flowpoints/eligibility/pkg/points"
	"github.com/flowpoints/eligibility/pkg/redis"
)

// Initialize wires the engine and its collaborators from the environment.
func Initialize(ctx context.Context) (*types.App, error) {
	logger, err := logging.New("eligibility")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return nil, err
	}

	// Released in reverse order of acquisition on shutdown or failed startup.
	var closers []func()
	fail := func(err error) (*types.App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	rpc, err := chain.Dial(ctx, cfg.ChainRPCURL)
	if err != nil {
		logger.Error("Failed to dial chain rpc", zap.Error(err))
		return fail(fmt.Errorf("dial chain rpc: %w", err))
	}
	closers = append(closers, rpc.Close)

	reader := chain.NewReader(rpc, logger, chain.Opts{
		LockerFactory: cfg.LockerFactory,
		Timeout:       cfg.ReadTimeout,
		RPS:           cfg.ChainRPS,
		Workers:       cfg.Workers,
	})
	closers = append(closers, reader.Close)

	pointsClient := points.NewHTTPWithOpts(points.Opts{
		Endpoints: cfg.PointsURLs,
		APIKey:    cfg.PointsAPIKey,
		BatchSize: cfg.PointsBatchSize,
		Timeout:   cfg.ReadTimeout,
		RPS:       cfg.PointsRPS,
	})

	app := &types.App{
		Config: cfg,
		Logger: logger,
	}

	var decider *grants.Decider
	if cfg.GrantsEnabled {
		ledger, err := openLedger(ctx, cfg, logger)
		if err != nil {
			return fail(fmt.Errorf("open grant ledger: %w", err))
		}
		closers = append(closers, func() {
			if err := ledger.Close(); err != nil {
				logger.Warn("Failed to close grant ledger", zap.Error(err))
			}
		})

		decider, err = grants.NewDecider(cfg.Grant, ledger, reader, pointsClient, logger, grants.Opts{
			LedgerTimeout: cfg.ReadTimeout,
			SubmitTimeout: cfg.WriteTimeout,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, decider.Close)
		app.Ledger = ledger
	} else {
		logger.Info("Bootstrap grants disabled")
	}

	engine, err := core.NewEngine(cfg.Programs, pointsClient, reader, decider, logger, core.Options{
		MaxBatchSize: cfg.MaxBatchSize,
		Workers:      cfg.Workers,
	})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, engine.Close)
	app.Engine = engine

	for i := len(closers) - 1; i >= 0; i-- {
		app.Closers = append(app.Closers, closers[i])
	}

	if decider != nil {
		if err := SetupScheduler(ctx, app, decider, cfg.WindowRefresh); err != nil {
			return fail(fmt.Errorf("schedule grant window refresh: %w", err))
		}
	}

	logger.Info("Eligibility engine ready",
		zap.Int("programs", len(cfg.Programs)),
		zap.Bool("grants", cfg.GrantsEnabled),
		zap.String("ledger", cfg.LedgerBackend))
	return app, nil
}

func openLedger(ctx context.Context, cfg config.Config, logger *zap.Logger) (grantledger.Ledger, error) {
	switch cfg.LedgerBackend {
	case config.LedgerSQL:
		ledger, err := grantledger.OpenSQL(ctx, cfg.LedgerDSN, logger)
		if err != nil {
			return nil, err
		}
		return ledger, nil
	default:
		client, err := redis.NewClient(ctx, logger)
		if err != nil {
			return nil, err
		}
		return grantledger.NewRedisLedger(client, logger), nil
	}
}

// SetupScheduler publishes the grant window usage on a schedule so the gauge
// reflects grants issued by every replica, not only this one.
func SetupScheduler(ctx context.Context, app *types.App, decider *grants.Decider, cronSpec string) error {
	logger := cronLogger{app.Logger.Named("cron").Sugar()}
	app.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger)))

	m := metrics.Eligibility()
	max := decider.Policy().MaxPerWindow
	_, err := app.Cron.AddFunc(cronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		used, err := decider.WindowUsage(rctx)
		if err != nil {
			logger.Info("grant window refresh failed", "error", err)
			return
		}
		m.SetGrantWindow(used, max)
	})
	return err
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
