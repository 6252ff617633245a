package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"MarketPull/internal/orchestrator"
	"MarketPull/internal/storage"
	"MarketPull/pkg/config"
	xhttp "MarketPull/pkg/http"
	pkgkafka "MarketPull/pkg/kafka"
	applogger "MarketPull/pkg/logger"
)

// App encapsulates the entire application lifecycle: source runtimes,
// retention sweeps, the optional replay consumer, and the HTTP
// surface. Infrastructure closers (producer, clickhouse, redis) are
// registered on the orchestrator by DI and run during its shutdown.
type App struct {
	cfg      *config.Config
	lgr      *applogger.Logger
	orch     *orchestrator.Orchestrator
	store    *storage.Manager
	server   *xhttp.Server
	consumer *pkgkafka.Consumer
	replayer pkgkafka.MessageHandler
}

// New creates a new App instance with all dependencies. consumer and
// replayer are nil when kafka is disabled.
func New(
	cfg *config.Config,
	lgr *applogger.Logger,
	orch *orchestrator.Orchestrator,
	store *storage.Manager,
	server *xhttp.Server,
	consumer *pkgkafka.Consumer,
	replayer pkgkafka.MessageHandler,
) *App {
	return &App{
		cfg:      cfg,
		lgr:      lgr,
		orch:     orch,
		store:    store,
		server:   server,
		consumer: consumer,
		replayer: replayer,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.orch.StartAll(ctx)
	a.lgr.Info("sources started",
		applogger.Strings("symbols", a.cfg.Providers.Symbols))

	go a.store.RunRetention(ctx)

	if a.consumer != nil && a.replayer != nil {
		a.consumer.RegisterHandler(a.replayer)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.lgr.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.lgr.Info("replay consumer started",
			applogger.String("topic", a.replayer.Topic()))
	}

	if err := a.server.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.lgr.Info("shutdown signal received")
	cancel()
	return a.shutdown()
}

// shutdown drains the HTTP server first so no request observes a
// half-stopped engine, then the consumer, then the sources and the
// store behind them.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := a.server.Stop(ctx); err != nil {
		a.lgr.Error("http shutdown error", applogger.Error(err))
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.lgr.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	if err := a.orch.Shutdown(ctx); err != nil {
		a.lgr.Warn("orchestrator shutdown error", applogger.Error(err))
	}

	a.lgr.Info("shutdown complete")
	return nil
}
