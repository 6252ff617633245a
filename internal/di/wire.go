//go:build wireinject
// +build wireinject

package di

import (
	"MarketPull/pkg/config"
	"MarketPull/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideClock,
		ProvideMetrics,

		// Services
		ProvideVault,
		ProvideLimiter,
		ProvideCache,
		ProvideHub,

		// Infrastructure clients
		ProvideInfra,
		ProvideStorage,
		ProvideStorageRepo,
		ProvideRelay,

		// Ingest path
		ProvidePipeline,
		ProvideOrchestrator,
		ProvideConsumer,
		ProvideReplayer,

		// HTTP surface
		ProvideHandler,
		ProvideServer,

		ProvideApp,
	)
	return &server.App{}, nil
}
