package di

import (
	"context"
	"fmt"
	"time"

	"MarketPull/internal/adapter"
	"MarketPull/internal/domain/repository"
	"MarketPull/internal/handler/api"
	"MarketPull/internal/orchestrator"
	internalrepo "MarketPull/internal/repository"
	"MarketPull/internal/service/cache"
	"MarketPull/internal/service/hub"
	"MarketPull/internal/service/ratelimit"
	"MarketPull/internal/service/vault"
	"MarketPull/internal/storage"
	"MarketPull/internal/usecase"
	pkgch "MarketPull/pkg/clickhouse"
	"MarketPull/pkg/clock"
	"MarketPull/pkg/config"
	xhttp "MarketPull/pkg/http"
	pkgkafka "MarketPull/pkg/kafka"
	"MarketPull/pkg/logger"
	"MarketPull/pkg/metrics"
	"MarketPull/pkg/server"
)

// Infra bundles the optional external clients so one provider decides
// what the configuration turns on. Nil fields mean disabled.
type Infra struct {
	ClickHouse *pkgch.Client
	Producer   *pkgkafka.Producer
}

// ProvideLogger builds the process logger from config.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

// ProvideClock returns the system clock. Tests swap in clock.Fake.
func ProvideClock() clock.Clock {
	return clock.System()
}

// ProvideMetrics creates the Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideVault opens the credential vault and, when the environment
// carries the material, unlocks it and seeds the finnhub key. A
// missing passphrase is not an error: the vault stays locked and
// keyed sources degrade until an operator unlocks it over the API.
func ProvideVault(cfg *config.Config, clk clock.Clock, lgr *logger.Logger) (*vault.Vault, error) {
	v, err := vault.Open(cfg.Vault.Path, clk, lgr)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	if cfg.Vault.Passphrase != "" {
		if err := v.Unlock(cfg.Vault.Passphrase); err != nil {
			return nil, fmt.Errorf("unlock vault: %w", err)
		}
		if key := cfg.Providers.Finnhub.APIKey; key != "" {
			if err := v.Put("finnhub", []byte(key)); err != nil {
				return nil, fmt.Errorf("seed finnhub key: %w", err)
			}
		}
	} else {
		lgr.Warn("vault passphrase not set, starting locked",
			logger.String("path", cfg.Vault.Path))
	}

	return v, nil
}

// ProvideLimiter registers one token bucket per provider.
func ProvideLimiter(cfg *config.Config, clk clock.Clock, lgr *logger.Logger, m repository.Metrics) *ratelimit.Limiter {
	l := ratelimit.New(clk, lgr, m)
	l.Register("finnhub", cfg.Providers.Finnhub.Rate.Capacity, cfg.Providers.Finnhub.Rate.RefillPerSec)
	l.Register("newsapi", cfg.Providers.News.Rate.Capacity, cfg.Providers.News.Rate.RefillPerSec)
	l.Register("edgar", cfg.Providers.Edgar.Rate.Capacity, cfg.Providers.Edgar.Rate.RefillPerSec)
	return l
}

// ProvideInfra opens the external clients the configuration asks for:
// the ClickHouse pool when it backs storage, the Kafka producer when
// relay is on. Schema init runs here so storage never sees a missing
// table.
func ProvideInfra(cfg *config.Config) (*Infra, error) {
	infra := &Infra{}

	if cfg.Storage.Backend == "clickhouse" {
		client, err := pkgch.NewClient(
			pkgch.WithHost(cfg.ClickHouse.Host),
			pkgch.WithPort(cfg.ClickHouse.Port),
			pkgch.WithDatabase(cfg.ClickHouse.Database),
			pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
			pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
			pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout.Std(), cfg.ClickHouse.ReadTimeout.Std(), cfg.ClickHouse.WriteTimeout.Std()),
			pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime.Std()),
		)
		if err != nil {
			return nil, fmt.Errorf("clickhouse client: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.InitSchema(ctx, pkgch.BarsSchema(cfg.ClickHouse.Database, cfg.ClickHouse.Table)); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		infra.ClickHouse = client
	}

	if cfg.Kafka.Enabled {
		producer, err := pkgkafka.NewProducer(
			pkgkafka.WithBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithCompression(cfg.Kafka.Compression),
			pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
			pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
			pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
			pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger.Std()),
			pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout.Std(), cfg.Kafka.Producer.ReadTimeout.Std()),
			pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
			pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
			pkgkafka.WithHashByKey(true),
		)
		if err != nil {
			if infra.ClickHouse != nil {
				_ = infra.ClickHouse.Close()
			}
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		infra.Producer = producer
	}

	return infra, nil
}

// ProvideStorage builds the storage manager over the configured bars
// engine.
func ProvideStorage(cfg *config.Config, infra *Infra, clk clock.Clock, lgr *logger.Logger, m repository.Metrics) (*storage.Manager, error) {
	opts := storage.Options{
		DataDir:      cfg.Storage.DataDir,
		IndexPath:    cfg.Storage.IndexPath,
		MaxRetries:   cfg.Storage.MaxRetries,
		RetryBackoff: cfg.Storage.RetryBackoff.Std(),
		Retention: storage.RetentionWindows{
			SweepInterval: cfg.Storage.Retention.SweepInterval.Std(),
			Bars:          cfg.Storage.Retention.Bars.Std(),
			TickBars:      cfg.Storage.Retention.TickBars.Std(),
			News:          cfg.Storage.Retention.News.Std(),
			Filings:       cfg.Storage.Retention.Filings.Std(),
		},
	}
	if infra.ClickHouse != nil {
		opts.ClickHouse = infra.ClickHouse.DB()
		opts.ClickHouseTable = cfg.ClickHouse.Database + "." + cfg.ClickHouse.Table
	}
	return storage.New(opts, clk, lgr, m)
}

// ProvideStorageRepo exposes the manager through the domain interface.
func ProvideStorageRepo(m *storage.Manager) repository.Storage {
	return m
}

// ProvideRelay builds the Kafka relay publisher. Nil when relay is
// off; the pipeline treats nil as "no relay".
func ProvideRelay(cfg *config.Config, infra *Infra) repository.Publisher {
	if infra.Producer == nil {
		return nil
	}
	return internalrepo.NewKafkaPublisher(infra.Producer, cfg.Kafka.Topic)
}

// ProvideCache stacks the memory tier and, when configured, redis
// behind it.
func ProvideCache(cfg *config.Config, clk clock.Clock, lgr *logger.Logger) (*cache.Cache, error) {
	tiers := []cache.Tier{cache.NewMemory(clk)}

	if cfg.Cache.Redis.Enabled {
		r, err := cache.NewRedis(
			cache.WithAddr(cfg.Cache.Redis.Addr),
			cache.WithPassword(cfg.Cache.Redis.Password),
			cache.WithDB(cfg.Cache.Redis.DB),
			cache.WithPrefix("marketpull"),
		)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		tiers = append(tiers, r)
	}

	return cache.New(cfg.Cache.TTL.Std(), lgr, tiers...), nil
}

// ProvideHub creates the broadcast hub.
func ProvideHub(cfg *config.Config, lgr *logger.Logger, m repository.Metrics) *hub.Hub {
	return hub.New(cfg.Hub.SubscriberBuffer, lgr, m)
}

// ProvidePipeline is the ingest sink every source runtime feeds.
func ProvidePipeline(store repository.Storage, h *hub.Hub, relay repository.Publisher, clk clock.Clock, lgr *logger.Logger, m repository.Metrics) adapter.Sink {
	return usecase.NewPipeline(store, h, relay, clk, lgr, m)
}

// ProvideOrchestrator registers every configured source with the
// orchestrator and hangs the infrastructure closers off it, so
// Shutdown tears the engine down in one place.
func ProvideOrchestrator(
	cfg *config.Config,
	store repository.Storage,
	h *hub.Hub,
	sink adapter.Sink,
	v *vault.Vault,
	limiter *ratelimit.Limiter,
	infra *Infra,
	c *cache.Cache,
	clk clock.Clock,
	lgr *logger.Logger,
	m repository.Metrics,
) (*orchestrator.Orchestrator, error) {
	orch := orchestrator.New(store, h, lgr)
	httpClient := adapter.NewHTTPClient(15 * time.Second)
	runtimeOpts := adapter.RuntimeOptions{FailureThreshold: cfg.Providers.FailureThreshold}

	register := func(a adapter.Adapter, enabled bool) error {
		rt := adapter.NewRuntime(a, sink, runtimeOpts, clk, lgr, m)
		return orch.Register(rt, enabled)
	}

	p := cfg.Providers
	if err := register(adapter.NewStream(adapter.StreamConfig{
		URL:          p.Finnhub.WebSocketURL,
		Symbols:      p.Symbols,
		PingInterval: p.Finnhub.PingInterval.Std(),
	}, v, limiter, clk, lgr, m), p.Finnhub.Enabled); err != nil {
		return nil, err
	}

	if err := register(adapter.NewQuotes(adapter.QuotesConfig{
		BaseURL:  p.FinnhubQuotes.BaseURL,
		Symbols:  p.Symbols,
		Interval: p.FinnhubQuotes.Interval.Std(),
		Backfill: p.FinnhubQuotes.Backfill.Std(),
	}, v, limiter, httpClient, clk, lgr, m), p.FinnhubQuotes.Enabled); err != nil {
		return nil, err
	}

	if err := register(adapter.NewNews(adapter.NewsConfig{
		BaseURL:  p.News.BaseURL,
		Symbols:  p.Symbols,
		Interval: p.News.Interval.Std(),
		Lookback: p.News.Lookback.Std(),
	}, v, limiter, httpClient, clk, lgr, m), p.News.Enabled); err != nil {
		return nil, err
	}

	if err := register(adapter.NewEdgar(adapter.EdgarConfig{
		BaseURL:   p.Edgar.BaseURL,
		TickerURL: p.Edgar.TickerURL,
		UserAgent: p.Edgar.UserAgent,
		Symbols:   p.Symbols,
		Interval:  p.Edgar.Interval.Std(),
	}, limiter, httpClient, lgr, m), p.Edgar.Enabled); err != nil {
		return nil, err
	}

	if infra.Producer != nil {
		// Error-log aggregation rides the relay producer.
		lgr.AddCollector(&logger.CollectionConfig{
			TimeInterval:   30 * time.Second,
			CountThreshold: 100,
			Topic:          "logs.errors",
			Publisher:      infra.Producer,
		})
		orch.OnShutdown("log collector", func(ctx context.Context) error {
			lgr.RemoveCollector()
			return nil
		})
		orch.OnShutdown("kafka producer", func(ctx context.Context) error {
			return infra.Producer.Close()
		})
	}
	orch.OnShutdown("cache", func(ctx context.Context) error {
		return c.Close()
	})
	if infra.ClickHouse != nil {
		orch.OnShutdown("clickhouse", func(ctx context.Context) error {
			return infra.ClickHouse.Close()
		})
	}

	return orch, nil
}

// ProvideConsumer creates the replay consumer. Nil when kafka is off.
func ProvideConsumer(cfg *config.Config, lgr *logger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin.Std(), cfg.Kafka.Consumer.BackoffMax.Std()),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(lgr),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideReplayer handles the replay topic.
func ProvideReplayer(cfg *config.Config, store repository.Storage, lgr *logger.Logger, m repository.Metrics) pkgkafka.MessageHandler {
	return usecase.NewReplayer(cfg.Kafka.ReplayTopic, store, lgr, m)
}

// ProvideHandler builds the HTTP surface.
func ProvideHandler(
	cfg *config.Config,
	store repository.Storage,
	c *cache.Cache,
	orch *orchestrator.Orchestrator,
	v *vault.Vault,
	limiter *ratelimit.Limiter,
	h *hub.Hub,
	clk clock.Clock,
	lgr *logger.Logger,
) xhttp.Handler {
	return api.NewHandler(api.Deps{
		Store:        store,
		Cache:        c,
		Sources:      orch,
		Vault:        v,
		Limiter:      limiter,
		Hub:          h,
		Clock:        clk,
		Logger:       lgr,
		StreamBuffer: cfg.Hub.SubscriberBuffer,
	})
}

// ProvideServer wraps the handler in the Echo server.
func ProvideServer(cfg *config.Config, handler xhttp.Handler, lgr *logger.Logger) *xhttp.Server {
	return xhttp.NewServer(handler,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout.Std(), cfg.Server.WriteTimeout.Std(), cfg.Server.ShutdownTimeout.Std()),
		xhttp.WithLogger(lgr),
	)
}

// ProvideApp creates the application.
func ProvideApp(
	cfg *config.Config,
	lgr *logger.Logger,
	orch *orchestrator.Orchestrator,
	store *storage.Manager,
	srv *xhttp.Server,
	consumer *pkgkafka.Consumer,
	replayer pkgkafka.MessageHandler,
) *server.App {
	return server.New(cfg, lgr, orch, store, srv, consumer, replayer)
}
