package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RateConfig is one provider's token bucket.
type RateConfig struct {
	Capacity     float64 `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"oneof=development staging production"`
	Server      struct {
		Port            int      `yaml:"port" default:"8090" validate:"min=1,max=65535"`
		ReadTimeout     Duration `yaml:"read_timeout"`
		WriteTimeout    Duration `yaml:"write_timeout"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Logging struct {
		Level  string `yaml:"level" default:"info"`
		Format string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"logging"`
	Vault struct {
		Path string `yaml:"path" default:"keys/vault.enc"`
		// Passphrase never comes from YAML. VAULT_PASSPHRASE only.
		Passphrase string `yaml:"-"`
	} `yaml:"vault"`
	Storage struct {
		Backend      string   `yaml:"backend" default:"parquet" validate:"oneof=parquet clickhouse"`
		DataDir      string   `yaml:"data_dir" default:"data"`
		IndexPath    string   `yaml:"index_path" default:"db/metadata.sqlite"`
		MaxRetries   int      `yaml:"max_retries" default:"3"`
		RetryBackoff Duration `yaml:"retry_backoff"`
		Retention    struct {
			SweepInterval Duration `yaml:"sweep_interval"`
			Bars          Duration `yaml:"bars"`
			TickBars      Duration `yaml:"tick_bars"`
			News          Duration `yaml:"news"`
			Filings       Duration `yaml:"filings"`
		} `yaml:"retention"`
	} `yaml:"storage"`
	ClickHouse struct {
		Host             string   `yaml:"host"`
		Port             int      `yaml:"port" default:"9000"`
		Database         string   `yaml:"database" default:"marketpull"`
		Table            string   `yaml:"table" default:"bars"`
		User             string   `yaml:"user" default:"default"`
		Password         string   `yaml:"password"`
		UseHTTP          bool     `yaml:"use_http"`
		DialTimeout      Duration `yaml:"dial_timeout"`
		ReadTimeout      Duration `yaml:"read_timeout"`
		WriteTimeout     Duration `yaml:"write_timeout"`
		MaxExecutionTime Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
	Cache struct {
		TTL   Duration `yaml:"ttl"`
		Redis struct {
			Enabled  bool   `yaml:"enabled"`
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"cache"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		Topic        string   `yaml:"topic" default:"records"`
		ReplayTopic  string   `yaml:"replay_topic" default:"records.replay"`
		Compression  string   `yaml:"compression" default:"gzip"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Producer     struct {
			MaxAttempts  int      `yaml:"max_attempts" default:"3"`
			Linger       Duration `yaml:"linger"`
			BatchBytes   int      `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int      `yaml:"batch_size" default:"100"`
			WriteTimeout Duration `yaml:"write_timeout"`
			ReadTimeout  Duration `yaml:"read_timeout"`
			Async        bool     `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string   `yaml:"group_id" default:"marketpull-replay"`
			Workers    int      `yaml:"workers" default:"4"`
			BufferSize int      `yaml:"buffer_size" default:"256"`
			RetryMax   int      `yaml:"retry_max" default:"3"`
			BackoffMin Duration `yaml:"backoff_min"`
			BackoffMax Duration `yaml:"backoff_max"`
			DLQTopic   string   `yaml:"dlq_topic" default:"records.dlq"`
			MinBytes   int      `yaml:"min_bytes" default:"1"`
			MaxBytes   int      `yaml:"max_bytes" default:"10485760"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Hub struct {
		SubscriberBuffer int `yaml:"subscriber_buffer" default:"256"`
	} `yaml:"hub"`
	Providers struct {
		// Symbols is the shared watchlist every adapter works from.
		Symbols          []string `yaml:"symbols"`
		FailureThreshold int      `yaml:"failure_threshold" default:"5"`
		Finnhub          struct {
			Enabled      bool       `yaml:"enabled"`
			WebSocketURL string     `yaml:"websocket_url" default:"wss://ws.finnhub.io"`
			PingInterval Duration   `yaml:"ping_interval"`
			Rate         RateConfig `yaml:"rate"`
			// APIKey seeds the vault at boot when set. FINNHUB_API_KEY only.
			APIKey string `yaml:"-"`
		} `yaml:"finnhub"`
		FinnhubQuotes struct {
			Enabled  bool     `yaml:"enabled"`
			BaseURL  string   `yaml:"base_url" default:"https://finnhub.io/api/v1"`
			Interval Duration `yaml:"interval"`
			Backfill Duration `yaml:"backfill"`
		} `yaml:"finnhub_quotes"`
		News struct {
			Enabled  bool       `yaml:"enabled"`
			BaseURL  string     `yaml:"base_url" default:"https://finnhub.io/api/v1"`
			Interval Duration   `yaml:"interval"`
			Lookback Duration   `yaml:"lookback"`
			Rate     RateConfig `yaml:"rate"`
		} `yaml:"news"`
		Edgar struct {
			Enabled   bool       `yaml:"enabled"`
			BaseURL   string     `yaml:"base_url" default:"https://data.sec.gov"`
			TickerURL string     `yaml:"ticker_url" default:"https://www.sec.gov/files/company_tickers.json"`
			UserAgent string     `yaml:"user_agent"`
			Interval  Duration   `yaml:"interval"`
			Rate      RateConfig `yaml:"rate"`
		} `yaml:"edgar"`
	} `yaml:"providers"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	c.applyDurationDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment
// variables. Secrets (vault passphrase, API keys) are env-only.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	c.Vault.Passphrase = os.Getenv("VAULT_PASSPHRASE")
	c.Providers.Finnhub.APIKey = os.Getenv("FINNHUB_API_KEY")

	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Providers.Symbols = splitList(v)
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
		c.Cache.Redis.Enabled = true
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		c.Server.Port = port
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// applyDurationDefaults fills zero durations. Struct tags cannot carry
// these because Duration is not a creasty-known kind.
func (c *Config) applyDurationDefaults() {
	set := func(d *Duration, def time.Duration) {
		if *d <= 0 {
			*d = Duration(def)
		}
	}

	set(&c.Server.ReadTimeout, 10*time.Second)
	set(&c.Server.WriteTimeout, 10*time.Second)
	set(&c.Server.ShutdownTimeout, 10*time.Second)

	set(&c.Storage.RetryBackoff, time.Second)
	set(&c.Storage.Retention.SweepInterval, 6*time.Hour)
	set(&c.Storage.Retention.Bars, 730*24*time.Hour)
	set(&c.Storage.Retention.TickBars, 7*24*time.Hour)
	set(&c.Storage.Retention.News, 365*24*time.Hour)
	set(&c.Storage.Retention.Filings, 1095*24*time.Hour)

	set(&c.ClickHouse.DialTimeout, 5*time.Second)
	set(&c.ClickHouse.ReadTimeout, 10*time.Second)
	set(&c.ClickHouse.WriteTimeout, 10*time.Second)
	set(&c.ClickHouse.MaxExecutionTime, 30*time.Second)

	set(&c.Cache.TTL, 30*time.Second)

	set(&c.Kafka.Producer.Linger, time.Second)
	set(&c.Kafka.Producer.WriteTimeout, 10*time.Second)
	set(&c.Kafka.Producer.ReadTimeout, 10*time.Second)
	set(&c.Kafka.Consumer.BackoffMin, 100*time.Millisecond)
	set(&c.Kafka.Consumer.BackoffMax, 5*time.Second)

	set(&c.Providers.Finnhub.PingInterval, 30*time.Second)
	set(&c.Providers.FinnhubQuotes.Interval, time.Minute)
	set(&c.Providers.News.Interval, 5*time.Minute)
	set(&c.Providers.News.Lookback, 24*time.Hour)
	set(&c.Providers.Edgar.Interval, time.Hour)

	if c.Providers.Finnhub.Rate.Capacity <= 0 {
		c.Providers.Finnhub.Rate = RateConfig{Capacity: 60, RefillPerSec: 1}
	}
	if c.Providers.News.Rate.Capacity <= 0 {
		c.Providers.News.Rate = RateConfig{Capacity: 60, RefillPerSec: 1}
	}
	if c.Providers.Edgar.Rate.Capacity <= 0 {
		c.Providers.Edgar.Rate = RateConfig{Capacity: 10, RefillPerSec: 10.0 / 60}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if len(c.Providers.Symbols) == 0 {
		return fmt.Errorf("providers.symbols cannot be empty")
	}
	if c.Storage.Backend == "clickhouse" && c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host is required when storage.backend is 'clickhouse'")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Providers.Edgar.Enabled && c.Providers.Edgar.UserAgent == "" {
		return fmt.Errorf("providers.edgar.user_agent is required (SEC fair-access policy)")
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
