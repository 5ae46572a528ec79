package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string          `yaml:"environment" default:"development"`
	Symbols     []string        `yaml:"symbols"`
	Timeframes  []string        `yaml:"timeframes" default:"[\"1m\",\"1d\"]"`
	Market      MarketConfig    `yaml:"market"`
	Log         LogConfig       `yaml:"log"`
	Server      ServerConfig    `yaml:"server"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Provider    ProviderConfig  `yaml:"provider"`
	Fetcher     WorkerConfig    `yaml:"fetcher"`
	InfoFetcher InfoConfig      `yaml:"info_fetcher"`
	Processor   ProcessorConfig `yaml:"processor"`
	Retention   RetentionConfig `yaml:"retention"`
	Rankings    RankingsConfig  `yaml:"rankings"`
	Scanners    ScannersConfig  `yaml:"scanners"`
	Store       StoreConfig     `yaml:"store"`
	Redis       RedisConfig     `yaml:"redis"`
	Events      EventsConfig    `yaml:"events"`
	Kafka       KafkaConfig     `yaml:"kafka"`
	Stream      StreamConfig    `yaml:"stream"`
	API         APIConfig       `yaml:"api"`

	// Source is the file the config was read from, re-read by the reload hook.
	Source string `yaml:"-"`
}

type MarketConfig struct {
	Timezone string `yaml:"timezone" default:"America/New_York"`
}

type LogConfig struct {
	Level           string          `yaml:"level" default:"info"`
	Format          string          `yaml:"format" default:"console"`
	Output          string          `yaml:"output" default:"stdout"`
	CollectWarnings bool            `yaml:"collect_warnings"`
	Collector       CollectorConfig `yaml:"collector"`
}

// CollectorConfig enables publishing aggregated error digests to Kafka.
type CollectorConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Topic     string        `yaml:"topic" default:"tradedash.logs"`
	Interval  time.Duration `yaml:"interval" default:"30s"`
	Threshold int           `yaml:"threshold" default:"100"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	CORSOrigins     []string      `yaml:"cors_origins" default:"[\"*\"]"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" default:"true"`
}

type ProviderConfig struct {
	Name              string        `yaml:"name" default:"yahoo"`
	RequestsPerSecond float64       `yaml:"requests_per_second" default:"2"`
	Burst             int           `yaml:"burst" default:"2"`
	Timeout           time.Duration `yaml:"timeout" default:"10s"`
	Finnhub           FinnhubConfig `yaml:"finnhub"`
	Mock              MockConfig    `yaml:"mock"`
}

type FinnhubConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url" default:"https://finnhub.io/api/v1"`
}

type MockConfig struct {
	Seed int64 `yaml:"seed" default:"42"`
	// Failures maps a symbol to a failure kind: not_found, unauthorized, rate_limited, transient.
	Failures map[string]string `yaml:"failures"`
}

// BackoffConfig configures the retry policy of a worker.
type BackoffConfig struct {
	Base       time.Duration `yaml:"base" default:"500ms"`
	Max        time.Duration `yaml:"max" default:"30s"`
	Multiplier float64       `yaml:"multiplier" default:"2"`
	MaxRetries int           `yaml:"max_retries" default:"3"`
}

// TimeframeDurations holds one duration per supported timeframe. Zero means unset.
type TimeframeDurations struct {
	M1  time.Duration `yaml:"1m"`
	M5  time.Duration `yaml:"5m"`
	M15 time.Duration `yaml:"15m"`
	H1  time.Duration `yaml:"1h"`
	D1  time.Duration `yaml:"1d"`
}

// For returns the duration configured for a timeframe string.
func (d TimeframeDurations) For(tf string) time.Duration {
	switch tf {
	case "1m":
		return d.M1
	case "5m":
		return d.M5
	case "15m":
		return d.M15
	case "1h":
		return d.H1
	case "1d":
		return d.D1
	default:
		return 0
	}
}

type WorkerConfig struct {
	Schedule     string             `yaml:"schedule" default:"@every 60s"`
	RunOnStart   bool               `yaml:"run_on_start" default:"true"`
	Concurrency  int                `yaml:"concurrency" default:"4"`
	CycleTimeout time.Duration      `yaml:"cycle_timeout" default:"50s"`
	Lookback     TimeframeDurations `yaml:"lookback"`
	Backoff      BackoffConfig      `yaml:"backoff"`
	// LockTTL bounds how long a distributed writer lock is held.
	LockTTL time.Duration `yaml:"lock_ttl" default:"30s"`
}

type InfoConfig struct {
	Schedule     string        `yaml:"schedule" default:"@every 30m"`
	RunOnStart   bool          `yaml:"run_on_start" default:"true"`
	Concurrency  int           `yaml:"concurrency" default:"2"`
	CycleTimeout time.Duration `yaml:"cycle_timeout" default:"5m"`
	Backoff      BackoffConfig `yaml:"backoff"`
}

// IndicatorConfig is one entry of the TA indicator set.
type IndicatorConfig struct {
	Type   string  `yaml:"type"`
	Period int     `yaml:"period"`
	Fast   int     `yaml:"fast"`
	Slow   int     `yaml:"slow"`
	Signal int     `yaml:"signal"`
	StdDev float64 `yaml:"stddev"`
}

type ProcessorConfig struct {
	Workers     int               `yaml:"workers" default:"2"`
	MaxBackfill int               `yaml:"max_backfill" default:"500"`
	Debounce    time.Duration     `yaml:"debounce" default:"250ms"`
	Indicators  []IndicatorConfig `yaml:"indicators"`
}

type RetentionConfig struct {
	Schedule string             `yaml:"schedule" default:"@every 1h"`
	Windows  TimeframeDurations `yaml:"windows"`
}

type RankingsConfig struct {
	Timeframe         string  `yaml:"timeframe" default:"1d"`
	SmallCapThreshold float64 `yaml:"small_cap_threshold" default:"2000000000"`
	DefaultLimit      int     `yaml:"default_limit" default:"10"`
	MaxLimit          int     `yaml:"max_limit" default:"100"`
	Concurrency       int     `yaml:"concurrency" default:"8"`
}

type ScannersConfig struct {
	Timeframe string `yaml:"timeframe" default:"1d"`

	EMAFast      string  `yaml:"ema_fast" default:"ema_9"`
	EMASlow      string  `yaml:"ema_slow" default:"ema_26"`
	RSI          string  `yaml:"rsi" default:"rsi_14"`
	MACD         string  `yaml:"macd" default:"macd_12_26_9"`
	Bollinger    string  `yaml:"bollinger" default:"bollinger_20_2"`
	RelVolume    string  `yaml:"relative_volume" default:"rvol_20"`
	CrossMinPx   float64 `yaml:"crossover_min_price" default:"3"`
	CrossMaxPx   float64 `yaml:"crossover_max_price" default:"8"`
	CrossMinChg  float64 `yaml:"crossover_min_change" default:"3"`
	RVolMin      float64 `yaml:"rvol_min" default:"2"`
	RVolMinVol   float64 `yaml:"rvol_min_volume" default:"100000"`
	RVolMinPx    float64 `yaml:"rvol_min_price" default:"2"`
	RVolMaxPx    float64 `yaml:"rvol_max_price" default:"9"`
	SqueezeMaxBW float64 `yaml:"squeeze_max_bandwidth" default:"0.05"`
	DivLookback  int     `yaml:"divergence_lookback" default:"14"`
	SpikeMin     float64 `yaml:"spike_min_rvol" default:"3"`
	BreakoutBars int     `yaml:"breakout_bars" default:"20"`
	BreakoutChg  float64 `yaml:"breakout_min_change" default:"2"`
}

type StoreConfig struct {
	Backend          string           `yaml:"backend" default:"sqlite"`
	SQLite           SQLiteConfig     `yaml:"sqlite"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse"`
	HealthInterval   time.Duration    `yaml:"health_interval" default:"15s"`
	FailureThreshold int              `yaml:"failure_threshold" default:"2"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" default:"tradedash.db"`
}

type ClickHouseConfig struct {
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"tradedash"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr" default:"localhost:6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"tradedash"`
	PoolSize int    `yaml:"pool_size" default:"10"`
}

type EventsConfig struct {
	Backend string `yaml:"backend" default:"inproc"`
	Topic   string `yaml:"topic" default:"tradedash.bars_appended"`
	GroupID string `yaml:"group_id" default:"tradedash-ta"`
	Workers int    `yaml:"workers" default:"2"`
	// Retries bounds redeliveries of a failing event on the redis transport.
	Retries int `yaml:"retries" default:"3"`
}

type KafkaConfig struct {
	Brokers      []string            `yaml:"brokers"`
	RequiredAcks int                 `yaml:"required_acks" default:"1"`
	Compression  string              `yaml:"compression" default:"snappy"`
	Producer     KafkaProducerConfig `yaml:"producer"`
	Consumer     KafkaConsumerConfig `yaml:"consumer"`
}

type KafkaProducerConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" default:"3"`
	Linger       time.Duration `yaml:"linger" default:"10ms"`
	BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
	BatchSize    int           `yaml:"batch_size" default:"100"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
	Async        bool          `yaml:"async"`
}

type KafkaConsumerConfig struct {
	BufferSize int           `yaml:"buffer_size" default:"256"`
	RetryMax   int           `yaml:"retry_max" default:"3"`
	BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
	BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
	DLQTopic   string        `yaml:"dlq_topic"`
	MinBytes   int           `yaml:"min_bytes" default:"1"`
	MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
}

type StreamConfig struct {
	Enabled      bool          `yaml:"enabled" default:"true"`
	BufferSize   int           `yaml:"buffer_size" default:"64"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	PingInterval time.Duration `yaml:"ping_interval" default:"30s"`
}

type APIConfig struct {
	// Token bucket guarding watchlist writes and reloads, per client IP.
	WriteBurst      float64 `yaml:"write_burst" default:"10"`
	WriteRefillRate float64 `yaml:"write_refill_per_sec" default:"1"`
	// ViewCacheTTL caches ranked views and scanner results. Zero disables caching.
	ViewCacheTTL time.Duration `yaml:"view_cache_ttl" default:"5s"`
	// ViewCacheEntries bounds the in-process layer of the view cache.
	ViewCacheEntries int `yaml:"view_cache_entries" default:"1000"`
}

// Default returns a configuration with every default applied.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	c.applyTimeframeDefaults()
	return &c, nil
}

// Load reads and parses a YAML configuration file on top of the defaults.
// An empty path yields the defaults alone.
func Load(path string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		c.Source = path
	}

	// Validate required fields
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return c, nil
}

// LoadWithEnv loads .env (if present), the YAML file, and then environment overrides.
func LoadWithEnv(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TRADEDASH_SYMBOLS"); v != "" {
		c.Symbols = splitList(v)
	}
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		c.Provider.Finnhub.APIKey = v
	}
	if v := os.Getenv("MARKET_PROVIDER"); v != "" {
		c.Provider.Name = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLite.Path = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.Store.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.Store.ClickHouse.Password = v
	}
	if v := os.Getenv("EVENTS_BACKEND"); v != "" {
		c.Events.Backend = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// applyTimeframeDefaults fills per-timeframe lookback and retention windows left unset.
func (c *Config) applyTimeframeDefaults() {
	fill := func(d *TimeframeDurations, m1, m5, m15, h1, d1 time.Duration) {
		if d.M1 == 0 {
			d.M1 = m1
		}
		if d.M5 == 0 {
			d.M5 = m5
		}
		if d.M15 == 0 {
			d.M15 = m15
		}
		if d.H1 == 0 {
			d.H1 = h1
		}
		if d.D1 == 0 {
			d.D1 = d1
		}
	}
	const day = 24 * time.Hour
	fill(&c.Fetcher.Lookback, 7*day, 30*day, 60*day, 180*day, 365*day)
	fill(&c.Retention.Windows, 7*day, 30*day, 60*day, 365*day, 2*365*day)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	c.applyTimeframeDefaults()

	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("timeframes cannot be empty")
	}
	for _, tf := range c.Timeframes {
		if !isTimeframe(tf) {
			return fmt.Errorf("timeframes: unsupported timeframe %q", tf)
		}
	}
	if !isTimeframe(c.Rankings.Timeframe) {
		return fmt.Errorf("rankings.timeframe: unsupported timeframe %q", c.Rankings.Timeframe)
	}
	if !isTimeframe(c.Scanners.Timeframe) {
		return fmt.Errorf("scanners.timeframe: unsupported timeframe %q", c.Scanners.Timeframe)
	}

	switch c.Provider.Name {
	case "yahoo", "mock":
	case "finnhub":
		if c.Provider.Finnhub.APIKey == "" {
			return fmt.Errorf("provider.finnhub.api_key is required")
		}
	default:
		return fmt.Errorf("provider.name must be 'yahoo', 'finnhub' or 'mock', got '%s'", c.Provider.Name)
	}
	if c.Provider.RequestsPerSecond <= 0 {
		return fmt.Errorf("provider.requests_per_second must be > 0")
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required")
		}
	case "memory":
	case "clickhouse":
		if c.Store.ClickHouse.Host == "" {
			return fmt.Errorf("store.clickhouse.host is required")
		}
	default:
		return fmt.Errorf("store.backend must be 'sqlite', 'clickhouse' or 'memory', got '%s'", c.Store.Backend)
	}

	switch c.Events.Backend {
	case "inproc":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers cannot be empty when events.backend is 'kafka'")
		}
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("redis.enabled is required when events.backend is 'redis'")
		}
	default:
		return fmt.Errorf("events.backend must be 'inproc', 'kafka' or 'redis', got '%s'", c.Events.Backend)
	}
	if c.Log.Collector.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when log.collector.enabled is set")
	}

	if c.Fetcher.Concurrency <= 0 || c.InfoFetcher.Concurrency <= 0 || c.Processor.Workers <= 0 {
		return fmt.Errorf("worker concurrency must be > 0")
	}
	if c.Fetcher.Backoff.Multiplier < 1 || c.InfoFetcher.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff.multiplier must be >= 1")
	}
	if c.Rankings.DefaultLimit <= 0 || c.Rankings.MaxLimit < c.Rankings.DefaultLimit {
		return fmt.Errorf("rankings limits must satisfy 0 < default_limit <= max_limit")
	}
	return nil
}

func isTimeframe(tf string) bool {
	switch tf {
	case "1m", "5m", "15m", "1h", "1d":
		return true
	default:
		return false
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
