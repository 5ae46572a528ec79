package di

import (
	"context"
	"fmt"
	"time"

	"TradeDash/internal/domain/repository"
	"TradeDash/internal/domain/service"
	"TradeDash/internal/handler/api"
	mid "TradeDash/internal/middleware"
	internalrepo "TradeDash/internal/repository"
	"TradeDash/internal/scheduler"
	"TradeDash/internal/service/marketdata"
	"TradeDash/internal/service/ratelimit"
	"TradeDash/internal/service/stream"
	"TradeDash/internal/services/indicators"
	"TradeDash/internal/usecase"
	"TradeDash/pkg/cache"
	pkgch "TradeDash/pkg/clickhouse"
	"TradeDash/pkg/config"
	xhttp "TradeDash/pkg/http"
	pkgkafka "TradeDash/pkg/kafka"
	applogger "TradeDash/pkg/logger"
	"TradeDash/pkg/metrics"
	"TradeDash/pkg/queue"
	"TradeDash/pkg/server"
)

// Stores groups the persistence ports selected by store.backend.
type Stores struct {
	Bars      repository.BarStore
	Snaps     repository.IndicatorStore
	Infos     repository.InfoStore
	Watchlist repository.WatchlistStore
	Locker    repository.KeyLocker
	// ViewCache backs the ranked-view cache of the HTTP layer.
	ViewCache cache.Service
}

// ProvideKafkaProducer creates the producer when Kafka carries bar events or log digests.
// It returns nil when neither is configured.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if cfg.Events.Backend != "kafka" && !cfg.Log.Collector.Enabled {
		return nil, func() {}, nil
	}
	p := cfg.Kafka.Producer
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers...),
		pkgkafka.WithDelivery(cfg.Kafka.RequiredAcks, cfg.Kafka.Compression, p.MaxAttempts),
		pkgkafka.WithBatching(p.BatchSize, p.BatchBytes, p.Linger),
		pkgkafka.WithIOTimeouts(p.WriteTimeout, p.ReadTimeout),
		pkgkafka.WithAsync(p.Async),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideLogger builds the root logger and, when enabled, attaches the digest collector.
// Children must be derived after this so they inherit the collector.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, func(), error) {
	l, err := applogger.New(&applogger.Config{
		Level:           cfg.Log.Level,
		Format:          cfg.Log.Format,
		Output:          cfg.Log.Output,
		CollectWarnings: cfg.Log.CollectWarnings,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if !cfg.Log.Collector.Enabled || producer == nil {
		return l, func() {}, nil
	}
	l.AddCollector(&applogger.CollectionConfig{
		Service:        "tradedash",
		TimeInterval:   cfg.Log.Collector.Interval,
		CountThreshold: cfg.Log.Collector.Threshold,
		Topic:          cfg.Log.Collector.Topic,
		Publisher:      producer,
	})
	return l, l.RemoveCollector, nil
}

// ProvideMetrics creates the Prometheus recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideRedisCache dials Redis when enabled, nil otherwise.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, func(), error) {
	if !cfg.Redis.Enabled {
		return nil, func() {}, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(cfg.Redis.Addr),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
		cache.WithRedisPoolSize(cfg.Redis.PoolSize),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return rc, func() { _ = rc.Close() }, nil
}

// ProvideRetentionPolicy maps the configured windows onto timeframes.
func ProvideRetentionPolicy(cfg *config.Config) repository.RetentionPolicy {
	p := repository.RetentionPolicy{}
	for _, tf := range []repository.Timeframe{repository.TF1m, repository.TF5m, repository.TF15m, repository.TF1h, repository.TF1d} {
		if d := cfg.Retention.Windows.For(string(tf)); d > 0 {
			p[tf] = d
		}
	}
	return p
}

// ProvideStores opens the configured backend. ClickHouse holds bars and snapshots only;
// info and the watchlist then live in Redis, or in process memory without it.
func ProvideStores(cfg *config.Config, rc *cache.RedisCache, policy repository.RetentionPolicy,
	l *applogger.Logger) (*Stores, func(), error) {
	l = l.Named("store")
	st := &Stores{Locker: internalrepo.NewLocalLocker()}
	var closers []func()

	var shared cache.Service
	if rc != nil {
		shared = rc
		st.Locker = internalrepo.NewCacheLocker(rc, cfg.Fetcher.LockTTL)
		lc := cache.NewLayeredCache(rc,
			cache.WithLayeredMemorySize(cfg.API.ViewCacheEntries),
			cache.WithLayeredMemoryTTL(cfg.API.ViewCacheTTL))
		closers = append(closers, func() { _ = lc.Close() })
		st.ViewCache = lc
	} else {
		mc := cache.NewMemoryCache()
		closers = append(closers, func() { _ = mc.Close() })
		shared = mc
		st.ViewCache = mc
	}

	switch cfg.Store.Backend {
	case "memory":
		st.Bars = internalrepo.NewMemoryBarStore(internalrepo.WithMemoryRetention(policy))
		st.Snaps = internalrepo.NewMemoryIndicatorStore()
		st.Infos = internalrepo.NewMemoryInfoStore()
		st.Watchlist = internalrepo.NewMemoryWatchlistStore()
	case "sqlite":
		s, err := internalrepo.NewSQLiteStore(cfg.Store.SQLite.Path,
			internalrepo.WithSQLiteRetention(policy),
			internalrepo.WithSQLiteLogger(l),
		)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = s.Close() })
		st.Bars, st.Snaps, st.Infos, st.Watchlist = s, s, s, s
	case "clickhouse":
		ch, err := openClickHouse(cfg.Store.ClickHouse)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = ch.Close() })
		cs := internalrepo.NewCHBarStore(ch, policy)
		cs.SetLogger(l)
		st.Bars, st.Snaps = cs, cs
		st.Infos = internalrepo.NewCacheInfoStore(shared)
		st.Watchlist = internalrepo.NewCacheWatchlistStore(shared, cfg.Fetcher.LockTTL)
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	l.Info("store ready", applogger.String("backend", cfg.Store.Backend), applogger.Bool("redis", rc != nil))

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return st, cleanup, nil
}

func openClickHouse(c config.ClickHouseConfig) (*pkgch.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ch, err := pkgch.Open(ctx, pkgch.Config{
		Host:         c.Host,
		Port:         c.Port,
		Database:     c.Database,
		User:         c.User,
		Password:     c.Password,
		UseHTTP:      c.UseHTTP,
		AsyncInsert:  c.AsyncInsert,
		WaitForAsync: c.WaitForAsync,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		MaxExecTime:  c.MaxExecutionTime,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: %w", err)
	}
	if err := ch.Migrate(ctx, internalrepo.ClickHouseSchema(c.Database)); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return ch, nil
}

// ProvideMarketData selects the provider.
func ProvideMarketData(cfg *config.Config, l *applogger.Logger) (repository.MarketDataSource, error) {
	return marketdata.New(cfg.Provider, l)
}

func ProvideUniverse(cfg *config.Config, st *Stores, l *applogger.Logger) *usecase.Universe {
	return usecase.NewUniverse(cfg.Symbols, st.Watchlist, l.Named("universe"))
}

func ProvideHealthMonitor(cfg *config.Config, st *Stores, m repository.Metrics, l *applogger.Logger) *usecase.HealthMonitor {
	return usecase.NewHealthMonitor(st.Bars, cfg.Store.FailureThreshold, m, l.Named("health"))
}

func ProvideHub(cfg *config.Config, l *applogger.Logger) (*stream.Hub, func()) {
	hub := stream.NewHub(stream.Config{
		BufferSize:   cfg.Stream.BufferSize,
		WriteTimeout: cfg.Stream.WriteTimeout,
		PingInterval: cfg.Stream.PingInterval,
	}, l)
	return hub, hub.Close
}

// ProvideIndicators builds the configured indicator set, or the defaults when none is configured.
func ProvideIndicators(cfg *config.Config) ([]service.Indicator, error) {
	specs := indicators.DefaultSpecs()
	if len(cfg.Processor.Indicators) > 0 {
		specs = make([]indicators.Spec, len(cfg.Processor.Indicators))
		for i, ic := range cfg.Processor.Indicators {
			specs[i] = indicators.Spec{
				Type:   ic.Type,
				Period: ic.Period,
				Fast:   ic.Fast,
				Slow:   ic.Slow,
				Signal: ic.Signal,
				StdDev: ic.StdDev,
			}
		}
	}
	inds, err := indicators.Build(specs)
	if err != nil {
		return nil, fmt.Errorf("indicators: %w", err)
	}
	return inds, nil
}

// ProvideTAProcessor builds the processor and re-enqueues known series when the store recovers.
func ProvideTAProcessor(cfg *config.Config, st *Stores, inds []service.Indicator, hub *stream.Hub,
	health *usecase.HealthMonitor, m repository.Metrics, l *applogger.Logger) *usecase.TAProcessor {
	opts := []usecase.TAOption{
		usecase.WithTAHealth(health),
		usecase.WithTALogger(l.Named("ta")),
	}
	if cfg.Stream.Enabled {
		opts = append(opts, usecase.WithTANotifier(hub))
	}
	ta := usecase.NewTAProcessor(usecase.TAProcessorConfig{
		Workers:     cfg.Processor.Workers,
		MaxBackfill: cfg.Processor.MaxBackfill,
		Debounce:    cfg.Processor.Debounce,
	}, st.Bars, st.Snaps, inds, m, opts...)
	health.OnRecover(ta.EnqueueKnown)
	return ta
}

// ProvideEvents selects the bars-appended transport between the fetcher and the TA processor.
func ProvideEvents(cfg *config.Config, ta *usecase.TAProcessor, producer *pkgkafka.Producer,
	rc *cache.RedisCache, m repository.Metrics, l *applogger.Logger) (*server.Events, error) {
	l = l.Named("events")
	handler := usecase.NewBarsEventHandler(cfg.Events.Topic, ta, m)

	switch cfg.Events.Backend {
	case "inproc":
		pub := internalrepo.NewInprocBarEventPublisher()
		pub.Bind(ta.OnBarsAppended)
		return &server.Events{Publisher: pub}, nil
	case "kafka":
		if producer == nil {
			return nil, fmt.Errorf("kafka events: producer not configured")
		}
		c := cfg.Kafka.Consumer
		consumer, err := pkgkafka.NewConsumer(handler, l,
			pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers...),
			pkgkafka.WithGroup(cfg.Events.GroupID),
			pkgkafka.WithWorkers(cfg.Events.Workers, c.BufferSize),
			pkgkafka.WithRetry(c.RetryMax, c.BackoffMin, c.BackoffMax),
			pkgkafka.WithDLQ(c.DLQTopic),
			pkgkafka.WithFetchBytes(c.MinBytes, c.MaxBytes),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		return &server.Events{
			Publisher: internalrepo.NewKafkaBarEventPublisher(producer, cfg.Events.Topic),
			Consumer:  consumer,
		}, nil
	case "redis":
		if rc == nil {
			return nil, fmt.Errorf("redis events: redis not enabled")
		}
		q := queue.NewRedisQueue(rc.Client(), l,
			queue.WithPrefix(cfg.Redis.Prefix+":queue"),
			queue.WithConfig(queue.Config{Workers: cfg.Events.Workers, RetryLimit: cfg.Events.Retries}),
		)
		if err := q.Register(handler.QueueJob()); err != nil {
			return nil, err
		}
		return &server.Events{
			Publisher: internalrepo.NewQueueBarEventPublisher(q),
			Queue:     q,
		}, nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}

func ProvideBarPipeline(m repository.Metrics, policy repository.RetentionPolicy) *mid.BarPipeline {
	return mid.NewBarPipeline(m, mid.WithRetention(policy))
}

func ProvideOHLCVFetcher(cfg *config.Config, source repository.MarketDataSource, st *Stores, events *server.Events,
	pipe *mid.BarPipeline, universe *usecase.Universe, health *usecase.HealthMonitor, m repository.Metrics,
	l *applogger.Logger) (*usecase.OHLCVFetcher, error) {
	tfs := make([]repository.Timeframe, 0, len(cfg.Timeframes))
	lookback := make(map[repository.Timeframe]time.Duration, len(cfg.Timeframes))
	for _, s := range cfg.Timeframes {
		tf, err := repository.ParseTimeframe(s)
		if err != nil {
			return nil, err
		}
		tfs = append(tfs, tf)
		lookback[tf] = cfg.Fetcher.Lookback.For(s)
	}
	return usecase.NewOHLCVFetcher(usecase.OHLCVFetcherConfig{
		Timeframes:   tfs,
		Lookback:     lookback,
		Concurrency:  cfg.Fetcher.Concurrency,
		CycleTimeout: cfg.Fetcher.CycleTimeout,
		Backoff:      backoffPolicy(cfg.Fetcher.Backoff),
	}, source, st.Bars, events.Publisher, st.Locker, pipe, universe, m,
		usecase.WithOHLCVHealth(health),
		usecase.WithOHLCVLogger(l.Named("ohlcv")),
	), nil
}

func ProvideInfoFetcher(cfg *config.Config, source repository.MarketDataSource, st *Stores,
	universe *usecase.Universe, health *usecase.HealthMonitor, m repository.Metrics, l *applogger.Logger) *usecase.InfoFetcher {
	return usecase.NewInfoFetcher(usecase.InfoFetcherConfig{
		Concurrency:  cfg.InfoFetcher.Concurrency,
		CycleTimeout: cfg.InfoFetcher.CycleTimeout,
		Backoff:      backoffPolicy(cfg.InfoFetcher.Backoff),
	}, source, st.Infos, universe, m,
		usecase.WithInfoHealth(health),
		usecase.WithInfoLogger(l.Named("info")),
	)
}

func backoffPolicy(b config.BackoffConfig) usecase.BackoffPolicy {
	return usecase.BackoffPolicy{Base: b.Base, Max: b.Max, Multiplier: b.Multiplier, MaxRetries: b.MaxRetries}
}

func ProvideRetention(st *Stores, policy repository.RetentionPolicy, health *usecase.HealthMonitor,
	m repository.Metrics, l *applogger.Logger) *usecase.RetentionUseCase {
	return usecase.NewRetentionUseCase(st.Bars, st.Snaps, policy, health, m, l.Named("retention"))
}

// ProvideControl wires the reload hook to re-read symbols from the config file.
func ProvideControl(cfg *config.Config, universe *usecase.Universe, ohlcv *usecase.OHLCVFetcher, info *usecase.InfoFetcher,
	ta *usecase.TAProcessor, health *usecase.HealthMonitor, l *applogger.Logger) *usecase.PipelineControl {
	load := func() ([]string, error) {
		fresh, err := config.LoadWithEnv(cfg.Source)
		if err != nil {
			return nil, err
		}
		return fresh.Symbols, nil
	}
	return usecase.NewPipelineControl(universe, ohlcv, info, ta, health, load, l.Named("control"))
}

func ProvideRankings(cfg *config.Config, st *Stores, ohlcv *usecase.OHLCVFetcher, inds []service.Indicator,
	l *applogger.Logger) *usecase.RankingsUseCase {
	names := make([]string, len(inds))
	for i, ind := range inds {
		names[i] = ind.Name()
	}
	r := cfg.Rankings
	return usecase.NewRankingsUseCase(usecase.RankingsConfig{
		Timeframe:         repository.Timeframe(r.Timeframe),
		SmallCapThreshold: r.SmallCapThreshold,
		DefaultLimit:      r.DefaultLimit,
		MaxLimit:          r.MaxLimit,
		Concurrency:       r.Concurrency,
		Indicators:        names,
	}, st.Bars, st.Snaps, st.Infos, ohlcv, l.Named("rankings"))
}

func ProvideScanners(cfg *config.Config, st *Stores, ohlcv *usecase.OHLCVFetcher, l *applogger.Logger) *usecase.ScannerUseCase {
	s := cfg.Scanners
	sc := usecase.DefaultScannerConfig()
	sc.Timeframe = repository.Timeframe(s.Timeframe)
	sc.Concurrency = cfg.Rankings.Concurrency
	sc.DefaultLimit = cfg.Rankings.DefaultLimit
	sc.MaxLimit = cfg.Rankings.MaxLimit
	sc.EMAFast, sc.EMASlow, sc.RSI = s.EMAFast, s.EMASlow, s.RSI
	sc.MACD, sc.Bollinger, sc.RelVolume = s.MACD, s.Bollinger, s.RelVolume
	sc.CrossMinPrice, sc.CrossMaxPrice, sc.CrossMinChange = s.CrossMinPx, s.CrossMaxPx, s.CrossMinChg
	sc.RVolMin, sc.RVolMinVolume = s.RVolMin, s.RVolMinVol
	sc.RVolMinPrice, sc.RVolMaxPrice = s.RVolMinPx, s.RVolMaxPx
	sc.SqueezeMaxBandwidth = s.SqueezeMaxBW
	sc.DivergenceLookback = s.DivLookback
	sc.SpikeMinRVol = s.SpikeMin
	sc.BreakoutBars, sc.BreakoutMinChange = s.BreakoutBars, s.BreakoutChg
	return usecase.NewScannerUseCase(sc, st.Bars, st.Snaps, ohlcv, l.Named("scanners"))
}

func ProvideWatchlist(cfg *config.Config, st *Stores, hub *stream.Hub, l *applogger.Logger) (*usecase.WatchlistUseCase, error) {
	loc, err := time.LoadLocation(cfg.Market.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market timezone: %w", err)
	}
	opts := []usecase.WatchlistOption{usecase.WithWatchlistLogger(l.Named("watchlist"))}
	if cfg.Stream.Enabled {
		opts = append(opts, usecase.WithWatchlistNotifier(hub))
	}
	return usecase.NewWatchlistUseCase(st.Watchlist, st.Bars, repository.TF1m, loc, opts...), nil
}

func ProvideCandles(st *Stores) *usecase.CandlesUseCase {
	return usecase.NewCandlesUseCase(st.Bars, st.Snaps)
}

// ProvideScheduler registers the periodic jobs.
func ProvideScheduler(cfg *config.Config, ohlcv *usecase.OHLCVFetcher, info *usecase.InfoFetcher,
	retention *usecase.RetentionUseCase, health *usecase.HealthMonitor, l *applogger.Logger) (*scheduler.Scheduler, error) {
	s := scheduler.New(l)
	jobs := []struct {
		name, spec string
		task       scheduler.Task
		onStart    bool
	}{
		{"ohlcv_fetch", cfg.Fetcher.Schedule, func(ctx context.Context) error {
			_, err := ohlcv.RunCycle(ctx)
			return err
		}, cfg.Fetcher.RunOnStart},
		{"info_fetch", cfg.InfoFetcher.Schedule, func(ctx context.Context) error {
			_, err := info.RunCycle(ctx)
			return err
		}, cfg.InfoFetcher.RunOnStart},
		{"retention", cfg.Retention.Schedule, func(ctx context.Context) error {
			_, err := retention.Run(ctx)
			return err
		}, false},
		{"store_health", fmt.Sprintf("@every %s", cfg.Store.HealthInterval), func(ctx context.Context) error {
			health.Check(ctx)
			return nil
		}, false},
	}
	for _, j := range jobs {
		if err := s.Add(j.name, j.spec, j.task, j.onStart); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func ProvideDashboardHandler(cfg *config.Config, rankings *usecase.RankingsUseCase, scanners *usecase.ScannerUseCase,
	watchlist *usecase.WatchlistUseCase, candles *usecase.CandlesUseCase, control *usecase.PipelineControl,
	st *Stores, hub *stream.Hub, l *applogger.Logger) *api.DashboardHandler {
	opts := []api.Option{
		api.WithLogger(l.Named("api")),
		api.WithWriteLimiter(ratelimit.New(cfg.API.WriteBurst, cfg.API.WriteRefillRate)),
	}
	if cfg.API.ViewCacheTTL > 0 {
		opts = append(opts, api.WithViewCache(st.ViewCache, cfg.API.ViewCacheTTL))
	}
	if cfg.Stream.Enabled {
		opts = append(opts, api.WithStream(hub.Handle))
	}
	return api.NewDashboardHandler(rankings, scanners, watchlist, candles, control, opts...)
}

func ProvideHTTPServer(cfg *config.Config, h *api.DashboardHandler, l *applogger.Logger) *xhttp.Server {
	return xhttp.NewServer(h,
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORSOrigins...),
		xhttp.WithMetrics(cfg.Metrics.Enabled),
		xhttp.WithLogger(l.Named("http")),
	)
}

func ProvideApp(cfg *config.Config, sched *scheduler.Scheduler, ta *usecase.TAProcessor, events *server.Events,
	ohlcv *usecase.OHLCVFetcher, info *usecase.InfoFetcher, health *usecase.HealthMonitor, srv *xhttp.Server,
	l *applogger.Logger) *server.App {
	return server.New(cfg, l, server.Components{
		Scheduler: sched,
		TA:        ta,
		Events:    events,
		OHLCV:     ohlcv,
		Info:      info,
		Health:    health,
		HTTP:      srv,
	})
}
