package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	domrepo "TradeDash/internal/domain/repository"
	"TradeDash/internal/scheduler"
	"TradeDash/internal/usecase"
	"TradeDash/pkg/config"
	xhttp "TradeDash/pkg/http"
	pkgkafka "TradeDash/pkg/kafka"
	applogger "TradeDash/pkg/logger"
	"TradeDash/pkg/queue"
)

// Events is the bars-appended transport. Consumer and Queue are nil for the in-process backend.
type Events struct {
	Publisher domrepo.BarEventPublisher
	Consumer  *pkgkafka.Consumer
	Queue     *queue.RedisQueue
}

func (e *Events) start(ctx context.Context) error {
	if e.Consumer != nil {
		e.Consumer.Start(ctx)
	}
	if e.Queue != nil {
		if err := e.Queue.Start(ctx); err != nil {
			return fmt.Errorf("redis queue: %w", err)
		}
	}
	return nil
}

func (e *Events) stop(ctx context.Context) error {
	var errs []error
	if e.Consumer != nil {
		errs = append(errs, e.Consumer.Stop(ctx))
	}
	if e.Queue != nil {
		errs = append(errs, e.Queue.Stop(ctx))
	}
	errs = append(errs, e.Publisher.Close())
	return errors.Join(errs...)
}

// Components are the long-running parts of the pipeline.
type Components struct {
	Scheduler *scheduler.Scheduler
	TA        *usecase.TAProcessor
	Events    *Events
	OHLCV     *usecase.OHLCVFetcher
	Info      *usecase.InfoFetcher
	Health    *usecase.HealthMonitor
	HTTP      *xhttp.Server
}

// App encapsulates the application lifecycle.
type App struct {
	cfg *config.Config
	c   Components
	l   *applogger.Logger
}

func New(cfg *config.Config, l *applogger.Logger, c Components) *App {
	return &App{cfg: cfg, c: c, l: l.Named("app")}
}

// Run starts every component and blocks until SIGINT/SIGTERM, ctx cancellation or a listen failure.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// consumers first so nothing published by the first cycle is missed
	a.c.TA.Start(ctx)
	if err := a.c.Events.start(ctx); err != nil {
		return err
	}
	a.c.Health.Check(ctx)
	a.c.Scheduler.Start(ctx)

	if err := a.c.HTTP.Start(); err != nil {
		return err
	}
	a.l.Info("tradedash started",
		applogger.Strings("symbols", a.cfg.Symbols),
		applogger.String("provider", a.cfg.Provider.Name),
		applogger.String("store", a.cfg.Store.Backend),
		applogger.String("events", a.cfg.Events.Backend),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		a.l.Info("shutdown signal received", applogger.String("signal", sig.String()))
	case <-ctx.Done():
	case runErr = <-a.c.HTTP.Errors():
	}
	return errors.Join(runErr, a.shutdown())
}

// RunOnce runs one fetch and info cycle and waits for the TA processor to drain.
func (a *App) RunOnce(ctx context.Context) (usecase.CycleReport, error) {
	a.c.TA.Start(ctx)
	if err := a.c.Events.start(ctx); err != nil {
		return usecase.CycleReport{}, err
	}
	defer func() {
		if err := a.stopPipeline(); err != nil {
			a.l.Warn("pipeline stop error", applogger.Error(err))
		}
	}()

	if !a.c.Health.Check(ctx) {
		return usecase.CycleReport{}, fmt.Errorf("store unavailable")
	}
	if _, err := a.c.Info.RunCycle(ctx); err != nil {
		a.l.Warn("info cycle failed", applogger.Error(err))
	}
	rep, err := a.c.OHLCV.RunCycle(ctx)
	if err != nil {
		return rep, err
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for !a.c.TA.Idle() {
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case <-tick.C:
		}
	}
	return rep, nil
}

func (a *App) shutdown() error {
	a.l.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.c.HTTP.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.c.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.stopPipeline(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		a.l.Error("shutdown incomplete", applogger.Error(err))
		return err
	}
	a.l.Info("shutdown complete")
	return nil
}

func (a *App) stopPipeline() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(a.c.Events.stop(ctx), a.c.TA.Stop(ctx))
}
