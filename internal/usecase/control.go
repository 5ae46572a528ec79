package usecase

import (
	"context"
	"fmt"

	applogger "TradeDash/pkg/logger"
)

// SymbolsLoader re-reads the configured symbol set, e.g. from the config file.
type SymbolsLoader func() ([]string, error)

// PipelineStatus is the operator view of the running pipeline.
type PipelineStatus struct {
	Health     HealthStatus       `json:"health"`
	Configured []string           `json:"configured"`
	Active     []string           `json:"active"`
	Fetch      []SymbolState      `json:"fetch"`
	Info       []SymbolState      `json:"info"`
	Indicators []string           `json:"indicators"`
	Pending    []PendingIndicator `json:"pending"`
}

// PipelineControl implements the reload hook and status view.
type PipelineControl struct {
	universe *Universe
	ohlcv    *OHLCVFetcher
	info     *InfoFetcher
	ta       *TAProcessor
	health   *HealthMonitor
	load     SymbolsLoader
	l        *applogger.Logger
}

func NewPipelineControl(universe *Universe, ohlcv *OHLCVFetcher, info *InfoFetcher, ta *TAProcessor,
	health *HealthMonitor, load SymbolsLoader, l *applogger.Logger) *PipelineControl {
	if l == nil {
		l = applogger.NewNop()
	}
	return &PipelineControl{universe: universe, ohlcv: ohlcv, info: info, ta: ta, health: health, load: load, l: l}
}

// Reload replaces the configured universe and clears failed and degraded state.
// With no symbols given, the loader is consulted.
func (c *PipelineControl) Reload(ctx context.Context, symbols []string) (PipelineStatus, error) {
	if len(symbols) == 0 && c.load != nil {
		loaded, err := c.load()
		if err != nil {
			return PipelineStatus{}, fmt.Errorf("reload symbols: %w", err)
		}
		symbols = loaded
	}
	if len(symbols) > 0 {
		c.universe.Replace(symbols)
	}
	c.ohlcv.Reset()
	if c.info != nil {
		c.info.Reset()
	}
	c.l.Info("pipeline reloaded", applogger.Strings("symbols", c.universe.Configured()))
	return c.Status(ctx), nil
}

func (c *PipelineControl) Status(ctx context.Context) PipelineStatus {
	st := PipelineStatus{
		Configured: c.universe.Configured(),
		Active:     c.ohlcv.ActiveSymbols(ctx),
		Fetch:      c.ohlcv.States(),
	}
	if c.health != nil {
		st.Health = c.health.Status()
	} else {
		st.Health = HealthStatus{Healthy: true}
	}
	if c.info != nil {
		st.Info = c.info.States()
	}
	if c.ta != nil {
		st.Indicators = c.ta.Indicators()
		st.Pending = c.ta.Pending()
	}
	return st
}

// Ready reports whether the store is reachable.
func (c *PipelineControl) Ready() bool {
	return c.health == nil || c.health.Healthy()
}
