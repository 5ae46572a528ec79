package models

// Requests for dashboard HTTP endpoints. Bound from query, defaulted, then validated.

// Limits above the configured ceiling are clamped by the use case, not rejected.
type LimitRequest struct {
	Limit int `query:"limit" json:"limit" default:"10" validate:"gte=1"`
}

type ScannerRequest struct {
	ScannerType string `query:"scanner_type" json:"scanner_type" validate:"required,oneof=ema_crossover relative_volume macd_crossover bollinger_squeeze rsi_divergence volume_spike momentum_breakout"`
	Limit       int    `query:"limit" json:"limit" default:"10" validate:"gte=1"`
}

type WatchlistRequest struct {
	Symbols string `query:"symbols" json:"symbols"`
}

type WatchlistAddRequest struct {
	Symbol string `query:"symbol" json:"symbol" form:"symbol" validate:"required,symbol"`
}

type BarsRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"required,symbol"`
	TF     string `query:"tf" json:"tf" default:"1m" validate:"timeframe"`
	From   string `query:"from" json:"from"`
	To     string `query:"to" json:"to"`
	Limit  int    `query:"limit" json:"limit" default:"500" validate:"gte=1,lte=5000"`
}

type IndicatorsRequest struct {
	Symbol    string `query:"symbol" json:"symbol" validate:"required,symbol"`
	TF        string `query:"tf" json:"tf" default:"1m" validate:"timeframe"`
	Indicator string `query:"name" json:"name" validate:"required"`
	Limit     int    `query:"limit" json:"limit" default:"100" validate:"gte=1,lte=5000"`
}

type ReloadRequest struct {
	Symbols []string `json:"symbols"`
}
