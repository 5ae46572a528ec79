package repository

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe represents bar resolution buckets.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
)

// IsValidTimeframe returns true if tf is a supported timeframe.
func IsValidTimeframe(tf Timeframe) bool {
	switch tf {
	case TF1m, TF5m, TF15m, TF1h, TF1d:
		return true
	default:
		return false
	}
}

// DefaultTimeframe returns the default timeframe.
func DefaultTimeframe() Timeframe { return TF1m }

// NormalizeTimeframe converts raw string to a valid timeframe (or default).
func NormalizeTimeframe(s string) Timeframe {
	if s == "" {
		return DefaultTimeframe()
	}
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if IsValidTimeframe(tf) {
		return tf
	}
	return DefaultTimeframe()
}

// ParseTimeframe is the strict variant of NormalizeTimeframe used for configuration.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if !IsValidTimeframe(tf) {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Duration is the length of one bar.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	case TF1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

func (tf Timeframe) String() string { return string(tf) }

// RetentionPolicy is the per-timeframe retention window. A missing or zero entry keeps bars forever.
type RetentionPolicy map[Timeframe]time.Duration

// Cutoff returns the oldest timestamp still retained for tf at now.
func (p RetentionPolicy) Cutoff(tf Timeframe, now time.Time) (time.Time, bool) {
	d, ok := p[tf]
	if !ok || d <= 0 {
		return time.Time{}, false
	}
	return now.Add(-d), true
}
