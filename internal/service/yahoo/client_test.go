package yahoo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeDash/internal/domain/models"
	drepo "TradeDash/internal/domain/repository"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		kind models.FetchErrorKind
	}{
		{"remote-error: 429 Too Many Requests", models.FetchRateLimited},
		{"code 401: Unauthorized", models.FetchUnauthorized},
		{"No data found, symbol may be delisted", models.FetchNotFound},
		{"connection reset by peer", models.FetchTransient},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			fe := classify("ACME", errors.New(tt.msg))
			assert.Equal(t, tt.kind, fe.Kind)
			assert.Equal(t, "yahoo", fe.Provider)
		})
	}
}

func TestFetchBarsUnsupportedTimeframe(t *testing.T) {
	c := New()
	_, err := c.FetchBars(context.Background(), "ACME", drepo.Timeframe("2h"), time.Now())
	var fe *models.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, models.FetchNotFound, fe.Kind)
}

func TestFetchBarsHonoursCancelledContext(t *testing.T) {
	c := New(WithRateLimit(0.001, 1))
	// drain the only token so Wait has to block
	require.True(t, c.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchBars(ctx, "ACME", drepo.TF1d, time.Now())
	var fe *models.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, models.FetchTransient, fe.Kind)
}
