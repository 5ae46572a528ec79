package marketdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeDash/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ProviderConfig
		want    string
		wantErr bool
	}{
		{"yahoo", config.ProviderConfig{Name: "yahoo", RequestsPerSecond: 2, Burst: 2}, "yahoo", false},
		{"mock", config.ProviderConfig{Name: "mock", RequestsPerSecond: 2, Burst: 2}, "mock", false},
		{"finnhub", config.ProviderConfig{Name: "finnhub", RequestsPerSecond: 1, Finnhub: config.FinnhubConfig{APIKey: "k"}}, "finnhub", false},
		{"finnhub without key", config.ProviderConfig{Name: "finnhub", RequestsPerSecond: 1}, "", true},
		{"unknown", config.ProviderConfig{Name: "bloomberg"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := New(tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, src.Name())
		})
	}
}
