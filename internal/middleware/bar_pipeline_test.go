package middleware

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeDash/internal/domain/models"
	domrepo "TradeDash/internal/domain/repository"
	"TradeDash/pkg/metrics"
)

var pipelineNow = time.Date(2024, 6, 14, 14, 30, 30, 0, time.UTC)

func minuteBar(min int, close float64) models.Bar {
	return models.Bar{
		Timestamp: time.Date(2024, 6, 14, 14, min, 0, 0, time.UTC),
		Open:      close, High: close + 0.5, Low: close - 0.5, Close: close, Volume: 100,
	}
}

func newTestPipeline(opts ...PipelineOption) *BarPipeline {
	opts = append([]PipelineOption{WithClock(func() time.Time { return pipelineNow })}, opts...)
	return NewBarPipeline(metrics.Nop{}, opts...)
}

func TestNormalize_DropsIncompleteBar(t *testing.T) {
	p := newTestPipeline()
	// 14:30 is still forming at 14:30:30, 14:29 closed at 14:30:00
	res := p.Normalize(domrepo.TF1m, []models.Bar{minuteBar(29, 10), minuteBar(30, 11)})

	require.Len(t, res.Bars, 1)
	assert.Equal(t, minuteBar(29, 0).Timestamp, res.Bars[0].Timestamp)
	assert.Equal(t, 1, res.Dropped[DropIncomplete])
}

func TestNormalize_SortsDedupesAndRounds(t *testing.T) {
	p := newTestPipeline()
	in := []models.Bar{minuteBar(12, 10.005), minuteBar(10, 9.994), minuteBar(12, 99), minuteBar(11, 10.1234)}
	in[0].Volume = 100.6

	res := p.Normalize(domrepo.TF1m, in)

	require.Len(t, res.Bars, 3)
	for i := 1; i < len(res.Bars); i++ {
		assert.True(t, res.Bars[i].Timestamp.After(res.Bars[i-1].Timestamp))
	}
	assert.Equal(t, 9.99, res.Bars[0].Close)
	assert.Equal(t, 10.12, res.Bars[1].Close)
	// first occurrence wins
	assert.Equal(t, 10.01, res.Bars[2].Close)
	assert.Equal(t, 101.0, res.Bars[2].Volume)
	assert.Equal(t, 1, res.Dropped[DropDuplicate])
}

func TestNormalize_Invalid(t *testing.T) {
	p := newTestPipeline()
	tests := []struct {
		name string
		mut  func(*models.Bar)
	}{
		{"zero timestamp", func(b *models.Bar) { b.Timestamp = time.Time{} }},
		{"nan close", func(b *models.Bar) { b.Close = math.NaN() }},
		{"zero open", func(b *models.Bar) { b.Open = 0 }},
		{"negative volume", func(b *models.Bar) { b.Volume = -1 }},
		{"high below low", func(b *models.Bar) { b.High, b.Low = 1, 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := minuteBar(5, 10)
			tt.mut(&b)
			res := p.Normalize(domrepo.TF1m, []models.Bar{b})
			assert.Empty(t, res.Bars)
			assert.Equal(t, 1, res.Dropped[DropInvalid])
		})
	}
}

func TestNormalize_RetentionAndRangeFixup(t *testing.T) {
	p := newTestPipeline(WithRetention(domrepo.RetentionPolicy{domrepo.TF1m: 20 * time.Minute}))
	old := minuteBar(5, 10)
	fresh := minuteBar(20, 10)
	fresh.Open = 10.8 // above the reported high

	res := p.Normalize(domrepo.TF1m, []models.Bar{old, fresh})

	require.Len(t, res.Bars, 1)
	assert.Equal(t, 1, res.Dropped[DropRetention])
	assert.Equal(t, 10.8, res.Bars[0].High)
	assert.Equal(t, 1, res.DroppedTotal())
}

func TestNormalize_Transform(t *testing.T) {
	p := newTestPipeline(WithTransform(func(b models.Bar) models.Bar {
		b.Volume *= 100
		return b
	}))
	res := p.Normalize(domrepo.TF1m, []models.Bar{minuteBar(1, 10)})
	require.Len(t, res.Bars, 1)
	assert.Equal(t, 10000.0, res.Bars[0].Volume)
}
