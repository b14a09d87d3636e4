package indicators

import (
	"fmt"

	"github.com/rustyeddy/xautrader/market"
)

// SMA is a streaming simple moving average of bar closes.
//
// The window sum is recomputed oldest to newest on every update instead of
// being kept as a running total, so the value for a given window never
// depends on how many bars came before it.
type SMA struct {
	period int
	closes []float64
	value  float64
}

func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		closes: make([]float64, 0, period),
	}
}

func (m *SMA) Name() string {
	return fmt.Sprintf("SMA(%d)", m.period)
}

func (m *SMA) Warmup() int {
	return m.period
}

func (m *SMA) Reset() {
	m.closes = m.closes[:0]
	m.value = 0
}

func (m *SMA) Update(b market.Bar) {
	if len(m.closes) == m.period {
		copy(m.closes, m.closes[1:])
		m.closes = m.closes[:m.period-1]
	}
	m.closes = append(m.closes, b.Close)
	if m.Ready() {
		m.value = mean(m.closes)
	}
}

func (m *SMA) Ready() bool {
	return m.period > 0 && len(m.closes) >= m.period
}

func (m *SMA) Value() float64 {
	if !m.Ready() {
		return 0
	}
	return m.value
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// SMAOf calculates the simple moving average of the last period closes.
func SMAOf(bars []market.Bar, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(bars) < period {
		return 0, fmt.Errorf("not enough bars: need %d, got %d", period, len(bars))
	}

	closes := make([]float64, 0, period)
	for _, b := range bars[len(bars)-period:] {
		closes = append(closes, b.Close)
	}
	return mean(closes), nil
}
