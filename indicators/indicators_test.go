package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/rustyeddy/xautrader/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func createTestBars() []market.Bar {
	return []market.Bar{
		{Open: 100, High: 105, Low: 99, Close: 102},
		{Open: 102, High: 107, Low: 101, Close: 105},
		{Open: 105, High: 108, Low: 104, Close: 106},
		{Open: 106, High: 110, Low: 105, Close: 108},
		{Open: 108, High: 112, Low: 107, Close: 110},
		{Open: 110, High: 113, Low: 109, Close: 111},
		{Open: 111, High: 115, Low: 110, Close: 113},
		{Open: 113, High: 116, Low: 112, Close: 114},
		{Open: 114, High: 118, Low: 113, Close: 116},
		{Open: 116, High: 120, Low: 115, Close: 118},
	}
}

// wave produces n bars of a slow sine around 2000 with a 1.5 wide range.
func wave(n int) []market.Bar {
	bars := make([]market.Bar, n)
	for i := range bars {
		c := 2000 + 15*math.Sin(float64(i)/9)
		bars[i] = market.Bar{
			Time:  baseTime.Add(time.Duration(i) * time.Minute),
			Open:  c - 0.2,
			High:  c + 0.75,
			Low:   c - 0.75,
			Close: c,
		}
	}
	return bars
}

func TestSMAStreaming(t *testing.T) {
	t.Parallel()

	bars := createTestBars()

	t.Run("basic functionality", func(t *testing.T) {
		ma := NewSMA(3)
		assert.Equal(t, "SMA(3)", ma.Name())
		assert.Equal(t, 3, ma.Warmup())
		assert.False(t, ma.Ready())
		assert.Equal(t, 0.0, ma.Value())

		ma.Update(bars[0])
		ma.Update(bars[1])
		assert.False(t, ma.Ready())

		ma.Update(bars[2])
		assert.True(t, ma.Ready())
		assert.InDelta(t, (102.0+105.0+106.0)/3.0, ma.Value(), 1e-9)

		ma.Update(bars[3])
		assert.InDelta(t, (105.0+106.0+108.0)/3.0, ma.Value(), 1e-9)
	})

	t.Run("reset", func(t *testing.T) {
		ma := NewSMA(2)
		ma.Update(bars[0])
		ma.Update(bars[1])
		assert.True(t, ma.Ready())

		ma.Reset()
		assert.False(t, ma.Ready())
		assert.Equal(t, 0.0, ma.Value())
	})

	t.Run("matches batch calculation", func(t *testing.T) {
		ma := NewSMA(5)
		for _, b := range bars {
			ma.Update(b)
		}
		batch, err := SMAOf(bars, 5)
		require.NoError(t, err)
		// Last 5 closes: 111,113,114,116,118 => 572/5 = 114.4
		assert.InDelta(t, 114.4, batch, 1e-9)
		assert.Equal(t, batch, ma.Value())
	})
}

func TestSMAIsBitStable(t *testing.T) {
	t.Parallel()

	// The same trailing window must give the identical float no matter how
	// much history preceded it.
	bars := wave(300)
	long := NewSMA(20)
	for _, b := range bars {
		long.Update(b)
	}
	short := NewSMA(20)
	for _, b := range bars[len(bars)-20:] {
		short.Update(b)
	}
	assert.Equal(t, short.Value(), long.Value())
}

func TestSMAOfErrors(t *testing.T) {
	t.Parallel()

	_, err := SMAOf(createTestBars(), 0)
	assert.Error(t, err)
	_, err = SMAOf(createTestBars(), 50)
	assert.Error(t, err)
}

func TestATR(t *testing.T) {
	t.Parallel()

	bars := createTestBars()

	a := NewATR(3)
	assert.Equal(t, "ATR(3)", a.Name())
	assert.Equal(t, 4, a.Warmup())

	for i := 0; i < 3; i++ {
		a.Update(bars[i])
		assert.False(t, a.Ready(), "bar %d", i)
	}
	a.Update(bars[3])
	require.True(t, a.Ready())

	// bar1: H-L 6, |107-102|=5, |101-102|=1 -> 6
	// bar2: H-L 4, |108-105|=3, |104-105|=1 -> 4
	// bar3: H-L 5, |110-106|=4, |105-106|=1 -> 5
	assert.InDelta(t, (6.0+4.0+5.0)/3.0, a.Value(), 1e-9)

	// bar4: H-L 5, |112-108|=4 -> 5, Wilder: (5*2+5)/3
	a.Update(bars[4])
	assert.InDelta(t, 5.0, a.Value(), 1e-9)

	batch, err := ATROf(bars[:5], 3)
	require.NoError(t, err)
	assert.Equal(t, a.Value(), batch)

	a.Reset()
	assert.False(t, a.Ready())
	assert.Equal(t, 0.0, a.Value())
}

func TestATRUsesGapFromPreviousClose(t *testing.T) {
	t.Parallel()

	a := NewATR(1)
	a.Update(market.Bar{Open: 100, High: 101, Low: 99, Close: 100})
	// gap up: H-L is 1 but the move from the previous close is 10
	a.Update(market.Bar{Open: 109, High: 110, Low: 109, Close: 109.5})
	assert.InDelta(t, 10.0, a.Value(), 1e-9)
}

func TestEngineWarmup(t *testing.T) {
	t.Parallel()

	e, err := NewEngine(20, 50, 14)
	require.NoError(t, err)
	assert.Equal(t, 50, e.Warmup())

	bars := wave(60)
	for i, b := range bars {
		s := e.Update(b)
		if i < 49 {
			assert.False(t, s.Ready, "bar %d should not be ready", i)
			assert.Zero(t, s.Fast)
			continue
		}
		assert.True(t, s.Ready, "bar %d should be ready", i)
		assert.Greater(t, s.ATR, 0.0)
		assert.Equal(t, b.Time, s.Time)
	}

	e.Reset()
	assert.Equal(t, 0, e.Bars())
	assert.False(t, e.Ready())
}

func TestEngineWarmupFollowsATR(t *testing.T) {
	t.Parallel()

	// With a short slow period the ATR warmup dominates.
	e, err := NewEngine(2, 5, 14)
	require.NoError(t, err)
	assert.Equal(t, 15, e.Warmup())
}

func TestEngineMatchesBatch(t *testing.T) {
	t.Parallel()

	bars := wave(120)
	e, err := NewEngine(20, 50, 14)
	require.NoError(t, err)

	var s Sample
	for _, b := range bars {
		s = e.Update(b)
	}

	fast, err := SMAOf(bars, 20)
	require.NoError(t, err)
	slow, err := SMAOf(bars, 50)
	require.NoError(t, err)
	atr, err := ATROf(bars, 14)
	require.NoError(t, err)

	assert.Equal(t, fast, s.Fast)
	assert.Equal(t, slow, s.Slow)
	assert.Equal(t, atr, s.ATR)
}

func TestNewEngineRejectsBadPeriods(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(0, 50, 14)
	assert.Error(t, err)
	_, err = NewEngine(50, 20, 14)
	assert.Error(t, err)
}
