package risk

import (
	"errors"
	"testing"

	"github.com/rustyeddy/xautrader/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeLong(t *testing.T) {
	t.Parallel()

	got, err := Size(DefaultParams(), Inputs{Equity: 10000, ATR: 5, Entry: 2300, Direction: market.Long})
	require.NoError(t, err)

	assert.Equal(t, 10.0, got.StopDistance)
	assert.Equal(t, 200.0, got.RiskAmount)
	assert.Equal(t, 0.2, got.Lots)
	assert.Equal(t, 2290.0, got.StopLoss)
	assert.Equal(t, 2315.0, got.TakeProfit)
	assert.False(t, got.Capped)
}

func TestSizeShortMirrorsBrackets(t *testing.T) {
	t.Parallel()

	got, err := Size(DefaultParams(), Inputs{Equity: 10000, ATR: 5, Entry: 2300, Direction: market.Short})
	require.NoError(t, err)
	assert.Equal(t, 2310.0, got.StopLoss)
	assert.Equal(t, 2285.0, got.TakeProfit)
}

func TestSizeFloorsToLotStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		atr  float64
		want float64
	}{
		{"third of a lot", 3, 0.33},
		{"exact", 1, 1.0},
		{"just under a step", 3.3445, 0.29},
		{"minimum", 99, 0.01},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Size(DefaultParams(), Inputs{Equity: 10000, ATR: tt.atr, Entry: 2000, Direction: market.Long})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Lots)

			// never risk more than the budget at the stop
			planned := PlannedRiskUSD(got.Lots, 100, 2000, got.StopLoss)
			assert.LessOrEqual(t, planned, got.RiskAmount+1e-9)
		})
	}
}

func TestSizeRejectsBelowMinimum(t *testing.T) {
	t.Parallel()

	_, err := Size(DefaultParams(), Inputs{Equity: 10000, ATR: 150, Entry: 2000, Direction: market.Long})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSizingRejected))
}

func TestSizeCapsAtMaxLot(t *testing.T) {
	t.Parallel()

	got, err := Size(DefaultParams(), Inputs{Equity: 10_000_000, ATR: 1, Entry: 2000, Direction: market.Long})
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.Lots)
	assert.True(t, got.Capped)
}

func TestSizeInvalidInputs(t *testing.T) {
	t.Parallel()

	p := DefaultParams()
	_, err := Size(p, Inputs{Equity: 0, ATR: 1, Entry: 2000, Direction: market.Long})
	assert.Error(t, err)
	_, err = Size(p, Inputs{Equity: 1000, ATR: 1, Entry: 2000, Direction: market.Flat})
	assert.Error(t, err)

	p.LotStep = 0
	_, err = Size(p, Inputs{Equity: 1000, ATR: 1, Entry: 2000, Direction: market.Long})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrSizingRejected))
}

func TestQuantizeLots(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.12, QuantizeLots(0.129999, 0.01))
	assert.Equal(t, 1.5, QuantizeLots(1.55, 0.5))
	assert.Equal(t, 0.3, QuantizeLots(0.3, 0.01))
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	intent := TradeIntent{Lots: 0.2, ContractSize: 100, Entry: 2300, Stop: 2290, TakeProfit: 2315}
	acct := AccountSnapshot{Balance: 10000, Equity: 10000}

	d := Evaluate(DefaultPolicy(), intent, acct, PnLSnapshot{})
	assert.True(t, d.Allowed, d.String())
	assert.InDelta(t, 200.0, d.PlannedRiskUSD, 1e-9)
	assert.InDelta(t, 0.02, d.PlannedRiskPct, 1e-12)
	assert.InDelta(t, 1.5, d.PlannedRR, 1e-12)

	tooBig := intent
	tooBig.Lots = 0.5
	d = Evaluate(DefaultPolicy(), tooBig, acct, PnLSnapshot{})
	assert.False(t, d.Allowed)
	assert.Equal(t, "RISK_TOO_HIGH", d.Violations[0].Code)

	d = Evaluate(DefaultPolicy(), intent, AccountSnapshot{Balance: 10000, Equity: 10000, OpenPositions: 1}, PnLSnapshot{})
	assert.False(t, d.Allowed)
	assert.Equal(t, "TOO_MANY_OPEN_POSITIONS", d.Violations[0].Code)

	p := DefaultPolicy()
	p.MaxDailyLossPct = 0.03
	d = Evaluate(p, intent, acct, PnLSnapshot{DayRealized: -350})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.String(), "DAILY_LOSS_LIMIT")

	d = Evaluate(DefaultPolicy(), TradeIntent{Lots: 1, Entry: 2300}, acct, PnLSnapshot{})
	assert.False(t, d.Allowed)
	assert.Equal(t, "NO_BRACKETS", d.Violations[0].Code)
}

func TestRR(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.5, RR(100, 98, 103), 1e-12)
	assert.Equal(t, 0.0, RR(100, 100, 103))
}
