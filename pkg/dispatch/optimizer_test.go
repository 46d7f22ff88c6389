package dispatch

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkmanev/BatteryBackend/pkg/types"
)

func hourlyPrices(start time.Time, values []float64) []types.PricePoint {
	prices := make([]types.PricePoint, len(values))
	for i, v := range values {
		prices[i] = types.PricePoint{Timestamp: start.Add(time.Duration(i) * time.Hour), Price: v, Currency: "EUR"}
	}
	return prices
}

// countCycleStarts counts discharge intervals that do not directly follow
// another discharge interval.
func countCycleStarts(entries []types.ScheduleEntry) int {
	starts := 0
	for i, e := range entries {
		if e.FlowMWH < 0 && (i == 0 || entries[i-1].FlowMWH >= 0) {
			starts++
		}
	}
	return starts
}

func TestSolveArbitrage(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// 24 hourly prices alternating low and high.
	values := make([]float64, 24)
	for i := range values {
		if i%2 == 0 {
			values[i] = 10
		} else {
			values[i] = 90
		}
	}
	prices := hourlyPrices(start, values)

	params := types.DefaultParameters() // 100 MWh, 25 MW, 2 cycles/day

	entries, err := opt.Solve(ctx, "batt1", prices, params)
	require.NoError(t, err)
	require.Len(t, entries, 24)

	var revenue float64
	for i, e := range entries {
		// SoC stays within the usable range.
		assert.GreaterOrEqual(t, e.SoCMWH, params.MinSoCMWH, "interval %d", i)
		assert.LessOrEqual(t, e.SoCMWH, params.CapacityMWH, "interval %d", i)

		// Rate limits hold for the net flow.
		assert.LessOrEqual(t, e.FlowMWH, params.MaxChargeMW+1e-9, "interval %d", i)
		assert.GreaterOrEqual(t, e.FlowMWH, -params.MaxDischargeMW-1e-9, "interval %d", i)

		// Charging only happens at the low price, discharging only at the high.
		if e.FlowMWH > 0 {
			assert.Equal(t, 10.0, values[i], "charged during high-price hour %d", i)
		}
		if e.FlowMWH < 0 {
			assert.Equal(t, 90.0, values[i], "discharged during low-price hour %d", i)
		}

		revenue += -e.FlowMWH * values[i]
	}

	assert.Positive(t, revenue, "arbitrage over an alternating curve must be profitable")
	assert.LessOrEqual(t, countCycleStarts(entries), 2, "cycle cap exceeded")
}

func TestSolveFlowSoCConsistency(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	prices := hourlyPrices(start, []float64{5, 5, 5, 120, 120, 5, 5, 120})

	params := types.DefaultParameters()
	params.InitialSoCMWH = 10

	entries, err := opt.Solve(ctx, "batt1", prices, params)
	require.NoError(t, err)

	soc := params.InitialSoCMWH
	for i, e := range entries {
		soc += e.FlowMWH
		assert.InDelta(t, soc, e.SoCMWH, 1e-6, "interval %d", i)
		// Power is the interval energy expressed as MW over the hour.
		assert.InDelta(t, e.FlowMWH, e.PowerMW, 1e-6, "interval %d", i)
	}
}

func TestSolveDeterministic(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	values := []float64{40, 40, 40, 40, 90, 10, 90, 10, 55, 55, 55, 55}
	prices := hourlyPrices(start, values)
	params := types.DefaultParameters()

	first, err := opt.Solve(ctx, "batt1", prices, params)
	require.NoError(t, err)
	second, err := opt.Solve(ctx, "batt1", prices, params)
	require.NoError(t, err)

	assert.Equal(t, first, second, "identical inputs must yield an identical schedule")
}

func TestSolveNoPrices(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()

	_, err := opt.Solve(ctx, "batt1", nil, types.DefaultParameters())
	require.ErrorIs(t, err, ErrNoPrices)

	// Rows that are all malformed behave the same as no rows.
	bad := []types.PricePoint{{Timestamp: time.Time{}, Price: 50}}
	_, err = opt.Solve(ctx, "batt1", bad, types.DefaultParameters())
	require.ErrorIs(t, err, ErrNoPrices)
}

func TestSolveSkipsMalformedRows(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	prices := hourlyPrices(start, []float64{10, 90, 10, 90})
	bad := types.PricePoint{} // zero timestamp
	mixed := append([]types.PricePoint{bad}, prices...)

	entries, err := opt.Solve(ctx, "batt1", mixed, types.DefaultParameters())
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestSolveBridgesPriceGaps(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// A malformed row in the middle of an hourly curve is skipped; the rows
	// around the hole still dispatch as consecutive intervals instead of
	// failing the whole horizon.
	prices := hourlyPrices(start, []float64{10, 90, math.NaN(), 10, 90})

	entries, err := opt.Solve(ctx, "batt1", prices, types.DefaultParameters())
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var revenue float64
	kept := []float64{10, 90, 10, 90}
	for i, e := range entries {
		if e.FlowMWH > 0 {
			assert.Equal(t, 10.0, kept[i], "charged during high-price interval %d", i)
		}
		if e.FlowMWH < 0 {
			assert.Equal(t, 90.0, kept[i], "discharged during low-price interval %d", i)
		}
		revenue += -e.FlowMWH * kept[i]
	}
	assert.Positive(t, revenue)
}

func TestSolveIrregularSeries(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// A 25 minute row inside an hourly curve is a mixed-resolution feed, not a
	// gap from a dropped row.
	prices := []types.PricePoint{
		{Timestamp: start, Price: 10},
		{Timestamp: start.Add(time.Hour), Price: 90},
		{Timestamp: start.Add(time.Hour + 25*time.Minute), Price: 10},
	}
	_, err := opt.Solve(ctx, "batt1", prices, types.DefaultParameters())
	require.ErrorIs(t, err, ErrIrregularSeries)

	// Duplicate timestamps fail the same way.
	dup := []types.PricePoint{
		{Timestamp: start, Price: 10},
		{Timestamp: start, Price: 90},
	}
	_, err = opt.Solve(ctx, "batt1", dup, types.DefaultParameters())
	require.ErrorIs(t, err, ErrIrregularSeries)
}

func TestSolveQuarterHourResolution(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// 8 quarter-hour intervals: cheap then expensive.
	var prices []types.PricePoint
	for i := 0; i < 8; i++ {
		price := 10.0
		if i >= 4 {
			price = 200.0
		}
		prices = append(prices, types.PricePoint{Timestamp: start.Add(time.Duration(i) * 15 * time.Minute), Price: price})
	}

	params := types.DefaultParameters()
	entries, err := opt.Solve(ctx, "batt1", prices, params)
	require.NoError(t, err)
	require.Len(t, entries, 8)

	for i, e := range entries {
		// Per-step energy is limited by the rate over 15 minutes.
		assert.LessOrEqual(t, e.FlowMWH, params.MaxChargeMW*0.25+1e-9, "interval %d", i)
		assert.GreaterOrEqual(t, e.FlowMWH, -params.MaxDischargeMW*0.25-1e-9, "interval %d", i)
	}

	var revenue float64
	for i, e := range entries {
		revenue += -e.FlowMWH * prices[i].Price
	}
	assert.Positive(t, revenue)
}

func TestSolveCycleCapZero(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	params := types.DefaultParameters()
	params.MaxCyclesPerDay = 0

	entries, err := opt.Solve(ctx, "batt1", hourlyPrices(start, []float64{10, 90, 10, 90}), params)
	require.NoError(t, err)
	for i, e := range entries {
		assert.GreaterOrEqual(t, e.FlowMWH, 0.0, "interval %d discharged despite a zero cycle cap", i)
	}
}

func TestSolveDischargeResumesThroughIdle(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Two high-price hours around a worthless one, a single cycle allowed and
	// enough stored energy for both. Pausing between the two discharges must
	// not burn a second cycle start.
	params := types.DefaultParameters()
	params.InitialSoCMWH = 50
	params.MaxCyclesPerDay = 1

	entries, err := opt.Solve(ctx, "batt1", hourlyPrices(start, []float64{90, 1, 90}), params)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.InDelta(t, -25.0, entries[0].FlowMWH, 1e-6)
	assert.Zero(t, entries[1].FlowMWH)
	assert.InDelta(t, -25.0, entries[2].FlowMWH, 1e-6)
	assert.InDelta(t, 0.0, entries[2].SoCMWH, 1e-6)
}

func TestSolveHighCycleCap(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	values := make([]float64, 24)
	for i := range values {
		if i%2 == 0 {
			values[i] = 10
		} else {
			values[i] = 90
		}
	}

	// A cap far beyond what the horizon can use must not corrupt the solve.
	params := types.DefaultParameters()
	params.MaxCyclesPerDay = 200

	entries, err := opt.Solve(ctx, "batt1", hourlyPrices(start, values), params)
	require.NoError(t, err)
	require.Len(t, entries, 24)

	var revenue float64
	for i, e := range entries {
		if e.FlowMWH > 0 {
			assert.Equal(t, 10.0, values[i], "charged during high-price hour %d", i)
		}
		if e.FlowMWH < 0 {
			assert.Equal(t, 90.0, values[i], "discharged during low-price hour %d", i)
		}
		revenue += -e.FlowMWH * values[i]
	}
	assert.Positive(t, revenue)
}

func TestSolveAccessCostSuppressesThinArbitrage(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// A 4 EUR/MWh spread cannot pay two crossings of a 10 EUR/MWh access fee.
	params := types.DefaultParameters()
	params.AccessCostPerMWH = 10

	entries, err := opt.Solve(ctx, "batt1", hourlyPrices(start, []float64{48, 52, 48, 52}), params)
	require.NoError(t, err)
	for i, e := range entries {
		assert.Zero(t, e.FlowMWH, "interval %d traded at a loss", i)
	}
}

func TestSolveInvalidParameters(t *testing.T) {
	ctx := context.Background()
	opt := NewOptimizer()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	params := types.DefaultParameters()
	params.MinSoCMWH = 200 // above capacity

	_, err := opt.Solve(ctx, "batt1", hourlyPrices(start, []float64{10, 90}), params)
	require.Error(t, err)
}
