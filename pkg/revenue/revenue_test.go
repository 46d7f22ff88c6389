package revenue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkmanev/BatteryBackend/pkg/types"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func quarterFlows(devID string, values []float64) []types.ScheduleEntry {
	flows := make([]types.ScheduleEntry, len(values))
	for i, v := range values {
		flows[i] = types.ScheduleEntry{DevID: devID, Timestamp: t0.Add(time.Duration(i) * 15 * time.Minute), FlowMWH: v}
	}
	return flows
}

func TestCalculateCumulative(t *testing.T) {
	calc := NewCalculator()

	// Flow is forward-filled per minute; price holds at 10 across the span.
	flows := quarterFlows("battA", []float64{2, 2, 2, 2, 2})
	prices := []types.PricePoint{
		{Timestamp: t0, Price: 10},
		{Timestamp: t0.Add(time.Hour), Price: 10},
	}

	out := calc.Calculate(flows, prices, "battA")
	require.Len(t, out, 61)

	// Cumulative and monotone: 2 MWh * 10 EUR per minute on the grid.
	for i, p := range out {
		assert.Equal(t, t0.Add(time.Duration(i)*time.Minute), p.Timestamp, "minute %d", i)
		assert.InDelta(t, 20.0*float64(i+1), p.Revenue, 1e-9, "minute %d", i)
	}
}

func TestCalculateForwardFill(t *testing.T) {
	calc := NewCalculator()

	// Flow changes at minute 30; minutes 15..29 keep the minute-15 value
	// rather than taking the upcoming one.
	flows := []types.ScheduleEntry{
		{DevID: "battA", Timestamp: t0, FlowMWH: 1},
		{DevID: "battA", Timestamp: t0.Add(15 * time.Minute), FlowMWH: 3},
		{DevID: "battA", Timestamp: t0.Add(30 * time.Minute), FlowMWH: 5},
	}
	prices := []types.PricePoint{
		{Timestamp: t0, Price: 1},
		{Timestamp: t0.Add(30 * time.Minute), Price: 1},
	}

	out := calc.Calculate(flows, prices, "battA")
	require.Len(t, out, 31)

	// 15 minutes at 1, 15 minutes at 3, the last minute at 5.
	assert.InDelta(t, 15.0, out[14].Revenue, 1e-9)
	assert.InDelta(t, 15.0+15*3, out[29].Revenue, 1e-9)
	assert.InDelta(t, 15.0+15*3+5, out[30].Revenue, 1e-9)
}

func TestCalculateJoinLimitedByPrices(t *testing.T) {
	calc := NewCalculator()

	// Prices only cover the first half hour; later flow minutes are dropped.
	flows := quarterFlows("battA", []float64{2, 2, 2, 2, 2})
	prices := []types.PricePoint{
		{Timestamp: t0, Price: 10},
		{Timestamp: t0.Add(30 * time.Minute), Price: 10},
	}

	out := calc.Calculate(flows, prices, "battA")
	require.Len(t, out, 31)
	assert.Equal(t, t0.Add(30*time.Minute), out[len(out)-1].Timestamp)
}

func TestCalculateZeroFlow(t *testing.T) {
	calc := NewCalculator()

	flows := quarterFlows("battA", []float64{0, 0, 0})
	prices := []types.PricePoint{
		{Timestamp: t0, Price: 55},
		{Timestamp: t0.Add(30 * time.Minute), Price: 80},
	}

	out := calc.Calculate(flows, prices, "battA")
	require.Len(t, out, 31)
	for i, p := range out {
		assert.Zero(t, p.Revenue, "minute %d", i)
	}
}

func TestCalculateFleetSumsDevices(t *testing.T) {
	calc := NewCalculator()

	flows := append(
		quarterFlows("battA", []float64{2, 2}),
		quarterFlows("battB", []float64{3, 3})...,
	)
	prices := []types.PricePoint{
		{Timestamp: t0, Price: 10},
		{Timestamp: t0.Add(15 * time.Minute), Price: 10},
	}

	fleet := calc.Calculate(flows, prices, "")
	require.Len(t, fleet, 16)
	assert.InDelta(t, 50.0, fleet[0].Revenue, 1e-9) // (2+3) * 10

	single := calc.Calculate(flows, prices, "battA")
	require.Len(t, single, 16)
	assert.InDelta(t, 20.0, single[0].Revenue, 1e-9)
}

func TestCalculateEmptyInputs(t *testing.T) {
	calc := NewCalculator()

	prices := []types.PricePoint{{Timestamp: t0, Price: 10}}
	flows := quarterFlows("battA", []float64{1})

	assert.Empty(t, calc.Calculate(nil, prices, ""))
	assert.Empty(t, calc.Calculate(flows, nil, ""))
	assert.Empty(t, calc.Calculate(flows, prices, "unknown-device"))
}

func TestCalculateDisjointRanges(t *testing.T) {
	calc := NewCalculator()

	flows := quarterFlows("battA", []float64{1, 1})
	prices := []types.PricePoint{
		{Timestamp: t0.Add(24 * time.Hour), Price: 10},
		{Timestamp: t0.Add(25 * time.Hour), Price: 10},
	}

	assert.Empty(t, calc.Calculate(flows, prices, "battA"))
}

func TestCalculateRounding(t *testing.T) {
	calc := NewCalculator()

	flows := []types.ScheduleEntry{{DevID: "battA", Timestamp: t0, FlowMWH: 1.0 / 3.0}}
	prices := []types.PricePoint{{Timestamp: t0, Price: 1}}

	out := calc.Calculate(flows, prices, "battA")
	require.Len(t, out, 1)
	assert.Equal(t, 0.33, out[0].Revenue)
}
