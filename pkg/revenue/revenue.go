package revenue

import (
	"math"
	"sort"
	"time"

	"github.com/gkmanev/BatteryBackend/pkg/types"
)

// Calculator joins a dispatch flow series with a price series on a common
// 1-minute grid and accumulates revenue over it.
//
// Unlike the reconciliation engine, the join forward-fills: revenue accounting
// holds the last committed value until it is superseded instead of looking
// ahead at future rows.
type Calculator struct{}

// NewCalculator creates a new Calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Calculate produces the cumulative revenue series for the given flows and
// prices. When devID is empty the flow is summed across all devices, otherwise
// only that device's rows contribute. The join is limited by price
// availability: minutes without a price are dropped. Empty flow or price
// input, or disjoint time ranges, yield an empty result rather than an error.
func (c *Calculator) Calculate(flows []types.ScheduleEntry, prices []types.PricePoint, devID string) []types.RevenuePoint {
	if len(flows) == 0 || len(prices) == 0 {
		return nil
	}

	flowByMinute := aggregateFlow(flows, devID)
	if len(flowByMinute.minutes) == 0 {
		return nil
	}
	priceByMinute := resamplePrices(prices)

	var out []types.RevenuePoint
	var running float64
	for _, m := range flowByMinute.minutes {
		price, ok := priceByMinute[m]
		if !ok {
			continue
		}
		running += flowByMinute.values[m] * price
		out = append(out, types.RevenuePoint{
			Timestamp: time.Unix(m, 0).UTC(),
			Revenue:   round2(running),
		})
	}
	return out
}

type minuteSeries struct {
	minutes []int64
	values  map[int64]float64
}

// aggregateFlow forward-fills each device's flow onto a 1-minute grid over its
// own span, then sums across the selected devices per minute.
func aggregateFlow(flows []types.ScheduleEntry, devID string) minuteSeries {
	byDevice := make(map[string][]types.ScheduleEntry)
	for _, f := range flows {
		if f.DevID == "" || f.Timestamp.IsZero() {
			continue
		}
		if devID != "" && f.DevID != devID {
			continue
		}
		byDevice[f.DevID] = append(byDevice[f.DevID], f)
	}

	sums := make(map[int64]float64)
	for _, entries := range byDevice {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
		known := make(map[int64]float64, len(entries))
		var minutes []int64
		for _, e := range entries {
			m := e.Timestamp.Truncate(time.Minute).Unix()
			if _, seen := known[m]; !seen {
				minutes = append(minutes, m)
			}
			// last write wins on duplicate minutes
			known[m] = e.FlowMWH
		}
		start, end := minutes[0], minutes[len(minutes)-1]
		next := 0
		last := known[minutes[0]]
		for m := start; m <= end; m += 60 {
			for next < len(minutes) && minutes[next] <= m {
				last = known[minutes[next]]
				next++
			}
			sums[m] += last
		}
	}

	minutes := make([]int64, 0, len(sums))
	for m := range sums {
		minutes = append(minutes, m)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i] < minutes[j] })
	return minuteSeries{minutes: minutes, values: sums}
}

// resamplePrices forward-fills the price curve onto a 1-minute grid covering
// its span.
func resamplePrices(prices []types.PricePoint) map[int64]float64 {
	valid := make([]types.PricePoint, 0, len(prices))
	for _, p := range prices {
		if p.Timestamp.IsZero() || math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
			continue
		}
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return nil
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Timestamp.Before(valid[j].Timestamp) })

	out := make(map[int64]float64)
	start := valid[0].Timestamp.Truncate(time.Minute).Unix()
	end := valid[len(valid)-1].Timestamp.Truncate(time.Minute).Unix()
	next := 0
	last := valid[0].Price
	for m := start; m <= end; m += 60 {
		for next < len(valid) && valid[next].Timestamp.Truncate(time.Minute).Unix() <= m {
			last = valid[next].Price
			next++
		}
		out[m] = last
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
