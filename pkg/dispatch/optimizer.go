package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/gkmanev/BatteryBackend/pkg/log"
	"github.com/gkmanev/BatteryBackend/pkg/types"
)

var (
	// ErrNoPrices is returned when the horizon has no usable price rows.
	// Callers should treat it as "no data yet", not as a failure.
	ErrNoPrices = errors.New("no price data for horizon")
	// ErrInfeasible is returned when no schedule satisfies the battery
	// constraints. It indicates a configuration bug and is fatal to the run.
	ErrInfeasible = errors.New("dispatch model is infeasible")
	// ErrIrregularSeries is returned when the price rows are not evenly spaced.
	ErrIrregularSeries = errors.New("price series is not at a fixed resolution")
)

// socSteps is the resolution of the state-of-charge grid the solver searches
// over. The usable SoC range is split into this many equal steps.
const socSteps = 400

// Optimizer computes a profit-maximizing charge/discharge schedule for one
// battery against a day-ahead price curve. Each solve is self-contained and
// deterministic: identical prices and parameters produce an identical schedule.
type Optimizer struct{}

// NewOptimizer creates a new Optimizer.
func NewOptimizer() *Optimizer {
	return &Optimizer{}
}

// Solve maximizes net revenue over the given price horizon subject to the
// battery's capacity, rate, SoC floor and daily-cycle constraints.
//
// Per interval the battery may buy energy from the market (charging) or sell
// energy to the market (discharging), never both. Every MWh traded pays the
// grid access cost on top of (or out of) the market price. A discharge begun
// while the battery was not already discharging counts as a cycle start; the
// discharging state survives idle intervals and is only cleared by charging,
// so a paused discharge resumes without a fresh start. Starts are capped at
// MaxCyclesPerDay per each started 24h of horizon.
//
// The returned entries carry, per interval: net power in MW (positive =
// charging), net energy flow in MWh and the state of charge at interval end.
func (o *Optimizer) Solve(ctx context.Context, devID string, prices []types.PricePoint, params types.BatteryParameters) ([]types.ScheduleEntry, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid battery parameters: %w", err)
	}

	curve, skipped := cleanPrices(prices)
	if skipped > 0 {
		log.Ctx(ctx).WarnContext(ctx, "skipped malformed price rows",
			slog.String("devId", devID),
			slog.Int("skipped", skipped))
	}
	if len(curve) == 0 {
		return nil, ErrNoPrices
	}

	interval, err := seriesInterval(curve)
	if err != nil {
		return nil, err
	}

	sol, err := solveGrid(curve, interval, params)
	if err != nil {
		return nil, err
	}

	entries := make([]types.ScheduleEntry, len(curve))
	dtHours := interval.Hours()
	for i, p := range curve {
		flow := sol.chargeMWH[i] - sol.dischargeMWH[i]
		entries[i] = types.ScheduleEntry{
			DevID:     devID,
			Timestamp: p.Timestamp,
			PowerMW:   flow / dtHours,
			FlowMWH:   flow,
			SoCMWH:    sol.socMWH[i],
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "dispatch schedule solved",
		slog.String("devId", devID),
		slog.Int("intervals", len(entries)),
		slog.Float64("revenue", sol.revenue),
		slog.Int("cycleStarts", sol.cycleStarts))
	return entries, nil
}

// cleanPrices drops rows with non-finite prices and returns the remainder
// sorted by timestamp. Upstream feeds are unreliable, so a bad row is skipped
// rather than failing the whole horizon.
func cleanPrices(prices []types.PricePoint) ([]types.PricePoint, int) {
	curve := make([]types.PricePoint, 0, len(prices))
	skipped := 0
	for _, p := range prices {
		if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Timestamp.IsZero() {
			skipped++
			continue
		}
		curve = append(curve, p)
	}
	sort.Slice(curve, func(i, j int) bool { return curve[i].Timestamp.Before(curve[j].Timestamp) })
	return curve, skipped
}

// seriesInterval returns the base resolution of the price curve: the smallest
// spacing between consecutive rows. Skipped malformed rows leave gaps that are
// whole multiples of the base; the surviving rows still dispatch as
// consecutive intervals. Spacings that are not multiples of the base mean the
// feed mixed resolutions, which fails the horizon. A single-row horizon
// defaults to 15 minutes, the resolution the day-ahead feed delivers.
func seriesInterval(curve []types.PricePoint) (time.Duration, error) {
	if len(curve) < 2 {
		return 15 * time.Minute, nil
	}
	var base time.Duration
	for i := 1; i < len(curve); i++ {
		d := curve[i].Timestamp.Sub(curve[i-1].Timestamp)
		if d <= 0 {
			return 0, fmt.Errorf("%w: duplicate timestamp at %s", ErrIrregularSeries, curve[i].Timestamp.Format(time.RFC3339))
		}
		if base == 0 || d < base {
			base = d
		}
	}
	for i := 1; i < len(curve); i++ {
		if d := curve[i].Timestamp.Sub(curve[i-1].Timestamp); d%base != 0 {
			return 0, fmt.Errorf("%w: mixed spacings %s and %s", ErrIrregularSeries, base, d)
		}
	}
	return base, nil
}

type solution struct {
	chargeMWH    []float64
	dischargeMWH []float64
	socMWH       []float64
	revenue      float64
	cycleStarts  int
}

// dpState is one cell of the value table: best profit reaching this state and
// the decision that got here.
type dpState struct {
	profit     float64
	prevSoC    int32
	prevCycles int32
	prevDisch  bool
	deltaSteps int32
	reached    bool
}

// solveGrid runs a dynamic program over (interval, SoC level, discharging
// flag, cycle starts used). Because the objective is linear, optimal dispatch
// sits on the rate or SoC bounds, which the integer SoC grid captures; the
// grid also makes the solve exactly reproducible.
func solveGrid(curve []types.PricePoint, interval time.Duration, params types.BatteryParameters) (*solution, error) {
	n := len(curve)
	dtHours := interval.Hours()

	horizonHours := float64(n) * dtHours
	numDays := int(math.Ceil(horizonHours / 24.0))
	if numDays < 1 {
		numDays = 1
	}
	maxStarts := params.MaxCyclesPerDay * numDays
	// A start needs a discharge interval, so more starts than intervals is
	// unreachable state.
	if maxStarts > n {
		maxStarts = n
	}

	socRange := params.CapacityMWH - params.MinSoCMWH
	socStepMWH := socRange / socSteps

	maxBuyMWH := params.MaxChargeMW * dtHours
	maxDischargeMWH := params.MaxDischargeMW * dtHours

	// Decision granularity: SoC grid steps gained or lost in one interval.
	maxUpSteps := int(math.Floor(maxBuyMWH*params.ChargeEfficiency/socStepMWH + 1e-9))
	maxDownSteps := int(math.Floor(maxDischargeMWH/socStepMWH + 1e-9))

	initIdx := int(math.Round((params.InitialSoCMWH - params.MinSoCMWH) / socStepMWH))
	if initIdx < 0 || initIdx > socSteps {
		return nil, fmt.Errorf("%w: initial SoC %v outside usable range", ErrInfeasible, params.InitialSoCMWH)
	}

	// dp[t][socIdx][discharging][cycles]
	type layer [][2][]dpState
	newLayer := func() layer {
		l := make(layer, socSteps+1)
		for s := range l {
			for d := 0; d < 2; d++ {
				l[s][d] = make([]dpState, maxStarts+1)
			}
		}
		return l
	}

	prev := newLayer()
	prev[initIdx][0][0] = dpState{profit: 0, reached: true}

	trace := make([]layer, n)

	for t := 0; t < n; t++ {
		price := curve[t].Price
		next := newLayer()

		for socIdx := 0; socIdx <= socSteps; socIdx++ {
			for d := 0; d < 2; d++ {
				for c := 0; c <= maxStarts; c++ {
					cur := prev[socIdx][d][c]
					if !cur.reached {
						continue
					}
					wasDischarging := d == 1

					// Enumerate decisions in a fixed order so that equal-profit
					// ties always resolve the same way: deepest discharge first,
					// idle in the middle, fullest charge last with strictly
					// greater profit required to displace an earlier choice.
					for delta := -maxDownSteps; delta <= maxUpSteps; delta++ {
						newIdx := socIdx + delta
						if newIdx < 0 || newIdx > socSteps {
							continue
						}

						var profit float64
						newDisch := 0
						newCycles := c
						switch {
						case delta > 0:
							buyMWH := float64(delta) * socStepMWH / params.ChargeEfficiency
							if buyMWH > maxBuyMWH+1e-9 {
								continue
							}
							profit = -buyMWH * (price + params.AccessCostPerMWH)
						case delta < 0:
							dischargeMWH := float64(-delta) * socStepMWH
							if dischargeMWH > maxDischargeMWH+1e-9 {
								continue
							}
							if !wasDischarging {
								newCycles = c + 1
								if newCycles > maxStarts {
									continue
								}
							}
							newDisch = 1
							sellMWH := dischargeMWH * params.DischargeEfficiency
							profit = sellMWH * (price - params.AccessCostPerMWH)
						default:
							// The discharging flag persists through idle, so
							// pausing a discharge and resuming it counts one
							// cycle start, not two.
							if wasDischarging {
								newDisch = 1
							}
						}

						total := cur.profit + profit
						dst := &next[newIdx][newDisch][newCycles]
						if !dst.reached || total > dst.profit {
							*dst = dpState{
								profit:     total,
								prevSoC:    int32(socIdx),
								prevCycles: int32(c),
								prevDisch:  wasDischarging,
								deltaSteps: int32(delta),
								reached:    true,
							}
						}
					}
				}
			}
		}
		trace[t] = next
		prev = next
	}

	// Pick the best terminal state; scan order keeps ties deterministic.
	bestProfit := math.Inf(-1)
	var bestSoC, bestDisch, bestCycles int
	found := false
	for socIdx := 0; socIdx <= socSteps; socIdx++ {
		for d := 0; d < 2; d++ {
			for c := 0; c <= maxStarts; c++ {
				st := prev[socIdx][d][c]
				if st.reached && st.profit > bestProfit {
					bestProfit = st.profit
					bestSoC, bestDisch, bestCycles = socIdx, d, c
					found = true
				}
			}
		}
	}
	if !found {
		return nil, ErrInfeasible
	}

	sol := &solution{
		chargeMWH:    make([]float64, n),
		dischargeMWH: make([]float64, n),
		socMWH:       make([]float64, n),
		revenue:      bestProfit,
	}

	socIdx, d, c := bestSoC, bestDisch, bestCycles
	for t := n - 1; t >= 0; t-- {
		st := trace[t][socIdx][d][c]
		sol.socMWH[t] = params.MinSoCMWH + float64(socIdx)*socStepMWH
		if st.deltaSteps > 0 {
			sol.chargeMWH[t] = float64(st.deltaSteps) * socStepMWH
		} else if st.deltaSteps < 0 {
			sol.dischargeMWH[t] = float64(-st.deltaSteps) * socStepMWH
			if !st.prevDisch {
				sol.cycleStarts++
			}
		}
		socIdx = int(st.prevSoC)
		if st.prevDisch {
			d = 1
		} else {
			d = 0
		}
		c = int(st.prevCycles)
	}

	return sol, nil
}
