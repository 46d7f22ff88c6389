package reconcile

import (
	"math"
	"sort"
	"time"

	"github.com/gkmanev/BatteryBackend/pkg/types"
)

// Kind classifies a numeric field for resampling. State fields describe a
// level at an instant and are linearly interpolated between known points.
// Rate fields describe the interval ending at their timestamp, so gaps before
// a known value are back-filled with it.
type Kind int

const (
	State Kind = iota
	Rate
)

// scheduleFlowDivisor converts a 15-minute block energy into the per-minute
// rate the 1-minute output grid carries.
const scheduleFlowDivisor = 15.0

// Field names used by the generic resampler.
const (
	fieldSoC           = "soc"
	fieldFlow          = "flow"
	fieldInvertor      = "invertor"
	fieldStateOfCharge = "state_of_charge"
	fieldFlowLastMin   = "flow_last_min"
	fieldInvertorPower = "invertor_power"
)

// Engine turns sparse per-device schedule or telemetry rows into a dense,
// gap-free 1-minute series. Each device is resampled over its own [min, max]
// timestamp span; the merged output is sorted by timestamp, then device ID.
// All numeric output is rounded to 2 decimal places and never null: anything
// still undefined after filling becomes 0.
type Engine struct{}

// NewEngine creates a new Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Schedule resamples day-ahead schedule rows to a 1-minute grid. SoC is
// interpolated, power is back-filled, and flow is back-filled then divided by
// 15 because a schedule flow value is the energy of the 15-minute block ending
// at its timestamp.
func (e *Engine) Schedule(entries []types.ScheduleEntry) []types.ScheduleEntry {
	rows := e.resample(scheduleSamples(entries), scheduleSchema())
	out := make([]types.ScheduleEntry, len(rows))
	for i, r := range rows {
		out[i] = types.ScheduleEntry{
			DevID:     r.devID,
			Timestamp: r.ts,
			PowerMW:   r.values[fieldInvertor],
			FlowMWH:   r.values[fieldFlow],
			SoCMWH:    r.values[fieldSoC],
		}
	}
	return out
}

// CumulativeSchedule resamples schedule rows per device, then sums every
// numeric field across devices per minute, dropping the per-device breakdown.
func (e *Engine) CumulativeSchedule(entries []types.ScheduleEntry) []types.CumulativeScheduleRow {
	rows := e.cumulative(e.resample(scheduleSamples(entries), scheduleSchema()))
	out := make([]types.CumulativeScheduleRow, len(rows))
	for i, r := range rows {
		out[i] = types.CumulativeScheduleRow{
			DevID:             r.devID,
			Timestamp:         r.ts,
			CumulativePowerMW: r.values[fieldInvertor],
			CumulativeFlowMWH: r.values[fieldFlow],
			CumulativeSoCMWH:  r.values[fieldSoC],
		}
	}
	return out
}

// LiveStatus resamples live telemetry rows to a 1-minute grid. State of
// charge is interpolated; the flow and invertor readings are rates and are
// back-filled.
func (e *Engine) LiveStatus(entries []types.LiveStatusEntry) []types.LiveStatusEntry {
	rows := e.resample(liveSamples(entries), liveSchema())
	out := make([]types.LiveStatusEntry, len(rows))
	for i, r := range rows {
		out[i] = types.LiveStatusEntry{
			DevID:         r.devID,
			Timestamp:     r.ts,
			StateOfCharge: r.values[fieldStateOfCharge],
			FlowLastMin:   r.values[fieldFlowLastMin],
			InvertorPower: r.values[fieldInvertorPower],
		}
	}
	return out
}

// CumulativeLiveStatus resamples live telemetry per device and aggregates it
// across the fleet per minute.
func (e *Engine) CumulativeLiveStatus(entries []types.LiveStatusEntry) []types.CumulativeLiveRow {
	rows := e.cumulative(e.resample(liveSamples(entries), liveSchema()))
	out := make([]types.CumulativeLiveRow, len(rows))
	for i, r := range rows {
		out[i] = types.CumulativeLiveRow{
			DevID:                   r.devID,
			Timestamp:               r.ts,
			CumulativeStateOfCharge: r.values[fieldStateOfCharge],
			CumulativeFlowLastMin:   r.values[fieldFlowLastMin],
			CumulativeInvertorPower: r.values[fieldInvertorPower],
		}
	}
	return out
}

// AverageLiveStatus coarsens raw telemetry into per-device averages over the
// given bucket, hourly for month-scale windows and daily for year-scale ones.
// Each field is averaged over the rows present in the bucket and rounded to 2
// decimal places; buckets with no rows are not emitted.
func (e *Engine) AverageLiveStatus(entries []types.LiveStatusEntry, bucket time.Duration) []types.LiveStatusEntry {
	rows := bucketAverage(liveSamples(entries), liveSchema(), bucket)
	out := make([]types.LiveStatusEntry, len(rows))
	for i, r := range rows {
		out[i] = types.LiveStatusEntry{
			DevID:         r.devID,
			Timestamp:     r.ts,
			StateOfCharge: r.values[fieldStateOfCharge],
			FlowLastMin:   r.values[fieldFlowLastMin],
			InvertorPower: r.values[fieldInvertorPower],
		}
	}
	return out
}

// CumulativeAverageLiveStatus sums the per-device bucket averages across the
// fleet per bucket.
func (e *Engine) CumulativeAverageLiveStatus(entries []types.LiveStatusEntry, bucket time.Duration) []types.CumulativeLiveRow {
	rows := e.cumulative(bucketAverage(liveSamples(entries), liveSchema(), bucket))
	out := make([]types.CumulativeLiveRow, len(rows))
	for i, r := range rows {
		out[i] = types.CumulativeLiveRow{
			DevID:                   r.devID,
			Timestamp:               r.ts,
			CumulativeStateOfCharge: r.values[fieldStateOfCharge],
			CumulativeFlowLastMin:   r.values[fieldFlowLastMin],
			CumulativeInvertorPower: r.values[fieldInvertorPower],
		}
	}
	return out
}

type sample struct {
	devID  string
	ts     time.Time
	values map[string]float64
}

type row struct {
	devID  string
	ts     time.Time
	values map[string]float64
}

type fieldSpec struct {
	name string
	kind Kind
	// divisor is applied after filling; 1 means unchanged.
	divisor float64
}

func scheduleSchema() []fieldSpec {
	return []fieldSpec{
		{name: fieldSoC, kind: State, divisor: 1},
		{name: fieldFlow, kind: Rate, divisor: scheduleFlowDivisor},
		{name: fieldInvertor, kind: Rate, divisor: 1},
	}
}

func liveSchema() []fieldSpec {
	return []fieldSpec{
		{name: fieldStateOfCharge, kind: State, divisor: 1},
		{name: fieldFlowLastMin, kind: Rate, divisor: 1},
		{name: fieldInvertorPower, kind: Rate, divisor: 1},
	}
}

func scheduleSamples(entries []types.ScheduleEntry) []sample {
	samples := make([]sample, 0, len(entries))
	for _, s := range entries {
		samples = append(samples, sample{
			devID: s.DevID,
			ts:    s.Timestamp,
			values: map[string]float64{
				fieldSoC:      s.SoCMWH,
				fieldFlow:     s.FlowMWH,
				fieldInvertor: s.PowerMW,
			},
		})
	}
	return samples
}

func liveSamples(entries []types.LiveStatusEntry) []sample {
	samples := make([]sample, 0, len(entries))
	for _, s := range entries {
		samples = append(samples, sample{
			devID: s.DevID,
			ts:    s.Timestamp,
			values: map[string]float64{
				fieldStateOfCharge: s.StateOfCharge,
				fieldFlowLastMin:   s.FlowLastMin,
				fieldInvertorPower: s.InvertorPower,
			},
		})
	}
	return samples
}

// resample reindexes every device's samples onto a uniform 1-minute grid
// covering that device's own [min, max] timestamp and fills the gaps
// according to the field kinds.
func (e *Engine) resample(samples []sample, schema []fieldSpec) []row {
	byDevice := make(map[string][]sample)
	for _, s := range samples {
		if s.devID == "" || s.ts.IsZero() {
			continue
		}
		byDevice[s.devID] = append(byDevice[s.devID], s)
	}

	devIDs := make([]string, 0, len(byDevice))
	for id := range byDevice {
		devIDs = append(devIDs, id)
	}
	sort.Strings(devIDs)

	var out []row
	for _, devID := range devIDs {
		out = append(out, resampleDevice(devID, byDevice[devID], schema)...)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ts.Equal(out[j].ts) {
			return out[i].ts.Before(out[j].ts)
		}
		return out[i].devID < out[j].devID
	})
	return out
}

func resampleDevice(devID string, samples []sample, schema []fieldSpec) []row {
	// Snap to minutes; on duplicate minutes the last sample wins.
	known := make(map[string][]point, len(schema))
	byMinute := make(map[int64]map[string]float64)
	for _, s := range samples {
		minute := s.ts.Truncate(time.Minute).Unix()
		if byMinute[minute] == nil {
			byMinute[minute] = make(map[string]float64, len(schema))
		}
		for _, f := range schema {
			if v, ok := s.values[f.name]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
				byMinute[minute][f.name] = v
			}
		}
	}
	if len(byMinute) == 0 {
		return nil
	}

	minutes := make([]int64, 0, len(byMinute))
	for m := range byMinute {
		minutes = append(minutes, m)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i] < minutes[j] })

	for _, m := range minutes {
		for _, f := range schema {
			if v, ok := byMinute[m][f.name]; ok {
				known[f.name] = append(known[f.name], point{minute: m, value: v})
			}
		}
	}

	start, end := minutes[0], minutes[len(minutes)-1]
	count := int((end-start)/60) + 1
	rows := make([]row, count)
	for i := range rows {
		rows[i] = row{
			devID:  devID,
			ts:     time.Unix(start+int64(i)*60, 0).UTC(),
			values: make(map[string]float64, len(schema)),
		}
	}

	for _, f := range schema {
		var filled []float64
		switch f.kind {
		case State:
			filled = interpolate(known[f.name], start, count)
		case Rate:
			filled = backfill(known[f.name], start, count)
		}
		for i := range rows {
			v := filled[i]
			if math.IsNaN(v) {
				// Outside any known range: normalized to 0 so consumers
				// never observe a null.
				v = 0
			}
			rows[i].values[f.name] = round2(v / f.divisor)
		}
	}
	return rows
}

// bucketAverage truncates each sample's timestamp to the bucket and averages
// every field per (device, bucket). Fields missing or non-finite on a row are
// left out of that field's average, mirroring how the resampler treats them.
func bucketAverage(samples []sample, schema []fieldSpec, bucket time.Duration) []row {
	type bucketKey struct {
		devID  string
		minute int64
	}
	type acc struct {
		sum   map[string]float64
		count map[string]int
	}
	accs := make(map[bucketKey]*acc)
	for _, s := range samples {
		if s.devID == "" || s.ts.IsZero() {
			continue
		}
		k := bucketKey{devID: s.devID, minute: s.ts.Truncate(bucket).Unix()}
		a, ok := accs[k]
		if !ok {
			a = &acc{
				sum:   make(map[string]float64, len(schema)),
				count: make(map[string]int, len(schema)),
			}
			accs[k] = a
		}
		for _, f := range schema {
			if v, ok := s.values[f.name]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
				a.sum[f.name] += v
				a.count[f.name]++
			}
		}
	}

	out := make([]row, 0, len(accs))
	for k, a := range accs {
		r := row{
			devID:  k.devID,
			ts:     time.Unix(k.minute, 0).UTC(),
			values: make(map[string]float64, len(schema)),
		}
		for _, f := range schema {
			if n := a.count[f.name]; n > 0 {
				r.values[f.name] = round2(a.sum[f.name] / float64(n))
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ts.Equal(out[j].ts) {
			return out[i].ts.Before(out[j].ts)
		}
		return out[i].devID < out[j].devID
	})
	return out
}

type point struct {
	minute int64
	value  float64
}

// interpolate fills minutes between consecutive known points linearly and
// never extrapolates beyond the known range.
func interpolate(points []point, start int64, count int) []float64 {
	filled := nanSlice(count)
	if len(points) == 0 {
		return filled
	}
	for _, p := range points {
		filled[int((p.minute-start)/60)] = p.value
	}
	for k := 0; k+1 < len(points); k++ {
		a, b := points[k], points[k+1]
		span := float64(b.minute - a.minute)
		for m := a.minute + 60; m < b.minute; m += 60 {
			frac := float64(m-a.minute) / span
			filled[int((m-start)/60)] = a.value + (b.value-a.value)*frac
		}
	}
	return filled
}

// backfill fills each gap with the next known value: a rate recorded at a
// timestamp describes the interval ending there, so it is projected backward
// onto the gap preceding it. Minutes after the last known value stay
// undefined.
func backfill(points []point, start int64, count int) []float64 {
	filled := nanSlice(count)
	if len(points) == 0 {
		return filled
	}
	next := 0
	for i := 0; i < count; i++ {
		minute := start + int64(i)*60
		for next < len(points) && points[next].minute < minute {
			next++
		}
		if next < len(points) {
			filled[i] = points[next].value
		}
	}
	return filled
}

func nanSlice(count int) []float64 {
	s := make([]float64, count)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

// cumulative groups per-device rows by timestamp and sums every numeric
// field, discarding the per-device breakdown.
func (e *Engine) cumulative(rows []row) []row {
	byMinute := make(map[int64]*row)
	var order []int64
	for _, r := range rows {
		m := r.ts.Unix()
		agg, ok := byMinute[m]
		if !ok {
			agg = &row{devID: "all", ts: r.ts, values: make(map[string]float64, len(r.values))}
			byMinute[m] = agg
			order = append(order, m)
		}
		for name, v := range r.values {
			agg.values[name] = round2(agg.values[name] + v)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]row, 0, len(order))
	for _, m := range order {
		out = append(out, *byMinute[m])
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
