package types

import "time"

// ScheduleEntry is one interval of a solved day-ahead dispatch schedule.
// Unique on (DevID, Timestamp). PowerMW is signed: positive means the battery
// is charging, negative discharging. FlowMWH is the energy moved during the
// interval ending at Timestamp and SoCMWH the state of charge at interval end.
type ScheduleEntry struct {
	DevID     string    `json:"devId"`
	Timestamp time.Time `json:"timestamp"`
	PowerMW   float64   `json:"invertor"`
	FlowMWH   float64   `json:"flow"`
	SoCMWH    float64   `json:"soc"`
}

// CumulativeScheduleRow is a fleet-wide aggregate of reconciled schedule rows
// at one minute, summed across devices.
type CumulativeScheduleRow struct {
	DevID             string    `json:"devId"`
	Timestamp         time.Time `json:"timestamp"`
	CumulativePowerMW float64   `json:"cumulative_invertor"`
	CumulativeFlowMWH float64   `json:"cumulative_flow"`
	CumulativeSoCMWH  float64   `json:"cumulative_soc"`
}

// LiveStatusEntry is one observed telemetry row at minute-class resolution.
// It shares the reconciliation rules with ScheduleEntry but originates from
// the live plant feed rather than the optimizer.
type LiveStatusEntry struct {
	DevID         string    `json:"devId"`
	Timestamp     time.Time `json:"timestamp"`
	StateOfCharge float64   `json:"state_of_charge"`
	FlowLastMin   float64   `json:"flow_last_min"`
	InvertorPower float64   `json:"invertor_power"`
}

// CumulativeLiveRow is a fleet-wide aggregate of reconciled live telemetry at
// one minute, summed across devices.
type CumulativeLiveRow struct {
	DevID                   string    `json:"devId"`
	Timestamp               time.Time `json:"timestamp"`
	CumulativeStateOfCharge float64   `json:"cumulative_state_of_charge"`
	CumulativeFlowLastMin   float64   `json:"cumulative_flow_last_min"`
	CumulativeInvertorPower float64   `json:"cumulative_invertor_power"`
}
