package types

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BatteryParameters describes the physical and contractual limits of a single
// grid-connected battery. Energy fields are MWh, power fields are MW.
type BatteryParameters struct {
	CapacityMWH         float64 `json:"capacityMWH" yaml:"capacityMWH"`
	MaxChargeMW         float64 `json:"maxChargeMW" yaml:"maxChargeMW"`
	MaxDischargeMW      float64 `json:"maxDischargeMW" yaml:"maxDischargeMW"`
	ChargeEfficiency    float64 `json:"chargeEfficiency" yaml:"chargeEfficiency"`
	DischargeEfficiency float64 `json:"dischargeEfficiency" yaml:"dischargeEfficiency"`
	InitialSoCMWH       float64 `json:"initialSoCMWH" yaml:"initialSoCMWH"`
	MinSoCMWH           float64 `json:"minSoCMWH" yaml:"minSoCMWH"`
	MaxCyclesPerDay     int     `json:"maxCyclesPerDay" yaml:"maxCyclesPerDay"`
	// AccessCostPerMWH is charged symmetrically on every MWh bought or sold.
	AccessCostPerMWH float64 `json:"accessCostPerMWH" yaml:"accessCostPerMWH"`
}

// DefaultParameters returns the built-in battery configuration: 100 MWh with a
// 4-hour duration rating, unity round-trip efficiency, 2 cycles per day, no
// grid access cost and no SoC floor.
func DefaultParameters() BatteryParameters {
	const capacityMWH = 100.0
	const durationHours = 4.0
	return BatteryParameters{
		CapacityMWH:         capacityMWH,
		MaxChargeMW:         capacityMWH / durationHours,
		MaxDischargeMW:      capacityMWH / durationHours,
		ChargeEfficiency:    1.0,
		DischargeEfficiency: 1.0,
		InitialSoCMWH:       0,
		MinSoCMWH:           0,
		MaxCyclesPerDay:     2,
		AccessCostPerMWH:    0,
	}
}

// Validate checks the physical invariants of the parameter set.
func (p BatteryParameters) Validate() error {
	if p.CapacityMWH <= 0 {
		return fmt.Errorf("capacity must be positive, got %v", p.CapacityMWH)
	}
	if p.MaxChargeMW <= 0 || p.MaxDischargeMW <= 0 {
		return fmt.Errorf("charge/discharge rate must be positive, got %v/%v", p.MaxChargeMW, p.MaxDischargeMW)
	}
	if p.MinSoCMWH < 0 || p.MinSoCMWH > p.CapacityMWH {
		return fmt.Errorf("min SoC %v outside [0, %v]", p.MinSoCMWH, p.CapacityMWH)
	}
	if p.InitialSoCMWH < p.MinSoCMWH || p.InitialSoCMWH > p.CapacityMWH {
		return fmt.Errorf("initial SoC %v outside [%v, %v]", p.InitialSoCMWH, p.MinSoCMWH, p.CapacityMWH)
	}
	if p.ChargeEfficiency <= 0 || p.ChargeEfficiency > 1 || p.DischargeEfficiency <= 0 || p.DischargeEfficiency > 1 {
		return fmt.Errorf("efficiencies must be in (0, 1], got %v/%v", p.ChargeEfficiency, p.DischargeEfficiency)
	}
	if p.MaxCyclesPerDay < 0 {
		return fmt.Errorf("max cycles per day must be non-negative, got %d", p.MaxCyclesPerDay)
	}
	return nil
}

// Presets maps a preset name to a parameter set. Variant configurations are
// named presets rather than code forks.
type Presets map[string]BatteryParameters

// LoadPresets reads named parameter presets from a YAML file. The returned map
// always contains a "default" entry; the file may override it.
func LoadPresets(path string) (Presets, error) {
	presets := Presets{"default": DefaultParameters()}
	if path == "" {
		return presets, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read presets file %s: %w", path, err)
	}
	var fromFile map[string]BatteryParameters
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		return nil, fmt.Errorf("failed to parse presets file %s: %w", path, err)
	}
	for name, p := range fromFile {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid preset %q: %w", name, err)
		}
		presets[name] = p
	}
	return presets, nil
}
