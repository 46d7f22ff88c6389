package types

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParameters(t *testing.T) {
	p := DefaultParameters()
	require.NoError(t, p.Validate())
	assert.Equal(t, 100.0, p.CapacityMWH)
	assert.Equal(t, 25.0, p.MaxChargeMW) // 4-hour duration rating
	assert.Equal(t, 25.0, p.MaxDischargeMW)
	assert.Equal(t, 2, p.MaxCyclesPerDay)
	assert.Zero(t, p.AccessCostPerMWH)
	assert.Zero(t, p.MinSoCMWH)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BatteryParameters)
	}{
		{"zero capacity", func(p *BatteryParameters) { p.CapacityMWH = 0 }},
		{"negative charge rate", func(p *BatteryParameters) { p.MaxChargeMW = -1 }},
		{"floor above capacity", func(p *BatteryParameters) { p.MinSoCMWH = 101 }},
		{"initial below floor", func(p *BatteryParameters) { p.MinSoCMWH = 10; p.InitialSoCMWH = 5 }},
		{"initial above capacity", func(p *BatteryParameters) { p.InitialSoCMWH = 200 }},
		{"efficiency above one", func(p *BatteryParameters) { p.ChargeEfficiency = 1.2 }},
		{"zero efficiency", func(p *BatteryParameters) { p.DischargeEfficiency = 0 }},
		{"negative cycle cap", func(p *BatteryParameters) { p.MaxCyclesPerDay = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParameters()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestLoadPresets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
two-hour:
  capacityMWH: 50
  maxChargeMW: 25
  maxDischargeMW: 25
  chargeEfficiency: 0.95
  dischargeEfficiency: 0.95
  maxCyclesPerDay: 1
  accessCostPerMWH: 2.5
`), 0o600))

	presets, err := LoadPresets(path)
	require.NoError(t, err)

	require.Contains(t, presets, "default")
	require.Contains(t, presets, "two-hour")
	assert.Equal(t, 50.0, presets["two-hour"].CapacityMWH)
	assert.Equal(t, 2.5, presets["two-hour"].AccessCostPerMWH)
}

func TestLoadPresetsNoFile(t *testing.T) {
	presets, err := LoadPresets("")
	require.NoError(t, err)
	assert.Equal(t, Presets{"default": DefaultParameters()}, presets)
}

func TestLoadPresetsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broken:
  capacityMWH: -1
`), 0o600))

	_, err := LoadPresets(path)
	require.Error(t, err)

	_, err = LoadPresets(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
