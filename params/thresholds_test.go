package params

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validThresholds() ThresholdConfig {
	return ThresholdConfig{
		HighTariffKmThreshold:  60,
		LowTariffKmThreshold:   150,
		MinRedeliveryThreshold: 0.5,
		MaxDeliveryThreshold:   0.2,
		EnergyDataSource:       "http://meter.local/energy.json",
	}
}

func TestThresholdConfigValid(t *testing.T) {
	assert.NoError(t, validThresholds().Validate(true))
}

func TestThresholdConfigEqualThresholdsAllowed(t *testing.T) {
	cfg := validThresholds()
	cfg.HighTariffKmThreshold = cfg.LowTariffKmThreshold
	assert.NoError(t, cfg.Validate(true))
}

func TestThresholdConfigOrdering(t *testing.T) {
	cfg := validThresholds()
	cfg.HighTariffKmThreshold = 200

	err := cfg.Validate(true)
	require.Error(t, err)

	var thresholdErr *InvalidThresholdConfigError
	require.True(t, errors.As(err, &thresholdErr))
	assert.Equal(t, "high_tariff_km_threshold", thresholdErr.Field)
}

func TestThresholdConfigNotANumber(t *testing.T) {
	cfg := validThresholds()
	cfg.MaxDeliveryThreshold = math.NaN()
	assert.Error(t, cfg.Validate(true))
}

func TestThresholdConfigNegative(t *testing.T) {
	cfg := validThresholds()
	cfg.MinRedeliveryThreshold = -1
	assert.Error(t, cfg.Validate(true))
}

func TestThresholdConfigSource(t *testing.T) {
	cfg := validThresholds()
	cfg.EnergyDataSource = "not a url"
	assert.Error(t, cfg.Validate(true))
	assert.NoError(t, cfg.Validate(false))
}

func TestThresholdConfigPolicy(t *testing.T) {
	cfg := validThresholds()
	cfg.Policy = "greedy"
	assert.Error(t, cfg.Validate(true))

	cfg.Policy = TwoThresholdPolicy
	assert.NoError(t, cfg.Validate(true))
}

func TestSnapshotUnknownFieldsAreInactive(t *testing.T) {
	var snap *TelemetrySnapshot
	assert.Equal(t, OtherState, snap.State())
	assert.False(t, snap.IsReduced())
	assert.False(t, snap.IsMaximum())

	empty := &TelemetrySnapshot{}
	_, ok := empty.Range()
	assert.False(t, ok)
	assert.False(t, empty.IsCharging())
	assert.False(t, empty.AutoUnlock())
	assert.Equal(t, ClimateOff, empty.Climate())
}

func TestParseChargingState(t *testing.T) {
	assert.Equal(t, Charging, ParseChargingState("charging"))
	assert.Equal(t, ReadyForCharging, ParseChargingState("readyForCharging"))
	assert.Equal(t, OtherState, ParseChargingState("chargePurposeReachedAndConservation"))
}

func TestRoundTemperature(t *testing.T) {
	cases := map[float64]float64{
		21.2:  21.0,
		21.3:  21.5,
		21.75: 22.0,
		10:    MinTargetTemperatureC,
		35:    MaxTargetTemperatureC,
	}
	for in, want := range cases {
		got, err := RoundTemperature(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, "round(%v)", in)
	}
	_, err := RoundTemperature(math.NaN())
	assert.Error(t, err)
	_, err = RoundTemperature(math.Inf(1))
	assert.Error(t, err)
}
