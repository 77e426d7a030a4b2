package decision

import (
	"testing"

	"ev-smartcharge/params"

	"github.com/stretchr/testify/assert"
)

func thresholds() params.ThresholdConfig {
	return params.ThresholdConfig{
		HighTariffKmThreshold:  50,
		LowTariffKmThreshold:   100,
		MinRedeliveryThreshold: 1,
		MaxDeliveryThreshold:   0.5,
		Policy:                 params.SeasonalPolicy,
	}
}

func snapshot(rng float64, state params.ChargingState, current params.ChargeCurrent) *params.TelemetrySnapshot {
	return &params.TelemetrySnapshot{
		CruisingRangeKm:   params.Float(rng),
		CurrentSOCPercent: params.Float(50),
		TargetSOCPercent:  params.Float(80),
		ChargingState:     params.State(state),
		MaxChargeCurrent:  params.Current(current),
	}
}

var (
	setMax     = params.SetCurrentTo(params.MaximumCurrent)
	setReduced = params.SetCurrentTo(params.ReducedCurrent)
	start      = params.StartCommand()
	stop       = params.StopCommand()
)

func TestSeasonalFraction(t *testing.T) {
	assert.InDelta(t, 1.0, SeasonalFraction(6), 1e-9)
	assert.InDelta(t, 0.0, SeasonalFraction(0), 1e-9)
	assert.InDelta(t, 0.0, SeasonalFraction(12), 1e-9)
	assert.InDelta(t, 0.5, SeasonalFraction(3), 1e-9)
	assert.InDelta(t, 0.5, SeasonalFraction(9), 1e-9)

	for offset := 1; offset <= 6; offset++ {
		assert.InDelta(t, SeasonalFraction(6-offset), SeasonalFraction(6+offset), 1e-9, "offset %d", offset)
	}
}

func TestTargetSolarRangeExample(t *testing.T) {
	full := FullRangeEstimate(150, 40, 80)
	assert.InDelta(t, 300.0, full, 1e-9)
	assert.InDelta(t, 300.0, TargetSolarRange(100, full, 6), 1e-9)
	// in winter the target falls back to the low tariff threshold
	assert.InDelta(t, 100.0, TargetSolarRange(100, full, 12), 1e-9)
}

func TestBelowHighTariffThreshold(t *testing.T) {
	cases := []struct {
		name    string
		state   params.ChargingState
		current params.ChargeCurrent
		want    []params.ChargeCommand
	}{
		{"ready at reduced", params.ReadyForCharging, params.ReducedCurrent, []params.ChargeCommand{setMax, start}},
		{"ready at maximum", params.ReadyForCharging, params.MaximumCurrent, []params.ChargeCommand{start}},
		{"charging at reduced", params.Charging, params.ReducedCurrent, []params.ChargeCommand{setMax}},
		{"charging at maximum", params.Charging, params.MaximumCurrent, nil},
		{"unplugged at maximum", params.OtherState, params.MaximumCurrent, nil},
	}

	signals := []*params.GridSignal{
		nil,
		{MinAvgPowerKw: 5, LowTariffActive: false},
		{MinAvgPowerKw: -5, LowTariffActive: true},
	}

	for _, tc := range cases {
		for _, sig := range signals {
			snap := snapshot(30, tc.state, tc.current)
			got := Decide(Input{Snapshot: snap, Thresholds: thresholds(), Signal: sig, Month: 6})
			assert.Equal(t, BranchHighTariff, got.Branch, tc.name)
			assert.Equal(t, tc.want, got.Commands, tc.name)
			assert.False(t, NeedsSignal(snap, thresholds()), tc.name)
		}
	}
}

func TestBelowSolarTargetOnLowTariff(t *testing.T) {
	snap := &params.TelemetrySnapshot{
		CruisingRangeKm:   params.Float(150),
		CurrentSOCPercent: params.Float(40),
		TargetSOCPercent:  params.Float(80),
		ChargingState:     params.State(params.ReadyForCharging),
		MaxChargeCurrent:  params.Current(params.ReducedCurrent),
	}
	a := assert.New(t)
	a.True(NeedsSignal(snap, thresholds()))

	got := Decide(Input{
		Snapshot:   snap,
		Thresholds: thresholds(),
		Signal:     &params.GridSignal{MinAvgPowerKw: 2, LowTariffActive: true},
		Month:      6,
	})
	a.Equal(BranchSolarTarget, got.Branch)
	a.Equal([]params.ChargeCommand{setMax, start}, got.Commands)

	// high tariff: falls through to the import rule, not charging so nothing to do
	got = Decide(Input{
		Snapshot:   snap,
		Thresholds: thresholds(),
		Signal:     &params.GridSignal{MinAvgPowerKw: 2, LowTariffActive: false},
		Month:      6,
	})
	a.Equal(BranchImport, got.Branch)
	a.True(got.IsNoOp())

	// in December the target is the low tariff threshold, 150 km is above it
	got = Decide(Input{
		Snapshot:   snap,
		Thresholds: thresholds(),
		Signal:     &params.GridSignal{MinAvgPowerKw: 0, LowTariffActive: true},
		Month:      12,
	})
	a.Equal(BranchNone, got.Branch)
}

func TestTwoThresholdPolicy(t *testing.T) {
	th := thresholds()
	th.Policy = params.TwoThresholdPolicy

	snap := snapshot(90, params.ReadyForCharging, params.MaximumCurrent)
	snap.CurrentSOCPercent = nil

	got := Decide(Input{Snapshot: snap, Thresholds: th, Signal: &params.GridSignal{LowTariffActive: true}, Month: 1})
	assert.Equal(t, BranchSolarTarget, got.Branch)
	assert.Equal(t, []params.ChargeCommand{start}, got.Commands)

	snap = snapshot(120, params.ReadyForCharging, params.MaximumCurrent)
	got = Decide(Input{Snapshot: snap, Thresholds: th, Signal: &params.GridSignal{LowTariffActive: true}, Month: 6})
	assert.Equal(t, BranchNone, got.Branch)
}

func TestExportSurplus(t *testing.T) {
	th := thresholds()
	sig := &params.GridSignal{MinAvgPowerKw: -(th.MinRedeliveryThreshold + 1)}

	cases := []struct {
		name    string
		state   params.ChargingState
		current params.ChargeCurrent
		want    []params.ChargeCommand
	}{
		{"charging at reduced", params.Charging, params.ReducedCurrent, []params.ChargeCommand{setMax}},
		{"charging at maximum", params.Charging, params.MaximumCurrent, nil},
		{"ready at maximum", params.ReadyForCharging, params.MaximumCurrent, []params.ChargeCommand{start}},
		{"ready at reduced", params.ReadyForCharging, params.ReducedCurrent, []params.ChargeCommand{start}},
		{"not plugged in", params.OtherState, params.ReducedCurrent, nil},
	}
	for _, tc := range cases {
		got := Decide(Input{Snapshot: snapshot(400, tc.state, tc.current), Thresholds: th, Signal: sig, Month: 6})
		assert.Equal(t, BranchExport, got.Branch, tc.name)
		assert.Equal(t, tc.want, got.Commands, tc.name)
		assert.NotContains(t, got.Commands, stop, tc.name)
	}
}

func TestImportSurplusThrottlesThenStops(t *testing.T) {
	th := thresholds()
	sig := &params.GridSignal{MinAvgPowerKw: th.MaxDeliveryThreshold + 1}

	first := Decide(Input{Snapshot: snapshot(400, params.Charging, params.MaximumCurrent), Thresholds: th, Signal: sig, Month: 6})
	assert.Equal(t, BranchImport, first.Branch)
	assert.Equal(t, []params.ChargeCommand{setReduced}, first.Commands)

	second := Decide(Input{Snapshot: snapshot(400, params.Charging, params.ReducedCurrent), Thresholds: th, Signal: sig, Month: 6})
	assert.Equal(t, []params.ChargeCommand{stop}, second.Commands)

	idle := Decide(Input{Snapshot: snapshot(400, params.ReadyForCharging, params.ReducedCurrent), Thresholds: th, Signal: sig, Month: 6})
	assert.True(t, idle.IsNoOp())
}

func TestUnreachableSignalAboveThresholds(t *testing.T) {
	got := Decide(Input{Snapshot: snapshot(400, params.ReadyForCharging, params.ReducedCurrent), Thresholds: thresholds(), Month: 6})
	assert.True(t, got.IsNoOp())
	assert.Equal(t, BranchNone, got.Branch)
}

func TestWithinThresholds(t *testing.T) {
	sig := &params.GridSignal{MinAvgPowerKw: 0.2}
	got := Decide(Input{Snapshot: snapshot(400, params.Charging, params.MaximumCurrent), Thresholds: thresholds(), Signal: sig, Month: 6})
	assert.True(t, got.IsNoOp())
	assert.Equal(t, BranchNone, got.Branch)
}

func TestUnknownFieldsNeverAct(t *testing.T) {
	// nothing known at all
	got := Decide(Input{Snapshot: &params.TelemetrySnapshot{}, Thresholds: thresholds(), Month: 6})
	assert.True(t, got.IsNoOp())
	assert.Equal(t, BranchUnknownRange, got.Branch)
	assert.False(t, NeedsSignal(&params.TelemetrySnapshot{}, thresholds()))

	// nil snapshot
	got = Decide(Input{Thresholds: thresholds(), Month: 6})
	assert.True(t, got.IsNoOp())

	// range known, charging state and current unknown
	snap := &params.TelemetrySnapshot{CruisingRangeKm: params.Float(10)}
	got = Decide(Input{Snapshot: snap, Thresholds: thresholds(), Month: 6})
	assert.Equal(t, BranchHighTariff, got.Branch)
	assert.True(t, got.IsNoOp())

	// charging with unknown current under import surplus: do not guess
	snap = &params.TelemetrySnapshot{
		CruisingRangeKm: params.Float(400),
		ChargingState:   params.State(params.Charging),
	}
	got = Decide(Input{Snapshot: snap, Thresholds: thresholds(), Signal: &params.GridSignal{MinAvgPowerKw: 3}, Month: 6})
	assert.True(t, got.IsNoOp())

	// SOC unknown skips the solar target rule
	snap = &params.TelemetrySnapshot{
		CruisingRangeKm:  params.Float(60),
		ChargingState:    params.State(params.ReadyForCharging),
		MaxChargeCurrent: params.Current(params.MaximumCurrent),
	}
	got = Decide(Input{Snapshot: snap, Thresholds: thresholds(), Signal: &params.GridSignal{LowTariffActive: true}, Month: 6})
	assert.Equal(t, BranchNone, got.Branch)
}
