// Package decision holds the smart charging rules. Decide is a pure function
// of its input: it performs no I/O and returns the commands that would move
// the vehicle towards the desired charging state.
package decision

import (
	"fmt"
	"math"

	"ev-smartcharge/params"
)

type Branch string

const (
	BranchHighTariff   Branch = "below-high-tariff-threshold"
	BranchSolarTarget  Branch = "below-solar-target"
	BranchExport       Branch = "export-surplus"
	BranchImport       Branch = "import-surplus"
	BranchNone         Branch = "none"
	BranchUnknownRange Branch = "unknown-range"
)

type Input struct {
	Snapshot   *params.TelemetrySnapshot
	Thresholds params.ThresholdConfig
	// Signal is nil when the grid signal could not be fetched.
	Signal *params.GridSignal
	// Month is the calendar month, 1 to 12.
	Month int
}

type Decision struct {
	Commands []params.ChargeCommand
	Branch   Branch
	Reason   string
}

func (d Decision) IsNoOp() bool {
	return len(d.Commands) == 0
}

// SeasonalFraction is 1 in June and 0 in December, following a cosine over
// the year.
func SeasonalFraction(month int) float64 {
	radians := (2 * math.Pi / 12) * float64(month-6)
	return (1 + math.Cos(radians)) / 2
}

// FullRangeEstimate extrapolates the range at the configured target SOC.
func FullRangeEstimate(rangeKm, currentSOC, targetSOC float64) float64 {
	return rangeKm / currentSOC * targetSOC
}

// TargetSolarRange blends the low tariff threshold towards the full range
// estimate by the seasonal fraction of month.
func TargetSolarRange(lowTariffKm, fullRange float64, month int) float64 {
	return lowTariffKm + (fullRange-lowTariffKm)*SeasonalFraction(month)
}

// NeedsSignal reports whether evaluating snap requires a fresh grid signal.
// It is false when the outcome is already settled without one.
func NeedsSignal(snap *params.TelemetrySnapshot, thresholds params.ThresholdConfig) bool {
	rng, ok := snap.Range()
	if !ok {
		return false
	}
	return rng >= thresholds.HighTariffKmThreshold
}

// chargeAtMaximum returns the commands that get the vehicle charging at
// maximum current, skipping anything already in effect.
func chargeAtMaximum(snap *params.TelemetrySnapshot) []params.ChargeCommand {
	var cmds []params.ChargeCommand
	if snap.IsReduced() {
		cmds = append(cmds, params.SetCurrentTo(params.MaximumCurrent))
	}
	if snap.IsReadyForCharging() {
		cmds = append(cmds, params.StartCommand())
	}
	return cmds
}

// solarTarget returns the range below which charging on low tariff is
// wanted, and false if it can not be computed from snap.
func solarTarget(in Input) (float64, bool) {
	lowKm := in.Thresholds.LowTariffKmThreshold
	if in.Thresholds.Policy == params.TwoThresholdPolicy {
		return lowKm, true
	}

	rng, _ := in.Snapshot.Range()
	current, ok := in.Snapshot.CurrentSOC()
	if !ok || current <= 0 {
		return 0, false
	}
	target, ok := in.Snapshot.TargetSOC()
	if !ok {
		return 0, false
	}
	return TargetSolarRange(lowKm, FullRangeEstimate(rng, current, target), in.Month), true
}

// Decide evaluates the charging rules in order of precedence. The first rule
// that matches determines the outcome.
func Decide(in Input) Decision {
	snap := in.Snapshot
	th := in.Thresholds

	rng, ok := snap.Range()
	if !ok {
		return Decision{Branch: BranchUnknownRange, Reason: "cruising range unknown"}
	}

	if rng < th.HighTariffKmThreshold {
		return Decision{
			Commands: chargeAtMaximum(snap),
			Branch:   BranchHighTariff,
			Reason:   fmt.Sprintf("range %.0f km below high tariff threshold %.0f km", rng, th.HighTariffKmThreshold),
		}
	}

	if in.Signal == nil {
		return Decision{Branch: BranchNone, Reason: "grid signal unavailable"}
	}
	sig := *in.Signal

	if target, ok := solarTarget(in); ok && rng < target && sig.LowTariffActive {
		return Decision{
			Commands: chargeAtMaximum(snap),
			Branch:   BranchSolarTarget,
			Reason:   fmt.Sprintf("range %.0f km below solar target %.0f km on low tariff", rng, target),
		}
	}

	if sig.MinAvgPowerKw < -th.MinRedeliveryThreshold {
		d := Decision{
			Branch: BranchExport,
			Reason: fmt.Sprintf("exporting %.2f kW, above %.2f kW", -sig.MinAvgPowerKw, th.MinRedeliveryThreshold),
		}
		switch {
		case snap.IsCharging() && snap.IsReduced():
			d.Commands = []params.ChargeCommand{params.SetCurrentTo(params.MaximumCurrent)}
		case snap.IsReadyForCharging():
			d.Commands = []params.ChargeCommand{params.StartCommand()}
		}
		return d
	}

	if sig.MinAvgPowerKw > th.MaxDeliveryThreshold {
		d := Decision{
			Branch: BranchImport,
			Reason: fmt.Sprintf("importing %.2f kW, above %.2f kW", sig.MinAvgPowerKw, th.MaxDeliveryThreshold),
		}
		if snap.IsCharging() {
			switch {
			case snap.IsMaximum():
				d.Commands = []params.ChargeCommand{params.SetCurrentTo(params.ReducedCurrent)}
			case snap.IsReduced():
				d.Commands = []params.ChargeCommand{params.StopCommand()}
			}
		}
		return d
	}

	return Decision{
		Branch: BranchNone,
		Reason: fmt.Sprintf("range %.0f km, grid %.2f kW within thresholds", rng, sig.MinAvgPowerKw),
	}
}
