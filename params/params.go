package params

type ChargingState string

const (
	Charging         ChargingState = "charging"
	ReadyForCharging ChargingState = "readyForCharging"
	OtherState       ChargingState = "other"
)

// ParseChargingState maps the raw state reported by the vehicle onto the
// states the controller cares about. Anything unrecognized is OtherState.
func ParseChargingState(raw string) ChargingState {
	switch ChargingState(raw) {
	case Charging, ReadyForCharging:
		return ChargingState(raw)
	default:
		return OtherState
	}
}

type ChargeCurrent string

const (
	ReducedCurrent ChargeCurrent = "reduced"
	MaximumCurrent ChargeCurrent = "maximum"
)

type ClimateState string

const (
	ClimateHeating ClimateState = "heating"
	ClimateCooling ClimateState = "cooling"
	ClimateOff     ClimateState = "off"
)

type Position struct {
	Lat float64
	Lon float64
}

// TelemetrySnapshot is the last known state of the vehicle. A nil field means
// the value was not reported (vehicle asleep or unreachable). Snapshots are
// never mutated after they are handed to the telemetry store.
type TelemetrySnapshot struct {
	CruisingRangeKm   *float64
	CurrentSOCPercent *float64
	TargetSOCPercent  *float64
	ChargingState     *ChargingState
	MaxChargeCurrent  *ChargeCurrent
	AutoUnlockPlug    *bool

	ClimateState       *ClimateState
	TargetTemperatureC *float64
	ClimateAtUnlock    *bool
	WindowHeating      *bool
	ZoneFrontLeft      *bool
	ZoneFrontRight     *bool

	// Parking is nil while the vehicle is moving or the position is unknown.
	Parking *Position
}

// Range returns the cruising range and whether it is known.
func (t *TelemetrySnapshot) Range() (float64, bool) {
	if t == nil || t.CruisingRangeKm == nil {
		return 0, false
	}
	return *t.CruisingRangeKm, true
}

func (t *TelemetrySnapshot) CurrentSOC() (float64, bool) {
	if t == nil || t.CurrentSOCPercent == nil {
		return 0, false
	}
	return *t.CurrentSOCPercent, true
}

func (t *TelemetrySnapshot) TargetSOC() (float64, bool) {
	if t == nil || t.TargetSOCPercent == nil {
		return 0, false
	}
	return *t.TargetSOCPercent, true
}

// State returns the charging state, OtherState when unknown.
func (t *TelemetrySnapshot) State() ChargingState {
	if t == nil || t.ChargingState == nil {
		return OtherState
	}
	return *t.ChargingState
}

func (t *TelemetrySnapshot) IsCharging() bool {
	return t.State() == Charging
}

func (t *TelemetrySnapshot) IsReadyForCharging() bool {
	return t.State() == ReadyForCharging
}

// Current returns the configured charge current and whether it is known.
func (t *TelemetrySnapshot) Current() (ChargeCurrent, bool) {
	if t == nil || t.MaxChargeCurrent == nil {
		return "", false
	}
	return *t.MaxChargeCurrent, true
}

// IsReduced is false when the current setting is unknown.
func (t *TelemetrySnapshot) IsReduced() bool {
	cur, ok := t.Current()
	return ok && cur == ReducedCurrent
}

func (t *TelemetrySnapshot) IsMaximum() bool {
	cur, ok := t.Current()
	return ok && cur == MaximumCurrent
}

func (t *TelemetrySnapshot) AutoUnlock() bool {
	return t != nil && t.AutoUnlockPlug != nil && *t.AutoUnlockPlug
}

// Climate returns ClimateOff when the climatisation state is unknown.
func (t *TelemetrySnapshot) Climate() ClimateState {
	if t == nil || t.ClimateState == nil {
		return ClimateOff
	}
	return *t.ClimateState
}

// GridSignal is a single reading of the external grid/tariff data source.
type GridSignal struct {
	// MinAvgPowerKw is negative while exporting to the grid.
	MinAvgPowerKw   float64
	LowTariffActive bool
}

func Float(v float64) *float64 { return &v }
func Bool(v bool) *bool { return &v }

func State(s ChargingState) *ChargingState { return &s }
func Current(c ChargeCurrent) *ChargeCurrent { return &c }
func Climate(c ClimateState) *ClimateState { return &c }
