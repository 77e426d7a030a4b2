package params

import (
	"fmt"
	"math"
)

type CommandKind int

const (
	NoOp CommandKind = iota
	SetCurrent
	Start
	Stop
)

func (k CommandKind) String() string {
	switch k {
	case SetCurrent:
		return "set-current"
	case Start:
		return "start"
	case Stop:
		return "stop"
	default:
		return "noop"
	}
}

// ChargeCommand is a single action the controller wants the vehicle to take.
// Current is only meaningful for SetCurrent.
type ChargeCommand struct {
	Kind    CommandKind
	Current ChargeCurrent
}

func SetCurrentTo(c ChargeCurrent) ChargeCommand {
	return ChargeCommand{Kind: SetCurrent, Current: c}
}

func StartCommand() ChargeCommand { return ChargeCommand{Kind: Start} }
func StopCommand() ChargeCommand  { return ChargeCommand{Kind: Stop} }

func (c ChargeCommand) String() string {
	if c.Kind == SetCurrent {
		return fmt.Sprintf("%s(%s)", c.Kind, c.Current)
	}
	return c.Kind.String()
}

type SettingKey string

const (
	ChargeCurrentSetting  SettingKey = "chargeCurrent"
	TargetSOCSetting      SettingKey = "targetSOC"
	AutoUnlockPlugSetting SettingKey = "autoUnlockPlug"
)

// Climatisation settings are switched on and off as a whole.
const (
	ClimateAtUnlockSetting SettingKey = "climatizationAtUnlock"
	WindowHeatingSetting   SettingKey = "windowHeatingEnabled"
	ZoneFrontLeftSetting   SettingKey = "zoneFrontLeftEnabled"
	ZoneFrontRightSetting  SettingKey = "zoneFrontRightEnabled"
)

const (
	MinTargetTemperatureC = 16.0
	MaxTargetTemperatureC = 29.5
)

// RoundTemperature rounds celsius to the nearest half degree inside the range
// the vehicle accepts.
func RoundTemperature(celsius float64) (float64, error) {
	if math.IsNaN(celsius) || math.IsInf(celsius, 0) {
		return 0, fmt.Errorf("invalid temperature %v", celsius)
	}
	v := math.Round(celsius*2) / 2
	return math.Min(math.Max(v, MinTargetTemperatureC), MaxTargetTemperatureC), nil
}
