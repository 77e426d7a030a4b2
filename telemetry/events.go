package telemetry

import (
	"ev-smartcharge/bus"
	"ev-smartcharge/params"
)

var (
	ChargingStarted      = bus.NewTopic[struct{}]("chargingStarted")
	ChargingStopped      = bus.NewTopic[struct{}]("chargingStopped")
	ChargePurposeReached = bus.NewTopic[float64]("chargePurposeReached")
	CurrentSOC           = bus.NewTopic[float64]("currentSOC")
	TargetSOC            = bus.NewTopic[float64]("targetSOC")
	CruisingRange        = bus.NewTopic[float64]("cruisingRange")

	ReducedACUpdated      = bus.NewTopic[bool]("reducedACUpdated")
	AutoUnlockPlugUpdated = bus.NewTopic[bool]("autoUnlockPlugUpdated")

	ClimatisationHeatingStarted     = bus.NewTopic[struct{}]("climatisationHeatingStarted")
	ClimatisationCoolingStarted     = bus.NewTopic[struct{}]("climatisationCoolingStarted")
	ClimatisationStopped            = bus.NewTopic[struct{}]("climatisationStopped")
	ClimatisationTemperatureUpdated = bus.NewTopic[float64]("climatisationTemperatureUpdated")
	ClimatisationAtUnlockUpdated    = bus.NewTopic[bool]("climatisationAtUnlockUpdated")
	WindowHeatingUpdated            = bus.NewTopic[bool]("windowHeatingUpdated")
	ZoneFrontLeftUpdated            = bus.NewTopic[bool]("zoneFrontLeftUpdated")
	ZoneFrontRightUpdated           = bus.NewTopic[bool]("zoneFrontRightUpdated")

	Parked    = bus.NewTopic[params.Position]("parked")
	NotParked = bus.NewTopic[struct{}]("notParked")
)

// EventNames lists every topic the store publishes on.
func EventNames() []string {
	return []string{
		ChargingStarted.Name(),
		ChargingStopped.Name(),
		ChargePurposeReached.Name(),
		CurrentSOC.Name(),
		TargetSOC.Name(),
		CruisingRange.Name(),
		ReducedACUpdated.Name(),
		AutoUnlockPlugUpdated.Name(),
		ClimatisationHeatingStarted.Name(),
		ClimatisationCoolingStarted.Name(),
		ClimatisationStopped.Name(),
		ClimatisationTemperatureUpdated.Name(),
		ClimatisationAtUnlockUpdated.Name(),
		WindowHeatingUpdated.Name(),
		ZoneFrontLeftUpdated.Name(),
		ZoneFrontRightUpdated.Name(),
		Parked.Name(),
		NotParked.Name(),
	}
}
