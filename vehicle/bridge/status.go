package bridge

import (
	"encoding/json"

	"github.com/pkg/errors"

	"ev-smartcharge/params"
)

// The status document mirrors the vehicle data tree published by the bridge.
// Every level may be missing when the car did not report it.
type valued[T any] struct {
	Value *T `json:"value"`
}

type batteryStatus struct {
	CruisingRangeElectricKm *float64 `json:"cruisingRangeElectric_km"`
	CurrentSOCPct           *float64 `json:"currentSOC_pct"`
}

type chargingStatus struct {
	ChargingState *string `json:"chargingState"`
}

type chargingSettings struct {
	TargetSOCPct              *float64 `json:"targetSOC_pct"`
	MaxChargeCurrentAC        *string  `json:"maxChargeCurrentAC"`
	AutoUnlockPlugWhenCharged *string  `json:"autoUnlockPlugWhenCharged"`
}

type climatisationStatus struct {
	ClimatisationState *string `json:"climatisationState"`
}

type climatisationSettings struct {
	TargetTemperatureC    *float64 `json:"targetTemperature_C"`
	ClimatizationAtUnlock *bool    `json:"climatizationAtUnlock"`
	WindowHeatingEnabled  *bool    `json:"windowHeatingEnabled"`
	ZoneFrontLeftEnabled  *bool    `json:"zoneFrontLeftEnabled"`
	ZoneFrontRightEnabled *bool    `json:"zoneFrontRightEnabled"`
}

type parkingData struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

type vehicleStatus struct {
	Charging *struct {
		BatteryStatus    *valued[batteryStatus]    `json:"batteryStatus"`
		ChargingStatus   *valued[chargingStatus]   `json:"chargingStatus"`
		ChargingSettings *valued[chargingSettings] `json:"chargingSettings"`
	} `json:"charging"`
	Climatisation *struct {
		ClimatisationStatus   *valued[climatisationStatus]   `json:"climatisationStatus"`
		ClimatisationSettings *valued[climatisationSettings] `json:"climatisationSettings"`
	} `json:"climatisation"`
	Parking *struct {
		Data *parkingData `json:"data"`
	} `json:"parking"`
}

func decodeStatus(payload []byte) (*params.TelemetrySnapshot, error) {
	var status vehicleStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, errors.Wrap(err, "decoding status")
	}
	return status.snapshot(), nil
}

func (s vehicleStatus) snapshot() *params.TelemetrySnapshot {
	snap := &params.TelemetrySnapshot{}

	if c := s.Charging; c != nil {
		if c.BatteryStatus != nil && c.BatteryStatus.Value != nil {
			snap.CruisingRangeKm = c.BatteryStatus.Value.CruisingRangeElectricKm
			snap.CurrentSOCPercent = c.BatteryStatus.Value.CurrentSOCPct
		}
		if c.ChargingStatus != nil && c.ChargingStatus.Value != nil && c.ChargingStatus.Value.ChargingState != nil {
			snap.ChargingState = params.State(params.ParseChargingState(*c.ChargingStatus.Value.ChargingState))
		}
		if c.ChargingSettings != nil && c.ChargingSettings.Value != nil {
			settings := c.ChargingSettings.Value
			snap.TargetSOCPercent = settings.TargetSOCPct
			if settings.MaxChargeCurrentAC != nil {
				switch current := params.ChargeCurrent(*settings.MaxChargeCurrentAC); current {
				case params.ReducedCurrent, params.MaximumCurrent:
					snap.MaxChargeCurrent = params.Current(current)
				}
			}
			if settings.AutoUnlockPlugWhenCharged != nil {
				switch *settings.AutoUnlockPlugWhenCharged {
				case "permanent", "on":
					snap.AutoUnlockPlug = params.Bool(true)
				case "off":
					snap.AutoUnlockPlug = params.Bool(false)
				}
			}
		}
	}

	if c := s.Climatisation; c != nil {
		if c.ClimatisationStatus != nil && c.ClimatisationStatus.Value != nil && c.ClimatisationStatus.Value.ClimatisationState != nil {
			switch state := params.ClimateState(*c.ClimatisationStatus.Value.ClimatisationState); state {
			case params.ClimateHeating, params.ClimateCooling:
				snap.ClimateState = params.Climate(state)
			default:
				snap.ClimateState = params.Climate(params.ClimateOff)
			}
		}
		if c.ClimatisationSettings != nil && c.ClimatisationSettings.Value != nil {
			settings := c.ClimatisationSettings.Value
			snap.TargetTemperatureC = settings.TargetTemperatureC
			snap.ClimateAtUnlock = settings.ClimatizationAtUnlock
			snap.WindowHeating = settings.WindowHeatingEnabled
			snap.ZoneFrontLeft = settings.ZoneFrontLeftEnabled
			snap.ZoneFrontRight = settings.ZoneFrontRightEnabled
		}
	}

	if p := s.Parking; p != nil && p.Data != nil && p.Data.Lat != nil && p.Data.Lon != nil {
		snap.Parking = &params.Position{Lat: *p.Data.Lat, Lon: *p.Data.Lon}
	}
	return snap
}
