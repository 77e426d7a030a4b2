package common

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ev-smartcharge/params"
)

type BasicWorker interface {
	Start() error
	Stop() error
}

// Commander sends commands to the vehicle. A nil error only means the bridge
// accepted the command. The effect shows up in later telemetry.
type Commander interface {
	StartCharging(ctx context.Context) error
	StopCharging(ctx context.Context) error
	SetChargingSetting(ctx context.Context, key params.SettingKey, value interface{}) error
}

// ClimateCommander controls cabin climatisation.
type ClimateCommander interface {
	StartClimatisation(ctx context.Context) error
	StopClimatisation(ctx context.Context) error
	// SetClimatisation changes the target temperature in celsius.
	SetClimatisation(ctx context.Context, celsius float64) error
	SetClimatisationSetting(ctx context.Context, key params.SettingKey, enabled bool) error
}

// VehicleCommander is implemented by both bridge transports.
type VehicleCommander interface {
	Commander
	ClimateCommander
}

const (
	StartChargingCommand = "startCharging"
	StopChargingCommand  = "stopCharging"
	SetSettingCommand    = "setChargingSetting"

	StartClimatisationCommand      = "startClimatisation"
	StopClimatisationCommand       = "stopClimatisation"
	SetClimatisationCommand        = "setClimatisation"
	SetClimatisationSettingCommand = "setClimatisationSetting"
)

// Command is the envelope sent to the vehicle bridge.
type Command struct {
	ID       string            `json:"id"`
	VIN      string            `json:"vin"`
	Name     string            `json:"name"`
	Setting  params.SettingKey `json:"setting,omitempty"`
	Value    interface{}       `json:"value,omitempty"`
	IssuedAt time.Time         `json:"issuedAt"`
}

func NewCommand(vin, name string) Command {
	return Command{
		ID:       uuid.NewString(),
		VIN:      vin,
		Name:     name,
		IssuedAt: time.Now().UTC(),
	}
}

func NewSettingCommand(vin string, key params.SettingKey, value interface{}) (Command, error) {
	normalized, err := ValidateSetting(key, value)
	if err != nil {
		return Command{}, err
	}
	cmd := NewCommand(vin, SetSettingCommand)
	cmd.Setting = key
	cmd.Value = normalized
	return cmd, nil
}

// NewClimatisationCommand carries the target temperature, rounded to half a
// degree.
func NewClimatisationCommand(vin string, celsius float64) (Command, error) {
	temp, err := params.RoundTemperature(celsius)
	if err != nil {
		return Command{}, err
	}
	cmd := NewCommand(vin, SetClimatisationCommand)
	cmd.Value = temp
	return cmd, nil
}

func NewClimatisationSettingCommand(vin string, key params.SettingKey, enabled bool) (Command, error) {
	switch key {
	case params.ClimateAtUnlockSetting, params.WindowHeatingSetting,
		params.ZoneFrontLeftSetting, params.ZoneFrontRightSetting:
	default:
		return Command{}, fmt.Errorf("unknown climatisation setting %q", key)
	}
	cmd := NewCommand(vin, SetClimatisationSettingCommand)
	cmd.Setting = key
	cmd.Value = enabled
	return cmd, nil
}

// ValidateSetting checks that value has the type the bridge expects for key
// and returns it in wire form.
func ValidateSetting(key params.SettingKey, value interface{}) (interface{}, error) {
	switch key {
	case params.ChargeCurrentSetting:
		var current params.ChargeCurrent
		switch v := value.(type) {
		case params.ChargeCurrent:
			current = v
		case string:
			current = params.ChargeCurrent(v)
		}
		if current != params.ReducedCurrent && current != params.MaximumCurrent {
			return nil, fmt.Errorf("invalid %s value %v", key, value)
		}
		return string(current), nil
	case params.TargetSOCSetting:
		v, ok := value.(int)
		if !ok || v < 0 || v > 100 {
			return nil, fmt.Errorf("invalid %s value %v", key, value)
		}
		return v, nil
	case params.AutoUnlockPlugSetting:
		v, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("invalid %s value %v", key, value)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown setting %q", key)
	}
}
