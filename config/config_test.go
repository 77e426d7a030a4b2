package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ev-smartcharge/params"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log_level = "debug"
metrics_address = ":9310"

[vehicle]
vin = "WVWZZZE1ZMP000001"
transport = "mqtt"

[vehicle.mqtt]
broker = "192.168.1.2"

[accessories]
base_topic = "homekit/id3"

[accessories.mqtt]
broker = "192.168.1.2"
port = 8883

[[accessories.trigger]]
name = "target-reached"
event = "chargePurposeReached"

[smart_charging]
high_tariff_km_threshold = 60
low_tariff_km_threshold = 150
min_redelivery_threshold = 0.5
max_delivery_threshold = 0.2
energy_data_source = "http://p1.local/api/energy"
`

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, Debug, cfg.LogLevel)
	assert.Equal(t, TransportMQTT, cfg.Vehicle.Transport)
	assert.Equal(t, "weconnect/vehicles/WVWZZZE1ZMP000001", cfg.Vehicle.BaseTopic)
	assert.Equal(t, 1883, cfg.Vehicle.MQTT.Port)
	assert.Equal(t, 8883, cfg.Accessories.MQTT.Port)
	assert.Equal(t, 5*time.Second, cfg.Accessories.Debounce())
	assert.Equal(t, 10*time.Second, cfg.Accessories.Reset())
	assert.Equal(t, []EventTrigger{{Name: "target-reached", Event: "chargePurposeReached"}}, cfg.Accessories.Triggers)
	assert.Equal(t, time.Minute, cfg.SmartCharging.Interval())
	assert.Equal(t, SignalSourceHTTP, cfg.SmartCharging.SignalSource)

	th := cfg.SmartCharging.Thresholds()
	assert.Equal(t, params.SeasonalPolicy, th.Policy)
	assert.Equal(t, 60.0, th.HighTariffKmThreshold)
	assert.Equal(t, 0.5, th.MinRedeliveryThreshold)
}

func TestNewConfigRejectsThresholdOrdering(t *testing.T) {
	bad := `
[vehicle]
vin = "X"
transport = "http"
address = "bridge.local:8080"

[accessories.mqtt]
broker = "localhost"

[smart_charging]
high_tariff_km_threshold = 200
low_tariff_km_threshold = 100
energy_data_source = "http://p1.local/api/energy"
`
	_, err := NewConfig(writeConfig(t, bad))
	require.Error(t, err)
	var thresholdErr *params.InvalidThresholdConfigError
	assert.True(t, errors.As(err, &thresholdErr))
}

func TestVehicleValidate(t *testing.T) {
	v := Vehicle{VIN: "X", Transport: TransportHTTP, Address: "nope"}
	assert.Error(t, v.Validate())

	v = Vehicle{VIN: "X", Transport: TransportHTTP, Address: "bridge.local:8080"}
	assert.NoError(t, v.Validate())

	v = Vehicle{VIN: "X"}
	assert.Error(t, v.Validate(), "mqtt transport needs a broker")

	v = Vehicle{VIN: "X", Transport: "carrier-pigeon"}
	assert.Error(t, v.Validate())
}

func TestSmartChargingDBusDoesNotNeedURL(t *testing.T) {
	s := SmartCharging{
		HighTariffKmThreshold: 50,
		LowTariffKmThreshold:  100,
		SignalSource:          SignalSourceDBus,
	}
	require.NoError(t, s.Validate())
	assert.Equal(t, "com.victronenergy.system", s.DBus.Service)
	assert.Len(t, s.DBus.GridPaths, 3)
}

func TestTariffHoursActive(t *testing.T) {
	// 2024-01-10 is a Wednesday, 2024-01-13 a Saturday
	at := func(day, hour int) time.Time {
		return time.Date(2024, 1, day, hour, 30, 0, 0, time.Local)
	}

	night := TariffHours{Start: 23, End: 7, Weekends: true}
	assert.True(t, night.Active(at(10, 23)))
	assert.True(t, night.Active(at(10, 3)))
	assert.False(t, night.Active(at(10, 7)))
	assert.False(t, night.Active(at(10, 12)))
	assert.True(t, night.Active(at(13, 12)))

	midday := TariffHours{Start: 11, End: 15}
	assert.True(t, midday.Active(at(10, 11)))
	assert.False(t, midday.Active(at(10, 15)))

	none := TariffHours{}
	assert.False(t, none.Active(at(10, 0)))

	invalid := TariffHours{Start: 24}
	assert.Error(t, invalid.Validate())
}

func TestMQTTClientOptions(t *testing.T) {
	m := MQTTSettings{Broker: "broker.local", Username: "ev", Password: "secret"}
	opts, err := m.ClientOptions("vehicle")
	require.NoError(t, err)
	assert.Equal(t, "ev-smartcharge-vehicle", opts.ClientID)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://broker.local:1883", opts.Servers[0].String())
}

func TestAccessoriesTriggers(t *testing.T) {
	acc := Accessories{
		MQTT:     MQTTSettings{Broker: "broker"},
		Triggers: []EventTrigger{{Name: "plugged", Event: "chargingStarted"}, {Name: "plugged", Event: "parked"}},
	}
	assert.Error(t, acc.Validate())

	acc.Triggers = []EventTrigger{{Name: "plugged"}}
	assert.Error(t, acc.Validate())

	acc.Triggers = []EventTrigger{{Name: "plugged", Event: "chargingStarted"}}
	require.NoError(t, acc.Validate())
	assert.Equal(t, "homekit/ev", acc.BaseTopic)
}
