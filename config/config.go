package config

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/BurntSushi/toml"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"ev-smartcharge/params"
)

type LogLevel string

const (
	ClientID          = "ev-smartcharge"
	Trace    LogLevel = "trace"
	Debug    LogLevel = "debug"
	Info     LogLevel = "info"
	Warning  LogLevel = "warning"
)

const (
	TransportMQTT = "mqtt"
	TransportHTTP = "http"

	SignalSourceHTTP = "http"
	SignalSourceDBus = "dbus"

	DefaultPollInterval     = 60
	DefaultDebounceInterval = 5
	DefaultStatusInterval   = 30
	DefaultTriggerReset     = 10
)

func NewConfig(cfgFile string) (*Config, error) {
	var config Config
	if _, err := toml.DecodeFile(cfgFile, &config); err != nil {
		return nil, errors.Wrap(err, "decoding toml")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return &config, nil
}

type Config struct {
	// LogFile is the path to the log on disk
	LogFile string `toml:"log_file"`

	// LogLevel sets the logging output to desired level.
	LogLevel LogLevel `toml:"log_level"`

	// MetricsAddress is the listen address for the prometheus endpoint.
	// Metrics are not served when empty.
	MetricsAddress string `toml:"metrics_address"`

	// Vehicle holds the settings used to reach the vehicle bridge.
	Vehicle Vehicle `toml:"vehicle"`

	// Accessories is the MQTT surface exposed to the smart home.
	Accessories Accessories `toml:"accessories"`

	// SmartCharging configures the charging controller.
	SmartCharging SmartCharging `toml:"smart_charging"`
}

func (c *Config) Validate() error {
	switch c.LogLevel {
	case "":
		c.LogLevel = Info
	case Trace, Debug, Info, Warning:
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if c.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			return errors.Wrap(err, "validating metrics_address")
		}
	}

	if err := c.Vehicle.Validate(); err != nil {
		return errors.Wrap(err, "validating vehicle")
	}

	if err := c.Accessories.Validate(); err != nil {
		return errors.Wrap(err, "validating accessories")
	}

	if err := c.SmartCharging.Validate(); err != nil {
		return errors.Wrap(err, "validating smart_charging")
	}
	return nil
}

type Vehicle struct {
	// VIN identifies the vehicle on the bridge.
	VIN string `toml:"vin"`
	// Transport is either "mqtt" or "http".
	Transport string `toml:"transport"`
	// Address is the host:port of the bridge HTTP API.
	Address  string `toml:"address"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// BaseTopic is the topic the bridge publishes the vehicle under. Status
	// documents are read from <base_topic>/status and commands are sent to
	// <base_topic>/command/<name>.
	BaseTopic string `toml:"base_topic"`
	// StatusInterval is the HTTP polling period, in seconds.
	StatusInterval uint         `toml:"status_interval"`
	MQTT           MQTTSettings `toml:"mqtt"`
}

func (v *Vehicle) Validate() error {
	if v.VIN == "" {
		return fmt.Errorf("missing vin")
	}

	switch v.Transport {
	case "":
		v.Transport = TransportMQTT
	case TransportMQTT, TransportHTTP:
	default:
		return fmt.Errorf("invalid transport %q", v.Transport)
	}

	if v.BaseTopic == "" {
		v.BaseTopic = fmt.Sprintf("weconnect/vehicles/%s", v.VIN)
	}

	if v.StatusInterval == 0 {
		v.StatusInterval = DefaultStatusInterval
	}

	if v.Transport == TransportMQTT {
		if err := v.MQTT.Validate(); err != nil {
			return errors.Wrap(err, "validating mqtt settings")
		}
		return nil
	}

	if _, _, err := net.SplitHostPort(v.Address); err != nil {
		return fmt.Errorf("invalid bridge address: %s", v.Address)
	}
	return nil
}

type Accessories struct {
	// BaseTopic is the prefix for accessory state and set topics.
	BaseTopic string `toml:"base_topic"`
	// DebounceInterval is the quiescence period, in seconds, before a new
	// target SOC is sent to the vehicle.
	DebounceInterval uint         `toml:"debounce_interval"`
	MQTT             MQTTSettings `toml:"mqtt"`

	// Triggers turn vehicle events into momentary switches on
	// <base_topic>/events/<name>.
	Triggers []EventTrigger `toml:"trigger"`
	// TriggerReset is the number of seconds a trigger stays on.
	TriggerReset uint `toml:"trigger_reset"`
}

type EventTrigger struct {
	Name  string `toml:"name"`
	Event string `toml:"event"`
}

func (a *Accessories) Validate() error {
	if a.BaseTopic == "" {
		a.BaseTopic = "homekit/ev"
	}
	if a.DebounceInterval == 0 {
		a.DebounceInterval = DefaultDebounceInterval
	}
	if a.TriggerReset == 0 {
		a.TriggerReset = DefaultTriggerReset
	}
	names := map[string]bool{}
	for _, trigger := range a.Triggers {
		if trigger.Name == "" || trigger.Event == "" {
			return fmt.Errorf("trigger needs both a name and an event")
		}
		if names[trigger.Name] {
			return fmt.Errorf("duplicate trigger %q", trigger.Name)
		}
		names[trigger.Name] = true
	}
	if err := a.MQTT.Validate(); err != nil {
		return errors.Wrap(err, "validating mqtt settings")
	}
	return nil
}

func (a *Accessories) Debounce() time.Duration {
	return time.Duration(a.DebounceInterval) * time.Second
}

func (a *Accessories) Reset() time.Duration {
	return time.Duration(a.TriggerReset) * time.Second
}

type SmartCharging struct {
	// HighTariffKmThreshold is the range below which charging starts at
	// maximum current regardless of tariff or grid conditions.
	HighTariffKmThreshold float64 `toml:"high_tariff_km_threshold"`
	// LowTariffKmThreshold is the range below which charging starts while
	// the low tariff is active. It must not be below HighTariffKmThreshold.
	LowTariffKmThreshold float64 `toml:"low_tariff_km_threshold"`
	// MinRedeliveryThreshold is the grid export, in kW, above which surplus
	// is used to charge.
	MinRedeliveryThreshold float64 `toml:"min_redelivery_threshold"`
	// MaxDeliveryThreshold is the grid import, in kW, above which charging is
	// throttled and eventually stopped.
	MaxDeliveryThreshold float64 `toml:"max_delivery_threshold"`
	// EnergyDataSource is the URL of the JSON grid/tariff feed.
	EnergyDataSource string `toml:"energy_data_source"`
	// SignalSource selects where the grid signal is read from, "http" or "dbus".
	SignalSource string `toml:"signal_source"`
	// Policy is "seasonal" or "two-threshold".
	Policy params.Policy `toml:"policy"`
	// PollInterval is the controller period, in seconds.
	PollInterval uint `toml:"poll_interval"`
	// ArmOnStart arms the controller as soon as the service starts.
	ArmOnStart bool `toml:"arm_on_start"`

	DBus DBusSignal `toml:"dbus"`
}

func (s *SmartCharging) Validate() error {
	switch s.SignalSource {
	case "":
		s.SignalSource = SignalSourceHTTP
	case SignalSourceHTTP:
	case SignalSourceDBus:
		if err := s.DBus.Validate(); err != nil {
			return errors.Wrap(err, "validating dbus settings")
		}
	default:
		return fmt.Errorf("invalid signal_source %q", s.SignalSource)
	}

	if s.Policy == "" {
		s.Policy = params.SeasonalPolicy
	}

	if s.PollInterval == 0 {
		s.PollInterval = DefaultPollInterval
	}

	if err := s.Thresholds().Validate(s.SignalSource == SignalSourceHTTP); err != nil {
		return errors.Wrap(err, "validating thresholds")
	}
	return nil
}

func (s *SmartCharging) Thresholds() params.ThresholdConfig {
	return params.ThresholdConfig{
		HighTariffKmThreshold:  s.HighTariffKmThreshold,
		LowTariffKmThreshold:   s.LowTariffKmThreshold,
		MinRedeliveryThreshold: s.MinRedeliveryThreshold,
		MaxDeliveryThreshold:   s.MaxDeliveryThreshold,
		EnergyDataSource:       s.EnergyDataSource,
		Policy:                 s.Policy,
	}
}

func (s *SmartCharging) Interval() time.Duration {
	return time.Duration(s.PollInterval) * time.Second
}

type DBusSignal struct {
	// Service is the dbus service exposing the grid meter.
	Service string `toml:"dbus_service"`
	// GridPaths are summed to get the grid power in Watts. Negative values
	// mean export.
	GridPaths []string `toml:"grid_paths"`
	// LowTariff describes when the low tariff is active.
	LowTariff TariffHours `toml:"low_tariff"`
}

func (d *DBusSignal) Validate() error {
	if d.Service == "" {
		d.Service = "com.victronenergy.system"
	}
	if len(d.GridPaths) == 0 {
		d.GridPaths = []string{"/Ac/Grid/L1/Power", "/Ac/Grid/L2/Power", "/Ac/Grid/L3/Power"}
	}
	if err := d.LowTariff.Validate(); err != nil {
		return errors.Wrap(err, "validating low_tariff")
	}
	return nil
}

// TariffHours is a daily low tariff window in local time. The window may wrap
// around midnight.
type TariffHours struct {
	Start int `toml:"start_hour"`
	End   int `toml:"end_hour"`
	// Weekends makes the low tariff active all day on Saturday and Sunday.
	Weekends bool `toml:"weekends"`
}

func (t *TariffHours) Validate() error {
	if t.Start < 0 || t.Start > 23 || t.End < 0 || t.End > 23 {
		return fmt.Errorf("hours must be between 0 and 23")
	}
	return nil
}

func (t TariffHours) Active(now time.Time) bool {
	if t.Weekends && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
		return true
	}
	hour := now.Hour()
	switch {
	case t.Start == t.End:
		return false
	case t.Start < t.End:
		return hour >= t.Start && hour < t.End
	default:
		return hour >= t.Start || hour < t.End
	}
}

type MQTTSettings struct {
	Broker   string `toml:"broker"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

func (m *MQTTSettings) BrokerURI() (string, error) {
	if err := m.Validate(); err != nil {
		return "", errors.Wrap(err, "fetching broker URI")
	}

	uri := url.URL{Scheme: "tcp", Host: net.JoinHostPort(m.Broker, fmt.Sprint(m.Port))}
	return uri.String(), nil
}

// ClientOptions returns the paho options for a client. suffix keeps the
// client IDs of the different connections apart.
func (m *MQTTSettings) ClientOptions(suffix string) (*mqtt.ClientOptions, error) {
	brokerURI, err := m.BrokerURI()
	if err != nil {
		return nil, errors.Wrap(err, "creating mqtt options")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURI)
	if m.Username != "" {
		opts.SetUsername(m.Username)
	}
	if m.Password != "" {
		opts.SetPassword(m.Password)
	}
	clientID := ClientID
	if suffix != "" {
		clientID = fmt.Sprintf("%s-%s", ClientID, suffix)
	}
	opts.SetClientID(clientID)
	return opts, nil
}

func (m *MQTTSettings) Validate() error {
	if m.Broker == "" {
		return fmt.Errorf("broker cannot be empty when mqtt is used")
	}

	if m.Port == 0 {
		m.Port = 1883
	}
	return nil
}
