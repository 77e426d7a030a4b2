package params

import (
	"fmt"
	"math"
	"net/url"
)

type Policy string

const (
	// SeasonalPolicy blends the low tariff threshold towards the estimated
	// full range depending on the time of year.
	SeasonalPolicy Policy = "seasonal"
	// TwoThresholdPolicy only uses the configured high and low tariff
	// thresholds.
	TwoThresholdPolicy Policy = "two-threshold"
)

// ThresholdConfig holds the smart charging limits. It does not change while
// a controller is running.
type ThresholdConfig struct {
	HighTariffKmThreshold float64
	LowTariffKmThreshold  float64
	// MinRedeliveryThreshold is the export magnitude in kW. It is stored as a
	// positive number and compared against the negated grid power.
	MinRedeliveryThreshold float64
	MaxDeliveryThreshold   float64
	EnergyDataSource       string
	Policy                 Policy
}

// InvalidThresholdConfigError is returned when thresholds can not be used to
// drive the controller.
type InvalidThresholdConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidThresholdConfigError) Error() string {
	return fmt.Sprintf("invalid threshold %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &InvalidThresholdConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Validate checks the threshold ordering. requireSource is set when the
// grid signal is read from EnergyDataSource.
func (t ThresholdConfig) Validate(requireSource bool) error {
	values := map[string]float64{
		"high_tariff_km_threshold": t.HighTariffKmThreshold,
		"low_tariff_km_threshold":  t.LowTariffKmThreshold,
		"min_redelivery_threshold": t.MinRedeliveryThreshold,
		"max_delivery_threshold":   t.MaxDeliveryThreshold,
	}
	for name, val := range values {
		if !finite(val) {
			return invalid(name, "value is not a number")
		}
		if val < 0 {
			return invalid(name, "must not be negative, got %v", val)
		}
	}

	if t.HighTariffKmThreshold > t.LowTariffKmThreshold {
		return invalid("high_tariff_km_threshold", "%v is above low_tariff_km_threshold (%v)", t.HighTariffKmThreshold, t.LowTariffKmThreshold)
	}

	switch t.Policy {
	case "", SeasonalPolicy, TwoThresholdPolicy:
	default:
		return invalid("policy", "unknown policy %q", t.Policy)
	}

	if requireSource {
		u, err := url.Parse(t.EnergyDataSource)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("energy_data_source", "%q is not a http(s) URL", t.EnergyDataSource)
		}
	}
	return nil
}
