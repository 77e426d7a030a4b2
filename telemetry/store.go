package telemetry

import (
	"sync"
	"sync/atomic"

	"ev-smartcharge/bus"
	"ev-smartcharge/params"

	"github.com/juju/loggo"
)

var log = loggo.GetLogger("evsc.telemetry")

// Reader gives access to the most recent snapshot.
type Reader interface {
	Latest() *params.TelemetrySnapshot
}

// Store holds the latest vehicle snapshot. There is a single writer (the
// vehicle worker) and any number of readers. Readers always see either the
// previous or the next snapshot as a whole.
type Store struct {
	current atomic.Pointer[params.TelemetrySnapshot]
	bus     *bus.Bus

	// serializes Replace so change events keep their order.
	writeMux sync.Mutex
}

func NewStore(b *bus.Bus) *Store {
	s := &Store{bus: b}
	s.current.Store(&params.TelemetrySnapshot{})
	return s
}

// Latest never returns nil. Before the first refresh it returns an empty
// snapshot where every field is unknown.
func (s *Store) Latest() *params.TelemetrySnapshot {
	return s.current.Load()
}

// Replace swaps in next and publishes an event for every observable change.
// next must not be modified afterwards.
func (s *Store) Replace(next *params.TelemetrySnapshot) {
	if next == nil {
		next = &params.TelemetrySnapshot{}
	}

	s.writeMux.Lock()
	defer s.writeMux.Unlock()

	prev := s.current.Swap(next)
	if s.bus != nil {
		s.publishChanges(prev, next)
	}
}

func changedFloat(prev, next *float64) (float64, bool) {
	if next == nil {
		return 0, false
	}
	if prev == nil || *prev != *next {
		return *next, true
	}
	return 0, false
}

func changedBool(prev, next *bool) (bool, bool) {
	if next == nil {
		return false, false
	}
	if prev == nil || *prev != *next {
		return *next, true
	}
	return false, false
}

func (s *Store) publishChanges(prev, next *params.TelemetrySnapshot) {
	if prev.IsCharging() != next.IsCharging() && next.ChargingState != nil {
		if next.IsCharging() {
			log.Debugf("charging started")
			bus.Publish(s.bus, ChargingStarted, struct{}{})
		} else {
			log.Debugf("charging stopped")
			bus.Publish(s.bus, ChargingStopped, struct{}{})
		}
	}

	if soc, ok := changedFloat(prev.CurrentSOCPercent, next.CurrentSOCPercent); ok {
		bus.Publish(s.bus, CurrentSOC, soc)

		target, known := next.TargetSOC()
		prevSOC, hadSOC := prev.CurrentSOC()
		if known && soc >= target && (!hadSOC || prevSOC < target) {
			log.Infof("charge target of %v%% reached", target)
			bus.Publish(s.bus, ChargePurposeReached, soc)
		}
	}

	if target, ok := changedFloat(prev.TargetSOCPercent, next.TargetSOCPercent); ok {
		bus.Publish(s.bus, TargetSOC, target)
	}

	if rng, ok := changedFloat(prev.CruisingRangeKm, next.CruisingRangeKm); ok {
		bus.Publish(s.bus, CruisingRange, rng)
	}

	if next.MaxChargeCurrent != nil && (prev.MaxChargeCurrent == nil || *prev.MaxChargeCurrent != *next.MaxChargeCurrent) {
		bus.Publish(s.bus, ReducedACUpdated, next.IsReduced())
	}

	if unlock, ok := changedBool(prev.AutoUnlockPlug, next.AutoUnlockPlug); ok {
		bus.Publish(s.bus, AutoUnlockPlugUpdated, unlock)
	}

	if next.ClimateState != nil && prev.Climate() != next.Climate() {
		switch next.Climate() {
		case params.ClimateHeating:
			bus.Publish(s.bus, ClimatisationHeatingStarted, struct{}{})
		case params.ClimateCooling:
			bus.Publish(s.bus, ClimatisationCoolingStarted, struct{}{})
		default:
			bus.Publish(s.bus, ClimatisationStopped, struct{}{})
		}
	}

	if temp, ok := changedFloat(prev.TargetTemperatureC, next.TargetTemperatureC); ok {
		bus.Publish(s.bus, ClimatisationTemperatureUpdated, temp)
	}

	for _, setting := range []struct {
		topic      bus.Topic[bool]
		prev, next *bool
	}{
		{ClimatisationAtUnlockUpdated, prev.ClimateAtUnlock, next.ClimateAtUnlock},
		{WindowHeatingUpdated, prev.WindowHeating, next.WindowHeating},
		{ZoneFrontLeftUpdated, prev.ZoneFrontLeft, next.ZoneFrontLeft},
		{ZoneFrontRightUpdated, prev.ZoneFrontRight, next.ZoneFrontRight},
	} {
		if enabled, ok := changedBool(setting.prev, setting.next); ok {
			bus.Publish(s.bus, setting.topic, enabled)
		}
	}

	switch {
	case next.Parking != nil && (prev.Parking == nil || *prev.Parking != *next.Parking):
		bus.Publish(s.bus, Parked, *next.Parking)
	case next.Parking == nil && prev.Parking != nil:
		bus.Publish(s.bus, NotParked, struct{}{})
	}
}
