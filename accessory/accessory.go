// Package accessory exposes the vehicle to the smart home host over MQTT.
// Every accessory publishes its retained state on <base>/<name> and accepts
// changes on <base>/<name>/set.
package accessory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/loggo"
	"github.com/pkg/errors"

	"ev-smartcharge/bus"
	"ev-smartcharge/config"
	"ev-smartcharge/params"
	"ev-smartcharge/telemetry"
	"ev-smartcharge/util"
	"ev-smartcharge/vehicle/common"
)

var log = loggo.GetLogger("evsc.accessory")

const (
	Charging       = "charging"
	Battery        = "battery"
	TargetSOC      = "battery/target"
	TargetReached  = "battery/target-reached"
	SmartCharging  = "smart-charging"
	ReducedAC      = "reduced-ac"
	AutoUnlockPlug = "auto-unlock"
	Climatisation  = "climatisation"
	Temperature    = "climatisation/temperature"
	AtUnlock       = "climatisation/at-unlock"
	WindowHeating  = "climatisation/window-heating"
	ZoneFrontLeft  = "climatisation/zone-front-left"
	ZoneFrontRight = "climatisation/zone-front-right"
	Parked         = "parked"
	Position       = "parked/position"
	Events         = "events"

	publishTimeout = 10 * time.Second
	commandTimeout = 30 * time.Second
	stopTimeout    = 30 * time.Second

	// setQueueSize is the number of requests kept per set topic while the
	// previous one is being handled.
	setQueueSize = 16
)

// Arming is the on/off control of the smart charging controller.
type Arming interface {
	Armed() bool
	SetArmed(armed bool) error
}

// SetpointRequester takes user requests for a new target SOC.
type SetpointRequester interface {
	Request(percent float64) int
}

type Option func(*Bridge)

// WithTriggers publishes a momentary switch for every trigger. A switch is
// turned on when its event fires and back off after reset.
func WithTriggers(triggers []config.EventTrigger, reset time.Duration) Option {
	return func(b *Bridge) {
		b.triggers = triggers
		b.reset = reset
	}
}

func NewBridge(ctx context.Context, client util.MQTTClient, baseTopic string, b *bus.Bus, store telemetry.Reader, controller Arming, commander common.VehicleCommander, setpoint SetpointRequester, opts ...Option) *Bridge {
	bridge := &Bridge{
		ctx:        ctx,
		client:     client,
		base:       strings.TrimSuffix(baseTopic, "/"),
		bus:        b,
		store:      store,
		controller: controller,
		commander:  commander,
		setpoint:   setpoint,
		reset:      config.DefaultTriggerReset * time.Second,
		quit:       make(chan struct{}),
		timers:     map[string]*time.Timer{},
	}
	for _, opt := range opts {
		opt(bridge)
	}
	return bridge
}

type Bridge struct {
	ctx  context.Context
	quit chan struct{}

	client     util.MQTTClient
	base       string
	bus        *bus.Bus
	store      telemetry.Reader
	controller Arming
	commander  common.VehicleCommander
	setpoint   SetpointRequester

	triggers []config.EventTrigger
	reset    time.Duration

	// Set requests are handled off the MQTT client goroutine, one queue per
	// topic. pending counts requests that are queued or being handled.
	wg      sync.WaitGroup
	pending atomic.Int64

	mux       sync.Mutex
	subs      []*bus.Subscription
	setTopics []string
	timers    map[string]*time.Timer
	stopped   bool
}

func (b *Bridge) topic(name string) string {
	return fmt.Sprintf("%s/%s", b.base, name)
}

func (b *Bridge) publish(name string, value interface{}, retained bool) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", name)
	}
	ctx, cancel := context.WithTimeout(b.ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.topic(name), retained, payload); err != nil {
		return errors.Wrapf(err, "publishing %s", name)
	}
	return nil
}

func (b *Bridge) state(name string, value interface{}) error {
	return b.publish(name, value, true)
}

// clear removes the retained state of name.
func (b *Bridge) clear(name string) error {
	ctx, cancel := context.WithTimeout(b.ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.topic(name), true, []byte{}); err != nil {
		return errors.Wrapf(err, "clearing %s", name)
	}
	return nil
}

// ShowSOC publishes soc as the battery level. The level is cleared when the
// SOC is not known.
func (b *Bridge) ShowSOC(soc float64, known bool) {
	var err error
	if known {
		err = b.state(Battery, soc)
	} else {
		err = b.clear(Battery)
	}
	if err != nil {
		log.Errorf("failed to publish battery level: %q", err)
	}
}

func triggerTopic(name string) string {
	return fmt.Sprintf("%s/%s", Events, name)
}

func (b *Bridge) fire(name string) error {
	if err := b.state(triggerTopic(name), true); err != nil {
		return err
	}

	b.mux.Lock()
	defer b.mux.Unlock()
	if b.stopped {
		return nil
	}
	if t, ok := b.timers[name]; ok {
		t.Stop()
	}
	b.timers[name] = time.AfterFunc(b.reset, func() {
		if err := b.state(triggerTopic(name), false); err != nil {
			log.Errorf("failed to reset trigger %s: %q", name, err)
		}
	})
	return nil
}

// publishSnapshot pushes the current state of every accessory.
func (b *Bridge) publishSnapshot() error {
	snap := b.store.Latest()

	values := map[string]interface{}{
		SmartCharging: b.controller.Armed(),
		Charging:      snap.IsCharging(),
		Parked:        snap.Parking != nil,
	}
	if soc, ok := snap.CurrentSOC(); ok {
		values[Battery] = soc
	}
	if target, ok := snap.TargetSOC(); ok {
		values[TargetSOC] = target
	}
	if snap.MaxChargeCurrent != nil {
		values[ReducedAC] = snap.IsReduced()
	}
	if snap.AutoUnlockPlug != nil {
		values[AutoUnlockPlug] = snap.AutoUnlock()
	}
	if snap.ClimateState != nil {
		values[Climatisation] = snap.Climate()
	}
	if snap.TargetTemperatureC != nil {
		values[Temperature] = *snap.TargetTemperatureC
	}
	for name, setting := range map[string]*bool{
		AtUnlock:       snap.ClimateAtUnlock,
		WindowHeating:  snap.WindowHeating,
		ZoneFrontLeft:  snap.ZoneFrontLeft,
		ZoneFrontRight: snap.ZoneFrontRight,
	} {
		if setting != nil {
			values[name] = *setting
		}
	}
	for _, trigger := range b.triggers {
		values[triggerTopic(trigger.Name)] = false
	}
	if snap.Parking != nil {
		values[Position] = snap.Parking
	}

	for name, value := range values {
		if err := b.state(name, value); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) boolState(name string) func(bool) error {
	return func(v bool) error {
		return b.state(name, v)
	}
}

func (b *Bridge) subscribeEvents() error {
	known := map[string]bool{}
	for _, name := range telemetry.EventNames() {
		known[name] = true
	}
	for _, trigger := range b.triggers {
		if !known[trigger.Event] {
			return fmt.Errorf("trigger %s: unknown event %q", trigger.Name, trigger.Event)
		}
	}

	subs := []*bus.Subscription{
		bus.Subscribe(b.bus, telemetry.ChargingStarted, func(struct{}) error {
			return b.state(Charging, true)
		}),
		bus.Subscribe(b.bus, telemetry.ChargingStopped, func(struct{}) error {
			return b.state(Charging, false)
		}),
		bus.Subscribe(b.bus, telemetry.CurrentSOC, func(soc float64) error {
			return b.state(Battery, soc)
		}),
		bus.Subscribe(b.bus, telemetry.TargetSOC, func(target float64) error {
			return b.state(TargetSOC, target)
		}),
		bus.Subscribe(b.bus, telemetry.ChargePurposeReached, func(soc float64) error {
			return b.publish(TargetReached, soc, false)
		}),
		bus.Subscribe(b.bus, telemetry.ReducedACUpdated, func(reduced bool) error {
			return b.state(ReducedAC, reduced)
		}),
		bus.Subscribe(b.bus, telemetry.AutoUnlockPlugUpdated, func(unlock bool) error {
			return b.state(AutoUnlockPlug, unlock)
		}),
		bus.Subscribe(b.bus, telemetry.ClimatisationHeatingStarted, func(struct{}) error {
			return b.state(Climatisation, params.ClimateHeating)
		}),
		bus.Subscribe(b.bus, telemetry.ClimatisationCoolingStarted, func(struct{}) error {
			return b.state(Climatisation, params.ClimateCooling)
		}),
		bus.Subscribe(b.bus, telemetry.ClimatisationStopped, func(struct{}) error {
			return b.state(Climatisation, params.ClimateOff)
		}),
		bus.Subscribe(b.bus, telemetry.ClimatisationTemperatureUpdated, func(temp float64) error {
			return b.state(Temperature, temp)
		}),
		bus.Subscribe(b.bus, telemetry.ClimatisationAtUnlockUpdated, b.boolState(AtUnlock)),
		bus.Subscribe(b.bus, telemetry.WindowHeatingUpdated, b.boolState(WindowHeating)),
		bus.Subscribe(b.bus, telemetry.ZoneFrontLeftUpdated, b.boolState(ZoneFrontLeft)),
		bus.Subscribe(b.bus, telemetry.ZoneFrontRightUpdated, b.boolState(ZoneFrontRight)),
		bus.Subscribe(b.bus, telemetry.Parked, func(pos params.Position) error {
			if err := b.state(Parked, true); err != nil {
				return err
			}
			return b.state(Position, pos)
		}),
		bus.Subscribe(b.bus, telemetry.NotParked, func(struct{}) error {
			return b.state(Parked, false)
		}),
	}
	for _, trigger := range b.triggers {
		name := trigger.Name
		subs = append(subs, b.bus.SubscribeName(trigger.Event, func(any) error {
			return b.fire(name)
		}))
	}

	b.mux.Lock()
	b.subs = append(b.subs, subs...)
	b.mux.Unlock()
	return nil
}

func parseBool(payload []byte) (bool, error) {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(string(payload)), `"`)) {
	case "true", "1", "on":
		return true, nil
	case "false", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", payload)
}

func parseNumber(payload []byte) (float64, error) {
	v, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(string(payload)), `"`), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %q", payload)
	}
	return v, nil
}

// parseClimate accepts a boolean or one of the published climatisation
// states.
func parseClimate(payload []byte) (bool, error) {
	if on, err := parseBool(payload); err == nil {
		return on, nil
	}
	switch params.ClimateState(strings.ToLower(strings.Trim(strings.TrimSpace(string(payload)), `"`))) {
	case params.ClimateHeating, params.ClimateCooling:
		return true, nil
	case params.ClimateOff:
		return false, nil
	}
	return false, fmt.Errorf("invalid climatisation state %q", payload)
}

func (b *Bridge) onSmartChargingSet(on bool) error {
	err := b.controller.SetArmed(on)
	// Report the state the controller actually ended up in.
	if pubErr := b.state(SmartCharging, b.controller.Armed()); pubErr != nil {
		log.Errorf("failed to publish smart charging state: %q", pubErr)
	}
	return err
}

func (b *Bridge) onChargingSet(on bool) error {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if on {
		return b.commander.StartCharging(ctx)
	}
	return b.commander.StopCharging(ctx)
}

func (b *Bridge) onSetting(key params.SettingKey, value interface{}) error {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	return b.commander.SetChargingSetting(ctx, key, value)
}

func (b *Bridge) onClimatisationSet(on bool) error {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if on {
		return b.commander.StartClimatisation(ctx)
	}
	return b.commander.StopClimatisation(ctx)
}

func (b *Bridge) onTemperatureSet(celsius float64) error {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	return b.commander.SetClimatisation(ctx, celsius)
}

func (b *Bridge) onClimatisationSetting(key params.SettingKey) func(bool) error {
	return func(enabled bool) error {
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		return b.commander.SetClimatisationSetting(ctx, key, enabled)
	}
}

func (b *Bridge) onBatterySet(percent float64) error {
	requested := b.setpoint.Request(percent)
	// Shown until the debouncer commits and reverts to the actual SOC.
	return b.state(Battery, requested)
}

func (b *Bridge) setHandlers() map[string]func(payload []byte) error {
	boolHandler := func(fn func(bool) error) func([]byte) error {
		return func(payload []byte) error {
			v, err := parseBool(payload)
			if err != nil {
				return err
			}
			return fn(v)
		}
	}

	return map[string]func([]byte) error{
		SmartCharging: boolHandler(b.onSmartChargingSet),
		Charging:      boolHandler(b.onChargingSet),
		ReducedAC: boolHandler(func(reduced bool) error {
			current := params.MaximumCurrent
			if reduced {
				current = params.ReducedCurrent
			}
			return b.onSetting(params.ChargeCurrentSetting, current)
		}),
		AutoUnlockPlug: boolHandler(func(unlock bool) error {
			return b.onSetting(params.AutoUnlockPlugSetting, unlock)
		}),
		Battery: func(payload []byte) error {
			v, err := parseNumber(payload)
			if err != nil {
				return err
			}
			return b.onBatterySet(v)
		},
		Climatisation: func(payload []byte) error {
			on, err := parseClimate(payload)
			if err != nil {
				return err
			}
			return b.onClimatisationSet(on)
		},
		Temperature: func(payload []byte) error {
			v, err := parseNumber(payload)
			if err != nil {
				return err
			}
			return b.onTemperatureSet(v)
		},
		AtUnlock:       boolHandler(b.onClimatisationSetting(params.ClimateAtUnlockSetting)),
		WindowHeating:  boolHandler(b.onClimatisationSetting(params.WindowHeatingSetting)),
		ZoneFrontLeft:  boolHandler(b.onClimatisationSetting(params.ZoneFrontLeftSetting)),
		ZoneFrontRight: boolHandler(b.onClimatisationSetting(params.ZoneFrontRightSetting)),
	}
}

// enqueue runs on the MQTT client goroutine and must not block.
func (b *Bridge) enqueue(topic string, queue chan<- []byte, payload []byte) {
	select {
	case <-b.quit:
		return
	default:
	}
	b.pending.Add(1)
	select {
	case queue <- payload:
	default:
		b.pending.Add(-1)
		log.Warningf("dropping request on %s, %d requests already queued", topic, setQueueSize)
	}
}

func (b *Bridge) drain(topic string, queue <-chan []byte, handler func([]byte) error) {
	defer b.wg.Done()
	for {
		select {
		case <-b.quit:
			return
		case payload := <-queue:
			select {
			case <-b.quit:
				return
			default:
			}
			if err := handler(payload); err != nil {
				log.Errorf("failed to handle %s: %q", topic, err)
			}
			b.pending.Add(-1)
		}
	}
}

func (b *Bridge) idle() bool {
	return b.pending.Load() == 0
}

func (b *Bridge) subscribeSetTopics() error {
	for name, handler := range b.setHandlers() {
		topic := b.topic(name + "/set")
		queue := make(chan []byte, setQueueSize)
		b.wg.Add(1)
		go b.drain(topic, queue, handler)

		err := b.client.Subscribe(topic, func(_ string, payload []byte) {
			b.enqueue(topic, queue, payload)
		})
		if err != nil {
			return errors.Wrapf(err, "subscribing to %s", topic)
		}
		b.mux.Lock()
		b.setTopics = append(b.setTopics, topic)
		b.mux.Unlock()
	}
	return nil
}

// Start subscribes to set requests and vehicle events, then publishes the
// current state of every accessory.
func (b *Bridge) Start() error {
	if err := b.subscribeSetTopics(); err != nil {
		_ = b.Stop()
		return errors.Wrap(err, "subscribing set topics")
	}
	if err := b.subscribeEvents(); err != nil {
		_ = b.Stop()
		return errors.Wrap(err, "subscribing events")
	}
	if err := b.publishSnapshot(); err != nil {
		log.Warningf("failed to publish initial state: %q", err)
	}
	return nil
}

// Stop removes every subscription and waits for the request being handled,
// if any. Queued requests are dropped.
func (b *Bridge) Stop() error {
	b.mux.Lock()
	if b.stopped {
		b.mux.Unlock()
		return nil
	}
	b.stopped = true
	subs, topics := b.subs, b.setTopics
	b.subs, b.setTopics = nil, nil
	for _, t := range b.timers {
		t.Stop()
	}
	b.mux.Unlock()

	var err error
	if len(topics) > 0 {
		if uerr := b.client.Unsubscribe(topics...); uerr != nil {
			err = errors.Wrap(uerr, "unsubscribing set topics")
		}
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	close(b.quit)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-time.After(stopTimeout):
		return fmt.Errorf("timeout waiting for set handlers to exit")
	}
}
