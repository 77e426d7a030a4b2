// Package controller runs the smart charging rules on a fixed period while
// smart charging is armed.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/juju/loggo"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"ev-smartcharge/config"
	"ev-smartcharge/decision"
	"ev-smartcharge/metrics"
	"ev-smartcharge/params"
	"ev-smartcharge/signal"
	"ev-smartcharge/telemetry"
	"ev-smartcharge/vehicle/common"
)

var log = loggo.GetLogger("evsc.controller")

const (
	StateDisarmed = "disarmed"
	StateArmed    = "armed"

	eventArm    = "arm"
	eventDisarm = "disarm"

	fetchTimeout   = 20 * time.Second
	commandTimeout = 30 * time.Second
)

const (
	outcomeApplied = "applied"
	outcomeNoop    = "noop"
	outcomeSkipped = "skipped"
	outcomeStale   = "stale"
	outcomeFailed  = "failed"
)

type Option func(*Controller)

// WithClock replaces time.Now when picking the month for the seasonal target.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithInterval overrides the configured tick period.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		c.interval = d
	}
}

func NewController(ctx context.Context, cfg config.SmartCharging, store telemetry.Reader, source signal.Source, commander common.Commander, opts ...Option) *Controller {
	c := &Controller{
		ctx:           ctx,
		store:         store,
		source:        source,
		commander:     commander,
		thresholds:    cfg.Thresholds(),
		requireSource: cfg.SignalSource != config.SignalSourceDBus,
		interval:      cfg.Interval(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.interval <= 0 {
		c.interval = config.DefaultPollInterval * time.Second
	}

	c.state = fsm.NewFSM(
		StateDisarmed,
		fsm.Events{
			{Name: eventArm, Src: []string{StateDisarmed}, Dst: StateArmed},
			{Name: eventDisarm, Src: []string{StateArmed}, Dst: StateDisarmed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Infof("smart charging %s", e.Dst)
				if e.Dst == StateArmed {
					metrics.Armed.Set(1)
				} else {
					metrics.Armed.Set(0)
				}
			},
		},
	)
	return c
}

// Controller is the arm/disarm state machine around the periodic decision
// tick.
type Controller struct {
	ctx context.Context

	store         telemetry.Reader
	source        signal.Source
	commander     common.Commander
	thresholds    params.ThresholdConfig
	requireSource bool
	interval      time.Duration
	now           func() time.Time

	mux       sync.Mutex
	state     *fsm.FSM
	scheduler *gocron.Scheduler
	armCtx    context.Context
	cancelArm context.CancelFunc

	// generation changes on every arm and disarm. A tick only applies
	// commands while the generation it was started with is still current.
	generation atomic.Uint64
	inFlight   atomic.Bool
}

// Armed reports whether the periodic tick is running.
func (c *Controller) Armed() bool {
	return c.state.Is(StateArmed)
}

// Arm validates the thresholds and starts ticking. Arming an armed
// controller does nothing.
func (c *Controller) Arm() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.state.Is(StateArmed) {
		return nil
	}

	if err := c.thresholds.Validate(c.requireSource); err != nil {
		return errors.Wrap(err, "refusing to arm")
	}

	armCtx, cancel := context.WithCancel(c.ctx)
	gen := c.generation.Add(1)

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	if _, err := scheduler.Every(c.interval).WaitForSchedule().Do(c.tick, armCtx, gen); err != nil {
		cancel()
		return errors.Wrap(err, "scheduling tick")
	}

	if err := c.state.Event(c.ctx, eventArm); err != nil {
		cancel()
		return errors.Wrap(err, "arming")
	}

	c.armCtx = armCtx
	c.cancelArm = cancel
	c.scheduler = scheduler
	scheduler.StartAsync()
	log.Infof("evaluating every %s", c.interval)
	return nil
}

// Disarm stops the tick. Commands computed by a tick that is still running
// are dropped.
func (c *Controller) Disarm() error {
	c.mux.Lock()
	if !c.state.Is(StateArmed) {
		c.mux.Unlock()
		return nil
	}

	c.generation.Add(1)
	c.cancelArm()
	scheduler := c.scheduler
	c.scheduler = nil
	c.cancelArm = nil
	c.armCtx = nil
	err := c.state.Event(c.ctx, eventDisarm)
	c.mux.Unlock()

	scheduler.Stop()
	if err != nil {
		return errors.Wrap(err, "disarming")
	}
	return nil
}

// SetArmed arms or disarms the controller.
func (c *Controller) SetArmed(armed bool) error {
	if armed {
		return c.Arm()
	}
	return c.Disarm()
}

func (c *Controller) Close() error {
	return c.Disarm()
}

func (c *Controller) current(ctx context.Context, gen uint64) bool {
	return ctx.Err() == nil && c.generation.Load() == gen
}

func (c *Controller) tick(ctx context.Context, gen uint64) {
	if !c.inFlight.CompareAndSwap(false, true) {
		log.Warningf("previous evaluation still running, skipping tick")
		metrics.TicksTotal.WithLabelValues(outcomeSkipped).Inc()
		return
	}
	defer c.inFlight.Store(false)

	outcome := c.evaluate(ctx, gen)
	metrics.TicksTotal.WithLabelValues(outcome).Inc()
}

func (c *Controller) fetchSignal(ctx context.Context) *params.GridSignal {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	sig, err := c.source.Fetch(ctx)
	if err != nil {
		metrics.SignalFailuresTotal.Inc()
		log.Warningf("failed to fetch grid signal: %q", err)
		return nil
	}
	return &sig
}

func (c *Controller) evaluate(ctx context.Context, gen uint64) string {
	snap := c.store.Latest()

	var sig *params.GridSignal
	if decision.NeedsSignal(snap, c.thresholds) {
		sig = c.fetchSignal(ctx)
	}

	if !c.current(ctx, gen) {
		log.Infof("disarmed during evaluation, nothing applied")
		return outcomeStale
	}

	d := decision.Decide(decision.Input{
		Snapshot:   snap,
		Thresholds: c.thresholds,
		Signal:     sig,
		Month:      int(c.now().Month()),
	})
	metrics.DecisionsTotal.WithLabelValues(string(d.Branch)).Inc()

	if d.IsNoOp() {
		log.Infof("no action needed: %s", d.Reason)
		return outcomeNoop
	}

	log.Infof("%s; applying %v", d.Reason, d.Commands)
	for _, cmd := range d.Commands {
		if !c.current(ctx, gen) {
			log.Infof("disarmed, dropping %s", cmd)
			return outcomeStale
		}
		if err := c.apply(ctx, cmd); err != nil {
			// The next tick sees the same state and tries again.
			log.Errorf("failed to apply %s: %q", cmd, err)
			return outcomeFailed
		}
	}
	return outcomeApplied
}

func (c *Controller) apply(ctx context.Context, cmd params.ChargeCommand) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	started := time.Now()
	var err error
	switch cmd.Kind {
	case params.SetCurrent:
		err = c.commander.SetChargingSetting(ctx, params.ChargeCurrentSetting, cmd.Current)
	case params.Start:
		err = c.commander.StartCharging(ctx)
	case params.Stop:
		err = c.commander.StopCharging(ctx)
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
	metrics.ObserveCommand(cmd.Kind.String(), started, err)
	return err
}
