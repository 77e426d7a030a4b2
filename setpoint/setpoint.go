// Package setpoint coalesces bursts of target SOC requests into a single
// vehicle command.
package setpoint

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/juju/loggo"

	"ev-smartcharge/metrics"
	"ev-smartcharge/params"
	"ev-smartcharge/telemetry"
	"ev-smartcharge/vehicle/common"
)

var log = loggo.GetLogger("evsc.setpoint")

const (
	MinTargetSOC  = 50
	MaxTargetSOC  = 100
	DefaultWindow = 5 * time.Second

	commitTimeout = 30 * time.Second
)

// Normalize rounds percent to the nearest multiple of 10 and clamps it to
// the range the vehicle accepts.
func Normalize(percent float64) int {
	if math.IsNaN(percent) {
		return MinTargetSOC
	}
	v := int(math.Round(percent/10)) * 10
	if v < MinTargetSOC {
		return MinTargetSOC
	}
	if v > MaxTargetSOC {
		return MaxTargetSOC
	}
	return v
}

// DisplayFunc receives the actual SOC once a request has been committed.
// known is false when the vehicle has not reported a SOC.
type DisplayFunc func(actualSOC float64, known bool)

func NewDebouncer(commander common.Commander, store telemetry.Reader, window time.Duration, display DisplayFunc) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{
		commander: commander,
		store:     store,
		window:    window,
		display:   display,
	}
}

type Debouncer struct {
	commander common.Commander
	store     telemetry.Reader
	window    time.Duration
	display   DisplayFunc

	mux     sync.Mutex
	timer   *time.Timer
	seq     uint64
	pending int
	stopped bool
}

// Request records a new target and restarts the quiescence window. It returns
// the normalized value that will be committed if no other request follows.
func (d *Debouncer) Request(percent float64) int {
	value := Normalize(percent)

	d.mux.Lock()
	defer d.mux.Unlock()
	if d.stopped {
		return value
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.pending = value
	d.timer = time.AfterFunc(d.window, func() { d.commit(seq) })
	log.Debugf("target SOC %d%% requested (%.0f)", value, percent)
	return value
}

// Pending returns the value waiting to be committed, if any.
func (d *Debouncer) Pending() (int, bool) {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.pending, d.timer != nil
}

func (d *Debouncer) commit(seq uint64) {
	d.mux.Lock()
	if d.stopped || seq != d.seq {
		d.mux.Unlock()
		return
	}
	value := d.pending
	d.timer = nil
	d.mux.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	err := d.commander.SetChargingSetting(ctx, params.TargetSOCSetting, value)
	metrics.SetpointCommitsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		log.Errorf("failed to set target SOC to %d%%: %q", value, err)
	} else {
		log.Infof("target SOC set to %d%%", value)
	}

	if d.display == nil {
		return
	}
	d.display(d.store.Latest().CurrentSOC())
}

// Stop drops any pending request. Requests made afterwards are ignored.
func (d *Debouncer) Stop() {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
