package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"ev-smartcharge/config"
	"ev-smartcharge/params"
)

const (
	sampleInterval = 5 * time.Second
	averageWindow  = time.Minute
)

type valueReader interface {
	GetValue(service, path string) (interface{}, error)
	Close() error
}

type busReader struct {
	conn *dbus.Conn
}

func (b *busReader) GetValue(service, path string) (interface{}, error) {
	var ret interface{}
	obj := b.conn.Object(service, dbus.ObjectPath(path))
	err := obj.Call("com.victronenergy.BusItem.GetValue", 0).Store(&ret)
	if err != nil {
		return ret, errors.Wrapf(err, "fetching %s from dbus", path)
	}
	log.Tracef("got %v (%T) for %s", ret, ret, path)
	return ret, nil
}

func (b *busReader) Close() error {
	return b.conn.Close()
}

type sample struct {
	at    time.Time
	watts float64
}

// DBusSource derives the grid signal from the grid meter published on a
// Victron GX system bus. Grid power is sampled in the background and
// averaged over the last minute. Tariff comes from the configured low tariff
// hours.
type DBusSource struct {
	ctx    context.Context
	closed chan struct{}
	quit   chan struct{}

	reader  valueReader
	service string
	paths   []string
	tariff  config.TariffHours

	mut     sync.Mutex
	samples []sample

	now func() time.Time
}

func NewDBusSource(ctx context.Context, cfg config.DBusSignal) (*DBusSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "creating dbus connection")
	}
	return newDBusSource(ctx, &busReader{conn: conn}, cfg), nil
}

func newDBusSource(ctx context.Context, reader valueReader, cfg config.DBusSignal) *DBusSource {
	return &DBusSource{
		ctx:     ctx,
		closed:  make(chan struct{}),
		quit:    make(chan struct{}),
		reader:  reader,
		service: cfg.Service,
		paths:   cfg.GridPaths,
		tariff:  cfg.LowTariff,
		now:     time.Now,
	}
}

func valueAsFloat(val interface{}) (float64, error) {
	switch v := val.(type) {
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("invalid type %T", val)
	}
}

// sample reads every configured grid path and records the total.
func (d *DBusSource) sample() error {
	var total float64
	for _, path := range d.paths {
		ret, err := d.reader.GetValue(d.service, path)
		if err != nil {
			return errors.Wrap(err, "fetching value from dbus")
		}
		val, err := valueAsFloat(ret)
		if err != nil {
			return errors.Wrapf(err, "converting %s to float64", path)
		}
		total += val
	}

	d.mut.Lock()
	defer d.mut.Unlock()
	now := d.now()
	d.samples = append(d.prune(now), sample{at: now, watts: total})
	return nil
}

// prune drops samples that fell out of the averaging window. Callers hold mut.
func (d *DBusSource) prune(now time.Time) []sample {
	cutoff := now.Add(-averageWindow)
	idx := 0
	for idx < len(d.samples) && d.samples[idx].at.Before(cutoff) {
		idx++
	}
	return d.samples[idx:]
}

func (d *DBusSource) Fetch(ctx context.Context) (params.GridSignal, error) {
	d.mut.Lock()
	defer d.mut.Unlock()

	now := d.now()
	d.samples = d.prune(now)
	if len(d.samples) == 0 {
		return params.GridSignal{}, unreachable("dbus:"+d.service, fmt.Errorf("no grid samples in the last %s", averageWindow))
	}

	var sum float64
	for _, s := range d.samples {
		sum += s.watts
	}
	return params.GridSignal{
		MinAvgPowerKw:   sum / float64(len(d.samples)) / 1000,
		LowTariffActive: d.tariff.Active(now),
	}, nil
}

func (d *DBusSource) loop() {
	timer := time.NewTicker(sampleInterval)
	defer func() {
		timer.Stop()
		d.reader.Close()
		close(d.closed)
	}()

	for {
		select {
		case <-timer.C:
			if err := d.sample(); err != nil {
				log.Errorf("failed to sample grid power: %q", err)
			}
		case <-d.ctx.Done():
			return
		case <-d.quit:
			return
		}
	}
}

func (d *DBusSource) Start() error {
	if err := d.sample(); err != nil {
		// The GX device may still be booting; the loop keeps trying.
		log.Warningf("initial grid sample failed: %q", err)
	}
	go d.loop()
	return nil
}

func (d *DBusSource) Stop() error {
	close(d.quit)
	select {
	case <-d.closed:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timeout waiting for worker to exit")
	}
}
