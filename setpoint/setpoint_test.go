package setpoint

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"ev-smartcharge/params"
	"ev-smartcharge/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type setting struct {
	key   params.SettingKey
	value interface{}
}

type recordingCommander struct {
	mux      sync.Mutex
	settings []setting
	err      error
}

func (r *recordingCommander) StartCharging(ctx context.Context) error { return nil }
func (r *recordingCommander) StopCharging(ctx context.Context) error  { return nil }

func (r *recordingCommander) SetChargingSetting(ctx context.Context, key params.SettingKey, value interface{}) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.settings = append(r.settings, setting{key: key, value: value})
	return r.err
}

func (r *recordingCommander) calls() []setting {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]setting(nil), r.settings...)
}

func TestNormalize(t *testing.T) {
	cases := map[float64]int{
		55:  60,
		62:  60,
		58:  60,
		71:  70,
		69:  70,
		44:  50,
		0:   50,
		-10: 50,
		100: 100,
		104: 100,
		130: 100,
		85:  90,
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "normalize(%v)", in)
	}
	assert.Equal(t, MinTargetSOC, Normalize(math.NaN()))
}

func TestBurstCommitsOnce(t *testing.T) {
	store := telemetry.NewStore(nil)
	store.Replace(&params.TelemetrySnapshot{CurrentSOCPercent: params.Float(42)})

	cmd := &recordingCommander{}
	var displayed []float64
	var dmux sync.Mutex
	d := NewDebouncer(cmd, store, 150*time.Millisecond, func(soc float64, known bool) {
		dmux.Lock()
		defer dmux.Unlock()
		assert.True(t, known)
		displayed = append(displayed, soc)
	})
	defer d.Stop()

	// Each request lands inside the window of the previous one, the whole
	// burst lasts longer than a single window.
	for i, v := range []float64{55, 62, 58, 71, 69} {
		if i > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		d.Request(v)
		assert.Empty(t, cmd.calls(), "committed before the burst ended")
	}
	pending, ok := d.Pending()
	assert.True(t, ok)
	assert.Equal(t, 70, pending)

	assert.Eventually(t, func() bool { return len(cmd.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(250 * time.Millisecond)

	calls := cmd.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, params.TargetSOCSetting, calls[0].key)
	assert.Equal(t, 70, calls[0].value)

	_, ok = d.Pending()
	assert.False(t, ok)

	dmux.Lock()
	defer dmux.Unlock()
	assert.Equal(t, []float64{42}, displayed)
}

func TestRequestRestartsWindow(t *testing.T) {
	cmd := &recordingCommander{}
	d := NewDebouncer(cmd, telemetry.NewStore(nil), 80*time.Millisecond, nil)
	defer d.Stop()

	d.Request(60)
	time.Sleep(40 * time.Millisecond)
	d.Request(90)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, cmd.calls(), "window restarted by the second request")

	assert.Eventually(t, func() bool { return len(cmd.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 90, cmd.calls()[0].value)
}

func TestFailedCommitStillRevertsDisplay(t *testing.T) {
	store := telemetry.NewStore(nil)
	store.Replace(&params.TelemetrySnapshot{CurrentSOCPercent: params.Float(77)})
	cmd := &recordingCommander{err: fmt.Errorf("vehicle asleep")}

	done := make(chan float64, 1)
	d := NewDebouncer(cmd, store, 10*time.Millisecond, func(soc float64, known bool) {
		assert.True(t, known)
		done <- soc
	})
	defer d.Stop()

	d.Request(80)
	select {
	case soc := <-done:
		assert.Equal(t, 77.0, soc)
	case <-time.After(2 * time.Second):
		t.Fatal("display was not reverted")
	}
}

func TestStopDropsPending(t *testing.T) {
	cmd := &recordingCommander{}
	d := NewDebouncer(cmd, telemetry.NewStore(nil), 20*time.Millisecond, nil)

	d.Request(70)
	d.Stop()
	d.Request(80)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, cmd.calls())
}

func TestUnknownSOCStillRevertsDisplay(t *testing.T) {
	cmd := &recordingCommander{}
	done := make(chan bool, 1)
	d := NewDebouncer(cmd, telemetry.NewStore(nil), 10*time.Millisecond, func(_ float64, known bool) {
		done <- known
	})
	defer d.Stop()

	d.Request(60)
	select {
	case known := <-done:
		assert.False(t, known)
	case <-time.After(2 * time.Second):
		t.Fatal("display was not reverted")
	}
	assert.Len(t, cmd.calls(), 1)
}
