package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCommand(t *testing.T) {
	before := testutil.ToFloat64(CommandsTotal.WithLabelValues("start", "failed"))
	ObserveCommand("start", time.Now(), fmt.Errorf("rejected"))
	assert.Equal(t, before+1, testutil.ToFloat64(CommandsTotal.WithLabelValues("start", "failed")))

	before = testutil.ToFloat64(CommandsTotal.WithLabelValues("start", "ok"))
	ObserveCommand("start", time.Now(), nil)
	assert.Equal(t, before+1, testutil.ToFloat64(CommandsTotal.WithLabelValues("start", "ok")))
}

func TestBusFailureHook(t *testing.T) {
	before := testutil.ToFloat64(BusHandlerFailuresTotal.WithLabelValues("currentSOC"))
	BusFailureHook("currentSOC", fmt.Errorf("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(BusHandlerFailuresTotal.WithLabelValues("currentSOC")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	Armed.Set(1)
	defer Armed.Set(0)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "evsc_controller_armed 1"))
}
