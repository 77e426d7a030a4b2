package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ev-smartcharge/params"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultFetchTimeout = 10 * time.Second
	maxBodySize         = 1 << 20
)

// energyData is the document served by the energy data source.
type energyData struct {
	MinAvg    *float64 `json:"minAvg"`
	LowTariff *bool    `json:"lowTariff"`
}

type HTTPOption func(*HTTPSource)

func WithHTTPClient(cli *http.Client) HTTPOption {
	return func(h *HTTPSource) {
		h.cli = cli
	}
}

func WithBreaker(cb *gobreaker.CircuitBreaker[params.GridSignal]) HTTPOption {
	return func(h *HTTPSource) {
		h.breaker = cb
	}
}

// HTTPSource reads the grid signal from a JSON endpoint. Requests go through a
// circuit breaker; while it is open every fetch is unreachable.
type HTTPSource struct {
	url     string
	cli     *http.Client
	breaker *gobreaker.CircuitBreaker[params.GridSignal]
}

func NewHTTPSource(url string, opts ...HTTPOption) *HTTPSource {
	h := &HTTPSource{
		url: url,
		cli: &http.Client{Timeout: defaultFetchTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.breaker == nil {
		h.breaker = NewBreaker("energy-data-source")
	}
	return h
}

// NewBreaker opens after three consecutive failures and probes again after
// five minutes.
func NewBreaker(name string) *gobreaker.CircuitBreaker[params.GridSignal] {
	return gobreaker.NewCircuitBreaker[params.GridSignal](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warningf("circuit breaker %s changed from %s to %s", name, from, to)
		},
	})
}

func (h *HTTPSource) Fetch(ctx context.Context) (params.GridSignal, error) {
	sig, err := h.breaker.Execute(func() (params.GridSignal, error) {
		return h.fetch(ctx)
	})
	if err != nil {
		return params.GridSignal{}, unreachable(h.url, err)
	}
	return sig, nil
}

func (h *HTTPSource) fetch(ctx context.Context) (params.GridSignal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return params.GridSignal{}, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.cli.Do(req)
	if err != nil {
		return params.GridSignal{}, errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return params.GridSignal{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return params.GridSignal{}, errors.Wrap(err, "reading response")
	}
	return parseEnergyData(body)
}

func parseEnergyData(body []byte) (params.GridSignal, error) {
	var data energyData
	if err := json.Unmarshal(body, &data); err != nil {
		return params.GridSignal{}, errors.Wrap(err, "decoding energy data")
	}
	if data.MinAvg == nil {
		return params.GridSignal{}, fmt.Errorf("energy data is missing minAvg")
	}
	if data.LowTariff == nil {
		return params.GridSignal{}, fmt.Errorf("energy data is missing lowTariff")
	}
	return params.GridSignal{
		MinAvgPowerKw:   *data.MinAvg,
		LowTariffActive: *data.LowTariff,
	}, nil
}
