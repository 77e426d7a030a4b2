package client

import (
	"bytes"
	"context"
	b64 "encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"ev-smartcharge/params"
	"ev-smartcharge/vehicle/common"
)

const maxStatusSize = 1 << 20

// NewHTTPCommander returns a client for the HTTP API of the vehicle bridge.
func NewHTTPCommander(addr, vin, username, password string) *HTTPCommander {
	return &HTTPCommander{
		addr:     addr,
		vin:      vin,
		username: username,
		password: password,
		cli:      &http.Client{Timeout: 30 * time.Second},
	}
}

type HTTPCommander struct {
	addr     string
	vin      string
	username string
	password string
	cli      *http.Client
}

type commandResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (h *HTTPCommander) authHeaders() string {
	creds := fmt.Sprintf("%s:%s", h.username, h.password)
	encoded := b64.StdEncoding.EncodeToString([]byte(creds))
	return fmt.Sprintf("Basic %s", encoded)
}

func (h *HTTPCommander) url(path string) string {
	return fmt.Sprintf("http://%s/%s?vin=%s", h.addr, path, url.QueryEscape(h.vin))
}

func (h *HTTPCommander) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.url(path), body)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	if h.username != "" {
		req.Header.Set("Authorization", h.authHeaders())
	}
	return req, nil
}

// Status returns the raw status document of the vehicle.
func (h *HTTPCommander) Status(ctx context.Context) ([]byte, error) {
	req, err := h.newRequest(ctx, http.MethodGet, "status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.cli.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching status")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusSize))
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}
	return body, nil
}

func (h *HTTPCommander) send(ctx context.Context, cmd common.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshaling command")
	}
	req, err := h.newRequest(ctx, http.MethodPost, "command", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.cli.Do(req)
	if err != nil {
		return errors.Wrapf(err, "sending %s", cmd.Name)
	}
	defer resp.Body.Close()

	var ret commandResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxStatusSize)).Decode(&ret); err != nil && err != io.EOF {
		return errors.Wrap(err, "unmarshaling response")
	}
	if resp.StatusCode/100 != 2 {
		if ret.Error != "" {
			return fmt.Errorf("bridge rejected %s (%s): %s", cmd.Name, cmd.ID, ret.Error)
		}
		return fmt.Errorf("bridge rejected %s (%s): %s", cmd.Name, cmd.ID, resp.Status)
	}
	return nil
}

func (h *HTTPCommander) StartCharging(ctx context.Context) error {
	return h.send(ctx, common.NewCommand(h.vin, common.StartChargingCommand))
}

func (h *HTTPCommander) StopCharging(ctx context.Context) error {
	return h.send(ctx, common.NewCommand(h.vin, common.StopChargingCommand))
}

func (h *HTTPCommander) SetChargingSetting(ctx context.Context, key params.SettingKey, value interface{}) error {
	cmd, err := common.NewSettingCommand(h.vin, key, value)
	if err != nil {
		return errors.Wrap(err, "building command")
	}
	return h.send(ctx, cmd)
}

func (h *HTTPCommander) StartClimatisation(ctx context.Context) error {
	return h.send(ctx, common.NewCommand(h.vin, common.StartClimatisationCommand))
}

func (h *HTTPCommander) StopClimatisation(ctx context.Context) error {
	return h.send(ctx, common.NewCommand(h.vin, common.StopClimatisationCommand))
}

func (h *HTTPCommander) SetClimatisation(ctx context.Context, celsius float64) error {
	cmd, err := common.NewClimatisationCommand(h.vin, celsius)
	if err != nil {
		return errors.Wrap(err, "building command")
	}
	return h.send(ctx, cmd)
}

func (h *HTTPCommander) SetClimatisationSetting(ctx context.Context, key params.SettingKey, enabled bool) error {
	cmd, err := common.NewClimatisationSettingCommand(h.vin, key, enabled)
	if err != nil {
		return errors.Wrap(err, "building command")
	}
	return h.send(ctx, cmd)
}
