package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"ev-smartcharge/params"
	"ev-smartcharge/vehicle/common"
)

type publisher interface {
	Publish(ctx context.Context, topic string, retained bool, payload []byte) error
}

// MQTTCommander publishes command envelopes to <base topic>/command/<name>.
type MQTTCommander struct {
	pub       publisher
	vin       string
	baseTopic string
}

func NewMQTTCommander(pub publisher, vin, baseTopic string) *MQTTCommander {
	return &MQTTCommander{
		pub:       pub,
		vin:       vin,
		baseTopic: baseTopic,
	}
}

func (m *MQTTCommander) topic(name string) string {
	return fmt.Sprintf("%s/command/%s", m.baseTopic, name)
}

func (m *MQTTCommander) send(ctx context.Context, cmd common.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshaling command")
	}
	log.Debugf("sending %s (%s)", cmd.Name, cmd.ID)
	if err := m.pub.Publish(ctx, m.topic(cmd.Name), false, payload); err != nil {
		return errors.Wrapf(err, "publishing %s", cmd.Name)
	}
	return nil
}

func (m *MQTTCommander) StartCharging(ctx context.Context) error {
	return m.send(ctx, common.NewCommand(m.vin, common.StartChargingCommand))
}

func (m *MQTTCommander) StopCharging(ctx context.Context) error {
	return m.send(ctx, common.NewCommand(m.vin, common.StopChargingCommand))
}

func (m *MQTTCommander) SetChargingSetting(ctx context.Context, key params.SettingKey, value interface{}) error {
	cmd, err := common.NewSettingCommand(m.vin, key, value)
	if err != nil {
		return errors.Wrap(err, "building command")
	}
	return m.send(ctx, cmd)
}

func (m *MQTTCommander) StartClimatisation(ctx context.Context) error {
	return m.send(ctx, common.NewCommand(m.vin, common.StartClimatisationCommand))
}

func (m *MQTTCommander) StopClimatisation(ctx context.Context) error {
	return m.send(ctx, common.NewCommand(m.vin, common.StopClimatisationCommand))
}

func (m *MQTTCommander) SetClimatisation(ctx context.Context, celsius float64) error {
	cmd, err := common.NewClimatisationCommand(m.vin, celsius)
	if err != nil {
		return errors.Wrap(err, "building command")
	}
	return m.send(ctx, cmd)
}

func (m *MQTTCommander) SetClimatisationSetting(ctx context.Context, key params.SettingKey, enabled bool) error {
	cmd, err := common.NewClimatisationSettingCommand(m.vin, key, enabled)
	if err != nil {
		return errors.Wrap(err, "building command")
	}
	return m.send(ctx, cmd)
}
