package common

import (
	"testing"

	"ev-smartcharge/params"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSetting(t *testing.T) {
	v, err := ValidateSetting(params.ChargeCurrentSetting, params.ReducedCurrent)
	require.NoError(t, err)
	assert.Equal(t, "reduced", v)

	v, err = ValidateSetting(params.ChargeCurrentSetting, "maximum")
	require.NoError(t, err)
	assert.Equal(t, "maximum", v)

	_, err = ValidateSetting(params.ChargeCurrentSetting, "turbo")
	assert.Error(t, err)

	v, err = ValidateSetting(params.TargetSOCSetting, 80)
	require.NoError(t, err)
	assert.Equal(t, 80, v)

	_, err = ValidateSetting(params.TargetSOCSetting, 80.5)
	assert.Error(t, err)
	_, err = ValidateSetting(params.TargetSOCSetting, 120)
	assert.Error(t, err)

	v, err = ValidateSetting(params.AutoUnlockPlugSetting, false)
	require.NoError(t, err)
	assert.Equal(t, false, v)

	_, err = ValidateSetting("sunroof", true)
	assert.Error(t, err)
}

func TestNewSettingCommand(t *testing.T) {
	cmd, err := NewSettingCommand("VIN1", params.TargetSOCSetting, 70)
	require.NoError(t, err)
	assert.Equal(t, SetSettingCommand, cmd.Name)
	assert.Equal(t, params.TargetSOCSetting, cmd.Setting)
	assert.Equal(t, 70, cmd.Value)
	assert.NotEmpty(t, cmd.ID)

	other := NewCommand("VIN1", StartChargingCommand)
	assert.NotEqual(t, cmd.ID, other.ID)
}

func TestClimatisationCommands(t *testing.T) {
	cmd, err := NewClimatisationCommand("VIN1", 21.3)
	require.NoError(t, err)
	assert.Equal(t, SetClimatisationCommand, cmd.Name)
	assert.Equal(t, 21.5, cmd.Value)

	cmd, err = NewClimatisationSettingCommand("VIN1", params.WindowHeatingSetting, false)
	require.NoError(t, err)
	assert.Equal(t, SetClimatisationSettingCommand, cmd.Name)
	assert.Equal(t, params.WindowHeatingSetting, cmd.Setting)
	assert.Equal(t, false, cmd.Value)

	_, err = NewClimatisationSettingCommand("VIN1", params.TargetSOCSetting, true)
	assert.Error(t, err)
}
