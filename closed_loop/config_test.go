package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopConfigDefaults(t *testing.T) {
	cfg, err := loadLoopConfig(newLoopViper(), "")
	require.NoError(t, err)

	assert.Equal(t, 2.0, cfg.FFB.SpringGain)
	assert.Equal(t, 0.05, cfg.FFB.DamperGain)
	assert.Equal(t, 20.0, cfg.Shaping.MaxTorqueNm)
	assert.Equal(t, 300, cfg.Shaping.RampCycles)
	assert.Equal(t, "vcan0", cfg.CAN.Interface)
	assert.Empty(t, cfg.Warnings())
}

func TestLoopConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ffb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ffb:
  spring_gain: 3.5
  damper_gain: -0.1
shaping:
  max_torque_nm: 8
can:
  interface: can1
`), 0o644))

	cfg, err := loadLoopConfig(newLoopViper(), path)
	require.NoError(t, err)

	assert.Equal(t, 3.5, cfg.FFB.SpringGain)
	assert.Equal(t, -0.1, cfg.FFB.DamperGain)
	assert.Equal(t, 8.0, cfg.Shaping.MaxTorqueNm)
	assert.Equal(t, "can1", cfg.CAN.Interface)
	require.Len(t, cfg.Warnings(), 1)
	assert.Contains(t, cfg.Warnings()[0], "damper_gain")
}

func TestLoopConfigEnvOverride(t *testing.T) {
	t.Setenv("FFB_FFB_SPRING_GAIN", "1.25")

	cfg, err := loadLoopConfig(newLoopViper(), "")
	require.NoError(t, err)
	assert.Equal(t, 1.25, cfg.FFB.SpringGain)
}

func TestLoopConfigErrors(t *testing.T) {
	tests := map[string]string{
		"spring_gain":          "ffb:\n  spring_gain: .nan\n",
		"trace.store":          "trace:\n  store: redis\n",
		"matchmaker.token_ttl": "matchmaker:\n  token_ttl: 0s\n",
	}
	for want, src := range tests {
		t.Run(want, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
			_, err := loadLoopConfig(newLoopViper(), path)
			assert.ErrorContains(t, err, want)
		})
	}
}
