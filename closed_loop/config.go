package main

import (
	"fmt"

	"github.com/spf13/viper"

	ffb "ffb-core/closed_loop/force_feedback"
	"ffb-core/utils"
)

// LoopConfig is the control loop's configuration: the shared sections plus
// model gains and output shaping.
type LoopConfig struct {
	utils.AppConfig `mapstructure:",squash"`

	FFB     ffb.ModelConfig  `mapstructure:"ffb"`
	Shaping ffb.ShaperConfig `mapstructure:"shaping"`
}

func newLoopViper() *viper.Viper {
	v := utils.NewViper()
	v.SetDefault("ffb.spring_gain", ffb.DefaultSpringGain)
	v.SetDefault("ffb.damper_gain", ffb.DefaultDamperGain)
	v.SetDefault("shaping.max_torque_nm", 20.0)
	v.SetDefault("shaping.ramp_cycles", 300)
	return v
}

func loadLoopConfig(v *viper.Viper, path string) (LoopConfig, error) {
	if err := utils.ReadConfigFile(v, path); err != nil {
		return LoopConfig{}, err
	}

	var cfg LoopConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return LoopConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.AppConfig.Validate(); err != nil {
		return LoopConfig{}, err
	}
	if err := cfg.FFB.Validate(); err != nil {
		return LoopConfig{}, fmt.Errorf("ffb: %w", err)
	}
	return cfg, nil
}

// Warnings lists settings that are accepted but probably unintended
func (c LoopConfig) Warnings() []string {
	var out []string
	if c.FFB.SpringGain < 0 {
		out = append(out, fmt.Sprintf("ffb.spring_gain is negative (%.3f): wheel is pushed away from center", c.FFB.SpringGain))
	}
	if c.FFB.DamperGain < 0 {
		out = append(out, fmt.Sprintf("ffb.damper_gain is negative (%.3f): damping adds energy", c.FFB.DamperGain))
	}
	if c.Shaping.MaxTorqueNm <= 0 {
		out = append(out, "shaping.max_torque_nm disabled: output limited only by the CAN signal range")
	}
	return out
}
