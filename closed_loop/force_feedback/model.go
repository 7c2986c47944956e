package ffb

import (
	"errors"
	"fmt"
	"math"
)

// Default gains of the spring-damper model
const (
	DefaultSpringGain = 2.0  // Nm per unit of normalized steering angle
	DefaultDamperGain = 0.05 // Nm per deg/s of yaw rate
)

// ErrNonFiniteGain is returned by Validate when a gain is NaN or infinite
var ErrNonFiniteGain = errors.New("non-finite gain")

// SteeringSample is one observation of the steering/vehicle state
type SteeringSample struct {
	SteerNorm  float64 `json:"steer_norm"`   // normalized steering angle, conventionally [-1, 1]
	YawRateDPS float64 `json:"yaw_rate_dps"` // vehicle yaw rate, deg/s
}

// ModelConfig holds the gains of the force-feedback model
type ModelConfig struct {
	SpringGain float64 `json:"spring_gain" mapstructure:"spring_gain"`
	DamperGain float64 `json:"damper_gain" mapstructure:"damper_gain"`
}

// TorqueCommand is a signed steering-wheel torque in Nm
type TorqueCommand float64

// Nm returns the torque as a plain float64
func (t TorqueCommand) Nm() float64 { return float64(t) }

// DefaultModelConfig returns the default spring and damper gains
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		SpringGain: DefaultSpringGain,
		DamperGain: DefaultDamperGain,
	}
}

// ComputeTorque returns the commanded resistance torque for a sample:
//
//	torque = -(spring_gain * steer_norm) - (damper_gain * yaw_rate)
//
// Inputs are not validated. Non-finite values propagate as IEEE-754 does,
// so callers must filter faulty samples first (see SampleFinite).
func ComputeTorque(s SteeringSample, cfg ModelConfig) TorqueCommand {
	return TorqueCommand(-(cfg.SpringGain * s.SteerNorm) - (cfg.DamperGain * s.YawRateDPS))
}

// Torque is the method form of ComputeTorque
func (c ModelConfig) Torque(s SteeringSample) TorqueCommand {
	return ComputeTorque(s, c)
}

// SpringTerm returns the restoring component of the torque
func (c ModelConfig) SpringTerm(s SteeringSample) float64 {
	return -(c.SpringGain * s.SteerNorm)
}

// DamperTerm returns the damping component of the torque
func (c ModelConfig) DamperTerm(s SteeringSample) float64 {
	return -(c.DamperGain * s.YawRateDPS)
}

// Validate rejects gains that can never yield a finite torque.
// Negative gains are allowed.
func (c ModelConfig) Validate() error {
	if !finite(c.SpringGain) {
		return fmt.Errorf("spring_gain %v: %w", c.SpringGain, ErrNonFiniteGain)
	}
	if !finite(c.DamperGain) {
		return fmt.Errorf("damper_gain %v: %w", c.DamperGain, ErrNonFiniteGain)
	}
	return nil
}

// SampleFinite reports whether both fields of s are finite
func SampleFinite(s SteeringSample) bool {
	return finite(s.SteerNorm) && finite(s.YawRateDPS)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
