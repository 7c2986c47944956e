package ffb

import "math"

// ShaperConfig holds output shaping parameters applied by the control loop
type ShaperConfig struct {
	MaxTorqueNm float64 `json:"max_torque_nm" mapstructure:"max_torque_nm"` // 0 disables saturation
	RampCycles  int     `json:"ramp_cycles" mapstructure:"ramp_cycles"`     // 0 disables soft start
}

// OutputShaper saturates the model torque and fades it in after (re)start.
// It is stateful and must be owned by a single loop.
type OutputShaper struct {
	cfg ShaperConfig
	n   int
}

// NewOutputShaper creates a shaper; negative limits are treated as disabled
func NewOutputShaper(cfg ShaperConfig) *OutputShaper {
	if cfg.MaxTorqueNm < 0 {
		cfg.MaxTorqueNm = 0
	}
	if cfg.RampCycles < 0 {
		cfg.RampCycles = 0
	}
	return &OutputShaper{cfg: cfg}
}

// Apply shapes one torque command
func (s *OutputShaper) Apply(t TorqueCommand) TorqueCommand {
	out := float64(t)
	if s.cfg.MaxTorqueNm > 0 {
		out = math.Max(-s.cfg.MaxTorqueNm, math.Min(s.cfg.MaxTorqueNm, out))
	}
	if s.n < s.cfg.RampCycles {
		s.n++
		out = out * float64(s.n) / float64(s.cfg.RampCycles)
	}
	return TorqueCommand(out)
}

// Reset restarts the soft-start ramp
func (s *OutputShaper) Reset() {
	s.n = 0
}

// Ramping reports whether the soft-start ramp is still in progress
func (s *OutputShaper) Ramping() bool {
	return s.n < s.cfg.RampCycles
}
