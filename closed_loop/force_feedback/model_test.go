package ffb

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-12

func TestComputeTorqueScenarios(t *testing.T) {
	tests := []struct {
		name   string
		sample SteeringSample
		cfg    ModelConfig
		want   float64
	}{
		{
			name:   "default gains, right turn",
			sample: SteeringSample{SteerNorm: 0.5, YawRateDPS: 10.0},
			cfg:    DefaultModelConfig(),
			want:   -1.5,
		},
		{
			name:   "default gains, negative inputs",
			sample: SteeringSample{SteerNorm: -0.3, YawRateDPS: -5.0},
			cfg:    DefaultModelConfig(),
			want:   0.85,
		},
		{
			name:   "zero input, default gains",
			sample: SteeringSample{},
			cfg:    DefaultModelConfig(),
			want:   0,
		},
		{
			name:   "zero input, arbitrary gains",
			sample: SteeringSample{},
			cfg:    ModelConfig{SpringGain: -17.25, DamperGain: 3e6},
			want:   0,
		},
		{
			name:   "spring only",
			sample: SteeringSample{SteerNorm: 1, YawRateDPS: 40},
			cfg:    ModelConfig{SpringGain: 4},
			want:   -4,
		},
		{
			name:   "damper only",
			sample: SteeringSample{SteerNorm: 0.9, YawRateDPS: -20},
			cfg:    ModelConfig{DamperGain: 0.1},
			want:   2,
		},
		{
			name:   "steer_norm outside [-1, 1] is not clamped",
			sample: SteeringSample{SteerNorm: 2.5},
			cfg:    DefaultModelConfig(),
			want:   -5,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeTorque(tc.sample, tc.cfg)
			assert.InDelta(t, tc.want, got.Nm(), eps)
			assert.Equal(t, got, tc.cfg.Torque(tc.sample))
		})
	}
}

func TestComputeTorqueMatchesFormula(t *testing.T) {
	steers := []float64{-1, -0.75, -0.1, 0, 0.2, 0.5, 1, 3}
	yaws := []float64{-120, -10, -0.5, 0, 1, 33.3, 250}
	gains := []ModelConfig{
		DefaultModelConfig(),
		{SpringGain: 0, DamperGain: 0},
		{SpringGain: 7.5, DamperGain: 0.2},
		{SpringGain: -1, DamperGain: -0.01},
	}

	for _, cfg := range gains {
		for _, st := range steers {
			for _, yr := range yaws {
				s := SteeringSample{SteerNorm: st, YawRateDPS: yr}
				want := -(cfg.SpringGain * st) - (cfg.DamperGain * yr)
				got := ComputeTorque(s, cfg).Nm()
				require.False(t, math.IsNaN(got) || math.IsInf(got, 0))
				require.InDelta(t, want, got, 1e-9, "cfg=%+v sample=%+v", cfg, s)
				require.InDelta(t, got, cfg.SpringTerm(s)+cfg.DamperTerm(s), 1e-9)
			}
		}
	}
}

func TestComputeTorqueLinearity(t *testing.T) {
	cfg := ModelConfig{SpringGain: 2.0, DamperGain: 0.05}

	// steer_norm with yaw_rate held fixed
	base := ComputeTorque(SteeringSample{SteerNorm: 0, YawRateDPS: 12}, cfg).Nm()
	a := ComputeTorque(SteeringSample{SteerNorm: 0.2, YawRateDPS: 12}, cfg).Nm() - base
	b := ComputeTorque(SteeringSample{SteerNorm: 0.6, YawRateDPS: 12}, cfg).Nm() - base
	assert.InDelta(t, 3*a, b, 1e-9)

	// yaw_rate with steer_norm held fixed
	base = ComputeTorque(SteeringSample{SteerNorm: -0.4, YawRateDPS: 0}, cfg).Nm()
	a = ComputeTorque(SteeringSample{SteerNorm: -0.4, YawRateDPS: 8}, cfg).Nm() - base
	b = ComputeTorque(SteeringSample{SteerNorm: -0.4, YawRateDPS: -16}, cfg).Nm() - base
	assert.InDelta(t, -2*a, b, 1e-9)
}

func TestComputeTorqueDeterministic(t *testing.T) {
	s := SteeringSample{SteerNorm: 0.123456789, YawRateDPS: -98.7654321}
	cfg := ModelConfig{SpringGain: 2.345, DamperGain: 0.0678}

	first := math.Float64bits(ComputeTorque(s, cfg).Nm())
	for i := 0; i < 1000; i++ {
		require.Equal(t, first, math.Float64bits(ComputeTorque(s, cfg).Nm()))
	}
}

func TestComputeTorqueConcurrent(t *testing.T) {
	cfg := DefaultModelConfig()
	const workers = 16
	const perWorker = 500

	want := make([][]TorqueCommand, workers)
	for w := 0; w < workers; w++ {
		want[w] = make([]TorqueCommand, perWorker)
		for i := 0; i < perWorker; i++ {
			want[w][i] = ComputeTorque(sampleFor(w, i), cfg)
		}
	}

	got := make([][]TorqueCommand, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := make([]TorqueCommand, perWorker)
			for i := 0; i < perWorker; i++ {
				out[i] = ComputeTorque(sampleFor(w, i), cfg)
			}
			got[w] = out
		}(w)
	}
	wg.Wait()

	assert.Equal(t, want, got)
}

func sampleFor(w, i int) SteeringSample {
	return SteeringSample{
		SteerNorm:  float64(w-8) / 8,
		YawRateDPS: float64(i%50) - 25,
	}
}

func TestDefaultModelConfig(t *testing.T) {
	cfg := DefaultModelConfig()
	assert.Equal(t, 2.0, cfg.SpringGain)
	assert.Equal(t, 0.05, cfg.DamperGain)
}

func TestModelConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ModelConfig
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultModelConfig()},
		{name: "negative gains allowed", cfg: ModelConfig{SpringGain: -1, DamperGain: -0.5}},
		{name: "nan spring", cfg: ModelConfig{SpringGain: math.NaN()}, wantErr: true},
		{name: "inf damper", cfg: ModelConfig{DamperGain: math.Inf(-1)}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrNonFiniteGain))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSampleFinite(t *testing.T) {
	assert.True(t, SampleFinite(SteeringSample{SteerNorm: -1, YawRateDPS: 400}))
	assert.False(t, SampleFinite(SteeringSample{SteerNorm: math.NaN()}))
	assert.False(t, SampleFinite(SteeringSample{YawRateDPS: math.Inf(1)}))
}
