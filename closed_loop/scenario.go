package main

import (
	"encoding/json"
	"fmt"
	"os"

	ffb "ffb-core/closed_loop/force_feedback"
	"ffb-core/storage"
)

// Scenario defines a replayable steering input profile
type Scenario struct {
	Meta     ScenarioMeta       `json:"meta"`
	Timing   ScenarioTiming     `json:"timing"`
	Defaults ffb.SteeringSample `json:"defaults"`
	Segments []ScenarioSegment  `json:"segments"`
	Model    *ffb.ModelConfig   `json:"model,omitempty"`   // Optional gain override
	Shaping  *ffb.ShaperConfig  `json:"shaping,omitempty"` // Optional shaping override
}

// ScenarioMeta contains scenario metadata
type ScenarioMeta struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description"`
}

// ScenarioTiming defines timing parameters
type ScenarioTiming struct {
	DtS       float64 `json:"dt_s"`
	DurationS float64 `json:"duration_s"`
}

// ScenarioSegment holds a constant sample over [T0, T1); T1 < 0 runs to the end
type ScenarioSegment struct {
	T0         float64 `json:"t0"`
	T1         float64 `json:"t1"`
	SteerNorm  float64 `json:"steer_norm"`
	YawRateDPS float64 `json:"yaw_rate_dps"`
	Comment    string  `json:"comment,omitempty"`
}

// LoadScenario loads a scenario from JSON file
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read file: %w", err)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (Scenario, error) {
	var scen Scenario
	if err := json.Unmarshal(data, &scen); err != nil {
		return Scenario{}, fmt.Errorf("unmarshal: %w", err)
	}

	if scen.Timing.DurationS <= 0 {
		return Scenario{}, fmt.Errorf("invalid duration_s: %f", scen.Timing.DurationS)
	}
	if scen.Timing.DtS <= 0 {
		return Scenario{}, fmt.Errorf("invalid dt_s: %f", scen.Timing.DtS)
	}
	if scen.Model != nil {
		if err := scen.Model.Validate(); err != nil {
			return Scenario{}, fmt.Errorf("model: %w", err)
		}
	}
	for i, seg := range scen.Segments {
		if seg.T1 >= 0 && seg.T1 <= seg.T0 {
			return Scenario{}, fmt.Errorf("segment %d: t1 %.3f not after t0 %.3f", i, seg.T1, seg.T0)
		}
	}

	return scen, nil
}

// EvalSample evaluates the scenario at time t; the first matching segment wins
func EvalSample(scen *Scenario, t float64) ffb.SteeringSample {
	for _, seg := range scen.Segments {
		t1 := seg.T1
		if t1 < 0 {
			t1 = scen.Timing.DurationS
		}
		if t >= seg.T0 && t < t1 {
			return ffb.SteeringSample{SteerNorm: seg.SteerNorm, YawRateDPS: seg.YawRateDPS}
		}
	}
	return scen.Defaults
}

// Replay runs the model over the scenario at k*dt for every t < duration.
// Scenario overrides take precedence over model and shaping.
func Replay(scen *Scenario, model ffb.ModelConfig, shaping ffb.ShaperConfig) []storage.TraceRecord {
	if scen.Model != nil {
		model = *scen.Model
	}
	if scen.Shaping != nil {
		shaping = *scen.Shaping
	}
	shaper := ffb.NewOutputShaper(shaping)

	const slack = 1e-9
	var out []storage.TraceRecord
	for k := 0; ; k++ {
		t := float64(k) * scen.Timing.DtS
		if t >= scen.Timing.DurationS-slack {
			break
		}
		s := EvalSample(scen, t)
		torque := ffb.ComputeTorque(s, model)
		out = append(out, storage.TraceRecord{
			Seq:        k,
			TimeS:      t,
			SteerNorm:  s.SteerNorm,
			YawRateDPS: s.YawRateDPS,
			TorqueNm:   torque.Nm(),
			CommandNm:  shaper.Apply(torque).Nm(),
		})
	}
	return out
}

// ReplayStats summarizes a trace
type ReplayStats struct {
	Samples     int
	MinTorqueNm float64
	MaxTorqueNm float64
	MeanAbsNm   float64
}

func Summarize(trace []storage.TraceRecord) ReplayStats {
	st := ReplayStats{Samples: len(trace)}
	if len(trace) == 0 {
		return st
	}
	st.MinTorqueNm, st.MaxTorqueNm = trace[0].CommandNm, trace[0].CommandNm
	var sumAbs float64
	for _, r := range trace {
		if r.CommandNm < st.MinTorqueNm {
			st.MinTorqueNm = r.CommandNm
		}
		if r.CommandNm > st.MaxTorqueNm {
			st.MaxTorqueNm = r.CommandNm
		}
		if r.CommandNm < 0 {
			sumAbs -= r.CommandNm
		} else {
			sumAbs += r.CommandNm
		}
	}
	st.MeanAbsNm = sumAbs / float64(len(trace))
	return st
}
