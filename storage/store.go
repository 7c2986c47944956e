// Package storage persists force-feedback runs and their torque traces.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Run sources
const (
	SourceReplay = "replay"
	SourceCAN    = "can"
)

var ErrRunNotFound = errors.New("run not found")

// Run describes one replay or live loop session
type Run struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
	SpringGain float64   `json:"spring_gain"`
	DamperGain float64   `json:"damper_gain"`
}

// TraceRecord is one model evaluation within a run
type TraceRecord struct {
	RunID      string  `json:"run_id"`
	Seq        int     `json:"seq"`
	TimeS      float64 `json:"t_s"`
	SteerNorm  float64 `json:"steer_norm"`
	YawRateDPS float64 `json:"yaw_rate_dps"`
	TorqueNm   float64 `json:"torque_nm"`
	CommandNm  float64 `json:"command_nm"`
}

// Store defines persistence operations for runs and traces.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, bool, error)
	AppendTrace(ctx context.Context, records []TraceRecord) error
	ListTrace(ctx context.Context, runID string) ([]TraceRecord, error)
	Close() error
}

// NewStore builds a store by kind: "memory" or "sqlite"
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(path), nil
	default:
		return nil, fmt.Errorf("unsupported store %q", kind)
	}
}
