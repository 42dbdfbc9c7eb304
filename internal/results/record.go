// Package results holds measurement records produced by a sweep and the
// sinks that keep them: an in-memory recorder, a SQLite store and CSV export.
package results

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage labels the DPD stage a record was taken in.
type Stage string

const (
	StageBaseline  Stage = "baseline"
	StageSingle    Stage = "single-dpd"
	StageIterative Stage = "iterative-dpd"
	StageGMP       Stage = "gmp-dpd"
)

// Order returns the canonical reporting position of the stage.
func (s Stage) Order() int {
	switch s {
	case StageBaseline:
		return 0
	case StageSingle:
		return 1
	case StageIterative:
		return 2
	case StageGMP:
		return 3
	default:
		return 4
	}
}

// ACLR is the adjacent channel leakage of one measurement.
type ACLR struct {
	ChannelPowerDBm float64 `json:"channel_power_dbm"`
	LowerDB         float64 `json:"lower_db"`
	UpperDB         float64 `json:"upper_db"`
}

// Record is one completed reading. Records are immutable once appended.
type Record struct {
	RunID       string  `json:"run_id"`
	Sequence    int     `json:"sequence"`
	FrequencyHz float64 `json:"frequency_hz"`
	Stage       Stage   `json:"stage"`
	// ETDelay is set on envelope tracking records only.
	ETDelay         *float64      `json:"et_delay_s,omitempty"`
	PowerDBm        float64       `json:"power_dbm"`
	EVMDB           float64       `json:"evm_db"`
	ACLR            ACLR          `json:"aclr"`
	ServoIterations int           `json:"servo_iterations"`
	Converged       bool          `json:"converged"`
	InputDBm        *float64      `json:"input_dbm,omitempty"`
	Duration        time.Duration `json:"duration_ns"`
}

// Label is the stage name with the ET delay appended when present.
func (r Record) Label() string {
	if r.ETDelay == nil {
		return string(r.Stage)
	}
	return fmt.Sprintf("%s@%gs", r.Stage, *r.ETDelay)
}

// Failure marks a frequency point that produced no records.
type Failure struct {
	RunID       string  `json:"run_id"`
	FrequencyHz float64 `json:"frequency_hz"`
	State       string  `json:"state"`
	Error       string  `json:"error"`
}

// Recorder accepts records in creation order. Implementations must not
// reorder or drop them.
type Recorder interface {
	Append(Record) error
}

// FailureRecorder is implemented by recorders that also keep failure markers.
type FailureRecorder interface {
	AppendFailure(Failure) error
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.New().String() }

// Memory is an in-memory Recorder.
type Memory struct {
	mu       sync.Mutex
	records  []Record
	failures []Failure
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(r Record) error {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendFailure(f Failure) error {
	m.mu.Lock()
	m.failures = append(m.failures, f)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of the records in append order.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Failures returns a copy of the failure markers.
func (m *Memory) Failures() []Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Failure, len(m.failures))
	copy(out, m.failures)
	return out
}

// Multi fans records out to several recorders in order, stopping at the
// first error.
type Multi []Recorder

func (m Multi) Append(r Record) error {
	for _, rec := range m {
		if err := rec.Append(r); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) AppendFailure(f Failure) error {
	for _, rec := range m {
		if fr, ok := rec.(FailureRecorder); ok {
			if err := fr.AppendFailure(f); err != nil {
				return err
			}
		}
	}
	return nil
}
