// Package servo holds the amplifier output at a target power by nudging the
// generator level until the measured power is within tolerance.
package servo

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rjboer/pabench/internal/instrument"
	"github.com/rjboer/pabench/internal/logging"
)

// Source selects where the loop reads output power from.
type Source int

const (
	// ExternalMeter uses the power meter output channel.
	ExternalMeter Source = iota
	// InternalAnalyzer uses the analyzer channel power.
	InternalAnalyzer
)

func (s Source) String() string {
	switch s {
	case ExternalMeter:
		return "external"
	case InternalAnalyzer:
		return "internal"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// ParseSource accepts "external" (or "meter") and "internal" (or "analyzer").
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "external", "meter":
		return ExternalMeter, nil
	case "internal", "analyzer":
		return InternalAnalyzer, nil
	default:
		return ExternalMeter, fmt.Errorf("unknown servo source %q", s)
	}
}

// Feedback returns one output power reading in dBm.
type Feedback interface {
	Read(ctx context.Context) (float64, error)
}

// FeedbackFunc adapts a function to Feedback.
type FeedbackFunc func(ctx context.Context) (float64, error)

func (f FeedbackFunc) Read(ctx context.Context) (float64, error) { return f(ctx) }

// FeedbackFor binds a source to the instrument session.
func FeedbackFor(src Source, f instrument.Facade) Feedback {
	if src == InternalAnalyzer {
		return FeedbackFunc(f.ReadAnalyzerPower)
	}
	return FeedbackFunc(f.ReadExternalPowerMeter)
}

// Generator is the actuator side of the loop.
type Generator interface {
	SetGeneratorPower(ctx context.Context, dbm float64) error
}

// Params configures one convergence attempt.
type Params struct {
	Target        float64 // dBm at the DUT output
	Tolerance     float64 // dB
	MaxIterations int
	// Gain scales each correction; 1 assumes 1 dB/dB near the operating point.
	Gain float64
	// Start is the generator level in effect when the attempt begins.
	Start float64
}

// State is the outcome of one attempt. Iterations counts corrections applied.
type State struct {
	CommandedDBm float64
	MeasuredDBm  float64
	Iterations   int
	Converged    bool
}

// Loop runs proportional power corrections against a generator.
type Loop struct {
	gen    Generator
	logger logging.Logger
}

func New(gen Generator, logger logging.Logger) *Loop {
	if logger == nil {
		logger = logging.Default()
	}
	return &Loop{gen: gen, logger: logger.With(logging.F("subsystem", "servo"))}
}

// Converge reads fb and corrects the generator until the reading is within
// tolerance or MaxIterations corrections have been applied. Running out of
// iterations is not an error; it is reported as Converged=false.
func (l *Loop) Converge(ctx context.Context, p Params, fb Feedback) (State, error) {
	gain := p.Gain
	if gain <= 0 {
		gain = 1
	}
	maxIter := p.MaxIterations
	if maxIter < 1 {
		maxIter = 1
	}

	st := State{CommandedDBm: p.Start}
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		measured, err := fb.Read(ctx)
		if err != nil {
			return st, err
		}
		st.MeasuredDBm = measured

		delta := p.Target - measured
		if math.Abs(delta) <= p.Tolerance {
			st.Converged = true
			l.logger.Debug("converged",
				logging.F("measured_dbm", measured),
				logging.F("commanded_dbm", st.CommandedDBm),
				logging.F("iterations", st.Iterations))
			return st, nil
		}

		if err := ctx.Err(); err != nil {
			return st, err
		}
		next := st.CommandedDBm + gain*delta
		if err := l.gen.SetGeneratorPower(ctx, next); err != nil {
			return st, err
		}
		st.CommandedDBm = next
		st.Iterations++

		if st.Iterations >= maxIter {
			l.logger.Warn("servo did not converge",
				logging.F("target_dbm", p.Target),
				logging.F("last_measured_dbm", measured),
				logging.F("iterations", st.Iterations))
			return st, nil
		}
	}
}
