// Package dpd sequences the pre-distortion stages measured at each sweep
// frequency and the envelope tracking delay sweep that may follow them.
package dpd

import (
	"context"

	"github.com/rjboer/pabench/internal/instrument"
	"github.com/rjboer/pabench/internal/results"
)

// Stage applies one correction model. The set of stages is closed: Baseline,
// Single, Iterative and GMP.
type Stage interface {
	// Apply loads the correction for round (1-based). prev is the reading
	// taken after the previous round, nil on the first.
	Apply(ctx context.Context, f instrument.Facade, round int, prev *instrument.Reading) error
	Kind() results.Stage
	Rounds() int
}

// Baseline measures the amplifier without correction.
type Baseline struct{}

func (Baseline) Apply(context.Context, instrument.Facade, int, *instrument.Reading) error { return nil }
func (Baseline) Kind() results.Stage                                                    { return results.StageBaseline }
func (Baseline) Rounds() int                                                            { return 1 }

// Single applies a one-shot polynomial pre-distortion.
type Single struct{}

func (Single) Apply(ctx context.Context, f instrument.Facade, round int, prev *instrument.Reading) error {
	return f.LoadWaveform(ctx, instrument.Polynomial, instrument.Params{Round: round, Previous: prev})
}
func (Single) Kind() results.Stage { return results.StageSingle }
func (Single) Rounds() int         { return 1 }

// Iterative runs direct DPD for Iterations rounds. Each round builds on the
// measured error of the previous one, so every round runs the full servo and
// measure cycle; only the last reading is kept.
type Iterative struct {
	Iterations int
}

func (s Iterative) Apply(ctx context.Context, f instrument.Facade, round int, prev *instrument.Reading) error {
	return f.LoadWaveform(ctx, instrument.Direct, instrument.Params{Round: round, Previous: prev})
}
func (Iterative) Kind() results.Stage { return results.StageIterative }

func (s Iterative) Rounds() int {
	if s.Iterations < 1 {
		return 1
	}
	return s.Iterations
}

// GMP aligns the capture with the generator reference before computing a
// memory polynomial correction.
type GMP struct{}

func (GMP) Apply(ctx context.Context, f instrument.Facade, round int, prev *instrument.Reading) error {
	if err := f.SyncCapture(ctx); err != nil {
		return err
	}
	return f.LoadWaveform(ctx, instrument.GMP, instrument.Params{Round: round, Previous: prev})
}
func (GMP) Kind() results.Stage { return results.StageGMP }
func (GMP) Rounds() int         { return 1 }

// Plan lists the enabled stages in their fixed order. Baseline is always
// first; disabled stages are left out entirely.
func Plan(polynomial, direct, gmp bool, ddpdIterations int) []Stage {
	stages := []Stage{Baseline{}}
	if polynomial {
		stages = append(stages, Single{})
	}
	if direct {
		stages = append(stages, Iterative{Iterations: ddpdIterations})
	}
	if gmp {
		stages = append(stages, GMP{})
	}
	return stages
}
