package servo

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rjboer/pabench/internal/calibration"
	"github.com/rjboer/pabench/internal/errs"
	"github.com/rjboer/pabench/internal/instrument"
)

type fakeGenerator struct {
	levels []float64
	err    error
}

func (g *fakeGenerator) SetGeneratorPower(_ context.Context, dbm float64) error {
	if g.err != nil {
		return g.err
	}
	g.levels = append(g.levels, dbm)
	return nil
}

// sequence returns readings in order, repeating the last one.
func sequence(vals ...float64) (Feedback, *int) {
	n := 0
	return FeedbackFunc(func(context.Context) (float64, error) {
		i := n
		n++
		if i >= len(vals) {
			i = len(vals) - 1
		}
		return vals[i], nil
	}), &n
}

func TestConvergesAfterOneCorrection(t *testing.T) {
	gen := &fakeGenerator{}
	fb, reads := sequence(9.0, 10.02)
	st, err := New(gen, nil).Converge(context.Background(), Params{
		Target: 10.0, Tolerance: 0.05, MaxIterations: 10, Gain: 1, Start: -18,
	}, fb)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if !st.Converged || st.Iterations != 1 {
		t.Fatalf("expected converged after 1 iteration, got %+v", st)
	}
	if st.MeasuredDBm != 10.02 || *reads != 2 {
		t.Fatalf("unexpected measurement state %+v reads=%d", st, *reads)
	}
	if len(gen.levels) != 1 || gen.levels[0] != -17 {
		t.Fatalf("expected one correction to -17 dBm, got %v", gen.levels)
	}
}

func TestAlreadyInTolerance(t *testing.T) {
	gen := &fakeGenerator{}
	fb, _ := sequence(10.02)
	st, err := New(gen, nil).Converge(context.Background(), Params{Target: 10, Tolerance: 0.05, MaxIterations: 3}, fb)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if !st.Converged || st.Iterations != 0 || len(gen.levels) != 0 {
		t.Fatalf("expected no corrections, got %+v levels=%v", st, gen.levels)
	}
}

func TestTerminatesOnOscillation(t *testing.T) {
	for _, limit := range []int{1, 2, 7, 25} {
		gen := &fakeGenerator{}
		n := 0
		fb := FeedbackFunc(func(context.Context) (float64, error) {
			n++
			if n%2 == 0 {
				return 12, nil
			}
			return 8, nil
		})
		st, err := New(gen, nil).Converge(context.Background(), Params{Target: 10, Tolerance: 0.05, MaxIterations: limit}, fb)
		if err != nil {
			t.Fatalf("Converge: %v", err)
		}
		if st.Converged {
			t.Fatalf("oscillating feedback must not converge")
		}
		if st.Iterations != limit || len(gen.levels) != limit || n > limit {
			t.Fatalf("cap %d: iterations=%d commands=%d reads=%d", limit, st.Iterations, len(gen.levels), n)
		}
	}
}

func TestGainScalesCorrection(t *testing.T) {
	gen := &fakeGenerator{}
	fb, _ := sequence(8, 10)
	st, err := New(gen, nil).Converge(context.Background(), Params{Target: 10, Tolerance: 0.1, MaxIterations: 5, Gain: 0.5, Start: 0}, fb)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if st.CommandedDBm != 1 {
		t.Fatalf("expected half-step correction to 1 dBm, got %v", st.CommandedDBm)
	}
}

func TestFaultPropagates(t *testing.T) {
	gen := &fakeGenerator{err: errs.ErrInstrumentUnavailable}
	fb, _ := sequence(5)
	_, err := New(gen, nil).Converge(context.Background(), Params{Target: 10, Tolerance: 0.05, MaxIterations: 3}, fb)
	if !errors.Is(err, errs.ErrInstrumentUnavailable) {
		t.Fatalf("expected instrument error, got %v", err)
	}
}

func TestCanceledBeforeFirstRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fb, reads := sequence(5)
	_, err := New(&fakeGenerator{}, nil).Converge(ctx, Params{Target: 10, Tolerance: 0.05, MaxIterations: 3}, fb)
	if !errors.Is(err, context.Canceled) || *reads != 0 {
		t.Fatalf("expected cancellation before any read, err=%v reads=%d", err, *reads)
	}
}

func TestConvergesOnMockAmplifier(t *testing.T) {
	ctx := context.Background()
	for _, src := range []Source{ExternalMeter, InternalAnalyzer} {
		amp := instrument.NewMockAmplifier(instrument.DefaultMockConfig())
		if err := amp.Configure(ctx, 3.5e9, -8, calibration.Offset{}); err != nil {
			t.Fatalf("Configure: %v", err)
		}
		st, err := New(amp, nil).Converge(ctx, Params{Target: 24, Tolerance: 0.05, MaxIterations: 10, Gain: 1, Start: -8}, FeedbackFor(src, amp))
		if err != nil {
			t.Fatalf("%v: Converge: %v", src, err)
		}
		if !st.Converged || math.Abs(st.MeasuredDBm-24) > 0.05 {
			t.Fatalf("%v: expected convergence near 24 dBm, got %+v", src, st)
		}
		if amp.GeneratorPower() != st.CommandedDBm {
			t.Fatalf("%v: generator left at %v, state says %v", src, amp.GeneratorPower(), st.CommandedDBm)
		}
	}
}

func TestParseSource(t *testing.T) {
	if s, err := ParseSource("internal"); err != nil || s != InternalAnalyzer {
		t.Fatalf("ParseSource(internal) = %v, %v", s, err)
	}
	if s, err := ParseSource(""); err != nil || s != ExternalMeter {
		t.Fatalf("ParseSource(\"\") = %v, %v", s, err)
	}
	if _, err := ParseSource("k18"); err == nil {
		t.Fatalf("expected error")
	}
}
