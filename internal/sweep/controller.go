// Package sweep drives the frequency sweep: for each point it resolves the
// calibration, configures the bench and runs every enabled DPD stage.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rjboer/pabench/internal/calibration"
	"github.com/rjboer/pabench/internal/config"
	"github.com/rjboer/pabench/internal/dpd"
	"github.com/rjboer/pabench/internal/errs"
	"github.com/rjboer/pabench/internal/instrument"
	"github.com/rjboer/pabench/internal/logging"
	"github.com/rjboer/pabench/internal/results"
	"github.com/rjboer/pabench/internal/servo"
	"github.com/rjboer/pabench/internal/telemetry"
)

const tracerName = "github.com/rjboer/pabench/internal/sweep"

// State is the lifecycle of one frequency point.
type State int

const (
	Pending State = iota
	Calibrating
	Measuring
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Calibrating:
		return "calibrating"
	case Measuring:
		return "measuring"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PointOutcome is the final state of one frequency point.
type PointOutcome struct {
	FrequencyHz float64
	State       State
	// Stage is the stage being measured when the point failed.
	Stage   results.Stage
	Err     error
	Records int
	Elapsed time.Duration
}

// Report summarizes a run.
type Report struct {
	RunID    string
	Outcomes []PointOutcome
	Records  int
}

// Failures returns the outcomes that ended in Failed.
func (r Report) Failures() []PointOutcome {
	var out []PointOutcome
	for _, o := range r.Outcomes {
		if o.State == Failed {
			out = append(out, o)
		}
	}
	return out
}

// Processed returns the frequencies that reached Done.
func (r Report) Processed() []float64 {
	var out []float64
	for _, o := range r.Outcomes {
		if o.State == Done {
			out = append(out, o.FrequencyHz)
		}
	}
	return out
}

// Controller owns the instrument session for the duration of a run.
type Controller struct {
	cfg      config.Sweep
	facade   instrument.Facade
	cal      calibration.Resolver
	rec      results.Recorder
	reporter telemetry.Reporter
	logger   logging.Logger
	now      func() time.Time
	runID    string
	exec     *dpd.Executor
}

// Option customizes a Controller.
type Option func(*Controller)

func WithLogger(l logging.Logger) Option { return func(c *Controller) { c.logger = l } }

func WithReporter(r telemetry.Reporter) Option { return func(c *Controller) { c.reporter = r } }

// WithClock replaces time.Now for durations.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithRunID fixes the run identifier stamped on records.
func WithRunID(id string) Option { return func(c *Controller) { c.runID = id } }

// New builds a controller. cfg must already be validated.
func New(cfg config.Sweep, facade instrument.Facade, cal calibration.Resolver, rec results.Recorder, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		facade: facade,
		cal:    cal,
		rec:    rec,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	c.logger = c.logger.With(logging.F("subsystem", "sweep"))
	if c.runID == "" {
		c.runID = results.NewRunID()
	}
	loop := servo.New(facade, c.logger)
	c.exec = dpd.NewExecutor(facade, loop, servo.FeedbackFor(cfg.ServoSource, facade), dpd.ServoSettings{
		Target:        cfg.TargetPowerDBm,
		Tolerance:     cfg.ToleranceDB,
		MaxIterations: cfg.ServoIterations,
		Gain:          cfg.ServoGain,
	}, c.logger)
	c.exec.Now = c.now
	return c
}

// RunID returns the identifier stamped on this run's records.
func (c *Controller) RunID() string { return c.runID }

// Run measures every point of the grid in order. A point that fails with
// errs.ErrCalibrationMissing or errs.ErrInstrumentUnavailable is logged,
// reported and skipped. Any other point error, cancellation or a recorder
// failure stops the sweep early and is returned with the partial report.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: c.runID}
	freqs := c.cfg.Frequencies()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "sweep.run", trace.WithAttributes(
		attribute.String("run_id", c.runID),
		attribute.Int("points", len(freqs))))
	defer span.End()
	c.logger.Info("sweep started",
		logging.F("run_id", c.runID),
		logging.F("points", len(freqs)),
		logging.F("servo_source", c.cfg.ServoSource.String()))

	seq := 0
	for _, f := range freqs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		start := c.now()
		recs, out := c.runPoint(ctx, f)
		out.Elapsed = c.now().Sub(start)

		if out.State == Failed && ctx.Err() != nil && errors.Is(out.Err, ctx.Err()) {
			span.SetStatus(codes.Error, "canceled")
			return report, ctx.Err()
		}

		if out.State == Done {
			for _, r := range recs {
				r.RunID = c.runID
				r.Sequence = seq
				seq++
				if err := c.rec.Append(r); err != nil {
					return report, fmt.Errorf("record %.3f GHz %s: %w", f/1e9, r.Label(), err)
				}
				if c.reporter != nil {
					c.reporter.Report(r)
				}
			}
			out.Records = len(recs)
			report.Records += len(recs)
		} else {
			c.logger.Error("frequency point failed",
				logging.F("frequency_ghz", f/1e9),
				logging.F("stage", string(out.Stage)),
				logging.F("error", out.Err.Error()))
			if fr, ok := c.rec.(results.FailureRecorder); ok {
				if err := fr.AppendFailure(results.Failure{
					RunID: c.runID, FrequencyHz: f, State: out.State.String(), Error: out.Err.Error(),
				}); err != nil {
					return report, fmt.Errorf("record failure at %.3f GHz: %w", f/1e9, err)
				}
			}
		}
		report.Outcomes = append(report.Outcomes, out)
		if c.reporter != nil {
			p := telemetry.Point{FrequencyHz: f, State: out.State.String(), Records: out.Records, Elapsed: out.Elapsed}
			if out.Err != nil {
				p.Error = out.Err.Error()
			}
			c.reporter.ReportPoint(p)
		}
		if out.State == Failed && !errs.PointFailure(out.Err) {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, "aborted")
			return report, fmt.Errorf("sweep aborted at %.3f GHz: %w", f/1e9, out.Err)
		}
	}

	processed := report.Processed()
	ghz := make([]float64, len(processed))
	for i, f := range processed {
		ghz[i] = f / 1e9
	}
	span.SetAttributes(attribute.Int("records", report.Records), attribute.Int("failed_points", len(report.Failures())))
	c.logger.Info("sweep finished",
		logging.F("records", report.Records),
		logging.F("failed_points", len(report.Failures())),
		logging.F("processed_ghz", ghz))
	return report, nil
}

// runPoint takes one frequency from Pending to Done or Failed. Records are
// returned only on Done.
func (c *Controller) runPoint(ctx context.Context, f float64) ([]results.Record, PointOutcome) {
	out := PointOutcome{FrequencyHz: f, State: Pending}
	log := c.logger.With(logging.F("frequency_ghz", f/1e9))
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "sweep.point", trace.WithAttributes(attribute.Float64("frequency_ghz", f/1e9)))
	defer span.End()
	fail := func(err error) ([]results.Record, PointOutcome) {
		out.State = Failed
		out.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, string(out.Stage))
		return nil, out
	}

	out.State = Calibrating
	off, err := c.cal.Resolve(f)
	if err != nil {
		return fail(err)
	}

	out.State = Measuring
	out.Stage = results.StageBaseline
	initial := c.cfg.InitialPowerDBm()
	if err := c.facade.Configure(ctx, f, initial, off); err != nil {
		return fail(err)
	}
	input, err := c.facade.ReadInputPower(ctx)
	if err != nil {
		return fail(err)
	}
	c.exec.Seed(initial)

	var recs []results.Record
	for _, stage := range dpd.Plan(c.cfg.EnablePolynomialDPD, c.cfg.EnableDirectDPD, c.cfg.EnableGMPDPD, c.cfg.DDPDIterations) {
		out.Stage = stage.Kind()
		stageRecs, err := c.runStage(ctx, tracer, stage, f, initial, input)
		if err != nil {
			return fail(err)
		}
		recs = append(recs, stageRecs...)
	}
	out.State = Done
	log.Debug("point done", logging.F("records", len(recs)))
	return recs, out
}

// runStage measures one stage, its ET sweep when enabled, and removes the
// correction again. The correction is removed on failure too, since the
// instruments keep it across Configure.
func (c *Controller) runStage(ctx context.Context, tracer trace.Tracer, stage dpd.Stage, f, initial, input float64) ([]results.Record, error) {
	ctx, span := tracer.Start(ctx, "sweep.stage", trace.WithAttributes(
		attribute.String("stage", string(stage.Kind())),
		attribute.Int("rounds", stage.Rounds())))
	defer span.End()

	recs, err := c.measureStage(ctx, span, stage, f, initial, input)
	if err != nil {
		span.RecordError(err)
		if rerr := c.exec.Release(context.WithoutCancel(ctx), stage); rerr != nil {
			c.logger.Warn("correction not released after stage failure",
				logging.F("frequency_ghz", f/1e9),
				logging.F("stage", string(stage.Kind())),
				logging.F("error", rerr.Error()))
		}
		return nil, err
	}
	if err := c.exec.Release(ctx, stage); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return recs, nil
}

func (c *Controller) measureStage(ctx context.Context, span trace.Span, stage dpd.Stage, f, initial, input float64) ([]results.Record, error) {
	if stage.Kind() == results.StageIterative {
		// Direct DPD starts again from the uncorrected drive level.
		if err := c.facade.SetGeneratorPower(ctx, initial); err != nil {
			return nil, err
		}
		c.exec.Seed(initial)
	}
	res := c.exec.Run(ctx, stage, f)
	if res.Err != nil {
		return nil, res.Err
	}
	rec := res.Record
	if stage.Kind() == results.StageBaseline {
		in := input
		rec.InputDBm = &in
	}
	span.SetAttributes(
		attribute.Float64("evm_db", rec.EVMDB),
		attribute.Int("servo_iterations", rec.ServoIterations),
		attribute.Bool("converged", rec.Converged))
	recs := []results.Record{rec}

	if c.cfg.EnableEnvelopeTracking {
		etRecs, err := c.exec.EnvelopeSweep(ctx, stage, f, dpd.ETSweep{
			Start:  c.cfg.ETStartingDelay,
			Step:   c.cfg.ETDelayStep,
			Shifts: c.cfg.ETDelayShifts,
		})
		if err != nil {
			return nil, err
		}
		recs = append(recs, etRecs...)
	}
	return recs, nil
}
