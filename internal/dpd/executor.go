package dpd

import (
	"context"
	"time"

	"github.com/rjboer/pabench/internal/instrument"
	"github.com/rjboer/pabench/internal/logging"
	"github.com/rjboer/pabench/internal/results"
	"github.com/rjboer/pabench/internal/servo"
)

// ServoSettings are the loop parameters shared by every measurement.
type ServoSettings struct {
	Target        float64
	Tolerance     float64
	MaxIterations int
	Gain          float64
}

// Result is the outcome of one stage. Err nil means Record is valid.
type Result struct {
	Record results.Record
	// Cycles is the number of servo and measure cycles run.
	Cycles int
	Err    error
}

// ETSweep is an arithmetic sequence of Shifts+1 envelope delays.
type ETSweep struct {
	Start  float64 // seconds
	Step   float64
	Shifts int
}

// Delays returns Start + i*Step for i in 0..Shifts.
func (s ETSweep) Delays() []float64 {
	if s.Shifts < 0 {
		return nil
	}
	out := make([]float64, s.Shifts+1)
	for i := range out {
		out[i] = s.Start + float64(i)*s.Step
	}
	return out
}

// Executor runs stages against one instrument session. It carries the last
// commanded generator level from stage to stage within a frequency.
type Executor struct {
	facade   instrument.Facade
	loop     *servo.Loop
	feedback servo.Feedback
	settings ServoSettings
	logger   logging.Logger

	// Now is the clock used for stage durations.
	Now func() time.Time

	commanded float64
}

func NewExecutor(f instrument.Facade, loop *servo.Loop, fb servo.Feedback, settings ServoSettings, logger logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Executor{
		facade:   f,
		loop:     loop,
		feedback: fb,
		settings: settings,
		logger:   logger.With(logging.F("subsystem", "dpd")),
		Now:      time.Now,
	}
}

// Seed sets the generator level the next servo attempt starts from.
func (e *Executor) Seed(dbm float64) { e.commanded = dbm }

// Commanded returns the generator level left by the last servo attempt.
func (e *Executor) Commanded() float64 { return e.commanded }

// measure converges the servo and reads the analyzer.
func (e *Executor) measure(ctx context.Context) (instrument.Reading, servo.State, error) {
	st, err := e.loop.Converge(ctx, servo.Params{
		Target:        e.settings.Target,
		Tolerance:     e.settings.Tolerance,
		MaxIterations: e.settings.MaxIterations,
		Gain:          e.settings.Gain,
		Start:         e.commanded,
	}, e.feedback)
	e.commanded = st.CommandedDBm
	if err != nil {
		return instrument.Reading{}, st, err
	}
	if err := ctx.Err(); err != nil {
		return instrument.Reading{}, st, err
	}
	r, err := e.facade.ReadAnalyzer(ctx)
	return r, st, err
}

func record(freqHz float64, stage results.Stage, r instrument.Reading, st servo.State) results.Record {
	return results.Record{
		FrequencyHz: freqHz,
		Stage:       stage,
		PowerDBm:    r.PowerDBm,
		EVMDB:       r.EVMDB,
		ACLR: results.ACLR{
			ChannelPowerDBm: r.ACLR.ChannelPowerDBm,
			LowerDB:         r.ACLR.LowerDB,
			UpperDB:         r.ACLR.UpperDB,
		},
		ServoIterations: st.Iterations,
		Converged:       st.Converged,
	}
}

// Run applies stage for all its rounds and returns the record of the final
// round. The correction is left in place so an ET sweep can follow; call
// Release when done with the stage.
func (e *Executor) Run(ctx context.Context, stage Stage, freqHz float64) Result {
	start := e.Now()
	log := e.logger.With(logging.F("stage", string(stage.Kind())), logging.F("frequency_hz", freqHz))

	var (
		prev *instrument.Reading
		res  Result
	)
	for round := 1; round <= stage.Rounds(); round++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		if err := stage.Apply(ctx, e.facade, round, prev); err != nil {
			res.Err = err
			return res
		}
		reading, st, err := e.measure(ctx)
		if err != nil {
			res.Err = err
			return res
		}
		res.Cycles++
		res.Record = record(freqHz, stage.Kind(), reading, st)
		prev = &reading
		log.Debug("round measured",
			logging.F("round", round),
			logging.F("evm_db", reading.EVMDB),
			logging.F("power_dbm", reading.PowerDBm),
			logging.F("servo_iterations", st.Iterations))
	}
	res.Record.Duration = e.Now().Sub(start)
	log.Info("stage measured",
		logging.F("evm_db", res.Record.EVMDB),
		logging.F("power_dbm", res.Record.PowerDBm),
		logging.F("converged", res.Record.Converged))
	return res
}

// EnvelopeSweep measures once per ET delay with the stage's correction still
// applied. Envelope tracking is disabled afterwards even when a measurement
// fails or ctx is canceled.
func (e *Executor) EnvelopeSweep(ctx context.Context, stage Stage, freqHz float64, sweep ETSweep) (recs []results.Record, err error) {
	if err := e.facade.EnableEnvelopeTracking(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if derr := e.facade.DisableEnvelopeTracking(context.WithoutCancel(ctx)); derr != nil && err == nil {
			err = derr
		}
	}()

	for _, delay := range sweep.Delays() {
		if err := ctx.Err(); err != nil {
			return recs, err
		}
		start := e.Now()
		if err := e.facade.SetEnvelopeDelay(ctx, delay); err != nil {
			return recs, err
		}
		reading, st, err := e.measure(ctx)
		if err != nil {
			return recs, err
		}
		rec := record(freqHz, stage.Kind(), reading, st)
		d := delay
		rec.ETDelay = &d
		rec.Duration = e.Now().Sub(start)
		recs = append(recs, rec)
		e.logger.Debug("et delay measured",
			logging.F("stage", string(stage.Kind())),
			logging.F("delay_s", delay),
			logging.F("evm_db", reading.EVMDB))
	}
	return recs, nil
}

// Release removes the stage's correction. Baseline applies none.
func (e *Executor) Release(ctx context.Context, stage Stage) error {
	if stage.Kind() == results.StageBaseline {
		return nil
	}
	return e.facade.ResetCorrection(ctx)
}
