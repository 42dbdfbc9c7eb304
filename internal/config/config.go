// Package config loads the sweep test inputs and the bench description.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/rjboer/pabench/internal/errs"
	"github.com/rjboer/pabench/internal/servo"
)

// Range is the "range" block of the test inputs file.
type Range struct {
	StartGHz         float64 `json:"start_ghz"`
	StopGHz          float64 `json:"stop_ghz"`
	StepMHz          float64 `json:"step_mhz"`
	PowerDBm         float64 `json:"power_dbm"`
	ToleranceDB      float64 `json:"tolerence_db"`
	ExpectedGainDB   float64 `json:"expected_gain_db"`
	DDPDIterations   int     `json:"ddpd_iterations"`
	ServoIterations  int     `json:"servo_iterations"`
	UsePowerServo    bool    `json:"use_power_servo"`
	UseK18PowerServo bool    `json:"use_K18_power_servo"`
	ServoSource      string  `json:"servo_source,omitempty"`
	ServoGain        float64 `json:"servo_gain,omitempty"`
}

// SweepMeasurement is the "Sweep_Measurement" block.
type SweepMeasurement struct {
	Range                  Range   `json:"range"`
	SignalBandwidth        string  `json:"signal_bandwidth"`
	FrameType              string  `json:"frame_type"`
	UserCommentMode        string  `json:"user_comment_mode"`
	EnablePolynomialDPD    bool    `json:"enable_polynomial_dpd"`
	EnableDirectDPD        bool    `json:"enable_direct_dpd"`
	EnableGMPDPD           bool    `json:"enable_gmp_dpd"`
	EnableEnvelopeTracking bool    `json:"enable_envelope_tracking"`
	ETStartingDelay        float64 `json:"et_starting_delay"`
	ETDelayStep            float64 `json:"et_delay_step"`
	ETDelayShifts          int     `json:"et_delay_shifts"`
}

// Inputs is the test inputs file.
type Inputs struct {
	SweepMeasurement SweepMeasurement    `json:"Sweep_Measurement"`
	UserComments     map[string][]string `json:"User_Comments,omitempty"`
}

// DefaultInputs holds the values used for keys missing from the file.
func DefaultInputs() Inputs {
	return Inputs{SweepMeasurement: SweepMeasurement{
		Range: Range{
			PowerDBm:         6,
			ToleranceDB:      0.05,
			ExpectedGainDB:   18,
			DDPDIterations:   5,
			ServoIterations:  5,
			UsePowerServo:    true,
			UseK18PowerServo: true,
			ServoGain:        1,
		},
		SignalBandwidth:     "10MHz",
		FrameType:           "full_frame",
		UserCommentMode:     "full_frame_nrx",
		EnablePolynomialDPD: true,
		EnableDirectDPD:     true,
		EnableGMPDPD:        true,
	}}
}

// LoadInputsFile reads and decodes the inputs file at path.
func LoadInputsFile(path string) (Inputs, error) {
	f, err := os.Open(path)
	if err != nil {
		return Inputs{}, errors.Wrap(err, "open test inputs")
	}
	defer f.Close()
	in, err := LoadInputs(f)
	return in, errors.Wrapf(err, "%s", path)
}

// LoadInputs decodes an inputs document over DefaultInputs.
func LoadInputs(r io.Reader) (Inputs, error) {
	in := DefaultInputs()
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return Inputs{}, fmt.Errorf("%w: decode test inputs: %v", errs.ErrConfigurationInvalid, err)
	}
	return in, nil
}

// Sweep is the validated, immutable sweep configuration.
type Sweep struct {
	StartHz         float64
	StopHz          float64
	StepHz          float64
	TargetPowerDBm  float64
	ToleranceDB     float64
	ExpectedGainDB  float64
	DDPDIterations  int
	ServoIterations int
	ServoSource     servo.Source
	ServoGain       float64

	EnablePolynomialDPD    bool
	EnableDirectDPD        bool
	EnableGMPDPD           bool
	EnableEnvelopeTracking bool
	ETStartingDelay        float64
	ETDelayStep            float64
	ETDelayShifts          int

	CommentMode     string
	SignalBandwidth string
	FrameType       string
}

// Sweep converts the file representation and validates it.
func (in Inputs) Sweep() (Sweep, error) {
	m := in.SweepMeasurement
	src, err := servoSource(m.Range)
	if err != nil {
		return Sweep{}, fmt.Errorf("%w: %v", errs.ErrConfigurationInvalid, err)
	}
	s := Sweep{
		StartHz:                m.Range.StartGHz * 1e9,
		StopHz:                 m.Range.StopGHz * 1e9,
		StepHz:                 m.Range.StepMHz * 1e6,
		TargetPowerDBm:         m.Range.PowerDBm,
		ToleranceDB:            m.Range.ToleranceDB,
		ExpectedGainDB:         m.Range.ExpectedGainDB,
		DDPDIterations:         m.Range.DDPDIterations,
		ServoIterations:        m.Range.ServoIterations,
		ServoSource:            src,
		ServoGain:              m.Range.ServoGain,
		EnablePolynomialDPD:    m.EnablePolynomialDPD,
		EnableDirectDPD:        m.EnableDirectDPD,
		EnableGMPDPD:           m.EnableGMPDPD,
		EnableEnvelopeTracking: m.EnableEnvelopeTracking,
		ETStartingDelay:        m.ETStartingDelay,
		ETDelayStep:            m.ETDelayStep,
		ETDelayShifts:          m.ETDelayShifts,
		CommentMode:            m.UserCommentMode,
		SignalBandwidth:        m.SignalBandwidth,
		FrameType:              m.FrameType,
	}
	return s, s.Validate()
}

// servoSource prefers an explicit servo_source. Otherwise the analyzer is
// used only when the external meter servo is switched off.
func servoSource(r Range) (servo.Source, error) {
	if r.ServoSource != "" {
		return servo.ParseSource(r.ServoSource)
	}
	if r.UseK18PowerServo && !r.UsePowerServo {
		return servo.InternalAnalyzer, nil
	}
	return servo.ExternalMeter, nil
}

// Validate reports the first violated invariant as ErrConfigurationInvalid.
func (s Sweep) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}
	check(s.StepHz > 0, "step must be positive")
	check(s.StartHz > 0, "start frequency must be positive")
	check(s.StartHz <= s.StopHz, "start frequency above stop frequency")
	check(s.ToleranceDB > 0, "tolerance must be positive")
	check(s.ServoIterations >= 1, "servo iterations must be at least 1")
	check(!s.EnableDirectDPD || s.DDPDIterations >= 1, "ddpd iterations must be at least 1")
	check(s.ServoGain > 0 && !math.IsInf(s.ServoGain, 0), "servo gain must be positive")
	check(!s.EnableEnvelopeTracking || s.ETDelayShifts >= 0, "et delay shifts must not be negative")
	check(!s.EnableEnvelopeTracking || s.ETDelayShifts == 0 || s.ETDelayStep > 0, "et delay step must be positive")
	if s.StepHz > 0 && s.StartHz <= s.StopHz {
		check(s.points() <= MaxPoints, fmt.Sprintf("sweep has more than %d points", MaxPoints))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errs.ErrConfigurationInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// MaxPoints bounds the number of frequencies in one sweep.
const MaxPoints = 100000

// points counts the grid without building it. Non-finite inputs count as
// unbounded.
func (s Sweep) points() float64 {
	n := math.Floor((s.StopHz-s.StartHz)/s.StepHz+1e-9) + 1
	if math.IsNaN(n) {
		return math.Inf(1)
	}
	return n
}

// Frequencies lists the sweep grid from start to stop inclusive. Points are
// computed as start + i*step and snapped to whole Hz. A grid larger than
// MaxPoints yields nil.
func (s Sweep) Frequencies() []float64 {
	if s.StepHz <= 0 || s.StartHz > s.StopHz || s.points() > MaxPoints {
		return nil
	}
	out := make([]float64, int(s.points()))
	for i := range out {
		out[i] = math.Round(s.StartHz + float64(i)*s.StepHz)
	}
	return out
}

// InitialPowerDBm is the generator level expected to put the DUT output on
// target before any servo correction.
func (s Sweep) InitialPowerDBm() float64 {
	return s.TargetPowerDBm - s.ExpectedGainDB
}

// Comment returns the user comment for the configured bandwidth and mode,
// falling back to the full frame NRX comment of the same bandwidth.
func (in Inputs) Comment() (key string, text string) {
	m := in.SweepMeasurement
	key = m.SignalBandwidth + "_" + m.UserCommentMode
	lines := in.UserComments[key]
	if len(lines) == 0 {
		key = m.SignalBandwidth + "_full_frame_nrx"
		lines = in.UserComments[key]
	}
	return key, strings.Join(lines, "\n")
}
