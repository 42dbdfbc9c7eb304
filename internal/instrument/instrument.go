// Package instrument defines the operations the sweep engine issues to the
// bench: one signal generator, one signal analyzer and one power meter that
// together close the loop around the amplifier under test.
package instrument

import (
	"context"
	"fmt"

	"github.com/rjboer/pabench/internal/calibration"
)

// Model selects the pre-distortion correction loaded into the generator.
type Model int

const (
	Polynomial Model = iota
	Direct
	GMP
)

func (m Model) String() string {
	switch m {
	case Polynomial:
		return "polynomial"
	case Direct:
		return "direct"
	case GMP:
		return "gmp"
	default:
		return fmt.Sprintf("model(%d)", int(m))
	}
}

// Params carries the per-round inputs of a correction.
type Params struct {
	Round int // 1-based round within the stage
	// Previous is the measurement taken after the prior round; nil on the
	// first round.
	Previous *Reading
}

// ACLR is the adjacent channel leakage measurement.
type ACLR struct {
	ChannelPowerDBm float64
	LowerDB         float64
	UpperDB         float64
}

// Reading is one analyzer measurement.
type Reading struct {
	PowerDBm float64
	EVMDB    float64
	ACLR     ACLR
}

// Facade is the instrument session used by the sweep engine. Implementations
// block until the instruments answer or their own timeout expires; transport
// faults have already been retried once when an error is returned.
type Facade interface {
	// Configure tunes all three instruments to freqHz, applies the calibration
	// offsets and sets the generator to initialDBm.
	Configure(ctx context.Context, freqHz, initialDBm float64, off calibration.Offset) error
	SetGeneratorPower(ctx context.Context, dbm float64) error
	LoadWaveform(ctx context.Context, model Model, p Params) error
	// SyncCapture aligns the analyzer capture with the generator reference.
	SyncCapture(ctx context.Context) error
	// ResetCorrection removes any applied pre-distortion.
	ResetCorrection(ctx context.Context) error
	ReadAnalyzer(ctx context.Context) (Reading, error)
	// ReadAnalyzerPower returns the analyzer channel power only.
	ReadAnalyzerPower(ctx context.Context) (float64, error)
	// ReadExternalPowerMeter returns the corrected DUT output power.
	ReadExternalPowerMeter(ctx context.Context) (float64, error)
	// ReadInputPower returns the corrected DUT input power.
	ReadInputPower(ctx context.Context) (float64, error)
	EnableEnvelopeTracking(ctx context.Context) error
	SetEnvelopeDelay(ctx context.Context, seconds float64) error
	DisableEnvelopeTracking(ctx context.Context) error
	Close() error
}
