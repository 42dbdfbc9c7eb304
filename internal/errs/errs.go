// Package errs defines the failure classes shared by the sweep engine.
package errs

import "errors"

var (
	// ErrCalibrationMissing reports that no calibration offset exists for a
	// resolved frequency. It fails the current frequency point only.
	ErrCalibrationMissing = errors.New("calibration missing")

	// ErrInstrumentUnavailable reports a transport or command failure that
	// survived one retry.
	ErrInstrumentUnavailable = errors.New("instrument unavailable")

	// ErrConfigurationInvalid reports malformed or contradictory sweep
	// parameters. It aborts the run before any measurement.
	ErrConfigurationInvalid = errors.New("configuration invalid")
)

// PointFailure reports whether err fails a single frequency point rather
// than the whole run.
func PointFailure(err error) bool {
	return errors.Is(err, ErrCalibrationMissing) || errors.Is(err, ErrInstrumentUnavailable)
}
