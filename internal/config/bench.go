package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/rjboer/pabench/internal/errs"
	"github.com/rjboer/pabench/internal/scpi"
)

// Instruments holds the SCPI addresses of the bench.
type Instruments struct {
	Generator  string `json:"generator"`
	Analyzer   string `json:"analyzer"`
	PowerMeter string `json:"power_meter"`
}

// Bench describes where the instruments and calibration data live.
type Bench struct {
	Instruments Instruments      `json:"instruments"`
	TimeoutMS   int              `json:"timeout_ms"`
	RetryMS     int              `json:"retry_ms"`
	SSH         *scpi.SSHConfig  `json:"ssh,omitempty"`
	Calibration CalibrationInput `json:"calibration"`
}

// CalibrationInput locates the calibration table.
type CalibrationInput struct {
	Path      string  `json:"path"`
	GridHz    float64 `json:"grid_hz"`
	TiePolicy string  `json:"tie_policy"`
}

// DefaultBench is the template written when no bench file exists.
func DefaultBench() Bench {
	return Bench{
		Instruments: Instruments{
			Generator:  "192.168.200.20",
			Analyzer:   "192.168.200.10",
			PowerMeter: "192.168.200.30",
		},
		TimeoutMS: 5000,
		RetryMS:   200,
		Calibration: CalibrationInput{
			Path:      "combined_cal_data.csv",
			GridHz:    1e6,
			TiePolicy: "lower",
		},
	}
}

// Timeout is the per-exchange instrument deadline.
func (b Bench) Timeout() time.Duration { return time.Duration(b.TimeoutMS) * time.Millisecond }

// RetryDelay is the pause before the single transport retry.
func (b Bench) RetryDelay() time.Duration { return time.Duration(b.RetryMS) * time.Millisecond }

// Validate checks that every instrument has an address.
func (b Bench) Validate() error {
	switch {
	case b.Instruments.Generator == "", b.Instruments.Analyzer == "", b.Instruments.PowerMeter == "":
		return fmt.Errorf("%w: all three instrument addresses are required", errs.ErrConfigurationInvalid)
	case b.TimeoutMS <= 0:
		return fmt.Errorf("%w: timeout_ms must be positive", errs.ErrConfigurationInvalid)
	case b.RetryMS < 0:
		return fmt.Errorf("%w: retry_ms must not be negative", errs.ErrConfigurationInvalid)
	}
	return nil
}

// LoadOrCreateBench reads path, writing DefaultBench there first when the
// file does not exist.
func LoadOrCreateBench(path string) (Bench, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			b := DefaultBench()
			if saveErr := SaveBench(path, b); saveErr != nil {
				return Bench{}, saveErr
			}
			return b, nil
		}
		return Bench{}, errors.Wrap(err, "open bench file")
	}
	defer f.Close()

	b := DefaultBench()
	if err := json.NewDecoder(f).Decode(&b); err != nil {
		return Bench{}, fmt.Errorf("%w: decode %s: %v", errs.ErrConfigurationInvalid, path, err)
	}
	return b, nil
}

// SaveBench writes b as indented JSON.
func SaveBench(path string, b Bench) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode bench file")
	}
	return errors.Wrap(os.WriteFile(path, append(data, '\n'), 0o644), "write bench file")
}
