package telemetry

import (
	"time"

	"github.com/rjboer/pabench/internal/logging"
	"github.com/rjboer/pabench/internal/results"
)

// Point is the outcome of one frequency point.
type Point struct {
	FrequencyHz float64       `json:"frequencyHz"`
	State       string        `json:"state"`
	Error       string        `json:"error,omitempty"`
	Records     int           `json:"records"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Failed reports whether the point produced no records.
func (p Point) Failed() bool { return p.Error != "" }

// Reporter captures sweep events. Implementations must not block.
type Reporter interface {
	Report(rec results.Record)
	ReportPoint(p Point)
}

// StdoutReporter logs records and point outcomes.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(rec results.Record) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "frequency_ghz", Value: rec.FrequencyHz / 1e9},
		{Key: "stage", Value: string(rec.Stage)},
		{Key: "power_dbm", Value: rec.PowerDBm},
		{Key: "evm_db", Value: rec.EVMDB},
		{Key: "aclr_lower_db", Value: rec.ACLR.LowerDB},
		{Key: "aclr_upper_db", Value: rec.ACLR.UpperDB},
		{Key: "servo_iterations", Value: rec.ServoIterations},
	}
	if rec.ETDelay != nil {
		fields = append(fields, logging.Field{Key: "et_delay_s", Value: *rec.ETDelay})
	}
	if !rec.Converged {
		fields = append(fields, logging.Field{Key: "converged", Value: false})
	}
	r.logger.Info("measurement", fields...)
}

func (r StdoutReporter) ReportPoint(p Point) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "frequency_ghz", Value: p.FrequencyHz / 1e9},
		{Key: "state", Value: p.State},
		{Key: "records", Value: p.Records},
		{Key: "elapsed_s", Value: p.Elapsed.Seconds()},
	}
	if p.Failed() {
		r.logger.Warn("frequency point failed", append(fields, logging.Field{Key: "error", Value: p.Error})...)
		return
	}
	r.logger.Info("frequency point done", fields...)
}

// MultiReporter fans out telemetry to multiple destinations.
type MultiReporter []Reporter

func (m MultiReporter) Report(rec results.Record) {
	for _, r := range m {
		if r != nil {
			r.Report(rec)
		}
	}
}

func (m MultiReporter) ReportPoint(p Point) {
	for _, r := range m {
		if r != nil {
			r.ReportPoint(p)
		}
	}
}
