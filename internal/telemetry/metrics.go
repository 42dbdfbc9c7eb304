package telemetry

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rjboer/pabench/internal/results"
)

// Metrics exposes sweep progress as Prometheus metrics. It implements
// Reporter.
type Metrics struct {
	gatherer prometheus.Gatherer

	Records         *prometheus.CounterVec
	Points          *prometheus.CounterVec
	NotConverged    *prometheus.CounterVec
	ServoIterations prometheus.Histogram
	PointDuration   prometheus.Histogram
	EVM             *prometheus.GaugeVec
	OutputPower     *prometheus.GaugeVec
}

// NewMetrics registers the sweep metrics against reg (the default registerer
// when nil).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		gatherer: gatherer,
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pabench_records_total",
			Help: "Measurement records produced, by DPD stage.",
		}, []string{"stage"}),
		Points: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pabench_points_total",
			Help: "Frequency points finished, by final state.",
		}, []string{"state"}),
		NotConverged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pabench_servo_not_converged_total",
			Help: "Measurements taken after the power servo hit its iteration cap.",
		}, []string{"stage"}),
		ServoIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pabench_servo_iterations",
			Help:    "Power servo corrections applied before each measurement.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
		PointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pabench_point_duration_seconds",
			Help:    "Wall time spent on one frequency point.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		EVM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pabench_evm_db",
			Help: "Last measured EVM, by stage and frequency.",
		}, []string{"stage", "frequency_ghz"}),
		OutputPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pabench_output_power_dbm",
			Help: "Last measured output power, by stage and frequency.",
		}, []string{"stage", "frequency_ghz"}),
	}
	for name, c := range map[string]prometheus.Collector{
		"pabench_records_total":             m.Records,
		"pabench_points_total":              m.Points,
		"pabench_servo_not_converged_total": m.NotConverged,
		"pabench_servo_iterations":          m.ServoIterations,
		"pabench_point_duration_seconds":    m.PointDuration,
		"pabench_evm_db":                    m.EVM,
		"pabench_output_power_dbm":          m.OutputPower,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}
	return m, nil
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Report(rec results.Record) {
	if m == nil {
		return
	}
	stage := rec.Label()
	m.Records.WithLabelValues(string(rec.Stage)).Inc()
	if !rec.Converged {
		m.NotConverged.WithLabelValues(string(rec.Stage)).Inc()
	}
	m.ServoIterations.Observe(float64(rec.ServoIterations))
	freq := strconv.FormatFloat(rec.FrequencyHz/1e9, 'f', 3, 64)
	m.EVM.WithLabelValues(stage, freq).Set(rec.EVMDB)
	m.OutputPower.WithLabelValues(stage, freq).Set(rec.PowerDBm)
}

func (m *Metrics) ReportPoint(p Point) {
	if m == nil {
		return
	}
	m.Points.WithLabelValues(p.State).Inc()
	m.PointDuration.Observe(p.Elapsed.Seconds())
}
