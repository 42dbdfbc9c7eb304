package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rjboer/pabench/internal/calibration"
	"github.com/rjboer/pabench/internal/config"
	"github.com/rjboer/pabench/internal/errs"
	"github.com/rjboer/pabench/internal/instrument"
	"github.com/rjboer/pabench/internal/logging"
	"github.com/rjboer/pabench/internal/results"
	"github.com/rjboer/pabench/internal/scpi"
	"github.com/rjboer/pabench/internal/sweep"
	"github.com/rjboer/pabench/internal/telemetry"
)

type runConfig struct {
	InputsPath     string
	BenchPath      string
	CalPath        string
	TiePolicy      string
	Backend        string
	DBPath         string
	CSVPath        string
	SummaryCSVPath string
	WebAddr        string
	HistoryLimit   int
	MockGainDB     float64
	Tracing        telemetry.TracingConfig
}

func defaultRunConfig(lookup func(string) (string, bool)) runConfig {
	return runConfig{
		InputsPath:     envString(lookup, "PABENCH_INPUTS", "test_inputs.json"),
		BenchPath:      envString(lookup, "PABENCH_BENCH", "bench.json"),
		CalPath:        envString(lookup, "PABENCH_CAL", ""),
		TiePolicy:      envString(lookup, "PABENCH_CAL_TIE", ""),
		Backend:        envString(lookup, "PABENCH_BACKEND", "scpi"),
		DBPath:         envString(lookup, "PABENCH_DB", "pabench.db"),
		CSVPath:        envString(lookup, "PABENCH_CSV", ""),
		SummaryCSVPath: envString(lookup, "PABENCH_SUMMARY_CSV", ""),
		WebAddr:        envString(lookup, "PABENCH_WEB_ADDR", ""),
		HistoryLimit:   envInt(lookup, "PABENCH_HISTORY_LIMIT", 2000),
		MockGainDB:     envFloat(lookup, "PABENCH_MOCK_GAIN_DB", instrument.DefaultMockConfig().GainDB),
		Tracing:        telemetry.TracingConfigFromEnv(lookup),
	}
}

func bindRunFlags(fs *pflag.FlagSet, cfg *runConfig) {
	fs.StringVar(&cfg.InputsPath, "inputs", cfg.InputsPath, "test inputs JSON file")
	fs.StringVar(&cfg.BenchPath, "bench", cfg.BenchPath, "bench description JSON file (created with defaults if missing)")
	fs.StringVar(&cfg.CalPath, "cal", cfg.CalPath, "calibration CSV, overrides the bench file")
	fs.StringVar(&cfg.TiePolicy, "cal-tie", cfg.TiePolicy, "calibration rounding for halfway frequencies (lower, upper)")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "instrument backend (scpi, mock)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite results database, empty to disable")
	fs.StringVar(&cfg.CSVPath, "csv", cfg.CSVPath, "write the record sheet to this CSV file")
	fs.StringVar(&cfg.SummaryCSVPath, "summary-csv", cfg.SummaryCSVPath, "write the statistics sheet to this CSV file")
	fs.StringVar(&cfg.WebAddr, "web-addr", cfg.WebAddr, "serve live telemetry and metrics on this address")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "telemetry events kept for /api/history")
	fs.Float64Var(&cfg.MockGainDB, "mock-gain", cfg.MockGainDB, "small-signal gain of the mock amplifier in dB")
	fs.BoolVar(&cfg.Tracing.Enabled, "trace", cfg.Tracing.Enabled, "export OpenTelemetry spans for the run")
	fs.StringVar(&cfg.Tracing.Exporter, "trace-exporter", cfg.Tracing.Exporter, "span exporter (stdout, otlp)")
	fs.StringVar(&cfg.Tracing.Endpoint, "otlp-endpoint", cfg.Tracing.Endpoint, "OTLP gRPC collector address")
}

func parseRunConfig(args []string, lookup func(string) (string, bool)) (runConfig, error) {
	cfg := defaultRunConfig(lookup)
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	bindRunFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}
	return cfg, cfg.validate()
}

func (c runConfig) validate() error {
	switch strings.ToLower(c.Backend) {
	case "scpi", "mock":
	default:
		return fmt.Errorf("%w: unknown backend %q", errs.ErrConfigurationInvalid, c.Backend)
	}
	if c.InputsPath == "" {
		return fmt.Errorf("%w: --inputs is required", errs.ErrConfigurationInvalid)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("%w: history limit must be positive", errs.ErrConfigurationInvalid)
	}
	return nil
}

// NewRunCommand measures a full sweep.
func NewRunCommand() *cobra.Command {
	cfg := defaultRunConfig(os.LookupEnv)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the characterization sweep",
		Long: `Run the characterization sweep.

Every point of the frequency grid is calibrated, driven to the target output
power and measured once per enabled DPD stage. Failed points are recorded and
skipped; configuration and session errors abort the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := logging.Default()

			tracing := cfg.Tracing
			tracing.Writer = cmd.ErrOrStderr()
			shutdown, err := telemetry.InitTracing(ctx, tracing, logger)
			if err != nil {
				return fmt.Errorf("%w: %v", errs.ErrConfigurationInvalid, err)
			}
			defer telemetry.ShutdownTracing(ctx, shutdown, logger)

			_, err = runSweep(ctx, cfg, cmd.OutOrStdout(), logger)
			return err
		},
	}
	bindRunFlags(cmd.Flags(), &cfg)
	return cmd
}

// runSweep wires the configured backend, recorders and reporters, runs the
// sweep and writes the requested sheets.
func runSweep(ctx context.Context, cfg runConfig, out io.Writer, logger logging.Logger) (sweep.Report, error) {
	inputs, err := config.LoadInputsFile(cfg.InputsPath)
	if err != nil {
		return sweep.Report{}, err
	}
	sw, err := inputs.Sweep()
	if err != nil {
		return sweep.Report{}, err
	}
	bench, err := config.LoadOrCreateBench(cfg.BenchPath)
	if err != nil {
		return sweep.Report{}, err
	}
	if err := bench.Validate(); err != nil {
		return sweep.Report{}, err
	}

	cal, err := loadCalibration(cfg, bench, sw, logger)
	if err != nil {
		return sweep.Report{}, err
	}

	facade, err := selectBackend(ctx, cfg, bench, instrument.Signal{Bandwidth: sw.SignalBandwidth, FrameType: sw.FrameType}, logger)
	if err != nil {
		return sweep.Report{}, err
	}
	defer func() {
		if cerr := facade.Close(); cerr != nil {
			logger.Warn("closing instruments", logging.F("error", cerr.Error()))
		}
	}()

	runID := results.NewRunID()
	mem := results.NewMemory()
	recorders := results.Multi{mem}
	if cfg.DBPath != "" {
		store, err := results.OpenStore(cfg.DBPath)
		if err != nil {
			return sweep.Report{}, err
		}
		defer store.Close()
		_, comment := inputs.Comment()
		cfgJSON, err := json.Marshal(inputs)
		if err != nil {
			return sweep.Report{}, errors.Wrap(err, "encode run configuration")
		}
		if err := store.BeginRun(results.Run{ID: runID, StartedAt: time.Now().UTC(), Comment: comment, ConfigJSON: string(cfgJSON)}); err != nil {
			return sweep.Report{}, err
		}
		recorders = append(recorders, store)
	}

	reporter := telemetry.MultiReporter{telemetry.NewStdoutReporter(logger)}
	if cfg.WebAddr != "" {
		metrics, err := telemetry.NewMetrics(prometheus.NewRegistry())
		if err != nil {
			return sweep.Report{}, err
		}
		hub := telemetry.NewHub(cfg.HistoryLimit, logger)
		webCtx, cancelWeb := context.WithCancel(ctx)
		defer cancelWeb()
		go telemetry.NewWebServer(cfg.WebAddr, hub, metrics.Handler()).Start(webCtx)
		reporter = append(reporter, hub, metrics)
	}

	ctrl := sweep.New(sw, facade, cal, recorders,
		sweep.WithLogger(logger),
		sweep.WithReporter(reporter),
		sweep.WithRunID(runID))
	report, runErr := ctrl.Run(ctx)

	summary := results.Summarize(mem.Records(), mem.Failures())
	if err := writeSheets(cfg, mem, summary); err != nil {
		return report, err
	}
	printSummary(out, runID, summary)
	return report, runErr
}

func loadCalibration(cfg runConfig, bench config.Bench, sw config.Sweep, logger logging.Logger) (calibration.Resolver, error) {
	path := bench.Calibration.Path
	if cfg.CalPath != "" {
		path = cfg.CalPath
	}
	tieName := bench.Calibration.TiePolicy
	if cfg.TiePolicy != "" {
		tieName = cfg.TiePolicy
	}
	tie, err := calibration.ParseTiePolicy(tieName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfigurationInvalid, err)
	}
	grid := bench.Calibration.GridHz
	if grid <= 0 {
		grid = calibration.DefaultGridHz
	}

	if strings.EqualFold(cfg.Backend, "mock") {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			logger.Warn("no calibration file, using zero offsets for the mock bench", logging.F("path", path))
			return flatCalibration(grid, tie, sw.Frequencies())
		}
	}
	return calibration.LoadCSVFile(path, grid, tie)
}

// flatCalibration covers every sweep point with zero offsets.
func flatCalibration(grid float64, tie calibration.TiePolicy, freqs []float64) (*calibration.Table, error) {
	entries := make([]calibration.Entry, 0, len(freqs))
	seen := make(map[calibration.Frequency]bool, len(freqs))
	snap, err := calibration.NewTable(grid, tie, nil)
	if err != nil {
		return nil, err
	}
	for _, f := range freqs {
		key := snap.Round(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, calibration.Entry{FrequencyHz: snap.Hz(key)})
	}
	return calibration.NewTable(grid, tie, entries)
}

func selectBackend(ctx context.Context, cfg runConfig, bench config.Bench, sig instrument.Signal, logger logging.Logger) (instrument.Facade, error) {
	if strings.EqualFold(cfg.Backend, "mock") {
		mc := instrument.DefaultMockConfig()
		mc.GainDB = cfg.MockGainDB
		logger.Info("using mock amplifier", logging.F("gain_db", mc.GainDB))
		return instrument.NewMockAmplifier(mc), nil
	}

	opts := []scpi.Option{
		scpi.WithLogger(logger),
		scpi.WithTimeout(bench.Timeout()),
		scpi.WithRetryDelay(bench.RetryDelay()),
	}
	var tunnel *scpi.SSHDialer
	if bench.SSH != nil {
		d, err := scpi.NewSSHDialer(*bench.SSH)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrConfigurationInvalid, err)
		}
		tunnel = d
		opts = append(opts, scpi.WithDialer(d))
	}

	b := instrument.NewBench(
		scpi.New("generator", bench.Instruments.Generator, opts...),
		scpi.New("analyzer", bench.Instruments.Analyzer, opts...),
		scpi.New("power_meter", bench.Instruments.PowerMeter, opts...),
		sig, logger)
	if err := b.Init(ctx); err != nil {
		_ = b.Close()
		if tunnel != nil {
			_ = tunnel.Close()
		}
		return nil, err
	}
	if tunnel != nil {
		return tunneledBench{Bench: b, tunnel: tunnel}, nil
	}
	return b, nil
}

// tunneledBench closes the SSH client after the instrument sessions.
type tunneledBench struct {
	*instrument.Bench
	tunnel *scpi.SSHDialer
}

func (t tunneledBench) Close() error {
	err := t.Bench.Close()
	if terr := t.tunnel.Close(); err == nil {
		err = terr
	}
	return err
}

func writeSheets(cfg runConfig, mem *results.Memory, summary results.Summary) error {
	if cfg.CSVPath != "" {
		if err := writeFile(cfg.CSVPath, func(w io.Writer) error {
			return results.WriteCSV(w, mem.Records(), mem.Failures())
		}); err != nil {
			return err
		}
	}
	if cfg.SummaryCSVPath != "" {
		if err := writeFile(cfg.SummaryCSVPath, func(w io.Writer) error {
			return results.WriteSummaryCSV(w, summary)
		}); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	if err := fn(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
