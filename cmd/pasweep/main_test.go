package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rjboer/pabench/internal/calibration"
	"github.com/rjboer/pabench/internal/config"
	"github.com/rjboer/pabench/internal/errs"
	"github.com/rjboer/pabench/internal/instrument"
	"github.com/rjboer/pabench/internal/logging"
	"github.com/rjboer/pabench/internal/mdns"
	"github.com/rjboer/pabench/internal/results"
)

func noEnv(string) (string, bool) { return "", false }

func quietLogger() logging.Logger { return logging.New(logging.Error, logging.Text, io.Discard) }

const sweepInputs = `{
  "Sweep_Measurement": {
    "range": {"start_ghz": 3.4, "stop_ghz": 3.6, "step_mhz": 100, "power_dbm": 6, "expected_gain_db": 18},
    "signal_bandwidth": "10MHz",
    "frame_type": "full_frame"
  },
  "User_Comments": {"10MHz_full_frame_nrx": ["bench A", "fan on"]}
}`

func TestParseRunConfigDefaults(t *testing.T) {
	cfg, err := parseRunConfig(nil, noEnv)
	if err != nil {
		t.Fatalf("parseRunConfig failed: %v", err)
	}
	if cfg.Backend != "scpi" || cfg.InputsPath != "test_inputs.json" || cfg.HistoryLimit != 2000 {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
}

func TestParseRunConfigEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PABENCH_BACKEND":       "mock",
		"PABENCH_DB":            "",
		"PABENCH_HISTORY_LIMIT": "50",
		"PABENCH_MOCK_GAIN_DB":  "not-a-number",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	cfg, err := parseRunConfig([]string{"--inputs", "x.json", "--web-addr", ":9090", "--trace", "--trace-exporter", "otlp"}, lookup)
	if err != nil {
		t.Fatalf("parseRunConfig failed: %v", err)
	}
	if cfg.Backend != "mock" || cfg.DBPath != "" || cfg.HistoryLimit != 50 || cfg.InputsPath != "x.json" || cfg.WebAddr != ":9090" {
		t.Fatalf("overrides not applied: %#v", cfg)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" {
		t.Fatalf("tracing flags not applied: %+v", cfg.Tracing)
	}
	if cfg.MockGainDB != instrument.DefaultMockConfig().GainDB {
		t.Fatalf("malformed env value should keep the default, got %v", cfg.MockGainDB)
	}
}

func TestParseRunConfigRejectsUnknownBackend(t *testing.T) {
	_, err := parseRunConfig([]string{"--backend", "visa"}, noEnv)
	if !errors.Is(err, errs.ErrConfigurationInvalid) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSelectBackendMock(t *testing.T) {
	f, err := selectBackend(context.Background(), runConfig{Backend: "mock", MockGainDB: 20}, config.DefaultBench(), instrument.Signal{}, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.(*instrument.MockAmplifier); !ok {
		t.Fatalf("expected mock amplifier, got %T", f)
	}
}

func TestFlatCalibrationCoversSweep(t *testing.T) {
	freqs := []float64{3.4e9, 3.5e9, 3.5e9, 3.6e9}
	table, err := flatCalibration(calibration.DefaultGridHz, calibration.TieLower, freqs)
	if err != nil {
		t.Fatalf("flatCalibration: %v", err)
	}
	if table.Len() != 3 {
		t.Fatalf("expected 3 grid points, got %d", table.Len())
	}
	for _, f := range freqs {
		if off, err := table.Resolve(f); err != nil || off != (calibration.Offset{}) {
			t.Fatalf("resolve %v: %+v %v", f, off, err)
		}
	}
}

func writeInputs(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "inputs.json")
	if err := os.WriteFile(path, []byte(sweepInputs), 0o644); err != nil {
		t.Fatalf("write inputs: %v", err)
	}
	return path
}

func TestRunSweepMockEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultRunConfig(noEnv)
	cfg.Backend = "mock"
	cfg.MockGainDB = 18
	cfg.InputsPath = writeInputs(t, dir)
	cfg.BenchPath = filepath.Join(dir, "bench.json")
	cfg.CalPath = filepath.Join(dir, "missing_cal.csv")
	cfg.DBPath = filepath.Join(dir, "results.db")
	cfg.CSVPath = filepath.Join(dir, "records.csv")
	cfg.SummaryCSVPath = filepath.Join(dir, "summary.csv")

	var out bytes.Buffer
	report, err := runSweep(context.Background(), cfg, &out, quietLogger())
	if err != nil {
		t.Fatalf("runSweep: %v", err)
	}
	if len(report.Processed()) != 3 || report.Records != 12 {
		t.Fatalf("expected 3 points and 12 records, got %d points %d records", len(report.Processed()), report.Records)
	}
	if !strings.Contains(out.String(), "3 points, 0 failed") {
		t.Fatalf("summary not printed:\n%s", out.String())
	}
	if _, err := os.Stat(cfg.BenchPath); err != nil {
		t.Fatalf("bench template not written: %v", err)
	}

	sheet, err := os.ReadFile(cfg.CSVPath)
	if err != nil {
		t.Fatalf("read records csv: %v", err)
	}
	if lines := strings.Count(strings.TrimSpace(string(sheet)), "\n") + 1; lines != 13 {
		t.Fatalf("expected header plus 12 rows, got %d lines", lines)
	}
	if _, err := os.Stat(cfg.SummaryCSVPath); err != nil {
		t.Fatalf("summary csv missing: %v", err)
	}

	store, err := results.OpenStore(cfg.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	runs, err := store.Runs()
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one stored run, got %d (%v)", len(runs), err)
	}
	if runs[0].ID != report.RunID || runs[0].Comment != "bench A\nfan on" {
		t.Fatalf("unexpected run row: %+v", runs[0])
	}
	recs, err := store.Records(report.RunID)
	if err != nil || len(recs) != 12 {
		t.Fatalf("expected 12 stored records, got %d (%v)", len(recs), err)
	}
}

func TestRunSweepRejectsInvalidInputs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inputs.json")
	bad := `{"Sweep_Measurement": {"range": {"start_ghz": 3.6, "stop_ghz": 3.4, "step_mhz": 100}}}`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("write inputs: %v", err)
	}
	cfg := defaultRunConfig(noEnv)
	cfg.Backend = "mock"
	cfg.InputsPath = path
	cfg.BenchPath = filepath.Join(dir, "bench.json")
	cfg.DBPath = ""

	_, err := runSweep(context.Background(), cfg, io.Discard, quietLogger())
	if !errors.Is(err, errs.ErrConfigurationInvalid) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, statErr := os.Stat(cfg.BenchPath); !os.IsNotExist(statErr) {
		t.Fatalf("nothing should be touched before the inputs validate")
	}
}

func TestSummaryCommandReadsLatestRun(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultRunConfig(noEnv)
	cfg.Backend = "mock"
	cfg.InputsPath = writeInputs(t, dir)
	cfg.BenchPath = filepath.Join(dir, "bench.json")
	cfg.CalPath = filepath.Join(dir, "missing_cal.csv")
	cfg.DBPath = filepath.Join(dir, "results.db")
	report, err := runSweep(context.Background(), cfg, io.Discard, quietLogger())
	if err != nil {
		t.Fatalf("runSweep: %v", err)
	}

	var out bytes.Buffer
	cmd := NewCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"summary", "--db", cfg.DBPath, "--log-level", "error"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("summary command: %v", err)
	}
	if !strings.Contains(out.String(), report.RunID) || !strings.Contains(out.String(), "gmp-dpd") {
		t.Fatalf("unexpected summary output:\n%s", out.String())
	}
}

func TestSummarizeRunWithoutData(t *testing.T) {
	store, err := results.OpenStore(filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if _, _, err := summarizeRun(store, ""); err == nil || !strings.Contains(err.Error(), "no runs stored") {
		t.Fatalf("expected an empty store error, got %v", err)
	}
	if _, _, err := summarizeRun(store, "missing"); err == nil || !strings.Contains(err.Error(), "run missing has no data") {
		t.Fatalf("expected a missing run error, got %v", err)
	}
}

func TestAssignRoles(t *testing.T) {
	found := []mdns.Instrument{
		{Model: "FSW-43", Role: mdns.RoleAnalyzer, Hostname: "fsw.local.", Port: 5025},
		{Model: "FSV3030", Role: mdns.RoleAnalyzer, Hostname: "fsv.local.", Port: 5025},
		{Model: "DSO", Role: mdns.RoleUnknown, Hostname: "scope.local.", Port: 5025},
		{Model: "NRX", Role: mdns.RolePowerMeter, Hostname: "nrx.local.", Port: 5025},
	}
	b, n := assignRoles(config.DefaultBench(), found)
	if n != 2 {
		t.Fatalf("expected 2 roles, got %d", n)
	}
	if b.Instruments.Analyzer != "fsw.local:5025" || b.Instruments.PowerMeter != "nrx.local:5025" {
		t.Fatalf("unexpected addresses: %+v", b.Instruments)
	}
	if b.Instruments.Generator != config.DefaultBench().Instruments.Generator {
		t.Fatalf("generator should keep its address")
	}
}
