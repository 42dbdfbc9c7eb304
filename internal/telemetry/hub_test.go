package telemetry

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rjboer/pabench/internal/logging"
	"github.com/rjboer/pabench/internal/results"
)

func newTestHub(limit int) *Hub {
	return NewHub(limit, logging.New(logging.Debug, logging.Text, io.Discard))
}

func sampleRecord(stage results.Stage, evm float64) results.Record {
	return results.Record{FrequencyHz: 3.5e9, Stage: stage, PowerDBm: 24, EVMDB: evm, ServoIterations: 2, Converged: true}
}

func TestHubHistoryIsBounded(t *testing.T) {
	hub := newTestHub(3)
	for i := 0; i < 5; i++ {
		hub.Report(sampleRecord(results.StageBaseline, float64(-30-i)))
	}
	hist := hub.History()
	if len(hist) != 3 {
		t.Fatalf("expected 3 events, got %d", len(hist))
	}
	if hist[0].Record.EVMDB != -32 {
		t.Fatalf("expected oldest events dropped, first EVM %v", hist[0].Record.EVMDB)
	}
	if hub.Progress().Records != 5 {
		t.Fatalf("progress must count every record")
	}
}

func TestHubSubscribe(t *testing.T) {
	hub := newTestHub(10)
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.ReportPoint(Point{FrequencyHz: 3.45e9, State: "failed", Error: "calibration missing"})
	select {
	case ev := <-ch:
		if ev.Point == nil || !ev.Point.Failed() {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
	if p := hub.Progress(); p.PointsFailed != 1 || p.PointsDone != 0 {
		t.Fatalf("unexpected progress %+v", p)
	}
}

func TestHandleHistory(t *testing.T) {
	hub := newTestHub(10)
	hub.Report(sampleRecord(results.StageSingle, -36))

	rr := httptest.NewRecorder()
	hub.handleHistory(rr, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	var events []Event
	if err := json.NewDecoder(rr.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Record.Stage != results.StageSingle {
		t.Fatalf("unexpected history %+v", events)
	}
}

func TestHandleDiagnostics(t *testing.T) {
	hub := newTestHub(10)
	hub.ReportPoint(Point{FrequencyHz: 3.5e9, State: "done", Records: 4})

	rr := httptest.NewRecorder()
	hub.handleDiagnostics(rr, httptest.NewRequest(http.MethodGet, "/api/diagnostics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp Diagnostics
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Process.NumGoroutine == 0 || resp.Progress.PointsDone != 1 {
		t.Fatalf("unexpected diagnostics %+v", resp)
	}

	rr = httptest.NewRecorder()
	hub.handleDiagnostics(rr, httptest.NewRequest(http.MethodPost, "/api/diagnostics", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleSetConfig(t *testing.T) {
	hub := newTestHub(10)
	for i := 0; i < 6; i++ {
		hub.Report(sampleRecord(results.StageBaseline, -30))
	}

	body := bytes.NewBufferString(`{"historyLimit": 4}`)
	rr := httptest.NewRecorder()
	hub.handleSetConfig(rr, httptest.NewRequest(http.MethodPost, "/api/config/update", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(hub.History()) != 4 {
		t.Fatalf("history not trimmed to new limit")
	}

	rr = httptest.NewRecorder()
	hub.handleSetConfig(rr, httptest.NewRequest(http.MethodPost, "/api/config/update", bytes.NewBufferString(`{"historyLimit": -1}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", rr.Code)
	}
}

func TestMetricsReport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	rec := sampleRecord(results.StageGMP, -40)
	rec.Converged = false
	var r Reporter = MultiReporter{m, NewStdoutReporter(nil)}
	r.Report(rec)
	r.ReportPoint(Point{FrequencyHz: 3.5e9, State: "done", Records: 1, Elapsed: time.Second})

	if got := testutil.ToFloat64(m.Records.WithLabelValues("gmp-dpd")); got != 1 {
		t.Fatalf("expected 1 gmp record, got %v", got)
	}
	if got := testutil.ToFloat64(m.NotConverged.WithLabelValues("gmp-dpd")); got != 1 {
		t.Fatalf("expected non-convergence counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.EVM.WithLabelValues("gmp-dpd", "3.500")); got != -40 {
		t.Fatalf("expected EVM gauge -40, got %v", got)
	}
	if got := testutil.ToFloat64(m.Points.WithLabelValues("done")); got != 1 {
		t.Fatalf("expected 1 done point, got %v", got)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestWebServerRoutes(t *testing.T) {
	hub := newTestHub(10)
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.Report(sampleRecord(results.StageBaseline, -30))
	srv := httptest.NewServer(NewWebServer(":0", hub, m.Handler()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "pabench_records_total") {
		t.Fatalf("metrics not exposed:\n%s", body)
	}

	resp, err = http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
