package calibration

import (
	"errors"
	"strings"
	"testing"

	"github.com/rjboer/pabench/internal/errs"
)

func testTable(t *testing.T, tie TiePolicy) *Table {
	t.Helper()
	tbl, err := NewTable(DefaultGridHz, tie, []Entry{
		{FrequencyHz: 3.4e9, Offset: Offset{GeneratorDB: 1.1, AnalyzerDB: 2.2, InputDB: 0.3, OutputDB: 30.1}},
		{FrequencyHz: 3.401e9, Offset: Offset{GeneratorDB: 1.2, AnalyzerDB: 2.3, InputDB: 0.4, OutputDB: 30.2}},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func TestResolveExactPoint(t *testing.T) {
	tbl := testTable(t, TieLower)
	off, err := tbl.Resolve(3.4e9)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if off.GeneratorDB != 1.1 || off.OutputDB != 30.1 {
		t.Fatalf("unexpected offset %+v", off)
	}
}

func TestResolveRoundsToNearest(t *testing.T) {
	tbl := testTable(t, TieLower)
	off, err := tbl.Resolve(3.4007e9)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if off.GeneratorDB != 1.2 {
		t.Fatalf("expected upper neighbour, got %+v", off)
	}
	off, err = tbl.Resolve(3.4003e9)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if off.GeneratorDB != 1.1 {
		t.Fatalf("expected lower neighbour, got %+v", off)
	}
}

func TestTiePolicy(t *testing.T) {
	mid := 3.4005e9
	lower, err := testTable(t, TieLower).Resolve(mid)
	if err != nil {
		t.Fatalf("Resolve lower: %v", err)
	}
	upper, err := testTable(t, TieUpper).Resolve(mid)
	if err != nil {
		t.Fatalf("Resolve upper: %v", err)
	}
	if lower.GeneratorDB != 1.1 || upper.GeneratorDB != 1.2 {
		t.Fatalf("tie rounding wrong: lower=%+v upper=%+v", lower, upper)
	}
}

func TestResolveDeterministic(t *testing.T) {
	tbl := testTable(t, TieLower)
	first, err := tbl.Resolve(3.401e9)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < 100; i++ {
		got, err := tbl.Resolve(3.401e9)
		if err != nil || got != first {
			t.Fatalf("resolution %d differs: %+v %v", i, got, err)
		}
	}
}

func TestResolveMissing(t *testing.T) {
	tbl := testTable(t, TieLower)
	_, err := tbl.Resolve(3.45e9)
	if !errors.Is(err, errs.ErrCalibrationMissing) {
		t.Fatalf("expected ErrCalibrationMissing, got %v", err)
	}
	if !strings.Contains(err.Error(), "3.450 GHz") {
		t.Fatalf("error should name the frequency: %v", err)
	}
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	_, err := NewTable(DefaultGridHz, TieLower, []Entry{{FrequencyHz: 3.4e9}, {FrequencyHz: 3.4000001e9}})
	if err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestLoadCSV(t *testing.T) {
	data := "Center Frequency (GHz),VSG Offset (dB),VSA Offset (dB),Input Power Offset (dB),Output Power Offset (dB),Note\n" +
		"3.4,1.5,2.5,0.5,31.0,a\n" +
		"3.41,1.6,2.6,0.6,31.1,b\n"
	tbl, err := LoadCSV(strings.NewReader(data), DefaultGridHz, TieLower)
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 points, got %d", tbl.Len())
	}
	off, err := tbl.Resolve(3.41e9)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if off.AnalyzerDB != 2.6 || off.InputDB != 0.6 {
		t.Fatalf("unexpected offset %+v", off)
	}
	pts := tbl.Points()
	if len(pts) != 2 || pts[0] != 3400 || pts[1] != 3410 {
		t.Fatalf("unexpected points %v", pts)
	}
}

func TestLoadCSVMissingColumn(t *testing.T) {
	_, err := LoadCSV(strings.NewReader("Center Frequency (GHz),VSG Offset (dB)\n3.4,1\n"), DefaultGridHz, TieLower)
	if err == nil || !strings.Contains(err.Error(), "VSA Offset") {
		t.Fatalf("expected missing column error, got %v", err)
	}
}

func TestParseTiePolicy(t *testing.T) {
	if p, err := ParseTiePolicy("upper"); err != nil || p != TieUpper {
		t.Fatalf("ParseTiePolicy(upper) = %v, %v", p, err)
	}
	if _, err := ParseTiePolicy("sideways"); err == nil {
		t.Fatalf("expected error")
	}
}
