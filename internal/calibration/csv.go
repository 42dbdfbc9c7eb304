package calibration

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Column headers of the bench calibration export.
const (
	colFrequencyGHz = "Center Frequency (GHz)"
	colGenerator    = "VSG Offset (dB)"
	colAnalyzer     = "VSA Offset (dB)"
	colInput        = "Input Power Offset (dB)"
	colOutput       = "Output Power Offset (dB)"
)

// LoadCSVFile opens path and parses it with LoadCSV.
func LoadCSVFile(path string, gridHz float64, tie TiePolicy) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open calibration file %s", path)
	}
	defer f.Close()

	t, err := LoadCSV(f, gridHz, tie)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to load calibration file %s", path)
	}
	return t, nil
}

// LoadCSV reads a calibration export with a header row. Column order is free;
// extra columns are ignored.
func LoadCSV(r io.Reader, gridHz float64, tie TiePolicy) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read header")
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	cols := []string{colFrequencyGHz, colGenerator, colAnalyzer, colInput, colOutput}
	for _, c := range cols {
		if _, ok := idx[c]; !ok {
			return nil, pkgerrors.Errorf("missing column %q", c)
		}
	}

	var entries []Entry
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "read line %d", line)
		}
		vals := make([]float64, len(cols))
		for i, c := range cols {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[idx[c]]), 64)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "line %d column %q", line, c)
			}
			vals[i] = v
		}
		entries = append(entries, Entry{
			FrequencyHz: vals[0] * 1e9,
			Offset: Offset{
				GeneratorDB: vals[1],
				AnalyzerDB:  vals[2],
				InputDB:     vals[3],
				OutputDB:    vals[4],
			},
		})
	}
	return NewTable(gridHz, tie, entries)
}
