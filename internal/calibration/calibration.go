// Package calibration maps sweep frequencies onto a calibration grid and
// returns the correction offsets recorded for each grid point.
package calibration

import (
	"fmt"
	"math"
	"sort"

	pkgerrors "github.com/pkg/errors"

	"github.com/rjboer/pabench/internal/errs"
)

// DefaultGridHz matches the 1 MHz resolution of the bench calibration files.
const DefaultGridHz = 1e6

// TiePolicy selects the grid point used when a frequency lies exactly halfway
// between two points.
type TiePolicy int

const (
	// TieLower rounds halfway frequencies toward the lower grid point.
	TieLower TiePolicy = iota
	// TieUpper rounds halfway frequencies toward the upper grid point.
	TieUpper
)

// ParseTiePolicy converts "lower"/"upper" to a TiePolicy.
func ParseTiePolicy(s string) (TiePolicy, error) {
	switch s {
	case "", "lower", "half-down":
		return TieLower, nil
	case "upper", "half-up":
		return TieUpper, nil
	default:
		return TieLower, fmt.Errorf("unsupported tie policy %q", s)
	}
}

func (p TiePolicy) String() string {
	if p == TieUpper {
		return "upper"
	}
	return "lower"
}

// Frequency is a point on the calibration grid, stored as a grid index so
// map lookups never depend on float equality.
type Frequency int64

// Offset is the set of corrections recorded for one grid point.
type Offset struct {
	GeneratorDB float64 // signal generator level offset
	AnalyzerDB  float64 // analyzer reference level offset
	InputDB     float64 // power meter input channel offset
	OutputDB    float64 // power meter output channel offset
}

// Resolver looks up the offset for a frequency in Hz.
type Resolver interface {
	Resolve(hz float64) (Offset, error)
}

// Table is an immutable calibration table.
type Table struct {
	gridHz  float64
	tie     TiePolicy
	offsets map[Frequency]Offset
}

// Entry is one row used to build a Table.
type Entry struct {
	FrequencyHz float64
	Offset      Offset
}

// NewTable builds a table on the given grid. Duplicate grid points are
// rejected because they would make lookups ambiguous.
func NewTable(gridHz float64, tie TiePolicy, entries []Entry) (*Table, error) {
	if gridHz <= 0 || math.IsNaN(gridHz) {
		return nil, pkgerrors.Errorf("calibration grid must be positive, got %v", gridHz)
	}
	t := &Table{gridHz: gridHz, tie: tie, offsets: make(map[Frequency]Offset, len(entries))}
	for _, e := range entries {
		key := t.Round(e.FrequencyHz)
		if _, dup := t.offsets[key]; dup {
			return nil, pkgerrors.Errorf("duplicate calibration point at %.0f Hz", t.Hz(key))
		}
		t.offsets[key] = e.Offset
	}
	return t, nil
}

// Round maps hz onto the nearest grid point. Halfway values follow the
// table's tie policy.
func (t *Table) Round(hz float64) Frequency {
	return roundToGrid(hz, t.gridHz, t.tie)
}

// Hz converts a grid point back to Hz.
func (t *Table) Hz(f Frequency) float64 {
	return float64(f) * t.gridHz
}

// GridHz returns the grid resolution.
func (t *Table) GridHz() float64 { return t.gridHz }

// Len returns the number of grid points in the table.
func (t *Table) Len() int { return len(t.offsets) }

// Points returns the grid points in ascending order.
func (t *Table) Points() []Frequency {
	out := make([]Frequency, 0, len(t.offsets))
	for f := range t.offsets {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve returns the offset for hz. A missing grid point is reported as
// errs.ErrCalibrationMissing; callers must not substitute a default.
func (t *Table) Resolve(hz float64) (Offset, error) {
	key := t.Round(hz)
	off, ok := t.offsets[key]
	if !ok {
		return Offset{}, fmt.Errorf("%w: no offset for %.3f GHz", errs.ErrCalibrationMissing, t.Hz(key)/1e9)
	}
	return off, nil
}

const tieEpsilon = 1e-9

func roundToGrid(hz, grid float64, tie TiePolicy) Frequency {
	x := hz / grid
	lo := math.Floor(x)
	frac := x - lo
	switch {
	case math.Abs(frac-0.5) <= tieEpsilon:
		if tie == TieUpper {
			return Frequency(lo + 1)
		}
		return Frequency(lo)
	case frac < 0.5:
		return Frequency(lo)
	default:
		return Frequency(lo + 1)
	}
}
