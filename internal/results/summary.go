package results

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stat is the spread of one quantity across the sweep.
type Stat struct {
	Max    float64 `json:"max"`
	Min    float64 `json:"min"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

func newStat(xs []float64) Stat {
	if len(xs) == 0 {
		return Stat{}
	}
	s := Stat{
		Max:  floats.Max(xs),
		Min:  floats.Min(xs),
		Mean: stat.Mean(xs, nil),
	}
	if len(xs) > 1 {
		s.StdDev = stat.StdDev(xs, nil)
	}
	return s
}

// StageSummary aggregates all records of one stage (and ET delay).
type StageSummary struct {
	Stage           Stage    `json:"stage"`
	ETDelay         *float64 `json:"et_delay_s,omitempty"`
	Count           int      `json:"count"`
	Converged       int      `json:"converged"`
	PowerDBm        Stat     `json:"power_dbm"`
	EVMDB           Stat     `json:"evm_db"`
	ACLRLowerDB     Stat     `json:"aclr_lower_db"`
	ACLRUpperDB     Stat     `json:"aclr_upper_db"`
	ServoIterations Stat     `json:"servo_iterations"`
}

// Label mirrors Record.Label.
func (s StageSummary) Label() string {
	return Record{Stage: s.Stage, ETDelay: s.ETDelay}.Label()
}

// Summary is the statistics sheet of a run.
type Summary struct {
	Points   int            `json:"points"`
	Failures int            `json:"failures"`
	Stages   []StageSummary `json:"stages"`
}

type groupKey struct {
	stage Stage
	et    bool
	delay float64
}

// Summarize groups records by stage and ET delay, in canonical stage order
// with non-ET groups first and delays ascending.
func Summarize(records []Record, failures []Failure) Summary {
	type group struct {
		key                        groupKey
		power, evm, lo, hi, servos []float64
		converged                  int
	}
	groups := map[groupKey]*group{}
	points := map[float64]struct{}{}
	for _, r := range records {
		points[r.FrequencyHz] = struct{}{}
		k := groupKey{stage: r.Stage}
		if r.ETDelay != nil {
			k.et = true
			k.delay = *r.ETDelay
		}
		g, ok := groups[k]
		if !ok {
			g = &group{key: k}
			groups[k] = g
		}
		g.power = append(g.power, r.PowerDBm)
		g.evm = append(g.evm, r.EVMDB)
		g.lo = append(g.lo, r.ACLR.LowerDB)
		g.hi = append(g.hi, r.ACLR.UpperDB)
		g.servos = append(g.servos, float64(r.ServoIterations))
		if r.Converged {
			g.converged++
		}
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.stage.Order() != b.stage.Order() {
			return a.stage.Order() < b.stage.Order()
		}
		if a.stage != b.stage {
			return a.stage < b.stage
		}
		if a.et != b.et {
			return !a.et
		}
		return a.delay < b.delay
	})

	out := Summary{Points: len(points), Failures: len(failures)}
	for _, k := range keys {
		g := groups[k]
		s := StageSummary{
			Stage:           k.stage,
			Count:           len(g.power),
			Converged:       g.converged,
			PowerDBm:        newStat(g.power),
			EVMDB:           newStat(g.evm),
			ACLRLowerDB:     newStat(g.lo),
			ACLRUpperDB:     newStat(g.hi),
			ServoIterations: newStat(g.servos),
		}
		if k.et {
			d := k.delay
			s.ETDelay = &d
		}
		out.Stages = append(out.Stages, s)
	}
	return out
}

// ConvergenceRate is the fraction of records whose servo converged, or NaN
// without records.
func ConvergenceRate(records []Record) float64 {
	if len(records) == 0 {
		return math.NaN()
	}
	ok := make([]float64, len(records))
	for i, r := range records {
		if r.Converged {
			ok[i] = 1
		}
	}
	return stat.Mean(ok, nil)
}
