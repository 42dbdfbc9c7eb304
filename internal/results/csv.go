package results

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

var recordHeader = []string{
	"Frequency (GHz)", "Stage", "ET Delay (s)", "Input Power (dBm)", "Output Power (dBm)", "EVM (dB)",
	"Channel Power (dBm)", "ACLR Lower (dB)", "ACLR Upper (dB)", "Servo Iterations", "Converged",
	"Duration (s)", "Error",
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

// WriteCSV writes one row per record followed by one row per failed point.
func WriteCSV(w io.Writer, records []Record, failures []Failure) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(recordHeader); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, r := range records {
		row := []string{
			ff(r.FrequencyHz / 1e9),
			string(r.Stage),
			optional(r.ETDelay),
			optional(r.InputDBm),
			ff(r.PowerDBm),
			ff(r.EVMDB),
			ff(r.ACLR.ChannelPowerDBm),
			ff(r.ACLR.LowerDB),
			ff(r.ACLR.UpperDB),
			strconv.Itoa(r.ServoIterations),
			strconv.FormatBool(r.Converged),
			ff(r.Duration.Seconds()),
			"",
		}
		if err := cw.Write(row); err != nil {
			return errors.Wrapf(err, "write record %d", r.Sequence)
		}
	}
	for _, f := range failures {
		row := make([]string, len(recordHeader))
		row[0] = ff(f.FrequencyHz / 1e9)
		row[1] = f.State
		row[len(row)-1] = f.Error
		if err := cw.Write(row); err != nil {
			return errors.Wrap(err, "write failure")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// WriteSummaryCSV writes the statistics sheet: the point count, then one
// Max/Min/Mean block per stage.
func WriteSummaryCSV(w io.Writer, s Summary) error {
	cw := csv.NewWriter(w)
	rows := [][]string{
		{"Points", strconv.Itoa(s.Points)},
		{"Failed Points", strconv.Itoa(s.Failures)},
		{"Stage", "Statistic", "Output Power (dBm)", "EVM (dB)", "ACLR Lower (dB)", "ACLR Upper (dB)", "Servo Iterations", "Count", "Converged"},
	}
	for _, st := range s.Stages {
		for _, stat := range []struct {
			name string
			pick func(Stat) float64
		}{
			{"Max", func(x Stat) float64 { return x.Max }},
			{"Min", func(x Stat) float64 { return x.Min }},
			{"Mean", func(x Stat) float64 { return x.Mean }},
		} {
			rows = append(rows, []string{
				st.Label(), stat.name,
				ff(stat.pick(st.PowerDBm)),
				ff(stat.pick(st.EVMDB)),
				ff(stat.pick(st.ACLRLowerDB)),
				ff(stat.pick(st.ACLRUpperDB)),
				ff(stat.pick(st.ServoIterations)),
				strconv.Itoa(st.Count),
				strconv.Itoa(st.Converged),
			})
		}
	}
	if err := cw.WriteAll(rows); err != nil {
		return errors.Wrap(err, "write summary")
	}
	return nil
}
