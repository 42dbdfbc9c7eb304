package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rjboer/pabench/internal/errs"
	"github.com/rjboer/pabench/internal/results"
)

// NewSummaryCommand prints the statistics of a stored run.
func NewSummaryCommand() *cobra.Command {
	var (
		dbPath  string
		runID   string
		csvPath string
		list    bool
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize a stored run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("%w: results database %s: %v", errs.ErrConfigurationInvalid, dbPath, err)
			}
			store, err := results.OpenStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if list {
				return listRuns(out, store)
			}
			summary, id, err := summarizeRun(store, runID)
			if err != nil {
				return err
			}
			printSummary(out, id, summary)
			if csvPath != "" {
				return writeFile(csvPath, func(w io.Writer) error { return results.WriteSummaryCSV(w, summary) })
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", envString(os.LookupEnv, "PABENCH_DB", "pabench.db"), "SQLite results database")
	cmd.Flags().StringVar(&runID, "run", "", "run identifier, defaults to the latest run")
	cmd.Flags().StringVar(&csvPath, "csv", "", "also write the statistics sheet to this CSV file")
	cmd.Flags().BoolVar(&list, "list", false, "list stored runs instead")
	return cmd
}

// summarizeRun loads a run, or the latest one when runID is empty.
func summarizeRun(store *results.Store, runID string) (results.Summary, string, error) {
	if runID == "" {
		runs, err := store.Runs()
		if err != nil {
			return results.Summary{}, "", err
		}
		if len(runs) == 0 {
			return results.Summary{}, "", errors.New("no runs stored")
		}
		runID = runs[0].ID
	}
	recs, err := store.Records(runID)
	if err != nil {
		return results.Summary{}, "", err
	}
	fails, err := store.Failures(runID)
	if err != nil {
		return results.Summary{}, "", err
	}
	if len(recs) == 0 && len(fails) == 0 {
		return results.Summary{}, "", errors.Errorf("run %s has no data", runID)
	}
	return results.Summarize(recs, fails), runID, nil
}

func listRuns(out io.Writer, store *results.Store) error {
	runs, err := store.Runs()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tCOMMENT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), firstLine(r.Comment))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func printSummary(out io.Writer, runID string, s results.Summary) {
	failed := fmt.Sprintf("%d failed", s.Failures)
	if s.Failures > 0 {
		failed = color.New(color.Bold, color.FgRed).Sprint(failed)
	}
	fmt.Fprintf(out, "run %s: %d points, %s\n", color.New(color.Bold).Sprint(runID), s.Points, failed)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "STAGE\tN\tCONV\tPOWER mean\tEVM mean\tEVM max\tACLR L mean\tACLR U mean\tSERVO max\t")
	for _, st := range s.Stages {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.0f\t\n",
			st.Label(), st.Count, st.Converged,
			st.PowerDBm.Mean, st.EVMDB.Mean, st.EVMDB.Max,
			st.ACLRLowerDB.Mean, st.ACLRUpperDB.Mean, st.ServoIterations.Max)
	}
	tw.Flush()
}
