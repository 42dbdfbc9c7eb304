package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rjboer/pabench/internal/config"
	"github.com/rjboer/pabench/internal/logging"
	"github.com/rjboer/pabench/internal/mdns"
)

// NewDiscoverCommand browses the LAN for SCPI instruments.
func NewDiscoverCommand() *cobra.Command {
	var (
		timeout   time.Duration
		benchPath string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find LXI instruments on the local network",
		Long: `Find LXI instruments on the local network.

With --write-bench the first generator, analyzer and power meter found are
stored as the instrument addresses of that bench file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := mdns.Discover(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			printInstruments(cmd.OutOrStdout(), found)
			if benchPath == "" {
				return nil
			}
			return updateBench(benchPath, found, logging.Default())
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "how long to browse")
	cmd.Flags().StringVar(&benchPath, "write-bench", "", "store discovered addresses in this bench file")
	return cmd
}

func printInstruments(out io.Writer, found []mdns.Instrument) {
	if len(found) == 0 {
		fmt.Fprintln(out, color.YellowString("no instruments found"))
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tADDRESS\tMODEL\tSERIAL\tINSTANCE")
	for _, inst := range found {
		role := color.GreenString("%-11s", inst.Role)
		if inst.Role == mdns.RoleUnknown {
			role = color.New(color.Faint).Sprintf("%-11s", "-")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", role, inst.Address(), inst.Model, inst.Serial, inst.Instance)
	}
	tw.Flush()
}

// assignRoles fills the bench addresses from the first instrument of each
// role. Roles that were not found keep their current address.
func assignRoles(b config.Bench, found []mdns.Instrument) (config.Bench, int) {
	n := 0
	taken := map[mdns.Role]bool{}
	for _, inst := range found {
		if inst.Role == mdns.RoleUnknown || taken[inst.Role] {
			continue
		}
		taken[inst.Role] = true
		n++
		switch inst.Role {
		case mdns.RoleGenerator:
			b.Instruments.Generator = inst.Address()
		case mdns.RoleAnalyzer:
			b.Instruments.Analyzer = inst.Address()
		case mdns.RolePowerMeter:
			b.Instruments.PowerMeter = inst.Address()
		}
	}
	return b, n
}

func updateBench(path string, found []mdns.Instrument, logger logging.Logger) error {
	b, err := config.LoadOrCreateBench(path)
	if err != nil {
		return err
	}
	b, n := assignRoles(b, found)
	if n == 0 {
		logger.Warn("no bench roles discovered, bench file unchanged", logging.F("path", path))
		return nil
	}
	if err := config.SaveBench(path, b); err != nil {
		return err
	}
	logger.Info("bench file updated", logging.F("path", path), logging.F("roles", n))
	return nil
}
