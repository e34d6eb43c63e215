package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"hmp-sched/internal/database"
	"hmp-sched/internal/sched"
	"hmp-sched/internal/topology"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	var sysRoot, procRoot string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Print the host topology as the scheduler would see it",
		RunE: func(cmd *cobra.Command, args []string) error {
			var host *topology.HostInfo
			var err error
			if sysRoot == "/sys" && procRoot == "/proc" {
				host, err = topology.GetHostInfo()
			} else {
				host, err = topology.Discover(sysRoot, procRoot)
			}
			if err != nil {
				return err
			}
			printHostInfo(cmd.OutOrStdout(), host)
			return nil
		},
	}
	cmd.Flags().StringVar(&sysRoot, "sys", "/sys", "Root of the sysfs tree")
	cmd.Flags().StringVar(&procRoot, "proc", "/proc", "Root of the procfs tree")
	return cmd
}

func khz(f uint32) string {
	return humanize.SIWithDigits(float64(f)*1000, 2, "Hz")
}

func printHostInfo(out io.Writer, host *topology.HostInfo) {
	fmt.Fprintf(out, "host     %s (%s, kernel %s)\n", host.Hostname, host.OSInfo, host.KernelVersion)
	fmt.Fprintf(out, "cpu      %s %s\n", host.CPUVendor, host.CPUModel)
	if host.Online != nil {
		fmt.Fprintf(out, "online   %s\n", host.Online.String())
	}
	for _, c := range host.Clusters {
		fmt.Fprintf(out, "cluster  %-10s cpus %-12s node %d capacity %d freq %s..%s (cur %s)\n",
			c.Name, c.CPUs.String(), c.Node, c.Efficiency, khz(c.MinFreq), khz(c.MaxFreq), khz(c.CurFreq))
	}
	for i, llc := range host.LLC {
		fmt.Fprintf(out, "llc%-5d cpus %s\n", i, llc.String())
	}
	if host.RDT.Supported {
		fmt.Fprintf(out, "rdt      classes %s\n", strings.Join(host.RDT.AvailableClasses, ","))
	} else {
		fmt.Fprintln(out, "rdt      not supported")
	}
}

func newEventsCmd() *cobra.Command {
	var dbPath, runID, kind string
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Summarise a run stored in the event database",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := database.NewEventStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			sum, err := store.Summary(ctx, runID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printRunEvents(out, sum)

			if kind == "" && limit == 0 {
				return nil
			}
			events, err := store.Events(ctx, sum.Run.ID, sched.TraceKind(kind), limit)
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Fprintf(out, "  %12d %-16s cpu %-3d task %-5d %d->%d %s\n",
					ev.At, ev.Kind, ev.CPU, ev.Task, ev.Src, ev.Dst, ev.Detail)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Path to the event database")
	cmd.Flags().StringVar(&runID, "run", "", "Run id (default: latest run)")
	cmd.Flags().StringVar(&kind, "kind", "", "List events of this kind")
	cmd.Flags().IntVar(&limit, "limit", 0, "List up to this many events")
	cmd.MarkFlagRequired("db")
	return cmd
}

func printRunEvents(out io.Writer, sum *database.RunSummary) {
	run := sum.Run
	fmt.Fprintf(out, "run %s (%s, trace %s)\n", run.ID, run.Name, run.TraceChecksum)
	fmt.Fprintf(out, "  started  %s\n", humanize.Time(run.StartedAt))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(out, "  took     %s\n", run.FinishedAt.Sub(run.StartedAt))
	}
	fmt.Fprintf(out, "  cpus %d, window %s\n", run.CPUs, run.Window)
	fmt.Fprintf(out, "  events   %s\n", humanize.Comma(sum.Events))

	kinds := make([]string, 0, len(sum.ByKind))
	for k := range sum.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(out, "    %-16s %s\n", k, humanize.Comma(sum.ByKind[k]))
	}
	for _, t := range sum.Tasks {
		fmt.Fprintf(out, "  task %-12s %-8s cpu %-3d %-9s wakeups %s migrations %s\n",
			t.Name, t.Policy, t.CPU, t.State, humanize.Comma(int64(t.Wakeups)), humanize.Comma(int64(t.Migrations)))
	}
}
