package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/ahcisim/datarecording"
	"github.com/sarchlab/ahcisim/tracing"
)

var traceKind string

var traceCmd = &cobra.Command{
	Use:   "trace FILE",
	Short: "Summarize a task trace written by run --trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		if _, err := os.Stat(args[0]); err != nil {
			return err
		}

		reader, err := datarecording.NewReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		tasks, err := tracing.LoadTasks(cmd.Context(), reader, traceKind)
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}

		printTraceSummary(cmd.OutOrStdout(), tasks)

		return nil
	},
}

func init() {
	traceCmd.Flags().StringVar(&traceKind, "kind", "",
		"only summarize tasks of this kind")
	rootCmd.AddCommand(traceCmd)
}

type traceGroup struct {
	kind, what, location string
	count                int
	total, max           float64
	steps                map[string]int
}

func summarizeTasks(tasks []tracing.Task) []*traceGroup {
	groups := make(map[[3]string]*traceGroup)

	for _, t := range tasks {
		key := [3]string{t.Kind, t.What, t.Location}

		g, ok := groups[key]
		if !ok {
			g = &traceGroup{
				kind:     t.Kind,
				what:     t.What,
				location: t.Location,
				steps:    make(map[string]int),
			}
			groups[key] = g
		}

		d := float64(t.EndTime - t.StartTime)
		g.count++
		g.total += d
		g.max = max(g.max, d)

		for _, s := range t.Steps {
			g.steps[s.What]++
		}
	}

	out := make([]*traceGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.location != b.location {
			return a.location < b.location
		}

		if a.kind != b.kind {
			return a.kind < b.kind
		}

		return a.what < b.what
	})

	return out
}

func printTraceSummary(out io.Writer, tasks []tracing.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "no tasks")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOCATION\tKIND\tCOMMAND\tCOUNT\tAVERAGE\tMAX\tHALTED")

	for _, g := range summarizeTasks(tasks) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.9f\t%.9f\t%d\n",
			g.location, g.kind, g.what, g.count,
			g.total/float64(g.count), g.max, g.steps["halted"])
	}

	w.Flush()
}
