package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/blkmlk/memtrace/trace"
)

func newReportCmd() *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "report <trace-file>",
		Short: "Summarize a textual trace produced by \"memtrace run\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doReport(args[0], top)
		},
	}

	cmd.Flags().IntVar(&top, "top", 20, "number of call sites to show, ranked by leaked bytes")

	return cmd
}

func doReport(path string, top int) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open trace file")
	}
	defer f.Close()

	data, err := trace.NewParser().Parse(f)
	if err != nil {
		return errors.Wrap(err, "parse trace file")
	}

	printSummary(data)
	printTopAllocations(data, top)
	return nil
}

func printSummary(data *trace.AccumulatedData) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "total allocations:\t%d\n", data.Total.Allocations)
	fmt.Fprintf(tw, "temporary:\t%d\n", data.Total.Temporary)
	fmt.Fprintf(tw, "leaked:\t%s\n", humanize.Bytes(data.Total.Leaked))
	fmt.Fprintf(tw, "peak heap:\t%s\n", humanize.Bytes(data.Total.Peak))
	fmt.Fprintf(tw, "peak rss:\t%s\n", humanize.Bytes(data.PeakRSS))
	fmt.Fprintf(tw, "duration:\t%s\n", data.Duration)
	tw.Flush()
	fmt.Println()
}

func printTopAllocations(data *trace.AccumulatedData, top int) {
	allocs := make([]trace.Allocation, len(data.Allocations))
	copy(allocs, data.Allocations)
	sort.Slice(allocs, func(i, j int) bool {
		return allocs[i].Data.Leaked > allocs[j].Data.Leaked
	})

	if len(allocs) > top {
		allocs = allocs[:top]
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "leaked\tcount\tlocation")
	for _, a := range allocs {
		if a.Data.Leaked == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", humanize.Bytes(a.Data.Leaked), a.Data.Allocations, callSite(data, a.TraceIdx))
	}
	tw.Flush()
}

// callSite renders the innermost frame of the instruction pointer a
// trace_idx's Edge points to, as "function (file:line)" when location
// information survived symbolication, else the bare function name.
func callSite(data *trace.AccumulatedData, traceIdx uint64) string {
	if traceIdx == 0 || int(traceIdx-1) >= len(data.Traces) {
		return "<unknown>"
	}
	edge := data.Traces[traceIdx-1]
	if edge.IPIdx == 0 || int(edge.IPIdx-1) >= len(data.InstructionPointers) {
		return "<unknown>"
	}
	ip := data.InstructionPointers[edge.IPIdx-1]
	return frameString(data, ip.Frame)
}

func frameString(data *trace.AccumulatedData, f trace.Frame) string {
	name := stringAt(data, f.FunctionIdx)
	if !f.HasLocation {
		return name
	}
	return fmt.Sprintf("%s (%s:%d)", name, stringAt(data, f.FileIdx), f.LineNumber)
}

func stringAt(data *trace.AccumulatedData, idx int) string {
	if idx == 0 || idx-1 >= len(data.Strings) {
		return "?"
	}
	return data.Strings[idx-1]
}
