package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/blkmlk/memtrace/interpret"
	"github.com/blkmlk/memtrace/internal/config"
	"github.com/blkmlk/memtrace/internal/metrics"
	"github.com/blkmlk/memtrace/pipeline"
	"github.com/blkmlk/memtrace/resolver"
	"github.com/blkmlk/memtrace/trace"
)

func newRunCmd() *cobra.Command {
	var (
		libPath     string
		outPath     string
		cwd         string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run <program> [args...]",
		Short: "Run a program under the tracer and write a textual trace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(config.Session{
				Program:     args[0],
				Args:        args[1:],
				Cwd:         cwd,
				LibPath:     libPath,
				OutPath:     outPath,
				MetricsAddr: metricsAddr,
			})
		},
	}

	cmd.Flags().StringVar(&libPath, "lib", "", "path to the tracing shared library to inject (required)")
	cmd.Flags().StringVar(&outPath, "out", "memtrace.out", "path to write the textual trace to")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the traced program (default: current directory)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address instead of dumping to stdout")
	_ = cmd.MarkFlagRequired("lib")

	return cmd
}

func doRun(cfg config.Session) error {
	out, err := os.Create(cfg.OutPath)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	defer out.Close()

	collector := metrics.New()

	res := resolver.New(resolver.WithLookupLatencyObserver(collector.LookupLatencyObserver()))
	w := trace.NewWriter(out)
	interp := interpret.New(w, res, interpret.WithStatsObserver(collector))

	sess, err := pipeline.NewSession(cfg)
	if err != nil {
		return errors.Wrap(err, "start session")
	}
	defer sess.Close()

	for rec, err := range sess.Records() {
		if err != nil {
			return errors.Wrap(err, "read trace stream")
		}
		if err := interp.Handle(rec); err != nil {
			return errors.Wrap(err, "interpret record")
		}
	}

	if err := interp.Finish(); err != nil {
		return errors.Wrap(err, "finalize trace")
	}

	stats := interp.Stats()
	log.WithFields(map[string]interface{}{
		"allocations": stats.Allocations,
		"leaked":      stats.LeakedAllocations,
		"temporary":   stats.TmpAllocations,
	}).Info("trace complete")

	return publishMetrics(collector, cfg.MetricsAddr)
}

func publishMetrics(collector *metrics.Collector, addr string) error {
	if addr == "" {
		body, err := collector.DumpText()
		if err != nil {
			return errors.Wrap(err, "dump metrics")
		}
		fmt.Print(body)
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	log.WithField("addr", addr).Info("serving metrics")
	return http.ListenAndServe(addr, mux)
}
