// devmem-sim replays a YAML workload against an allocator on a simulated device and prints the
// allocator's statistics report when the workload finishes.
//
//	devmem-sim -workload frame-churn.yaml -detailed
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/vkngwrapper/devmem/config"
	"golang.org/x/exp/slog"
)

type options struct {
	workloadFile string
	detailed     bool
	metrics      bool
	verbose      bool
}

func main() {
	var opts options

	flag.StringVar(&opts.workloadFile, "workload", "", "workload file to replay")
	flag.BoolVar(&opts.detailed, "detailed", false, "include every block and allocation in the report")
	flag.BoolVar(&opts.metrics, "metrics", false, "print Prometheus metrics after the report")
	flag.BoolVar(&opts.verbose, "v", false, "verbose output")
	flag.Parse()

	if opts.workloadFile == "" {
		fmt.Fprintln(os.Stderr, "devmem-sim: -workload is required")
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, logger, opts, os.Stdout); err != nil {
		logger.Error("workload failed", slog.String("workload", opts.workloadFile), slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, opts options, out io.Writer) error {
	workload, err := config.LoadWorkload(opts.workloadFile)
	if err != nil {
		return err
	}

	return replay(ctx, logger, workload, opts, out)
}

func replay(ctx context.Context, logger *slog.Logger, workload *config.Workload, opts options, out io.Writer) (err error) {
	r, err := newReplayer(logger, workload)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "failed to release workload resources")
		}
	}()

	if err := r.Run(ctx, workload.Steps); err != nil {
		return err
	}

	if _, err := fmt.Fprintln(out, r.allocator.BuildStatsString(opts.detailed)); err != nil {
		return err
	}

	if opts.metrics {
		return writeMetrics(r, out)
	}
	return nil
}

func writeMetrics(r *replayer, out io.Writer) error {
	registry := prometheus.NewPedanticRegistry()
	if err := registry.Register(r.collector); err != nil {
		return errors.Wrap(err, "failed to register collector")
	}

	families, err := registry.Gather()
	if err != nil {
		return errors.Wrap(err, "failed to gather metrics")
	}

	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(out, family); err != nil {
			return err
		}
	}
	return nil
}
