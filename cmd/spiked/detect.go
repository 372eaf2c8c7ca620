package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/spiked/pkg/checkpoint"
	"github.com/hed1ad/spiked/pkg/detectors"
	spikedio "github.com/hed1ad/spiked/pkg/io"
	"github.com/hed1ad/spiked/pkg/io/csv"
	"github.com/hed1ad/spiked/pkg/io/pcap"
	"github.com/hed1ad/spiked/pkg/stream"
)

// detectorFlags maps detect flags onto config keys.
var detectorFlags = map[string]string{
	"detector.confidence":        "confidence",
	"detector.history_length":    "history-length",
	"detector.mode":              "mode",
	"detector.side":              "side",
	"detector.pvalue_method":     "pvalue-method",
	"detector.tie_break":         "tie-break",
	"detector.martingale":        "martingale",
	"detector.power_epsilon":     "power-epsilon",
	"detector.martingale_length": "martingale-length",
	"detector.seed":              "seed",
	"metrics.addr":               "metrics-addr",
}

type detectOptions struct {
	input       string
	column      string
	columnIndex int
	noHeader    bool

	pcapFile  string
	iface     string
	feature   string
	snaplen   int32
	promisc   bool
	pcapDelay time.Duration

	series string
	warmup int
	format string
}

func newDetectCommand(a *app) *cobra.Command {
	o := &detectOptions{}

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Score a series and report spikes or change points",
		Long: `Reads a scalar series from a CSV column, a packet capture or stdin,
scores every observation and writes one result per observation.

With a checkpoint backend configured the series resumes from its last
checkpoint and is checkpointed again when the input ends.`,
		Example: `  spiked detect --input cpu.csv --column usage --history-length 50
  spiked detect --pcap trace.pcap --feature packet_size --mode changepoint
  seq 1 100 | spiked detect --no-header --format csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.detect(cmd.Context(), o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.input, "input", "i", "-", "CSV file to read, - for stdin")
	f.StringVar(&o.column, "column", "", "CSV column name holding the series")
	f.IntVar(&o.columnIndex, "column-index", 0, "CSV column index holding the series")
	f.BoolVar(&o.noHeader, "no-header", false, "CSV input has no header row")
	f.StringVar(&o.pcapFile, "pcap", "", "read packets from a pcap file instead of CSV")
	f.StringVar(&o.iface, "iface", "", "capture packets live on an interface instead of CSV")
	f.StringVar(&o.feature, "feature", string(pcap.PacketSize), "packet feature to score")
	f.Int32Var(&o.snaplen, "snaplen", 65535, "live capture snapshot length")
	f.BoolVar(&o.promisc, "promisc", false, "live capture in promiscuous mode")
	f.DurationVar(&o.pcapDelay, "pcap-timeout", time.Second, "live capture read timeout")
	f.StringVar(&o.series, "series", "default", "series key used for checkpoints and metrics")
	f.IntVar(&o.warmup, "warmup", 0, "fit on the first N observations without reporting them")
	f.StringVarP(&o.format, "format", "o", "table", "output format: table, csv, json")

	f.Float64("confidence", 95, "alert confidence in percent, 0 < c < 100")
	f.Int("history-length", 100, "p-value history window length")
	f.String("mode", "spike", "alert mode: spike, changepoint")
	f.String("side", "twosided", "tail tested: twosided, positive, negative")
	f.String("pvalue-method", "kernel", "p-value estimator: kernel, rank")
	f.String("tie-break", "midrank", "rank tie handling: midrank, randomized")
	f.String("martingale", "power", "betting function: power, mixture")
	f.Float64("power-epsilon", 0.1, "power martingale exponent, 0 < e < 1")
	f.Int("martingale-length", 0, "martingale window length, 0 uses the history length")
	f.Int64("seed", 42, "seed for randomized tie breaking")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func (a *app) detect(ctx context.Context, o *detectOptions) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	opts, err := cfg.Detector.Options()
	if err != nil {
		return err
	}
	if o.warmup < 0 {
		return fmt.Errorf("--warmup must be non-negative, got %d", o.warmup)
	}
	if err := checkpoint.ValidateKey(o.series); err != nil {
		return err
	}

	writer, err := newResultWriter(o.format, a.stdout)
	if err != nil {
		return err
	}

	logger := a.logger.With(zap.String("run_id", uuid.NewString()))
	reg := prometheus.NewRegistry()
	manager, err := stream.NewManager(logger, stream.NewMetrics(reg), opts...)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		shutdown := serveMetrics(logger, cfg.Metrics.Addr, reg)
		defer shutdown()
	}

	store, err := cfg.Checkpoint.OpenStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		if err := manager.RestoreKey(ctx, store, o.series); err != nil {
			if !errors.Is(err, checkpoint.ErrNotFound) {
				return err
			}
			logger.Info("no checkpoint, starting fresh", zap.String("series", o.series))
		}
	}

	reader, err := o.openReader(a)
	if err != nil {
		return err
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	values, err := reader.Stream(ctx)
	if err != nil {
		return err
	}

	if err := warmUp(logger, manager, o, values); err != nil {
		return err
	}

	var start uint64
	if d, ok := manager.Get(o.series); ok {
		start = d.Count()
	}

	var (
		index  = start
		alerts int
	)
	results := make(chan detectors.Prediction, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx, o.series, values, results)
	})
	g.Go(func() error {
		for p := range results {
			if err := writer.Write(spikedio.NewResult(index, p)); err != nil {
				return err
			}
			if p.Alert {
				alerts++
			}
			index++
		}
		return writer.Close()
	})

	err = g.Wait()
	logger.Info("detection finished",
		zap.String("series", o.series),
		zap.Uint64("observations", index-start),
		zap.Int("alerts", alerts),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if store != nil {
		// Checkpoint even after an interrupt.
		ckptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := manager.Checkpoint(ckptCtx, store); err != nil {
			return err
		}
	}
	return nil
}

// warmUp fits a fresh series on the first o.warmup values. A series resumed
// from a checkpoint is already fit and keeps its state.
func warmUp(logger *zap.Logger, manager *stream.Manager, o *detectOptions, values <-chan float64) error {
	if _, ok := manager.Get(o.series); ok {
		if o.warmup > 0 {
			logger.Info("series resumed from checkpoint, skipping warm-up", zap.String("series", o.series))
		}
		return nil
	}
	if o.warmup == 0 {
		return nil
	}

	warm := make([]float64, 0, o.warmup)
	for v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			logger.Warn("skipping warm-up observation", zap.String("series", o.series), zap.Float64("value", v))
			continue
		}
		warm = append(warm, v)
		if len(warm) == o.warmup {
			break
		}
	}
	if err := manager.Fit(o.series, warm); err != nil {
		return fmt.Errorf("warm-up: %w", err)
	}
	logger.Debug("warmed up", zap.String("series", o.series), zap.Int("observations", len(warm)))
	return nil
}

func (o *detectOptions) openReader(a *app) (spikedio.Reader, error) {
	switch {
	case o.pcapFile != "" && o.iface != "":
		return nil, errors.New("--pcap and --iface are mutually exclusive")
	case o.pcapFile != "" || o.iface != "":
		feature, err := pcap.ParseFeature(o.feature)
		if err != nil {
			return nil, err
		}
		if o.pcapFile != "" {
			return pcap.NewFileReader(o.pcapFile, feature)
		}
		return pcap.NewLiveReader(o.iface, feature, o.snaplen, o.promisc, o.pcapDelay)
	}

	var csvOpts []csv.Option
	if o.noHeader {
		csvOpts = append(csvOpts, csv.WithHeader(false))
	}
	if o.column != "" {
		csvOpts = append(csvOpts, csv.WithColumn(o.column))
	} else {
		csvOpts = append(csvOpts, csv.WithColumnIndex(o.columnIndex))
	}

	if o.input == "-" {
		return csv.NewReaderFrom(a.stdin, csvOpts...)
	}
	return csv.NewReader(o.input, csvOpts...)
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(logger *zap.Logger, addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
