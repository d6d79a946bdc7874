// Storage-histogram: consumes chain commit notifications and writes, per block, the number of
// storage slots each account changed to assets/block_<n>_storage_changes.csv.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storage_histogram_notifications_total", Help: "Notifications received"},
		[]string{"kind"},
	)
	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storage_histogram_reports_total", Help: "Report writes"},
		[]string{"status"},
	)
	reportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "storage_histogram_report_duration_seconds", Help: "Report write latency", Buckets: prometheus.DefBuckets},
	)
	reportAccounts = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "storage_histogram_accounts", Help: "Accounts per report", Buckets: prometheus.ExponentialBuckets(1, 4, 8)},
	)
	lastBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "storage_histogram_last_block", Help: "Last block with a saved report"},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Request latency", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(notificationsTotal, reportsTotal, reportDuration, reportAccounts, lastBlock,
		httpRequestsTotal, httpRequestDuration)
}

// newFlags builds fresh flags; cli mutates a flag's Value when it reads its env var.
func newFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "assets-dir", Value: "assets", EnvVars: []string{"ASSETS_DIR"}, Usage: "directory receiving the CSV reports"},
		&cli.StringFlag{Name: "source", Value: "synthetic", EnvVars: []string{"SOURCE"}, Usage: "notification source: synthetic or rpc"},
		&cli.StringFlag{Name: "rpc-url", EnvVars: []string{"RPC_URL"}, Usage: "websocket or IPC endpoint of the node (rpc source)"},
		&cli.StringFlag{Name: "chain-id", Value: "1", EnvVars: []string{"CHAIN_ID"}, Usage: "chain id, seeds the synthetic source"},
		&cli.IntFlag{Name: "interval", Value: 12, EnvVars: []string{"INGEST_INTERVAL_SEC"}, Usage: "seconds between synthetic blocks"},
		&cli.Uint64Flag{Name: "blocks", EnvVars: []string{"SYNTHETIC_BLOCKS"}, Usage: "stop after this many synthetic blocks (0 = never)"},
		&cli.StringFlag{Name: "database-url", EnvVars: []string{"DATABASE_URL"}, Usage: "also mirror reports into Postgres"},
		&cli.StringFlag{Name: "port", Value: "8080", EnvVars: []string{"PORT"}, Usage: "port serving /healthz and /metrics"},
		&cli.StringFlag{Name: "log-file", EnvVars: []string{"LOG_FILE"}, Usage: "write logs to a rotated file instead of stdout"},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "storage-histogram",
		Usage: "write per-block storage change histograms",
		Flags: newFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := configFromCLI(c)
			if err != nil {
				return err
			}
			logger, closeLog := newLogger(cfg.logFile)
			defer closeLog()
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if err := run(ctx, cfg, logger); err != nil {
				slog.Error("storage histogram stopped", "err", err)
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires source and sinks, then drives the loop next to the HTTP server.
// It returns when the source ends, the loop fails, the server fails or ctx is cancelled.
func run(ctx context.Context, cfg config, log *slog.Logger) error {
	if err := os.MkdirAll(cfg.assetsDir, 0o755); err != nil {
		return fmt.Errorf("assets dir: %w", err)
	}
	sinks := multiSink{newCSVReportWriter(cfg.assetsDir)}
	if cfg.databaseURL != "" {
		pg, err := newPostgresSink(ctx, cfg.databaseURL)
		if err != nil {
			return fmt.Errorf("postgres sink: %w", err)
		}
		sinks = append(sinks, pg)
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			log.Warn("close sinks", "err", err)
		}
	}()

	source, closeSource, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSource()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	exex := newStorageHistogramExEx(source, sinks, cfg.assetsDir, log)
	g.Go(func() error {
		defer cancel() // an exhausted source stops the server too
		err := exex.Run(gctx)
		if errors.Is(err, context.Canceled) && gctx.Err() != nil {
			return nil
		}
		return err
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.addr, Handler: instrument(mux)}
	g.Go(func() error {
		log.Info("starting", "addr", cfg.addr, "source", cfg.source)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openSource(ctx context.Context, cfg config) (NotificationSource, func(), error) {
	switch cfg.source {
	case "rpc":
		s, err := dialRPCSource(ctx, cfg.rpcURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s := newSyntheticSource(cfg.seed, cfg.interval, cfg.blocks)
		return s, s.Close, nil
	}
}

// config holds flag/env-derived settings.
type config struct {
	assetsDir   string
	source      string
	rpcURL      string
	seed        uint64
	interval    time.Duration
	blocks      uint64
	databaseURL string
	addr        string
	logFile     string
}

func configFromCLI(c *cli.Context) (config, error) {
	cfg := config{
		assetsDir:   c.String("assets-dir"),
		source:      c.String("source"),
		rpcURL:      c.String("rpc-url"),
		blocks:      c.Uint64("blocks"),
		databaseURL: c.String("database-url"),
		logFile:     c.String("log-file"),
		interval:    12 * time.Second,
		addr:        ":8080",
	}
	if n := c.Int("interval"); n >= 0 {
		cfg.interval = time.Duration(n) * time.Second
	}
	for _, b := range []byte(c.String("chain-id")) {
		cfg.seed = cfg.seed*31 + uint64(b)
	}
	if p := strings.TrimPrefix(c.String("port"), ":"); p != "" { // allow PORT=8080 or PORT=:8080
		cfg.addr = ":" + p
	}
	switch cfg.source {
	case "synthetic":
	case "rpc":
		if cfg.rpcURL == "" {
			return config{}, errors.New("rpc source requires --rpc-url")
		}
	default:
		return config{}, fmt.Errorf("unknown source %q", cfg.source)
	}
	if cfg.assetsDir == "" {
		return config{}, errors.New("assets dir must not be empty")
	}
	return cfg, nil
}

// newLogger returns the JSON logger, writing to a rotated file when path is set.
func newLogger(path string) (*slog.Logger, func()) {
	var out io.Writer = os.Stdout
	closer := func() {}
	if path != "" {
		lj := &lumberjack.Logger{Filename: path, MaxSize: 100, MaxAge: 28, MaxBackups: 5}
		out = lj
		closer = func() { lj.Close() }
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})), closer
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// instrument wraps handlers to record Prometheus metrics.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path
		method := r.Method
		ww := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		status := statusLabel(ww.status)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// responseWriter captures status code for Prometheus labeling.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
