package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tracelens/tracelens/internal/alerting"
	"github.com/tracelens/tracelens/internal/api"
	"github.com/tracelens/tracelens/internal/config"
	"github.com/tracelens/tracelens/internal/live"
	"github.com/tracelens/tracelens/internal/metrics"
	"github.com/tracelens/tracelens/internal/observability"
	"github.com/tracelens/tracelens/internal/store"
	"github.com/tracelens/tracelens/internal/version"
	"github.com/tracelens/tracelens/internal/workflow"
)

const defaultConfigPath = "tracelens.yaml"

const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "seed":
		return runSeed(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(observability.NewTraceLogHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	recordStore, err := newRecordStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := recordStore.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	engine := metrics.NewEngine(recordStore)
	analyzer := workflow.NewAnalyzer(recordStore)

	alertHub := live.NewHub(logger.With("hub", "alerts"))
	metricsHub := live.NewHub(logger.With("hub", "metrics"))
	fanout := &instrumentedFanout{hub: alertHub, otel: otelRuntime}
	evaluator := alerting.NewEvaluator(recordStore, fanout, logger)

	serverHandler := api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		Store:         recordStore,
		Metrics:       engine,
		Analyzer:      analyzer,
		Evaluator:     evaluator,
		AlertHub:      alertHub,
		MetricsHub:    metricsHub,
		AlertFanout:   fanout,
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
		Ingested:      otelRuntime.RecordIngested,
	})
	if otelRuntime != nil {
		serverHandler = otelRuntime.SpanEnrichmentMiddleware(serverHandler)
		serverHandler = otelRuntime.WrapHTTPHandler(serverHandler)
	}
	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           serverHandler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pusher := live.NewMetricsPusher(metricsHub, engine,
		time.Duration(cfg.Live.PushIntervalMS)*time.Millisecond, logger)
	go pusher.Run(ctx)

	var scheduler *alerting.Scheduler
	if cfg.Alerting.Enabled {
		scheduler = alerting.NewScheduler(evaluator, cfg.Alerting.Schedule, logger)
		if err := scheduler.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start threshold scheduler: %v\n", err)
			return 1
		}
		defer scheduler.Stop()
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"port", cfg.Server.Port,
		"storage_driver", cfg.Storage.Driver,
		"alerting_enabled", cfg.Alerting.Enabled,
		"config_path", *configPath,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("tracelens stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("tracelens failed", "error", err)
			return 1
		}
		return 0
	}
}

func newRecordStore(cfg config.Config) (*store.SQLStore, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return store.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

// instrumentedFanout counts threshold and manual alerts before handing
// them to the websocket hub.
type instrumentedFanout struct {
	hub  *live.Hub
	otel *observability.Runtime
}

func (f *instrumentedFanout) BroadcastAlert(alert *store.Alert) {
	f.otel.RecordAlertsCreated(1)
	if f.hub != nil {
		f.hub.BroadcastAlert(alert)
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		if logger != nil {
			logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
		}
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  tracelens serve [--config path/to/tracelens.yaml]")
	fmt.Fprintln(out, "  tracelens version")
	fmt.Fprintln(out, "  tracelens config validate [--config path/to/tracelens.yaml]")
	fmt.Fprintln(out, "  tracelens seed [--config path/to/tracelens.yaml] [--traces N] [--sessions N] [--alerts N]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  tracelens config validate [--config path/to/tracelens.yaml]")
}
