package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SYSNET-LUMS/urlmeter/internal/api"
	"github.com/SYSNET-LUMS/urlmeter/internal/config"
	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
	"github.com/SYSNET-LUMS/urlmeter/internal/engine"
	"github.com/SYSNET-LUMS/urlmeter/internal/fetch"
	"github.com/SYSNET-LUMS/urlmeter/internal/ledger"
	"github.com/SYSNET-LUMS/urlmeter/internal/monitoring"
	"github.com/SYSNET-LUMS/urlmeter/internal/progress"
	"github.com/SYSNET-LUMS/urlmeter/internal/retry"
	"github.com/SYSNET-LUMS/urlmeter/internal/source"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.DebugURL != "" {
		runDebug(cfg)
		return
	}

	logPath, err := resolveLogPath(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// The log is a resume source; it must be read before the logger reopens
	// it for appending.
	logDone := ledger.LoadLogResults(logPath)

	logger, closeLog, err := newFileLogger(logPath, uuid.NewString())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()
	logger.Info("logging started", zap.String("log_file", logPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	walker := &source.Walker{Root: cfg.Root, Dedupe: cfg.Dedupe}
	groups, err := walker.Groups(ctx)
	if err != nil {
		fatal(logger, "could not enumerate work items", err)
	}
	logger.Info("discovered work set",
		zap.Int("groups", len(groups)), zap.Int("urls", countItems(groups)))

	led, err := openLedger(ctx, cfg)
	if err != nil {
		fatal(logger, "could not open ledger", err)
	}
	defer led.Close()

	var cache *ledger.RedisCache
	if cfg.RedisAddr != "" {
		cache, err = ledger.NewRedisCache(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("completion cache unavailable, continuing without it",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	ledgerDone, err := led.Completed(ctx)
	if err != nil {
		fatal(logger, "could not load completed set from ledger", err)
	}
	sets := []map[domain.Pair]struct{}{ledgerDone, logDone}
	if cache != nil {
		if cacheDone, err := cache.Completed(ctx); err != nil {
			logger.Warn("completion cache read failed", zap.Error(err))
		} else {
			sets = append(sets, cacheDone)
		}
	}
	completed := ledger.Union(sets...)
	logger.Info("resume state loaded",
		zap.Int("from_ledger", len(ledgerDone)),
		zap.Int("from_log", len(logDone)),
		zap.Int("completed_pairs", len(completed)))

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	fetcher := fetch.NewClient(fetch.Options{
		Timeout:    cfg.Timeout,
		UserAgent:  cfg.UserAgent,
		Decompress: cfg.Decompress,
	})

	eng := engine.New(engine.Options{
		Concurrency:    cfg.Concurrency,
		Limits:         retry.Limits{Max429: cfg.MaxRetries429, Max403: cfg.MaxRetries403},
		RequestsPerSec: cfg.RequestsPerSec,
		Chunking:       cfg.Chunking,
		NumChunks:      cfg.NumChunks,
	}, fetcher, led, cache, metrics, logger, completed)

	snap := func() progress.Snapshot {
		c := eng.Counters()
		return progress.Snapshot{
			Slots:     eng.Slots().Snapshot(),
			Completed: c.Completed.Load(),
			Total:     c.Total.Load(),
		}
	}

	var observability *api.Server
	if cfg.MetricsAddr != "" {
		observability = api.NewServer(cfg.MetricsAddr, snap, logger)
		go func() {
			if err := observability.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("observability server failed", zap.Error(err))
			}
		}()
		logger.Info("observability server started", zap.String("addr", cfg.MetricsAddr))
	}

	reporter := progress.NewReporter(snap, os.Stdout, 500*time.Millisecond)
	reporter.Start()

	runErr := eng.Run(ctx, groups)

	reporter.Stop()
	if observability != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := observability.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", zap.Error(err))
		}
		cancel()
	}

	if runErr != nil {
		logger.Warn("run interrupted", zap.Error(runErr))
	} else {
		logger.Info("run complete")
	}
}

// runDebug measures a single URL and prints the outcome to the terminal; this
// is the one mode where stdout is not owned by the progress view.
func runDebug(cfg *config.Config) {
	fetcher := fetch.NewClient(fetch.Options{
		Timeout:    cfg.Timeout,
		UserAgent:  cfg.UserAgent,
		Decompress: cfg.Decompress,
	})
	outcome := fetcher.Fetch(context.Background(), cfg.DebugURL)

	fmt.Println("URL:", cfg.DebugURL)
	fmt.Println("HTTP status:", outcome.StatusCode)
	fmt.Println("Bytes reported:", outcome.Bytes)
	fmt.Println("Note:", outcome.Err)
	fmt.Println("Response headers:")
	keys := make([]string, 0, len(outcome.Headers))
	for k := range outcome.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %s\n", k, outcome.Headers[k])
	}
}

func openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	if cfg.PostgresURL != "" {
		return ledger.OpenPostgres(ctx, cfg.PostgresURL)
	}
	return ledger.OpenCSV(cfg.Output)
}

func resolveLogPath(cfg *config.Config) (string, error) {
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return "", fmt.Errorf("create log directory: %w", err)
		}
		return cfg.LogFile, nil
	}
	if err := os.MkdirAll(".logs", 0o755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}
	rootName := filepath.Base(filepath.Clean(cfg.Root))
	if rootName == "." || rootName == string(filepath.Separator) {
		rootName = "run"
	}
	ts := time.Now().Format("20060102_150405")
	return filepath.Join(".logs", fmt.Sprintf("run_of_%s_%s.log", rootName, ts)), nil
}

// newFileLogger writes everything to the log file only; the terminal belongs
// to the progress view.
func newFileLogger(path, runID string) (*zap.Logger, func(), error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(f),
		zapcore.InfoLevel,
	)
	logger := zap.New(core).With(zap.String("run_id", runID))
	closer := func() {
		_ = logger.Sync()
		_ = f.Close()
	}
	return logger, closer, nil
}

func fatal(logger *zap.Logger, msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	logger.Error(msg, zap.Error(err))
	_ = logger.Sync()
	os.Exit(1)
}

func countItems(groups []domain.Group) int {
	n := 0
	for _, g := range groups {
		n += len(g.Items)
	}
	return n
}
