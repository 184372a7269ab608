// Goodput benchmark.
// Replays pre-built transaction corpora against a node at the rate the node
// proves it can execute them, either once from the command line (-run) or as
// an HTTP service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/goodputbench/internal/bench"
	"github.com/gateway-fm/goodputbench/internal/config"
	"github.com/gateway-fm/goodputbench/internal/metrics"
	"github.com/gateway-fm/goodputbench/internal/observability"
	"github.com/gateway-fm/goodputbench/internal/rpc"
	"github.com/gateway-fm/goodputbench/internal/storage"
	"github.com/gateway-fm/goodputbench/internal/transport"
	"github.com/gateway-fm/goodputbench/pkg/types"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always executes.
func run() int {
	cfg, cli, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.TraceExporter, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	rpcCfg := rpc.DefaultClientConfig(cfg.NodeRPCURL)
	rpcCfg.Logger = logger
	node := rpc.NewHTTPClient(rpcCfg)

	promMetrics := metrics.NewPrometheusMetrics(prometheus.DefaultRegisterer)

	logger.Info("starting goodputbench",
		"rpc", cfg.NodeRPCURL,
		"peer", cfg.PeerURL,
		"sessions", cfg.Sessions,
		"window", cfg.Window,
		"admission", cfg.Admission,
		"execMode", cfg.Preset.Name,
		"dataDir", cfg.DataDir,
	)

	if cli != nil {
		return runOnce(ctx, cfg, cli, node, promMetrics, logger)
	}

	// Start pprof server on localhost only
	go func() {
		logger.Info("pprof listening", "addr", "localhost:6061")
		if err := http.ListenAndServe("localhost:6061", nil); err != nil {
			logger.Error("pprof server failed", "error", err)
		}
	}()

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err, "path", cfg.DatabasePath)
		return 1
	}
	defer store.Close()
	logger.Info("initialized storage", "path", cfg.DatabasePath)

	mgr := bench.NewManager(bench.ManagerConfig{
		Config:  cfg,
		Node:    node,
		Store:   store,
		Metrics: promMetrics,
		Logger:  logger,
	})

	api := transport.NewServer(mgr, transport.NodeHealth{Node: node}, logger, cfg.CORSAllowedOrigins)
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err := <-errCh:
		logger.Error("HTTP server failed", "error", err)
		code = 1
	}

	if mgr.Running() {
		_ = mgr.Stop()
	}
	mgr.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("HTTP shutdown failed", "error", err)
	}
	return code
}

// runOnce executes a single round and returns the process exit code.
func runOnce(ctx context.Context, cfg *config.Config, cli *config.CLIConfig, node bench.Node, m *metrics.PrometheusMetrics, logger *slog.Logger) int {
	mgr := bench.NewManager(bench.ManagerConfig{
		Config:  cfg,
		Node:    node,
		Metrics: m,
		Logger:  logger,
	})

	res, err := mgr.Run(ctx, cli.Request(cfg.Preset.Name))
	if res != nil {
		logResult(logger, res)
		if cli.ResultPath != "" {
			if werr := writeResult(cli.ResultPath, res); werr != nil {
				logger.Error("failed to write result", "error", werr, "path", cli.ResultPath)
			}
		}
	}
	if err != nil {
		logger.Error("round failed", "error", err)
		return 1
	}
	return 0
}

func logResult(logger *slog.Logger, res *types.RoundResult) {
	logger.Info("round finished",
		"id", res.ID,
		"state", res.State,
		"goodput", res.Goodput,
		"measureMs", res.MeasureMs,
		"elapsedMs", res.ElapsedMs,
		"unitsSent", res.UnitsSent,
		"batchesSent", res.BatchesSent,
	)
	for _, p := range res.Phases {
		logger.Info("phase",
			"kind", p.Kind,
			"index", p.Index,
			"corpus", p.Corpus,
			"units", p.UnitsSent,
			"sendMs", p.SendMs,
			"waitMs", p.WaitMs,
		)
	}
}

func writeResult(path string, res *types.RoundResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
