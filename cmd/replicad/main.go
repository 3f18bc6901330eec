// Command replicad hosts the process-wide services a replication needs —
// the on-disk monorepo (internal/config), the local signing identity, the
// process-wide identity-history depth cutoff, and a metrics/health HTTP
// server — and then blocks until told to shut down. Driving an actual
// replicate.Driver.Replicate call additionally requires a
// replicate.Dialer, which is the concrete transport's concern (spec §6
// leaves "stream multiplexing, TLS, and peer authentication" to the
// transport); this binary supplies every other input a Dialer
// implementation and its caller would need (the signer, the on-disk
// layout, the metrics registry, -max-history-depth) without fabricating a
// transport of its own.
//
// This replaces the teacher's cmd/main.go, which wired a
// controller-runtime manager, webhook server, and Kubernetes reconcilers;
// none of that machinery has an analogue here, but the shape — flag
// parsing, a dedicated metrics/health HTTP server run in its own
// goroutine, signal-driven graceful shutdown — is kept.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/radicle-link/replica/internal/config"
	"github.com/radicle-link/replica/internal/logctx"
	"github.com/radicle-link/replica/internal/logging"
	"github.com/radicle-link/replica/internal/metrics"
	"github.com/radicle-link/replica/internal/signer"
)

func main() {
	var (
		root            string
		keyPath         string
		metricsAddr     string
		development     bool
		logLevel        string
		logFile         string
		lockStaleS      int
		maxHistoryDepth int
	)

	flag.StringVar(&root, "root", "", "root directory of the on-disk monorepo (required)")
	flag.StringVar(&keyPath, "identity-key", "", "path to a PEM-encoded ed25519 private key identifying this peer (required)")
	flag.StringVar(&metricsAddr, "metrics-addr", ":8080", "address the metrics/health server listens on")
	flag.BoolVar(&development, "development", false, "use a human-readable, debug-level logger instead of the production JSON one")
	flag.StringVar(&logLevel, "log-level", "", "override the default log level (debug, info, warn, error)")
	flag.StringVar(&logFile, "log-file", "", "rotate logs into this file instead of stderr")
	flag.IntVar(&lockStaleS, "lock-stale-seconds", 300, "age, in seconds, after which an unreleased root lock is considered abandoned and reclaimed")
	flag.IntVar(&maxHistoryDepth, "max-history-depth", 10000, "maximum number of identity revisions identity.Verify will walk before aborting with HistoryTooDeepError (0 = unbounded)")
	flag.Parse()

	log, err := logging.New(logging.Options{Development: development, Level: logLevel, RotateFile: logFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, "replicad: logger init:", err)
		os.Exit(1)
	}
	ctx := logctx.IntoContext(context.Background(), log)

	if err := run(ctx, log, root, keyPath, metricsAddr, time.Duration(lockStaleS)*time.Second, maxHistoryDepth); err != nil {
		log.Error(err, "replicad exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, log interface {
	Info(string, ...any)
	Error(error, string, ...any)
}, root, keyPath, metricsAddr string, lockStale time.Duration, maxHistoryDepth int) error {
	if root == "" {
		return errors.New("-root is required")
	}
	if keyPath == "" {
		return errors.New("-identity-key is required")
	}
	if maxHistoryDepth < 0 {
		return fmt.Errorf("-max-history-depth must be >= 0, got %d", maxHistoryDepth)
	}

	layout, err := config.Open(root)
	if err != nil {
		return fmt.Errorf("open layout: %w", err)
	}
	log.Info("layout ready", "root", layout.Root)

	lock, err := config.AcquireLock(root, lockStale)
	if err != nil {
		return fmt.Errorf("acquire root lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Error(err, "failed to release root lock")
		}
	}()

	priv, err := loadIdentityKey(keyPath)
	if err != nil {
		return fmt.Errorf("load identity key: %w", err)
	}
	localSigner, err := signer.NewLocal(priv)
	if err != nil {
		return fmt.Errorf("construct signer: %w", err)
	}
	localPeer := localSigner.PeerId()
	log.Info("identity loaded", "peer", localPeer.String(), "max_history_depth", maxHistoryDepth)

	reg := prometheus.NewRegistry()
	shutdownMetrics, err := metrics.InitExporter(ctx, reg)
	if err != nil {
		return fmt.Errorf("init metrics exporter: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Error(err, "failed to shut down metrics exporter")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	server := &http.Server{Addr: metricsAddr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting metrics server", "addr", metricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "metrics server shutdown error")
	}

	if err := <-serveErr; err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func loadIdentityKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%s: expected a raw %d-byte ed25519 private key, got %d bytes", path, ed25519.PrivateKeySize, len(block.Bytes))
	}
	return ed25519.PrivateKey(block.Bytes), nil
}
