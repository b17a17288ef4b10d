// driveberry synchronizes a Google Drive hierarchy with a local directory,
// bidirectionally.
//
// Usage:
//
//	driveberry /console     run in the foreground until Enter or SIGINT
//	driveberry /service     run under the Windows service manager
//	driveberry /install     install the Windows service
//	driveberry /uninstall   uninstall the Windows service
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/driveberry/driveberry/internal/config"
	"github.com/driveberry/driveberry/internal/drive"
	"github.com/driveberry/driveberry/internal/engine"
	"github.com/driveberry/driveberry/internal/events"
	"github.com/driveberry/driveberry/internal/localfs"
	"github.com/driveberry/driveberry/internal/logging"
	"github.com/driveberry/driveberry/internal/metrics"
)

// Exit codes.
const (
	exitOK          = 0
	exitFault       = 1
	exitUsage       = 2
	exitUnsupported = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) != 1 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "/console":
		return runConsole()
	case "/service":
		return runServiceMode()
	case "/install":
		return runInstallService()
	case "/uninstall":
		return runUninstallService()
	default:
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: driveberry /console | /service | /install | /uninstall")
}

func runConsole() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitUsage
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init failed: %v\n", err)
		return exitFault
	}
	defer logging.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, bc, err := buildEngine(ctx, cfg)
	if err != nil {
		logging.L().Error("startup failed", zap.Error(err))
		return exitFault
	}

	stopMetrics := startMetricsServer(cfg.MetricsAddr, bc)
	defer stopMetrics()

	if err := eng.Start(ctx); err != nil {
		logging.L().Error("engine start failed", zap.Error(err))
		return exitFault
	}

	logging.L().Info("running; press Enter or send SIGINT to stop")

	enter := make(chan struct{})
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		close(enter)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-enter:
	case <-sigCh:
	}

	eng.Stop()
	return exitOK
}

// buildEngine wires both repositories and the engine from configuration.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, *events.Broadcaster, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create work dir: %w", err)
	}
	if err := os.MkdirAll(cfg.SyncRoot, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create sync root: %w", err)
	}

	svc, err := drive.NewService(ctx, cfg.ClientSecretPath, cfg.CredentialsDir)
	if err != nil {
		return nil, nil, err
	}

	cloud := drive.NewRepository(
		drive.NewAPI(svc, cfg.DriveQPS),
		filepath.Join(cfg.WorkDir, engine.CloudManifestName),
		drive.Options{PollInterval: cfg.PollInterval},
		logging.L(),
	)

	local, err := localfs.NewRepository(
		cfg.SyncRoot,
		filepath.Join(cfg.WorkDir, engine.LocalManifestName),
		localfs.Options{CoalesceWindow: cfg.CoalesceWindow},
		logging.L(),
	)
	if err != nil {
		return nil, nil, err
	}

	bc := events.NewBroadcaster()
	eng, err := engine.New(cfg.WorkDir, cloud, local, bc, logging.L())
	if err != nil {
		return nil, nil, err
	}
	return eng, bc, nil
}

// startMetricsServer serves /metrics, /healthz, and the SSE diagnostics
// stream. Returns a shutdown func. addr == "" disables the listener.
func startMetricsServer(addr string, bc *events.Broadcaster) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/events", events.SSEHandler(bc))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Warn("metrics listener failed", zap.Error(err))
		}
	}()
	logging.L().Info("metrics listener started", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
