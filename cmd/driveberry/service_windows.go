//go:build windows

package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/driveberry/driveberry/internal/config"
	"github.com/driveberry/driveberry/internal/logging"
)

const (
	serviceName        = "Driveberry"
	serviceDisplayName = "Driveberry Google Drive Sync"
	serviceDescription = "Bidirectional synchronization between Google Drive and a local directory"
)

type syncService struct {
	cfg *config.Config
}

func (s *syncService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, bc, err := buildEngine(ctx, s.cfg)
	if err != nil {
		logging.L().Error("service init failed", zap.Error(err))
		return false, exitFault
	}

	stopMetrics := startMetricsServer(s.cfg.MetricsAddr, bc)
	defer stopMetrics()

	if err := eng.Start(ctx); err != nil {
		logging.L().Error("service engine start failed", zap.Error(err))
		return false, exitFault
	}

	changes <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}

	for c := range r {
		switch c.Cmd {
		case svc.Stop, svc.Shutdown:
			changes <- svc.Status{State: svc.StopPending}
			eng.Stop()
			return false, exitOK
		case svc.Interrogate:
			changes <- c.CurrentStatus
		}
	}
	return false, exitOK
}

func runServiceMode() int {
	isService, err := svc.IsWindowsService()
	if err != nil || !isService {
		fmt.Fprintln(os.Stderr, "not running under the service manager; use /console")
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return exitUsage
	}

	// Services have no console; default to a rotating log file in the
	// working directory when none is configured.
	logFile := cfg.LogFile
	if logFile == "" {
		logFile = cfg.WorkDir + string(os.PathSeparator) + "driveberry.log"
	}
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: "json",
		File:   logFile,
	}); err != nil {
		return exitFault
	}
	defer logging.Sync()

	if err := svc.Run(serviceName, &syncService{cfg: cfg}); err != nil {
		logging.L().Error("service failed", zap.Error(err))
		return exitFault
	}
	return exitOK
}

func runInstallService() int {
	exePath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot determine executable path: %v\n", err)
		return exitFault
	}

	m, err := mgr.Connect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot connect to service manager: %v\n", err)
		return exitFault
	}
	defer m.Disconnect()

	s, err := m.CreateService(serviceName, exePath, mgr.Config{
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		StartType:   mgr.StartAutomatic,
	}, "/service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot create service: %v\n", err)
		return exitFault
	}
	defer s.Close()

	fmt.Printf("Service %q installed.\n", serviceName)
	return exitOK
}

func runUninstallService() int {
	m, err := mgr.Connect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot connect to service manager: %v\n", err)
		return exitFault
	}
	defer m.Disconnect()

	s, err := m.OpenService(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open service: %v\n", err)
		return exitFault
	}
	defer s.Close()

	if err := s.Delete(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot delete service: %v\n", err)
		return exitFault
	}

	fmt.Printf("Service %q uninstalled.\n", serviceName)
	return exitOK
}
