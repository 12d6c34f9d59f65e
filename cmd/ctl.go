package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/tunshare/internal/brand"
	"grimm.is/tunshare/internal/config"
	"grimm.is/tunshare/internal/ctlplane"
	"grimm.is/tunshare/internal/health"
	"grimm.is/tunshare/internal/i18n"
	"grimm.is/tunshare/internal/logging"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

// shutdownTimeout bounds the final teardown on exit.
const shutdownTimeout = 30 * time.Second

// ErrNotRoot is returned when pf or sysctl changes are attempted without root.
var ErrNotRoot = errors.New("must run as root (pfctl and sysctl need it)")

func requireRoot() error {
	if unix.Geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

func loadSettings(configFile string) (config.Settings, error) {
	if configFile == "" {
		configFile = brand.DefaultConfigPath()
	}
	return config.LoadFile(configFile)
}

// setupLogging installs the default logger. When the TUI owns the terminal
// the output goes to a file instead; the returned closer releases it.
func setupLogging(settings config.Settings, toFile bool) (io.Closer, error) {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(settings.LogLevel)
	cfg.JSON = settings.LogJSON

	var closer io.Closer = io.NopCloser(nil)
	if toFile || settings.LogFile != "" {
		path := settings.LogFile
		if path == "" {
			path = brand.DefaultLogPath()
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		cfg.Output = f
		closer = f
	}
	logging.SetDefault(logging.New(cfg))
	return closer, nil
}

// settle pumps task results into the orchestrator until nothing is pending.
func settle(ctx context.Context, orch *ctlplane.Orchestrator) error {
	for orch.Pending() != ctlplane.OpNone {
		select {
		case r := <-orch.Results():
			orch.Handle(r)
		case <-ctx.Done():
			orch.Cancel()
			return ctx.Err()
		}
	}
	return orch.LastError()
}

// RunShare shares vpn with lan without the TUI until interrupted.
func RunShare(configFile, vpn, lan string) error {
	settings, err := loadSettings(configFile)
	if err != nil {
		return err
	}
	if vpn == "" {
		vpn = settings.VPNInterface
	}
	if lan == "" {
		lan = settings.LANInterface
	}
	if vpn == "" || lan == "" {
		return fmt.Errorf("usage: %s share --vpn <iface> --lan <iface>", brand.LowerName)
	}
	if err := requireRoot(); err != nil {
		return err
	}
	closer, err := setupLogging(settings, false)
	if err != nil {
		return err
	}
	defer closer.Close()

	orch := ctlplane.New(settings, ctlplane.SystemDeps(settings))
	probe := health.NewProbe(vpn, "", nil, nil)
	srv, err := startObservability(settings.MetricsListen, probe)
	if err != nil {
		return err
	}
	if srv != nil {
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = startHeadless(ctx, orch, vpn, lan)
	if err == nil {
		Printer.Printf("Sharing %s with %s. Press Ctrl-C to stop.\n", vpn, lan)
		if n := orch.Notice(); n != "" {
			Printer.Println(n)
		}
		watchHealth(ctx, orch, probe)
		err = stopHeadless(orch)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := orch.Shutdown(sctx); serr != nil {
		logging.Error("shutdown incomplete", "error", serr)
		if err == nil {
			err = serr
		}
	}
	return err
}

func startHeadless(ctx context.Context, orch *ctlplane.Orchestrator, vpn, lan string) error {
	if err := orch.DetectInterfaces(); err != nil {
		return err
	}
	if err := settle(ctx, orch); err != nil {
		return err
	}
	if err := orch.SelectVPN(vpn); err != nil {
		return err
	}
	if err := orch.SelectLAN(lan); err != nil {
		return err
	}
	if err := orch.StartSharing(); err != nil {
		return err
	}
	if err := settle(ctx, orch); err != nil {
		return err
	}
	if orch.State() != ctlplane.StateActive {
		return fmt.Errorf("sharing did not start (state %s)", orch.State())
	}
	return nil
}

// watchHealth probes the tunnel until ctx ends.
func watchHealth(ctx context.Context, orch *ctlplane.Orchestrator, probe *health.Checker) {
	logger := logging.WithComponent("health")
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	last := health.StatusUnknown
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-orch.Results():
			orch.Handle(r)
		case <-ticker.C:
			report := probe.Check(ctx)
			if s := orch.Session(); s != nil {
				s.SetHealth(report.Status)
			}
			if report.Status != last {
				logger.Info("tunnel health changed", "from", last, "to", report.Status)
				last = report.Status
			}
		}
	}
}

func stopHeadless(orch *ctlplane.Orchestrator) error {
	if orch.Session() == nil {
		return nil
	}
	if err := orch.StopSharing(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return settle(ctx, orch)
}
