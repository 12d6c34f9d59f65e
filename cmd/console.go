package cmd

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"grimm.is/tunshare/internal/ctlplane"
	"grimm.is/tunshare/internal/logging"
	"grimm.is/tunshare/internal/tui"
)

// RunConsole starts the interactive TUI. Logs go to the log file while it
// owns the terminal. Whatever is still shared on exit is torn down.
func RunConsole(configFile string) error {
	settings, err := loadSettings(configFile)
	if err != nil {
		return err
	}
	if err := requireRoot(); err != nil {
		return err
	}
	closer, err := setupLogging(settings, true)
	if err != nil {
		return err
	}
	defer closer.Close()

	srv, err := startObservability(settings.MetricsListen, nil)
	if err != nil {
		return err
	}
	if srv != nil {
		defer srv.Close()
	}

	orch := ctlplane.New(settings, ctlplane.SystemDeps(settings))
	logging.Info("console started")

	p := tea.NewProgram(tui.NewModel(orch, nil), tea.WithAltScreen())
	_, runErr := p.Run()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		logging.Error("shutdown incomplete", "error", err)
		Printer.Printf("Cleanup incomplete: %v\n", err)
	}
	return runErr
}
