package cmd

import (
	"context"
	"os"

	"grimm.is/tunshare/internal/ctlplane"
)

// RunStatus prints pf, forwarding and DHCP state as YAML. It only reads.
func RunStatus(configFile string) error {
	settings, err := loadSettings(configFile)
	if err != nil {
		return err
	}
	closer, err := setupLogging(settings, false)
	if err != nil {
		return err
	}
	defer closer.Close()

	orch := ctlplane.New(settings, ctlplane.SystemDeps(settings))
	if err := orch.FetchDebugInfo(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), settings.Timeouts.Debug+settings.Timeouts.Command)
	defer cancel()
	if err := settle(ctx, orch); err != nil {
		return err
	}

	out, err := orch.DebugInfo().YAML()
	if err != nil {
		return err
	}
	_, err = os.Stdout.WriteString(out)
	return err
}
