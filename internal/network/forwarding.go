package network

import (
	"context"
	"fmt"
	"time"

	"grimm.is/tunshare/internal/logging"
	"grimm.is/tunshare/internal/platform"
)

const syncRestoreTimeout = 5 * time.Second

// IPForwarding toggles kernel IPv4 forwarding and remembers the value it
// replaced. Enable and Restore are idempotent.
type IPForwarding struct {
	sys      SystemController
	key      string
	logger   *logging.Logger
	original string
	modified bool
}

// NewIPForwarding returns a handle for the forwarding sysctl. A nil
// controller uses DefaultSystemController.
func NewIPForwarding(sys SystemController, logger *logging.Logger) *IPForwarding {
	if sys == nil {
		sys = DefaultSystemController
	}
	if logger == nil {
		logger = logging.WithComponent("forwarding")
	}
	return &IPForwarding{sys: sys, key: ForwardingKey, logger: logger}
}

// Enable saves the current value and turns forwarding on.
func (f *IPForwarding) Enable(ctx context.Context) error {
	if f.modified {
		return nil
	}
	current, err := f.State(ctx)
	if err != nil {
		return err
	}
	if current == "1" {
		// Already on; nothing to restore later.
		f.logger.Debug("ip forwarding already enabled")
		return nil
	}
	if err := f.sys.WriteSysctl(ctx, f.key, "1"); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}
	f.original = current
	f.modified = true
	f.logger.Info("ip forwarding enabled", "previous", current)
	return nil
}

// Restore writes back the value saved by Enable.
func (f *IPForwarding) Restore(ctx context.Context) error {
	if !f.modified {
		return nil
	}
	if err := f.sys.WriteSysctl(ctx, f.key, f.original); err != nil {
		return fmt.Errorf("restore ip forwarding: %w", err)
	}
	f.modified = false
	f.logger.Info("ip forwarding restored", "value", f.original)
	return nil
}

// RestoreSync is Restore with its own deadline.
func (f *IPForwarding) RestoreSync() error {
	ctx, cancel := context.WithTimeout(context.Background(), syncRestoreTimeout)
	defer cancel()
	return f.Restore(ctx)
}

// State returns the sysctl's current value ("0" or "1").
func (f *IPForwarding) State(ctx context.Context) (string, error) {
	v, err := f.sys.ReadSysctl(ctx, f.key)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", f.key, err)
	}
	if v != "0" && v != "1" {
		return "", &platform.ParseError{What: f.key, Input: v}
	}
	return v, nil
}

// IsModified reports whether Restore has work to do.
func (f *IPForwarding) IsModified() bool {
	return f.modified
}
