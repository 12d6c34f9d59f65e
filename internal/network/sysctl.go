package network

import (
	"context"
	"strings"

	"grimm.is/tunshare/internal/platform"
)

// ForwardingKey is the sysctl that gates IPv4 forwarding.
const ForwardingKey = "net.inet.ip.forwarding"

// SystemController reads and writes kernel tunables.
type SystemController interface {
	ReadSysctl(ctx context.Context, key string) (string, error)
	WriteSysctl(ctx context.Context, key, value string) error
}

// CommandSysctl drives sysctl(8) through a runner.
type CommandSysctl struct {
	Runner platform.Runner
}

func (s *CommandSysctl) runner() platform.Runner {
	if s.Runner == nil {
		return platform.DefaultRunner
	}
	return s.Runner
}

// ReadSysctl reads a value, preferring the native syscall where available.
func (s *CommandSysctl) ReadSysctl(ctx context.Context, key string) (string, error) {
	if v, ok := nativeSysctl(key); ok {
		return v, nil
	}
	out, err := s.runner().Run(ctx, "sysctl", "-n", key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// WriteSysctl writes a value. Writes always go through sysctl(8) so the
// permission error text is classified by the runner.
func (s *CommandSysctl) WriteSysctl(ctx context.Context, key, value string) error {
	_, err := s.runner().Run(ctx, "sysctl", "-w", key+"="+value)
	return err
}

// DefaultSystemController is the controller used when none is injected.
var DefaultSystemController SystemController = &CommandSysctl{}
