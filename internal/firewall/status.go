package firewall

import (
	"context"
	"regexp"
	"strings"

	"grimm.is/tunshare/internal/platform"
)

var (
	statusRe = regexp.MustCompile(`(?m)^Status:\s+(Enabled|Disabled)`)
	tokenRe  = regexp.MustCompile(`(?m)^Token\s*:\s*(\d+)`)
)

// QueryEnabled reports whether pf is currently enabled.
func QueryEnabled(ctx context.Context, runner platform.Runner) (bool, error) {
	out, err := runner.Run(ctx, pfctl, "-s", "info")
	if err != nil {
		return false, err
	}
	m := statusRe.FindSubmatch(out)
	if m == nil {
		return false, &platform.ParseError{What: "pf status", Input: firstLine(string(out))}
	}
	return string(m[1]) == "Enabled", nil
}

// QueryStates returns the state-table entries that mention iface.
func QueryStates(ctx context.Context, runner platform.Runner, iface string) ([]string, error) {
	out, err := runner.Run(ctx, pfctl, "-s", "states")
	if err != nil {
		return nil, err
	}
	var states []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if iface == "" || strings.HasPrefix(line, iface+" ") || strings.Contains(line, " "+iface+" ") {
			states = append(states, line)
		}
	}
	return states, nil
}

func parseToken(out []byte) (string, error) {
	m := tokenRe.FindSubmatch(out)
	if m == nil {
		return "", &platform.ParseError{What: "pf enable token", Input: firstLine(string(out))}
	}
	return string(m[1]), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
