package firewall

import (
	"context"
	"fmt"
	"strings"

	"grimm.is/tunshare/internal/platform"
)

const pfctl = "pfctl"

// Anchor loads and flushes one named pf anchor.
type Anchor struct {
	Name   string
	runner platform.Runner
}

// NewAnchor returns a handle for the named anchor. A nil runner uses
// platform.DefaultRunner.
func NewAnchor(name string, runner platform.Runner) *Anchor {
	if runner == nil {
		runner = platform.DefaultRunner
	}
	return &Anchor{Name: name, runner: runner}
}

// Load replaces the anchor's ruleset with rules.
func (a *Anchor) Load(ctx context.Context, rules string) error {
	if _, err := a.runner.RunInput(ctx, rules, pfctl, "-a", a.Name, "-f", "-"); err != nil {
		return &platform.FirewallError{Message: fmt.Sprintf("load anchor %s", a.Name), Err: err}
	}
	return nil
}

// Flush removes every rule, table and state in the anchor.
func (a *Anchor) Flush(ctx context.Context) error {
	if _, err := a.runner.Run(ctx, pfctl, "-a", a.Name, "-F", "all"); err != nil {
		return &platform.FirewallError{Message: fmt.Sprintf("flush anchor %s", a.Name), Err: err}
	}
	return nil
}

// Rules returns the anchor's loaded translation and filter rules.
func (a *Anchor) Rules(ctx context.Context) (string, error) {
	nat, err := a.runner.Run(ctx, pfctl, "-a", a.Name, "-s", "nat")
	if err != nil {
		return "", err
	}
	filter, err := a.runner.Run(ctx, pfctl, "-a", a.Name, "-s", "rules")
	if err != nil {
		return "", err
	}
	return normalizeRules(string(nat) + string(filter)), nil
}

// normalizeRules drops blank lines and pfctl's informational chatter.
func normalizeRules(out string) string {
	var b strings.Builder
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "No ALTQ") || strings.HasPrefix(line, "ALTQ") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
