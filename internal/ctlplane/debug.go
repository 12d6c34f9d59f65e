package ctlplane

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v2"

	"grimm.is/tunshare/internal/brand"
	"grimm.is/tunshare/internal/clock"
	"grimm.is/tunshare/internal/firewall"
	"grimm.is/tunshare/internal/network"
	"grimm.is/tunshare/internal/platform"
	"grimm.is/tunshare/internal/services/dhcp"
	"grimm.is/tunshare/internal/services/natpmp"
)

// Inspector reads live OS state without touching it.
type Inspector interface {
	ForwardingState(ctx context.Context) (string, error)
	PFEnabled(ctx context.Context) (bool, error)
	AnchorRules(ctx context.Context, anchor string) (string, error)
	States(ctx context.Context, iface string) ([]string, error)
}

// SystemInspector queries pfctl and sysctl.
type SystemInspector struct {
	Runner platform.Runner
	Sysctl network.SystemController
}

func (s *SystemInspector) ForwardingState(ctx context.Context) (string, error) {
	return network.NewIPForwarding(s.Sysctl, nil).State(ctx)
}

func (s *SystemInspector) PFEnabled(ctx context.Context) (bool, error) {
	return firewall.QueryEnabled(ctx, s.Runner)
}

func (s *SystemInspector) AnchorRules(ctx context.Context, anchor string) (string, error) {
	return firewall.NewAnchor(anchor, s.Runner).Rules(ctx)
}

func (s *SystemInspector) States(ctx context.Context, iface string) ([]string, error) {
	return firewall.QueryStates(ctx, s.Runner, iface)
}

// MappingInfo is one NAT-PMP mapping as shown in debug output.
type MappingInfo struct {
	Protocol     string    `yaml:"protocol"`
	ExternalPort uint16    `yaml:"external_port"`
	InternalIP   string    `yaml:"internal_ip"`
	InternalPort uint16    `yaml:"internal_port"`
	Lifetime     uint32    `yaml:"lifetime"`
	Expires      time.Time `yaml:"expires"`
}

// DebugInfo is a point-in-time view of everything sharing touches.
type DebugInfo struct {
	CollectedAt  time.Time     `yaml:"collected_at"`
	Session      string        `yaml:"session,omitempty"`
	VPN          string        `yaml:"vpn,omitempty"`
	LAN          string        `yaml:"lan,omitempty"`
	Forwarding   string        `yaml:"ip_forwarding"`
	PFEnabled    bool          `yaml:"pf_enabled"`
	Anchor       string        `yaml:"anchor"`
	AnchorRules  string        `yaml:"anchor_rules"`
	NatPmpAnchor string        `yaml:"natpmp_anchor"`
	NatPmpRules  string        `yaml:"natpmp_rules"`
	States       []string      `yaml:"states,omitempty"`
	Mappings     []MappingInfo `yaml:"mappings,omitempty"`
	DHCPRunning  bool          `yaml:"dhcp_running"`
	DHCPRange    string        `yaml:"dhcp_range,omitempty"`
	Leases       []dhcp.Lease  `yaml:"leases,omitempty"`
	Errors       []string      `yaml:"errors,omitempty"`

	// RulesDiff compares the expected sharing rules with what pf reports.
	RulesDiff string `yaml:"-"`
}

// YAML renders the snapshot followed by the rules diff, if any.
func (d *DebugInfo) YAML() (string, error) {
	out, err := yaml.Marshal(d)
	if err != nil {
		return "", err
	}
	if d.RulesDiff == "" {
		return string(out), nil
	}
	return string(out) + "\n" + d.RulesDiff, nil
}

// debugRequest is what the controller knows when the fetch begins.
type debugRequest struct {
	sessionID string
	vpn, lan  string
	lanAddr   netip.Prefix
	dhcpRange string
	mappings  interface {
		Mappings(ctx context.Context) ([]natpmp.Entry, error)
	}
}

// FetchDebugInfo collects a DebugInfo in the background.
func (o *Orchestrator) FetchDebugInfo() error {
	if o.deps.Inspector == nil {
		return ErrInvalidState
	}
	seq, err := o.begin(OpFetchingDebugInfo)
	if err != nil {
		return err
	}

	var req debugRequest
	if s := o.session; s != nil {
		req.sessionID = s.ID.String()
		req.vpn, req.lan, req.lanAddr = s.VPN, s.LAN, s.LANAddr
		if active, rng := s.DHCP(); active {
			req.dhcpRange = rng.String()
		}
		if m, ok := s.NatPmp().(interface {
			Mappings(ctx context.Context) ([]natpmp.Entry, error)
		}); ok {
			req.mappings = m
		}
	}
	inspector, dhcpSrv := o.deps.Inspector, o.deps.DHCP
	timeout := o.settings.Timeouts.Debug

	o.spawn(ResultDebugInfoFetched, seq, func() Result {
		var info *DebugInfo
		err := withStageDeadline(timeout, "debug info", func(ctx context.Context) error {
			info = collectDebugInfo(ctx, inspector, dhcpSrv, req)
			return ctx.Err()
		})
		return Result{Debug: info, Err: err}
	})
	return nil
}

// collectDebugInfo gathers as much as it can; individual failures are
// recorded in Errors rather than aborting.
func collectDebugInfo(ctx context.Context, in Inspector, srv DHCPServer, req debugRequest) *DebugInfo {
	info := &DebugInfo{
		CollectedAt:  clock.Now(),
		Session:      req.sessionID,
		VPN:          req.vpn,
		LAN:          req.lan,
		Anchor:       brand.PFAnchor,
		NatPmpAnchor: brand.NatPmpAnchor,
		DHCPRange:    req.dhcpRange,
	}
	note := func(what string, err error) {
		info.Errors = append(info.Errors, fmt.Sprintf("%s: %v", what, err))
	}

	var err error
	if info.Forwarding, err = in.ForwardingState(ctx); err != nil {
		note("ip forwarding", err)
	}
	if info.PFEnabled, err = in.PFEnabled(ctx); err != nil {
		note("pf status", err)
	}
	if info.AnchorRules, err = in.AnchorRules(ctx, brand.PFAnchor); err != nil {
		note("anchor rules", err)
	}
	if info.NatPmpRules, err = in.AnchorRules(ctx, brand.NatPmpAnchor); err != nil {
		note("nat-pmp rules", err)
	}
	if req.vpn != "" {
		if info.States, err = in.States(ctx, req.vpn); err != nil {
			note("states", err)
		}
		expected := firewall.SharingRules(req.vpn, req.lan, req.lanAddr)
		info.RulesDiff = rulesDiff(expected, info.AnchorRules)
	}
	if req.mappings != nil {
		entries, err := req.mappings.Mappings(ctx)
		if err != nil {
			note("nat-pmp mappings", err)
		}
		for _, e := range entries {
			info.Mappings = append(info.Mappings, MappingInfo{
				Protocol:     e.Protocol.String(),
				ExternalPort: e.ExternalPort,
				InternalIP:   e.InternalIP.String(),
				InternalPort: e.InternalPort,
				Lifetime:     e.Lifetime,
				Expires:      e.ExpiresAt(),
			})
		}
	}
	if srv != nil {
		info.DHCPRunning = srv.IsRunning()
		if info.Leases, err = srv.Leases(); err != nil {
			note("dhcp leases", err)
		}
	}
	return info
}

// rulesDiff returns a unified diff, or "" when loaded matches expected.
func rulesDiff(expected, loaded string) string {
	if strings.TrimSpace(expected) == strings.TrimSpace(loaded) {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(loaded),
		FromFile: "expected",
		ToFile:   "loaded",
		Context:  1,
	})
	if err != nil {
		return ""
	}
	return diff
}
