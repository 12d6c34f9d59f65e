package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"grimm.is/tunshare/internal/logging"
	"grimm.is/tunshare/internal/platform"
)

// syncCleanupTimeout bounds CleanupSync.
const syncCleanupTimeout = 10 * time.Second

// Options configures a Manager.
type Options struct {
	Runner       platform.Runner
	Logger       *logging.Logger
	Anchor       string
	ExtraAnchors []string // flushed on cleanup as a backstop
	VPNInterface string
	LANInterface string
	LANNetwork   netip.Prefix
}

// Manager owns the sharing NAT rules for one session. LoadRules and
// Cleanup are idempotent; the handle remembers whether it modified pf.
type Manager struct {
	runner  platform.Runner
	logger  *logging.Logger
	anchor  *Anchor
	extra   []*Anchor
	vpn     string
	lan     string
	network netip.Prefix

	token  string
	loaded bool
}

// NewManager creates a Manager. Nothing touches pf until LoadRules.
func NewManager(opts Options) *Manager {
	runner := opts.Runner
	if runner == nil {
		runner = platform.DefaultRunner
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("firewall")
	}
	m := &Manager{
		runner:  runner,
		logger:  logger,
		anchor:  NewAnchor(opts.Anchor, runner),
		vpn:     opts.VPNInterface,
		lan:     opts.LANInterface,
		network: opts.LANNetwork.Masked(),
	}
	for _, name := range opts.ExtraAnchors {
		m.extra = append(m.extra, NewAnchor(name, runner))
	}
	return m
}

// Rules renders this manager's sharing ruleset.
func (m *Manager) Rules() string {
	return SharingRules(m.vpn, m.lan, m.network)
}

// SharingRules renders the sharing ruleset: masquerade LAN traffic out of
// the tunnel and admit it on both legs.
func SharingRules(vpn, lan string, network netip.Prefix) string {
	network = network.Masked()
	var b strings.Builder
	fmt.Fprintf(&b, "nat on %s inet from %s to any -> (%s)\n", vpn, network, vpn)
	fmt.Fprintf(&b, "pass in quick on %s inet from %s to any keep state\n", lan, network)
	fmt.Fprintf(&b, "pass out quick on %s inet from any to any keep state\n", vpn)
	return b.String()
}

// LoadRules loads the anchor and takes a pf enable reference. If enabling
// fails the anchor is flushed again so no half-applied state remains.
func (m *Manager) LoadRules(ctx context.Context) error {
	if m.loaded {
		return nil
	}

	if err := m.anchor.Load(ctx, m.Rules()); err != nil {
		return err
	}

	out, err := m.runner.Run(ctx, pfctl, "-E")
	if err == nil {
		m.token, err = parseToken(out)
	}
	if err != nil {
		if ferr := m.anchor.Flush(ctx); ferr != nil {
			m.logger.Warn("failed to flush anchor after enable error", "anchor", m.anchor.Name, "error", ferr)
		}
		m.token = ""
		return &platform.FirewallError{Message: "enable pf", Err: err}
	}

	m.loaded = true
	m.logger.Info("sharing rules loaded", "anchor", m.anchor.Name, "vpn", m.vpn, "lan", m.lan, "network", m.network)
	return nil
}

// Cleanup flushes every anchor and releases the pf enable reference. All
// steps are attempted; failures are joined.
func (m *Manager) Cleanup(ctx context.Context) error {
	if !m.loaded && m.token == "" {
		return nil
	}

	var errs []error
	for _, a := range m.extra {
		errs = append(errs, a.Flush(ctx))
	}
	errs = append(errs, m.anchor.Flush(ctx))
	if m.token != "" {
		if _, err := m.runner.Run(ctx, pfctl, "-X", m.token); err != nil {
			errs = append(errs, &platform.FirewallError{Message: "release pf token " + m.token, Err: err})
		}
	}

	if err := platform.JoinErrors(errs...); err != nil {
		return err
	}
	m.loaded = false
	m.token = ""
	m.logger.Info("sharing rules removed", "anchor", m.anchor.Name)
	return nil
}

// CleanupSync is Cleanup with its own deadline, for shutdown paths that
// have no caller context.
func (m *Manager) CleanupSync() error {
	ctx, cancel := context.WithTimeout(context.Background(), syncCleanupTimeout)
	defer cancel()
	return m.Cleanup(ctx)
}

// CurrentRules returns what pf reports as loaded in the sharing anchor.
func (m *Manager) CurrentRules(ctx context.Context) (string, error) {
	return m.anchor.Rules(ctx)
}

// CurrentStates returns state-table entries on the VPN interface.
func (m *Manager) CurrentStates(ctx context.Context) ([]string, error) {
	return QueryStates(ctx, m.runner, m.vpn)
}

// IsEnabled reports whether pf is enabled.
func (m *Manager) IsEnabled(ctx context.Context) (bool, error) {
	return QueryEnabled(ctx, m.runner)
}

// IsModified reports whether this handle currently holds rules or a token.
func (m *Manager) IsModified() bool {
	return m.loaded || m.token != ""
}

// AnchorName returns the sharing anchor's name.
func (m *Manager) AnchorName() string {
	return m.anchor.Name
}
