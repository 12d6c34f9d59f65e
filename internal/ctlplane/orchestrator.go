package ctlplane

import (
	"context"
	"fmt"

	"grimm.is/tunshare/internal/config"
	"grimm.is/tunshare/internal/logging"
	"grimm.is/tunshare/internal/metrics"
	"grimm.is/tunshare/internal/network"
	"grimm.is/tunshare/internal/services/dhcp"
	"grimm.is/tunshare/internal/services/natpmp"
	"grimm.is/tunshare/internal/session"
)

// resultBuffer lets every in-flight task deliver without blocking even if
// the controller is slow to drain.
const resultBuffer = 16

// InterfaceDetector lists VPN and LAN candidates.
type InterfaceDetector interface {
	Detect(ctx context.Context) (network.Detection, error)
}

// DNSDiscoverer lists the host's resolvers.
type DNSDiscoverer interface {
	Discover(ctx context.Context) ([]network.Resolver, error)
}

// DHCPServer is the dnsmasq singleton; *dhcp.Server satisfies it.
type DHCPServer interface {
	Start(ctx context.Context, req dhcp.StartRequest) error
	Stop(ctx context.Context) error
	StopSync() error
	IsRunning() bool
	Leases() ([]dhcp.Lease, error)
}

// NatPmpServer is a port-mapping server; *natpmp.Server satisfies it.
type NatPmpServer interface {
	Start(ctx context.Context) error
	Shutdown()
	Wait(ctx context.Context) error
	Mappings(ctx context.Context) ([]natpmp.Entry, error)
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Detector      InterfaceDetector
	DNS           DNSDiscoverer
	NewFirewall   func(vpn, lan network.Interface) session.Firewall
	NewForwarding func() session.Forwarding
	DHCP          DHCPServer
	DHCPInstalled func() bool
	NewNatPmp     func(cfg natpmp.Config) NatPmpServer
	Inspector     Inspector
	Metrics       *metrics.Registry
	Logger        *logging.Logger
}

// Orchestrator is the sharing state machine. It is not safe for concurrent
// use: one controller goroutine calls every method.
type Orchestrator struct {
	deps     Deps
	settings config.Settings
	logger   *logging.Logger
	metrics  *metrics.Registry

	state     State
	prevState State
	pending   PendingOp
	seq       uint64
	results   chan Result

	detection network.Detection
	vpn       *network.Interface
	lan       *network.Interface
	resolvers []network.Resolver
	session   *session.Session
	debug     *DebugInfo

	lastErr error
	notice  string

	// orphaned is set when a cancelled start succeeded; the session is
	// stopped as soon as nothing else is pending.
	orphaned     bool
	shuttingDown bool

	// serviceStarts counts DHCP and NAT-PMP start tasks whose results have
	// not arrived yet, cancelled or not.
	serviceStarts int
}

// New returns an orchestrator on the menu screen.
func New(settings config.Settings, deps Deps) *Orchestrator {
	o := &Orchestrator{
		deps:     deps,
		settings: settings,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		results:  make(chan Result, resultBuffer),
	}
	if o.logger == nil {
		o.logger = logging.WithComponent("ctlplane")
	}
	if o.settings.Timeouts == (config.Timeouts{}) {
		o.settings.Timeouts = config.DefaultTimeouts()
	}
	if o.metrics == nil {
		o.metrics = metrics.Get()
	}
	if o.deps.DHCPInstalled == nil {
		o.deps.DHCPInstalled = func() bool { return dhcp.IsDnsmasqInstalled() != "" }
	}
	return o
}

// Results delivers task outcomes; pass each to Handle.
func (o *Orchestrator) Results() <-chan Result {
	return o.results
}

// State returns the current screen.
func (o *Orchestrator) State() State { return o.state }

// Pending returns the outstanding operation.
func (o *Orchestrator) Pending() PendingOp { return o.pending }

// Session returns the live session, or nil.
func (o *Orchestrator) Session() *session.Session { return o.session }

// Detection returns the last interface scan.
func (o *Orchestrator) Detection() network.Detection { return o.detection }

// Resolvers returns the last DNS discovery.
func (o *Orchestrator) Resolvers() []network.Resolver { return o.resolvers }

// Settings returns the current preferences.
func (o *Orchestrator) Settings() config.Settings { return o.settings }

// DebugInfo returns the last fetched debug snapshot, or nil.
func (o *Orchestrator) DebugInfo() *DebugInfo { return o.debug }

// LastError returns the most recent failure shown to the user.
func (o *Orchestrator) LastError() error { return o.lastErr }

// Notice returns the most recent informational message.
func (o *Orchestrator) Notice() string { return o.notice }

// Selected returns the chosen VPN and LAN interfaces, when set.
func (o *Orchestrator) Selected() (vpn, lan *network.Interface) { return o.vpn, o.lan }

// begin marks op pending and returns the spawn sequence number.
func (o *Orchestrator) begin(op PendingOp) (uint64, error) {
	if o.pending != OpNone {
		return 0, fmt.Errorf("%w: %s", ErrBusy, o.pending)
	}
	o.seq++
	o.pending = op
	o.prevState = o.state
	o.lastErr = nil
	o.logger.Debug("operation started", "op", op.String(), "seq", o.seq)
	return o.seq, nil
}

// spawn runs fn in its own goroutine and delivers its result.
func (o *Orchestrator) spawn(kind ResultKind, seq uint64, fn func() Result) {
	results := o.results
	go func() {
		r := fn()
		r.Kind = kind
		r.seq = seq
		results <- r
	}()
}

// DetectInterfaces scans for VPN and LAN candidates.
func (o *Orchestrator) DetectInterfaces() error {
	seq, err := o.begin(OpDetectingInterfaces)
	if err != nil {
		return err
	}
	timeout := o.settings.Timeouts.Detect
	o.spawn(ResultInterfacesDetected, seq, func() Result {
		var det network.Detection
		err := withStageDeadline(timeout, "detect interfaces", func(ctx context.Context) error {
			var err error
			det, err = o.deps.Detector.Detect(ctx)
			return err
		})
		return Result{Detection: det, Err: err}
	})
	return nil
}

// DiscoverDNS lists resolvers and then opens the DNS editor.
func (o *Orchestrator) DiscoverDNS() error {
	seq, err := o.begin(OpDiscoveringDNS)
	if err != nil {
		return err
	}
	timeout := o.settings.Timeouts.DNS
	o.spawn(ResultDNSDiscovered, seq, func() Result {
		var rs []network.Resolver
		err := withStageDeadline(timeout, "discover dns", func(ctx context.Context) error {
			var err error
			rs, err = o.deps.DNS.Discover(ctx)
			return err
		})
		return Result{Resolvers: rs, Err: err}
	})
	return nil
}

// SetDNSServers validates and stores the DNS list handed to DHCP clients,
// then leaves the editor.
func (o *Orchestrator) SetDNSServers(raw []string) error {
	servers, err := config.ParseDNSServers(raw)
	if err != nil {
		return err
	}
	o.settings.DNSServers = servers
	o.notice = fmt.Sprintf("%d DNS servers set", len(servers))
	if o.state == StateEditingDNS {
		o.state = o.homeState()
	}
	return nil
}

// SetPreferences toggles the optional services for the next start.
func (o *Orchestrator) SetPreferences(dhcpEnabled, natpmpEnabled bool) {
	o.settings.DHCPEnabled = dhcpEnabled
	o.settings.NatPmpEnabled = natpmpEnabled
}

// Back leaves a selection or editor screen without acting.
func (o *Orchestrator) Back() {
	if o.pending != OpNone {
		return
	}
	switch o.state {
	case StateSelectingLAN:
		o.state = StateSelectingVPN
	case StateSelectingVPN, StateEditingDNS:
		o.state = o.homeState()
	}
}

// SelectVPN picks the tunnel interface from the last detection.
func (o *Orchestrator) SelectVPN(name string) error {
	if o.state != StateSelectingVPN {
		return ErrInvalidState
	}
	ifc, ok := find(o.detection.VPN, name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, name)
	}
	o.vpn = &ifc
	o.state = StateSelectingLAN
	return nil
}

// SelectLAN picks the LAN interface from the last detection.
func (o *Orchestrator) SelectLAN(name string) error {
	if o.state != StateSelectingLAN {
		return ErrInvalidState
	}
	ifc, ok := find(o.detection.LAN, name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, name)
	}
	if !ifc.Addr.IsValid() {
		return fmt.Errorf("%w: %s has no IPv4 address", ErrUnknownInterface, name)
	}
	if o.vpn != nil && o.vpn.Name == ifc.Name {
		return fmt.Errorf("%w: %s is already the VPN side", ErrInvalidState, name)
	}
	o.lan = &ifc
	return nil
}

func find(list []network.Interface, name string) (network.Interface, bool) {
	for _, ifc := range list {
		if ifc.Name == name {
			return ifc, true
		}
	}
	return network.Interface{}, false
}

// homeState is where the user returns to when nothing else applies.
func (o *Orchestrator) homeState() State {
	if o.session != nil && o.session.HasManagers() && o.state != StateSelectingLAN {
		return StateActive
	}
	return StateMenu
}

// Cancel abandons the pending operation. Its task still runs to the end
// and its result is then treated as stale.
func (o *Orchestrator) Cancel() {
	if o.pending == OpNone {
		return
	}
	op := o.pending
	o.pending = OpNone
	o.logger.Info("operation cancelled", "op", op.String())
	o.notice = op.String() + " cancelled"

	switch op {
	case OpStartingDhcp, OpStartingNatPmp:
		// Core sharing is up; skip the optional services.
		o.activate()
	default:
		o.state = o.prevState
	}
}

// Handle applies one task result. Results carrying loaned handles are
// always reconciled; anything else must answer the pending operation.
func (o *Orchestrator) Handle(r Result) {
	current := r.seq == o.seq && r.Kind.pendingFor() == o.pending
	if r.Kind == ResultDhcpStarted || r.Kind == ResultNatPmpStarted {
		o.serviceStarts--
	}
	if !current {
		o.metrics.StaleResults.WithLabelValues(r.Kind.String()).Inc()
	}

	switch {
	case r.Kind == ResultSharingStarted:
		o.handleStarted(r, current)
	case r.Kind == ResultSharingStopped:
		o.handleStopped(r, current)
	case !current:
		o.discard(r)
	default:
		o.pending = OpNone
		o.handleCurrent(r)
	}

	o.reapOrphan()
}

func (o *Orchestrator) discard(r Result) {
	o.logger.Debug("stale result discarded", "kind", r.Kind.String(), "seq", r.seq)
	if r.Err != nil {
		return
	}
	switch r.Kind {
	case ResultNatPmpStarted:
		if r.NatPmp != nil {
			// Nobody will own this server; stop it so the socket and anchor go.
			r.NatPmp.Shutdown()
		}
	case ResultDhcpStarted:
		o.adoptDHCP(r.DHCPRange)
	}
}

// adoptDHCP records a dnsmasq started by a cancelled task so the session
// stops it. Without a session the daemon is stopped here.
func (o *Orchestrator) adoptDHCP(rng dhcp.Range) {
	srv := o.deps.DHCP
	if srv == nil {
		return
	}
	if o.session != nil {
		if active, _ := o.session.DHCP(); !active {
			o.session.SetDHCP(srv, rng)
			o.logger.Info("dhcp started after cancel; tracking it in the session", "range", rng.String())
		}
		return
	}
	if err := srv.StopSync(); err != nil {
		o.logger.Error("failed to stop dhcp from cancelled start", "error", err)
	}
}

func (o *Orchestrator) handleCurrent(r Result) {
	switch r.Kind {
	case ResultInterfacesDetected:
		if r.Err != nil {
			o.fail("detect", r.Err)
			o.state = o.prevState
			return
		}
		o.detection = r.Detection
		o.vpn, o.lan = nil, nil
		o.state = StateSelectingVPN
		o.logger.Info("interfaces detected", "vpn", len(r.Detection.VPN), "lan", len(r.Detection.LAN))

	case ResultDNSDiscovered:
		if r.Err != nil {
			o.fail("dns", r.Err)
			o.state = o.prevState
			return
		}
		o.resolvers = r.Resolvers
		o.state = StateEditingDNS

	case ResultDhcpStarted:
		if r.Err != nil {
			o.stageWarning("dhcp", r.Err)
		} else if o.session != nil {
			o.session.SetDHCP(o.deps.DHCP, r.DHCPRange)
		}
		o.startNatPmpOrActivate()

	case ResultNatPmpStarted:
		if r.Err != nil {
			o.stageWarning("natpmp", r.Err)
		} else if o.session != nil {
			o.session.SetNatPmp(r.NatPmp)
		} else {
			r.NatPmp.Shutdown()
		}
		o.activate()

	case ResultDebugInfoFetched:
		o.debug = r.Debug
		if r.Err != nil {
			o.fail("debug", r.Err)
		}
		o.state = o.prevState
	}
}

func (o *Orchestrator) fail(stage string, err error) {
	o.lastErr = err
	o.metrics.StageFailures.WithLabelValues(stage).Inc()
	o.logger.Error("operation failed", "stage", stage, "error", err)
}

// stageWarning records a non-fatal failure of an optional service.
func (o *Orchestrator) stageWarning(stage string, err error) {
	o.metrics.StageFailures.WithLabelValues(stage).Inc()
	o.notice = fmt.Sprintf("%s unavailable: %v", stage, err)
	o.logger.Warn("optional service failed to start", "stage", stage, "error", err)
}

func (o *Orchestrator) activate() {
	o.state = StateActive
	o.metrics.SharingActive.Set(1)
	if o.session != nil {
		o.logger.Info("sharing active", "vpn", o.session.VPN, "lan", o.session.LAN)
	}
}

// reapOrphan stops a session whose start was cancelled once the
// controller is idle again.
func (o *Orchestrator) reapOrphan() {
	if !o.orphaned || o.pending != OpNone || o.shuttingDown {
		return
	}
	if o.session == nil {
		o.orphaned = false
		return
	}
	if !o.session.HasManagers() {
		return
	}
	o.orphaned = false
	o.logger.Info("stopping orphaned session from cancelled start", "id", o.session.ID.String())
	state := o.state
	if err := o.StopSharing(); err != nil {
		o.logger.Error("failed to stop orphaned session", "error", err)
		return
	}
	// Teardown is invisible to the screen the user went back to.
	o.prevState = state
}

// Shutdown releases everything before process exit. It waits, bounded by
// ctx, for loaned handles and in-flight service starts to come home, then
// closes the session.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shuttingDown = true
	if o.session != nil {
		if n := o.session.TakeNatPmp(); n != nil {
			n.Shutdown()
			o.session.SetNatPmp(n)
		}
	}
	for o.session != nil && o.awaitingOnShutdown() {
		select {
		case r := <-o.results:
			o.Handle(r)
		case <-ctx.Done():
			o.logger.Warn("shutdown with handles still on loan", "pending", o.pending.String())
			return o.closeSession()
		}
	}
	return o.closeSession()
}

// awaitingOnShutdown reports whether an in-flight task still holds
// something the session must release.
func (o *Orchestrator) awaitingOnShutdown() bool {
	return !o.session.HasManagers() || o.serviceStarts > 0
}

func (o *Orchestrator) closeSession() error {
	if o.session == nil {
		return nil
	}
	err := o.session.Close()
	o.session = nil
	o.metrics.SharingActive.Set(0)
	return err
}
