package ctlplane

import (
	"context"
	"time"

	"grimm.is/tunshare/internal/platform"
	"grimm.is/tunshare/internal/services/dhcp"
	"grimm.is/tunshare/internal/services/natpmp"
	"grimm.is/tunshare/internal/session"
)

func withStageDeadline(timeout time.Duration, stage string, fn func(context.Context) error) error {
	return platform.WithDeadline(context.Background(), timeout, stage, fn)
}

// StartSharing creates the session and loans its firewall and forwarding
// handles to a task that enables forwarding, then loads the NAT rules.
func (o *Orchestrator) StartSharing() error {
	if o.session != nil {
		return ErrSessionExists
	}
	if o.vpn == nil || o.lan == nil {
		return ErrInvalidState
	}
	seq, err := o.begin(OpStartingSharing)
	if err != nil {
		return err
	}

	vpn, lan := *o.vpn, *o.lan
	o.session = session.New(o.deps.NewFirewall(vpn, lan), o.deps.NewForwarding(), vpn.Name, lan.Name, lan.Addr)
	fw, fwd := o.session.TakeManagers()

	timeout := o.settings.Timeouts.Start
	o.spawn(ResultSharingStarted, seq, func() Result {
		err := withStageDeadline(timeout, "start sharing", func(ctx context.Context) error {
			return enableSharing(ctx, fw, fwd)
		})
		// Handles go back whatever happened.
		return Result{Firewall: fw, Forwarding: fwd, Err: err}
	})
	return nil
}

// enableSharing turns on forwarding then loads the rules. If the rules
// fail, forwarding is put back before the firewall error is returned.
func enableSharing(ctx context.Context, fw session.Firewall, fwd session.Forwarding) error {
	if err := fwd.Enable(ctx); err != nil {
		return err
	}
	if err := fw.LoadRules(ctx); err != nil {
		if rerr := fwd.RestoreSync(); rerr != nil {
			return platform.JoinErrors(err, rerr)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) handleStarted(r Result, current bool) {
	if o.session == nil {
		// Cannot happen while the loan protocol holds; clean up anyway.
		o.logger.Error("start result without a session; releasing handles")
		releaseHandles(r.Firewall, r.Forwarding)
		return
	}
	o.session.RestoreManagers(r.Firewall, r.Forwarding)

	if !current {
		if r.Err != nil {
			o.closeSession()
			return
		}
		o.orphaned = true
		return
	}

	o.pending = OpNone
	if r.Err != nil {
		o.fail("start", r.Err)
		o.closeSession()
		o.state = o.prevState
		return
	}
	o.logger.Info("sharing rules active", "vpn", o.session.VPN, "lan", o.session.LAN)
	o.startDHCPOrNext()
}

func releaseHandles(fw session.Firewall, fwd session.Forwarding) {
	if fw != nil && fw.IsModified() {
		_ = fw.CleanupSync()
	}
	if fwd != nil && fwd.IsModified() {
		_ = fwd.RestoreSync()
	}
}

// startDHCPOrNext starts dnsmasq when wanted and available, else moves on.
func (o *Orchestrator) startDHCPOrNext() {
	if o.shuttingDown {
		o.activate()
		return
	}
	if !o.settings.DHCPEnabled || o.deps.DHCP == nil {
		o.startNatPmpOrActivate()
		return
	}
	if !o.deps.DHCPInstalled() {
		o.notice = "dnsmasq not installed; DHCP skipped"
		o.logger.Warn("dnsmasq not installed; DHCP skipped")
		o.startNatPmpOrActivate()
		return
	}
	rng, err := dhcp.CalculateDHCPRange(o.session.LANAddr)
	if err != nil {
		o.stageWarning("dhcp", err)
		o.startNatPmpOrActivate()
		return
	}

	seq, err := o.begin(OpStartingDhcp)
	if err != nil {
		o.stageWarning("dhcp", err)
		o.activate()
		return
	}
	req := dhcp.StartRequest{
		Interface: o.session.LAN,
		Gateway:   o.session.LANAddr.Addr(),
		Range:     rng,
		DNS:       o.settings.DNSServers,
	}
	srv := o.deps.DHCP
	timeout := o.settings.Timeouts.DHCP
	o.serviceStarts++
	o.spawn(ResultDhcpStarted, seq, func() Result {
		err := withStageDeadline(timeout, "start dhcp", func(ctx context.Context) error {
			return srv.Start(ctx, req)
		})
		return Result{DHCPRange: rng, Err: err}
	})
}

// startNatPmpOrActivate starts the port-mapping server when wanted.
func (o *Orchestrator) startNatPmpOrActivate() {
	if o.shuttingDown || !o.settings.NatPmpEnabled || o.deps.NewNatPmp == nil || o.session == nil {
		o.activate()
		return
	}
	seq, err := o.begin(OpStartingNatPmp)
	if err != nil {
		o.stageWarning("natpmp", err)
		o.activate()
		return
	}
	srv := o.deps.NewNatPmp(natpmp.Config{
		ExternalInterface: o.session.VPN,
		LANInterface:      o.session.LAN,
		LAN:               o.session.LANAddr,
		SweepInterval:     o.settings.NatPmp.SweepInterval,
		RefreshInterval:   o.settings.NatPmp.RefreshInterval,
		Announce:          o.settings.NatPmp.Announce,
	})
	timeout := o.settings.Timeouts.NatPmp
	o.serviceStarts++
	o.spawn(ResultNatPmpStarted, seq, func() Result {
		err := withStageDeadline(timeout, "start nat-pmp", srv.Start)
		if err != nil {
			return Result{Err: err}
		}
		return Result{NatPmp: srv}
	})
}

// StopSharing tears the session down. The NAT-PMP server is signalled
// here, before the task exists, so its anchor flush is already under way
// when the firewall clears anchors.
func (o *Orchestrator) StopSharing() error {
	if o.session == nil {
		return ErrNoSession
	}
	if !o.session.HasManagers() {
		return ErrBusy
	}
	seq, err := o.begin(OpStoppingSharing)
	if err != nil {
		return err
	}

	n := o.session.TakeNatPmp()
	if n != nil {
		n.Shutdown()
	}
	o.session.TakeDHCP()
	fw, fwd := o.session.TakeManagers()
	srv := o.deps.DHCP
	t := o.settings.Timeouts

	o.spawn(ResultSharingStopped, seq, func() Result {
		err := disableSharing(t.NatPmp, t.Stop, n, srv, fw, fwd)
		return Result{Firewall: fw, Forwarding: fwd, Err: err}
	})
	return nil
}

// disableSharing runs every teardown stage in order and joins their errors.
func disableSharing(natpmpTimeout, stageTimeout time.Duration, n session.NatPmp, srv DHCPServer, fw session.Firewall, fwd session.Forwarding) error {
	var errs []error
	if n != nil {
		errs = append(errs, withStageDeadline(natpmpTimeout, "stop nat-pmp", n.Wait))
	}
	// dnsmasq is a host singleton; stop it even if this session never
	// recorded starting it.
	if srv != nil {
		errs = append(errs, withStageDeadline(stageTimeout, "stop dhcp", srv.Stop))
	}
	if fw != nil {
		errs = append(errs, withStageDeadline(stageTimeout, "firewall cleanup", fw.Cleanup))
	}
	if fwd != nil {
		errs = append(errs, withStageDeadline(stageTimeout, "restore ip forwarding", fwd.Restore))
	}
	return platform.JoinErrors(errs...)
}

func (o *Orchestrator) handleStopped(r Result, current bool) {
	if o.session == nil {
		o.logger.Error("stop result without a session; releasing handles")
		releaseHandles(r.Firewall, r.Forwarding)
		return
	}
	o.session.RestoreManagers(r.Firewall, r.Forwarding)

	if current {
		o.pending = OpNone
	}
	if r.Err != nil {
		o.fail("stop", r.Err)
	}
	// Close retries anything the task could not undo.
	if err := o.closeSession(); err != nil && r.Err == nil {
		o.fail("stop", err)
	}
	if current {
		o.state = o.prevState
	}
	if o.state == StateActive {
		o.state = StateMenu
	}
	if r.Err == nil {
		o.notice = "sharing stopped"
	}
}
