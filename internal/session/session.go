// Package session holds the OS resources of one sharing period.
//
// The firewall and forwarding handles are loaned to background tasks with
// TakeManagers and come back through RestoreManagers. While a handle is on
// loan its slot is empty, so Close (the cleanup of last resort) can never
// race a task that is already tearing the same resource down.
package session

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"grimm.is/tunshare/internal/clock"
	"grimm.is/tunshare/internal/health"
	"grimm.is/tunshare/internal/logging"
	"grimm.is/tunshare/internal/platform"
	"grimm.is/tunshare/internal/services/dhcp"
)

const natpmpCloseTimeout = 3 * time.Second

// Firewall is the pf resource manager; *firewall.Manager satisfies it.
type Firewall interface {
	LoadRules(ctx context.Context) error
	Cleanup(ctx context.Context) error
	CleanupSync() error
	IsModified() bool
}

// Forwarding is the sysctl resource manager; *network.IPForwarding
// satisfies it.
type Forwarding interface {
	Enable(ctx context.Context) error
	Restore(ctx context.Context) error
	RestoreSync() error
	IsModified() bool
}

// DHCP is the dnsmasq wrapper; *dhcp.Server satisfies it.
type DHCP interface {
	Stop(ctx context.Context) error
	StopSync() error
}

// NatPmp is a running port-mapping server; *natpmp.Server satisfies it.
type NatPmp interface {
	Shutdown()
	Wait(ctx context.Context) error
}

// Session owns the handles of one sharing period. It is used from the
// controller goroutine only.
type Session struct {
	ID        uuid.UUID
	VPN       string
	LAN       string
	LANAddr   netip.Prefix
	StartedAt time.Time

	firewall   Firewall
	forwarding Forwarding

	dhcp      DHCP
	dhcpRange dhcp.Range
	natpmp    NatPmp
	health    health.Status

	closed bool
	logger *logging.Logger
}

// New takes exclusive ownership of fw and fwd.
func New(fw Firewall, fwd Forwarding, vpn, lan string, lanAddr netip.Prefix) *Session {
	s := &Session{
		ID:         uuid.New(),
		VPN:        vpn,
		LAN:        lan,
		LANAddr:    lanAddr,
		StartedAt:  clock.Now(),
		firewall:   fw,
		forwarding: fwd,
		health:     health.StatusUnknown,
	}
	s.logger = logging.WithComponent("session")
	s.logger.Info("session created", "id", s.ID.String(), "vpn", vpn, "lan", lan, "lan_addr", lanAddr.String())
	return s
}

// TakeManagers moves both handles out for a background task. Until they
// are restored, Close leaves them alone.
func (s *Session) TakeManagers() (Firewall, Forwarding) {
	fw, fwd := s.firewall, s.forwarding
	s.firewall, s.forwarding = nil, nil
	return fw, fwd
}

// RestoreManagers returns loaned handles. A nil argument leaves its slot
// as it is.
func (s *Session) RestoreManagers(fw Firewall, fwd Forwarding) {
	if fw != nil {
		if s.firewall != nil {
			s.logger.Error("firewall handle restored while already owned")
		}
		s.firewall = fw
	}
	if fwd != nil {
		if s.forwarding != nil {
			s.logger.Error("forwarding handle restored while already owned")
		}
		s.forwarding = fwd
	}
}

// HasManagers reports whether both handles are home.
func (s *Session) HasManagers() bool {
	return s.firewall != nil && s.forwarding != nil
}

// SetDHCP records a running DHCP server.
func (s *Session) SetDHCP(d DHCP, r dhcp.Range) {
	s.dhcp = d
	s.dhcpRange = r
}

// TakeDHCP hands the DHCP server to a stop task.
func (s *Session) TakeDHCP() DHCP {
	d := s.dhcp
	s.dhcp = nil
	return d
}

// DHCP reports whether DHCP is being served and over which pool.
func (s *Session) DHCP() (bool, dhcp.Range) {
	return s.dhcp != nil, s.dhcpRange
}

// SetNatPmp records a running NAT-PMP server.
func (s *Session) SetNatPmp(n NatPmp) {
	s.natpmp = n
}

// TakeNatPmp hands the NAT-PMP server to a stop task.
func (s *Session) TakeNatPmp() NatPmp {
	n := s.natpmp
	s.natpmp = nil
	return n
}

// NatPmp returns the attached NAT-PMP server without taking it.
func (s *Session) NatPmp() NatPmp {
	return s.natpmp
}

// NatPmpActive reports whether a NAT-PMP server is attached.
func (s *Session) NatPmpActive() bool {
	return s.natpmp != nil
}

// SetHealth records the latest probe result.
func (s *Session) SetHealth(st health.Status) {
	s.health = st
}

// Health returns the latest probe result.
func (s *Session) Health() health.Status {
	return s.health
}

// Close synchronously releases whatever the session still owns, in the
// order NAT-PMP, DHCP, firewall, forwarding. NAT-PMP goes first because
// its anchor must be flushed before the firewall clears anchors. Handles
// on loan are skipped. Close is idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if n := s.TakeNatPmp(); n != nil {
		n.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), natpmpCloseTimeout)
		if err := n.Wait(ctx); err != nil {
			errs = append(errs, &platform.CommandError{Command: "natpmp shutdown", Message: err.Error(), Timeout: true, Err: err})
		}
		cancel()
	}
	if d := s.TakeDHCP(); d != nil {
		errs = append(errs, d.StopSync())
	}
	if s.firewall != nil && s.firewall.IsModified() {
		errs = append(errs, s.firewall.CleanupSync())
	}
	if s.forwarding != nil && s.forwarding.IsModified() {
		errs = append(errs, s.forwarding.RestoreSync())
	}

	err := platform.JoinErrors(errs...)
	if err != nil {
		s.logger.Error("session cleanup incomplete", "id", s.ID.String(), "error", err)
	} else {
		s.logger.Info("session closed", "id", s.ID.String(), "duration", clock.Since(s.StartedAt).Round(time.Second).String())
	}
	return err
}
