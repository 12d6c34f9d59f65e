package health

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/tunshare/internal/clock"
	"grimm.is/tunshare/internal/network"
)

// DefaultPingTarget is pinged through the default route, which carries
// the VPN while sharing.
const DefaultPingTarget = "1.1.1.1"

// PingFunc sends one echo request and returns the round trip.
type PingFunc func(ctx context.Context, target string) (time.Duration, error)

// AddressFunc resolves an interface's IPv4 address.
type AddressFunc func(iface string) (netip.Addr, error)

// NewProbe returns a checker with the two sharing checks: the VPN
// interface (unhealthy when missing) and ping (degraded when lost).
func NewProbe(vpnIface, target string, addrs AddressFunc, ping PingFunc) *Checker {
	if addrs == nil {
		addrs = network.InterfaceIPv4
	}
	if ping == nil {
		ping = Ping
	}
	if target == "" {
		target = DefaultPingTarget
	}
	c := NewChecker()
	c.Register("vpn_interface", InterfaceCheck(vpnIface, addrs))
	c.Register("ping", PingCheck(target, ping))
	return c
}

// InterfaceCheck reports whether iface is up with an IPv4 address.
func InterfaceCheck(iface string, addrs AddressFunc) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{LastChecked: start}

		ip, err := addrs(iface)
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = fmt.Sprintf("%s has %s", iface, ip)
		}

		check.Duration = clock.Since(start)
		return check
	}
}

// PingCheck reports whether target answers.
func PingCheck(target string, ping PingFunc) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{LastChecked: start}

		rtt, err := ping(ctx, target)
		if err != nil {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("ping %s: %v", target, err)
		} else {
			check.Status = StatusHealthy
			check.Message = fmt.Sprintf("%s replied in %s", target, rtt.Round(time.Millisecond))
		}

		check.Duration = clock.Since(start)
		return check
	}
}

// Ping sends a single unprivileged ICMP echo.
func Ping(ctx context.Context, target string) (time.Duration, error) {
	pinger, err := probing.NewPinger(target)
	if err != nil {
		return 0, fmt.Errorf("failed to create pinger: %w", err)
	}

	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, err
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("packet loss")
	}
	return stats.AvgRtt, nil
}
