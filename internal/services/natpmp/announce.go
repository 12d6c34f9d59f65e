package natpmp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"

	"grimm.is/tunshare/internal/clock"
	"grimm.is/tunshare/internal/logging"
)

const (
	announceCount    = 10
	announceInterval = 250 * time.Millisecond
)

var allHosts = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 1), Port: ClientPort}

// Announcer tells LAN clients about a new external address.
type Announcer interface {
	// Announce blocks until every announcement is sent or ctx ends.
	Announce(ctx context.Context, ip netip.Addr, start time.Time, c clock.Clock)
}

// MulticastAnnouncer sends unsolicited opcode-0 responses to 224.0.0.1:5350
// on the LAN interface, ten times starting 250ms apart and doubling.
type MulticastAnnouncer struct {
	Interface string
	Logger    *logging.Logger
}

// Announce implements Announcer.
func (a *MulticastAnnouncer) Announce(ctx context.Context, ip netip.Addr, start time.Time, c clock.Clock) {
	pc, err := a.open()
	if err != nil {
		a.logger().Debug("address announcement skipped", "interface", a.Interface, "error", err)
		return
	}
	defer pc.Close()

	c = clock.Or(c)
	wait := announceInterval
	for i := 0; i < announceCount; i++ {
		pkt := BuildExternalAddressResponse(uint32(c.Since(start)/time.Second), ip)
		if _, err := pc.WriteTo(pkt, nil, allHosts); err != nil {
			a.logger().Debug("address announcement failed", "error", err)
			return
		}
		if i == announceCount-1 {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		wait *= 2
	}
}

func (a *MulticastAnnouncer) open() (*ipv4.PacketConn, error) {
	ifi, err := net.InterfaceByName(a.Interface)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(c)
	if err := pc.SetMulticastInterface(ifi); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set multicast interface: %w", err)
	}
	_ = pc.SetMulticastTTL(1)
	_ = pc.SetMulticastLoopback(false)
	return pc, nil
}

func (a *MulticastAnnouncer) logger() *logging.Logger {
	if a.Logger == nil {
		return logging.WithComponent("natpmp")
	}
	return a.Logger
}
