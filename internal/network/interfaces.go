package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Interface is a candidate for one side of a sharing session.
type Interface struct {
	Name      string
	Addr      netip.Prefix // IPv4 address with its mask
	Up        bool
	WireGuard bool
}

// Network returns the masked IPv4 network the interface sits on.
func (i Interface) Network() netip.Prefix {
	return i.Addr.Masked()
}

func (i Interface) String() string {
	if !i.Addr.IsValid() {
		return i.Name
	}
	return fmt.Sprintf("%s (%s)", i.Name, i.Addr)
}

// Detection is the outcome of one interface scan.
type Detection struct {
	VPN []Interface
	LAN []Interface
}

// Link is the raw view of a host interface.
type Link struct {
	Name  string
	Flags net.Flags
	Addrs []netip.Prefix
}

// LinkSource enumerates host interfaces.
type LinkSource interface {
	Links() ([]Link, error)
}

// WireGuardLister enumerates WireGuard devices; *wgctrl.Client satisfies it.
type WireGuardLister interface {
	Devices() ([]*wgtypes.Device, error)
}

// vpnPrefixes are interface names created by tunnel drivers.
var vpnPrefixes = []string{"utun", "ipsec", "ppp", "tun", "tap", "wg"}

// Detector classifies host interfaces into VPN and LAN candidates.
type Detector struct {
	Links     LinkSource
	WireGuard WireGuardLister
}

// NewDetector returns a detector over the real host. WireGuard tagging is
// best-effort: when wgctrl cannot be opened, name prefixes still apply.
func NewDetector() *Detector {
	d := &Detector{Links: SystemLinks{}}
	if c, err := wgctrl.New(); err == nil {
		d.WireGuard = c
	}
	return d
}

// Detect scans interfaces once.
func (d *Detector) Detect(ctx context.Context) (Detection, error) {
	links, err := d.Links.Links()
	if err != nil {
		return Detection{}, fmt.Errorf("list interfaces: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}

	wg := make(map[string]bool)
	if d.WireGuard != nil {
		if devs, err := d.WireGuard.Devices(); err == nil {
			for _, dev := range devs {
				wg[dev.Name] = true
			}
		}
	}

	var det Detection
	for _, l := range links {
		addr, ok := firstIPv4(l.Addrs)
		if !ok || l.Flags&net.FlagLoopback != 0 {
			continue
		}
		iface := Interface{
			Name:      l.Name,
			Addr:      addr,
			Up:        l.Flags&net.FlagUp != 0,
			WireGuard: wg[l.Name],
		}
		switch {
		case iface.WireGuard || hasVPNPrefix(l.Name) || l.Flags&net.FlagPointToPoint != 0:
			det.VPN = append(det.VPN, iface)
		case l.Flags&net.FlagBroadcast != 0 && iface.Up:
			det.LAN = append(det.LAN, iface)
		}
	}

	sort.Slice(det.VPN, func(i, j int) bool { return det.VPN[i].Name < det.VPN[j].Name })
	sort.Slice(det.LAN, func(i, j int) bool { return det.LAN[i].Name < det.LAN[j].Name })
	return det, nil
}

func hasVPNPrefix(name string) bool {
	for _, p := range vpnPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func firstIPv4(addrs []netip.Prefix) (netip.Prefix, bool) {
	for _, a := range addrs {
		if a.Addr().Is4() {
			return a, true
		}
	}
	return netip.Prefix{}, false
}

// SystemLinks reads interfaces from the standard library.
type SystemLinks struct{}

// Links implements LinkSource.
func (SystemLinks) Links() ([]Link, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(ifaces))
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		l := Link{Name: ifc.Name, Flags: ifc.Flags}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			if ip.Is4In6() {
				ip = ip.Unmap()
				if ones >= 96 {
					ones -= 96
				}
			}
			l.Addrs = append(l.Addrs, netip.PrefixFrom(ip, ones))
		}
		links = append(links, l)
	}
	return links, nil
}

// InterfaceIPv4 returns the first IPv4 address on the named interface.
func InterfaceIPv4(name string) (netip.Addr, error) {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, err
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if v4 := ipnet.IP.To4(); v4 != nil {
				return netip.AddrFrom4([4]byte(v4)), nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("interface %s has no IPv4 address", name)
}
