package natpmp

import "net/netip"

// LAN restricts which clients may talk to the server.
type LAN struct {
	prefix netip.Prefix
}

// NewLAN masks p to its network.
func NewLAN(p netip.Prefix) LAN {
	return LAN{prefix: p.Masked()}
}

// Contains reports whether addr lies inside the LAN. IPv4-mapped IPv6
// sources are unmapped first.
func (l LAN) Contains(addr netip.Addr) bool {
	if !l.prefix.IsValid() {
		return false
	}
	return l.prefix.Contains(addr.Unmap())
}

func (l LAN) String() string {
	return l.prefix.String()
}
