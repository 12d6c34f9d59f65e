package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// DefaultResolvConf is where the system resolver configuration lives.
const DefaultResolvConf = "/etc/resolv.conf"

// Resolver is a discovered DNS server.
type Resolver struct {
	Addr      netip.Addr
	Reachable bool
	RTT       time.Duration
}

// Exchanger sends one DNS message; *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// DNSDiscovery finds the host's resolvers and checks which ones answer.
type DNSDiscovery struct {
	ResolvConf string
	Client     Exchanger
}

// NewDNSDiscovery returns a discovery over the system resolver config.
func NewDNSDiscovery() *DNSDiscovery {
	return &DNSDiscovery{
		ResolvConf: DefaultResolvConf,
		Client:     &dns.Client{Net: "udp", Timeout: 2 * time.Second},
	}
}

// Discover reads the resolver list and probes each server with a root NS
// query. Unreachable servers are still returned, flagged.
func (d *DNSDiscovery) Discover(ctx context.Context) ([]Resolver, error) {
	path := d.ResolvConf
	if path == "" {
		path = DefaultResolvConf
	}
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read resolver config %s: %w", path, err)
	}

	port := cc.Port
	if port == "" {
		port = "53"
	}

	var out []Resolver
	seen := make(map[netip.Addr]bool)
	for _, s := range cc.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil || seen[addr] {
			continue
		}
		seen[addr] = true

		r := Resolver{Addr: addr}
		if d.Client != nil {
			q := new(dns.Msg)
			q.SetQuestion(".", dns.TypeNS)
			resp, rtt, err := d.Client.ExchangeContext(ctx, q, net.JoinHostPort(addr.String(), port))
			if err == nil && resp != nil && resp.Rcode != dns.RcodeServerFailure {
				r.Reachable = true
				r.RTT = rtt
			}
		}
		out = append(out, r)

		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}
