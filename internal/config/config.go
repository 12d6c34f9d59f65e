package config

import (
	"fmt"
	"net/netip"
	"time"
)

// Config is the on-disk preferences file.
type Config struct {
	DHCPEnabled   *bool    `hcl:"dhcp_enabled,optional"`
	NatPmpEnabled *bool    `hcl:"natpmp_enabled,optional"`
	DNSServers    []string `hcl:"dns_servers,optional"`

	LogLevel      string `hcl:"log_level,optional"`
	LogJSON       bool   `hcl:"log_json,optional"`
	LogFile       string `hcl:"log_file,optional"`
	MetricsListen string `hcl:"metrics_listen,optional"`

	// Last selections, offered as defaults in the pickers.
	VPNInterface string `hcl:"vpn_interface,optional"`
	LANInterface string `hcl:"lan_interface,optional"`

	Timeouts *TimeoutsBlock `hcl:"timeouts,block"`
	NatPmp   *NatPmpBlock   `hcl:"natpmp,block"`
}

// TimeoutsBlock holds per-stage deadlines as Go duration strings.
type TimeoutsBlock struct {
	Detect  string `hcl:"detect,optional"`
	DNS     string `hcl:"dns,optional"`
	Start   string `hcl:"start,optional"`
	DHCP    string `hcl:"dhcp,optional"`
	NatPmp  string `hcl:"natpmp,optional"`
	Stop    string `hcl:"stop,optional"`
	Debug   string `hcl:"debug,optional"`
	Command string `hcl:"command,optional"`
}

// NatPmpBlock tunes the port-mapping server.
type NatPmpBlock struct {
	SweepInterval   string `hcl:"sweep_interval,optional"`
	RefreshInterval string `hcl:"refresh_interval,optional"`
	Announce        *bool  `hcl:"announce,optional"`
}

// Timeouts are the resolved stage deadlines.
type Timeouts struct {
	Detect  time.Duration
	DNS     time.Duration
	Start   time.Duration
	DHCP    time.Duration
	NatPmp  time.Duration
	Stop    time.Duration
	Debug   time.Duration
	Command time.Duration
}

// DefaultTimeouts returns the stage deadlines used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Detect:  10 * time.Second,
		DNS:     10 * time.Second,
		Start:   20 * time.Second,
		DHCP:    15 * time.Second,
		NatPmp:  10 * time.Second,
		Stop:    20 * time.Second,
		Debug:   15 * time.Second,
		Command: 10 * time.Second,
	}
}

// NatPmpSettings are the resolved port-mapping intervals.
type NatPmpSettings struct {
	SweepInterval   time.Duration
	RefreshInterval time.Duration
	Announce        bool
}

// Settings is the validated, defaulted view of Config used at runtime.
type Settings struct {
	DHCPEnabled   bool
	NatPmpEnabled bool
	DNSServers    []netip.Addr
	LogLevel      string
	LogJSON       bool
	LogFile       string
	MetricsListen string
	VPNInterface  string
	LANInterface  string
	Timeouts      Timeouts
	NatPmp        NatPmpSettings
}

// Default returns the settings used when no preferences file exists.
func Default() Settings {
	return Settings{
		DHCPEnabled:   true,
		NatPmpEnabled: true,
		LogLevel:      "info",
		Timeouts:      DefaultTimeouts(),
		NatPmp: NatPmpSettings{
			SweepInterval:   30 * time.Second,
			RefreshInterval: 60 * time.Second,
			Announce:        true,
		},
	}
}

// Resolve applies defaults and validates the raw file contents.
func (c *Config) Resolve() (Settings, error) {
	s := Default()
	if c == nil {
		return s, nil
	}

	if c.DHCPEnabled != nil {
		s.DHCPEnabled = *c.DHCPEnabled
	}
	if c.NatPmpEnabled != nil {
		s.NatPmpEnabled = *c.NatPmpEnabled
	}
	if c.LogLevel != "" {
		s.LogLevel = c.LogLevel
	}
	s.LogJSON = c.LogJSON
	s.LogFile = c.LogFile
	s.MetricsListen = c.MetricsListen
	s.VPNInterface = c.VPNInterface
	s.LANInterface = c.LANInterface

	servers, err := ParseDNSServers(c.DNSServers)
	if err != nil {
		return s, err
	}
	s.DNSServers = servers

	if t := c.Timeouts; t != nil {
		fields := []struct {
			name string
			raw  string
			dst  *time.Duration
		}{
			{"detect", t.Detect, &s.Timeouts.Detect},
			{"dns", t.DNS, &s.Timeouts.DNS},
			{"start", t.Start, &s.Timeouts.Start},
			{"dhcp", t.DHCP, &s.Timeouts.DHCP},
			{"natpmp", t.NatPmp, &s.Timeouts.NatPmp},
			{"stop", t.Stop, &s.Timeouts.Stop},
			{"debug", t.Debug, &s.Timeouts.Debug},
			{"command", t.Command, &s.Timeouts.Command},
		}
		for _, f := range fields {
			if err := parseDuration("timeouts."+f.name, f.raw, f.dst); err != nil {
				return s, err
			}
		}
	}

	if n := c.NatPmp; n != nil {
		if err := parseDuration("natpmp.sweep_interval", n.SweepInterval, &s.NatPmp.SweepInterval); err != nil {
			return s, err
		}
		if err := parseDuration("natpmp.refresh_interval", n.RefreshInterval, &s.NatPmp.RefreshInterval); err != nil {
			return s, err
		}
		if n.Announce != nil {
			s.NatPmp.Announce = *n.Announce
		}
	}

	return s, nil
}

func parseDuration(field, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: must be positive, got %s", field, raw)
	}
	*dst = d
	return nil
}

// ParseDNSServers validates a list of resolver addresses.
func ParseDNSServers(raw []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(raw))
	for _, r := range raw {
		addr, err := netip.ParseAddr(r)
		if err != nil {
			return nil, fmt.Errorf("dns server %q: %w", r, err)
		}
		out = append(out, addr.Unmap())
	}
	return out, nil
}
