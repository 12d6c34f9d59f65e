package cmd

import (
	"fmt"
	"net/netip"

	"grimm.is/tunshare/internal/brand"
	"grimm.is/tunshare/internal/firewall"
	"grimm.is/tunshare/internal/services/dhcp"
)

// RunCheck validates the preferences file and prints what sharing would
// do with it. With lanAddr set, the generated pf rules and DHCP range for
// that LAN address are shown too.
func RunCheck(configFile string, lanAddr string) error {
	if configFile == "" {
		configFile = brand.DefaultConfigPath()
	}
	settings, err := loadSettings(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Printf("Configuration valid: %s\n", configFile)
	Printer.Printf("DHCP:      %s\n", onOff(settings.DHCPEnabled))
	Printer.Printf("NAT-PMP:   %s\n", onOff(settings.NatPmpEnabled))
	Printer.Printf("DNS:       %v\n", settings.DNSServers)
	if settings.MetricsListen != "" {
		Printer.Printf("Metrics:   %s\n", settings.MetricsListen)
	}
	if settings.VPNInterface != "" || settings.LANInterface != "" {
		Printer.Printf("Default:   %s -> %s\n", settings.VPNInterface, settings.LANInterface)
	}

	if lanAddr == "" {
		return nil
	}
	prefix, err := netip.ParsePrefix(lanAddr)
	if err != nil {
		return fmt.Errorf("invalid LAN address %q: %w", lanAddr, err)
	}
	vpn, lan := settings.VPNInterface, settings.LANInterface
	if vpn == "" {
		vpn = "utun0"
	}
	if lan == "" {
		lan = "en0"
	}
	Printer.Printf("\n[DRY RUN] Anchor %s:\n%s", brand.PFAnchor, firewall.SharingRules(vpn, lan, prefix))
	if rng, err := dhcp.CalculateDHCPRange(prefix); err == nil {
		Printer.Printf("DHCP range: %s\n", rng)
	} else {
		Printer.Printf("DHCP range: %v\n", err)
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
