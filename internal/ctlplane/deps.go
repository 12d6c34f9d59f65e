package ctlplane

import (
	"grimm.is/tunshare/internal/brand"
	"grimm.is/tunshare/internal/config"
	"grimm.is/tunshare/internal/firewall"
	"grimm.is/tunshare/internal/logging"
	"grimm.is/tunshare/internal/metrics"
	"grimm.is/tunshare/internal/network"
	"grimm.is/tunshare/internal/platform"
	"grimm.is/tunshare/internal/services/dhcp"
	"grimm.is/tunshare/internal/services/natpmp"
	"grimm.is/tunshare/internal/session"
)

// SystemDeps wires the orchestrator to the real host.
func SystemDeps(settings config.Settings) Deps {
	runner := &platform.ExecRunner{Timeout: settings.Timeouts.Command}
	sysctl := &network.CommandSysctl{Runner: runner}
	reg := metrics.Get()

	return Deps{
		Detector: network.NewDetector(),
		DNS:      network.NewDNSDiscovery(),
		NewFirewall: func(vpn, lan network.Interface) session.Firewall {
			return firewall.NewManager(firewall.Options{
				Runner:       runner,
				Logger:       logging.WithComponent("firewall"),
				Anchor:       brand.PFAnchor,
				ExtraAnchors: []string{brand.NatPmpAnchor},
				VPNInterface: vpn.Name,
				LANInterface: lan.Name,
				LANNetwork:   lan.Addr,
			})
		},
		NewForwarding: func() session.Forwarding {
			return network.NewIPForwarding(sysctl, nil)
		},
		DHCP: dhcp.NewServer(dhcp.Options{Runner: runner}),
		NewNatPmp: func(cfg natpmp.Config) NatPmpServer {
			return natpmp.New(cfg, firewall.NewAnchor(brand.NatPmpAnchor, runner),
				natpmp.WithMetrics(reg))
		},
		Inspector: &SystemInspector{Runner: runner, Sysctl: sysctl},
		Metrics:   reg,
	}
}
