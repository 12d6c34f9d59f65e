package main

import (
	"os"

	flag "github.com/spf13/pflag"

	"grimm.is/tunshare/cmd"
	"grimm.is/tunshare/internal/brand"
)

func main() {
	args := os.Args[1:]
	command := "console"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	switch command {
	case "console", "tui":
		fs := flag.NewFlagSet("console", flag.ExitOnError)
		configFile := fs.StringP("config", "c", "", "Preferences file (default "+brand.DefaultConfigPath()+")")
		fs.Parse(args)

		if err := cmd.RunConsole(*configFile); err != nil {
			cmd.Printer.Fprintf(os.Stderr, "Console failed: %v\n", err)
			os.Exit(1)
		}

	case "share":
		// Headless sharing until SIGINT/SIGTERM
		fs := flag.NewFlagSet("share", flag.ExitOnError)
		configFile := fs.StringP("config", "c", "", "Preferences file")
		vpn := fs.String("vpn", "", "VPN (tunnel) interface, e.g. utun3")
		lan := fs.String("lan", "", "LAN interface to share with, e.g. en5")
		fs.Parse(args)

		if err := cmd.RunShare(*configFile, *vpn, *lan); err != nil {
			cmd.Printer.Fprintf(os.Stderr, "Share failed: %v\n", err)
			os.Exit(1)
		}

	case "status", "debug":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		configFile := fs.StringP("config", "c", "", "Preferences file")
		fs.Parse(args)

		if err := cmd.RunStatus(*configFile); err != nil {
			cmd.Printer.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		fs := flag.NewFlagSet("check", flag.ExitOnError)
		lanAddr := fs.String("lan-addr", "", "Show rules and DHCP range for this LAN address, e.g. 192.168.2.1/24")
		fs.Parse(args)

		configFile := ""
		if fs.NArg() > 0 {
			configFile = fs.Arg(0)
		}
		if err := cmd.RunCheck(configFile, *lanAddr); err != nil {
			cmd.Printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		cmd.Printer.Printf("%s %s (%s)\n", brand.Name, brand.Version, brand.GitCommit)

	case "help":
		printUsage()

	default:
		cmd.Printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	cmd.Printer.Printf(`%s - %s

Usage: %s [command] [options]

Commands:
  console   Interactive TUI (default)
  share     Share a VPN headlessly: --vpn utun3 --lan en5
  status    Print pf, forwarding and DHCP state
  check     Validate the preferences file
  version   Print version

Sharing changes pf and sysctl state and must run as root.
`, brand.Name, brand.Description, brand.LowerName)
}
