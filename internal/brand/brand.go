// Package brand provides centralized naming constants.
//
// The identity is loaded from brand.json at compile time via go:embed so
// scripts and packaging can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information.
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	ConfigDirName    string `json:"configDirName"`
	ConfigFileName   string `json:"configFileName"`
	LogFileName      string `json:"logFileName"`
	PFAnchor         string `json:"pfAnchor"`
	NatPmpAnchor     string `json:"natpmpAnchor"`
	DnsmasqPidFile   string `json:"dnsmasqPidFile"`
	DnsmasqLeaseFile string `json:"dnsmasqLeaseFile"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	ConfigFileName = b.ConfigFileName
	PFAnchor = b.PFAnchor
	NatPmpAnchor = b.NatPmpAnchor
	DnsmasqPidFile = b.DnsmasqPidFile
	DnsmasqLeaseFile = b.DnsmasqLeaseFile
}

var (
	Name             string
	LowerName        string
	Description      string
	ConfigEnvPrefix  string
	ConfigFileName   string
	PFAnchor         string
	NatPmpAnchor     string
	DnsmasqPidFile   string
	DnsmasqLeaseFile string

	// Version is set at build time via -ldflags
	Version   = "dev"
	GitCommit = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// GetConfigDir returns the config directory.
// Priority: TUNSHARE_CONFIG_DIR > $XDG_CONFIG_HOME/tunshare > ~/.config/tunshare
func GetConfigDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, b.ConfigDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), b.ConfigDirName)
	}
	return filepath.Join(home, ".config", b.ConfigDirName)
}

// DefaultConfigPath returns the preferences file location.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// DefaultLogPath returns where logs go while the TUI owns the terminal.
func DefaultLogPath() string {
	return filepath.Join(GetConfigDir(), b.LogFileName)
}
