// Package dhcp runs dnsmasq as a DHCP-only server on the LAN side of a
// sharing session. The daemon is a process-wide singleton identified by
// its pid file; Server is a stateless wrapper around it.
package dhcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"grimm.is/tunshare/internal/brand"
	"grimm.is/tunshare/internal/logging"
	"grimm.is/tunshare/internal/platform"
)

const (
	defaultLease    = 12 * time.Hour
	syncStopTimeout = 5 * time.Second
	dnsmasqName     = "dnsmasq"
)

// searchPaths covers Homebrew installs that are not on root's PATH.
var searchPaths = []string{
	"/opt/homebrew/sbin/dnsmasq",
	"/usr/local/sbin/dnsmasq",
	"/usr/sbin/dnsmasq",
}

// Options configures a Server.
type Options struct {
	Runner    platform.Runner
	Logger    *logging.Logger
	Binary    string // empty: located via IsDnsmasqInstalled
	PidFile   string
	LeaseFile string
}

// Server starts and stops the dnsmasq daemon.
type Server struct {
	runner    platform.Runner
	logger    *logging.Logger
	binary    string
	pidFile   string
	leaseFile string
}

// NewServer returns a Server. Zero-valued options use brand defaults.
func NewServer(opts Options) *Server {
	s := &Server{
		runner:    opts.Runner,
		logger:    opts.Logger,
		binary:    opts.Binary,
		pidFile:   opts.PidFile,
		leaseFile: opts.LeaseFile,
	}
	if s.runner == nil {
		s.runner = platform.DefaultRunner
	}
	if s.logger == nil {
		s.logger = logging.WithComponent("dhcp")
	}
	if s.pidFile == "" {
		s.pidFile = brand.DnsmasqPidFile
	}
	if s.leaseFile == "" {
		s.leaseFile = brand.DnsmasqLeaseFile
	}
	return s
}

// Range is an address pool handed to dnsmasq.
type Range struct {
	Start   netip.Addr
	End     netip.Addr
	Netmask netip.Addr
	Lease   time.Duration
}

func (r Range) String() string {
	return fmt.Sprintf("%s-%s", r.Start, r.End)
}

// CalculateDHCPRange derives a pool from the LAN interface address: hosts
// .100 through .200 of the network when they fit, otherwise every usable
// host after the first. The LAN address itself is never in the pool.
func CalculateDHCPRange(lan netip.Prefix) (Range, error) {
	if !lan.Addr().Is4() {
		return Range{}, fmt.Errorf("dhcp requires an IPv4 LAN address, got %s", lan)
	}
	bits := lan.Bits()
	if bits < 8 || bits > 29 {
		return Range{}, fmt.Errorf("lan prefix /%d cannot host a dhcp pool", bits)
	}

	network := lan.Masked().Addr()
	base := u32(network)
	size := uint32(1) << (32 - bits)
	broadcast := base + size - 1

	start, end := base+100, base+200
	if end >= broadcast {
		start, end = base+2, broadcast-1
	}

	lanIP := u32(lan.Addr())
	if lanIP >= start && lanIP <= end {
		// Keep the pool on one side of the gateway address.
		if lanIP-start >= end-lanIP {
			end = lanIP - 1
		} else {
			start = lanIP + 1
		}
	}
	if start > end {
		return Range{}, fmt.Errorf("no room for a dhcp pool in %s", lan)
	}

	return Range{
		Start:   fromU32(start),
		End:     fromU32(end),
		Netmask: fromU32(^uint32(0) << (32 - bits)),
		Lease:   defaultLease,
	}, nil
}

func u32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func fromU32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// IsDnsmasqInstalled returns the dnsmasq path, or "" when it is missing.
func IsDnsmasqInstalled() string {
	if p, err := exec.LookPath(dnsmasqName); err == nil {
		return p
	}
	for _, p := range searchPaths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// StartRequest describes the pool to serve.
type StartRequest struct {
	Interface string
	Gateway   netip.Addr
	Range     Range
	DNS       []netip.Addr
}

// Args renders the dnsmasq command line for req.
func (s *Server) Args(req StartRequest) []string {
	lease := req.Range.Lease
	if lease == 0 {
		lease = defaultLease
	}
	args := []string{
		"--interface=" + req.Interface,
		"--bind-interfaces",
		"--except-interface=lo0",
		"--port=0",
		"--dhcp-authoritative",
		fmt.Sprintf("--dhcp-range=%s,%s,%s,%s", req.Range.Start, req.Range.End, req.Range.Netmask, formatLease(lease)),
		"--dhcp-option=option:router," + req.Gateway.String(),
		"--pid-file=" + s.pidFile,
		"--dhcp-leasefile=" + s.leaseFile,
	}
	dns := req.DNS
	if len(dns) == 0 {
		dns = []netip.Addr{req.Gateway}
	}
	var v4 []string
	for _, a := range dns {
		if a.Is4() {
			v4 = append(v4, a.String())
		}
	}
	if len(v4) > 0 {
		args = append(args, "--dhcp-option=option:dns-server,"+strings.Join(v4, ","))
	}
	return args
}

func formatLease(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return strconv.Itoa(int(d / time.Second))
}

// Start launches dnsmasq. Any daemon left by an earlier run is stopped first.
func (s *Server) Start(ctx context.Context, req StartRequest) error {
	bin := s.binary
	if bin == "" {
		bin = IsDnsmasqInstalled()
	}
	if bin == "" {
		return &platform.CommandError{Command: dnsmasqName, Message: "dnsmasq is not installed"}
	}
	if err := s.Stop(ctx); err != nil {
		s.logger.Warn("failed to stop stale dnsmasq", "error", err)
	}
	if _, err := s.runner.Run(ctx, bin, s.Args(req)...); err != nil {
		return fmt.Errorf("start dnsmasq: %w", err)
	}
	s.logger.Info("dhcp server started", "interface", req.Interface, "range", req.Range.String())
	return nil
}

// Stop terminates the daemon named in the pid file. A missing pid file
// means nothing is running.
func (s *Server) Stop(ctx context.Context) error {
	pid, err := s.readPid()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if _, err := s.runner.Run(ctx, "kill", strconv.Itoa(pid)); err != nil {
		var ce *platform.CommandError
		if errors.As(err, &ce) && strings.Contains(strings.ToLower(ce.Message), "no such process") {
			_ = os.Remove(s.pidFile)
			return nil
		}
		return fmt.Errorf("stop dnsmasq: %w", err)
	}
	_ = os.Remove(s.pidFile)
	s.logger.Info("dhcp server stopped", "pid", pid)
	return nil
}

// StopSync is Stop with its own deadline.
func (s *Server) StopSync() error {
	ctx, cancel := context.WithTimeout(context.Background(), syncStopTimeout)
	defer cancel()
	return s.Stop(ctx)
}

// IsRunning reports whether a pid file names a daemon.
func (s *Server) IsRunning() bool {
	_, err := s.readPid()
	return err == nil
}

func (s *Server) readPid() (int, error) {
	data, err := os.ReadFile(s.pidFile)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 1 {
		return 0, &platform.ParseError{What: "dnsmasq pid", Input: text}
	}
	return pid, nil
}

// Lease is one active DHCP lease.
type Lease struct {
	Expires  time.Time `yaml:"expires"`
	MAC      string    `yaml:"mac"`
	IP       string    `yaml:"ip"`
	Hostname string    `yaml:"hostname"`
}

// Leases parses the dnsmasq lease file.
func (s *Server) Leases() ([]Lease, error) {
	f, err := os.Open(s.leaseFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var leases []Lease
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// Format: expiry MAC IP hostname clientID
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		l := Lease{MAC: fields[1], IP: fields[2], Hostname: fields[3]}
		if secs, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			l.Expires = time.Unix(secs, 0)
		}
		leases = append(leases, l)
	}
	return leases, scanner.Err()
}
