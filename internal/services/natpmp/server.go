package natpmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"grimm.is/tunshare/internal/clock"
	"grimm.is/tunshare/internal/logging"
	"grimm.is/tunshare/internal/metrics"
	"grimm.is/tunshare/internal/network"
)

const (
	defaultSweepInterval   = 30 * time.Second
	defaultRefreshInterval = 60 * time.Second
	anchorCommandTimeout   = 5 * time.Second
	maxDatagram            = 1100
)

// AnchorLoader replaces or clears the server's pf anchor.
// *firewall.Anchor satisfies it.
type AnchorLoader interface {
	Load(ctx context.Context, rules string) error
	Flush(ctx context.Context) error
}

// AddressSource resolves the current IPv4 address of an interface.
type AddressSource func(iface string) (netip.Addr, error)

// Config describes one server instance.
type Config struct {
	ExternalInterface string
	LANInterface      string
	LAN               netip.Prefix

	// ListenAddr defaults to ":5351".
	ListenAddr      string
	SweepInterval   time.Duration
	RefreshInterval time.Duration
	Announce        bool
}

// BindError reports that the UDP socket could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("natpmp: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ErrNotRunning is returned by queries against a stopped server.
var ErrNotRunning = errors.New("natpmp: server not running")

// Server is a NAT-PMP gateway. Start spawns the goroutine that owns the
// mapping table; Shutdown signals it to flush the anchor and exit.
type Server struct {
	cfg     Config
	anchor  AnchorLoader
	addrs   AddressSource
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry
	announc Announcer

	conn      net.PacketConn
	shutdown  chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	snapshots chan chan []Entry
}

// Option customises a Server.
type Option func(*Server)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *Server) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(s *Server) { s.logger = l } }

// WithAddressSource overrides external address lookup.
func WithAddressSource(a AddressSource) Option { return func(s *Server) { s.addrs = a } }

// WithMetrics sets the metrics registry.
func WithMetrics(r *metrics.Registry) Option { return func(s *Server) { s.metrics = r } }

// WithAnnouncer overrides how address changes are multicast.
func WithAnnouncer(a Announcer) Option { return func(s *Server) { s.announc = a } }

// New returns an unstarted server.
func New(cfg Config, anchor AnchorLoader, opts ...Option) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":" + strconv.Itoa(Port)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	s := &Server{
		cfg:       cfg,
		anchor:    anchor,
		addrs:     network.InterfaceIPv4,
		clock:     clock.Real,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
		snapshots: make(chan chan []Entry),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = logging.WithComponent("natpmp")
	}
	if s.metrics == nil {
		s.metrics = metrics.Get()
	}
	if s.announc == nil && cfg.Announce {
		s.announc = &MulticastAnnouncer{Interface: cfg.LANInterface, Logger: s.logger}
	}
	return s
}

// Start clears any anchor left by an earlier run, binds the socket and
// spawns the server goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.flushAnchor(ctx)

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", s.cfg.ListenAddr)
	if err != nil {
		return &BindError{Addr: s.cfg.ListenAddr, Err: err}
	}
	s.conn = conn

	s.logger.Info("NAT-PMP server listening",
		"addr", conn.LocalAddr().String(),
		"external", s.cfg.ExternalInterface,
		"lan", s.cfg.LAN.Masked().String())

	go s.run()
	return nil
}

// Addr returns the bound socket address.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Shutdown signals the server goroutine to stop. It does not wait and is
// safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.shutdown) })
}

// Done is closed once the goroutine has flushed the anchor and exited.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the server exits or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mappings returns a copy of the live table, asked of the owning goroutine.
func (s *Server) Mappings(ctx context.Context) ([]Entry, error) {
	reply := make(chan []Entry, 1)
	select {
	case s.snapshots <- reply:
	case <-s.done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case entries := <-reply:
		return entries, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type datagram struct {
	data []byte
	from net.Addr
	src  netip.Addr
}

func (s *Server) run() {
	defer close(s.done)

	eng := newEngine(NewLAN(s.cfg.LAN), s.clock)
	eng.externalIP = s.lookupExternal(netip.Addr{})

	stopAnnounce := func() {}
	defer func() { stopAnnounce() }()
	announce := func() {
		if s.announc == nil || !eng.externalIP.IsValid() {
			return
		}
		stopAnnounce()
		ctx, cancel := context.WithCancel(context.Background())
		stopAnnounce = cancel
		go s.announc.Announce(ctx, eng.externalIP, eng.start, s.clock)
	}
	announce()

	packets := make(chan datagram)
	go s.read(packets)

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	refresh := time.NewTicker(s.cfg.RefreshInterval)
	defer refresh.Stop()

	stop := func() {
		s.flushAnchor(context.Background())
		s.conn.Close()
		s.metrics.NatPmpMappings.Set(0)
		s.logger.Info("NAT-PMP server stopped", "mappings_dropped", eng.table.Len())
	}

	for {
		select {
		case <-s.shutdown:
			stop()
			return

		case d, ok := <-packets:
			if !ok {
				select {
				case <-s.shutdown:
				default:
					s.logger.Warn("NAT-PMP socket closed unexpectedly")
				}
				stop()
				return
			}
			reply, mutated := eng.handle(d.data, d.src)
			if mutated {
				s.sync(eng.table)
			}
			if reply != nil {
				s.metrics.ObserveNatPmp(reply[1], uint16(reply[2])<<8|uint16(reply[3]))
				if _, err := s.conn.WriteTo(reply, d.from); err != nil {
					s.logger.Debug("NAT-PMP reply not sent", "to", d.from.String(), "error", err)
				}
			}

		case <-sweep.C:
			if n := eng.table.Purge(s.clock.Now()); n > 0 {
				s.logger.Info("expired NAT-PMP mappings purged", "count", n)
				s.sync(eng.table)
			}

		case <-refresh.C:
			prev := eng.externalIP
			eng.externalIP = s.lookupExternal(prev)
			if eng.externalIP != prev {
				s.logger.Info("external address changed", "old", prev.String(), "new", eng.externalIP.String())
				announce()
			}

		case reply := <-s.snapshots:
			reply <- eng.table.Snapshot()
		}
	}
}

// read forwards datagrams to the server goroutine until the socket closes.
func (s *Server) read(out chan<- datagram) {
	defer close(out)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Debug("NAT-PMP read error", "error", err)
			return
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		src, ok := netip.AddrFromSlice(udp.IP)
		if !ok {
			continue
		}
		d := datagram{data: append([]byte(nil), buf[:n]...), from: from, src: src.Unmap()}
		select {
		case out <- d:
		case <-s.shutdown:
			return
		}
	}
}

// sync regenerates the anchor from the table. Failures are logged only.
func (s *Server) sync(t *Table) {
	entries := t.Snapshot()
	s.metrics.NatPmpMappings.Set(float64(len(entries)))

	ctx, cancel := context.WithTimeout(context.Background(), anchorCommandTimeout)
	defer cancel()

	var err error
	if len(entries) == 0 {
		err = s.anchor.Flush(ctx)
	} else {
		err = s.anchor.Load(ctx, Rules(s.cfg.ExternalInterface, entries))
	}
	if err != nil {
		s.metrics.NatPmpReloads.WithLabelValues("error").Inc()
		s.logger.Warn("failed to sync NAT-PMP anchor", "mappings", len(entries), "error", err)
		return
	}
	s.metrics.NatPmpReloads.WithLabelValues("ok").Inc()
	s.logger.Debug("NAT-PMP anchor synced", "mappings", len(entries))
}

func (s *Server) flushAnchor(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, anchorCommandTimeout)
	defer cancel()
	if err := s.anchor.Flush(ctx); err != nil {
		s.logger.Debug("NAT-PMP anchor flush failed", "error", err)
	}
}

// lookupExternal returns the external interface address, or prev when the
// lookup fails.
func (s *Server) lookupExternal(prev netip.Addr) netip.Addr {
	ip, err := s.addrs(s.cfg.ExternalInterface)
	if err != nil || !ip.Is4() {
		if err != nil {
			s.logger.Debug("external address lookup failed", "interface", s.cfg.ExternalInterface, "error", err)
		}
		return prev
	}
	return ip
}
