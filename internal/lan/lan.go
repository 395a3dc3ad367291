// Package lan is the transport layer beneath the MQTT session: it
// watches one Ethernet interface through netlink, reports whether the
// link is up and whether the OS (via DHCP) has assigned it an IPv4
// address, and dials outbound connections from that address.
//
// Address acquisition itself belongs to the OS DHCP client; this package
// only observes its result. [Interface.Begin] waits for it, the other
// methods return after a single netlink round trip.
package lan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vishvananda/netlink"

	"github.com/kwlctl/netclient/internal/config"
	"github.com/kwlctl/netclient/internal/connwatch"
)

var (
	// ErrLinkDown means the interface is missing or has no carrier.
	ErrLinkDown = errors.New("link down")

	// ErrNoAddress means the link is up but no IPv4 address is assigned yet.
	ErrNoAddress = errors.New("no IPv4 address")

	// ErrGatewayUnreachable means the configured gateway did not answer ARP.
	ErrGatewayUnreachable = errors.New("gateway unreachable")
)

// beginPollInterval is how often Begin re-checks the interface while
// waiting for an address.
const beginPollInterval = 250 * time.Millisecond

// linkOps is the subset of netlink the interface needs. *netlink.Handle
// satisfies it.
type linkOps interface {
	LinkByName(name string) (netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

// gatewayProber checks layer-2 reachability of the default gateway.
type gatewayProber interface {
	Probe(ctx context.Context, ifname string, gw netip.Addr) error
}

// Interface is the transport collaborator for the supervisor.
type Interface struct {
	cfg     config.LANConfig
	ops     linkOps
	prober  gatewayProber
	gateway netip.Addr
	clock   clock.Clock
	logger  *slog.Logger

	mu   sync.Mutex
	addr net.IP
}

// Option configures an Interface.
type Option func(*Interface)

// WithLinkOps replaces the netlink backend.
func WithLinkOps(ops linkOps) Option {
	return func(i *Interface) { i.ops = ops }
}

// WithProber replaces the ARP gateway prober.
func WithProber(p gatewayProber) Option {
	return func(i *Interface) { i.prober = p }
}

// WithClock replaces the wall clock used by Begin.
func WithClock(c clock.Clock) Option {
	return func(i *Interface) { i.clock = c }
}

// New creates an Interface for cfg.Interface. It does not touch the
// network.
func New(cfg config.LANConfig, logger *slog.Logger, opts ...Option) *Interface {
	i := &Interface{
		cfg:    cfg,
		ops:    netlinkOps{},
		clock:  clock.New(),
		logger: logger,
	}
	if cfg.Gateway != "" {
		// Validated by config.Validate.
		i.gateway, _ = netip.ParseAddr(cfg.Gateway)
		i.prober = arpProber{timeout: config.Millis(cfg.ProbeTimeoutMS)}
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Begin blocks until the interface has link and an IPv4 address, or
// until the begin timeout (or ctx) expires.
func (i *Interface) Begin(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, config.Seconds(i.cfg.BeginTimeoutSec))
	defer cancel()

	i.logger.Debug("waiting for lan address",
		"interface", i.cfg.Interface,
		"timeout", config.Seconds(i.cfg.BeginTimeoutSec).String(),
	)

	if err := connwatch.Until(ctx, i.clock, beginPollInterval, i.Maintain); err != nil {
		return fmt.Errorf("lan begin on %s: %w", i.cfg.Interface, err)
	}
	return nil
}

// LinkUp reports whether the interface exists and is operationally up.
func (i *Interface) LinkUp() bool {
	link, err := i.ops.LinkByName(i.cfg.Interface)
	if err != nil {
		return false
	}
	return linkUp(link.Attrs())
}

func linkUp(attrs *netlink.LinkAttrs) bool {
	switch attrs.OperState {
	case netlink.OperUp:
		return true
	case netlink.OperUnknown:
		// Drivers without carrier reporting (and dummy links) stay
		// "unknown"; fall back to the administrative flag.
		return attrs.Flags&net.FlagUp != 0
	default:
		return false
	}
}

// Maintain checks link and address once and, if a gateway is
// configured, probes it. On success the acquired address is recorded
// for [Interface.DialContext].
func (i *Interface) Maintain(ctx context.Context) error {
	link, err := i.ops.LinkByName(i.cfg.Interface)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLinkDown, i.cfg.Interface, err)
	}
	if !linkUp(link.Attrs()) {
		return fmt.Errorf("%w: %s", ErrLinkDown, i.cfg.Interface)
	}

	addrs, err := i.ops.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list addresses on %s: %w", i.cfg.Interface, err)
	}
	ip := pickAddr(addrs)
	if ip == nil {
		return fmt.Errorf("%w on %s", ErrNoAddress, i.cfg.Interface)
	}

	if i.prober != nil && i.gateway.IsValid() {
		if err := i.prober.Probe(ctx, i.cfg.Interface, i.gateway); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrGatewayUnreachable, i.gateway, err)
		}
	}

	i.mu.Lock()
	changed := !ip.Equal(i.addr)
	i.addr = ip
	i.mu.Unlock()

	if changed {
		i.logger.Info("lan address acquired", "interface", i.cfg.Interface, "address", ip.String())
	}
	return nil
}

// pickAddr returns the first global unicast IPv4 address, or nil.
func pickAddr(addrs []netlink.Addr) net.IP {
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip := a.IP.To4()
		if ip != nil && ip.IsGlobalUnicast() {
			return ip
		}
	}
	return nil
}

// Addr returns the address recorded by the last successful Maintain, or
// nil before the first one.
func (i *Interface) Addr() net.IP {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.addr
}

// DialContext dials address from the acquired LAN address so that
// traffic for the session leaves through the watched interface.
func (i *Interface) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d := net.Dialer{
		Timeout:   config.Seconds(i.cfg.DialTimeoutSec),
		KeepAlive: 30 * time.Second,
	}
	if ip := i.Addr(); ip != nil {
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return d.DialContext(ctx, network, address)
}

// netlinkOps routes to the package-level netlink functions, which use
// the default handle of the current network namespace.
type netlinkOps struct{}

func (netlinkOps) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (netlinkOps) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}
