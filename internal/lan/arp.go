package lan

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/mdlayher/arp"
)

// arpProber resolves the gateway's hardware address with a single ARP
// request. A reply proves the segment to the gateway is usable even when
// the local carrier stays up (e.g., a dead switch uplink).
type arpProber struct {
	timeout time.Duration
}

func (p arpProber) Probe(ctx context.Context, ifname string, gw netip.Addr) error {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", ifname, err)
	}

	c, err := arp.Dial(ifi)
	if err != nil {
		return fmt.Errorf("arp dial %s: %w", ifname, err)
	}
	defer c.Close()

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		return fmt.Errorf("arp deadline: %w", err)
	}

	if _, err := c.Resolve(gw); err != nil {
		return fmt.Errorf("arp resolve %s: %w", gw, err)
	}
	return nil
}
