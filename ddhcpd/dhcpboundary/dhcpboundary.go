// Package dhcpboundary adapts the allocator's new_lease/get_lease/release
// operations (spec §6.2) to the krolaw/dhcp4 server loop, the same way
// bg/ap.dhcp4d/dhcp4d.go's DHCPHandler adapts its per-ring lease table
// to dhcp.Handler. DISCOVER maps to NewLease, REQUEST to GetLease,
// RELEASE and DECLINE to Release.
package dhcpboundary

import (
	"context"
	"errors"
	"net"
	"time"

	dhcp "github.com/krolaw/dhcp4"
	"go.uber.org/zap"

	"ddhcpd/ddhcp_common/alloc"
)

// Allocator is the subset of *alloc.Allocator the DHCP boundary needs.
// Defined locally (rather than importing alloc's concrete type into
// signatures) so this package can be tested against a fake.
type Allocator interface {
	NewLease(now time.Time, clientID []byte) (alloc.Lease, error)
	GetLease(ctx context.Context, addr net.IP, clientID []byte) (alloc.Lease, error)
	Release(addr net.IP, clientID []byte)
}

// Handler implements dhcp.Handler, translating DHCPv4 wire messages
// into allocator calls. One Handler serves the whole pool; unlike the
// teacher's per-ring DHCPHandler, there is only one ring here (spec
// has no notion of rings or VLANs).
type Handler struct {
	Alloc     Allocator
	ServerIP  net.IP
	PrefixLen uint8

	// RequestTimeout bounds how long a DHCPREQUEST may wait on a
	// foreign-block forward plus a possible claim-and-retry (spec
	// §4.3.4: a single forward is capped at 3s by the allocator's
	// mailbox; this allows room for the claim/retry path too).
	RequestTimeout time.Duration

	Log *zap.SugaredLogger
}

// New returns a Handler with the teacher's usual defaults filled in.
func New(a Allocator, serverIP net.IP, prefixLen uint8, log *zap.SugaredLogger) *Handler {
	return &Handler{
		Alloc:          a,
		ServerIP:       serverIP,
		PrefixLen:      prefixLen,
		RequestTimeout: 8 * time.Second,
		Log:            log,
	}
}

// clientID returns the DHCP Client-Identifier option if the client
// sent one, else the client's hardware address (spec §3's "opaque
// client identifier: the DHCP Client-Identifier option or the client
// hardware address if absent").
func clientID(p dhcp.Packet, options dhcp.Options) []byte {
	if id, ok := options[dhcp.OptionClientIdentifier]; ok && len(id) > 0 {
		return id
	}
	return []byte(p.CHAddr())
}

func (h *Handler) nak(p dhcp.Packet) dhcp.Packet {
	return dhcp.ReplyPacket(p, dhcp.NAK, h.ServerIP, nil, 0, nil)
}

func (h *Handler) options(l alloc.Lease) dhcp.Options {
	opts := dhcp.Options{
		dhcp.OptionSubnetMask: net.CIDRMask(int(h.PrefixLen), 32),
	}
	if len(l.Routers) > 0 {
		opts[dhcp.OptionRouter] = flattenIPs(l.Routers)
	}
	if len(l.DNS) > 0 {
		opts[dhcp.OptionDomainNameServer] = flattenIPs(l.DNS)
	}
	return opts
}

func flattenIPs(ips []net.IP) []byte {
	out := make([]byte, 0, len(ips)*4)
	for _, ip := range ips {
		out = append(out, ip.To4()...)
	}
	return out
}

// ServeDHCP implements dhcp.Handler.
func (h *Handler) ServeDHCP(p dhcp.Packet, msgType dhcp.MessageType, options dhcp.Options) dhcp.Packet {
	switch msgType {
	case dhcp.Discover:
		return h.discover(p, options)
	case dhcp.Request:
		return h.request(p, options)
	case dhcp.Release:
		h.release(p, options)
	case dhcp.Decline:
		h.decline(p, options)
	}
	return nil
}

// discover handles DHCPDISCOVER via new_lease. A no-capacity error is
// dropped rather than NAK'd (spec §7); any other error is logged and
// also dropped, since DISCOVER has no "deny" semantics of its own.
func (h *Handler) discover(p dhcp.Packet, options dhcp.Options) dhcp.Packet {
	id := clientID(p, options)

	l, err := h.Alloc.NewLease(time.Now(), id)
	if err != nil {
		if !errors.Is(err, alloc.ErrNoCapacity) {
			h.Log.Warnw("discover failed", "client", id, "error", err)
		}
		return nil
	}

	return dhcp.ReplyPacket(p, dhcp.Offer, h.ServerIP, l.Addr, l.LeaseTime,
		h.options(l).SelectOrderOrAll(options[dhcp.OptionParameterRequestList]))
}

// request handles DHCPREQUEST via get_lease. Every error kind maps to
// a DHCPNAK (spec §7: only DISCOVER's no-capacity is a silent drop).
func (h *Handler) request(p dhcp.Packet, options dhcp.Options) dhcp.Packet {
	server, ok := options[dhcp.OptionServerIdentifier]
	if ok && !net.IP(server).Equal(h.ServerIP) {
		return nil // client picked a different server's offer
	}

	id := clientID(p, options)

	var reqIP net.IP
	if opt, ok := options[dhcp.OptionRequestedIPAddress]; ok {
		reqIP = net.IP(opt)
	} else {
		reqIP = p.CIAddr()
	}
	if len(reqIP) == 0 || reqIP.Equal(net.IPv4zero) {
		return h.nak(p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.RequestTimeout)
	defer cancel()

	l, err := h.Alloc.GetLease(ctx, reqIP, id)
	if err != nil {
		h.Log.Warnw("request denied", "client", id, "addr", reqIP, "error", err)
		return h.nak(p)
	}

	return dhcp.ReplyPacket(p, dhcp.ACK, h.ServerIP, l.Addr, l.LeaseTime,
		h.options(l).SelectOrderOrAll(options[dhcp.OptionParameterRequestList]))
}

// release handles DHCPRELEASE: CIAddr carries the address being given
// up. release() is silent on a mismatched or absent lease, so there is
// nothing to reply with either way.
func (h *Handler) release(p dhcp.Packet, options dhcp.Options) {
	id := clientID(p, options)
	addr := p.CIAddr()
	if len(addr) == 0 || addr.Equal(net.IPv4zero) {
		return
	}
	h.Alloc.Release(addr, id)
}

// decline handles DHCPDECLINE. CIAddr is unset on a DECLINE; the
// address being declined travels in the Requested IP Address option
// instead.
func (h *Handler) decline(p dhcp.Packet, options dhcp.Options) {
	id := clientID(p, options)
	opt, ok := options[dhcp.OptionRequestedIPAddress]
	if !ok {
		return
	}
	h.Alloc.Release(net.IP(opt), id)
}
