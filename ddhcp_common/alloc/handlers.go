package alloc

import (
	"net"
	"time"

	"ddhcpd/ddhcp_common/applog"
	"ddhcpd/ddhcp_common/block"
	"ddhcpd/ddhcp_common/wire"
)

// The six methods below implement peer.Handler. Together they are
// handle_UpdateClaim / handle_InquireBlock / handle_RenewLease /
// handle_Lease / handle_LeaseNAK / handle_Release from spec §4.3.1.

// HandleUpdateClaim resolves a dispute if the block is OURS, otherwise
// adopts the sender's claim.
func (a *Allocator) HandleUpdateClaim(from *net.UDPAddr, hdr wire.Header, m wire.UpdateClaim) {
	idx := int(m.BlockIndex)
	if !a.validIndex(idx) {
		return
	}

	state := a.table.State(idx)
	if state == block.Blocked {
		return
	}

	if state == block.Ours {
		ourUsage := a.table.Usage(idx)
		iWin := ourUsage > int(m.Usage) || (ourUsage == int(m.Usage) && a.node < hdr.Node)
		if iWin {
			// Ignore; the sender learns it lost from our next
			// periodic UpdateClaim.
			a.m.DisputeWon()
			return
		}
		a.m.DisputeLost()
		applog.GetThrottled(a.log, time.Second, time.Minute).Warnw(
			"lost block dispute", "block", idx, "our_usage", ourUsage,
			"their_usage", m.Usage, "their_node", hdr.Node)
		// Bug fix carried from spec §9: drop our leases the instant we
		// lose, rather than leaving them to be silently overwritten.
		a.table.DropLeases(idx)
	}

	a.table.Reset(idx)
	if m.TimeoutSecs > 0 {
		a.table.SetClaimed(idx, from, time.Now().Add(time.Duration(m.TimeoutSecs)*time.Second))
	}
	a.scheduleHousekeeping()
}

// HandleInquireBlock answers on behalf of a block we own, or yields
// TENTATIVE to a lower-id peer racing us for a FREE one.
func (a *Allocator) HandleInquireBlock(from *net.UDPAddr, hdr wire.Header, m wire.InquireBlock) {
	idx := int(m.BlockIndex)
	if !a.validIndex(idx) {
		return
	}

	switch state := a.table.State(idx); {
	case state == block.Ours:
		remaining := time.Until(a.table.ValidUntil(idx))
		a.sendTo(from, wire.UpdateClaim{
			BlockIndex:  m.BlockIndex,
			TimeoutSecs: secs(remaining),
			Usage:       uint8(a.table.Usage(idx)),
		})
	case state == block.Free && hdr.Node < a.node:
		a.table.SetTentative(idx, time.Now().Add(a.params.TentativeTimeout))
	}
}

// HandleRenewLease answers a forwarded lease request for a block we own.
func (a *Allocator) HandleRenewLease(from *net.UDPAddr, hdr wire.Header, m wire.RenewLease) {
	idx, ok := a.table.BlockOf(m.Addr)
	if !ok || a.table.State(idx) != block.Ours {
		return
	}

	l, err := a.table.GetOrCreateLease(idx, time.Now(), m.Addr, m.ClientID, a.initLease)
	if err != nil {
		a.sendTo(from, wire.LeaseNAK{Addr: m.Addr})
		return
	}
	a.sendTo(from, wire.Lease{
		Addr:          l.Addr,
		LeaseTimeSecs: uint32(l.LeaseTime.Seconds()),
		ClientID:      l.ClientID,
		Routers:       l.Routers,
		DNS:           l.DNS,
	})
}

// HandleLease completes a pending lease-forward awaiting this address.
func (a *Allocator) HandleLease(from *net.UDPAddr, hdr wire.Header, m wire.Lease) {
	a.deliverMailbox(m.Addr, m)
}

// HandleLeaseNAK completes a pending lease-forward with a denial,
// distinct from a timeout (spec §4.3.1).
func (a *Allocator) HandleLeaseNAK(from *net.UDPAddr, hdr wire.Header, m wire.LeaseNAK) {
	a.deliverMailbox(m.Addr, m)
}

// HandleRelease drops a lease we hold on behalf of a now-departed client.
func (a *Allocator) HandleRelease(from *net.UDPAddr, hdr wire.Header, m wire.Release) {
	idx, ok := a.table.BlockOf(m.Addr)
	if !ok || a.table.State(idx) != block.Ours {
		return
	}
	a.table.ReleaseLease(idx, m.Addr, m.ClientID)
}

func (a *Allocator) registerMailbox(addr net.IP) chan wire.Payload {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan wire.Payload, 1)
	a.mailboxes[addr.String()] = ch
	return ch
}

func (a *Allocator) removeMailbox(addr net.IP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.mailboxes, addr.String())
}

func (a *Allocator) deliverMailbox(addr net.IP, p wire.Payload) {
	a.mu.Lock()
	ch, ok := a.mailboxes[addr.String()]
	a.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}
