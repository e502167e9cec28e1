package alloc

import (
	"context"
	"errors"
	"net"
	"time"

	"ddhcpd/ddhcp_common/block"
	"ddhcpd/ddhcp_common/wire"
)

// GetLease implements get_lease (spec §4.3.4): used for DHCPREQUEST
// naming a specific address.
func (a *Allocator) GetLease(ctx context.Context, addr net.IP, clientID []byte) (Lease, error) {
	idx, ok := a.table.BlockOf(addr)
	if !ok {
		return Lease{}, ErrOutOfPool
	}

	switch a.table.State(idx) {
	case block.Blocked:
		return Lease{}, ErrBlockedAddress

	case block.Ours:
		l, err := a.table.GetOrCreateLease(idx, time.Now(), addr, clientID, a.initLease)
		if err != nil {
			return Lease{}, translateBlockErr(err)
		}
		return toLease(l), nil

	case block.Claimed, block.Tentative:
		lease, err := a.forwardRenew(ctx, idx, addr, clientID)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrForeignUnreachable) {
			return Lease{}, err // denied, or context canceled
		}

		// Timed out: the block is reset to FREE, opening it for local
		// acquisition (spec §4.3.3).
		a.table.Reset(idx)
		if a.claimBlock(ctx, idx) {
			l, err := a.table.GetOrCreateLease(idx, time.Now(), addr, clientID, a.initLease)
			if err != nil {
				return Lease{}, translateBlockErr(err)
			}
			return toLease(l), nil
		}

		// The owner may have changed while we were claiming; retry once.
		lease, err = a.forwardRenew(ctx, idx, addr, clientID)
		if err != nil {
			return Lease{}, ErrForeignUnreachable
		}
		return lease, nil

	case block.Free:
		return Lease{}, ErrUnallocated

	default:
		return Lease{}, ErrOutOfPool
	}
}

// forwardRenew sends RenewLease to idx's current owner (unicast if
// CLAIMED, multicast if TENTATIVE and no owner is yet known) and awaits
// the reply.
func (a *Allocator) forwardRenew(ctx context.Context, idx int, addr net.IP, clientID []byte) (Lease, error) {
	owner := a.table.Owner(idx)
	msg := a.sender.NewMessage(wire.RenewLease{Addr: addr, ClientID: clientID})
	send := func() error {
		if owner != nil {
			return a.sender.SendTo(owner, msg)
		}
		return a.sender.SendToGroup(msg)
	}
	return a.getLeaseFromPeer(ctx, addr, send)
}

// getLeaseFromPeer implements get_lease_from_peer (spec §4.3.3): a
// single-slot mailbox keyed by address, a send, and a 3-second await.
func (a *Allocator) getLeaseFromPeer(ctx context.Context, addr net.IP, send func() error) (Lease, error) {
	ch := a.registerMailbox(addr)
	defer a.removeMailbox(addr)

	if err := send(); err != nil {
		return Lease{}, ErrForeignUnreachable
	}

	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()

	select {
	case p := <-ch:
		switch m := p.(type) {
		case wire.Lease:
			return Lease{
				Addr:      m.Addr,
				LeaseTime: time.Duration(m.LeaseTimeSecs) * time.Second,
				Routers:   m.Routers,
				DNS:       m.DNS,
			}, nil
		case wire.LeaseNAK:
			return Lease{}, ErrClientIDMismatch
		default:
			return Lease{}, ErrForeignUnreachable
		}
	case <-timer.C:
		return Lease{}, ErrForeignUnreachable
	case <-ctx.Done():
		return Lease{}, ctx.Err()
	}
}

// claimBlock implements claim_block (spec §4.3.2): three multicast
// inquiries 200ms apart, promoting to OURS only if nothing answered.
func (a *Allocator) claimBlock(ctx context.Context, idx int) bool {
	a.m.ClaimAttempted()
	start := time.Now()

	for i := 0; i < 3; i++ {
		a.sendToGroup(wire.InquireBlock{BlockIndex: uint32(idx)})

		timer := time.NewTimer(200 * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			a.m.ClaimFailed()
			return false
		}

		if a.table.State(idx) != block.Free {
			a.m.ClaimFailed()
			return false
		}
	}

	a.table.SetOurs(idx, time.Now().Add(a.params.BlockTimeout))
	a.sendToGroup(wire.UpdateClaim{BlockIndex: uint32(idx), TimeoutSecs: secs(a.params.BlockTimeout), Usage: 0})
	a.m.ClaimSucceeded()
	a.m.ClaimLatency(time.Since(start))
	a.scheduleHousekeeping()
	return true
}

// claimAnyBlock implements claim_any_block: pick a uniformly random
// FREE block and attempt to claim it.
func (a *Allocator) claimAnyBlock(ctx context.Context) bool {
	free := a.table.FreeIndices()
	if len(free) == 0 {
		return false
	}
	idx := free[a.rng.Intn(len(free))]
	return a.claimBlock(ctx, idx)
}
