package alloc

import (
	"context"
	"math"
	"time"

	"ddhcpd/ddhcp_common/wire"
)

// scheduleHousekeeping requests a housekeeping pass at the next drain
// of HousekeeperLoop. It never blocks: concurrent triggers coalesce
// into a single pending pass, replacing the asyncio "lock +
// create_task" re-entrancy pattern named in spec §9 with a
// single-consumer channel.
func (a *Allocator) scheduleHousekeeping() {
	select {
	case a.hkCh <- struct{}{}:
	default:
	}
}

// HousekeeperLoop runs housekeeping passes until ctx is done: one
// immediately, one on every scheduleHousekeeping trigger, and one
// whenever the self-computed next-wakeup deadline (spec §4.3.5 step 5)
// elapses. Intended to run in its own goroutine (see cmd/ddhcpd/main.go).
func (a *Allocator) HousekeeperLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.hkCh:
		case <-timer.C:
		}

		a.runHousekeeping(ctx, time.Now())

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(a.computeNextHousekeeping(time.Now()))
	}
}

// RefreshClaimsLoop implements the periodic claim refresh (spec
// §4.3.6): every ClaimInterval, advertise every OURS block's current
// remaining timeout and usage to the swarm.
func (a *Allocator) RefreshClaimsLoop(ctx context.Context) error {
	interval := a.params.ClaimInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.refreshClaims(time.Now())
		}
	}
}

func (a *Allocator) refreshClaims(now time.Time) {
	for _, idx := range a.table.OurIndices() {
		remaining := a.table.ValidUntil(idx).Sub(now)
		if remaining < 0 {
			continue
		}
		a.sendToGroup(wire.UpdateClaim{
			BlockIndex:  uint32(idx),
			TimeoutSecs: secs(remaining),
			Usage:       uint8(a.table.Usage(idx)),
		})
	}
}

// runHousekeeping implements one housekeeping pass (spec §4.3.5).
func (a *Allocator) runHousekeeping(ctx context.Context, now time.Time) {
	for idx := 0; idx < a.table.Len(); idx++ {
		a.table.ResetIfDue(idx, now)
	}

	ours := a.table.OurIndices()
	for _, idx := range ours {
		a.table.PurgeExpiredLeases(idx, now)
	}

	usage := 0
	for _, idx := range ours {
		usage += a.table.Usage(idx)
	}
	blockSize := a.table.BlockSize()
	spares := len(ours)*blockSize - usage - a.params.Spares

	if spares < 0 {
		need := int(math.Ceil(float64(-spares) / float64(blockSize)))
		for i := 0; i < need; i++ {
			if !a.claimAnyBlock(ctx) {
				break
			}
		}
	} else if spares > 0 {
		toRelease := spares / blockSize
		released := 0
		for _, idx := range ours {
			if released >= toRelease {
				break
			}
			if a.table.Usage(idx) > 0 {
				continue
			}
			a.table.Reset(idx)
			a.sendToGroup(wire.UpdateClaim{BlockIndex: uint32(idx), TimeoutSecs: 0, Usage: 0})
			released++
		}
	}

	leases := 0
	for _, idx := range a.table.OurIndices() {
		a.table.SetOurs(idx, now.Add(a.params.BlockTimeout))
		leases += a.table.Usage(idx)
	}

	a.m.BlocksOwned(len(a.table.OurIndices()))
	a.m.LeasesActive(leases)

	a.log.Debugw("housekeeping pass complete", "blocks", a.table.Dump())
}

// computeNextHousekeeping implements spec §4.3.5 step 5: the minimum
// of a proactive half-blocktimeout refresh, every block's valid_until,
// and every OURS lease's valid_until.
func (a *Allocator) computeNextHousekeeping(now time.Time) time.Duration {
	const floor = 50 * time.Millisecond

	next := now.Add(a.params.BlockTimeout / 2)

	snapshot := a.table.Snapshot()
	for _, b := range snapshot {
		if !b.ValidUntil.IsZero() && b.ValidUntil.Before(next) {
			next = b.ValidUntil
		}
	}
	for _, idx := range a.table.OurIndices() {
		for _, deadline := range a.table.LeaseDeadlines(idx) {
			if deadline.Before(next) {
				next = deadline
			}
		}
	}

	d := next.Sub(now)
	if d < floor {
		d = floor
	}
	return d
}
