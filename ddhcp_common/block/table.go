package block

import (
	"fmt"
	"net"
	"sync"
	"time"

	dhcp "github.com/krolaw/dhcp4"
)

// BlockView is a point-in-time, race-free copy of one block's state. It
// is what Table.Snapshot and the single-block accessors hand to callers,
// so that a caller can inspect block state without holding the table's
// internal lock and without racing concurrent mutation.
type BlockView struct {
	Index      int
	Subnet     *net.IPNet
	State      State
	Owner      *net.UDPAddr
	ValidUntil time.Time
	Usage      int
}

// Table is the pool's full partition into blocks, plus per-block state,
// owner, deadline and lease contents. It is the only piece of shared
// mutable state in the system (the allocator in package alloc is its
// sole owner and accesses it exclusively through this type), so every
// mutating method takes the table's lock for the duration of the call.
type Table struct {
	mu sync.Mutex

	pool      *net.IPNet
	blockSize int
	blocks    []*block

	leaseNetworkAndBroadcast bool
}

// NewTable partitions pool into fixed-size blocks of blockSize addresses
// each and marks the blocks named in blocked as administratively
// excluded. blockSize must be a power of two and evenly divide the pool.
func NewTable(pool *net.IPNet, blockSize int, blocked []int, leaseNetworkAndBroadcast bool) (*Table, error) {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("block: blocksize %d is not a power of two", blockSize)
	}
	ones, bits := pool.Mask.Size()
	poolSize := 1 << uint(bits-ones)
	if poolSize%blockSize != 0 {
		return nil, fmt.Errorf("block: pool of %d addresses does not divide evenly into blocks of %d", poolSize, blockSize)
	}

	n := poolSize / blockSize
	blockOnes := ones
	for (1 << uint(bits-blockOnes)) != blockSize {
		blockOnes++
	}

	t := &Table{
		pool:                     pool,
		blockSize:                blockSize,
		blocks:                   make([]*block, n),
		leaseNetworkAndBroadcast: leaseNetworkAndBroadcast,
	}

	base := pool.IP.Mask(pool.Mask)
	for i := 0; i < n; i++ {
		subnet := &net.IPNet{
			IP:   dhcp.IPAdd(base, i*blockSize),
			Mask: net.CIDRMask(blockOnes, bits),
		}
		t.blocks[i] = newBlock(i, subnet)
	}

	for _, i := range blocked {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("block: blocked index %d out of range [0,%d)", i, n)
		}
		t.blocks[i].state = Blocked
	}

	return t, nil
}

// Len returns the number of blocks the pool was partitioned into.
func (t *Table) Len() int {
	return len(t.blocks)
}

// Pool returns the pool CIDR this table was constructed from.
func (t *Table) Pool() *net.IPNet {
	return t.pool
}

// BlockSize returns the number of addresses per block.
func (t *Table) BlockSize() int {
	return t.blockSize
}

// BlockOf returns the index of the block containing addr. Pool geometry
// is fixed at construction, so this needs no lock.
func (t *Table) BlockOf(addr net.IP) (int, bool) {
	base := t.pool.IP.Mask(t.pool.Mask)
	offset := dhcp.IPRange(base, addr) - 1
	ones, bits := t.pool.Mask.Size()
	poolSize := 1 << uint(bits-ones)
	if offset < 0 || offset >= poolSize {
		return 0, false
	}
	return offset / t.blockSize, true
}

func (t *Table) checkIndex(idx int) {
	if idx < 0 || idx >= len(t.blocks) {
		panic(fmt.Sprintf("block: index %d out of range [0,%d)", idx, len(t.blocks)))
	}
}

func (t *Table) view(b *block) BlockView {
	return BlockView{
		Index:      b.index,
		Subnet:     b.subnet,
		State:      b.state,
		Owner:      b.owner,
		ValidUntil: b.validUntil,
		Usage:      b.usage(),
	}
}

// Snapshot returns a consistent, race-free copy of every block's state,
// taken under a single lock acquisition.
func (t *Table) Snapshot() []BlockView {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]BlockView, len(t.blocks))
	for i, b := range t.blocks {
		out[i] = t.view(b)
	}
	return out
}

// View returns a race-free copy of a single block's state.
func (t *Table) View(idx int) BlockView {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	return t.view(t.blocks[idx])
}

// State returns a single block's current state.
func (t *Table) State(idx int) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	return t.blocks[idx].state
}

// Usage returns the number of leases currently recorded on a block.
func (t *Table) Usage(idx int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	return t.blocks[idx].usage()
}

// Owner returns the transport address of the peer that owns idx, or nil
// if idx isn't in state CLAIMED.
func (t *Table) Owner(idx int) *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	return t.blocks[idx].owner
}

// ValidUntil returns the zero Time if idx carries no deadline.
func (t *Table) ValidUntil(idx int) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	return t.blocks[idx].validUntil
}

// Hosts returns every host address leasable within idx's subnet.
func (t *Table) Hosts(idx int) []net.IP {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	return t.blocks[idx].hosts(t.leaseNetworkAndBroadcast)
}

// HasFreeAddress reports whether idx has at least one host address with
// no current lease.
func (t *Table) HasFreeAddress(idx int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	return t.blocks[idx].hasFreeAddress(t.leaseNetworkAndBroadcast)
}

// Reset drops idx back to FREE, clearing owner and deadline. It does not
// clear leases: callers that need leases dropped (losing a dispute) must
// call DropLeases first.
func (t *Table) Reset(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	t.blocks[idx].reset()
}

// DropLeases discards every lease recorded on idx.
func (t *Table) DropLeases(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	t.blocks[idx].dropLeases()
}

// ResetIfDue resets idx if it is non-FREE, non-BLOCKED and its deadline
// has passed. Reports whether a reset happened.
func (t *Table) ResetIfDue(idx int, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	return t.blocks[idx].resetIfDue(now)
}

// PurgeExpiredLeases removes every lease on idx whose grace period has
// elapsed.
func (t *Table) PurgeExpiredLeases(idx int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	t.blocks[idx].purgeExpiredLeases(now)
}

// SetOurs marks idx OURS with the given deadline. Used both when newly
// claiming a block and when refreshing an already-owned one.
func (t *Table) SetOurs(idx int, validUntil time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	b := t.blocks[idx]
	b.state = Ours
	b.owner = nil
	b.validUntil = validUntil
}

// SetClaimed marks idx CLAIMED by owner with the given deadline.
func (t *Table) SetClaimed(idx int, owner *net.UDPAddr, validUntil time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	b := t.blocks[idx]
	b.state = Claimed
	b.owner = owner
	b.validUntil = validUntil
}

// SetTentative marks idx TENTATIVE with the given deadline.
func (t *Table) SetTentative(idx int, validUntil time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	b := t.blocks[idx]
	b.state = Tentative
	b.validUntil = validUntil
}

// ReleaseLease deletes idx's lease for addr iff its client-id matches;
// silent on mismatch or absence.
func (t *Table) ReleaseLease(idx int, addr net.IP, clientID []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	t.blocks[idx].release(addr, clientID)
}

// GetOrCreateLease implements the block table's core lease operation
// (see package doc and spec §4.1). init, when non-nil, is invoked exactly
// once, on creation, before the first renewal.
func (t *Table) GetOrCreateLease(idx int, now time.Time, addr net.IP, clientID []byte, init func(now time.Time, l *Lease)) (Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)

	l, err := t.blocks[idx].getOrCreateLease(now, addr, clientID, init, t.leaseNetworkAndBroadcast)
	if err != nil {
		return Lease{}, err
	}
	return l.Clone(), nil
}

// FindLeaseByClient scans every OURS block for a lease bound to
// clientID, used to implement new_lease's stickiness rule.
func (t *Table) FindLeaseByClient(clientID []byte) (idx int, lease Lease, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range t.blocks {
		if b.state != Ours {
			continue
		}
		for _, l := range b.leases {
			if string(l.ClientID) == string(clientID) {
				return b.index, l.Clone(), true
			}
		}
	}
	return 0, Lease{}, false
}

// BestOursBlockWithFreeAddress returns the OURS block with a free host
// address that has the highest current usage (anti-fragmentation).
func (t *Table) BestOursBlockWithFreeAddress() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	best := -1
	bestUsage := -1
	for _, b := range t.blocks {
		if b.state != Ours || !b.hasFreeAddress(t.leaseNetworkAndBroadcast) {
			continue
		}
		if b.usage() > bestUsage {
			best = b.index
			bestUsage = b.usage()
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// FreeIndices returns the indices of every FREE block.
func (t *Table) FreeIndices() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.indicesInState(Free)
}

// OurIndices returns the indices of every OURS block.
func (t *Table) OurIndices() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.indicesInState(Ours)
}

func (t *Table) indicesInState(s State) []int {
	var out []int
	for _, b := range t.blocks {
		if b.state == s {
			out = append(out, b.index)
		}
	}
	return out
}

// LeaseDeadlines returns the ValidUntil of every lease on idx, used by
// housekeeping to compute the next wakeup time.
func (t *Table) LeaseDeadlines(idx int) []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkIndex(idx)
	return t.blocks[idx].leaseDeadlines()
}

// Dump renders a compact, one-character-per-block map of current
// states, in the style of the original implementation's block dump.
func (t *Table) Dump() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, len(t.blocks))
	for i, b := range t.blocks {
		buf[i] = b.state.dumpChar()
	}
	return string(buf)
}
