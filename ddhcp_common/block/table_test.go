package block

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustPool(t *testing.T, cidr string) *net.IPNet {
	_, n, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	return n
}

func TestNewTablePartitionsAndBlocks(t *testing.T) {
	assert := require.New(t)

	tbl, err := NewTable(mustPool(t, "10.0.0.0/27"), 4, []int{0, 1}, true)
	assert.NoError(err)
	assert.Equal(8, tbl.Len())
	assert.Equal(Blocked, tbl.State(0))
	assert.Equal(Blocked, tbl.State(1))
	assert.Equal(Free, tbl.State(2))

	idx, ok := tbl.BlockOf(net.ParseIP("10.0.0.9"))
	assert.True(ok)
	assert.Equal(2, idx)

	_, ok = tbl.BlockOf(net.ParseIP("10.0.1.1"))
	assert.False(ok)
}

func TestNewTableRejectsBadBlocksize(t *testing.T) {
	_, err := NewTable(mustPool(t, "10.0.0.0/27"), 3, nil, true)
	require.Error(t, err)

	_, err = NewTable(mustPool(t, "10.0.0.0/27"), 5, nil, true)
	require.Error(t, err)
}

func TestGetOrCreateLeaseStickyAndMismatch(t *testing.T) {
	assert := require.New(t)
	tbl, err := NewTable(mustPool(t, "10.0.0.0/27"), 4, nil, true)
	assert.NoError(err)

	now := time.Now()
	tbl.SetOurs(2, now.Add(time.Minute))

	init := func(now time.Time, l *Lease) { l.LeaseTime = 5 * time.Second }

	l1, err := tbl.GetOrCreateLease(2, now, nil, []byte("aa"), init)
	assert.NoError(err)
	assert.True(tbl.View(2).Subnet.Contains(l1.Addr))

	// Renewing with the same client-id and address succeeds and keeps
	// the same address.
	l2, err := tbl.GetOrCreateLease(2, now.Add(time.Second), l1.Addr, []byte("aa"), init)
	assert.NoError(err)
	assert.True(l1.Addr.Equal(l2.Addr))

	// A different client-id for the same address is rejected.
	_, err = tbl.GetOrCreateLease(2, now, l1.Addr, []byte("bb"), init)
	assert.ErrorIs(err, ErrClientMismatch)

	// An address outside the block's subnet is rejected.
	_, err = tbl.GetOrCreateLease(2, now, net.ParseIP("10.0.0.100"), []byte("aa"), init)
	assert.ErrorIs(err, ErrOutOfSubnet)
}

func TestReleaseAndResetIfDue(t *testing.T) {
	assert := require.New(t)
	tbl, err := NewTable(mustPool(t, "10.0.0.0/27"), 4, nil, true)
	assert.NoError(err)

	now := time.Now()
	tbl.SetOurs(2, now.Add(30*time.Second))
	init := func(now time.Time, l *Lease) { l.LeaseTime = time.Second }
	l, err := tbl.GetOrCreateLease(2, now, nil, []byte("aa"), init)
	assert.NoError(err)
	assert.Equal(1, tbl.Usage(2))

	tbl.ReleaseLease(2, l.Addr, []byte("wrong-client"))
	assert.Equal(1, tbl.Usage(2), "release with mismatched client-id must be a no-op")

	tbl.ReleaseLease(2, l.Addr, []byte("aa"))
	assert.Equal(0, tbl.Usage(2))

	tbl.SetClaimed(3, nil, now.Add(-time.Second))
	assert.True(tbl.ResetIfDue(3, now))
	assert.Equal(Free, tbl.State(3))

	// BLOCKED and FREE blocks never reset; block 3 is FREE again now.
	assert.False(tbl.ResetIfDue(3, now.Add(time.Hour)))
}

func TestBestOursBlockWithFreeAddressPrefersHighestUsage(t *testing.T) {
	assert := require.New(t)
	tbl, err := NewTable(mustPool(t, "10.0.0.0/27"), 4, nil, true)
	assert.NoError(err)

	now := time.Now()
	tbl.SetOurs(2, now.Add(time.Minute))
	tbl.SetOurs(3, now.Add(time.Minute))

	init := func(now time.Time, l *Lease) { l.LeaseTime = time.Minute }
	_, err = tbl.GetOrCreateLease(3, now, nil, []byte("aa"), init)
	assert.NoError(err)

	idx, ok := tbl.BestOursBlockWithFreeAddress()
	assert.True(ok)
	assert.Equal(3, idx, "block with higher usage should be preferred")
}

func TestDropLeasesOnDisputeLoss(t *testing.T) {
	assert := require.New(t)
	tbl, err := NewTable(mustPool(t, "10.0.0.0/27"), 4, nil, true)
	assert.NoError(err)

	now := time.Now()
	tbl.SetOurs(2, now.Add(time.Minute))
	init := func(now time.Time, l *Lease) { l.LeaseTime = time.Minute }
	_, err = tbl.GetOrCreateLease(2, now, nil, []byte("aa"), init)
	assert.NoError(err)
	assert.Equal(1, tbl.Usage(2))

	tbl.DropLeases(2)
	tbl.Reset(2)
	assert.Equal(0, tbl.Usage(2))
	assert.Equal(Free, tbl.State(2))
}

func TestDumpRendersOneCharacterPerBlock(t *testing.T) {
	assert := require.New(t)
	tbl, err := NewTable(mustPool(t, "10.0.0.0/28"), 4, []int{0}, true)
	assert.NoError(err)

	now := time.Now()
	tbl.SetOurs(1, now.Add(time.Minute))
	tbl.SetClaimed(2, nil, now.Add(time.Minute))
	tbl.SetTentative(3, now.Add(time.Minute))

	assert.Equal("XoC-", tbl.Dump())
}
