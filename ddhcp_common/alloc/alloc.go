// Package alloc is the allocation state machine and housekeeper: the
// core algorithm that claims and releases blocks, arbitrates disputes,
// forwards lease requests to foreign block owners, and answers the
// DHCP-facing new_lease/get_lease/release operations. It is the only
// package that mutates a block.Table and the only package that speaks
// both block and wire/peer.
package alloc

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"ddhcpd/ddhcp_common/block"
	"ddhcpd/ddhcp_common/wire"
)

// Errors surfaced to the DHCP collaborator (spec §7). None are fatal to
// the daemon; the collaborator maps them to DHCPNAK or a silent drop.
var (
	ErrNoCapacity         = errors.New("alloc: no capacity available")
	ErrBlockedAddress     = errors.New("alloc: address is in a blocked block")
	ErrForeignUnreachable = errors.New("alloc: owning peer unreachable")
	ErrClientIDMismatch   = errors.New("alloc: address is leased to a different client")
	ErrOutOfPool          = errors.New("alloc: address not in pool")
	// ErrUnallocated is returned by GetLease when the requested address
	// lies in a FREE block: no peer owns it, so there is nothing to
	// forward to and nothing to serve locally.
	ErrUnallocated = errors.New("alloc: address not currently owned by any peer")
)

// Lease is what NewLease/GetLease hand back to the DHCP collaborator:
// just enough to build a DHCPOFFER/DHCPACK (spec §6.2).
type Lease struct {
	Addr      net.IP
	LeaseTime time.Duration
	Routers   []net.IP
	DNS       []net.IP
}

// Params holds the operator-configured knobs the allocator consults;
// see ddhcp_common/config for where these are parsed from.
type Params struct {
	BlockTimeout     time.Duration
	TentativeTimeout time.Duration
	ClaimInterval    time.Duration
	Spares           int
	LeaseTime        time.Duration
	Routers          []net.IP
	DNS              []net.IP
}

// Transport is what the allocator needs from the peer engine: stamping
// and sending datagrams. package peer's Engine satisfies this.
type Transport interface {
	SendToGroup(m wire.Message) error
	SendTo(dst *net.UDPAddr, m wire.Message) error
	NewMessage(payloads ...wire.Payload) wire.Message
}

// MetricsRecorder receives allocator events. Implemented by
// ddhcp_common/metrics.Collector; defined here, not imported from
// there, so alloc stays decoupled from the metrics backend.
type MetricsRecorder interface {
	DisputeWon()
	DisputeLost()
	ClaimAttempted()
	ClaimSucceeded()
	ClaimFailed()
	ClaimLatency(d time.Duration)
	BlocksOwned(n int)
	LeasesActive(n int)
}

type noopMetrics struct{}

func (noopMetrics) DisputeWon()             {}
func (noopMetrics) DisputeLost()            {}
func (noopMetrics) ClaimAttempted()         {}
func (noopMetrics) ClaimSucceeded()         {}
func (noopMetrics) ClaimFailed()            {}
func (noopMetrics) ClaimLatency(time.Duration) {}
func (noopMetrics) BlocksOwned(int)         {}
func (noopMetrics) LeasesActive(int)        {}

// Allocator is the sole owner of a block.Table's mutations: the
// constructor-supplied table must not be touched by anything else for
// the lifetime of the Allocator.
type Allocator struct {
	table  *block.Table
	sender Transport
	node   uint64
	params Params
	log    *zap.SugaredLogger
	m      MetricsRecorder
	rng    *rand.Rand

	mu        sync.Mutex
	mailboxes map[string]chan wire.Payload

	hkCh chan struct{}
}

// New constructs an Allocator over table, sending peer datagrams
// through sender; incoming datagrams reach it through the Handle*
// methods. node is this peer's 64-bit identity (spec
// §3.4); m may be nil.
func New(table *block.Table, sender Transport, node uint64, params Params, log *zap.SugaredLogger, m MetricsRecorder) *Allocator {
	if m == nil {
		m = noopMetrics{}
	}
	return &Allocator{
		table:     table,
		sender:    sender,
		node:      node,
		params:    params,
		log:       log,
		m:         m,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		mailboxes: make(map[string]chan wire.Payload),
		hkCh:      make(chan struct{}, 1),
	}
}

func toLease(l block.Lease) Lease {
	return Lease{Addr: l.Addr, LeaseTime: l.LeaseTime, Routers: l.Routers, DNS: l.DNS}
}

func (a *Allocator) initLease(now time.Time, l *block.Lease) {
	l.LeaseTime = a.params.LeaseTime
	l.Routers = append([]net.IP(nil), a.params.Routers...)
	l.DNS = append([]net.IP(nil), a.params.DNS...)
}

func translateBlockErr(err error) error {
	switch {
	case errors.Is(err, block.ErrClientMismatch):
		return ErrClientIDMismatch
	case errors.Is(err, block.ErrNoFreeAddress):
		return ErrNoCapacity
	case errors.Is(err, block.ErrOutOfSubnet):
		return ErrOutOfPool
	default:
		return err
	}
}

func secs(d time.Duration) uint16 {
	s := d.Seconds()
	if s < 0 {
		return 0
	}
	if s > 65535 {
		return 65535
	}
	return uint16(s)
}

func (a *Allocator) validIndex(idx int) bool {
	return idx >= 0 && idx < a.table.Len()
}

func (a *Allocator) sendToGroup(p wire.Payload) {
	if err := a.sender.SendToGroup(a.sender.NewMessage(p)); err != nil {
		a.log.Warnw("send to group failed", "error", err)
	}
}

func (a *Allocator) sendTo(dst *net.UDPAddr, p wire.Payload) {
	if err := a.sender.SendTo(dst, a.sender.NewMessage(p)); err != nil {
		a.log.Warnw("send failed", "to", dst, "error", err)
	}
}

// NewLease implements new_lease (spec §4.3.4): used for DHCPDISCOVER.
func (a *Allocator) NewLease(now time.Time, clientID []byte) (Lease, error) {
	for _, idx := range a.table.OurIndices() {
		a.table.PurgeExpiredLeases(idx, now)
	}

	if idx, existing, ok := a.table.FindLeaseByClient(clientID); ok {
		renewed, err := a.table.GetOrCreateLease(idx, now, existing.Addr, clientID, a.initLease)
		if err == nil {
			return toLease(renewed), nil
		}
	}

	idx, ok := a.table.BestOursBlockWithFreeAddress()
	if !ok {
		return Lease{}, ErrNoCapacity
	}
	l, err := a.table.GetOrCreateLease(idx, now, nil, clientID, a.initLease)
	if err != nil {
		return Lease{}, translateBlockErr(err)
	}
	return toLease(l), nil
}

// Release implements release (spec §4.3.4).
func (a *Allocator) Release(addr net.IP, clientID []byte) {
	idx, ok := a.table.BlockOf(addr)
	if !ok {
		return
	}
	switch a.table.State(idx) {
	case block.Ours:
		a.table.ReleaseLease(idx, addr, clientID)
	case block.Claimed:
		if owner := a.table.Owner(idx); owner != nil {
			a.sendTo(owner, wire.Release{Addr: addr, ClientID: clientID})
		}
	}
	a.scheduleHousekeeping()
}

func fmtAddr(a *net.UDPAddr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}
