// Package peer is the transport and dispatch layer: it owns the IPv6
// multicast socket peers use to gossip block claims and forward
// leases, and turns incoming datagrams into calls on a Handler. It
// knows the wire format (package wire) but nothing about block or
// lease semantics; that lives in package alloc.
package peer

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv6"

	"ddhcpd/ddhcp_common/applog"
	"ddhcpd/ddhcp_common/wire"
)

// Handler receives dispatched, already-filtered payloads. from is the
// datagram's source address; hdr is the datagram's header (already
// checked against this Engine's own pool prefix and blocksize, and not
// echoed from this node itself).
type Handler interface {
	HandleUpdateClaim(from *net.UDPAddr, hdr wire.Header, m wire.UpdateClaim)
	HandleInquireBlock(from *net.UDPAddr, hdr wire.Header, m wire.InquireBlock)
	HandleRenewLease(from *net.UDPAddr, hdr wire.Header, m wire.RenewLease)
	HandleLease(from *net.UDPAddr, hdr wire.Header, m wire.Lease)
	HandleLeaseNAK(from *net.UDPAddr, hdr wire.Header, m wire.LeaseNAK)
	HandleRelease(from *net.UDPAddr, hdr wire.Header, m wire.Release)
}

// Sender is the sending half of Engine. Package alloc does not use it:
// alloc declares its own Transport interface (Sender plus NewMessage),
// and its tests substitute a fake for that.
type Sender interface {
	SendToGroup(m wire.Message) error
	SendTo(dst *net.UDPAddr, m wire.Message) error
}

// Engine owns one IPv6 multicast UDP socket shared by every peer in the
// swarm. Outgoing claims and lease traffic go out on it; the dispatch
// loop reads from it and classifies every datagram against this node's
// own identity before handing it to a Handler.
type Engine struct {
	conn  *ipv6.PacketConn
	raw   net.PacketConn
	group *net.UDPAddr
	iface *net.Interface

	node       uint64
	poolPrefix net.IP
	prefixLen  uint8
	blockSize  uint8

	log *zap.SugaredLogger
}

// NewEngine opens a UDP socket on port and joins the IPv6 multicast
// group groupAddr on iface. node, poolPrefix, prefixLen and blockSize
// populate every outgoing header and filter incoming ones: datagrams
// naming a different pool, or echoing this node's own id, are dropped
// in the dispatch loop before reaching a Handler.
func NewEngine(iface *net.Interface, groupAddr net.IP, port int, node uint64, poolPrefix net.IP, prefixLen, blockSize uint8, log *zap.SugaredLogger) (*Engine, error) {
	if groupAddr.To16() == nil || groupAddr.To4() != nil {
		return nil, fmt.Errorf("peer: group address %s is not IPv6", groupAddr)
	}

	raw, err := net.ListenPacket("udp6", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return nil, fmt.Errorf("peer: listen: %w", err)
	}

	conn := ipv6.NewPacketConn(raw)
	group := &net.UDPAddr{IP: groupAddr, Port: port, Zone: iface.Name}

	if err := conn.JoinGroup(iface, group); err != nil {
		raw.Close()
		return nil, fmt.Errorf("peer: join multicast group %s on %s: %w", groupAddr, iface.Name, err)
	}
	if err := conn.SetMulticastLoopback(false); err != nil {
		raw.Close()
		return nil, fmt.Errorf("peer: disable multicast loopback: %w", err)
	}
	if err := conn.SetMulticastInterface(iface); err != nil {
		raw.Close()
		return nil, fmt.Errorf("peer: set multicast interface: %w", err)
	}

	return &Engine{
		conn:       conn,
		raw:        raw,
		group:      group,
		iface:      iface,
		node:       node,
		poolPrefix: poolPrefix.To4(),
		prefixLen:  prefixLen,
		blockSize:  blockSize,
		log:        log,
	}, nil
}

// Close releases the underlying socket.
func (e *Engine) Close() error {
	return e.raw.Close()
}

func (e *Engine) header() wire.Header {
	return wire.Header{
		Node:      e.node,
		Prefix:    e.poolPrefix,
		PrefixLen: e.prefixLen,
		BlockSize: e.blockSize,
	}
}

// NewMessage builds a Message stamped with this engine's own header,
// ready for SendToGroup or SendTo.
func (e *Engine) NewMessage(payloads ...wire.Payload) wire.Message {
	return wire.Message{Header: e.header(), Payloads: payloads}
}

// SendToGroup broadcasts m to every peer in the multicast group.
func (e *Engine) SendToGroup(m wire.Message) error {
	return e.send(m, e.group)
}

// SendTo unicasts m directly to dst, used to forward a lease request to
// a specific block's owner rather than the whole swarm.
func (e *Engine) SendTo(dst *net.UDPAddr, m wire.Message) error {
	return e.send(m, dst)
}

func (e *Engine) send(m wire.Message, dst *net.UDPAddr) error {
	data, err := wire.Encode(m)
	if err != nil {
		return fmt.Errorf("peer: encode: %w", err)
	}
	if _, err := e.conn.WriteTo(data, nil, dst); err != nil {
		return fmt.Errorf("peer: write to %s: %w", dst, err)
	}
	return nil
}

// Listen reads and dispatches datagrams until ctx is done or the socket
// errors. It filters out datagrams this node sent itself and datagrams
// naming a pool prefix or blocksize this engine was not configured
// for, logging and dropping anything else malformed, per spec §4.2.
func (e *Engine) Listen(ctx context.Context, h Handler) error {
	go func() {
		<-ctx.Done()
		e.raw.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, _, src, err := e.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("peer: read: %w", err)
		}

		srcAddr, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			applog.GetThrottled(e.log, time.Second, 30*time.Second).Warnw(
				"dropping malformed datagram", "from", srcAddr, "error", err)
			continue
		}
		if msg.Header.Node == e.node {
			continue // our own transmission, looped back
		}
		if !msg.Header.Prefix.Equal(e.poolPrefix) || msg.Header.PrefixLen != e.prefixLen || msg.Header.BlockSize != e.blockSize {
			applog.GetThrottled(e.log, time.Second, 30*time.Second).Warnw(
				"dropping datagram for a different pool", "from", srcAddr, "header", msg.Header)
			continue
		}

		e.dispatch(srcAddr, msg, h)
	}
}

func (e *Engine) dispatch(from *net.UDPAddr, msg wire.Message, h Handler) {
	for _, p := range msg.Payloads {
		switch m := p.(type) {
		case wire.UpdateClaim:
			h.HandleUpdateClaim(from, msg.Header, m)
		case wire.InquireBlock:
			h.HandleInquireBlock(from, msg.Header, m)
		case wire.RenewLease:
			h.HandleRenewLease(from, msg.Header, m)
		case wire.Lease:
			h.HandleLease(from, msg.Header, m)
		case wire.LeaseNAK:
			h.HandleLeaseNAK(from, msg.Header, m)
		case wire.Release:
			h.HandleRelease(from, msg.Header, m)
		default:
			e.log.Warnw("dropping payload of unhandled type", "from", from, "type", fmt.Sprintf("%T", p))
		}
	}
}
