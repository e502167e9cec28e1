package wire

import (
	"bytes"
	"encoding/binary"
	"net"
)

// UpdateClaim announces (or refreshes) ownership of one block, along
// with how full it currently is. Sent periodically for every OURS
// block (spec §4.3.6), after a successful claim, in reply to an
// InquireBlock for an OURS block, and with TimeoutSecs 0 to release a
// block. Winning a dispute sends nothing.
type UpdateClaim struct {
	BlockIndex  uint32
	TimeoutSecs uint16
	Usage       uint8
}

func (UpdateClaim) Command() Command { return CmdUpdateClaim }

func (m UpdateClaim) encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.BigEndian, m.BlockIndex)  // nolint:errcheck
	binary.Write(buf, binary.BigEndian, m.TimeoutSecs) // nolint:errcheck
	buf.WriteByte(m.Usage)
}

func decodeUpdateClaim(r *bytes.Reader) (Payload, error) {
	var m UpdateClaim
	if err := binary.Read(r, binary.BigEndian, &m.BlockIndex); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &m.TimeoutSecs); err != nil {
		return nil, err
	}
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	m.Usage = b
	return m, nil
}

// InquireBlock asks the block's current owner (or, addressed to the
// multicast group, the whole swarm) to resend an UpdateClaim for it.
// Used to shake loose an authoritative answer before claiming a block
// this peer believes is FREE (spec §4.3.2).
type InquireBlock struct {
	BlockIndex uint32
}

func (InquireBlock) Command() Command { return CmdInquireBlock }

func (m InquireBlock) encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.BigEndian, m.BlockIndex) // nolint:errcheck
}

func decodeInquireBlock(r *bytes.Reader) (Payload, error) {
	var m InquireBlock
	if err := binary.Read(r, binary.BigEndian, &m.BlockIndex); err != nil {
		return nil, err
	}
	return m, nil
}

// RenewLease asks the block's owner to renew (or create) a lease for
// Addr bound to ClientID. Sent by a peer that is serving DHCP clients
// out of a block it does not own, forwarding the request to the owner
// (spec §4.3.4).
type RenewLease struct {
	Addr     net.IP
	ClientID []byte
}

func (RenewLease) Command() Command { return CmdRenewLease }

func (m RenewLease) encode(buf *bytes.Buffer) {
	buf.Write(m.Addr.To4())
	writeBytes(buf, m.ClientID)
}

func decodeRenewLease(r *bytes.Reader) (Payload, error) {
	var m RenewLease
	addr, err := readIPv4(r)
	if err != nil {
		return nil, err
	}
	m.Addr = addr
	clientID, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	m.ClientID = clientID
	return m, nil
}

// Lease grants Addr to ClientID for LeaseTimeSecs, optionally carrying
// per-lease router and DNS overrides. It is the owner's answer to a
// RenewLease forwarded from a block-less peer.
//
// Routers and DNS are decoded by appending to freshly allocated slices;
// the original implementation's deserializer instead appended to
// whatever slice happened to already be attached to the in-progress
// Lease object, so a reused buffer silently accumulated addresses
// across repeated decodes. That bug is not reproduced here.
type Lease struct {
	Addr          net.IP
	LeaseTimeSecs uint32
	ClientID      []byte
	Routers       []net.IP
	DNS           []net.IP
}

func (Lease) Command() Command { return CmdLease }

func (m Lease) encode(buf *bytes.Buffer) {
	buf.Write(m.Addr.To4())
	binary.Write(buf, binary.BigEndian, m.LeaseTimeSecs) // nolint:errcheck
	writeBytes(buf, m.ClientID)
	writeIPv4List(buf, m.Routers)
	writeIPv4List(buf, m.DNS)
}

func decodeLease(r *bytes.Reader) (Payload, error) {
	var m Lease
	addr, err := readIPv4(r)
	if err != nil {
		return nil, err
	}
	m.Addr = addr
	if err := binary.Read(r, binary.BigEndian, &m.LeaseTimeSecs); err != nil {
		return nil, err
	}
	clientID, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	m.ClientID = clientID
	routers, err := readIPv4List(r)
	if err != nil {
		return nil, err
	}
	m.Routers = routers
	dns, err := readIPv4List(r)
	if err != nil {
		return nil, err
	}
	m.DNS = dns
	return m, nil
}

// LeaseNAK tells a forwarding peer that Addr could not be leased (the
// owner holds a lease for it under a different client-id), so the peer
// must not hand out an address to its client. An owner that does not
// own the block sends no reply at all.
type LeaseNAK struct {
	Addr net.IP
}

func (LeaseNAK) Command() Command { return CmdLeaseNAK }

func (m LeaseNAK) encode(buf *bytes.Buffer) {
	buf.Write(m.Addr.To4())
}

func decodeLeaseNAK(r *bytes.Reader) (Payload, error) {
	addr, err := readIPv4(r)
	if err != nil {
		return nil, err
	}
	return LeaseNAK{Addr: addr}, nil
}

// Release tells a block's owner that ClientID is done with Addr, so the
// owner should free the lease immediately rather than waiting out its
// grace period.
type Release struct {
	Addr     net.IP
	ClientID []byte
}

func (Release) Command() Command { return CmdRelease }

func (m Release) encode(buf *bytes.Buffer) {
	buf.Write(m.Addr.To4())
	writeBytes(buf, m.ClientID)
}

func decodeRelease(r *bytes.Reader) (Payload, error) {
	var m Release
	addr, err := readIPv4(r)
	if err != nil {
		return nil, err
	}
	m.Addr = addr
	clientID, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	m.ClientID = clientID
	return m, nil
}
