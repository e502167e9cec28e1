// Package wire implements the inter-peer datagram format: the fixed
// header described in spec §4.2 followed by one or more payloads of a
// single command type, and nothing else. It has no notion of sockets,
// multicast groups or dispatch; see package peer for that.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Command identifies the payload type carried by a datagram.
type Command byte

// The six inter-peer commands, numbered exactly as spec §4.2 tabulates.
const (
	CmdUpdateClaim  Command = 1
	CmdInquireBlock Command = 2
	CmdRenewLease   Command = 16
	CmdLease        Command = 17
	CmdLeaseNAK     Command = 18
	CmdRelease      Command = 19
)

func (c Command) String() string {
	switch c {
	case CmdUpdateClaim:
		return "UpdateClaim"
	case CmdInquireBlock:
		return "InquireBlock"
	case CmdRenewLease:
		return "RenewLease"
	case CmdLease:
		return "Lease"
	case CmdLeaseNAK:
		return "LeaseNAK"
	case CmdRelease:
		return "Release"
	default:
		return fmt.Sprintf("Command(%d)", byte(c))
	}
}

// Payload is one wire message body. Every concrete payload type in this
// package is a value type implementing Payload.
type Payload interface {
	Command() Command
	encode(buf *bytes.Buffer)
}

// Header is the 16-byte preamble shared by every datagram: node-id,
// pool prefix, prefix length, blocksize, command code and payload count.
type Header struct {
	Node      uint64
	Prefix    net.IP // 4-byte IPv4 network address
	PrefixLen uint8
	BlockSize uint8
}

const headerLen = 8 + 4 + 1 + 1 + 1 + 1

// Message is one complete datagram: a header plus the payloads it
// carries. All payloads in a Message must share a command code; that is
// what lets a single datagram batch several same-kind updates. Package
// alloc sends one payload per datagram, the periodic claim refresh
// (spec §4.3.6) included.
type Message struct {
	Header   Header
	Payloads []Payload
}

// Encode serializes m. It fails if m carries no payloads, more than 255
// payloads, mixed commands, or a non-IPv4 prefix.
func Encode(m Message) ([]byte, error) {
	if len(m.Payloads) == 0 {
		return nil, fmt.Errorf("wire: message has no payloads")
	}
	if len(m.Payloads) > 255 {
		return nil, fmt.Errorf("wire: message has %d payloads, max 255", len(m.Payloads))
	}
	cmd := m.Payloads[0].Command()
	for _, p := range m.Payloads[1:] {
		if p.Command() != cmd {
			return nil, fmt.Errorf("wire: message mixes commands %s and %s", cmd, p.Command())
		}
	}

	prefix4 := m.Header.Prefix.To4()
	if prefix4 == nil {
		return nil, fmt.Errorf("wire: header prefix %s is not an IPv4 address", m.Header.Prefix)
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerLen+16*len(m.Payloads)))
	binary.Write(buf, binary.BigEndian, m.Header.Node) // nolint:errcheck // bytes.Buffer never errors
	buf.Write(prefix4)
	buf.WriteByte(m.Header.PrefixLen)
	buf.WriteByte(m.Header.BlockSize)
	buf.WriteByte(byte(cmd))
	buf.WriteByte(byte(len(m.Payloads)))
	for _, p := range m.Payloads {
		p.encode(buf)
	}
	return buf.Bytes(), nil
}

// Decode parses a datagram. A malformed datagram, or one naming an
// unknown command, is reported as an error; spec §4.2 requires the
// caller to silently drop such datagrams rather than treat this as
// fatal.
func Decode(data []byte) (Message, error) {
	r := bytes.NewReader(data)

	var hdr Header
	if err := binary.Read(r, binary.BigEndian, &hdr.Node); err != nil {
		return Message{}, fmt.Errorf("wire: short header: %w", err)
	}
	ipBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, ipBuf); err != nil {
		return Message{}, fmt.Errorf("wire: short header: %w", err)
	}
	hdr.Prefix = net.IP(ipBuf)

	var err error
	if hdr.PrefixLen, err = r.ReadByte(); err != nil {
		return Message{}, fmt.Errorf("wire: short header: %w", err)
	}
	if hdr.BlockSize, err = r.ReadByte(); err != nil {
		return Message{}, fmt.Errorf("wire: short header: %w", err)
	}
	cmdByte, err := r.ReadByte()
	if err != nil {
		return Message{}, fmt.Errorf("wire: short header: %w", err)
	}
	count, err := r.ReadByte()
	if err != nil {
		return Message{}, fmt.Errorf("wire: short header: %w", err)
	}

	decode, ok := decoders[Command(cmdByte)]
	if !ok {
		return Message{}, fmt.Errorf("wire: unknown command %d", cmdByte)
	}

	payloads := make([]Payload, 0, count)
	for i := 0; i < int(count); i++ {
		p, err := decode(r)
		if err != nil {
			return Message{}, fmt.Errorf("wire: decode payload %d/%d (%s): %w", i+1, count, Command(cmdByte), err)
		}
		payloads = append(payloads, p)
	}

	return Message{Header: hdr, Payloads: payloads}, nil
}

func readIPv4(r *bytes.Reader) (net.IP, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return net.IP(buf), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readIPv4List(r *bytes.Reader) ([]net.IP, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	out := make([]net.IP, 0, n)
	for i := 0; i < int(n); i++ {
		ip, err := readIPv4(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	return out, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	buf.WriteByte(byte(len(b)))
	buf.Write(b)
}

func writeIPv4List(buf *bytes.Buffer, ips []net.IP) {
	buf.WriteByte(byte(len(ips)))
	for _, ip := range ips {
		buf.Write(ip.To4())
	}
}

var decoders = map[Command]func(r *bytes.Reader) (Payload, error){
	CmdUpdateClaim:  decodeUpdateClaim,
	CmdInquireBlock: decodeInquireBlock,
	CmdRenewLease:   decodeRenewLease,
	CmdLease:        decodeLease,
	CmdLeaseNAK:     decodeLeaseNAK,
	CmdRelease:      decodeRelease,
}
