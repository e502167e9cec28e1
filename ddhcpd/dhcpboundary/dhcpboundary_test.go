package dhcpboundary

import (
	"context"
	"net"
	"testing"
	"time"

	dhcp "github.com/krolaw/dhcp4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ddhcpd/ddhcp_common/alloc"
)

type fakeAlloc struct {
	newLease func(now time.Time, clientID []byte) (alloc.Lease, error)
	getLease func(ctx context.Context, addr net.IP, clientID []byte) (alloc.Lease, error)
	released []net.IP
}

func (f *fakeAlloc) NewLease(now time.Time, clientID []byte) (alloc.Lease, error) {
	return f.newLease(now, clientID)
}

func (f *fakeAlloc) GetLease(ctx context.Context, addr net.IP, clientID []byte) (alloc.Lease, error) {
	return f.getLease(ctx, addr, clientID)
}

func (f *fakeAlloc) Release(addr net.IP, clientID []byte) {
	f.released = append(f.released, addr)
}

func testHandler(a *fakeAlloc) *Handler {
	return New(a, net.IPv4(10, 0, 0, 1), 24, zap.NewNop().Sugar())
}

func discoverPacket(mac net.HardwareAddr) dhcp.Packet {
	p := dhcp.RequestPacket(dhcp.Discover, mac, nil, nil, false, nil)
	return p
}

func TestDiscoverOffersAddress(t *testing.T) {
	mac := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	a := &fakeAlloc{
		newLease: func(now time.Time, clientID []byte) (alloc.Lease, error) {
			require.Equal(t, []byte(mac), clientID)
			return alloc.Lease{
				Addr:      net.IPv4(10, 0, 0, 50),
				LeaseTime: 10 * time.Minute,
				Routers:   []net.IP{net.IPv4(10, 0, 0, 1)},
				DNS:       []net.IP{net.IPv4(8, 8, 8, 8)},
			}, nil
		},
	}
	h := testHandler(a)

	p := discoverPacket(mac)
	reply := h.ServeDHCP(p, dhcp.Discover, p.ParseOptions())

	require.NotNil(t, reply)
	require.Equal(t, dhcp.Offer, dhcp.MessageType(reply.ParseOptions()[dhcp.OptionDHCPMessageType][0]))
	require.True(t, net.IP(reply.YIAddr()).Equal(net.IPv4(10, 0, 0, 50)))
}

func TestDiscoverNoCapacityIsDropped(t *testing.T) {
	a := &fakeAlloc{
		newLease: func(now time.Time, clientID []byte) (alloc.Lease, error) {
			return alloc.Lease{}, alloc.ErrNoCapacity
		},
	}
	h := testHandler(a)

	p := discoverPacket(net.HardwareAddr{0, 1, 2, 3, 4, 5})
	reply := h.ServeDHCP(p, dhcp.Discover, p.ParseOptions())

	require.Nil(t, reply)
}

func TestRequestDeniedIsNAKed(t *testing.T) {
	mac := net.HardwareAddr{0, 1, 2, 3, 4, 6}
	a := &fakeAlloc{
		getLease: func(ctx context.Context, addr net.IP, clientID []byte) (alloc.Lease, error) {
			return alloc.Lease{}, alloc.ErrClientIDMismatch
		},
	}
	h := testHandler(a)

	p := dhcp.RequestPacket(dhcp.Request, mac, net.IPv4(10, 0, 0, 51), nil, false, nil)
	reply := h.ServeDHCP(p, dhcp.Request, p.ParseOptions())

	require.NotNil(t, reply)
	require.Equal(t, dhcp.NAK, dhcp.MessageType(reply.ParseOptions()[dhcp.OptionDHCPMessageType][0]))
}

func TestRequestGrantedIsAcked(t *testing.T) {
	mac := net.HardwareAddr{0, 1, 2, 3, 4, 7}
	a := &fakeAlloc{
		getLease: func(ctx context.Context, addr net.IP, clientID []byte) (alloc.Lease, error) {
			require.True(t, addr.Equal(net.IPv4(10, 0, 0, 52)))
			return alloc.Lease{Addr: addr, LeaseTime: 5 * time.Minute}, nil
		},
	}
	h := testHandler(a)

	p := dhcp.RequestPacket(dhcp.Request, mac, net.IPv4(10, 0, 0, 52), nil, false, nil)
	reply := h.ServeDHCP(p, dhcp.Request, p.ParseOptions())

	require.NotNil(t, reply)
	require.Equal(t, dhcp.ACK, dhcp.MessageType(reply.ParseOptions()[dhcp.OptionDHCPMessageType][0]))
}

func TestRequestForDifferentServerIsIgnored(t *testing.T) {
	a := &fakeAlloc{}
	h := testHandler(a)

	mac := net.HardwareAddr{0, 1, 2, 3, 4, 8}
	opts := dhcp.Options{dhcp.OptionServerIdentifier: net.IPv4(10, 0, 0, 99).To4()}
	p := dhcp.RequestPacket(dhcp.Request, mac, net.IPv4(10, 0, 0, 53), nil, false, optionsToSlice(opts))

	reply := h.ServeDHCP(p, dhcp.Request, p.ParseOptions())
	require.Nil(t, reply)
}

func TestReleaseCallsAllocatorRelease(t *testing.T) {
	a := &fakeAlloc{}
	h := testHandler(a)

	mac := net.HardwareAddr{0, 1, 2, 3, 4, 9}
	p := dhcp.RequestPacket(dhcp.Release, mac, net.IPv4(10, 0, 0, 54), nil, false, nil)

	reply := h.ServeDHCP(p, dhcp.Release, p.ParseOptions())
	require.Nil(t, reply)
	require.Len(t, a.released, 1)
	require.True(t, a.released[0].Equal(net.IPv4(10, 0, 0, 54)))
}

func optionsToSlice(opts dhcp.Options) []dhcp.Option {
	out := make([]dhcp.Option, 0, len(opts))
	for code, data := range opts {
		out = append(out, dhcp.Option{Code: code, Value: data})
	}
	return out
}
