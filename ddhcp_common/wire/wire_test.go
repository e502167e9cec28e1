package wire

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func testHeader() Header {
	return Header{
		Node:      0x0102030405060708,
		Prefix:    net.ParseIP("10.20.0.0").To4(),
		PrefixLen: 16,
		BlockSize: 32,
	}
}

func roundTrip(t *testing.T, payloads ...Payload) Message {
	t.Helper()
	in := Message{Header: testHeader(), Payloads: payloads}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	return out
}

func TestRoundTripUpdateClaim(t *testing.T) {
	out := roundTrip(t,
		UpdateClaim{BlockIndex: 7, TimeoutSecs: 30, Usage: 12},
		UpdateClaim{BlockIndex: 8, TimeoutSecs: 30, Usage: 0},
	)
	require.Equal(t, testHeader(), out.Header)
	require.Len(t, out.Payloads, 2)
	if diff := cmp.Diff(UpdateClaim{BlockIndex: 7, TimeoutSecs: 30, Usage: 12}, out.Payloads[0]); diff != "" {
		t.Errorf("payload 0 mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripInquireBlock(t *testing.T) {
	out := roundTrip(t, InquireBlock{BlockIndex: 42})
	require.Equal(t, []Payload{InquireBlock{BlockIndex: 42}}, out.Payloads)
}

func TestRoundTripRenewLease(t *testing.T) {
	want := RenewLease{Addr: net.ParseIP("10.20.1.5").To4(), ClientID: []byte("client-abc")}
	out := roundTrip(t, want)
	if diff := cmp.Diff(want, out.Payloads[0]); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripRenewLeaseEmptyClientID(t *testing.T) {
	want := RenewLease{Addr: net.ParseIP("10.20.1.6").To4()}
	out := roundTrip(t, want)
	got := out.Payloads[0].(RenewLease)
	require.True(t, want.Addr.Equal(got.Addr))
	require.Empty(t, got.ClientID)
}

func TestRoundTripLeaseWithRoutersAndDNS(t *testing.T) {
	want := Lease{
		Addr:          net.ParseIP("10.20.1.7").To4(),
		LeaseTimeSecs: 3600,
		ClientID:      []byte{0x01, 0xaa, 0xbb},
		Routers:       []net.IP{net.ParseIP("10.20.0.1").To4()},
		DNS: []net.IP{
			net.ParseIP("10.20.0.2").To4(),
			net.ParseIP("10.20.0.3").To4(),
		},
	}
	out := roundTrip(t, want)
	if diff := cmp.Diff(want, out.Payloads[0]); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripLeaseNoRoutersOrDNSDoesNotLeak(t *testing.T) {
	first := Lease{Addr: net.ParseIP("10.20.1.8").To4(), LeaseTimeSecs: 60, Routers: []net.IP{net.ParseIP("10.20.0.1").To4()}}
	second := Lease{Addr: net.ParseIP("10.20.1.9").To4(), LeaseTimeSecs: 60}

	data, err := Encode(Message{Header: testHeader(), Payloads: []Payload{first, second}})
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	// The second lease carries no routers of its own; decoding must not
	// have carried over the first lease's router list (the bug this
	// fixes, see the Lease doc comment).
	got := out.Payloads[1].(Lease)
	require.Empty(t, got.Routers)
	require.Empty(t, got.DNS)
}

func TestRoundTripLeaseNAK(t *testing.T) {
	out := roundTrip(t, LeaseNAK{Addr: net.ParseIP("10.20.1.10").To4()})
	got := out.Payloads[0].(LeaseNAK)
	require.True(t, net.ParseIP("10.20.1.10").Equal(got.Addr))
}

func TestRoundTripRelease(t *testing.T) {
	want := Release{Addr: net.ParseIP("10.20.1.11").To4(), ClientID: []byte("zz")}
	out := roundTrip(t, want)
	if diff := cmp.Diff(want, out.Payloads[0]); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeRejectsEmptyMessage(t *testing.T) {
	_, err := Encode(Message{Header: testHeader()})
	require.Error(t, err)
}

func TestEncodeRejectsMixedCommands(t *testing.T) {
	_, err := Encode(Message{
		Header: testHeader(),
		Payloads: []Payload{
			InquireBlock{BlockIndex: 1},
			UpdateClaim{BlockIndex: 1},
		},
	})
	require.Error(t, err)
}

func TestDecodeRejectsUnknownCommand(t *testing.T) {
	data, err := Encode(Message{Header: testHeader(), Payloads: []Payload{InquireBlock{BlockIndex: 1}}})
	require.NoError(t, err)

	// Header is 16 bytes; the command byte sits at offset 14.
	data[14] = 200
	_, err = Decode(data)
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	data, err := Encode(Message{Header: testHeader(), Payloads: []Payload{UpdateClaim{BlockIndex: 1, TimeoutSecs: 5, Usage: 1}}})
	require.NoError(t, err)

	_, err = Decode(data[:len(data)-1])
	require.Error(t, err)
}
