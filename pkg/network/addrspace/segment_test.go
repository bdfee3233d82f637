package addrspace

import (
	"bytes"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNet(t *testing.T, s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}

func TestSegmentDefaults(t *testing.T) {
	s, err := New("public", mustNet(t, "10.94.61.0/24"))
	require.NoError(t, err)

	assert.Equal(t, "public", s.Name())
	assert.Equal(t, "10.94.61.0/24", s.Network().String())
	assert.Equal(t, "10.94.61.1", s.Gateway().String())

	ip, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "10.94.61.10", ip.String())

	ip, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "10.94.61.11", ip.String())
}

func TestSegmentNeverReturnsGateway(t *testing.T) {
	s, err := New("tiny", mustNet(t, "192.168.0.0/29"), WithStartOffset(1), WithGatewayOffset(3))
	require.NoError(t, err)

	var got []string
	for {
		ip, err := s.Next()
		if err != nil {
			require.True(t, errors.Is(err, ErrAddressExhausted))
			break
		}
		got = append(got, ip.String())
	}

	// .0 network, .3 gateway and .7 broadcast are never issued
	assert.Equal(t, []string{"192.168.0.1", "192.168.0.2", "192.168.0.4", "192.168.0.5", "192.168.0.6"}, got)
}

func TestSegmentUniqueAndIncreasing(t *testing.T) {
	s, err := New("service", mustNet(t, "172.30.0.0/22"), WithStartOffset(1))
	require.NoError(t, err)

	// explicit claims in the middle of the range are skipped
	require.NoError(t, s.Claim(net.ParseIP("172.30.0.5")))
	require.NoError(t, s.Claim(net.ParseIP("172.30.1.0")))

	seen := map[string]struct{}{}
	var prev net.IP
	for {
		ip, err := s.Next()
		if errors.Is(err, ErrAddressExhausted) {
			break
		}
		require.NoError(t, err)

		_, dup := seen[ip.String()]
		require.False(t, dup, "address %s returned twice", ip)
		seen[ip.String()] = struct{}{}

		require.False(t, ip.Equal(s.Gateway()), "gateway returned")
		if prev != nil {
			require.Equal(t, 1, bytes.Compare(ip.To16(), prev.To16()), "%s not after %s", ip, prev)
		}
		prev = ip
	}

	// 1024 addresses - network - broadcast - gateway - 2 claims
	assert.Len(t, seen, 1024-2-1-2)
	assert.NotContains(t, seen, "172.30.0.5")
	assert.NotContains(t, seen, "172.30.1.0")
}

func TestSegmentDeterministic(t *testing.T) {
	run := func() []string {
		s, err := New("host", mustNet(t, "10.30.6.0/23"))
		require.NoError(t, err)
		require.NoError(t, s.Claim(net.ParseIP("10.30.6.12")))
		var out []string
		for i := 0; i < 5; i++ {
			ip, err := s.Next()
			require.NoError(t, err)
			out = append(out, ip.String())
		}
		return out
	}

	assert.Equal(t, run(), run())
	assert.Equal(t, []string{"10.30.6.10", "10.30.6.11", "10.30.6.13", "10.30.6.14", "10.30.6.15"}, run())
}

func TestSegmentClaim(t *testing.T) {
	s, err := New("public", mustNet(t, "10.94.61.0/24"))
	require.NoError(t, err)

	require.NoError(t, s.Claim(s.Gateway()))
	err = s.Claim(s.Gateway())
	assert.True(t, errors.Is(err, ErrAddressInUse))

	err = s.Claim(net.ParseIP("10.94.62.1"))
	assert.True(t, errors.Is(err, ErrOutsideSegment))

	ip, err := s.Next()
	require.NoError(t, err)
	err = s.Claim(ip)
	assert.True(t, errors.Is(err, ErrAddressInUse))
}

func TestSegmentInvalidOptions(t *testing.T) {
	_, err := New("x", mustNet(t, "10.0.0.0/30"), WithGatewayOffset(4))
	assert.Error(t, err)

	_, err = New("x", mustNet(t, "10.0.0.0/30"), WithStartOffset(0))
	assert.Error(t, err)

	_, err = New("x", nil)
	assert.Error(t, err)
}

func TestSegmentExhausted(t *testing.T) {
	s, err := New("p2p", mustNet(t, "10.255.12.192/30"), WithStartOffset(1))
	require.NoError(t, err)

	ip, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "10.255.12.194", ip.String())

	_, err = s.Next()
	assert.True(t, errors.Is(err, ErrAddressExhausted))
}
