package juice

import (
	"math"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/juice/internal/abi"
)

func TestNewCredentials(t *testing.T) {
	c, err := NewCredentials("server_username", "server_password", 4)
	require.NoError(t, err)
	assert.Equal(t, "server_username", c.Username())
	native := c.native()
	assert.Equal(t, "server_password", abi.GoString(native.Password))
	assert.Equal(t, int32(4), native.AllocationsQuota)

	c, err = NewCredentials("u", "p", -3)
	require.NoError(t, err)
	assert.Zero(t, c.native().AllocationsQuota)

	_, err = NewCredentials("u\x00", "p", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewCredentials("u", "p\x00", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestServerBuilderMarshal(t *testing.T) {
	c, err := NewCredentials("user", "pass", 0)
	require.NoError(t, err)

	b := NewServerBuilder()
	b.AddCredentials(c)
	b.SetBindAddress(netip.MustParseAddrPort("127.0.0.1:3478"))
	b.SetExternalAddress(netip.MustParseAddr("203.0.113.7"))
	b.SetRelayPortRange(49152, 49200)
	require.NoError(t, b.SetRealm("example.org"))
	b.SetAllocationsLimit(math.MaxUint32)
	b.SetPeersLimit(8)

	cfg := b.marshal()
	require.Len(t, cfg.Credentials, 1)
	assert.Equal(t, "user", abi.GoString(cfg.Credentials[0].Username))
	assert.Equal(t, "127.0.0.1", abi.GoString(cfg.BindAddress))
	assert.Equal(t, uint16(3478), cfg.Port)
	assert.Equal(t, "203.0.113.7", abi.GoString(cfg.ExternalAddress))
	assert.Equal(t, uint16(49152), cfg.RelayPortRangeBegin)
	assert.Equal(t, uint16(49200), cfg.RelayPortRangeEnd)
	assert.Equal(t, "example.org", abi.GoString(cfg.Realm))
	assert.Equal(t, int32(math.MaxInt32), cfg.MaxAllocations)
	assert.Equal(t, int32(8), cfg.MaxPeers)

	assert.ErrorIs(t, b.SetRealm("bad\x00realm"), ErrInvalidArgument)
	assert.Equal(t, "example.org", abi.GoString(b.marshal().Realm))

	b.SetCredentials(nil)
	assert.Empty(t, b.marshal().Credentials)
}

func TestServerRequiresCredentials(t *testing.T) {
	_, err := NewServerBuilder().Build()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestServerRejectsZeroCredentials(t *testing.T) {
	for _, backend := range []Backend{BackendLibjuice, BackendPion} {
		sb := NewServerBuilder()
		sb.AddCredentials(Credentials{})
		sb.SetBackend(backend)
		_, err := sb.Build()
		assert.ErrorIs(t, err, ErrInvalidArgument, backend.String())
	}

	c, err := NewCredentials("u", "p", 0)
	require.NoError(t, err)
	sb := NewServerBuilder()
	sb.AddCredentials(c)
	sb.SetBindAddress(netip.MustParseAddrPort("127.0.0.1:3495"))
	sb.SetBackend(BackendPion)
	server, err := sb.Build()
	require.NoError(t, err)
	defer server.Close()

	assert.ErrorIs(t, server.AddCredentials(Credentials{}, time.Minute), ErrInvalidArgument)
	assert.ErrorIs(t, server.AddCredentials(Credentials{}, 0), ErrInvalidArgument)
}

func TestServerRelay(t *testing.T) {
	c, err := NewCredentials("server_username", "server_password", 0)
	require.NoError(t, err)

	sb := NewServerBuilder()
	sb.AddCredentials(c)
	sb.SetBindAddress(netip.MustParseAddrPort("127.0.0.1:3478"))
	sb.SetRelayPortRange(49152, 49200)
	sb.SetBackend(BackendPion)
	server, err := sb.Build()
	require.NoError(t, err)
	defer server.Close()

	assert.Equal(t, uint16(3478), server.Port())
	assert.Equal(t, BackendPion, server.Backend())

	t.Run("relay candidate", func(t *testing.T) {
		p := newTestPeer(t, ConcurrencyPoll, func(b *Builder) {
			require.NoError(t, b.SetStunServer("", 0))
			require.NoError(t, b.AddTurnServer("127.0.0.1", 3478, "server_username", "server_password"))
		})
		require.NoError(t, p.agent.GatherCandidates())

		timeout := time.After(connectTimeout)
		for {
			select {
			case cand := <-p.candidates:
				if strings.Contains(cand, "typ relay") {
					return
				}
			case <-timeout:
				t.Fatal("no relayed candidate")
			}
		}
	})

	t.Run("add credentials", func(t *testing.T) {
		temp, err := NewCredentials("temp", "temp_password", 1)
		require.NoError(t, err)
		assert.NoError(t, server.AddCredentials(temp, time.Minute))
		assert.NoError(t, server.AddCredentials(temp, 0))
		assert.ErrorIs(t, server.AddCredentials(temp, -time.Second), ErrInvalidArgument)
	})
}

func TestServerClose(t *testing.T) {
	c, err := NewCredentials("u", "p", 0)
	require.NoError(t, err)

	sb := NewServerBuilder()
	sb.AddCredentials(c)
	sb.SetBindAddress(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 3493))
	sb.SetBackend(BackendPion)
	server, err := sb.Build()
	require.NoError(t, err)

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	assert.Zero(t, server.Port())
	assert.ErrorIs(t, server.AddCredentials(c, 0), ErrFailed)
}

func TestServerPortInUse(t *testing.T) {
	c, err := NewCredentials("u", "p", 0)
	require.NoError(t, err)

	sb := NewServerBuilder()
	sb.AddCredentials(c)
	sb.SetBindAddress(netip.MustParseAddrPort("127.0.0.1:3494"))
	sb.SetBackend(BackendPion)
	first, err := sb.Build()
	require.NoError(t, err)
	defer first.Close()

	_, err = sb.Build()
	assert.ErrorIs(t, err, ErrFailed)
}
