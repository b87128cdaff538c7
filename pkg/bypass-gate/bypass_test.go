package bypass

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldBypass(t *testing.T) {
	assert.True(t, ShouldBypass(RemoteOnly, true))
	assert.False(t, ShouldBypass(RemoteOnly, false))
	assert.False(t, ShouldBypass(Always, true))
	assert.False(t, ShouldBypass(Always, false))
	assert.True(t, ShouldBypass(Never, false))
	assert.True(t, ShouldBypass(Never, true))
	assert.False(t, ShouldBypass(Policy(42), true))
}

func TestParsePolicy(t *testing.T) {
	for in, expected := range map[string]Policy{
		"":            Always,
		"Always":      Always,
		"remote-only": RemoteOnly,
		"RemoteOnly":  RemoteOnly,
		"remote_only": RemoteOnly,
		"never":       Never,
	} {
		p, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, expected, p, in)
	}
	_, err := ParsePolicy("sometimes")
	assert.Error(t, err)
	assert.Equal(t, "remote-only", RemoteOnly.String())
}

type fakeResolver struct {
	addrs []net.IPAddr
	err   error
	calls int
}

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	f.calls++
	return f.addrs, f.err
}

func TestIsLocal(t *testing.T) {
	res := &fakeResolver{addrs: []net.IPAddr{{IP: net.ParseIP("10.0.0.5")}}}
	c, err := NewOriginChecker(CheckerConfig{Resolver: res})
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, c.IsLocal(ctx, "127.0.0.1:5555", "example.com"))
	assert.True(t, c.IsLocal(ctx, "[::1]:5555", "example.com"))
	assert.True(t, c.IsLocal(ctx, "10.0.0.5:1234", "example.com:8080"))
	assert.False(t, c.IsLocal(ctx, "203.0.113.9:1234", "example.com"))
	assert.False(t, c.IsLocal(ctx, "garbage", "example.com"))
	assert.True(t, c.IsLocal(ctx, "192.168.1.2:80", "192.168.1.2:8080"))
}

func TestIsLocalFailsOpen(t *testing.T) {
	res := &fakeResolver{err: errors.New("no such host")}
	c, err := NewOriginChecker(CheckerConfig{Resolver: res})
	require.NoError(t, err)
	assert.False(t, c.IsLocal(context.Background(), "10.0.0.5:1234", "example.com"))
	assert.False(t, ShouldBypass(RemoteOnly, c.IsLocal(context.Background(), "10.0.0.5:1234", "example.com")))
}

func TestIsLocalCachesLookups(t *testing.T) {
	res := &fakeResolver{addrs: []net.IPAddr{{IP: net.ParseIP("10.0.0.5")}}}
	c, err := NewOriginChecker(CheckerConfig{Resolver: res, CacheTTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	assert.True(t, c.IsLocal(ctx, "10.0.0.5:1", "example.com"))
	c.cache.Wait()
	assert.True(t, c.IsLocal(ctx, "10.0.0.5:1", "EXAMPLE.com"))
	assert.Equal(t, 1, res.calls)
}
