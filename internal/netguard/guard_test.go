package netguard

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	mu    sync.Mutex
	v4    map[string][]string
	v6    map[string][]string
	fail  map[string]bool
	calls int
}

func (f *fakeResolver) LookupIP(_ context.Context, network, host string) ([]net.IP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[host] {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	src := f.v4
	if network == "ip6" {
		src = f.v6
	}
	var ips []net.IP
	for _, s := range src[host] {
		ips = append(ips, net.ParseIP(s))
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no records", Name: host}
	}
	return ips, nil
}

func TestIsPrivateIPv4Ranges(t *testing.T) {
	private := []string{
		"10.0.0.1", "10.255.255.255",
		"172.16.0.1", "172.31.255.254",
		"192.168.1.1",
		"127.0.0.1", "127.8.9.10",
		"169.254.169.254",
		"224.0.0.1", "239.255.255.255",
		"0.0.0.0", "100.64.0.1", "192.0.0.8",
		"192.0.2.1", "198.51.100.7", "203.0.113.200",
		"240.0.0.1", "255.255.255.255",
	}
	for _, ip := range private {
		assert.True(t, IsPrivateIP(ip), ip)
	}
	public := []string{"8.8.8.8", "1.1.1.1", "172.32.0.1", "100.128.0.1", "93.184.216.34"}
	for _, ip := range public {
		assert.False(t, IsPrivateIP(ip), ip)
	}
}

func TestIsPrivateIPv6Ranges(t *testing.T) {
	private := []string{"::1", "::", "fe80::1", "fe80::1%eth0", "fc00::1", "fd12:3456::1", "ff02::1", "::ffff:10.0.0.1", "[::1]"}
	for _, ip := range private {
		assert.True(t, IsPrivateIP(ip), ip)
	}
	assert.False(t, IsPrivateIP("2001:4860:4860::8888"))
	assert.False(t, IsPrivateIP("::ffff:8.8.8.8"))
}

func TestIsPrivateIPRejectsGarbage(t *testing.T) {
	assert.True(t, IsPrivateIP("not-an-ip"))
	assert.True(t, IsPrivateIP(""))
}

func TestLocalhostNeverHitsDNS(t *testing.T) {
	res := &fakeResolver{}
	g := &Guard{Resolver: res}
	assert.True(t, g.ResolvesToPrivateIP(context.Background(), "localhost"))
	assert.True(t, g.ResolvesToPrivateIP(context.Background(), "LOCALHOST."))
	assert.True(t, g.ResolvesToPrivateIP(context.Background(), "api.localhost"))
	assert.Zero(t, res.calls)
}

func TestAnyPrivateRecordBlocks(t *testing.T) {
	res := &fakeResolver{
		v4: map[string][]string{"rebind.example": {"93.184.216.34"}, "ok.example": {"93.184.216.34"}},
		v6: map[string][]string{"rebind.example": {"fd00::5"}},
	}
	g := &Guard{Resolver: res}
	assert.True(t, g.ResolvesToPrivateIP(context.Background(), "rebind.example"))
	assert.False(t, g.ResolvesToPrivateIP(context.Background(), "ok.example"))
}

func TestOneFamilyFailingIsTolerated(t *testing.T) {
	res := &fakeResolver{v6: map[string][]string{"v6only.example": {"2001:db8:1::1"}}}
	g := &Guard{Resolver: res}
	assert.False(t, g.ResolvesToPrivateIP(context.Background(), "v6only.example"))
}

func TestResolutionFailureFailsClosed(t *testing.T) {
	res := &fakeResolver{fail: map[string]bool{"gone.example": true}}
	g := &Guard{Resolver: res}
	assert.True(t, g.ResolvesToPrivateIP(context.Background(), "gone.example"))

	err := g.ValidateURLNotPrivate(context.Background(), "https://gone.example/users/x")
	var unsafe *UnsafeURLError
	require.True(t, errors.As(err, &unsafe))
	assert.Equal(t, "gone.example", unsafe.Host)
	assert.Contains(t, err.Error(), "gone.example")
}

func TestValidateURLNotPrivate(t *testing.T) {
	res := &fakeResolver{
		v4: map[string][]string{"good.example": {"93.184.216.34"}, "internal.example": {"10.1.2.3"}},
	}
	g := &Guard{Resolver: res}
	ctx := context.Background()

	require.NoError(t, g.ValidateURLNotPrivate(ctx, "https://good.example/inbox"))
	require.NoError(t, g.ValidateURLNotPrivate(ctx, "https://8.8.8.8/x"))
	require.NoError(t, g.ValidateURLNotPrivate(ctx, "https://[2001:4860:4860::8888]/x"))

	for _, raw := range []string{
		"https://internal.example/inbox",
		"http://127.0.0.1:8080/",
		"https://[::1]/",
		"https://[fe80::1]/",
		"http://localhost/",
		"ftp://good.example/",
		"https:///nohost",
		"://bad",
	} {
		err := g.ValidateURLNotPrivate(ctx, raw)
		assert.Error(t, err, raw)
	}

	err := g.ValidateURLNotPrivate(ctx, "https://internal.example/inbox")
	assert.Contains(t, err.Error(), "10.1.2.3")
}

func TestAllowPrivateDisablesChecks(t *testing.T) {
	g := &Guard{Resolver: &fakeResolver{}, AllowPrivate: true}
	require.NoError(t, g.ValidateURLNotPrivate(context.Background(), "http://127.0.0.1:9/"))
}

func TestRepeatedFailureEscalates(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	res := &fakeResolver{v4: map[string][]string{"flaky.example": {"93.184.216.34"}}}
	g := &Guard{Resolver: res, Logger: logger, AlertThreshold: 2}
	ctx := context.Background()

	assert.False(t, g.ResolvesToPrivateIP(ctx, "flaky.example"))
	res.mu.Lock()
	res.fail = map[string]bool{"flaky.example": true}
	res.mu.Unlock()

	assert.True(t, g.ResolvesToPrivateIP(ctx, "flaky.example"))
	assert.NotContains(t, buf.String(), "dns_failure_escalated")
	assert.True(t, g.ResolvesToPrivateIP(ctx, "flaky.example"))
	assert.Contains(t, buf.String(), "security_event=dns_failure_escalated")
}

func TestNeverResolvedHostDoesNotEscalate(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	g := &Guard{Resolver: &fakeResolver{fail: map[string]bool{"typo.example": true}}, Logger: logger, AlertThreshold: 1}
	for i := 0; i < 3; i++ {
		g.ResolvesToPrivateIP(context.Background(), "typo.example")
	}
	assert.Equal(t, 3, strings.Count(buf.String(), "security_event=dns_failure "))
	assert.NotContains(t, buf.String(), "escalated")
}

func TestDialRefusesPrivateTargets(t *testing.T) {
	g := &Guard{Resolver: &fakeResolver{v4: map[string][]string{"internal.example": {"192.168.0.10"}}}}
	_, err := g.DialContext(context.Background(), "tcp", "internal.example:443")
	var unsafe *UnsafeURLError
	require.True(t, errors.As(err, &unsafe))

	_, err = g.DialContext(context.Background(), "tcp", "127.0.0.1:80")
	require.True(t, errors.As(err, &unsafe))
}

func TestDialResolvesOnce(t *testing.T) {
	res := &fakeResolver{v4: map[string][]string{"public.example": {"93.184.216.34"}}}
	g := &Guard{Resolver: res}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.DialContext(ctx, "tcp", "public.example:443")
	require.Error(t, err)
	var unsafe *UnsafeURLError
	assert.False(t, errors.As(err, &unsafe))
	// one A and one AAAA lookup
	assert.Equal(t, 2, res.calls)
}
