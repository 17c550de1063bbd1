package netguard

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"
)

const (
	defaultDNSTimeout     = 5 * time.Second
	defaultAlertThreshold = 3
	maxTrackedHosts       = 4096
)

// Resolver performs a single-family DNS lookup. *net.Resolver satisfies it
// with network "ip4" (A) or "ip6" (AAAA).
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// UnsafeURLError is returned when a URL must not be fetched.
type UnsafeURLError struct {
	URL    string
	Host   string
	IP     string
	Reason string
}

func (e *UnsafeURLError) Error() string {
	switch {
	case e.IP != "" && e.IP != e.Host:
		return fmt.Sprintf("unsafe url %q: host %s resolves to private address %s", e.URL, e.Host, e.IP)
	case e.IP != "":
		return fmt.Sprintf("unsafe url %q: %s is a private address", e.URL, e.IP)
	case e.Host != "":
		return fmt.Sprintf("unsafe url %q: host %s: %s", e.URL, e.Host, e.Reason)
	default:
		return fmt.Sprintf("unsafe url %q: %s", e.URL, e.Reason)
	}
}

// Guard blocks outbound federation requests to private networks.
type Guard struct {
	Resolver Resolver
	Logger   *slog.Logger
	// DNSTimeout bounds each lookup family independently.
	DNSTimeout time.Duration
	// AlertThreshold is the number of consecutive resolution failures for a
	// host that previously resolved before the failure is escalated.
	AlertThreshold int
	// AllowPrivate disables every check. Development only.
	AllowPrivate bool

	mu    sync.Mutex
	hosts map[string]*hostHealth
}

type hostHealth struct {
	resolvedOnce bool
	failures     int
}

// New returns a Guard using the system resolver.
func New(logger *slog.Logger, dnsTimeout time.Duration, alertThreshold int) *Guard {
	return &Guard{
		Resolver:       net.DefaultResolver,
		Logger:         logger,
		DNSTimeout:     dnsTimeout,
		AlertThreshold: alertThreshold,
	}
}

func (g *Guard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g *Guard) resolver() Resolver {
	if g.Resolver != nil {
		return g.Resolver
	}
	return net.DefaultResolver
}

func (g *Guard) dnsTimeout() time.Duration {
	if g.DNSTimeout > 0 {
		return g.DNSTimeout
	}
	return defaultDNSTimeout
}

func (g *Guard) alertThreshold() int {
	if g.AlertThreshold > 0 {
		return g.AlertThreshold
	}
	return defaultAlertThreshold
}

// ResolvesToPrivateIP reports whether any A or AAAA record of host is a
// private address. Resolution failure counts as private.
func (g *Guard) ResolvesToPrivateIP(ctx context.Context, host string) bool {
	private, _, _ := g.checkHost(ctx, host)
	return private
}

// ValidateURLNotPrivate returns nil only when rawURL is safe to fetch.
func (g *Guard) ValidateURLNotPrivate(ctx context.Context, rawURL string) error {
	if g.AllowPrivate {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return &UnsafeURLError{URL: rawURL, Reason: "unparseable url"}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return &UnsafeURLError{URL: rawURL, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	host := u.Hostname()
	if host == "" {
		return &UnsafeURLError{URL: rawURL, Reason: "missing host"}
	}
	if isIPLiteral(host) {
		if IsPrivateIP(host) {
			return &UnsafeURLError{URL: rawURL, Host: host, IP: host}
		}
		return nil
	}
	private, ip, _ := g.checkHost(ctx, host)
	if !private {
		return nil
	}
	if ip == "" {
		return &UnsafeURLError{URL: rawURL, Host: host, Reason: "could not be resolved"}
	}
	return &UnsafeURLError{URL: rawURL, Host: host, IP: ip}
}

// checkHost returns whether host is private, the offending address when
// known, and otherwise the public addresses it resolved to.
func (g *Guard) checkHost(ctx context.Context, host string) (bool, string, []net.IP) {
	if g.AllowPrivate {
		return false, "", nil
	}
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(host), "["), "]")
	if isIPLiteral(host) {
		if IsPrivateIP(host) {
			return true, host, nil
		}
		return false, "", []net.IP{net.ParseIP(host)}
	}
	name, err := idna.Lookup.ToASCII(strings.TrimSuffix(host, "."))
	if err != nil || name == "" {
		g.logger().Warn("host rejected", "security_event", "invalid_hostname", "host", host)
		return true, "", nil
	}
	name = strings.ToLower(name)
	if name == "localhost" || strings.HasSuffix(name, ".localhost") {
		return true, "", nil
	}
	addrs, err := g.lookupAll(ctx, name)
	if err != nil {
		g.recordFailure(name, err)
		return true, "", nil
	}
	g.recordSuccess(name)
	for _, ip := range addrs {
		if IsPrivateIP(ip.String()) {
			g.logger().Warn("host resolves to private address",
				"security_event", "private_resolution", "host", name, "ip", ip.String())
			return true, ip.String(), nil
		}
	}
	return false, "", addrs
}

// lookupAll runs A and AAAA lookups concurrently; either may fail as long as
// the other yields addresses.
func (g *Guard) lookupAll(ctx context.Context, host string) ([]net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, g.dnsTimeout())
	defer cancel()
	var (
		wg       sync.WaitGroup
		v4, v6   []net.IP
		e4, e6   error
		resolver = g.resolver()
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		v4, e4 = resolver.LookupIP(ctx, "ip4", host)
	}()
	go func() {
		defer wg.Done()
		v6, e6 = resolver.LookupIP(ctx, "ip6", host)
	}()
	wg.Wait()
	addrs := append(v4, v6...)
	if len(addrs) == 0 {
		switch {
		case e4 != nil:
			return nil, e4
		case e6 != nil:
			return nil, e6
		default:
			return nil, fmt.Errorf("no addresses for %s", host)
		}
	}
	return addrs, nil
}

func (g *Guard) recordSuccess(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.health(host)
	h.resolvedOnce = true
	h.failures = 0
}

func (g *Guard) recordFailure(host string, err error) {
	g.mu.Lock()
	h := g.health(host)
	h.failures++
	escalate := h.resolvedOnce && h.failures%g.alertThreshold() == 0
	failures := h.failures
	g.mu.Unlock()

	g.logger().Warn("dns resolution failed; treating host as private",
		"security_event", "dns_failure", "host", host, "consecutive_failures", failures, "error", err)
	if escalate {
		g.logger().Error("previously resolvable host keeps failing dns resolution",
			"security_event", "dns_failure_escalated", "host", host, "consecutive_failures", failures)
	}
}

// health must be called with g.mu held.
func (g *Guard) health(host string) *hostHealth {
	if g.hosts == nil || len(g.hosts) >= maxTrackedHosts {
		if _, ok := g.hosts[host]; !ok {
			g.hosts = make(map[string]*hostHealth)
		}
	}
	h, ok := g.hosts[host]
	if !ok {
		h = &hostHealth{}
		g.hosts[host] = h
	}
	return h
}

// DialContext resolves addr once, refuses private targets and dials the
// checked addresses in order. Dialing exactly what was checked closes the
// window in which DNS could be rebound between validation and connect.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	if g.AllowPrivate {
		return d.DialContext(ctx, network, addr)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	private, ip, ips := g.checkHost(ctx, host)
	if private {
		return nil, &UnsafeURLError{URL: addr, Host: host, IP: ip, Reason: "refused at dial"}
	}
	var lastErr error
	for _, ip := range ips {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}

// Transport returns an HTTP transport that dials through the guard.
func (g *Guard) Transport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = g.DialContext
	t.Proxy = nil
	return t
}
