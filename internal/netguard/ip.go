package netguard

import (
	"net/netip"
	"strings"
)

var blockedV4 = mustPrefixes(
	"0.0.0.0/8",          // current network
	"10.0.0.0/8",         // RFC1918
	"100.64.0.0/10",      // shared address space
	"127.0.0.0/8",        // loopback
	"169.254.0.0/16",     // link-local
	"172.16.0.0/12",      // RFC1918
	"192.0.0.0/24",       // IETF protocol assignments
	"192.0.2.0/24",       // TEST-NET-1
	"192.168.0.0/16",     // RFC1918
	"198.51.100.0/24",    // TEST-NET-2
	"203.0.113.0/24",     // TEST-NET-3
	"224.0.0.0/4",        // multicast
	"240.0.0.0/4",        // reserved
	"255.255.255.255/32", // broadcast
)

var blockedV6 = mustPrefixes(
	"::/128",    // unspecified
	"::1/128",   // loopback
	"fe80::/10", // link-local
	"fc00::/7",  // unique-local
	"ff00::/8",  // multicast
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// IsPrivateIP reports whether ip is in a range federation must never fetch
// from. IPv4-mapped IPv6 addresses are judged by their IPv4 form. Input that
// is not an IP address is reported as private.
func IsPrivateIP(ip string) bool {
	ip = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(ip), "["), "]")
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}
	return isPrivateAddr(addr)
}

func isPrivateAddr(addr netip.Addr) bool {
	addr = addr.WithZone("").Unmap()
	blocked := blockedV6
	if addr.Is4() {
		blocked = blockedV4
	}
	for _, p := range blocked {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// isIPLiteral reports whether host is an IP address rather than a name.
func isIPLiteral(host string) bool {
	_, err := netip.ParseAddr(host)
	return err == nil
}
