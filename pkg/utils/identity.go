package utils

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIdentity is the normalized network identity used to key all per-client
// state: IPv4 verbatim, IPv4-mapped IPv6 unmapped, other IPv6 reduced to the
// /64 routing prefix so a single host cannot rotate through its interface IDs.
type ClientIdentity string

// UnknownIdentity keys requests whose address cannot be parsed.
const UnknownIdentity ClientIdentity = "unknown"

const ipv6PrefixBits = 64

// NormalizeIdentity converts a raw address (with or without port) to a ClientIdentity.
func NormalizeIdentity(raw string) ClientIdentity {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return UnknownIdentity
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	raw = strings.TrimPrefix(strings.TrimSuffix(raw, "]"), "[")
	if i := strings.IndexByte(raw, '%'); i >= 0 {
		raw = raw[:i] // zone
	}

	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return UnknownIdentity
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return ClientIdentity(addr.String())
	}
	prefix, err := addr.Prefix(ipv6PrefixBits)
	if err != nil {
		return UnknownIdentity
	}
	return ClientIdentity(prefix.String())
}

// ParseIdentity accepts either a raw address or an already normalized IPv6
// /64 identity, as typed by an operator.
func ParseIdentity(s string) ClientIdentity {
	s = strings.TrimSpace(s)
	if p, err := netip.ParsePrefix(s); err == nil && p.Addr().Is6() && p.Bits() == ipv6PrefixBits {
		return ClientIdentity(p.Masked().String())
	}
	return NormalizeIdentity(s)
}

// TrustedProxies decides whether forwarding headers from a peer are honoured.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies accepts CIDRs or bare addresses; invalid entries are skipped
// and returned so the caller can reject the configuration.
func ParseTrustedProxies(entries []string) (*TrustedProxies, []string) {
	tp := &TrustedProxies{}
	var invalid []string
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			tp.prefixes = append(tp.prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			a = a.Unmap()
			tp.prefixes = append(tp.prefixes, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		invalid = append(invalid, e)
	}
	return tp, invalid
}

// Contains reports whether the peer address is a trusted proxy.
func (tp *TrustedProxies) Contains(peer string) bool {
	if tp == nil || len(tp.prefixes) == 0 {
		return false
	}
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range tp.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientAddress returns the raw client address for r. Forwarding headers are
// honoured only when the immediate peer is trusted; otherwise they are
// attacker-controlled and ignored.
func ClientAddress(r *http.Request, trusted *TrustedProxies) string {
	if trusted.Contains(r.RemoteAddr) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if first := firstAddr(xff); first != "" {
				return first
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			if _, err := netip.ParseAddr(real); err == nil {
				return real
			}
		}
	}
	return r.RemoteAddr
}

// ClientIdentityFromRequest combines ClientAddress and NormalizeIdentity.
func ClientIdentityFromRequest(r *http.Request, trusted *TrustedProxies) ClientIdentity {
	return NormalizeIdentity(ClientAddress(r, trusted))
}

func firstAddr(list string) string {
	first := list
	if i := strings.IndexByte(list, ','); i >= 0 {
		first = list[:i]
	}
	first = strings.TrimSpace(first)
	if _, err := netip.ParseAddr(first); err != nil {
		return ""
	}
	return first
}
