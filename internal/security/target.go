// Package security provides input validation for target URLs and log redaction.
package security

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Target validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrPrivateIPBlocked = errors.New("private/internal IP addresses are not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
)

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"localhost.localdomain":    true,
	"ip6-localhost":            true,
	"ip6-loopback":             true,
	"metadata":                 true,
	"metadata.google.internal": true,
	"instance-data":            true,
}

var metadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"),
	net.ParseIP("169.254.170.2"),
	net.ParseIP("100.100.100.200"),
	net.ParseIP("192.0.0.192"),
	net.ParseIP("fd00:ec2::254"),
}

// ValidateTarget checks that a resource URL supplied by an API caller is an
// http(s) URL pointing at a public address. Hostnames are resolved and every
// address must pass; resolution failures are allowed through so the fetch
// reports the DNS error itself.
func ValidateTarget(rawURL string) error {
	if rawURL == "" {
		return ErrInvalidURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrBlockedScheme
	}

	host := strings.ToLower(u.Hostname())
	if blockedHostnames[host] || strings.HasSuffix(host, ".localhost") {
		return ErrLocalhostBlocked
	}

	if ip := parseLooseIP(host); ip != nil {
		return checkIP(ip)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// parseLooseIP accepts the dotted, decimal, octal and hex spellings that
// resolvers honour, so they cannot be used to smuggle a private address.
func parseLooseIP(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	if n, err := strconv.ParseUint(host, 10, 32); err == nil {
		return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}

	parts := strings.Split(host, ".")
	switch len(parts) {
	case 4:
		var b [4]byte
		for i, p := range parts {
			v, err := parseOctet(p)
			if err != nil || v > 255 {
				return nil
			}
			b[i] = byte(v)
		}
		return net.IPv4(b[0], b[1], b[2], b[3])
	case 2:
		a, errA := parseOctet(parts[0])
		rest, errB := parseOctet(parts[1])
		if errA == nil && errB == nil && a <= 255 && rest <= 0xFFFFFF {
			return net.IPv4(byte(a), byte(rest>>16), byte(rest>>8), byte(rest))
		}
	}
	return nil
}

func parseOctet(s string) (uint64, error) {
	switch {
	case s == "":
		return 0, ErrInvalidURL
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		return strconv.ParseUint(s[2:], 16, 64)
	case len(s) > 1 && s[0] == '0':
		return strconv.ParseUint(s[1:], 8, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func checkIP(ip net.IP) error {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsLoopback() {
		return ErrLocalhostBlocked
	}
	for _, m := range metadataIPs {
		if ip.Equal(m) {
			return ErrMetadataBlocked
		}
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return ErrPrivateIPBlocked
	}
	return nil
}

// NormalizeHost returns the lower-cased hostname of a URL host or cookie
// domain, without port or leading dot.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	host = strings.TrimPrefix(host, ".")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.Trim(host, "[]")
}

// CookieHost picks the store key for a cookie received from targetHost.
// A domain attribute is honoured only when it covers targetHost and is not a
// public suffix; otherwise the cookie is filed under targetHost alone.
func CookieHost(domain, targetHost string) string {
	target := NormalizeHost(targetHost)
	if domain == "" {
		return target
	}
	d := NormalizeHost(domain)
	if d == target {
		return d
	}
	if !strings.HasSuffix(target, "."+d) || net.ParseIP(target) != nil {
		return target
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(d); err != nil {
		return target
	}
	return d
}

// HostMatches reports whether host equals pattern or is a subdomain of it.
func HostMatches(host, pattern string) bool {
	host = NormalizeHost(host)
	pattern = NormalizeHost(pattern)
	if host == "" || pattern == "" {
		return false
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}
