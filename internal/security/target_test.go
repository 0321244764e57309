package security

import (
	"errors"
	"testing"
)

func TestValidateTarget(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"public ip", "https://93.184.216.34/a.webp", nil},
		{"file scheme", "file:///etc/passwd", ErrBlockedScheme},
		{"javascript scheme", "javascript:alert(1)", ErrBlockedScheme},
		{"no scheme", "example.com", ErrBlockedScheme},
		{"localhost", "http://localhost/admin", ErrLocalhostBlocked},
		{"localhost subdomain", "http://img.localhost/", ErrLocalhostBlocked},
		{"loopback", "http://127.0.0.1:3000", ErrLocalhostBlocked},
		{"loopback range", "http://127.8.8.8/", ErrLocalhostBlocked},
		{"decimal loopback", "http://2130706433/", ErrLocalhostBlocked},
		{"short loopback", "http://127.1/", ErrLocalhostBlocked},
		{"hex loopback", "http://0x7f.0.0.1/", ErrLocalhostBlocked},
		{"ipv6 loopback", "http://[::1]/", ErrLocalhostBlocked},
		{"mapped loopback", "http://[::ffff:127.0.0.1]/", ErrLocalhostBlocked},
		{"private 10", "http://10.1.2.3/", ErrPrivateIPBlocked},
		{"private 192.168", "http://192.168.0.10/", ErrPrivateIPBlocked},
		{"unspecified", "http://0.0.0.0/", ErrPrivateIPBlocked},
		{"metadata", "http://169.254.169.254/latest/", ErrMetadataBlocked},
		{"metadata host", "http://metadata.google.internal/", ErrLocalhostBlocked},
		{"empty", "", ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTarget(tt.url)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateTarget(%q) = %v, want %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeHost(t *testing.T) {
	tests := map[string]string{
		"Example.COM":      "example.com",
		".example.com":     "example.com",
		"example.com:8443": "example.com",
		"[::1]:80":         "::1",
		" cdn.example.com": "cdn.example.com",
	}
	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCookieHost(t *testing.T) {
	tests := []struct {
		domain, target, want string
	}{
		{"", "img.example.com", "img.example.com"},
		{".example.com", "img.example.com", "example.com"},
		{"example.com", "example.com:443", "example.com"},
		{"com", "example.com", "example.com"},
		{"evil.org", "example.com", "example.com"},
		{".co.uk", "evil.co.uk", "evil.co.uk"},
		{"github.io", "someone.github.io", "someone.github.io"},
		{".example.co.uk", "img.example.co.uk", "example.co.uk"},
		{"0.1", "127.0.0.1", "127.0.0.1"},
	}
	for _, tt := range tests {
		if got := CookieHost(tt.domain, tt.target); got != tt.want {
			t.Errorf("CookieHost(%q, %q) = %q, want %q", tt.domain, tt.target, got, tt.want)
		}
	}
}

func TestHostMatches(t *testing.T) {
	tests := []struct {
		host, pattern string
		want          bool
	}{
		{"godamanga.online", "godamanga.online", true},
		{"img.godamanga.online", "godamanga.online", true},
		{"GODAMANGA.online:443", "godamanga.online", true},
		{"notgodamanga.online", "godamanga.online", false},
		{"example.com", "godamanga.online", false},
		{"", "godamanga.online", false},
	}
	for _, tt := range tests {
		if got := HostMatches(tt.host, tt.pattern); got != tt.want {
			t.Errorf("HostMatches(%q, %q) = %v, want %v", tt.host, tt.pattern, got, tt.want)
		}
	}
}
