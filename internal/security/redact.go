package security

import (
	"net/url"
	"strings"
)

// RedactURL removes credentials and secret-looking query values from a URL
// so it can be logged.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	if u.User != nil {
		u.User = url.User("[REDACTED]")
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if isSensitiveParam(key) {
				q[key] = []string{"[REDACTED]"}
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

var sensitiveParams = []string{
	"token", "secret", "password", "passwd", "key", "auth",
	"session", "sid", "signature", "sig", "credential",
}

func isSensitiveParam(name string) bool {
	name = strings.ToLower(name)
	for _, p := range sensitiveParams {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// RedactProxyURL masks the password of a proxy URL.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "[REDACTED]")
		}
	}
	return u.String()
}
