package session

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/Rorqualx/imagegate/internal/security"
)

// Jar adapts a Store to http.CookieJar so any client can share it.
type Jar struct {
	store *Store
}

// Jar returns an http.CookieJar view of the store.
func (s *Store) Jar() *Jar {
	return &Jar{store: s}
}

// SetCookies files each cookie under its domain attribute when that domain
// covers u's host, otherwise under u's host. Expired cookies delete by name.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if u == nil {
		return
	}
	byHost := make(map[string][]*http.Cookie)
	expired := make(map[string][]string)
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		host := security.CookieHost(c.Domain, u.Host)
		if c.MaxAge < 0 {
			expired[host] = append(expired[host], c.Name)
			continue
		}
		byHost[host] = append(byHost[host], c)
	}
	for host, cs := range byHost {
		j.store.Write(host, cs)
	}
	for host, names := range expired {
		j.store.Delete(host, names...)
	}
}

// Cookies returns the cookies stored for u's host and each parent domain.
// Entries for the exact host win over parent domains.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	if u == nil {
		return nil
	}
	host := security.NormalizeHost(u.Host)

	merged := make(map[string]string)
	for _, h := range parentDomains(host) {
		for name, value := range j.store.Read(h) {
			if _, ok := merged[name]; !ok {
				merged[name] = value
			}
		}
	}
	out := make([]*http.Cookie, 0, len(merged))
	for name, value := range merged {
		out = append(out, &http.Cookie{Name: name, Value: value})
	}
	return out
}

// parentDomains lists host followed by each parent up to and including its
// registrable domain. Public suffixes are never included.
func parentDomains(host string) []string {
	out := []string{host}
	if net.ParseIP(host) != nil {
		return out
	}
	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return out
	}
	for h := host; h != root; {
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
		out = append(out, h)
	}
	return out
}

var _ http.CookieJar = (*Jar)(nil)
