// Package session provides the process-wide cookie store shared by every
// outbound request, the challenge solver and the rendering surface.
package session

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/imagegate/internal/security"
)

// Credential is a point-in-time copy of the cookies stored for one host.
type Credential struct {
	Host        string
	Cookies     map[string]string
	LastUpdated time.Time
}

type entry struct {
	cookies     map[string]string
	lastUpdated time.Time
}

// Store is a thread-safe cookie cache keyed by host.
// Writes merge by cookie name; nothing expires until Clear or Flush.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Write merges cookies into the entry for host. A cookie replaces an existing
// value with the same name; other names are left untouched. Cookies without
// a name are ignored.
func (s *Store) Write(host string, cookies []*http.Cookie) {
	host = security.NormalizeHost(host)
	if host == "" || len(cookies) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[host]
	if !ok {
		e = &entry{cookies: make(map[string]string, len(cookies))}
		s.entries[host] = e
	}
	written := 0
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		e.cookies[c.Name] = c.Value
		written++
	}
	if written == 0 && !ok {
		delete(s.entries, host)
		return
	}
	e.lastUpdated = s.now()

	log.Debug().
		Str("host", host).
		Int("written", written).
		Int("total", len(e.cookies)).
		Msg("Session cookies updated")
}

// WriteValues is Write for a plain name/value map.
func (s *Store) WriteValues(host string, values map[string]string) {
	cookies := make([]*http.Cookie, 0, len(values))
	for name, value := range values {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value})
	}
	s.Write(host, cookies)
}

// Read returns a copy of the cookies for host. Unknown hosts yield an empty,
// non-nil map.
func (s *Store) Read(host string) map[string]string {
	host = security.NormalizeHost(host)

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[host]
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(e.cookies))
	for k, v := range e.cookies {
		out[k] = v
	}
	return out
}

// Cookies returns the cookies for host as request cookies, sorted by name.
func (s *Store) Cookies(host string) []*http.Cookie {
	values := s.Read(host)
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		out = append(out, &http.Cookie{Name: name, Value: values[name]})
	}
	return out
}

// Credential returns a copy of the stored entry for host.
func (s *Store) Credential(host string) (Credential, bool) {
	host = security.NormalizeHost(host)

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[host]
	if !ok {
		return Credential{}, false
	}
	c := Credential{
		Host:        host,
		Cookies:     make(map[string]string, len(e.cookies)),
		LastUpdated: e.lastUpdated,
	}
	for k, v := range e.cookies {
		c.Cookies[k] = v
	}
	return c, true
}

// LastUpdated returns when host was last written, or the zero time.
func (s *Store) LastUpdated(host string) time.Time {
	host = security.NormalizeHost(host)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.entries[host]; ok {
		return e.lastUpdated
	}
	return time.Time{}
}

// Delete removes the named cookies from host.
func (s *Store) Delete(host string, names ...string) {
	host = security.NormalizeHost(host)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[host]
	if !ok {
		return
	}
	for _, n := range names {
		delete(e.cookies, n)
	}
	if len(e.cookies) == 0 {
		delete(s.entries, host)
		return
	}
	e.lastUpdated = s.now()
}

// Hosts returns the hosts that currently hold cookies, sorted.
func (s *Store) Hosts() []string {
	s.mu.RLock()
	hosts := make([]string, 0, len(s.entries))
	for h := range s.entries {
		hosts = append(hosts, h)
	}
	s.mu.RUnlock()

	sort.Strings(hosts)
	return hosts
}

// Count returns the number of hosts with stored cookies.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear drops every cookie stored for host.
func (s *Store) Clear(host string) {
	host = security.NormalizeHost(host)

	s.mu.Lock()
	delete(s.entries, host)
	s.mu.Unlock()

	log.Debug().Str("host", host).Msg("Session cleared")
}

// Flush drops every stored cookie.
func (s *Store) Flush() {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	log.Info().Int("hosts", n).Msg("Session store flushed")
}
