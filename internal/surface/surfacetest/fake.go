// Package surfacetest provides an in-memory surface.Surface for tests.
package surfacetest

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/Rorqualx/imagegate/internal/surface"
	"github.com/Rorqualx/imagegate/internal/types"
)

// Fake records every call and lets tests script navigation outcomes,
// callback deliveries and watched responses.
type Fake struct {
	// Hooks run without the fake's lock held, so they may call Emit,
	// Respond or SetCookies.
	OnNavigate func(f *Fake, url string) error
	OnServe    func(f *Fake, baseURL, html string) error
	OnEval     func(js string) (string, error)

	lease *surface.Lease

	mu            sync.Mutex
	bindings      map[string]func(string)
	scripts       map[int]string
	nextScript    int
	watchers      map[string]*surface.Watcher
	cookies       map[string]map[string]string
	imagesEnabled bool
	html          string
	closed        bool

	navigations []string
	served      []string
	stops       int
	clears      int
}

// New returns a Fake with images enabled and no hooks.
func New() *Fake {
	return &Fake{
		lease:         surface.NewLease(),
		bindings:      make(map[string]func(string)),
		scripts:       make(map[int]string),
		watchers:      make(map[string]*surface.Watcher),
		cookies:       make(map[string]map[string]string),
		imagesEnabled: true,
	}
}

var _ surface.Surface = (*Fake)(nil)

func (f *Fake) Acquire(ctx context.Context) (func(), error) {
	return f.lease.Acquire(ctx)
}

func (f *Fake) Navigate(ctx context.Context, u string) error {
	if err := f.check(); err != nil {
		return err
	}
	f.mu.Lock()
	f.navigations = append(f.navigations, u)
	hook := f.OnNavigate
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		return hook(f, u)
	}
	return nil
}

func (f *Fake) Serve(ctx context.Context, baseURL, html string) error {
	if err := f.check(); err != nil {
		return err
	}
	f.mu.Lock()
	f.served = append(f.served, baseURL)
	f.html = html
	hook := f.OnServe
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		return hook(f, baseURL, html)
	}
	return nil
}

func (f *Fake) Bind(name string, fn func(string)) (func(), error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.bindings[name] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.bindings, name)
		f.mu.Unlock()
	}, nil
}

func (f *Fake) AddScript(js string) (func(), error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	id := f.nextScript
	f.nextScript++
	f.scripts[id] = js
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.scripts, id)
		f.mu.Unlock()
	}, nil
}

func (f *Fake) Eval(ctx context.Context, js string) (string, error) {
	if err := f.check(); err != nil {
		return "", err
	}
	if f.OnEval != nil {
		return f.OnEval(js)
	}
	return "null", nil
}

func (f *Fake) HTML(ctx context.Context) (string, error) {
	if err := f.check(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.html, nil
}

func (f *Fake) Watch(u string) (*surface.Watcher, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	var w *surface.Watcher
	w = surface.NewWatcher(func() {
		f.mu.Lock()
		if f.watchers[u] == w {
			delete(f.watchers, u)
		}
		f.mu.Unlock()
	})
	f.mu.Lock()
	f.watchers[u] = w
	f.mu.Unlock()
	return w, nil
}

func (f *Fake) SetImagesEnabled(enabled bool) error {
	if err := f.check(); err != nil {
		return err
	}
	f.mu.Lock()
	f.imagesEnabled = enabled
	f.mu.Unlock()
	return nil
}

func (f *Fake) Cookies(ctx context.Context, u string) ([]*http.Cookie, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	host := hostOf(u)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*http.Cookie
	for name, value := range f.cookies[host] {
		out = append(out, &http.Cookie{Name: name, Value: value, Domain: host})
	}
	return out, nil
}

func (f *Fake) SetCookies(ctx context.Context, u string, cookies []*http.Cookie) error {
	if err := f.check(); err != nil {
		return err
	}
	host := hostOf(u)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cookies[host] == nil {
		f.cookies[host] = make(map[string]string)
	}
	for _, c := range cookies {
		f.cookies[host][c.Name] = c.Value
	}
	return nil
}

func (f *Fake) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *Fake) Clear() error {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.lease.Close()
	return nil
}

// Emit invokes the callback bound under name. It reports false when nothing
// is bound.
func (f *Fake) Emit(name, payload string) bool {
	f.mu.Lock()
	fn := f.bindings[name]
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(payload)
	return true
}

// Respond delivers r to the watcher for url. It reports false when nothing
// watches url.
func (f *Fake) Respond(u string, r surface.Response) bool {
	f.mu.Lock()
	w := f.watchers[u]
	f.mu.Unlock()
	if w == nil {
		return false
	}
	if r.URL == "" {
		r.URL = u
	}
	w.Deliver(r)
	return true
}

// Scripts returns the scripts currently registered with AddScript.
func (f *Fake) Scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.scripts))
	for i := 0; i < f.nextScript; i++ {
		if s, ok := f.scripts[i]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Stats is a snapshot of recorded calls.
type Stats struct {
	Navigations   []string
	Served        []string
	Stops         int
	Clears        int
	ImagesEnabled bool
	Closed        bool
	Bindings      int
	Watchers      int
}

// Stats returns a snapshot of recorded calls.
func (f *Fake) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Navigations:   append([]string(nil), f.navigations...),
		Served:        append([]string(nil), f.served...),
		Stops:         f.stops,
		Clears:        f.clears,
		ImagesEnabled: f.imagesEnabled,
		Closed:        f.closed,
		Bindings:      len(f.bindings),
		Watchers:      len(f.watchers),
	}
}

func (f *Fake) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return types.ErrSurfaceClosed
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Hostname()
}
