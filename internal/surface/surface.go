// Package surface defines the scriptable page runner that challenge solving
// and rendered fetches drive. The browser engine behind it is swappable.
package surface

import (
	"context"
	"net/http"
	"sync"

	"github.com/Rorqualx/imagegate/internal/types"
)

// Surface is a single scriptable page. It is not safe for concurrent
// navigation: callers hold the lease from Acquire for the duration of any
// multi-step interaction.
type Surface interface {
	// Acquire blocks until the caller holds exclusive use of the surface.
	Acquire(ctx context.Context) (release func(), err error)

	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error

	// Serve loads html as the document at baseURL without a network
	// round trip for the document itself.
	Serve(ctx context.Context, baseURL, html string) error

	// Bind exposes a one-way callback as window[name](payload).
	Bind(name string, fn func(payload string)) (unbind func(), err error)

	// AddScript runs js in every document loaded from now on.
	AddScript(js string) (remove func(), err error)

	// Eval evaluates js in the current document and returns the result as
	// a JSON string.
	Eval(ctx context.Context, js string) (string, error)

	// HTML returns the serialized current document.
	HTML(ctx context.Context) (string, error)

	// Watch records the first response received for exactly url.
	Watch(url string) (*Watcher, error)

	// SetImagesEnabled toggles automatic image loading.
	SetImagesEnabled(enabled bool) error

	Cookies(ctx context.Context, url string) ([]*http.Cookie, error)
	SetCookies(ctx context.Context, url string, cookies []*http.Cookie) error

	// Stop cancels pending navigation and script work.
	Stop() error
	// Clear drops cache and navigation history.
	Clear() error
	// Close releases the surface. Further calls fail with ErrSurfaceClosed.
	Close() error
}

// Response is a network response observed by the surface.
type Response struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
	Err         error
}

// Watcher delivers the first response recorded for a watched URL.
type Watcher struct {
	ch   chan Response
	once sync.Once
	stop func()
}

// NewWatcher creates a Watcher. stop is called once by Stop.
func NewWatcher(stop func()) *Watcher {
	return &Watcher{ch: make(chan Response, 1), stop: stop}
}

// Deliver records r if nothing has been recorded yet. It never blocks.
func (w *Watcher) Deliver(r Response) {
	select {
	case w.ch <- r:
	default:
	}
}

// Wait returns the recorded response or ctx's error.
func (w *Watcher) Wait(ctx context.Context) (Response, error) {
	select {
	case r := <-w.ch:
		return r, r.Err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// C exposes the delivery channel for use in select statements.
func (w *Watcher) C() <-chan Response {
	return w.ch
}

// Stop detaches the watcher from the surface.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		if w.stop != nil {
			w.stop()
		}
	})
}

// Lease is a context-aware mutex used by Surface implementations for Acquire.
type Lease struct {
	ch     chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewLease returns an unlocked Lease.
func NewLease() *Lease {
	l := &Lease{ch: make(chan struct{}, 1), closed: make(chan struct{})}
	return l
}

// Acquire waits for the lease, ctx cancellation, or Close.
func (l *Lease) Acquire(ctx context.Context) (func(), error) {
	select {
	case <-l.closed:
		return nil, types.ErrSurfaceClosed
	default:
	}
	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l.ch }) }, nil
	case <-l.closed:
		return nil, types.ErrSurfaceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close fails all current and future Acquire calls.
func (l *Lease) Close() {
	l.once.Do(func() { close(l.closed) })
}
