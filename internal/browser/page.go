package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/imagegate/internal/security"
	"github.com/Rorqualx/imagegate/internal/surface"
	"github.com/Rorqualx/imagegate/internal/types"
)

// maxCapturedBody caps response bodies delivered to watchers.
const maxCapturedBody = 64 << 20

// Page is a surface.Surface backed by a single Chrome tab.
type Page struct {
	browser *rod.Browser
	page    *rod.Page
	cleanup func()
	proxy   proxyAuth
	lease   *surface.Lease

	mu            sync.Mutex
	closed        bool
	imagesEnabled bool
	served        *servedDoc
	watchers      map[string]*surface.Watcher
	pending       map[proto.NetworkRequestID]pendingResponse

	stopEvents context.CancelFunc
	eventsDone chan struct{}
}

type servedDoc struct {
	url  string
	html string
}

type pendingResponse struct {
	watcher *surface.Watcher
	resp    surface.Response
}

var _ surface.Surface = (*Page)(nil)

// New launches (or attaches to) Chrome and opens one stealth tab with
// request interception enabled. userAgent overrides the browser's own when
// set so solved clearances stay valid for the HTTP client.
func New(opts LaunchOptions, userAgent string) (*Page, error) {
	proxy, err := parseProxy(opts.ProxyURL)
	if err != nil {
		return nil, err
	}

	b, cleanup, err := connect(opts, proxy)
	if err != nil {
		return nil, err
	}

	rp, err := stealth.Page(b)
	if err != nil {
		_ = b.Close()
		cleanup()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	p := &Page{
		browser:       b,
		page:          rp,
		cleanup:       cleanup,
		proxy:         proxy,
		lease:         surface.NewLease(),
		imagesEnabled: true,
		watchers:      make(map[string]*surface.Watcher),
		pending:       make(map[proto.NetworkRequestID]pendingResponse),
	}

	if err := p.setup(userAgent); err != nil {
		_ = p.Close()
		return nil, err
	}

	log.Info().Bool("headless", opts.Headless).Bool("attached", opts.ControlURL != "").Msg("Rendering surface ready")
	return p, nil
}

func (p *Page) setup(userAgent string) error {
	if userAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: userAgent}).Call(p.page); err != nil {
			return fmt.Errorf("failed to set user agent: %w", err)
		}
	}
	if err := (proto.NetworkEnable{}).Call(p.page); err != nil {
		return fmt.Errorf("failed to enable network domain: %w", err)
	}
	err := proto.FetchEnable{
		Patterns:           []*proto.FetchRequestPattern{{URLPattern: "*"}},
		HandleAuthRequests: p.proxy.username != "",
	}.Call(p.page)
	if err != nil {
		return fmt.Errorf("failed to enable request interception: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.stopEvents = cancel
	p.eventsDone = make(chan struct{})

	wait := p.page.Context(ctx).EachEvent(
		func(e *proto.FetchRequestPaused) { go p.onRequestPaused(e) },
		func(e *proto.FetchAuthRequired) { go p.onAuthRequired(e) },
		func(e *proto.NetworkResponseReceived) { p.onResponse(e) },
		func(e *proto.NetworkLoadingFinished) { go p.onLoadingFinished(e) },
		func(e *proto.NetworkLoadingFailed) { p.onLoadingFailed(e) },
	)
	go func() {
		defer close(p.eventsDone)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Recovered from panic in surface event loop")
			}
		}()
		wait()
	}()
	return nil
}

// onRequestPaused serves pending documents, drops images while they are
// disabled, and lets everything else through.
func (p *Page) onRequestPaused(e *proto.FetchRequestPaused) {
	reqURL := ""
	if e.Request != nil {
		reqURL = e.Request.URL
	}

	p.mu.Lock()
	var doc *servedDoc
	if p.served != nil && e.ResourceType == proto.NetworkResourceTypeDocument && sameDocument(p.served.url, reqURL) {
		doc = p.served
		p.served = nil
	}
	block := !p.imagesEnabled && e.ResourceType == proto.NetworkResourceTypeImage
	p.mu.Unlock()

	var err error
	switch {
	case doc != nil:
		err = proto.FetchFulfillRequest{
			RequestID:    e.RequestID,
			ResponseCode: http.StatusOK,
			ResponseHeaders: []*proto.FetchHeaderEntry{
				{Name: "Content-Type", Value: "text/html; charset=utf-8"},
				{Name: "Cache-Control", Value: "no-store"},
			},
			Body: []byte(doc.html),
		}.Call(p.page)
	case block:
		err = proto.FetchFailRequest{
			RequestID:   e.RequestID,
			ErrorReason: proto.NetworkErrorReasonBlockedByClient,
		}.Call(p.page)
	default:
		err = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(p.page)
	}
	if err != nil {
		// The request may already be gone after a navigation or Stop.
		log.Debug().Err(err).Str("url", security.RedactURL(reqURL)).Msg("Intercepted request not resumed")
	}
}

func (p *Page) onAuthRequired(e *proto.FetchAuthRequired) {
	_ = proto.FetchContinueWithAuth{
		RequestID: e.RequestID,
		AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
			Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
			Username: p.proxy.username,
			Password: p.proxy.password,
		},
	}.Call(p.page)
}

func (p *Page) onResponse(e *proto.NetworkResponseReceived) {
	if e.Response == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.watchers[e.Response.URL]
	if !ok {
		return
	}
	// First response wins.
	delete(p.watchers, e.Response.URL)
	p.pending[e.RequestID] = pendingResponse{
		watcher: w,
		resp: surface.Response{
			URL:         e.Response.URL,
			Status:      e.Response.Status,
			ContentType: headerValue(e.Response.Headers, "Content-Type", e.Response.MIMEType),
		},
	}
}

func (p *Page) onLoadingFinished(e *proto.NetworkLoadingFinished) {
	pr, ok := p.takePending(e.RequestID)
	if !ok {
		return
	}
	body, err := proto.NetworkGetResponseBody{RequestID: e.RequestID}.Call(p.page)
	if err != nil {
		pr.resp.Err = fmt.Errorf("read response body: %w", err)
		pr.watcher.Deliver(pr.resp)
		return
	}
	data := []byte(body.Body)
	if body.Base64Encoded {
		data, err = base64.StdEncoding.DecodeString(body.Body)
		if err != nil {
			pr.resp.Err = fmt.Errorf("decode response body: %w", err)
			pr.watcher.Deliver(pr.resp)
			return
		}
	}
	if len(data) > maxCapturedBody {
		pr.resp.Err = fmt.Errorf("response body exceeds %d bytes", maxCapturedBody)
		pr.watcher.Deliver(pr.resp)
		return
	}
	pr.resp.Body = data
	pr.watcher.Deliver(pr.resp)
}

func (p *Page) onLoadingFailed(e *proto.NetworkLoadingFailed) {
	pr, ok := p.takePending(e.RequestID)
	if !ok {
		return
	}
	pr.resp.Err = errors.New(e.ErrorText)
	pr.watcher.Deliver(pr.resp)
}

func (p *Page) takePending(id proto.NetworkRequestID) (pendingResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	return pr, ok
}

func (p *Page) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return types.ErrSurfaceClosed
	}
	return nil
}

// Acquire implements surface.Surface.
func (p *Page) Acquire(ctx context.Context) (func(), error) {
	return p.lease.Acquire(ctx)
}

// Navigate implements surface.Surface.
func (p *Page) Navigate(ctx context.Context, u string) error {
	if err := p.check(); err != nil {
		return err
	}
	pg := p.page.Context(ctx)
	if err := pg.Navigate(u); err != nil {
		return err
	}
	return pg.WaitLoad()
}

// Serve implements surface.Surface. It returns once the served document
// has been committed; subresources keep loading.
func (p *Page) Serve(ctx context.Context, baseURL, html string) error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	p.served = &servedDoc{url: baseURL, html: html}
	p.mu.Unlock()

	if err := p.page.Context(ctx).Navigate(baseURL); err != nil {
		p.mu.Lock()
		p.served = nil
		p.mu.Unlock()
		return err
	}
	return nil
}

// Bind implements surface.Surface. String arguments are passed through
// as-is and anything else as its JSON encoding.
func (p *Page) Bind(name string, fn func(payload string)) (func(), error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	stop, err := p.page.Expose(name, func(arg gson.JSON) (interface{}, error) {
		fn(payloadString(arg))
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", name, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := stop(); err != nil {
				log.Debug().Err(err).Str("binding", name).Msg("Unbind failed")
			}
		})
	}, nil
}

func payloadString(arg gson.JSON) string {
	if s, ok := arg.Val().(string); ok {
		return s
	}
	return arg.JSON("", "")
}

// AddScript implements surface.Surface.
func (p *Page) AddScript(js string) (func(), error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	remove, err := p.page.EvalOnNewDocument(js)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { _ = remove() })
	}, nil
}

// Eval implements surface.Surface. js is evaluated as an expression;
// promises are awaited.
func (p *Page) Eval(ctx context.Context, js string) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	res, err := proto.RuntimeEvaluate{
		Expression:    js,
		ReturnByValue: true,
		AwaitPromise:  true,
	}.Call(p.page.Context(ctx))
	if err != nil {
		return "", err
	}
	if res.ExceptionDetails != nil {
		return "", fmt.Errorf("script error: %s", res.ExceptionDetails.Text)
	}
	if res.Result == nil {
		return "null", nil
	}
	return jsonResult(res.Result.Value), nil
}

func jsonResult(v gson.JSON) string {
	if v.Nil() {
		return "null"
	}
	return v.JSON("", "")
}

// HTML implements surface.Surface.
func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	return p.page.Context(ctx).HTML()
}

// Watch implements surface.Surface.
func (p *Page) Watch(u string) (*surface.Watcher, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	var w *surface.Watcher
	w = surface.NewWatcher(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.watchers[u] == w {
			delete(p.watchers, u)
		}
		for id, pr := range p.pending {
			if pr.watcher == w {
				delete(p.pending, id)
			}
		}
	})
	p.mu.Lock()
	p.watchers[u] = w
	p.mu.Unlock()
	return w, nil
}

// SetImagesEnabled implements surface.Surface.
func (p *Page) SetImagesEnabled(enabled bool) error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	p.imagesEnabled = enabled
	p.mu.Unlock()
	return nil
}

// Cookies implements surface.Surface.
func (p *Page) Cookies(ctx context.Context, u string) ([]*http.Cookie, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	res, err := proto.NetworkGetCookies{Urls: []string{u}}.Call(p.page.Context(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		out = append(out, fromNetworkCookie(c))
	}
	return out, nil
}

// SetCookies implements surface.Surface.
func (p *Page) SetCookies(ctx context.Context, u string, cookies []*http.Cookie) error {
	if err := p.check(); err != nil {
		return err
	}
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, toCookieParam(u, c))
	}
	return proto.NetworkSetCookies{Cookies: params}.Call(p.page.Context(ctx))
}

// Stop implements surface.Surface.
func (p *Page) Stop() error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	p.served = nil
	p.mu.Unlock()
	return proto.PageStopLoading{}.Call(p.page)
}

// Clear implements surface.Surface.
func (p *Page) Clear() error {
	if err := p.check(); err != nil {
		return err
	}
	if err := (proto.NetworkClearBrowserCache{}).Call(p.page); err != nil {
		return err
	}
	return proto.PageResetNavigationHistory{}.Call(p.page)
}

// Close implements surface.Surface.
func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.lease.Close()
	if p.stopEvents != nil {
		p.stopEvents()
		select {
		case <-p.eventsDone:
		case <-time.After(5 * time.Second):
			log.Warn().Msg("Timeout waiting for surface event loop to stop")
		}
	}

	var errs []error
	if err := p.page.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close page: %w", err))
	}
	if err := p.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close browser: %w", err))
	}
	p.cleanup()

	log.Info().Msg("Rendering surface closed")
	return errors.Join(errs...)
}

// sameDocument compares two document URLs ignoring fragments and the
// empty-versus-root path difference.
func sameDocument(a, b string) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	if err1 != nil || err2 != nil {
		return a == b
	}
	norm := func(u *url.URL) string {
		u.Fragment = ""
		if u.Path == "" {
			u.Path = "/"
		}
		return u.String()
	}
	return norm(ua) == norm(ub)
}

func headerValue(h proto.NetworkHeaders, name, fallback string) string {
	for k, v := range h {
		if http.CanonicalHeaderKey(k) == name {
			if s := v.Str(); s != "" {
				return s
			}
		}
	}
	return fallback
}

func fromNetworkCookie(c *proto.NetworkCookie) *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HttpOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if !c.Session && c.Expires > 0 {
		hc.Expires = time.Unix(int64(c.Expires), 0)
	}
	switch c.SameSite {
	case proto.NetworkCookieSameSiteStrict:
		hc.SameSite = http.SameSiteStrictMode
	case proto.NetworkCookieSameSiteLax:
		hc.SameSite = http.SameSiteLaxMode
	case proto.NetworkCookieSameSiteNone:
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}

func toCookieParam(u string, c *http.Cookie) *proto.NetworkCookieParam {
	param := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
	}
	// Host-only cookies are scoped by URL.
	if c.Domain == "" {
		param.URL = u
	}
	if !c.Expires.IsZero() {
		param.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
	}
	return param
}
