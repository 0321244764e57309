// Package bypass sends requests to challenge-protected hosts with a browser
// header set and escalates blocked responses to a single challenge solve.
package bypass

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/Rorqualx/imagegate/internal/challenge"
	"github.com/Rorqualx/imagegate/internal/httpclient"
	"github.com/Rorqualx/imagegate/internal/metrics"
	"github.com/Rorqualx/imagegate/internal/security"
	"github.com/Rorqualx/imagegate/internal/session"
	"github.com/Rorqualx/imagegate/internal/types"
)

// TokenHeader carries the completion token on the replayed request.
const TokenHeader = "cf-turnstile-response"

// Solver solves the challenge served at a URL.
type Solver interface {
	Solve(ctx context.Context, targetURL string) (*challenge.Solution, error)
}

// Options configure an Orchestrator.
type Options struct {
	// Allow reports whether a normalized host is on the bypass allowlist.
	// nil allows nothing.
	Allow   func(host string) bool
	Headers HeaderSet
}

// Resolution is the credential obtained by Resolve.
type Resolution struct {
	Host     string
	Token    string
	Cookies  []*http.Cookie
	Duration time.Duration
}

// Orchestrator applies bypass headers and session cookies to allowlisted
// hosts and performs at most one solve-and-replay per Execute. Solves are
// serialized process-wide.
type Orchestrator struct {
	client  httpclient.Doer
	solver  Solver
	store   *session.Store
	headers HeaderSet
	allow   func(string) bool

	sem   *semaphore.Weighted
	group singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// New creates an Orchestrator.
func New(client httpclient.Doer, solver Solver, store *session.Store, opts Options) *Orchestrator {
	return &Orchestrator{
		client:  client,
		solver:  solver,
		store:   store,
		headers: opts.Headers,
		allow:   opts.Allow,
		sem:     semaphore.NewWeighted(1),
		flights: make(map[string]*flight),
	}
}

type execOptions struct {
	expect string
}

// ExecOption customizes a single Execute call.
type ExecOption func(*execOptions)

// ExpectContent treats a 2xx response whose Content-Type lacks prefix as
// blocked.
func ExpectContent(prefix string) ExecOption {
	return func(o *execOptions) { o.expect = strings.ToLower(prefix) }
}

// Applies reports whether host is on the allowlist.
func (o *Orchestrator) Applies(host string) bool {
	h := security.NormalizeHost(host)
	return h != "" && o.allow != nil && o.allow(h)
}

// Decorate adds the bypass headers and stored cookies to req when its host
// is allowlisted. It reports whether req was changed.
func (o *Orchestrator) Decorate(req *http.Request) bool {
	if req.URL == nil || !o.Applies(req.URL.Host) {
		return false
	}
	o.headers.Apply(req, VariantFor(req))
	o.attachCookies(req)
	return true
}

// Execute sends req. Requests to hosts off the allowlist pass through
// untouched. For allowlisted hosts a blocked response triggers one solve; on
// success the request is rebuilt with current cookies and the token and
// sent exactly once more. When the solve fails the original blocked response
// is returned with its body intact. Transport errors are returned as
// *types.FetchError and never retried.
func (o *Orchestrator) Execute(ctx context.Context, req *http.Request, opts ...ExecOption) (*http.Response, error) {
	var eo execOptions
	for _, opt := range opts {
		opt(&eo)
	}
	req = req.WithContext(ctx)
	target := req.URL.String()

	if !o.Applies(req.URL.Host) {
		resp, err := o.client.Do(req)
		if err != nil {
			return nil, types.NewTransportError(target, err)
		}
		return resp, nil
	}

	body, err := bufferRequestBody(req)
	if err != nil {
		return nil, types.NewTransportError(target, err)
	}

	resp, err := o.client.Do(o.prepare(ctx, req, body))
	if err != nil {
		return nil, types.NewTransportError(target, err)
	}

	blocked, signal := isBlocked(resp, eo.expect)
	if !blocked {
		return resp, nil
	}

	log.Info().
		Str("url", security.RedactURL(target)).
		Int("status", resp.StatusCode).
		Str("signal", signal.Code).
		Msg("Blocked response, solving challenge")

	sol, err := o.solve(ctx, target)
	if err != nil {
		metrics.RecordEscalation("solve_failed")
		log.Warn().Err(err).Str("url", security.RedactURL(target)).Msg("Solve failed, returning blocked response")
		return resp, nil
	}
	o.storeCookies(req.URL, sol.Cookies)

	retry := o.prepare(ctx, req, body)
	retry.Header.Set(TokenHeader, sol.Token)

	out, err := o.client.Do(retry)
	if err != nil {
		metrics.RecordEscalation("replay_failed")
		return nil, types.NewTransportError(target, err)
	}
	resp.Body.Close()

	metrics.RecordEscalation("replayed")
	log.Info().
		Str("url", security.RedactURL(target)).
		Int("status", out.StatusCode).
		Msg("Replayed request after solve")
	return out, nil
}

// IsBlocked reports whether resp signals a block. A 403 always does; a 503
// does when its body is a challenge page. With a non-empty expect, a 2xx
// whose Content-Type lacks that prefix is blocked too. Inspected bodies are
// re-buffered so the caller can still read them.
func (o *Orchestrator) IsBlocked(resp *http.Response, expect string) bool {
	blocked, _ := isBlocked(resp, strings.ToLower(expect))
	return blocked
}

// Resolve solves the challenge for host over https and returns the
// resulting token and the host's cookies.
func (o *Orchestrator) Resolve(ctx context.Context, host string) (*Resolution, error) {
	return o.ResolveOrigin(ctx, &url.URL{Scheme: "https", Host: host})
}

// ResolveOrigin solves the challenge served at the root of origin, keeping
// its scheme and port. Concurrent calls for one origin share a single solve,
// which is cancelled once every caller has returned.
func (o *Orchestrator) ResolveOrigin(ctx context.Context, origin *url.URL) (*Resolution, error) {
	if origin == nil {
		return nil, types.ErrHostRequired
	}
	host := security.NormalizeHost(origin.Host)
	if host == "" {
		return nil, types.ErrHostRequired
	}
	if !o.Applies(host) {
		return nil, types.ErrHostNotAllowed
	}
	target := originURL(origin.Scheme, host, origin.Port())
	key := target.String()

	f := o.join(ctx, key)
	defer o.leave(key, f)

	ch := o.group.DoChan(key, func() (interface{}, error) {
		start := time.Now()
		sol, err := o.solve(f.ctx, key)
		if err != nil {
			metrics.RecordEscalation("resolve_failed")
			return nil, err
		}
		o.storeCookies(target, sol.Cookies)
		metrics.RecordEscalation("resolved")

		return &Resolution{
			Host:     host,
			Token:    sol.Token,
			Cookies:  o.store.Cookies(host),
			Duration: time.Since(start),
		}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Resolution), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flight is the context shared by every caller waiting on one solve.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (o *Orchestrator) join(ctx context.Context, key string) *flight {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		o.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops a waiter. The last one out cancels the solve and forgets it so
// a later caller starts afresh.
func (o *Orchestrator) leave(key string, f *flight) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if o.flights[key] == f {
		delete(o.flights, key)
	}
	o.group.Forget(key)
}

// originURL is scheme://host[:port]/ with the scheme's default port dropped.
// Anything but http is treated as https.
func originURL(scheme, host, port string) *url.URL {
	scheme = strings.ToLower(scheme)
	if scheme != "http" {
		scheme = "https"
	}
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	switch {
	case port != "":
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	return &url.URL{Scheme: scheme, Host: host, Path: "/"}
}

var errNoSolver = errors.New("no challenge solver configured")

func (o *Orchestrator) solve(ctx context.Context, target string) (*challenge.Solution, error) {
	if o.solver == nil {
		return nil, types.NewChallengeLoadError(target, errNoSolver)
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, types.NewChallengeLoadError(target, err)
	}
	defer o.sem.Release(1)
	return o.solver.Solve(ctx, target)
}

func (o *Orchestrator) storeCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	o.store.Jar().SetCookies(u, cookies)
	metrics.UpdateSessionHosts(o.store.Count())
}

// prepare clones req with the bypass headers and the host's current cookies.
func (o *Orchestrator) prepare(ctx context.Context, req *http.Request, body []byte) *http.Request {
	out := req.Clone(ctx)
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}
	o.headers.Apply(out, VariantFor(req))
	o.attachCookies(out)
	return out
}

func (o *Orchestrator) attachCookies(req *http.Request) {
	cookies := o.store.Jar().Cookies(req.URL)
	if len(cookies) == 0 {
		return
	}
	req.Header.Del("Cookie")
	for _, c := range cookies {
		req.AddCookie(c)
	}
}

func isBlocked(resp *http.Response, expect string) (bool, Signal) {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case resp.StatusCode == http.StatusForbidden:
		return true, Classify(resp.StatusCode, string(rebufferBody(resp)))
	case resp.StatusCode == http.StatusServiceUnavailable:
		body := rebufferBody(resp)
		if challenge.IsChallengeBody(ct, body, nil) {
			return true, Signal{"HTTP_503", CategoryChallenge, "Challenge page behind 503"}
		}
		if s := Classify(resp.StatusCode, string(body)); s.Category == CategoryChallenge {
			return true, s
		}
	case expect != "" && resp.StatusCode >= 200 && resp.StatusCode < 300 && !strings.HasPrefix(ct, expect):
		body := rebufferBody(resp)
		s := Classify(resp.StatusCode, string(body))
		if s.Code == "" {
			s = Signal{"UNEXPECTED_CONTENT", CategoryChallenge, "Expected " + expect + " content, got " + ct}
		}
		return true, s
	}
	return false, Signal{}
}

// rebufferBody reads resp.Body fully and replaces it with an in-memory copy.
func rebufferBody(resp *http.Response) []byte {
	if resp.Body == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, httpclient.MaxBodySize))
	resp.Body.Close()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to buffer response body")
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return data
}

func bufferRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}
