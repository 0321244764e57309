// Package fetch obtains resource bytes through an escalating chain of
// strategies: a direct request, a rendered wrapper page, a solve followed by
// another rendered attempt, and finally a plain retrying loader.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/imagegate/internal/bypass"
	"github.com/Rorqualx/imagegate/internal/challenge"
	"github.com/Rorqualx/imagegate/internal/fallback"
	"github.com/Rorqualx/imagegate/internal/httpclient"
	"github.com/Rorqualx/imagegate/internal/metrics"
	"github.com/Rorqualx/imagegate/internal/security"
	"github.com/Rorqualx/imagegate/internal/session"
	"github.com/Rorqualx/imagegate/internal/surface"
	"github.com/Rorqualx/imagegate/internal/types"
)

// Decorator adds bypass headers and cookies to allowlisted requests.
type Decorator interface {
	Decorate(req *http.Request) bool
}

// Resolver solves the challenge served at an origin.
type Resolver interface {
	ResolveOrigin(ctx context.Context, origin *url.URL) (*bypass.Resolution, error)
}

// Loader is the surface-independent last resort.
type Loader interface {
	Load(ctx context.Context, rawURL string) (*fallback.Image, error)
}

// Deps are the collaborators a Pipeline drives. Any of Surface, Resolver and
// Fallback may be nil, in which case the matching strategy fails.
type Deps struct {
	Client    httpclient.Doer
	Surface   surface.Surface
	Store     *session.Store
	Decorator Decorator
	Resolver  Resolver
	Fallback  Loader
}

// Options configure a Pipeline. SolveAndRetry runs for SolveTimeout plus
// StrategyTimeout; every other strategy for StrategyTimeout.
type Options struct {
	StrategyTimeout time.Duration
	SolveTimeout    time.Duration
	SafetyMargin    int
	DefaultWidth    int
	DefaultHeight   int
}

// Result is a successfully fetched resource.
type Result struct {
	URL         string
	Bytes       []byte
	ContentType string
	Strategies  []Strategy
	Final       Strategy
	Width       int
	Height      int
	Measured    bool
}

// Pipeline runs the strategy chain for one resource at a time per call.
type Pipeline struct {
	deps Deps
	opts Options
}

// New creates a Pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if opts.StrategyTimeout <= 0 {
		opts.StrategyTimeout = 20 * time.Second
	}
	if opts.SolveTimeout <= 0 {
		opts.SolveTimeout = 30 * time.Second
	}
	if opts.DefaultWidth <= 0 {
		opts.DefaultWidth = 318
	}
	if opts.DefaultHeight <= 0 {
		opts.DefaultHeight = 453
	}
	if deps.Store == nil {
		deps.Store = session.NewStore()
	}
	return &Pipeline{deps: deps, opts: opts}
}

// Run fetches rawURL, escalating through the strategies until one succeeds.
// The only error returned is a *types.FetchError matching
// types.ErrExhaustedStrategies, wrapping the last strategy's cause.
func (p *Pipeline) Run(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()
	res := &Result{URL: rawURL}
	m := NewMeasurement(p.opts.SafetyMargin, p.opts.DefaultWidth, p.opts.DefaultHeight)

	state := State{Strategy: RawIntercept, Outcome: Pending}
	var last Outcome
	for !state.Terminal() {
		if err := ctx.Err(); err != nil {
			last = FailedWith(err)
			break
		}

		strategy := state.Strategy
		sctx, cancel := context.WithTimeout(ctx, p.budget(strategy))
		out := p.run(sctx, strategy, rawURL, m)
		cancel()
		if out.Kind == Success && len(out.Bytes) == 0 {
			out = FailedWith(types.NewTransportError(rawURL, errEmptyResource))
		}

		res.Strategies = append(res.Strategies, strategy)
		metrics.RecordStrategy(strategy.String(), out.Kind == Success)
		log.Debug().
			Str("url", security.RedactURL(rawURL)).
			Str("strategy", strategy.String()).
			Str("outcome", out.Kind.String()).
			Err(out.Err).
			Msg("Strategy finished")

		state = Next(state, out)
		last = out
	}

	if state.Outcome != Success {
		metrics.RecordFetch("failed")
		log.Warn().
			Str("url", security.RedactURL(rawURL)).
			Int("strategies", len(res.Strategies)).
			Dur("duration", time.Since(start)).
			Msg("All fetch strategies failed")
		return nil, types.NewExhaustedError(rawURL, last.Err)
	}

	res.Final = state.Strategy
	res.Bytes = last.Bytes
	res.ContentType = last.ContentType
	m.ApplyBytes(res.Bytes)
	res.Width, res.Height, res.Measured = m.Size()

	metrics.RecordFetch(res.Final.String())
	log.Info().
		Str("url", security.RedactURL(rawURL)).
		Str("strategy", res.Final.String()).
		Int("bytes", len(res.Bytes)).
		Dur("duration", time.Since(start)).
		Msg("Resource fetched")
	return res, nil
}

var errEmptyResource = errors.New("strategy succeeded without bytes")

func (p *Pipeline) budget(s Strategy) time.Duration {
	if s == SolveAndRetry {
		return p.opts.SolveTimeout + p.opts.StrategyTimeout
	}
	return p.opts.StrategyTimeout
}

func (p *Pipeline) run(ctx context.Context, s Strategy, rawURL string, m *Measurement) Outcome {
	switch s {
	case RawIntercept:
		return p.rawIntercept(ctx, rawURL)
	case RenderedPage:
		return p.renderedPage(ctx, rawURL, m)
	case SolveAndRetry:
		return p.solveAndRetry(ctx, rawURL, m)
	case GenericFallback:
		return p.genericFallback(ctx, rawURL)
	}
	return FailedWith(fmt.Errorf("unknown strategy %d", s))
}

// rawIntercept requests the resource directly with the session's cookies,
// plus bypass headers for allowlisted hosts.
func (p *Pipeline) rawIntercept(ctx context.Context, rawURL string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FailedWith(types.NewTransportError(rawURL, err))
	}
	if p.deps.Decorator == nil || !p.deps.Decorator.Decorate(req) {
		for _, c := range p.deps.Store.Jar().Cookies(req.URL) {
			req.AddCookie(c)
		}
	}

	resp, err := p.deps.Client.Do(req)
	if err != nil {
		return FailedWith(types.NewTransportError(rawURL, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, httpclient.MaxBodySize))
	if err != nil {
		return FailedWith(types.NewTransportError(rawURL, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FailedWith(types.NewBlockedError(rawURL, resp.StatusCode))
	}
	ct, ok := imageContentType(resp.Header.Get("Content-Type"), data)
	if !ok {
		fe := types.NewBlockedError(rawURL, resp.StatusCode)
		fe.Err = fmt.Errorf("non-image content %q", resp.Header.Get("Content-Type"))
		return FailedWith(fe)
	}
	return Succeeded(data, ct)
}

// renderedPage loads a wrapper page showing the resource and takes either
// the intercepted response bytes or a paint report as success.
func (p *Pipeline) renderedPage(ctx context.Context, rawURL string, m *Measurement) Outcome {
	s := p.deps.Surface
	if s == nil {
		return FailedWith(errors.New("no rendering surface"))
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return FailedWith(types.NewTransportError(rawURL, err))
	}

	release, err := s.Acquire(ctx)
	if err != nil {
		return FailedWith(err)
	}
	defer release()

	if cookies := p.deps.Store.Jar().Cookies(u); len(cookies) > 0 {
		if err := s.SetCookies(ctx, rawURL, cookies); err != nil {
			log.Debug().Err(err).Msg("Failed to seed surface cookies")
		}
	}
	if err := s.SetImagesEnabled(true); err != nil {
		log.Debug().Err(err).Msg("Failed to enable images")
	}

	w, err := s.Watch(rawURL)
	if err != nil {
		return FailedWith(err)
	}
	defer w.Stop()

	painted := make(chan sizeReport, 1)
	unbind, err := s.Bind(SizeBinding, func(payload string) {
		if r, ok := parseSize(payload); ok {
			select {
			case painted <- r:
			default:
			}
		}
	})
	if err != nil {
		return FailedWith(err)
	}
	defer unbind()

	page, err := wrapperHTML(rawURL)
	if err != nil {
		return FailedWith(err)
	}
	base := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()

	out := p.awaitRender(ctx, s, w, painted, base, page, rawURL, m)
	if out.Kind != Success {
		if err := s.Stop(); err != nil {
			log.Debug().Err(err).Msg("Surface stop failed")
		}
	}
	p.harvestCookies(ctx, s, u)

	// A paint without captured bytes: fetch them with the refreshed session.
	// Without bytes the render has not delivered the resource.
	if out.Kind == Success && len(out.Bytes) == 0 {
		raw := p.rawIntercept(ctx, rawURL)
		if raw.Kind == Success {
			raw.Painted = true
			return raw
		}
		fe := types.NewBlockedError(rawURL, 0)
		fe.Err = fmt.Errorf("painted without bytes: %w", raw.Err)
		return FailedWith(fe)
	}
	return out
}

func (p *Pipeline) awaitRender(ctx context.Context, s surface.Surface, w *surface.Watcher, painted <-chan sizeReport, base, page, rawURL string, m *Measurement) Outcome {
	if err := s.Serve(ctx, base, page); err != nil {
		return FailedWith(types.NewTransportError(rawURL, err))
	}

	select {
	case r := <-w.C():
		return responseOutcome(rawURL, r)
	case size := <-painted:
		m.Apply(size.Width, size.Height)
		// The response usually lands alongside the paint.
		select {
		case r := <-w.C():
			if out := responseOutcome(rawURL, r); out.Kind == Success {
				out.Painted = true
				return out
			}
		default:
		}
		return Outcome{Kind: Success, Painted: true}
	case <-ctx.Done():
		if html, err := s.HTML(context.Background()); err == nil && challenge.DetectPage(html, nil) == challenge.PageChallenge {
			return FailedWith(types.NewBlockedError(rawURL, 0))
		}
		return FailedWith(types.NewTransportError(rawURL, ctx.Err()))
	}
}

func responseOutcome(rawURL string, r surface.Response) Outcome {
	if r.Err != nil {
		return FailedWith(types.NewTransportError(rawURL, r.Err))
	}
	if r.Status < 200 || r.Status >= 300 {
		return FailedWith(types.NewBlockedError(rawURL, r.Status))
	}
	if challenge.IsChallengeBody(r.ContentType, r.Body, nil) {
		fe := types.NewBlockedError(rawURL, r.Status)
		fe.Err = errors.New("challenge page served in place of resource")
		return FailedWith(fe)
	}
	ct, ok := imageContentType(r.ContentType, r.Body)
	if !ok {
		fe := types.NewBlockedError(rawURL, r.Status)
		fe.Err = fmt.Errorf("non-image content %q", r.ContentType)
		return FailedWith(fe)
	}
	return Succeeded(r.Body, ct)
}

func (p *Pipeline) harvestCookies(ctx context.Context, s surface.Surface, u *url.URL) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	cookies, err := s.Cookies(hctx, u.String())
	if err != nil || len(cookies) == 0 {
		return
	}
	p.deps.Store.Jar().SetCookies(u, cookies)
}

// solveAndRetry resolves the challenge at the resource's origin and renders
// the resource once more with a fresh StrategyTimeout.
func (p *Pipeline) solveAndRetry(ctx context.Context, rawURL string, m *Measurement) Outcome {
	if p.deps.Resolver == nil {
		return FailedWith(errors.New("no challenge resolver"))
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return FailedWith(types.NewTransportError(rawURL, err))
	}

	solveCtx, cancel := context.WithTimeout(ctx, p.opts.SolveTimeout)
	_, err = p.deps.Resolver.ResolveOrigin(solveCtx, &url.URL{Scheme: u.Scheme, Host: u.Host})
	cancel()
	if err != nil {
		return FailedWith(err)
	}

	renderCtx, cancel := context.WithTimeout(ctx, p.opts.StrategyTimeout)
	defer cancel()
	return p.renderedPage(renderCtx, rawURL, m)
}

func (p *Pipeline) genericFallback(ctx context.Context, rawURL string) Outcome {
	if p.deps.Fallback == nil {
		return FailedWith(errors.New("no fallback loader"))
	}
	img, err := p.deps.Fallback.Load(ctx, rawURL)
	if err != nil {
		return FailedWith(err)
	}
	return Succeeded(img.Bytes, img.ContentType)
}

// imageContentType returns an image content type for body, sniffing when
// the declared type is missing or generic.
func imageContentType(declared string, body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	if strings.HasPrefix(strings.ToLower(declared), "image/") {
		return declared, true
	}
	if sniffed := http.DetectContentType(body); strings.HasPrefix(sniffed, "image/") {
		return sniffed, true
	}
	return "", false
}
