// Package app builds the process-wide collaborators once and tears them down
// in reverse order. Everything that needs the surface, the session store or
// the pipeline receives them from a Context instead of package globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/imagegate/internal/browser"
	"github.com/Rorqualx/imagegate/internal/bypass"
	"github.com/Rorqualx/imagegate/internal/challenge"
	"github.com/Rorqualx/imagegate/internal/config"
	"github.com/Rorqualx/imagegate/internal/fallback"
	"github.com/Rorqualx/imagegate/internal/fetch"
	"github.com/Rorqualx/imagegate/internal/gate"
	"github.com/Rorqualx/imagegate/internal/httpclient"
	"github.com/Rorqualx/imagegate/internal/metrics"
	"github.com/Rorqualx/imagegate/internal/selectors"
	"github.com/Rorqualx/imagegate/internal/session"
	"github.com/Rorqualx/imagegate/internal/surface"
)

// Context owns the long-lived components of one imagegate process.
type Context struct {
	Config    *config.Config
	Store     *session.Store
	Client    httpclient.Doer
	Surface   surface.Surface
	Selectors *selectors.Manager
	Solver    *challenge.Solver
	Bypass    *bypass.Orchestrator
	Fallback  *fallback.Loader
	Pipeline  *fetch.Pipeline
	Gate      *gate.Gate

	closers []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	surface   surface.Surface
	client    httpclient.Doer
	noSurface bool
}

// WithSurface uses s instead of launching a browser. The Context takes
// ownership and closes s on Close.
func WithSurface(s surface.Surface) Option {
	return func(o *options) { o.surface = s }
}

// WithClient uses d for outbound HTTP instead of building one from config.
func WithClient(d httpclient.Doer) Option {
	return func(o *options) { o.client = d }
}

// WithoutSurface skips the browser. Rendered strategies and solves fail and
// the pipeline relies on raw requests and the fallback loader.
func WithoutSurface() Option {
	return func(o *options) { o.noSurface = true }
}

// New wires a Context from cfg. On error everything created so far is
// closed again.
func New(cfg *config.Config, opts ...Option) (*Context, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Context{Config: cfg, Store: session.NewStore(), Gate: gate.New()}

	sel, err := selectors.NewManager(cfg.SelectorsPath, cfg.SelectorsHotReload)
	if err != nil {
		return nil, fmt.Errorf("selectors: %w", err)
	}
	c.Selectors = sel
	c.closers = append(c.closers, sel.Close)

	c.Client = o.client
	if c.Client == nil {
		c.Client, err = httpclient.New(httpclient.Options{
			Kind:    cfg.HTTPClient,
			Profile: cfg.ClientProfile,
			Proxy:   cfg.ProxyURL,
			Timeout: cfg.FallbackTimeout,
			Jar:     c.Store.Jar(),
		})
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("http client: %w", err)
		}
	}

	c.Surface = o.surface
	if c.Surface == nil && !o.noSurface {
		log.Info().Bool("headless", cfg.Headless).Msg("Starting rendering surface...")
		page, err := browser.New(browser.OptionsFromConfig(cfg), cfg.UserAgent)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("rendering surface: %w", err)
		}
		c.Surface = page
	}

	// The solver owns the surface from here on and closes it.
	var solver bypass.Solver
	if c.Surface != nil {
		c.Solver = challenge.New(c.Surface, challenge.Options{
			Timeout:         cfg.SolveTimeout,
			TriggerInterval: cfg.TriggerInterval,
			Selectors:       sel.Get,
		})
		c.closers = append(c.closers, c.Solver.Close)
		solver = c.Solver
	}

	c.Bypass = bypass.New(c.Client, solver, c.Store, bypass.Options{
		Allow:   cfg.IsBypassHost,
		Headers: bypass.NewHeaderSet(cfg.UserAgent, cfg.Referer),
	})

	c.Fallback = fallback.New(c.Client, fallback.Options{
		CacheDir: cfg.CacheDir,
		Timeout:  cfg.FallbackTimeout,
		Retries:  cfg.FallbackRetries,
		Backoff:  cfg.FallbackBackoff,
		RPS:      cfg.FallbackRPS,
		Decorate: c.Bypass.Decorate,
	})

	deps := fetch.Deps{
		Client:    c.Client,
		Surface:   c.Surface,
		Store:     c.Store,
		Decorator: c.Bypass,
		Fallback:  c.Fallback,
	}
	if solver != nil {
		deps.Resolver = c.Bypass
	}
	c.Pipeline = fetch.New(deps, fetch.Options{
		StrategyTimeout: cfg.StrategyTimeout,
		SolveTimeout:    cfg.SolveTimeout,
		SafetyMargin:    cfg.SafetyMargin,
		DefaultWidth:    cfg.DefaultWidth,
		DefaultHeight:   cfg.DefaultHeight,
	})

	return c, nil
}

// Fetch runs the pipeline for one resource once the gate admits it.
func (c *Context) Fetch(ctx context.Context, rawURL string) (*fetch.Result, error) {
	t, err := c.Gate.Request(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer t.Done()
	return c.Pipeline.Run(ctx, rawURL)
}

// BatchItem is the outcome of one resource of FetchBatch.
type BatchItem struct {
	URL    string
	Result *fetch.Result
	Err    error
}

// FetchBatch starts a new gate batch for urls: the first primes the session
// and the rest follow one at a time in order. onDone, when set, is called as
// each resource finishes.
func (c *Context) FetchBatch(ctx context.Context, urls []string, onDone func(BatchItem)) []BatchItem {
	c.Gate.Reset()
	items := make([]BatchItem, len(urls))
	index := make(map[string][]int, len(urls))
	for i, u := range urls {
		index[u] = append(index[u], i)
		items[i].URL = u
	}

	results := make([]*fetch.Result, len(urls))
	next := make(map[string]int, len(urls))
	errs := c.Gate.Run(ctx, urls, func(ctx context.Context, id string) error {
		res, err := c.Pipeline.Run(ctx, id)
		// Duplicate urls are admitted in order, so they take slots in order.
		i := index[id][next[id]]
		next[id]++
		results[i] = res
		if onDone != nil {
			onDone(BatchItem{URL: id, Result: res, Err: err})
		}
		return err
	})
	for i := range items {
		items[i].Result = results[i]
		items[i].Err = errs[i]
	}
	return items
}

// Close tears down components in reverse order of construction.
func (c *Context) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	c.Store.Flush()
	metrics.UpdateSessionHosts(0)
	return errors.Join(errs...)
}

// StartBackground runs periodic housekeeping until ctx is done.
func (c *Context) StartBackground(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.UpdateSessionHosts(c.Store.Count())
			}
		}
	}()
}
