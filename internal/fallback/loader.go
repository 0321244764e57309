// Package fallback loads images over plain HTTP with retry, per-host rate
// limiting and a disk cache. It does not use the rendering surface.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Rorqualx/imagegate/internal/httpclient"
	"github.com/Rorqualx/imagegate/internal/metrics"
	"github.com/Rorqualx/imagegate/internal/security"
	"github.com/Rorqualx/imagegate/internal/types"
)

// Options configure a Loader.
type Options struct {
	CacheDir   string
	Timeout    time.Duration // per attempt
	Retries    int           // additional attempts after the first
	Backoff    time.Duration // first retry wait, doubled per attempt
	MaxBackoff time.Duration
	RPS        float64 // per host; <= 0 disables limiting
	// Decorate, when set, adds headers and cookies to each attempt.
	Decorate func(*http.Request) bool
}

// Image is a loaded resource.
type Image struct {
	Bytes       []byte
	ContentType string
	Cached      bool
}

// Loader fetches images with retry and caching.
type Loader struct {
	client httpclient.Doer
	cache  *DiskCache
	opts   Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Loader.
func New(client httpclient.Doer, opts Options) *Loader {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	return &Loader{
		client:   client,
		cache:    NewDiskCache(opts.CacheDir),
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// errPermanent marks a failure that retrying cannot fix.
var errPermanent = errors.New("permanent failure")

// Load returns the image at rawURL from cache or the network.
func (l *Loader) Load(ctx context.Context, rawURL string) (*Image, error) {
	if data, err := l.cache.Get(rawURL); err != nil {
		log.Debug().Err(err).Msg("Cache read failed")
	} else if len(data) > 0 {
		metrics.RecordCacheLookup(true)
		return &Image{Bytes: data, ContentType: http.DetectContentType(data), Cached: true}, nil
	}
	metrics.RecordCacheLookup(false)

	var lastErr error
	for attempt := 0; attempt <= l.opts.Retries; attempt++ {
		if attempt > 0 {
			wait := l.retryWait(attempt)
			select {
			case <-ctx.Done():
				return nil, types.NewTransportError(rawURL, ctx.Err())
			case <-time.After(wait):
			}
		}

		img, err := l.attempt(ctx, rawURL, l.attemptTimeout(ctx, l.opts.Retries+1-attempt))
		if err == nil {
			if err := l.cache.Put(rawURL, img.Bytes); err != nil {
				log.Warn().Err(err).Msg("Cache write failed")
			}
			return img, nil
		}
		lastErr = err

		log.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Str("url", security.RedactURL(rawURL)).
			Msg("Fallback attempt failed")

		if errors.Is(err, errPermanent) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// attemptTimeout splits the time left before ctx's deadline across the
// remaining attempts, capped at Options.Timeout.
func (l *Loader) attemptTimeout(ctx context.Context, remaining int) time.Duration {
	d := l.opts.Timeout
	deadline, ok := ctx.Deadline()
	if !ok || remaining <= 0 {
		return d
	}
	if share := time.Until(deadline) / time.Duration(remaining); share < d {
		d = share
	}
	return d
}

func (l *Loader) attempt(ctx context.Context, rawURL string, timeout time.Duration) (*Image, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, types.NewTransportError(rawURL, fmt.Errorf("%w: %v", errPermanent, err))
	}
	if err := l.limiter(req.URL.Hostname()).Wait(ctx); err != nil {
		return nil, types.NewTransportError(rawURL, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req = req.WithContext(attemptCtx)
	if l.opts.Decorate == nil || !l.opts.Decorate(req) {
		req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, types.NewTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fe := types.NewBlockedError(rawURL, resp.StatusCode)
		if !retryableStatus(resp.StatusCode) {
			fe.Err = errPermanent
		}
		return nil, fe
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, httpclient.MaxBodySize))
	if err != nil {
		return nil, types.NewTransportError(rawURL, err)
	}
	if len(data) == 0 {
		return nil, types.NewTransportError(rawURL, errors.New("empty body"))
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "image/") {
		sniffed := http.DetectContentType(data)
		if !strings.HasPrefix(sniffed, "image/") {
			fe := types.NewBlockedError(rawURL, resp.StatusCode)
			fe.Err = fmt.Errorf("%w: non-image content %q", errPermanent, ct)
			return nil, fe
		}
		ct = sniffed
	}
	return &Image{Bytes: data, ContentType: ct}, nil
}

// retryWait is Backoff * 2^(attempt-1) with ±20% jitter, capped at MaxBackoff.
func (l *Loader) retryWait(attempt int) time.Duration {
	wait := float64(l.opts.Backoff) * math.Pow(2, float64(attempt-1))
	wait += wait * 0.2 * (rand.Float64()*2 - 1)
	if wait > float64(l.opts.MaxBackoff) {
		wait = float64(l.opts.MaxBackoff)
	}
	return time.Duration(wait)
}

func (l *Loader) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[host]
	if !ok {
		if l.opts.RPS <= 0 {
			lim = rate.NewLimiter(rate.Inf, 1)
		} else {
			burst := int(math.Ceil(l.opts.RPS))
			lim = rate.NewLimiter(rate.Limit(l.opts.RPS), burst)
		}
		l.limiters[host] = lim
	}
	return lim
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
