// Package httpclient provides the outbound HTTP clients used for resource
// and API requests. Both implementations satisfy Doer and return plain
// net/http responses with decoded bodies.
package httpclient

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/Rorqualx/imagegate/internal/security"
)

// Client kinds.
const (
	KindTLS = "tls"
	KindStd = "std"
)

// MaxBodySize bounds how much of a response body is buffered for decoding.
const MaxBodySize = 64 << 20

// Doer sends a request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configure New.
type Options struct {
	Kind    string // KindTLS or KindStd
	Profile string // tls-client profile name, e.g. "chrome_120"
	Proxy   string
	Timeout time.Duration
	// Jar receives Set-Cookie headers and supplies Cookie headers. nil
	// creates a private publicsuffix-aware jar.
	Jar http.CookieJar
	// NoRedirects returns 3xx responses to the caller instead of following.
	NoRedirects bool
}

// New builds the client selected by opts.Kind.
func New(opts Options) (Doer, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	switch strings.ToLower(opts.Kind) {
	case "", KindTLS:
		return NewTLSClient(opts)
	case KindStd:
		return NewStd(opts)
	}
	return nil, fmt.Errorf("unknown http client kind %q", opts.Kind)
}

// Std is a net/http client that decodes br and zstd bodies in addition to
// the encodings net/http handles itself.
type Std struct {
	client *http.Client
	jar    http.CookieJar
}

// NewStd creates a Std client.
func NewStd(opts Options) (*Std, error) {
	jar := opts.Jar
	if jar == nil {
		j, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		jar = j
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		log.Debug().Str("proxy", security.RedactProxyURL(opts.Proxy)).Msg("Std client using proxy")
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}
	if opts.NoRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &Std{client: client, jar: jar}, nil
}

// Do sends req and decodes the body according to Content-Encoding. Jar
// cookies are attached only when req carries no Cookie header, and
// Set-Cookie headers of the final response go back to the jar.
func (c *Std) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Cookie") == "" {
		if cookies := c.jar.Cookies(req.URL); len(cookies) > 0 {
			req = req.Clone(req.Context())
			for _, ck := range cookies {
				req.AddCookie(ck)
			}
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		c.jar.SetCookies(resp.Request.URL, cookies)
	}
	if err := normalizeBody(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}
