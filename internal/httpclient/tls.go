package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sort"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/Rorqualx/imagegate/internal/security"
)

// DefaultProfile is used when Options.Profile is empty or unknown.
const DefaultProfile = "chrome_120"

// headerOrder is Chrome's request header order. Headers not listed go last.
var headerOrder = []string{
	"host",
	"connection",
	"cache-control",
	"sec-ch-ua",
	"sec-ch-ua-mobile",
	"sec-ch-ua-platform",
	"upgrade-insecure-requests",
	"user-agent",
	"accept",
	"sec-fetch-site",
	"sec-fetch-mode",
	"sec-fetch-user",
	"sec-fetch-dest",
	"referer",
	"accept-encoding",
	"accept-language",
	"cookie",
	"cf-turnstile-response",
}

var pseudoHeaderOrder = []string{":method", ":authority", ":scheme", ":path"}

// TLSClient sends requests with a browser TLS and HTTP/2 fingerprint through
// tls-client, converting to and from net/http types at the boundary.
type TLSClient struct {
	client  tls_client.HttpClient
	jar     http.CookieJar
	profile string
}

// NewTLSClient creates a TLSClient.
func NewTLSClient(opts Options) (*TLSClient, error) {
	profile, name := lookupProfile(opts.Profile)

	timeout := int(opts.Timeout.Seconds())
	if timeout < 1 {
		timeout = 30
	}
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(timeout),
		tls_client.WithClientProfile(profile),
		tls_client.WithRandomTLSExtensionOrder(),
	}
	if opts.NoRedirects {
		options = append(options, tls_client.WithNotFollowRedirects())
	}
	if opts.Proxy != "" {
		options = append(options, tls_client.WithProxyUrl(opts.Proxy))
		log.Debug().Str("proxy", security.RedactProxyURL(opts.Proxy)).Msg("TLS client using proxy")
	}

	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tls client: %w", err)
	}

	jar := opts.Jar
	if jar == nil {
		j, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		jar = j
	}

	log.Debug().Str("profile", name).Msg("TLS client created")
	return &TLSClient{client: client, jar: jar, profile: name}, nil
}

// Profile returns the name of the fingerprint profile in use.
func (c *TLSClient) Profile() string {
	return c.profile
}

// Do sends req. Cookies come from and go back to the configured jar.
func (c *TLSClient) Do(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if out.Header.Get("Cookie") == "" {
		for _, ck := range c.jar.Cookies(req.URL) {
			out.AddCookie(ck)
		}
	}

	freq, err := toFHTTP(out)
	if err != nil {
		return nil, err
	}
	fresp, err := c.client.Do(freq)
	if err != nil {
		return nil, err
	}

	resp := fromFHTTP(fresp, req)
	if cookies := resp.Cookies(); len(cookies) > 0 {
		c.jar.SetCookies(resp.Request.URL, cookies)
	}
	if err := normalizeBody(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// toFHTTP converts a net/http request, attaching Chrome header order.
func toFHTTP(req *http.Request) (*fhttp.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = req.Body
	}
	freq, err := fhttp.NewRequestWithContext(req.Context(), req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to convert request: %w", err)
	}
	for k, v := range req.Header {
		freq.Header[k] = append([]string(nil), v...)
	}
	if req.Host != "" && req.Host != req.URL.Host {
		freq.Host = req.Host
	}
	freq.ContentLength = req.ContentLength
	freq.Header[fhttp.HeaderOrderKey] = headerOrder
	freq.Header[fhttp.PHeaderOrderKey] = pseudoHeaderOrder
	return freq, nil
}

// fromFHTTP converts a tls-client response. The returned Request carries the
// final URL when redirects were followed.
func fromFHTTP(fresp *fhttp.Response, orig *http.Request) *http.Response {
	req := orig
	if fresp.Request != nil && fresp.Request.URL != nil && fresp.Request.URL.String() != orig.URL.String() {
		req = orig.Clone(orig.Context())
		req.URL = fresp.Request.URL
	}
	return &http.Response{
		Status:           fresp.Status,
		StatusCode:       fresp.StatusCode,
		Proto:            fresp.Proto,
		ProtoMajor:       fresp.ProtoMajor,
		ProtoMinor:       fresp.ProtoMinor,
		Header:           http.Header(fresp.Header),
		Body:             fresp.Body,
		ContentLength:    fresp.ContentLength,
		TransferEncoding: fresp.TransferEncoding,
		Close:            fresp.Close,
		Uncompressed:     fresp.Uncompressed,
		Request:          req,
	}
}

// lookupProfile resolves a profile by name, falling back to DefaultProfile.
func lookupProfile(name string) (profiles.ClientProfile, string) {
	if p, ok := profiles.MappedTLSClients[name]; ok {
		return p, name
	}
	if name != "" {
		log.Warn().Str("profile", name).Str("default", DefaultProfile).Msg("Unknown TLS profile, using default")
	}
	if p, ok := profiles.MappedTLSClients[DefaultProfile]; ok {
		return p, DefaultProfile
	}
	return profiles.DefaultClientProfile, "default"
}

// Profiles lists the known fingerprint profile names.
func Profiles() []string {
	names := make([]string, 0, len(profiles.MappedTLSClients))
	for name := range profiles.MappedTLSClients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
