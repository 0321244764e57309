package bypass

import (
	"net/http"
	"path"
	"strings"
)

// Variant selects the Accept and Sec-Fetch-* values for a request.
type Variant int

// Header variants.
const (
	VariantDocument Variant = iota
	VariantImage
)

const (
	acceptImage    = "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8"
	acceptDocument = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
)

// HeaderSet is the browser identity attached to requests for bypass hosts.
type HeaderSet struct {
	UserAgent       string
	AcceptLanguage  string
	AcceptEncoding  string
	Referer         string
	SecChUa         string
	SecChUaMobile   string
	SecChUaPlatform string
}

// NewHeaderSet returns Chrome 121 on Windows with the given User-Agent and
// Referer. Empty values keep the defaults.
func NewHeaderSet(userAgent, referer string) HeaderSet {
	h := HeaderSet{
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		AcceptLanguage:  "zh-CN,zh;q=0.9,en;q=0.8",
		AcceptEncoding:  "gzip, deflate, br",
		SecChUa:         `"Not A(Brand";v="99", "Google Chrome";v="121", "Chromium";v="121"`,
		SecChUaMobile:   "?0",
		SecChUaPlatform: `"Windows"`,
	}
	if userAgent != "" {
		h.UserAgent = userAgent
	}
	h.Referer = referer
	return h
}

// Apply sets the headers for variant v on req, replacing existing values.
func (h HeaderSet) Apply(req *http.Request, v Variant) {
	set := func(k, val string) {
		if val != "" {
			req.Header.Set(k, val)
		}
	}
	set("User-Agent", h.UserAgent)
	set("Accept-Language", h.AcceptLanguage)
	set("Accept-Encoding", h.AcceptEncoding)
	set("Referer", h.Referer)
	set("Sec-Ch-Ua", h.SecChUa)
	set("Sec-Ch-Ua-Mobile", h.SecChUaMobile)
	set("Sec-Ch-Ua-Platform", h.SecChUaPlatform)

	switch v {
	case VariantImage:
		req.Header.Set("Accept", acceptImage)
		req.Header.Set("Sec-Fetch-Dest", "image")
		req.Header.Set("Sec-Fetch-Mode", "no-cors")
		req.Header.Set("Sec-Fetch-Site", "cross-site")
		req.Header.Del("Sec-Fetch-User")
	default:
		req.Header.Set("Accept", acceptDocument)
		req.Header.Set("Sec-Fetch-Dest", "document")
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		req.Header.Set("Sec-Fetch-Site", "none")
		req.Header.Set("Sec-Fetch-User", "?1")
	}
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".avif": true, ".bmp": true, ".svg": true,
}

// VariantFor picks the image variant for requests that ask for images or
// whose path has an image extension.
func VariantFor(req *http.Request) Variant {
	if strings.HasPrefix(req.Header.Get("Accept"), "image/") {
		return VariantImage
	}
	if req.URL != nil && imageExtensions[strings.ToLower(path.Ext(req.URL.Path))] {
		return VariantImage
	}
	return VariantDocument
}
