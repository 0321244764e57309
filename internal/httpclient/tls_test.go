package httpclient

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	fhttp "github.com/bogdanfinn/fhttp"
)

func TestToFHTTP(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://godamanga.online/api/search", strings.NewReader("q=x"))
	req.Header.Set("User-Agent", "ua")
	req.Header.Set("Referer", "https://godamanga.online/")

	freq, err := toFHTTP(req)
	if err != nil {
		t.Fatalf("toFHTTP() error = %v", err)
	}
	if freq.Method != http.MethodPost || freq.URL.String() != req.URL.String() {
		t.Errorf("Unexpected request line: %s %s", freq.Method, freq.URL)
	}
	if freq.Header.Get("User-Agent") != "ua" || freq.Header.Get("Referer") != "https://godamanga.online/" {
		t.Errorf("Headers not copied: %v", freq.Header)
	}
	if len(freq.Header[fhttp.HeaderOrderKey]) == 0 {
		t.Error("Expected header order to be set")
	}
	body, _ := io.ReadAll(freq.Body)
	if string(body) != "q=x" {
		t.Errorf("Expected body copied, got %q", body)
	}
}

func TestToFHTTPNilBody(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/a.jpg", nil)
	freq, err := toFHTTP(req)
	if err != nil {
		t.Fatalf("toFHTTP() error = %v", err)
	}
	if freq.Body != nil {
		t.Error("Expected nil body for GET without body")
	}
}

func TestFromFHTTPFinalURL(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://example.com/a", nil)
	final, _ := url.Parse("https://cdn.example.com/a.webp")
	fresp := &fhttp.Response{
		Status:     "200 OK",
		StatusCode: 200,
		Header:     fhttp.Header{"Content-Type": {"image/webp"}},
		Body:       io.NopCloser(strings.NewReader("x")),
		Request:    &fhttp.Request{URL: final},
	}

	resp := fromFHTTP(fresp, orig)
	if resp.StatusCode != 200 || resp.Header.Get("Content-Type") != "image/webp" {
		t.Errorf("Unexpected response: %d %v", resp.StatusCode, resp.Header)
	}
	if resp.Request.URL.String() != final.String() {
		t.Errorf("Expected final URL %s, got %s", final, resp.Request.URL)
	}
	if orig.URL.String() != "https://example.com/a" {
		t.Error("Original request must not be modified")
	}
}

func TestLookupProfile(t *testing.T) {
	if _, name := lookupProfile("chrome_120"); name != "chrome_120" {
		t.Errorf("Expected chrome_120, got %s", name)
	}
	if _, name := lookupProfile("netscape_4"); name == "netscape_4" {
		t.Error("Unknown profile should fall back")
	}
	if len(Profiles()) == 0 {
		t.Error("Expected known profiles")
	}
}
