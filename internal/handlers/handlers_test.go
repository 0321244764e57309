package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Rorqualx/imagegate/internal/app"
	"github.com/Rorqualx/imagegate/internal/config"
	"github.com/Rorqualx/imagegate/internal/types"
)

type testEnv struct {
	app    *app.Context
	router http.Handler
	origin *httptest.Server
	img    []byte
}

func newTestEnv(t *testing.T, allowLocal bool) *testEnv {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 12))); err != nil {
		t.Fatal(err)
	}
	img := buf.Bytes()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.png":
			http.NotFound(w, r)
		case "/api/feed":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items":[]}`))
		default:
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(img)
		}
	}))
	t.Cleanup(origin.Close)

	cfg := &config.Config{
		StrategyTimeout:   time.Second,
		SafetyMargin:      300,
		DefaultWidth:      318,
		DefaultHeight:     453,
		CacheDir:          t.TempDir(),
		FallbackTimeout:   time.Second,
		FallbackBackoff:   time.Millisecond,
		HTTPClient:        config.ClientStd,
		UserAgent:         config.DefaultUserAgent,
		BypassHosts:       []string{"protected.example"},
		AllowLocalTargets: allowLocal,
	}
	c, err := app.New(cfg, app.WithoutSurface())
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return &testEnv{app: c, router: New(c).Routes(), origin: origin, img: img}
}

func (e *testEnv) do(method, target string, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) types.Response {
	t.Helper()
	var resp types.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do("GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Status != types.StatusOK {
		t.Errorf("Expected status 'ok', got %q", resp.Status)
	}
	if resp.Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestResourceEndpoint(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do("GET", "/v1/resource?url="+env.origin.URL+"/page/1.png", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Equal(w.Body.Bytes(), env.img) {
		t.Error("Body differs from the origin image")
	}
	if got := w.Header().Get(HeaderStrategy); got != "raw_intercept" {
		t.Errorf("Expected %s raw_intercept, got %q", HeaderStrategy, got)
	}
	if got := w.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Expected image/png, got %q", got)
	}
	if got := w.Header().Get(HeaderWidth); got != "8" {
		t.Errorf("Expected measured width 8, got %q", got)
	}
}

func TestResourceEndpointExhausted(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do("GET", "/v1/resource?url="+env.origin.URL+"/missing.png", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", w.Code)
	}
	if resp := decodeResponse(t, w); resp.Status != types.StatusError {
		t.Errorf("Expected error envelope, got %+v", resp)
	}
}

func TestResourceEndpointValidation(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name   string
		target string
	}{
		{"missing url", "/v1/resource"},
		{"bad scheme", "/v1/resource?url=file:///etc/passwd"},
		{"loopback blocked", "/v1/resource?url=" + env.origin.URL + "/a.png"},
		{"metadata blocked", "/v1/resource?url=http://169.254.169.254/latest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("GET", tt.target, "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestResolveEndpointValidation(t *testing.T) {
	env := newTestEnv(t, true)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"host":`, http.StatusBadRequest},
		{"unknown field", `{"host":"protected.example","cmd":"x"}`, http.StatusBadRequest},
		{"empty host", `{}`, http.StatusBadRequest},
		{"host with path", `{"host":"protected.example/x"}`, http.StatusBadRequest},
		{"not allowlisted", `{"host":"other.example"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/v1/resolve", tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestResolveWithoutSolverFails(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do("POST", "/v1/resolve", `{"host":"protected.example","maxTimeout":1000}`)
	if w.Code == http.StatusOK {
		t.Fatal("Resolve without a surface must fail")
	}
	if resp := decodeResponse(t, w); resp.Solution != nil {
		t.Errorf("Unexpected solution: %+v", resp.Solution)
	}
}

func TestProxyEndpoint(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do("GET", "/v1/proxy?url="+env.origin.URL+"/api/feed", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != `{"items":[]}` {
		t.Errorf("Unexpected body %q", w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Expected upstream content type, got %q", got)
	}

	w = env.do("GET", "/v1/proxy?url="+env.origin.URL+"/missing.png", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected upstream 404 to be relayed, got %d", w.Code)
	}
}

func TestBatchEndpoint(t *testing.T) {
	env := newTestEnv(t, true)

	body, _ := json.Marshal(types.BatchRequest{URLs: []string{
		env.origin.URL + "/1.png",
		env.origin.URL + "/missing.png",
		env.origin.URL + "/2.png",
	}})
	w := env.do("POST", "/v1/batch", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := decodeResponse(t, w)
	if len(resp.Batch) != 3 {
		t.Fatalf("Expected 3 batch items, got %d", len(resp.Batch))
	}
	if !resp.Batch[0].OK || resp.Batch[1].OK || !resp.Batch[2].OK {
		t.Errorf("Unexpected outcomes: %+v", resp.Batch)
	}
	if resp.Batch[0].Strategy != "raw_intercept" || resp.Batch[0].Bytes != len(env.img) {
		t.Errorf("Unexpected first item: %+v", resp.Batch[0])
	}
	if resp.Batch[1].Error == "" {
		t.Error("Failed item should carry an error")
	}
}

func TestBatchEndpointRejectsEmpty(t *testing.T) {
	env := newTestEnv(t, true)
	if w := env.do("POST", "/v1/batch", `{"urls":[]}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestSessionsEndpoints(t *testing.T) {
	env := newTestEnv(t, true)
	env.app.Store.WriteValues("protected.example", map[string]string{"cf_clearance": "abc", "a": "1"})
	env.app.Store.WriteValues("other.example", map[string]string{"sid": "2"})

	resp := decodeResponse(t, env.do("GET", "/v1/sessions", ""))
	if len(resp.Sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %+v", resp.Sessions)
	}
	row := resp.Sessions[1]
	if row.Host != "protected.example" || len(row.CookieNames) != 2 || row.CookieNames[0] != "a" {
		t.Errorf("Unexpected row: %+v", row)
	}
	if row.LastUpdated == 0 {
		t.Error("LastUpdated should be set")
	}

	if w := env.do("DELETE", "/v1/sessions?host=other.example", ""); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if hosts := env.app.Store.Hosts(); len(hosts) != 1 || hosts[0] != "protected.example" {
		t.Errorf("Expected only protected.example left, got %v", hosts)
	}

	env.do("DELETE", "/v1/sessions", "")
	if n := env.app.Store.Count(); n != 0 {
		t.Errorf("Expected empty store after flush, got %d hosts", n)
	}
}

func TestRoutingErrors(t *testing.T) {
	env := newTestEnv(t, true)

	if w := env.do("POST", "/v1/resource", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
	if w := env.do("GET", "/v1/nothing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
