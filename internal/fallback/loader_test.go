package fallback

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Rorqualx/imagegate/internal/httpclient"
	"github.com/Rorqualx/imagegate/internal/types"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 6))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newLoader(t *testing.T, opts Options) *Loader {
	t.Helper()
	client, err := httpclient.NewStd(httpclient.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	return New(client, opts)
}

func TestLoadRetriesThenCaches(t *testing.T) {
	img := pngBytes(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))
	defer server.Close()

	l := newLoader(t, Options{CacheDir: t.TempDir(), Retries: 3})

	got, err := l.Load(context.Background(), server.URL+"/p/1.png")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(got.Bytes, img) || got.ContentType != "image/png" || got.Cached {
		t.Errorf("Unexpected image: %d bytes, %q, cached=%v", len(got.Bytes), got.ContentType, got.Cached)
	}
	if hits.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", hits.Load())
	}

	again, err := l.Load(context.Background(), server.URL+"/p/1.png")
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if !again.Cached || !bytes.Equal(again.Bytes, img) {
		t.Error("Expected second load from cache")
	}
	if hits.Load() != 3 {
		t.Errorf("Cache hit must not touch the network, got %d requests", hits.Load())
	}
}

func TestLoadPermanentFailureNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	l := newLoader(t, Options{Retries: 3})
	_, err := l.Load(context.Background(), server.URL+"/missing.jpg")
	if !errors.Is(err, types.ErrBlockedResponse) {
		t.Fatalf("Expected ErrBlockedResponse, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("Expected no retry for 404, got %d requests", hits.Load())
	}
}

func TestLoadRejectsNonImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><title>Just a moment...</title></html>"))
	}))
	defer server.Close()

	l := newLoader(t, Options{Retries: 2})
	if _, err := l.Load(context.Background(), server.URL+"/1.webp"); err == nil {
		t.Fatal("Expected error for html body")
	}
}

func TestLoadSniffsMissingContentType(t *testing.T) {
	img := pngBytes(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(img)
	}))
	defer server.Close()

	l := newLoader(t, Options{})
	got, err := l.Load(context.Background(), server.URL+"/blob")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ContentType != "image/png" {
		t.Errorf("Expected sniffed image/png, got %q", got.ContentType)
	}
}

func TestLoadTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL + "/gone.png"
	server.Close()

	l := newLoader(t, Options{Retries: 1})
	_, err := l.Load(context.Background(), url)
	if !errors.Is(err, types.ErrTransport) {
		t.Errorf("Expected ErrTransport, got %v", err)
	}
}

func TestLoadDecorates(t *testing.T) {
	img := pngBytes(t)
	var ua string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))
	defer server.Close()

	l := newLoader(t, Options{Decorate: func(r *http.Request) bool {
		r.Header.Set("User-Agent", "bypass-ua")
		return true
	}})
	if _, err := l.Load(context.Background(), server.URL+"/a.png"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ua != "bypass-ua" {
		t.Errorf("Expected decorated request, got UA %q", ua)
	}
}

func TestLoadSplitsDeadlineAcrossAttempts(t *testing.T) {
	img := pngBytes(t)
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))
	defer server.Close()

	l := newLoader(t, Options{Timeout: 30 * time.Second, Retries: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := l.Load(ctx, server.URL+"/slow.png")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(got.Bytes, img) {
		t.Error("Expected image from the retried attempt")
	}
	if hits.Load() != 2 {
		t.Errorf("Expected a hung first attempt then one retry, got %d requests", hits.Load())
	}
}

func TestAttemptTimeout(t *testing.T) {
	l := New(nil, Options{Timeout: 30 * time.Second, Retries: 3})
	if d := l.attemptTimeout(context.Background(), 4); d != 30*time.Second {
		t.Errorf("attemptTimeout without deadline = %v, want 30s", d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if d := l.attemptTimeout(ctx, 4); d > 5*time.Second || d < 4*time.Second {
		t.Errorf("attemptTimeout with 20s left over 4 attempts = %v, want ~5s", d)
	}
	if d := l.attemptTimeout(ctx, 0); d != 30*time.Second {
		t.Errorf("attemptTimeout with no attempts left = %v, want 30s", d)
	}
}

func TestRetryWait(t *testing.T) {
	l := New(nil, Options{Backoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond})
	if w := l.retryWait(1); w < 80*time.Millisecond || w > 120*time.Millisecond {
		t.Errorf("retryWait(1) = %v, want ~100ms", w)
	}
	if w := l.retryWait(5); w != 300*time.Millisecond {
		t.Errorf("retryWait(5) = %v, want cap 300ms", w)
	}
}
