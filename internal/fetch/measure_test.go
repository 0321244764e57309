package fetch

import (
	"bytes"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"
)

func TestMeasurementAppliesOnce(t *testing.T) {
	m := NewMeasurement(300, 318, 453)

	if !m.Apply(800, 1200) {
		t.Fatal("first Apply should take effect")
	}
	if m.Apply(10, 10) {
		t.Error("second Apply must be a no-op")
	}
	w, h, measured := m.Size()
	if w != 800 || h != 1500 || !measured {
		t.Errorf("Size() = %d x %d (%v), want 800 x 1500", w, h, measured)
	}
}

func TestMeasurementConcurrentApply(t *testing.T) {
	m := NewMeasurement(0, 1, 1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if m.Apply(n, n) {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if applied != 1 {
		t.Errorf("Expected exactly one applied report, got %d", applied)
	}
}

func TestMeasurementDefaults(t *testing.T) {
	m := NewMeasurement(300, 318, 453)
	if m.Apply(0, 100) {
		t.Error("zero width must be rejected")
	}
	w, h, measured := m.Size()
	if w != 318 || h != 453 || measured {
		t.Errorf("Size() = %d x %d (%v), want fallback 318 x 453", w, h, measured)
	}
}

func TestMeasurementApplyBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 20, 30))); err != nil {
		t.Fatal(err)
	}
	m := NewMeasurement(100, 1, 1)
	if !m.ApplyBytes(buf.Bytes()) {
		t.Fatal("ApplyBytes should decode png header")
	}
	if w, h, _ := m.Size(); w != 20 || h != 130 {
		t.Errorf("Size() = %d x %d, want 20 x 130", w, h)
	}
	if NewMeasurement(0, 1, 1).ApplyBytes([]byte("not an image")) {
		t.Error("ApplyBytes must reject undecodable data")
	}
}

func TestWrapperHTML(t *testing.T) {
	html, err := wrapperHTML("https://cdn.example.com/a/1.webp")
	if err != nil {
		t.Fatalf("wrapperHTML() error = %v", err)
	}
	for _, want := range []string{
		`id="resource"`,
		`src="https://cdn.example.com/a/1.webp"`,
		`window["reportImageSize"]`,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("wrapper missing %q:\n%s", want, html)
		}
	}

	html, _ = wrapperHTML(`javascript:alert(1)`)
	if strings.Contains(html, "javascript:alert") {
		t.Error("unsafe URL must be filtered")
	}
}

func TestParseSize(t *testing.T) {
	if r, ok := parseSize(`{"width":10,"height":20}`); !ok || r.Width != 10 || r.Height != 20 {
		t.Errorf("parseSize valid = %+v, %v", r, ok)
	}
	for _, bad := range []string{`{}`, `nope`, `{"width":-1,"height":5}`} {
		if _, ok := parseSize(bad); ok {
			t.Errorf("parseSize(%q) should fail", bad)
		}
	}
}
