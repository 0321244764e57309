package fetch

import (
	"bytes"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"sync"
	"sync/atomic"

	_ "golang.org/x/image/webp" // register decoder
)

// Measurement records the display size of one resource. Only the first
// valid report is applied.
type Measurement struct {
	applied atomic.Bool
	margin  int

	mu            sync.Mutex
	width, height int
	defW, defH    int
}

// NewMeasurement creates a Measurement that adds margin to reported heights
// and falls back to defW x defH.
func NewMeasurement(margin, defW, defH int) *Measurement {
	return &Measurement{margin: margin, defW: defW, defH: defH}
}

// Apply records natural dimensions w x h. It returns false, changing
// nothing, for invalid sizes and for every call after the first applied one.
func (m *Measurement) Apply(w, h int) bool {
	if w <= 0 || h <= 0 {
		return false
	}
	if !m.applied.CompareAndSwap(false, true) {
		return false
	}
	m.mu.Lock()
	m.width, m.height = w, h+m.margin
	m.mu.Unlock()
	return true
}

// ApplyBytes decodes the image header in data and applies its dimensions.
func (m *Measurement) ApplyBytes(data []byte) bool {
	if m.applied.Load() || len(data) == 0 {
		return false
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return false
	}
	return m.Apply(cfg.Width, cfg.Height)
}

// Size returns the applied size, or the fallback size with measured false.
func (m *Measurement) Size() (w, h int, measured bool) {
	if !m.applied.Load() {
		return m.defW, m.defH, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.width, m.height, true
}
