package fallback

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiskCache(t *testing.T) {
	c := NewDiskCache(t.TempDir())

	if got, err := c.Get("https://a/1.png"); err != nil || got != nil {
		t.Fatalf("Get() on empty cache = %v, %v", got, err)
	}
	if err := c.Put("https://a/1.png", []byte("data")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := c.Get("https://a/1.png")
	if err != nil || string(got) != "data" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	entries, _ := filepath.Glob(filepath.Join(c.Dir, "*", ".tmp-*"))
	if len(entries) != 0 {
		t.Errorf("Temp files left behind: %v", entries)
	}

	if err := c.Delete("https://a/1.png"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(c.path("https://a/1.png")); !os.IsNotExist(err) {
		t.Error("Expected entry removed")
	}
}

func TestDiskCacheDisabled(t *testing.T) {
	c := NewDiskCache("")
	if err := c.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if got, _ := c.Get("k"); got != nil {
		t.Error("Disabled cache must not return data")
	}
}
