package fallback

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// DiskCache stores resource bodies on disk keyed by the SHA-256 of the URL.
//
// Layout:
//
//	{Dir}/{hash[0:2]}/{hash}
type DiskCache struct {
	Dir string
}

// NewDiskCache creates a cache rooted at dir. An empty dir disables caching.
func NewDiskCache(dir string) *DiskCache {
	return &DiskCache{Dir: dir}
}

func (c *DiskCache) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(c.Dir, h[:2], h)
}

// Get returns the cached body for key, or nil when absent.
func (c *DiskCache) Get(key string) ([]byte, error) {
	if c == nil || c.Dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}
	return data, nil
}

// Put stores data under key. The write goes through a temp file in the same
// directory and a rename, so readers never see a partial entry.
func (c *DiskCache) Put(key string, data []byte) error {
	if c == nil || c.Dir == "" {
		return nil
	}
	p := c.path(key)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("committing cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for key if present.
func (c *DiskCache) Delete(key string) error {
	if c == nil || c.Dir == "" {
		return nil
	}
	if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
