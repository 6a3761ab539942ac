package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cache provides local file-based caching for hydrated advisory payloads
type Cache struct {
	Dir string
	TTL time.Duration

	now func() time.Time
}

// DefaultTTL is the default cache time-to-live
const DefaultTTL = 24 * time.Hour

// New creates a cache rooted at dir. An empty dir uses the user cache
// directory for appName.
func New(dir, appName string, ttl time.Duration) (*Cache, error) {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve cache dir: %w", err)
		}
		dir = filepath.Join(base, appName)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	if ttl == 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		Dir: dir,
		TTL: ttl,
		now: time.Now,
	}, nil
}

// AdvisoryKey identifies one revision of an advisory. A revised advisory
// carries a new modified timestamp and therefore misses the cache.
func AdvisoryKey(id string, modified time.Time) string {
	if modified.IsZero() {
		return "advisory:" + id
	}
	return "advisory:" + id + "@" + modified.UTC().Format(time.RFC3339Nano)
}

// keyToFilename converts a key to a safe filename
func (c *Cache) keyToFilename(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:16]) + ".json"
}

// Path returns the full path to the cache file for a key
func (c *Cache) Path(key string) string {
	return filepath.Join(c.Dir, c.keyToFilename(key))
}

// Get retrieves data from cache if it exists and is not expired
func (c *Cache) Get(key string) ([]byte, bool) {
	path := c.Path(key)

	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if c.expired(info) {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	return data, true
}

// Set stores data in the cache. The file is written under a temporary name
// and renamed so concurrent readers never see a partial payload.
func (c *Cache) Set(key string, data []byte) error {
	tmp, err := os.CreateTemp(c.Dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("cache set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache set: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.Path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Prune removes expired entries and returns how many were deleted
func (c *Cache) Prune() (int, error) {
	return c.remove(func(info os.FileInfo) bool { return c.expired(info) })
}

// Clear removes all cached files
func (c *Cache) Clear() (int, error) {
	return c.remove(func(os.FileInfo) bool { return true })
}

func (c *Cache) remove(match func(os.FileInfo) bool) (int, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !match(info) {
			continue
		}
		if err := os.Remove(filepath.Join(c.Dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (c *Cache) expired(info os.FileInfo) bool {
	return c.now().Sub(info.ModTime()) > c.TTL
}
