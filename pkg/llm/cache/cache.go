// Package cache provides the keyed response cache of the LLM connector:
// bounded LRU with TTL expiry, keyed by a content hash of the prompt,
// model, and the parameter subset that changes output.
//
// The cache is advisory. It is opportunistically snapshotted to disk so a
// restarted context starts warm, but losing it is never a correctness
// issue.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/llm"
)

// Key computes the content-hash cache key for a generate request.
func Key(prompt, modelID string, params llm.Params) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%.4f\x00%d\x00%.4f",
		prompt, modelID, params.Temperature, params.MaxTokens, params.TopP)
	return hex.EncodeToString(h.Sum(nil))
}

// entry is one cached response.
type entry struct {
	Key       string    `json:"key"`
	Response  string    `json:"response"`
	StoredAt  time.Time `json:"stored_at"`
	elem      *list.Element
}

// Cache is a thread-safe, size- and TTL-bounded response cache with LRU
// replacement.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recent
	maxSize int
	ttl     time.Duration

	hits, misses int64
}

// New creates a cache bounded by maxSize entries and ttl age. A
// non-positive maxSize defaults to 1024; a non-positive ttl defaults to
// one hour.
func New(maxSize int, ttl time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached response for the key, if present and fresh.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if time.Since(e.StoredAt) > c.ttl {
		c.removeLocked(e)
		c.misses++
		return "", false
	}
	c.lru.MoveToFront(e.elem)
	c.hits++
	return e.Response, true
}

// Put stores a response, evicting the least-recently-used entry when the
// cache is full.
func (c *Cache) Put(key, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.Response = response
		e.StoredAt = time.Now().UTC()
		c.lru.MoveToFront(e.elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
	}

	e := &entry{Key: key, Response: response, StoredAt: time.Now().UTC()}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
}

// removeLocked drops an entry; the caller holds the mutex.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.Key)
	c.lru.Remove(e.elem)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Save writes a snapshot of the fresh entries to path. The write is
// atomic (temp file + rename) so a crash never corrupts an existing
// snapshot.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	snapshot := make([]entry, 0, len(c.entries))
	for _, e := range c.entries {
		if time.Since(e.StoredAt) <= c.ttl {
			snapshot = append(snapshot, entry{Key: e.Key, Response: e.Response, StoredAt: e.StoredAt})
		}
	}
	c.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return amcperr.Wrap(err, amcperr.CodeInternal, "cache: snapshot marshal failed")
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return amcperr.Wrap(err, amcperr.CodeInternal, "cache: snapshot directory creation failed")
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return amcperr.Wrap(err, amcperr.CodeInternal, "cache: snapshot write failed")
	}
	if err := os.Rename(tmp, path); err != nil {
		return amcperr.Wrap(err, amcperr.CodeInternal, "cache: snapshot rename failed")
	}
	return nil
}

// Load merges a disk snapshot into the cache, skipping stale entries. A
// missing file is not an error; the cache is advisory.
func (c *Cache) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return amcperr.Wrap(err, amcperr.CodeInternal, "cache: snapshot read failed")
	}
	var snapshot []entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return amcperr.Wrap(err, amcperr.CodeInternal, "cache: snapshot decode failed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range snapshot {
		s := snapshot[i]
		if time.Since(s.StoredAt) > c.ttl {
			continue
		}
		if _, exists := c.entries[s.Key]; exists {
			continue
		}
		if len(c.entries) >= c.maxSize {
			break
		}
		e := &entry{Key: s.Key, Response: s.Response, StoredAt: s.StoredAt}
		e.elem = c.lru.PushBack(e)
		c.entries[s.Key] = e
	}
	return nil
}
