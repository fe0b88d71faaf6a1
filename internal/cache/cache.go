// Package cache memoizes raw model responses keyed by the full content that
// produced them.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/insights-cli/internal/metrics"
	"github.com/sells-group/insights-cli/internal/model"
)

// DefaultCapacity is the entry bound used when none is configured.
const DefaultCapacity = 1024

// Entry is a cached model response.
type Entry struct {
	Text      string
	ModelUsed string
}

// ResponseCache is a bounded LRU of model responses, safe for concurrent use.
// A zero-capacity cache stores nothing and always misses.
type ResponseCache struct {
	lru     *lru.Cache[string, Entry]
	metrics *metrics.Metrics
}

// New creates a cache holding up to capacity entries. capacity <= 0 disables
// caching.
func New(capacity int, m *metrics.Metrics) (*ResponseCache, error) {
	c := &ResponseCache{metrics: m}
	if capacity <= 0 {
		return c, nil
	}
	l, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, eris.Wrap(err, "cache: create lru")
	}
	c.lru = l
	return c, nil
}

// Enabled reports whether the cache stores anything.
func (c *ResponseCache) Enabled() bool {
	return c != nil && c.lru != nil
}

// Get returns the entry for key, if present.
func (c *ResponseCache) Get(key string) (Entry, bool) {
	if !c.Enabled() {
		return Entry{}, false
	}
	e, ok := c.lru.Get(key)
	if ok {
		c.metrics.CacheHit()
		zap.L().Debug("response cache hit", zap.String("key", shortKey(key)))
	} else {
		c.metrics.CacheMiss()
	}
	return e, ok
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

// Put stores an entry. Concurrent writers to the same key: last write wins.
func (c *ResponseCache) Put(key string, e Entry) {
	if !c.Enabled() {
		return
	}
	c.lru.Add(key, e)
}

// Len returns the number of cached entries.
func (c *ResponseCache) Len() int {
	if !c.Enabled() {
		return 0
	}
	return c.lru.Len()
}

// Key returns the SHA-256 hex digest over the full document text, every field
// of the category definition, and the model identity. Each field is length
// prefixed so no two distinct inputs share an encoding.
func Key(documentText string, category model.CategoryDefinition, modelID string) string {
	h := sha256.New()
	writeField(h, "category")
	writeField(h, documentText)
	writeField(h, category.Name)
	writeField(h, category.Description)
	writeField(h, string(category.ValueType))
	writeLen(h, len(category.PossibleValues))
	for _, v := range category.PossibleValues {
		writeField(h, v)
	}
	writeField(h, modelID)
	return hex.EncodeToString(h.Sum(nil))
}

// CustomerInfoKey keys the once-per-document customer info request.
func CustomerInfoKey(documentText, modelID string) string {
	h := sha256.New()
	writeField(h, "customer_info")
	writeField(h, documentText)
	writeField(h, modelID)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	writeLen(h, len(s))
	h.Write([]byte(s)) //nolint:errcheck
}

func writeLen(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:]) //nolint:errcheck
}
