package shi

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"
)

// BeforeKeyCache is the optional "IPU cache": a small fastcache-backed map
// from (groupId, primary key bytes) to a previously computed before-key,
// letting an in-place-update skip re-evaluating a Predicate when the
// caller can prove the pre-image has not changed since the cache was last
// filled for that primary key. It is disabled (nil) by default.
type BeforeKeyCache struct {
	cache *fastcache.Cache
}

// NewBeforeKeyCache allocates a cache of the given byte budget. A zero
// size disables caching (Get always misses, Set is a no-op).
func NewBeforeKeyCache(maxBytes int) *BeforeKeyCache {
	if maxBytes <= 0 {
		return &BeforeKeyCache{}
	}
	return &BeforeKeyCache{cache: fastcache.New(maxBytes)}
}

// enabled reports whether this cache actually holds entries, i.e. was
// constructed with a positive byte budget.
func (c *BeforeKeyCache) enabled() bool {
	return c != nil && c.cache != nil
}

func cacheKey(group GroupId, primaryKey PrimaryKey) []byte {
	buf := make([]byte, 4+len(primaryKey))
	binary.BigEndian.PutUint32(buf, uint32(group))
	copy(buf[4:], primaryKey)
	return buf
}

// Get returns a previously cached before-key for (group, primaryKey).
func (c *BeforeKeyCache) Get(group GroupId, primaryKey PrimaryKey) ([]byte, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}
	dst := c.cache.Get(nil, cacheKey(group, primaryKey))
	if dst == nil {
		return nil, false
	}
	return dst, true
}

// Set stores the before-key bytes for (group, primaryKey). A nil key is
// stored as an empty value, which Get reports as a miss: an empty entry
// and an absent one are not distinguished.
func (c *BeforeKeyCache) Set(group GroupId, primaryKey PrimaryKey, key []byte) {
	if c == nil || c.cache == nil {
		return
	}
	if key == nil {
		key = []byte{}
	}
	c.cache.Set(cacheKey(group, primaryKey), key)
}
