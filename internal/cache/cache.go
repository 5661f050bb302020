// Package cache provides the off-heap caches that sit in front of storage:
// a per-user info/collections blob cache and an ephemeral collection store,
// both backed by allegro/bigcache, plus a daily write-rate cap tracker
// backed by willf/bloom. Adapted from web/cacheHandler.go,
// which cached whole HTTP response bodies; this generalises the same idea
// to cache the underlying data the pipeline needs, independent of HTTP.
package cache

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/allegro/bigcache"
	"github.com/pkg/errors"

	"github.com/mozilla-services/syncstore/internal/clock"
)

// InfoConfig tunes the collection cache's capacity, megabytes, matching
// CacheConfig.MaxCacheSize.
type InfoConfig struct {
	MaxSizeMB int
}

// DefaultInfoConfig matches DefaultCacheHandlerConfig.
var DefaultInfoConfig = InfoConfig{MaxSizeMB: 256}

type infoEntry struct {
	LastModified clock.Timestamp            `json:"m"`
	Collections  map[string]clock.Timestamp `json:"c"`
}

// InfoCache holds the per-user info/collections snapshot so most GETs of
// that endpoint never touch a shard database. Any write for a user
// invalidates its entry; the next read repopulates it from storage.
type InfoCache struct {
	bc *bigcache.BigCache
}

// NewInfoCache constructs the cache. It panics on misconfiguration, same
// as NewCacheHandler does, because a cache that fails to construct means
// the process is misconfigured and should not start serving traffic.
func NewInfoCache(cfg InfoConfig) *InfoCache {
	bcConfig := bigcache.DefaultConfig(time.Hour)
	bcConfig.HardMaxCacheSize = cfg.MaxSizeMB
	bcConfig.MaxEntrySize = 1024
	bcConfig.LifeWindow = time.Hour

	bc, err := bigcache.NewBigCache(bcConfig)
	if err != nil {
		panic(errors.Wrap(err, "cache: init info cache"))
	}
	return &InfoCache{bc: bc}
}

func keyFor(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// Get returns the cached (lastModified, collections) snapshot for a user.
func (c *InfoCache) Get(userID int64) (lastModified clock.Timestamp, collections map[string]clock.Timestamp, ok bool) {
	data, err := c.bc.Get(keyFor(userID))
	if err != nil || len(data) == 0 {
		return 0, nil, false
	}

	var e infoEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return 0, nil, false
	}
	return e.LastModified, e.Collections, true
}

// Set stores a fresh snapshot, overwriting any prior entry for the user.
func (c *InfoCache) Set(userID int64, lastModified clock.Timestamp, collections map[string]clock.Timestamp) {
	data, err := json.Marshal(infoEntry{LastModified: lastModified, Collections: collections})
	if err != nil {
		return
	}
	c.bc.Set(keyFor(userID), data)
}

// Invalidate drops the cached snapshot for userID, called after any write.
func (c *InfoCache) Invalidate(userID int64) {
	c.bc.Delete(keyFor(userID))
}
