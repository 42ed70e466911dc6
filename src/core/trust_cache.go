package main

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultTrustCacheTTL bounds how long a view may be served without recomputation
const DefaultTrustCacheTTL = 60 * time.Second

// TrustCache holds computed observer views.
// Entries are keyed by snapshot and parameter version so a stale view is never returned
// after either changes; the TTL bounds memory for observers that stop asking.
type TrustCache struct {
	views *cache.Cache
}

// NewTrustCache creates a cache whose entries expire after ttl
func NewTrustCache(ttl time.Duration) *TrustCache {
	if ttl <= 0 {
		ttl = DefaultTrustCacheTTL
	}
	return &TrustCache{
		views: cache.New(ttl, 2*ttl),
	}
}

func makeTrustCacheKey(observer string, snapshotVersion uint64, paramVersion int64) string {
	return fmt.Sprintf("%s:%d:%d", observer, snapshotVersion, paramVersion)
}

// Get returns a cached view
func (tc *TrustCache) Get(observer string, snapshotVersion uint64, paramVersion int64) (*TrustView, bool) {
	v, found := tc.views.Get(makeTrustCacheKey(observer, snapshotVersion, paramVersion))
	if !found {
		return nil, false
	}
	return v.(*TrustView), true
}

// Set caches a view. Degraded views are not cached.
func (tc *TrustCache) Set(view *TrustView) {
	if view == nil || view.Degraded {
		return
	}
	tc.views.Set(makeTrustCacheKey(view.Observer, view.SnapshotVersion, view.ParamVersion), view, cache.DefaultExpiration)
}

// Invalidate drops every cached view
func (tc *TrustCache) Invalidate() {
	tc.views.Flush()
}

// Len returns the number of cached views
func (tc *TrustCache) Len() int {
	return tc.views.ItemCount()
}
