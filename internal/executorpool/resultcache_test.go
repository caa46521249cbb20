package executorpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResultCacheHitReturnsStoredResult(t *testing.T) {
	rc := NewResultCache(10, time.Minute)
	key := cacheKeyFor("api_caller", map[string]any{"url": "https://example.com"})

	_, hit := rc.Get(key)
	require.False(t, hit)

	rc.Put(key, Result{Data: map[string]any{"status": 200}})
	cached, hit := rc.Get(key)
	require.True(t, hit)
	require.Equal(t, 200, cached.Data["status"])
}

func TestResultCacheExpiresAfterTTL(t *testing.T) {
	rc := NewResultCache(10, 5*time.Millisecond)
	key := cacheKeyFor("api_caller", map[string]any{"url": "https://example.com"})
	rc.Put(key, Result{Data: map[string]any{"status": 200}})

	time.Sleep(10 * time.Millisecond)
	_, hit := rc.Get(key)
	require.False(t, hit)
}

func TestResultCacheEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	rc := NewResultCache(2, time.Minute)
	keyA := cacheKeyFor("t", map[string]any{"n": 1})
	keyB := cacheKeyFor("t", map[string]any{"n": 2})
	keyC := cacheKeyFor("t", map[string]any{"n": 3})

	rc.Put(keyA, Result{Data: map[string]any{"n": 1}})
	rc.Put(keyB, Result{Data: map[string]any{"n": 2}})
	// Touch A so B is the least-recently-used entry when C forces an eviction.
	_, _ = rc.Get(keyA)
	rc.Put(keyC, Result{Data: map[string]any{"n": 3}})

	_, hitA := rc.Get(keyA)
	_, hitB := rc.Get(keyB)
	_, hitC := rc.Get(keyC)
	require.True(t, hitA)
	require.False(t, hitB)
	require.True(t, hitC)
}

func TestCacheKeyForIgnoresCacheableFlagAndKeyOrder(t *testing.T) {
	k1 := cacheKeyFor("code_executor", map[string]any{"script": "echo hi", "cacheable": true})
	k2 := cacheKeyFor("code_executor", map[string]any{"cacheable": false, "script": "echo hi"})
	require.Equal(t, k1, k2)

	k3 := cacheKeyFor("code_executor", map[string]any{"script": "echo bye", "cacheable": true})
	require.NotEqual(t, k1, k3)
}

func TestCacheableParamsReadsFlag(t *testing.T) {
	require.True(t, cacheableParams(map[string]any{"cacheable": true}))
	require.False(t, cacheableParams(map[string]any{"cacheable": false}))
	require.False(t, cacheableParams(map[string]any{}))
	require.False(t, cacheableParams(map[string]any{"cacheable": "true"}))
}
