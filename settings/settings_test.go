package settings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"

	"github.com/lotline-io/openlot/core"
)

func TestSnapshotDefaults(t *testing.T) {
	provider := NewProvider(NewCache(NewMemoryKV(nil), 0))

	snap, err := provider.Snapshot(context.Background())
	check.Nil(t, err)
	check.Equal(t, 120, snap.SoftCloseSeconds)
	check.Equal(t, core.MinIncrementFixed, snap.MinIncrementStrategy)
	check.Equal(t, "25", snap.MinIncrementValue.String())
	check.Equal(t, true, snap.DepositRequired)
	check.Equal(t, core.DepositStrategyPercent, snap.DepositStrategy)
	check.Equal(t, "0.1", snap.DepositPercent.String())
	check.Equal(t, "50", snap.DepositMinimumCAD.String())
	check.Equal(t, 5*time.Minute, snap.WebhookTolerance)
	check.Equal(t, 7*24*time.Hour, snap.DepositExpiryAfter)
}

func TestSnapshotOverridesAndMalformedValues(t *testing.T) {
	kv := NewMemoryKV(map[string]string{
		KeySoftCloseSeconds:  "300",
		KeyMinIncrementMode:  "percent",
		KeyMinIncrementValue: "5",
		KeyDepositRequired:   "false",
		KeyDepositStrategy:   "flat",
		KeyDepositFlatAmount: "250",
		KeyDepositMinimum:    "not-a-number", // malformed, default applies
		KeyWebhookTolerance:  "-10",          // out of range, default applies
	})
	provider := NewProvider(NewCache(kv, 0))

	snap, err := provider.Snapshot(context.Background())
	check.Nil(t, err)
	check.Equal(t, 300, snap.SoftCloseSeconds)
	check.Equal(t, core.MinIncrementPercent, snap.MinIncrementStrategy)
	check.Equal(t, "5", snap.MinIncrementValue.String())
	check.Equal(t, false, snap.DepositRequired)
	check.Equal(t, core.DepositStrategyFlat, snap.DepositStrategy)
	check.Equal(t, "250", snap.DepositFlatAmount.String())
	check.Equal(t, "50", snap.DepositMinimumCAD.String())
	check.Equal(t, 5*time.Minute, snap.WebhookTolerance)
}

// countingKV wraps MemoryKV and counts Values calls.
type countingKV struct {
	*MemoryKV
	mu    sync.Mutex
	reads int
}

func (c *countingKV) Values(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.MemoryKV.Values(ctx)
}

func (c *countingKV) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func TestCacheTTL(t *testing.T) {
	kv := &countingKV{MemoryKV: NewMemoryKV(map[string]string{KeySoftCloseSeconds: "60"})}
	cache := NewCache(kv, time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return clock }

	ctx := context.Background()

	// First read loads; the second within the TTL is served from cache.
	_, err := cache.Values(ctx)
	check.Nil(t, err)
	_, err = cache.Values(ctx)
	check.Nil(t, err)
	check.Equal(t, 1, kv.readCount())

	// Past the TTL every key is stale and the store is re-read.
	clock = clock.Add(2 * time.Minute)
	_, err = cache.Values(ctx)
	check.Nil(t, err)
	check.Equal(t, 2, kv.readCount())

	// Invalidate forces a reload regardless of age.
	cache.Invalidate()
	_, err = cache.Values(ctx)
	check.Nil(t, err)
	check.Equal(t, 3, kv.readCount())
}

func TestCacheSetWritesThrough(t *testing.T) {
	kv := NewMemoryKV(nil)
	cache := NewCache(kv, time.Minute)
	ctx := context.Background()

	check.Nil(t, cache.Set(ctx, KeySoftCloseSeconds, "90"))

	stored, err := kv.Values(ctx)
	check.Nil(t, err)
	check.Equal(t, "90", stored[KeySoftCloseSeconds])

	values, err := cache.Values(ctx)
	check.Nil(t, err)
	check.Equal(t, "90", values[KeySoftCloseSeconds])
}
