package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"musicmashup/logger"
)

// PeaksCache stores waveform peaks per object and resolution.
type PeaksCache struct {
	store Store
	ttl   time.Duration
}

func NewPeaksCache(store Store, ttl time.Duration) *PeaksCache {
	return &PeaksCache{store: store, ttl: ttl}
}

func PeaksKey(objectKey string, buckets int) string {
	return fmt.Sprintf("mashup:peaks:%s:%d", objectKey, buckets)
}

func (c *PeaksCache) Get(ctx context.Context, objectKey string, buckets int) ([]float64, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	data, err := c.store.Get(ctx, PeaksKey(objectKey, buckets))
	if err != nil || data == nil {
		return nil, false
	}
	var peaks []float64
	if err := json.Unmarshal(data, &peaks); err != nil {
		return nil, false
	}
	return peaks, true
}

func (c *PeaksCache) Set(ctx context.Context, objectKey string, buckets int, peaks []float64) {
	if c == nil || c.store == nil {
		return
	}
	data, err := json.Marshal(peaks)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, PeaksKey(objectKey, buckets), data, c.ttl); err != nil {
		logger.Warn("failed to cache peaks", logger.String("object", objectKey), logger.ErrorField(err))
	}
}

// Forget drops the cached peaks of an object at the given resolutions.
func (c *PeaksCache) Forget(ctx context.Context, objectKey string, buckets ...int) {
	if c == nil || c.store == nil {
		return
	}
	keys := make([]string, 0, len(buckets))
	for _, b := range buckets {
		keys = append(keys, PeaksKey(objectKey, b))
	}
	_ = c.store.Del(ctx, keys...)
}
