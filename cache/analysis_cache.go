package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"musicmashup/core/audio"
	"musicmashup/logger"
)

// HashContent is the cache identity of an uploaded file.
func HashContent(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func analysisKey(hash string) string {
	return "mashup:analysis:" + hash
}

// AnalysisCache remembers tempo/key results by content hash so re-uploads
// skip the analyzer. A nil cache or nil store is a permanent miss.
type AnalysisCache struct {
	store Store
	ttl   time.Duration
}

func NewAnalysisCache(store Store, ttl time.Duration) *AnalysisCache {
	return &AnalysisCache{store: store, ttl: ttl}
}

func (c *AnalysisCache) Get(ctx context.Context, hash string) (*audio.Analysis, error) {
	if c == nil || c.store == nil {
		return nil, nil
	}
	data, err := c.store.Get(ctx, analysisKey(hash))
	if err != nil || data == nil {
		return nil, err
	}
	var a audio.Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		logger.Warn("discarding malformed analysis entry", logger.String("hash", hash), logger.ErrorField(err))
		return nil, nil
	}
	return &a, nil
}

func (c *AnalysisCache) Set(ctx context.Context, hash string, a audio.Analysis) error {
	if c == nil || c.store == nil {
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	return c.store.Set(ctx, analysisKey(hash), data, c.ttl)
}

// Analyze returns the cached result for hash or runs analyze and caches it.
// Cache failures never fail the analysis.
func (c *AnalysisCache) Analyze(ctx context.Context, hash string, analyze func(context.Context) (audio.Analysis, error)) (audio.Analysis, error) {
	if cached, err := c.Get(ctx, hash); err == nil && cached != nil {
		logger.Debug("analysis cache hit", logger.String("hash", hash))
		return *cached, nil
	}
	a, err := analyze(ctx)
	if err != nil {
		return audio.Analysis{}, err
	}
	if err := c.Set(ctx, hash, a); err != nil {
		logger.Warn("failed to cache analysis", logger.String("hash", hash), logger.ErrorField(err))
	}
	return a, nil
}
