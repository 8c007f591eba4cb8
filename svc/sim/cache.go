package sim

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"pastel/metrics"
	"pastel/svc/util"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const embeddingKeyPrefix = "pastel:emb:"

// KV is the byte store behind CachedEmbedder. A miss is ok=false with a nil error.
type KV interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedEmbedder memoizes embeddings by text hash and collapses concurrent
// requests for the same text into one upstream call. Cache failures degrade
// to calling the inner embedder.
type CachedEmbedder struct {
	inner Embedder
	kv    KV
	ttl   time.Duration
	model string
	group singleflight.Group
}

func NewCachedEmbedder(inner Embedder, kv KV, model string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, kv: kv, ttl: ttl, model: model}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.get(ctx, key); ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return vec, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		vec, err := c.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if err := c.kv.SetBytes(ctx, key, vectorToBytes(vec), c.ttl); err != nil {
			util.Warn().Err(err).Str("key", key).Msg("failed to cache embedding")
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (c *CachedEmbedder) cacheKey(text string) string {
	h := sha256.Sum256([]byte(c.model + "\x00" + text))
	return embeddingKeyPrefix + hex.EncodeToString(h[:])
}

func (c *CachedEmbedder) get(ctx context.Context, key string) ([]float32, bool) {
	data, ok, err := c.kv.GetBytes(ctx, key)
	if err != nil {
		util.Warn().Err(err).Str("key", key).Msg("failed to read cached embedding")
		return nil, false
	}
	if !ok || len(data) == 0 {
		return nil, false
	}
	vec, err := bytesToVector(data)
	if err != nil {
		util.Warn().Err(err).Str("key", key).Msg("failed to parse cached embedding")
		return nil, false
	}
	return vec, true
}

func vectorToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, errors.Errorf("invalid vector length %d", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
