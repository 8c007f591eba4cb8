package sim

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/rueidis"
)

const (
	hashPrefix  = "pastevec:"
	vectorField = "vector"
	scoreField  = "__vector_score"
)

var metadataFields = []string{"owner", "title", "language"}

type RedisIndexConfig struct {
	Addrs      []string
	Username   string
	Password   string
	Index      string
	Dimensions int
}

// RedisIndex keeps vectors as hashes under pastevec:<id> and searches them
// with an HNSW cosine FT index.
type RedisIndex struct {
	client     rueidis.Client
	index      string
	dimensions int
}

func NewRedisIndex(cfg RedisIndexConfig) (*RedisIndex, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("vector index addrs are required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableCache: true,
		AlwaysRESP2:  true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create vector index client")
	}
	return newRedisIndex(client, cfg.Index, cfg.Dimensions), nil
}

func newRedisIndex(client rueidis.Client, index string, dimensions int) *RedisIndex {
	return &RedisIndex{client: client, index: index, dimensions: dimensions}
}

// EnsureIndex creates the FT index unless it already exists.
func (r *RedisIndex) EnsureIndex(ctx context.Context) error {
	if r.dimensions <= 0 {
		return errors.New("vector dimensions must be positive")
	}
	args := []string{
		r.index, "ON", "HASH", "PREFIX", "1", hashPrefix,
		"SCHEMA",
		vectorField, "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(r.dimensions),
		"DISTANCE_METRIC", "COSINE",
		"owner", "TAG",
		"title", "TEXT",
		"language", "TAG",
	}
	cmd := r.client.B().Arbitrary("FT.CREATE").Args(args...).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		if isRedisErr(err, "index already exists") {
			return nil
		}
		return errors.Wrap(err, "create vector index")
	}
	return nil
}

// Upsert replaces the vector and metadata stored for id. Metadata fields
// missing from metadata are removed from the hash.
func (r *RedisIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	if len(vector) == 0 {
		return errors.New("vector is required")
	}
	if r.dimensions > 0 && len(vector) != r.dimensions {
		return fmt.Errorf("vector has %d dimensions, index expects %d", len(vector), r.dimensions)
	}
	key := hashPrefix + id
	cmd := r.client.B().Hset().Key(key).FieldValue().FieldValue(vectorField, string(vectorToBytes(vector)))
	var stale []string
	for _, f := range metadataFields {
		if v := metadata[f]; v != "" {
			cmd = cmd.FieldValue(f, v)
		} else {
			stale = append(stale, f)
		}
	}
	if err := r.client.Do(ctx, cmd.Build()).Error(); err != nil {
		return errors.Wrapf(err, "hset %s", key)
	}
	if len(stale) > 0 {
		del := r.client.B().Hdel().Key(key).Field(stale...).Build()
		if err := r.client.Do(ctx, del).Error(); err != nil {
			return errors.Wrapf(err, "hdel %s", key)
		}
	}
	return nil
}

func (r *RedisIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if len(vector) == 0 {
		return nil, errors.New("vector is required")
	}
	if topK <= 0 {
		return nil, errors.New("topK must be positive")
	}
	args := []string{
		r.index,
		fmt.Sprintf("*=>[KNN %d @%s $BLOB]", topK, vectorField),
		"RETURN", "1", scoreField,
		"SORTBY", scoreField,
		"LIMIT", "0", strconv.Itoa(topK),
		"PARAMS", "2", "BLOB", string(vectorToBytes(vector)),
		"DIALECT", "2",
	}
	cmd := r.client.B().Arbitrary("FT.SEARCH").Args(args...).Build()
	raw, err := r.client.Do(ctx, cmd).ToArray()
	if err != nil {
		return nil, errors.Wrap(err, "knn search")
	}
	return parseKNN(raw)
}

// parseKNN reads a RESP2 FT.SEARCH reply: [total, key1, fields1, key2, fields2, ...].
// Cosine distance d becomes similarity 1-d.
func parseKNN(raw []rueidis.RedisMessage) ([]Match, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	total, err := raw[0].AsInt64()
	if err != nil {
		return nil, errors.Wrap(err, "parse total")
	}
	out := make([]Match, 0, total)
	for i := 1; i+1 < len(raw); i += 2 {
		key, err := raw[i].ToString()
		if err != nil {
			continue
		}
		fields, err := raw[i+1].ToArray()
		if err != nil {
			continue
		}
		score, ok := fieldScore(fields)
		if !ok {
			continue
		}
		out = append(out, Match{ID: strings.TrimPrefix(key, hashPrefix), Score: 1 - score})
	}
	return out, nil
}

func fieldScore(fields []rueidis.RedisMessage) (float64, bool) {
	for j := 0; j+1 < len(fields); j += 2 {
		name, err := fields[j].ToString()
		if err != nil || name != scoreField {
			continue
		}
		val, err := fields[j+1].ToString()
		if err != nil {
			return 0, false
		}
		d, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

func (r *RedisIndex) DeleteByIDs(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = hashPrefix + id
	}
	cmd := r.client.B().Del().Key(keys...).Build()
	return errors.Wrap(r.client.Do(ctx, cmd).Error(), "delete vectors")
}

func (r *RedisIndex) Ping(ctx context.Context) error {
	cmd := r.client.B().Ping().Build()
	return errors.Wrap(r.client.Do(ctx, cmd).Error(), "ping vector index")
}

func (r *RedisIndex) Close() {
	r.client.Close()
}

func isRedisErr(err error, substr string) bool {
	re, ok := rueidis.IsRedisErr(err)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(re.Error()), substr)
}
