// Package sim wraps the external similarity service: an embedding provider
// plus a vector index keyed by paste id.
package sim

import (
	"context"
	"pastel/metrics"
	"pastel/pkg/domain"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const vectorIDPrefix = "paste:"

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index stores vectors under opaque ids. Metadata values are never empty;
// absent fields are omitted.
type Index interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
	DeleteByIDs(ctx context.Context, ids ...string) error
	Ping(ctx context.Context) error
}

// Match is one ranked candidate. Higher scores are more similar.
type Match struct {
	ID    string
	Score float64
}

type Service struct {
	embedder Embedder
	index    Index
}

func NewService(e Embedder, idx Index) *Service {
	if e == nil || idx == nil {
		panic("sim service: nil embedder or index")
	}
	return &Service{embedder: e, index: idx}
}

// Text is the canonical projection of a paste that gets embedded.
func Text(p *domain.Paste) string {
	return "Title: " + p.Title + "\nContent: " + p.Content
}

// Metadata returns owner, title and language, each only when set.
func Metadata(p *domain.Paste) map[string]string {
	m := make(map[string]string, 3)
	if p.Owner != "" {
		m["owner"] = p.Owner
	}
	if p.Title != "" {
		m["title"] = p.Title
	}
	if p.Language != "" {
		m["language"] = p.Language
	}
	return m
}

func VectorID(pasteID string) string {
	return vectorIDPrefix + pasteID
}

func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := s.embedder.Embed(ctx, text)
	metrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, errors.Wrap(domain.ErrEmbedding, "embedder returned no vector")
	}
	return vec, nil
}

// Query ranks pastes against vector, returning paste ids (not vector ids).
func (s *Service) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	matches, err := s.index.Query(ctx, vector, topK)
	if err != nil {
		return nil, errors.Wrap(err, "query index")
	}
	for i := range matches {
		matches[i].ID = strings.TrimPrefix(matches[i].ID, vectorIDPrefix)
	}
	return matches, nil
}

func (s *Service) Upsert(ctx context.Context, pasteID string, vector []float32, metadata map[string]string) error {
	return errors.Wrap(s.index.Upsert(ctx, VectorID(pasteID), vector, metadata), "upsert vector")
}

func (s *Service) DeleteByIDs(ctx context.Context, pasteIDs ...string) error {
	if len(pasteIDs) == 0 {
		return nil
	}
	ids := make([]string, len(pasteIDs))
	for i, id := range pasteIDs {
		ids[i] = VectorID(id)
	}
	return errors.Wrap(s.index.DeleteByIDs(ctx, ids...), "delete vectors")
}

// IndexPaste embeds the canonical text of p and upserts it with its metadata.
func (s *Service) IndexPaste(ctx context.Context, p *domain.Paste) error {
	vec, err := s.Embed(ctx, Text(p))
	if err != nil {
		return errors.Wrapf(err, "embed paste %s", p.ID)
	}
	return s.Upsert(ctx, p.ID, vec, Metadata(p))
}

// Rank embeds a free-text query and returns up to topK candidates. Failing
// to obtain a query vector is reported as domain.ErrEmbedding.
func (s *Service) Rank(ctx context.Context, query string, topK int) ([]Match, error) {
	vec, err := s.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, domain.ErrEmbedding) {
			return nil, err
		}
		return nil, errors.Wrap(domain.ErrEmbedding, err.Error())
	}
	return s.Query(ctx, vec, topK)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.index.Ping(ctx)
}
