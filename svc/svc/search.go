package svc

import (
	"context"
	"pastel/metrics"
	"pastel/pkg/domain"
	"pastel/svc/sim"
	"pastel/svc/util"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// DefaultScoreThreshold separates strong matches from the weak fallback.
const DefaultScoreThreshold = 0.6

// Merge reconciles a similarity ranking with the records it refers to.
// Records owned by someone other than identity are dropped silently. When
// the best surviving score is below threshold only that record is returned,
// otherwise every survivor scoring at least threshold, best first. Ids the
// ranking repeats keep their first position and their highest score.
func Merge(identity string, matches []sim.Match, records []*domain.Paste, threshold float64) []*domain.Paste {
	if len(matches) == 0 || len(records) == 0 {
		return []*domain.Paste{}
	}
	scores := make(map[string]float64, len(matches))
	for _, m := range matches {
		if prev, ok := scores[m.ID]; ok {
			if m.Score > prev {
				scores[m.ID] = m.Score
			}
			continue
		}
		scores[m.ID] = m.Score
	}

	allowed := make([]*domain.Paste, 0, len(records))
	for _, p := range records {
		if p != nil && p.VisibleTo(identity) {
			allowed = append(allowed, p)
		}
	}
	if len(allowed) == 0 {
		return []*domain.Paste{}
	}

	// Missing scores count as zero.
	sort.SliceStable(allowed, func(i, j int) bool {
		return scores[allowed[i].ID] > scores[allowed[j].ID]
	})

	if scores[allowed[0].ID] < threshold {
		return allowed[:1]
	}
	out := allowed[:0]
	for _, p := range allowed {
		if scores[p.ID] >= threshold {
			out = append(out, p)
		}
	}
	return out
}

// ids returns the distinct match ids in ranking order.
func ids(matches []sim.Match) []string {
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m.ID)
	}
	return out
}

// Search ranks pastes against query and returns the ones caller may see.
// Failing to embed the query is fatal to the request; everything else the
// similarity service returns is taken as-is.
func (p *Paste) Search(ctx context.Context, caller, query string) ([]*domain.Paste, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.ErrInvalidQuery
	}
	matches, err := p.sim.Rank(ctx, query, p.topK)
	if err != nil {
		if errors.Is(err, domain.ErrEmbedding) {
			metrics.Searches.WithLabelValues("embedding_failed").Inc()
			return nil, err
		}
		metrics.Searches.WithLabelValues("index_failed").Inc()
		return nil, errors.Wrap(err, "rank")
	}
	if len(matches) == 0 {
		metrics.Searches.WithLabelValues("empty").Inc()
		metrics.SearchResults.Observe(0)
		return []*domain.Paste{}, nil
	}

	records, err := p.store.GetMany(ctx, ids(matches))
	if err != nil {
		metrics.Searches.WithLabelValues("store_failed").Inc()
		return nil, errors.Wrap(err, "load matches")
	}
	out := Merge(caller, matches, records, p.threshold)

	metrics.Searches.WithLabelValues("ok").Inc()
	metrics.SearchResults.Observe(float64(len(out)))
	util.Debug().
		Str("request_id", util.GetRequestID(ctx)).
		Int("candidates", len(matches)).
		Int("results", len(out)).
		Msg("search completed")
	return out, nil
}
