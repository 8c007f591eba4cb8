package sim

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is a brute-force cosine index held in process memory.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	vector   []float32
	metadata map[string]string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]memEntry)}
}

func (m *MemoryIndex) Upsert(_ context.Context, id string, vector []float32, metadata map[string]string) error {
	v := make([]float32, len(vector))
	copy(v, vector)
	meta := make(map[string]string, len(metadata))
	for k, val := range metadata {
		meta[k] = val
	}
	m.mu.Lock()
	m.entries[id] = memEntry{vector: v, metadata: meta}
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, vector []float32, topK int) ([]Match, error) {
	m.mu.RLock()
	out := make([]Match, 0, len(m.entries))
	for id, e := range m.entries {
		out = append(out, Match{ID: id, Score: cosine(vector, e.vector)})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if topK >= 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *MemoryIndex) DeleteByIDs(_ context.Context, ids ...string) error {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Ping(context.Context) error { return nil }

// Metadata returns a copy of the metadata stored for id.
func (m *MemoryIndex) Metadata(id string) (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out, true
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
