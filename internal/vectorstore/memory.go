package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Memory is an in-process Index with brute-force cosine search.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Record
}

func NewMemory() *Memory {
	return &Memory{namespaces: make(map[string]map[string]Record)}
}

func (m *Memory) Upsert(_ context.Context, namespace string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]Record)
		m.namespaces[namespace] = ns
	}
	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("memory upsert: record without id")
		}
		ns[r.ID] = Record{ID: r.ID, Values: append([]float32(nil), r.Values...), Metadata: cloneMetadata(r.Metadata)}
	}
	return nil
}

func (m *Memory) DeleteByFilter(_ context.Context, namespace string, filter Filter) error {
	if len(filter) == 0 {
		return fmt.Errorf("memory delete: empty filter")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.namespaces[namespace] {
		if matches(r.Metadata, filter) {
			delete(m.namespaces[namespace], id)
		}
	}
	return nil
}

func (m *Memory) Query(_ context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Match
	for _, r := range m.namespaces[namespace] {
		if !matches(r.Metadata, filter) {
			continue
		}
		out = append(out, Match{ID: r.ID, Score: cosine(vector, r.Values), Metadata: cloneMetadata(r.Metadata)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Len reports the number of records in a namespace.
func (m *Memory) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.namespaces[namespace])
}

func matches(metadata map[string]any, filter Filter) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

func cloneMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cosine(a, b []float32) float32 {
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
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
