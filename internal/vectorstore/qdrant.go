package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// idKey holds the caller's record id in the payload, since qdrant point ids
// must be integers or UUIDs.
const idKey = "record_id"

var qdrantIDSpace = uuid.MustParse("6f1c2a8e-3d4b-4f6a-9c1e-2b7d8e9f0a1b")

type QdrantConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Qdrant maps each namespace to a collection with cosine distance.
type Qdrant struct {
	url    string
	apiKey string
	client *http.Client

	mu    sync.Mutex
	ready map[string]bool
}

func NewQdrant(cfg QdrantConfig) *Qdrant {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Qdrant{
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
		ready:  make(map[string]bool),
	}
}

// PointID derives the stable point UUID of a record id.
func PointID(recordID string) string {
	return uuid.NewSHA1(qdrantIDSpace, []byte(recordID)).String()
}

func (q *Qdrant) Upsert(ctx context.Context, namespace string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx, namespace, len(records[0].Values)); err != nil {
		return err
	}
	points := make([]map[string]any, len(records))
	for i, r := range records {
		payload := make(map[string]any, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			payload[k] = v
		}
		payload[idKey] = r.ID
		points[i] = map[string]any{
			"id":      PointID(r.ID),
			"vector":  r.Values,
			"payload": payload,
		}
	}
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", q.url, namespace)
	if err := doJSON(ctx, q.client, http.MethodPut, url, q.headers(), map[string]any{"points": points}, nil); err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

func (q *Qdrant) DeleteByFilter(ctx context.Context, namespace string, filter Filter) error {
	if len(filter) == 0 {
		return errors.New("qdrant delete: empty filter")
	}
	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", q.url, namespace)
	body := map[string]any{"filter": qdrantFilter(filter)}
	if err := doJSON(ctx, q.client, http.MethodPost, url, q.headers(), body, nil); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return nil
}

func (q *Qdrant) Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if len(filter) > 0 {
		body["filter"] = qdrantFilter(filter)
	}
	var resp struct {
		Result []struct {
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", q.url, namespace)
	if err := doJSON(ctx, q.client, http.MethodPost, url, q.headers(), body, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("qdrant search: %w", err)
	}
	matches := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, _ := r.Payload[idKey].(string)
		delete(r.Payload, idKey)
		matches = append(matches, Match{ID: id, Score: r.Score, Metadata: r.Payload})
	}
	return matches, nil
}

// ensureCollection creates the namespace collection and its session_id
// payload index the first time a namespace is written.
func (q *Qdrant) ensureCollection(ctx context.Context, namespace string, dimension int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready[namespace] {
		return nil
	}
	if dimension <= 0 {
		return errors.New("qdrant: invalid dimension")
	}

	var exists struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	base := fmt.Sprintf("%s/collections/%s", q.url, namespace)
	if err := doJSON(ctx, q.client, http.MethodGet, base+"/exists", q.headers(), nil, &exists); err != nil {
		return fmt.Errorf("qdrant collection exists: %w", err)
	}
	if !exists.Result.Exists {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     dimension,
				"distance": "Cosine",
			},
		}
		if err := doJSON(ctx, q.client, http.MethodPut, base, q.headers(), body, nil); err != nil {
			return fmt.Errorf("qdrant create collection: %w", err)
		}
		index := map[string]any{"field_name": "session_id", "field_schema": "keyword"}
		if err := doJSON(ctx, q.client, http.MethodPut, base+"/index?wait=true", q.headers(), index, nil); err != nil {
			return fmt.Errorf("qdrant create payload index: %w", err)
		}
	}
	q.ready[namespace] = true
	return nil
}

func (q *Qdrant) headers() map[string]string {
	if q.apiKey == "" {
		return nil
	}
	return map[string]string{"api-key": q.apiKey}
}

func qdrantFilter(filter Filter) map[string]any {
	must := make([]map[string]any, 0, len(filter))
	for k, v := range filter {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": v},
		})
	}
	return map[string]any{"must": must}
}
