package vectorstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQdrantCreatesCollectionOnceAndUpserts(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(t, func(w http.ResponseWriter, call recordedCall) {
		if call.Path == "/collections/botgpt/exists" {
			w.Write([]byte(`{"result":{"exists":false}}`))
			return
		}
		w.Write([]byte(`{"result":true}`))
	}))
	defer srv.Close()

	q := NewQdrant(QdrantConfig{URL: srv.URL, APIKey: "qd-key"})
	ctx := context.Background()
	records := []Record{{ID: "s-d-chunk-0", Values: []float32{1, 2, 3}, Metadata: map[string]any{"session_id": "s"}}}
	require.NoError(t, q.Upsert(ctx, "botgpt", records))
	require.NoError(t, q.Upsert(ctx, "botgpt", records))

	assert.Equal(t, []string{
		"GET /collections/botgpt/exists",
		"PUT /collections/botgpt",
		"PUT /collections/botgpt/index",
		"PUT /collections/botgpt/points",
		"PUT /collections/botgpt/points",
	}, rec.paths())

	create := rec.calls[1]
	assert.Equal(t, "qd-key", create.Header.Get("api-key"))
	assert.Equal(t, float64(3), create.Body["vectors"].(map[string]any)["size"])

	point := rec.calls[3].Body["points"].([]any)[0].(map[string]any)
	assert.Equal(t, PointID("s-d-chunk-0"), point["id"])
	assert.Equal(t, "s-d-chunk-0", point["payload"].(map[string]any)[idKey])
}

func TestQdrantDeleteByFilter(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(t, nil))
	defer srv.Close()

	q := NewQdrant(QdrantConfig{URL: srv.URL})
	require.NoError(t, q.DeleteByFilter(context.Background(), "botgpt", Filter{"session_id": "sess_1"}))

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "/collections/botgpt/points/delete", rec.calls[0].Path)
	assert.Empty(t, rec.calls[0].Header.Get("api-key"))
	must := rec.calls[0].Body["filter"].(map[string]any)["must"].([]any)
	require.Len(t, must, 1)
	assert.Equal(t, map[string]any{"key": "session_id", "match": map[string]any{"value": "sess_1"}}, must[0])
}

func TestQdrantQueryRestoresRecordIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":[{"id":"9b1d","score":0.5,"payload":{"record_id":"s-d-chunk-0","text":"abc"}}]}`))
	}))
	defer srv.Close()

	q := NewQdrant(QdrantConfig{URL: srv.URL})
	matches, err := q.Query(context.Background(), "botgpt", []float32{1}, 2, Filter{"session_id": "s"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "s-d-chunk-0", matches[0].ID)
	assert.Equal(t, map[string]any{"text": "abc"}, matches[0].Metadata)
}

func TestQdrantMissingCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	q := NewQdrant(QdrantConfig{URL: srv.URL})
	assert.NoError(t, q.DeleteByFilter(context.Background(), "botgpt", Filter{"session_id": "s"}))
	matches, err := q.Query(context.Background(), "botgpt", []float32{1}, 2, nil)
	assert.NoError(t, err)
	assert.Empty(t, matches)
}

func TestPointIDIsStable(t *testing.T) {
	assert.Equal(t, PointID("a-b-chunk-0"), PointID("a-b-chunk-0"))
	assert.NotEqual(t, PointID("a-b-chunk-0"), PointID("a-b-chunk-1"))
}
