package models

import "fmt"

// DefaultDocID is used when a document is ingested without an explicit id.
const DefaultDocID = "default"

// Chunk is a bounded slice of extracted document text. It only lives for the
// duration of an ingestion call.
type Chunk struct {
	SessionID string
	DocID     string
	Index     int
	Text      string
	Vector    []float32
}

// VectorID returns the identifier used for the chunk in the vector index.
func (c Chunk) VectorID() string {
	return fmt.Sprintf("%s-%s-chunk-%d", c.SessionID, c.DocID, c.Index)
}

// ChunkMatch is a chunk returned by a similarity query.
type ChunkMatch struct {
	ID    string  `json:"id"`
	DocID string  `json:"doc_id"`
	Index int     `json:"chunk_index"`
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}
