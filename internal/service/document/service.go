package document

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/embedding"

	"botgpt/internal/models"
	"botgpt/internal/vectorstore"
)

const (
	metaSessionID  = "session_id"
	metaDocID      = "doc_id"
	metaChunkIndex = "chunk_index"
	metaText       = "text"
)

var ErrEmptyDocument = errors.New("document has no text")

type EmbedderFactory func(ctx context.Context) (embedding.Embedder, error)

type IndexFactory func() (vectorstore.Index, error)

type Config struct {
	Namespace string
	MaxChars  int
}

// Service chunks documents, embeds the chunks and keeps them in one shared
// vector namespace tagged by session. Clients are built on first use and
// reused afterwards.
type Service struct {
	cfg         Config
	newEmbedder EmbedderFactory
	newIndex    IndexFactory

	mu        sync.Mutex
	embedder  embedding.Embedder
	index     vectorstore.Index
	extractor TextExtractor
}

func NewService(cfg Config, newEmbedder EmbedderFactory, newIndex IndexFactory) *Service {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	return &Service{cfg: cfg, newEmbedder: newEmbedder, newIndex: newIndex}
}

// EmbedAndStore chunks text, embeds every chunk in one call and upserts one
// record per chunk. It returns the number of stored chunks.
func (s *Service) EmbedAndStore(ctx context.Context, sessionID, text, docID string) (int, error) {
	if strings.TrimSpace(text) == "" {
		log.Printf("ingest %s: empty text", sessionID)
		return 0, ErrEmptyDocument
	}
	if docID == "" {
		docID = models.DefaultDocID
	}
	pieces := Chunk(text, s.cfg.MaxChars)
	if len(pieces) == 0 {
		log.Printf("ingest %s: no chunks", sessionID)
		return 0, ErrEmptyDocument
	}

	embedder, err := s.getEmbedder(ctx)
	if err != nil {
		return 0, err
	}
	index, err := s.getIndex()
	if err != nil {
		return 0, err
	}

	vectors, err := embedder.EmbedStrings(ctx, pieces)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(pieces) {
		return 0, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(pieces))
	}

	records := make([]vectorstore.Record, len(pieces))
	for i, piece := range pieces {
		c := models.Chunk{SessionID: sessionID, DocID: docID, Index: i, Text: piece, Vector: toFloat32(vectors[i])}
		records[i] = vectorstore.Record{
			ID:     c.VectorID(),
			Values: c.Vector,
			Metadata: map[string]any{
				metaSessionID:  c.SessionID,
				metaDocID:      c.DocID,
				metaChunkIndex: c.Index,
				metaText:       c.Text,
			},
		}
	}
	if err := index.Upsert(ctx, s.cfg.Namespace, records); err != nil {
		return 0, fmt.Errorf("upsert chunks: %w", err)
	}
	return len(records), nil
}

// DeleteForSession removes every vector of the session with one filtered delete.
func (s *Service) DeleteForSession(ctx context.Context, sessionID string) error {
	index, err := s.getIndex()
	if err != nil {
		return err
	}
	if err := index.DeleteByFilter(ctx, s.cfg.Namespace, vectorstore.Filter{metaSessionID: sessionID}); err != nil {
		return fmt.Errorf("delete session vectors: %w", err)
	}
	return nil
}

// Search returns the session's chunks closest to query.
func (s *Service) Search(ctx context.Context, sessionID, query string, topK int) ([]models.ChunkMatch, error) {
	embedder, err := s.getEmbedder(ctx)
	if err != nil {
		return nil, err
	}
	index, err := s.getIndex()
	if err != nil {
		return nil, err
	}
	vectors, err := embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}
	found, err := index.Query(ctx, s.cfg.Namespace, toFloat32(vectors[0]), topK, vectorstore.Filter{metaSessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	matches := make([]models.ChunkMatch, 0, len(found))
	for _, m := range found {
		matches = append(matches, models.ChunkMatch{
			ID:    m.ID,
			DocID: metaString(m.Metadata, metaDocID),
			Index: metaInt(m.Metadata, metaChunkIndex),
			Text:  metaString(m.Metadata, metaText),
			Score: m.Score,
		})
	}
	return matches, nil
}

func (s *Service) getEmbedder(ctx context.Context) (embedding.Embedder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.embedder != nil {
		return s.embedder, nil
	}
	if s.newEmbedder == nil {
		return nil, errors.New("embedder factory missing")
	}
	e, err := s.newEmbedder(ctx)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	s.embedder = e
	return e, nil
}

func (s *Service) getIndex() (vectorstore.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		return s.index, nil
	}
	if s.newIndex == nil {
		return nil, errors.New("vector index factory missing")
	}
	idx, err := s.newIndex()
	if err != nil {
		return nil, fmt.Errorf("init vector index: %w", err)
	}
	s.index = idx
	return idx, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
