package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"botgpt/internal/config"
)

// Record is one vector with its metadata.
type Record struct {
	ID       string
	Values   []float32
	Metadata map[string]any
}

// Match is a query hit. Numeric metadata decoded from JSON comes back as float64.
type Match struct {
	ID       string
	Score    float32
	Metadata map[string]any
}

// Filter selects records whose metadata equals every key/value pair.
type Filter map[string]string

// Index is a namespaced vector store.
type Index interface {
	Upsert(ctx context.Context, namespace string, records []Record) error
	DeleteByFilter(ctx context.Context, namespace string, filter Filter) error
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error)
}

// New builds the index selected by cfg. Missing credentials or hosts are
// reported as config.ErrNotConfigured.
func New(cfg config.VectorStoreConfig) (Index, error) {
	switch strings.ToLower(cfg.Type) {
	case "pinecone", "":
		pc := cfg.Pinecone
		if pc.APIKey == "" {
			return nil, fmt.Errorf("pinecone api key: %w", config.ErrNotConfigured)
		}
		if pc.IndexHost == "" && pc.IndexName == "" {
			return nil, fmt.Errorf("pinecone index host or name: %w", config.ErrNotConfigured)
		}
		return NewPinecone(PineconeConfig{
			APIKey:    pc.APIKey,
			IndexHost: pc.IndexHost,
			IndexName: pc.IndexName,
		}), nil
	case "qdrant":
		if cfg.Qdrant.URL == "" {
			return nil, fmt.Errorf("qdrant url: %w", config.ErrNotConfigured)
		}
		return NewQdrant(QdrantConfig{
			URL:     cfg.Qdrant.URL,
			APIKey:  cfg.Qdrant.APIKey,
			Timeout: time.Duration(cfg.Qdrant.TimeoutSecs) * time.Second,
		}), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown vector store type: %s", cfg.Type)
	}
}
