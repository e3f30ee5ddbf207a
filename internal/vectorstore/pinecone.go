package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type PineconeConfig struct {
	APIKey    string
	IndexHost string
	// IndexName is resolved to a host through the control plane when
	// IndexHost is empty.
	IndexName string
}

// pineconeConn is the part of *pinecone.IndexConnection the adapter needs.
type pineconeConn interface {
	UpsertVectors(ctx context.Context, in []*pinecone.Vector) (uint32, error)
	DeleteVectorsByFilter(ctx context.Context, metadataFilter *pinecone.MetadataFilter) error
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
}

// Pinecone keeps one index connection per namespace, opened on first use.
type Pinecone struct {
	cfg  PineconeConfig
	dial func(ctx context.Context, namespace string) (pineconeConn, error)

	mu     sync.Mutex
	client *pinecone.Client
	host   string
	conns  map[string]pineconeConn
}

func NewPinecone(cfg PineconeConfig) *Pinecone {
	p := &Pinecone{
		cfg:   cfg,
		host:  pineconeHost(cfg.IndexHost),
		conns: make(map[string]pineconeConn),
	}
	p.dial = p.dialIndex
	return p
}

func (p *Pinecone) Upsert(ctx context.Context, namespace string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	conn, err := p.conn(ctx, namespace)
	if err != nil {
		return err
	}
	vectors := make([]*pinecone.Vector, len(records))
	for i, r := range records {
		meta, err := structpb.NewStruct(r.Metadata)
		if err != nil {
			return fmt.Errorf("pinecone metadata for %s: %w", r.ID, err)
		}
		values := r.Values
		vectors[i] = &pinecone.Vector{Id: r.ID, Values: &values, Metadata: meta}
	}
	if _, err := conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("pinecone upsert: %w", err)
	}
	return nil
}

func (p *Pinecone) DeleteByFilter(ctx context.Context, namespace string, filter Filter) error {
	if len(filter) == 0 {
		return errors.New("pinecone delete: empty filter")
	}
	conn, err := p.conn(ctx, namespace)
	if err != nil {
		return err
	}
	f, err := pineconeFilter(filter)
	if err != nil {
		return err
	}
	if err := conn.DeleteVectorsByFilter(ctx, f); err != nil {
		// deleting from a namespace that was never written is not an error
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("pinecone delete: %w", err)
	}
	return nil
}

func (p *Pinecone) Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error) {
	conn, err := p.conn(ctx, namespace)
	if err != nil {
		return nil, err
	}
	req := &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		IncludeMetadata: true,
	}
	if len(filter) > 0 {
		if req.MetadataFilter, err = pineconeFilter(filter); err != nil {
			return nil, err
		}
	}
	resp, err := conn.QueryByVectorValues(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("pinecone query: %w", err)
	}
	matches := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if m == nil || m.Vector == nil {
			continue
		}
		match := Match{ID: m.Vector.Id, Score: m.Score}
		if m.Vector.Metadata != nil {
			match.Metadata = m.Vector.Metadata.AsMap()
		}
		matches = append(matches, match)
	}
	return matches, nil
}

func (p *Pinecone) conn(ctx context.Context, namespace string) (pineconeConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[namespace]; ok {
		return c, nil
	}
	c, err := p.dial(ctx, namespace)
	if err != nil {
		return nil, err
	}
	p.conns[namespace] = c
	return c, nil
}

// dialIndex runs with p.mu held.
func (p *Pinecone) dialIndex(ctx context.Context, namespace string) (pineconeConn, error) {
	if p.client == nil {
		client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: p.cfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("new pinecone client: %w", err)
		}
		p.client = client
	}
	if p.host == "" {
		idx, err := p.client.DescribeIndex(ctx, p.cfg.IndexName)
		if err != nil {
			return nil, fmt.Errorf("describe pinecone index %s: %w", p.cfg.IndexName, err)
		}
		if idx.Host == "" {
			return nil, fmt.Errorf("pinecone index %s has no host", p.cfg.IndexName)
		}
		p.host = pineconeHost(idx.Host)
	}
	conn, err := p.client.Index(pinecone.NewIndexConnParams{Host: p.host, Namespace: namespace})
	if err != nil {
		return nil, fmt.Errorf("connect pinecone index: %w", err)
	}
	return conn, nil
}

func pineconeFilter(filter Filter) (*pinecone.MetadataFilter, error) {
	fields := make(map[string]any, len(filter))
	for k, v := range filter {
		fields[k] = map[string]any{"$eq": v}
	}
	f, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("pinecone filter: %w", err)
	}
	return f, nil
}

// pineconeHost strips the scheme and trailing slash the console shows.
func pineconeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	host = strings.TrimPrefix(host, "https://")
	return strings.TrimPrefix(host, "http://")
}
