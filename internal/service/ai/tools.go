package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"botgpt/internal/config"
	"botgpt/internal/models"
)

// ErrNoSession is returned by session scoped tools invoked outside a turn.
var ErrNoSession = errors.New("tool call has no session")

// DocumentSearcher finds the chunks of a session's documents closest to a
// query.
type DocumentSearcher interface {
	Search(ctx context.Context, sessionID, query string, topK int) ([]models.ChunkMatch, error)
}

type toolSessionKey struct{}

// WithToolSession tags ctx with the session a tool call is made for.
func WithToolSession(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, toolSessionKey{}, sessionID)
}

func ToolSessionFromContext(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(toolSessionKey{}).(string)
	return sessionID, ok && sessionID != ""
}

type documentSearchParams struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

type documentSearchTool struct {
	docs DocumentSearcher
	topK int
}

func newDocumentSearchTool(docs DocumentSearcher, topK int) tool.InvokableTool {
	if topK <= 0 {
		topK = 4
	}
	d := &documentSearchTool{docs: docs, topK: topK}
	info := &schema.ToolInfo{
		Name: "document_search",
		Desc: "Search the documents the user uploaded to this conversation and return the closest excerpts.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "What to look for in the uploaded documents",
				Type:     schema.String,
				Required: true,
			},
			"top_k": {
				Desc: fmt.Sprintf("Maximum number of excerpts, at most %d", topK),
				Type: schema.Integer,
			},
		}),
	}
	return utils.NewTool(info, d.run)
}

func (d *documentSearchTool) run(ctx context.Context, params *documentSearchParams) (string, error) {
	sessionID, ok := ToolSessionFromContext(ctx)
	if !ok {
		return "", ErrNoSession
	}
	if params == nil || strings.TrimSpace(params.Query) == "" {
		return "", errors.New("query must not be empty")
	}
	topK := params.TopK
	if topK <= 0 || topK > d.topK {
		topK = d.topK
	}
	matches, err := d.docs.Search(ctx, sessionID, strings.TrimSpace(params.Query), topK)
	if err != nil {
		return "", fmt.Errorf("search documents: %w", err)
	}
	return formatExcerpts(matches), nil
}

func formatExcerpts(matches []models.ChunkMatch) string {
	var b strings.Builder
	for _, m := range matches {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s #%d score=%.3f]\n%s", m.DocID, m.Index, m.Score, m.Text)
	}
	if b.Len() == 0 {
		return "no matching excerpts in the uploaded documents"
	}
	return b.String()
}

type webSearchParams struct {
	Query string `json:"query"`
}

// webSearchTool asks each provider in order and returns the first answer.
type webSearchTool struct {
	providers []tool.InvokableTool
	limiter   *windowLimiter
}

func newWebSearchTool(limiter *windowLimiter, providers ...tool.InvokableTool) tool.InvokableTool {
	w := &webSearchTool{limiter: limiter}
	for _, p := range providers {
		if p != nil {
			w.providers = append(w.providers, p)
		}
	}
	if len(w.providers) == 0 {
		return nil
	}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for current information that is not in the conversation or its documents.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language search query",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, w.run)
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil || strings.TrimSpace(params.Query) == "" {
		return "", errors.New("query must not be empty")
	}
	key := "anonymous"
	if sessionID, ok := ToolSessionFromContext(ctx); ok {
		key = sessionID
	}
	if w.limiter != nil && !w.limiter.Allow(key) {
		return "", errors.New("web search rate limit reached, answer without it")
	}
	payload, err := json.Marshal(webSearchParams{Query: strings.TrimSpace(params.Query)})
	if err != nil {
		return "", fmt.Errorf("encode search query: %w", err)
	}

	var errs []error
	for _, p := range w.providers {
		out, err := p.InvokableRun(ctx, string(payload))
		if err == nil {
			return out, nil
		}
		log.Printf("web search provider failed: %v", err)
		errs = append(errs, err)
	}
	return "", fmt.Errorf("web search: %w", errors.Join(errs...))
}

// searchProviders returns the configured search backends, Google first.
func searchProviders(ctx context.Context, cfg config.SearchConfig) []tool.InvokableTool {
	var providers []tool.InvokableTool
	if cfg.GoogleAPIKey != "" && cfg.GoogleEngineID != "" {
		google, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "web_search_google",
			APIKey:         cfg.GoogleAPIKey,
			SearchEngineID: cfg.GoogleEngineID,
			Lang:           "en",
			Num:            5,
		})
		if err != nil {
			log.Printf("google search unavailable: %v", err)
		} else {
			providers = append(providers, google)
		}
	}
	duck, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		log.Printf("duckduckgo search unavailable: %v", err)
	} else {
		providers = append(providers, duck)
	}
	return providers
}
