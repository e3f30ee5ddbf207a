package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"botgpt/internal/config"
)

// ErrProvider wraps failures reported by the chat model provider.
var ErrProvider = errors.New("model provider failure")

const DefaultSystemPrompt = "You are BOT-GPT, a helpful assistant. Be concise and friendly."

// Swapped in tests.
var (
	chatModelFactory       = newChatModel
	searchProvidersFactory = searchProviders
)

// Service answers a turn with the configured chat model.
type Service struct {
	provider    string
	modelName   string
	temperature float32
	providerCfg config.ProviderConfig
	webSearch   bool
	search      config.SearchConfig
	docTool     bool
	docTopK     int

	mu        sync.Mutex
	docs      DocumentSearcher
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
}

func NewService(cfg *config.Config) *Service {
	chat := cfg.Chat
	provCfg := cfg.Providers[chat.Provider]
	modelName := chat.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	return &Service{
		provider:    strings.ToLower(chat.Provider),
		modelName:   modelName,
		temperature: chat.Temperature,
		providerCfg: provCfg,
		webSearch:   chat.WebSearch,
		search:      chat.Search,
		docTool:     chat.Retrieval.Enabled && chat.Retrieval.Mode == config.RetrievalModeTool,
		docTopK:     chat.Retrieval.TopK,
	}
}

// SetDocumentSearcher backs the document_search tool. It must be called
// before the first Reply.
func (s *Service) SetDocumentSearcher(docs DocumentSearcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = docs
}

// Reply sends system, the prior turns and input as the final user turn, and
// returns the model's complete answer.
func (s *Service) Reply(ctx context.Context, system string, history []*schema.Message, input string) (string, error) {
	if system == "" {
		system = DefaultSystemPrompt
	}
	chatModel, agent, err := s.ensureModel(ctx)
	if err != nil {
		return "", err
	}

	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, schema.SystemMessage(system))
	messages = append(messages, history...)
	messages = append(messages, schema.UserMessage(input))

	var resp *schema.Message
	if agent != nil {
		resp, err = agent.Generate(ctx, messages)
	} else {
		resp, err = chatModel.Generate(ctx, messages)
	}
	if err != nil {
		return "", fmt.Errorf("%w: generate reply: %w", ErrProvider, err)
	}
	if resp == nil {
		return "", fmt.Errorf("%w: empty response", ErrProvider)
	}
	return resp.Content, nil
}

// ensureModel builds the chat model on first use, wrapped in a react agent
// when any tool is enabled.
func (s *Service) ensureModel(ctx context.Context) (model.ToolCallingChatModel, *react.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatModel != nil {
		return s.chatModel, s.agent, nil
	}
	if s.providerCfg.APIKey == "" {
		return nil, nil, fmt.Errorf("provider %s api key: %w", s.provider, config.ErrNotConfigured)
	}
	chatModel, err := chatModelFactory(ctx, s.provider, s.modelName, s.temperature, s.providerCfg)
	if err != nil {
		return nil, nil, err
	}

	var agent *react.Agent
	if tools := s.tools(ctx); len(tools) > 0 {
		agent, err = react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init react agent: %w", err)
		}
	}
	s.chatModel = chatModel
	s.agent = agent
	return chatModel, agent, nil
}

// tools is called with mu held.
func (s *Service) tools(ctx context.Context) []tool.BaseTool {
	var tools []tool.BaseTool
	if s.docTool {
		if s.docs != nil {
			tools = append(tools, newDocumentSearchTool(s.docs, s.docTopK))
		} else {
			log.Printf("document_search enabled without a document searcher")
		}
	}
	if s.webSearch {
		limiter := newWindowLimiter(s.search.RatePerMinute, time.Minute)
		if ws := newWebSearchTool(limiter, searchProvidersFactory(ctx, s.search)...); ws != nil {
			tools = append(tools, ws)
		} else {
			log.Printf("web search requested but no search provider is available")
		}
	}
	return tools
}

func newChatModel(ctx context.Context, provider, modelName string, temperature float32, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	temp := temperature
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     provCfg.BaseURL,
			Model:       modelName,
			APIKey:      provCfg.APIKey,
			Temperature: &temp,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("new gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       modelName,
			Temperature: &temp,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:      provCfg.APIKey,
			Model:       modelName,
			BaseURL:     baseURLPtr,
			MaxTokens:   3000,
			Temperature: &temp,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}
