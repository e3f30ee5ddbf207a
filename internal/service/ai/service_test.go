package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"botgpt/internal/config"
	"botgpt/internal/models"
)

type fakeChatModel struct {
	mu     sync.Mutex
	inputs [][]*schema.Message
	// script is answered in order before falling back to reply.
	script []*schema.Message
	reply  string
	err    error
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.script) > 0 {
		next := f.script[0]
		f.script = f.script[1:]
		return next, nil
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (f *fakeChatModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}

func withFakeModel(t *testing.T, fake *fakeChatModel) *int {
	t.Helper()
	builds := 0
	orig := chatModelFactory
	chatModelFactory = func(_ context.Context, provider, modelName string, temperature float32, _ config.ProviderConfig) (model.ToolCallingChatModel, error) {
		builds++
		if provider != "gemini" || modelName != "gemini-2.5-flash-lite" || temperature != 0.3 {
			t.Errorf("unexpected model settings: %s %s %v", provider, modelName, temperature)
		}
		return fake, nil
	}
	t.Cleanup(func() { chatModelFactory = orig })
	return &builds
}

func testConfig(apiKey string) *config.Config {
	return &config.Config{
		Providers: map[string]config.ProviderConfig{
			"gemini": {APIKey: apiKey, Model: "gemini-2.5-flash-lite"},
		},
		Chat: config.ChatConfig{Provider: "gemini", Temperature: 0.3},
	}
}

func TestReplyComposesSystemHistoryAndInput(t *testing.T) {
	fake := &fakeChatModel{reply: "I'm fine"}
	builds := withFakeModel(t, fake)
	svc := NewService(testConfig("key"))

	history := []*schema.Message{schema.UserMessage("Hi"), schema.AssistantMessage("Hello!", nil)}
	reply, err := svc.Reply(context.Background(), "be brief", history, "How are you?")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply != "I'm fine" {
		t.Fatalf("unexpected reply %q", reply)
	}
	sent := fake.inputs[0]
	if len(sent) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(sent))
	}
	want := []struct {
		role    schema.RoleType
		content string
	}{
		{schema.System, "be brief"},
		{schema.User, "Hi"},
		{schema.Assistant, "Hello!"},
		{schema.User, "How are you?"},
	}
	for i, w := range want {
		if sent[i].Role != w.role || sent[i].Content != w.content {
			t.Fatalf("message %d: want %s/%q got %s/%q", i, w.role, w.content, sent[i].Role, sent[i].Content)
		}
	}

	if _, err := svc.Reply(context.Background(), "", nil, "again"); err != nil {
		t.Fatalf("second reply: %v", err)
	}
	if *builds != 1 {
		t.Fatalf("model should be built once, built %d times", *builds)
	}
	if fake.inputs[1][0].Content != DefaultSystemPrompt {
		t.Fatalf("expected default system prompt, got %q", fake.inputs[1][0].Content)
	}
}

func TestReplyMissingKeyIsConfigurationError(t *testing.T) {
	fake := &fakeChatModel{}
	builds := withFakeModel(t, fake)
	svc := NewService(testConfig(""))

	_, err := svc.Reply(context.Background(), "", nil, "hi")
	if !errors.Is(err, config.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if *builds != 0 || len(fake.inputs) != 0 {
		t.Fatalf("no model call expected without credentials")
	}
}

func TestReplyWrapsProviderError(t *testing.T) {
	fake := &fakeChatModel{err: errors.New("quota exceeded")}
	withFakeModel(t, fake)
	svc := NewService(testConfig("key"))

	_, err := svc.Reply(context.Background(), "", nil, "hi")
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}

func TestNewChatModelRejectsUnknownProvider(t *testing.T) {
	if _, err := newChatModel(context.Background(), "llama", "m", 0, config.ProviderConfig{APIKey: "k"}); err == nil {
		t.Fatalf("expected invalid provider error")
	}
}

func TestReplyAnswersWithDocumentSearchTool(t *testing.T) {
	fake := &fakeChatModel{
		script: []*schema.Message{
			schema.AssistantMessage("", []schema.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: schema.FunctionCall{
					Name:      "document_search",
					Arguments: `{"query":"how do I start it"}`,
				},
			}}),
		},
		reply: "Press the red button.",
	}
	withFakeModel(t, fake)
	cfg := testConfig("key")
	cfg.Chat.Retrieval = config.RetrievalConfig{Enabled: true, Mode: config.RetrievalModeTool, TopK: 2}
	svc := NewService(cfg)
	docs := &fakeSearcher{matches: []models.ChunkMatch{{DocID: "manual", Index: 0, Text: "press the red button to start", Score: 0.9}}}
	svc.SetDocumentSearcher(docs)

	ctx := WithToolSession(context.Background(), "sess_9")
	reply, err := svc.Reply(ctx, "", nil, "How do I start the machine?")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply != "Press the red button." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if docs.sessionID != "sess_9" || docs.topK != 2 {
		t.Fatalf("search not scoped to the turn: session=%q topK=%d", docs.sessionID, docs.topK)
	}
	if len(fake.inputs) != 2 {
		t.Fatalf("expected a second model call after the tool ran, got %d", len(fake.inputs))
	}
	last := fake.inputs[1]
	toolMsg := last[len(last)-1]
	if toolMsg.Role != schema.Tool || !strings.Contains(toolMsg.Content, "press the red button") {
		t.Fatalf("tool result not fed back to the model: %s %q", toolMsg.Role, toolMsg.Content)
	}
}

func TestPromptRetrievalModeBuildsNoTools(t *testing.T) {
	fake := &fakeChatModel{reply: "ok"}
	withFakeModel(t, fake)
	cfg := testConfig("key")
	cfg.Chat.Retrieval = config.RetrievalConfig{Enabled: true, Mode: config.RetrievalModePrompt, TopK: 4}
	svc := NewService(cfg)
	svc.SetDocumentSearcher(&fakeSearcher{})

	if _, err := svc.Reply(context.Background(), "", nil, "hi"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if svc.agent != nil {
		t.Fatalf("no agent expected when retrieval stuffs the prompt")
	}
}
