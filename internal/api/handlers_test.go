package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"

	"botgpt/internal/config"
	"botgpt/internal/memory"
	"botgpt/internal/service/ai"
	"botgpt/internal/service/assistant"
	"botgpt/internal/service/chat"
	"botgpt/internal/service/document"
	"botgpt/internal/storage"
	"botgpt/internal/vectorstore"
	"botgpt/internal/worker"
)

type mockModel struct {
	mu        sync.Mutex
	histories [][]*schema.Message
	err       error
}

func (m *mockModel) Reply(_ context.Context, _ string, history []*schema.Message, input string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories = append(m.histories, history)
	if m.err != nil {
		return "", m.err
	}
	return "echo: " + input, nil
}

type mockEmbedder struct{}

func (mockEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = []float64{float64(len(t)), 1}
	}
	return out, nil
}

type testServer struct {
	router  *gin.Engine
	model   *mockModel
	index   *vectorstore.Memory
	uploads string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "api.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	index := vectorstore.NewMemory()
	docs := document.NewService(document.Config{Namespace: "botgpt", MaxChars: 20},
		func(context.Context) (embedding.Embedder, error) { return mockEmbedder{}, nil },
		func() (vectorstore.Index, error) { return index, nil },
	)
	extractor, err := document.NewExtractor(context.Background())
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	docs.SetExtractor(extractor)

	workers := worker.NewManager(worker.Config{})
	t.Cleanup(workers.Close)
	model := &mockModel{}
	svc := chat.NewService(chat.Config{}, assistant.NewService(db, "sqlite3"), memory.NewStore(), model, docs, workers)

	uploads := filepath.Join(t.TempDir(), "uploads")
	router := gin.New()
	NewHandler(svc, uploads).RegisterRoutes(router)
	return &testServer{router: router, model: model, index: index, uploads: uploads}
}

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t)

	createResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions", map[string]string{"session_id": "sess_1"})
	assertStatus(t, createResp, http.StatusCreated)

	first := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"session_id": "sess_1", "message": "Hi"})
	assertStatus(t, first, http.StatusOK)
	var firstBody struct {
		SessionID string `json:"session_id"`
		Reply     string `json:"reply"`
	}
	decodeJSON(t, first.Body.Bytes(), &firstBody)
	if firstBody.SessionID != "sess_1" || firstBody.Reply != "echo: Hi" {
		t.Fatalf("unexpected chat response: %+v", firstBody)
	}

	second := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/sess_1/messages", map[string]string{"message": "How are you?"})
	assertStatus(t, second, http.StatusOK)
	if len(srv.model.histories) != 2 {
		t.Fatalf("expected two model calls, got %d", len(srv.model.histories))
	}
	history := srv.model.histories[1]
	if len(history) != 2 || history[0].Content != "Hi" || history[1].Content != "echo: Hi" {
		t.Fatalf("second call should see the first exchange, got %+v", history)
	}

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions", nil)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Sessions []struct {
			SessionID string `json:"session_id"`
		} `json:"sessions"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Sessions) != 1 || listBody.Sessions[0].SessionID != "sess_1" {
		t.Fatalf("unexpected session list: %+v", listBody)
	}

	msgResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions/sess_1/messages", nil)
	assertStatus(t, msgResp, http.StatusOK)
	var msgBody struct {
		Messages []struct {
			ID      int64  `json:"id"`
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &msgBody)
	if len(msgBody.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgBody.Messages))
	}

	rewindPath := fmt.Sprintf("/api/sessions/sess_1/rewind/%d", msgBody.Messages[2].ID)
	rewindResp := doJSONRequest(t, srv.router, http.MethodPost, rewindPath, nil)
	assertStatus(t, rewindResp, http.StatusOK)
	var rewindBody struct {
		Deleted int64 `json:"deleted"`
	}
	decodeJSON(t, rewindResp.Body.Bytes(), &rewindBody)
	if rewindBody.Deleted != 2 {
		t.Fatalf("expected 2 deleted messages, got %d", rewindBody.Deleted)
	}

	third := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"session_id": "sess_1", "message": "Again"})
	assertStatus(t, third, http.StatusOK)
	if got := len(srv.model.histories[2]); got != 2 {
		t.Fatalf("history after rewind should hold 2 turns, got %d", got)
	}

	delResp := doJSONRequest(t, srv.router, http.MethodDelete, "/api/sessions/sess_1", nil)
	assertStatus(t, delResp, http.StatusNoContent)
	missing := doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions/sess_1/messages", nil)
	assertStatus(t, missing, http.StatusNotFound)
}

func TestChatValidation(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name string
		body any
	}{
		{"empty message", map[string]string{"message": ""}},
		{"whitespace message", map[string]string{"message": "   "}},
		{"missing message", map[string]string{"session_id": "sess_x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", tc.body)
			assertStatus(t, resp, http.StatusBadRequest)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusBadRequest)

	if len(srv.model.histories) != 0 {
		t.Fatalf("model must not be called for invalid input")
	}
}

func TestChatAutoCreatesSession(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"message": "hello"})
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		SessionID string `json:"session_id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if !strings.HasPrefix(body.SessionID, "sess_") {
		t.Fatalf("expected generated session id, got %q", body.SessionID)
	}
}

func TestChatProviderErrors(t *testing.T) {
	srv := newTestServer(t)

	srv.model.err = fmt.Errorf("%w: upstream 500", ai.ErrProvider)
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"session_id": "s", "message": "hi"})
	assertStatus(t, resp, http.StatusBadGateway)

	srv.model.err = fmt.Errorf("provider gemini api key: %w", config.ErrNotConfigured)
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]string{"session_id": "s", "message": "hi"})
	assertStatus(t, resp, http.StatusServiceUnavailable)
}

func TestDeleteUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSONRequest(t, srv.router, http.MethodDelete, "/api/sessions/ghost", nil)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestRewindValidation(t *testing.T) {
	srv := newTestServer(t)
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/s/rewind/abc", nil)
	assertStatus(t, resp, http.StatusBadRequest)
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/sessions/s/rewind/0", nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestUploadDocument(t *testing.T) {
	srv := newTestServer(t)
	text := strings.Repeat("golang chunks ", 5)
	resp := doUpload(t, srv.router, "/api/sessions/sess_docs/documents", "notes.txt", []byte(text), map[string]string{"doc_id": "notes"})
	assertStatus(t, resp, http.StatusCreated)

	var body struct {
		SessionID string `json:"session_id"`
		DocID     string `json:"doc_id"`
		Chunks    int    `json:"chunks"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.SessionID != "sess_docs" || body.DocID != "notes" {
		t.Fatalf("unexpected upload response: %+v", body)
	}
	if body.Chunks < 2 || srv.index.Len("botgpt") != body.Chunks {
		t.Fatalf("expected %d vectors stored, got %d", body.Chunks, srv.index.Len("botgpt"))
	}
	if left := countFiles(t, srv.uploads); left != 0 {
		t.Fatalf("upload should be removed after ingestion, %d files left", left)
	}

	del := doJSONRequest(t, srv.router, http.MethodDelete, "/api/sessions/sess_docs", nil)
	assertStatus(t, del, http.StatusNoContent)
	if srv.index.Len("botgpt") != 0 {
		t.Fatalf("session vectors should be deleted with the session")
	}
}

func TestUploadPDFDocument(t *testing.T) {
	srv := newTestServer(t)
	pdf, err := os.ReadFile(filepath.Join("..", "service", "document", "testdata", "manual.pdf"))
	if err != nil {
		t.Fatalf("read pdf fixture: %v", err)
	}
	resp := doUpload(t, srv.router, "/api/sessions/sess_pdf/documents", "manual.pdf", pdf, nil)
	assertStatus(t, resp, http.StatusCreated)

	var body struct {
		DocID  string `json:"doc_id"`
		Chunks int    `json:"chunks"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.DocID == "" || body.Chunks < 1 {
		t.Fatalf("unexpected pdf upload response: %+v", body)
	}
	if srv.index.Len("botgpt") != body.Chunks {
		t.Fatalf("expected %d vectors stored, got %d", body.Chunks, srv.index.Len("botgpt"))
	}
}

func TestUploadRejectsBinaryAndEmpty(t *testing.T) {
	srv := newTestServer(t)

	binary := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	resp := doUpload(t, srv.router, "/api/sessions/s/documents", "image.png", binary, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doUpload(t, srv.router, "/api/sessions/s/documents", "blank.txt", []byte("   \n\t  "), nil)
	assertStatus(t, resp, http.StatusBadRequest)
	if left := countFiles(t, srv.uploads); left != 0 {
		t.Fatalf("rejected upload should not stay on disk, %d files left", left)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/s/documents", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestWriteErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err  error
		want int
	}{
		{chat.ErrEmptyMessage, http.StatusBadRequest},
		{document.ErrEmptyDocument, http.StatusBadRequest},
		{fmt.Errorf("delete: %w", assistant.ErrSessionNotFound), http.StatusNotFound},
		{worker.ErrQueueFull, http.StatusTooManyRequests},
		{config.ErrNotConfigured, http.StatusServiceUnavailable},
		{ai.ErrProvider, http.StatusBadGateway},
		{fmt.Errorf("%w: insert: %w", assistant.ErrStorage, errors.New("disk full")), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		writeError(c, tc.err)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestSafeSegment(t *testing.T) {
	cases := map[string]string{
		"sess_1": "sess_1",
		"../etc": ".._etc",
		"..":     "_",
		"":       "_",
		"a b/c":  "a_b_c",
	}
	for in, want := range cases {
		if got := safeSegment(in); got != want {
			t.Fatalf("safeSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doUpload(t *testing.T, router *gin.Engine, path, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	count := 0
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk uploads: %v", err)
	}
	return count
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
