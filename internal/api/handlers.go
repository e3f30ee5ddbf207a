package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"botgpt/internal/config"
	"botgpt/internal/models"
	"botgpt/internal/service/ai"
	"botgpt/internal/service/assistant"
	"botgpt/internal/service/chat"
	"botgpt/internal/service/document"
	"botgpt/internal/worker"
)

const maxUploadBytes = 10 << 20 // 10 MB

// ChatService is the session and dialogue surface the handlers drive.
type ChatService interface {
	AskBot(ctx context.Context, sessionID, text string) (*chat.Result, error)
	CreateSession(ctx context.Context, sessionID string) (string, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	Messages(ctx context.Context, sessionID string) ([]*models.Message, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Rewind(ctx context.Context, sessionID string, messageID int64) (int64, error)
	UploadDocument(ctx context.Context, sessionID, docID, path string) (int, error)
}

// Handler wires HTTP routes to the chat service.
type Handler struct {
	chat      ChatService
	uploadDir string
}

// NewHandler constructs a Handler instance.
func NewHandler(svc ChatService, uploadDir string) *Handler {
	if uploadDir == "" {
		uploadDir = "./data/uploads"
	}
	return &Handler{chat: svc, uploadDir: uploadDir}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/chat", h.postChat)
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	sessions := api.Group("/sessions/:session_id")
	sessions.GET("/messages", h.getSessionMessages)
	sessions.POST("/messages", h.sendMessage)
	sessions.DELETE("", h.deleteSession)
	sessions.POST("/rewind/:message_id", h.rewind)
	sessions.POST("/documents", h.uploadDocument)
}

// writeError maps service errors onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrEmptySessionID), errors.Is(err, document.ErrEmptyDocument):
		status = http.StatusBadRequest
	case errors.Is(err, assistant.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, worker.ErrQueueFull):
		status = http.StatusTooManyRequests
		msg = "server is busy, please retry"
	case errors.Is(err, config.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ai.ErrProvider):
		status = http.StatusBadGateway
	case errors.Is(err, assistant.ErrStorage):
		status = http.StatusInternalServerError
		msg = "storage unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": msg})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (h *Handler) postChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.ask(c, req.SessionID, req.Message)
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.ask(c, c.Param("session_id"), req.Message)
}

func (h *Handler) ask(c *gin.Context, sessionID, message string) {
	if strings.TrimSpace(message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	result, err := h.chat.AskBot(c.Request.Context(), sessionID, message)
	if err != nil {
		writeError(c, err)
		return
	}
	if !result.Persisted {
		c.Header("X-Reply-Persisted", "false")
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": result.SessionID,
		"reply":      result.Reply,
	})
}

func (h *Handler) createSession(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	sessionID, err := h.chat.CreateSession(c.Request.Context(), req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": sessionID})
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.chat.ListSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	sessionID := c.Param("session_id")
	messages, err := h.chat.Messages(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   messages,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	if err := h.chat.DeleteSession(c.Request.Context(), c.Param("session_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) rewind(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil || messageID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	deleted, err := h.chat.Rewind(c.Request.Context(), c.Param("session_id"), messageID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handler) uploadDocument(c *gin.Context) {
	sessionID := c.Param("session_id")
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+1<<20)
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	_ = f.Close()
	contentType := http.DetectContentType(buf[:n])
	filename := filepath.Base(file.Filename)
	if !document.IsSupportedUpload(contentType, filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	destDir, destPath := h.uploadPath(sessionID, filename)
	if err := saveUpload(c, file, destDir, destPath); err != nil {
		log.Printf("save upload for %s failed: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}

	docID := strings.TrimSpace(c.PostForm("doc_id"))
	if docID == "" {
		docID = models.DefaultDocID
	}
	chunks, err := h.chat.UploadDocument(c.Request.Context(), sessionID, docID, destPath)
	if err != nil {
		// ingestion removes the file itself once it starts
		_ = os.Remove(destPath)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sessionID,
		"doc_id":     docID,
		"chunks":     chunks,
	})
}

// saveUpload touches the session directory before writing so the sweeper
// treats it as fresh, and retries once if the directory vanished in between.
func saveUpload(c *gin.Context, file *multipart.FileHeader, destDir, destPath string) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = os.MkdirAll(destDir, 0o755); err != nil {
			return fmt.Errorf("create upload dir: %w", err)
		}
		now := time.Now()
		_ = os.Chtimes(destDir, now, now)
		if err = c.SaveUploadedFile(file, destPath); err == nil {
			return nil
		}
	}
	return fmt.Errorf("save upload: %w", err)
}

func (h *Handler) uploadPath(sessionID, filename string) (string, string) {
	destDir := filepath.Join(h.uploadDir, safeSegment(sessionID))
	return destDir, filepath.Join(destDir, fmt.Sprintf("%s_%s", uuid.NewString(), filename))
}

// safeSegment keeps a session id usable as a single path element.
func safeSegment(s string) string {
	if s == "" || strings.Trim(s, ".") == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
