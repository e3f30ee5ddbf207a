package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"botgpt/internal/memory"
	"botgpt/internal/models"
	"botgpt/internal/service/ai"
	"botgpt/internal/service/assistant"
)

var (
	ErrEmptyMessage   = errors.New("message must not be empty")
	ErrEmptySessionID = errors.New("session id must not be empty")
)

// Log is the durable record of sessions and their turns.
type Log interface {
	CreateSession(ctx context.Context, sessionID string) error
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error)
	GetMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteFromMessage(ctx context.Context, sessionID string, messageID int64) (int64, error)
}

// Model produces one complete reply for a composed conversation.
type Model interface {
	Reply(ctx context.Context, system string, history []*schema.Message, input string) (string, error)
}

// Documents is the session-scoped document store.
type Documents interface {
	IngestFile(ctx context.Context, sessionID, docID, path string) (int, error)
	DeleteForSession(ctx context.Context, sessionID string) error
	Search(ctx context.Context, sessionID, query string, topK int) ([]models.ChunkMatch, error)
}

// Runner serializes work per session.
type Runner interface {
	Do(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error
}

type Config struct {
	SystemPrompt     string
	RetrievalEnabled bool
	RetrievalTopK    int
}

// Result is the outcome of one turn. Persisted is false when the reply was
// produced but could not be written to the log.
type Result struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	Persisted bool   `json:"-"`
}

// Service orchestrates a session's log, memory, model and documents.
type Service struct {
	cfg     Config
	log     Log
	cache   *memory.Store
	model   Model
	docs    Documents
	workers Runner
	now     func() time.Time
}

func NewService(cfg Config, sessions Log, cache *memory.Store, model Model, docs Documents, workers Runner) *Service {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = ai.DefaultSystemPrompt
	}
	if cfg.RetrievalTopK <= 0 {
		cfg.RetrievalTopK = 4
	}
	return &Service{
		cfg:     cfg,
		log:     sessions,
		cache:   cache,
		model:   model,
		docs:    docs,
		workers: workers,
		now:     time.Now,
	}
}

// NewSessionID returns an id of the form sess_<unix seconds>.
func (s *Service) NewSessionID() string {
	return fmt.Sprintf("sess_%d", s.now().Unix())
}

// CreateSession registers sessionID, generating one when it is blank.
func (s *Service) CreateSession(ctx context.Context, sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = s.NewSessionID()
	}
	if err := s.log.CreateSession(ctx, sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

func (s *Service) ListSessions(ctx context.Context) ([]models.Session, error) {
	return s.log.ListSessions(ctx)
}

// Messages returns the session's turns in order.
func (s *Service) Messages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	exists, err := s.log.SessionExists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, assistant.ErrSessionNotFound
	}
	return s.log.GetMessages(ctx, sessionID)
}

// AskBot records text as the user's turn, asks the model with the session's
// history and records the reply. A blank sessionID starts a new session.
func (s *Service) AskBot(ctx context.Context, sessionID, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = s.NewSessionID()
	}

	var result *Result
	err := s.workers.Do(ctx, sessionID, func(ctx context.Context) error {
		var err error
		result, err = s.askBot(ctx, sessionID, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) askBot(ctx context.Context, sessionID, text string) (*Result, error) {
	if err := s.log.CreateSession(ctx, sessionID); err != nil {
		return nil, err
	}
	userMsg, err := s.log.AppendMessage(ctx, sessionID, models.RoleUser, text)
	if err != nil {
		return nil, err
	}

	history, err := s.history(ctx, sessionID, userMsg.ID)
	if err != nil {
		return nil, err
	}

	reply, err := s.model.Reply(ai.WithToolSession(ctx, sessionID), s.systemPrompt(ctx, sessionID, text), history, text)
	if err != nil {
		s.cache.Append(ctx, sessionID, userMsg)
		log.Printf("ask %s: model reply: %v", sessionID, err)
		return nil, err
	}

	replyMsg, err := s.log.AppendMessage(ctx, sessionID, models.RoleAssistant, reply)
	if err != nil {
		s.cache.Append(ctx, sessionID, userMsg)
		log.Printf("ask %s: reply not persisted: %v", sessionID, err)
		return &Result{SessionID: sessionID, Reply: reply}, nil
	}
	s.cache.Append(ctx, sessionID, userMsg, replyMsg)
	return &Result{SessionID: sessionID, Reply: reply, Persisted: true}, nil
}

// history returns the turns before the message with id before, rebuilding the
// cache from the log when it has no entry or a peer moved the session on.
func (s *Service) history(ctx context.Context, sessionID string, before int64) ([]*schema.Message, error) {
	h, err := s.cache.GetOrLoad(ctx, sessionID, func(ctx context.Context) ([]*models.Message, error) {
		stored, err := s.log.GetMessages(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		prior := make([]*models.Message, 0, len(stored))
		for _, m := range stored {
			if m.ID < before {
				prior = append(prior, m)
			}
		}
		return prior, nil
	})
	if err != nil {
		return nil, err
	}
	return h.Messages(), nil
}

func (s *Service) systemPrompt(ctx context.Context, sessionID, text string) string {
	if !s.cfg.RetrievalEnabled || s.docs == nil {
		return s.cfg.SystemPrompt
	}
	matches, err := s.docs.Search(ctx, sessionID, text, s.cfg.RetrievalTopK)
	if err != nil {
		log.Printf("ask %s: retrieval skipped: %v", sessionID, err)
		return s.cfg.SystemPrompt
	}
	if len(matches) == 0 {
		return s.cfg.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(s.cfg.SystemPrompt)
	b.WriteString("\n\nRelevant excerpts from the user's documents:")
	for _, m := range matches {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n[%s #%d]\n%s", m.DocID, m.Index, m.Text)
	}
	return b.String()
}

// Rewind deletes messageID and every later turn of the session and rebuilds
// the session's memory from what remains.
func (s *Service) Rewind(ctx context.Context, sessionID string, messageID int64) (int64, error) {
	var deleted int64
	err := s.workers.Do(ctx, sessionID, func(ctx context.Context) error {
		n, err := s.log.DeleteFromMessage(ctx, sessionID, messageID)
		if err != nil {
			return err
		}
		deleted = n
		remaining, err := s.log.GetMessages(ctx, sessionID)
		if err != nil {
			s.cache.Invalidate(ctx, sessionID)
			return err
		}
		s.cache.Rebuild(ctx, sessionID, remaining)
		return nil
	})
	return deleted, err
}

// DeleteSession removes the session from the log, its memory and its
// document vectors. The memory and vectors are cleared even when the log has
// no such session.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	return s.workers.Do(ctx, sessionID, func(ctx context.Context) error {
		logErr := s.log.DeleteSession(ctx, sessionID)
		s.cache.Invalidate(ctx, sessionID)
		if s.docs != nil {
			if err := s.docs.DeleteForSession(ctx, sessionID); err != nil {
				log.Printf("delete %s vectors: %v", sessionID, err)
				if logErr == nil {
					return err
				}
			}
		}
		return logErr
	})
}

// UploadDocument ingests the saved file at path into the session's documents.
func (s *Service) UploadDocument(ctx context.Context, sessionID, docID, path string) (int, error) {
	if strings.TrimSpace(sessionID) == "" {
		return 0, ErrEmptySessionID
	}
	if err := s.log.CreateSession(ctx, sessionID); err != nil {
		return 0, err
	}
	if docID == "" {
		docID = models.DefaultDocID
	}
	return s.docs.IngestFile(ctx, sessionID, docID, path)
}
