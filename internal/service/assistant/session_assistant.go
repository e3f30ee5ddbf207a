package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"botgpt/internal/models"
)

// CreateSession registers the session id. Creating an existing id is a no-op.
func (s *Service) CreateSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	stmt := `INSERT OR IGNORE INTO sessions (session_id, created_at) VALUES (?, ?)`
	if s.isMySQL() {
		stmt = `INSERT IGNORE INTO sessions (session_id, created_at) VALUES (?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, stmt, sessionID, time.Now().UTC()); err != nil {
		return storageErr("create session", err)
	}
	return nil
}

// SessionExists reports whether the session id is registered.
func (s *Service) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE session_id = ?`, sessionID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, storageErr("lookup session", err)
	}
	return true, nil
}

// ListSessions returns every session in creation order.
func (s *Service) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, created_at FROM sessions ORDER BY id ASC`)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		var se models.Session
		if err := rows.Scan(&se.ID, &se.SessionID, &se.CreatedAt); err != nil {
			return nil, storageErr("scan session", err)
		}
		sessions = append(sessions, se)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", err)
	}
	return sessions, nil
}

// AppendMessage stores one turn and returns it with its log-assigned id.
func (s *Service) AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(role), content, now,
	)
	if err != nil {
		return nil, storageErr("insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr("message id", err)
	}
	return &models.Message{ID: id, SessionID: sessionID, Role: role, Content: content, CreatedAt: now}, nil
}

// GetMessages returns the session's turns ordered by id.
func (s *Service) GetMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m := new(models.Message)
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		m.Role = models.Role(role)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list messages", err)
	}
	return messages, nil
}

// DeleteSession removes the session and its messages. Cached history and
// stored vectors are left untouched.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// the cascade covers this too; deleting explicitly keeps stores without
	// enforced foreign keys consistent
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return storageErr("delete messages", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return storageErr("delete session", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("session rows affected", err)
	}
	if affected == 0 {
		err = ErrSessionNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return storageErr("commit delete session", err)
	}
	return nil
}

// DeleteFromMessage removes messageID and every later message of the session
// in a single statement. A message that does not belong to the session is
// logged and ignored. It returns the number of removed messages.
func (s *Service) DeleteFromMessage(ctx context.Context, sessionID string, messageID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM messages WHERE id = ? AND session_id = ?`, messageID, sessionID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("rewind %s: message %d not found", sessionID, messageID)
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("lookup message", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND id >= ?`, sessionID, messageID)
	if err != nil {
		return 0, storageErr("delete messages", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("messages rows affected", err)
	}
	return affected, nil
}
