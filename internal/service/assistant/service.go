package assistant

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStorage wraps every failure of the relational store so callers can
	// tell "nothing there" apart from "store unavailable".
	ErrStorage         = errors.New("session storage failure")
	ErrSessionNotFound = errors.New("session not found")
)

// Service is the durable session log backed by database/sql.
type Service struct {
	db     *sql.DB
	driver string
}

// NewService builds a session log on top of an opened and migrated database.
func NewService(db *sql.DB, driver string) *Service {
	return &Service{db: db, driver: strings.ToLower(driver)}
}

func (s *Service) isMySQL() bool {
	return s.driver == "mysql"
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
