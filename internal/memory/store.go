package memory

import (
	"cmp"
	"context"
	"log"
	"slices"
	"sync"

	"botgpt/internal/models"
)

// Syncer shares the newest message id of each session between processes so
// a process never serves a history another process has since changed.
type Syncer interface {
	Publish(ctx context.Context, sessionID string, head int64)
	Head(ctx context.Context, sessionID string) (int64, bool)
	Listen(ctx context.Context, onChange func(sessionID string, head int64)) error
}

// Store keeps one History per session. It is a projection of the session log
// and may be emptied at any time.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*History
	syncer  Syncer
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*History)}
}

// SetSyncer attaches cross-process coordination. Call before serving traffic.
func (s *Store) SetSyncer(syncer Syncer) {
	s.mu.Lock()
	s.syncer = syncer
	s.mu.Unlock()
}

// Listen drops local entries when another process reports a change.
func (s *Store) Listen(ctx context.Context) error {
	syncer := s.getSyncer()
	if syncer == nil {
		return nil
	}
	return syncer.Listen(ctx, func(sessionID string, head int64) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if h, ok := s.entries[sessionID]; ok && h.LastID() != head {
			delete(s.entries, sessionID)
			log.Printf("memory %s dropped after remote change", sessionID)
		}
	})
}

// Get returns the cached history. A miss, or a history that is behind the
// shared head, reports false.
func (s *Store) Get(ctx context.Context, sessionID string) (*History, bool) {
	s.mu.RLock()
	h, ok := s.entries[sessionID]
	syncer := s.syncer
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if syncer != nil {
		if head, found := syncer.Head(ctx, sessionID); found && head != h.LastID() {
			s.drop(sessionID, h)
			return nil, false
		}
	}
	return h, true
}

// Loader reads a session's messages from the log.
type Loader func(ctx context.Context) ([]*models.Message, error)

// GetOrLoad returns the cached history. On a miss, or when the cached entry
// is behind the shared head, it rebuilds the history from load.
func (s *Store) GetOrLoad(ctx context.Context, sessionID string, load Loader) (*History, error) {
	if h, ok := s.Get(ctx, sessionID); ok {
		return h, nil
	}
	messages, err := load(ctx)
	if err != nil {
		return nil, err
	}
	return s.Rebuild(ctx, sessionID, messages), nil
}

// Rebuild replaces the session's history with messages in id order.
func (s *Store) Rebuild(ctx context.Context, sessionID string, messages []*models.Message) *History {
	ordered := slices.Clone(messages)
	slices.SortFunc(ordered, func(a, b *models.Message) int {
		return cmp.Compare(a.ID, b.ID)
	})
	h := newHistory()
	h.append(ordered...)

	s.mu.Lock()
	s.entries[sessionID] = h
	syncer := s.syncer
	s.mu.Unlock()

	if syncer != nil {
		syncer.Publish(ctx, sessionID, h.LastID())
	}
	return h
}

// Append adds turns to an existing history. Without a cached entry nothing
// happens; the next read rebuilds from the log.
func (s *Store) Append(ctx context.Context, sessionID string, messages ...*models.Message) {
	s.mu.RLock()
	h, ok := s.entries[sessionID]
	syncer := s.syncer
	s.mu.RUnlock()
	if !ok {
		return
	}
	h.append(messages...)
	if syncer != nil {
		syncer.Publish(ctx, sessionID, h.LastID())
	}
}

// Invalidate drops the session's history here and in every peer process.
func (s *Store) Invalidate(ctx context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.entries, sessionID)
	syncer := s.syncer
	s.mu.Unlock()
	if syncer != nil {
		syncer.Publish(ctx, sessionID, 0)
	}
}

// Len reports the number of cached sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) drop(sessionID string, stale *History) {
	s.mu.Lock()
	if s.entries[sessionID] == stale {
		delete(s.entries, sessionID)
	}
	s.mu.Unlock()
}

func (s *Store) getSyncer() Syncer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncer
}
