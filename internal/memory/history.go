package memory

import (
	"log"
	"sync"

	"github.com/cloudwego/eino/schema"

	"botgpt/internal/models"
)

// History is the ordered turn list of one session, ready to be sent to a
// chat model.
type History struct {
	mu       sync.RWMutex
	messages []*schema.Message
	lastID   int64
}

func newHistory() *History {
	return &History{messages: make([]*schema.Message, 0)}
}

// Messages returns a copy of the turns in log order.
func (h *History) Messages() []*schema.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*schema.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// LastID is the id of the newest log message reflected in the history, or 0.
func (h *History) LastID() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastID
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

func (h *History) append(msgs ...*models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range msgs {
		if m == nil {
			continue
		}
		turn := toSchema(m)
		if turn == nil {
			log.Printf("memory %s: skip message %d with role %q", m.SessionID, m.ID, m.Role)
			continue
		}
		h.messages = append(h.messages, turn)
		if m.ID > h.lastID {
			h.lastID = m.ID
		}
	}
}

func toSchema(m *models.Message) *schema.Message {
	switch m.Role {
	case models.RoleUser:
		return schema.UserMessage(m.Content)
	case models.RoleAssistant:
		return schema.AssistantMessage(m.Content, nil)
	default:
		return nil
	}
}
