package memory

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"botgpt/internal/redis"
)

const (
	redisChangeChannel = "memory:invalidate"
	redisHeadTTL       = 30 * time.Minute
)

type changeMessage struct {
	SessionID string `json:"session_id"`
	Head      int64  `json:"head"`
	Origin    string `json:"origin"`
}

// RedisSync implements Syncer on redis keys and pub/sub.
type RedisSync struct {
	client *redis.Client
	origin string
}

func NewRedisSync(client *redis.Client) *RedisSync {
	return &RedisSync{client: client, origin: uuid.NewString()}
}

func headKey(sessionID string) string {
	return "memory:head:" + sessionID
}

// Publish stores the head and notifies peers.
func (r *RedisSync) Publish(ctx context.Context, sessionID string, head int64) {
	if r == nil || r.client == nil {
		return
	}
	if err := r.client.Set(ctx, headKey(sessionID), head, redisHeadTTL); err != nil {
		log.Printf("memory rdb head %s failed: %v", sessionID, err)
	}
	payload, err := json.Marshal(changeMessage{SessionID: sessionID, Head: head, Origin: r.origin})
	if err != nil {
		log.Printf("memory change marshal failed: %v", err)
		return
	}
	if err := r.client.Publish(ctx, redisChangeChannel, payload); err != nil {
		log.Printf("memory publish change failed: %v", err)
	}
}

// Head returns the last published head for the session.
func (r *RedisSync) Head(ctx context.Context, sessionID string) (int64, bool) {
	if r == nil || r.client == nil {
		return 0, false
	}
	raw, err := r.client.Get(ctx, headKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("memory load head %s failed: %v", sessionID, err)
		}
		return 0, false
	}
	head, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("memory decode head %s failed: %v", sessionID, err)
		return 0, false
	}
	return head, true
}

// Listen forwards changes published by other processes.
func (r *RedisSync) Listen(ctx context.Context, onChange func(sessionID string, head int64)) error {
	if r == nil || r.client == nil || onChange == nil {
		return nil
	}
	return r.client.Subscribe(ctx, redisChangeChannel, func(payload string) {
		var msg changeMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			log.Printf("memory change decode failed: %v", err)
			return
		}
		if msg.Origin == r.origin {
			return
		}
		onChange(msg.SessionID, msg.Head)
	})
}
