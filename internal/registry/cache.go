package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"voterimport/internal/models"
	"voterimport/internal/redis"
)

const (
	redisInvalidateChannel = "import:invalidate"
	redisSessionKey        = "import:session:%s"
	localCacheLimit        = 1024
)

type invalidateMessage struct {
	SessionID string `json:"session_id"`
}

// sessionCache is a two level cache of active sessions: process local first, then redis.
// Invalidations are broadcast so other instances drop their local copy.
type sessionCache struct {
	client *redis.Client

	mu    sync.RWMutex
	local map[string]*models.Session

	stopOnce sync.Once
	closeSub func() error
}

func newSessionCache(client *redis.Client) *sessionCache {
	return &sessionCache{
		client: client,
		local:  make(map[string]*models.Session),
	}
}

func sessionKey(id string) string {
	return fmt.Sprintf(redisSessionKey, id)
}

// startListener drops local entries named on the invalidation channel
func (c *sessionCache) startListener() {
	if c == nil || c.client == nil || c.client.Raw() == nil {
		return
	}
	ch, closeFn, err := c.client.Subscribe(context.Background(), redisInvalidateChannel)
	if err != nil {
		log.Printf("registry subscribe invalidation failed: %v", err)
		return
	}
	c.closeSub = closeFn
	go func() {
		for msg := range ch {
			var inv invalidateMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				log.Printf("registry invalidation decode failed: %v", err)
				continue
			}
			c.dropLocal(inv.SessionID)
		}
	}()
}

func (c *sessionCache) stop() {
	c.stopOnce.Do(func() {
		if c.closeSub != nil {
			_ = c.closeSub()
		}
	})
}

func (c *sessionCache) store(ctx context.Context, s *models.Session) {
	if s == nil || s.Status != models.StatusActive {
		return
	}
	cp := *s
	c.mu.Lock()
	if len(c.local) >= localCacheLimit {
		// drop everything rather than track recency
		c.local = make(map[string]*models.Session)
	}
	c.local[s.ID] = &cp
	c.mu.Unlock()

	if c.client == nil || c.client.Raw() == nil {
		return
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		log.Printf("registry session marshal failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, sessionKey(s.ID), data, ttl); err != nil {
		log.Printf("registry cache session failed: %v", err)
	}
}

func (c *sessionCache) load(ctx context.Context, id string) (*models.Session, bool) {
	c.mu.RLock()
	s, ok := c.local[id]
	c.mu.RUnlock()
	if ok {
		cp := *s
		return &cp, true
	}

	if c.client == nil || c.client.Raw() == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, sessionKey(id))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("registry load session cache failed: %v", err)
		}
		return nil, false
	}
	var cached models.Session
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		log.Printf("registry decode session cache failed: %v", err)
		return nil, false
	}
	return &cached, true
}

func (c *sessionCache) dropLocal(id string) {
	c.mu.Lock()
	delete(c.local, id)
	c.mu.Unlock()
}

func (c *sessionCache) invalidate(ctx context.Context, id string) {
	c.dropLocal(id)
	if c.client == nil || c.client.Raw() == nil {
		return
	}
	if err := c.client.Del(ctx, sessionKey(id)); err != nil && err != redis.ErrCacheMiss {
		log.Printf("registry invalidate session cache failed: %v", err)
	}
	payload, err := json.Marshal(invalidateMessage{SessionID: id})
	if err != nil {
		return
	}
	if err := c.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		log.Printf("registry publish invalidation failed: %v", err)
	}
}
