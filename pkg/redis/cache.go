package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/auxqueue/server/pkg/models"
)

const (
	sessionKeyPrefix = "session:"
	resolveKeyPrefix = "resolve:"

	sessionTTL = 24 * time.Hour
	resolveTTL = time.Hour
)

// ErrCacheMiss is returned when a key is absent. Callers fall back to the
// authoritative source.
var ErrCacheMiss = errors.New("cache miss")

// Cache holds read-through caches for sessions and resolved track metadata.
type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) SetSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := sessionKeyPrefix + session.ID.String()
	if err := c.client.Set(ctx, key, data, sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache session: %w", err)
	}
	return nil
}

func (c *Cache) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	data, err := c.client.Get(ctx, sessionKeyPrefix+id.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (c *Cache) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return c.client.Del(ctx, sessionKeyPrefix+id.String()).Err()
}

// SetResolved caches an arbitrary resolved descriptor under its canonical id.
func (c *Cache) SetResolved(ctx context.Context, canonicalID string, descriptor interface{}) error {
	data, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	key := resolveKeyPrefix + canonicalID
	if err := c.client.Set(ctx, key, data, resolveTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache descriptor: %w", err)
	}
	return nil
}

func (c *Cache) GetResolved(ctx context.Context, canonicalID string, out interface{}) error {
	data, err := c.client.Get(ctx, resolveKeyPrefix+canonicalID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get descriptor: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}
	return nil
}
