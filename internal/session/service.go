package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/auxqueue/server/pkg/database"
	"github.com/auxqueue/server/pkg/events"
	"github.com/auxqueue/server/pkg/jwt"
	"github.com/auxqueue/server/pkg/models"
	redisx "github.com/auxqueue/server/pkg/redis"
)

// Publisher publishes session lifecycle events. Optional.
type Publisher interface {
	Publish(ctx context.Context, eventType events.EventType, sessionID uuid.UUID, payload interface{}) error
}

// ConnectionCloser drops the live connections of a session when it is
// deleted.
type ConnectionCloser interface {
	CloseSession(sessionID uuid.UUID)
}

// Service manages session and guest-user lifecycle. Sessions are cached in
// Redis with the store as the source of truth.
type Service struct {
	store     database.Store
	cache     *redisx.Cache
	publisher Publisher
	closer    ConnectionCloser
	logger    *zap.Logger
}

func NewService(store database.Store, cache *redisx.Cache, publisher Publisher, closer ConnectionCloser, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		cache:     cache,
		publisher: publisher,
		closer:    closer,
		logger:    logger,
	}
}

func (s *Service) CreateSession(ctx context.Context) (*models.Session, error) {
	now := time.Now()
	session := &models.Session{
		ID:         uuid.New(),
		HostSecret: uuid.New().String(),
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetSession(ctx, session); err != nil {
			s.logger.Warn("failed to cache session", zap.Error(err))
		}
	}

	s.logger.Info("session created", zap.String("session_id", session.ID.String()))
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	if s.cache != nil {
		if session, err := s.cache.GetSession(ctx, id); err == nil {
			return session, nil
		}
	}

	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetSession(ctx, session); err != nil {
			s.logger.Warn("failed to cache session", zap.Error(err))
		}
	}
	return session, nil
}

// DeleteSession removes the session and everything it owns, then drops its
// live connections and cache entry.
func (s *Service) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.DeleteSession(ctx, id); err != nil {
			s.logger.Warn("failed to evict session from cache", zap.Error(err))
		}
	}
	if s.closer != nil {
		s.closer.CloseSession(id)
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, events.EventTypeSessionClosed, id, nil); err != nil {
			s.logger.Warn("failed to publish session close", zap.Error(err))
		}
	}

	s.logger.Info("session deleted", zap.String("session_id", id.String()))
	return nil
}

// JoinResult is what a guest receives after joining: their user record plus
// a token that authenticates subsequent votes.
type JoinResult struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

func (s *Service) Join(ctx context.Context, sessionID uuid.UUID, nickname string, isHost bool) (*JoinResult, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active {
		return nil, database.ErrSessionNotFound
	}

	user := &models.User{
		ID:        uuid.New(),
		SessionID: sessionID,
		Nickname:  nickname,
		IsHost:    isHost,
		JoinedAt:  time.Now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	token, err := jwt.GenerateToken(user.ID.String(), sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.logger.Info("user joined session",
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", user.ID.String()),
		zap.String("nickname", nickname))

	return &JoinResult{User: user, Token: token}, nil
}

func (s *Service) ListUsers(ctx context.Context, sessionID uuid.UUID) ([]*models.User, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx, sessionID)
}
