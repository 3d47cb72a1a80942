package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/auxqueue/server/internal/resolver"
	"github.com/auxqueue/server/pkg/database"
	"github.com/auxqueue/server/pkg/events"
	"github.com/auxqueue/server/pkg/models"
)

// Event is the change notification pushed to every client of a session.
// Payload carries the affected item, or is empty when the item was removed.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const EventQueueUpdate = "queue_update"

// Broadcaster fans an event out to every live connection of a session.
type Broadcaster interface {
	Broadcast(sessionID uuid.UUID, event interface{})
}

// Publisher publishes domain events for other instances and consumers.
// Optional; the service runs without one.
type Publisher interface {
	Publish(ctx context.Context, eventType events.EventType, sessionID uuid.UUID, payload interface{}) error
}

// Service is the queue ordering engine. It owns the ordered list per
// session: enqueue with dedup, vote-driven re-ranking and pop-next.
//
// Mutations for one session are serialized through a per-session mutex, so a
// re-rank always sees a consistent snapshot and two enqueues cannot race on
// position assignment within this process. The store's transactions and
// unique indexes cover the cross-process cases.
type Service struct {
	store     database.Store
	bus       Broadcaster
	publisher Publisher
	logger    *zap.Logger

	locks sync.Map // session id -> *sync.Mutex
}

func NewService(store database.Store, bus Broadcaster, publisher Publisher, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		bus:       bus,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *Service) sessionLock(sessionID uuid.UUID) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Enqueue registers the resolved descriptor as a track and appends a queue
// item for it. Fails with ErrSessionNotFound for a missing or inactive
// session and ErrDuplicateTrack when an active item already carries the same
// canonical id.
func (s *Service) Enqueue(ctx context.Context, sessionID uuid.UUID, descriptor *resolver.Descriptor, userID uuid.UUID) (*models.QueueItem, error) {
	addedBy := s.nickname(ctx, userID)

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	track := &models.Track{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Title:       descriptor.Title,
		Duration:    descriptor.Duration,
		SourceKind:  descriptor.SourceKind,
		SourceURL:   descriptor.SourceURL,
		PlaybackURL: descriptor.PlaybackURL,
		AddedBy:     addedBy,
		CanonicalID: descriptor.CanonicalID,
		CreatedAt:   now,
	}

	item := &models.QueueItem{
		ID:        uuid.New(),
		SessionID: sessionID,
		TrackID:   track.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if descriptor.CanonicalID != "" {
		canonical := descriptor.CanonicalID
		item.CanonicalID = &canonical
	}

	if err := s.store.InsertQueueItem(ctx, track, item); err != nil {
		return nil, err
	}

	s.logger.Info("track enqueued",
		zap.String("session_id", sessionID.String()),
		zap.String("item_id", item.ID.String()),
		zap.String("title", track.Title))

	s.publish(ctx, events.EventTypeTrackEnqueued, sessionID, item)
	s.bus.Broadcast(sessionID, Event{Type: EventQueueUpdate, Payload: item})
	return item, nil
}

// Vote applies one user's vote to an item, re-ranks the session and returns
// the item annotated with the caller's current vote (nil after a toggle-off).
func (s *Service) Vote(ctx context.Context, sessionID, itemID uuid.UUID, userID uuid.UUID, value int) (*models.QueueItem, error) {
	if userID == uuid.Nil {
		return nil, database.ErrUnauthenticatedVote
	}
	if value != 1 && value != -1 {
		return nil, fmt.Errorf("vote value must be 1 or -1, got %d", value)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	result, err := s.store.ApplyVote(ctx, sessionID, itemID, userID, value)
	if err != nil {
		return nil, err
	}

	if err := s.store.Rerank(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to rerank queue: %w", err)
	}

	item, err := s.store.GetQueueItem(ctx, sessionID, itemID)
	if err != nil {
		return nil, err
	}
	item.UserVote = result.UserVote

	s.logger.Info("vote applied",
		zap.String("session_id", sessionID.String()),
		zap.String("item_id", itemID.String()),
		zap.Int("delta", result.Delta),
		zap.Int("votes", item.Votes))

	s.publish(ctx, events.EventTypeTrackVoted, sessionID, item)
	s.bus.Broadcast(sessionID, Event{Type: EventQueueUpdate, Payload: item})
	return item, nil
}

// PopNext removes and returns the head of the queue (lowest position), or
// nil when the queue is empty. Remaining positions keep their gap until the
// next vote re-ranks.
func (s *Service) PopNext(ctx context.Context, sessionID uuid.UUID) (*models.QueueItem, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	item, err := s.store.PopNext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}

	s.logger.Info("track popped",
		zap.String("session_id", sessionID.String()),
		zap.String("item_id", item.ID.String()))

	s.publish(ctx, events.EventTypeTrackPopped, sessionID, item)
	s.bus.Broadcast(sessionID, Event{Type: EventQueueUpdate, Payload: struct{}{}})
	return item, nil
}

// GetQueue returns the session's items in position order. When userID is set
// each item is annotated with that user's own vote.
func (s *Service) GetQueue(ctx context.Context, sessionID uuid.UUID, userID uuid.UUID) ([]*models.QueueItem, error) {
	items, err := s.store.ListQueue(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if userID != uuid.Nil {
		userVotes, err := s.store.ListUserVotes(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if value, ok := userVotes[item.ID]; ok {
				v := value
				item.UserVote = &v
			}
		}
	}
	return items, nil
}

// nickname resolves the display name recorded as the track's added_by.
// Anonymous or unknown users leave it empty.
func (s *Service) nickname(ctx context.Context, userID uuid.UUID) string {
	if userID == uuid.Nil {
		return ""
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return ""
	}
	return user.Nickname
}

func (s *Service) publish(ctx context.Context, eventType events.EventType, sessionID uuid.UUID, payload interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, eventType, sessionID, payload); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", string(eventType)),
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
	}
}
