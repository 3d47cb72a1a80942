package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auxqueue/server/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs unit tests and the
// DB_DRIVER=memory mode for local runs; one big lock gives it the same
// atomicity the MySQL implementation gets from transactions.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
	users    map[uuid.UUID]*models.User
	tracks   map[uuid.UUID]*models.Track
	items    map[uuid.UUID]*models.QueueItem
	votes    map[uuid.UUID]*models.Vote
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*models.Session),
		users:    make(map[uuid.UUID]*models.User),
		tracks:   make(map[uuid.UUID]*models.Track),
		items:    make(map[uuid.UUID]*models.QueueItem),
		votes:    make(map[uuid.UUID]*models.Vote),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	for itemID, item := range s.items {
		if item.SessionID != id {
			continue
		}
		for voteID, vote := range s.votes {
			if vote.QueueItemID == itemID {
				delete(s.votes, voteID)
			}
		}
		delete(s.items, itemID)
	}
	for trackID, track := range s.tracks {
		if track.SessionID == id {
			delete(s.tracks, trackID)
		}
	}
	for userID, user := range s.users {
		if user.SessionID == id {
			delete(s.users, userID)
		}
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *user
	s.users[user.ID] = &copied
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryStore) ListUsers(_ context.Context, sessionID uuid.UUID) ([]*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []*models.User
	for _, user := range s.users {
		if user.SessionID == sessionID {
			copied := *user
			users = append(users, &copied)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].JoinedAt.Before(users[j].JoinedAt) })
	return users, nil
}

func (s *MemoryStore) FindTrackByCanonicalID(_ context.Context, sessionID uuid.UUID, canonicalID string) (*models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, track := range s.tracks {
		if track.SessionID == sessionID && track.CanonicalID == canonicalID {
			copied := *track
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) InsertQueueItem(_ context.Context, track *models.Track, item *models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[item.SessionID]
	if !ok || !session.Active {
		return ErrSessionNotFound
	}

	if item.CanonicalID != nil {
		for _, existing := range s.items {
			if existing.SessionID == item.SessionID &&
				existing.CanonicalID != nil &&
				*existing.CanonicalID == *item.CanonicalID {
				return ErrDuplicateTrack
			}
		}
	}

	maxPos := -1
	for _, existing := range s.items {
		if existing.SessionID == item.SessionID && existing.Position > maxPos {
			maxPos = existing.Position
		}
	}
	item.Position = maxPos + 1
	item.Sequence = session.LastSequence
	session.LastSequence++

	trackCopy := *track
	s.tracks[track.ID] = &trackCopy

	itemCopy := *item
	itemCopy.Track = nil
	s.items[item.ID] = &itemCopy

	item.Track = track
	return nil
}

func (s *MemoryStore) ListQueue(_ context.Context, sessionID uuid.UUID) ([]*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []*models.QueueItem
	for _, item := range s.items {
		if item.SessionID == sessionID {
			items = append(items, s.withTrack(item))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (s *MemoryStore) GetQueueItem(_ context.Context, sessionID, itemID uuid.UUID) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok || item.SessionID != sessionID {
		return nil, ErrItemNotFound
	}
	return s.withTrack(item), nil
}

func (s *MemoryStore) PopNext(_ context.Context, sessionID uuid.UUID) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *models.QueueItem
	for _, item := range s.items {
		if item.SessionID != sessionID {
			continue
		}
		if next == nil || item.Position < next.Position {
			next = item
		}
	}
	if next == nil {
		return nil, nil
	}

	snapshot := s.withTrack(next)
	for voteID, vote := range s.votes {
		if vote.QueueItemID == next.ID {
			delete(s.votes, voteID)
		}
	}
	delete(s.items, next.ID)
	return snapshot, nil
}

func (s *MemoryStore) ApplyVote(_ context.Context, sessionID, itemID, userID uuid.UUID, value int) (*VoteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok || item.SessionID != sessionID {
		return nil, ErrItemNotFound
	}

	var existing *models.Vote
	for _, vote := range s.votes {
		if vote.UserID == userID && vote.QueueItemID == itemID {
			existing = vote
			break
		}
	}

	var delta int
	var userVote *int
	switch {
	case existing == nil:
		vote := &models.Vote{
			ID:          uuid.New(),
			UserID:      userID,
			QueueItemID: itemID,
			Value:       value,
			CreatedAt:   time.Now(),
		}
		s.votes[vote.ID] = vote
		delta = value
		userVote = &value
	case existing.Value == value:
		delete(s.votes, existing.ID)
		delta = -value
		userVote = nil
	default:
		delta = value - existing.Value
		existing.Value = value
		userVote = &value
	}

	item.Votes += delta
	return &VoteResult{Delta: delta, UserVote: userVote, Item: s.withTrack(item)}, nil
}

func (s *MemoryStore) ListUserVotes(_ context.Context, sessionID, userID uuid.UUID) (map[uuid.UUID]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byItem := make(map[uuid.UUID]int)
	for _, vote := range s.votes {
		if vote.UserID != userID {
			continue
		}
		if item, ok := s.items[vote.QueueItemID]; ok && item.SessionID == sessionID {
			byItem[vote.QueueItemID] = vote.Value
		}
	}
	return byItem, nil
}

func (s *MemoryStore) Rerank(_ context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}

	var items []*models.QueueItem
	for _, item := range s.items {
		if item.SessionID == sessionID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Votes != items[j].Votes {
			return items[i].Votes > items[j].Votes
		}
		return items[i].Sequence < items[j].Sequence
	})
	for rank, item := range items {
		item.Position = rank
	}
	return nil
}

// withTrack returns a detached copy of the item with its track attached.
// Callers hold s.mu.
func (s *MemoryStore) withTrack(item *models.QueueItem) *models.QueueItem {
	copied := *item
	if track, ok := s.tracks[item.TrackID]; ok {
		trackCopy := *track
		copied.Track = &trackCopy
	}
	return &copied
}
