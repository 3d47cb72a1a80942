package database

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/auxqueue/server/pkg/models"
)

// Request-scoped failures surfaced to callers. None of them leaves partial
// state behind: each is raised before, or inside the same transaction as, the
// mutation it guards.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrDuplicateTrack      = errors.New("track is already in the queue")
	ErrItemNotFound        = errors.New("queue item not found")
	ErrUnauthenticatedVote = errors.New("user id is required to vote")
)

// VoteResult is what the vote ledger reports back after an atomic apply.
type VoteResult struct {
	// Delta is the net change applied to the item's vote count.
	Delta int
	// UserVote is the user's vote after the operation; nil means the vote
	// was toggled off.
	UserVote *int
	// Item is the affected queue item with its updated vote count. Its
	// position is stale until the caller re-ranks.
	Item *models.QueueItem
}

// Store is the persistence contract for sessions, users, tracks, queue items
// and the vote ledger. Implementations must make ApplyVote, InsertQueueItem
// and PopNext atomic with respect to concurrent callers.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	// DeleteSession removes the session and everything it owns (votes,
	// queue items, tracks, users) in one transaction, children first.
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// Users
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListUsers(ctx context.Context, sessionID uuid.UUID) ([]*models.User, error)

	// Track catalog
	FindTrackByCanonicalID(ctx context.Context, sessionID uuid.UUID, canonicalID string) (*models.Track, error)

	// InsertQueueItem persists the track and its queue item as one unit.
	// It validates the session is active, assigns the item's position
	// (max+1, or 0 for an empty queue) and its immutable sequence number,
	// and fails with ErrDuplicateTrack if an active item in the session
	// already carries the same canonical id. Duplicate check and insert
	// are a single atomic step.
	InsertQueueItem(ctx context.Context, track *models.Track, item *models.QueueItem) error

	// ListQueue returns the session's items ordered by ascending position,
	// with tracks loaded.
	ListQueue(ctx context.Context, sessionID uuid.UUID) ([]*models.QueueItem, error)
	GetQueueItem(ctx context.Context, sessionID, itemID uuid.UUID) (*models.QueueItem, error)

	// PopNext removes the lowest-position item and returns its snapshot
	// (votes deleted first, then the item). Returns (nil, nil) on an
	// empty queue. Remaining positions are not renumbered.
	PopNext(ctx context.Context, sessionID uuid.UUID) (*models.QueueItem, error)

	// ApplyVote is the vote ledger: insert on first vote, delete on a
	// repeat of the same value (toggle-off), update on direction switch.
	// The resulting delta is applied to the item's vote count in the same
	// transaction, so concurrent voters cannot lose updates.
	ApplyVote(ctx context.Context, sessionID, itemID, userID uuid.UUID, value int) (*VoteResult, error)

	// ListUserVotes maps queue item id -> vote value for one user across
	// a session.
	ListUserVotes(ctx context.Context, sessionID, userID uuid.UUID) (map[uuid.UUID]int, error)

	// Rerank rewrites every item's position to its 0-based rank, ordered
	// by votes descending then sequence ascending, on a consistent
	// snapshot of the session.
	Rerank(ctx context.Context, sessionID uuid.UUID) error
}
