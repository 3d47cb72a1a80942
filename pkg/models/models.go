package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is an isolated queue universe. Every track, queue item and vote
// belongs to exactly one session; deleting the session deletes them all.
type Session struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey"`
	HostSecret   string    `json:"host_secret,omitempty" gorm:"unique"`
	Active       bool      `json:"active"`
	LastSequence int       `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// User is a guest identity scoped to one session.
type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	SessionID uuid.UUID `json:"session_id" gorm:"index"`
	Nickname  string    `json:"nickname"`
	IsHost    bool      `json:"is_host"`
	JoinedAt  time.Time `json:"joined_at"`
}

type SourceKind string

const (
	SourceYouTube SourceKind = "youtube"
	SourceFile    SourceKind = "file"
)

// Track is a resolved descriptor produced by a resolver. CanonicalID is a
// stable content key (video id or file hash) used for dedup; it may be empty.
type Track struct {
	ID          uuid.UUID  `json:"id" gorm:"primaryKey"`
	SessionID   uuid.UUID  `json:"session_id" gorm:"index"`
	Title       string     `json:"title"`
	Duration    int        `json:"duration"` // seconds
	SourceKind  SourceKind `json:"source_kind"`
	SourceURL   string     `json:"source_url"`
	PlaybackURL string     `json:"playback_url"`
	AddedBy     string     `json:"added_by,omitempty"`
	CanonicalID string     `json:"canonical_id,omitempty" gorm:"index"`
	CreatedAt   time.Time  `json:"created_at"`
}

// QueueItem is one pending entry in a session's queue.
//
// Position is the current rank and is rewritten by every re-rank. Sequence is
// assigned once at enqueue and never changes; it is the tie-break key that
// preserves insertion order between items with equal votes.
//
// CanonicalID mirrors the track's canonical id so the (session_id,
// canonical_id) unique index makes the duplicate check and the insert one
// atomic step. It is nil for tracks without a canonical id, which exempts
// them from dedup.
type QueueItem struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	SessionID   uuid.UUID `json:"session_id" gorm:"uniqueIndex:uq_session_canonical,priority:1"`
	TrackID     uuid.UUID `json:"track_id"`
	CanonicalID *string   `json:"-" gorm:"uniqueIndex:uq_session_canonical,priority:2"`
	Position    int       `json:"position"`
	Votes       int       `json:"votes"`
	Sequence    int       `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Track *Track `json:"track,omitempty" gorm:"foreignKey:TrackID"`

	// UserVote is the requesting user's own vote on this item (+1, -1 or
	// null). Populated per request, never stored.
	UserVote *int `json:"user_vote" gorm:"-"`
}

// Vote records one user's vote on one queue item. The composite unique index
// is the hard guarantee behind "at most one vote per (user, item)".
type Vote struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	UserID      uuid.UUID `json:"user_id" gorm:"uniqueIndex:uq_user_queue_vote,priority:1"`
	QueueItemID uuid.UUID `json:"queue_item_id" gorm:"uniqueIndex:uq_user_queue_vote,priority:2"`
	Value       int       `json:"value"` // 1 for upvote, -1 for downvote
	CreatedAt   time.Time `json:"created_at"`
}
