package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/auxqueue/server/internal/queue"
	"github.com/auxqueue/server/internal/resolver"
	"github.com/auxqueue/server/pkg/database"
	"github.com/auxqueue/server/pkg/models"
)

type recordingBus struct {
	mu     sync.Mutex
	events []queue.Event
}

func (b *recordingBus) Broadcast(_ uuid.UUID, event interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := event.(queue.Event); ok {
		b.events = append(b.events, e)
	}
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func newTestService(t *testing.T) (*queue.Service, *database.MemoryStore, *recordingBus, uuid.UUID) {
	t.Helper()

	store := database.NewMemoryStore()
	bus := &recordingBus{}
	service := queue.NewService(store, bus, nil, zap.NewNop())

	session := &models.Session{
		ID:        uuid.New(),
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateSession(context.Background(), session))

	return service, store, bus, session.ID
}

func descriptor(title, canonicalID string) *resolver.Descriptor {
	return &resolver.Descriptor{
		Title:       title,
		Duration:    180,
		SourceKind:  models.SourceYouTube,
		SourceURL:   "https://youtube.com/watch?v=" + canonicalID,
		PlaybackURL: "https://youtube.com/watch?v=" + canonicalID,
		CanonicalID: canonicalID,
	}
}

func TestEnqueueAssignsPositionsInInsertionOrder(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()

	ids := []string{"aaaaaaaaaaa", "bbbbbbbbbbb", "ccccccccccc"}
	for i, canonical := range ids {
		item, err := service.Enqueue(ctx, sessionID, descriptor("track", canonical), uuid.Nil)
		require.NoError(t, err)
		assert.Equal(t, i, item.Position)
		assert.Equal(t, i, item.Sequence)
		assert.Equal(t, 0, item.Votes)
	}

	items, err := service.GetQueue(ctx, sessionID, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, i, item.Position)
	}
}

func TestEnqueueDuplicateCanonicalIDFails(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()

	_, err := service.Enqueue(ctx, sessionID, descriptor("first", "dQw4w9WgXcQ"), uuid.Nil)
	require.NoError(t, err)

	_, err = service.Enqueue(ctx, sessionID, descriptor("second", "dQw4w9WgXcQ"), uuid.Nil)
	assert.ErrorIs(t, err, database.ErrDuplicateTrack)

	items, err := service.GetQueue(ctx, sessionID, uuid.Nil)
	require.NoError(t, err)
	assert.Len(t, items, 1, "queue length must be unchanged by the failed enqueue")
}

func TestEnqueueWithoutCanonicalIDSkipsDedup(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()

	d := &resolver.Descriptor{Title: "upload", SourceKind: models.SourceFile, SourceURL: "/a.mp3", PlaybackURL: "/a.mp3"}
	_, err := service.Enqueue(ctx, sessionID, d, uuid.Nil)
	require.NoError(t, err)
	_, err = service.Enqueue(ctx, sessionID, d, uuid.Nil)
	require.NoError(t, err)

	items, err := service.GetQueue(ctx, sessionID, uuid.Nil)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestEnqueueUnknownSession(t *testing.T) {
	service, _, _, _ := newTestService(t)

	_, err := service.Enqueue(context.Background(), uuid.New(), descriptor("x", "xxxxxxxxxxx"), uuid.Nil)
	assert.ErrorIs(t, err, database.ErrSessionNotFound)
}

func TestEnqueueInactiveSession(t *testing.T) {
	service, store, _, _ := newTestService(t)
	ctx := context.Background()

	inactive := &models.Session{ID: uuid.New(), Active: false}
	require.NoError(t, store.CreateSession(ctx, inactive))

	_, err := service.Enqueue(ctx, inactive.ID, descriptor("x", "xxxxxxxxxxx"), uuid.Nil)
	assert.ErrorIs(t, err, database.ErrSessionNotFound)
}

func TestVoteToggleOff(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()
	user := uuid.New()

	item, err := service.Enqueue(ctx, sessionID, descriptor("a", "aaaaaaaaaaa"), uuid.Nil)
	require.NoError(t, err)

	voted, err := service.Vote(ctx, sessionID, item.ID, user, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, voted.Votes)
	require.NotNil(t, voted.UserVote)
	assert.Equal(t, 1, *voted.UserVote)

	// Same value again removes the vote entirely.
	voted, err = service.Vote(ctx, sessionID, item.ID, user, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, voted.Votes)
	assert.Nil(t, voted.UserVote)
}

func TestVoteSwitchDirection(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()
	user := uuid.New()

	item, err := service.Enqueue(ctx, sessionID, descriptor("a", "aaaaaaaaaaa"), uuid.Nil)
	require.NoError(t, err)

	_, err = service.Vote(ctx, sessionID, item.ID, user, -1)
	require.NoError(t, err)

	voted, err := service.Vote(ctx, sessionID, item.ID, user, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, voted.Votes, "switching -1 to +1 must net +2")
	require.NotNil(t, voted.UserVote)
	assert.Equal(t, 1, *voted.UserVote)
}

func TestVoteRequiresUser(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()

	item, err := service.Enqueue(ctx, sessionID, descriptor("a", "aaaaaaaaaaa"), uuid.Nil)
	require.NoError(t, err)

	_, err = service.Vote(ctx, sessionID, item.ID, uuid.Nil, 1)
	assert.ErrorIs(t, err, database.ErrUnauthenticatedVote)
}

func TestVoteUnknownItem(t *testing.T) {
	service, _, _, sessionID := newTestService(t)

	_, err := service.Vote(context.Background(), sessionID, uuid.New(), uuid.New(), 1)
	assert.ErrorIs(t, err, database.ErrItemNotFound)
}

func TestVoteRejectsInvalidValue(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()

	item, err := service.Enqueue(ctx, sessionID, descriptor("a", "aaaaaaaaaaa"), uuid.Nil)
	require.NoError(t, err)

	_, err = service.Vote(ctx, sessionID, item.ID, uuid.New(), 2)
	assert.Error(t, err)
}

// End-to-end ordering: votes reorder, ties fall back to insertion order,
// pop takes the head.
func TestVoteRerankAndPopScenario(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()

	itemA, err := service.Enqueue(ctx, sessionID, descriptor("A", "aaaaaaaaaaa"), uuid.Nil)
	require.NoError(t, err)
	itemB, err := service.Enqueue(ctx, sessionID, descriptor("B", "bbbbbbbbbbb"), uuid.Nil)
	require.NoError(t, err)

	assertOrder(t, service, sessionID, itemA.ID, itemB.ID)

	// U1 upvotes B: B overtakes A.
	_, err = service.Vote(ctx, sessionID, itemB.ID, u1, 1)
	require.NoError(t, err)
	assertOrder(t, service, sessionID, itemB.ID, itemA.ID)

	// U2 upvotes A: tie at 1 each, insertion order wins again.
	_, err = service.Vote(ctx, sessionID, itemA.ID, u2, 1)
	require.NoError(t, err)
	assertOrder(t, service, sessionID, itemA.ID, itemB.ID)

	popped, err := service.PopNext(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, itemA.ID, popped.ID)
	require.NotNil(t, popped.Track)
	assert.Equal(t, "A", popped.Track.Title)

	assertOrder(t, service, sessionID, itemB.ID)
}

func TestRerankProducesDensePositions(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()
	user := uuid.New()

	var itemIDs []uuid.UUID
	canonicals := []string{"aaaaaaaaaaa", "bbbbbbbbbbb", "ccccccccccc", "ddddddddddd"}
	for _, canonical := range canonicals {
		item, err := service.Enqueue(ctx, sessionID, descriptor("t", canonical), uuid.Nil)
		require.NoError(t, err)
		itemIDs = append(itemIDs, item.ID)
	}

	// Pop leaves a gap at the low end...
	_, err := service.PopNext(ctx, sessionID)
	require.NoError(t, err)

	items, err := service.GetQueue(ctx, sessionID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 1, items[0].Position, "gap after pop is tolerated")

	// ...and the next vote's re-rank restores density.
	_, err = service.Vote(ctx, sessionID, itemIDs[3], user, 1)
	require.NoError(t, err)

	items, err = service.GetQueue(ctx, sessionID, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, i, item.Position)
	}
}

func TestSequenceSurvivesRepeatedReranks(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()

	itemA, err := service.Enqueue(ctx, sessionID, descriptor("A", "aaaaaaaaaaa"), uuid.Nil)
	require.NoError(t, err)
	itemB, err := service.Enqueue(ctx, sessionID, descriptor("B", "bbbbbbbbbbb"), uuid.Nil)
	require.NoError(t, err)

	// Shuffle the ranking back and forth; ties must keep resolving to
	// original insertion order, not to any intermediate position.
	_, err = service.Vote(ctx, sessionID, itemB.ID, u1, 1)
	require.NoError(t, err)
	_, err = service.Vote(ctx, sessionID, itemB.ID, u1, 1) // toggle off
	require.NoError(t, err)
	assertOrder(t, service, sessionID, itemA.ID, itemB.ID)

	_, err = service.Vote(ctx, sessionID, itemB.ID, u2, 1)
	require.NoError(t, err)
	_, err = service.Vote(ctx, sessionID, itemA.ID, u1, 1)
	require.NoError(t, err)
	assertOrder(t, service, sessionID, itemA.ID, itemB.ID)

	items, err := service.GetQueue(ctx, sessionID, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 0, items[0].Sequence)
	assert.Equal(t, 1, items[1].Sequence)
}

func TestPopNextOnEmptyQueue(t *testing.T) {
	service, _, _, sessionID := newTestService(t)

	item, err := service.PopNext(context.Background(), sessionID)
	require.NoError(t, err, "empty queue is a signal, not an error")
	assert.Nil(t, item)
}

func TestPopDeletesVotes(t *testing.T) {
	service, store, _, sessionID := newTestService(t)
	ctx := context.Background()
	user := uuid.New()

	item, err := service.Enqueue(ctx, sessionID, descriptor("a", "aaaaaaaaaaa"), uuid.Nil)
	require.NoError(t, err)
	_, err = service.Vote(ctx, sessionID, item.ID, user, 1)
	require.NoError(t, err)

	_, err = service.PopNext(ctx, sessionID)
	require.NoError(t, err)

	votes, err := store.ListUserVotes(ctx, sessionID, user)
	require.NoError(t, err)
	assert.Empty(t, votes)

	// The canonical id is free again after the pop.
	_, err = service.Enqueue(ctx, sessionID, descriptor("a again", "aaaaaaaaaaa"), uuid.Nil)
	require.NoError(t, err)
}

func TestGetQueueAnnotatesUserVotes(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()
	user := uuid.New()

	itemA, err := service.Enqueue(ctx, sessionID, descriptor("A", "aaaaaaaaaaa"), uuid.Nil)
	require.NoError(t, err)
	_, err = service.Enqueue(ctx, sessionID, descriptor("B", "bbbbbbbbbbb"), uuid.Nil)
	require.NoError(t, err)

	_, err = service.Vote(ctx, sessionID, itemA.ID, user, -1)
	require.NoError(t, err)

	items, err := service.GetQueue(ctx, sessionID, user)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var sawVote, sawNil bool
	for _, item := range items {
		if item.ID == itemA.ID {
			require.NotNil(t, item.UserVote)
			assert.Equal(t, -1, *item.UserVote)
			sawVote = true
		} else {
			assert.Nil(t, item.UserVote)
			sawNil = true
		}
	}
	assert.True(t, sawVote)
	assert.True(t, sawNil)
}

func TestEveryMutationBroadcasts(t *testing.T) {
	service, _, bus, sessionID := newTestService(t)
	ctx := context.Background()
	user := uuid.New()

	item, err := service.Enqueue(ctx, sessionID, descriptor("a", "aaaaaaaaaaa"), uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.count())

	_, err = service.Vote(ctx, sessionID, item.ID, user, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, bus.count())

	_, err = service.PopNext(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, bus.count())

	for _, event := range bus.events {
		assert.Equal(t, queue.EventQueueUpdate, event.Type)
	}
}

func TestConcurrentVotersNoLostUpdates(t *testing.T) {
	service, _, _, sessionID := newTestService(t)
	ctx := context.Background()

	item, err := service.Enqueue(ctx, sessionID, descriptor("a", "aaaaaaaaaaa"), uuid.Nil)
	require.NoError(t, err)

	const voters = 32
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Vote(ctx, sessionID, item.ID, uuid.New(), 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	items, err := service.GetQueue(ctx, sessionID, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, voters, items[0].Votes)
}

func assertOrder(t *testing.T, service *queue.Service, sessionID uuid.UUID, want ...uuid.UUID) {
	t.Helper()

	items, err := service.GetQueue(context.Background(), sessionID, uuid.Nil)
	require.NoError(t, err)
	require.Len(t, items, len(want))
	for i, id := range want {
		assert.Equal(t, id, items[i].ID, "unexpected item at rank %d", i)
	}
}
