package session_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/auxqueue/server/internal/session"
	"github.com/auxqueue/server/pkg/database"
	"github.com/auxqueue/server/pkg/jwt"
)

type recordingCloser struct {
	mu     sync.Mutex
	closed []uuid.UUID
}

func (r *recordingCloser) CloseSession(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, sessionID)
}

func newTestService() (*session.Service, *database.MemoryStore, *recordingCloser) {
	store := database.NewMemoryStore()
	closer := &recordingCloser{}
	return session.NewService(store, nil, nil, closer, zap.NewNop()), store, closer
}

func TestCreateAndGetSession(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()

	created, err := service.CreateSession(ctx)
	require.NoError(t, err)
	assert.True(t, created.Active)
	assert.NotEmpty(t, created.HostSecret)

	fetched, err := service.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
}

func TestGetUnknownSession(t *testing.T) {
	service, _, _ := newTestService()

	_, err := service.GetSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, database.ErrSessionNotFound)
}

func TestJoinIssuesValidToken(t *testing.T) {
	service, _, _ := newTestService()
	ctx := context.Background()

	created, err := service.CreateSession(ctx)
	require.NoError(t, err)

	result, err := service.Join(ctx, created.ID, "dj-alice", false)
	require.NoError(t, err)
	assert.Equal(t, "dj-alice", result.User.Nickname)
	assert.False(t, result.User.IsHost)

	claims, err := jwt.ValidateToken(result.Token)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID.String(), claims.UserID)
	assert.Equal(t, created.ID.String(), claims.SessionID)

	users, err := service.ListUsers(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "dj-alice", users[0].Nickname)
}

func TestJoinUnknownSession(t *testing.T) {
	service, _, _ := newTestService()

	_, err := service.Join(context.Background(), uuid.New(), "ghost", false)
	assert.ErrorIs(t, err, database.ErrSessionNotFound)
}

func TestDeleteSessionClosesConnections(t *testing.T) {
	service, store, closer := newTestService()
	ctx := context.Background()

	created, err := service.CreateSession(ctx)
	require.NoError(t, err)
	_, err = service.Join(ctx, created.ID, "dj-bob", true)
	require.NoError(t, err)

	require.NoError(t, service.DeleteSession(ctx, created.ID))

	_, err = store.GetSession(ctx, created.ID)
	assert.ErrorIs(t, err, database.ErrSessionNotFound)

	closer.mu.Lock()
	defer closer.mu.Unlock()
	require.Len(t, closer.closed, 1)
	assert.Equal(t, created.ID, closer.closed[0])
}

func TestDeleteUnknownSession(t *testing.T) {
	service, _, _ := newTestService()

	err := service.DeleteSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, database.ErrSessionNotFound)
}
