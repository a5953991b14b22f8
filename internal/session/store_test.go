package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"codecoach/internal/checkpoint"
	"codecoach/internal/feedback"
	"codecoach/internal/retrieval"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lesson = []checkpoint.Checkpoint{
	{Index: 0, Title: "Read input", TestInputs: []any{1.0}, ExpectedOutputs: []any{1.0}},
	{Index: 1, Title: "Sum values"},
}

var (
	pass = feedback.Outcome{Passed: true, Message: feedback.MessagePassed}
	fail = feedback.Outcome{Message: feedback.MessageFailed}
)

func newStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	found := &retrieval.Result{Chunks: []retrieval.Scored{{Rank: 1, Score: 0.5, Text: "x", Source: "a.md"}}}

	created, err := s.Create(ctx, "Sum a list", lesson, found)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sum a list", got.Problem)
	assert.Equal(t, lesson, got.Checkpoints)
	assert.Equal(t, found, got.Retrieval)
	assert.True(t, got.ExpiresAt.IsZero())
	require.Len(t, got.Progress, 2)
	assert.Equal(t, Progress{Index: 1}, got.Progress[1])

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckpoint(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	sess, err := s.Create(ctx, "p", lesson, nil)
	require.NoError(t, err)
	assert.Nil(t, sess.Retrieval)

	cp, err := s.Checkpoint(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Sum values", cp.Title)

	_, err = s.Checkpoint(ctx, sess.ID, 2)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
	_, err = s.Checkpoint(ctx, sess.ID, -1)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRecordAttempt_CompletionIsMonotonic(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	sess, err := s.Create(ctx, "p", lesson, nil)
	require.NoError(t, err)

	p, err := s.RecordAttempt(ctx, sess.ID, 0, "v1", fail)
	require.NoError(t, err)
	assert.False(t, p.Completed)
	assert.Equal(t, 1, p.Attempts)

	p, err = s.RecordAttempt(ctx, sess.ID, 0, "v2", pass)
	require.NoError(t, err)
	assert.True(t, p.Completed)
	require.NotNil(t, p.CompletedAt)
	firstCompletion := *p.CompletedAt

	p, err = s.RecordAttempt(ctx, sess.ID, 0, "v3", fail)
	require.NoError(t, err)
	assert.True(t, p.Completed, "a later failure must not revoke completion")
	assert.False(t, p.LastPassed)
	assert.Equal(t, "v3", p.LastCode)
	assert.Equal(t, 3, p.Attempts)

	p, err = s.RecordAttempt(ctx, sess.ID, 0, "v4", pass)
	require.NoError(t, err)
	assert.True(t, p.CompletedAt.Equal(firstCompletion), "completion time is the first pass")

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Progress[0].Completed)
	assert.False(t, got.Progress[1].Completed)

	attempts, err := s.Attempts(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	assert.Equal(t, "v1", attempts[0].Code)
	assert.Equal(t, feedback.MessagePassed, attempts[1].Message)
	assert.True(t, attempts[1].Passed)

	_, err = s.RecordAttempt(ctx, sess.ID, 5, "x", pass)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
	_, err = s.RecordAttempt(ctx, "missing", 0, "x", pass)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiry(t *testing.T) {
	s := newStore(t, time.Hour)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	old, err := s.Create(ctx, "old", lesson, nil)
	require.NoError(t, err)
	_, err = s.RecordAttempt(ctx, old.ID, 0, "x", pass)
	require.NoError(t, err)

	now = now.Add(45 * time.Minute)
	fresh, err := s.Create(ctx, "fresh", lesson, nil)
	require.NoError(t, err)

	// Activity slides the expiry forward.
	now = now.Add(30 * time.Minute)
	_, err = s.RecordAttempt(ctx, fresh.ID, 1, "y", fail)
	require.NoError(t, err)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound, "expired sessions are invisible before cleanup")

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fresh.ID, list[0].ID)
	assert.Equal(t, 2, list[0].Checkpoints)

	n, err := s.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Expire(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(2 * time.Hour)
	n, err = s.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListAndDelete(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { now = now.Add(time.Second); return now }

	a, err := s.Create(ctx, "first", lesson, nil)
	require.NoError(t, err)
	b, err := s.Create(ctx, "second", lesson, nil)
	require.NoError(t, err)
	_, err = s.RecordAttempt(ctx, b.ID, 1, "code", pass)
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "newest first")
	assert.Equal(t, 1, list[0].Completed)
	assert.Equal(t, 0, list[1].Completed)

	require.NoError(t, s.Delete(ctx, b.ID))
	assert.ErrorIs(t, s.Delete(ctx, b.ID), ErrNotFound)

	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:", 0)
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.Create(context.Background(), "p", lesson, nil)
	require.NoError(t, err)
	_, err = s.Get(context.Background(), sess.ID)
	assert.NoError(t, err)
}
