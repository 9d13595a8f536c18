package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinaykr8807/WhispShare-qz/internal/repository"
)

func newRecord(now time.Time) *repository.ShareRecord {
	return &repository.ShareRecord{
		ID:        "rec-1",
		CreatedAt: now,
		ExpiresAt: ExpiresAt(now, DefaultTTL),
	}
}

func TestExpiresAt_FixedTTL(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, now.Add(24*time.Hour), ExpiresAt(now, DefaultTTL))
	assert.Equal(t, now.Add(time.Hour), ExpiresAt(now, time.Hour))
	assert.Equal(t, now.Add(DefaultTTL), ExpiresAt(now, 0))
}

func TestIsRetrievable(t *testing.T) {
	now := time.Now().UTC()
	rec := newRecord(now)

	assert.True(t, IsRetrievable(rec, now))
	assert.True(t, IsRetrievable(rec, rec.ExpiresAt.Add(-time.Nanosecond)))
	assert.False(t, IsRetrievable(rec, rec.ExpiresAt), "expiresAt itself is already expired")
	assert.False(t, IsRetrievable(nil, now))

	rec.Consumed = true
	assert.False(t, IsRetrievable(rec, now))
}

func TestConsume_Transitions(t *testing.T) {
	now := time.Now().UTC()
	rec := newRecord(now)

	require.NoError(t, Consume(rec, now))
	assert.True(t, rec.Consumed)
	require.NotNil(t, rec.ConsumedAt)
	assert.Equal(t, StateConsumed, StateAt(rec, now))

	assert.ErrorIs(t, Consume(rec, now), ErrAlreadyConsumed)
}

func TestConsume_Expired(t *testing.T) {
	now := time.Now().UTC()
	rec := newRecord(now.Add(-48 * time.Hour))

	assert.ErrorIs(t, Consume(rec, now), ErrExpired)
	assert.False(t, rec.Consumed)
	assert.Equal(t, StateExpired, StateAt(rec, now))
}

func TestCheck_ConsumedWinsOverExpired(t *testing.T) {
	now := time.Now().UTC()
	rec := newRecord(now.Add(-48 * time.Hour))
	rec.Consumed = true

	assert.ErrorIs(t, Check(rec, now), ErrAlreadyConsumed)
	assert.ErrorIs(t, Check(nil, now), repository.ErrNotFound)
}
