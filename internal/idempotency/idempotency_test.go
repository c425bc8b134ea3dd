package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/invoiceingest/internal/models"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestClaim_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(NewMemoryStore())

	first, err := gate.Claim(ctx, "<m1@example.com>")
	require.NoError(t, err)
	assert.True(t, first.Claimed)
	assert.Equal(t, StateClaimed, first.Record.State)

	second, err := gate.Claim(ctx, "<m1@example.com>")
	require.NoError(t, err)
	assert.False(t, second.Claimed)
	assert.Equal(t, StateClaimed, second.Record.State)
}

func TestClaim_EmptyID(t *testing.T) {
	_, err := NewGate(NewMemoryStore()).Claim(context.Background(), "")
	require.Error(t, err)
}

func TestClaim_ConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(NewMemoryStore())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := gate.Claim(ctx, "dup")
			if err == nil && res.Claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestComplete_RecordsOutcome(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(NewMemoryStore())

	_, err := gate.Claim(ctx, "m2")
	require.NoError(t, err)
	require.NoError(t, gate.Complete(ctx, "m2", "m2", models.StatusPosted))

	res, err := gate.Claim(ctx, "m2")
	require.NoError(t, err)
	assert.False(t, res.Claimed)
	assert.Equal(t, StateCompleted, res.Record.State)
	assert.Equal(t, "posted", res.Record.Outcome)
	assert.Equal(t, "m2", res.Record.QueueKey)
}

func TestComplete_RejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(NewMemoryStore())
	_, err := gate.Claim(ctx, "m3")
	require.NoError(t, err)

	err = gate.Complete(ctx, "m3", "m3", models.StatusParsed)
	require.ErrorIs(t, err, models.ErrUnknownStatus)
}

func TestRelease_AllowsRedelivery(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(NewMemoryStore())

	_, err := gate.Claim(ctx, "m4")
	require.NoError(t, err)
	require.NoError(t, gate.Release(ctx, "m4"))
	require.NoError(t, gate.Release(ctx, "m4"), "releasing twice is a no-op")

	res, err := gate.Claim(ctx, "m4")
	require.NoError(t, err)
	assert.True(t, res.Claimed)
}

func TestReleaseForReplay_OnceThenAbandon(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(NewMemoryStore())

	_, err := gate.Claim(ctx, "m5")
	require.NoError(t, err)

	state, err := gate.ReleaseForReplay(ctx, "m5")
	require.NoError(t, err)
	assert.Equal(t, StateReleased, state)

	res, err := gate.Claim(ctx, "m5")
	require.NoError(t, err)
	require.True(t, res.Claimed, "released claim is taken over")
	assert.Equal(t, 1, res.Record.Replays)

	again, err := gate.Claim(ctx, "m5")
	require.NoError(t, err)
	assert.False(t, again.Claimed)

	state, err = gate.ReleaseForReplay(ctx, "m5")
	require.NoError(t, err)
	assert.Equal(t, StateAbandoned, state)

	res, err = gate.Claim(ctx, "m5")
	require.NoError(t, err)
	assert.False(t, res.Claimed)
	assert.Equal(t, StateAbandoned, res.Record.State)
}

func TestReleaseForReplay_LeavesCompletedAlone(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(NewMemoryStore())
	_, err := gate.Claim(ctx, "m6")
	require.NoError(t, err)
	require.NoError(t, gate.Complete(ctx, "m6", "m6", models.StatusSkipped))

	state, err := gate.ReleaseForReplay(ctx, "m6")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
}

func TestMarkInDoubt_LeavesClaimedSet(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	gate := NewGate(NewMemoryStore()).WithClock(fixedClock(base))
	_, err := gate.Claim(ctx, "m7")
	require.NoError(t, err)
	_, err = gate.Claim(ctx, "m8")
	require.NoError(t, err)
	require.NoError(t, gate.Complete(ctx, "m8", "m8", models.StatusPosted))

	state, err := gate.MarkInDoubt(ctx, "m7")
	require.NoError(t, err)
	assert.Equal(t, StateInDoubt, state)
	state, err = gate.MarkInDoubt(ctx, "m8")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)

	gate.WithClock(fixedClock(base.Add(time.Hour)))
	stale, err := gate.Stale(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	res, err := gate.Claim(ctx, "m7")
	require.NoError(t, err)
	assert.False(t, res.Claimed, "redelivery of an in-doubt message is not reprocessed")

	// A late finalize still completes it.
	require.NoError(t, gate.Complete(ctx, "m7", "m7", models.StatusPosted))
	rec, err := gate.Lookup(ctx, "m7")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.State)
}

func TestStale_ListsOldClaimsOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	gate := NewGate(store).WithClock(fixedClock(base))
	_, err := gate.Claim(ctx, "old")
	require.NoError(t, err)
	_, err = gate.Claim(ctx, "done")
	require.NoError(t, err)
	require.NoError(t, gate.Complete(ctx, "done", "done", models.StatusPosted))

	gate.WithClock(fixedClock(base.Add(20 * time.Minute)))
	_, err = gate.Claim(ctx, "fresh")
	require.NoError(t, err)

	stale, err := gate.Stale(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].MessageID)
}
