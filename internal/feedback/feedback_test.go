package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndReadBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, Record{
		ClaimID:     "CLM-1001",
		Reviewer:    "siu-4",
		Disposition: DispositionFalsePositive,
		Notes:       "units justified by chart",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	second, err := store.Append(ctx, Record{
		ClaimID:     "CLM-1001",
		Reviewer:    "siu-7",
		Disposition: DispositionConfirmedFraud,
		Handoff:     true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	records, err := store.ByClaim(ctx, "CLM-1001")
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Append-only: both entries survive, oldest first.
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, second.ID, records[1].ID)
	assert.True(t, records[1].Handoff)

	other, err := store.ByClaim(ctx, "CLM-9999")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAppendRejectsBadInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, Record{Disposition: DispositionNeedsInfo})
	assert.Error(t, err)

	_, err = store.Append(ctx, Record{ClaimID: "CLM-1", Disposition: "shred_it"})
	assert.Error(t, err)
}

func TestValidDisposition(t *testing.T) {
	assert.True(t, ValidDisposition(DispositionConfirmedFraud))
	assert.True(t, ValidDisposition(DispositionFalsePositive))
	assert.True(t, ValidDisposition(DispositionNeedsInfo))
	assert.False(t, ValidDisposition(""))
	assert.False(t, ValidDisposition("maybe"))
}

func TestPruneBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Append(ctx, Record{
		ClaimID:     "CLM-1001",
		Reviewer:    "siu-4",
		Disposition: DispositionNeedsInfo,
	})
	require.NoError(t, err)

	// Cutoff in the past removes nothing.
	removed, err := store.PruneBefore(ctx, rec.CreatedAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = store.PruneBefore(ctx, rec.CreatedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	records, err := store.ByClaim(ctx, "CLM-1001")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSweeperScheduleValidation(t *testing.T) {
	store := newTestStore(t)

	_, err := NewSweeper(store, "not a cron line", 90)
	assert.Error(t, err)

	s, err := NewSweeper(store, "17 3 * * *", 90)
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
