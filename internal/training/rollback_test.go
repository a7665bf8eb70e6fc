package training

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildVersions applies four feedbacks to one pattern, producing versions 1-4.
func buildVersions(t *testing.T, f *fixture) string {
	t.Helper()
	kinds := []Kind{KindCorrect, KindIncorrect, KindCorrect, KindCorrect}
	var id string
	for i, k := range kinds {
		res := f.apply(t, "fb-"+string(rune('a'+i)), k, hiringText)
		id = res.TrainingData.ID
	}
	return id
}

func snapshotAt(t *testing.T, f *fixture, id string, version int) *TrainingData {
	t.Helper()
	history, err := f.svc.History(context.Background(), id)
	require.NoError(t, err)
	for _, h := range history {
		if h.Version == version {
			require.NotNil(t, h.NewValue)
			return h.NewValue
		}
	}
	t.Fatalf("no history for version %d", version)
	return nil
}

func TestRollback_RestoresAsNewVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := buildVersions(t, f)

	v2 := snapshotAt(t, f, id, 2)
	v4, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 4, v4.Version)

	restored, err := f.svc.Rollback(ctx, id, 2, "admin", "")
	require.NoError(t, err)

	assert.Equal(t, 5, restored.Version)
	assert.True(t, restored.LastUpdatedAt.After(v4.LastUpdatedAt))

	want := v2.Clone()
	want.Version = restored.Version
	want.LastUpdatedAt = restored.LastUpdatedAt
	assert.Equal(t, want, restored)
	assert.Equal(t, 1, restored.PositiveCount)
	assert.Equal(t, 1, restored.NegativeCount)
	assert.Equal(t, 50, restored.Confidence)

	history, err := f.svc.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 5)
	latest := history[0]
	assert.Equal(t, 5, latest.Version)
	assert.Equal(t, ChangeUpdated, latest.ChangeType)
	assert.Equal(t, "Rollback to version 2", latest.Reason)
	assert.Equal(t, "admin", latest.UserID)
	assert.Equal(t, v4, latest.PreviousValue)
	assert.Equal(t, restored, latest.NewValue)
}

func TestRollback_ToCurrentVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := buildVersions(t, f)

	current, err := f.svc.Get(ctx, id)
	require.NoError(t, err)

	restored, err := f.svc.Rollback(ctx, id, 4, "admin", "no-op restore")
	require.NoError(t, err)

	assert.Equal(t, 5, restored.Version)
	assert.Equal(t, current.PositiveCount, restored.PositiveCount)
	assert.Equal(t, current.NegativeCount, restored.NegativeCount)
	assert.Equal(t, current.Confidence, restored.Confidence)

	history, err := f.svc.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "no-op restore", history[0].Reason)
}

func TestRollback_VersionNotFound(t *testing.T) {
	f := newFixture(t)
	id := buildVersions(t, f)

	_, err := f.svc.Rollback(context.Background(), id, 9, "admin", "")
	assert.ErrorIs(t, err, ErrVersionNotFound)

	_, err = f.svc.Rollback(context.Background(), id, 0, "admin", "")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestRollback_UnknownRow(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Rollback(context.Background(), "missing", 1, "admin", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Rollback(context.Background(), "", 1, "admin", "")
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestRollback_DeletedEntryHasNoData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := buildVersions(t, f)

	deleted, err := f.svc.Delete(ctx, id, "admin", "")
	require.NoError(t, err)
	require.Equal(t, 5, deleted.Version)

	_, err = f.svc.Rollback(ctx, id, 5, "admin", "")
	assert.ErrorIs(t, err, ErrDataNotAvailable)
}

func TestRollback_UndoesDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := buildVersions(t, f)

	_, err := f.svc.Delete(ctx, id, "admin", "")
	require.NoError(t, err)

	restored, err := f.svc.Rollback(ctx, id, 4, "admin", "")
	require.NoError(t, err)
	assert.False(t, restored.Deleted())
	assert.True(t, restored.Active)
	assert.Equal(t, 6, restored.Version)

	res := f.apply(t, "fb-after", KindCorrect, hiringText)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, 7, res.TrainingData.Version)
}

func TestRollback_VersionsNeverRepeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := buildVersions(t, f)

	for _, target := range []int{1, 3, 2, 6} {
		_, err := f.svc.Rollback(ctx, id, target, "admin", "")
		require.NoError(t, err)
	}

	history, err := f.svc.History(ctx, id)
	require.NoError(t, err)
	seen := map[int]bool{}
	for i, h := range history {
		assert.False(t, seen[h.Version], "version %d repeated", h.Version)
		seen[h.Version] = true
		assert.Equal(t, len(history)-i, h.Version)
	}
	assert.Len(t, history, 8)
}
