package gorm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/storyprompt/pkg/models"
)

func TestStoryStore_CreateCountList(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	stories := NewStoryStore(store)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, text := range []string{"first", "second", "third"} {
		st := &models.Story{UserID: "u1", Transcript: text, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, stories.CreateStory(ctx, st))
		assert.NotEmpty(t, st.ID)
	}
	require.NoError(t, stories.CreateStory(ctx, &models.Story{UserID: "u2", Transcript: "other"}))

	count, err := stories.CountStories(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	list, err := stories.ListStories(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "first", list[0].Transcript)
	assert.Equal(t, "third", list[2].Transcript)

	got, err := stories.GetStory(ctx, "u1", list[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Transcript)

	_, err = stories.GetStory(ctx, "u2", list[1].ID)
	assert.True(t, errors.Is(err, ErrStoryNotFound))
}

func TestStoryStore_CountMentions(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	stories := NewStoryStore(store)
	ctx := context.Background()

	for _, text := range []string{
		"Grandma Rose baked bread every Sunday.",
		"We drove to see grandma rose in the spring.",
		"Uncle Walt fixed the truck.",
	} {
		require.NoError(t, stories.CreateStory(ctx, &models.Story{UserID: "u1", Transcript: text}))
	}
	require.NoError(t, stories.CreateStory(ctx, &models.Story{UserID: "u2", Transcript: "Grandma Rose again"}))

	n, err := stories.CountMentions(ctx, "u1", "Grandma Rose")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = stories.CountMentions(ctx, "u1", "Walt")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = stories.CountMentions(ctx, "u1", "  ")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\% off\_now`, escapeLike("50% off_now"))
}

func TestMilestoneStore_Claim(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	runs := NewMilestoneStore(store)
	ctx := context.Background()

	ok, err := runs.Claim(ctx, "u1", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = runs.Claim(ctx, "u1", 3)
	require.NoError(t, err)
	assert.False(t, ok, "a running milestone cannot be claimed twice")

	require.NoError(t, runs.Finish(ctx, "u1", 3, errors.New("model timeout")))
	ok, err = runs.Claim(ctx, "u1", 3)
	require.NoError(t, err)
	assert.True(t, ok, "a failed milestone can be retried")

	require.NoError(t, runs.Finish(ctx, "u1", 3, nil))
	ok, err = runs.Claim(ctx, "u1", 3)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := runs.ListRuns(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, RunDone, list[0].Status)
	assert.Equal(t, 2, list[0].Attempts)
	assert.Empty(t, list[0].Error)
	assert.NotNil(t, list[0].FinishedAt)
}

func TestMilestoneStore_ClaimTakesOverStaleRun(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	runs := NewMilestoneStore(store).WithStaleAfter(2 * time.Minute)
	ctx := context.Background()
	start := time.Now()

	ok, err := runs.claimAt(ctx, "u1", 3, start)
	require.NoError(t, err)
	require.True(t, ok)

	// The first claimant died without calling Finish.
	ok, err = runs.claimAt(ctx, "u1", 3, start.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a recent running claim is still owned")

	ok, err = runs.claimAt(ctx, "u1", 3, start.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "a stale running claim can be taken over")

	ok, err = runs.claimAt(ctx, "u1", 3, start.Add(4*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "the takeover restarted the stale window")

	list, err := runs.ListRuns(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, RunRunning, list[0].Status)
	assert.Equal(t, 2, list[0].Attempts)

	require.NoError(t, runs.Finish(ctx, "u1", 3, nil))
	ok, err = runs.claimAt(ctx, "u1", 3, start.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "a done milestone is never reclaimed")
}

func TestEntitlementStore(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ents := NewEntitlementStore(store)
	ctx := context.Background()

	paid, err := ents.IsPaid(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, paid)

	require.NoError(t, ents.SetPaid(ctx, "u1", true))
	paid, err = ents.IsPaid(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, paid)

	require.NoError(t, ents.SetPaid(ctx, "u1", false))
	paid, err = ents.IsPaid(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, paid)
}

func TestProfileStore_NotFound(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	_, err := NewProfileStore(store).GetProfile(context.Background(), "nobody")
	assert.ErrorIs(t, err, models.ErrProfileNotFound)
}

func TestProfileStore_RoundTrip(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()

	profile := &models.CharacterProfile{
		UserID:         "u1",
		ModelVersion:   "gpt-4o-mini",
		Traits:         []models.Trait{{Name: "restless", Confidence: 0.7, Evidence: []string{"s1", "s2"}}},
		InvisibleRules: []string{"never ask for help"},
		Milestone:      4,
	}
	_, err := NewPromptStore(store).ReplaceAnalysis(ctx, "u1", profile, nil, nil)
	require.NoError(t, err)

	got, err := NewProfileStore(store).GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, profile.Traits, got.Traits)
	assert.Equal(t, profile.InvisibleRules, got.InvisibleRules)
	assert.Empty(t, got.Contradictions)
	assert.Equal(t, 4, got.Milestone)
}
