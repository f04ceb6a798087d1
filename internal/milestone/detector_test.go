package milestone

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultSet = []int{1, 2, 3, 4, 7, 10, 15, 20, 30, 50, 100}

type counterFunc func(ctx context.Context, userID string) (int64, error)

func (f counterFunc) CountStories(ctx context.Context, userID string) (int64, error) {
	return f(ctx, userID)
}

func fixed(n int64) counterFunc {
	return func(context.Context, string) (int64, error) { return n, nil }
}

func TestIsMilestone(t *testing.T) {
	d := NewDetector(nil, defaultSet)
	for _, n := range defaultSet {
		assert.True(t, d.IsMilestone(n), n)
	}
	for _, n := range []int{0, 5, 6, 8, 99, 101} {
		assert.False(t, d.IsMilestone(n), n)
	}
}

func TestNextMilestone(t *testing.T) {
	d := NewDetector(nil, defaultSet)

	tests := []struct {
		count int
		next  int
		ok    bool
	}{
		{0, 1, true},
		{3, 4, true},
		{5, 7, true},
		{50, 100, true},
		{100, 0, false},
		{250, 0, false},
	}
	for _, tt := range tests {
		next, ok := d.NextMilestone(tt.count)
		assert.Equal(t, tt.ok, ok, tt.count)
		assert.Equal(t, tt.next, next, tt.count)
	}
}

func TestNewDetector_NormalizesSet(t *testing.T) {
	d := NewDetector(nil, []int{10, 3, 3, -1, 0, 1})
	assert.Equal(t, []int{1, 3, 10}, d.Milestones())
}

func TestCheck(t *testing.T) {
	dec, err := NewDetector(fixed(3), defaultSet).Check(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, Decision{Count: 3, Milestone: 3, Trigger: true}, dec)

	dec, err = NewDetector(fixed(5), defaultSet).Check(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, dec.Trigger)
	assert.Equal(t, 5, dec.Count)

	_, err = NewDetector(counterFunc(func(context.Context, string) (int64, error) {
		return 0, errors.New("db down")
	}), defaultSet).Check(context.Background(), "u1")
	assert.Error(t, err)
}
