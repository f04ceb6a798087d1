// Package milestone decides when a user's story count warrants corpus-wide
// Tier-3 analysis.
package milestone

import (
	"context"
	"fmt"
	"sort"
)

// StoryCounter returns a user's total story count from the authoritative store.
type StoryCounter interface {
	CountStories(ctx context.Context, userID string) (int64, error)
}

// Detector checks story counts against an ascending milestone set.
type Detector struct {
	counter    StoryCounter
	milestones []int
	set        map[int]bool
}

// NewDetector creates a detector. Milestones are sorted and de-duplicated;
// non-positive values are dropped.
func NewDetector(counter StoryCounter, milestones []int) *Detector {
	set := make(map[int]bool, len(milestones))
	sorted := make([]int, 0, len(milestones))
	for _, m := range milestones {
		if m <= 0 || set[m] {
			continue
		}
		set[m] = true
		sorted = append(sorted, m)
	}
	sort.Ints(sorted)
	return &Detector{counter: counter, milestones: sorted, set: set}
}

// Milestones returns the configured thresholds in ascending order.
func (d *Detector) Milestones() []int {
	return append([]int(nil), d.milestones...)
}

// IsMilestone reports whether count is one of the thresholds.
func (d *Detector) IsMilestone(count int) bool {
	return d.set[count]
}

// NextMilestone returns the smallest threshold strictly above count, or
// false when count is past the last one.
func (d *Detector) NextMilestone(count int) (int, bool) {
	i := sort.SearchInts(d.milestones, count+1)
	if i == len(d.milestones) {
		return 0, false
	}
	return d.milestones[i], true
}

// Decision is the outcome of a post-save check.
type Decision struct {
	Count     int
	Milestone int
	Trigger   bool
}

// Check counts the user's stories and reports whether the count is a
// milestone. Two concurrent saves may both see the same count; callers must
// make the triggered work idempotent per (user, milestone).
func (d *Detector) Check(ctx context.Context, userID string) (Decision, error) {
	n, err := d.counter.CountStories(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("count stories: %w", err)
	}
	count := int(n)
	if d.IsMilestone(count) {
		return Decision{Count: count, Milestone: count, Trigger: true}, nil
	}
	return Decision{Count: count}, nil
}
