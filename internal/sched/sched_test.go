package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLanePriorityOrder(t *testing.T) {
	s := New()
	var order []string
	s.Schedule(LaneBackground, func() { order = append(order, "bg") })
	s.Schedule(LaneUser, func() { order = append(order, "user") })
	s.Schedule(LaneVisible, func() { order = append(order, "visible") })

	ran := s.RunFrame()
	require.Equal(t, 3, ran)
	require.Equal(t, []string{"user", "visible", "bg"}, order)
}

func TestBudgetIsAdvisoryForDequeuedBatch(t *testing.T) {
	s := NewWithBudget(8 * time.Millisecond)
	ran := 0
	task := func() {
		time.Sleep(20 * time.Millisecond)
		ran++
	}
	s.Schedule(LaneUser, task)
	s.Schedule(LaneUser, task)
	s.Schedule(LaneUser, task)

	// All three were queued when the frame started, so all three run to
	// completion in this invocation even though each blows the budget.
	got := s.RunFrame()
	require.Equal(t, 3, got)
	require.Equal(t, 3, ran)
	require.Equal(t, 0, s.Pending())
}

func TestBlownBudgetDefersMidFrameWork(t *testing.T) {
	s := NewWithBudget(2 * time.Millisecond)
	late := false
	s.Schedule(LaneUser, func() {
		time.Sleep(5 * time.Millisecond)
		s.Schedule(LaneBackground, func() { late = true })
	})

	require.Equal(t, 1, s.RunFrame())
	require.False(t, late, "mid-frame task must wait for the next frame once budget is spent")
	require.Equal(t, 1, s.Pending())

	require.Equal(t, 1, s.RunFrame())
	require.True(t, late)
}

func TestPanicInTaskDoesNotStarveOtherLanes(t *testing.T) {
	s := New()
	survived := false
	s.Schedule(LaneUser, func() { panic("boom") })
	s.Schedule(LaneBackground, func() { survived = true })

	require.NotPanics(t, func() { s.RunFrame() })
	require.True(t, survived)
}

func TestBudgetClamp(t *testing.T) {
	require.Equal(t, MinFrameBudget, NewWithBudget(0).budget)
	require.Equal(t, MaxFrameBudget, NewWithBudget(time.Second).budget)
	require.Equal(t, 5*time.Millisecond, NewWithBudget(5*time.Millisecond).budget)
}

func TestEmptyFrameRunsNothing(t *testing.T) {
	s := New()
	require.Equal(t, 0, s.RunFrame())
}
