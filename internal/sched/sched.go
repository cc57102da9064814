// Package sched is a single-threaded, priority-laned cooperative task
// queue driven in time-boxed slices per host frame.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Lane orders task execution within a frame: user > visible > background.
type Lane int

const (
	LaneUser Lane = iota
	LaneVisible
	LaneBackground

	laneCount
)

func (l Lane) String() string {
	switch l {
	case LaneUser:
		return "user"
	case LaneVisible:
		return "visible"
	case LaneBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Task is one unit of work. Tasks are not cancellable or preemptible
// mid-execution.
type Task func()

const (
	DefaultFrameBudget   = 8 * time.Millisecond
	MinFrameBudget       = 2 * time.Millisecond
	MaxFrameBudget       = 12 * time.Millisecond
	DefaultFrameInterval = 16 * time.Millisecond
)

// Scheduler executes queued tasks in frame-sized slices. Each frame drains
// the tasks queued at slice start and runs them to completion; the budget
// is advisory, it gates whether another drain pass happens within the
// same frame, never splits a running task, and a long task can blow past
// it and delay lower-priority work for that frame.
type Scheduler struct {
	mu    sync.Mutex
	lanes [laneCount][]Task

	budget   time.Duration
	interval time.Duration
	now      func() time.Time
}

func New() *Scheduler {
	return NewWithBudget(DefaultFrameBudget)
}

// NewWithBudget clamps the budget into [MinFrameBudget, MaxFrameBudget].
func NewWithBudget(budget time.Duration) *Scheduler {
	if budget < MinFrameBudget {
		budget = MinFrameBudget
	}
	if budget > MaxFrameBudget {
		budget = MaxFrameBudget
	}
	return &Scheduler{
		budget:   budget,
		interval: DefaultFrameInterval,
		now:      time.Now,
	}
}

// Schedule enqueues a task on the given lane.
func (s *Scheduler) Schedule(lane Lane, fn Task) {
	if fn == nil {
		return
	}
	if lane < LaneUser || lane >= laneCount {
		lane = LaneBackground
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lanes[lane] = append(s.lanes[lane], fn)
}

// Pending reports the number of queued tasks across all lanes.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, lane := range s.lanes {
		n += len(lane)
	}
	return n
}

// RunFrame executes one frame slice and reports how many tasks ran.
// Tasks queued when a drain pass starts always run to completion within
// that pass; once the budget is spent, tasks queued mid-frame wait for the
// next frame.
func (s *Scheduler) RunFrame() int {
	start := s.now()
	ran := 0
	for {
		batch := s.drain()
		if len(batch) == 0 {
			return ran
		}
		for _, entry := range batch {
			s.runOne(entry.lane, entry.fn)
			ran++
		}
		if s.now().Sub(start) >= s.budget {
			return ran
		}
	}
}

// Run drives frames off a host ticker until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunFrame()
		}
	}
}

type queued struct {
	lane Lane
	fn   Task
}

// drain pops every queued task in lane-priority order.
func (s *Scheduler) drain() []queued {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queued
	for lane := LaneUser; lane < laneCount; lane++ {
		for _, fn := range s.lanes[lane] {
			out = append(out, queued{lane: lane, fn: fn})
		}
		s.lanes[lane] = nil
	}
	return out
}

// runOne isolates task panics so one failing task cannot starve the
// other lanes.
func (s *Scheduler) runOne(lane Lane, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("lane", lane.String()).
				Interface("panic", r).
				Msg("sched_task_panic")
		}
	}()
	fn()
}
