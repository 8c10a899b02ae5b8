/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package scheduler implements the daemon's cooperative, single-threaded
// event loop: a descriptor-readiness wait combined with a sorted timer
// queue. Everything that mutates daemon state - source statistics, the
// registry, the local clock registers - runs as a handler dispatched from
// this loop, so none of it needs its own locking.
package scheduler

import (
	"container/heap"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Handler is invoked with the cooked time at which it was dispatched.
type Handler func(now time.Time)

// TimerID identifies a scheduled timeout so it can be cancelled.
type TimerID uint64

// Class groups related timers so ScheduleInClass can keep them apart in
// time (e.g. NTP poll timers for different sources shouldn't all fire in
// the same instant and burst the network).
type Class string

// Poll-timer and update-round classes used by the daemon; exported so
// callers share one vocabulary instead of inventing ad-hoc strings.
const (
	ClassNTPSampling Class = "ntp-sampling"
	ClassUpdateRound Class = "update-round"
	ClassDriftRemove Class = "drift-remove"
)

type timerEntry struct {
	id      TimerID
	expiry  time.Time
	class   Class
	handler Handler
	index   int // heap index, maintained by container/heap
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type descriptor struct {
	fd      int
	handler Handler
}

// RawClock reads the uncorrected operating-system clock. Production code
// uses realClock; tests substitute a fake so timer math is deterministic.
type RawClock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Scheduler is the daemon's single run loop. It is not safe for
// concurrent use: every public method except Quit is expected to be
// called either before Run or from within a dispatched Handler.
type Scheduler struct {
	clock       RawClock
	timers      timerHeap
	byID        map[TimerID]*timerEntry
	descriptors map[int]*descriptor
	nextID      TimerID
	quit        chan struct{}
	quitOnce    bool

	lastReadyTime  time.Time
	lastReadyError time.Duration

	rng *rand.Rand
}

// New creates a Scheduler driven by the real operating-system clock.
func New() *Scheduler {
	return NewWithClock(realClock{})
}

// NewWithClock creates a Scheduler driven by a caller-supplied clock,
// for deterministic tests.
func NewWithClock(clock RawClock) *Scheduler {
	return &Scheduler{
		clock:       clock,
		byID:        make(map[TimerID]*timerEntry),
		descriptors: make(map[int]*descriptor),
		quit:        make(chan struct{}),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RegisterDescriptor arms fd for readiness notification. It is an error
// to register the same fd twice.
func (s *Scheduler) RegisterDescriptor(fd int, handler Handler) error {
	if _, ok := s.descriptors[fd]; ok {
		return fmt.Errorf("scheduler: descriptor %d already registered", fd)
	}
	s.descriptors[fd] = &descriptor{fd: fd, handler: handler}
	return nil
}

// UnregisterDescriptor disarms fd. It is an error if fd was never
// registered.
func (s *Scheduler) UnregisterDescriptor(fd int) error {
	if _, ok := s.descriptors[fd]; !ok {
		return fmt.Errorf("scheduler: descriptor %d not registered", fd)
	}
	delete(s.descriptors, fd)
	return nil
}

// ScheduleAt arms a one-shot timer for an absolute raw time.
func (s *Scheduler) ScheduleAt(at time.Time, handler Handler) TimerID {
	return s.schedule(at, "", handler)
}

// ScheduleAfter arms a one-shot timer relative to raw-now.
func (s *Scheduler) ScheduleAfter(delay time.Duration, handler Handler) TimerID {
	return s.schedule(s.clock.Now().Add(delay), "", handler)
}

// ScheduleInClass inserts a timer at the earliest time >= minDelay from
// raw-now that stays at least `separation` (plus up to `jitter` of random
// smear) away from every other queued timer in the same class, both
// before and after. This is how NTP poll timers for distinct sources are
// kept from bursting the network all at once.
func (s *Scheduler) ScheduleInClass(minDelay, separation, jitter time.Duration, class Class, handler Handler) TimerID {
	now := s.clock.Now()
	earliest := now.Add(minDelay)
	candidate := earliest

	for {
		conflict := false
		for _, e := range s.timers {
			if e.class != class {
				continue
			}
			gap := e.expiry.Sub(candidate)
			if gap < 0 {
				gap = -gap
			}
			if gap < separation {
				// push past this entry's exclusion window
				candidate = e.expiry.Add(separation)
				conflict = true
			}
		}
		if !conflict {
			break
		}
	}
	if jitter > 0 {
		candidate = candidate.Add(time.Duration(s.rng.Int63n(int64(jitter))))
	}
	return s.schedule(candidate, class, handler)
}

func (s *Scheduler) schedule(at time.Time, class Class, handler Handler) TimerID {
	s.nextID++
	e := &timerEntry{id: s.nextID, expiry: at, class: class, handler: handler}
	heap.Push(&s.timers, e)
	s.byID[e.id] = e
	return e.id
}

// CancelTimeout removes a timer by id. It is a fatal bug (per the
// propagation policy) to cancel an id that is not present - a caller
// that races its own cancellation has an invariant violation worth
// surfacing loudly rather than silently ignoring.
func (s *Scheduler) CancelTimeout(id TimerID) error {
	e, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("scheduler: cancel of unknown timer id %d", id)
	}
	heap.Remove(&s.timers, e.index)
	delete(s.byID, id)
	return nil
}

// ShiftTimers moves every queued expiry by -delta, preserving the
// wall-clock intent of already-scheduled events across a step change of
// the local clock (spec scenario: step of -2s moves a T+10 timer to
// T+12).
func (s *Scheduler) ShiftTimers(delta time.Duration) {
	for _, e := range s.timers {
		e.expiry = e.expiry.Add(-delta)
	}
	heap.Init(&s.timers)
}

// LastReady returns the cooked time at which the most recent descriptor
// wakeup was recorded, and an error bound on that timestamp. Packet I/O
// uses this as a fallback receive timestamp when the kernel cannot
// supply one directly.
func (s *Scheduler) LastReady() (time.Time, time.Duration) {
	return s.lastReadyTime, s.lastReadyError
}

// Quit requests the run loop stop after the current dispatch round.
func (s *Scheduler) Quit() {
	if !s.quitOnce {
		s.quitOnce = true
		close(s.quit)
	}
}

// Run executes the scheduler loop until Quit is called. It drains every
// expired timer (earliest first, re-reading the queue head after each
// dispatch so a handler may itself reschedule or cancel what fires
// next), computes the remaining delay until the next timer, waits on the
// descriptor set for at most that long, then dispatches every descriptor
// that became ready.
func (s *Scheduler) Run() error {
	for {
		select {
		case <-s.quit:
			return nil
		default:
		}

		now := s.clock.Now()
		for s.timers.Len() > 0 && !s.timers[0].expiry.After(now) {
			e := heap.Pop(&s.timers).(*timerEntry)
			delete(s.byID, e.id)
			e.handler(now)
			now = s.clock.Now()
		}

		timeout := -1 // block indefinitely
		if s.timers.Len() > 0 {
			d := s.timers[0].expiry.Sub(now)
			if d < 0 {
				d = 0
			}
			timeout = int(d / time.Millisecond)
		}

		ready, err := s.wait(timeout)
		if err != nil {
			log.WithError(err).Error("scheduler: descriptor wait failed")
			return fmt.Errorf("scheduler: descriptor wait failed: %w", err)
		}

		readyTime := s.clock.Now()
		s.lastReadyTime = readyTime
		s.lastReadyError = readyTime.Sub(now)
		if s.lastReadyError < 0 {
			s.lastReadyError = -s.lastReadyError
		}

		for _, fd := range ready {
			d, ok := s.descriptors[fd]
			if !ok {
				continue
			}
			d.handler(readyTime)
		}
	}
}

// wait blocks on the registered descriptor set for at most timeoutMs
// (negative means forever), returning the fds that became readable.
func (s *Scheduler) wait(timeoutMs int) ([]int, error) {
	if len(s.descriptors) == 0 {
		if timeoutMs < 0 {
			// Nothing to wait on and nothing scheduled: this is a
			// configuration error upstream, not a scheduler one.
			<-s.quit
			return nil, nil
		}
		time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
		return nil, nil
	}

	fds := make([]unix.PollFd, 0, len(s.descriptors))
	for fd := range s.descriptors {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]int, 0, n)
	for _, pfd := range fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			ready = append(ready, int(pfd.Fd))
		}
	}
	return ready, nil
}
