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

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestScheduler() (*Scheduler, *fakeClock) {
	fc := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return NewWithClock(fc), fc
}

func Test_ScheduleAt_FiresInOrder(t *testing.T) {
	s, fc := newTestScheduler()
	var fired []int

	s.ScheduleAt(fc.now.Add(2*time.Second), func(time.Time) { fired = append(fired, 2) })
	s.ScheduleAt(fc.now.Add(1*time.Second), func(time.Time) { fired = append(fired, 1) })
	s.ScheduleAt(fc.now.Add(3*time.Second), func(time.Time) { fired = append(fired, 3) })

	fc.advance(5 * time.Second)
	// Manually drain as Run would, without blocking on descriptors.
	for s.timers.Len() > 0 && !s.timers[0].expiry.After(fc.now) {
		e := s.timers[0]
		require.NoError(t, s.CancelTimeout(e.id))
		e.handler(fc.now)
	}

	assert.Equal(t, []int{1, 2, 3}, fired)
}

func Test_CancelTimeout_UnknownIDFails(t *testing.T) {
	s, _ := newTestScheduler()
	err := s.CancelTimeout(TimerID(999))
	assert.Error(t, err)
}

func Test_CancelTimeout_RemovesEntry(t *testing.T) {
	s, fc := newTestScheduler()
	id := s.ScheduleAt(fc.now.Add(time.Second), func(time.Time) {})
	require.NoError(t, s.CancelTimeout(id))
	assert.Equal(t, 0, s.timers.Len())
}

func Test_RegisterDescriptor_Duplicate(t *testing.T) {
	s, _ := newTestScheduler()
	require.NoError(t, s.RegisterDescriptor(42, func(time.Time) {}))
	err := s.RegisterDescriptor(42, func(time.Time) {})
	assert.Error(t, err)
}

func Test_UnregisterDescriptor_Unknown(t *testing.T) {
	s, _ := newTestScheduler()
	err := s.UnregisterDescriptor(7)
	assert.Error(t, err)
}

func Test_ScheduleInClass_RespectsSeparation(t *testing.T) {
	s, fc := newTestScheduler()
	sep := 200 * time.Millisecond

	id1 := s.ScheduleInClass(0, sep, 0, ClassNTPSampling, func(time.Time) {})
	id2 := s.ScheduleInClass(0, sep, 0, ClassNTPSampling, func(time.Time) {})

	e1 := s.byID[id1]
	e2 := s.byID[id2]
	gap := e2.expiry.Sub(e1.expiry)
	if gap < 0 {
		gap = -gap
	}
	assert.GreaterOrEqual(t, gap, sep)
	_ = fc
}

func Test_ShiftTimers_PreservesWallIntent(t *testing.T) {
	s, fc := newTestScheduler()
	id := s.ScheduleAt(fc.now.Add(10*time.Second), func(time.Time) {})

	// A step of -2s (clock jumps forward 2s) should push the timer's
	// raw expiry forward by 2s so it still fires 10 wall-seconds out.
	s.ShiftTimers(-2 * time.Second)

	e := s.byID[id]
	assert.Equal(t, fc.now.Add(12*time.Second), e.expiry)
}

func Test_Quit_StopsRun(t *testing.T) {
	s, _ := newTestScheduler()
	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	s.Quit()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Quit")
	}
}
