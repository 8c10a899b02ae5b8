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

package clockdisc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOps struct {
	freqPPM float64
	steps   []time.Duration
	maxPPB  float64
}

func (f *fakeOps) ReadFrequency() (float64, error)      { return f.freqPPM, nil }
func (f *fakeOps) SetFrequency(ppm float64) (float64, error) {
	f.freqPPM = ppm
	return ppm, nil
}
func (f *fakeOps) Step(delta time.Duration) error {
	f.steps = append(f.steps, delta)
	return nil
}
func (f *fakeOps) MaxFreqPPB() (float64, error) { return f.maxPPB, nil }

type fakeTickOps struct {
	fakeOps
	tick    int64
	nominal int64
}

func (f *fakeTickOps) ReadTick() (int64, error)    { return f.tick, nil }
func (f *fakeTickOps) SetTick(t int64) error        { f.tick = t; return nil }
func (f *fakeTickOps) NominalTick() int64           { return f.nominal }

type fakeScheduler struct {
	nextID    uint64
	scheduled map[uint64]func(time.Time)
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[uint64]func(time.Time))}
}

func (f *fakeScheduler) ScheduleAfter(delay time.Duration, handler func(time.Time)) uint64 {
	f.nextID++
	f.scheduled[f.nextID] = handler
	return f.nextID
}

func (f *fakeScheduler) CancelTimeout(id uint64) error {
	delete(f.scheduled, id)
	return nil
}

func (f *fakeScheduler) fire(id uint64, now time.Time) {
	if h, ok := f.scheduled[id]; ok {
		h(now)
	}
}

func Test_AccrueOffset_SmallSlewZeroesRegister(t *testing.T) {
	ops := &fakeOps{maxPPB: 500000}
	d := New(ops)

	require.NoError(t, d.AccrueOffset(50*time.Millisecond, 1.0))
	assert.Equal(t, time.Duration(0), d.OffsetRegister())
}

func Test_AccrueOffset_NanoSlewZeroesRegister(t *testing.T) {
	ops := &fakeOps{maxPPB: 500000}
	d := New(ops)

	require.NoError(t, d.AccrueOffset(5*time.Microsecond, 1.0))
	assert.Equal(t, time.Duration(0), d.OffsetRegister())
}

func Test_AccrueOffset_LargeSlewBiasesTick(t *testing.T) {
	tops := &fakeTickOps{nominal: 10000, tick: 10000}
	d := New(tops)

	require.NoError(t, d.AccrueOffset(1*time.Second, 1.0))
	assert.NotEqual(t, int64(10000), tops.tick)
	assert.True(t, d.slewing)
}

func Test_TickSlewLedger_CompletesAndRestoresTick(t *testing.T) {
	tops := &fakeTickOps{nominal: 10000, tick: 10000}
	d := New(tops)

	require.NoError(t, d.AccrueOffset(1*time.Second, 1.0))
	achieved := d.OffsetRegister() * -1 // pretend we fully achieved the scheduled slew
	// offsetRegister currently holds the pending amount (1s); simulate
	// the slew fully completing by passing that same amount as achieved.
	require.NoError(t, d.CompleteLargeSlew(1*time.Second))
	assert.Equal(t, int64(10000), tops.tick)
	assert.Equal(t, time.Duration(0), d.OffsetRegister())
	_ = achieved
}

func Test_LargeSlew_SchedulesCompletionViaScheduler(t *testing.T) {
	tops := &fakeTickOps{nominal: 10000, tick: 10000}
	d := New(tops)
	fs := newFakeScheduler()
	d.SetScheduler(fs)

	require.NoError(t, d.AccrueOffset(1*time.Second, 1.0))
	require.True(t, d.havePending)

	fs.fire(d.pendingTick, time.Now())
	assert.Equal(t, int64(10000), tops.tick)
	assert.False(t, d.slewing)
}

func Test_ApplyStepOffset_PublishesStepChange(t *testing.T) {
	ops := &fakeOps{maxPPB: 500000}
	d := New(ops)

	var received ParamChange
	d.Subscribe(func(chg ParamChange) { received = chg })

	ok, err := d.ApplyStepOffset(2 * time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, received.IsStep)
	assert.Equal(t, []time.Duration{2 * time.Second}, ops.steps)
}

func Test_SetFrequency_AbortsInFlightSlew(t *testing.T) {
	tops := &fakeTickOps{nominal: 10000, tick: 10000}
	d := New(tops)

	require.NoError(t, d.AccrueOffset(1*time.Second, 1.0))
	require.True(t, d.slewing)

	// The aborted slew's progress is folded in and the slew is restarted
	// for the (still large) remainder at the same tick bias.
	require.NoError(t, d.SetFrequency(10))
	assert.True(t, d.slewing)
	assert.Equal(t, int64(10000-10000/slewDeltaTickFraction), tops.tick)
}

func Test_DispersionFanOut_ReachesObservers(t *testing.T) {
	tops := &fakeTickOps{nominal: 10000, tick: 10000}
	d := New(tops)

	var received time.Duration
	d.RegisterDispersionObserver(dispersionFunc(func(delta time.Duration) { received += delta }))

	require.NoError(t, d.AccrueOffset(1*time.Second, 1.0))
	assert.Greater(t, received, time.Duration(0))
}

type dispersionFunc func(time.Duration)

func (f dispersionFunc) AddDispersion(delta time.Duration) { f(delta) }
