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

package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func interval(id string, lo, hi float64) Candidate {
	mid := (lo + hi) / 2
	dist := hi - mid
	return Candidate{ID: id, Offset: secondsToDuration(mid), Distance: dist}
}

func Test_Select_TwoSourceIntersection(t *testing.T) {
	a := interval("a", 0.01, 0.03)
	b := interval("b", 0.02, 0.05)

	ref, tc, ok := Select([]Candidate{a, b})
	require.True(t, ok)
	assert.Len(t, tc, 2)
	offsetSec := ref.CorrectionOffset.Seconds()
	assert.GreaterOrEqual(t, offsetSec, 0.02)
	assert.LessOrEqual(t, offsetSec, 0.03)
}

func Test_Select_FalsetickerRejection(t *testing.T) {
	a := interval("a", 0.00, 0.02)
	b := interval("b", 0.01, 0.02)
	c := interval("c", 1.00, 1.02)

	ref, tc, ok := Select([]Candidate{a, b, c})
	require.True(t, ok)
	require.Len(t, tc, 2)
	ids := map[string]bool{}
	for _, cand := range tc {
		ids[cand.ID] = true
	}
	assert.True(t, ids["a"])
	assert.True(t, ids["b"])
	assert.False(t, ids["c"])
	assert.NotEqual(t, "c", ref.ID)
}

func Test_Select_NoselectNeverChosen(t *testing.T) {
	a := interval("a", 0.01, 0.03)
	a.Distance = 0.001 // tighter, would normally win
	noselect := interval("preferred-but-noselect", 0.01, 0.03)
	noselect.Noselect = true
	noselect.Distance = 0.0001

	ref, _, ok := Select([]Candidate{a, noselect})
	require.True(t, ok)
	assert.Equal(t, "a", ref.ID)
}

func Test_Select_PreferBreaksStratumTie(t *testing.T) {
	a := interval("a", 0.01, 0.03)
	a.Stratum = 2
	b := interval("b", 0.015, 0.025)
	b.Stratum = 2
	b.Prefer = true

	ref, _, ok := Select([]Candidate{a, b})
	require.True(t, ok)
	assert.Equal(t, "b", ref.ID)
}

func Test_Select_EmptyCandidates(t *testing.T) {
	_, _, ok := Select(nil)
	assert.False(t, ok)
}

func Test_Select_AllNoselect(t *testing.T) {
	a := interval("a", 0.01, 0.03)
	a.Noselect = true
	_, _, ok := Select([]Candidate{a})
	assert.False(t, ok)
}

type fakeSink struct {
	offsetCalls []time.Duration
	freqCalls   []float64
}

func (f *fakeSink) AccrueOffset(delta time.Duration, rate float64) error {
	f.offsetCalls = append(f.offsetCalls, delta)
	return nil
}

func (f *fakeSink) SetFrequency(ppm float64) error {
	f.freqCalls = append(f.freqCalls, ppm)
	return nil
}

func Test_Round_DeliversCorrectionOnSuccess(t *testing.T) {
	sink := &fakeSink{}
	round := NewRound(sink, time.Minute, 0)

	a := interval("a", 0.01, 0.03)
	b := interval("b", 0.02, 0.05)

	ref, ok := round.Run(time.Now(), []Candidate{a, b}, func(id string) float64 { return 1.5 })
	require.True(t, ok)
	assert.True(t, ref.Synchronised)
	require.Len(t, sink.offsetCalls, 1)
	require.Len(t, sink.freqCalls, 1)
	assert.Equal(t, 1.5, sink.freqCalls[0])
}

func Test_Round_GraceKeepsLastReferenceBeforeExpiry(t *testing.T) {
	sink := &fakeSink{}
	round := NewRound(sink, time.Minute, 0)

	now := time.Now()
	a := interval("a", 0.01, 0.03)
	b := interval("b", 0.02, 0.05)
	_, ok := round.Run(now, []Candidate{a, b}, func(string) float64 { return 0 })
	require.True(t, ok)

	// no truechimer this round (the only candidate is noselect)
	bogus := interval("bogus", 0.01, 0.03)
	bogus.Noselect = true
	ref, ok := round.Run(now.Add(10*time.Second), []Candidate{bogus}, func(string) float64 { return 0 })
	assert.True(t, ok)
	assert.Equal(t, "a", ref.ID)
}

func Test_Round_DeclaresUnsyncedAfterGraceExpires(t *testing.T) {
	sink := &fakeSink{}
	round := NewRound(sink, 5*time.Second, 0)

	now := time.Now()
	a := interval("a", 0.01, 0.03)
	b := interval("b", 0.02, 0.05)
	_, ok := round.Run(now, []Candidate{a, b}, func(string) float64 { return 0 })
	require.True(t, ok)

	bogus := interval("bogus", 0.01, 0.03)
	bogus.Noselect = true
	_, ok = round.Run(now.Add(time.Minute), []Candidate{bogus}, func(string) float64 { return 0 })
	assert.False(t, ok)
}

func Test_Round_MaxUpdateSkewExceeded(t *testing.T) {
	sink := &fakeSink{}
	round := NewRound(sink, time.Minute, 1.0)

	a := interval("a", 0.01, 0.03)
	b := interval("b", 0.02, 0.05)
	_, ok := round.Run(time.Now(), []Candidate{a, b}, func(string) float64 { return 100 })
	assert.False(t, ok)
	assert.Empty(t, sink.offsetCalls)
}
