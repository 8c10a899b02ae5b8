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

// Package selector implements the reference selector (§4.F): classical
// NTP interval intersection over candidate sources, representative
// pick, and the reference-state it publishes to clients of the daemon.
package selector

import (
	"sort"
	"time"
)

// Candidate is one source's contribution to a selection round. Offset
// is a time.Duration and Distance is in seconds; Distance is the root distance
// (root_dispersion + root_delay/2) that defines the half-width of the
// source's confidence interval.
type Candidate struct {
	ID       string
	Offset   time.Duration
	Distance float64
	Stratum  uint8
	Prefer   bool
	Noselect bool
	LeapIndicator uint8
	RefID    uint32
	RefTime  time.Time
	RootDelay      time.Duration
	RootDispersion time.Duration
}

func (c Candidate) lo() float64 { return c.Offset.Seconds() - c.Distance }
func (c Candidate) hi() float64 { return c.Offset.Seconds() + c.Distance }

// Reference is the published selection result.
type Reference struct {
	Synchronised   bool
	ID             string
	Stratum        uint8
	LeapIndicator  uint8
	RefID          uint32
	RefTime        time.Time
	RootDelay      time.Duration
	RootDispersion time.Duration

	// CorrectionOffset and CorrectionFreq are what gets delivered to the
	// local-clock driver via AccrueOffset/SetFrequency.
	CorrectionOffset time.Duration
	CorrectionFreq   float64
}

type endpoint struct {
	x     float64
	delta int
	idx   int
}

// Select runs the classical NTP clock-select algorithm: it increases
// the assumed number of falsetickers f from zero until some point in
// the offset/distance space is covered by at least n-f candidate
// intervals while a majority (n - 2f > 0) still survives, then returns
// the representative among that truechimer set. Noselect candidates
// are dropped before intersection runs; they are never a reference but
// still participate in statistics gathering elsewhere.
func Select(candidates []Candidate) (Reference, []Candidate, bool) {
	usable := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Noselect {
			continue
		}
		usable = append(usable, c)
	}
	n := len(usable)
	if n == 0 {
		return Reference{}, nil, false
	}
	if n == 1 {
		return buildReference(usable, usable), usable, true
	}

	events := make([]endpoint, 0, 2*n)
	for i, c := range usable {
		events = append(events, endpoint{x: c.lo(), delta: 1, idx: i})
		events = append(events, endpoint{x: c.hi(), delta: -1, idx: i})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].x != events[j].x {
			return events[i].x < events[j].x
		}
		// process openings before closings at a shared boundary so
		// touching intervals still count as overlapping there.
		return events[i].delta > events[j].delta
	})

	count := 0
	maxCount := 0
	bestX := events[0].x
	for _, e := range events {
		count += e.delta
		if count > maxCount {
			maxCount = count
			bestX = e.x
		}
	}

	f := n - maxCount
	if f < 0 {
		f = 0
	}
	if n-2*f <= 0 || maxCount < 1 {
		return Reference{}, nil, false
	}

	truechimers := make([]Candidate, 0, maxCount)
	for _, c := range usable {
		if c.lo() <= bestX && bestX <= c.hi() {
			truechimers = append(truechimers, c)
		}
	}
	if len(truechimers) == 0 {
		return Reference{}, nil, false
	}

	return buildReference(truechimers, usable), truechimers, true
}

// buildReference picks the representative among truechimers (tie-break
// order: Prefer, then lowest stratum, then shortest root distance) and
// computes the tight intersection interval used as the published
// correction.
func buildReference(truechimers, all []Candidate) Reference {
	best := truechimers[0]
	for _, c := range truechimers[1:] {
		if better(c, best) {
			best = c
		}
	}

	lo := truechimers[0].lo()
	hi := truechimers[0].hi()
	for _, c := range truechimers[1:] {
		if c.lo() > lo {
			lo = c.lo()
		}
		if c.hi() < hi {
			hi = c.hi()
		}
	}
	mid := (lo + hi) / 2

	return Reference{
		Synchronised:     true,
		ID:               best.ID,
		Stratum:          best.Stratum,
		LeapIndicator:    best.LeapIndicator,
		RefID:            best.RefID,
		RefTime:          best.RefTime,
		RootDelay:        best.RootDelay,
		RootDispersion:   best.RootDispersion,
		CorrectionOffset: secondsToDuration(mid),
	}
}

func better(a, b Candidate) bool {
	if a.Prefer != b.Prefer {
		return a.Prefer
	}
	if a.Stratum != b.Stratum {
		return a.Stratum < b.Stratum
	}
	return a.Distance < b.Distance
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
