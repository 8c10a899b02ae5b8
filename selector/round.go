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
	"time"

	log "github.com/sirupsen/logrus"
)

// ClockSink is the subset of clockdisc.Driver a selection round needs to
// deliver corrections to.
type ClockSink interface {
	AccrueOffset(delta time.Duration, rate float64) error
	SetFrequency(ppm float64) error
}

// Round drives one update round: select a reference among candidates,
// push its offset/frequency correction to the clock driver, and track
// the unsynchronised grace period named in §4.F ("unsynchronised when
// no truechimer survives for more than a configured grace").
type Round struct {
	Grace          time.Duration
	MaxUpdateSkew  float64 // ppm; exceeding this also forces unsynchronised
	sink           ClockSink
	lastGoodSelect time.Time
	lastRef        Reference
	haveRef        bool
}

// NewRound builds a round driver delivering corrections to sink.
func NewRound(sink ClockSink, grace time.Duration, maxUpdateSkew float64) *Round {
	return &Round{Grace: grace, MaxUpdateSkew: maxUpdateSkew, sink: sink}
}

// Run executes one update round at now, given the candidate set and
// the estimated frequency (ppm) of the candidate the selector ends up
// picking as representative, looked up by freqOf after selection.
func (r *Round) Run(now time.Time, candidates []Candidate, freqOf func(id string) float64) (Reference, bool) {
	ref, truechimers, ok := Select(candidates)
	if !ok {
		if r.haveRef && now.Sub(r.lastGoodSelect) > r.Grace {
			log.Warn("selector: no truechimer survived grace period, declaring unsynchronised")
			r.haveRef = false
		}
		return r.lastRef, r.haveRef
	}
	_ = truechimers

	freqPPM := freqOf(ref.ID)
	if r.MaxUpdateSkew > 0 && abs(freqPPM) > r.MaxUpdateSkew {
		log.WithField("freq_ppm", freqPPM).Warn("selector: max update skew exceeded, declaring unsynchronised")
		if r.haveRef && now.Sub(r.lastGoodSelect) > r.Grace {
			r.haveRef = false
		}
		return r.lastRef, r.haveRef
	}

	if err := r.sink.AccrueOffset(ref.CorrectionOffset, 1.0); err != nil {
		log.WithError(err).Error("selector: accrue_offset failed")
	}
	if err := r.sink.SetFrequency(freqPPM); err != nil {
		log.WithError(err).Error("selector: set_frequency failed")
	}

	ref.Synchronised = true
	r.lastRef = ref
	r.haveRef = true
	r.lastGoodSelect = now
	return ref, true
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
