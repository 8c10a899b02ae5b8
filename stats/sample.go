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

// Package stats implements the per-source statistics engine: a bounded
// sliding window of offset/delay/dispersion samples, weighted linear
// regression for frequency and offset estimation, and the sample
// goodness filter used to reject path-delay outliers.
package stats

import "time"

// MaxSamples bounds the live regression window per source.
const MaxSamples = 64

// RegressRunsRatio extends the trailing history kept purely for the
// sign-runs test beyond what the regression window itself retains.
const RegressRunsRatio = 4

// WorstCaseSkew is the skew bound reported when regression has not
// produced a usable fit.
const WorstCaseSkew = 2000e-6 // 2000 ppm, dimensionless (seconds/second)

// MinSkew floors the confidence interval half-width so a lucky fit never
// reports implausible certainty.
const MinSkew = 1e-12

// Sample is one immutable NTP exchange measurement. OrigOffset never
// changes after it is recorded; Offset is retroactively adjusted by
// SlewSamples when the local clock moves.
type Sample struct {
	Time           time.Time // raw local time the sample was taken
	Offset         time.Duration
	OrigOffset     time.Duration
	PeerDelay      time.Duration
	PeerDispersion time.Duration
	RootDelay      time.Duration
	RootDispersion time.Duration
	Stratum        uint8
}

// distance is the NTP "root distance" contribution of one sample:
// dispersion plus half the round-trip delay.
func (s Sample) distance() float64 {
	return s.PeerDispersion.Seconds() + s.PeerDelay.Seconds()/2
}

// rootDistance additionally folds in root delay/dispersion, used by the
// best-sample selection and by the selector component.
func (s Sample) rootDistance() float64 {
	return s.RootDispersion.Seconds() + s.RootDelay.Seconds()/2
}

// ParamChange describes a local-clock adjustment that the statistics
// engine must retroactively fold into its stored samples so each one
// still describes the same physical exchange.
type ParamChange struct {
	RawNow      time.Time
	CookedNow   time.Time
	DeltaFreq   float64 // dimensionless frequency delta just applied
	DeltaOffset time.Duration
	IsStep      bool
}
