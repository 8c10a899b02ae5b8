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

package stats

import (
	"math"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"
)

// Engine is the per-source statistics instance: §4.C's sliding window,
// regression state and goodness filter. Zero value is not usable; use
// NewEngine.
type Engine struct {
	name string

	samples   []Sample // live regression window, oldest first, len <= MaxSamples
	runsOnly  []Sample // trailing history kept only for the sign-runs test

	minDelaySample int // index into samples
	bestSample     int // index into samples, recomputed by PickBestSample

	regressionOK    bool
	estFrequency    float64 // dimensionless: local seconds gained per reference second
	skew            float64 // dimensionless half-width of the 95% CI on frequency
	estOffset       time.Duration
	offsetEpoch     time.Time
	offsetSD        time.Duration
	residualVar     float64
	nRuns           int
	bestStart       int
	lastSkewSign    int // -1, 0, +1: direction skew last moved

	delayStats *welford.Stats // running peer-delay mean/stddev, for the log/report path only
}

// NewEngine creates an empty statistics instance for a named source
// (used only for logging context).
func NewEngine(name string) *Engine {
	return &Engine{name: name, skew: WorstCaseSkew, delayStats: welford.New()}
}

// NSamples reports the number of samples currently in the live window.
func (e *Engine) NSamples() int { return len(e.samples) }

// RegressionOK reports whether the last RunRegression produced a fit.
func (e *Engine) RegressionOK() bool { return e.regressionOK }

// EstimatedFrequency returns the current frequency estimate.
func (e *Engine) EstimatedFrequency() float64 { return e.estFrequency }

// Skew returns the current confidence-interval half-width on frequency.
func (e *Engine) Skew() float64 { return e.skew }

// EstimatedOffset and its epoch.
func (e *Engine) EstimatedOffset() (time.Duration, time.Time) { return e.estOffset, e.offsetEpoch }

// OffsetStdDev returns the offset standard deviation from the last fit.
func (e *Engine) OffsetStdDev() time.Duration { return e.offsetSD }

// Stress is the residual variance of the last regression fit, logged
// verbatim as the statistics log's "stress" column.
func (e *Engine) Stress() float64 { return e.residualVar }

// NRuns returns the sign-runs count from the last regression fit.
func (e *Engine) NRuns() int { return e.nRuns }

// BestStart returns how many of the oldest samples the last regression
// discarded before fitting.
func (e *Engine) BestStart() int { return e.bestStart }

// Samples exposes a read-only copy of the live window, oldest first.
func (e *Engine) Samples() []Sample {
	out := make([]Sample, len(e.samples))
	copy(out, e.samples)
	return out
}

// Accumulate records a new measurement. If the window is full, the
// oldest sample is pruned into the runs-only trailing buffer (or
// dropped once that, too, is full). A sample that is not strictly newer
// than the current newest discards the entire history and the sample
// itself: it indicates a disruptive event (large step elsewhere, source
// replaced) rather than normal jitter, so nothing about it is trusted.
func (e *Engine) Accumulate(s Sample) {
	if len(e.samples) > 0 {
		newest := e.samples[len(e.samples)-1]
		if !s.Time.After(newest.Time) {
			log.WithField("source", e.name).Warn("stats: out-of-order sample, discarding history")
			e.reset()
			return
		}
	}
	s.OrigOffset = s.Offset
	e.delayStats.Add(s.PeerDelay.Seconds())

	if len(e.samples) >= MaxSamples {
		evicted := e.samples[0]
		e.samples = e.samples[1:]
		e.pushRunsOnly(evicted)
	}
	e.samples = append(e.samples, s)
	e.updateMinDelaySample()
}

func (e *Engine) pushRunsOnly(s Sample) {
	maxRuns := (RegressRunsRatio - 1) * MaxSamples
	if maxRuns <= 0 {
		return
	}
	if len(e.runsOnly) >= maxRuns {
		e.runsOnly = e.runsOnly[1:]
	}
	e.runsOnly = append(e.runsOnly, s)
}

func (e *Engine) reset() {
	e.samples = nil
	e.runsOnly = nil
	e.minDelaySample = 0
	e.bestSample = 0
	e.regressionOK = false
	e.estFrequency = 0
	e.skew = WorstCaseSkew
	e.estOffset = 0
	e.offsetSD = 0
	e.residualVar = 0
	e.nRuns = 0
	e.bestStart = 0
	e.delayStats = welford.New()
}

// DelayStdDev returns the running sample standard deviation of peer
// delay across every measurement accumulated since the engine's history
// was last reset (unlike OffsetStdDev, it is not windowed and not
// affected by pruning the regression window); it is the statistics log's
// "std dev" column.
func (e *Engine) DelayStdDev() time.Duration {
	return time.Duration(e.delayStats.Stddev() * float64(time.Second))
}

func (e *Engine) updateMinDelaySample() {
	if len(e.samples) == 0 {
		e.minDelaySample = 0
		return
	}
	min := 0
	for i, s := range e.samples {
		if s.PeerDelay < e.samples[min].PeerDelay {
			min = i
		}
		_ = s
	}
	e.minDelaySample = min
}

// RunRegression recomputes the frequency/offset/skew estimate from the
// current window. On success it prunes the best_start oldest samples
// (they no longer sharpen the slope estimate) and remembers the skew's
// direction of travel; on failure it falls back to a zero-frequency,
// worst-case-skew estimate.
func (e *Engine) RunRegression() {
	n := len(e.samples)
	if n < 3 {
		e.regressionOK = false
		e.estFrequency = 0
		e.skew = WorstCaseSkew
		return
	}

	newest := e.samples[n-1].Time
	x := make([]float64, n)
	y := make([]float64, n)
	d := make([]float64, n)
	minD := math.MaxFloat64
	sumD := 0.0
	for i, s := range e.samples {
		x[i] = s.Time.Sub(newest).Seconds() // <= 0
		y[i] = s.Offset.Seconds()
		d[i] = s.distance()
		if d[i] < minD {
			minD = d[i]
		}
		sumD += d[i]
	}
	meanD := sumD / float64(n)
	sd := meanD - minD
	if sd <= 0 {
		sd = minD
	}
	if sd > minD {
		sd = minD
	}
	if sd <= 0 {
		sd = 1e-9
	}

	w := make([]float64, n)
	for i := range w {
		ratio := SDToDistRatio * (d[i] - minD) / sd
		w[i] = (1 + ratio) * (1 + ratio)
	}

	fit, bestStart := bestStartSearch(x, y, w, 3)
	if !fit.ok {
		e.regressionOK = false
		e.estFrequency = 0
		e.skew = WorstCaseSkew
		return
	}

	dof := n - bestStart - 2
	if dof < 1 {
		dof = 1
	}
	newSkew := fit.slopeSD * tCoefficient(dof)
	if newSkew < MinSkew {
		newSkew = MinSkew
	}

	switch {
	case newSkew > e.skew:
		e.lastSkewSign = 1
	case newSkew < e.skew:
		e.lastSkewSign = -1
	default:
		e.lastSkewSign = 0
	}

	e.regressionOK = true
	e.estFrequency = fit.slope
	e.skew = newSkew
	e.estOffset = time.Duration(fit.intercept * float64(time.Second))
	e.offsetEpoch = newest
	e.offsetSD = time.Duration(fit.interceptSD * float64(time.Second))
	e.residualVar = fit.residualVar
	e.nRuns = fit.nRuns
	e.bestStart = bestStart

	if bestStart > 0 {
		for i := 0; i < bestStart; i++ {
			e.pushRunsOnly(e.samples[i])
		}
		e.samples = e.samples[bestStart:]
		e.updateMinDelaySample()
	}
}

// PickBestSample selects, under the current skew estimate, the sample
// minimising root_disp + elapsed*skew + 0.5*root_delay, and returns its
// index into Samples().
func (e *Engine) PickBestSample() int {
	if len(e.samples) == 0 {
		return -1
	}
	newest := e.samples[len(e.samples)-1].Time
	best := 0
	bestScore := math.MaxFloat64
	for i, s := range e.samples {
		elapsed := newest.Sub(s.Time).Seconds()
		score := s.RootDispersion.Seconds() + elapsed*e.skew + 0.5*s.RootDelay.Seconds()
		if score < bestScore {
			bestScore = score
			best = i
		}
	}
	e.bestSample = best
	return best
}

// SlewSamples retroactively folds a local-clock parameter change into
// every stored sample so each one still describes the same physical
// exchange: offsets shift by -DeltaOffset (the error just corrected),
// and on a step the raw sample times shift by -DeltaOffset too, since
// raw time is itself the quantity that just jumped.
func (e *Engine) SlewSamples(chg ParamChange) {
	for i := range e.samples {
		e.samples[i].Offset -= chg.DeltaOffset
		if chg.IsStep {
			e.samples[i].Time = e.samples[i].Time.Add(-chg.DeltaOffset)
		}
	}
	for i := range e.runsOnly {
		e.runsOnly[i].Offset -= chg.DeltaOffset
		if chg.IsStep {
			e.runsOnly[i].Time = e.runsOnly[i].Time.Add(-chg.DeltaOffset)
		}
	}
	e.estOffset -= chg.DeltaOffset
	if chg.IsStep {
		e.offsetEpoch = e.offsetEpoch.Add(-chg.DeltaOffset)
	}
	e.estFrequency -= chg.DeltaFreq
}

// AddDispersion adds delta to every stored sample's root and peer
// dispersion; this is the H-component fan-out target when the driver
// introduces error by slewing or stepping.
func (e *Engine) AddDispersion(delta time.Duration) {
	for i := range e.samples {
		e.samples[i].RootDispersion += delta
		e.samples[i].PeerDispersion += delta
	}
	for i := range e.runsOnly {
		e.runsOnly[i].RootDispersion += delta
		e.runsOnly[i].PeerDispersion += delta
	}
}

// IsGoodSample applies the outlier filter: a candidate sample is
// accepted if its delay is unremarkable given current variance and
// elapsed-time-scaled skew/clock-error, or if the offset's departure from
// the predicted offset is no larger than the delay's increase over the
// minimum delay held. Fewer than 3 historical samples means there is nothing
// yet to reject against, so the sample is accepted unconditionally.
func (e *Engine) IsGoodSample(offset, delay time.Duration, ratio float64, clockErr time.Duration, t time.Time) bool {
	if len(e.samples) < 3 {
		return true
	}
	minDelay := e.samples[e.minDelaySample].PeerDelay
	elapsed := t.Sub(e.offsetEpoch).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	delayTerm := float64(delay-minDelay) / 2 / float64(time.Second)
	bound := math.Sqrt(e.residualVar)*ratio + elapsed*(e.skew+clockErr.Seconds())
	if delayTerm < bound {
		return true
	}

	predicted := e.PredictOffset(t)
	offsetChange := offset - predicted
	if offsetChange < 0 {
		offsetChange = -offsetChange
	}
	increaseInDelay := delay - minDelay
	if increaseInDelay < 0 {
		increaseInDelay = 0
	}
	return offsetChange <= increaseInDelay
}

// PredictOffset extrapolates the offset estimate to time t using the
// current frequency. With fewer than 3 samples there is no regression
// to extrapolate from, so the latest raw offset (or zero) is returned.
func (e *Engine) PredictOffset(t time.Time) time.Duration {
	if len(e.samples) < 3 {
		if len(e.samples) == 0 {
			return 0
		}
		return e.samples[len(e.samples)-1].Offset
	}
	elapsed := t.Sub(e.offsetEpoch).Seconds()
	return e.estOffset + time.Duration(elapsed*e.estFrequency*float64(time.Second))
}

// BestSample returns the sample last chosen by PickBestSample along with
// its root distance, used by the reference selector to build the
// candidate interval for this source.
func (e *Engine) BestSample() (Sample, bool) {
	if e.bestSample < 0 || e.bestSample >= len(e.samples) {
		return Sample{}, false
	}
	return e.samples[e.bestSample], true
}

// RootDistance returns the root distance contributed by sample idx.
func (s Sample) RootDistance() float64 { return s.rootDistance() }
