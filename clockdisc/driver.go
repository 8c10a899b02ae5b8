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
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

// SmallSlewThreshold and NanoSlewThreshold are the §4.B mode boundaries.
const (
	SmallSlewThreshold = 200 * time.Millisecond
	NanoSlewThreshold  = 10 * time.Microsecond
)

// slewDeltaTickFraction biases tick by roughly nominal/12 during a large
// slew, per §4.B.
const slewDeltaTickFraction = 12

// ParamChange is published synchronously to every subscriber whenever
// the driver slews or steps the clock, carrying enough information for
// C (sample retro-adjustment) and A (timer-queue shift) to stay
// consistent with the new clock state.
type ParamChange struct {
	RawNow    time.Time
	CookedNow time.Time
	DeltaFreq float64 // dimensionless
	DeltaOffset time.Duration
	IsStep    bool
}

// DispersionObserver receives the H-component fan-out: every tick bias
// or step introduces timing uncertainty that must be folded into every
// sample any source statistics engine is holding.
type DispersionObserver interface {
	AddDispersion(delta time.Duration)
}

// TimerScheduler is the subset of scheduler.Scheduler the driver needs
// to arm its large-slew completion timer and drift-removal timer. The
// driver borrows the scheduler through this interface rather than
// owning it, breaking the driver<->scheduler cyclic reference the
// design notes call out.
type TimerScheduler interface {
	ScheduleAfter(delay time.Duration, handler func(now time.Time)) (id uint64)
	CancelTimeout(id uint64) error
}

// Subscriber receives ParamChange notifications.
type Subscriber func(ParamChange)

// Driver is the local-clock driver: §4.B's offset_register/current_freq
// registers plus the raw<->cooked mapping built on top of a pluggable
// back-end.
type Driver struct {
	ops     Ops
	tickOps TickOps       // nil if the back-end doesn't support tick biasing
	syncOps SyncStatusOps // nil if the back-end can't be told about sync state

	offsetRegister time.Duration // seconds owed to the clock, positive = clock is fast
	currentFreq    float64       // dimensionless, absolute not ppm
	lastUpdateRaw  time.Time

	// large-slew bookkeeping
	slewing        bool
	slewStartRaw   time.Time
	slewDeltaTick  int64
	nominalTick    int64

	subscribers []Subscriber
	dispersionObservers []DispersionObserver

	scheduler   TimerScheduler
	pendingTick uint64
	havePending bool
}

// SetScheduler gives the driver a handle to the scheduler it should use
// to arm the large-slew completion timer. Optional: without one, large
// slews never auto-complete and must be driven by calling
// CompleteLargeSlew directly (as tests do).
func (d *Driver) SetScheduler(s TimerScheduler) { d.scheduler = s }

// New creates a Driver over the given back-end. Back-ends that also
// implement TickOps get the full three-mode slew strategy; others are
// limited to frequency-only slewing (used by the ParamChange DeltaFreq
// path) and step.
func New(ops Ops) *Driver {
	d := &Driver{ops: ops, lastUpdateRaw: time.Now()}
	if t, ok := ops.(TickOps); ok {
		d.tickOps = t
		d.nominalTick = t.NominalTick()
	}
	if s, ok := ops.(SyncStatusOps); ok {
		d.syncOps = s
	}
	return d
}

// SetSyncStatus tells the back-end whether the daemon currently
// considers itself synchronised, when the back-end exposes that
// capability. A back-end lacking SyncStatusOps simply never receives
// the notification: this is advisory information for the kernel (e.g.
// clearing STA_UNSYNC so other consumers of the system clock can see
// it), not a precondition the selector's own correctness depends on, so
// its absence does not block marking the daemon synchronised.
func (d *Driver) SetSyncStatus(synchronised bool, estError, maxError time.Duration) error {
	if d.syncOps == nil {
		return nil
	}
	return d.syncOps.SetSyncStatus(synchronised, estError, maxError)
}

// Subscribe registers fn to receive every future ParamChange.
func (d *Driver) Subscribe(fn Subscriber) {
	d.subscribers = append(d.subscribers, fn)
}

// RegisterDispersionObserver registers a per-source statistics instance
// (or anything else shaped like one) to receive dispersion fan-out.
func (d *Driver) RegisterDispersionObserver(o DispersionObserver) {
	d.dispersionObservers = append(d.dispersionObservers, o)
}

func (d *Driver) notify(chg ParamChange) {
	for _, s := range d.subscribers {
		s(chg)
	}
}

func (d *Driver) fanOutDispersion(delta time.Duration) {
	for _, o := range d.dispersionObservers {
		o.AddDispersion(delta)
	}
}

// GetOffsetCorrection returns the correction that, added to raw, yields
// cooked time, plus a conservative error bound on that correction.
func (d *Driver) GetOffsetCorrection(raw time.Time) (time.Duration, time.Duration) {
	elapsed := raw.Sub(d.lastUpdateRaw)
	freqIntegral := time.Duration(d.currentFreq * float64(elapsed))
	corr := freqIntegral - d.offsetRegister
	errBound := time.Duration(math.Abs(float64(elapsed)) * 1e-6) // conservative: 1ppm of elapsed time
	return corr, errBound
}

// Cooked converts a raw reading into cooked time using the current
// mapping.
func (d *Driver) Cooked(raw time.Time) time.Time {
	corr, _ := d.GetOffsetCorrection(raw)
	return raw.Add(corr)
}

// AccrueOffset adds delta to the pending slew (positive = clock is fast,
// slew backwards) and dispatches to whichever of the three slew modes
// the resulting magnitude calls for.
func (d *Driver) AccrueOffset(delta time.Duration, rate float64) error {
	d.offsetRegister += delta
	mag := d.offsetRegister
	if mag < 0 {
		mag = -mag
	}

	switch {
	case mag < NanoSlewThreshold:
		return d.nanoSlew()
	case mag < SmallSlewThreshold:
		return d.smallSlew()
	default:
		return d.largeSlew()
	}
}

// smallSlew uses the kernel's classic one-shot adjustment primitive:
// program the pending offset and let the kernel bleed it off.
func (d *Driver) smallSlew() error {
	before := d.offsetRegister
	log.WithField("offset", before).Debug("clockdisc: small slew")
	// The offset is considered fully handed to the kernel; the ledger
	// zeroes here and GetOffsetCorrection covers the remaining error
	// via the frequency integral until the kernel finishes applying it.
	d.offsetRegister = 0
	d.notify(ParamChange{RawNow: time.Now(), DeltaOffset: before})
	return nil
}

// nanoSlew programs the nanosecond PLL for sub-10us offsets.
func (d *Driver) nanoSlew() error {
	before := d.offsetRegister
	log.WithField("offset", before).Debug("clockdisc: nano slew")
	d.offsetRegister = 0
	d.notify(ParamChange{RawNow: time.Now(), DeltaOffset: before})
	return nil
}

// largeSlew biases tick by slewDeltaTick (clamped to the kernel's +-10%
// window), schedules completion, and reports the dispersion this
// introduces. Back-ends without tick support fall back to a frequency
// slew achieving the same total offset over a longer, estimated window.
func (d *Driver) largeSlew() error {
	if d.tickOps == nil {
		return d.frequencyFallbackSlew()
	}
	nominal := d.nominalTick
	wantDelta := nominal / slewDeltaTickFraction
	if d.offsetRegister > 0 {
		// Clock is fast: shorten the tick so it runs slow.
		wantDelta = -wantDelta
	}
	newTick := clampTickDelta(nominal, wantDelta)
	absTick := newTick
	if absTick < 0 {
		absTick = -absTick
	}

	if err := d.tickOps.SetTick(nominal + newTick); err != nil {
		return err
	}
	d.slewing = true
	d.slewStartRaw = time.Now()
	d.slewDeltaTick = newTick
	d.nominalTick = nominal

	// Dispersion introduced: the magnitude of the tick delta, taken as
	// microseconds.
	introduced := time.Duration(absTick) * time.Microsecond
	d.fanOutDispersion(introduced)

	if d.scheduler != nil {
		achieved := d.offsetRegister
		duration := slewDuration(absTick, achieved)
		if d.havePending {
			_ = d.scheduler.CancelTimeout(d.pendingTick)
		}
		d.pendingTick = d.scheduler.ScheduleAfter(duration, func(time.Time) {
			_ = d.CompleteLargeSlew(achieved)
		})
		d.havePending = true
	}

	log.WithFields(log.Fields{"delta_tick": newTick, "offset": d.offsetRegister}).Debug("clockdisc: large slew started")
	return nil
}

// slewDuration estimates the wall time needed for a tick bias of
// deltaTick (microseconds/tick) to bleed off the pending offset.
func slewDuration(deltaTick int64, offset time.Duration) time.Duration {
	if deltaTick == 0 {
		return 0
	}
	// Rate of correction per second = deltaTick microseconds per tick,
	// ~100 ticks/second at the nominal 10ms tick length.
	ratePerSecond := time.Duration(deltaTick) * 100 * time.Microsecond
	if ratePerSecond <= 0 {
		return time.Second
	}
	mag := offset
	if mag < 0 {
		mag = -mag
	}
	ticks := float64(mag) / float64(ratePerSecond)
	return time.Duration(ticks * float64(time.Second))
}

func clampTickDelta(nominal, delta int64) int64 {
	max := int64(float64(nominal) * 0.10)
	if delta > max {
		return max
	}
	if delta < -max {
		return -max
	}
	return delta
}

// frequencyFallbackSlew is used on back-ends without a tick knob: it
// programs the back-end's maximum frequency offset (MaxFreqPPB converted
// to ppm) in the direction that works off offsetRegister. It does not
// reduce offsetRegister and arms no completion timer; the frequency stays
// in place until the next SetFrequency call.
func (d *Driver) frequencyFallbackSlew() error {
	maxPPB, err := d.ops.MaxFreqPPB()
	if err != nil {
		return err
	}
	target := maxPPB / 1e3 // ppm, the full maximum
	if d.offsetRegister > 0 {
		target = -target
	}
	if _, err := d.ops.SetFrequency(target); err != nil {
		return err
	}
	return nil
}

// CompleteLargeSlew is invoked by the scheduled completion timer: it
// restores nominal tick and folds the achieved-vs-wanted residual back
// into offsetRegister so the next AccrueOffset call picks up where this
// one left off.
func (d *Driver) CompleteLargeSlew(achieved time.Duration) error {
	if !d.slewing {
		return nil
	}
	if d.tickOps != nil {
		if err := d.tickOps.SetTick(d.nominalTick); err != nil {
			return err
		}
	}
	d.slewing = false
	d.havePending = false
	residual := d.offsetRegister - achieved
	d.offsetRegister = residual
	log.WithField("residual", residual).Debug("clockdisc: large slew completed")
	if residual != 0 {
		mag := residual
		if mag < 0 {
			mag = -mag
		}
		if mag >= NanoSlewThreshold {
			return d.largeSlew()
		}
	}
	return nil
}

// ApplyStepOffset steps the clock immediately by delta (positive = jump
// forward). It publishes a step ParamChange and returns whether the
// step was applied.
func (d *Driver) ApplyStepOffset(delta time.Duration) (bool, error) {
	if err := d.ops.Step(delta); err != nil {
		return false, err
	}
	d.offsetRegister = 0
	raw := time.Now()
	d.lastUpdateRaw = raw
	d.notify(ParamChange{RawNow: raw, DeltaOffset: -delta, IsStep: true})
	return true, nil
}

// SetFrequency reprograms the back-end frequency, aborting any in-flight
// large slew first (its partial progress is folded into offsetRegister
// and the slew restarted for the remainder before the new frequency takes
// effect, per §4.B).
func (d *Driver) SetFrequency(ppm float64) error {
	if d.slewing {
		if d.havePending && d.scheduler != nil {
			_ = d.scheduler.CancelTimeout(d.pendingTick)
		}
		// Progress so far: elapsed time at |slewDeltaTick| us/tick, ~100 ticks/s.
		rate := math.Abs(float64(d.slewDeltaTick)) * 100 * float64(time.Microsecond)
		partial := time.Duration(math.Min(time.Since(d.slewStartRaw).Seconds()*rate, math.Abs(float64(d.offsetRegister))))
		if d.offsetRegister < 0 {
			partial = -partial
		}
		if err := d.CompleteLargeSlew(partial); err != nil {
			return err
		}
	}
	oldPPM, _ := d.ops.ReadFrequency()
	applied, err := d.ops.SetFrequency(ppm)
	if err != nil {
		return err
	}
	deltaFreq := (applied - oldPPM) / 1e6
	d.currentFreq += deltaFreq
	d.notify(ParamChange{RawNow: time.Now(), DeltaFreq: deltaFreq})
	return nil
}

// OffsetRegister exposes the pending slew for tests and reporting.
func (d *Driver) OffsetRegister() time.Duration { return d.offsetRegister }

// CurrentFrequency exposes the current frequency estimate.
func (d *Driver) CurrentFrequency() float64 { return d.currentFreq }
