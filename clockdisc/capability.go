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

// Package clockdisc implements the local-clock driver (§4.B) and the
// dispersion notifier it fans out to (§4.H): a raw<->cooked time mapping
// maintained over a pluggable kernel back-end, with a three-mode slew
// strategy on back-ends exposing tick/freq knobs.
package clockdisc

import "time"

// Ops is the back-end capability set a driver is built on. Back-ends
// register at init and the driver never assumes more than this set is
// present - SetLeap and SetSyncStatus are optional and may be no-ops.
type Ops interface {
	// ReadFrequency returns the currently programmed frequency
	// correction in dimensionless ppm (parts per million).
	ReadFrequency() (ppm float64, err error)
	// SetFrequency programs the kernel and returns the ppm actually
	// applied, which may differ from the request due to clamping.
	SetFrequency(ppm float64) (applied float64, err error)
	// Step jumps the clock; positive delta means the clock moves
	// forward (it was behind).
	Step(delta time.Duration) error
	// MaxFreqPPB reports the largest frequency correction the back-end
	// will accept.
	MaxFreqPPB() (float64, error)
}

// TickOps is implemented by back-ends exposing the classic tick/freq
// knobs (Linux CLOCK_ADJTIME). Large slews bias tick directly; back-ends
// without this capability fall back to frequency-only slewing for large
// offsets, which takes proportionally longer to bleed off.
type TickOps interface {
	Ops
	ReadTick() (tickMicros int64, err error)
	SetTick(tickMicros int64) error
	NominalTick() int64
}

// SyncStatusOps is optionally implemented by back-ends that can be told
// whether the daemon currently considers itself synchronised.
type SyncStatusOps interface {
	SetSyncStatus(synchronised bool, estError, maxError time.Duration) error
}

// LeapOps is optionally implemented by back-ends that can arm kernel
// leap-second handling directly.
type LeapOps interface {
	SetLeap(sign int) error
}

// DriftTimerOps is implemented by back-ends that synthesise frequency
// correction by repeatedly restarting a slew (older BSD adjtime-style
// kernels): they need a periodic drift-removal timer even when the
// daemon is otherwise idle.
type DriftTimerOps interface {
	NeedsDriftTimer() bool
	DriftTimerInterval() time.Duration
}
