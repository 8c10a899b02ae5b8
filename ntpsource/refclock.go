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

package ntpsource

import (
	"time"

	"github.com/netsyncd/ntpd/stats"
)

// RefClock is the reference-clock driver interface named, but not
// designed, by §1's "named interfaces only" treatment of GPS and similar
// local clocks: a poll returns the clock's idea of the current instant,
// which the caller turns into a stats.Sample with zero network delay.
// Implementations own whatever transport they need (serial, shared
// memory, PPS) and block only as long as one read takes.
type RefClock interface {
	// Poll reads the reference clock once, returning the time it
	// reports. The caller supplies localNow as the trusted local
	// timestamp the reading is compared against.
	Poll(localNow time.Time) (refTime time.Time, stratum uint8, err error)
	// Close releases the underlying transport.
	Close() error
}

// RefClockSource adapts a RefClock into the same statistics-engine shape
// a network source uses, so the selector and reporting layers do not
// need to know a source is local: PollOnce is driven by the scheduler on
// the same cadence a network source's poll timer would use.
type RefClockSource struct {
	Addr  string // a descriptive name, not a real network address
	Clock RefClock
	Stats *stats.Engine

	// Dispersion is the fixed per-sample dispersion contribution
	// attributed to this reference clock's own jitter (serial
	// transmission delay, sentence-boundary rounding); real daemons
	// calibrate this per device, but a GPS-over-NMEA source typically
	// settles around a few hundred microseconds.
	Dispersion time.Duration
}

// NewRefClockSource wraps clock under name, with the given per-sample
// dispersion budget.
func NewRefClockSource(name string, clock RefClock, dispersion time.Duration) *RefClockSource {
	return &RefClockSource{
		Addr:       name,
		Clock:      clock,
		Stats:      stats.NewEngine(name),
		Dispersion: dispersion,
	}
}

// PollOnce reads the reference clock and folds the reading into the
// statistics engine as a zero-delay sample: path delay and root delay
// are both zero since there is no network hop, and dispersion is the
// device's own fixed jitter budget.
func (r *RefClockSource) PollOnce(now time.Time) error {
	refTime, stratum, err := r.Clock.Poll(now)
	if err != nil {
		return err
	}
	offset := now.Sub(refTime) // positive: local clock ahead of the reference
	r.Stats.Accumulate(stats.Sample{
		Time:           now,
		Offset:         offset,
		OrigOffset:     offset,
		PeerDelay:      0,
		PeerDispersion: r.Dispersion,
		RootDelay:      0,
		RootDispersion: r.Dispersion,
		Stratum:        stratum,
	})
	return nil
}
