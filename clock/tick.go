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

package clock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NominalTickMicros is the kernel's default tick length, 10ms expressed
// in microseconds, matching the USER_HZ=100 default on Linux.
const NominalTickMicros int64 = 10000

// TickTolerance bounds how far tick may be biased from nominal: the
// classic adjtime(2)/ntpd constraint is +/-10%.
const TickTolerance = 0.10

// Tick reads the currently programmed tick length in microseconds.
func Tick(clockid int32) (tickMicros int64, state int, err error) {
	tx := &unix.Timex{}
	state, err = Adjtime(clockid, tx)
	return tx.Tick, state, err
}

// SetTick programs a new tick length in microseconds. Callers are
// responsible for keeping it within TickTolerance of NominalTickMicros;
// the kernel itself will reject values further out.
func SetTick(clockid int32, tickMicros int64) (state int, err error) {
	tx := &unix.Timex{}
	tx.Tick = tickMicros
	tx.Modes = AdjTick
	return Adjtime(clockid, tx)
}

// ClampTick restricts a requested tick value to the +/-10% window around
// nominal, the same clamp the kernel itself enforces.
func ClampTick(nominal, requested int64) int64 {
	lo := int64(float64(nominal) * (1 - TickTolerance))
	hi := int64(float64(nominal) * (1 + TickTolerance))
	if requested < lo {
		return lo
	}
	if requested > hi {
		return hi
	}
	return requested
}

// ValidateTick returns an error if tick falls outside the kernel's
// accepted window around nominal.
func ValidateTick(nominal, tick int64) error {
	lo := int64(float64(nominal) * (1 - TickTolerance))
	hi := int64(float64(nominal) * (1 + TickTolerance))
	if tick < lo || tick > hi {
		return fmt.Errorf("clock: tick %d outside [%d,%d] window around nominal %d", tick, lo, hi, nominal)
	}
	return nil
}
