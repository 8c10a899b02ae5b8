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
	"time"

	"golang.org/x/sys/unix"

	"github.com/netsyncd/ntpd/clock"
)

// LinuxBackend drives CLOCK_REALTIME through the tick+freq CLOCK_ADJTIME
// interface. It implements both TickOps (for the large-slew tick-bias
// mode) and SyncStatusOps (TIME_OK reporting).
type LinuxBackend struct {
	clockid int32
}

// NewLinuxBackend builds a back-end for the system realtime clock.
func NewLinuxBackend() *LinuxBackend {
	return &LinuxBackend{clockid: unix.CLOCK_REALTIME}
}

func (b *LinuxBackend) ReadFrequency() (float64, error) {
	ppb, _, err := clock.FrequencyPPB(b.clockid)
	return ppb / 1000, err // ppb -> ppm
}

func (b *LinuxBackend) SetFrequency(ppm float64) (float64, error) {
	ppb := ppm * 1000
	_, err := clock.AdjFreqPPB(b.clockid, ppb)
	if err != nil {
		return 0, err
	}
	applied, _, err := clock.FrequencyPPB(b.clockid)
	return applied / 1000, err
}

func (b *LinuxBackend) Step(delta time.Duration) error {
	_, err := clock.Step(b.clockid, delta)
	return err
}

func (b *LinuxBackend) MaxFreqPPB() (float64, error) {
	ppb, _, err := clock.MaxFreqPPB(b.clockid)
	return ppb, err
}

func (b *LinuxBackend) ReadTick() (int64, error) {
	tick, _, err := clock.Tick(b.clockid)
	return tick, err
}

func (b *LinuxBackend) SetTick(tickMicros int64) error {
	_, err := clock.SetTick(b.clockid, tickMicros)
	return err
}

func (b *LinuxBackend) NominalTick() int64 {
	return clock.NominalTickMicros
}

func (b *LinuxBackend) SetSyncStatus(synchronised bool, estError, maxError time.Duration) error {
	if !synchronised {
		return nil
	}
	return clock.SetSync()
}
