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

package persist

import (
	"time"

	"github.com/netsyncd/ntpd/stats"
)

func durationFromSeconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func sampleFromDump(sec, usec int64, offset, origOffset, delay, disp, rootDelay, rootDisp float64, stratum uint8) stats.Sample {
	return stats.Sample{
		Time:           time.Unix(sec, usec*1000),
		Offset:         durationFromSeconds(offset),
		OrigOffset:     durationFromSeconds(origOffset),
		PeerDelay:      durationFromSeconds(delay),
		PeerDispersion: durationFromSeconds(disp),
		RootDelay:      durationFromSeconds(rootDelay),
		RootDispersion: durationFromSeconds(rootDisp),
		Stratum:        stratum,
	}
}
