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

package ntp

import "time"

// NTPEpochNanosecond is the difference between the NTP and Unix epoch in ns.
const NTPEpochNanosecond = int64(2208988800000000000)

// Time converts a Go time into NTP seconds and fraction fields.
func Time(t time.Time) (seconds uint32, fractions uint32) {
	nsec := t.UnixNano() + NTPEpochNanosecond
	sec := nsec / time.Second.Nanoseconds()
	return uint32(sec), uint32((nsec - sec*time.Second.Nanoseconds()) << 32 / time.Second.Nanoseconds())
}

// Unix converts NTP seconds and fraction fields into a Go time.
func Unix(seconds, fractions uint32) time.Time {
	secs := int64(seconds) - NTPEpochNanosecond/time.Second.Nanoseconds()
	nanos := (int64(fractions) * time.Second.Nanoseconds()) >> 32
	return time.Unix(secs, nanos)
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// AvgNetworkDelay uses the RFC 958 formula to estimate round-trip delay
// from the four timestamps of one client/server exchange.
func AvgNetworkDelay(clientTransmitTime, serverReceiveTime, serverTransmitTime, clientReceiveTime time.Time) int64 {
	forwardPath := serverReceiveTime.Sub(clientTransmitTime).Nanoseconds()
	returnPath := clientReceiveTime.Sub(serverTransmitTime).Nanoseconds()
	return abs(forwardPath+returnPath) / 2
}

// CurrentRealTime estimates the reference's current time given its
// transmit timestamp and the average one-way network delay.
func CurrentRealTime(serverTransmitTime time.Time, avgNetworkDelay int64) time.Time {
	return serverTransmitTime.Add(time.Duration(avgNetworkDelay) * time.Nanosecond)
}

// CalculateOffset returns the signed offset (ns) between a reference time
// and the local clock reading taken at the same instant: positive means
// the local clock is ahead.
func CalculateOffset(currentRealTime, currentLocalTime time.Time) int64 {
	return currentLocalTime.UnixNano() - currentRealTime.UnixNano()
}

// Delay computes peer round-trip delay from the four NTPv4 exchange
// timestamps: origin (client transmit), receive (server receive),
// transmit (server transmit), and destination (client receive).
func Delay(origin, receive, transmit, destination time.Time) time.Duration {
	d := destination.Sub(origin) - transmit.Sub(receive)
	if d < 0 {
		d = 0
	}
	return d
}

// Offset computes the clock offset from the four NTPv4 exchange
// timestamps, per RFC 5905 §8, in this project's sign convention:
// positive means the local clock is ahead of the reference (fast), so
// it can be fed straight into AccrueOffset without negation.
func Offset(origin, receive, transmit, destination time.Time) time.Duration {
	return (origin.Sub(receive) + destination.Sub(transmit)) / 2
}
