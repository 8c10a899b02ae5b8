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
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// NMEAGPSRefClock is the one concrete RefClock shipped: a GPS receiver
// speaking NMEA 0183 over a serial line, read for its $GPRMC sentence's
// UTC time-of-day and date fields. It carries no PPS discipline, so its
// accuracy is bounded by sentence-transmission jitter rather than GPS's
// own timing precision; that tradeoff is what Dispersion on
// RefClockSource is for.
type NMEAGPSRefClock struct {
	port    serial.Port
	scanner *bufio.Scanner
}

// OpenNMEAGPS opens device at the given baud rate (commonly 4800 or
// 9600 for consumer NMEA GPS modules) and returns a RefClock reading its
// $GPRMC sentences.
func OpenNMEAGPS(device string, baud int) (*NMEAGPSRefClock, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("ntpsource: open nmea gps %s: %w", device, err)
	}
	return &NMEAGPSRefClock{port: port, scanner: bufio.NewScanner(port)}, nil
}

// Close implements RefClock.
func (g *NMEAGPSRefClock) Close() error { return g.port.Close() }

// Poll implements RefClock: it reads sentences until a parseable $GPRMC
// is found (or the scanner runs dry), building a full timestamp from its
// UTC time-of-day and date fields, with localNow's year resolving the
// century of the two-digit year.
func (g *NMEAGPSRefClock) Poll(localNow time.Time) (time.Time, uint8, error) {
	for g.scanner.Scan() {
		line := strings.TrimSpace(g.scanner.Text())
		t, ok, err := parseGPRMC(line, localNow)
		if err != nil {
			return time.Time{}, 0, err
		}
		if ok {
			return t, 0, nil
		}
	}
	if err := g.scanner.Err(); err != nil {
		return time.Time{}, 0, fmt.Errorf("ntpsource: nmea gps read: %w", err)
	}
	return time.Time{}, 0, fmt.Errorf("ntpsource: nmea gps: no sentence available")
}

// parseGPRMC extracts UTC time and date from a "$GPRMC,..." sentence.
// Returns ok=false for any other sentence type, which the caller just
// skips rather than treating as an error.
func parseGPRMC(line string, localNow time.Time) (time.Time, bool, error) {
	if !strings.HasPrefix(line, "$GPRMC") && !strings.HasPrefix(line, "$GNRMC") {
		return time.Time{}, false, nil
	}
	fields := strings.Split(line, ",")
	// $GPRMC,hhmmss.sss,A,lat,N/S,lon,E/W,speed,course,ddmmyy,...
	if len(fields) < 10 {
		return time.Time{}, false, fmt.Errorf("ntpsource: malformed GPRMC sentence: %q", line)
	}
	if fields[2] != "A" {
		return time.Time{}, false, fmt.Errorf("ntpsource: GPRMC reports void fix")
	}

	hms := fields[1]
	if len(hms) < 6 {
		return time.Time{}, false, fmt.Errorf("ntpsource: malformed GPRMC time field: %q", hms)
	}
	hour, err := strconv.Atoi(hms[0:2])
	if err != nil {
		return time.Time{}, false, err
	}
	minute, err := strconv.Atoi(hms[2:4])
	if err != nil {
		return time.Time{}, false, err
	}
	second, err := strconv.Atoi(hms[4:6])
	if err != nil {
		return time.Time{}, false, err
	}

	date := fields[9]
	if len(date) < 6 {
		return time.Time{}, false, fmt.Errorf("ntpsource: malformed GPRMC date field: %q", date)
	}
	day, err := strconv.Atoi(date[0:2])
	if err != nil {
		return time.Time{}, false, err
	}
	month, err := strconv.Atoi(date[2:4])
	if err != nil {
		return time.Time{}, false, err
	}
	year, err := strconv.Atoi(date[4:6])
	if err != nil {
		return time.Time{}, false, err
	}

	// Place the two-digit year in the century nearest localNow's year.
	fullYear := localNow.Year()/100*100 + year
	if fullYear > localNow.Year()+50 {
		fullYear -= 100
	} else if fullYear < localNow.Year()-50 {
		fullYear += 100
	}
	return time.Date(fullYear, time.Month(month), day, hour, minute, second, 0, time.UTC), true, nil
}
